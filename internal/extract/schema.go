package extract

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const invoiceSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["lineItems"],
  "properties": {
    "vendorName": {"type": ["string", "null"]},
    "invoiceDate": {"type": ["string", "null"], "pattern": "^\\d{4}-\\d{2}-\\d{2}$"},
    "lineItems": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "lineNo": {"type": ["integer", "null"]},
          "productName": {"type": ["string", "null"]},
          "spec": {"type": ["string", "null"]},
          "quantity": {"type": ["number", "string", "null"]},
          "unitPrice": {"type": ["number", "string", "null"]},
          "amount": {"type": ["number", "string", "null"]},
          "confidence": {"type": ["number", "null"], "minimum": 0, "maximum": 1}
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("invoice.json", strings.NewReader(invoiceSchema)); err != nil {
			schemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile("invoice.json")
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

func validatePayload(data []byte) error {
	schema, err := loadSchema()
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
