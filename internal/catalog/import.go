package catalog

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/xuri/excelize/v2"
	"gopkg.in/yaml.v3"
)

// Row is one product master entry from a file or the remote catalog.
// Prices and dates are kept as text until applied.
type Row struct {
	Name      string `yaml:"name"`
	Spec      string `yaml:"spec"`
	Category  string `yaml:"category"`
	UnitPrice string `yaml:"unitPrice"`
	Vendor    string `yaml:"vendor"`
	PriceDate string `yaml:"priceDate"`
	SourceID  string `yaml:"id"`
}

type yamlFile struct {
	Products []Row `yaml:"products"`
}

// ReadYAML reads a `products:` list.
func ReadYAML(path string) ([]Row, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f yamlFile
	if err := yaml.Unmarshal(blob, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make([]Row, 0, len(f.Products))
	for _, r := range f.Products {
		r = r.trimmed()
		if r.Name == "" {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

var reSpaces = regexp.MustCompile(`\s+`)

func normalizeCell(s string) string {
	return strings.TrimSpace(reSpaces.ReplaceAllString(s, " "))
}

type columns struct {
	name, spec, category, price, vendor, date int
}

// ReadXLSX reads every sheet. The first row of a sheet that names a product
// column is taken as the header; a sheet without one is read positionally as
// name, spec, category, price.
func ReadXLSX(path string) ([]Row, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := []Row{}
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}

		cols := columns{name: -1}
		for i, raw := range rows {
			cells := make([]string, 0, len(raw))
			for _, c := range raw {
				cells = append(cells, normalizeCell(c))
			}
			if len(cells) == 0 {
				continue
			}
			if i < 3 && cols.name < 0 {
				if inferred := inferColumns(cells); inferred.name >= 0 {
					cols = inferred
					continue
				}
			}
			if cols.name < 0 {
				cols = columns{name: 0, spec: 1, category: 2, price: 3, vendor: -1, date: -1}
			}

			row := Row{
				Name:      pickCell(cells, cols.name),
				Spec:      pickCell(cells, cols.spec),
				Category:  pickCell(cells, cols.category),
				UnitPrice: pickCell(cells, cols.price),
				Vendor:    pickCell(cells, cols.vendor),
				PriceDate: pickCell(cells, cols.date),
				SourceID:  fmt.Sprintf("%s!%d", sheet, i+1),
			}
			if row.Name == "" {
				continue
			}
			out = append(out, row)
		}
	}
	return out, nil
}

func inferColumns(headers []string) columns {
	norm := make([]string, 0, len(headers))
	for _, h := range headers {
		norm = append(norm, strings.ToLower(h))
	}
	return columns{
		name:     findHeaderIndex(norm, []string{"name", "product", "item", "наимен", "товар"}),
		spec:     findHeaderIndex(norm, []string{"spec", "size", "model", "характ"}),
		category: findHeaderIndex(norm, []string{"category", "group", "катег"}),
		price:    findHeaderIndex(norm, []string{"price", "цена"}),
		vendor:   findHeaderIndex(norm, []string{"vendor", "supplier", "поставщ"}),
		date:     findHeaderIndex(norm, []string{"date", "дата"}),
	}
}

func findHeaderIndex(headers []string, probes []string) int {
	for i, h := range headers {
		for _, probe := range probes {
			if strings.Contains(h, probe) {
				return i
			}
		}
	}
	return -1
}

func pickCell(cells []string, idx int) string {
	if idx >= 0 && idx < len(cells) {
		return strings.TrimSpace(cells[idx])
	}
	return ""
}

func (r Row) trimmed() Row {
	r.Name = normalizeCell(r.Name)
	r.Spec = normalizeCell(r.Spec)
	r.Category = strings.TrimSpace(r.Category)
	r.UnitPrice = strings.TrimSpace(r.UnitPrice)
	r.Vendor = strings.TrimSpace(r.Vendor)
	r.PriceDate = strings.TrimSpace(r.PriceDate)
	return r
}
