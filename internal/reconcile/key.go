// Package reconcile matches extracted line items against the product master
// and decides which changes may be applied.
package reconcile

import (
	"strings"

	"invoicerecon/internal/util"
)

// ProductKey is the whitespace-collapsed, lower-cased join of name and spec.
// Blank parts are left out.
func ProductKey(name, spec *string) string {
	parts := make([]string, 0, 2)
	for _, p := range []*string{name, spec} {
		if p == nil {
			continue
		}
		if v := strings.TrimSpace(*p); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.ToLower(util.CollapseSpaces(strings.Join(parts, " ")))
}

// sameSpec compares two spec strings ignoring surrounding and repeated whitespace.
func sameSpec(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return util.CollapseSpaces(*a) == util.CollapseSpaces(*b)
}
