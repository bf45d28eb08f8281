package util

import "strings"

func StringPtr(v string) *string { return &v }

func FloatPtr(v float64) *float64 { return &v }

// NonEmptyPtr returns nil for blank strings, otherwise a pointer to the trimmed value.
func NonEmptyPtr(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func Deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// TrimmedOrNil treats nil and blank strings alike.
func TrimmedOrNil(v *string) *string {
	if v == nil {
		return nil
	}
	return NonEmptyPtr(*v)
}
