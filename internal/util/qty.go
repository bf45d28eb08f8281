package util

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	unitPattern     = regexp.MustCompile(`(?i)^(pcs|pc|ea|each|units?|kg|g|m|mm|l|box|set|pack|шт|м|кг|уп)\.?$`)
	numericPattern  = regexp.MustCompile(`^[-+]?\d[\d.,]*$`)
	thousandsDot    = regexp.MustCompile(`^\d{1,3}(?:\.\d{3})+$`)
	thousandsComma  = regexp.MustCompile(`^\d{1,3}(?:,\d{3})+$`)
	currencyStrip   = strings.NewReplacer("$", "", "€", "", "£", "", "¥", "", "₩", "", " ", "")
	maxTrailingNums = 3
)

// ParsedLine is a text line split into its label and trailing figures.
type ParsedLine struct {
	Label     string
	Unit      *string
	Quantity  *decimal.Decimal
	UnitPrice *decimal.Decimal
	Amount    *decimal.Decimal
}

// ParseLine reads up to three trailing numbers off a line. Three numbers are
// quantity, unit price and amount; two are quantity and unit price; one is
// the amount.
func ParseLine(input string) ParsedLine {
	fields := strings.Fields(CollapseSpaces(input))
	nums := make([]decimal.Decimal, 0, maxTrailingNums)
	var unit *string

	end := len(fields)
	for end > 0 && len(nums) < maxTrailingNums {
		token := fields[end-1]
		if unitPattern.MatchString(token) && unit == nil {
			u := normalizeUnit(token)
			unit = &u
			end--
			continue
		}
		value, ok := ParseNumber(token)
		if !ok {
			break
		}
		nums = append([]decimal.Decimal{value}, nums...)
		end--
	}

	out := ParsedLine{Label: strings.Join(fields[:end], " "), Unit: unit}
	switch len(nums) {
	case 3:
		out.Quantity, out.UnitPrice, out.Amount = &nums[0], &nums[1], &nums[2]
	case 2:
		out.Quantity, out.UnitPrice = &nums[0], &nums[1]
	case 1:
		out.Amount = &nums[0]
	}
	return out
}

// ParseNumber accepts plain, thousands-grouped and comma-decimal figures,
// with an optional currency symbol.
func ParseNumber(token string) (decimal.Decimal, bool) {
	compact := currencyStrip.Replace(strings.TrimSpace(token))
	if !numericPattern.MatchString(compact) {
		return decimal.Decimal{}, false
	}
	value, err := decimal.NewFromString(normalizeNumericToken(compact))
	if err != nil {
		return decimal.Decimal{}, false
	}
	return value, true
}

func normalizeUnit(unit string) string {
	u := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(unit)), ".")
	switch u {
	case "pcs", "pc", "ea", "each", "unit", "units", "шт":
		return "pcs"
	case "м":
		return "m"
	case "кг":
		return "kg"
	case "уп":
		return "pack"
	default:
		return u
	}
}

func normalizeNumericToken(token string) string {
	compact := strings.ReplaceAll(token, " ", "")
	if thousandsDot.MatchString(compact) {
		return strings.ReplaceAll(compact, ".", "")
	}
	if thousandsComma.MatchString(compact) {
		return strings.ReplaceAll(compact, ",", "")
	}
	lastDot := strings.LastIndex(compact, ".")
	lastComma := strings.LastIndex(compact, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0 && lastComma > lastDot:
		compact = strings.ReplaceAll(compact, ".", "")
		return strings.ReplaceAll(compact, ",", ".")
	case lastDot >= 0 && lastComma >= 0:
		return strings.ReplaceAll(compact, ",", "")
	case lastComma >= 0:
		return strings.ReplaceAll(compact, ",", ".")
	}
	return compact
}
