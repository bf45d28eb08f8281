package reconcile

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	DefaultModelConfidence = 0.6

	nameBonus        = 0.05
	specBonus        = 0.05
	consistencyDelta = 0.10
)

var (
	minTolerance      = decimal.NewFromInt(1)
	relativeTolerance = decimal.RequireFromString("0.02")
)

// ConfidenceInput carries the line fields the score looks at.
type ConfidenceInput struct {
	ModelConfidence *float64
	ProductName     *string
	Spec            *string
	Quantity        *decimal.Decimal
	UnitPrice       *decimal.Decimal
	Amount          *decimal.Decimal
}

// SystemConfidence scores a line: the model confidence (0.6 when missing),
// a bonus for a name and for a spec, plus or minus 0.10 depending on whether
// quantity * unit price matches the amount. The result is clamped to [0, 1]
// and rounded to four decimals.
func SystemConfidence(in ConfidenceInput) float64 {
	score := DefaultModelConfidence
	if in.ModelConfidence != nil {
		score = *in.ModelConfidence
	}
	if present(in.ProductName) {
		score += nameBonus
	}
	if present(in.Spec) {
		score += specBonus
	}
	if AmountConsistent(in.Quantity, in.UnitPrice, in.Amount) {
		score += consistencyDelta
	} else {
		score -= consistencyDelta
	}
	score = math.Max(0, math.Min(1, score))
	return math.Round(score*1e4) / 1e4
}

// AmountConsistent reports whether quantity * unitPrice is within
// max(1, |amount| * 0.02) of amount. Any missing figure counts as inconsistent.
func AmountConsistent(qty, price, amount *decimal.Decimal) bool {
	if qty == nil || price == nil || amount == nil {
		return false
	}
	tolerance := decimal.Max(minTolerance, amount.Abs().Mul(relativeTolerance))
	return qty.Mul(*price).Sub(*amount).Abs().LessThanOrEqual(tolerance)
}

func present(s *string) bool {
	return s != nil && strings.TrimSpace(*s) != ""
}
