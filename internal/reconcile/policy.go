package reconcile

import (
	"github.com/shopspring/decimal"

	"invoicerecon/internal"
)

const (
	MinUpdateConfidence  = 0.85
	MinSpecConfidence    = 0.90
	MaxPriceDeviation    = 0.30
	NewProductConfidence = 0.9
)

type PolicyInput struct {
	Confidence  *float64
	SpecUpdate  bool
	PriceUpdate bool
	// Deviation is nil when it could not be computed.
	Deviation *float64
}

type Decision struct {
	Allowed bool
	Reason  *internal.ReasonCode
}

func reject(code internal.ReasonCode) Decision {
	return Decision{Reason: &code}
}

// EvaluatePolicy gates an update on confidence and price deviation. Checks
// run in a fixed order and the first failing one names the reason.
func EvaluatePolicy(in PolicyInput) Decision {
	if in.Confidence == nil || *in.Confidence < MinUpdateConfidence {
		return reject(internal.ReasonLowConfidence)
	}
	if in.SpecUpdate && *in.Confidence < MinSpecConfidence {
		return reject(internal.ReasonSpecConfidenceLow)
	}
	if in.PriceUpdate {
		if in.Deviation == nil {
			return reject(internal.ReasonPriceUnknown)
		}
		if *in.Deviation > MaxPriceDeviation {
			return reject(internal.ReasonPriceDeviationHigh)
		}
	}
	return Decision{Allowed: true}
}

// Deviation is |next - prev| / prev. It is 0 without a previous price and nil
// when prev is not positive or next is missing.
func Deviation(next, prev *decimal.Decimal) *float64 {
	if next == nil {
		return nil
	}
	if prev == nil {
		zero := 0.0
		return &zero
	}
	if !prev.IsPositive() {
		return nil
	}
	ratio := next.Sub(*prev).Abs().Div(*prev).InexactFloat64()
	return &ratio
}
