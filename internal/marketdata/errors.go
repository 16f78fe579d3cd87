package marketdata

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// ValidationError reports a malformed record field (SPEC_FULL §7).
type ValidationError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: field %q expected %s, got %s", e.Field, e.Expected, e.Actual)
}

// ConversionError wraps a numeric parse failure during normalization.
type ConversionError struct {
	Field string
	Cause error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("conversion: field %q: %v", e.Field, e.Cause)
}

func (e *ConversionError) Unwrap() error { return e.Cause }

// ParseDecimalField parses a lossless decimal string, rejecting NaN/Inf and
// (unless allowNegative) negative values — the plausibility rules from
// SPEC_FULL §4.1. IEEE float64 never carries the payload itself; it is used
// here only to detect NaN/Inf in a string that slipped one in.
func ParseDecimalField(field, raw string, allowNegative bool) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Decimal{}, &ValidationError{Field: field, Expected: "non-empty decimal string", Actual: "empty"}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, &ConversionError{Field: field, Cause: err}
	}
	f, _ := d.Float64()
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Decimal{}, &ValidationError{Field: field, Expected: "finite decimal", Actual: raw}
	}
	if !allowNegative && d.IsNegative() {
		return decimal.Decimal{}, &ValidationError{Field: field, Expected: "non-negative", Actual: raw}
	}
	return d, nil
}
