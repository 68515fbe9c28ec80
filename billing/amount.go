package billing

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// AmountInput is a client-supplied amount before coercion. Set is false
// when the field was absent, null, or an empty string.
type AmountInput struct {
	Raw string
	Set bool
}

// Amount builds a set AmountInput from a decimal.
func Amount(d decimal.Decimal) AmountInput {
	return AmountInput{Raw: d.String(), Set: true}
}

// AmountString builds a set AmountInput from raw text.
func AmountString(s string) AmountInput {
	return AmountInput{Raw: s, Set: strings.TrimSpace(s) != ""}
}

// UnmarshalJSON accepts a JSON number or string. Any other JSON value is
// kept as set-but-invalid so lenient coercion turns it into zero.
func (a *AmountInput) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*a = AmountInput{}
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = AmountString(s)
	default:
		*a = AmountInput{Raw: string(b), Set: true}
	}
	return nil
}

func (a AmountInput) MarshalJSON() ([]byte, error) {
	if !a.Set {
		return []byte("null"), nil
	}
	return json.Marshal(a.Raw)
}

// Coerce returns the amount as a non-negative decimal. Missing, invalid and
// negative input all become zero.
func (a AmountInput) Coerce() decimal.Decimal {
	if !a.Set {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(strings.TrimSpace(a.Raw))
	if err != nil || d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Parse returns the amount or a ValidationError for non-numeric or negative
// input. A missing amount parses as zero unless required is set.
func (a AmountInput) Parse(field string, required bool) (decimal.Decimal, error) {
	if !a.Set {
		if required {
			return decimal.Zero, invalid(field, "is required")
		}
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(a.Raw))
	if err != nil {
		return decimal.Zero, invalid(field, "must be numeric")
	}
	if d.IsNegative() {
		return decimal.Zero, invalid(field, "must not be negative")
	}
	return d, nil
}
