package billing

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAmountInput_UnmarshalJSON(t *testing.T) {
	var body struct {
		A AmountInput `json:"a"`
		B AmountInput `json:"b"`
		C AmountInput `json:"c"`
		D AmountInput `json:"d"`
		E AmountInput `json:"e"`
	}
	err := json.Unmarshal([]byte(`{"a": 12.5, "b": "7", "c": null, "d": "", "e": true}`), &body)
	require.NoError(t, err)

	assert.Equal(t, "12.5", body.A.Coerce().String())
	assert.Equal(t, "7", body.B.Coerce().String())
	assert.False(t, body.C.Set)
	assert.False(t, body.D.Set)
	assert.True(t, body.E.Set)
	assert.True(t, body.E.Coerce().IsZero())
}

func TestAmountInput_Parse(t *testing.T) {
	_, err := AmountString("x").Parse("amount", false)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = AmountString("-1").Parse("amount", false)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = AmountInput{}.Parse("amount", true)
	assert.ErrorIs(t, err, ErrValidation)

	d, err := AmountInput{}.Parse("discount", false)
	require.NoError(t, err)
	assert.True(t, d.IsZero())

	d, err = AmountString(" 99.90 ").Parse("amount", true)
	require.NoError(t, err)
	assert.Equal(t, "99.9", d.String())
}
