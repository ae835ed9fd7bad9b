package domain

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePaymentMethod(t *testing.T) {
	tests := []struct {
		in   string
		want PaymentMethod
	}{
		{"card", PaymentMethodCard},
		{"CARD", PaymentMethodCard},
		{"upi", PaymentMethodUPI},
		{"UPI", PaymentMethodUPI},
		{" Cash ", PaymentMethodCash},
	}
	for _, tt := range tests {
		got, err := ParsePaymentMethod(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	for _, bad := range []string{"", "crypto", "cheque"} {
		_, err := ParsePaymentMethod(bad)
		assert.ErrorIs(t, err, ErrUnknownPaymentMethod, bad)
	}
}

func TestTransactionStatus_IsTerminal(t *testing.T) {
	assert.True(t, TransactionStatusCompleted.IsTerminal())
	assert.True(t, TransactionStatusFailed.IsTerminal())
	assert.False(t, TransactionStatusPending.IsTerminal())
}

func TestSumLineWeights(t *testing.T) {
	lines := []CartLine{
		{Quantity: 2, LineWeight: decimal.RequireFromString("1.000")},
		{Quantity: 1, LineWeight: decimal.RequireFromString("0.250")},
	}
	assert.True(t, SumLineWeights(lines).Equal(decimal.RequireFromString("1.25")))
	assert.True(t, SumLineWeights(nil).IsZero())
}

func TestCartView_Total(t *testing.T) {
	view := &CartView{Lines: []CartLineView{
		{CartLine: CartLine{Quantity: 2}, UnitPrice: decimal.RequireFromString("5.00")},
		{CartLine: CartLine{Quantity: 1}, UnitPrice: decimal.RequireFromString("10.00")},
	}}
	assert.True(t, view.Total().Equal(decimal.RequireFromString("20")))
	assert.True(t, view.Lines[0].Subtotal().Equal(decimal.RequireFromString("10")))
}

func TestCartLineView_FlatJSON(t *testing.T) {
	v := CartLineView{
		CartLine:    CartLine{ID: 1, ProductID: 7, Quantity: 3},
		ProductName: "Milk",
	}
	data, err := json.Marshal(v)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, float64(7), fields["product_id"])
	assert.Equal(t, "Milk", fields["product_name"])
	assert.NotContains(t, fields, "CartLine")
}

func TestStatusHelpers(t *testing.T) {
	c := Cart{Status: CartStatusActive}
	assert.True(t, c.IsActive())
	c.Status = CartStatusInactive
	assert.False(t, c.IsActive())

	p := Product{StockCount: 0}
	assert.False(t, p.InStock())
	p.StockCount = 1
	assert.True(t, p.InStock())
}
