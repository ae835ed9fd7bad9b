package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var ErrUnknownPaymentMethod = errors.New("unknown payment method")

type PaymentMethod string

const (
	PaymentMethodCard PaymentMethod = "card"
	PaymentMethodUPI  PaymentMethod = "UPI"
	PaymentMethodCash PaymentMethod = "cash"
)

// ParsePaymentMethod accepts the three tender types, ignoring case.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "card":
		return PaymentMethodCard, nil
	case "upi":
		return PaymentMethodUPI, nil
	case "cash":
		return PaymentMethodCash, nil
	}
	return "", ErrUnknownPaymentMethod
}

func (m PaymentMethod) String() string {
	return string(m)
}

type TransactionStatus string

const (
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusFailed    TransactionStatus = "failed"
)

func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionStatusCompleted || s == TransactionStatusFailed
}

// String representation (for logging)
func (s TransactionStatus) String() string {
	return string(s)
}

// Transaction is the immutable record of a completed checkout. At most one
// exists per cart session.
type Transaction struct {
	ID            string            `json:"id"`
	CartID        int64             `json:"cart_id"`
	CartSession   int32             `json:"cart_session"`
	Email         *string           `json:"email,omitempty"`
	TotalAmount   decimal.Decimal   `json:"total_amount"`
	TotalWeight   decimal.Decimal   `json:"total_weight"`
	PaymentMethod PaymentMethod     `json:"payment_method"`
	Status        TransactionStatus `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
}
