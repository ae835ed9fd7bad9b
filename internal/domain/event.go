package domain

import (
	"encoding/json"
	"time"
)

const (
	EventCartUpdated       = "cart.updated"
	EventCartDeactivated   = "cart.deactivated"
	EventCartReactivated   = "cart.reactivated"
	EventCheckoutCompleted = "checkout.completed"
	EventProductRestocked  = "product.restocked"
	EventProductUpdated    = "product.updated"
)

// Event is an outbox row written in the same unit as the state change it
// describes and published later.
type Event struct {
	ID          int64
	EventID     string
	Type        string
	AggregateID string
	Payload     json.RawMessage
	CreatedAt   time.Time
	PublishedAt *time.Time
}
