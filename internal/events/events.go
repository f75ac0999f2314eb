// Package events defines the storefront's event envelope, payloads and topics.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	EventCheckoutConfirmed  = "CheckoutConfirmed"
	EventCartClearRequested = "CartClearRequested"
)

const (
	TopicCheckoutConfirmed  = "storefront.checkout.confirmed"
	TopicCartClearRequested = "storefront.cart.clear_requested"
)

const Version = 1

// TopicFor maps an event type to the topic it is published on.
func TopicFor(eventType string) (string, bool) {
	switch eventType {
	case EventCheckoutConfirmed:
		return TopicCheckoutConfirmed, true
	case EventCartClearRequested:
		return TopicCartClearRequested, true
	}
	return "", false
}

// PartitionKey keeps every event of one session on one partition.
func PartitionKey(sessionID string) []byte { return []byte(sessionID) }

type Envelope struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	EventVersion int       `json:"event_version"`
	OccurredAt   time.Time `json:"occurred_at"`
	Producer     string    `json:"producer"`
	SessionID    string    `json:"session_id"`

	// CorrelationID is the order reference of the checkout that caused it.
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

func New(eventType, producer, sessionID, correlationID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  Version,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: correlationID,
		SessionID:     sessionID,
		Payload:       raw,
	}, nil
}

// Decode unpacks the payload of env into T.
func Decode[T any](env Envelope) (T, error) {
	var t T
	if err := json.Unmarshal(env.Payload, &t); err != nil {
		return t, fmt.Errorf("decode %s payload: %w", env.EventType, err)
	}
	return t, nil
}

type LineItem struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Qty       int64  `json:"qty"`
	Price     int64  `json:"price"`
}

type CheckoutConfirmedPayload struct {
	OrderRef string     `json:"order_ref"`
	Name     string     `json:"name"`
	Email    string     `json:"email"`
	Address  string     `json:"address"`
	City     string     `json:"city"`
	Items    []LineItem `json:"items"`
	Total    int64      `json:"total"`
}

type CartClearRequestedPayload struct {
	OrderRef   string `json:"order_ref"`
	Collection string `json:"collection"`
	Reason     string `json:"reason"`
}

type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

type PublisherFunc func(ctx context.Context, env Envelope) error

func (f PublisherFunc) Publish(ctx context.Context, env Envelope) error { return f(ctx, env) }

// Discard drops every event. Used when no broker is configured.
var Discard Publisher = PublisherFunc(func(context.Context, Envelope) error { return nil })
