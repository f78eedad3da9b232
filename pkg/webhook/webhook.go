// Package webhook contains webhook endpoint management and the signed,
// idempotent delivery pipeline with retries and a dead letter queue.
package webhook

import (
	"encoding/json"
	"time"
)

// EventType identifies a webhook event.
type EventType string

const (
	EventSwapCreated       EventType = "swap.created"
	EventSwapStatusChanged EventType = "swap.status_changed"
	EventSwapCompleted     EventType = "swap.completed"
	EventSwapFailed        EventType = "swap.failed"
	EventSwapRefunded      EventType = "swap.refunded"
	EventPayoutSent        EventType = "payout.sent"
	EventPayoutFailed      EventType = "payout.failed"
)

// Valid reports whether e is a known event type.
func (e EventType) Valid() bool {
	switch e {
	case EventSwapCreated, EventSwapStatusChanged, EventSwapCompleted,
		EventSwapFailed, EventSwapRefunded, EventPayoutSent, EventPayoutFailed:
		return true
	}
	return false
}

// Endpoint is a merchant-registered webhook destination.
type Endpoint struct {
	ID                 string
	URL                string
	Secret             string
	Enabled            bool
	Events             []EventType
	RateLimitPerSecond float64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Subscribed reports whether the endpoint wants the given event type.
// An empty event list means all events.
func (e *Endpoint) Subscribed(event EventType) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, ev := range e.Events {
		if ev == event {
			return true
		}
	}
	return false
}

// Delivery is a single webhook delivery record, tracked across retries.
type Delivery struct {
	ID             string
	EndpointID     string
	SwapID         string
	EventType      EventType
	IdempotencyKey string
	Payload        json.RawMessage
	Signature      string
	Timestamp      int64
	Attempt        int
	NextRetryAt    time.Time
	DeliveredAt    *time.Time
	IsDLQ          bool
	LastStatusCode int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
