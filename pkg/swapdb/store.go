// Package swapdb provides the PostgreSQL persistence layer for swaps,
// custody keys, payouts, refunds, webhooks and synced reference data.
package swapdb

import (
	"errors"

	"github.com/uptrace/bun"
)

var (
	// ErrSwapNotFound is returned when a swap lookup finds no matching record.
	ErrSwapNotFound = errors.New("swap not found")
	// ErrEndpointNotFound is returned when a webhook endpoint lookup finds no matching record.
	ErrEndpointNotFound = errors.New("webhook endpoint not found")
	// ErrDeliveryNotFound is returned when a webhook delivery lookup finds no matching record.
	ErrDeliveryNotFound = errors.New("webhook delivery not found")
	// ErrRefundNotFound is returned when a refund lookup finds no matching record.
	ErrRefundNotFound = errors.New("refund not found")
	// ErrPayoutNotFound is returned when a payout lookup finds no matching record.
	ErrPayoutNotFound = errors.New("payout not found")
	// ErrInvalidTransition is returned when a status update violates the swap lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the bun-backed persistence layer shared by the API server and
// the background worker.
type Store struct {
	db *bun.DB
}

// NewStore creates a new postgres store on top of an existing connection.
func NewStore(db *bun.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying connection for migrations and tests.
func (s *Store) DB() *bun.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
