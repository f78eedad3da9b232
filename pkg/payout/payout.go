// Package payout contains the custody payout domain model and executor.
package payout

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the state of a payout transaction.
type Status string

const (
	// StatusPending - payout row created, not yet broadcast
	StatusPending Status = "pending"
	// StatusSent - transaction broadcast, awaiting confirmation
	StatusSent Status = "sent"
	// StatusConfirmed - transaction confirmed on chain
	StatusConfirmed Status = "confirmed"
	// StatusFailed - broadcast or confirmation failed
	StatusFailed Status = "failed"
)

// Payout is a single custody-to-user payout. At most one payout exists
// per swap; the unique swap_id constraint enforces idempotency.
type Payout struct {
	ID        string
	SwapID    string
	Chain     string
	ToAddress string
	Memo      string
	Amount    decimal.Decimal
	GasPrice  decimal.Decimal
	TxHash    string
	Status    Status
	Attempt   int
	CreatedAt time.Time
	UpdatedAt time.Time
}
