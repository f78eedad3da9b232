// Package refund contains the refund domain model, economic calculator
// and the retry pipeline that returns failed deposits to users.
package refund

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the state of a refund.
type Status string

const (
	// StatusPending - refund queued, not yet picked up by a worker
	StatusPending Status = "pending"
	// StatusProcessing - a worker is building and broadcasting the refund
	StatusProcessing Status = "processing"
	// StatusSent - refund transaction broadcast
	StatusSent Status = "sent"
	// StatusConfirmed - refund confirmed on chain
	StatusConfirmed Status = "confirmed"
	// StatusFailed - the last attempt failed, eligible for retry
	StatusFailed Status = "failed"
	// StatusManualReview - retries exhausted, needs an operator
	StatusManualReview Status = "manual_review"
	// StatusBelowDust - refundable amount below the dust threshold, not sent
	StatusBelowDust Status = "below_dust"
)

// Reason explains why a swap entered the refund pipeline.
type Reason string

const (
	ReasonDepositTimeout    Reason = "deposit_timeout"
	ReasonProcessingTimeout Reason = "processing_timeout"
	ReasonPayoutTimeout     Reason = "payout_timeout"
	ReasonPayoutFailed      Reason = "payout_failed"
	ReasonProviderFailed    Reason = "provider_failed"
	ReasonUserRequested     Reason = "user_requested"
)

// Refund is a queued return of a user deposit.
type Refund struct {
	ID            string
	SwapID        string
	Chain         string
	Ticker        string
	ToAddress     string
	Reason        Reason
	DepositAmount decimal.Decimal
	FeeTotal      decimal.Decimal
	GasEstimate   decimal.Decimal
	RefundAmount  decimal.Decimal
	AmountUSD     decimal.Decimal
	Priority      float64
	Status        Status
	Attempt       int
	NextRetryAt   time.Time
	TxHash        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
