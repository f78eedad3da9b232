// Package swap defines the core swap domain model and its lifecycle.
package swap

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status represents a swap lifecycle state.
type Status string

const (
	// StatusWaiting - swap created, waiting for the user deposit
	StatusWaiting Status = "waiting"
	// StatusConfirming - deposit seen, waiting for confirmations
	StatusConfirming Status = "confirming"
	// StatusExchanging - deposit forwarded, upstream provider exchanging
	StatusExchanging Status = "exchanging"
	// StatusSending - provider sending the exchanged funds to custody
	StatusSending Status = "sending"
	// StatusFundsReceived - exchanged funds arrived in custody, payout pending
	StatusFundsReceived Status = "funds_received"
	// StatusCompleted - payout confirmed on the destination chain
	StatusCompleted Status = "completed"
	// StatusExpired - no deposit arrived before the expiry deadline
	StatusExpired Status = "expired"
	// StatusFailed - the swap failed at some stage
	StatusFailed Status = "failed"
	// StatusRefunded - the deposit was returned to the refund address
	StatusRefunded Status = "refunded"
)

// transitions is the set of allowed lifecycle moves. Anything not listed
// is rejected by CanTransitionTo.
var transitions = map[Status][]Status{
	StatusWaiting:       {StatusConfirming, StatusExpired, StatusFailed},
	StatusConfirming:    {StatusExchanging, StatusFailed},
	StatusExchanging:    {StatusSending, StatusFundsReceived, StatusFailed},
	StatusSending:       {StatusFundsReceived, StatusFailed},
	StatusFundsReceived: {StatusCompleted, StatusFailed},
	StatusFailed:        {StatusRefunded},
	StatusExpired:       {StatusRefunded},
}

// CanTransitionTo reports whether moving from s to next is a legal
// lifecycle transition.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusConfirming, StatusExchanging, StatusSending,
		StatusFundsReceived, StatusCompleted, StatusExpired, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// Swap represents a single cross-chain swap handled by the middleware.
type Swap struct {
	ID                 string
	ProviderID         string
	ProviderSwapID     string
	TickerFrom         string
	NetworkFrom        string
	TickerTo           string
	NetworkTo          string
	AmountFrom         decimal.Decimal
	ExpectedAmountTo   decimal.Decimal
	Rate               decimal.Decimal
	Commission         decimal.Decimal
	DepositAddress     string
	DepositMemo        string
	DestinationAddress string
	DestinationMemo    string
	RefundAddress      string
	// ProviderDepositAddress is where the upstream provider expects the
	// source funds; the custody deposit is swept there once confirmed.
	ProviderDepositAddress string
	ProviderDepositMemo    string
	DepositTxHash          string
	ForwardTxHash          string
	PayoutTxHash           string
	Status                 Status
	ExpiresAt              time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Expired reports whether the swap is still waiting past its deadline.
func (s *Swap) Expired(now time.Time) bool {
	return s.Status == StatusWaiting && now.After(s.ExpiresAt)
}

// Currency is an asset tradable through the aggregator, scoped to a network.
type Currency struct {
	ID           int64
	Symbol       string
	Name         string
	Network      string
	IsActive     bool
	LogoURL      string
	RequiresMemo bool
	MinAmount    decimal.Decimal
	MaxAmount    decimal.Decimal
	LastSyncedAt time.Time
}

// Provider is an upstream exchange reachable through the aggregator.
type Provider struct {
	ID                  string
	Name                string
	IsActive            bool
	KYCRating           string
	InsurancePercentage decimal.Decimal
	ETAMinutes          int
	MarkupEnabled       bool
	LastSyncedAt        time.Time
}
