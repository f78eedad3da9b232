package trocador

import (
	"github.com/shopspring/decimal"
)

// Currency is one tradeable asset on the aggregator.
type Currency struct {
	Name    string          `json:"name"`
	Ticker  string          `json:"ticker"`
	Network string          `json:"network"`
	Memo    bool            `json:"memo"`
	Image   string          `json:"image"`
	Minimum decimal.Decimal `json:"minimum"`
	Maximum decimal.Decimal `json:"maximum"`
}

// Provider is one upstream exchange behind the aggregator.
type Provider struct {
	Name       string          `json:"name"`
	Rating     string          `json:"rating"`
	KYCRating  string          `json:"kycrating"`
	Markup     decimal.Decimal `json:"markup"`
	ETAMinutes float64         `json:"eta"`
	Insurance  decimal.Decimal `json:"insurance"`
	Enabled    bool            `json:"enabled"`
}

// RateQuote is one provider's quote inside a rate response.
type RateQuote struct {
	Provider   string          `json:"provider"`
	KYCRating  string          `json:"kycrating"`
	AmountTo   decimal.Decimal `json:"amount_to"`
	Waste      decimal.Decimal `json:"waste"`
	ETAMinutes float64         `json:"eta"`
}

// RateResponse is the aggregator's answer to a rate request.
type RateResponse struct {
	TradeID    string          `json:"trade_id"`
	AmountFrom decimal.Decimal `json:"amount_from"`
	Quotes     []RateQuote     `json:"quotes"`
}

// RateRequest describes the pair and amount to quote.
type RateRequest struct {
	TickerFrom  string
	NetworkFrom string
	TickerTo    string
	NetworkTo   string
	Amount      decimal.Decimal
	// Payment inverts the quote: Amount is the desired amount_to.
	Payment bool
}

// TradeRequest creates a trade on a chosen provider.
type TradeRequest struct {
	TickerFrom  string
	NetworkFrom string
	TickerTo    string
	NetworkTo   string
	Amount      decimal.Decimal
	Address     string
	AddressMemo string
	RefundAddr  string
	Provider    string
	RateID      string
}

// Trade is an upstream swap in flight.
type Trade struct {
	ID          string          `json:"trade_id"`
	Provider    string          `json:"provider"`
	Status      string          `json:"status"`
	AddressFrom string          `json:"address_provider"`
	AddressMemo string          `json:"address_provider_memo"`
	AmountFrom  decimal.Decimal `json:"amount_from"`
	AmountTo    decimal.Decimal `json:"amount_to"`
	TickerFrom  string          `json:"ticker_from"`
	TickerTo    string          `json:"ticker_to"`
	NetworkFrom string          `json:"network_from"`
	NetworkTo   string          `json:"network_to"`
	PayoutTxID  string          `json:"id_payout"`
}

// Upstream trade statuses, mapped onto the swap lifecycle by the listener.
const (
	TradeStatusNew        = "new"
	TradeStatusWaiting    = "waiting"
	TradeStatusConfirming = "confirming"
	TradeStatusSending    = "sending"
	TradeStatusFinished   = "finished"
	TradeStatusFailed     = "failed"
	TradeStatusExpired    = "expired"
	TradeStatusHalted     = "halted"
	TradeStatusRefunded   = "refunded"
)
