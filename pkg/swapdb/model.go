package swapdb

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	"github.com/veilswap/middleware/pkg/payout"
	"github.com/veilswap/middleware/pkg/refund"
	"github.com/veilswap/middleware/pkg/swap"
	"github.com/veilswap/middleware/pkg/webhook"
)

// SwapDao is a data access object that maps directly to the 'swaps' table in PostgreSQL.
type SwapDao struct {
	bun.BaseModel          `bun:"table:swaps,alias:s"`
	ID                     string          `bun:"id,pk,type:uuid"`
	ProviderID             string          `bun:"provider_id,notnull,type:varchar(64)"`
	ProviderSwapID         *string         `bun:"provider_swap_id,type:varchar(128)"`
	TickerFrom             string          `bun:"ticker_from,notnull,type:varchar(16)"`
	NetworkFrom            string          `bun:"network_from,notnull,type:varchar(32)"`
	TickerTo               string          `bun:"ticker_to,notnull,type:varchar(16)"`
	NetworkTo              string          `bun:"network_to,notnull,type:varchar(32)"`
	AmountFrom             decimal.Decimal `bun:"amount_from,notnull,type:numeric(38,18)"`
	ExpectedAmountTo       decimal.Decimal `bun:"expected_amount_to,notnull,type:numeric(38,18)"`
	Rate                   decimal.Decimal `bun:"rate,notnull,type:numeric(38,18)"`
	Commission             decimal.Decimal `bun:"commission,notnull,type:numeric(38,18)"`
	DepositAddress         string          `bun:"deposit_address,notnull,type:varchar(128)"`
	DepositMemo            *string         `bun:"deposit_memo,type:varchar(128)"`
	DestinationAddress     string          `bun:"destination_address,notnull,type:varchar(128)"`
	DestinationMemo        *string         `bun:"destination_memo,type:varchar(128)"`
	RefundAddress          *string         `bun:"refund_address,type:varchar(128)"`
	ProviderDepositAddress *string         `bun:"provider_deposit_address,type:varchar(128)"`
	ProviderDepositMemo    *string         `bun:"provider_deposit_memo,type:varchar(128)"`
	DepositTxHash          *string         `bun:"deposit_tx_hash,type:varchar(128)"`
	ForwardTxHash          *string         `bun:"forward_tx_hash,type:varchar(128)"`
	PayoutTxHash           *string         `bun:"payout_tx_hash,type:varchar(128)"`
	Status                 string          `bun:"status,notnull,type:varchar(20)"`
	ExpiresAt              time.Time       `bun:"expires_at,notnull"`
	CreatedAt              time.Time       `bun:"created_at,nullzero,default:current_timestamp"`
	UpdatedAt              time.Time       `bun:"updated_at,nullzero,default:current_timestamp"`
}

func toSwapDao(s *swap.Swap) *SwapDao {
	dao := &SwapDao{
		ID:                 s.ID,
		ProviderID:         s.ProviderID,
		TickerFrom:         s.TickerFrom,
		NetworkFrom:        s.NetworkFrom,
		TickerTo:           s.TickerTo,
		NetworkTo:          s.NetworkTo,
		AmountFrom:         s.AmountFrom,
		ExpectedAmountTo:   s.ExpectedAmountTo,
		Rate:               s.Rate,
		Commission:         s.Commission,
		DepositAddress:     s.DepositAddress,
		DestinationAddress: s.DestinationAddress,
		Status:             string(s.Status),
		ExpiresAt:          s.ExpiresAt,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
	if s.ProviderSwapID != "" {
		dao.ProviderSwapID = &s.ProviderSwapID
	}
	if s.DepositMemo != "" {
		dao.DepositMemo = &s.DepositMemo
	}
	if s.DestinationMemo != "" {
		dao.DestinationMemo = &s.DestinationMemo
	}
	if s.RefundAddress != "" {
		dao.RefundAddress = &s.RefundAddress
	}
	if s.ProviderDepositAddress != "" {
		dao.ProviderDepositAddress = &s.ProviderDepositAddress
	}
	if s.ProviderDepositMemo != "" {
		dao.ProviderDepositMemo = &s.ProviderDepositMemo
	}
	if s.DepositTxHash != "" {
		dao.DepositTxHash = &s.DepositTxHash
	}
	if s.ForwardTxHash != "" {
		dao.ForwardTxHash = &s.ForwardTxHash
	}
	if s.PayoutTxHash != "" {
		dao.PayoutTxHash = &s.PayoutTxHash
	}
	return dao
}

func toSwap(dao *SwapDao) *swap.Swap {
	s := &swap.Swap{
		ID:                 dao.ID,
		ProviderID:         dao.ProviderID,
		TickerFrom:         dao.TickerFrom,
		NetworkFrom:        dao.NetworkFrom,
		TickerTo:           dao.TickerTo,
		NetworkTo:          dao.NetworkTo,
		AmountFrom:         dao.AmountFrom,
		ExpectedAmountTo:   dao.ExpectedAmountTo,
		Rate:               dao.Rate,
		Commission:         dao.Commission,
		DepositAddress:     dao.DepositAddress,
		DestinationAddress: dao.DestinationAddress,
		Status:             swap.Status(dao.Status),
		ExpiresAt:          dao.ExpiresAt,
		CreatedAt:          dao.CreatedAt,
		UpdatedAt:          dao.UpdatedAt,
	}
	if dao.ProviderSwapID != nil {
		s.ProviderSwapID = *dao.ProviderSwapID
	}
	if dao.DepositMemo != nil {
		s.DepositMemo = *dao.DepositMemo
	}
	if dao.DestinationMemo != nil {
		s.DestinationMemo = *dao.DestinationMemo
	}
	if dao.RefundAddress != nil {
		s.RefundAddress = *dao.RefundAddress
	}
	if dao.ProviderDepositAddress != nil {
		s.ProviderDepositAddress = *dao.ProviderDepositAddress
	}
	if dao.ProviderDepositMemo != nil {
		s.ProviderDepositMemo = *dao.ProviderDepositMemo
	}
	if dao.DepositTxHash != nil {
		s.DepositTxHash = *dao.DepositTxHash
	}
	if dao.ForwardTxHash != nil {
		s.ForwardTxHash = *dao.ForwardTxHash
	}
	if dao.PayoutTxHash != nil {
		s.PayoutTxHash = *dao.PayoutTxHash
	}
	return s
}

// WalletKeyDao maps to the 'wallet_keys' table. One row per derived custody
// address; (chain, derivation_index) is unique.
type WalletKeyDao struct {
	bun.BaseModel   `bun:"table:wallet_keys,alias:wk"`
	ID              int64     `bun:"id,pk,autoincrement"`
	SwapID          string    `bun:"swap_id,notnull,type:uuid"`
	Chain           string    `bun:"chain,notnull,type:varchar(32)"`
	DerivationIndex uint32    `bun:"derivation_index,notnull"`
	Address         string    `bun:"address,notnull,type:varchar(128)"`
	CreatedAt       time.Time `bun:"created_at,nullzero,default:current_timestamp"`
}

// CurrencyDao maps to the 'currencies' table, synced from the upstream aggregator.
type CurrencyDao struct {
	bun.BaseModel `bun:"table:currencies,alias:c"`
	ID            int64           `bun:"id,pk,autoincrement"`
	Symbol        string          `bun:"symbol,notnull,type:varchar(16)"`
	Name          string          `bun:"name,notnull,type:varchar(128)"`
	Network       string          `bun:"network,notnull,type:varchar(32)"`
	IsActive      bool            `bun:"is_active,notnull,default:true"`
	LogoURL       *string         `bun:"logo_url,type:varchar(255)"`
	RequiresMemo  bool            `bun:"requires_memo,notnull,default:false"`
	MinAmount     decimal.Decimal `bun:"min_amount,type:numeric(38,18)"`
	MaxAmount     decimal.Decimal `bun:"max_amount,type:numeric(38,18)"`
	LastSyncedAt  time.Time       `bun:"last_synced_at,nullzero,default:current_timestamp"`
	CreatedAt     time.Time       `bun:"created_at,nullzero,default:current_timestamp"`
}

func toCurrency(dao *CurrencyDao) *swap.Currency {
	c := &swap.Currency{
		ID:           dao.ID,
		Symbol:       dao.Symbol,
		Name:         dao.Name,
		Network:      dao.Network,
		IsActive:     dao.IsActive,
		RequiresMemo: dao.RequiresMemo,
		MinAmount:    dao.MinAmount,
		MaxAmount:    dao.MaxAmount,
		LastSyncedAt: dao.LastSyncedAt,
	}
	if dao.LogoURL != nil {
		c.LogoURL = *dao.LogoURL
	}
	return c
}

// ProviderDao maps to the 'providers' table, synced from the upstream aggregator.
type ProviderDao struct {
	bun.BaseModel       `bun:"table:providers,alias:p"`
	ID                  string          `bun:"id,pk,type:varchar(64)"`
	Name                string          `bun:"name,notnull,type:varchar(128)"`
	IsActive            bool            `bun:"is_active,notnull,default:true"`
	KYCRating           string          `bun:"kyc_rating,type:varchar(4)"`
	InsurancePercentage decimal.Decimal `bun:"insurance_percentage,type:numeric(10,4)"`
	ETAMinutes          int             `bun:"eta_minutes"`
	MarkupEnabled       bool            `bun:"markup_enabled,notnull,default:false"`
	LastSyncedAt        time.Time       `bun:"last_synced_at,nullzero,default:current_timestamp"`
	CreatedAt           time.Time       `bun:"created_at,nullzero,default:current_timestamp"`
}

func toProvider(dao *ProviderDao) *swap.Provider {
	return &swap.Provider{
		ID:                  dao.ID,
		Name:                dao.Name,
		IsActive:            dao.IsActive,
		KYCRating:           dao.KYCRating,
		InsurancePercentage: dao.InsurancePercentage,
		ETAMinutes:          dao.ETAMinutes,
		MarkupEnabled:       dao.MarkupEnabled,
		LastSyncedAt:        dao.LastSyncedAt,
	}
}

// ProviderSlug derives the provider row id from its display name.
func ProviderSlug(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "-")
}

// PayoutDao maps to the 'payouts' table. swap_id carries a unique index so a
// second insert for the same swap is a no-op.
type PayoutDao struct {
	bun.BaseModel `bun:"table:payouts,alias:po"`
	ID            string          `bun:"id,pk,type:uuid"`
	SwapID        string          `bun:"swap_id,notnull,unique,type:uuid"`
	Chain         string          `bun:"chain,notnull,type:varchar(32)"`
	ToAddress     string          `bun:"to_address,notnull,type:varchar(128)"`
	Memo          *string         `bun:"memo,type:varchar(128)"`
	Amount        decimal.Decimal `bun:"amount,notnull,type:numeric(38,18)"`
	GasPrice      decimal.Decimal `bun:"gas_price,type:numeric(38,18)"`
	TxHash        *string         `bun:"tx_hash,type:varchar(128)"`
	Status        string          `bun:"status,notnull,type:varchar(20)"`
	Attempt       int             `bun:"attempt,notnull,default:0"`
	CreatedAt     time.Time       `bun:"created_at,nullzero,default:current_timestamp"`
	UpdatedAt     time.Time       `bun:"updated_at,nullzero,default:current_timestamp"`
}

func toPayoutDao(p *payout.Payout) *PayoutDao {
	dao := &PayoutDao{
		ID:        p.ID,
		SwapID:    p.SwapID,
		Chain:     p.Chain,
		ToAddress: p.ToAddress,
		Amount:    p.Amount,
		GasPrice:  p.GasPrice,
		Status:    string(p.Status),
		Attempt:   p.Attempt,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
	if p.Memo != "" {
		dao.Memo = &p.Memo
	}
	if p.TxHash != "" {
		dao.TxHash = &p.TxHash
	}
	return dao
}

func toPayout(dao *PayoutDao) *payout.Payout {
	p := &payout.Payout{
		ID:        dao.ID,
		SwapID:    dao.SwapID,
		Chain:     dao.Chain,
		ToAddress: dao.ToAddress,
		Amount:    dao.Amount,
		GasPrice:  dao.GasPrice,
		Status:    payout.Status(dao.Status),
		Attempt:   dao.Attempt,
		CreatedAt: dao.CreatedAt,
		UpdatedAt: dao.UpdatedAt,
	}
	if dao.Memo != nil {
		p.Memo = *dao.Memo
	}
	if dao.TxHash != nil {
		p.TxHash = *dao.TxHash
	}
	return p
}

// RefundDao maps to the 'refunds' table.
type RefundDao struct {
	bun.BaseModel `bun:"table:refunds,alias:r"`
	ID            string          `bun:"id,pk,type:uuid"`
	SwapID        string          `bun:"swap_id,notnull,unique,type:uuid"`
	Chain         string          `bun:"chain,notnull,type:varchar(32)"`
	Ticker        string          `bun:"ticker,notnull,type:varchar(16)"`
	ToAddress     string          `bun:"to_address,notnull,type:varchar(128)"`
	Reason        string          `bun:"reason,notnull,type:varchar(32)"`
	DepositAmount decimal.Decimal `bun:"deposit_amount,notnull,type:numeric(38,18)"`
	FeeTotal      decimal.Decimal `bun:"fee_total,type:numeric(38,18)"`
	GasEstimate   decimal.Decimal `bun:"gas_estimate,type:numeric(38,18)"`
	RefundAmount  decimal.Decimal `bun:"refund_amount,type:numeric(38,18)"`
	AmountUSD     decimal.Decimal `bun:"amount_usd,type:numeric(38,18)"`
	Priority      float64         `bun:"priority,notnull,default:0"`
	Status        string          `bun:"status,notnull,type:varchar(20)"`
	Attempt       int             `bun:"attempt,notnull,default:0"`
	NextRetryAt   time.Time       `bun:"next_retry_at,nullzero"`
	TxHash        *string         `bun:"tx_hash,type:varchar(128)"`
	CreatedAt     time.Time       `bun:"created_at,nullzero,default:current_timestamp"`
	UpdatedAt     time.Time       `bun:"updated_at,nullzero,default:current_timestamp"`
}

func toRefundDao(r *refund.Refund) *RefundDao {
	dao := &RefundDao{
		ID:            r.ID,
		SwapID:        r.SwapID,
		Chain:         r.Chain,
		Ticker:        r.Ticker,
		ToAddress:     r.ToAddress,
		Reason:        string(r.Reason),
		DepositAmount: r.DepositAmount,
		FeeTotal:      r.FeeTotal,
		GasEstimate:   r.GasEstimate,
		RefundAmount:  r.RefundAmount,
		AmountUSD:     r.AmountUSD,
		Priority:      r.Priority,
		Status:        string(r.Status),
		Attempt:       r.Attempt,
		NextRetryAt:   r.NextRetryAt,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.TxHash != "" {
		dao.TxHash = &r.TxHash
	}
	return dao
}

func toRefund(dao *RefundDao) *refund.Refund {
	r := &refund.Refund{
		ID:            dao.ID,
		SwapID:        dao.SwapID,
		Chain:         dao.Chain,
		Ticker:        dao.Ticker,
		ToAddress:     dao.ToAddress,
		Reason:        refund.Reason(dao.Reason),
		DepositAmount: dao.DepositAmount,
		FeeTotal:      dao.FeeTotal,
		GasEstimate:   dao.GasEstimate,
		RefundAmount:  dao.RefundAmount,
		AmountUSD:     dao.AmountUSD,
		Priority:      dao.Priority,
		Status:        refund.Status(dao.Status),
		Attempt:       dao.Attempt,
		NextRetryAt:   dao.NextRetryAt,
		CreatedAt:     dao.CreatedAt,
		UpdatedAt:     dao.UpdatedAt,
	}
	if dao.TxHash != nil {
		r.TxHash = *dao.TxHash
	}
	return r
}

// WebhookEndpointDao maps to the 'webhook_endpoints' table.
type WebhookEndpointDao struct {
	bun.BaseModel      `bun:"table:webhook_endpoints,alias:we"`
	ID                 string    `bun:"id,pk,type:uuid"`
	URL                string    `bun:"url,notnull,type:varchar(512)"`
	Secret             string    `bun:"secret,notnull,type:varchar(128)"`
	Enabled            bool      `bun:"enabled,notnull,default:true"`
	Events             []string  `bun:"events,array"`
	RateLimitPerSecond float64   `bun:"rate_limit_per_second,notnull,default:10"`
	CreatedAt          time.Time `bun:"created_at,nullzero,default:current_timestamp"`
	UpdatedAt          time.Time `bun:"updated_at,nullzero,default:current_timestamp"`
}

func toEndpointDao(e *webhook.Endpoint) *WebhookEndpointDao {
	events := make([]string, len(e.Events))
	for i, ev := range e.Events {
		events[i] = string(ev)
	}
	return &WebhookEndpointDao{
		ID:                 e.ID,
		URL:                e.URL,
		Secret:             e.Secret,
		Enabled:            e.Enabled,
		Events:             events,
		RateLimitPerSecond: e.RateLimitPerSecond,
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
	}
}

func toEndpoint(dao *WebhookEndpointDao) *webhook.Endpoint {
	events := make([]webhook.EventType, len(dao.Events))
	for i, ev := range dao.Events {
		events[i] = webhook.EventType(ev)
	}
	return &webhook.Endpoint{
		ID:                 dao.ID,
		URL:                dao.URL,
		Secret:             dao.Secret,
		Enabled:            dao.Enabled,
		Events:             events,
		RateLimitPerSecond: dao.RateLimitPerSecond,
		CreatedAt:          dao.CreatedAt,
		UpdatedAt:          dao.UpdatedAt,
	}
}

// WebhookDeliveryDao maps to the 'webhook_deliveries' table. The
// idempotency_key unique index guarantees at-most-once dispatch per event.
type WebhookDeliveryDao struct {
	bun.BaseModel  `bun:"table:webhook_deliveries,alias:wd"`
	ID             string          `bun:"id,pk,type:uuid"`
	EndpointID     string          `bun:"endpoint_id,notnull,type:uuid"`
	SwapID         string          `bun:"swap_id,notnull,type:uuid"`
	EventType      string          `bun:"event_type,notnull,type:varchar(32)"`
	IdempotencyKey string          `bun:"idempotency_key,notnull,unique,type:varchar(64)"`
	Payload        json.RawMessage `bun:"payload,type:jsonb"`
	Signature      string          `bun:"signature,notnull,type:varchar(80)"`
	Timestamp      int64           `bun:"timestamp,notnull"`
	Attempt        int             `bun:"attempt,notnull,default:0"`
	NextRetryAt    time.Time       `bun:"next_retry_at,nullzero"`
	DeliveredAt    *time.Time      `bun:"delivered_at"`
	IsDLQ          bool            `bun:"is_dlq,notnull,default:false"`
	LastStatusCode int             `bun:"last_status_code,notnull,default:0"`
	LastError      *string         `bun:"last_error,type:text"`
	CreatedAt      time.Time       `bun:"created_at,nullzero,default:current_timestamp"`
	UpdatedAt      time.Time       `bun:"updated_at,nullzero,default:current_timestamp"`
}

func toDeliveryDao(d *webhook.Delivery) *WebhookDeliveryDao {
	dao := &WebhookDeliveryDao{
		ID:             d.ID,
		EndpointID:     d.EndpointID,
		SwapID:         d.SwapID,
		EventType:      string(d.EventType),
		IdempotencyKey: d.IdempotencyKey,
		Payload:        d.Payload,
		Signature:      d.Signature,
		Timestamp:      d.Timestamp,
		Attempt:        d.Attempt,
		NextRetryAt:    d.NextRetryAt,
		DeliveredAt:    d.DeliveredAt,
		IsDLQ:          d.IsDLQ,
		LastStatusCode: d.LastStatusCode,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
	if d.LastError != "" {
		dao.LastError = &d.LastError
	}
	return dao
}

func toDelivery(dao *WebhookDeliveryDao) *webhook.Delivery {
	d := &webhook.Delivery{
		ID:             dao.ID,
		EndpointID:     dao.EndpointID,
		SwapID:         dao.SwapID,
		EventType:      webhook.EventType(dao.EventType),
		IdempotencyKey: dao.IdempotencyKey,
		Payload:        dao.Payload,
		Signature:      dao.Signature,
		Timestamp:      dao.Timestamp,
		Attempt:        dao.Attempt,
		NextRetryAt:    dao.NextRetryAt,
		DeliveredAt:    dao.DeliveredAt,
		IsDLQ:          dao.IsDLQ,
		LastStatusCode: dao.LastStatusCode,
		CreatedAt:      dao.CreatedAt,
		UpdatedAt:      dao.UpdatedAt,
	}
	if dao.LastError != nil {
		d.LastError = *dao.LastError
	}
	return d
}
