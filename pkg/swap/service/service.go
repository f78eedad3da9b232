// Package service implements the swap API: rate aggregation, swap creation
// with custody address derivation, history queries and reference data sync.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperrors "github.com/veilswap/middleware/pkg/app/errors"
	"github.com/veilswap/middleware/pkg/cache"
	"github.com/veilswap/middleware/pkg/config"
	"github.com/veilswap/middleware/pkg/gas"
	"github.com/veilswap/middleware/pkg/pricing"
	"github.com/veilswap/middleware/pkg/swap"
	"github.com/veilswap/middleware/pkg/swapdb"
	"github.com/veilswap/middleware/pkg/trocador"
	"github.com/veilswap/middleware/pkg/wallet"
	"github.com/veilswap/middleware/pkg/webhook"
)

// Reference data older than this is refreshed from upstream before serving.
const referenceMaxAge = 5 * time.Minute

// Rate quotes stay cached this long. Long enough to absorb a burst of
// identical quote requests, short enough that prices stay honest.
const rateQuoteTTL = 30 * time.Second

// Store is the persistence surface the service needs.
type Store interface {
	CreateSwap(ctx context.Context, sw *swap.Swap) error
	GetSwap(ctx context.Context, id string) (*swap.Swap, error)
	ListSwaps(ctx context.Context, filter swapdb.SwapFilter, afterCreatedAt time.Time, afterID string, limit int) (*swapdb.SwapPage, error)
	ExpireStaleSwaps(ctx context.Context, now time.Time) ([]string, error)
	AllocateDerivationIndex(ctx context.Context, swapID, chain string, derive func(index uint32) (string, error)) (uint32, string, error)
	GetCurrency(ctx context.Context, ticker, network string) (*swap.Currency, error)
	ListCurrencies(ctx context.Context, filter swapdb.CurrencyFilter) ([]*swap.Currency, error)
	ListProviders(ctx context.Context, filter swapdb.ProviderFilter) ([]*swap.Provider, error)
	ReferenceDataStale(ctx context.Context, table string, maxAge time.Duration) (bool, error)
	UpsertCurrency(ctx context.Context, c *swap.Currency) error
	UpsertProvider(ctx context.Context, p *swap.Provider) error
}

// Provider is the upstream aggregator surface the service needs.
type Provider interface {
	Rates(ctx context.Context, req trocador.RateRequest) (*trocador.RateResponse, error)
	CreateTrade(ctx context.Context, req trocador.TradeRequest) (*trocador.Trade, error)
	Currencies(ctx context.Context) ([]trocador.Currency, error)
	Providers(ctx context.Context) ([]trocador.Provider, error)
}

// Deriver derives custody addresses from the HD wallet.
type Deriver interface {
	Address(chain wallet.Chain, index uint32) (string, error)
}

// FeeEstimator supplies payout gas costs for the pricing floor.
type FeeEstimator interface {
	EstimateFee(ctx context.Context, chain string, txType gas.TxType) (decimal.Decimal, error)
}

// Notifier emits swap lifecycle webhooks.
type Notifier interface {
	Emit(ctx context.Context, sw *swap.Swap, event webhook.EventType) error
}

// QuoteCache keeps rate quotes warm between identical requests. A nil
// cache disables quote caching.
type QuoteCache interface {
	GetOrLoad(ctx context.Context, key string, ttl time.Duration, loader cache.Loader, dest any) error
}

// Service handles the public swap API.
type Service struct {
	store    Store
	provider Provider
	deriver  Deriver
	fees     FeeEstimator
	notifier Notifier
	quotes   QuoteCache
	// protocols maps lowercased network name to its chain protocol.
	protocols map[string]string
	cfg       *config.SwapConfig
	logger    *zap.Logger
}

func NewService(store Store, provider Provider, deriver Deriver, fees FeeEstimator, notifier Notifier, quotes QuoteCache, protocols map[string]string, cfg *config.SwapConfig, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		provider:  provider,
		deriver:   deriver,
		fees:      fees,
		notifier:  notifier,
		quotes:    quotes,
		protocols: protocols,
		cfg:       cfg,
		logger:    logger,
	}
}

// RateParams identifies the pair and amount to quote.
type RateParams struct {
	TickerFrom  string
	NetworkFrom string
	TickerTo    string
	NetworkTo   string
	Amount      decimal.Decimal
}

// RatesResult carries the priced provider quotes plus the upstream rate id
// needed to lock one of them into a trade.
type RatesResult struct {
	RateID            string          `json:"rate_id"`
	AmountFrom        decimal.Decimal `json:"amount_from"`
	EstimatedSlippage decimal.Decimal `json:"estimated_slippage"`
	Quotes            []pricing.Quote `json:"quotes"`
}

// GetRates fans the request out to upstream providers and applies the
// platform commission, returning quotes ranked by what the user receives.
// Results are cached briefly so repeated quote requests for the same pair
// and amount do not hit the upstream each time.
func (s *Service) GetRates(ctx context.Context, params RateParams) (*RatesResult, error) {
	if _, err := s.validatePair(ctx, params.TickerFrom, params.NetworkFrom, params.TickerTo, params.NetworkTo, params.Amount); err != nil {
		return nil, err
	}

	if s.quotes == nil {
		return s.fetchRates(ctx, params)
	}

	key := fmt.Sprintf("rates:%s:%s:%s:%s:%s",
		strings.ToLower(params.TickerFrom), strings.ToLower(params.NetworkFrom),
		strings.ToLower(params.TickerTo), strings.ToLower(params.NetworkTo),
		params.Amount.String())

	result := new(RatesResult)
	err := s.quotes.GetOrLoad(ctx, key, rateQuoteTTL, func(ctx context.Context) (any, error) {
		return s.fetchRates(ctx, params)
	}, result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) fetchRates(ctx context.Context, params RateParams) (*RatesResult, error) {
	resp, err := s.provider.Rates(ctx, trocador.RateRequest{
		TickerFrom:  params.TickerFrom,
		NetworkFrom: params.NetworkFrom,
		TickerTo:    params.TickerTo,
		NetworkTo:   params.NetworkTo,
		Amount:      params.Amount,
	})
	if err != nil {
		return nil, err
	}

	quotes := make([]pricing.Quote, 0, len(resp.Quotes))
	for _, q := range resp.Quotes {
		quotes = append(quotes, pricing.Quote{
			Provider:   q.Provider,
			AmountFrom: resp.AmountFrom,
			AmountTo:   q.AmountTo,
			ETAMinutes: q.ETAMinutes,
			KYCRating:  q.KYCRating,
		})
	}

	priced := pricing.Apply(quotes, strings.ToLower(params.TickerFrom), s.payoutGasCost(ctx, params.NetworkTo))
	slippage := pricing.EstimateSlippage(
		pricing.USDValue(strings.ToLower(params.TickerFrom), resp.AmountFrom),
		pricing.Spread(quotes))
	return &RatesResult{
		RateID:            resp.TradeID,
		AmountFrom:        resp.AmountFrom,
		EstimatedSlippage: slippage,
		Quotes:            priced,
	}, nil
}

// CreateSwapRequest describes a new swap.
type CreateSwapRequest struct {
	TickerFrom         string          `json:"ticker_from"`
	NetworkFrom        string          `json:"network_from"`
	TickerTo           string          `json:"ticker_to"`
	NetworkTo          string          `json:"network_to"`
	Amount             decimal.Decimal `json:"amount"`
	DestinationAddress string          `json:"destination_address"`
	DestinationMemo    string          `json:"destination_memo"`
	RefundAddress      string          `json:"refund_address"`
	Provider           string          `json:"provider"`
	RateID             string          `json:"rate_id"`
}

// CreateSwap validates the request, locks the chosen quote into an upstream
// trade, derives a fresh custody deposit address and persists the swap in
// the waiting state.
func (s *Service) CreateSwap(ctx context.Context, req CreateSwapRequest) (*swap.Swap, error) {
	toCurrency, err := s.validatePair(ctx, req.TickerFrom, req.NetworkFrom, req.TickerTo, req.NetworkTo, req.Amount)
	if err != nil {
		return nil, err
	}

	if req.DestinationAddress == "" {
		return nil, apperrors.BadRequestError(fmt.Errorf("missing destination address"), "destination_address is required")
	}
	if req.RefundAddress == "" {
		return nil, apperrors.BadRequestError(fmt.Errorf("missing refund address"), "refund_address is required")
	}
	if toCurrency.RequiresMemo && req.DestinationMemo == "" {
		return nil, apperrors.BadRequestError(
			fmt.Errorf("missing memo for %s", req.TickerTo),
			fmt.Sprintf("%s on %s requires a destination memo", req.TickerTo, req.NetworkTo))
	}

	fromProtocol, err := s.protocol(req.NetworkFrom)
	if err != nil {
		return nil, err
	}
	toProtocol, err := s.protocol(req.NetworkTo)
	if err != nil {
		return nil, err
	}
	if err := wallet.ValidateAddressForChain(wallet.Chain(toProtocol), req.DestinationAddress); err != nil {
		return nil, apperrors.BadRequestError(err, "invalid destination address")
	}
	if err := wallet.ValidateAddressForChain(wallet.Chain(fromProtocol), req.RefundAddress); err != nil {
		return nil, apperrors.BadRequestError(err, "invalid refund address")
	}

	swapID := uuid.NewString()

	// The deposit address receives the user's funds on the source chain;
	// the custody address receives the provider's payout on the destination
	// chain. Both get a dedicated derivation index so swaps never share
	// addresses.
	_, depositAddr, err := s.store.AllocateDerivationIndex(ctx, swapID, strings.ToLower(req.NetworkFrom),
		func(index uint32) (string, error) {
			return s.deriver.Address(wallet.Chain(fromProtocol), index)
		})
	if err != nil {
		return nil, fmt.Errorf("failed to derive deposit address: %w", err)
	}
	_, custodyAddr, err := s.store.AllocateDerivationIndex(ctx, swapID, strings.ToLower(req.NetworkTo),
		func(index uint32) (string, error) {
			return s.deriver.Address(wallet.Chain(toProtocol), index)
		})
	if err != nil {
		return nil, fmt.Errorf("failed to derive custody address: %w", err)
	}

	trade, err := s.provider.CreateTrade(ctx, trocador.TradeRequest{
		TickerFrom:  req.TickerFrom,
		NetworkFrom: req.NetworkFrom,
		TickerTo:    req.TickerTo,
		NetworkTo:   req.NetworkTo,
		Amount:      req.Amount,
		Address:     custodyAddr,
		RefundAddr:  req.RefundAddress,
		Provider:    req.Provider,
		RateID:      req.RateID,
	})
	if err != nil {
		return nil, err
	}

	priced := pricing.Apply([]pricing.Quote{{
		Provider:   trade.Provider,
		AmountFrom: req.Amount,
		AmountTo:   trade.AmountTo,
	}}, strings.ToLower(req.TickerFrom), s.payoutGasCost(ctx, req.NetworkTo))

	rate := decimal.Zero
	if req.Amount.IsPositive() {
		rate = trade.AmountTo.Div(req.Amount)
	}

	now := time.Now()
	sw := &swap.Swap{
		ID:                 swapID,
		ProviderID:         trade.Provider,
		ProviderSwapID:     trade.ID,
		TickerFrom:         strings.ToLower(req.TickerFrom),
		NetworkFrom:        req.NetworkFrom,
		TickerTo:           strings.ToLower(req.TickerTo),
		NetworkTo:          req.NetworkTo,
		AmountFrom:         req.Amount,
		ExpectedAmountTo:   trade.AmountTo,
		Rate:               rate,
		Commission:         priced[0].PlatformFee,
		DepositAddress:     depositAddr,
		DestinationAddress: req.DestinationAddress,
		DestinationMemo:    req.DestinationMemo,
		RefundAddress:      req.RefundAddress,
		// Where the provider wants the source funds sent; the listener
		// sweeps the confirmed deposit there.
		ProviderDepositAddress: trade.AddressFrom,
		ProviderDepositMemo:    trade.AddressMemo,
		Status:                 swap.StatusWaiting,
		ExpiresAt:              now.Add(s.cfg.DepositExpiry),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.store.CreateSwap(ctx, sw); err != nil {
		return nil, fmt.Errorf("failed to persist swap: %w", err)
	}

	if s.notifier != nil {
		if err := s.notifier.Emit(ctx, sw, webhook.EventSwapCreated); err != nil {
			s.logger.Error("failed to emit swap.created webhook", zap.Error(err))
		}
	}

	s.logger.Info("swap created",
		zap.String("swap_id", sw.ID),
		zap.String("provider", sw.ProviderID),
		zap.String("pair", fmt.Sprintf("%s/%s -> %s/%s", sw.TickerFrom, sw.NetworkFrom, sw.TickerTo, sw.NetworkTo)),
		zap.String("amount", sw.AmountFrom.String()))
	return sw, nil
}

// GetSwap returns one swap by id.
func (s *Service) GetSwap(ctx context.Context, id string) (*swap.Swap, error) {
	sw, err := s.store.GetSwap(ctx, id)
	if err != nil {
		if errors.Is(err, swapdb.ErrSwapNotFound) {
			return nil, apperrors.ResourceNotFoundError(err, "swap not found")
		}
		return nil, fmt.Errorf("failed to load swap: %w", err)
	}
	return sw, nil
}

// ListParams narrows and paginates swap history.
type ListParams struct {
	Status      string
	NetworkFrom string
	NetworkTo   string
	Limit       int
	Cursor      string
}

// SwapPage is one page of swap history with the token for the next one.
type SwapPage struct {
	Swaps      []*swap.Swap
	NextCursor string
}

// ListSwaps returns swap history ordered by creation time descending, using
// keyset pagination. The cursor must have been issued for the same filters.
func (s *Service) ListSwaps(ctx context.Context, params ListParams) (*SwapPage, error) {
	if params.Status != "" && !swap.Status(params.Status).Valid() {
		return nil, apperrors.BadRequestError(
			fmt.Errorf("unknown status %q", params.Status), "unknown status filter")
	}
	filter := swapdb.SwapFilter{
		Status:      swap.Status(params.Status),
		NetworkFrom: params.NetworkFrom,
		NetworkTo:   params.NetworkTo,
	}

	var afterCreatedAt time.Time
	var afterID string
	if params.Cursor != "" {
		c, err := decodeCursor(params.Cursor)
		if err != nil {
			return nil, apperrors.BadRequestError(err, "invalid cursor")
		}
		if !c.matchesFilter(filter) {
			return nil, apperrors.BadRequestError(
				fmt.Errorf("cursor filters do not match request"), "cursor does not match request filters")
		}
		afterCreatedAt, afterID = c.CreatedAt, c.ID
	}

	limit := params.Limit
	if limit <= 0 || limit > s.cfg.HistoryPageSize {
		limit = s.cfg.HistoryPageSize
	}

	page, err := s.store.ListSwaps(ctx, filter, afterCreatedAt, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list swaps: %w", err)
	}

	result := &SwapPage{Swaps: page.Swaps}
	if page.HasMore && len(page.Swaps) > 0 {
		last := page.Swaps[len(page.Swaps)-1]
		result.NextCursor = encodeCursor(cursor{
			CreatedAt:   last.CreatedAt,
			ID:          last.ID,
			Status:      params.Status,
			NetworkFrom: params.NetworkFrom,
			NetworkTo:   params.NetworkTo,
		})
	}
	return result, nil
}

// ListCurrencies returns tradable currencies, refreshing reference data
// first if it has gone stale.
func (s *Service) ListCurrencies(ctx context.Context, filter swapdb.CurrencyFilter) ([]*swap.Currency, error) {
	if err := s.SyncReferenceData(ctx); err != nil {
		s.logger.Warn("reference data sync failed, serving cached data", zap.Error(err))
	}
	return s.store.ListCurrencies(ctx, filter)
}

// ListProviders returns upstream providers, refreshing reference data first
// if it has gone stale.
func (s *Service) ListProviders(ctx context.Context, filter swapdb.ProviderFilter) ([]*swap.Provider, error) {
	if err := s.SyncReferenceData(ctx); err != nil {
		s.logger.Warn("reference data sync failed, serving cached data", zap.Error(err))
	}
	return s.store.ListProviders(ctx, filter)
}

// SyncReferenceData refreshes currencies and providers from upstream when
// their last sync is older than referenceMaxAge.
func (s *Service) SyncReferenceData(ctx context.Context) error {
	stale, err := s.store.ReferenceDataStale(ctx, "currencies", referenceMaxAge)
	if err != nil {
		return err
	}
	if stale {
		currencies, err := s.provider.Currencies(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch currencies: %w", err)
		}
		for i := range currencies {
			c := &currencies[i]
			if err := s.store.UpsertCurrency(ctx, &swap.Currency{
				Symbol:       strings.ToLower(c.Ticker),
				Name:         c.Name,
				Network:      c.Network,
				LogoURL:      c.Image,
				RequiresMemo: c.Memo,
				MinAmount:    c.Minimum,
				MaxAmount:    c.Maximum,
			}); err != nil {
				return err
			}
		}
		s.logger.Info("currencies synced", zap.Int("count", len(currencies)))
	}

	stale, err = s.store.ReferenceDataStale(ctx, "providers", referenceMaxAge)
	if err != nil {
		return err
	}
	if stale {
		providers, err := s.provider.Providers(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch providers: %w", err)
		}
		for i := range providers {
			p := &providers[i]
			if err := s.store.UpsertProvider(ctx, &swap.Provider{
				ID:                  strings.ToLower(p.Name),
				Name:                p.Name,
				IsActive:            p.Enabled,
				KYCRating:           p.KYCRating,
				InsurancePercentage: p.Insurance,
				ETAMinutes:          int(p.ETAMinutes),
				MarkupEnabled:       p.Markup.IsPositive(),
			}); err != nil {
				return err
			}
		}
		s.logger.Info("providers synced", zap.Int("count", len(providers)))
	}
	return nil
}

// ExpireStale moves waiting swaps past their deposit deadline to expired
// and announces the change. Nothing was deposited, so there is nothing to
// refund.
func (s *Service) ExpireStale(ctx context.Context) error {
	ids, err := s.store.ExpireStaleSwaps(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("failed to expire stale swaps: %w", err)
	}
	for _, id := range ids {
		s.logger.Info("swap expired without deposit", zap.String("swap_id", id))
		if s.notifier == nil {
			continue
		}
		sw, err := s.store.GetSwap(ctx, id)
		if err != nil {
			continue
		}
		if err := s.notifier.Emit(ctx, sw, webhook.EventSwapStatusChanged); err != nil {
			s.logger.Error("failed to emit expiry webhook", zap.Error(err))
		}
	}
	return nil
}

// validatePair checks that both currencies exist and the amount is inside
// the source currency's tradable range. Returns the destination currency so
// callers can check its memo requirement.
func (s *Service) validatePair(ctx context.Context, tickerFrom, networkFrom, tickerTo, networkTo string, amount decimal.Decimal) (*swap.Currency, error) {
	if !amount.IsPositive() {
		return nil, apperrors.BadRequestError(fmt.Errorf("non-positive amount %s", amount), "amount must be positive")
	}

	from, err := s.store.GetCurrency(ctx, tickerFrom, networkFrom)
	if err != nil {
		return nil, fmt.Errorf("failed to look up source currency: %w", err)
	}
	if from == nil {
		return nil, apperrors.BadRequestError(
			fmt.Errorf("unknown currency %s/%s", tickerFrom, networkFrom),
			fmt.Sprintf("unsupported currency %s on %s", tickerFrom, networkFrom))
	}
	to, err := s.store.GetCurrency(ctx, tickerTo, networkTo)
	if err != nil {
		return nil, fmt.Errorf("failed to look up destination currency: %w", err)
	}
	if to == nil {
		return nil, apperrors.BadRequestError(
			fmt.Errorf("unknown currency %s/%s", tickerTo, networkTo),
			fmt.Sprintf("unsupported currency %s on %s", tickerTo, networkTo))
	}

	if from.MinAmount.IsPositive() && amount.LessThan(from.MinAmount) {
		return nil, apperrors.BadRequestError(
			fmt.Errorf("amount %s below minimum %s", amount, from.MinAmount),
			fmt.Sprintf("amount below minimum of %s %s", from.MinAmount, tickerFrom))
	}
	if from.MaxAmount.IsPositive() && amount.GreaterThan(from.MaxAmount) {
		return nil, apperrors.BadRequestError(
			fmt.Errorf("amount %s above maximum %s", amount, from.MaxAmount),
			fmt.Sprintf("amount above maximum of %s %s", from.MaxAmount, tickerFrom))
	}
	return to, nil
}

func (s *Service) protocol(network string) (string, error) {
	p, ok := s.protocols[strings.ToLower(network)]
	if !ok {
		return "", apperrors.NotSupportedError(
			fmt.Errorf("no chain configured for network %s", network),
			fmt.Sprintf("network %s is not supported", network))
	}
	return p, nil
}

// payoutGasCost estimates the destination-chain transfer fee used for the
// commission gas floor. Quoting must not fail on a gas hiccup, so errors
// degrade to zero.
func (s *Service) payoutGasCost(ctx context.Context, networkTo string) decimal.Decimal {
	if s.fees == nil {
		return decimal.Zero
	}
	cost, err := s.fees.EstimateFee(ctx, strings.ToLower(networkTo), gas.TxTransfer)
	if err != nil {
		s.logger.Warn("payout gas estimate unavailable",
			zap.String("network", networkTo),
			zap.Error(err))
		return decimal.Zero
	}
	return cost
}
