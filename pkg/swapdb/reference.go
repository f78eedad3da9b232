package swapdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/veilswap/middleware/pkg/swap"
)

// CurrencyFilter narrows currency queries.
type CurrencyFilter struct {
	Ticker  string
	Network string
	Memo    *bool
}

// ProviderFilter narrows provider queries. Sort is one of name, rating, eta.
type ProviderFilter struct {
	Rating        string
	MarkupEnabled *bool
	Sort          string
}

// ReferenceDataStale reports whether the given reference table has not been
// synced within maxAge. A table with no rows is always stale.
func (s *Store) ReferenceDataStale(ctx context.Context, table string, maxAge time.Duration) (bool, error) {
	var lastSync sql.NullTime
	err := s.db.NewSelect().
		TableExpr(table).
		ColumnExpr("MAX(last_synced_at)").
		Scan(ctx, &lastSync)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return true, nil
		}
		return false, fmt.Errorf("failed to check %s staleness: %w", table, err)
	}
	if !lastSync.Valid {
		return true, nil
	}
	return time.Since(lastSync.Time) > maxAge, nil
}

// UpsertCurrency inserts or refreshes a currency synced from upstream.
// (symbol, network) identifies the row.
func (s *Store) UpsertCurrency(ctx context.Context, c *swap.Currency) error {
	dao := &CurrencyDao{
		Symbol:       c.Symbol,
		Name:         c.Name,
		Network:      c.Network,
		IsActive:     true,
		RequiresMemo: c.RequiresMemo,
		MinAmount:    c.MinAmount,
		MaxAmount:    c.MaxAmount,
		LastSyncedAt: time.Now(),
	}
	if c.LogoURL != "" {
		dao.LogoURL = &c.LogoURL
	}

	_, err := s.db.NewInsert().
		Model(dao).
		On("CONFLICT (symbol, network) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("logo_url = EXCLUDED.logo_url").
		Set("min_amount = EXCLUDED.min_amount").
		Set("max_amount = EXCLUDED.max_amount").
		Set("last_synced_at = EXCLUDED.last_synced_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to upsert currency %s/%s: %w", c.Symbol, c.Network, err)
	}
	return nil
}

// ListCurrencies returns active currencies matching the filter, ordered by
// symbol then network.
func (s *Store) ListCurrencies(ctx context.Context, filter CurrencyFilter) ([]*swap.Currency, error) {
	var daos []CurrencyDao
	query := s.db.NewSelect().
		Model(&daos).
		Where("is_active = TRUE")

	if filter.Ticker != "" {
		query = query.Where("LOWER(symbol) = LOWER(?)", filter.Ticker)
	}
	if filter.Network != "" {
		query = query.Where("network = ?", filter.Network)
	}
	if filter.Memo != nil {
		query = query.Where("requires_memo = ?", *filter.Memo)
	}

	err := query.Order("symbol ASC", "network ASC").Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list currencies: %w", err)
	}

	currencies := make([]*swap.Currency, len(daos))
	for i := range daos {
		currencies[i] = toCurrency(&daos[i])
	}
	return currencies, nil
}

// GetCurrency returns one active currency by ticker and network.
func (s *Store) GetCurrency(ctx context.Context, ticker, network string) (*swap.Currency, error) {
	dao := new(CurrencyDao)
	err := s.db.NewSelect().
		Model(dao).
		Where("LOWER(symbol) = LOWER(?)", ticker).
		Where("network = ?", network).
		Where("is_active = TRUE").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get currency: %w", err)
	}
	return toCurrency(dao), nil
}

// UpsertProvider inserts or refreshes a provider synced from upstream. The
// row id is a slug derived from the provider name.
func (s *Store) UpsertProvider(ctx context.Context, p *swap.Provider) error {
	id := p.ID
	if id == "" {
		id = ProviderSlug(p.Name)
	}
	dao := &ProviderDao{
		ID:                  id,
		Name:                p.Name,
		IsActive:            true,
		KYCRating:           p.KYCRating,
		InsurancePercentage: p.InsurancePercentage,
		ETAMinutes:          p.ETAMinutes,
		MarkupEnabled:       p.MarkupEnabled,
		LastSyncedAt:        time.Now(),
	}

	_, err := s.db.NewInsert().
		Model(dao).
		On("CONFLICT (id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("kyc_rating = EXCLUDED.kyc_rating").
		Set("insurance_percentage = EXCLUDED.insurance_percentage").
		Set("eta_minutes = EXCLUDED.eta_minutes").
		Set("markup_enabled = EXCLUDED.markup_enabled").
		Set("last_synced_at = EXCLUDED.last_synced_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to upsert provider %s: %w", p.Name, err)
	}
	return nil
}

// ListProviders returns active providers matching the filter.
func (s *Store) ListProviders(ctx context.Context, filter ProviderFilter) ([]*swap.Provider, error) {
	var daos []ProviderDao
	query := s.db.NewSelect().
		Model(&daos).
		Where("is_active = TRUE")

	if filter.Rating != "" {
		query = query.Where("kyc_rating = ?", filter.Rating)
	}
	if filter.MarkupEnabled != nil {
		query = query.Where("markup_enabled = ?", *filter.MarkupEnabled)
	}

	switch filter.Sort {
	case "rating":
		query = query.Order("kyc_rating ASC", "name ASC")
	case "eta":
		query = query.Order("eta_minutes ASC")
	default:
		query = query.Order("name ASC")
	}

	err := query.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}

	providers := make([]*swap.Provider, len(daos))
	for i := range daos {
		providers[i] = toProvider(&daos[i])
	}
	return providers, nil
}
