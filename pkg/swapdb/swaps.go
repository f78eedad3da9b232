package swapdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/veilswap/middleware/pkg/swap"
)

// SwapFilter narrows swap list queries. Zero values mean "no filter".
type SwapFilter struct {
	Status      swap.Status
	NetworkFrom string
	NetworkTo   string
}

// SwapPage is one keyset-paginated slice of swap history ordered by
// (created_at DESC, id DESC).
type SwapPage struct {
	Swaps   []*swap.Swap
	HasMore bool
}

// CreateSwap persists a new swap row.
func (s *Store) CreateSwap(ctx context.Context, sw *swap.Swap) error {
	dao := toSwapDao(sw)

	_, err := s.db.NewInsert().
		Model(dao).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create swap: %w", err)
	}
	return nil
}

// GetSwap returns a swap by its id.
func (s *Store) GetSwap(ctx context.Context, id string) (*swap.Swap, error) {
	dao := new(SwapDao)
	err := s.db.NewSelect().
		Model(dao).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSwapNotFound
		}
		return nil, fmt.Errorf("failed to get swap: %w", err)
	}
	return toSwap(dao), nil
}

// GetSwapByDepositAddress returns the swap bound to the given custody address.
func (s *Store) GetSwapByDepositAddress(ctx context.Context, address string) (*swap.Swap, error) {
	dao := new(SwapDao)
	err := s.db.NewSelect().
		Model(dao).
		Where("deposit_address = ?", address).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSwapNotFound
		}
		return nil, fmt.Errorf("failed to get swap by deposit address: %w", err)
	}
	return toSwap(dao), nil
}

// ListSwapsByStatus returns all swaps currently in one of the given states.
func (s *Store) ListSwapsByStatus(ctx context.Context, statuses ...swap.Status) ([]*swap.Swap, error) {
	raw := make([]string, len(statuses))
	for i, st := range statuses {
		raw[i] = string(st)
	}

	var daos []SwapDao
	err := s.db.NewSelect().
		Model(&daos).
		Where("status IN (?)", bun.In(raw)).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list swaps by status: %w", err)
	}

	swaps := make([]*swap.Swap, len(daos))
	for i := range daos {
		swaps[i] = toSwap(&daos[i])
	}
	return swaps, nil
}

// ListSwaps returns one keyset page ordered by (created_at DESC, id DESC).
// A non-zero afterCreatedAt/afterID pair resumes after that row.
func (s *Store) ListSwaps(ctx context.Context, filter SwapFilter, afterCreatedAt time.Time, afterID string, limit int) (*SwapPage, error) {
	if limit <= 0 {
		limit = 50
	}

	var daos []SwapDao
	query := s.db.NewSelect().Model(&daos)

	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.NetworkFrom != "" {
		query = query.Where("network_from = ?", filter.NetworkFrom)
	}
	if filter.NetworkTo != "" {
		query = query.Where("network_to = ?", filter.NetworkTo)
	}
	if !afterCreatedAt.IsZero() && afterID != "" {
		query = query.Where("(created_at, id) < (?, ?)", afterCreatedAt, afterID)
	}

	// Fetch one extra row to detect whether another page exists.
	err := query.
		OrderExpr("created_at DESC, id DESC").
		Limit(limit + 1).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list swaps: %w", err)
	}

	page := &SwapPage{}
	if len(daos) > limit {
		page.HasMore = true
		daos = daos[:limit]
	}
	page.Swaps = make([]*swap.Swap, len(daos))
	for i := range daos {
		page.Swaps[i] = toSwap(&daos[i])
	}
	return page, nil
}

// UpdateSwapStatus moves a swap to the next lifecycle state. The transition
// is validated inside a transaction against the current row so concurrent
// workers cannot race a swap into an illegal state.
func (s *Store) UpdateSwapStatus(ctx context.Context, id string, next swap.Status) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		dao := new(SwapDao)
		err := tx.NewSelect().
			Model(dao).
			Where("id = ?", id).
			For("UPDATE").
			Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrSwapNotFound
			}
			return fmt.Errorf("failed to lock swap: %w", err)
		}

		current := swap.Status(dao.Status)
		if current == next {
			return nil
		}
		if !current.CanTransitionTo(next) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
		}

		_, err = tx.NewUpdate().
			Model((*SwapDao)(nil)).
			Set("status = ?", string(next)).
			Set("updated_at = NOW()").
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to update swap status: %w", err)
		}
		return nil
	})
}

// SetDepositTxHash records the detected deposit transaction.
func (s *Store) SetDepositTxHash(ctx context.Context, id, txHash string) error {
	_, err := s.db.NewUpdate().
		Model((*SwapDao)(nil)).
		Set("deposit_tx_hash = ?", txHash).
		Set("updated_at = NOW()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to set deposit tx hash: %w", err)
	}
	return nil
}

// SetForwardTxHash records the sweep that moved the deposit to the
// provider's address.
func (s *Store) SetForwardTxHash(ctx context.Context, id, txHash string) error {
	_, err := s.db.NewUpdate().
		Model((*SwapDao)(nil)).
		Set("forward_tx_hash = ?", txHash).
		Set("updated_at = NOW()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to set forward tx hash: %w", err)
	}
	return nil
}

// SetPayoutTxHash records the broadcast payout transaction.
func (s *Store) SetPayoutTxHash(ctx context.Context, id, txHash string) error {
	_, err := s.db.NewUpdate().
		Model((*SwapDao)(nil)).
		Set("payout_tx_hash = ?", txHash).
		Set("updated_at = NOW()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to set payout tx hash: %w", err)
	}
	return nil
}

// SetProviderSwapID records the upstream provider trade id.
func (s *Store) SetProviderSwapID(ctx context.Context, id, providerSwapID string) error {
	_, err := s.db.NewUpdate().
		Model((*SwapDao)(nil)).
		Set("provider_swap_id = ?", providerSwapID).
		Set("updated_at = NOW()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to set provider swap id: %w", err)
	}
	return nil
}

// ExpireStaleSwaps marks waiting swaps past their deadline as expired and
// returns the affected ids.
func (s *Store) ExpireStaleSwaps(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.db.NewUpdate().
		Model((*SwapDao)(nil)).
		Set("status = ?", string(swap.StatusExpired)).
		Set("updated_at = NOW()").
		Where("status = ?", string(swap.StatusWaiting)).
		Where("expires_at < ?", now).
		Returning("id").
		Scan(ctx, &ids)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to expire stale swaps: %w", err)
	}
	return ids, nil
}

// CountSwapsByStatus returns the number of swaps per lifecycle state.
func (s *Store) CountSwapsByStatus(ctx context.Context) (map[swap.Status]int, error) {
	var rows []struct {
		Status string `bun:"status"`
		Count  int    `bun:"count"`
	}
	err := s.db.NewSelect().
		Model((*SwapDao)(nil)).
		Column("status").
		ColumnExpr("COUNT(*) AS count").
		Group("status").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("failed to count swaps by status: %w", err)
	}

	counts := make(map[swap.Status]int, len(rows))
	for _, row := range rows {
		counts[swap.Status(row.Status)] = row.Count
	}
	return counts, nil
}
