package swapdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/veilswap/middleware/pkg/payout"
)

// CreatePayout inserts a payout row for a swap. The unique swap_id index
// makes this idempotent: it returns (false, nil) when a payout already
// exists, so the caller never broadcasts twice.
func (s *Store) CreatePayout(ctx context.Context, p *payout.Payout) (bool, error) {
	dao := toPayoutDao(p)

	res, err := s.db.NewInsert().
		Model(dao).
		On("CONFLICT (swap_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to create payout: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read payout insert result: %w", err)
	}
	return rows == 1, nil
}

// GetPayoutBySwapID returns the payout bound to a swap.
func (s *Store) GetPayoutBySwapID(ctx context.Context, swapID string) (*payout.Payout, error) {
	dao := new(PayoutDao)
	err := s.db.NewSelect().
		Model(dao).
		Where("swap_id = ?", swapID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPayoutNotFound
		}
		return nil, fmt.Errorf("failed to get payout: %w", err)
	}
	return toPayout(dao), nil
}

// ListPayoutsByStatus returns payouts in the given state, oldest first.
func (s *Store) ListPayoutsByStatus(ctx context.Context, status payout.Status, limit int) ([]*payout.Payout, error) {
	var daos []PayoutDao
	err := s.db.NewSelect().
		Model(&daos).
		Where("status = ?", string(status)).
		Order("created_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list payouts: %w", err)
	}

	payouts := make([]*payout.Payout, len(daos))
	for i := range daos {
		payouts[i] = toPayout(&daos[i])
	}
	return payouts, nil
}

// MarkPayoutSent records the broadcast transaction and gas price.
func (s *Store) MarkPayoutSent(ctx context.Context, id, txHash, gasPrice string) error {
	_, err := s.db.NewUpdate().
		Model((*PayoutDao)(nil)).
		Set("status = ?", string(payout.StatusSent)).
		Set("tx_hash = ?", txHash).
		Set("gas_price = ?::DECIMAL", gasPrice).
		Set("attempt = attempt + 1").
		Set("updated_at = NOW()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to mark payout sent: %w", err)
	}
	return nil
}

// MarkPayoutFailed moves a payout to failed and burns one attempt, so the
// retry loop can tell how many broadcasts have been tried.
func (s *Store) MarkPayoutFailed(ctx context.Context, id string) error {
	_, err := s.db.NewUpdate().
		Model((*PayoutDao)(nil)).
		Set("status = ?", string(payout.StatusFailed)).
		Set("attempt = attempt + 1").
		Set("updated_at = NOW()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to mark payout failed: %w", err)
	}
	return nil
}

// UpdatePayoutStatus moves a payout to the given state.
func (s *Store) UpdatePayoutStatus(ctx context.Context, id string, status payout.Status) error {
	_, err := s.db.NewUpdate().
		Model((*PayoutDao)(nil)).
		Set("status = ?", string(status)).
		Set("updated_at = NOW()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update payout status: %w", err)
	}
	return nil
}
