package swapdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/veilswap/middleware/pkg/refund"
)

// CreateRefund queues a refund for a swap. The unique swap_id index makes
// repeated enqueues from timeout scans idempotent.
func (s *Store) CreateRefund(ctx context.Context, r *refund.Refund) (bool, error) {
	dao := toRefundDao(r)

	res, err := s.db.NewInsert().
		Model(dao).
		On("CONFLICT (swap_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to create refund: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read refund insert result: %w", err)
	}
	return rows == 1, nil
}

// GetRefund returns a refund by id.
func (s *Store) GetRefund(ctx context.Context, id string) (*refund.Refund, error) {
	dao := new(RefundDao)
	err := s.db.NewSelect().
		Model(dao).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRefundNotFound
		}
		return nil, fmt.Errorf("failed to get refund: %w", err)
	}
	return toRefund(dao), nil
}

// ClaimDueRefunds atomically picks up to limit due refunds ordered by
// priority and marks them processing, so concurrent workers never grab the
// same rows.
func (s *Store) ClaimDueRefunds(ctx context.Context, now time.Time, limit int) ([]*refund.Refund, error) {
	var daos []RefundDao

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		err := tx.NewSelect().
			Model(&daos).
			Where("status IN (?)", bun.In([]string{string(refund.StatusPending), string(refund.StatusFailed)})).
			Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
			OrderExpr("priority DESC, created_at ASC").
			Limit(limit).
			For("UPDATE SKIP LOCKED").
			Scan(ctx)
		if err != nil {
			return fmt.Errorf("failed to select due refunds: %w", err)
		}
		if len(daos) == 0 {
			return nil
		}

		ids := make([]string, len(daos))
		for i := range daos {
			ids[i] = daos[i].ID
		}
		_, err = tx.NewUpdate().
			Model((*RefundDao)(nil)).
			Set("status = ?", string(refund.StatusProcessing)).
			Set("updated_at = NOW()").
			Where("id IN (?)", bun.In(ids)).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to claim refunds: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	refunds := make([]*refund.Refund, len(daos))
	for i := range daos {
		refunds[i] = toRefund(&daos[i])
		refunds[i].Status = refund.StatusProcessing
	}
	return refunds, nil
}

// ReclaimStaleRefunds returns processing rows whose lease ran out to
// pending. A worker that crashed mid-send leaves its claims stuck in
// processing; this puts them back in the queue.
func (s *Store) ReclaimStaleRefunds(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.NewUpdate().
		Model((*RefundDao)(nil)).
		Set("status = ?", string(refund.StatusPending)).
		Set("updated_at = NOW()").
		Where("status = ?", string(refund.StatusProcessing)).
		Where("updated_at < ?", olderThan).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale refunds: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read reclaim result: %w", err)
	}
	return int(rows), nil
}

// ListRefundsByStatus returns refunds in the given state, oldest first.
func (s *Store) ListRefundsByStatus(ctx context.Context, status refund.Status, limit int) ([]*refund.Refund, error) {
	var daos []RefundDao
	err := s.db.NewSelect().
		Model(&daos).
		Where("status = ?", string(status)).
		Order("created_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list refunds: %w", err)
	}

	refunds := make([]*refund.Refund, len(daos))
	for i := range daos {
		refunds[i] = toRefund(&daos[i])
	}
	return refunds, nil
}

// MarkRefundSent records the broadcast refund transaction.
func (s *Store) MarkRefundSent(ctx context.Context, id, txHash string) error {
	_, err := s.db.NewUpdate().
		Model((*RefundDao)(nil)).
		Set("status = ?", string(refund.StatusSent)).
		Set("tx_hash = ?", txHash).
		Set("updated_at = NOW()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to mark refund sent: %w", err)
	}
	return nil
}

// RescheduleRefund records a failed attempt and the next retry time.
func (s *Store) RescheduleRefund(ctx context.Context, id string, attempt int, nextRetryAt time.Time) error {
	_, err := s.db.NewUpdate().
		Model((*RefundDao)(nil)).
		Set("status = ?", string(refund.StatusFailed)).
		Set("attempt = ?", attempt).
		Set("next_retry_at = ?", nextRetryAt).
		Set("updated_at = NOW()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to reschedule refund: %w", err)
	}
	return nil
}

// UpdateRefundStatus moves a refund to the given state.
func (s *Store) UpdateRefundStatus(ctx context.Context, id string, status refund.Status) error {
	_, err := s.db.NewUpdate().
		Model((*RefundDao)(nil)).
		Set("status = ?", string(status)).
		Set("updated_at = NOW()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update refund status: %w", err)
	}
	return nil
}

// CountPendingRefunds returns the refund queue depth.
func (s *Store) CountPendingRefunds(ctx context.Context) (int, error) {
	count, err := s.db.NewSelect().
		Model((*RefundDao)(nil)).
		Where("status IN (?)", bun.In([]string{string(refund.StatusPending), string(refund.StatusFailed)})).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending refunds: %w", err)
	}
	return count, nil
}
