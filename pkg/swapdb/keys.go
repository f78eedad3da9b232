package swapdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"
)

// AllocateDerivationIndex reserves the next free derivation index for the
// chain and records the derived custody address for the swap. The
// allocation runs in a transaction with the chain's rows locked, so two
// concurrent swap creations never share an index.
func (s *Store) AllocateDerivationIndex(ctx context.Context, swapID, chain string, derive func(index uint32) (string, error)) (uint32, string, error) {
	var index uint32
	var address string

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		// Serialize allocations per chain for the duration of the transaction.
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext(?))", chain); err != nil {
			return fmt.Errorf("failed to lock chain allocation: %w", err)
		}

		var max sql.NullInt64
		err := tx.NewSelect().
			Model((*WalletKeyDao)(nil)).
			ColumnExpr("MAX(derivation_index)").
			Where("chain = ?", chain).
			Scan(ctx, &max)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read max derivation index: %w", err)
		}

		if max.Valid {
			index = uint32(max.Int64) + 1
		}

		address, err = derive(index)
		if err != nil {
			return fmt.Errorf("failed to derive address: %w", err)
		}

		dao := &WalletKeyDao{
			SwapID:          swapID,
			Chain:           chain,
			DerivationIndex: index,
			Address:         address,
		}
		if _, err := tx.NewInsert().Model(dao).Exec(ctx); err != nil {
			return fmt.Errorf("failed to record wallet key: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, "", err
	}
	return index, address, nil
}

// GetDerivationIndex returns the derivation index recorded for a swap on a
// chain.
func (s *Store) GetDerivationIndex(ctx context.Context, swapID, chain string) (uint32, error) {
	dao := new(WalletKeyDao)
	err := s.db.NewSelect().
		Model(dao).
		Where("swap_id = ?", swapID).
		Where("chain = ?", chain).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("no wallet key for swap %s on %s", swapID, chain)
		}
		return 0, fmt.Errorf("failed to get wallet key: %w", err)
	}
	return dao.DerivationIndex, nil
}
