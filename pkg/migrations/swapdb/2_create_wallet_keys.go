package swapdb

import (
	"context"
	"log"

	"github.com/uptrace/bun"

	mghelper "github.com/veilswap/middleware/pkg/pgutil/migrations"
	store "github.com/veilswap/middleware/pkg/swapdb"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		log.Println("creating wallet_keys table...")
		if err := mghelper.CreateSchema(ctx, db, &store.WalletKeyDao{}); err != nil {
			return err
		}
		if err := mghelper.CreateModelIndexes(ctx, db, &store.WalletKeyDao{}, "swap_id"); err != nil {
			return err
		}
		// One derivation index per chain.
		_, err := db.ExecContext(ctx,
			"CREATE UNIQUE INDEX IF NOT EXISTS idx_wallet_keys_chain_index ON wallet_keys (chain, derivation_index)")
		return err
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping wallet_keys table...")
		return mghelper.DropTables(ctx, db, &store.WalletKeyDao{})
	})
}
