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
		log.Println("creating swaps table...")
		if err := mghelper.CreateSchema(ctx, db, &store.SwapDao{}); err != nil {
			return err
		}
		if err := mghelper.CreateModelIndexes(ctx, db, &store.SwapDao{}, "status"); err != nil {
			return err
		}
		if err := mghelper.CreateModelUniqueIndexes(ctx, db, &store.SwapDao{}, "deposit_address"); err != nil {
			return err
		}
		// Keyset pagination index matching ORDER BY created_at DESC, id DESC.
		_, err := db.ExecContext(ctx,
			"CREATE INDEX IF NOT EXISTS idx_swaps_created_at_id ON swaps (created_at DESC, id DESC)")
		return err
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping swaps table...")
		return mghelper.DropTables(ctx, db, &store.SwapDao{})
	})
}
