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
		log.Println("creating currencies and providers tables...")
		if err := mghelper.CreateSchema(ctx, db, &store.CurrencyDao{}, &store.ProviderDao{}); err != nil {
			return err
		}
		// Upsert target for the reference data syncer.
		if _, err := db.ExecContext(ctx,
			"CREATE UNIQUE INDEX IF NOT EXISTS idx_currencies_symbol_network ON currencies (symbol, network)"); err != nil {
			return err
		}
		return mghelper.CreateModelIndexes(ctx, db, &store.ProviderDao{}, "kyc_rating")
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping currencies and providers tables...")
		return mghelper.DropTables(ctx, db, &store.CurrencyDao{}, &store.ProviderDao{})
	})
}
