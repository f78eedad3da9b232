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
		log.Println("creating payouts table...")
		if err := mghelper.CreateSchema(ctx, db, &store.PayoutDao{}); err != nil {
			return err
		}
		return mghelper.CreateModelIndexes(ctx, db, &store.PayoutDao{}, "status")
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping payouts table...")
		return mghelper.DropTables(ctx, db, &store.PayoutDao{})
	})
}
