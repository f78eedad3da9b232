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
		log.Println("creating refunds table...")
		if err := mghelper.CreateSchema(ctx, db, &store.RefundDao{}); err != nil {
			return err
		}
		// Claim queries scan by status and due time, ordered by priority.
		_, err := db.ExecContext(ctx,
			"CREATE INDEX IF NOT EXISTS idx_refunds_status_next_retry ON refunds (status, next_retry_at)")
		return err
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping refunds table...")
		return mghelper.DropTables(ctx, db, &store.RefundDao{})
	})
}
