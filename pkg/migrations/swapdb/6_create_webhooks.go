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
		log.Println("creating webhook_endpoints and webhook_deliveries tables...")
		if err := mghelper.CreateSchema(ctx, db, &store.WebhookEndpointDao{}, &store.WebhookDeliveryDao{}); err != nil {
			return err
		}
		if err := mghelper.CreateModelIndexes(ctx, db, &store.WebhookDeliveryDao{}, "swap_id"); err != nil {
			return err
		}
		// Retry scanner filter: undelivered, non-DLQ, due.
		_, err := db.ExecContext(ctx,
			"CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_retry ON webhook_deliveries (next_retry_at) WHERE delivered_at IS NULL AND is_dlq = FALSE")
		return err
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping webhook tables...")
		return mghelper.DropTables(ctx, db, &store.WebhookDeliveryDao{}, &store.WebhookEndpointDao{})
	})
}
