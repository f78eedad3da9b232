package swapdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/veilswap/middleware/pkg/webhook"
)

// CreateEndpoint persists a new webhook endpoint.
func (s *Store) CreateEndpoint(ctx context.Context, e *webhook.Endpoint) error {
	dao := toEndpointDao(e)
	_, err := s.db.NewInsert().
		Model(dao).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create webhook endpoint: %w", err)
	}
	return nil
}

// GetEndpoint returns an endpoint by id.
func (s *Store) GetEndpoint(ctx context.Context, id string) (*webhook.Endpoint, error) {
	dao := new(WebhookEndpointDao)
	err := s.db.NewSelect().
		Model(dao).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEndpointNotFound
		}
		return nil, fmt.Errorf("failed to get webhook endpoint: %w", err)
	}
	return toEndpoint(dao), nil
}

// ListEnabledEndpoints returns all enabled endpoints.
func (s *Store) ListEnabledEndpoints(ctx context.Context) ([]*webhook.Endpoint, error) {
	var daos []WebhookEndpointDao
	err := s.db.NewSelect().
		Model(&daos).
		Where("enabled = TRUE").
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook endpoints: %w", err)
	}

	endpoints := make([]*webhook.Endpoint, len(daos))
	for i := range daos {
		endpoints[i] = toEndpoint(&daos[i])
	}
	return endpoints, nil
}

// ListEndpoints returns all endpoints, enabled or not.
func (s *Store) ListEndpoints(ctx context.Context) ([]*webhook.Endpoint, error) {
	var daos []WebhookEndpointDao
	err := s.db.NewSelect().
		Model(&daos).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook endpoints: %w", err)
	}

	endpoints := make([]*webhook.Endpoint, len(daos))
	for i := range daos {
		endpoints[i] = toEndpoint(&daos[i])
	}
	return endpoints, nil
}

// UpdateEndpoint updates url, enabled flag, event mask and rate limit.
func (s *Store) UpdateEndpoint(ctx context.Context, e *webhook.Endpoint) error {
	events := make([]string, len(e.Events))
	for i, ev := range e.Events {
		events[i] = string(ev)
	}

	res, err := s.db.NewUpdate().
		Model((*WebhookEndpointDao)(nil)).
		Set("url = ?", e.URL).
		Set("enabled = ?", e.Enabled).
		Set("events = ?", events).
		Set("rate_limit_per_second = ?", e.RateLimitPerSecond).
		Set("updated_at = NOW()").
		Where("id = ?", e.ID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update webhook endpoint: %w", err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return ErrEndpointNotFound
	}
	return nil
}

// DeleteEndpoint removes an endpoint.
func (s *Store) DeleteEndpoint(ctx context.Context, id string) error {
	_, err := s.db.NewDelete().
		Model((*WebhookEndpointDao)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete webhook endpoint: %w", err)
	}
	return nil
}

// CreateDelivery inserts a delivery record. The unique idempotency_key
// index makes this the dedup point: it returns (false, nil) when the same
// event was already recorded for the endpoint.
func (s *Store) CreateDelivery(ctx context.Context, d *webhook.Delivery) (bool, error) {
	dao := toDeliveryDao(d)

	res, err := s.db.NewInsert().
		Model(dao).
		On("CONFLICT (idempotency_key) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to create webhook delivery: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read delivery insert result: %w", err)
	}
	return rows == 1, nil
}

// GetDelivery returns a delivery by id.
func (s *Store) GetDelivery(ctx context.Context, id string) (*webhook.Delivery, error) {
	dao := new(WebhookDeliveryDao)
	err := s.db.NewSelect().
		Model(dao).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("failed to get webhook delivery: %w", err)
	}
	return toDelivery(dao), nil
}

// ListDueDeliveries returns undelivered, non-DLQ deliveries whose retry time
// has passed.
func (s *Store) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*webhook.Delivery, error) {
	var daos []WebhookDeliveryDao
	err := s.db.NewSelect().
		Model(&daos).
		Where("delivered_at IS NULL").
		Where("is_dlq = FALSE").
		Where("next_retry_at <= ?", now).
		Order("next_retry_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list due deliveries: %w", err)
	}

	deliveries := make([]*webhook.Delivery, len(daos))
	for i := range daos {
		deliveries[i] = toDelivery(&daos[i])
	}
	return deliveries, nil
}

// MarkDelivered records a successful delivery.
func (s *Store) MarkDelivered(ctx context.Context, id string, statusCode int) error {
	_, err := s.db.NewUpdate().
		Model((*WebhookDeliveryDao)(nil)).
		Set("delivered_at = NOW()").
		Set("last_status_code = ?", statusCode).
		Set("attempt = attempt + 1").
		Set("updated_at = NOW()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to mark delivery done: %w", err)
	}
	return nil
}

// RescheduleDelivery records a failed attempt and the next retry time.
func (s *Store) RescheduleDelivery(ctx context.Context, id string, nextRetryAt time.Time, statusCode int, lastErr string) error {
	_, err := s.db.NewUpdate().
		Model((*WebhookDeliveryDao)(nil)).
		Set("attempt = attempt + 1").
		Set("next_retry_at = ?", nextRetryAt).
		Set("last_status_code = ?", statusCode).
		Set("last_error = ?", lastErr).
		Set("updated_at = NOW()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to reschedule delivery: %w", err)
	}
	return nil
}

// MoveToDLQ parks a delivery in the dead letter queue after retries are
// exhausted.
func (s *Store) MoveToDLQ(ctx context.Context, id string, lastErr string) error {
	_, err := s.db.NewUpdate().
		Model((*WebhookDeliveryDao)(nil)).
		Set("is_dlq = TRUE").
		Set("last_error = ?", lastErr).
		Set("updated_at = NOW()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to move delivery to DLQ: %w", err)
	}
	return nil
}

// ReplayFromDLQ re-arms a DLQ delivery for immediate redelivery.
func (s *Store) ReplayFromDLQ(ctx context.Context, id string) error {
	res, err := s.db.NewUpdate().
		Model((*WebhookDeliveryDao)(nil)).
		Set("is_dlq = FALSE").
		Set("attempt = 0").
		Set("next_retry_at = NOW()").
		Set("updated_at = NOW()").
		Where("id = ?", id).
		Where("is_dlq = TRUE").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to replay delivery: %w", err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return ErrDeliveryNotFound
	}
	return nil
}

// CountDLQDeliveries returns the dead letter queue depth.
func (s *Store) CountDLQDeliveries(ctx context.Context) (int, error) {
	count, err := s.db.NewSelect().
		Model((*WebhookDeliveryDao)(nil)).
		Where("is_dlq = TRUE").
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count DLQ deliveries: %w", err)
	}
	return count, nil
}
