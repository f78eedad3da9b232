package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veilswap/middleware/internal/metrics"
	"github.com/veilswap/middleware/pkg/config"
	"github.com/veilswap/middleware/pkg/swap"
)

// Store is the persistence surface the dispatcher needs.
type Store interface {
	ListEnabledEndpoints(ctx context.Context) ([]*Endpoint, error)
	GetEndpoint(ctx context.Context, id string) (*Endpoint, error)
	CreateDelivery(ctx context.Context, d *Delivery) (bool, error)
	ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*Delivery, error)
	MarkDelivered(ctx context.Context, id string, statusCode int) error
	RescheduleDelivery(ctx context.Context, id string, nextRetryAt time.Time, statusCode int, lastErr string) error
	MoveToDLQ(ctx context.Context, id string, lastErr string) error
	CountDLQDeliveries(ctx context.Context) (int, error)
}

// payload is the JSON body of every delivery.
type payload struct {
	Event     EventType  `json:"event"`
	Timestamp int64      `json:"timestamp"`
	Swap      swapFields `json:"swap"`
}

type swapFields struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	CurrencyFrom   string `json:"currency_from"`
	CurrencyTo     string `json:"currency_to"`
	NetworkFrom    string `json:"network_from"`
	NetworkTo      string `json:"network_to"`
	AmountFrom     string `json:"amount_from"`
	AmountTo       string `json:"amount_to"`
	DepositAddress string `json:"deposit_address"`
	PayoutTxHash   string `json:"payout_tx_hash,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// Dispatcher fans swap events out to subscribed endpoints, persisting one
// delivery row per endpoint and retrying failed deliveries until they
// succeed or land in the dead letter queue.
type Dispatcher struct {
	store      Store
	cfg        *config.WebhookConfig
	logger     *zap.Logger
	httpClient *http.Client
	limiters   *limiterSet
	breakers   *breakerSet
}

func NewDispatcher(store Store, cfg *config.WebhookConfig, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:      store,
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: cfg.DeliveryTimeout},
		limiters:   newLimiterSet(cfg.BucketCapacity),
		breakers:   newBreakerSet(cfg.BreakerWindow, cfg.BreakerThreshold, cfg.BreakerOpenTimeout, cfg.BreakerHalfOpenProbes),
	}
}

// Emit records deliveries for every subscribed endpoint. Duplicate events
// for the same swap, type and timestamp are dropped by the idempotency key.
// Actual sending happens in the retry loop, so emitting never blocks on a
// slow endpoint.
func (d *Dispatcher) Emit(ctx context.Context, sw *swap.Swap, event EventType) error {
	endpoints, err := d.store.ListEnabledEndpoints(ctx)
	if err != nil {
		return fmt.Errorf("failed to list webhook endpoints: %w", err)
	}
	if len(endpoints) == 0 {
		return nil
	}

	now := time.Now()
	ts := now.Unix()
	body, err := json.Marshal(payload{
		Event:     event,
		Timestamp: ts,
		Swap: swapFields{
			ID:             sw.ID,
			Status:         string(sw.Status),
			CurrencyFrom:   sw.TickerFrom,
			CurrencyTo:     sw.TickerTo,
			NetworkFrom:    sw.NetworkFrom,
			NetworkTo:      sw.NetworkTo,
			AmountFrom:     sw.AmountFrom.String(),
			AmountTo:       sw.ExpectedAmountTo.String(),
			DepositAddress: sw.DepositAddress,
			PayoutTxHash:   sw.PayoutTxHash,
			CreatedAt:      sw.CreatedAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	key := IdempotencyKey(sw.ID, event, ts)
	for _, ep := range endpoints {
		if !ep.Subscribed(event) {
			continue
		}
		inserted, err := d.store.CreateDelivery(ctx, &Delivery{
			ID:             uuid.NewString(),
			EndpointID:     ep.ID,
			SwapID:         sw.ID,
			EventType:      event,
			IdempotencyKey: key,
			Payload:        body,
			Signature:      Sign(ep.Secret, ts, body),
			Timestamp:      ts,
			NextRetryAt:    now,
		})
		if err != nil {
			return fmt.Errorf("failed to create webhook delivery: %w", err)
		}
		if !inserted {
			d.logger.Debug("duplicate webhook event skipped",
				zap.String("swap_id", sw.ID),
				zap.String("event", string(event)))
		}
	}
	return nil
}

// ProcessDue sends one batch of due deliveries. Returns the number of
// deliveries attempted.
func (d *Dispatcher) ProcessDue(ctx context.Context) (int, error) {
	due, err := d.store.ListDueDeliveries(ctx, time.Now(), d.cfg.RetryBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list due deliveries: %w", err)
	}
	for _, delivery := range due {
		d.deliver(ctx, delivery)
	}

	if depth, err := d.store.CountDLQDeliveries(ctx); err == nil {
		metrics.WebhookDLQDepth.Set(float64(depth))
	}
	return len(due), nil
}

func (d *Dispatcher) deliver(ctx context.Context, delivery *Delivery) {
	ep, err := d.store.GetEndpoint(ctx, delivery.EndpointID)
	if err != nil {
		// Endpoint deleted from under its deliveries.
		d.logger.Warn("webhook endpoint gone, moving delivery to dlq",
			zap.String("delivery_id", delivery.ID),
			zap.Error(err))
		_ = d.store.MoveToDLQ(ctx, delivery.ID, "endpoint not found")
		return
	}
	if !ep.Enabled {
		_ = d.store.RescheduleDelivery(ctx, delivery.ID, time.Now().Add(d.cfg.BreakerOpenTimeout), 0, "endpoint disabled")
		return
	}

	if !d.limiters.allow(ep.ID, ep.RateLimitPerSecond) {
		_ = d.store.RescheduleDelivery(ctx, delivery.ID, time.Now().Add(time.Second), 0, "rate limited")
		return
	}

	breaker := d.breakers.get(ep.ID)
	if !breaker.allow() {
		_ = d.store.RescheduleDelivery(ctx, delivery.ID, time.Now().Add(d.cfg.BreakerOpenTimeout), 0, "circuit open")
		return
	}

	statusCode, err := d.post(ctx, ep, delivery)
	breaker.record(err != nil)

	if err == nil {
		if err := d.store.MarkDelivered(ctx, delivery.ID, statusCode); err != nil {
			d.logger.Error("failed to mark delivery as delivered",
				zap.String("delivery_id", delivery.ID),
				zap.Error(err))
			return
		}
		metrics.WebhookDeliveries.WithLabelValues(string(delivery.EventType), "delivered").Inc()
		return
	}

	nextAttempt := delivery.Attempt + 1
	if nextAttempt >= d.cfg.MaxAttempts {
		d.logger.Warn("webhook delivery exhausted retries",
			zap.String("delivery_id", delivery.ID),
			zap.String("endpoint_id", ep.ID),
			zap.Error(err))
		_ = d.store.MoveToDLQ(ctx, delivery.ID, err.Error())
		metrics.WebhookDeliveries.WithLabelValues(string(delivery.EventType), "dlq").Inc()
		return
	}

	next := time.Now().Add(d.RetryDelay(nextAttempt))
	_ = d.store.RescheduleDelivery(ctx, delivery.ID, next, statusCode, err.Error())
	metrics.WebhookDeliveries.WithLabelValues(string(delivery.EventType), "retried").Inc()
}

// post sends the delivery and treats any 2xx as success.
func (d *Dispatcher) post(ctx context.Context, ep *Endpoint, delivery *Delivery) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, delivery.Signature)
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", delivery.Timestamp))
	req.Header.Set(HeaderIdempotency, delivery.IdempotencyKey)
	req.Header.Set(HeaderDeliveryID, delivery.ID)
	req.Header.Set(HeaderAttempt, fmt.Sprintf("%d", delivery.Attempt+1))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// RetryDelay returns min(base * 2^attempt, max) with a ±10% jitter, so
// deliveries that failed together do not retry in lockstep.
func (d *Dispatcher) RetryDelay(attempt int) time.Duration {
	delay := d.cfg.BaseRetryDelay << attempt
	if delay > d.cfg.MaxRetryDelay || delay <= 0 {
		delay = d.cfg.MaxRetryDelay
	}
	jitter := 1 + (rand.Float64()*0.2 - 0.1)
	return time.Duration(float64(delay) * jitter)
}
