// Package worker implements app.Runner for the background worker process:
// deposit and provider polling, payouts, refunds, webhook retries and
// reference data sync.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veilswap/middleware/internal/metrics"
	"github.com/veilswap/middleware/pkg/config"
	"github.com/veilswap/middleware/pkg/swap"
)

// How often the worker refreshes the swap status gauges.
const gaugeInterval = 30 * time.Second

// Deposit and provider polling cadence. Each tick only polls the swaps
// whose adaptive schedule says they are due.
const pollInterval = 5 * time.Second

type depositPoller interface {
	PollDeposits(ctx context.Context) error
	ForwardDeposits(ctx context.Context) error
	PollProvider(ctx context.Context) error
}

type payoutExecutor interface {
	ProcessReady(ctx context.Context) error
	RetryFailed(ctx context.Context) error
	ConfirmSent(ctx context.Context) error
}

type refundPipeline interface {
	ScanTimeouts(ctx context.Context) error
	ProcessBatch(ctx context.Context) (int, error)
	ConfirmSent(ctx context.Context) error
}

type webhookRetrier interface {
	ProcessDue(ctx context.Context) (int, error)
}

type swapMaintainer interface {
	SyncReferenceData(ctx context.Context) error
	ExpireStale(ctx context.Context) error
}

type gaugeStore interface {
	CountSwapsByStatus(ctx context.Context) (map[swap.Status]int, error)
}

// Engine runs the worker's periodic loops. Start spawns one goroutine per
// concern; Stop closes them down and waits.
type Engine struct {
	cfg      *config.Config
	listener depositPoller
	payouts  payoutExecutor
	refunds  refundPipeline
	webhooks webhookRetrier
	swaps    swapMaintainer
	store    gaugeStore
	logger   *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewEngine(cfg *config.Config, listener depositPoller, payouts payoutExecutor, refunds refundPipeline, webhooks webhookRetrier, swaps swapMaintainer, store gaugeStore, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		listener: listener,
		payouts:  payouts,
		refunds:  refunds,
		webhooks: webhooks,
		swaps:    swaps,
		store:    store,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start launches all worker loops.
func (e *Engine) Start(ctx context.Context) {
	e.loop(ctx, "deposit_poll", pollInterval, e.listener.PollDeposits)
	e.loop(ctx, "deposit_forward", pollInterval, e.listener.ForwardDeposits)
	e.loop(ctx, "provider_poll", pollInterval, e.listener.PollProvider)
	e.loop(ctx, "payout_process", e.cfg.Payout.CheckInterval, e.payouts.ProcessReady)
	e.loop(ctx, "payout_retry", e.cfg.Payout.CheckInterval, e.payouts.RetryFailed)
	e.loop(ctx, "payout_confirm", e.cfg.Payout.CheckInterval, e.payouts.ConfirmSent)
	e.loop(ctx, "refund_scan", e.cfg.Refund.CheckInterval, e.refunds.ScanTimeouts)
	e.loop(ctx, "refund_process", e.cfg.Refund.CheckInterval, func(ctx context.Context) error {
		_, err := e.refunds.ProcessBatch(ctx)
		return err
	})
	e.loop(ctx, "refund_confirm", e.cfg.Refund.CheckInterval, e.refunds.ConfirmSent)
	e.loop(ctx, "webhook_retry", e.cfg.Webhook.RetryInterval, func(ctx context.Context) error {
		_, err := e.webhooks.ProcessDue(ctx)
		return err
	})
	e.loop(ctx, "reference_sync", e.cfg.Provider.SyncInterval, e.swaps.SyncReferenceData)
	e.loop(ctx, "swap_expiry", e.cfg.Swap.ExpiryInterval, e.swaps.ExpireStale)
	e.loop(ctx, "status_gauges", gaugeInterval, e.updateGauges)

	e.logger.Info("worker engine started")
}

// Stop shuts down all loops and waits for them to finish.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	e.logger.Info("worker engine stopped")
}

// loop runs fn immediately and then on every tick until shutdown.
func (e *Engine) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		interval = time.Minute
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		run := func() {
			if err := fn(ctx); err != nil {
				metrics.ErrorsTotal.WithLabelValues("worker", name).Inc()
				e.logger.Error("worker loop iteration failed",
					zap.String("loop", name),
					zap.Error(err))
			}
		}

		run()
		for {
			select {
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

func (e *Engine) updateGauges(ctx context.Context) error {
	counts, err := e.store.CountSwapsByStatus(ctx)
	if err != nil {
		return err
	}
	for _, status := range []swap.Status{
		swap.StatusWaiting, swap.StatusConfirming, swap.StatusExchanging,
		swap.StatusSending, swap.StatusFundsReceived, swap.StatusCompleted,
		swap.StatusExpired, swap.StatusFailed, swap.StatusRefunded,
	} {
		metrics.SwapsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	return nil
}
