package refund

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/veilswap/middleware/internal/metrics"
	"github.com/veilswap/middleware/pkg/config"
	"github.com/veilswap/middleware/pkg/pricing"
	"github.com/veilswap/middleware/pkg/swap"
	"github.com/veilswap/middleware/pkg/webhook"
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	ListSwapsByStatus(ctx context.Context, statuses ...swap.Status) ([]*swap.Swap, error)
	GetSwap(ctx context.Context, id string) (*swap.Swap, error)
	UpdateSwapStatus(ctx context.Context, id string, next swap.Status) error
	CreateRefund(ctx context.Context, r *Refund) (bool, error)
	ClaimDueRefunds(ctx context.Context, now time.Time, limit int) ([]*Refund, error)
	ReclaimStaleRefunds(ctx context.Context, olderThan time.Time) (int, error)
	ListRefundsByStatus(ctx context.Context, status Status, limit int) ([]*Refund, error)
	MarkRefundSent(ctx context.Context, id, txHash string) error
	RescheduleRefund(ctx context.Context, id string, attempt int, nextRetryAt time.Time) error
	UpdateRefundStatus(ctx context.Context, id string, status Status) error
	CountPendingRefunds(ctx context.Context) (int, error)
}

// Sender signs and broadcasts a refund transaction on the deposit chain.
type Sender interface {
	SendRefund(ctx context.Context, r *Refund, gasMultiplier decimal.Decimal) (string, error)
}

// Confirmer checks confirmation depth for a broadcast refund.
type Confirmer interface {
	Confirmations(ctx context.Context, network, txHash string) (uint64, error)
}

// Notifier emits swap lifecycle webhooks.
type Notifier interface {
	Emit(ctx context.Context, sw *swap.Swap, event webhook.EventType) error
}

// Pipeline scans for stuck swaps, queues refunds and works the queue with
// a bounded worker pool.
type Pipeline struct {
	store     Store
	sender    Sender
	confirmer Confirmer
	notifier  Notifier
	cfg       *config.RefundConfig
	logger    *zap.Logger
}

func NewPipeline(store Store, sender Sender, confirmer Confirmer, notifier Notifier, cfg *config.RefundConfig, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:     store,
		sender:    sender,
		confirmer: confirmer,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
	}
}

// Enqueue creates a pending refund for a failed swap. Calling it twice for
// the same swap is a no-op.
func (p *Pipeline) Enqueue(ctx context.Context, sw *swap.Swap, reason Reason) error {
	gasEstimate := CalcGasEstimate(sw.TickerFrom)
	amount := Amount(sw.AmountFrom, sw.Commission, gasEstimate)
	amountUSD := pricing.USDValue(sw.TickerFrom, amount)

	r := &Refund{
		ID:            uuid.NewString(),
		SwapID:        sw.ID,
		Chain:         sw.NetworkFrom,
		Ticker:        sw.TickerFrom,
		ToAddress:     sw.RefundAddress,
		Reason:        reason,
		DepositAmount: sw.AmountFrom,
		FeeTotal:      sw.Commission,
		GasEstimate:   gasEstimate,
		RefundAmount:  amount,
		AmountUSD:     amountUSD,
		Priority:      Priority(p.cfg, time.Since(sw.CreatedAt), amountUSD, 0),
		Status:        StatusPending,
	}
	if BelowDust(p.cfg, r.Ticker, r.RefundAmount) {
		r.Status = StatusBelowDust
	}

	inserted, err := p.store.CreateRefund(ctx, r)
	if err != nil {
		return fmt.Errorf("failed to enqueue refund for swap %s: %w", sw.ID, err)
	}
	if inserted {
		p.logger.Info("refund queued",
			zap.String("swap_id", sw.ID),
			zap.String("reason", string(reason)),
			zap.String("amount", r.RefundAmount.String()),
			zap.String("status", string(r.Status)))
	}
	return nil
}

// timeoutRule maps a set of stuck statuses to a timeout and refund reason.
type timeoutRule struct {
	statuses []swap.Status
	timeout  time.Duration
	reason   Reason
}

// ScanTimeouts fails swaps stuck past their stage timeout and queues their
// refunds. It also returns refunds whose processing lease expired to the
// queue, so claims lost to a crashed worker are picked up again.
func (p *Pipeline) ScanTimeouts(ctx context.Context) error {
	if reclaimed, err := p.store.ReclaimStaleRefunds(ctx, time.Now().Add(-p.cfg.ProcessingLease)); err != nil {
		p.logger.Error("failed to reclaim stale refunds", zap.Error(err))
	} else if reclaimed > 0 {
		p.logger.Warn("reclaimed refunds from expired leases", zap.Int("count", reclaimed))
	}

	rules := []timeoutRule{
		{[]swap.Status{swap.StatusConfirming}, p.cfg.DepositTimeout, ReasonDepositTimeout},
		{[]swap.Status{swap.StatusExchanging, swap.StatusSending}, p.cfg.ProcessingTimeout, ReasonProcessingTimeout},
		{[]swap.Status{swap.StatusFundsReceived}, p.cfg.PayoutTimeout, ReasonPayoutTimeout},
	}

	now := time.Now()
	for _, rule := range rules {
		swaps, err := p.store.ListSwapsByStatus(ctx, rule.statuses...)
		if err != nil {
			return fmt.Errorf("failed to list swaps for timeout scan: %w", err)
		}
		for _, sw := range swaps {
			if now.Sub(sw.UpdatedAt) < rule.timeout {
				continue
			}
			p.logger.Warn("swap stuck past stage timeout",
				zap.String("swap_id", sw.ID),
				zap.String("status", string(sw.Status)),
				zap.String("reason", string(rule.reason)))

			if err := p.store.UpdateSwapStatus(ctx, sw.ID, swap.StatusFailed); err != nil {
				p.logger.Error("failed to fail stuck swap",
					zap.String("swap_id", sw.ID),
					zap.Error(err))
				continue
			}
			sw.Status = swap.StatusFailed
			if p.notifier != nil {
				if err := p.notifier.Emit(ctx, sw, webhook.EventSwapFailed); err != nil {
					p.logger.Error("failed to emit swap.failed webhook", zap.Error(err))
				}
			}
			if err := p.Enqueue(ctx, sw, rule.reason); err != nil {
				p.logger.Error("failed to enqueue refund", zap.Error(err))
			}
		}
	}

	if pending, err := p.store.CountPendingRefunds(ctx); err == nil {
		metrics.RefundQueueDepth.Set(float64(pending))
	}
	return nil
}

// ProcessBatch claims one priority-ordered batch of due refunds and works
// it with the configured pool size. Returns the batch size.
func (p *Pipeline) ProcessBatch(ctx context.Context) (int, error) {
	batch, err := p.store.ClaimDueRefunds(ctx, time.Now(), p.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim refunds: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	jobs := make(chan *Refund)
	var wg sync.WaitGroup
	workers := p.cfg.WorkerPoolSize
	if workers > len(batch) {
		workers = len(batch)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := range jobs {
				p.process(ctx, r)
			}
		}()
	}
	for _, r := range batch {
		jobs <- r
	}
	close(jobs)
	wg.Wait()
	return len(batch), nil
}

func (p *Pipeline) process(ctx context.Context, r *Refund) {
	if r.Status == StatusBelowDust || BelowDust(p.cfg, r.Ticker, r.RefundAmount) {
		if err := p.store.UpdateRefundStatus(ctx, r.ID, StatusBelowDust); err != nil {
			p.logger.Error("failed to mark refund below dust", zap.Error(err))
		}
		metrics.RefundsTotal.WithLabelValues(r.Chain, string(StatusBelowDust)).Inc()
		return
	}

	txHash, err := p.sender.SendRefund(ctx, r, GasMultiplier(p.cfg, r.Attempt))
	if err != nil {
		p.retryOrPark(ctx, r, err)
		return
	}

	// The swap stays failed until the refund confirms on chain; ConfirmSent
	// finishes the job.
	if err := p.store.MarkRefundSent(ctx, r.ID, txHash); err != nil {
		p.logger.Error("failed to mark refund sent",
			zap.String("refund_id", r.ID),
			zap.Error(err))
		return
	}
	metrics.RefundsTotal.WithLabelValues(r.Chain, string(StatusSent)).Inc()

	p.logger.Info("refund sent",
		zap.String("refund_id", r.ID),
		zap.String("swap_id", r.SwapID),
		zap.String("tx_hash", txHash),
		zap.Int("attempt", r.Attempt))
}

// ConfirmSent checks broadcast refunds for confirmation, then marks their
// swaps refunded and announces it.
func (p *Pipeline) ConfirmSent(ctx context.Context) error {
	sent, err := p.store.ListRefundsByStatus(ctx, StatusSent, p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list sent refunds: %w", err)
	}
	for _, r := range sent {
		confs, err := p.confirmer.Confirmations(ctx, r.Chain, r.TxHash)
		if err != nil {
			p.logger.Warn("refund confirmation check failed",
				zap.String("refund_id", r.ID),
				zap.Error(err))
			continue
		}
		if confs == 0 {
			continue
		}

		if err := p.store.UpdateRefundStatus(ctx, r.ID, StatusConfirmed); err != nil {
			p.logger.Error("failed to confirm refund", zap.Error(err))
			continue
		}
		if err := p.store.UpdateSwapStatus(ctx, r.SwapID, swap.StatusRefunded); err != nil {
			p.logger.Error("failed to mark swap refunded",
				zap.String("swap_id", r.SwapID),
				zap.Error(err))
			continue
		}
		metrics.RefundsTotal.WithLabelValues(r.Chain, string(StatusConfirmed)).Inc()

		if p.notifier != nil {
			if sw, err := p.store.GetSwap(ctx, r.SwapID); err == nil {
				if err := p.notifier.Emit(ctx, sw, webhook.EventSwapRefunded); err != nil {
					p.logger.Error("failed to emit swap.refunded webhook", zap.Error(err))
				}
			}
		}

		p.logger.Info("refund confirmed, swap refunded",
			zap.String("refund_id", r.ID),
			zap.String("swap_id", r.SwapID),
			zap.String("tx_hash", r.TxHash))
	}
	return nil
}

func (p *Pipeline) retryOrPark(ctx context.Context, r *Refund, sendErr error) {
	next := r.Attempt + 1
	if next >= p.cfg.MaxRetryAttempts {
		p.logger.Error("refund exhausted retries, parking for manual review",
			zap.String("refund_id", r.ID),
			zap.String("swap_id", r.SwapID),
			zap.Error(sendErr))
		if err := p.store.UpdateRefundStatus(ctx, r.ID, StatusManualReview); err != nil {
			p.logger.Error("failed to park refund", zap.Error(err))
		}
		metrics.RefundsTotal.WithLabelValues(r.Chain, string(StatusManualReview)).Inc()
		return
	}

	delay := RetryDelay(p.cfg, next)
	p.logger.Warn("refund attempt failed, rescheduling",
		zap.String("refund_id", r.ID),
		zap.Int("attempt", next),
		zap.Duration("delay", delay),
		zap.Error(sendErr))
	if err := p.store.RescheduleRefund(ctx, r.ID, next, time.Now().Add(delay)); err != nil {
		p.logger.Error("failed to reschedule refund", zap.Error(err))
	}
	metrics.RefundsTotal.WithLabelValues(r.Chain, string(StatusFailed)).Inc()
}
