package payout

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/veilswap/middleware/internal/metrics"
	"github.com/veilswap/middleware/pkg/config"
	"github.com/veilswap/middleware/pkg/refund"
	"github.com/veilswap/middleware/pkg/swap"
	"github.com/veilswap/middleware/pkg/webhook"
)

// Store is the persistence surface the executor needs.
type Store interface {
	ListSwapsByStatus(ctx context.Context, statuses ...swap.Status) ([]*swap.Swap, error)
	GetSwap(ctx context.Context, id string) (*swap.Swap, error)
	UpdateSwapStatus(ctx context.Context, id string, next swap.Status) error
	SetPayoutTxHash(ctx context.Context, id, txHash string) error
	CreatePayout(ctx context.Context, p *Payout) (bool, error)
	GetPayoutBySwapID(ctx context.Context, swapID string) (*Payout, error)
	ListPayoutsByStatus(ctx context.Context, status Status, limit int) ([]*Payout, error)
	MarkPayoutSent(ctx context.Context, id, txHash, gasPrice string) error
	MarkPayoutFailed(ctx context.Context, id string) error
	UpdatePayoutStatus(ctx context.Context, id string, status Status) error
}

// Custody reads custody balances and derives the payout amount for a swap.
type Custody interface {
	// CustodyBalance returns the balance held for the swap on the payout
	// chain.
	CustodyBalance(ctx context.Context, sw *swap.Swap) (decimal.Decimal, error)
}

// Sender signs and broadcasts the payout for a swap, returning the tx hash
// and the gas price used.
type Sender interface {
	SendPayout(ctx context.Context, sw *swap.Swap, p *Payout) (txHash, gasPrice string, err error)
}

// Confirmer checks on-chain confirmation depth for a broadcast payout.
type Confirmer interface {
	Confirmations(ctx context.Context, network, txHash string) (uint64, error)
}

// Notifier emits swap lifecycle webhooks.
type Notifier interface {
	Emit(ctx context.Context, sw *swap.Swap, event webhook.EventType) error
}

// RefundQueue receives swaps whose payout could not be delivered.
type RefundQueue interface {
	Enqueue(ctx context.Context, sw *swap.Swap, reason refund.Reason) error
}

// Executor pays users out once the provider has delivered funds to
// custody. The unique payout row per swap makes the whole flow idempotent:
// a crashed executor never double-sends.
type Executor struct {
	store     Store
	custody   Custody
	sender    Sender
	confirmer Confirmer
	notifier  Notifier
	refunds   RefundQueue
	cfg       *config.PayoutConfig
	logger    *zap.Logger
}

func NewExecutor(store Store, custody Custody, sender Sender, confirmer Confirmer, notifier Notifier, refunds RefundQueue, cfg *config.PayoutConfig, logger *zap.Logger) *Executor {
	return &Executor{
		store:     store,
		custody:   custody,
		sender:    sender,
		confirmer: confirmer,
		notifier:  notifier,
		refunds:   refunds,
		cfg:       cfg,
		logger:    logger,
	}
}

// ProcessReady walks funds_received swaps and broadcasts their payouts.
func (e *Executor) ProcessReady(ctx context.Context) error {
	ready, err := e.store.ListSwapsByStatus(ctx, swap.StatusFundsReceived)
	if err != nil {
		return fmt.Errorf("failed to list swaps ready for payout: %w", err)
	}
	for _, sw := range ready {
		if err := e.payOut(ctx, sw); err != nil {
			e.logger.Error("payout failed",
				zap.String("swap_id", sw.ID),
				zap.Error(err))
		}
	}
	return nil
}

func (e *Executor) payOut(ctx context.Context, sw *swap.Swap) error {
	balance, err := e.custody.CustodyBalance(ctx, sw)
	if err != nil {
		return fmt.Errorf("custody balance check: %w", err)
	}
	required := sw.ExpectedAmountTo.Mul(decimal.NewFromFloat(e.cfg.BalanceTolerance))
	if balance.LessThan(required) {
		e.logger.Warn("custody balance below expected, holding payout",
			zap.String("swap_id", sw.ID),
			zap.String("balance", balance.String()),
			zap.String("required", required.String()))
		return nil
	}

	// Pay out of what actually arrived, not the quote. When the provider
	// delivered less than expected the shortfall comes out of the payout,
	// never out of the custody float.
	base := sw.ExpectedAmountTo
	if balance.LessThan(base) {
		base = balance
	}
	amount := base.Sub(sw.Commission)
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	p := &Payout{
		ID:        uuid.NewString(),
		SwapID:    sw.ID,
		Chain:     strings.ToLower(sw.NetworkTo),
		ToAddress: sw.DestinationAddress,
		Memo:      sw.DestinationMemo,
		Amount:    amount,
		Status:    StatusPending,
	}
	inserted, err := e.store.CreatePayout(ctx, p)
	if err != nil {
		return fmt.Errorf("failed to create payout row: %w", err)
	}
	if !inserted {
		// A payout for this swap already exists. Never resend; the confirm
		// loop will finish the job.
		existing, err := e.store.GetPayoutBySwapID(ctx, sw.ID)
		if err != nil {
			return fmt.Errorf("failed to load existing payout: %w", err)
		}
		e.logger.Info("payout already exists, skipping broadcast",
			zap.String("swap_id", sw.ID),
			zap.String("payout_status", string(existing.Status)))
		return nil
	}

	txHash, gasPrice, err := e.sender.SendPayout(ctx, sw, p)
	if err != nil {
		if uerr := e.store.MarkPayoutFailed(ctx, p.ID); uerr != nil {
			e.logger.Error("failed to mark payout failed", zap.Error(uerr))
		}
		metrics.PayoutsTotal.WithLabelValues(p.Chain, string(StatusFailed)).Inc()
		return fmt.Errorf("failed to broadcast payout: %w", err)
	}

	if err := e.store.MarkPayoutSent(ctx, p.ID, txHash, gasPrice); err != nil {
		return fmt.Errorf("failed to mark payout sent: %w", err)
	}
	if err := e.store.SetPayoutTxHash(ctx, sw.ID, txHash); err != nil {
		e.logger.Error("failed to record payout tx on swap", zap.Error(err))
	}
	metrics.PayoutsTotal.WithLabelValues(p.Chain, string(StatusSent)).Inc()
	e.emit(ctx, sw, webhook.EventPayoutSent)

	e.logger.Info("payout broadcast",
		zap.String("swap_id", sw.ID),
		zap.String("tx_hash", txHash),
		zap.String("amount", p.Amount.String()))
	return nil
}

// RetryFailed re-broadcasts payouts whose send failed, spacing attempts by
// exponential backoff. When the attempts run out the swap fails and the
// deposit goes to the refund pipeline.
func (e *Executor) RetryFailed(ctx context.Context) error {
	failed, err := e.store.ListPayoutsByStatus(ctx, StatusFailed, 100)
	if err != nil {
		return fmt.Errorf("failed to list failed payouts: %w", err)
	}
	for _, p := range failed {
		if p.TxHash != "" {
			// The transaction did reach the network at some point; the
			// confirm loop already judged it. Never broadcast again.
			continue
		}
		sw, err := e.store.GetSwap(ctx, p.SwapID)
		if err != nil {
			e.logger.Error("failed to load swap for payout retry",
				zap.String("payout_id", p.ID),
				zap.Error(err))
			continue
		}
		if p.Attempt >= e.cfg.MaxRetryAttempts {
			e.giveUp(ctx, sw, p)
			continue
		}
		if time.Since(p.UpdatedAt) < e.retryDelay(p.Attempt) {
			continue
		}

		txHash, gasPrice, err := e.sender.SendPayout(ctx, sw, p)
		if err != nil {
			if merr := e.store.MarkPayoutFailed(ctx, p.ID); merr != nil {
				e.logger.Error("failed to mark payout failed", zap.Error(merr))
			}
			metrics.PayoutsTotal.WithLabelValues(p.Chain, string(StatusFailed)).Inc()
			e.logger.Error("payout retry failed",
				zap.String("swap_id", sw.ID),
				zap.Int("attempt", p.Attempt+1),
				zap.Error(err))
			continue
		}

		if err := e.store.MarkPayoutSent(ctx, p.ID, txHash, gasPrice); err != nil {
			e.logger.Error("failed to mark retried payout sent", zap.Error(err))
			continue
		}
		if err := e.store.SetPayoutTxHash(ctx, sw.ID, txHash); err != nil {
			e.logger.Error("failed to record payout tx on swap", zap.Error(err))
		}
		metrics.PayoutsTotal.WithLabelValues(p.Chain, string(StatusSent)).Inc()
		e.emit(ctx, sw, webhook.EventPayoutSent)

		e.logger.Info("payout broadcast on retry",
			zap.String("swap_id", sw.ID),
			zap.String("tx_hash", txHash),
			zap.Int("attempt", p.Attempt+1))
	}
	return nil
}

// giveUp fails a swap whose payout attempts are exhausted and queues the
// deposit for refund.
func (e *Executor) giveUp(ctx context.Context, sw *swap.Swap, p *Payout) {
	if sw.Status != swap.StatusFundsReceived {
		return
	}
	e.logger.Error("payout retries exhausted",
		zap.String("swap_id", sw.ID),
		zap.Int("attempts", p.Attempt))

	if err := e.store.UpdateSwapStatus(ctx, sw.ID, swap.StatusFailed); err != nil {
		e.logger.Error("failed to fail swap after payout retries", zap.Error(err))
		return
	}
	sw.Status = swap.StatusFailed
	e.emit(ctx, sw, webhook.EventPayoutFailed)

	if e.refunds != nil {
		if err := e.refunds.Enqueue(ctx, sw, refund.ReasonPayoutFailed); err != nil {
			e.logger.Error("failed to enqueue payout-failure refund",
				zap.String("swap_id", sw.ID),
				zap.Error(err))
		}
	}
}

// retryDelay is the jittered exponential backoff before the next attempt.
func (e *Executor) retryDelay(attempt int) time.Duration {
	delay := e.cfg.BaseRetryDelay << attempt
	if delay > e.cfg.MaxRetryDelay || delay <= 0 {
		delay = e.cfg.MaxRetryDelay
	}
	jitter := 1 + (rand.Float64()*2-1)*e.cfg.JitterFactor
	return time.Duration(float64(delay) * jitter)
}

func (e *Executor) emit(ctx context.Context, sw *swap.Swap, event webhook.EventType) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Emit(ctx, sw, event); err != nil {
		e.logger.Error("failed to emit payout webhook",
			zap.String("swap_id", sw.ID),
			zap.String("event", string(event)),
			zap.Error(err))
	}
}

// ConfirmSent checks broadcast payouts for confirmation and completes
// their swaps.
func (e *Executor) ConfirmSent(ctx context.Context) error {
	sent, err := e.store.ListPayoutsByStatus(ctx, StatusSent, 100)
	if err != nil {
		return fmt.Errorf("failed to list sent payouts: %w", err)
	}
	for _, p := range sent {
		confs, err := e.confirmer.Confirmations(ctx, p.Chain, p.TxHash)
		if err != nil {
			e.logger.Warn("payout confirmation check failed",
				zap.String("payout_id", p.ID),
				zap.Error(err))
			continue
		}
		if confs == 0 {
			if time.Since(p.UpdatedAt) > e.cfg.ConfirmTimeout {
				e.logger.Error("payout unconfirmed past timeout",
					zap.String("payout_id", p.ID),
					zap.String("tx_hash", p.TxHash))
				if err := e.store.UpdatePayoutStatus(ctx, p.ID, StatusFailed); err != nil {
					e.logger.Error("failed to fail stale payout", zap.Error(err))
				}
				if err := e.store.UpdateSwapStatus(ctx, p.SwapID, swap.StatusFailed); err != nil {
					e.logger.Error("failed to fail swap with stale payout", zap.Error(err))
				}
				metrics.PayoutsTotal.WithLabelValues(p.Chain, string(StatusFailed)).Inc()
				if sw, gerr := e.store.GetSwap(ctx, p.SwapID); gerr == nil {
					e.emit(ctx, sw, webhook.EventPayoutFailed)
				}
			}
			continue
		}

		if err := e.store.UpdatePayoutStatus(ctx, p.ID, StatusConfirmed); err != nil {
			e.logger.Error("failed to confirm payout", zap.Error(err))
			continue
		}
		if err := e.store.UpdateSwapStatus(ctx, p.SwapID, swap.StatusCompleted); err != nil {
			e.logger.Error("failed to complete swap", zap.Error(err))
			continue
		}
		metrics.PayoutsTotal.WithLabelValues(p.Chain, string(StatusConfirmed)).Inc()

		sw, err := e.store.GetSwap(ctx, p.SwapID)
		if err == nil {
			metrics.SwapsTotal.WithLabelValues(sw.NetworkFrom, sw.NetworkTo).Inc()
			metrics.SwapDuration.WithLabelValues(sw.NetworkFrom, sw.NetworkTo).
				Observe(time.Since(sw.CreatedAt).Seconds())
			if e.notifier != nil {
				if err := e.notifier.Emit(ctx, sw, webhook.EventSwapCompleted); err != nil {
					e.logger.Error("failed to emit swap.completed webhook", zap.Error(err))
				}
			}
		}

		e.logger.Info("payout confirmed, swap completed",
			zap.String("swap_id", p.SwapID),
			zap.String("tx_hash", p.TxHash))
	}
	return nil
}
