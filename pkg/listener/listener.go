// Package listener watches custody deposit addresses and the upstream
// provider, driving swaps through the front half of their lifecycle.
package listener

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/veilswap/middleware/internal/metrics"
	"github.com/veilswap/middleware/pkg/refund"
	"github.com/veilswap/middleware/pkg/swap"
	"github.com/veilswap/middleware/pkg/trocador"
	"github.com/veilswap/middleware/pkg/webhook"
)

// Store is the persistence surface the listener needs.
type Store interface {
	ListSwapsByStatus(ctx context.Context, statuses ...swap.Status) ([]*swap.Swap, error)
	UpdateSwapStatus(ctx context.Context, id string, next swap.Status) error
	SetForwardTxHash(ctx context.Context, id, txHash string) error
}

// BalanceReader reads a custody address balance on one chain.
type BalanceReader interface {
	Balance(ctx context.Context, address string) (decimal.Decimal, error)
}

// Custody sweeps confirmed deposits over to the provider and reads the
// destination-side custody balance.
type Custody interface {
	ForwardDeposit(ctx context.Context, sw *swap.Swap) (string, error)
	CustodyBalance(ctx context.Context, sw *swap.Swap) (decimal.Decimal, error)
}

// Provider polls upstream trade status.
type Provider interface {
	TradeStatus(ctx context.Context, tradeID string) (*trocador.Trade, error)
}

// Notifier emits swap lifecycle webhooks.
type Notifier interface {
	Emit(ctx context.Context, sw *swap.Swap, event webhook.EventType) error
}

// RefundQueue enqueues refunds for swaps the provider gave up on.
type RefundQueue interface {
	Enqueue(ctx context.Context, sw *swap.Swap, reason refund.Reason) error
}

// Listener polls deposit addresses on an adaptive schedule and mirrors
// upstream provider state onto local swaps.
type Listener struct {
	store    Store
	chains   map[string]BalanceReader // keyed by lowercased network
	provider Provider
	custody  Custody
	notifier Notifier
	refunds  RefundQueue
	strategy *Strategy
	// tolerance scales the expected amount when checking whether the
	// provider's funds actually arrived.
	tolerance float64
	logger    *zap.Logger

	mu       sync.Mutex
	nextPoll map[string]time.Time
}

func New(store Store, chains map[string]BalanceReader, provider Provider, custody Custody, notifier Notifier, refunds RefundQueue, strategy *Strategy, tolerance float64, logger *zap.Logger) *Listener {
	return &Listener{
		store:     store,
		chains:    chains,
		provider:  provider,
		custody:   custody,
		notifier:  notifier,
		refunds:   refunds,
		strategy:  strategy,
		tolerance: tolerance,
		logger:    logger,
		nextPoll:  make(map[string]time.Time),
	}
}

// PollDeposits checks funding on every waiting swap whose adaptive poll
// time has come.
func (l *Listener) PollDeposits(ctx context.Context) error {
	waiting, err := l.store.ListSwapsByStatus(ctx, swap.StatusWaiting)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, sw := range waiting {
		if !l.due(sw.ID, now) {
			continue
		}
		l.schedule(sw.ID, now.Add(l.strategy.PollInterval(now.Sub(sw.CreatedAt))))

		reader, ok := l.chains[strings.ToLower(sw.NetworkFrom)]
		if !ok {
			l.logger.Warn("no chain client for deposit network",
				zap.String("swap_id", sw.ID),
				zap.String("network", sw.NetworkFrom))
			continue
		}

		balance, err := reader.Balance(ctx, sw.DepositAddress)
		if err != nil {
			l.logger.Warn("deposit balance check failed",
				zap.String("swap_id", sw.ID),
				zap.Error(err))
			continue
		}
		if balance.LessThan(sw.AmountFrom) {
			continue
		}

		l.logger.Info("deposit detected",
			zap.String("swap_id", sw.ID),
			zap.String("address", sw.DepositAddress),
			zap.String("balance", balance.String()))
		metrics.DepositsDetected.WithLabelValues(strings.ToLower(sw.NetworkFrom)).Inc()

		if err := l.transition(ctx, sw, swap.StatusConfirming); err != nil {
			l.logger.Error("failed to advance swap to confirming",
				zap.String("swap_id", sw.ID),
				zap.Error(err))
			continue
		}
		l.forget(sw.ID)
	}
	return nil
}

// ForwardDeposits sweeps confirmed deposits to the provider's deposit
// address. A failed sweep is retried on the next cycle; the provider
// handoff in PollProvider waits for the recorded forward tx hash.
func (l *Listener) ForwardDeposits(ctx context.Context) error {
	confirming, err := l.store.ListSwapsByStatus(ctx, swap.StatusConfirming)
	if err != nil {
		return err
	}

	for _, sw := range confirming {
		if sw.ForwardTxHash != "" || sw.ProviderDepositAddress == "" {
			continue
		}
		txHash, err := l.custody.ForwardDeposit(ctx, sw)
		if err != nil {
			l.logger.Error("deposit forward failed",
				zap.String("swap_id", sw.ID),
				zap.Error(err))
			continue
		}
		if err := l.store.SetForwardTxHash(ctx, sw.ID, txHash); err != nil {
			l.logger.Error("failed to record forward tx hash",
				zap.String("swap_id", sw.ID),
				zap.Error(err))
			continue
		}
		sw.ForwardTxHash = txHash
		l.logger.Info("deposit forwarded to provider",
			zap.String("swap_id", sw.ID),
			zap.String("network", sw.NetworkFrom),
			zap.String("tx_hash", txHash))
	}
	return nil
}

// PollProvider mirrors upstream trade state onto in-flight swaps.
func (l *Listener) PollProvider(ctx context.Context) error {
	inflight, err := l.store.ListSwapsByStatus(ctx,
		swap.StatusConfirming, swap.StatusExchanging, swap.StatusSending)
	if err != nil {
		return err
	}

	for _, sw := range inflight {
		if sw.ProviderSwapID == "" {
			continue
		}
		trade, err := l.provider.TradeStatus(ctx, sw.ProviderSwapID)
		if err != nil {
			l.logger.Warn("provider status poll failed",
				zap.String("swap_id", sw.ID),
				zap.Error(err))
			continue
		}

		next, terminalFailure := l.mapTradeStatus(sw, trade.Status)
		if next == "" || next == sw.Status {
			continue
		}
		if next == swap.StatusFundsReceived && !l.custodyFunded(ctx, sw) {
			continue
		}
		if err := l.transition(ctx, sw, next); err != nil {
			l.logger.Error("failed to advance swap from provider status",
				zap.String("swap_id", sw.ID),
				zap.String("trade_status", trade.Status),
				zap.Error(err))
			continue
		}
		if terminalFailure && l.refunds != nil {
			if err := l.refunds.Enqueue(ctx, sw, refund.ReasonProviderFailed); err != nil {
				l.logger.Error("failed to enqueue provider-failure refund",
					zap.String("swap_id", sw.ID),
					zap.Error(err))
			}
		}
	}
	return nil
}

// mapTradeStatus translates an upstream trade status into the next local
// status for this swap, if any. The bool marks provider-side failure.
func (l *Listener) mapTradeStatus(sw *swap.Swap, tradeStatus string) (swap.Status, bool) {
	switch tradeStatus {
	case trocador.TradeStatusConfirming:
		// Provider saw the deposit too, hand off to the exchange leg once
		// the funds have actually been swept over.
		if sw.Status == swap.StatusConfirming && l.forwarded(sw) {
			return swap.StatusExchanging, false
		}
	case trocador.TradeStatusSending:
		if sw.Status == swap.StatusConfirming {
			// Missed the intermediate state, catch up one step at a time.
			if l.forwarded(sw) {
				return swap.StatusExchanging, false
			}
			return "", false
		}
		return swap.StatusSending, false
	case trocador.TradeStatusFinished:
		// The provider's word alone does not make a swap funded. Walk one
		// step per poll; funds_received additionally needs the custody
		// balance check in PollProvider.
		switch sw.Status {
		case swap.StatusConfirming:
			if l.forwarded(sw) {
				return swap.StatusExchanging, false
			}
		case swap.StatusExchanging:
			return swap.StatusSending, false
		case swap.StatusSending:
			return swap.StatusFundsReceived, false
		}
	case trocador.TradeStatusFailed, trocador.TradeStatusHalted, trocador.TradeStatusExpired:
		return swap.StatusFailed, true
	}
	return "", false
}

// forwarded reports whether the deposit has been handed to the provider.
// Swaps without a provider deposit address have nothing to sweep.
func (l *Listener) forwarded(sw *swap.Swap) bool {
	return sw.ForwardTxHash != "" || sw.ProviderDepositAddress == ""
}

// custodyFunded verifies the exchanged funds arrived in custody before a
// swap is declared funded, whatever the provider reports.
func (l *Listener) custodyFunded(ctx context.Context, sw *swap.Swap) bool {
	if l.custody == nil {
		return true
	}
	balance, err := l.custody.CustodyBalance(ctx, sw)
	if err != nil {
		l.logger.Warn("custody balance check failed",
			zap.String("swap_id", sw.ID),
			zap.Error(err))
		return false
	}
	required := sw.ExpectedAmountTo.Mul(decimal.NewFromFloat(l.tolerance))
	if balance.LessThan(required) {
		l.logger.Info("provider reports finished, custody not yet funded",
			zap.String("swap_id", sw.ID),
			zap.String("balance", balance.String()),
			zap.String("required", required.String()))
		return false
	}
	return true
}

func (l *Listener) transition(ctx context.Context, sw *swap.Swap, next swap.Status) error {
	if err := l.store.UpdateSwapStatus(ctx, sw.ID, next); err != nil {
		return err
	}
	sw.Status = next

	event := webhook.EventSwapStatusChanged
	if next == swap.StatusFailed {
		event = webhook.EventSwapFailed
	}
	if l.notifier != nil {
		if err := l.notifier.Emit(ctx, sw, event); err != nil {
			l.logger.Error("failed to emit status webhook",
				zap.String("swap_id", sw.ID),
				zap.Error(err))
		}
	}
	return nil
}

func (l *Listener) due(swapID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	next, ok := l.nextPoll[swapID]
	return !ok || !now.Before(next)
}

func (l *Listener) schedule(swapID string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextPoll[swapID] = at
}

func (l *Listener) forget(swapID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.nextPoll, swapID)
}
