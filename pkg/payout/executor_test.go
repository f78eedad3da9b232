package payout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veilswap/middleware/pkg/config"
	"github.com/veilswap/middleware/pkg/refund"
	"github.com/veilswap/middleware/pkg/swap"
	"github.com/veilswap/middleware/pkg/webhook"
)

func testPayoutConfig() *config.PayoutConfig {
	return &config.PayoutConfig{
		CheckInterval:    30 * time.Second,
		BalanceTolerance: 0.99,
		ConfirmTimeout:   time.Hour,
		MaxRetryAttempts: 5,
		BaseRetryDelay:   60 * time.Second,
		MaxRetryDelay:    30 * time.Minute,
		JitterFactor:     0.1,
	}
}

type mockPayoutStore struct {
	swaps      []*swap.Swap
	payouts    map[string]*Payout // by swap id
	listed     []*Payout          // returned by ListPayoutsByStatus
	created    []*Payout
	insertDupe bool

	swapStatus   map[string]swap.Status
	payoutStatus map[string]Status
	failCounts   map[string]int
	sentTx       map[string]string
}

func newMockPayoutStore() *mockPayoutStore {
	return &mockPayoutStore{
		payouts:      make(map[string]*Payout),
		swapStatus:   make(map[string]swap.Status),
		payoutStatus: make(map[string]Status),
		failCounts:   make(map[string]int),
		sentTx:       make(map[string]string),
	}
}

func (m *mockPayoutStore) ListSwapsByStatus(ctx context.Context, statuses ...swap.Status) ([]*swap.Swap, error) {
	return m.swaps, nil
}
func (m *mockPayoutStore) GetSwap(ctx context.Context, id string) (*swap.Swap, error) {
	for _, sw := range m.swaps {
		if sw.ID == id {
			return sw, nil
		}
	}
	return &swap.Swap{ID: id}, nil
}
func (m *mockPayoutStore) UpdateSwapStatus(ctx context.Context, id string, next swap.Status) error {
	m.swapStatus[id] = next
	return nil
}
func (m *mockPayoutStore) SetPayoutTxHash(ctx context.Context, id, txHash string) error {
	m.sentTx[id] = txHash
	return nil
}
func (m *mockPayoutStore) CreatePayout(ctx context.Context, p *Payout) (bool, error) {
	if m.insertDupe {
		return false, nil
	}
	m.created = append(m.created, p)
	m.payouts[p.SwapID] = p
	return true, nil
}
func (m *mockPayoutStore) GetPayoutBySwapID(ctx context.Context, swapID string) (*Payout, error) {
	p, ok := m.payouts[swapID]
	if !ok {
		return nil, errors.New("not found")
	}
	return p, nil
}
func (m *mockPayoutStore) ListPayoutsByStatus(ctx context.Context, status Status, limit int) ([]*Payout, error) {
	return m.listed, nil
}
func (m *mockPayoutStore) MarkPayoutSent(ctx context.Context, id, txHash, gasPrice string) error {
	m.payoutStatus[id] = StatusSent
	return nil
}
func (m *mockPayoutStore) MarkPayoutFailed(ctx context.Context, id string) error {
	m.payoutStatus[id] = StatusFailed
	m.failCounts[id]++
	return nil
}
func (m *mockPayoutStore) UpdatePayoutStatus(ctx context.Context, id string, status Status) error {
	m.payoutStatus[id] = status
	return nil
}

type mockCustody struct {
	balance decimal.Decimal
	err     error
}

func (m *mockCustody) CustodyBalance(ctx context.Context, sw *swap.Swap) (decimal.Decimal, error) {
	return m.balance, m.err
}

type mockPayoutSender struct {
	calls int
	err   error
}

func (m *mockPayoutSender) SendPayout(ctx context.Context, sw *swap.Swap, p *Payout) (string, string, error) {
	m.calls++
	if m.err != nil {
		return "", "", m.err
	}
	return "tx-1", "20000000000", nil
}

type mockConfirmer struct {
	confs map[string]uint64
}

func (m *mockConfirmer) Confirmations(ctx context.Context, network, txHash string) (uint64, error) {
	return m.confs[txHash], nil
}

type mockPayoutNotifier struct {
	events []webhook.EventType
}

func (m *mockPayoutNotifier) Emit(ctx context.Context, sw *swap.Swap, event webhook.EventType) error {
	m.events = append(m.events, event)
	return nil
}

type mockRefundQueue struct {
	reasons []refund.Reason
}

func (m *mockRefundQueue) Enqueue(ctx context.Context, sw *swap.Swap, reason refund.Reason) error {
	m.reasons = append(m.reasons, reason)
	return nil
}

func readySwap() *swap.Swap {
	return &swap.Swap{
		ID:                 "swap-1",
		Status:             swap.StatusFundsReceived,
		NetworkTo:          "Ethereum",
		TickerTo:           "eth",
		DestinationAddress: "0xdest",
		ExpectedAmountTo:   decimal.RequireFromString("1.0"),
		Commission:         decimal.RequireFromString("0.01"),
		CreatedAt:          time.Now().Add(-time.Hour),
	}
}

func TestProcessReady_BroadcastsPayout(t *testing.T) {
	store := newMockPayoutStore()
	store.swaps = []*swap.Swap{readySwap()}
	sender := &mockPayoutSender{}
	notifier := &mockPayoutNotifier{}
	e := NewExecutor(store, &mockCustody{balance: decimal.RequireFromString("1.0")},
		sender, nil, notifier, nil, testPayoutConfig(), zap.NewNop())

	require.NoError(t, e.ProcessReady(context.Background()))
	assert.Equal(t, 1, sender.calls)
	require.Len(t, store.created, 1)
	// Amount is expected minus commission.
	assert.True(t, store.created[0].Amount.Equal(decimal.RequireFromString("0.99")))
	assert.Equal(t, StatusSent, store.payoutStatus[store.created[0].ID])
	assert.Equal(t, "tx-1", store.sentTx["swap-1"])
	assert.Equal(t, []webhook.EventType{webhook.EventPayoutSent}, notifier.events)
}

func TestProcessReady_ShortBalancePaysWhatIsThere(t *testing.T) {
	store := newMockPayoutStore()
	store.swaps = []*swap.Swap{readySwap()}
	sender := &mockPayoutSender{}
	// 0.995 clears the 0.99 tolerance but is short of the expected 1.0,
	// so the payout is drawn from the real balance, not the quote.
	e := NewExecutor(store, &mockCustody{balance: decimal.RequireFromString("0.995")},
		sender, nil, nil, nil, testPayoutConfig(), zap.NewNop())

	require.NoError(t, e.ProcessReady(context.Background()))
	assert.Equal(t, 1, sender.calls)
	require.Len(t, store.created, 1)
	assert.True(t, store.created[0].Amount.Equal(decimal.RequireFromString("0.985")),
		"got %s", store.created[0].Amount)
}

func TestProcessReady_InsufficientBalanceHolds(t *testing.T) {
	store := newMockPayoutStore()
	store.swaps = []*swap.Swap{readySwap()}
	sender := &mockPayoutSender{}
	// 0.98 < 1.0 * 0.99 tolerance.
	e := NewExecutor(store, &mockCustody{balance: decimal.RequireFromString("0.98")},
		sender, nil, nil, nil, testPayoutConfig(), zap.NewNop())

	require.NoError(t, e.ProcessReady(context.Background()))
	assert.Zero(t, sender.calls)
	assert.Empty(t, store.created)
}

func TestProcessReady_ExistingPayoutNotResent(t *testing.T) {
	store := newMockPayoutStore()
	store.swaps = []*swap.Swap{readySwap()}
	store.insertDupe = true
	store.payouts["swap-1"] = &Payout{ID: "p-1", SwapID: "swap-1", Status: StatusSent}
	sender := &mockPayoutSender{}
	e := NewExecutor(store, &mockCustody{balance: decimal.RequireFromString("1.0")},
		sender, nil, nil, nil, testPayoutConfig(), zap.NewNop())

	require.NoError(t, e.ProcessReady(context.Background()))
	assert.Zero(t, sender.calls)
}

func TestProcessReady_BroadcastFailureMarksPayoutFailed(t *testing.T) {
	store := newMockPayoutStore()
	store.swaps = []*swap.Swap{readySwap()}
	sender := &mockPayoutSender{err: errors.New("rpc down")}
	e := NewExecutor(store, &mockCustody{balance: decimal.RequireFromString("1.0")},
		sender, nil, nil, nil, testPayoutConfig(), zap.NewNop())

	require.NoError(t, e.ProcessReady(context.Background()))
	require.Len(t, store.created, 1)
	assert.Equal(t, StatusFailed, store.payoutStatus[store.created[0].ID])
	assert.Equal(t, 1, store.failCounts[store.created[0].ID])
}

func TestConfirmSent_CompletesSwap(t *testing.T) {
	store := newMockPayoutStore()
	store.swaps = []*swap.Swap{readySwap()}
	store.listed = []*Payout{{
		ID:        "p-1",
		SwapID:    "swap-1",
		Chain:     "ethereum",
		TxHash:    "tx-1",
		Status:    StatusSent,
		UpdatedAt: time.Now(),
	}}
	notifier := &mockPayoutNotifier{}
	e := NewExecutor(store, nil, nil, &mockConfirmer{confs: map[string]uint64{"tx-1": 3}},
		notifier, nil, testPayoutConfig(), zap.NewNop())

	require.NoError(t, e.ConfirmSent(context.Background()))
	assert.Equal(t, StatusConfirmed, store.payoutStatus["p-1"])
	assert.Equal(t, swap.StatusCompleted, store.swapStatus["swap-1"])
	assert.Equal(t, []webhook.EventType{webhook.EventSwapCompleted}, notifier.events)
}

func TestConfirmSent_UnconfirmedWithinTimeoutWaits(t *testing.T) {
	store := newMockPayoutStore()
	store.listed = []*Payout{{
		ID:        "p-1",
		SwapID:    "swap-1",
		Chain:     "ethereum",
		TxHash:    "tx-1",
		Status:    StatusSent,
		UpdatedAt: time.Now(),
	}}
	e := NewExecutor(store, nil, nil, &mockConfirmer{confs: map[string]uint64{}},
		nil, nil, testPayoutConfig(), zap.NewNop())

	require.NoError(t, e.ConfirmSent(context.Background()))
	_, touched := store.payoutStatus["p-1"]
	assert.False(t, touched)
}

func TestConfirmSent_StalePayoutFails(t *testing.T) {
	store := newMockPayoutStore()
	store.listed = []*Payout{{
		ID:        "p-1",
		SwapID:    "swap-1",
		Chain:     "ethereum",
		TxHash:    "tx-1",
		Status:    StatusSent,
		UpdatedAt: time.Now().Add(-2 * time.Hour),
	}}
	e := NewExecutor(store, nil, nil, &mockConfirmer{confs: map[string]uint64{}},
		nil, nil, testPayoutConfig(), zap.NewNop())

	require.NoError(t, e.ConfirmSent(context.Background()))
	assert.Equal(t, StatusFailed, store.payoutStatus["p-1"])
	assert.Equal(t, swap.StatusFailed, store.swapStatus["swap-1"])
}

func TestRetryFailed_RebroadcastsAfterBackoff(t *testing.T) {
	store := newMockPayoutStore()
	store.swaps = []*swap.Swap{readySwap()}
	store.listed = []*Payout{{
		ID:        "p-1",
		SwapID:    "swap-1",
		Chain:     "ethereum",
		Status:    StatusFailed,
		Amount:    decimal.RequireFromString("0.99"),
		Attempt:   1,
		UpdatedAt: time.Now().Add(-10 * time.Minute),
	}}
	sender := &mockPayoutSender{}
	notifier := &mockPayoutNotifier{}
	e := NewExecutor(store, nil, sender, nil, notifier, nil, testPayoutConfig(), zap.NewNop())

	require.NoError(t, e.RetryFailed(context.Background()))
	assert.Equal(t, 1, sender.calls)
	assert.Equal(t, StatusSent, store.payoutStatus["p-1"])
	assert.Equal(t, "tx-1", store.sentTx["swap-1"])
	assert.Equal(t, []webhook.EventType{webhook.EventPayoutSent}, notifier.events)
}

func TestRetryFailed_WaitsOutBackoff(t *testing.T) {
	store := newMockPayoutStore()
	store.swaps = []*swap.Swap{readySwap()}
	store.listed = []*Payout{{
		ID:        "p-1",
		SwapID:    "swap-1",
		Chain:     "ethereum",
		Status:    StatusFailed,
		Amount:    decimal.RequireFromString("0.99"),
		Attempt:   1,
		UpdatedAt: time.Now(),
	}}
	sender := &mockPayoutSender{}
	e := NewExecutor(store, nil, sender, nil, nil, nil, testPayoutConfig(), zap.NewNop())

	require.NoError(t, e.RetryFailed(context.Background()))
	assert.Zero(t, sender.calls)
}

func TestRetryFailed_SkipsBroadcastTransactions(t *testing.T) {
	store := newMockPayoutStore()
	store.swaps = []*swap.Swap{readySwap()}
	// The transaction reached the network before the failure was recorded,
	// so rebroadcasting would double-pay.
	store.listed = []*Payout{{
		ID:        "p-1",
		SwapID:    "swap-1",
		Chain:     "ethereum",
		TxHash:    "tx-0",
		Status:    StatusFailed,
		Amount:    decimal.RequireFromString("0.99"),
		Attempt:   1,
		UpdatedAt: time.Now().Add(-10 * time.Minute),
	}}
	sender := &mockPayoutSender{}
	e := NewExecutor(store, nil, sender, nil, nil, nil, testPayoutConfig(), zap.NewNop())

	require.NoError(t, e.RetryFailed(context.Background()))
	assert.Zero(t, sender.calls)
}

func TestRetryFailed_ExhaustedFailsSwapAndQueuesRefund(t *testing.T) {
	store := newMockPayoutStore()
	store.swaps = []*swap.Swap{readySwap()}
	store.listed = []*Payout{{
		ID:        "p-1",
		SwapID:    "swap-1",
		Chain:     "ethereum",
		Status:    StatusFailed,
		Amount:    decimal.RequireFromString("0.99"),
		Attempt:   5,
		UpdatedAt: time.Now().Add(-time.Hour),
	}}
	sender := &mockPayoutSender{}
	notifier := &mockPayoutNotifier{}
	refunds := &mockRefundQueue{}
	e := NewExecutor(store, nil, sender, nil, notifier, refunds, testPayoutConfig(), zap.NewNop())

	require.NoError(t, e.RetryFailed(context.Background()))
	assert.Zero(t, sender.calls)
	assert.Equal(t, swap.StatusFailed, store.swapStatus["swap-1"])
	assert.Equal(t, []refund.Reason{refund.ReasonPayoutFailed}, refunds.reasons)
	assert.Equal(t, []webhook.EventType{webhook.EventPayoutFailed}, notifier.events)
}
