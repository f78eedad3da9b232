package listener

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veilswap/middleware/pkg/config"
	"github.com/veilswap/middleware/pkg/refund"
	"github.com/veilswap/middleware/pkg/swap"
	"github.com/veilswap/middleware/pkg/trocador"
	"github.com/veilswap/middleware/pkg/webhook"
)

func testStrategy() *Strategy {
	return NewStrategy(&config.ListenerConfig{
		FreshInterval:   60 * time.Second,
		StaleInterval:   120 * time.Second,
		CostPerPoll:     1.0,
		CostPerDelaySec: 0.1,
	})
}

func TestPollInterval_Clamped(t *testing.T) {
	s := testStrategy()
	for _, age := range []time.Duration{
		30 * time.Second,
		5 * time.Minute,
		10 * time.Minute,
		time.Hour,
		6 * time.Hour,
	} {
		interval := s.PollInterval(age)
		assert.GreaterOrEqual(t, interval, minPollInterval, "age %s", age)
		assert.LessOrEqual(t, interval, maxPollInterval, "age %s", age)
	}
}

func TestPollInterval_TightensNearMedian(t *testing.T) {
	s := testStrategy()
	// The arrival hazard peaks near the distribution median (~10 min), so
	// polling is tighter there than right after creation.
	early := s.PollInterval(30 * time.Second)
	median := s.PollInterval(10 * time.Minute)
	assert.Less(t, median, early)
}

func TestPollInterval_DegenerateAgeFallsBack(t *testing.T) {
	s := testStrategy()
	// At extreme ages the survival probability underflows and the hazard
	// degenerates; the coarse schedule takes over.
	assert.Equal(t, s.CoarseInterval(0), s.PollInterval(0))
}

func TestCoarseInterval(t *testing.T) {
	s := testStrategy()
	assert.Equal(t, 60*time.Second, s.CoarseInterval(10*time.Minute))
	assert.Equal(t, 120*time.Second, s.CoarseInterval(2*time.Hour))
}

func TestLogNormalCDF_Monotonic(t *testing.T) {
	prev := 0.0
	for _, tt := range []float64{1, 60, 300, 600, 1800, 3600, 86400} {
		v := logNormalCDF(tt)
		assert.GreaterOrEqual(t, v, prev)
		prev = v
	}
	// Median of LogNormal(6.4, 0.5) is e^6.4 ~ 601s.
	assert.InDelta(t, 0.5, logNormalCDF(601.8), 0.01)
}

type mockListenerStore struct {
	swaps    []*swap.Swap
	updates  map[string]swap.Status
	forwards map[string]string
}

func (m *mockListenerStore) ListSwapsByStatus(ctx context.Context, statuses ...swap.Status) ([]*swap.Swap, error) {
	var out []*swap.Swap
	for _, sw := range m.swaps {
		for _, st := range statuses {
			if sw.Status == st {
				out = append(out, sw)
			}
		}
	}
	return out, nil
}

func (m *mockListenerStore) UpdateSwapStatus(ctx context.Context, id string, next swap.Status) error {
	if m.updates == nil {
		m.updates = make(map[string]swap.Status)
	}
	m.updates[id] = next
	return nil
}

func (m *mockListenerStore) SetForwardTxHash(ctx context.Context, id, txHash string) error {
	if m.forwards == nil {
		m.forwards = make(map[string]string)
	}
	m.forwards[id] = txHash
	return nil
}

type mockBalance struct {
	balances map[string]decimal.Decimal
}

func (m *mockBalance) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	return m.balances[address], nil
}

type mockProvider struct {
	trades map[string]*trocador.Trade
}

func (m *mockProvider) TradeStatus(ctx context.Context, tradeID string) (*trocador.Trade, error) {
	return m.trades[tradeID], nil
}

type mockEvents struct {
	events []webhook.EventType
}

func (m *mockEvents) Emit(ctx context.Context, sw *swap.Swap, event webhook.EventType) error {
	m.events = append(m.events, event)
	return nil
}

type mockCustody struct {
	forwardTx  string
	forwardErr error
	forwarded  []string
	balances   map[string]decimal.Decimal
}

func (m *mockCustody) ForwardDeposit(ctx context.Context, sw *swap.Swap) (string, error) {
	if m.forwardErr != nil {
		return "", m.forwardErr
	}
	m.forwarded = append(m.forwarded, sw.ID)
	return m.forwardTx, nil
}

func (m *mockCustody) CustodyBalance(ctx context.Context, sw *swap.Swap) (decimal.Decimal, error) {
	return m.balances[sw.ID], nil
}

type mockRefunds struct {
	reasons []refund.Reason
}

func (m *mockRefunds) Enqueue(ctx context.Context, sw *swap.Swap, reason refund.Reason) error {
	m.reasons = append(m.reasons, reason)
	return nil
}

func TestPollDeposits_DetectsFunding(t *testing.T) {
	store := &mockListenerStore{
		swaps: []*swap.Swap{{
			ID:             "swap-1",
			Status:         swap.StatusWaiting,
			NetworkFrom:    "Bitcoin",
			DepositAddress: "1Funded",
			AmountFrom:     decimal.RequireFromString("0.5"),
			CreatedAt:      time.Now().Add(-time.Minute),
		}, {
			ID:             "swap-2",
			Status:         swap.StatusWaiting,
			NetworkFrom:    "Bitcoin",
			DepositAddress: "1Empty",
			AmountFrom:     decimal.RequireFromString("0.5"),
			CreatedAt:      time.Now().Add(-time.Minute),
		}},
	}
	chains := map[string]BalanceReader{
		"bitcoin": &mockBalance{balances: map[string]decimal.Decimal{
			"1Funded": decimal.RequireFromString("0.5"),
			"1Empty":  decimal.Zero,
		}},
	}
	events := &mockEvents{}
	l := New(store, chains, nil, nil, events, nil, testStrategy(), 0.99, zap.NewNop())

	require.NoError(t, l.PollDeposits(context.Background()))
	assert.Equal(t, swap.StatusConfirming, store.updates["swap-1"])
	_, touched := store.updates["swap-2"]
	assert.False(t, touched)
	assert.Equal(t, []webhook.EventType{webhook.EventSwapStatusChanged}, events.events)
}

func TestPollDeposits_RespectsSchedule(t *testing.T) {
	store := &mockListenerStore{
		swaps: []*swap.Swap{{
			ID:             "swap-1",
			Status:         swap.StatusWaiting,
			NetworkFrom:    "Bitcoin",
			DepositAddress: "1Funded",
			AmountFrom:     decimal.RequireFromString("0.5"),
			CreatedAt:      time.Now(),
		}},
	}
	reader := &mockBalance{balances: map[string]decimal.Decimal{}}
	l := New(store, map[string]BalanceReader{"bitcoin": reader}, nil, nil, nil, nil, testStrategy(), 0.99, zap.NewNop())

	// First poll runs and schedules the next one in the future; the second
	// poll within the window is a no-op.
	require.NoError(t, l.PollDeposits(context.Background()))
	l.chains["bitcoin"] = &mockBalance{balances: map[string]decimal.Decimal{
		"1Funded": decimal.RequireFromString("1"),
	}}
	require.NoError(t, l.PollDeposits(context.Background()))
	_, touched := store.updates["swap-1"]
	assert.False(t, touched)
}

func TestPollProvider_DrivesLifecycle(t *testing.T) {
	store := &mockListenerStore{
		swaps: []*swap.Swap{
			{ID: "s-conf", Status: swap.StatusConfirming, ProviderSwapID: "t-conf",
				ProviderDepositAddress: "prov-addr", ForwardTxHash: "0xfwd"},
			{ID: "s-send", Status: swap.StatusExchanging, ProviderSwapID: "t-send"},
			{ID: "s-done", Status: swap.StatusSending, ProviderSwapID: "t-done",
				ExpectedAmountTo: decimal.RequireFromString("1")},
		},
	}
	provider := &mockProvider{trades: map[string]*trocador.Trade{
		"t-conf": {Status: trocador.TradeStatusConfirming},
		"t-send": {Status: trocador.TradeStatusSending},
		"t-done": {Status: trocador.TradeStatusFinished},
	}}
	custody := &mockCustody{balances: map[string]decimal.Decimal{
		"s-done": decimal.RequireFromString("1"),
	}}
	l := New(store, nil, provider, custody, nil, nil, testStrategy(), 0.99, zap.NewNop())

	require.NoError(t, l.PollProvider(context.Background()))
	assert.Equal(t, swap.StatusExchanging, store.updates["s-conf"])
	assert.Equal(t, swap.StatusSending, store.updates["s-send"])
	assert.Equal(t, swap.StatusFundsReceived, store.updates["s-done"])
}

func TestPollProvider_HoldsHandoffUntilForwarded(t *testing.T) {
	store := &mockListenerStore{
		swaps: []*swap.Swap{
			{ID: "s-1", Status: swap.StatusConfirming, ProviderSwapID: "t-1",
				ProviderDepositAddress: "prov-addr"},
		},
	}
	provider := &mockProvider{trades: map[string]*trocador.Trade{
		"t-1": {Status: trocador.TradeStatusConfirming},
	}}
	l := New(store, nil, provider, &mockCustody{}, nil, nil, testStrategy(), 0.99, zap.NewNop())

	// The deposit has not been swept to the provider yet, so the swap must
	// stay in confirming whatever the provider reports.
	require.NoError(t, l.PollProvider(context.Background()))
	_, touched := store.updates["s-1"]
	assert.False(t, touched)

	store.swaps[0].ForwardTxHash = "0xfwd"
	require.NoError(t, l.PollProvider(context.Background()))
	assert.Equal(t, swap.StatusExchanging, store.updates["s-1"])
}

func TestPollProvider_HoldsFundsReceivedUntilCustodyFunded(t *testing.T) {
	store := &mockListenerStore{
		swaps: []*swap.Swap{
			{ID: "s-1", Status: swap.StatusSending, ProviderSwapID: "t-1",
				ExpectedAmountTo: decimal.RequireFromString("1")},
		},
	}
	provider := &mockProvider{trades: map[string]*trocador.Trade{
		"t-1": {Status: trocador.TradeStatusFinished},
	}}
	custody := &mockCustody{balances: map[string]decimal.Decimal{
		"s-1": decimal.RequireFromString("0.5"),
	}}
	l := New(store, nil, provider, custody, nil, nil, testStrategy(), 0.99, zap.NewNop())

	// Provider says finished but only half the funds arrived in custody.
	require.NoError(t, l.PollProvider(context.Background()))
	_, touched := store.updates["s-1"]
	assert.False(t, touched)

	custody.balances["s-1"] = decimal.RequireFromString("0.995")
	require.NoError(t, l.PollProvider(context.Background()))
	assert.Equal(t, swap.StatusFundsReceived, store.updates["s-1"])
}

func TestForwardDeposits_SweepsConfirmed(t *testing.T) {
	store := &mockListenerStore{
		swaps: []*swap.Swap{
			{ID: "s-new", Status: swap.StatusConfirming, ProviderDepositAddress: "prov-addr"},
			{ID: "s-done", Status: swap.StatusConfirming, ProviderDepositAddress: "prov-addr",
				ForwardTxHash: "0xearlier"},
			{ID: "s-direct", Status: swap.StatusConfirming},
		},
	}
	custody := &mockCustody{forwardTx: "0xfwd"}
	l := New(store, nil, nil, custody, nil, nil, testStrategy(), 0.99, zap.NewNop())

	require.NoError(t, l.ForwardDeposits(context.Background()))
	// Only the unforwarded swap with a provider address gets swept.
	assert.Equal(t, []string{"s-new"}, custody.forwarded)
	assert.Equal(t, map[string]string{"s-new": "0xfwd"}, store.forwards)
}

func TestForwardDeposits_FailureRetriesNextCycle(t *testing.T) {
	store := &mockListenerStore{
		swaps: []*swap.Swap{
			{ID: "s-1", Status: swap.StatusConfirming, ProviderDepositAddress: "prov-addr"},
		},
	}
	custody := &mockCustody{forwardErr: assert.AnError}
	l := New(store, nil, nil, custody, nil, nil, testStrategy(), 0.99, zap.NewNop())

	require.NoError(t, l.ForwardDeposits(context.Background()))
	assert.Empty(t, store.forwards)

	// The broadcast recovers; the swap is still unforwarded and gets swept.
	custody.forwardErr = nil
	custody.forwardTx = "0xfwd"
	require.NoError(t, l.ForwardDeposits(context.Background()))
	assert.Equal(t, "0xfwd", store.forwards["s-1"])
}

func TestPollProvider_FailureQueuesRefund(t *testing.T) {
	store := &mockListenerStore{
		swaps: []*swap.Swap{
			{ID: "s-1", Status: swap.StatusExchanging, ProviderSwapID: "t-1", TickerFrom: "btc"},
		},
	}
	provider := &mockProvider{trades: map[string]*trocador.Trade{
		"t-1": {Status: trocador.TradeStatusHalted},
	}}
	events := &mockEvents{}
	refunds := &mockRefunds{}
	l := New(store, nil, provider, nil, events, refunds, testStrategy(), 0.99, zap.NewNop())

	require.NoError(t, l.PollProvider(context.Background()))
	assert.Equal(t, swap.StatusFailed, store.updates["s-1"])
	assert.Equal(t, []refund.Reason{refund.ReasonProviderFailed}, refunds.reasons)
	assert.Equal(t, []webhook.EventType{webhook.EventSwapFailed}, events.events)
}
