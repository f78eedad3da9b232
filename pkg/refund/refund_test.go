package refund

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veilswap/middleware/pkg/config"
	"github.com/veilswap/middleware/pkg/swap"
	"github.com/veilswap/middleware/pkg/webhook"
)

func testRefundConfig() *config.RefundConfig {
	return &config.RefundConfig{
		DepositTimeout:        30 * time.Minute,
		ProcessingTimeout:     2 * time.Hour,
		PayoutTimeout:         time.Hour,
		RefundTimeout:         30 * time.Minute,
		MaxRetryAttempts:      5,
		BaseRetryDelay:        60 * time.Second,
		MaxRetryDelay:         30 * time.Minute,
		JitterFactor:          0.1,
		GasMultiplierPerRetry: 0.1,
		MaxGasMultiplier:      2.0,
		MinRefundThresholdBTC: 0.0001,
		MinRefundThresholdETH: 0.001,
		MinRefundThresholdUSD: 1.0,
		WorkerPoolSize:        10,
		BatchSize:             100,
		CheckInterval:         60 * time.Second,
		ProcessingLease:       10 * time.Minute,
		PriorityWeightAge:     0.5,
		PriorityWeightAmount:  0.3,
		PriorityWeightRetry:   0.2,
	}
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestAmount(t *testing.T) {
	assert.True(t, Amount(d("1"), d("0.01"), d("0.001")).Equal(d("0.989")))
	// Fees exceeding the deposit clamp at zero.
	assert.True(t, Amount(d("0.005"), d("0.01"), d("0.001")).IsZero())
}

func TestBelowDust(t *testing.T) {
	cfg := testRefundConfig()
	assert.True(t, BelowDust(cfg, "btc", d("0.00009")))
	assert.False(t, BelowDust(cfg, "btc", d("0.0001")))
	assert.True(t, BelowDust(cfg, "eth", d("0.0009")))
	assert.False(t, BelowDust(cfg, "eth", d("0.001")))
	// xmr at $150: 0.005 xmr = $0.75 is dust, 0.01 xmr = $1.50 is not.
	assert.True(t, BelowDust(cfg, "xmr", d("0.005")))
	assert.False(t, BelowDust(cfg, "xmr", d("0.01")))
}

func TestPriority(t *testing.T) {
	cfg := testRefundConfig()

	// Fresh small refund, first attempt: 0.5*0 + 0.3*0.5 + 0.2*10 = 2.15
	p := Priority(cfg, 0, d("50"), 0)
	assert.InDelta(t, 2.15, p, 0.001)

	// Age and amount terms cap at 10.
	p = Priority(cfg, 100*time.Hour, d("1000000"), 0)
	assert.InDelta(t, 0.5*10+0.3*10+0.2*10, p, 0.001)

	// Retry term floors at zero.
	p = Priority(cfg, 0, d("0"), 15)
	assert.InDelta(t, 0, p, 0.001)
}

func TestRetryDelay(t *testing.T) {
	cfg := testRefundConfig()
	for attempt := 0; attempt < 10; attempt++ {
		delay := RetryDelay(cfg, attempt)
		base := cfg.BaseRetryDelay << attempt
		if base > cfg.MaxRetryDelay || base <= 0 {
			base = cfg.MaxRetryDelay
		}
		assert.GreaterOrEqual(t, delay, time.Duration(float64(base)*0.9))
		assert.LessOrEqual(t, delay, time.Duration(float64(base)*1.1))
	}
}

func TestGasMultiplier(t *testing.T) {
	cfg := testRefundConfig()
	assert.True(t, GasMultiplier(cfg, 0).Equal(d("1")))
	assert.True(t, GasMultiplier(cfg, 3).Equal(d("1.3")))
	assert.True(t, GasMultiplier(cfg, 20).Equal(d("2")))
}

// pipelineMocks bundles the function-field fakes for pipeline tests.
type mockRefundStore struct {
	mu sync.Mutex

	listByStatus func(ctx context.Context, statuses ...swap.Status) ([]*swap.Swap, error)
	getSwap      func(ctx context.Context, id string) (*swap.Swap, error)
	updateSwap   func(ctx context.Context, id string, next swap.Status) error
	create       func(ctx context.Context, r *Refund) (bool, error)
	claim        func(ctx context.Context, now time.Time, limit int) ([]*Refund, error)
	reclaimStale func(ctx context.Context, olderThan time.Time) (int, error)
	listRefunds  func(ctx context.Context, status Status, limit int) ([]*Refund, error)
	markSent     func(ctx context.Context, id, txHash string) error
	reschedule   func(ctx context.Context, id string, attempt int, nextRetryAt time.Time) error
	updateStatus func(ctx context.Context, id string, status Status) error
	countPending func(ctx context.Context) (int, error)
}

func (m *mockRefundStore) ListSwapsByStatus(ctx context.Context, statuses ...swap.Status) ([]*swap.Swap, error) {
	if m.listByStatus == nil {
		return nil, nil
	}
	return m.listByStatus(ctx, statuses...)
}
func (m *mockRefundStore) GetSwap(ctx context.Context, id string) (*swap.Swap, error) {
	return m.getSwap(ctx, id)
}
func (m *mockRefundStore) UpdateSwapStatus(ctx context.Context, id string, next swap.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateSwap(ctx, id, next)
}
func (m *mockRefundStore) CreateRefund(ctx context.Context, r *Refund) (bool, error) {
	return m.create(ctx, r)
}
func (m *mockRefundStore) ClaimDueRefunds(ctx context.Context, now time.Time, limit int) ([]*Refund, error) {
	return m.claim(ctx, now, limit)
}
func (m *mockRefundStore) ReclaimStaleRefunds(ctx context.Context, olderThan time.Time) (int, error) {
	if m.reclaimStale == nil {
		return 0, nil
	}
	return m.reclaimStale(ctx, olderThan)
}
func (m *mockRefundStore) ListRefundsByStatus(ctx context.Context, status Status, limit int) ([]*Refund, error) {
	if m.listRefunds == nil {
		return nil, nil
	}
	return m.listRefunds(ctx, status, limit)
}
func (m *mockRefundStore) MarkRefundSent(ctx context.Context, id, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markSent(ctx, id, txHash)
}
func (m *mockRefundStore) RescheduleRefund(ctx context.Context, id string, attempt int, nextRetryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reschedule(ctx, id, attempt, nextRetryAt)
}
func (m *mockRefundStore) UpdateRefundStatus(ctx context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateStatus(ctx, id, status)
}
func (m *mockRefundStore) CountPendingRefunds(ctx context.Context) (int, error) {
	if m.countPending == nil {
		return 0, nil
	}
	return m.countPending(ctx)
}

type mockSender struct {
	send func(ctx context.Context, r *Refund, gasMultiplier decimal.Decimal) (string, error)
}

func (m *mockSender) SendRefund(ctx context.Context, r *Refund, gasMultiplier decimal.Decimal) (string, error) {
	return m.send(ctx, r, gasMultiplier)
}

type mockConfirmer struct {
	confs map[string]uint64
}

func (m *mockConfirmer) Confirmations(ctx context.Context, network, txHash string) (uint64, error) {
	return m.confs[txHash], nil
}

type mockNotifier struct {
	mu     sync.Mutex
	events []webhook.EventType
}

func (m *mockNotifier) Emit(ctx context.Context, sw *swap.Swap, event webhook.EventType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func TestEnqueue_BelowDustMarked(t *testing.T) {
	var created *Refund
	store := &mockRefundStore{
		create: func(ctx context.Context, r *Refund) (bool, error) {
			created = r
			return true, nil
		},
	}
	p := NewPipeline(store, nil, nil, nil, testRefundConfig(), zap.NewNop())

	sw := &swap.Swap{
		ID:         "swap-1",
		TickerFrom: "btc",
		AmountFrom: d("0.0003"),
		Commission: d("0.0001"),
		CreatedAt:  time.Now(),
	}
	require.NoError(t, p.Enqueue(context.Background(), sw, ReasonDepositTimeout))
	require.NotNil(t, created)
	// 0.0003 - 0.0001 fee - 0.0001 gas = 0.0001, at the dust boundary it
	// still sends; drop the deposit a hair and it parks as dust.
	assert.Equal(t, StatusPending, created.Status)

	sw.AmountFrom = d("0.00029")
	require.NoError(t, p.Enqueue(context.Background(), sw, ReasonDepositTimeout))
	assert.Equal(t, StatusBelowDust, created.Status)
}

func TestScanTimeouts_FailsStuckSwaps(t *testing.T) {
	stuck := &swap.Swap{
		ID:         "swap-1",
		TickerFrom: "btc",
		Status:     swap.StatusExchanging,
		AmountFrom: d("0.5"),
		CreatedAt:  time.Now().Add(-3 * time.Hour),
		UpdatedAt:  time.Now().Add(-3 * time.Hour),
	}
	var failed []string
	var queued []*Refund
	store := &mockRefundStore{
		listByStatus: func(ctx context.Context, statuses ...swap.Status) ([]*swap.Swap, error) {
			for _, s := range statuses {
				if s == swap.StatusExchanging {
					return []*swap.Swap{stuck}, nil
				}
			}
			return nil, nil
		},
		updateSwap: func(ctx context.Context, id string, next swap.Status) error {
			failed = append(failed, id)
			assert.Equal(t, swap.StatusFailed, next)
			return nil
		},
		create: func(ctx context.Context, r *Refund) (bool, error) {
			queued = append(queued, r)
			return true, nil
		},
	}
	notifier := &mockNotifier{}
	p := NewPipeline(store, nil, nil, notifier, testRefundConfig(), zap.NewNop())

	require.NoError(t, p.ScanTimeouts(context.Background()))
	assert.Equal(t, []string{"swap-1"}, failed)
	require.Len(t, queued, 1)
	assert.Equal(t, ReasonProcessingTimeout, queued[0].Reason)
	assert.Equal(t, []webhook.EventType{webhook.EventSwapFailed}, notifier.events)
}

func TestScanTimeouts_ReclaimsExpiredLeases(t *testing.T) {
	var cutoff time.Time
	store := &mockRefundStore{
		reclaimStale: func(ctx context.Context, olderThan time.Time) (int, error) {
			cutoff = olderThan
			return 2, nil
		},
	}
	p := NewPipeline(store, nil, nil, nil, testRefundConfig(), zap.NewNop())

	require.NoError(t, p.ScanTimeouts(context.Background()))
	// Claims older than the processing lease go back to pending.
	assert.WithinDuration(t, time.Now().Add(-10*time.Minute), cutoff, 5*time.Second)
}

func TestProcessBatch_SendsAndMarksSent(t *testing.T) {
	r := &Refund{
		ID:           "ref-1",
		SwapID:       "swap-1",
		Chain:        "bitcoin",
		Ticker:       "btc",
		RefundAmount: d("0.4"),
		Status:       StatusProcessing,
	}
	var sentTx string
	var swapTouched bool
	store := &mockRefundStore{
		claim: func(ctx context.Context, now time.Time, limit int) ([]*Refund, error) {
			return []*Refund{r}, nil
		},
		markSent: func(ctx context.Context, id, txHash string) error {
			sentTx = txHash
			return nil
		},
		updateSwap: func(ctx context.Context, id string, next swap.Status) error {
			swapTouched = true
			return nil
		},
	}
	sender := &mockSender{
		send: func(ctx context.Context, r *Refund, gasMultiplier decimal.Decimal) (string, error) {
			assert.True(t, gasMultiplier.Equal(d("1")))
			return "txhash-1", nil
		},
	}
	notifier := &mockNotifier{}
	p := NewPipeline(store, sender, nil, notifier, testRefundConfig(), zap.NewNop())

	n, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "txhash-1", sentTx)
	// The swap stays failed and nothing is announced until the refund
	// confirms on chain.
	assert.False(t, swapTouched)
	assert.Empty(t, notifier.events)
}

func TestConfirmSent_MarksSwapRefunded(t *testing.T) {
	var refundStatus Status
	var swapStatus swap.Status
	store := &mockRefundStore{
		listRefunds: func(ctx context.Context, status Status, limit int) ([]*Refund, error) {
			assert.Equal(t, StatusSent, status)
			return []*Refund{{
				ID:     "ref-1",
				SwapID: "swap-1",
				Chain:  "bitcoin",
				TxHash: "txhash-1",
				Status: StatusSent,
			}}, nil
		},
		updateStatus: func(ctx context.Context, id string, status Status) error {
			refundStatus = status
			return nil
		},
		updateSwap: func(ctx context.Context, id string, next swap.Status) error {
			swapStatus = next
			return nil
		},
		getSwap: func(ctx context.Context, id string) (*swap.Swap, error) {
			return &swap.Swap{ID: id, Status: swap.StatusRefunded}, nil
		},
	}
	notifier := &mockNotifier{}
	confirmer := &mockConfirmer{confs: map[string]uint64{"txhash-1": 2}}
	p := NewPipeline(store, nil, confirmer, notifier, testRefundConfig(), zap.NewNop())

	require.NoError(t, p.ConfirmSent(context.Background()))
	assert.Equal(t, StatusConfirmed, refundStatus)
	assert.Equal(t, swap.StatusRefunded, swapStatus)
	assert.Equal(t, []webhook.EventType{webhook.EventSwapRefunded}, notifier.events)
}

func TestConfirmSent_UnconfirmedWaits(t *testing.T) {
	var touched bool
	store := &mockRefundStore{
		listRefunds: func(ctx context.Context, status Status, limit int) ([]*Refund, error) {
			return []*Refund{{ID: "ref-1", SwapID: "swap-1", Chain: "bitcoin", TxHash: "txhash-1", Status: StatusSent}}, nil
		},
		updateStatus: func(ctx context.Context, id string, status Status) error {
			touched = true
			return nil
		},
	}
	confirmer := &mockConfirmer{confs: map[string]uint64{}}
	p := NewPipeline(store, nil, confirmer, nil, testRefundConfig(), zap.NewNop())

	require.NoError(t, p.ConfirmSent(context.Background()))
	assert.False(t, touched)
}

func TestProcessBatch_FailureReschedulesWithEscalation(t *testing.T) {
	r := &Refund{
		ID:           "ref-1",
		SwapID:       "swap-1",
		Chain:        "bitcoin",
		Ticker:       "btc",
		RefundAmount: d("0.4"),
		Attempt:      2,
	}
	var rescheduled bool
	store := &mockRefundStore{
		claim: func(ctx context.Context, now time.Time, limit int) ([]*Refund, error) {
			return []*Refund{r}, nil
		},
		reschedule: func(ctx context.Context, id string, attempt int, nextRetryAt time.Time) error {
			rescheduled = true
			assert.Equal(t, 3, attempt)
			return nil
		},
	}
	sender := &mockSender{
		send: func(ctx context.Context, r *Refund, gasMultiplier decimal.Decimal) (string, error) {
			// Attempt 2 escalates gas to 1.2x.
			assert.True(t, gasMultiplier.Equal(d("1.2")))
			return "", errors.New("broadcast failed")
		},
	}
	p := NewPipeline(store, sender, nil, nil, testRefundConfig(), zap.NewNop())

	_, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.True(t, rescheduled)
}

func TestProcessBatch_ExhaustedParksForReview(t *testing.T) {
	r := &Refund{
		ID:           "ref-1",
		SwapID:       "swap-1",
		Chain:        "bitcoin",
		Ticker:       "btc",
		RefundAmount: d("0.4"),
		Attempt:      4,
	}
	var parked Status
	store := &mockRefundStore{
		claim: func(ctx context.Context, now time.Time, limit int) ([]*Refund, error) {
			return []*Refund{r}, nil
		},
		updateStatus: func(ctx context.Context, id string, status Status) error {
			parked = status
			return nil
		},
	}
	sender := &mockSender{
		send: func(ctx context.Context, r *Refund, gasMultiplier decimal.Decimal) (string, error) {
			return "", errors.New("still failing")
		},
	}
	p := NewPipeline(store, sender, nil, nil, testRefundConfig(), zap.NewNop())

	_, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusManualReview, parked)
}

func TestProcessBatch_DustParked(t *testing.T) {
	r := &Refund{
		ID:           "ref-1",
		SwapID:       "swap-1",
		Chain:        "bitcoin",
		Ticker:       "btc",
		RefundAmount: d("0.00001"),
	}
	var parked Status
	store := &mockRefundStore{
		claim: func(ctx context.Context, now time.Time, limit int) ([]*Refund, error) {
			return []*Refund{r}, nil
		},
		updateStatus: func(ctx context.Context, id string, status Status) error {
			parked = status
			return nil
		},
	}
	p := NewPipeline(store, &mockSender{send: func(ctx context.Context, r *Refund, g decimal.Decimal) (string, error) {
		t.Fatal("dust refund must not be sent")
		return "", nil
	}}, nil, nil, testRefundConfig(), zap.NewNop())

	_, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusBelowDust, parked)
}
