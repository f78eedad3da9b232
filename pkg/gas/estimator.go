// Package gas estimates network fees per chain. Raw prices come from the
// chain clients, get smoothed with an exponential moving average to absorb
// mempool spikes, and are cached in Redis so the quote path never blocks on
// an RPC round trip.
package gas

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/veilswap/middleware/internal/metrics"
	"github.com/veilswap/middleware/pkg/cache"
)

// TxType selects the gas limit profile for an EVM transaction.
type TxType string

const (
	TxTransfer      TxType = "transfer"
	TxTokenTransfer TxType = "token_transfer"
	TxApprove       TxType = "approve"
	TxContractCall  TxType = "contract_call"
)

// EVM gas limits per transaction type.
var evmGasLimits = map[TxType]int64{
	TxTransfer:      21000,
	TxTokenTransfer: 65000,
	TxApprove:       45000,
	TxContractCall:  150000,
}

// EMA smoothing factor. 1/8 keeps roughly the last eight observations
// relevant.
const emaAlpha = 0.125

const (
	emaTTL = 60 * time.Second
	feeTTL = 10 * time.Second
)

// Bitcoin fallback fee rate in sat/vB when the node has no estimate.
var btcFallbackRate = decimal.NewFromInt(10)

// Solana fees in lamports: base signature fee plus a flat priority fee.
const (
	solBaseFee     = 5000
	solPriorityFee = 1000
)

// Typical single-input two-output sweep used for fee estimates before the
// actual UTXO set is known.
const (
	btcEstimateInputs  = 1
	btcEstimateOutputs = 2
)

var (
	weiPerEther     = decimal.New(1, 18)
	satoshisPerBTC  = decimal.New(1, 8)
	lamportsPerSOL  = decimal.New(1, 9)
	maxEscalation   = decimal.RequireFromString("2.0")
	escalationStep  = decimal.RequireFromString("0.1")
	escalationFloor = decimal.NewFromInt(1)
)

// PriceSource returns the current raw gas price in protocol-native units:
// wei per gas for EVM, sat/vB for Bitcoin, lamports per signature for
// Solana.
type PriceSource func(ctx context.Context) (decimal.Decimal, error)

type chainEntry struct {
	protocol string
	chainID  int64
	source   PriceSource
}

// Estimator computes per-chain network fees in whole native units.
type Estimator struct {
	cache  *cache.Cache
	logger *zap.Logger

	mu     sync.RWMutex
	chains map[string]chainEntry
}

func NewEstimator(c *cache.Cache, logger *zap.Logger) *Estimator {
	return &Estimator{
		cache:  c,
		logger: logger,
		chains: make(map[string]chainEntry),
	}
}

// Register adds a chain and its raw price source.
func (e *Estimator) Register(chain, protocol string, chainID int64, source PriceSource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chains[chain] = chainEntry{protocol: protocol, chainID: chainID, source: source}
}

func (e *Estimator) entry(chain string) (chainEntry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.chains[chain]
	if !ok {
		return chainEntry{}, fmt.Errorf("unknown chain %s", chain)
	}
	return entry, nil
}

// SmoothedPrice returns the EMA-smoothed gas price for a chain, updating
// the average with a fresh observation when the cached value has expired.
func (e *Estimator) SmoothedPrice(ctx context.Context, chain string) (decimal.Decimal, error) {
	entry, err := e.entry(chain)
	if err != nil {
		return decimal.Zero, err
	}

	key := fmt.Sprintf("gas:%s:ema", chain)
	var smoothed decimal.Decimal
	err = e.cache.GetOrLoad(ctx, key, emaTTL, func(ctx context.Context) (any, error) {
		raw, err := entry.source(ctx)
		if err != nil {
			return nil, fmt.Errorf("gas price source for %s: %w", chain, err)
		}

		var prev decimal.Decimal
		havePrev := e.cache.Get(ctx, key, &prev) == nil && !prev.IsZero()

		next := raw
		if havePrev {
			alpha := decimal.NewFromFloat(emaAlpha)
			next = raw.Mul(alpha).Add(prev.Mul(decimal.NewFromInt(1).Sub(alpha)))
		}

		f, _ := next.Float64()
		metrics.GasPrice.WithLabelValues(chain).Set(f)
		return next, nil
	}, &smoothed)
	if err != nil {
		return decimal.Zero, err
	}
	return smoothed, nil
}

// EstimateFee returns the total network fee for one transaction of the
// given type, in whole native units of the chain's coin.
func (e *Estimator) EstimateFee(ctx context.Context, chain string, txType TxType) (decimal.Decimal, error) {
	entry, err := e.entry(chain)
	if err != nil {
		return decimal.Zero, err
	}

	key := fmt.Sprintf("gas:%s:%s", chain, txType)
	var fee decimal.Decimal
	err = e.cache.GetOrLoad(ctx, key, feeTTL, func(ctx context.Context) (any, error) {
		return e.computeFee(ctx, chain, entry, txType)
	}, &fee)
	if err != nil {
		fallback := FallbackFee(entry.protocol, entry.chainID)
		e.logger.Warn("gas estimation failed, using fallback fee",
			zap.String("chain", chain),
			zap.String("tx_type", string(txType)),
			zap.String("fallback", fallback.String()),
			zap.Error(err))
		return fallback, nil
	}
	return fee, nil
}

func (e *Estimator) computeFee(ctx context.Context, chain string, entry chainEntry, txType TxType) (decimal.Decimal, error) {
	switch entry.protocol {
	case "evm":
		price, err := e.SmoothedPrice(ctx, chain)
		if err != nil {
			return decimal.Zero, err
		}
		limit, ok := evmGasLimits[txType]
		if !ok {
			limit = evmGasLimits[TxTransfer]
		}
		return price.Mul(decimal.NewFromInt(limit)).Div(weiPerEther), nil

	case "bitcoin":
		rate, err := e.SmoothedPrice(ctx, chain)
		if err != nil || rate.IsZero() {
			rate = btcFallbackRate
		}
		vsize := decimal.NewFromInt(int64(BitcoinVSize(btcEstimateInputs, btcEstimateOutputs)))
		return rate.Mul(vsize).Div(satoshisPerBTC), nil

	case "solana":
		return decimal.NewFromInt(solBaseFee + solPriorityFee).Div(lamportsPerSOL), nil

	default:
		return decimal.Zero, fmt.Errorf("unsupported protocol %s", entry.protocol)
	}
}

// BitcoinVSize estimates a P2PKH transaction's virtual size.
func BitcoinVSize(inputs, outputs int) int {
	return 148*inputs + 34*outputs + 10
}

// FallbackFee is the static per-transaction fee used when estimation is
// unavailable. Ethereum mainnet is priced higher than other EVM chains.
func FallbackFee(protocol string, chainID int64) decimal.Decimal {
	switch protocol {
	case "evm":
		if chainID == 1 {
			return decimal.RequireFromString("0.002")
		}
		return decimal.RequireFromString("0.001")
	case "bitcoin":
		return decimal.RequireFromString("0.0001")
	case "solana":
		return decimal.RequireFromString("0.00001")
	default:
		return decimal.Zero
	}
}

// Escalation returns the gas price multiplier for a retry attempt:
// 1 + 0.1 per attempt, capped at 2x.
func Escalation(attempt int) decimal.Decimal {
	m := escalationFloor.Add(escalationStep.Mul(decimal.NewFromInt(int64(attempt))))
	if m.GreaterThan(maxEscalation) {
		return maxEscalation
	}
	return m
}
