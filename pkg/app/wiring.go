package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/veilswap/middleware/pkg/chain"
	"github.com/veilswap/middleware/pkg/config"
	"github.com/veilswap/middleware/pkg/gas"
	"github.com/veilswap/middleware/pkg/rpcmux"
)

// Solana's base fee per signature in lamports, fixed by the runtime.
const solSignatureFee = 5000

// ChainSet holds the RPC clients built from configuration, keyed by
// lowercased network name, plus their multiplexers for shutdown.
type ChainSet struct {
	Clients map[string]chain.Client
	muxes   []*rpcmux.Mux
}

// BuildChains dials every configured chain and starts its endpoint health
// checks.
func BuildChains(cfgs map[string]config.ChainConfig, logger *zap.Logger) (*ChainSet, error) {
	set := &ChainSet{Clients: make(map[string]chain.Client, len(cfgs))}
	for name, cfg := range cfgs {
		client, mux, err := chain.NewClient(name, cfg, logger)
		if err != nil {
			set.Stop()
			return nil, fmt.Errorf("failed to build %s client: %w", name, err)
		}
		set.Clients[strings.ToLower(name)] = client
		set.muxes = append(set.muxes, mux)
	}
	return set, nil
}

// Stop halts endpoint health checking for all chains.
func (s *ChainSet) Stop() {
	for _, mux := range s.muxes {
		mux.Stop()
	}
}

// Protocols maps lowercased network names to their chain protocol.
func Protocols(cfgs map[string]config.ChainConfig) map[string]string {
	out := make(map[string]string, len(cfgs))
	for name, cfg := range cfgs {
		out[strings.ToLower(name)] = cfg.Protocol
	}
	return out
}

// RegisterGasSources wires each chain's raw price source into the gas
// estimator: wei per gas from EVM nodes, sat/vB from Bitcoin nodes and the
// fixed signature fee for Solana.
func RegisterGasSources(est *gas.Estimator, cfgs map[string]config.ChainConfig, clients map[string]chain.Client) {
	for name, cfg := range cfgs {
		key := strings.ToLower(name)
		client, ok := clients[key]
		if !ok {
			continue
		}

		var source gas.PriceSource
		switch cl := client.(type) {
		case *chain.EVMClient:
			source = func(ctx context.Context) (decimal.Decimal, error) {
				price, err := cl.GasPrice(ctx)
				if err != nil {
					return decimal.Zero, err
				}
				return decimal.NewFromBigInt(price, 0), nil
			}
		case *chain.BitcoinClient:
			source = func(ctx context.Context) (decimal.Decimal, error) {
				return cl.FeeRate(ctx, 2)
			}
		case *chain.SolanaClient:
			source = func(ctx context.Context) (decimal.Decimal, error) {
				return decimal.NewFromInt(solSignatureFee), nil
			}
		default:
			continue
		}
		est.Register(key, cfg.Protocol, cfg.ChainID, source)
	}
}
