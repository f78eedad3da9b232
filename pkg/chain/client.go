// Package chain implements protocol-specific blockchain clients. Every
// client routes its calls through an rpcmux pool, so endpoint selection,
// circuit breaking and failover are uniform across protocols.
package chain

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/veilswap/middleware/pkg/config"
	"github.com/veilswap/middleware/pkg/rpcmux"
)

// Client is the protocol-agnostic surface used by the deposit listener and
// the payout and refund pipelines. Amounts are in whole native units
// (ETH, BTC, SOL), not base units.
type Client interface {
	// Protocol returns the protocol family (evm, bitcoin, solana).
	Protocol() string
	// BlockHeight returns the current chain tip height.
	BlockHeight(ctx context.Context) (uint64, error)
	// Balance returns the confirmed balance of an address.
	Balance(ctx context.Context, address string) (decimal.Decimal, error)
	// SendRawTransaction broadcasts a signed transaction and returns its hash.
	SendRawTransaction(ctx context.Context, raw []byte) (string, error)
	// TxConfirmations returns the number of confirmations for a transaction,
	// zero while unconfirmed.
	TxConfirmations(ctx context.Context, txHash string) (uint64, error)
	// HealthCheck probes a single endpoint and returns its block height.
	// It is installed as the mux health check function.
	HealthCheck(ctx context.Context, url string) (uint64, error)
}

// NewClient builds the client for a chain based on its configured protocol.
func NewClient(name string, cfg config.ChainConfig, logger *zap.Logger) (Client, *rpcmux.Mux, error) {
	mux := rpcmux.New(name, cfg, logger)

	var c Client
	switch cfg.Protocol {
	case "evm":
		c = NewEVMClient(name, cfg.ChainID, mux, logger)
	case "bitcoin":
		c = NewBitcoinClient(name, mux, logger)
	case "solana":
		c = NewSolanaClient(name, mux, logger)
	default:
		return nil, nil, fmt.Errorf("unsupported protocol %q for chain %s", cfg.Protocol, name)
	}

	mux.StartHealthChecks(c.HealthCheck)
	return c, mux, nil
}
