package chain

import (
	"context"
	"encoding/base64"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/veilswap/middleware/pkg/rpcmux"
)

var lamportsPerSOL = decimal.New(1, 9)

// SolanaClient talks to Solana RPC nodes.
type SolanaClient struct {
	chain  string
	mux    *rpcmux.Mux
	rpc    *jsonrpcClient
	logger *zap.Logger
}

func NewSolanaClient(chain string, mux *rpcmux.Mux, logger *zap.Logger) *SolanaClient {
	return &SolanaClient{
		chain:  chain,
		mux:    mux,
		rpc:    newJSONRPCClient(),
		logger: logger.With(zap.String("chain", chain)),
	}
}

func (c *SolanaClient) Protocol() string { return "solana" }

func (c *SolanaClient) BlockHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := c.mux.Do(ctx, "getBlockHeight", func(ctx context.Context, url string) error {
		return c.rpc.call(ctx, url, "getBlockHeight", nil, &height)
	})
	return height, err
}

func (c *SolanaClient) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	var result struct {
		Value uint64 `json:"value"`
	}
	err := c.mux.Do(ctx, "getBalance", func(ctx context.Context, url string) error {
		return c.rpc.call(ctx, url, "getBalance", []any{address}, &result)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromUint64(result.Value).Div(lamportsPerSOL), nil
}

// LatestBlockhash returns the recent blockhash required to assemble a
// transaction message.
func (c *SolanaClient) LatestBlockhash(ctx context.Context) (string, error) {
	var result struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	err := c.mux.Do(ctx, "getLatestBlockhash", func(ctx context.Context, url string) error {
		return c.rpc.call(ctx, url, "getLatestBlockhash", nil, &result)
	})
	return result.Value.Blockhash, err
}

func (c *SolanaClient) SendRawTransaction(ctx context.Context, raw []byte) (string, error) {
	var signature string
	encoded := base64.StdEncoding.EncodeToString(raw)
	err := c.mux.Do(ctx, "sendTransaction", func(ctx context.Context, url string) error {
		return c.rpc.call(ctx, url, "sendTransaction", []any{encoded, map[string]string{"encoding": "base64"}}, &signature)
	})
	return signature, err
}

func (c *SolanaClient) TxConfirmations(ctx context.Context, txHash string) (uint64, error) {
	var result struct {
		Value []*struct {
			Confirmations      *uint64 `json:"confirmations"`
			ConfirmationStatus string  `json:"confirmationStatus"`
		} `json:"value"`
	}
	err := c.mux.Do(ctx, "getSignatureStatuses", func(ctx context.Context, url string) error {
		return c.rpc.call(ctx, url, "getSignatureStatuses", []any{[]string{txHash}}, &result)
	})
	if err != nil {
		return 0, err
	}
	if len(result.Value) == 0 || result.Value[0] == nil {
		return 0, nil
	}
	status := result.Value[0]
	// Finalized signatures report nil confirmations, treat as deep.
	if status.Confirmations == nil {
		if status.ConfirmationStatus == "finalized" {
			return 32, nil
		}
		return 0, nil
	}
	return *status.Confirmations, nil
}

func (c *SolanaClient) HealthCheck(ctx context.Context, url string) (uint64, error) {
	var height uint64
	if err := c.rpc.call(ctx, url, "getBlockHeight", nil, &height); err != nil {
		return 0, err
	}
	return height, nil
}
