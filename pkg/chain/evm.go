package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/veilswap/middleware/pkg/rpcmux"
)

var weiPerEther = decimal.New(1, 18)

// EVMClient talks to Ethereum-compatible chains through the endpoint mux.
// Dialed ethclient connections are cached per endpoint URL.
type EVMClient struct {
	chain   string
	chainID int64
	mux     *rpcmux.Mux
	logger  *zap.Logger

	mu      sync.Mutex
	clients map[string]*ethclient.Client
}

func NewEVMClient(chain string, chainID int64, mux *rpcmux.Mux, logger *zap.Logger) *EVMClient {
	return &EVMClient{
		chain:   chain,
		chainID: chainID,
		mux:     mux,
		logger:  logger.With(zap.String("chain", chain)),
		clients: make(map[string]*ethclient.Client),
	}
}

func (c *EVMClient) Protocol() string { return "evm" }

// ChainID returns the configured EIP-155 chain ID.
func (c *EVMClient) ChainID() *big.Int { return big.NewInt(c.chainID) }

func (c *EVMClient) dial(ctx context.Context, url string) (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[url]; ok {
		return client, nil
	}
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	c.clients[url] = client
	return client, nil
}

func (c *EVMClient) BlockHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := c.mux.Do(ctx, "eth_blockNumber", func(ctx context.Context, url string) error {
		client, err := c.dial(ctx, url)
		if err != nil {
			return err
		}
		height, err = client.BlockNumber(ctx)
		return err
	})
	return height, err
}

func (c *EVMClient) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	var wei *big.Int
	err := c.mux.Do(ctx, "eth_getBalance", func(ctx context.Context, url string) error {
		client, err := c.dial(ctx, url)
		if err != nil {
			return err
		}
		wei, err = client.BalanceAt(ctx, common.HexToAddress(address), nil)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(wei, 0).Div(weiPerEther), nil
}

// Nonce returns the pending nonce for an address.
func (c *EVMClient) Nonce(ctx context.Context, address string) (uint64, error) {
	var nonce uint64
	err := c.mux.Do(ctx, "eth_getTransactionCount", func(ctx context.Context, url string) error {
		client, err := c.dial(ctx, url)
		if err != nil {
			return err
		}
		nonce, err = client.PendingNonceAt(ctx, common.HexToAddress(address))
		return err
	})
	return nonce, err
}

// GasPrice returns the node-suggested gas price in wei.
func (c *EVMClient) GasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := c.mux.Do(ctx, "eth_gasPrice", func(ctx context.Context, url string) error {
		client, err := c.dial(ctx, url)
		if err != nil {
			return err
		}
		price, err = client.SuggestGasPrice(ctx)
		return err
	})
	return price, err
}

func (c *EVMClient) SendRawTransaction(ctx context.Context, raw []byte) (string, error) {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", fmt.Errorf("failed to decode raw transaction: %w", err)
	}
	err := c.mux.Do(ctx, "eth_sendRawTransaction", func(ctx context.Context, url string) error {
		client, err := c.dial(ctx, url)
		if err != nil {
			return err
		}
		return client.SendTransaction(ctx, &tx)
	})
	if err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

func (c *EVMClient) TxConfirmations(ctx context.Context, txHash string) (uint64, error) {
	var confs uint64
	err := c.mux.Do(ctx, "eth_getTransactionReceipt", func(ctx context.Context, url string) error {
		client, err := c.dial(ctx, url)
		if err != nil {
			return err
		}
		receipt, err := client.TransactionReceipt(ctx, common.HexToHash(txHash))
		if err != nil {
			return err
		}
		head, err := client.BlockNumber(ctx)
		if err != nil {
			return err
		}
		if receipt.BlockNumber == nil || head < receipt.BlockNumber.Uint64() {
			confs = 0
			return nil
		}
		confs = head - receipt.BlockNumber.Uint64() + 1
		return nil
	})
	return confs, err
}

func (c *EVMClient) HealthCheck(ctx context.Context, url string) (uint64, error) {
	client, err := c.dial(ctx, url)
	if err != nil {
		return 0, err
	}
	return client.BlockNumber(ctx)
}

// Close releases all dialed connections.
func (c *EVMClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, client := range c.clients {
		client.Close()
	}
	c.clients = make(map[string]*ethclient.Client)
}
