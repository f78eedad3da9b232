package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veilswap/middleware/pkg/config"
	"github.com/veilswap/middleware/pkg/rpcmux"
)

func newRPCServer(t *testing.T, handlers map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		result, ok := handlers[req.Method]
		if !ok {
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"code": -32601, "message": "method not found"},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "result": result})
	}))
}

func muxFor(url string) *rpcmux.Mux {
	return rpcmux.New("test", config.ChainConfig{
		Endpoints:           []config.EndpointConfig{{URL: url, Weight: 1, Priority: 1}},
		Strategy:            "round_robin",
		HealthCheckInterval: time.Minute,
		RequestTimeout:      2 * time.Second,
		Breaker: config.BreakerConfig{
			FailureThreshold: 0.5,
			MinRequests:      10,
			OpenTimeout:      30 * time.Second,
			HalfOpenMax:      3,
			HalfOpenProbes:   5,
		},
	}, zap.NewNop())
}

func TestBitcoinClient_BlockHeight(t *testing.T) {
	srv := newRPCServer(t, map[string]any{"getblockcount": 840000})
	defer srv.Close()

	c := NewBitcoinClient("btc", muxFor(srv.URL), zap.NewNop())
	height, err := c.BlockHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(840000), height)
}

func TestBitcoinClient_Balance(t *testing.T) {
	srv := newRPCServer(t, map[string]any{
		"listunspent": []map[string]any{
			{"txid": "aa", "vout": 0, "amount": 0.5, "confirmations": 3},
			{"txid": "bb", "vout": 1, "amount": 0.25, "confirmations": 10},
		},
	})
	defer srv.Close()

	c := NewBitcoinClient("btc", muxFor(srv.URL), zap.NewNop())
	balance, err := c.Balance(context.Background(), "1LqBGSKuX5yYUonjxT5qGfpUsXKYYWeabA")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("0.75")), "got %s", balance)
}

func TestBitcoinClient_FeeRate(t *testing.T) {
	srv := newRPCServer(t, map[string]any{
		"estimatesmartfee": map[string]any{"feerate": 0.00015, "blocks": 2},
	})
	defer srv.Close()

	c := NewBitcoinClient("btc", muxFor(srv.URL), zap.NewNop())
	rate, err := c.FeeRate(context.Background(), 2)
	require.NoError(t, err)
	// 0.00015 BTC/kvB = 15 sat/vB
	assert.True(t, rate.Equal(decimal.NewFromInt(15)), "got %s", rate)
}

func TestBitcoinClient_FeeRateUnavailable(t *testing.T) {
	srv := newRPCServer(t, map[string]any{
		"estimatesmartfee": map[string]any{"errors": []string{"Insufficient data"}},
	})
	defer srv.Close()

	c := NewBitcoinClient("btc", muxFor(srv.URL), zap.NewNop())
	_, err := c.FeeRate(context.Background(), 2)
	assert.Error(t, err)
}

func TestSolanaClient_Balance(t *testing.T) {
	srv := newRPCServer(t, map[string]any{
		"getBalance": map[string]any{"value": 2500000000},
	})
	defer srv.Close()

	c := NewSolanaClient("sol", muxFor(srv.URL), zap.NewNop())
	balance, err := c.Balance(context.Background(), "somepubkey")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("2.5")), "got %s", balance)
}

func TestSolanaClient_TxConfirmations(t *testing.T) {
	srv := newRPCServer(t, map[string]any{
		"getSignatureStatuses": map[string]any{
			"value": []map[string]any{{"confirmations": nil, "confirmationStatus": "finalized"}},
		},
	})
	defer srv.Close()

	c := NewSolanaClient("sol", muxFor(srv.URL), zap.NewNop())
	confs, err := c.TxConfirmations(context.Background(), "sig")
	require.NoError(t, err)
	assert.Equal(t, uint64(32), confs)
}

func TestJSONRPC_ErrorResponse(t *testing.T) {
	srv := newRPCServer(t, map[string]any{})
	defer srv.Close()

	c := NewBitcoinClient("btc", muxFor(srv.URL), zap.NewNop())
	_, err := c.BlockHeight(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "method not found")
}

func TestNewClient_UnsupportedProtocol(t *testing.T) {
	_, _, err := NewClient("x", config.ChainConfig{Protocol: "cardano"}, zap.NewNop())
	assert.Error(t, err)
}
