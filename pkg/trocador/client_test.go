package trocador

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

	"github.com/veilswap/middleware/pkg/app/errors"
	"github.com/veilswap/middleware/pkg/config"
)

func newTestClient(baseURL string) *Client {
	return NewClient(&config.ProviderConfig{
		BaseURL:    baseURL,
		APIKey:     "test-key",
		Timeout:    5 * time.Second,
		MaxRetries: 2,
	}, zap.NewNop())
}

func TestRates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/new_rate", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("API-Key"))
		assert.Equal(t, "btc", r.URL.Query().Get("ticker_from"))
		assert.Equal(t, "0.5", r.URL.Query().Get("amount_from"))

		json.NewEncoder(w).Encode(RateResponse{
			TradeID:    "abc",
			AmountFrom: decimal.RequireFromString("0.5"),
			Quotes: []RateQuote{
				{Provider: "exch1", AmountTo: decimal.RequireFromString("7.4")},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	resp, err := c.Rates(context.Background(), RateRequest{
		TickerFrom:  "btc",
		NetworkFrom: "Mainnet",
		TickerTo:    "xmr",
		NetworkTo:   "Mainnet",
		Amount:      decimal.RequireFromString("0.5"),
	})
	require.NoError(t, err)
	assert.Equal(t, "abc", resp.TradeID)
	require.Len(t, resp.Quotes, 1)
	assert.Equal(t, "exch1", resp.Quotes[0].Provider)
}

func TestCreateTrade(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/new_trade", r.URL.Path)
		assert.Equal(t, "exch1", r.URL.Query().Get("provider"))
		json.NewEncoder(w).Encode(Trade{
			ID:          "trade-1",
			Status:      TradeStatusNew,
			AddressFrom: "bc1qdeposit",
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	trade, err := c.CreateTrade(context.Background(), TradeRequest{
		TickerFrom:  "btc",
		NetworkFrom: "Mainnet",
		TickerTo:    "xmr",
		NetworkTo:   "Mainnet",
		Amount:      decimal.RequireFromString("0.5"),
		Address:     "4monero...",
		Provider:    "exch1",
	})
	require.NoError(t, err)
	assert.Equal(t, "trade-1", trade.ID)
	assert.Equal(t, "bc1qdeposit", trade.AddressFrom)
}

func TestRetriesOn5xx(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(Trade{ID: "trade-1"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	trade, err := c.TradeStatus(context.Background(), "trade-1")
	require.NoError(t, err)
	assert.Equal(t, "trade-1", trade.ID)
	assert.Equal(t, 3, calls)
}

func TestNoRetryOn4xx(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.TradeStatus(context.Background(), "bad")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CategoryDataError))
	assert.Equal(t, 1, calls)
}

func TestUnauthorizedMapsToServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Currencies(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CategoryUnauthorized))
}

func TestRateLimitedMapsToServiceError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Providers(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CategoryRateLimited))
	// 429 is retryable, all attempts consumed.
	assert.Equal(t, 3, calls)
}
