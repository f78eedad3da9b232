// Package trocador is the HTTP client for the Trocador swap aggregator API.
package trocador

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/veilswap/middleware/internal/metrics"
	"github.com/veilswap/middleware/pkg/app/errors"
	"github.com/veilswap/middleware/pkg/config"
)

const apiKeyHeader = "API-Key"

// Client calls the aggregator REST API. Safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	maxRetries int
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(cfg *config.ProviderConfig, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Rates fetches multi-provider quotes for a pair and amount.
func (c *Client) Rates(ctx context.Context, req RateRequest) (*RateResponse, error) {
	q := url.Values{}
	q.Set("ticker_from", req.TickerFrom)
	q.Set("network_from", req.NetworkFrom)
	q.Set("ticker_to", req.TickerTo)
	q.Set("network_to", req.NetworkTo)
	q.Set("amount_from", req.Amount.String())
	if req.Payment {
		q.Del("amount_from")
		q.Set("amount_to", req.Amount.String())
	}

	var resp RateResponse
	if err := c.get(ctx, "/new_rate", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateTrade creates a trade with the chosen provider and returns the
// deposit address the user must fund.
func (c *Client) CreateTrade(ctx context.Context, req TradeRequest) (*Trade, error) {
	q := url.Values{}
	q.Set("ticker_from", req.TickerFrom)
	q.Set("network_from", req.NetworkFrom)
	q.Set("ticker_to", req.TickerTo)
	q.Set("network_to", req.NetworkTo)
	q.Set("amount_from", req.Amount.String())
	q.Set("address", req.Address)
	q.Set("provider", req.Provider)
	if req.AddressMemo != "" {
		q.Set("address_memo", req.AddressMemo)
	}
	if req.RefundAddr != "" {
		q.Set("refund_address", req.RefundAddr)
	}
	if req.RateID != "" {
		q.Set("id", req.RateID)
	}

	var trade Trade
	if err := c.get(ctx, "/new_trade", q, &trade); err != nil {
		return nil, err
	}
	return &trade, nil
}

// TradeStatus fetches the current state of an upstream trade.
func (c *Client) TradeStatus(ctx context.Context, tradeID string) (*Trade, error) {
	q := url.Values{}
	q.Set("id", tradeID)

	var trade Trade
	if err := c.get(ctx, "/trade", q, &trade); err != nil {
		return nil, err
	}
	return &trade, nil
}

// Currencies lists all tradeable assets.
func (c *Client) Currencies(ctx context.Context) ([]Currency, error) {
	var currencies []Currency
	if err := c.get(ctx, "/coins", nil, &currencies); err != nil {
		return nil, err
	}
	return currencies, nil
}

// Providers lists the exchanges behind the aggregator.
func (c *Client) Providers(ctx context.Context) ([]Provider, error) {
	var providers []Provider
	if err := c.get(ctx, "/exchanges", nil, &providers); err != nil {
		return nil, err
	}
	return providers, nil
}

// get performs a GET with retries on 5xx and decodes the JSON body.
func (c *Client) get(ctx context.Context, path string, query url.Values, result any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * 500 * time.Millisecond
			if delay > 5*time.Second {
				delay = 5 * time.Second
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		retry, err := c.do(ctx, u, path, result)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
		c.logger.Warn("provider request failed, retrying",
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return lastErr
}

// do executes one request. The bool reports whether the error is
// retryable.
func (c *Client) do(ctx context.Context, u, path string, result any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, errors.GeneralError(err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(path, "error").Inc()
		return true, errors.DependencyError(err, "provider request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(path, "error").Inc()
		return true, errors.DependencyError(err, "failed to read provider response")
	}

	metrics.ProviderRequests.WithLabelValues(path, fmt.Sprintf("%d", resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode >= 500:
		return true, errors.DependencyError(
			fmt.Errorf("provider returned %d: %s", resp.StatusCode, truncate(body)),
			"provider unavailable")
	case resp.StatusCode == http.StatusTooManyRequests:
		return true, errors.RateLimitedError(
			fmt.Errorf("provider returned 429"), "provider rate limit exceeded")
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return false, errors.UnAuthorizedError(
			fmt.Errorf("provider returned %d", resp.StatusCode), "provider rejected API key")
	case resp.StatusCode == http.StatusNotFound:
		return false, errors.ResourceNotFoundError(
			fmt.Errorf("provider returned 404"), "resource not found upstream")
	case resp.StatusCode >= 400:
		return false, errors.BadRequestError(
			fmt.Errorf("provider returned %d: %s", resp.StatusCode, truncate(body)),
			"provider rejected request")
	}

	if err := json.Unmarshal(body, result); err != nil {
		return false, errors.DependencyError(err, "failed to decode provider response")
	}
	return false, nil
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
