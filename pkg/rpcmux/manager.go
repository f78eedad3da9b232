// Package rpcmux multiplexes blockchain RPC calls over a pool of endpoints
// with per-endpoint circuit breaking, health scoring and automatic failover.
package rpcmux

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veilswap/middleware/internal/metrics"
	"github.com/veilswap/middleware/pkg/config"
)

// ErrNoEndpoints is returned when every endpoint in the pool is tripped or
// the pool is empty.
var ErrNoEndpoints = errors.New("no eligible rpc endpoints")

const (
	maxFailoverAttempts = 3
	retryBaseDelay      = 100 * time.Millisecond
	retryMaxDelay       = 30 * time.Second
)

// Endpoint is one RPC endpoint with its runtime state.
type Endpoint struct {
	URL      string
	Weight   int
	Priority int

	Breaker *Breaker
	Health  *HealthTracker
}

// CheckFunc probes an endpoint and returns its current block height. The
// chain client supplies a protocol-appropriate implementation.
type CheckFunc func(ctx context.Context, url string) (uint64, error)

// Mux routes calls for a single chain across its endpoint pool.
type Mux struct {
	chain    string
	cfg      config.ChainConfig
	strategy Strategy
	logger   *zap.Logger

	mu        sync.RWMutex
	endpoints []*Endpoint

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Mux from the chain config.
func New(chain string, cfg config.ChainConfig, logger *zap.Logger) *Mux {
	endpoints := make([]*Endpoint, 0, len(cfg.Endpoints))
	for _, ec := range cfg.Endpoints {
		b := cfg.Breaker
		endpoints = append(endpoints, &Endpoint{
			URL:      ec.URL,
			Weight:   ec.Weight,
			Priority: ec.Priority,
			Breaker:  NewBreaker(b.FailureThreshold, b.MinRequests, b.OpenTimeout, b.HalfOpenMax, b.HalfOpenProbes),
			Health:   NewHealthTracker(),
		})
	}
	return &Mux{
		chain:     chain,
		cfg:       cfg,
		strategy:  NewStrategy(cfg.Strategy),
		logger:    logger.With(zap.String("chain", chain)),
		endpoints: endpoints,
		stopCh:    make(chan struct{}),
	}
}

// Endpoints returns the configured endpoints.
func (m *Mux) Endpoints() []*Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.endpoints
}

// RequestTimeout is the per-attempt timeout from the chain config.
func (m *Mux) RequestTimeout() time.Duration {
	return m.cfg.RequestTimeout
}

// eligible returns non-tripped endpoints from the lowest priority tier that
// has any available, excluding URLs already tried this call.
func (m *Mux) eligible(tried map[string]bool) []*Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	available := make([]*Endpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		if tried[ep.URL] {
			continue
		}
		if !ep.Breaker.Ready() {
			continue
		}
		available = append(available, ep)
	}
	if len(available) == 0 {
		return nil
	}

	sort.SliceStable(available, func(i, j int) bool {
		return available[i].Priority < available[j].Priority
	})
	tier := available[0].Priority
	cut := len(available)
	for i, ep := range available {
		if ep.Priority != tier {
			cut = i
			break
		}
	}
	return available[:cut]
}

// Do executes call against a selected endpoint, failing over to another
// endpoint on error for up to min(len(pool), 3) attempts with jittered
// exponential backoff between attempts.
func (m *Mux) Do(ctx context.Context, method string, call func(ctx context.Context, url string) error) error {
	attempts := maxFailoverAttempts
	if n := len(m.Endpoints()); n < attempts {
		attempts = n
	}
	if attempts == 0 {
		return ErrNoEndpoints
	}

	tried := make(map[string]bool, attempts)
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay(attempt - 1)):
			}
		}

		eligible := m.eligible(tried)
		ep := m.strategy.Pick(eligible)
		if ep == nil {
			if lastErr != nil {
				return lastErr
			}
			return ErrNoEndpoints
		}
		tried[ep.URL] = true

		if !ep.Breaker.Allow() {
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
		start := time.Now()
		err := call(callCtx, ep.URL)
		latency := time.Since(start)
		cancel()

		ep.Breaker.Record(err != nil)
		ep.Health.Observe(latency, err != nil)

		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		metrics.RPCRequests.WithLabelValues(m.chain, ep.URL, outcome).Inc()
		metrics.RPCLatency.WithLabelValues(m.chain, ep.URL).Observe(latency.Seconds())

		if err == nil {
			return nil
		}
		lastErr = err
		m.logger.Warn("rpc call failed, failing over",
			zap.String("endpoint", ep.URL),
			zap.String("method", method),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return fmt.Errorf("all rpc attempts failed for %s: %w", m.chain, lastErr)
}

// retryDelay returns min(100ms * 2^attempt, 30s) with +-10% jitter.
func retryDelay(attempt int) time.Duration {
	d := retryBaseDelay << attempt
	if d > retryMaxDelay || d <= 0 {
		d = retryMaxDelay
	}
	jitter := 1 + (rand.Float64()*0.2 - 0.1)
	return time.Duration(float64(d) * jitter)
}

// StartHealthChecks launches the background probe loop. The check function
// is protocol specific (eth_blockNumber, getblockcount, getBlockHeight).
func (m *Mux) StartHealthChecks(check CheckFunc) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.runChecks(check)
			}
		}
	}()
}

func (m *Mux) runChecks(check CheckFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RequestTimeout)
	defer cancel()

	for _, ep := range m.Endpoints() {
		height, err := check(ctx, ep.URL)
		ep.Health.ObserveCheck(height, err == nil)
		if err != nil {
			m.logger.Debug("health check failed",
				zap.String("endpoint", ep.URL),
				zap.Error(err))
		}
	}
	for _, ep := range m.Endpoints() {
		metrics.RPCEndpointHealth.WithLabelValues(m.chain, ep.URL).
			Set(ep.Health.Score(Availability(ep.Breaker.State())))
	}
}

// Stop terminates the health check loop and waits for it to exit.
func (m *Mux) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}
