package rpcmux

import (
	"sort"
	"sync"
	"time"
)

const healthWindow = 100

// Score weights. Availability, latency and success rate dominate; check
// freshness is a small tiebreaker.
const (
	weightAvailability = 0.3
	weightLatency      = 0.3
	weightSuccess      = 0.3
	weightFreshness    = 0.1
)

// Average latency at or above this pins the latency component to zero.
const latencyCeiling = 5 * time.Second

// A last successful check older than this pins freshness to zero.
const freshnessCeiling = time.Minute

type sample struct {
	latency time.Duration
	failed  bool
}

// HealthTracker keeps a sliding window of request outcomes per endpoint and
// derives a composite health score in [0, 1].
type HealthTracker struct {
	mu sync.Mutex

	samples []sample
	pos     int
	filled  bool

	lastCheckAt time.Time
	height      uint64

	now func() time.Time
}

func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		samples: make([]sample, healthWindow),
		now:     time.Now,
	}
}

// Availability maps a circuit breaker state onto the availability input of
// the health score.
func Availability(state BreakerState) float64 {
	switch state {
	case BreakerClosed:
		return 1.0
	case BreakerHalfOpen:
		return 0.5
	default:
		return 0.0
	}
}

// Observe records a request outcome.
func (h *HealthTracker) Observe(latency time.Duration, failed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.samples[h.pos] = sample{latency: latency, failed: failed}
	h.pos = (h.pos + 1) % len(h.samples)
	if h.pos == 0 {
		h.filled = true
	}
}

// ObserveCheck records a periodic health check result and the reported
// block height.
func (h *HealthTracker) ObserveCheck(height uint64, up bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if up {
		h.height = height
		h.lastCheckAt = h.now()
	}
}

// BlockHeight returns the last height reported by a successful check.
func (h *HealthTracker) BlockHeight() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.height
}

// P95Latency returns the 95th percentile latency over the window, or zero
// when no samples have been observed.
func (h *HealthTracker) P95Latency() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.pos
	if h.filled {
		n = len(h.samples)
	}
	if n == 0 {
		return 0
	}
	lats := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		lats = append(lats, h.samples[i].latency)
	}
	sort.Slice(lats, func(i, j int) bool { return lats[i] < lats[j] })
	idx := (n * 95) / 100
	if idx >= n {
		idx = n - 1
	}
	return lats[idx]
}

// Score computes the composite health score:
//
//	0.3*availability + 0.3*latency + 0.3*success + 0.1*freshness
//
// availability comes from the endpoint's breaker state, latency decays
// linearly with the window's average latency, success is the window's
// success rate and freshness decays with the age of the last successful
// health check (0.5 before the first check completes).
func (h *HealthTracker) Score(availability float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.pos
	if h.filled {
		n = len(h.samples)
	}

	success := 1.0
	latency := 1.0
	if n > 0 {
		ok := 0
		var total time.Duration
		for i := 0; i < n; i++ {
			if !h.samples[i].failed {
				ok++
			}
			total += h.samples[i].latency
		}
		success = float64(ok) / float64(n)

		avg := total / time.Duration(n)
		latency = 1 - float64(avg)/float64(latencyCeiling)
		if latency < 0 {
			latency = 0
		}
	}

	freshness := 0.5
	if !h.lastCheckAt.IsZero() {
		age := h.now().Sub(h.lastCheckAt)
		freshness = 1 - float64(age)/float64(freshnessCeiling)
		if freshness < 0 {
			freshness = 0
		}
	}

	return weightAvailability*availability + weightLatency*latency + weightSuccess*success + weightFreshness*freshness
}
