package rpcmux

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state for a single endpoint.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker trips an endpoint out of rotation when its recent failure rate
// crosses the configured threshold.
type Breaker struct {
	mu sync.Mutex

	failureThreshold float64
	minRequests      int
	openTimeout      time.Duration
	halfOpenMax      int
	halfOpenProbes   int

	state    BreakerState
	results  []bool // ring of recent outcomes, true = failure
	pos      int
	filled   bool
	openedAt time.Time

	probesInFlight int
	probeSuccesses int

	now func() time.Time
}

// NewBreaker creates a closed breaker. A zero minRequests disables tripping.
func NewBreaker(failureThreshold float64, minRequests int, openTimeout time.Duration, halfOpenMax, halfOpenProbes int) *Breaker {
	return &Breaker{
		failureThreshold: failureThreshold,
		minRequests:      minRequests,
		openTimeout:      openTimeout,
		halfOpenMax:      halfOpenMax,
		halfOpenProbes:   halfOpenProbes,
		state:            BreakerClosed,
		results:          make([]bool, minRequests),
		now:              time.Now,
	}
}

// Ready reports whether this breaker could currently admit a request,
// without claiming a probe slot. Used to filter the endpoint pool before
// strategy selection.
func (b *Breaker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		return b.now().Sub(b.openedAt) >= b.openTimeout
	case BreakerHalfOpen:
		return b.probesInFlight < b.halfOpenMax
	}
	return false
}

// Allow reports whether a request may be sent through this breaker. In the
// half-open state it admits at most halfOpenMax concurrent probes.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.openTimeout {
			b.state = BreakerHalfOpen
			b.probesInFlight = 0
			b.probeSuccesses = 0
		} else {
			return false
		}
		fallthrough
	case BreakerHalfOpen:
		if b.probesInFlight >= b.halfOpenMax {
			return false
		}
		b.probesInFlight++
		return true
	}
	return false
}

// Record reports the outcome of a request previously admitted by Allow.
func (b *Breaker) Record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.record(failed)
		if b.tripped() {
			b.open()
		}
	case BreakerHalfOpen:
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		if failed {
			b.open()
			return
		}
		b.probeSuccesses++
		if b.probeSuccesses >= b.halfOpenProbes {
			b.close()
		}
	case BreakerOpen:
		// Late result from before the trip, ignore.
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) record(failed bool) {
	if len(b.results) == 0 {
		return
	}
	b.results[b.pos] = failed
	b.pos = (b.pos + 1) % len(b.results)
	if b.pos == 0 {
		b.filled = true
	}
}

func (b *Breaker) tripped() bool {
	if b.minRequests <= 0 || !b.filled {
		return false
	}
	failures := 0
	for _, f := range b.results {
		if f {
			failures++
		}
	}
	return float64(failures)/float64(len(b.results)) >= b.failureThreshold
}

func (b *Breaker) open() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.probesInFlight = 0
	b.probeSuccesses = 0
}

func (b *Breaker) close() {
	b.state = BreakerClosed
	b.results = make([]bool, b.minRequests)
	b.pos = 0
	b.filled = false
}
