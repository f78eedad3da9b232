package webhook

import (
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// endpointBreaker keeps a small sliding window of delivery outcomes per
// endpoint and stops dispatching to endpoints that are mostly failing.
// After the open timeout it half-opens and needs a run of consecutive
// successful probe deliveries before closing again; one failure reopens it.
type endpointBreaker struct {
	mu sync.Mutex

	window      int
	threshold   float64
	openFor     time.Duration
	probeTarget int

	results []bool // true = failure
	pos     int
	filled  bool

	state          breakerState
	openedAt       time.Time
	probeSuccesses int

	now func() time.Time
}

func newEndpointBreaker(window int, threshold float64, openFor time.Duration, probeTarget int) *endpointBreaker {
	if probeTarget <= 0 {
		probeTarget = 1
	}
	return &endpointBreaker{
		window:      window,
		threshold:   threshold,
		openFor:     openFor,
		probeTarget: probeTarget,
		results:     make([]bool, window),
		now:         time.Now,
	}
}

// allow reports whether a delivery to this endpoint may proceed.
func (b *endpointBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed, breakerHalfOpen:
		return true
	default:
		if b.now().Sub(b.openedAt) >= b.openFor {
			b.state = breakerHalfOpen
			b.probeSuccesses = 0
			return true
		}
		return false
	}
}

// record adds a delivery outcome. Closed breakers trip when the failure
// rate over a full window crosses the threshold; half-open ones close
// after probeTarget consecutive successes and reopen on any failure.
func (b *endpointBreaker) record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		if failed {
			b.reopen()
			return
		}
		b.probeSuccesses++
		if b.probeSuccesses >= b.probeTarget {
			b.state = breakerClosed
			b.clearWindow()
		}
		return
	}

	b.results[b.pos] = failed
	b.pos = (b.pos + 1) % len(b.results)
	if b.pos == 0 {
		b.filled = true
	}
	if !b.filled {
		return
	}

	failures := 0
	for _, f := range b.results {
		if f {
			failures++
		}
	}
	if float64(failures)/float64(len(b.results)) >= b.threshold {
		b.reopen()
	}
}

func (b *endpointBreaker) reopen() {
	b.state = breakerOpen
	b.openedAt = b.now()
	b.probeSuccesses = 0
	b.clearWindow()
}

func (b *endpointBreaker) clearWindow() {
	b.results = make([]bool, b.window)
	b.pos = 0
	b.filled = false
}

// breakerSet holds one breaker per endpoint.
type breakerSet struct {
	mu       sync.Mutex
	breakers map[string]*endpointBreaker

	window      int
	threshold   float64
	openFor     time.Duration
	probeTarget int
}

func newBreakerSet(window int, threshold float64, openFor time.Duration, probeTarget int) *breakerSet {
	return &breakerSet{
		breakers:    make(map[string]*endpointBreaker),
		window:      window,
		threshold:   threshold,
		openFor:     openFor,
		probeTarget: probeTarget,
	}
}

func (s *breakerSet) get(endpointID string) *endpointBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[endpointID]
	if !ok {
		b = newEndpointBreaker(s.window, s.threshold, s.openFor, s.probeTarget)
		s.breakers[endpointID] = b
	}
	return b
}
