package rpcmux

import (
	"sync"
)

// Strategy selects the next endpoint from the eligible set. Implementations
// may keep state across calls but must be safe for concurrent use.
type Strategy interface {
	Pick(eligible []*Endpoint) *Endpoint
}

// NewStrategy builds the strategy named in the chain config.
func NewStrategy(name string) Strategy {
	switch name {
	case "weighted":
		return &smoothWRR{}
	case "least_latency":
		return leastLatency{}
	case "health_score":
		return healthScore{}
	default:
		return &roundRobin{}
	}
}

type roundRobin struct {
	mu   sync.Mutex
	next int
}

func (r *roundRobin) Pick(eligible []*Endpoint) *Endpoint {
	if len(eligible) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ep := eligible[r.next%len(eligible)]
	r.next++
	return ep
}

// smoothWRR implements smooth weighted round robin: each pick adds every
// endpoint's weight to its current value, selects the largest, and subtracts
// the total weight from the winner. Over time each endpoint is picked in
// proportion to its weight without bursts.
type smoothWRR struct {
	mu      sync.Mutex
	current map[*Endpoint]int
}

func (s *smoothWRR) Pick(eligible []*Endpoint) *Endpoint {
	if len(eligible) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		s.current = make(map[*Endpoint]int)
	}

	total := 0
	var best *Endpoint
	for _, ep := range eligible {
		w := ep.Weight
		if w <= 0 {
			w = 1
		}
		total += w
		s.current[ep] += w
		if best == nil || s.current[ep] > s.current[best] {
			best = ep
		}
	}
	s.current[best] -= total
	return best
}

type leastLatency struct{}

func (leastLatency) Pick(eligible []*Endpoint) *Endpoint {
	var best *Endpoint
	for _, ep := range eligible {
		if best == nil || ep.Health.P95Latency() < best.Health.P95Latency() {
			best = ep
		}
	}
	return best
}

type healthScore struct{}

func (healthScore) Pick(eligible []*Endpoint) *Endpoint {
	var best *Endpoint
	var bestScore float64
	for _, ep := range eligible {
		score := ep.Health.Score(Availability(ep.Breaker.State()))
		if best == nil || score > bestScore {
			best, bestScore = ep, score
		}
	}
	return best
}
