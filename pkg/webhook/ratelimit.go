package webhook

import (
	"sync"
	"time"
)

// bucketCapacity is the default burst size when the config leaves it unset.
const bucketCapacity = 100

// tokenBucket is a classic continuous-refill token bucket.
type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	last     time.Time
	now      func() time.Time
}

func newTokenBucket(rate, capacity float64, now func() time.Time) *tokenBucket {
	if now == nil {
		now = time.Now
	}
	if capacity <= 0 {
		capacity = bucketCapacity
	}
	return &tokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     rate,
		last:     now(),
		now:      now,
	}
}

// take consumes one token, reporting false when the bucket is empty.
func (b *tokenBucket) take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.tokens += now.Sub(b.last).Seconds() * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// limiterSet holds one token bucket per endpoint.
type limiterSet struct {
	mu       sync.Mutex
	buckets  map[string]*tokenBucket
	capacity float64
}

func newLimiterSet(capacity float64) *limiterSet {
	return &limiterSet{
		buckets:  make(map[string]*tokenBucket),
		capacity: capacity,
	}
}

// allow consumes a token for the endpoint, creating its bucket on first
// use. A rate change on the endpoint takes effect on the next bucket.
func (l *limiterSet) allow(endpointID string, rate float64) bool {
	l.mu.Lock()
	b, ok := l.buckets[endpointID]
	if !ok || b.rate != rate {
		b = newTokenBucket(rate, l.capacity, nil)
		l.buckets[endpointID] = b
	}
	l.mu.Unlock()
	return b.take()
}

// forget drops the endpoint's bucket, used when an endpoint is deleted.
func (l *limiterSet) forget(endpointID string) {
	l.mu.Lock()
	delete(l.buckets, endpointID)
	l.mu.Unlock()
}
