// Package rategate bounds the provider-call rate of each identity with a
// per-identity token bucket.
package rategate

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrWaitTimeout is returned when a token could not be taken within the
// gate's wait budget. Callers treat it as a retryable condition.
var ErrWaitTimeout = errors.New("rategate: timed out waiting for token")

const (
	defaultMaxWait = 30 * time.Second
	idleAfter      = time.Hour
	sweepEvery     = 10 * time.Minute
)

// Gate hands out one token per provider call, refilling at Q tokens/sec
// per identity. Buckets are created lazily and start full; entries idle
// for an hour are evicted by a background sweep.
type Gate struct {
	mu      sync.Mutex
	qps     int
	maxWait time.Duration
	buckets map[string]*bucket

	now func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a gate admitting qps calls per second per identity.
func New(qps int) *Gate {
	g := &Gate{
		qps:     qps,
		maxWait: defaultMaxWait,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
	go g.sweep()
	return g
}

// Acquire takes one token for the identity, waiting up to the gate's wait
// budget. Cancellation of ctx surfaces as the context error; exhausting
// the wait budget surfaces as ErrWaitTimeout.
func (g *Gate) Acquire(ctx context.Context, identity string) error {
	limiter := g.limiterFor(identity)

	waitCtx, cancel := context.WithTimeout(ctx, g.maxWait)
	defer cancel()

	if err := limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrWaitTimeout
	}
	return nil
}

func (g *Gate) limiterFor(identity string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.buckets[identity]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(g.qps), g.qps)}
		g.buckets[identity] = b
	}
	b.lastSeen = g.now()
	return b.limiter
}

// sweep evicts buckets of identities that have gone quiet so that a churning
// identity list does not grow the map forever.
func (g *Gate) sweep() {
	for {
		time.Sleep(sweepEvery)
		g.mu.Lock()
		cutoff := g.now().Add(-idleAfter)
		for name, b := range g.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(g.buckets, name)
			}
		}
		g.mu.Unlock()
	}
}
