package store

import (
	"context"
	"sync"
	"time"

	"github.com/meterpay/meterpay"
)

// SettleCache deduplicates settlement work per API call. The payment record
// gives durable at-most-once semantics; this cache adds the in-flight half:
// when two requests race on the same call ID, the second waits for the first
// instead of submitting a second pull.
type SettleCache struct {
	mu       sync.Mutex
	results  map[string]*meterpay.Payment
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
}

// NewSettleCache creates a cache that remembers completed settlements for ttl.
func NewSettleCache(ttl time.Duration) *SettleCache {
	return &SettleCache{
		results:  make(map[string]*meterpay.Payment),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
	}
}

// SettleState is the outcome of a cache lookup.
type SettleState int

const (
	// SettleNew means the caller holds the in-flight slot and should settle.
	SettleNew SettleState = iota
	// SettleCached means a completed payment was found.
	SettleCached
	// SettleInFlight means another request is settling this call.
	SettleInFlight
)

// CheckAndMark looks up callID and, when nothing is cached or in flight,
// claims the slot for the caller. The returned channel is the caller's done
// signal for SettleNew, or the channel to wait on for SettleInFlight.
func (c *SettleCache) CheckAndMark(callID string) (SettleState, *meterpay.Payment, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if exp, ok := c.expiry[callID]; ok {
		if time.Now().Before(exp) {
			if p, ok := c.results[callID]; ok {
				return SettleCached, p, nil
			}
		}
		delete(c.results, callID)
		delete(c.expiry, callID)
	}

	if done, ok := c.inFlight[callID]; ok {
		return SettleInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[callID] = done
	return SettleNew, nil, done
}

// Wait blocks until the in-flight settlement finishes or ctx is cancelled,
// then returns whatever result it cached. A nil payment with nil error means
// the other request failed and the caller may retry.
func (c *SettleCache) Wait(ctx context.Context, callID string, done chan struct{}) (*meterpay.Payment, error) {
	select {
	case <-done:
		return c.Get(callID), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the cached payment for callID, or nil.
func (c *SettleCache) Get(callID string) *meterpay.Payment {
	c.mu.Lock()
	defer c.mu.Unlock()

	exp, ok := c.expiry[callID]
	if !ok {
		return nil
	}
	if time.Now().After(exp) {
		delete(c.results, callID)
		delete(c.expiry, callID)
		return nil
	}
	return c.results[callID]
}

// Complete caches the settled payment, releases the slot and wakes waiters.
func (c *SettleCache) Complete(callID string, p *meterpay.Payment, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results[callID] = p
	c.expiry[callID] = time.Now().Add(c.ttl)
	delete(c.inFlight, callID)
	close(done)

	now := time.Now()
	for id, exp := range c.expiry {
		if now.After(exp) {
			delete(c.results, id)
			delete(c.expiry, id)
		}
	}
}

// Fail releases the slot without caching anything, so waiters retry.
func (c *SettleCache) Fail(callID string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, callID)
	close(done)
}
