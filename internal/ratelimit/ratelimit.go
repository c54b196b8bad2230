// Package ratelimit provides token buckets for per-queue dispatch limits and
// per-identity upload limits.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Bucket is a token bucket refilled continuously at a per-minute rate.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time
	now        func() time.Time
}

// NewBucket creates a full bucket. burst < 1 is treated as 1.
func NewBucket(perMinute, burst int, now func() time.Time) *Bucket {
	if now == nil {
		now = time.Now
	}
	if burst < 1 {
		burst = 1
	}
	t := now()
	return &Bucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: float64(perMinute) / 60.0,
		lastRefill: t,
		lastAccess: t,
		now:        now,
	}
}

func (b *Bucket) refillLocked() time.Time {
	t := b.now()
	b.tokens += t.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = t
	return t
}

// Allow consumes a token if one is available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastAccess = b.refillLocked()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Ready reports whether a token is available without consuming it.
func (b *Bucket) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens >= 1
}

// Take consumes a token unconditionally; the balance may go negative, which
// delays the next Ready.
func (b *Bucket) Take() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastAccess = b.refillLocked()
	b.tokens--
}

// LastAccess returns the time of the last Allow or Take.
func (b *Bucket) LastAccess() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastAccess
}

// Keyed holds one bucket per key (identity, remote address) and evicts idle
// ones.
type Keyed struct {
	mu        sync.RWMutex
	buckets   map[string]*Bucket
	perMinute int
	burst     int
	now       func() time.Time
}

func NewKeyed(perMinute, burst int, now func() time.Time) *Keyed {
	if now == nil {
		now = time.Now
	}
	return &Keyed{buckets: make(map[string]*Bucket), perMinute: perMinute, burst: burst, now: now}
}

// Allow consumes a token from key's bucket.
func (k *Keyed) Allow(key string) bool {
	return k.bucket(key).Allow()
}

func (k *Keyed) bucket(key string) *Bucket {
	k.mu.RLock()
	b, ok := k.buckets[key]
	k.mu.RUnlock()
	if ok {
		return b
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if b, ok = k.buckets[key]; ok {
		return b
	}
	b = NewBucket(k.perMinute, k.burst, k.now)
	k.buckets[key] = b
	return b
}

// EvictStale drops buckets idle for longer than maxAge.
func (k *Keyed) EvictStale(maxAge time.Duration) int {
	cutoff := k.now().Add(-maxAge)
	k.mu.Lock()
	defer k.mu.Unlock()
	evicted := 0
	for key, b := range k.buckets {
		if b.LastAccess().Before(cutoff) {
			delete(k.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(k.buckets))
	}
	return evicted
}

// RunEviction evicts stale buckets every interval until ctx ends.
func (k *Keyed) RunEviction(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.EvictStale(maxAge)
		}
	}
}

// Len returns the number of tracked buckets.
func (k *Keyed) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.buckets)
}
