// Package ratelimit enforces per-source and per-client token buckets.
// Refill rates derive from the source tier; a second bucket per client
// address provides global abuse protection. Verdicts are in-process;
// periodic replication through the broker's key-value side-channel gives
// best-effort convergence across receiver replicas.
package ratelimit

import (
	"log"
	"sync"
	"time"

	"github.com/streamgate/ingest/internal/core"
)

// Kind distinguishes the budgets for log and metric ingestion.
type Kind string

const (
	KindLogs    Kind = "logs"
	KindMetrics Kind = "metrics"
)

// Verdict is the limiter's decision for one request.
type Verdict struct {
	Allowed    bool
	RetryAfter time.Duration // set when throttled
}

// ClientLimitPerMinute caps any single client address regardless of tier.
const ClientLimitPerMinute = 5000

// Limiter holds token buckets per (source, kind) and per client address.
// Buckets are created lazily and garbage-collected when idle.
type Limiter struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	tierLimits map[core.Tier]int // operator overrides; 0 means unlimited
	now        func() time.Time
	logger     *log.Logger

	stop chan struct{}
	once sync.Once
}

type bucket struct {
	tokens   float64
	burst    float64
	ratePerS float64 // refill rate, tokens per second
	last     time.Time
}

// NewLimiter creates a limiter and starts its idle-bucket reaper.
func NewLimiter() *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		stop:    make(chan struct{}),
	}
	go l.reap()
	return l
}

// SetTierLimits installs operator overrides for the tier budgets
// (RATE_TIER_* configuration). A zero value means unlimited.
func (l *Limiter) SetTierLimits(limits map[core.Tier]int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tierLimits = limits
}

// Allow checks the (source, kind) budget for one request.
func (l *Limiter) Allow(src *core.Source, kind Kind) Verdict {
	perMinute, unlimited := src.Tier.Limit()
	l.mu.Lock()
	if override, ok := l.tierLimits[src.Tier]; ok {
		perMinute, unlimited = override, override == 0
	}
	l.mu.Unlock()
	if unlimited {
		return Verdict{Allowed: true}
	}
	return l.take("src:"+src.ID+":"+string(kind), perMinute)
}

// AllowClient checks the per-address abuse bucket.
func (l *Limiter) AllowClient(addr string) Verdict {
	return l.take("client:"+addr, ClientLimitPerMinute)
}

func (l *Limiter) take(key string, perMinute int) Verdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{
			tokens:   float64(perMinute),
			burst:    float64(perMinute),
			ratePerS: float64(perMinute) / 60.0,
			last:     now,
		}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.last).Seconds()
	b.tokens += elapsed * b.ratePerS
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return Verdict{Allowed: true}
	}

	// Not enough budget: tell the caller when one token will be available.
	wait := time.Duration((1 - b.tokens) / b.ratePerS * float64(time.Second))
	if wait < time.Second {
		wait = time.Second
	}
	l.logger.Printf("Throttled key=%s limit=%d/min retry_after=%s", key, perMinute, wait)
	return Verdict{Allowed: false, RetryAfter: wait}
}

// Consumed reports per-key tokens spent since the bucket was created,
// approximated by burst minus current level. Used by the replicator.
func (l *Limiter) snapshot() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int64, len(l.buckets))
	for key, b := range l.buckets {
		out[key] = int64(b.burst - b.tokens)
	}
	return out
}

// applyRemote drains local buckets to account for consumption observed on
// other replicas. Best-effort: over-throttling is preferred to runaway
// admission.
func (l *Limiter) applyRemote(key string, consumedElsewhere int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		return
	}
	local := int64(b.burst - b.tokens)
	if consumedElsewhere > local {
		b.tokens -= float64(consumedElsewhere - local)
		if b.tokens < 0 {
			b.tokens = 0
		}
	}
}

// reap drops buckets untouched for ten minutes.
func (l *Limiter) reap() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.now().Add(-10 * time.Minute)
			for key, b := range l.buckets {
				if b.last.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Close stops background loops.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.stop) })
}
