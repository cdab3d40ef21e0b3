package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"time"
)

// SideChannel is the key-value surface the replicator needs from the queue
// broker. The Redis broker satisfies it; the in-memory broker does not, in
// which case replication is simply skipped.
type SideChannel interface {
	HIncrBy(ctx context.Context, key, field string, incr int64) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	ExpireKey(ctx context.Context, key string, ttl time.Duration) error
}

const replicationKey = "ratelimit:consumed"

// Replicator periodically publishes local bucket consumption and folds in
// what other receiver replicas consumed. Convergence is best-effort by
// design; each replica still enforces its own buckets between syncs.
type Replicator struct {
	limiter  *Limiter
	channel  SideChannel
	replica  string
	interval time.Duration

	published map[string]int64 // consumption already pushed per key
}

// NewReplicator wires a limiter to the broker side-channel. replica must be
// unique per process (the consumer name works well).
func NewReplicator(limiter *Limiter, channel SideChannel, replica string, interval time.Duration) *Replicator {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Replicator{
		limiter:   limiter,
		channel:   channel,
		replica:   replica,
		interval:  interval,
		published: make(map[string]int64),
	}
}

// Run replicates until the context is cancelled.
func (r *Replicator) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sync(ctx)
		}
	}
}

func (r *Replicator) sync(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	// Push the delta of local consumption per key.
	for key, consumed := range r.limiter.snapshot() {
		delta := consumed - r.published[key]
		if delta <= 0 {
			continue
		}
		if err := r.channel.HIncrBy(ctx, replicationKey+":"+key, r.replica, delta); err != nil {
			slog.Debug("Rate-limit replication push failed", "key", key, "error", err)
			continue
		}
		_ = r.channel.ExpireKey(ctx, replicationKey+":"+key, 2*time.Minute)
		r.published[key] = consumed
	}

	// Pull the totals other replicas reported.
	for key := range r.published {
		fields, err := r.channel.HGetAll(ctx, replicationKey+":"+key)
		if err != nil {
			continue
		}
		var remote int64
		for replica, raw := range fields {
			if replica == r.replica {
				continue
			}
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				remote += n
			}
		}
		if remote > 0 {
			r.limiter.applyRemote(key, remote+r.published[key])
		}
	}
}
