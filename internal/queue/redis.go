package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroker implements Broker on Redis Streams (XADD / XREADGROUP / XACK /
// XPENDING / XAUTOCLAIM / XTRIM).
type RedisBroker struct {
	rdb *redis.Client

	// OnTrimmedUnacked is invoked when a claim discovers pending entries
	// whose payload was already trimmed by MAXLEN. Data loss at the cap is
	// accepted but must be surfaced loudly.
	OnTrimmedUnacked func(n int)
}

// NewRedisBroker connects to Redis and verifies connectivity. The caller
// decides whether a connection failure is fatal or triggers the in-memory
// fallback.
func NewRedisBroker(url string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse queue url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.PoolSize = 20

	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", opts.Addr, err)
	}

	slog.Info("Queue broker connected", "addr", opts.Addr)
	return &RedisBroker{rdb: rdb}, nil
}

// Stream entry field names.
const (
	fieldSource     = "source"
	fieldPayload    = "payload"
	fieldEnqueuedAt = "enqueued_at"
	fieldRetries    = "retries"
)

// Append implements Broker.
func (b *RedisBroker) Append(ctx context.Context, stream string, rec Record, maxLen int64) (string, error) {
	if rec.EnqueuedAt.IsZero() {
		rec.EnqueuedAt = time.Now()
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			fieldSource:     rec.SourceID,
			fieldPayload:    rec.Payload,
			fieldEnqueuedAt: rec.EnqueuedAt.UnixMilli(),
			fieldRetries:    rec.Retries,
		},
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := b.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("%w: xadd %s: %v", ErrUnavailable, stream, err)
	}
	return id, nil
}

// AppendBatch implements Broker. The XADDs run inside MULTI/EXEC, so a
// broker failure mid-batch leaves nothing behind and the producer can
// retry the whole batch without duplicating records.
func (b *RedisBroker) AppendBatch(ctx context.Context, stream string, recs []Record, maxLen int64) ([]string, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	pipe := b.rdb.TxPipeline()
	cmds := make([]*redis.StringCmd, len(recs))
	for i, rec := range recs {
		if rec.EnqueuedAt.IsZero() {
			rec.EnqueuedAt = time.Now()
		}
		args := &redis.XAddArgs{
			Stream: stream,
			Values: map[string]interface{}{
				fieldSource:     rec.SourceID,
				fieldPayload:    rec.Payload,
				fieldEnqueuedAt: rec.EnqueuedAt.UnixMilli(),
				fieldRetries:    rec.Retries,
			},
		}
		if maxLen > 0 {
			args.MaxLen = maxLen
			args.Approx = true
		}
		cmds[i] = pipe.XAdd(ctx, args)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: xadd batch %s: %v", ErrUnavailable, stream, err)
	}
	ids := make([]string, len(recs))
	for i, cmd := range cmds {
		ids[i] = cmd.Val()
	}
	return ids, nil
}

// EnsureGroup implements Broker. BUSYGROUP means the group already exists
// and is treated as success.
func (b *RedisBroker) EnsureGroup(ctx context.Context, stream, group, startID string) error {
	if startID == "" {
		startID = "0"
	}
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, startID).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("%w: xgroup create %s/%s: %v", ErrUnavailable, stream, group, err)
	}
	return nil
}

// ReadGroup implements Broker.
func (b *RedisBroker) ReadGroup(ctx context.Context, stream, group, consumer string, max int64, block time.Duration) ([]Record, error) {
	streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    max,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil // block timeout, nothing to deliver
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: xreadgroup %s/%s: %v", ErrUnavailable, stream, group, err)
	}

	var recs []Record
	for _, s := range streams {
		for _, msg := range s.Messages {
			recs = append(recs, recordFromMessage(msg))
		}
	}
	return recs, nil
}

// Ack implements Broker. Acked records are also deleted from the stream;
// MAXLEN trim is the only other removal path.
func (b *RedisBroker) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := b.rdb.Pipeline()
	pipe.XAck(ctx, stream, group, ids...)
	pipe.XDel(ctx, stream, ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: xack %s/%s: %v", ErrUnavailable, stream, group, err)
	}
	return nil
}

// Pending implements Broker.
func (b *RedisBroker) Pending(ctx context.Context, stream, group string) (*PendingSummary, error) {
	p, err := b.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: xpending %s/%s: %v", ErrUnavailable, stream, group, err)
	}
	return &PendingSummary{
		Count:     p.Count,
		MinID:     p.Lower,
		MaxID:     p.Higher,
		Consumers: p.Consumers,
	}, nil
}

// ClaimStale implements Broker via XAUTOCLAIM, which scans the pending list
// and reassigns entries idle longer than minIdle in one round trip.
func (b *RedisBroker) ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Record, error) {
	msgs, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: xautoclaim %s/%s: %v", ErrUnavailable, stream, group, err)
	}

	recs := make([]Record, 0, len(msgs))
	trimmed := 0
	for _, msg := range msgs {
		// A pending entry whose stream record was trimmed by MAXLEN comes
		// back with no fields. Ack it so it stops circulating and count it.
		if len(msg.Values) == 0 {
			trimmed++
			_ = b.rdb.XAck(ctx, stream, group, msg.ID).Err()
			continue
		}
		recs = append(recs, recordFromMessage(msg))
	}
	if trimmed > 0 {
		slog.Warn("Pending records lost to MAXLEN trim", "stream", stream, "group", group, "count", trimmed)
		if b.OnTrimmedUnacked != nil {
			b.OnTrimmedUnacked(trimmed)
		}
	}
	return recs, nil
}

// Trim implements Broker.
func (b *RedisBroker) Trim(ctx context.Context, stream string, maxLen int64) error {
	if maxLen <= 0 {
		return nil
	}
	if err := b.rdb.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Err(); err != nil {
		return fmt.Errorf("%w: xtrim %s: %v", ErrUnavailable, stream, err)
	}
	return nil
}

// Len implements Broker.
func (b *RedisBroker) Len(ctx context.Context, stream string) (int64, error) {
	n, err := b.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: xlen %s: %v", ErrUnavailable, stream, err)
	}
	return n, nil
}

// Ping implements Broker.
func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close implements Broker.
func (b *RedisBroker) Close() error { return b.rdb.Close() }

// HIncrBy exposes the broker's key-value side-channel used by the rate
// limiter to replicate bucket consumption across receiver replicas.
func (b *RedisBroker) HIncrBy(ctx context.Context, key, field string, incr int64) error {
	return b.rdb.HIncrBy(ctx, key, field, incr).Err()
}

// HGetAll reads back a side-channel hash.
func (b *RedisBroker) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return b.rdb.HGetAll(ctx, key).Result()
}

// ExpireKey bounds side-channel hash lifetime.
func (b *RedisBroker) ExpireKey(ctx context.Context, key string, ttl time.Duration) error {
	return b.rdb.Expire(ctx, key, ttl).Err()
}

func recordFromMessage(msg redis.XMessage) Record {
	rec := Record{ID: msg.ID}
	if v, ok := msg.Values[fieldSource].(string); ok {
		rec.SourceID = v
	}
	if v, ok := msg.Values[fieldPayload].(string); ok {
		rec.Payload = []byte(v)
	}
	if v, ok := msg.Values[fieldEnqueuedAt].(string); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			rec.EnqueuedAt = time.UnixMilli(ms)
		}
	}
	if v, ok := msg.Values[fieldRetries].(string); ok {
		if n, err := strconv.Atoi(v); err == nil {
			rec.Retries = n
		}
	}
	return rec
}
