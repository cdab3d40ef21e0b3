// Package queue abstracts the durable stream broker that decouples the
// receiver tier from the worker tier. The contract is narrow on purpose:
// append, consumer-group read, ack, pending inspection, stale-claim and
// MAXLEN trim. Redis Streams is the production implementation; an in-memory
// implementation with the same group semantics backs tests and broker-less
// development runs.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when the broker cannot be reached or refuses
// the operation. Receivers translate it to a 503 without partial enqueue.
var ErrUnavailable = errors.New("queue broker unavailable")

// Record is one queue entry wrapping a validated event or sample.
type Record struct {
	ID         string    // broker-assigned, monotone per stream
	SourceID   string    // producer identity
	Payload    []byte    // the validated event/sample, JSON-encoded
	EnqueuedAt time.Time // set on append
	Retries    int       // sink delivery attempts so far
}

// PendingSummary describes a consumer group's unacked records.
type PendingSummary struct {
	Count     int64
	MinID     string
	MaxID     string
	Consumers map[string]int64
}

// Broker is the stream queue contract (spec: append, readGroup, ack,
// claimStale, trim).
type Broker interface {
	// Append durably writes a record and returns its id. maxLen is an
	// approximate cap; the broker trims oldest records when exceeded.
	// maxLen <= 0 disables trimming.
	Append(ctx context.Context, stream string, rec Record, maxLen int64) (string, error)

	// AppendBatch durably writes recs in order as one atomic unit: either
	// every record is appended or none is. Returns the assigned ids.
	AppendBatch(ctx context.Context, stream string, recs []Record, maxLen int64) ([]string, error)

	// EnsureGroup creates the consumer group if it does not exist.
	// Creating an existing group is a no-op success.
	EnsureGroup(ctx context.Context, stream, group, startID string) error

	// ReadGroup delivers up to max records not yet delivered to any group
	// member, blocking up to block when the stream is empty.
	ReadGroup(ctx context.Context, stream, group, consumer string, max int64, block time.Duration) ([]Record, error)

	// Ack removes records from the group's pending list.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// Pending summarises the group's unacked records.
	Pending(ctx context.Context, stream, group string) (*PendingSummary, error)

	// ClaimStale reassigns up to count pending records idle for at least
	// minIdle to consumer, returning the claimed records.
	ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Record, error)

	// Trim enforces the MAXLEN bound. May discard unacked records; callers
	// are expected to surface that loudly.
	Trim(ctx context.Context, stream string, maxLen int64) error

	// Len returns the current stream length.
	Len(ctx context.Context, stream string) (int64, error)

	// Ping verifies broker reachability.
	Ping(ctx context.Context) error

	Close() error
}
