// Package worker implements the queue consumers. Workers in one group
// compete for records, flush batched sink writes, ack only after the sink
// accepted, dead-letter poison records, and reclaim stranded records from
// consumers that died mid-batch.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/streamgate/ingest/internal/queue"
	"github.com/streamgate/ingest/internal/telemetry"
)

// State is the worker lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateConsuming
	StateFlushing
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateConsuming:
		return "consuming"
	case StateFlushing:
		return "flushing"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Poison marks a record the sink permanently refused.
type Poison struct {
	Record queue.Record
	Reason string
}

// Result is the outcome of one sink delivery. Records neither acked nor
// poison are transient failures and stay in the batch for retry.
type Result struct {
	Acked  []string
	Poison []Poison
}

// Handler transforms a batch to sink shape and writes it.
type Handler interface {
	Deliver(ctx context.Context, batch []queue.Record) (Result, error)
}

// Config tunes one worker.
type Config struct {
	Stream           string
	Group            string
	Consumer         string
	DeadLetterStream string
	BatchSize        int
	BatchMaxAge      time.Duration
	ReadBlock        time.Duration
	ReclaimIdle      time.Duration // must be >= 2x flush period to avoid live-consumer reclaim
	ReclaimInterval  time.Duration
	RetryMax         int
	RetryBackoff     time.Duration
	MaxLen           int64
}

func (c *Config) fillDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchMaxAge <= 0 {
		c.BatchMaxAge = 2 * time.Second
	}
	if c.ReadBlock <= 0 {
		c.ReadBlock = 2 * time.Second
	}
	if c.ReclaimIdle <= 0 {
		c.ReclaimIdle = 60 * time.Second
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 15 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
}

// Worker is one competing consumer on a stream.
type Worker struct {
	broker  queue.Broker
	handler Handler
	cfg     Config
	met     *telemetry.Metrics
	logger  *slog.Logger

	state  atomic.Int32
	claims chan queue.Record
}

// New builds a worker; Run starts it.
func New(broker queue.Broker, handler Handler, cfg Config, met *telemetry.Metrics) *Worker {
	cfg.fillDefaults()
	return &Worker{
		broker:  broker,
		handler: handler,
		cfg:     cfg,
		met:     met,
		logger:  slog.With("stream", cfg.Stream, "consumer", cfg.Consumer),
		claims:  make(chan queue.Record, cfg.BatchSize),
	}
}

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Run consumes until the context is cancelled, then drains the current
// batch and exits. The caller bounds the drain with its own deadline.
func (w *Worker) Run(ctx context.Context) error {
	w.state.Store(int32(StateStarting))
	if err := w.broker.EnsureGroup(ctx, w.cfg.Stream, w.cfg.Group, "0"); err != nil {
		return err
	}

	reclaimCtx, stopReclaim := context.WithCancel(ctx)
	defer stopReclaim()
	go w.reclaimLoop(reclaimCtx)

	w.logger.Info("Worker started", "group", w.cfg.Group, "batch_size", w.cfg.BatchSize)

	var batch []queue.Record
	batchStart := time.Now()

	for {
		if ctx.Err() != nil {
			break
		}
		w.state.Store(int32(StateConsuming))

		// Claimed records join the normal batch path ahead of new reads.
		batch = w.drainClaims(batch)

		if len(batch) < w.cfg.BatchSize {
			block := w.cfg.ReadBlock
			if len(batch) > 0 {
				if remaining := w.cfg.BatchMaxAge - time.Since(batchStart); remaining < block {
					block = remaining
				}
			}
			if block > 0 {
				recs, err := w.broker.ReadGroup(ctx, w.cfg.Stream, w.cfg.Group, w.cfg.Consumer, int64(w.cfg.BatchSize-len(batch)), block)
				if err != nil {
					if ctx.Err() != nil {
						break
					}
					w.logger.Warn("Read failed, backing off", "error", err)
					select {
					case <-time.After(w.cfg.RetryBackoff):
					case <-ctx.Done():
					}
					continue
				}
				if len(batch) == 0 && len(recs) > 0 {
					batchStart = time.Now()
				}
				batch = append(batch, recs...)
			}
		}

		if len(batch) == 0 {
			continue
		}
		if len(batch) < w.cfg.BatchSize && time.Since(batchStart) < w.cfg.BatchMaxAge {
			continue
		}

		w.state.Store(int32(StateFlushing))
		w.flush(ctx, batch)
		batch = nil
	}

	// Drain: flush what we hold, then stop. Shutdown already cancelled ctx,
	// so the drain runs on a fresh context bounded by the caller's deadline.
	w.state.Store(int32(StateDraining))
	if len(batch) > 0 {
		drainCtx, cancel := context.WithTimeout(context.Background(), w.cfg.BatchMaxAge+10*time.Second)
		w.flush(drainCtx, batch)
		cancel()
	}
	w.state.Store(int32(StateStopped))
	w.logger.Info("Worker stopped")
	return nil
}

func (w *Worker) drainClaims(batch []queue.Record) []queue.Record {
	for len(batch) < w.cfg.BatchSize {
		select {
		case rec := <-w.claims:
			batch = append(batch, rec)
		default:
			return batch
		}
	}
	return batch
}

// flush delivers the batch, acking accepted records, dead-lettering poison
// and retrying the transient remainder with exponential back-off. Whatever
// still fails after RetryMax attempts is left unacked for reclaim.
func (w *Worker) flush(ctx context.Context, batch []queue.Record) {
	timer := time.Now()
	defer func() {
		w.met.FlushDuration.WithLabelValues(w.cfg.Stream).Observe(time.Since(timer).Seconds())
	}()

	remaining := batch
	backoff := w.cfg.RetryBackoff

	for attempt := 0; attempt <= w.cfg.RetryMax && len(remaining) > 0; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				w.logger.Warn("Flush cancelled, leaving records unacked", "remaining", len(remaining))
				return
			}
			backoff *= 2
		}

		res, err := w.handler.Deliver(ctx, remaining)
		w.ack(ctx, res.Acked)
		w.deadLetter(ctx, res.Poison)
		remaining = subtract(remaining, res)

		if err != nil {
			w.logger.Warn("Sink delivery failed", "attempt", attempt+1, "remaining", len(remaining), "error", err)
			continue
		}
		if len(remaining) > 0 {
			w.logger.Warn("Sink refused records transiently", "attempt", attempt+1, "remaining", len(remaining))
		}
	}

	if len(remaining) > 0 {
		w.logger.Warn("Giving up on batch, records left for reclaim", "count", len(remaining))
	}
}

func (w *Worker) ack(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := w.broker.Ack(ctx, w.cfg.Stream, w.cfg.Group, ids...); err != nil {
		// The sink write succeeded; a failed ack means redelivery, which the
		// idempotent sink ids absorb.
		w.logger.Warn("Ack failed", "count", len(ids), "error", err)
		return
	}
	w.met.RecordsAcked.WithLabelValues(w.cfg.Stream).Add(float64(len(ids)))
}

// deadLetterEnvelope wraps a poison record on the dead-letter stream.
type deadLetterEnvelope struct {
	RecordID string          `json:"record_id"`
	SourceID string          `json:"source_id"`
	Stream   string          `json:"stream"`
	Error    string          `json:"error"`
	Payload  json.RawMessage `json:"payload"`
	FailedAt time.Time       `json:"failed_at"`
}

func (w *Worker) deadLetter(ctx context.Context, poison []Poison) {
	for _, p := range poison {
		env, err := json.Marshal(deadLetterEnvelope{
			RecordID: p.Record.ID,
			SourceID: p.Record.SourceID,
			Stream:   w.cfg.Stream,
			Error:    p.Reason,
			Payload:  json.RawMessage(p.Record.Payload),
			FailedAt: time.Now().UTC(),
		})
		if err != nil {
			env = []byte(`{"error":"marshal failure"}`)
		}
		if _, err := w.broker.Append(ctx, w.cfg.DeadLetterStream, queue.Record{
			SourceID: p.Record.SourceID,
			Payload:  env,
		}, w.cfg.MaxLen); err != nil {
			// Keep the record pending rather than ack-and-lose it.
			w.logger.Warn("Dead-letter append failed, leaving record unacked", "id", p.Record.ID, "error", err)
			continue
		}
		// Ack only after the dead-letter copy is durable.
		w.ackPoison(ctx, p)
	}
}

func (w *Worker) ackPoison(ctx context.Context, p Poison) {
	if err := w.broker.Ack(ctx, w.cfg.Stream, w.cfg.Group, p.Record.ID); err != nil {
		w.logger.Warn("Poison ack failed", "id", p.Record.ID, "error", err)
		return
	}
	w.met.RecordsDeadLettered.WithLabelValues(w.cfg.Stream).Inc()
	w.logger.Warn("Record dead-lettered", "id", p.Record.ID, "reason", p.Reason)
}

// reclaimLoop periodically claims records stranded on dead consumers and
// feeds them into the batch path.
func (w *Worker) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if depth, err := w.broker.Len(ctx, w.cfg.Stream); err == nil {
			w.met.QueueDepth.WithLabelValues(w.cfg.Stream).Set(float64(depth))
		}

		recs, err := w.broker.ClaimStale(ctx, w.cfg.Stream, w.cfg.Group, w.cfg.Consumer, w.cfg.ReclaimIdle, int64(w.cfg.BatchSize))
		if err != nil {
			w.logger.Warn("Stale claim failed", "error", err)
			continue
		}
		for _, rec := range recs {
			select {
			case w.claims <- rec:
				w.met.RecordsReclaimed.WithLabelValues(w.cfg.Stream).Inc()
			case <-ctx.Done():
				return
			}
		}
		if len(recs) > 0 {
			w.logger.Info("Reclaimed stranded records", "count", len(recs))
		}
	}
}

// subtract removes acked and poison records from the batch.
func subtract(batch []queue.Record, res Result) []queue.Record {
	if len(res.Acked) == 0 && len(res.Poison) == 0 {
		return batch
	}
	done := make(map[string]bool, len(res.Acked)+len(res.Poison))
	for _, id := range res.Acked {
		done[id] = true
	}
	for _, p := range res.Poison {
		done[p.Record.ID] = true
	}
	out := batch[:0]
	for _, rec := range batch {
		if !done[rec.ID] {
			out = append(out, rec)
		}
	}
	return out
}
