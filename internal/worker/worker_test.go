package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamgate/ingest/internal/queue"
	"github.com/streamgate/ingest/internal/telemetry"
)

var (
	metricsOnce sync.Once
	testMetrics *telemetry.Metrics
)

// sharedMetrics avoids duplicate registration on the default Prometheus
// registry across tests.
func sharedMetrics() *telemetry.Metrics {
	metricsOnce.Do(func() { testMetrics = telemetry.NewMetrics() })
	return testMetrics
}

// scriptedHandler acks, poisons or transiently fails records by payload.
type scriptedHandler struct {
	mu        sync.Mutex
	delivered [][]queue.Record
	failFirst int // whole-call failures before behaving
}

func (h *scriptedHandler) Deliver(ctx context.Context, batch []queue.Record) (Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delivered = append(h.delivered, append([]queue.Record(nil), batch...))
	if h.failFirst > 0 {
		h.failFirst--
		return Result{}, fmt.Errorf("sink unreachable")
	}
	var res Result
	for _, rec := range batch {
		switch string(rec.Payload) {
		case "poison":
			res.Poison = append(res.Poison, Poison{Record: rec, Reason: "rejected"})
		case "transient":
			// Neither acked nor poison: stays in the batch.
		default:
			res.Acked = append(res.Acked, rec.ID)
		}
	}
	return res, nil
}

func (h *scriptedHandler) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.delivered)
}

func testConfig(consumer string) Config {
	return Config{
		Stream:           "logs:raw",
		Group:            "workers",
		Consumer:         consumer,
		DeadLetterStream: "logs:dead",
		BatchSize:        10,
		BatchMaxAge:      50 * time.Millisecond,
		ReadBlock:        20 * time.Millisecond,
		ReclaimIdle:      150 * time.Millisecond,
		ReclaimInterval:  40 * time.Millisecond,
		RetryMax:         2,
		RetryBackoff:     10 * time.Millisecond,
	}
}

func enqueue(t *testing.T, b *queue.MemoryBroker, payloads ...string) {
	t.Helper()
	for _, p := range payloads {
		_, err := b.Append(context.Background(), "logs:raw", queue.Record{
			SourceID: "src-1",
			Payload:  []byte(p),
		}, 0)
		require.NoError(t, err)
	}
}

func runWorker(t *testing.T, b *queue.MemoryBroker, h Handler, cfg Config) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w := New(b, h, cfg, sharedMetrics())
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestWorker_AcksDeliveredRecords(t *testing.T) {
	b := queue.NewMemoryBroker()
	h := &scriptedHandler{}
	enqueue(t, b, "a", "b", "c")

	stop := runWorker(t, b, h, testConfig("c1"))
	defer stop()

	waitFor(t, func() bool {
		depth, _ := b.Len(context.Background(), "logs:raw")
		return depth == 0
	}, "records were not acked")

	sum, err := b.Pending(context.Background(), "logs:raw", "workers")
	require.NoError(t, err)
	assert.Zero(t, sum.Count)
}

func TestWorker_DeadLettersPoisonAfterDurableCopy(t *testing.T) {
	b := queue.NewMemoryBroker()
	h := &scriptedHandler{}
	enqueue(t, b, "ok", "poison")

	stop := runWorker(t, b, h, testConfig("c1"))
	defer stop()

	waitFor(t, func() bool {
		depth, _ := b.Len(context.Background(), "logs:dead")
		return depth == 1
	}, "poison record was not dead-lettered")

	waitFor(t, func() bool {
		depth, _ := b.Len(context.Background(), "logs:raw")
		return depth == 0
	}, "poison record was not acked after dead-lettering")

	// The dead-letter envelope wraps the original payload and the reason.
	require.NoError(t, b.EnsureGroup(context.Background(), "logs:dead", "inspect", "0"))
	recs, err := b.ReadGroup(context.Background(), "logs:dead", "inspect", "t", 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	var env deadLetterEnvelope
	require.NoError(t, json.Unmarshal(recs[0].Payload, &env))
	assert.Equal(t, "rejected", env.Error)
	assert.Equal(t, "logs:raw", env.Stream)
	assert.Equal(t, "src-1", env.SourceID)
	assert.Equal(t, "poison", string(env.Payload))
}

func TestWorker_RetriesTransientFailuresThenLeavesPending(t *testing.T) {
	b := queue.NewMemoryBroker()
	h := &scriptedHandler{failFirst: 100} // never recovers within the test
	enqueue(t, b, "a")

	stop := runWorker(t, b, h, testConfig("c1"))

	// RetryMax 2 means up to 3 delivery attempts per flush.
	waitFor(t, func() bool { return h.calls() >= 3 }, "worker did not retry")
	stop()

	// The record survives, pending, for another consumer to claim.
	sum, err := b.Pending(context.Background(), "logs:raw", "workers")
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Count)
}

func TestWorker_RecoversAfterTransientOutage(t *testing.T) {
	b := queue.NewMemoryBroker()
	h := &scriptedHandler{failFirst: 1}
	enqueue(t, b, "a", "b")

	stop := runWorker(t, b, h, testConfig("c1"))
	defer stop()

	waitFor(t, func() bool {
		depth, _ := b.Len(context.Background(), "logs:raw")
		return depth == 0
	}, "records were not delivered after the outage cleared")
}

func TestWorker_ReclaimsFromDeadConsumer(t *testing.T) {
	b := queue.NewMemoryBroker()
	ctx := context.Background()
	require.NoError(t, b.EnsureGroup(ctx, "logs:raw", "workers", "0"))
	enqueue(t, b, "a", "b")

	// A consumer reads and dies without acking.
	dead, err := b.ReadGroup(ctx, "logs:raw", "workers", "dead-consumer", 10, 0)
	require.NoError(t, err)
	require.Len(t, dead, 2)

	h := &scriptedHandler{}
	stop := runWorker(t, b, h, testConfig("c2"))
	defer stop()

	waitFor(t, func() bool {
		depth, _ := b.Len(ctx, "logs:raw")
		return depth == 0
	}, "stranded records were not reclaimed and delivered")
}

func TestWorker_DrainsBatchOnShutdown(t *testing.T) {
	b := queue.NewMemoryBroker()
	h := &scriptedHandler{}
	cfg := testConfig("c1")
	cfg.BatchMaxAge = 10 * time.Second // batch would otherwise sit waiting
	cfg.BatchSize = 100
	enqueue(t, b, "a", "b", "c")

	stop := runWorker(t, b, h, cfg)
	waitFor(t, func() bool {
		sum, _ := b.Pending(context.Background(), "logs:raw", "workers")
		return sum != nil && sum.Count == 3
	}, "records were not picked up")
	stop()

	depth, err := b.Len(context.Background(), "logs:raw")
	require.NoError(t, err)
	assert.Zero(t, depth, "shutdown must flush the held batch")
}

func TestSubtract(t *testing.T) {
	batch := []queue.Record{{ID: "1-0"}, {ID: "2-0"}, {ID: "3-0"}}
	res := Result{
		Acked:  []string{"1-0"},
		Poison: []Poison{{Record: queue.Record{ID: "3-0"}}},
	}
	left := subtract(batch, res)
	require.Len(t, left, 1)
	assert.Equal(t, "2-0", left[0].ID)
}
