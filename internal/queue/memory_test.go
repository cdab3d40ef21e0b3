package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendN(t *testing.T, b *MemoryBroker, stream string, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		id, err := b.Append(context.Background(), stream, Record{
			SourceID: "src-1",
			Payload:  []byte(fmt.Sprintf(`{"n":%d}`, i)),
		}, 0)
		require.NoError(t, err)
		ids[i] = id
	}
	return ids
}

func TestMemoryBroker_AppendAndReadOrdered(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()
	require.NoError(t, b.EnsureGroup(ctx, "logs:raw", "workers", "0"))

	ids := appendN(t, b, "logs:raw", 5)

	recs, err := b.ReadGroup(ctx, "logs:raw", "workers", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 5)
	for i, rec := range recs {
		assert.Equal(t, ids[i], rec.ID, "delivery must preserve append order")
	}
}

func TestMemoryBroker_CompetingConsumers(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()
	require.NoError(t, b.EnsureGroup(ctx, "s", "g", "0"))
	appendN(t, b, "s", 4)

	first, err := b.ReadGroup(ctx, "s", "g", "c1", 2, 0)
	require.NoError(t, err)
	second, err := b.ReadGroup(ctx, "s", "g", "c2", 10, 0)
	require.NoError(t, err)

	// Each record is delivered to exactly one consumer.
	require.Len(t, first, 2)
	require.Len(t, second, 2)
	seen := map[string]bool{}
	for _, rec := range append(first, second...) {
		assert.False(t, seen[rec.ID], "record %s delivered twice", rec.ID)
		seen[rec.ID] = true
	}
}

func TestMemoryBroker_AckRemovesPendingAndRecord(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()
	require.NoError(t, b.EnsureGroup(ctx, "s", "g", "0"))
	appendN(t, b, "s", 3)

	recs, err := b.ReadGroup(ctx, "s", "g", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	sum, err := b.Pending(ctx, "s", "g")
	require.NoError(t, err)
	assert.Equal(t, int64(3), sum.Count)
	assert.Equal(t, int64(3), sum.Consumers["c1"])

	require.NoError(t, b.Ack(ctx, "s", "g", recs[0].ID, recs[1].ID))

	sum, err = b.Pending(ctx, "s", "g")
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Count)

	depth, err := b.Len(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestMemoryBroker_UnackedStaysPendingUntilClaimed(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()
	require.NoError(t, b.EnsureGroup(ctx, "s", "g", "0"))
	appendN(t, b, "s", 2)

	// c1 reads and dies without acking.
	dead, err := b.ReadGroup(ctx, "s", "g", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, dead, 2)

	// New reads see nothing; the records are pending, not lost.
	again, err := b.ReadGroup(ctx, "s", "g", "c2", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, again)

	// Not yet idle long enough.
	claimed, err := b.ClaimStale(ctx, "s", "g", "c2", time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	// Idle threshold zero claims immediately.
	claimed, err = b.ClaimStale(ctx, "s", "g", "c2", 0, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, dead[0].ID, claimed[0].ID)

	sum, err := b.Pending(ctx, "s", "g")
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.Consumers["c2"])
	assert.Zero(t, sum.Consumers["c1"])
}

func TestMemoryBroker_TrimSignalsLostPending(t *testing.T) {
	b := NewMemoryBroker()
	var lost int
	b.OnTrimmedUnacked = func(n int) { lost += n }

	ctx := context.Background()
	require.NoError(t, b.EnsureGroup(ctx, "s", "g", "0"))
	appendN(t, b, "s", 5)

	recs, err := b.ReadGroup(ctx, "s", "g", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 5)

	// Trim away the two oldest entries while they are pending.
	require.NoError(t, b.Trim(ctx, "s", 3))

	claimed, err := b.ClaimStale(ctx, "s", "g", "c2", 0, 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 3)
	assert.Equal(t, 2, lost, "trimmed-while-pending records must be reported")
}

func TestMemoryBroker_MaxLenOnAppend(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := b.Append(ctx, "s", Record{Payload: []byte("x")}, 4)
		require.NoError(t, err)
	}
	depth, err := b.Len(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(4), depth)
}

func TestMemoryBroker_ReadGroupHonoursContext(t *testing.T) {
	b := NewMemoryBroker()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, b.EnsureGroup(ctx, "s", "g", "0"))

	start := time.Now()
	_, err := b.ReadGroup(ctx, "s", "g", "c1", 1, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestMemoryBroker_ClosedIsUnavailable(t *testing.T) {
	b := NewMemoryBroker()
	require.NoError(t, b.Close())
	_, err := b.Append(context.Background(), "s", Record{}, 0)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, b.Ping(context.Background()), ErrUnavailable)
}

func TestMemoryBroker_AppendBatch(t *testing.T) {
	b := NewMemoryBroker()
	recs := []Record{
		{SourceID: "src-1", Payload: []byte("a")},
		{SourceID: "src-1", Payload: []byte("b")},
		{SourceID: "src-1", Payload: []byte("c")},
	}

	ids, err := b.AppendBatch(context.Background(), "s", recs, 0)
	require.NoError(t, err)
	require.Len(t, ids, 3)
	assert.True(t, idLess(ids[0], ids[1]))
	assert.True(t, idLess(ids[1], ids[2]))

	depth, err := b.Len(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, int64(3), depth)

	// A refused batch enqueues nothing.
	require.NoError(t, b.Close())
	ids, err = b.AppendBatch(context.Background(), "s", recs, 0)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Empty(t, ids)
}

func TestIDLess(t *testing.T) {
	assert.True(t, idLess("1-0", "2-0"))
	assert.True(t, idLess("2-1", "2-2"))
	assert.False(t, idLess("10-0", "9-5"), "comparison is numeric, not lexical")
}
