package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker with the same consumer-group
// semantics as the Redis implementation. It backs unit tests and broker-less
// development runs; it is not durable.
type MemoryBroker struct {
	mu      sync.Mutex
	streams map[string]*memStream
	nextSeq int64
	closed  bool

	OnTrimmedUnacked func(n int)
}

type memStream struct {
	records []Record // id-ordered
	groups  map[string]*memGroup
}

type memGroup struct {
	cursor  int // index into records of the next never-delivered entry offset basis
	lastID  string
	pending map[string]*memPending // record id -> state
}

type memPending struct {
	consumer    string
	deliveredAt time.Time
	deliveries  int
}

// NewMemoryBroker returns an empty in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{streams: make(map[string]*memStream)}
}

func (b *MemoryBroker) stream(name string) *memStream {
	s, ok := b.streams[name]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		b.streams[name] = s
	}
	return s
}

// Append implements Broker.
func (b *MemoryBroker) Append(ctx context.Context, stream string, rec Record, maxLen int64) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrUnavailable
	}
	b.nextSeq++
	rec.ID = fmt.Sprintf("%d-0", b.nextSeq)
	if rec.EnqueuedAt.IsZero() {
		rec.EnqueuedAt = time.Now()
	}
	s := b.stream(stream)
	s.records = append(s.records, rec)
	if maxLen > 0 {
		b.trimLocked(stream, s, maxLen)
	}
	return rec.ID, nil
}

// AppendBatch implements Broker. The whole batch lands under one lock, so
// no reader ever observes a partial batch and a refusal enqueues nothing.
func (b *MemoryBroker) AppendBatch(ctx context.Context, stream string, recs []Record, maxLen int64) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrUnavailable
	}
	s := b.stream(stream)
	ids := make([]string, len(recs))
	for i, rec := range recs {
		b.nextSeq++
		rec.ID = fmt.Sprintf("%d-0", b.nextSeq)
		if rec.EnqueuedAt.IsZero() {
			rec.EnqueuedAt = time.Now()
		}
		s.records = append(s.records, rec)
		ids[i] = rec.ID
	}
	if maxLen > 0 {
		b.trimLocked(stream, s, maxLen)
	}
	return ids, nil
}

// EnsureGroup implements Broker.
func (b *MemoryBroker) EnsureGroup(ctx context.Context, stream, group, startID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrUnavailable
	}
	s := b.stream(stream)
	if _, exists := s.groups[group]; exists {
		return nil
	}
	s.groups[group] = &memGroup{lastID: startID, pending: make(map[string]*memPending)}
	return nil
}

// ReadGroup implements Broker. Blocking waits are simulated by polling so
// cancellation is still observed.
func (b *MemoryBroker) ReadGroup(ctx context.Context, stream, group, consumer string, max int64, block time.Duration) ([]Record, error) {
	deadline := time.Now().Add(block)
	for {
		recs, err := b.readOnce(stream, group, consumer, max)
		if err != nil || len(recs) > 0 {
			return recs, err
		}
		if block <= 0 || time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (b *MemoryBroker) readOnce(stream, group, consumer string, max int64) ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrUnavailable
	}
	s := b.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("no such group %s on stream %s", group, stream)
	}

	var out []Record
	for _, rec := range s.records {
		if int64(len(out)) >= max {
			break
		}
		// Only records past the group cursor are new deliveries ('>').
		if g.lastID != "" && g.lastID != "0" && !idLess(g.lastID, rec.ID) {
			continue
		}
		if _, pending := g.pending[rec.ID]; pending {
			continue
		}
		g.pending[rec.ID] = &memPending{consumer: consumer, deliveredAt: time.Now(), deliveries: 1}
		g.lastID = rec.ID
		out = append(out, rec)
	}
	return out, nil
}

// Ack implements Broker.
func (b *MemoryBroker) Ack(ctx context.Context, stream, group string, ids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrUnavailable
	}
	s := b.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return fmt.Errorf("no such group %s on stream %s", group, stream)
	}
	acked := make(map[string]bool, len(ids))
	for _, id := range ids {
		delete(g.pending, id)
		acked[id] = true
	}
	// Acked records are deleted from the stream, mirroring the Redis broker.
	kept := s.records[:0]
	for _, rec := range s.records {
		if !acked[rec.ID] {
			kept = append(kept, rec)
		}
	}
	s.records = kept
	return nil
}

// Pending implements Broker.
func (b *MemoryBroker) Pending(ctx context.Context, stream, group string) (*PendingSummary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrUnavailable
	}
	s := b.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("no such group %s on stream %s", group, stream)
	}
	sum := &PendingSummary{Consumers: make(map[string]int64)}
	var ids []string
	for id, p := range g.pending {
		ids = append(ids, id)
		sum.Consumers[p.consumer]++
		sum.Count++
	}
	if len(ids) > 0 {
		sort.Slice(ids, func(i, j int) bool { return idLess(ids[i], ids[j]) })
		sum.MinID = ids[0]
		sum.MaxID = ids[len(ids)-1]
	}
	return sum, nil
}

// ClaimStale implements Broker.
func (b *MemoryBroker) ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrUnavailable
	}
	s := b.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("no such group %s on stream %s", group, stream)
	}

	byID := make(map[string]Record, len(s.records))
	for _, rec := range s.records {
		byID[rec.ID] = rec
	}

	var ids []string
	now := time.Now()
	for id, p := range g.pending {
		if now.Sub(p.deliveredAt) >= minIdle {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return idLess(ids[i], ids[j]) })

	var out []Record
	trimmed := 0
	for _, id := range ids {
		if int64(len(out)) >= count {
			break
		}
		rec, exists := byID[id]
		if !exists {
			// Trimmed while pending; drop the phantom entry.
			delete(g.pending, id)
			trimmed++
			continue
		}
		p := g.pending[id]
		p.consumer = consumer
		p.deliveredAt = now
		p.deliveries++
		out = append(out, rec)
	}
	if trimmed > 0 && b.OnTrimmedUnacked != nil {
		b.OnTrimmedUnacked(trimmed)
	}
	return out, nil
}

// Trim implements Broker.
func (b *MemoryBroker) Trim(ctx context.Context, stream string, maxLen int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrUnavailable
	}
	b.trimLocked(stream, b.stream(stream), maxLen)
	return nil
}

func (b *MemoryBroker) trimLocked(stream string, s *memStream, maxLen int64) {
	if maxLen <= 0 || int64(len(s.records)) <= maxLen {
		return
	}
	s.records = s.records[int64(len(s.records))-maxLen:]
}

// Len implements Broker.
func (b *MemoryBroker) Len(ctx context.Context, stream string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.stream(stream).records)), nil
}

// Ping implements Broker.
func (b *MemoryBroker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrUnavailable
	}
	return nil
}

// Close implements Broker.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// idLess compares two stream ids of the form "<ms>-<seq>" numerically.
func idLess(a, b string) bool {
	var ams, aseq, bms, bseq int64
	fmt.Sscanf(a, "%d-%d", &ams, &aseq)
	fmt.Sscanf(b, "%d-%d", &bms, &bseq)
	if ams != bms {
		return ams < bms
	}
	return aseq < bseq
}
