package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/streamgate/ingest/internal/core"
	"github.com/streamgate/ingest/internal/queue"
	"github.com/streamgate/ingest/internal/sink"
)

// LogHandler turns log records into search-index documents and bulk-writes
// them. Document ids derive from the queue id plus a payload fingerprint so
// redelivery after a crashed ack is idempotent at the sink.
type LogHandler struct {
	sink *sink.LogSink
}

// NewLogHandler builds the log worker's delivery handler.
func NewLogHandler(s *sink.LogSink) *LogHandler {
	return &LogHandler{sink: s}
}

// Deliver implements Handler.
func (h *LogHandler) Deliver(ctx context.Context, batch []queue.Record) (Result, error) {
	var res Result
	items := make([]sink.BulkItem, 0, len(batch))
	byDocID := make(map[string]queue.Record, len(batch))

	for _, rec := range batch {
		var ev core.LogEvent
		if err := json.Unmarshal(rec.Payload, &ev); err != nil {
			res.Poison = append(res.Poison, Poison{Record: rec, Reason: fmt.Sprintf("undecodable payload: %v", err)})
			continue
		}
		docID := DocumentID(rec)
		items = append(items, sink.BulkItem{ID: docID, Doc: ecsDocument(rec, &ev)})
		byDocID[docID] = rec
	}
	if len(items) == 0 {
		return res, nil
	}

	statuses, err := h.sink.BulkIndex(ctx, items)
	if err != nil {
		// Whole-call failure: everything not already poisoned is transient.
		return res, err
	}

	for _, st := range statuses {
		rec, ok := byDocID[st.ID]
		if !ok {
			continue
		}
		switch {
		case st.Accepted():
			res.Acked = append(res.Acked, rec.ID)
		case st.Poison():
			res.Poison = append(res.Poison, Poison{Record: rec, Reason: st.Error})
		default:
			// 5xx on an individual document: transient, retried.
		}
	}
	return res, nil
}

// DocumentID is the idempotency key for one record at the log sink.
func DocumentID(rec queue.Record) string {
	sum := sha256.Sum256(rec.Payload)
	return rec.ID + "-" + hex.EncodeToString(sum[:6])
}

// ecsDocument shapes a log event into the closed downstream schema.
func ecsDocument(rec queue.Record, ev *core.LogEvent) map[string]interface{} {
	doc := map[string]interface{}{
		"@timestamp":     ev.Timestamp.UTC(),
		"message":        ev.Message,
		"schema_version": schemaVersionOr(ev.SchemaVersion),
		"log": map[string]interface{}{
			"level": core.NormalizeLevel(ev.Level),
		},
		"event": map[string]interface{}{
			"dataset":   "ingest.logs",
			"source_id": rec.SourceID,
			"record_id": rec.ID,
		},
	}
	if ev.Service != "" {
		doc["service"] = map[string]interface{}{"name": ev.Service}
	}
	if ev.Host != "" {
		doc["host"] = map[string]interface{}{"name": ev.Host}
	}
	if len(ev.Labels) > 0 {
		doc["labels"] = ev.Labels
	}
	if len(ev.Tags) > 0 {
		doc["tags"] = ev.Tags
	}
	if ev.TraceID != "" {
		doc["trace"] = map[string]interface{}{"id": ev.TraceID}
	}
	if ev.SpanID != "" {
		doc["span"] = map[string]interface{}{"id": ev.SpanID}
	}
	if ev.TransactionID != "" {
		doc["transaction"] = map[string]interface{}{"id": ev.TransactionID}
	}
	return doc
}

func schemaVersionOr(v string) string {
	if v == "" {
		return core.SchemaVersion
	}
	return v
}
