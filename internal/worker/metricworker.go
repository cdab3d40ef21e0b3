package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streamgate/ingest/internal/core"
	"github.com/streamgate/ingest/internal/queue"
	"github.com/streamgate/ingest/internal/sink"
)

// MetricHandler groups samples by push target and writes one exposition
// blob per (job, instance) group. Delivery is all-or-nothing per group.
type MetricHandler struct {
	sink *sink.MetricSink
}

// NewMetricHandler builds the metric worker's delivery handler.
func NewMetricHandler(s *sink.MetricSink) *MetricHandler {
	return &MetricHandler{sink: s}
}

type metricGroup struct {
	job      string
	instance string
	samples  []core.MetricSample
	recIDs   []string
	records  []queue.Record
}

// Deliver implements Handler.
func (h *MetricHandler) Deliver(ctx context.Context, batch []queue.Record) (Result, error) {
	var res Result
	groups := make(map[string]*metricGroup)
	var order []string // deterministic push order

	for _, rec := range batch {
		var sample core.MetricSample
		if err := json.Unmarshal(rec.Payload, &sample); err != nil {
			res.Poison = append(res.Poison, Poison{Record: rec, Reason: fmt.Sprintf("undecodable payload: %v", err)})
			continue
		}
		job, instance := pushTarget(rec, &sample)
		key := job + "\x00" + instance
		g, ok := groups[key]
		if !ok {
			g = &metricGroup{job: job, instance: instance}
			groups[key] = g
			order = append(order, key)
		}
		g.samples = append(g.samples, sample)
		g.recIDs = append(g.recIDs, rec.ID)
		g.records = append(g.records, rec)
	}

	var firstErr error
	for _, key := range order {
		g := groups[key]
		err := h.sink.Push(ctx, g.job, g.instance, sink.Exposition(g.samples))
		switch {
		case err == nil:
			res.Acked = append(res.Acked, g.recIDs...)
		case core.KindOf(err) == core.KindInvalidInput:
			// The gateway refused the group outright; replaying it can never
			// succeed, so the whole group is poison.
			for _, rec := range g.records {
				res.Poison = append(res.Poison, Poison{Record: rec, Reason: err.Error()})
			}
		default:
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return res, firstErr
}

// pushTarget derives the (job, instance) grouping labels for a sample.
func pushTarget(rec queue.Record, m *core.MetricSample) (job, instance string) {
	job = m.Labels["job"]
	if job == "" {
		job = m.Labels["service"]
	}
	if job == "" {
		job = rec.SourceID
	}
	instance = m.Labels["instance"]
	if instance == "" {
		instance = m.Labels["host"]
	}
	if instance == "" {
		instance = "default"
	}
	return job, instance
}
