package receiver

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/streamgate/ingest/internal/auth"
	"github.com/streamgate/ingest/internal/core"
	"github.com/streamgate/ingest/internal/queue"
	"github.com/streamgate/ingest/internal/ratelimit"
)

// maxBodyBytes bounds a single batch request body (post-decompression).
const maxBodyBytes = 10 << 20

type logsRequest struct {
	Source      string          `json:"source,omitempty"`
	Application string          `json:"application,omitempty"`
	Logs        []core.LogEvent `json:"logs"`
}

type metricsRequest struct {
	Source  string              `json:"source,omitempty"`
	Metrics []core.MetricSample `json:"metrics"`
}

type ingestResponse struct {
	Processed int    `json:"processed"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	src, ok := s.gate(w, r, ratelimit.KindLogs)
	if !ok {
		return
	}

	var req logsRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, "logs", err)
		return
	}
	if len(req.Logs) == 0 {
		s.writeError(w, "logs", core.Errorf(core.KindInvalidInput, "empty batch"))
		return
	}

	// Whole-batch validation before any enqueue: a partially accepted batch
	// would complicate the producer's at-least-once story.
	for i := range req.Logs {
		if err := req.Logs[i].Validate(); err != nil {
			s.writeError(w, "logs", core.Wrap(core.KindInvalidInput, err, fmt.Sprintf("log %d", i)))
			return
		}
	}

	payloads := make([][]byte, len(req.Logs))
	for i := range req.Logs {
		ev := req.Logs[i]
		ev.Level = core.NormalizeLevel(ev.Level)
		if ev.SchemaVersion == "" {
			ev.SchemaVersion = core.SchemaVersion
		}
		if ev.Service == "" {
			ev.Service = req.Application
		}
		data, err := json.Marshal(&ev)
		if err != nil {
			s.writeError(w, "logs", core.Wrap(core.KindInternal, err, "encode log event"))
			return
		}
		payloads[i] = data
	}

	s.enqueue(r.Context(), w, "logs", s.cfg.LogStream, src, payloads)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	src, ok := s.gate(w, r, ratelimit.KindMetrics)
	if !ok {
		return
	}

	var req metricsRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, "metrics", err)
		return
	}
	if len(req.Metrics) == 0 {
		s.writeError(w, "metrics", core.Errorf(core.KindInvalidInput, "empty batch"))
		return
	}

	for i := range req.Metrics {
		if err := req.Metrics[i].Validate(); err != nil {
			s.writeError(w, "metrics", core.Wrap(core.KindInvalidInput, err, fmt.Sprintf("metric %d", i)))
			return
		}
	}

	payloads := make([][]byte, len(req.Metrics))
	for i := range req.Metrics {
		data, err := json.Marshal(&req.Metrics[i])
		if err != nil {
			s.writeError(w, "metrics", core.Wrap(core.KindInternal, err, "encode metric sample"))
			return
		}
		payloads[i] = data
	}

	s.enqueue(r.Context(), w, "metrics", s.cfg.MetricStream, src, payloads)
}

// gate runs the admission, authentication and rate-limit checks shared by
// both ingest endpoints.
func (s *Server) gate(w http.ResponseWriter, r *http.Request, kind ratelimit.Kind) (*core.Source, bool) {
	label := string(kind)

	if verdict := s.limiter.AllowClient(s.remoteHost(r)); !verdict.Allowed {
		s.met.Throttled.WithLabelValues(label).Inc()
		s.writeThrottled(w, label, verdict)
		return nil, false
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	src, err := s.authn.AuthenticateHTTP(ctx, r)
	if err != nil {
		if ctx.Err() != nil {
			// Tight auth deadline exceeded: fail to UNAVAILABLE, not 401.
			err = core.Wrap(core.KindUnavailable, err, "source lookup timed out")
		}
		s.writeError(w, label, err)
		return nil, false
	}

	if verdict := s.limiter.Allow(src, kind); !verdict.Allowed {
		s.met.Throttled.WithLabelValues(label).Inc()
		s.writeThrottled(w, label, verdict)
		return nil, false
	}
	return src, true
}

// enqueue appends each payload to the stream. Admission through the bounded
// gate is non-blocking: when the receiver is saturated it sheds with 503
// rather than queueing requests in memory.
func (s *Server) enqueue(ctx context.Context, w http.ResponseWriter, label, stream string, src *core.Source, payloads [][]byte) {
	select {
	case s.enqueueGate <- struct{}{}:
		defer func() { <-s.enqueueGate }()
	default:
		s.met.EnqueueShed.Inc()
		s.writeError(w, label, core.Errorf(core.KindUnavailable, "receiver saturated"))
		return
	}

	now := time.Now()
	recs := make([]queue.Record, len(payloads))
	for i, payload := range payloads {
		recs[i] = queue.Record{SourceID: src.ID, Payload: payload, EnqueuedAt: now}
	}
	// The append is all-or-nothing: a 503 means nothing from this batch was
	// queued, so the producer can retry it verbatim without duplicates.
	if _, err := s.broker.AppendBatch(ctx, stream, recs, s.cfg.StreamMaxLen); err != nil {
		s.writeError(w, label, core.Wrap(core.KindUnavailable, err, "queue append"))
		return
	}

	s.met.RecordsEnqueued.WithLabelValues(stream).Add(float64(len(payloads)))
	s.met.RequestsTotal.WithLabelValues(label, "200").Inc()
	writeJSON(w, http.StatusOK, ingestResponse{Processed: len(payloads)})
}

func (s *Server) decodeBody(r *http.Request, into interface{}) error {
	var reader io.Reader = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return core.Wrap(core.KindInvalidInput, err, "gzip body")
		}
		defer gz.Close()
		reader = gz
	}
	if err := json.NewDecoder(reader).Decode(into); err != nil {
		return core.Wrap(core.KindInvalidInput, err, "decode batch")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	report := s.checker.Check(ctx)
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) writeError(w http.ResponseWriter, label string, err error) {
	status := core.HTTPStatus(err)
	s.met.RequestsTotal.WithLabelValues(label, strconv.Itoa(status)).Inc()
	writeJSON(w, status, ingestResponse{Error: err.Error()})
}

func (s *Server) writeThrottled(w http.ResponseWriter, label string, verdict ratelimit.Verdict) {
	retry := int(verdict.RetryAfter.Seconds())
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	s.met.RequestsTotal.WithLabelValues(label, "429").Inc()
	writeJSON(w, http.StatusTooManyRequests, ingestResponse{Error: "rate limit exceeded"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// remoteHost keys the per-client rate bucket by the resolved client IP, so
// a forged header cannot mint fresh buckets per request.
func (s *Server) remoteHost(r *http.Request) string {
	if ip := auth.ClientIP(r, s.cfg.TrustedProxies); ip != nil {
		return ip.String()
	}
	return r.RemoteAddr
}
