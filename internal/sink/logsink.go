// Package sink holds the downstream clients the worker tier writes to: a
// bulk log-search index and a metrics pushgateway. Both are wrapped in
// circuit breakers so a dead downstream trips fast instead of burning the
// batch deadline on every flush.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/streamgate/ingest/internal/circuitbreaker"
	"github.com/streamgate/ingest/internal/core"
)

// DefaultLogIndex is the target index when none is configured.
const DefaultLogIndex = "logs-ingest"

// BulkItem is one document to index. ID must be derived deterministically
// from the queue id and payload fingerprint so replays are idempotent.
type BulkItem struct {
	ID  string
	Doc map[string]interface{}
}

// DocStatus is the per-document outcome of a bulk call.
type DocStatus struct {
	ID     string
	Status int
	Error  string
}

// Accepted reports whether the document was durably indexed.
func (d DocStatus) Accepted() bool { return d.Status >= 200 && d.Status < 300 }

// Poison reports whether the document was permanently refused and should be
// dead-lettered instead of retried.
func (d DocStatus) Poison() bool { return d.Status >= 400 && d.Status < 500 }

// LogSink is the bulk index client. The endpoint accepts newline-delimited
// {action}\n{document} pairs and returns per-document status.
type LogSink struct {
	url     string
	index   string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewLogSink builds a client against the bulk endpoint base URL.
func NewLogSink(url, index string, timeout time.Duration) *LogSink {
	if index == "" {
		index = DefaultLogIndex
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LogSink{
		url:     url,
		index:   index,
		client:  &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig("log-sink")),
	}
}

type bulkAction struct {
	Index struct {
		Index string `json:"_index"`
		ID    string `json:"_id"`
	} `json:"index"`
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []struct {
		Index struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"index"`
	} `json:"items"`
}

// BulkIndex writes a batch and returns per-document statuses. A non-nil
// error means the whole call failed (unreachable, timeout, 5xx) and every
// document should be treated as transient.
func (s *LogSink) BulkIndex(ctx context.Context, items []BulkItem) ([]DocStatus, error) {
	if len(items) == 0 {
		return nil, nil
	}

	var statuses []DocStatus
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, item := range items {
			var action bulkAction
			action.Index.Index = s.index
			action.Index.ID = item.ID
			if err := enc.Encode(action); err != nil {
				return core.Wrap(core.KindInternal, err, "encode bulk action")
			}
			if err := enc.Encode(item.Doc); err != nil {
				return core.Wrap(core.KindInternal, err, "encode bulk document")
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/_bulk", &buf)
		if err != nil {
			return core.Wrap(core.KindInternal, err, "build bulk request")
		}
		req.Header.Set("Content-Type", "application/x-ndjson")

		resp, err := s.client.Do(req)
		if err != nil {
			return core.Wrap(core.KindUnavailable, err, "bulk index call")
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			return core.Errorf(core.KindUnavailable, "bulk endpoint returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return core.Errorf(core.KindInternal, "bulk endpoint rejected request: %d %s", resp.StatusCode, body)
		}

		var br bulkResponse
		if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
			return core.Wrap(core.KindUnavailable, err, "decode bulk response")
		}
		if len(br.Items) != len(items) {
			return core.Errorf(core.KindUnavailable, "bulk response item count mismatch: got %d want %d", len(br.Items), len(items))
		}

		statuses = make([]DocStatus, len(br.Items))
		for i, item := range br.Items {
			st := DocStatus{ID: item.Index.ID, Status: item.Index.Status}
			if st.ID == "" {
				st.ID = items[i].ID
			}
			if item.Index.Error != nil {
				st.Error = fmt.Sprintf("%s: %s", item.Index.Error.Type, item.Index.Error.Reason)
			}
			statuses[i] = st
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return statuses, nil
}

// Ping probes sink reachability for the health endpoint.
func (s *LogSink) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
