package receiver

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamgate/ingest/internal/auth"
	"github.com/streamgate/ingest/internal/catalog"
	"github.com/streamgate/ingest/internal/config"
	"github.com/streamgate/ingest/internal/core"
	"github.com/streamgate/ingest/internal/health"
	"github.com/streamgate/ingest/internal/queue"
	"github.com/streamgate/ingest/internal/ratelimit"
	"github.com/streamgate/ingest/internal/sink"
	"github.com/streamgate/ingest/internal/telemetry"
)

var (
	metricsOnce sync.Once
	testMetrics *telemetry.Metrics
)

func sharedMetrics() *telemetry.Metrics {
	metricsOnce.Do(func() { testMetrics = telemetry.NewMetrics() })
	return testMetrics
}

type rig struct {
	srv     *Server
	broker  *queue.MemoryBroker
	limiter *ratelimit.Limiter
	checker *health.Checker
}

func newRig(t *testing.T) *rig {
	t.Helper()
	cfg := &config.Config{
		LogStream:    "logs:raw",
		MetricStream: "metrics:raw",
		StreamMaxLen: 1000,
	}
	broker := queue.NewMemoryBroker()
	resolver := catalog.NewStaticResolver(
		&core.Source{ID: "src-1", APIKeys: []string{"key-1"}, Enabled: true, Tier: core.TierEnterprise},
		&core.Source{ID: "src-slow", APIKeys: []string{"key-slow"}, Enabled: true, Tier: core.TierCommunity},
		&core.Source{ID: "src-locked", APIKeys: []string{"key-locked"},
			AllowedClients: []string{"192.168.1.0/24"}, Enabled: true, Tier: core.TierEnterprise},
	)
	limiter := ratelimit.NewLimiter()
	t.Cleanup(limiter.Close)
	checker := health.NewChecker()
	checker.Register("queue", broker.Ping)

	srv := NewServer(cfg, broker, auth.NewAuthenticator(resolver), limiter, nil, sharedMetrics(), checker)
	return &rig{srv: srv, broker: broker, limiter: limiter, checker: checker}
}

func postJSON(t *testing.T, h http.Handler, path, apiKey string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	r := httptest.NewRequest("POST", path, bytes.NewReader(payload))
	r.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		r.Header.Set(auth.HeaderAPIKey, apiKey)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func validLogs(n int) map[string]interface{} {
	logs := make([]map[string]interface{}, n)
	for i := range logs {
		logs[i] = map[string]interface{}{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"log_level": "info",
			"message":   fmt.Sprintf("event %d", i),
		}
	}
	return map[string]interface{}{"application": "web", "logs": logs}
}

func TestHandleLogs_AcceptsBatch(t *testing.T) {
	rg := newRig(t)
	w := postJSON(t, rg.srv.Handler(), "/api/v1/logs", "key-1", validLogs(3))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp ingestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Processed)

	depth, err := rg.broker.Len(context.Background(), "logs:raw")
	require.NoError(t, err)
	assert.Equal(t, int64(3), depth)

	// The stored payload is the normalised event.
	require.NoError(t, rg.broker.EnsureGroup(context.Background(), "logs:raw", "g", "0"))
	recs, err := rg.broker.ReadGroup(context.Background(), "logs:raw", "g", "t", 10, 0)
	require.NoError(t, err)
	var ev core.LogEvent
	require.NoError(t, json.Unmarshal(recs[0].Payload, &ev))
	assert.Equal(t, "INFO", ev.Level)
	assert.Equal(t, "web", ev.Service, "application falls through to service_name")
	assert.Equal(t, core.SchemaVersion, ev.SchemaVersion)
	assert.Equal(t, "src-1", recs[0].SourceID)
}

func TestHandleLogs_RejectsWholeBatchOnOneBadEvent(t *testing.T) {
	rg := newRig(t)
	body := validLogs(2)
	body["logs"] = append(body["logs"].([]map[string]interface{}), map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"log_level": "info",
		// message missing
	})

	w := postJSON(t, rg.srv.Handler(), "/api/v1/logs", "key-1", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	depth, err := rg.broker.Len(context.Background(), "logs:raw")
	require.NoError(t, err)
	assert.Zero(t, depth, "nothing may be enqueued from a rejected batch")
}

func TestHandleLogs_EmptyBatch(t *testing.T) {
	rg := newRig(t)
	w := postJSON(t, rg.srv.Handler(), "/api/v1/logs", "key-1",
		map[string]interface{}{"logs": []interface{}{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleLogs_Unauthenticated(t *testing.T) {
	rg := newRig(t)
	w := postJSON(t, rg.srv.Handler(), "/api/v1/logs", "", validLogs(1))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = postJSON(t, rg.srv.Handler(), "/api/v1/logs", "wrong-key", validLogs(1))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleLogs_Throttled(t *testing.T) {
	rg := newRig(t)
	rg.limiter.SetTierLimits(map[core.Tier]int{core.TierCommunity: 2})

	h := rg.srv.Handler()
	assert.Equal(t, http.StatusOK, postJSON(t, h, "/api/v1/logs", "key-slow", validLogs(1)).Code)
	assert.Equal(t, http.StatusOK, postJSON(t, h, "/api/v1/logs", "key-slow", validLogs(1)).Code)

	w := postJSON(t, h, "/api/v1/logs", "key-slow", validLogs(1))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestHandleLogs_ForwardedForSpoofIsRejected(t *testing.T) {
	rg := newRig(t)

	payload, err := json.Marshal(validLogs(1))
	require.NoError(t, err)
	r := httptest.NewRequest("POST", "/api/v1/logs", bytes.NewReader(payload))
	r.Header.Set(auth.HeaderAPIKey, "key-locked")
	r.RemoteAddr = "10.0.0.5:44444"
	// The header names an allow-listed address, but without a trusted proxy
	// the TCP peer is the client identity.
	r.Header.Set("X-Forwarded-For", "192.168.1.5")
	w := httptest.NewRecorder()
	rg.srv.Handler().ServeHTTP(w, r)

	assert.Equal(t, http.StatusForbidden, w.Code)
	depth, err := rg.broker.Len(context.Background(), "logs:raw")
	require.NoError(t, err)
	assert.Zero(t, depth)
}

// refusingBroker reads fine but refuses batch appends, simulating a broker
// outage at enqueue time.
type refusingBroker struct {
	*queue.MemoryBroker
	batchCalls  int
	singleCalls int
}

func (b *refusingBroker) Append(ctx context.Context, stream string, rec queue.Record, maxLen int64) (string, error) {
	b.singleCalls++
	return b.MemoryBroker.Append(ctx, stream, rec, maxLen)
}

func (b *refusingBroker) AppendBatch(ctx context.Context, stream string, recs []queue.Record, maxLen int64) ([]string, error) {
	b.batchCalls++
	return nil, queue.ErrUnavailable
}

func TestHandleLogs_NoPartialEnqueueOn503(t *testing.T) {
	cfg := &config.Config{LogStream: "logs:raw", MetricStream: "metrics:raw", StreamMaxLen: 1000}
	rb := &refusingBroker{MemoryBroker: queue.NewMemoryBroker()}
	resolver := catalog.NewStaticResolver(
		&core.Source{ID: "src-1", APIKeys: []string{"key-1"}, Enabled: true, Tier: core.TierEnterprise},
	)
	limiter := ratelimit.NewLimiter()
	t.Cleanup(limiter.Close)
	srv := NewServer(cfg, rb, auth.NewAuthenticator(resolver), limiter, nil, sharedMetrics(), health.NewChecker())

	w := postJSON(t, srv.Handler(), "/api/v1/logs", "key-1", validLogs(3))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	// The batch goes through a single atomic append; a refusal leaves the
	// stream empty rather than holding a prefix of the batch.
	assert.Equal(t, 1, rb.batchCalls)
	assert.Zero(t, rb.singleCalls)
	depth, err := rb.MemoryBroker.Len(context.Background(), "logs:raw")
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestHandleLogs_QueueOutage(t *testing.T) {
	rg := newRig(t)
	require.NoError(t, rg.broker.Close())
	w := postJSON(t, rg.srv.Handler(), "/api/v1/logs", "key-1", validLogs(1))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleLogs_GzipBody(t *testing.T) {
	rg := newRig(t)
	payload, err := json.Marshal(validLogs(2))
	require.NoError(t, err)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err = zw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	r := httptest.NewRequest("POST", "/api/v1/logs", &buf)
	r.Header.Set(auth.HeaderAPIKey, "key-1")
	r.Header.Set("Content-Encoding", "gzip")
	w := httptest.NewRecorder()
	rg.srv.Handler().ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHandleMetrics_AcceptsBatch(t *testing.T) {
	rg := newRig(t)
	body := map[string]interface{}{
		"metrics": []map[string]interface{}{{
			"name":      "http_requests_total",
			"type":      "counter",
			"value":     1245,
			"labels":    map[string]string{"method": "GET"},
			"timestamp": time.Now().UnixMilli(),
		}},
	}
	w := postJSON(t, rg.srv.Handler(), "/api/v1/metrics", "key-1", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	depth, err := rg.broker.Len(context.Background(), "metrics:raw")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestHandleMetrics_InvalidName(t *testing.T) {
	rg := newRig(t)
	body := map[string]interface{}{
		"metrics": []map[string]interface{}{{
			"name":      "9bad",
			"type":      "counter",
			"value":     1,
			"timestamp": time.Now().UnixMilli(),
		}},
	}
	w := postJSON(t, rg.srv.Handler(), "/api/v1/metrics", "key-1", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleHealth(t *testing.T) {
	rg := newRig(t)
	sinkSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer sinkSrv.Close()
	rg.checker.Register("log_sink", sink.NewLogSink(sinkSrv.URL, "logs", 0).Ping)
	rg.checker.Register("metric_sink", sink.NewMetricSink(sinkSrv.URL, 0).Ping)

	r := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	rg.srv.Handler().ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var report health.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, "ok", report.Status)
	assert.Equal(t, "ok", report.Components["queue"])
	assert.Equal(t, "ok", report.Components["log_sink"])
	assert.Equal(t, "ok", report.Components["metric_sink"])

	// A failed dependency degrades the endpoint.
	require.NoError(t, rg.broker.Close())
	w = httptest.NewRecorder()
	rg.srv.Handler().ServeHTTP(w, r)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
