package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/streamgate/ingest/internal/circuitbreaker"
	"github.com/streamgate/ingest/internal/core"
)

// MetricSink pushes exposition-format blobs to the metrics pushgateway,
// one POST per (job, instance) group, all-or-nothing per group.
type MetricSink struct {
	url     string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewMetricSink builds a client against the pushgateway base URL.
func NewMetricSink(url string, timeout time.Duration) *MetricSink {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MetricSink{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig("metric-sink")),
	}
}

// Push writes one exposition blob for the (job, instance) group.
func (s *MetricSink) Push(ctx context.Context, job, instance string, body []byte) error {
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		target := fmt.Sprintf("%s/metrics/job/%s/instance/%s",
			s.url, url.PathEscape(job), url.PathEscape(instance))

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return core.Wrap(core.KindInternal, err, "build push request")
		}
		req.Header.Set("Content-Type", "text/plain; version=0.0.4")

		resp, err := s.client.Do(req)
		if err != nil {
			return core.Wrap(core.KindUnavailable, err, "pushgateway call")
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			return core.Errorf(core.KindUnavailable, "pushgateway returned %d", resp.StatusCode)
		default:
			return core.Errorf(core.KindInvalidInput, "pushgateway rejected group %s/%s: %d", job, instance, resp.StatusCode)
		}
	})
}

// Ping probes sink reachability for the health endpoint.
func (s *MetricSink) Ping(ctx context.Context) error {
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

// Exposition renders samples into the text exposition format. Samples must
// already share one (job, instance) group; job/instance labels are carried
// by the URL, not the body.
func Exposition(samples []core.MetricSample) []byte {
	var buf bytes.Buffer
	seenHelp := make(map[string]bool)
	for _, m := range samples {
		if m.Help != "" && !seenHelp[m.Name] {
			fmt.Fprintf(&buf, "# HELP %s %s\n", m.Name, strings.ReplaceAll(m.Help, "\n", " "))
			fmt.Fprintf(&buf, "# TYPE %s %s\n", m.Name, strings.ToLower(m.Kind))
			seenHelp[m.Name] = true
		}
		if strings.EqualFold(m.Kind, core.MetricHistogram) && len(m.Buckets) > 0 {
			writeHistogram(&buf, m)
			continue
		}
		fmt.Fprintf(&buf, "%s%s %s\n", m.Name, labelString(m.Labels, nil), formatValue(m.Value))
	}
	return buf.Bytes()
}

func writeHistogram(buf *bytes.Buffer, m core.MetricSample) {
	bounds := make([]string, 0, len(m.Buckets))
	for b := range m.Buckets {
		bounds = append(bounds, b)
	}
	sort.Strings(bounds)
	var total float64
	for _, b := range bounds {
		count := m.Buckets[b]
		total += count
		fmt.Fprintf(buf, "%s_bucket%s %s\n", m.Name, labelString(m.Labels, map[string]string{"le": b}), formatValue(count))
	}
	fmt.Fprintf(buf, "%s_count%s %s\n", m.Name, labelString(m.Labels, nil), formatValue(total))
	fmt.Fprintf(buf, "%s_sum%s %s\n", m.Name, labelString(m.Labels, nil), formatValue(m.Value))
}

// labelString renders sorted labels, excluding the grouping labels already
// encoded in the push URL.
func labelString(labels map[string]string, extra map[string]string) string {
	merged := make(map[string]string, len(labels)+len(extra))
	for k, v := range labels {
		if k == "job" || k == "instance" {
			continue
		}
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	if len(merged) == 0 {
		return ""
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf(`%s=%q`, k, merged[k])
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func formatValue(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}
