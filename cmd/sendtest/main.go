// sendtest drives synthetic log and metric batches through the adaptive
// sender against a running receiver, reporting throughput and latency. It
// doubles as a live check of the HTTP/3 fallback: run it, block UDP 8443,
// and watch the fallback counter move.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/streamgate/ingest/internal/core"
	"github.com/streamgate/ingest/internal/sender"
)

type stats struct {
	sent   atomic.Uint64
	failed atomic.Uint64

	mu        sync.Mutex
	latencies []time.Duration
}

func main() {
	endpoint := flag.String("endpoint", "https://127.0.0.1:8443", "Receiver base URL")
	apiKey := flag.String("api-key", "", "API key credential")
	batches := flag.Int("batches", 1000, "Number of batches to send")
	batchSize := flag.Int("batch-size", 50, "Events per batch")
	concurrency := flag.Int("concurrency", 10, "Concurrent senders")
	metrics := flag.Bool("metrics", false, "Send metric batches instead of logs")
	insecure := flag.Bool("insecure", false, "Skip TLS verification (test certs)")
	flag.Parse()

	slog.Info("🚀 Starting ingest load test",
		"endpoint", *endpoint, "batches", *batches, "batch_size", *batchSize, "concurrency", *concurrency)

	var tlsConf *tls.Config
	if *insecure {
		tlsConf = &tls.Config{InsecureSkipVerify: true}
	}
	snd := sender.New(sender.Config{
		Endpoint: *endpoint,
		APIKey:   *apiKey,
		TLS:      tlsConf,
	})
	defer snd.Close()

	st := &stats{}
	jobs := make(chan int, *batches)
	for i := 0; i < *batches; i++ {
		jobs <- i
	}
	close(jobs)

	ctx := context.Background()
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				began := time.Now()
				var err error
				if *metrics {
					err = snd.SendMetrics(ctx, metricBatch(*batchSize))
				} else {
					err = snd.SendLogs(ctx, "sendtest", logBatch(*batchSize))
				}
				if err != nil {
					st.failed.Add(1)
					slog.Warn("Batch failed", "error", err)
					continue
				}
				st.sent.Add(1)
				st.mu.Lock()
				st.latencies = append(st.latencies, time.Since(began))
				st.mu.Unlock()
			}
		}()
	}
	wg.Wait()

	printResults(st, time.Since(start), *batchSize)
}

func logBatch(n int) []core.LogEvent {
	levels := []string{"DEBUG", "INFO", "INFO", "INFO", "WARN", "ERROR"}
	events := make([]core.LogEvent, n)
	for i := range events {
		events[i] = core.LogEvent{
			Timestamp: time.Now().UTC(),
			Level:     levels[rand.Intn(len(levels))],
			Message:   fmt.Sprintf("synthetic event %s", uuid.NewString()),
			Service:   "sendtest",
			Host:      "loadgen-1",
			Labels:    map[string]string{"run": "sendtest"},
		}
	}
	return events
}

func metricBatch(n int) []core.MetricSample {
	samples := make([]core.MetricSample, n)
	for i := range samples {
		samples[i] = core.MetricSample{
			Name:      "sendtest_requests_total",
			Kind:      core.MetricCounter,
			Value:     float64(rand.Intn(1000)),
			Labels:    map[string]string{"job": "sendtest", "instance": "loadgen-1"},
			Timestamp: core.MetricTime{Time: time.Now().UTC()},
		}
	}
	return samples
}

func printResults(st *stats, elapsed time.Duration, batchSize int) {
	sent := st.sent.Load()
	failed := st.failed.Load()

	st.mu.Lock()
	lats := append([]time.Duration(nil), st.latencies...)
	st.mu.Unlock()
	sort.Slice(lats, func(i, j int) bool { return lats[i] < lats[j] })

	fmt.Println("\n=== Results ===")
	fmt.Printf("Batches sent:    %d (%d failed)\n", sent, failed)
	fmt.Printf("Records/second:  %.0f\n", float64(sent)*float64(batchSize)/elapsed.Seconds())
	if len(lats) > 0 {
		fmt.Printf("Latency p50:     %s\n", lats[len(lats)/2])
		fmt.Printf("Latency p95:     %s\n", lats[len(lats)*95/100])
		fmt.Printf("Latency max:     %s\n", lats[len(lats)-1])
	}
}
