// workerd runs the consumer tier: one log worker delivering to the search
// sink and one metric worker delivering to the push gateway, competing in
// their consumer groups with any other workerd replicas.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamgate/ingest/internal/config"
	"github.com/streamgate/ingest/internal/health"
	"github.com/streamgate/ingest/internal/queue"
	"github.com/streamgate/ingest/internal/sink"
	"github.com/streamgate/ingest/internal/telemetry"
	"github.com/streamgate/ingest/internal/worker"
)

func main() {
	log.Println("⚙️  Starting workerd (consumer tier)...")

	cfg, err := config.Load()
	if err != nil {
		log.Printf("Configuration error: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	met := telemetry.NewMetrics()

	broker, err := queue.NewRedisBroker(cfg.QueueURL)
	if err != nil {
		log.Printf("Queue connection failed: %v", err)
		os.Exit(2)
	}
	defer broker.Close()
	broker.OnTrimmedUnacked = func(n int) { met.TrimmedUnacked.Add(float64(n)) }

	instance := uuid.NewString()[:8]

	logSink := sink.NewLogSink(cfg.SinkLogURL, cfg.SinkLogIndex, cfg.SinkTimeout)
	metricSink := sink.NewMetricSink(cfg.SinkMetricURL, cfg.SinkTimeout)

	logWorker := worker.New(broker, worker.NewLogHandler(logSink),
		workerConfig(cfg, cfg.LogStream, cfg.LogGroup, "log-"+instance), met)

	metricWorker := worker.New(broker, worker.NewMetricHandler(metricSink),
		workerConfig(cfg, cfg.MetricStream, cfg.MetricGroup, "metric-"+instance), met)

	checker := health.NewChecker()
	checker.Register("queue", broker.Ping)
	checker.Register("log_sink", logSink.Ping)
	checker.Register("metric_sink", metricSink.Ping)
	go serveOps(ctx, cfg.OpsAddr, checker)

	var wg sync.WaitGroup
	for _, w := range []*worker.Worker{logWorker, metricWorker} {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				log.Printf("Worker failed: %v", err)
				stop()
			}
		}(w)
	}

	<-ctx.Done()
	log.Println("Shutdown signal received, draining workers...")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("workerd stopped cleanly")
	case <-time.After(cfg.ShutdownDeadline):
		log.Println("Drain deadline exceeded, exiting; unacked records will be reclaimed")
		os.Exit(2)
	}
}

// serveOps exposes prometheus metrics and component health for the
// consumer tier on a plain HTTP listener.
func serveOps(ctx context.Context, addr string, checker *health.Checker) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		report := checker.Check(r.Context())
		code := http.StatusOK
		if !report.Healthy() {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(report)
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("Ops listener failed: %v", err)
	}
}

func workerConfig(cfg *config.Config, stream, group, consumer string) worker.Config {
	return worker.Config{
		Stream:           stream,
		Group:            group,
		Consumer:         consumer,
		DeadLetterStream: cfg.DeadLetterStream,
		BatchSize:        cfg.BatchSize,
		BatchMaxAge:      cfg.BatchMaxAge,
		ReadBlock:        cfg.ReadBlock,
		ReclaimIdle:      cfg.ReclaimIdle,
		ReclaimInterval:  cfg.ReclaimInterval,
		RetryMax:         cfg.SinkRetryMax,
		RetryBackoff:     cfg.SinkRetryBackoff,
		MaxLen:           cfg.StreamMaxLen,
	}
}
