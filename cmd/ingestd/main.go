// ingestd is the receiver tier: the HTTP/3 + HTTP/1.1 batch API, the UDP
// syslog listeners and the rate limiter, all feeding the stream queue.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // Postgres driver for the source catalogue

	"github.com/streamgate/ingest/internal/admission"
	"github.com/streamgate/ingest/internal/auth"
	"github.com/streamgate/ingest/internal/catalog"
	"github.com/streamgate/ingest/internal/config"
	"github.com/streamgate/ingest/internal/health"
	"github.com/streamgate/ingest/internal/queue"
	"github.com/streamgate/ingest/internal/ratelimit"
	"github.com/streamgate/ingest/internal/receiver"
	"github.com/streamgate/ingest/internal/sink"
	"github.com/streamgate/ingest/internal/telemetry"
)

func main() {
	log.Println("🚀 Starting ingestd (receiver tier)...")

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

	// Consumer groups are created by the first process that needs them;
	// creating them here too keeps workers startable in any order.
	for _, sg := range []struct{ stream, group string }{
		{cfg.LogStream, cfg.LogGroup},
		{cfg.MetricStream, cfg.MetricGroup},
	} {
		if err := broker.EnsureGroup(ctx, sg.stream, sg.group, "0"); err != nil {
			log.Printf("Cannot ensure consumer group %s/%s: %v", sg.stream, sg.group, err)
			os.Exit(2)
		}
	}

	resolver, err := buildResolver(cfg)
	if err != nil {
		log.Printf("Catalogue error: %v", err)
		os.Exit(1)
	}
	cache := catalog.NewCache(resolver, cfg.CacheTTL)
	authn := auth.NewAuthenticator(cache)
	authn.TrustProxies(cfg.TrustedProxies)

	limiter := ratelimit.NewLimiter()
	defer limiter.Close()
	limiter.SetTierLimits(cfg.TierLimits)

	replica := "ingestd-" + uuid.NewString()[:8]
	go ratelimit.NewReplicator(limiter, broker, replica, 10*time.Second).Run(ctx)

	rules := admission.NewRuleSet(nil, nil, cfg.SyslogPortLow, cfg.SyslogPortHigh)
	go refreshRules(ctx, cfg, cache, rules)

	checker := health.NewChecker()
	checker.Register("queue", broker.Ping)
	checker.Register("auth", cache.Ping)
	checker.Register("log_sink", sink.NewLogSink(cfg.SinkLogURL, cfg.SinkLogIndex, cfg.SinkTimeout).Ping)
	checker.Register("metric_sink", sink.NewMetricSink(cfg.SinkMetricURL, cfg.SinkTimeout).Ping)

	binder := receiver.NewSyslogBinder(cfg, broker, cache, authn, limiter, rules, met)
	go func() {
		if err := binder.Run(ctx); err != nil {
			log.Printf("Syslog binder stopped: %v", err)
		}
	}()

	srv := receiver.NewServer(cfg, broker, authn, limiter, rules, met, checker)
	if err := srv.Run(ctx); err != nil {
		log.Printf("Receiver failed: %v", err)
		os.Exit(2)
	}
	log.Println("ingestd stopped cleanly")
}

// buildResolver picks the catalogue backend: relational when CATALOG_URL is
// set, otherwise the static YAML file for dev and test rigs.
func buildResolver(cfg *config.Config) (catalog.Resolver, error) {
	if cfg.CatalogDSN != "" {
		return catalog.NewPostgresResolver(cfg.CatalogDSN)
	}
	if cfg.SourcesFile != "" {
		return catalog.LoadStaticResolver(cfg.SourcesFile)
	}
	log.Println("⚠️  Neither CATALOG_URL nor SOURCES_FILE set; all credentials will be rejected")
	return catalog.NewStaticResolver(), nil
}

// refreshRules rebuilds the datagram admission rules from the catalogue's
// syslog assignments. Sources without an allow-list contribute no rule and
// rely on port binding alone, so the rule set stays in passthrough until a
// source actually restricts its clients.
func refreshRules(ctx context.Context, cfg *config.Config, resolver catalog.Resolver, rules *admission.RuleSet) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		sources, err := resolver.SyslogSources(lookupCtx)
		cancel()
		if err == nil {
			var parsed []admission.Rule
			restricted := true
			for _, src := range sources {
				if len(src.AllowedClients) == 0 {
					restricted = false
					continue
				}
				for _, entry := range src.AllowedClients {
					rule, err := admission.ParseRule(entry, src.SyslogPort)
					if err != nil {
						log.Printf("Skipping bad allow-list entry for source %s: %v", src.ID, err)
						continue
					}
					parsed = append(parsed, rule)
				}
			}
			if restricted {
				rules.Install(parsed, cfg.SyslogPorts())
			} else {
				rules.Install(nil, nil)
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
