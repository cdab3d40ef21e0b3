package receiver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/streamgate/ingest/internal/admission"
	"github.com/streamgate/ingest/internal/auth"
	"github.com/streamgate/ingest/internal/catalog"
	"github.com/streamgate/ingest/internal/config"
	"github.com/streamgate/ingest/internal/queue"
	"github.com/streamgate/ingest/internal/ratelimit"
	syslogparse "github.com/streamgate/ingest/internal/syslog"
	"github.com/streamgate/ingest/internal/telemetry"
)

// maxDatagram covers the largest syslog payload worth accepting. RFC5424
// recommends 2KB; some forwarders send more, so the buffer is generous.
const maxDatagram = 64 * 1024

// reconcileInterval paces the listener/catalogue reconciliation loop.
const reconcileInterval = 30 * time.Second

// SyslogBinder keeps one UDP listener open per syslog-enabled source and
// reconciles the set against the catalogue. Each datagram is parsed,
// normalised and appended to the log stream.
type SyslogBinder struct {
	cfg      *config.Config
	broker   queue.Broker
	resolver catalog.Resolver
	authn    *auth.Authenticator
	limiter  *ratelimit.Limiter
	rules    *admission.RuleSet
	met      *telemetry.Metrics
	parser   *syslogparse.Parser
	logger   *log.Logger

	mu        sync.Mutex
	listeners map[int]*portListener
	wg        sync.WaitGroup
}

type portListener struct {
	port     int
	sourceID string
	conn     *net.UDPConn
}

// NewSyslogBinder builds a binder; Run starts the listeners.
func NewSyslogBinder(cfg *config.Config, broker queue.Broker, resolver catalog.Resolver,
	authn *auth.Authenticator, limiter *ratelimit.Limiter, rules *admission.RuleSet,
	met *telemetry.Metrics) *SyslogBinder {

	return &SyslogBinder{
		cfg:       cfg,
		broker:    broker,
		resolver:  resolver,
		authn:     authn,
		limiter:   limiter,
		rules:     rules,
		met:       met,
		parser:    syslogparse.NewParser(),
		logger:    log.New(log.Writer(), "[SYSLOG] ", log.LstdFlags),
		listeners: make(map[int]*portListener),
	}
}

// Run reconciles listeners against the catalogue until the context is
// cancelled, then closes every socket and waits for the read loops.
func (b *SyslogBinder) Run(ctx context.Context) error {
	b.reconcile(ctx)

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.reconcile(ctx)
		case <-ctx.Done():
			b.closeAll()
			b.wg.Wait()
			return nil
		}
	}
}

// reconcile opens listeners for newly assigned ports and closes listeners
// whose source lost its assignment. Catalogue outages leave the current
// set untouched.
func (b *SyslogBinder) reconcile(ctx context.Context) {
	sources, err := b.resolver.SyslogSources(ctx)
	if err != nil {
		b.logger.Printf("Catalogue lookup failed, keeping current listeners: %v", err)
		return
	}

	want := make(map[int]string, len(sources))
	for _, src := range sources {
		port := src.SyslogPort
		if port < b.cfg.SyslogPortLow || port > b.cfg.SyslogPortHigh {
			b.logger.Printf("Source %s requests port %d outside range %d-%d, skipping",
				src.ID, port, b.cfg.SyslogPortLow, b.cfg.SyslogPortHigh)
			continue
		}
		want[port] = src.ID
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for port, pl := range b.listeners {
		if _, ok := want[port]; !ok {
			b.logger.Printf("Closing listener on :%d (source %s unassigned)", port, pl.sourceID)
			pl.conn.Close()
			delete(b.listeners, port)
		}
	}

	for port, sourceID := range want {
		if pl, ok := b.listeners[port]; ok {
			pl.sourceID = sourceID
			continue
		}
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err != nil {
			b.logger.Printf("Cannot bind :%d for source %s: %v", port, sourceID, err)
			continue
		}
		pl := &portListener{port: port, sourceID: sourceID, conn: conn}
		b.listeners[port] = pl
		b.logger.Printf("Listening on :%d for source %s", port, sourceID)

		b.wg.Add(1)
		go b.serve(ctx, pl)
	}
}

func (b *SyslogBinder) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for port, pl := range b.listeners {
		pl.conn.Close()
		delete(b.listeners, port)
	}
}

// serve reads datagrams until the socket is closed by reconcile or shutdown.
func (b *SyslogBinder) serve(ctx context.Context, pl *portListener) {
	defer b.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := pl.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				b.logger.Printf("Read error on :%d: %v", pl.port, err)
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		b.handleDatagram(ctx, pl.port, addr.IP, data)
	}
}

// handleDatagram runs one datagram through admission, source resolution,
// parsing and enqueue. Failures are counted and dropped; UDP has nobody to
// answer to.
func (b *SyslogBinder) handleDatagram(ctx context.Context, port int, client net.IP, data []byte) {
	if !b.rules.Passthrough() && !b.rules.Check(client, port, true) {
		b.met.SyslogDatagrams.WithLabelValues(strconv.Itoa(port), "denied").Inc()
		return
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	src, err := b.authn.AuthenticateUDP(lookupCtx, port, client)
	cancel()
	if err != nil {
		b.met.SyslogDatagrams.WithLabelValues(strconv.Itoa(port), "denied").Inc()
		return
	}

	// Same per-(source, kind) buckets as the HTTP path; a throttled
	// datagram is dropped and counted, UDP has nobody to answer to.
	if verdict := b.limiter.Allow(src, ratelimit.KindLogs); !verdict.Allowed {
		b.met.Throttled.WithLabelValues("syslog").Inc()
		b.met.SyslogDatagrams.WithLabelValues(src.ID, "throttled").Inc()
		return
	}

	ev, err := b.parser.Parse(data)
	if err != nil {
		b.met.SyslogDatagrams.WithLabelValues(src.ID, "parse_error").Inc()
		return
	}
	if ev.Service == "" {
		ev.Service = src.Name
	}
	if err := ev.Validate(); err != nil {
		b.met.SyslogDatagrams.WithLabelValues(src.ID, "parse_error").Inc()
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		b.met.SyslogDatagrams.WithLabelValues(src.ID, "parse_error").Inc()
		return
	}

	_, err = b.broker.Append(ctx, b.cfg.LogStream, queue.Record{
		SourceID:   src.ID,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}, b.cfg.StreamMaxLen)
	if err != nil {
		b.logger.Printf("Enqueue failed for source %s: %v", src.ID, err)
		b.met.SyslogDatagrams.WithLabelValues(src.ID, "enqueue_error").Inc()
		return
	}

	b.met.SyslogDatagrams.WithLabelValues(src.ID, "ok").Inc()
	b.met.RecordsEnqueued.WithLabelValues(b.cfg.LogStream).Inc()
}
