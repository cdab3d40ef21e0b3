// Package sender is the client side of the ingest API: it ships log and
// metric batches preferring HTTP/3 and degrades to HTTP/1.1 when QUIC is
// blocked on the path. The protocol choice is sticky with a periodic
// promotion probe, so a UDP-hostile network costs one failed dial rather
// than one per batch.
package sender

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/streamgate/ingest/internal/core"
	"github.com/streamgate/ingest/internal/telemetry"
)

// Defaults for optional Config fields.
const (
	defaultTimeout      = 15 * time.Second
	defaultRetryMax     = 3
	defaultRetryBackoff = 500 * time.Millisecond
	defaultPromoteAfter = 5 * time.Minute
	defaultBufferSize   = 1024
)

// Config describes one sender.
type Config struct {
	Endpoint string // base URL, e.g. https://ingest.example.com:8443
	APIKey   string
	Bearer   string

	Timeout      time.Duration
	RetryMax     int
	RetryBackoff time.Duration
	PromoteAfter time.Duration // H3 re-probe cooldown after a fallback
	BufferSize   int           // async queue capacity
	Gzip         bool

	TLS     *tls.Config
	Metrics *telemetry.Metrics // optional
}

func (c *Config) fillDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.RetryMax <= 0 {
		c.RetryMax = defaultRetryMax
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.PromoteAfter <= 0 {
		c.PromoteAfter = defaultPromoteAfter
	}
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
}

// Sender posts batches to the ingest API. Safe for concurrent use.
type Sender struct {
	cfg Config

	h3 *http.Client
	h1 *http.Client

	mu           sync.Mutex
	useH3        bool
	lastFallback time.Time

	jobs   chan job
	closed chan struct{}
	once   sync.Once
}

type job struct {
	path    string
	payload []byte
}

// New builds a sender. Close releases the HTTP/3 transport.
func New(cfg Config) *Sender {
	cfg.fillDefaults()
	h3Transport := &http3.Transport{TLSClientConfig: cfg.TLS}
	return &Sender{
		cfg:    cfg,
		h3:     &http.Client{Transport: h3Transport, Timeout: cfg.Timeout},
		h1:     &http.Client{Transport: &http.Transport{TLSClientConfig: cfg.TLS}, Timeout: cfg.Timeout},
		useH3:  true,
		jobs:   make(chan job, cfg.BufferSize),
		closed: make(chan struct{}),
	}
}

// SendLogs posts one log batch and blocks until it is acknowledged or
// permanently rejected.
func (s *Sender) SendLogs(ctx context.Context, application string, events []core.LogEvent) error {
	body, err := json.Marshal(struct {
		Application string          `json:"application,omitempty"`
		Logs        []core.LogEvent `json:"logs"`
	}{Application: application, Logs: events})
	if err != nil {
		return fmt.Errorf("encode log batch: %w", err)
	}
	return s.post(ctx, "/api/v1/logs", body)
}

// SendMetrics posts one metric batch.
func (s *Sender) SendMetrics(ctx context.Context, samples []core.MetricSample) error {
	body, err := json.Marshal(struct {
		Metrics []core.MetricSample `json:"metrics"`
	}{Metrics: samples})
	if err != nil {
		return fmt.Errorf("encode metric batch: %w", err)
	}
	return s.post(ctx, "/api/v1/metrics", body)
}

// EnqueueLogs hands a batch to the async queue. When the queue is full the
// batch is dropped and counted; callers needing delivery guarantees use
// SendLogs instead.
func (s *Sender) EnqueueLogs(application string, events []core.LogEvent) bool {
	body, err := json.Marshal(struct {
		Application string          `json:"application,omitempty"`
		Logs        []core.LogEvent `json:"logs"`
	}{Application: application, Logs: events})
	if err != nil {
		return false
	}
	return s.offer(job{path: "/api/v1/logs", payload: body})
}

// EnqueueMetrics hands a batch to the async queue.
func (s *Sender) EnqueueMetrics(samples []core.MetricSample) bool {
	body, err := json.Marshal(struct {
		Metrics []core.MetricSample `json:"metrics"`
	}{Metrics: samples})
	if err != nil {
		return false
	}
	return s.offer(job{path: "/api/v1/metrics", payload: body})
}

func (s *Sender) offer(j job) bool {
	select {
	case s.jobs <- j:
		return true
	default:
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.SenderDropped.Inc()
		}
		return false
	}
}

// Run drains the async queue until the context is cancelled. Failed batches
// are logged and dropped after the retry budget; the queue never grows past
// its configured capacity.
func (s *Sender) Run(ctx context.Context) {
	for {
		select {
		case j := <-s.jobs:
			sendCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout*time.Duration(s.cfg.RetryMax+1))
			if err := s.post(sendCtx, j.path, j.payload); err != nil {
				slog.Warn("Async batch dropped", "path", j.path, "error", err)
				if s.cfg.Metrics != nil {
					s.cfg.Metrics.SenderDropped.Inc()
				}
			}
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// post delivers one payload with protocol adaptation and per-protocol
// retries. A 4xx response is permanent and ends the attempt immediately.
func (s *Sender) post(ctx context.Context, path string, payload []byte) error {
	backoff := s.cfg.RetryBackoff
	var lastErr error

	for attempt := 0; attempt <= s.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}

		h3 := s.pickProtocol()
		err := s.attempt(ctx, h3, path, payload)
		if err == nil {
			if h3 {
				s.confirmH3()
			}
			return nil
		}
		var pe *permanentError
		if errors.As(err, &pe) {
			return err
		}

		if h3 && protocolUnavailable(err) {
			s.fallback(err)
			// The request never reached the server; retry over TCP right
			// away without burning the backoff budget.
			if err := s.attempt(ctx, false, path, payload); err == nil {
				return nil
			} else if errors.As(err, &pe) {
				return err
			} else {
				lastErr = err
			}
			continue
		}
		lastErr = err
	}
	return fmt.Errorf("send %s: %w", path, lastErr)
}

func (s *Sender) attempt(ctx context.Context, h3 bool, path string, payload []byte) error {
	body := payload
	encoding := ""
	if s.cfg.Gzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err == nil && zw.Close() == nil {
			body = buf.Bytes()
			encoding = "gzip"
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	if s.cfg.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Bearer)
	} else if s.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", s.cfg.APIKey)
	}

	client := s.h1
	if h3 {
		client = s.h3
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return &permanentError{status: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	default:
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}

// pickProtocol returns true for HTTP/3, probing a promotion once the
// cooldown since the last fallback has elapsed.
func (s *Sender) pickProtocol() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.useH3 {
		return true
	}
	if time.Since(s.lastFallback) >= s.cfg.PromoteAfter {
		// One probe per cooldown window. Reset the clock so concurrent
		// senders do not all probe at once.
		s.lastFallback = time.Now()
		return true
	}
	return false
}

func (s *Sender) confirmH3() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.useH3 {
		s.useH3 = true
		slog.Info("HTTP/3 restored, promoting")
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.SenderPromotions.Inc()
		}
	}
}

func (s *Sender) fallback(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.useH3 {
		s.useH3 = false
		slog.Warn("HTTP/3 unavailable, falling back to HTTP/1.1", "error", cause)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.SenderFallbacks.Inc()
		}
	}
	s.lastFallback = time.Now()
}

// Close shuts down the HTTP/3 transport.
func (s *Sender) Close() error {
	s.once.Do(func() { close(s.closed) })
	if t, ok := s.h3.Transport.(*http3.Transport); ok {
		return t.Close()
	}
	return nil
}

type permanentError struct {
	status int
	body   string
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("rejected with %d: %s", e.status, e.body)
}

// protocolUnavailable classifies errors that mean QUIC itself cannot get
// through, as opposed to the server being unhappy. These justify switching
// transports rather than retrying on the same one.
func protocolUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var appErr *quic.ApplicationError
	var transportErr *quic.TransportError
	var idleErr *quic.IdleTimeoutError
	var handshakeErr *quic.HandshakeTimeoutError
	if errors.As(err, &appErr) || errors.As(err, &transportErr) ||
		errors.As(err, &idleErr) || errors.As(err, &handshakeErr) {
		return true
	}
	// http3 wraps some dial failures in plain errors.
	msg := err.Error()
	return strings.Contains(msg, "QUIC") || strings.Contains(msg, "quic:") ||
		strings.Contains(msg, "connection refused")
}
