// Package receiver implements the ingest front-ends: the HTTP/3 + HTTP/1.1
// API for JSON batches and the per-source UDP syslog listeners. Every
// accepted record is durably appended to the stream queue before the
// producer sees success.
package receiver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go/http3"

	"github.com/streamgate/ingest/internal/admission"
	"github.com/streamgate/ingest/internal/auth"
	"github.com/streamgate/ingest/internal/config"
	"github.com/streamgate/ingest/internal/health"
	"github.com/streamgate/ingest/internal/queue"
	"github.com/streamgate/ingest/internal/ratelimit"
	"github.com/streamgate/ingest/internal/telemetry"
)

// enqueueGateSize bounds in-flight enqueue work; beyond it the receiver
// sheds with 503 instead of buffering unbounded.
const enqueueGateSize = 512

// Server terminates the ingest API over both protocols.
type Server struct {
	cfg     *config.Config
	broker  queue.Broker
	authn   *auth.Authenticator
	limiter *ratelimit.Limiter
	rules   *admission.RuleSet
	met     *telemetry.Metrics
	checker *health.Checker

	router      *mux.Router
	enqueueGate chan struct{}

	h1 *http.Server
	h3 *http3.Server
}

// NewServer wires the receiver dependencies and builds the route table.
func NewServer(cfg *config.Config, broker queue.Broker, authn *auth.Authenticator,
	limiter *ratelimit.Limiter, rules *admission.RuleSet, met *telemetry.Metrics,
	checker *health.Checker) *Server {

	s := &Server{
		cfg:         cfg,
		broker:      broker,
		authn:       authn,
		limiter:     limiter,
		rules:       rules,
		met:         met,
		checker:     checker,
		enqueueGate: make(chan struct{}, enqueueGateSize),
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/logs", s.handleLogs).Methods("POST")
	api.HandleFunc("/metrics", s.handleMetrics).Methods("POST")

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	s.router = r
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until the context is cancelled, then shuts down within the
// configured deadline. With TLS material configured the API is served over
// both HTTP/1.1+2 (TCP) and HTTP/3 (QUIC) on the same address; without it
// only plaintext HTTP/1.1 is available, for development.
func (s *Server) Run(ctx context.Context) error {
	tlsConf, err := s.tlsConfig()
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	s.h1 = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		TLSConfig:    tlsConf,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		if tlsConf != nil {
			slog.Info("HTTP/1.1 receiver listening", "addr", s.cfg.ListenAddr, "tls", true)
			err = s.h1.ListenAndServeTLS("", "")
		} else {
			slog.Warn("No TLS material configured; serving plaintext HTTP/1.1 only")
			err = s.h1.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if tlsConf != nil {
		s.h3 = &http3.Server{
			Addr:      s.cfg.ListenAddr,
			Handler:   s.router,
			TLSConfig: tlsConf,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("HTTP/3 receiver listening", "addr", s.cfg.ListenAddr)
			if err := s.h3.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http3 server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownDeadline)
	defer cancel()
	if err := s.h1.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown error", "error", err)
	}
	if s.h3 != nil {
		if err := s.h3.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP/3 server shutdown error", "error", err)
		}
	}
	wg.Wait()
	return nil
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	if s.cfg.TLSCert == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("load TLS keypair: %w", err)
	}
	conf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"h3", "h2", "http/1.1"},
	}
	if s.cfg.TLSCA != "" {
		pem, err := os.ReadFile(s.cfg.TLSCA)
		if err != nil {
			return nil, fmt.Errorf("read client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("client CA %s contains no certificates", s.cfg.TLSCA)
		}
		conf.ClientCAs = pool
		// Certificates stay optional at the TLS layer; API key and bearer
		// clients share the listener with mTLS clients.
		conf.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return conf, nil
}
