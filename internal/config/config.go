// Package config loads pipeline configuration from the environment. A
// .env file is honoured for local development (godotenv); production
// deployments inject real environment variables.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/streamgate/ingest/internal/core"
)

// Config holds every recognised option.
type Config struct {
	ListenAddr string // HTTP/1.1 + HTTP/3 bind address
	OpsAddr    string // workerd metrics and health bind address

	QueueURL         string
	LogStream        string
	MetricStream     string
	DeadLetterStream string
	LogGroup         string
	MetricGroup      string
	StreamMaxLen     int64

	BatchSize       int
	BatchMaxAge     time.Duration
	ReadBlock       time.Duration
	ReclaimIdle     time.Duration
	ReclaimInterval time.Duration

	SinkLogURL       string
	SinkMetricURL    string
	SinkLogIndex     string
	SinkTimeout      time.Duration
	SinkRetryMax     int
	SinkRetryBackoff time.Duration

	TierLimits map[core.Tier]int // requests/min; 0 means unlimited

	SyslogPortLow  int
	SyslogPortHigh int

	TLSCert string
	TLSKey  string
	TLSCA   string

	// TrustedProxies lists edge proxy networks whose X-Forwarded-For header
	// identifies the real client. Empty means the header is never trusted.
	TrustedProxies []*net.IPNet

	ShutdownDeadline time.Duration

	CatalogDSN  string // postgres DSN of the external source catalogue
	SourcesFile string // static YAML fallback for dev/test
	CacheTTL    time.Duration
}

// Load reads the environment (plus .env if present) and validates the
// result. A returned error is a fatal configuration error (exit code 1).
func Load() (*Config, error) {
	_ = godotenv.Load() // missing .env is fine

	cfg := &Config{
		ListenAddr:       envStr("LISTEN_ADDR", ":8443"),
		OpsAddr:          envStr("OPS_ADDR", ":9100"),
		QueueURL:         envStr("QUEUE_URL", "redis://127.0.0.1:6379/0"),
		LogStream:        envStr("LOG_STREAM", "logs:raw"),
		MetricStream:     envStr("METRIC_STREAM", "metrics:raw"),
		DeadLetterStream: envStr("DEAD_LETTER_STREAM", "logs:dead"),
		LogGroup:         envStr("LOG_GROUP", "log-workers"),
		MetricGroup:      envStr("METRIC_GROUP", "metric-workers"),
		SinkLogURL:       envStr("SINK_LOG_URL", "http://127.0.0.1:9200"),
		SinkMetricURL:    envStr("SINK_METRIC_URL", "http://127.0.0.1:9091"),
		SinkLogIndex:     envStr("SINK_LOG_INDEX", "logs-ingest"),
		TLSCert:          os.Getenv("TLS_CERT"),
		TLSKey:           os.Getenv("TLS_KEY"),
		TLSCA:            os.Getenv("TLS_CA"),
		CatalogDSN:       os.Getenv("CATALOG_URL"),
		SourcesFile:      os.Getenv("SOURCES_FILE"),
	}

	var err error
	if cfg.StreamMaxLen, err = envInt64("STREAM_MAXLEN", 1_000_000); err != nil {
		return nil, err
	}
	if cfg.BatchSize, err = envInt("BATCH_SIZE", 100); err != nil {
		return nil, err
	}
	if cfg.BatchMaxAge, err = envMillis("BATCH_MAX_AGE_MS", 2000); err != nil {
		return nil, err
	}
	if cfg.ReadBlock, err = envMillis("READ_BLOCK_MS", 2000); err != nil {
		return nil, err
	}
	if cfg.ReclaimIdle, err = envMillis("RECLAIM_IDLE_MS", 60000); err != nil {
		return nil, err
	}
	if cfg.ReclaimInterval, err = envMillis("RECLAIM_INTERVAL_MS", 15000); err != nil {
		return nil, err
	}
	if cfg.SinkTimeout, err = envMillis("SINK_TIMEOUT_MS", 30000); err != nil {
		return nil, err
	}
	if cfg.SinkRetryMax, err = envInt("SINK_RETRY_MAX", 3); err != nil {
		return nil, err
	}
	if cfg.SinkRetryBackoff, err = envMillis("SINK_RETRY_BACKOFF_MS", 500); err != nil {
		return nil, err
	}
	if cfg.ShutdownDeadline, err = envMillis("SHUTDOWN_DEADLINE_MS", 30000); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = envMillis("SOURCE_CACHE_TTL_MS", 30000); err != nil {
		return nil, err
	}

	if cfg.SyslogPortLow, cfg.SyslogPortHigh, err = parsePortRange(envStr("SYSLOG_PORT_RANGE", "10000-11000")); err != nil {
		return nil, err
	}

	if cfg.TierLimits, err = parseTierLimits(); err != nil {
		return nil, err
	}

	if cfg.TrustedProxies, err = parseTrustedProxies(os.Getenv("TRUSTED_PROXIES")); err != nil {
		return nil, err
	}

	// The reclaim threshold has to clear a live consumer's flush period,
	// otherwise workers steal each other's in-flight batches.
	if cfg.ReclaimIdle < 2*cfg.BatchMaxAge {
		return nil, fmt.Errorf("RECLAIM_IDLE_MS (%s) must be at least twice BATCH_MAX_AGE_MS (%s)", cfg.ReclaimIdle, cfg.BatchMaxAge)
	}

	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("TLS_CERT and TLS_KEY must be set together")
	}

	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envMillis(key string, defMs int64) (time.Duration, error) {
	n, err := envInt64(key, defMs)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}

func parsePortRange(s string) (low, high int, err error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("SYSLOG_PORT_RANGE %q: expected LOW-HIGH", s)
	}
	if low, err = strconv.Atoi(strings.TrimSpace(parts[0])); err != nil {
		return 0, 0, fmt.Errorf("SYSLOG_PORT_RANGE: %w", err)
	}
	if high, err = strconv.Atoi(strings.TrimSpace(parts[1])); err != nil {
		return 0, 0, fmt.Errorf("SYSLOG_PORT_RANGE: %w", err)
	}
	if low <= 0 || high < low {
		return 0, 0, fmt.Errorf("SYSLOG_PORT_RANGE %q: invalid range", s)
	}
	return low, high, nil
}

// parseTierLimits reads RATE_TIER_* overrides of the form "100/min" or
// "unlimited".
func parseTierLimits() (map[core.Tier]int, error) {
	limits := map[core.Tier]int{}
	for tier, key := range map[core.Tier]string{
		core.TierCommunity:    "RATE_TIER_COMMUNITY",
		core.TierProfessional: "RATE_TIER_PROFESSIONAL",
		core.TierEnterprise:   "RATE_TIER_ENTERPRISE",
	} {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		if strings.EqualFold(v, "unlimited") {
			limits[tier] = 0
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(v, "/min"))
		if err != nil {
			return nil, fmt.Errorf("%s %q: expected N/min or unlimited", key, v)
		}
		limits[tier] = n
	}
	return limits, nil
}

// parseTrustedProxies reads a comma-separated list of CIDRs; bare addresses
// are accepted as /32 (or /128 for IPv6).
func parseTrustedProxies(s string) ([]*net.IPNet, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var nets []*net.IPNet
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "/") {
			ip := net.ParseIP(part)
			if ip == nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES %q: invalid address", part)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			part = fmt.Sprintf("%s/%d", part, bits)
		}
		_, ipnet, err := net.ParseCIDR(part)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}
		nets = append(nets, ipnet)
	}
	return nets, nil
}

// SyslogPorts enumerates the configured syslog port range for the admission
// filter's allowed-port list.
func (c *Config) SyslogPorts() []int {
	ports := make([]int, 0, c.SyslogPortHigh-c.SyslogPortLow+1)
	for p := c.SyslogPortLow; p <= c.SyslogPortHigh; p++ {
		ports = append(ports, p)
	}
	return ports
}
