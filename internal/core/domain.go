package core

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Tier is the rate class assigned to a source.
type Tier string

const (
	TierCommunity    Tier = "community"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// Limit returns the per-minute request budget for the tier.
// unlimited is true for the enterprise tier.
func (t Tier) Limit() (perMinute int, unlimited bool) {
	switch t {
	case TierProfessional:
		return 1000, false
	case TierEnterprise:
		return 0, true
	default:
		return 100, false
	}
}

// Source is a registered producer identity. Source records are owned by the
// external catalogue; the receiver tier holds them in a short-TTL cache.
type Source struct {
	ID             string    `json:"id" yaml:"id"`
	Name           string    `json:"name" yaml:"name"`
	APIKeys        []string  `json:"api_keys,omitempty" yaml:"api_keys"`
	BearerTokens   []string  `json:"bearer_tokens,omitempty" yaml:"bearer_tokens"`
	TLSSubject     string    `json:"tls_subject,omitempty" yaml:"tls_subject"`
	AllowedClients []string  `json:"allowed_clients,omitempty" yaml:"allowed_clients"` // IPs or CIDR prefixes
	SyslogPort     int       `json:"syslog_port,omitempty" yaml:"syslog_port"`
	Enabled        bool      `json:"enabled" yaml:"enabled"`
	Tier           Tier      `json:"tier" yaml:"tier"`
	CreatedAt      time.Time `json:"created_at,omitempty" yaml:"-"`
	LastSeen       time.Time `json:"last_seen,omitempty" yaml:"-"`
}

// ClientAllowed reports whether the given client address matches the source's
// allow-list. An empty allow-list admits any client.
func (s *Source) ClientAllowed(ip net.IP) bool {
	if len(s.AllowedClients) == 0 {
		return true
	}
	for _, entry := range s.AllowedClients {
		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err == nil && network.Contains(ip) {
				return true
			}
			continue
		}
		if allowed := net.ParseIP(entry); allowed != nil && allowed.Equal(ip) {
			return true
		}
	}
	return false
}

// Log levels accepted on ingest and emitted after normalisation.
const (
	LevelTrace = "TRACE"
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
	LevelFatal = "FATAL"
)

// SchemaVersion tags every normalised document so downstream consumers can
// evolve independently of producers.
const SchemaVersion = "1"

var validLevels = map[string]bool{
	LevelTrace: true, LevelDebug: true, LevelInfo: true,
	LevelWarn: true, LevelError: true, LevelFatal: true,
}

var levelAliases = map[string]string{
	"WARNING": LevelWarn,
	"ERR":     LevelError, "CRITICAL": LevelFatal, "CRIT": LevelFatal,
	"ALERT": LevelFatal, "EMERG": LevelFatal, "EMERGENCY": LevelFatal,
	"PANIC": LevelFatal, "NOTICE": LevelInfo,
}

// NormalizeLevel maps a free-form level string onto the closed level set.
// Unknown levels normalise to INFO.
func NormalizeLevel(level string) string {
	up := strings.ToUpper(strings.TrimSpace(level))
	if alias, ok := levelAliases[up]; ok {
		return alias
	}
	if validLevels[up] {
		return up
	}
	return LevelInfo
}

func recognizedLevel(level string) bool {
	up := strings.ToUpper(strings.TrimSpace(level))
	if validLevels[up] {
		return true
	}
	_, ok := levelAliases[up]
	return ok
}

// LogEvent is a single log record as accepted by the HTTP receiver.
type LogEvent struct {
	Timestamp     time.Time         `json:"timestamp"`
	Level         string            `json:"log_level"`
	Message       string            `json:"message"`
	Service       string            `json:"service_name"`
	Host          string            `json:"host,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	TraceID       string            `json:"trace_id,omitempty"`
	SpanID        string            `json:"span_id,omitempty"`
	TransactionID string            `json:"transaction_id,omitempty"`
	SchemaVersion string            `json:"schema_version,omitempty"`
}

// MaxLabelCardinality is the soft cap on labels per record. Batches carrying
// more are rejected at the receiver before they can pollute the sinks.
const MaxLabelCardinality = 64

// Validate checks the event against the ingest schema. The whole batch is
// rejected on the first violation.
func (e *LogEvent) Validate() error {
	if e.Timestamp.IsZero() {
		return Errorf(KindInvalidInput, "log event missing timestamp")
	}
	if e.Message == "" {
		return Errorf(KindInvalidInput, "log event missing message")
	}
	if e.Level != "" && !recognizedLevel(e.Level) {
		return Errorf(KindInvalidInput, "unknown log level %q", e.Level)
	}
	if len(e.Labels) > MaxLabelCardinality {
		return Errorf(KindInvalidInput, "too many labels (%d > %d)", len(e.Labels), MaxLabelCardinality)
	}
	return nil
}

// Metric kinds.
const (
	MetricCounter   = "counter"
	MetricGauge     = "gauge"
	MetricHistogram = "histogram"
	MetricSummary   = "summary"
)

var metricNameRe = regexp.MustCompile(`^[A-Za-z_:][A-Za-z0-9_:]*$`)

// MetricSample is a single metric observation as accepted by the HTTP receiver.
type MetricSample struct {
	Name      string             `json:"name"`
	Kind      string             `json:"type"`
	Value     float64            `json:"value"`
	Buckets   map[string]float64 `json:"buckets,omitempty"` // histogram boundary -> count
	Labels    map[string]string  `json:"labels,omitempty"`
	Timestamp MetricTime         `json:"timestamp"`
	Help      string             `json:"help,omitempty"`
}

// Validate checks the sample against the metric schema.
func (m *MetricSample) Validate() error {
	if !metricNameRe.MatchString(m.Name) {
		return Errorf(KindInvalidInput, "invalid metric name %q", m.Name)
	}
	switch strings.ToLower(m.Kind) {
	case MetricCounter, MetricGauge, MetricHistogram, MetricSummary:
	default:
		return Errorf(KindInvalidInput, "invalid metric type %q", m.Kind)
	}
	for k := range m.Labels {
		if !metricNameRe.MatchString(k) {
			return Errorf(KindInvalidInput, "invalid label key %q", k)
		}
	}
	if len(m.Labels) > MaxLabelCardinality {
		return Errorf(KindInvalidInput, "too many labels (%d > %d)", len(m.Labels), MaxLabelCardinality)
	}
	if m.Timestamp.IsZero() {
		return Errorf(KindInvalidInput, "metric %s missing timestamp", m.Name)
	}
	return nil
}

// MetricTime accepts either milliseconds since epoch or an RFC3339 string.
// Collectors in the wild send both.
type MetricTime struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *MetricTime) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		parsed, err := time.Parse(time.RFC3339, strings.Trim(s, `"`))
		if err != nil {
			return fmt.Errorf("parse metric timestamp: %w", err)
		}
		t.Time = parsed.UTC()
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parse metric timestamp %q: %w", s, err)
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

// MarshalJSON implements json.Marshaler. Always emits epoch milliseconds.
func (t MetricTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(fmt.Sprintf("%d", t.UnixMilli())), nil
}
