package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/streamgate/ingest/internal/core"
)

// PostgresResolver reads source records from the external relational
// catalogue. The catalogue schema is owned by the management plane; this
// adapter only performs read-through lookups.
type PostgresResolver struct {
	db *sql.DB
}

// NewPostgresResolver opens a connection pool against the catalogue DSN.
func NewPostgresResolver(dsn string) (*PostgresResolver, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalogue: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalogue ping: %w", err)
	}
	return &PostgresResolver{db: db}, nil
}

const sourceColumns = `id, name, api_keys, bearer_tokens, tls_subject, allowed_clients, syslog_port, enabled, tier, created_at, last_seen`

func (r *PostgresResolver) queryOne(ctx context.Context, where string, arg interface{}) (*core.Source, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE `+where+` LIMIT 1`, arg)
	s, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, core.Errorf(core.KindNotFound, "no matching source")
	}
	if err != nil {
		return nil, core.Wrap(core.KindUnavailable, err, "catalogue lookup")
	}
	return s, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSource(row rowScanner) (*core.Source, error) {
	var (
		s          core.Source
		tlsSubject sql.NullString
		syslogPort sql.NullInt64
		lastSeen   sql.NullTime
	)
	err := row.Scan(&s.ID, &s.Name, pq.Array(&s.APIKeys), pq.Array(&s.BearerTokens),
		&tlsSubject, pq.Array(&s.AllowedClients), &syslogPort, &s.Enabled, &s.Tier,
		&s.CreatedAt, &lastSeen)
	if err != nil {
		return nil, err
	}
	s.TLSSubject = tlsSubject.String
	s.SyslogPort = int(syslogPort.Int64)
	if lastSeen.Valid {
		s.LastSeen = lastSeen.Time
	}
	return &s, nil
}

// ByAPIKey implements Resolver.
func (r *PostgresResolver) ByAPIKey(ctx context.Context, key string) (*core.Source, error) {
	return r.queryOne(ctx, `$1 = ANY(api_keys)`, key)
}

// ByBearer implements Resolver.
func (r *PostgresResolver) ByBearer(ctx context.Context, token string) (*core.Source, error) {
	return r.queryOne(ctx, `$1 = ANY(bearer_tokens)`, token)
}

// BySubject implements Resolver.
func (r *PostgresResolver) BySubject(ctx context.Context, subject string) (*core.Source, error) {
	return r.queryOne(ctx, `tls_subject = $1`, subject)
}

// ByUDPPort implements Resolver.
func (r *PostgresResolver) ByUDPPort(ctx context.Context, port int) (*core.Source, error) {
	return r.queryOne(ctx, `syslog_port = $1`, port)
}

// SyslogSources implements Resolver.
func (r *PostgresResolver) SyslogSources(ctx context.Context) ([]*core.Source, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE enabled AND syslog_port IS NOT NULL`)
	if err != nil {
		return nil, core.Wrap(core.KindUnavailable, err, "catalogue syslog listing")
	}
	defer rows.Close()

	var out []*core.Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, core.Wrap(core.KindInternal, err, "scan source row")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Ping implements Resolver.
func (r *PostgresResolver) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close releases the connection pool.
func (r *PostgresResolver) Close() error { return r.db.Close() }
