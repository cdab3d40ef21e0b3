package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/streamgate/ingest/internal/core"
)

// DefaultCacheTTL bounds source-record staleness at the receivers.
const DefaultCacheTTL = 30 * time.Second

// Cache is a read-through decorator over a Resolver. Entries are keyed by a
// credential fingerprint (never the raw credential) and expire lazily. The
// map is read-mostly: lookups take the read lock, misses upgrade to the
// write lock.
type Cache struct {
	inner Resolver
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	source    *core.Source // nil for a cached miss
	err       error
	expiresAt time.Time
}

// NewCache wraps a resolver with a TTL cache. A non-positive ttl falls back
// to DefaultCacheTTL.
func NewCache(inner Resolver, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{inner: inner, ttl: ttl, entries: make(map[string]*cacheEntry)}
}

func fingerprint(kind, credential string) string {
	sum := sha256.Sum256([]byte(kind + ":" + credential))
	return hex.EncodeToString(sum[:8])
}

func (c *Cache) lookup(ctx context.Context, key string, fetch func() (*core.Source, error)) (*core.Source, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		if entry.err != nil {
			return nil, entry.err
		}
		copied := *entry.source
		return &copied, nil
	}

	src, err := fetch()
	if err != nil && core.KindOf(err) == core.KindUnavailable {
		// Don't cache broker/catalogue outages; also don't evict a stale
		// entry that might recover the lookup once the catalogue is back.
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = &cacheEntry{source: src, err: err, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	copied := *src
	return &copied, nil
}

// ByAPIKey implements Resolver.
func (c *Cache) ByAPIKey(ctx context.Context, key string) (*core.Source, error) {
	return c.lookup(ctx, fingerprint("apikey", key), func() (*core.Source, error) {
		return c.inner.ByAPIKey(ctx, key)
	})
}

// ByBearer implements Resolver.
func (c *Cache) ByBearer(ctx context.Context, token string) (*core.Source, error) {
	return c.lookup(ctx, fingerprint("bearer", token), func() (*core.Source, error) {
		return c.inner.ByBearer(ctx, token)
	})
}

// BySubject implements Resolver.
func (c *Cache) BySubject(ctx context.Context, subject string) (*core.Source, error) {
	return c.lookup(ctx, fingerprint("subject", subject), func() (*core.Source, error) {
		return c.inner.BySubject(ctx, subject)
	})
}

// ByUDPPort implements Resolver.
func (c *Cache) ByUDPPort(ctx context.Context, port int) (*core.Source, error) {
	return c.lookup(ctx, fingerprint("udpport", strconv.Itoa(port)), func() (*core.Source, error) {
		return c.inner.ByUDPPort(ctx, port)
	})
}

// SyslogSources implements Resolver. The binder reconcile loop runs on its
// own interval, so listings bypass the cache.
func (c *Cache) SyslogSources(ctx context.Context) ([]*core.Source, error) {
	return c.inner.SyslogSources(ctx)
}

// Ping implements Resolver.
func (c *Cache) Ping(ctx context.Context) error { return c.inner.Ping(ctx) }

// Invalidate drops every cached entry. Exposed for operational tooling.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

// String describes the cache for health output.
func (c *Cache) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("catalog cache (%d entries, ttl %s)", len(c.entries), c.ttl)
}
