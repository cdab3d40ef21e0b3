package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamgate/ingest/internal/core"
)

// countingResolver wraps an inner resolver and counts fetches.
type countingResolver struct {
	Resolver
	calls int
	fail  error
}

func (r *countingResolver) ByAPIKey(ctx context.Context, key string) (*core.Source, error) {
	r.calls++
	if r.fail != nil {
		return nil, r.fail
	}
	return r.Resolver.ByAPIKey(ctx, key)
}

func testSource() *core.Source {
	return &core.Source{
		ID:      "src-1",
		Name:    "web",
		APIKeys: []string{"key-abc"},
		Enabled: true,
		Tier:    core.TierProfessional,
	}
}

func TestCache_ReadThrough(t *testing.T) {
	inner := &countingResolver{Resolver: NewStaticResolver(testSource())}
	c := NewCache(inner, time.Minute)
	ctx := context.Background()

	src, err := c.ByAPIKey(ctx, "key-abc")
	require.NoError(t, err)
	assert.Equal(t, "src-1", src.ID)
	assert.Equal(t, 1, inner.calls)

	// Second hit is served from cache.
	_, err = c.ByAPIKey(ctx, "key-abc")
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls)
}

func TestCache_ReturnsCopies(t *testing.T) {
	c := NewCache(NewStaticResolver(testSource()), time.Minute)
	ctx := context.Background()

	first, err := c.ByAPIKey(ctx, "key-abc")
	require.NoError(t, err)
	first.Enabled = false

	second, err := c.ByAPIKey(ctx, "key-abc")
	require.NoError(t, err)
	assert.True(t, second.Enabled, "callers must not share the cached record")
}

func TestCache_NegativeCaching(t *testing.T) {
	inner := &countingResolver{Resolver: NewStaticResolver(testSource())}
	c := NewCache(inner, time.Minute)
	ctx := context.Background()

	_, err := c.ByAPIKey(ctx, "unknown")
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
	assert.Equal(t, 1, inner.calls)

	// The miss is cached too; a credential-stuffing burst does not hammer
	// the catalogue.
	_, err = c.ByAPIKey(ctx, "unknown")
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
	assert.Equal(t, 1, inner.calls)
}

func TestCache_OutagesAreNotCached(t *testing.T) {
	inner := &countingResolver{
		Resolver: NewStaticResolver(testSource()),
		fail:     core.Errorf(core.KindUnavailable, "catalogue down"),
	}
	c := NewCache(inner, time.Minute)
	ctx := context.Background()

	_, err := c.ByAPIKey(ctx, "key-abc")
	assert.Equal(t, core.KindUnavailable, core.KindOf(err))

	// Recovery is visible immediately instead of after the TTL.
	inner.fail = nil
	src, err := c.ByAPIKey(ctx, "key-abc")
	require.NoError(t, err)
	assert.Equal(t, "src-1", src.ID)
	assert.Equal(t, 2, inner.calls)
}

func TestCache_Expiry(t *testing.T) {
	inner := &countingResolver{Resolver: NewStaticResolver(testSource())}
	c := NewCache(inner, 20*time.Millisecond)
	ctx := context.Background()

	_, err := c.ByAPIKey(ctx, "key-abc")
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	_, err = c.ByAPIKey(ctx, "key-abc")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestCache_Invalidate(t *testing.T) {
	inner := &countingResolver{Resolver: NewStaticResolver(testSource())}
	c := NewCache(inner, time.Minute)
	ctx := context.Background()

	_, err := c.ByAPIKey(ctx, "key-abc")
	require.NoError(t, err)
	c.Invalidate()
	_, err = c.ByAPIKey(ctx, "key-abc")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestStaticResolver_Lookups(t *testing.T) {
	src := testSource()
	src.BearerTokens = []string{"tok-1"}
	src.TLSSubject = "CN=web,O=Acme"
	src.SyslogPort = 10514
	r := NewStaticResolver(src)
	ctx := context.Background()

	byKey, err := r.ByAPIKey(ctx, "key-abc")
	require.NoError(t, err)
	assert.Equal(t, "src-1", byKey.ID)

	byTok, err := r.ByBearer(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "src-1", byTok.ID)

	bySub, err := r.BySubject(ctx, "CN=web,O=Acme")
	require.NoError(t, err)
	assert.Equal(t, "src-1", bySub.ID)

	byPort, err := r.ByUDPPort(ctx, 10514)
	require.NoError(t, err)
	assert.Equal(t, "src-1", byPort.ID)

	_, err = r.ByAPIKey(ctx, "nope")
	assert.Equal(t, core.KindNotFound, core.KindOf(err))

	listed, err := r.SyslogSources(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "src-1", listed[0].ID)
}
