package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/streamgate/ingest/internal/core"
)

func newTestLimiter(t *testing.T) (*Limiter, *time.Time) {
	t.Helper()
	l := NewLimiter()
	t.Cleanup(l.Close)
	now := time.Now()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiter_CommunityBudget(t *testing.T) {
	l, _ := newTestLimiter(t)
	src := &core.Source{ID: "s1", Tier: core.TierCommunity}

	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow(src, KindLogs).Allowed, "request %d within budget", i)
	}
	verdict := l.Allow(src, KindLogs)
	assert.False(t, verdict.Allowed)
	assert.GreaterOrEqual(t, verdict.RetryAfter, time.Second)
}

func TestLimiter_BudgetsAreSeparatePerKind(t *testing.T) {
	l, _ := newTestLimiter(t)
	src := &core.Source{ID: "s1", Tier: core.TierCommunity}

	for i := 0; i < 100; i++ {
		l.Allow(src, KindLogs)
	}
	assert.False(t, l.Allow(src, KindLogs).Allowed)
	assert.True(t, l.Allow(src, KindMetrics).Allowed, "metric budget is independent")
}

func TestLimiter_EnterpriseUnlimited(t *testing.T) {
	l, _ := newTestLimiter(t)
	src := &core.Source{ID: "big", Tier: core.TierEnterprise}
	for i := 0; i < 5000; i++ {
		assert.True(t, l.Allow(src, KindLogs).Allowed)
	}
}

func TestLimiter_TierOverride(t *testing.T) {
	l, _ := newTestLimiter(t)
	l.SetTierLimits(map[core.Tier]int{core.TierCommunity: 2})

	src := &core.Source{ID: "s1", Tier: core.TierCommunity}
	assert.True(t, l.Allow(src, KindLogs).Allowed)
	assert.True(t, l.Allow(src, KindLogs).Allowed)
	assert.False(t, l.Allow(src, KindLogs).Allowed)

	// Zero override means unlimited.
	l.SetTierLimits(map[core.Tier]int{core.TierCommunity: 0})
	assert.True(t, l.Allow(src, KindLogs).Allowed)
}

func TestLimiter_RefillOverTime(t *testing.T) {
	l, now := newTestLimiter(t)
	src := &core.Source{ID: "s1", Tier: core.TierCommunity}

	for i := 0; i < 100; i++ {
		l.Allow(src, KindLogs)
	}
	assert.False(t, l.Allow(src, KindLogs).Allowed)

	// 100/min refills one token every 600ms.
	*now = now.Add(2 * time.Second)
	assert.True(t, l.Allow(src, KindLogs).Allowed)
}

func TestLimiter_ClientBucket(t *testing.T) {
	l, _ := newTestLimiter(t)
	for i := 0; i < ClientLimitPerMinute; i++ {
		assert.True(t, l.AllowClient("10.1.2.3").Allowed)
	}
	assert.False(t, l.AllowClient("10.1.2.3").Allowed)
	assert.True(t, l.AllowClient("10.1.2.4").Allowed, "other clients are unaffected")
}

func TestLimiter_RemoteConsumptionDrainsBucket(t *testing.T) {
	l, _ := newTestLimiter(t)
	src := &core.Source{ID: "s1", Tier: core.TierCommunity}

	for i := 0; i < 40; i++ {
		l.Allow(src, KindLogs)
	}
	key := "src:s1:logs"
	assert.Equal(t, int64(40), l.snapshot()[key])

	// Another replica reports 90 consumed in total; local bucket drains to
	// reflect the higher global consumption.
	l.applyRemote(key, 90)
	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow(src, KindLogs).Allowed, "request %d", i)
	}
	assert.False(t, l.Allow(src, KindLogs).Allowed)
}
