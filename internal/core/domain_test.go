package core

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTier_Limit(t *testing.T) {
	perMin, unlimited := TierCommunity.Limit()
	assert.Equal(t, 100, perMin)
	assert.False(t, unlimited)

	perMin, unlimited = TierProfessional.Limit()
	assert.Equal(t, 1000, perMin)
	assert.False(t, unlimited)

	_, unlimited = TierEnterprise.Limit()
	assert.True(t, unlimited)

	// Unknown tiers fall back to the most restrictive budget.
	perMin, unlimited = Tier("mystery").Limit()
	assert.Equal(t, 100, perMin)
	assert.False(t, unlimited)
}

func TestSource_ClientAllowed(t *testing.T) {
	src := &Source{AllowedClients: []string{"10.0.0.5", "192.168.0.0/16"}}

	assert.True(t, src.ClientAllowed(net.ParseIP("10.0.0.5")))
	assert.True(t, src.ClientAllowed(net.ParseIP("192.168.44.7")))
	assert.False(t, src.ClientAllowed(net.ParseIP("10.0.0.6")))
	assert.False(t, src.ClientAllowed(net.ParseIP("172.16.0.1")))

	// Empty allow-list admits anyone.
	open := &Source{}
	assert.True(t, open.ClientAllowed(net.ParseIP("203.0.113.9")))
}

func TestNormalizeLevel(t *testing.T) {
	cases := map[string]string{
		"info":      LevelInfo,
		"WARNING":   LevelWarn,
		"err":       LevelError,
		"CRIT":      LevelFatal,
		"notice":    LevelInfo,
		"  debug  ": LevelDebug,
		"verbose":   LevelInfo, // unknown -> INFO
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeLevel(in), "input %q", in)
	}
}

func TestLogEvent_Validate(t *testing.T) {
	valid := LogEvent{
		Timestamp: time.Now(),
		Level:     "info",
		Message:   "disk almost full",
		Service:   "api",
	}
	assert.NoError(t, valid.Validate())

	missingTS := valid
	missingTS.Timestamp = time.Time{}
	assert.Error(t, missingTS.Validate())

	missingMsg := valid
	missingMsg.Message = ""
	assert.Error(t, missingMsg.Validate())

	badLevel := valid
	badLevel.Level = "LOUD"
	assert.Error(t, badLevel.Validate())

	// Aliases are recognised even before normalisation.
	aliased := valid
	aliased.Level = "warning"
	assert.NoError(t, aliased.Validate())

	tooManyLabels := valid
	tooManyLabels.Labels = map[string]string{}
	for i := 0; i <= MaxLabelCardinality; i++ {
		tooManyLabels.Labels[string(rune('a'+i%26))+string(rune('a'+i/26))] = "x"
	}
	assert.Error(t, tooManyLabels.Validate())
}

func TestMetricSample_Validate(t *testing.T) {
	valid := MetricSample{
		Name:      "http_requests_total",
		Kind:      MetricCounter,
		Value:     1245,
		Labels:    map[string]string{"method": "GET"},
		Timestamp: MetricTime{Time: time.Now()},
	}
	assert.NoError(t, valid.Validate())

	badName := valid
	badName.Name = "9lives"
	assert.Error(t, badName.Validate())

	badKind := valid
	badKind.Kind = "rate"
	assert.Error(t, badKind.Validate())

	badLabel := valid
	badLabel.Labels = map[string]string{"bad-key!": "v"}
	assert.Error(t, badLabel.Validate())

	noTS := valid
	noTS.Timestamp = MetricTime{}
	assert.Error(t, noTS.Validate())
}

func TestMetricTime_UnmarshalJSON(t *testing.T) {
	var fromMillis MetricTime
	require.NoError(t, json.Unmarshal([]byte("1724500000000"), &fromMillis))
	assert.Equal(t, int64(1724500000000), fromMillis.UnixMilli())

	var fromRFC MetricTime
	require.NoError(t, json.Unmarshal([]byte(`"2026-08-24T10:00:00Z"`), &fromRFC))
	assert.Equal(t, 2026, fromRFC.Year())

	var fromNull MetricTime
	require.NoError(t, json.Unmarshal([]byte("null"), &fromNull))
	assert.True(t, fromNull.IsZero())

	var bad MetricTime
	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &bad))

	// The integer form is strict: trailing garbage is not a timestamp.
	var trailing MetricTime
	assert.Error(t, trailing.UnmarshalJSON([]byte("123abc")))
}

func TestErrorKinds(t *testing.T) {
	err := Errorf(KindThrottled, "slow down")
	assert.Equal(t, KindThrottled, KindOf(err))
	assert.Equal(t, 429, HTTPStatus(err))

	wrapped := Wrap(KindUnavailable, err, "queue append")
	assert.Equal(t, KindUnavailable, KindOf(wrapped))
	assert.Equal(t, 503, HTTPStatus(wrapped))

	// Unknown errors map to internal.
	assert.Equal(t, KindInternal, KindOf(assert.AnError))
	assert.Equal(t, 500, HTTPStatus(assert.AnError))
}
