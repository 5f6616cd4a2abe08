package promhooks

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounts(t *testing.T) {
	h := New()
	reg := prometheus.NewRegistry()
	require.NoError(t, h.Register(reg))

	h.Outcome("accepted", "")
	h.Outcome("accepted", "")
	h.Outcome("rejected", "stale_version")
	h.StaleWrite("k", 5, 3)
	h.PushFailed("k", errors.New("x"))
	h.EmitError("cache_updated", errors.New("x"))
	h.ForcedResync("k", 4)
	h.CacheReset("k")
	h.ReplayDropped("k", "duplicate")
	h.LeaseContention("k")

	assert.Equal(t, 2.0, testutil.ToFloat64(h.Outcomes.WithLabelValues("accepted", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.Outcomes.WithLabelValues("rejected", "stale_version")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.StaleWrites))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.PushFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.EmitErrors.WithLabelValues("cache_updated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.OperatorEvents.WithLabelValues("forced_resync")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.OperatorEvents.WithLabelValues("cache_reset")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.ReplayDrops.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.LeaseWaits))
	assert.Equal(t, 1, testutil.CollectAndCount(h.VersionGap))
}

func TestRegisterTwiceFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, New().Register(reg))
	assert.Error(t, New().Register(reg))
}
