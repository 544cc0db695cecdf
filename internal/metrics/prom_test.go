package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/flock/internal/cache"
)

func TestAdapterCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg)

	a.Hit()
	a.Hit()
	a.Miss()
	a.Expire()
	a.Size(3, 120)
	a.WorkerSpawned()
	a.WorkerSpawned()
	a.WorkerExited(true)
	a.WorkerExited(false)
	a.WorkersLive(2)
	a.PoolReady()
	a.Routed(1)
	a.RoutingMiss()
	a.HandoffFailed()

	assert.Equal(t, 2.0, testutil.ToFloat64(a.cacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.cacheMisses))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.cacheExpired))
	assert.Equal(t, 3.0, testutil.ToFloat64(a.cacheKeys))
	assert.Equal(t, 120.0, testutil.ToFloat64(a.cacheBytes))
	assert.Equal(t, 2.0, testutil.ToFloat64(a.spawned))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.exited.WithLabelValues("ready")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.exited.WithLabelValues("startup")))
	assert.Equal(t, 2.0, testutil.ToFloat64(a.workersLive))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.poolReady))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.routed))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.routingMisses))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.handoffErrors))
}

// TestAdapterWithStore verifies the store reports through the adapter.
func TestAdapterWithStore(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg)
	s := cache.NewStore(cache.WithMetrics(a))

	s.Set("k", []byte("value"), 0)
	s.Get("k")
	s.Get("missing")

	expected := `
# HELP flock_cache_hits_total Cache gets that found a live entry
# TYPE flock_cache_hits_total counter
flock_cache_hits_total 1
# HELP flock_cache_misses_total Cache gets that found nothing
# TYPE flock_cache_misses_total counter
flock_cache_misses_total 1
# HELP flock_cache_keys Number of resident entries
# TYPE flock_cache_keys gauge
flock_cache_keys 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"flock_cache_hits_total", "flock_cache_misses_total", "flock_cache_keys"))
}

func TestNewRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
