// Package metrics exports flock's cache, pool and router events as
// Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamware/flock/internal/cache"
	"github.com/dreamware/flock/internal/router"
	"github.com/dreamware/flock/internal/supervisor"
)

// Namespace prefixes every metric name.
const Namespace = "flock"

// Adapter implements the Metrics interfaces of the cache, supervisor and
// router packages. Safe for concurrent use.
type Adapter struct {
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	cacheExpired  prometheus.Counter
	cacheKeys     prometheus.Gauge
	cacheBytes    prometheus.Gauge
	spawned       prometheus.Counter
	exited        *prometheus.CounterVec
	workersLive   prometheus.Gauge
	poolReady     prometheus.Gauge
	routed        prometheus.Counter
	routingMisses prometheus.Counter
	handoffErrors prometheus.Counter
}

// New constructs the adapter and registers its collectors with reg
// (nil means prometheus.DefaultRegisterer).
func New(reg prometheus.Registerer) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(sub, name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: Namespace, Subsystem: sub, Name: name, Help: help})
	}
	gauge := func(sub, name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: Namespace, Subsystem: sub, Name: name, Help: help})
	}

	a := &Adapter{
		cacheHits:    counter("cache", "hits_total", "Cache gets that found a live entry"),
		cacheMisses:  counter("cache", "misses_total", "Cache gets that found nothing"),
		cacheExpired: counter("cache", "expirations_total", "Entries removed lazily after their ttl"),
		cacheKeys:    gauge("cache", "keys", "Number of resident entries"),
		cacheBytes:   gauge("cache", "bytes", "Total size of resident values"),
		spawned:      counter("pool", "workers_spawned_total", "Worker processes started"),
		exited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "pool",
				Name:      "workers_exited_total",
				Help:      "Worker exits by pool phase",
			},
			[]string{"phase"},
		),
		workersLive:   gauge("pool", "workers_live", "Workers currently registered"),
		poolReady:     gauge("pool", "ready", "1 once the pool reached its desired size"),
		routed:        counter("router", "connections_routed_total", "Connections handed off to a worker"),
		routingMisses: counter("router", "routing_misses_total", "Connections dropped because no worker was at the index"),
		handoffErrors: counter("router", "handoff_failures_total", "Connections dropped because the handoff failed"),
	}
	reg.MustRegister(
		a.cacheHits, a.cacheMisses, a.cacheExpired, a.cacheKeys, a.cacheBytes,
		a.spawned, a.exited, a.workersLive, a.poolReady,
		a.routed, a.routingMisses, a.handoffErrors,
	)
	return a
}

// Hit increments the cache hit counter.
func (a *Adapter) Hit() { a.cacheHits.Inc() }

// Miss increments the cache miss counter.
func (a *Adapter) Miss() { a.cacheMisses.Inc() }

// Expire increments the expiration counter.
func (a *Adapter) Expire() { a.cacheExpired.Inc() }

// Size updates the cache size gauges.
func (a *Adapter) Size(keys, bytes int) {
	a.cacheKeys.Set(float64(keys))
	a.cacheBytes.Set(float64(bytes))
}

// WorkerSpawned counts a started worker.
func (a *Adapter) WorkerSpawned() { a.spawned.Inc() }

// WorkerExited counts a worker exit, labelled by whether the pool was
// ready when it happened.
func (a *Adapter) WorkerExited(afterReady bool) {
	phase := "startup"
	if afterReady {
		phase = "ready"
	}
	a.exited.WithLabelValues(phase).Inc()
}

// WorkersLive sets the number of registered workers.
func (a *Adapter) WorkersLive(n int) { a.workersLive.Set(float64(n)) }

// PoolReady marks the pool ready.
func (a *Adapter) PoolReady() { a.poolReady.Set(1) }

// Routed counts a connection handed to a worker.
func (a *Adapter) Routed(int) { a.routed.Inc() }

// RoutingMiss counts a connection closed for lack of a worker.
func (a *Adapter) RoutingMiss() { a.routingMisses.Inc() }

// HandoffFailed counts a connection the worker channel could not carry.
func (a *Adapter) HandoffFailed() { a.handoffErrors.Inc() }

var (
	_ cache.Metrics      = (*Adapter)(nil)
	_ supervisor.Metrics = (*Adapter)(nil)
	_ router.Metrics     = (*Adapter)(nil)
)
