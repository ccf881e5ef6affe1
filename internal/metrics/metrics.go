// Package metrics exposes Prometheus instrumentation for the connection
// pool, routing table, authentication, and home-database cache (spec
// §2, §10). It is adapted from the teacher's internal/metrics.Collector:
// the same custom-registry-per-instance construction and
// DeletePartialMatch cleanup idiom, retargeted from per-tenant backend
// gauges onto per-server-address and per-database ones.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the connection provider.
type Collector struct {
	Registry *prometheus.Registry

	poolActive  *prometheus.GaugeVec
	poolIdle    *prometheus.GaugeVec
	poolWaiting *prometheus.GaugeVec

	acquireDuration    *prometheus.HistogramVec
	acquisitionTimeout *prometheus.CounterVec

	routingRefreshTotal    *prometheus.CounterVec
	routingRefreshDuration *prometheus.HistogramVec
	serversForgotten       *prometheus.CounterVec

	authRefreshTotal *prometheus.CounterVec

	homeDBCacheHits   prometheus.Counter
	homeDBCacheMisses prometheus.Counter

	serverHealth *prometheus.GaugeVec
}

// New creates and registers all Prometheus metrics using a custom
// registry. Safe to call multiple times (e.g. in tests) — each call
// creates an independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		poolActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "graphdriver_pool_connections_active",
				Help: "Number of connections currently borrowed per server address",
			},
			[]string{"address"},
		),
		poolIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "graphdriver_pool_connections_idle",
				Help: "Number of idle pooled connections per server address",
			},
			[]string{"address"},
		),
		poolWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "graphdriver_pool_acquire_waiting",
				Help: "Number of goroutines currently waiting to acquire a connection per server address",
			},
			[]string{"address"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "graphdriver_pool_acquire_duration_seconds",
				Help:    "Time spent waiting for Pool.Acquire to return a connection",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
			},
			[]string{"address"},
		),
		acquisitionTimeout: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graphdriver_pool_acquisition_timeouts_total",
				Help: "Total number of acquisitions that failed with a timeout",
			},
			[]string{"address"},
		),
		routingRefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graphdriver_routing_refresh_total",
				Help: "Total routing table refreshes per database, by outcome",
			},
			[]string{"database", "result"},
		),
		routingRefreshDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "graphdriver_routing_refresh_duration_seconds",
				Help:    "Duration of a routing table refresh round-trip",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"database"},
		),
		serversForgotten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graphdriver_routing_servers_forgotten_total",
				Help: "Total servers forgotten from a routing table after a connection error",
			},
			[]string{"address"},
		),
		authRefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graphdriver_auth_refresh_total",
				Help: "Total auth token refreshes, by outcome",
			},
			[]string{"result"},
		),
		homeDBCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphdriver_home_database_cache_hits_total",
			Help: "Total home-database cache lookups that hit",
		}),
		homeDBCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphdriver_home_database_cache_misses_total",
			Help: "Total home-database cache lookups that missed",
		}),
		serverHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "graphdriver_server_health",
				Help: "Connectivity health of a server address (1=healthy, 0=unhealthy)",
			},
			[]string{"address"},
		),
	}

	reg.MustRegister(
		c.poolActive,
		c.poolIdle,
		c.poolWaiting,
		c.acquireDuration,
		c.acquisitionTimeout,
		c.routingRefreshTotal,
		c.routingRefreshDuration,
		c.serversForgotten,
		c.authRefreshTotal,
		c.homeDBCacheHits,
		c.homeDBCacheMisses,
		c.serverHealth,
	)

	return c
}

// UpdatePoolStats updates the pool gauge metrics for a server address.
func (c *Collector) UpdatePoolStats(address string, active, idle, waiting int) {
	c.poolActive.WithLabelValues(address).Set(float64(active))
	c.poolIdle.WithLabelValues(address).Set(float64(idle))
	c.poolWaiting.WithLabelValues(address).Set(float64(waiting))
}

// AcquireDuration observes the time spent waiting for a connection.
func (c *Collector) AcquireDuration(address string, d time.Duration) {
	c.acquireDuration.WithLabelValues(address).Observe(d.Seconds())
}

// AcquisitionTimedOut increments the acquisition timeout counter.
func (c *Collector) AcquisitionTimedOut(address string) {
	c.acquisitionTimeout.WithLabelValues(address).Inc()
}

// RoutingRefreshCompleted records a routing table refresh outcome and
// duration for a database.
func (c *Collector) RoutingRefreshCompleted(database string, d time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.routingRefreshTotal.WithLabelValues(database, result).Inc()
	c.routingRefreshDuration.WithLabelValues(database).Observe(d.Seconds())
}

// ServerForgotten increments the forgotten-server counter for an
// address removed from a routing table after a connection error.
func (c *Collector) ServerForgotten(address string) {
	c.serversForgotten.WithLabelValues(address).Inc()
}

// AuthRefreshCompleted records an auth token refresh outcome.
func (c *Collector) AuthRefreshCompleted(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.authRefreshTotal.WithLabelValues(result).Inc()
}

// HomeDatabaseCacheLookup records a home-database cache lookup outcome.
func (c *Collector) HomeDatabaseCacheLookup(hit bool) {
	if hit {
		c.homeDBCacheHits.Inc()
		return
	}
	c.homeDBCacheMisses.Inc()
}

// SetServerHealth sets the connectivity health gauge for an address.
func (c *Collector) SetServerHealth(address string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.serverHealth.WithLabelValues(address).Set(val)
}

// RemoveAddress removes all metrics scoped to a server address, called
// when a server is permanently dropped (e.g. aged out of every routing
// table and idle-reaped from the pool).
func (c *Collector) RemoveAddress(address string) {
	c.poolActive.DeleteLabelValues(address)
	c.poolIdle.DeleteLabelValues(address)
	c.poolWaiting.DeleteLabelValues(address)
	c.acquireDuration.DeletePartialMatch(prometheus.Labels{"address": address})
	c.acquisitionTimeout.DeleteLabelValues(address)
	c.serversForgotten.DeleteLabelValues(address)
	c.serverHealth.DeleteLabelValues(address)
}

// RemoveDatabase removes all metrics scoped to a database name.
func (c *Collector) RemoveDatabase(database string) {
	c.routingRefreshTotal.DeletePartialMatch(prometheus.Labels{"database": database})
	c.routingRefreshDuration.DeletePartialMatch(prometheus.Labels{"database": database})
}
