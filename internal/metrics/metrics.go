// Package metrics exposes the relay's per-endpoint and global counters
// as Prometheus collectors, the surface external dashboards scrape for
// endpoint status, latency, observed TPS/TPM, and cache hit rate.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scerb/rpc-relay/internal/registry"
)

// Collectors holds every Prometheus metric the relay exports.
type Collectors struct {
	registry *prometheus.Registry

	requestsTotal   prometheus.Counter
	cacheHitsTotal  prometheus.Counter
	dispatchLatency *prometheus.HistogramVec

	endpointTotalCalls      *prometheus.GaugeVec
	endpointEWMALatencyMS   *prometheus.GaugeVec
	endpointObservedTPS     *prometheus.GaugeVec
	endpointObservedTPM     *prometheus.GaugeVec
	endpointStatus          *prometheus.GaugeVec
	endpointConsecutiveErrs *prometheus.GaugeVec
}

// New builds and registers every collector on a fresh registry (not the
// global default, so tests and multiple relay instances in one process
// don't collide on re-registration).
func New() *Collectors {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collectors{
		registry: reg,

		requestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Total client requests handled by the dispatcher.",
		}),
		cacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_cache_hits_total",
			Help: "Total requests served from the TTL cache without an outbound call.",
		}),
		dispatchLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_dispatch_latency_seconds",
			Help:    "End-to-end dispatch latency, labeled by outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),

		endpointTotalCalls: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_endpoint_total_calls",
			Help: "Outbound calls dispatched to this endpoint.",
		}, []string{"endpoint"}),
		endpointEWMALatencyMS: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_endpoint_ewma_latency_ms",
			Help: "EWMA of probe/call latency in milliseconds.",
		}, []string{"endpoint"}),
		endpointObservedTPS: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_endpoint_observed_tps",
			Help: "Outbound calls observed in the trailing 1s window.",
		}, []string{"endpoint"}),
		endpointObservedTPM: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_endpoint_observed_tpm",
			Help: "Outbound calls observed in the trailing 60s window.",
		}, []string{"endpoint"}),
		endpointStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_endpoint_status",
			Help: "1 for the endpoint's current status, labeled healthy/throttled/unhealthy.",
		}, []string{"endpoint", "status"}),
		endpointConsecutiveErrs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_endpoint_consecutive_errors",
			Help: "Consecutive outbound failures observed for this endpoint.",
		}, []string{"endpoint"}),
	}
}

// Handler exposes the metrics in Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordRequest feeds the global counters and the dispatch latency
// histogram for one completed client request.
func (c *Collectors) RecordRequest(cacheHit bool, outcome string, elapsed time.Duration) {
	c.requestsTotal.Inc()
	if cacheHit {
		c.cacheHitsTotal.Inc()
	}
	c.dispatchLatency.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// RefreshEndpoints snapshots every live endpoint's gauges from the
// registry. Called periodically (cmd/relay ties this to the same
// cadence as the health monitor) since health/rate state changes outside
// of any single request.
func (c *Collectors) RefreshEndpoints(reg *registry.Registry) {
	for _, stats := range reg.Snapshot(time.Now()) {
		label := prometheus.Labels{"endpoint": stats.URL}
		c.endpointTotalCalls.With(label).Set(float64(stats.TotalCalls))
		c.endpointEWMALatencyMS.With(label).Set(stats.EWMALatencyMS)
		c.endpointObservedTPS.With(label).Set(float64(stats.ObservedTPS))
		c.endpointObservedTPM.With(label).Set(float64(stats.ObservedTPM))
		c.endpointConsecutiveErrs.With(label).Set(float64(stats.ConsecutiveErrors))

		for _, s := range []registry.Status{registry.StatusHealthy, registry.StatusThrottled, registry.StatusUnhealthy} {
			v := 0.0
			if s == stats.Status {
				v = 1.0
			}
			c.endpointStatus.With(prometheus.Labels{"endpoint": stats.URL, "status": s.String()}).Set(v)
		}
	}
}

// RunRefresher periodically calls RefreshEndpoints until ctx is done.
func (c *Collectors) RunRefresher(ctx context.Context, reg *registry.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RefreshEndpoints(reg)
		}
	}
}
