package admin

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/resilientgw/rpg/internal/rpg"
)

// Collector is a prometheus.Collector that scrapes *rpg.Gateway on
// every collection pass instead of maintaining its own counters —
// the gateway's provider-level Snapshot already carries the cumulative
// totals summed across keys, so this is a pure adapter.
type Collector struct {
	gw *rpg.Gateway

	status            *prometheus.Desc
	totalRequests     *prometheus.Desc
	totalFailures     *prometheus.Desc
	successRate       *prometheus.Desc
	latencyP50        *prometheus.Desc
	latencyP95        *prometheus.Desc
	latencyP99        *prometheus.Desc
	quotaRemainingPct *prometheus.Desc
}

// NewCollector builds a Collector over gw. Handler() serves it on its
// own private registry; it may also be registered with any other
// prometheus.Registerer.
func NewCollector(gw *rpg.Gateway) *Collector {
	const ns = "rpg"
	labels := []string{"provider"}

	mk := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(ns, "", name), help, labels, nil)
	}

	return &Collector{
		gw:                gw,
		status:            mk("provider_status", "1 if the provider is healthy, 0.5 degraded, 0 unhealthy"),
		totalRequests:     mk("provider_requests_total", "Cumulative request count"),
		totalFailures:     mk("provider_failures_total", "Cumulative failure count"),
		successRate:       mk("provider_success_rate", "Cumulative success rate in [0,1] across the provider's keys"),
		latencyP50:        mk("provider_latency_p50_ms", "Provider-level p50 latency in milliseconds (per-key latencies are not aggregated; reported as 0)"),
		latencyP95:        mk("provider_latency_p95_ms", "Provider-level p95 latency in milliseconds (per-key latencies are not aggregated; reported as 0)"),
		latencyP99:        mk("provider_latency_p99_ms", "Provider-level p99 latency in milliseconds (per-key latencies are not aggregated; reported as 0)"),
		quotaRemainingPct: mk("provider_quota_remaining_pct", "Remaining RPM quota as a percentage"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.status
	ch <- c.totalRequests
	ch <- c.totalFailures
	ch <- c.successRate
	ch <- c.latencyP50
	ch <- c.latencyP95
	ch <- c.latencyP99
	ch <- c.quotaRemainingPct
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, snap := range c.gw.GetAllHealth() {
		ch <- prometheus.MustNewConstMetric(c.status, prometheus.GaugeValue, statusGauge(snap.Status), snap.ProviderID)
		ch <- prometheus.MustNewConstMetric(c.totalRequests, prometheus.CounterValue, float64(snap.TotalRequests), snap.ProviderID)
		ch <- prometheus.MustNewConstMetric(c.totalFailures, prometheus.CounterValue, float64(snap.TotalFailures), snap.ProviderID)
		ch <- prometheus.MustNewConstMetric(c.successRate, prometheus.GaugeValue, snap.SuccessRate, snap.ProviderID)
		ch <- prometheus.MustNewConstMetric(c.latencyP50, prometheus.GaugeValue, snap.LatencyP50Ms, snap.ProviderID)
		ch <- prometheus.MustNewConstMetric(c.latencyP95, prometheus.GaugeValue, snap.LatencyP95Ms, snap.ProviderID)
		ch <- prometheus.MustNewConstMetric(c.latencyP99, prometheus.GaugeValue, snap.LatencyP99Ms, snap.ProviderID)
		ch <- prometheus.MustNewConstMetric(c.quotaRemainingPct, prometheus.GaugeValue, snap.QuotaRemainingPct, snap.ProviderID)
	}
}

// Handler returns an http.Handler serving this collector's metrics on
// its own private registry, so the admin /metrics endpoint never
// depends on prometheus's global DefaultRegisterer.
func (c *Collector) Handler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func statusGauge(s rpg.Status) float64 {
	switch s {
	case rpg.StatusHealthy:
		return 1
	case rpg.StatusDegraded:
		return 0.5
	default:
		return 0
	}
}
