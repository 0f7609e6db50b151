// Package metrics exposes a Prometheus /metrics endpoint over the pool
// and control-plane activity described in SPEC_FULL.md's domain-stack
// wiring. Registration follows the promhttp.Handler()-at-"/metrics"
// pattern used directly in the pack (see leapmux's hub server), with a
// small set of purpose-built collectors instead of the default registry's
// process/go collectors alone.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

// Metrics bundles every collector the supervisor exposes.
type Metrics struct {
	registry *prometheus.Registry

	PoolInstances      prometheus.Gauge
	PoolHealthy        prometheus.Gauge
	DispatchTotal      prometheus.Counter
	ControlRequests    *prometheus.CounterVec
	ServiceUp          *prometheus.GaugeVec
}

// New builds and registers all collectors on a fresh registry (not the
// global default, so tests can construct independent instances without
// collisions).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		PoolInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pm_supervisor",
			Subsystem: "mcp_pool",
			Name:      "instances",
			Help:      "Number of MCP instances currently managed by the pool.",
		}),
		PoolHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pm_supervisor",
			Subsystem: "mcp_pool",
			Name:      "healthy_instances",
			Help:      "Number of MCP instances currently reporting healthy.",
		}),
		DispatchTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pm_supervisor",
			Subsystem: "proxy",
			Name:      "dispatch_total",
			Help:      "Total number of /mcp requests forwarded to a pool instance.",
		}),
		ControlRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pm_supervisor",
			Subsystem: "control",
			Name:      "requests_total",
			Help:      "Total control-plane requests handled, by request type.",
		}, []string{"type"}),
		ServiceUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pm_supervisor",
			Subsystem: "service",
			Name:      "up",
			Help:      "1 if the named service is running, 0 otherwise.",
		}, []string{"service"}),
	}

	reg.MustRegister(m.PoolInstances, m.PoolHealthy, m.DispatchTotal, m.ControlRequests, m.ServiceUp)
	return m
}

// Handler returns the HTTP handler to mount at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
