// Package metrics exposes Ash's Prometheus text endpoint: sandbox-pool,
// session, and bridge gauges and counters updated directly by the
// components that own that state. The sessions-by-status gauge is
// registered but no component sets it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the gauges and counters Ash updates as it runs. One
// Registry per process; wired into the Pool/Orchestrator at composition
// time so they can call Set/Inc directly instead of the HTTP layer
// re-deriving state on every scrape.
type Registry struct {
	reg *prometheus.Registry

	SandboxesByState *prometheus.GaugeVec
	SessionsByStatus *prometheus.GaugeVec
	SandboxCreates   prometheus.Counter
	SandboxEvictions prometheus.Counter
	PreWarmHits      prometheus.Counter
	ResumeWarmHits   prometheus.Counter
	ResumeColdHits   prometheus.Counter
	BridgeQueries    prometheus.Counter
	BridgeErrors     prometheus.Counter
	RunnersHealthy   prometheus.Gauge
	RunnersDead      prometheus.Gauge
}

// New registers and returns Ash's metric set.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		SandboxesByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ash_sandboxes",
			Help: "Live sandboxes by pool state.",
		}, []string{"state"}),
		SessionsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ash_sessions",
			Help: "Sessions by status.",
		}, []string{"status"}),
		SandboxCreates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ash_sandbox_creates_total",
			Help: "Sandbox creations across the pool's lifetime.",
		}),
		SandboxEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ash_sandbox_evictions_total",
			Help: "Sandboxes evicted by the capacity gate.",
		}),
		PreWarmHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ash_prewarm_hits_total",
			Help: "Session creates satisfied by claiming a pre-warmed sandbox.",
		}),
		ResumeWarmHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ash_resume_warm_hits_total",
			Help: "Resumes that reused a still-live sandbox.",
		}),
		ResumeColdHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ash_resume_cold_hits_total",
			Help: "Resumes that required creating a new sandbox from a snapshot.",
		}),
		BridgeQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ash_bridge_queries_total",
			Help: "Queries issued over the bridge protocol.",
		}),
		BridgeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ash_bridge_errors_total",
			Help: "Bridge protocol errors surfaced mid-turn.",
		}),
		RunnersHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ash_runners_healthy",
			Help: "Runners heartbeating within the timeout (coordinator mode only).",
		}),
		RunnersDead: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ash_runners_dead",
			Help: "Runners missing heartbeats past the timeout (coordinator mode only).",
		}),
	}
	reg.MustRegister(
		r.SandboxesByState, r.SessionsByStatus, r.SandboxCreates, r.SandboxEvictions,
		r.PreWarmHits, r.ResumeWarmHits, r.ResumeColdHits, r.BridgeQueries, r.BridgeErrors,
		r.RunnersHealthy, r.RunnersDead,
	)
	return r
}

// Handler returns the `GET /metrics` Prometheus text exposition handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
