package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

// Counters holds the process-wide monotonic tallies named in spec.md §3,
// each held as a Prometheus counter, next to the gauges for the
// health-probe circuit breaker and the live agent count, the
// domain-stack analogue of jordigilh-kubernaut's pkg/metrics counters.
type Counters struct {
	completed         prometheus.Counter
	failed            prometheus.Counter
	healthCheckPass   prometheus.Counter
	healthCheckFail   prometheus.Counter
	lazyContext       prometheus.Counter
	fullContext       prometheus.Counter
	extensions        prometheus.Counter
	earlyTimeouts     prometheus.Counter
	heartbeatTimeouts prometheus.Counter
	silenceWarnings   prometheus.Counter
	breakerState      prometheus.Gauge
	activeAgents      prometheus.Gauge
}

// NewCounters registers every coordinator metric against reg. New passes
// the isolated registry it was given, in production and in tests alike.
func NewCounters(reg prometheus.Registerer) *Counters {
	factory := promauto.With(reg)
	return &Counters{
		completed: factory.NewCounter(prometheus.CounterOpts{
			Name: "swarmd_agents_completed_total",
			Help: "Agents that finished with status success.",
		}),
		failed: factory.NewCounter(prometheus.CounterOpts{
			Name: "swarmd_agents_failed_total",
			Help: "Agents that finished with status failed, any reason.",
		}),
		healthCheckPass: factory.NewCounter(prometheus.CounterOpts{
			Name: "swarmd_health_checks_passed_total",
			Help: "Requests that passed the health probe (READY seen in time, or probe skipped by configuration).",
		}),
		healthCheckFail: factory.NewCounter(prometheus.CounterOpts{
			Name: "swarmd_health_checks_failed_total",
			Help: "Health probes that timed out, exited early, or hit an open circuit breaker.",
		}),
		lazyContext: factory.NewCounter(prometheus.CounterOpts{
			Name: "swarmd_context_lazy_total",
			Help: "Requests whose context was spilled to a side file.",
		}),
		fullContext: factory.NewCounter(prometheus.CounterOpts{
			Name: "swarmd_context_inline_total",
			Help: "Requests whose context was inlined in the prompt.",
		}),
		extensions: factory.NewCounter(prometheus.CounterOpts{
			Name: "swarmd_deadline_extensions_total",
			Help: "Deadline extensions granted across all agents.",
		}),
		earlyTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "swarmd_early_timeouts_total",
			Help: "Deadline timeouts that fired with zero extensions ever applied.",
		}),
		heartbeatTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "swarmd_heartbeat_timeouts_total",
			Help: "Agents killed for silence without progress.",
		}),
		silenceWarnings: factory.NewCounter(prometheus.CounterOpts{
			Name: "swarmd_silence_warnings_total",
			Help: "Soft silence-warning annotations emitted.",
		}),
		breakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "swarmd_health_breaker_state",
			Help: "Health-probe circuit breaker state: 0=closed, 1=half-open, 2=open.",
		}),
		activeAgents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "swarmd_agents_active",
			Help: "Agent contexts currently live, from admission through result-record write.",
		}),
	}
}

func (c *Counters) OnBreakerStateChange(_, to gobreaker.State) {
	c.breakerState.Set(float64(to))
}
