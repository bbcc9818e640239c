package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus is a Sink backed by collectors on a private registry.
type Prometheus struct {
	reg *prometheus.Registry

	jobRuns      *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	jobErrors    *prometheus.CounterVec
	jobTimeouts  *prometheus.CounterVec
	jobRetries   *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
	breakerTrips *prometheus.CounterVec
	breakerReset *prometheus.CounterVec
	autoHeal     *prometheus.CounterVec

	namespace string
}

// NewPrometheus registers the collectors under namespace (default "opscron").
func NewPrometheus(namespace string) *Prometheus {
	if namespace == "" {
		namespace = "opscron"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Prometheus{
		reg:       reg,
		namespace: namespace,
		jobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cron_job_runs_total",
			Help:      "Scheduled job runs by job and status",
		}, []string{"job", "status"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cron_job_duration_seconds",
			Help:      "Duration of job runs including retries",
			Buckets:   []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"job"}),
		jobErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cron_job_errors_total",
			Help:      "Failed job runs by error type",
		}, []string{"job", "type"}),
		jobTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cron_job_timeouts_total",
			Help:      "Job attempts abandoned after their timeout",
		}, []string{"job"}),
		jobRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cron_job_retries_total",
			Help:      "Job retry attempts",
		}, []string{"job"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per job (0=closed, 1=half-open, 2=open)",
		}, []string{"job"}),
		breakerTrips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Circuit breaker transitions to open",
		}, []string{"job"}),
		breakerReset: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_resets_total",
			Help:      "Circuit breaker resets by kind",
		}, []string{"job", "kind"}),
		autoHeal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_heal_decisions_total",
			Help:      "Auto-heal decisions by outcome",
		}, []string{"outcome"}),
	}
}

func (p *Prometheus) RecordCronJobRun(job, status string, durationSec float64) {
	p.jobRuns.WithLabelValues(job, status).Inc()
	if status != StatusSkipped {
		p.jobDuration.WithLabelValues(job).Observe(durationSec)
	}
}

func (p *Prometheus) RecordCronJobError(job, errorType string) {
	p.jobErrors.WithLabelValues(job, errorType).Inc()
}

func (p *Prometheus) RecordCronJobTimeout(job string) { p.jobTimeouts.WithLabelValues(job).Inc() }
func (p *Prometheus) RecordCronJobRetry(job string)   { p.jobRetries.WithLabelValues(job).Inc() }

func (p *Prometheus) SetCircuitBreakerState(job, state string) {
	p.breakerState.WithLabelValues(job).Set(StateValue(state))
}

func (p *Prometheus) RecordCircuitBreakerTrip(job string) { p.breakerTrips.WithLabelValues(job).Inc() }

func (p *Prometheus) RecordCircuitBreakerReset(job, kind string) {
	p.breakerReset.WithLabelValues(job, kind).Inc()
}

func (p *Prometheus) RecordAutoHeal(outcome string) { p.autoHeal.WithLabelValues(outcome).Inc() }

// GaugeFunc exposes a sampled value, such as a queue depth, on the same registry.
func (p *Prometheus) GaugeFunc(name, help string, fn func() float64) {
	promauto.With(p.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: p.namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

// Registry returns the private registry.
func (p *Prometheus) Registry() *prometheus.Registry { return p.reg }

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{Registry: p.reg})
}
