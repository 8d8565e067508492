package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "ciagent"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	stepDuration     *prom.HistogramVec
	stepResults      *prom.CounterVec
	buildDuration    *prom.HistogramVec
	buildOutcome     *prom.CounterVec
	queueLength      prom.Gauge
	activeBuilds     prom.Gauge
	retries          *prom.CounterVec
	retriesExhausted *prom.CounterVec
}

var _ Recorder = (*PrometheusRecorder)(nil)

// buildBuckets span quick unit-test runs to long UI test suites.
var buildBuckets = []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600}

// NewPrometheusRecorder constructs the metrics and registers them with reg.
func NewPrometheusRecorder(reg prom.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		stepDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of individual pipeline steps",
			Buckets:   prom.DefBuckets,
		}, []string{"step"}),
		stepResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "step_results_total",
			Help:      "Pipeline step results by outcome",
		}, []string{"step", "result"}),
		buildDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Total build duration",
			Buckets:   buildBuckets,
		}, []string{"repository"}),
		buildOutcome: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "build_outcomes_total",
			Help:      "Build outcomes by final status",
		}, []string{"outcome"}),
		queueLength: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Builds waiting in the queue",
		}),
		activeBuilds: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "active_builds",
			Help:      "Builds currently running",
		}),
		retries: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Retries of transient step failures",
		}, []string{"step"}),
		retriesExhausted: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "step_retry_exhausted_total",
			Help:      "Steps whose retries were exhausted",
		}, []string{"step"}),
	}
	reg.MustRegister(pr.stepDuration, pr.stepResults, pr.buildDuration, pr.buildOutcome,
		pr.queueLength, pr.activeBuilds, pr.retries, pr.retriesExhausted)
	return pr
}

func (p *PrometheusRecorder) ObserveStepDuration(step string, d time.Duration) {
	p.stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStepResult(step string, result ResultLabel) {
	p.stepResults.WithLabelValues(step, string(result)).Inc()
}

func (p *PrometheusRecorder) ObserveBuildDuration(repository string, d time.Duration) {
	p.buildDuration.WithLabelValues(repository).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncBuildOutcome(outcome OutcomeLabel) {
	p.buildOutcome.WithLabelValues(string(outcome)).Inc()
}

func (p *PrometheusRecorder) SetQueueLength(n int)  { p.queueLength.Set(float64(n)) }
func (p *PrometheusRecorder) SetActiveBuilds(n int) { p.activeBuilds.Set(float64(n)) }

func (p *PrometheusRecorder) IncRetry(step string) {
	p.retries.WithLabelValues(step).Inc()
}

func (p *PrometheusRecorder) IncRetryExhausted(step string) {
	p.retriesExhausted.WithLabelValues(step).Inc()
}
