package runner

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// stepMetrics instruments step executions. Per-step outcome counters are
// named "<step>_total" and created lazily the first time a step runs, since
// the step names in play are only known at runtime.
type stepMetrics struct {
	registerer prometheus.Registerer

	duration *prometheus.HistogramVec
	active   prometheus.Gauge
	errors   *prometheus.CounterVec

	mu           sync.Mutex
	stepOutcomes map[string]*prometheus.CounterVec
}

func newStepMetrics(registerer prometheus.Registerer) *stepMetrics {
	m := &stepMetrics{
		registerer: registerer,
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "codegraph_step_duration_seconds",
			Help:    "Wall-clock duration of pipeline step executions.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"step"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "codegraph_steps_active",
			Help: "Number of pipeline steps currently executing.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codegraph_step_errors_total",
			Help: "Pipeline step errors by kind.",
		}, []string{"kind"}),
		stepOutcomes: make(map[string]*prometheus.CounterVec),
	}
	registerer.MustRegister(m.duration, m.active, m.errors)
	return m
}

// countOutcome bumps "<step>_total" for the given status, creating the
// counter on first use.
func (m *stepMetrics) countOutcome(stepName, status string) {
	m.mu.Lock()
	counter, ok := m.stepOutcomes[stepName]
	if !ok {
		counter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_total", stepName),
			Help: fmt.Sprintf("Executions of the %s step by status.", stepName),
		}, []string{"status"})
		if err := m.registerer.Register(counter); err != nil {
			// Another step with the same metric name got there first; reuse it
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				counter = already.ExistingCollector.(*prometheus.CounterVec)
			}
		}
		m.stepOutcomes[stepName] = counter
	}
	m.mu.Unlock()
	counter.WithLabelValues(status).Inc()
}

func (m *stepMetrics) countError(kind string) {
	m.errors.WithLabelValues(kind).Inc()
}

func (m *stepMetrics) observeDuration(stepName string, seconds float64) {
	m.duration.WithLabelValues(stepName).Observe(seconds)
}
