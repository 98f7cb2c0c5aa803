package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gnasses/Cisco-Provider-API/internal/proxy"
	"github.com/gnasses/Cisco-Provider-API/pkg/models"
)

const metricsNamespace = "cisco_provider"

// Metrics holds the gateway's prometheus collectors
type Metrics struct {
	invocations *prometheus.CounterVec
	attempts    *prometheus.CounterVec
	results     *prometheus.CounterVec
	duration    prometheus.Histogram
	sessions    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "invocations_total",
			Help:      "Gateway invocations by outcome and failing stage.",
		}, []string{"outcome", "stage"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "credential_attempts_total",
			Help:      "Credential profile attempts by profile and outcome.",
		}, []string{"profile", "outcome"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "results_total",
			Help:      "Command results by kind and platform.",
		}, []string{"kind", "platform"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "run_duration_seconds",
			Help:      "Gateway run duration.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_open",
			Help:      "Device sessions currently open.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.invocations, m.attempts, m.results, m.duration, m.sessions)
	}
	return m
}

// ObserveAttempt records negotiator events; pass it to SetEventHandler
func (m *Metrics) ObserveAttempt(event proxy.AttemptEvent) {
	if m == nil {
		return
	}
	switch event.State {
	case proxy.AttemptFailed, proxy.AttemptConnected:
		m.attempts.WithLabelValues(event.Profile, event.State.String()).Inc()
	}
}

func (m *Metrics) observeRun(result *models.CommandResult, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.duration.Observe(elapsed.Seconds())
	if err != nil {
		stage, ok := models.StageOf(err)
		if !ok {
			stage = "request"
		}
		m.invocations.WithLabelValues("failure", string(stage)).Inc()
		return
	}
	m.invocations.WithLabelValues("success", "").Inc()
	m.results.WithLabelValues(string(result.Kind), string(result.Platform)).Inc()
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

// InvocationsCounter returns the invocation counter for outcome and stage
func (m *Metrics) InvocationsCounter(outcome, stage string) prometheus.Counter {
	return m.invocations.WithLabelValues(outcome, stage)
}

// AttemptsCounter returns the credential attempt counter for profile and outcome
func (m *Metrics) AttemptsCounter(profile, outcome string) prometheus.Counter {
	return m.attempts.WithLabelValues(profile, outcome)
}

// ResultsCounter returns the result counter for kind and platform
func (m *Metrics) ResultsCounter(kind, platform string) prometheus.Counter {
	return m.results.WithLabelValues(kind, platform)
}

// SessionsGauge returns the open sessions gauge
func (m *Metrics) SessionsGauge() prometheus.Gauge {
	return m.sessions
}
