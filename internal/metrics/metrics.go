package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wsync"

// Metrics collects scheduler, transport and session counters. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	requests  *prometheus.CounterVec
	responses *prometheus.CounterVec
	inFlight  *prometheus.GaugeVec
	phase     *prometheus.GaugeVec
	devices   *prometheus.CounterVec
	sessions  prometheus.Gauge
	pushes    *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers all collectors on reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "requests_total",
			Help:      "requests submitted to the transport by strategy",
		}, []string{"strategy"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "responses_total",
			Help:      "responses received by error class",
		}, []string{"class"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "in_flight",
			Help:      "requests currently in flight per account",
		}, []string{"account"}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "phase",
			Help:      "current sync phase ordinal per account",
		}, []string{"account"}),
		devices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crypto",
			Name:      "device_sessions_total",
			Help:      "device session bootstrap outcomes",
		}, []string{"result"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "sessions_loaded",
			Help:      "authenticated account sessions resident in memory",
		}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "pushes_total",
			Help:      "push payloads routed by source",
		}, []string{"source"}),
		gatherer: reg,
	}
	reg.MustRegister(m.requests, m.responses, m.inFlight, m.phase, m.devices, m.sessions, m.pushes)
	return m
}

func (m *Metrics) RequestSent(strategy string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(strategy).Inc()
}

func (m *Metrics) ResponseReceived(class string) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(class).Inc()
}

func (m *Metrics) SetInFlight(account string, n int) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(account).Set(float64(n))
}

func (m *Metrics) SetPhase(account string, phase int) {
	if m == nil {
		return
	}
	m.phase.WithLabelValues(account).Set(float64(phase))
}

func (m *Metrics) DeviceSession(established bool) {
	if m == nil {
		return
	}
	result := "failed"
	if established {
		result = "established"
	}
	m.devices.WithLabelValues(result).Inc()
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func (m *Metrics) PushRouted(source string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(source).Inc()
}

// Forget drops per-account series after an account is torn down.
func (m *Metrics) Forget(account string) {
	if m == nil {
		return
	}
	m.inFlight.DeleteLabelValues(account)
	m.phase.DeleteLabelValues(account)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
