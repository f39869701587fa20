// Package metrics holds the Prometheus collectors exported by the daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autooffice"

// Metrics groups the daemon's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	requests    *prometheus.CounterVec
	reports     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	display     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "http_requests_total",
			Help:      "total number of command server requests",
		}, []string{"route", "code", "method"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "reports_total",
			Help:      "total number of status reports by result",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "power",
			Name:      "transitions_total",
			Help:      "total number of display power transitions by new state",
		}, []string{"state"}),
		display: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "display",
			Name:      "requests_total",
			Help:      "total number of display power requests by action and result",
		}, []string{"action", "result"}),
	}
	reg.MustRegister(m.requests, m.reports, m.transitions, m.display)
	return m
}

// InstrumentRoute counts requests served by h under the given route label.
func (m *Metrics) InstrumentRoute(route string, h http.Handler) http.Handler {
	if m == nil {
		return h
	}
	return promhttp.InstrumentHandlerCounter(m.requests.MustCurryWith(prometheus.Labels{"route": route}), h)
}

// ObserveReport counts a report outcome: success, failure or suppressed.
func (m *Metrics) ObserveReport(result string) {
	if m == nil {
		return
	}
	m.reports.WithLabelValues(result).Inc()
}

// ObserveTransition counts a transition into state (awake or asleep).
func (m *Metrics) ObserveTransition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

// ObserveDisplayRequest counts a display request outcome.
func (m *Metrics) ObserveDisplayRequest(action, result string) {
	if m == nil {
		return
	}
	m.display.WithLabelValues(action, result).Inc()
}
