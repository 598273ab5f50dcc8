// Package metrics defines the Prometheus instruments of the portal and the
// API server. All methods are safe on a nil receiver so that metrics stay
// optional for callers and tests.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "clinic"

type Session struct {
	logins          *prometheus.CounterVec
	logouts         *prometheus.CounterVec
	cleanupFailures *prometheus.CounterVec
}

func NewSession(reg prometheus.Registerer) *Session {
	m := &Session{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "logins_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
		logouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "logouts_total",
			Help:      "Logouts by trigger (local or signal).",
		}, []string{"trigger"}),
		cleanupFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "cleanup_step_failures_total",
			Help:      "Failed cleanup steps during logout.",
		}, []string{"step"}),
	}
	reg.MustRegister(m.logins, m.logouts, m.cleanupFailures)
	return m
}

func (m *Session) Login(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.logins.WithLabelValues(result).Inc()
}

func (m *Session) Logout(trigger string) {
	if m == nil {
		return
	}
	m.logouts.WithLabelValues(trigger).Inc()
}

func (m *Session) CleanupFailure(step string) {
	if m == nil {
		return
	}
	m.cleanupFailures.WithLabelValues(step).Inc()
}

type HTTP struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewHTTP(reg prometheus.Registerer) *HTTP {
	m := &HTTP{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Completed HTTP requests.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(m.requests, m.duration)
	return m
}

func (m *HTTP) Observe(method string, route string, status int, latency time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(method, route).Observe(latency.Seconds())
}
