package session

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	attempts    *prometheus.CounterVec
	resets      *prometheus.CounterVec
	exhausted   prometheus.Counter
	crashes     prometheus.Counter
	acquireWait prometheus.Histogram
}

// newMetrics creates the session collectors and registers them on reg when
// reg is not nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "schedgeup",
			Subsystem: "session",
			Name:      "navigation_attempts_total",
			Help:      "Navigation attempts by retry tier and outcome.",
		}, []string{"tier", "outcome"}),
		resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "schedgeup",
			Subsystem: "session",
			Name:      "resets_total",
			Help:      "Session rebuilds by kind and result.",
		}, []string{"kind", "result"}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "schedgeup",
			Subsystem: "session",
			Name:      "navigation_exhausted_total",
			Help:      "Navigations that failed at every tier.",
		}),
		crashes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "schedgeup",
			Subsystem: "session",
			Name:      "page_crashes_total",
			Help:      "Pages whose renderer died.",
		}),
		acquireWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "schedgeup",
			Subsystem: "session",
			Name:      "acquire_wait_seconds",
			Help:      "Time callers waited for exclusive page access.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}

	if reg != nil {
		reg.MustRegister(m.attempts, m.resets, m.exhausted, m.crashes, m.acquireWait)
	}
	return m
}

func (m *metrics) attempt(tier Tier, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
		var navErr *NavigationError
		if errors.As(err, &navErr) {
			outcome = string(navErr.Kind)
		}
	}
	m.attempts.WithLabelValues(strconv.Itoa(int(tier)), outcome).Inc()
}

func (m *metrics) reset(kind string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.resets.WithLabelValues(kind, result).Inc()
}
