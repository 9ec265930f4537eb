// Package metrics defines the prometheus collectors of the circulation core.
//
// A nil *Metrics is valid and records nothing, so components can take it as an
// optional dependency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeOK           = "ok"
	OutcomeAlreadyTaken = "already_taken"
	OutcomeNotActive    = "not_active"
	OutcomeError        = "error"
	OutcomeDropped      = "dropped"
)

// Cache lookup label values.
const (
	CacheHit   = "hit"
	CacheStale = "stale"
	CacheMiss  = "miss"
)

// Metrics bundles every collector.
type Metrics struct {
	loanRequests  *prometheus.CounterVec
	loanReturns   *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	cacheFetchErr prometheus.Counter
	feedDelivered *prometheus.CounterVec
	feedDropped   *prometheus.CounterVec
	sideEffects   *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		loanRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "library_loan_requests_total",
			Help: "Loan requests by outcome.",
		}, []string{"outcome"}),
		loanReturns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "library_loan_returns_total",
			Help: "Loan returns by outcome.",
		}, []string{"outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "library_query_cache_lookups_total",
			Help: "Query cache reads by result.",
		}, []string{"result"}),
		cacheFetchErr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "library_query_cache_fetch_errors_total",
			Help: "Query fetches that failed after exhausting retries.",
		}),
		feedDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "library_feed_events_delivered_total",
			Help: "Change events handed to subscribers.",
		}, []string{"collection", "type"}),
		feedDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "library_feed_events_dropped_total",
			Help: "Change events dropped because a subscriber queue was full.",
		}, []string{"collection"}),
		sideEffects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "library_side_effects_total",
			Help: "Notification and mail side effects by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}
	reg.MustRegister(
		m.loanRequests,
		m.loanReturns,
		m.cacheLookups,
		m.cacheFetchErr,
		m.feedDelivered,
		m.feedDropped,
		m.sideEffects,
	)
	return m
}

// Handler serves the collectors registered on g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) LoanRequest(outcome string) {
	if m == nil {
		return
	}
	m.loanRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LoanReturn(outcome string) {
	if m == nil {
		return
	}
	m.loanReturns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) CacheFetchError() {
	if m == nil {
		return
	}
	m.cacheFetchErr.Inc()
}

func (m *Metrics) FeedDelivered(collection, eventType string) {
	if m == nil {
		return
	}
	m.feedDelivered.WithLabelValues(collection, eventType).Inc()
}

func (m *Metrics) FeedDropped(collection string) {
	if m == nil {
		return
	}
	m.feedDropped.WithLabelValues(collection).Inc()
}

func (m *Metrics) SideEffect(kind, outcome string) {
	if m == nil {
		return
	}
	m.sideEffects.WithLabelValues(kind, outcome).Inc()
}
