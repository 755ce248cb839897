// Package metrics exposes Prometheus collectors for the lead crawler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadcrawler_fetches_total",
			Help: "Fetch gateway calls, labeled by kind (listing, detail, preflight) and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	candidatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadcrawler_candidates_total",
			Help: "Listing candidates, labeled by the filter stage that decided them and the decision.",
		},
		[]string{"stage", "decision"},
	)

	leadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadcrawler_leads_total",
			Help: "Detail-processed candidates, labeled by outcome (added, duplicate, junk, skipped).",
		},
		[]string{"outcome"},
	)

	llmCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadcrawler_llm_calls_total",
			Help: "LLM provider calls, labeled by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	llmCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leadcrawler_llm_call_duration_seconds",
			Help:    "LLM provider call latency.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	llmFailoversTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "leadcrawler_llm_failovers_total",
			Help: "Times the primary provider entered cooldown.",
		},
	)

	citiesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadcrawler_cities_total",
			Help: "City workers finished, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	activeCities = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "leadcrawler_active_cities",
			Help: "City workers currently running.",
		},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveFetch(kind, outcome string) {
	fetchesTotal.WithLabelValues(kind, outcome).Inc()
}

func ObserveCandidate(stage, decision string) {
	candidatesTotal.WithLabelValues(stage, decision).Inc()
}

func ObserveLead(outcome string) {
	leadsTotal.WithLabelValues(outcome).Inc()
}

// ObserveLLMCall records one provider call and its latency.
func ObserveLLMCall(provider, outcome string, elapsed time.Duration) {
	llmCallsTotal.WithLabelValues(provider, outcome).Inc()
	llmCallDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func ObserveFailover() {
	llmFailoversTotal.Inc()
}

func ObserveCity(outcome string) {
	citiesTotal.WithLabelValues(outcome).Inc()
}

// CityStarted marks a city worker as running; call the returned func when it ends.
func CityStarted() func() {
	activeCities.Inc()
	return activeCities.Dec
}
