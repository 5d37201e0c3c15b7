package search

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	searchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reflectd_searches_total",
		Help: "Semantic searches served.",
	})
	degradedSearchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reflectd_searches_degraded_total",
		Help: "Searches that skipped at least one collection.",
	})
)
