package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claimsync_requests_total",
		Help: "Client messages handled, by type and result code",
	}, []string{"type", "code"})

	handleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "claimsync_handle_duration_seconds",
		Help:    "Time to handle one client message",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.25},
	}, []string{"type"})

	indexedClaims = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "claimsync_indexed_claims",
		Help: "Claims currently held in the spatial index",
	})
)
