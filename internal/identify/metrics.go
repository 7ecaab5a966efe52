package identify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var identifyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "plantid_identify_requests_total",
	Help: "Identification requests by outcome",
}, []string{"outcome"})

var identifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "plantid_identify_duration_seconds",
	Help:    "Time spent waiting on the identification backend",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
})
