package identity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var didResolution = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "skytry_identity_resolve_did",
	Help: "DID to PDS resolutions",
}, []string{"method", "status"})

var didResolutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "skytry_identity_resolve_did_duration",
	Help:    "Time to resolve a DID document",
	Buckets: prometheus.ExponentialBucketsRange(0.001, 30, 16),
}, []string{"method", "status"})
