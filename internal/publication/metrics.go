package publication

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var listingsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "skytry_publication_listings",
	Help: "Publication listings resolved, by result",
}, []string{"result"})

var listingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "skytry_publication_listing_duration",
	Help:    "Time to resolve a publication and list its documents",
	Buckets: prometheus.ExponentialBucketsRange(0.01, 30, 12),
})
