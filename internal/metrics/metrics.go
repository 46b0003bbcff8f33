// Package metrics holds the process-wide Prometheus collectors. Handlers and
// caches record into these; internal/server exposes them at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits / CacheMisses count lookups per named cache. Hits are split
	// by the tier that answered ("memory", "file"); misses carry no tier.
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpdproxy_cache_hits_total",
		Help: "Cache lookups that returned a fresh entry.",
	}, []string{"cache", "tier"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpdproxy_cache_misses_total",
		Help: "Cache lookups that fell through both tiers.",
	}, []string{"cache"})

	CacheWriteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpdproxy_cache_write_errors_total",
		Help: "File-tier writes that failed and were discarded.",
	}, []string{"cache"})

	// DecryptSeconds tracks DRM decrypt wall-clock time per segment mime type.
	DecryptSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mpdproxy_decrypt_seconds",
		Help:    "Wall-clock time spent decrypting one segment.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"mime"})

	// Downloads counts upstream fetches by outcome ("ok", "error").
	Downloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpdproxy_downloads_total",
		Help: "Upstream HTTP fetches by outcome.",
	}, []string{"outcome"})

	DownloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mpdproxy_download_bytes_total",
		Help: "Payload bytes fetched from upstreams.",
	})

	ManifestsBuilt = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpdproxy_manifests_built_total",
		Help: "Output manifests rendered, by kind (master, media).",
	}, []string{"kind"})
)
