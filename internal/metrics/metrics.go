// Package metrics registers the engine's Prometheus instrumentation on the
// default registry. No exposition endpoint is built in; embedders that want
// scraping can mount promhttp.Handler themselves.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	objectCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gitsend",
		Subsystem: "object_cache",
		Name:      "hits_total",
		Help:      "Object cache hits by object kind.",
	}, []string{"kind"})

	objectCacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gitsend",
		Subsystem: "object_cache",
		Name:      "misses_total",
		Help:      "Object cache misses by object kind.",
	}, []string{"kind"})

	objectCacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gitsend",
		Subsystem: "object_cache",
		Name:      "evictions_total",
		Help:      "Object cache LRU evictions by object kind.",
	}, []string{"kind"})

	bloomNegatives = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gitsend",
		Subsystem: "packidx",
		Name:      "bloom_negatives_total",
		Help:      "Pack index searches short-circuited by a Bloom filter.",
	})

	packidxPromotions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gitsend",
		Subsystem: "packidx",
		Name:      "cache_promotions_total",
		Help:      "Pack index cache hits promoted to the front of the cache.",
	})

	packCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gitsend",
		Subsystem: "pack",
		Name:      "cache_evictions_total",
		Help:      "Open pack files closed by cache eviction.",
	})

	uploadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gitsend",
		Subsystem: "send",
		Name:      "upload_bytes_total",
		Help:      "Pack file bytes uploaded to remotes.",
	})
)

// ObjectCacheHit records a hit on the cache for the given object kind.
func ObjectCacheHit(kind string) { objectCacheHits.WithLabelValues(kind).Inc() }

// ObjectCacheMiss records a miss on the cache for the given object kind.
func ObjectCacheMiss(kind string) { objectCacheMisses.WithLabelValues(kind).Inc() }

// ObjectCacheEviction records an LRU eviction for the given object kind.
func ObjectCacheEviction(kind string) { objectCacheEvictions.WithLabelValues(kind).Inc() }

// BloomNegative records a pack index search skipped by its Bloom filter.
func BloomNegative() { bloomNegatives.Inc() }

// PackidxPromotion records a pack index cache hit.
func PackidxPromotion() { packidxPromotions.Inc() }

// PackCacheEviction records a pack file closed to make room in the cache.
func PackCacheEviction() { packCacheEvictions.Inc() }

// UploadBytes adds n to the total count of pack bytes sent to remotes.
func UploadBytes(n int64) { uploadBytes.Add(float64(n)) }
