// Package obsmetrics registers the prometheus collectors the ingestion
// pipeline exposes: per-source row counts, sweep duration, rate-limiter
// wait time, and geocoder cache hit rate.
package obsmetrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors bundles every metric the ingestion pipeline emits. Construct
// once at startup with New and register it against a prometheus.Registerer.
type Collectors struct {
	RowsFetched  *prometheus.CounterVec
	RowsUpserted *prometheus.CounterVec
	RecordErrors *prometheus.CounterVec

	RunDuration    *prometheus.HistogramVec
	SweepDuration  prometheus.Histogram
	RateLimitWait  *prometheus.HistogramVec

	GeocodeCacheHits   prometheus.Counter
	GeocodeCacheMisses prometheus.Counter

	SourcesRunning prometheus.Gauge
}

const namespace = "permittracer"

// New builds a fresh Collectors. Callers are responsible for registration.
func New() *Collectors {
	labels := []string{"source_id", "source_name", "platform"}

	return &Collectors{
		RowsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "rows_fetched_total",
			Help:      "Rows fetched from a source's connector, across all runs.",
		}, labels),
		RowsUpserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "rows_upserted_total",
			Help:      "Rows successfully upserted into storage.",
		}, labels),
		RecordErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "record_errors_total",
			Help:      "Per-record parse/upsert failures.",
		}, labels),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of a single run_ingestion invocation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source_id", "mode"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "pass_duration_seconds",
			Help:      "Duration of one full continuous-sweep pass over all enabled sources.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		RateLimitWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "wait_seconds",
			Help:      "Time a caller spent blocked in RateLimiter.Wait.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"limiter"}),
		GeocodeCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "geocode",
			Name:      "cache_hits_total",
			Help:      "Geocode lookups served from the in-memory or persistent cache.",
		}),
		GeocodeCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "geocode",
			Name:      "cache_misses_total",
			Help:      "Geocode lookups that required a network call.",
		}),
		SourcesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "sources_running",
			Help:      "Number of sources with an in-flight ingestion run.",
		}),
	}
}

// MustRegister registers every collector against reg, panicking on conflict
// — mirrors the teacher's fail-fast startup convention.
func (c *Collectors) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		c.RowsFetched,
		c.RowsUpserted,
		c.RecordErrors,
		c.RunDuration,
		c.SweepDuration,
		c.RateLimitWait,
		c.GeocodeCacheHits,
		c.GeocodeCacheMisses,
		c.SourcesRunning,
	)
}
