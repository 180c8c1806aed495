package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var msBuckets = []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000, 5000}

var (
	LoaderQueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "propmap_loader_queries_total",
		Help: "Total data loading queries by mode",
	}, []string{"mode"})
	LoaderFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "propmap_loader_failures_total",
		Help: "Failed data loading queries by mode; the previous result stays rendered",
	}, []string{"mode"})
	LoaderStaleTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "propmap_loader_stale_total",
		Help: "Query results dropped because a newer trigger exists",
	}, []string{"mode"})
	LoaderSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "propmap_loader_skipped_total",
		Help: "Triggers answered without a query, by reason",
	}, []string{"reason"})
	LoaderTruncatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "propmap_loader_truncated_total",
		Help: "Viewport results truncated at the result cap",
	})
	LoaderDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "propmap_loader_duration_ms",
		Help:    "Data loading query duration in milliseconds",
		Buckets: msBuckets,
	}, []string{"mode"})
	SourceRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "propmap_source_requests_total",
		Help: "Radius queries issued per source",
	}, []string{"source"})
	SourceFailTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "propmap_source_fail_total",
		Help: "Radius query failures per source",
	}, []string{"source"})
	SourceDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "propmap_source_duration_ms",
		Help:    "Radius query duration per source in milliseconds",
		Buckets: msBuckets,
	}, []string{"source"})
	DirectoryRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "propmap_directory_requests_total",
		Help: "Total live directory REST requests",
	})
	DirectorySuccessTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "propmap_directory_success_total",
		Help: "Total live directory REST successes",
	})
	DirectoryFailTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "propmap_directory_fail_total",
		Help: "Total live directory REST failures",
	})
	DirectoryDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "propmap_directory_duration_ms",
		Help:    "Live directory REST call duration in milliseconds",
		Buckets: msBuckets,
	})
	CacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "propmap_cache_hits_total",
		Help: "Directory cache hits by tier",
	}, []string{"tier"})
	CacheMissesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "propmap_cache_misses_total",
		Help: "Directory cache misses by tier",
	}, []string{"tier"})
	IndexBuildDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "propmap_index_build_duration_ms",
		Help:    "Spatial index build duration in milliseconds",
		Buckets: msBuckets,
	})
	CameraAnimationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "propmap_camera_animations_total",
		Help: "Camera animation commands by kind",
	}, []string{"kind"})
	HeadingTicksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "propmap_heading_ticks_total",
		Help: "Compass ticks by outcome (applied or suppressed)",
	}, []string{"outcome"})
	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "propmap_rate_limited_total",
		Help: "Requests rejected with 429 by the global rate limit",
	})
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "propmap_sessions_active",
		Help: "Map sessions with a running engine",
	})
)

func init() {
	prometheus.MustRegister(LoaderQueriesTotal)
	prometheus.MustRegister(LoaderFailuresTotal)
	prometheus.MustRegister(LoaderStaleTotal)
	prometheus.MustRegister(LoaderSkippedTotal)
	prometheus.MustRegister(LoaderTruncatedTotal)
	prometheus.MustRegister(LoaderDurationMs)
	prometheus.MustRegister(SourceRequestsTotal)
	prometheus.MustRegister(SourceFailTotal)
	prometheus.MustRegister(SourceDurationMs)
	prometheus.MustRegister(DirectoryRequestsTotal)
	prometheus.MustRegister(DirectorySuccessTotal)
	prometheus.MustRegister(DirectoryFailTotal)
	prometheus.MustRegister(DirectoryDurationMs)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(IndexBuildDurationMs)
	prometheus.MustRegister(CameraAnimationsTotal)
	prometheus.MustRegister(HeadingTicksTotal)
	prometheus.MustRegister(RateLimitedTotal)
	prometheus.MustRegister(SessionsActive)
}

// Handler exposes the registered collectors for scraping; mounted by the server under API_BASE.
func Handler() http.Handler { return promhttp.Handler() }
