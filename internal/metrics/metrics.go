// Package metrics registers the Prometheus instruments shared across the
// acquisition pipeline and HTTP layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Set holds the process metric instruments. One Set is created at
// startup and threaded to the components that record into it.
type Set struct {
	Registry *prometheus.Registry

	UpstreamRequests *prometheus.CounterVec
	UpstreamLatency  *prometheus.HistogramVec
	BrowserHarvests  *prometheus.CounterVec
	KeywordsCrawled  *prometheus.CounterVec
	OffersPersisted  prometheus.Counter
	OutlierRows      prometheus.Gauge
	TasksActive      prometheus.Gauge
	HTTPRequests     *prometheus.CounterVec
	HTTPLatency      *prometheus.HistogramVec
}

// New builds a Set on a private registry so tests can create instances
// without collisions.
func New() *Set {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Set{
		Registry: reg,
		UpstreamRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pharmwatch_upstream_requests_total",
			Help: "Upstream endpoint calls by path and outcome.",
		}, []string{"path", "outcome"}),
		UpstreamLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pharmwatch_upstream_latency_seconds",
			Help:    "Upstream endpoint call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path"}),
		BrowserHarvests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pharmwatch_browser_harvests_total",
			Help: "Browser harvest attempts by outcome.",
		}, []string{"outcome"}),
		KeywordsCrawled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pharmwatch_keywords_crawled_total",
			Help: "Keywords processed by the scheduler, by outcome.",
		}, []string{"outcome"}),
		OffersPersisted: factory.NewCounter(prometheus.CounterOpts{
			Name: "pharmwatch_offers_persisted_total",
			Help: "Price rows inserted.",
		}),
		OutlierRows: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pharmwatch_outlier_rows",
			Help: "Price rows currently flagged as outliers or placeholders.",
		}),
		TasksActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pharmwatch_tasks_active",
			Help: "Crawl tasks currently running.",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pharmwatch_http_requests_total",
			Help: "Operator API requests by route and status class.",
		}, []string{"route", "status"}),
		HTTPLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pharmwatch_http_latency_seconds",
			Help:    "Operator API request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}
