// Package metrics exports sync engine counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentworkforce/listcache/internal/listsync"
)

const namespace = "listcache"

// Recorder implements listsync.Metrics.
type Recorder struct {
	registry *prometheus.Registry

	fetchDuration *prometheus.HistogramVec
	fetches       *prometheus.CounterVec
	coalesced     *prometheus.CounterVec
	debounced     *prometheus.CounterVec
	staleTokens   *prometheus.CounterVec
	merged        *prometheus.CounterVec
	cached        *prometheus.GaugeVec
}

var _ listsync.Metrics = (*Recorder)(nil)

// NewRecorder registers its collectors with a private registry, so tests and
// multiple sessions in one process never collide.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Latency of calls into the remote list service.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"collection", "mode"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Fetches by query, mode and outcome.",
		}, []string{"collection", "query", "mode", "outcome"}),
		coalesced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coalesced_runs_total",
			Help:      "Query runs that joined an in-flight fetch.",
		}, []string{"collection", "query"}),
		debounced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debounced_runs_total",
			Help:      "Query runs answered from cache inside the debounce window.",
		}, []string{"collection", "query"}),
		staleTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_token_recoveries_total",
			Help:      "Incremental fetches that fell back to a full fetch.",
		}, []string{"collection", "query"}),
		merged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merged_records_total",
			Help:      "Records merged into the registry, by kind.",
		}, []string{"collection", "kind"}),
		cached: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cached_records",
			Help:      "Records currently held by each query cache.",
		}, []string{"collection", "query"}),
	}
	r.registry.MustRegister(
		r.fetchDuration,
		r.fetches,
		r.coalesced,
		r.debounced,
		r.staleTokens,
		r.merged,
		r.cached,
		collectors.NewGoCollector(),
	)
	return r
}

func (r *Recorder) ObserveFetch(collectionID, query string, mode listsync.FetchMode, outcome string, duration time.Duration) {
	r.fetches.WithLabelValues(collectionID, query, string(mode), outcome).Inc()
	if outcome != listsync.OutcomeDiscarded {
		r.fetchDuration.WithLabelValues(collectionID, string(mode)).Observe(duration.Seconds())
	}
}

func (r *Recorder) IncCoalesced(collectionID, query string) {
	r.coalesced.WithLabelValues(collectionID, query).Inc()
}

func (r *Recorder) IncDebounced(collectionID, query string) {
	r.debounced.WithLabelValues(collectionID, query).Inc()
}

func (r *Recorder) IncStaleTokenRecovered(collectionID, query string) {
	r.staleTokens.WithLabelValues(collectionID, query).Inc()
}

func (r *Recorder) AddMerged(collectionID string, changed, deleted int) {
	if changed > 0 {
		r.merged.WithLabelValues(collectionID, "changed").Add(float64(changed))
	}
	if deleted > 0 {
		r.merged.WithLabelValues(collectionID, "deleted").Add(float64(deleted))
	}
}

func (r *Recorder) SetCachedRecords(collectionID, query string, count int) {
	r.cached.WithLabelValues(collectionID, query).Set(float64(count))
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the recorder's registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
