// Package metrics is the Prometheus-backed implementation of
// restore.MetricsSink, grounded on dittofs's pkg/metrics/prometheus
// registration idiom (promauto.With(reg).New*Vec, one field per metric).
// Unlike dittofs, blockvault has no cross-package cycle to route around, so
// this stays a single package instead of a metrics/metrics-prometheus split.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder implements restore.MetricsSink (kept interface-only in pkg/restore
// so the core packages never import the prometheus client directly).
type Recorder struct {
	registry *prometheus.Registry

	volumeDownloadsStarted  prometheus.Counter
	volumeDownloadsFinished *prometheus.CounterVec
	cacheHits               prometheus.Counter
	cacheMisses             prometheus.Counter
	bytesDecompressed       prometheus.Counter
	filesRestored           *prometheus.CounterVec

	// inFlightDownloads counts downloads in flight across all volumes; it
	// has no per-volume label, so it can read up to the download
	// concurrency. Tests can scrape it directly instead of racing the
	// downloader.
	inFlightDownloads prometheus.Gauge
}

// New builds a Recorder registered against a fresh *prometheus.Registry
// (rather than the global DefaultRegisterer) so multiple restores in the
// same process, e.g. in tests, don't collide on metric registration.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	return &Recorder{
		registry: reg,
		volumeDownloadsStarted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blockvault_volume_downloads_started_total",
			Help: "Total number of volume downloads started.",
		}),
		volumeDownloadsFinished: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "blockvault_volume_downloads_finished_total",
			Help: "Total number of volume downloads finished, by outcome.",
		}, []string{"outcome"}), // "ok", "error"
		cacheHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blockvault_volume_cache_hits_total",
			Help: "Total number of volume cache hits.",
		}),
		cacheMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blockvault_volume_cache_misses_total",
			Help: "Total number of volume cache misses.",
		}),
		bytesDecompressed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blockvault_bytes_decompressed_total",
			Help: "Total number of decompressed block bytes written to the assembler.",
		}),
		filesRestored: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "blockvault_files_restored_total",
			Help: "Total number of files restored, by outcome.",
		}, []string{"outcome"}), // "ok", "error"
		inFlightDownloads: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "blockvault_volume_downloads_in_flight",
			Help: "Number of volume downloads currently in flight.",
		}),
	}
}

// Handler exposes the recorder's registry over HTTP for cmd/blockvault's
// metrics server.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) VolumeDownloadStarted(uint64) {
	r.volumeDownloadsStarted.Inc()
	r.inFlightDownloads.Inc()
}

func (r *Recorder) VolumeDownloadFinished(_ uint64, ok bool) {
	r.inFlightDownloads.Dec()
	if ok {
		r.volumeDownloadsFinished.WithLabelValues("ok").Inc()
	} else {
		r.volumeDownloadsFinished.WithLabelValues("error").Inc()
	}
}

func (r *Recorder) CacheHit()  { r.cacheHits.Inc() }
func (r *Recorder) CacheMiss() { r.cacheMisses.Inc() }

func (r *Recorder) BytesDecompressed(n int) {
	r.bytesDecompressed.Add(float64(n))
}

func (r *Recorder) FileRestored(ok bool) {
	if ok {
		r.filesRestored.WithLabelValues("ok").Inc()
	} else {
		r.filesRestored.WithLabelValues("error").Inc()
	}
}
