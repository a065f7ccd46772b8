package downloader

import (
	"log/slog"
	"net/http"
	"net/http/pprof"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics
var (
	metOnce     sync.Once
	metRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dlc_download_requests_total", Help: "Download attempts by status and HTTP code"},
		[]string{"status", "code"},
	)
	metBytes     = prometheus.NewCounter(prometheus.CounterOpts{Name: "dlc_download_bytes_total", Help: "Total bytes downloaded"})
	metDuration  = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "dlc_download_duration_seconds", Help: "Time spent per download attempt", Buckets: prometheus.DefBuckets})
	metRetries   = prometheus.NewCounter(prometheus.CounterOpts{Name: "dlc_download_retries_total", Help: "Total retry attempts"})
	metInflight  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dlc_download_inflight", Help: "In-flight HTTP requests"})
	metResumes   = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dlc_resume_attempts_total", Help: "Resume attempts by outcome"},
		[]string{"outcome"},
	)
	metProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dlc_processed_total", Help: "Processed records by result"},
		[]string{"result"},
	)
)

func initMetrics() {
	metOnce.Do(func() {
		prometheus.MustRegister(metRequests, metBytes, metDuration, metRetries, metInflight, metResumes, metProcessed)
	})
}

// StartMetricsServer exposes Prometheus metrics and pprof handlers when
// addr is non-empty.
func StartMetricsServer(addr string) {
	if addr == "" {
		return
	}
	initMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	go func() {
		slog.Info("metrics/pprof listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server error", "err", err)
		}
	}()
}
