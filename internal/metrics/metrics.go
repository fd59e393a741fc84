// Package metrics provides Prometheus metrics for the FUSE client.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Remote store metrics
	remoteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seafuse_remote_requests_total",
			Help: "Total requests sent to the remote store",
		},
		[]string{"op", "status"},
	)

	remoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seafuse_remote_request_duration_seconds",
			Help:    "Remote store request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seafuse_bytes_downloaded_total",
			Help: "Total file content bytes downloaded",
		},
	)

	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seafuse_bytes_uploaded_total",
			Help: "Total block bytes uploaded",
		},
	)

	// Cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seafuse_cache_lookups_total",
			Help: "Cache lookups by cache and result (hit, miss, stale)",
		},
		[]string{"cache", "result"},
	)

	directoryRefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "seafuse_directory_refresh_duration_seconds",
			Help:    "Time to refresh one directory listing from the remote",
			Buckets: prometheus.DefBuckets,
		},
	)

	inodesTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "seafuse_inodes",
			Help: "Number of entries in the inode table",
		},
	)

	contentCacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "seafuse_content_cache_bytes",
			Help: "Bytes held by the on-disk content cache",
		},
	)

	// Session metrics
	openSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "seafuse_open_sessions",
			Help: "Number of open file sessions",
		},
	)

	dirtySessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "seafuse_dirty_sessions",
			Help: "Number of sessions holding uncommitted writes",
		},
	)

	// Commit metrics
	commitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seafuse_commits_total",
			Help: "Total commits by result (ok, conflict, failed)",
		},
		[]string{"result"},
	)

	commitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "seafuse_commit_duration_seconds",
			Help:    "Commit duration in seconds, including block uploads",
			Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	blocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seafuse_blocks_total",
			Help: "Content blocks by outcome (uploaded, skipped)",
		},
		[]string{"outcome"},
	)

	// FUSE metrics
	fuseOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seafuse_fuse_ops_total",
			Help: "Total kernel requests by op and reply",
		},
		[]string{"op", "result"},
	)

	fuseOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seafuse_fuse_op_duration_seconds",
			Help:    "Kernel request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	abandonedOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seafuse_abandoned_ops_total",
			Help: "Operations whose kernel request was interrupted; they finished in the background",
		},
		[]string{"op"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordRemoteRequest records one remote store call.
func RecordRemoteRequest(op string, duration time.Duration, success bool) {
	remoteRequestsTotal.WithLabelValues(op, status(success)).Inc()
	remoteRequestDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordDownload records downloaded content bytes.
func RecordDownload(bytes int64) {
	bytesDownloaded.Add(float64(bytes))
}

// RecordCacheLookup records a lookup in the named cache (attr, listing, content).
func RecordCacheLookup(cache, result string) {
	cacheLookupsTotal.WithLabelValues(cache, result).Inc()
}

// RecordDirectoryRefresh records a directory listing refresh.
func RecordDirectoryRefresh(duration time.Duration) {
	directoryRefreshDuration.Observe(duration.Seconds())
}

// SetInodes sets the inode table size.
func SetInodes(count int) {
	inodesTracked.Set(float64(count))
}

// SetContentCacheBytes sets the content cache size.
func SetContentCacheBytes(size int64) {
	contentCacheBytes.Set(float64(size))
}

// SetSessions sets the open and dirty session gauges.
func SetSessions(open, dirty int) {
	openSessions.Set(float64(open))
	dirtySessions.Set(float64(dirty))
}

// RecordCommit records a commit outcome: "ok", "conflict" or "failed".
func RecordCommit(result string, duration time.Duration) {
	commitsTotal.WithLabelValues(result).Inc()
	commitDuration.Observe(duration.Seconds())
}

// RecordBlocks records uploaded and skipped blocks.
func RecordBlocks(uploaded, skipped int, uploadedBytes int64) {
	blocksTotal.WithLabelValues("uploaded").Add(float64(uploaded))
	blocksTotal.WithLabelValues("skipped").Add(float64(skipped))
	bytesUploaded.Add(float64(uploadedBytes))
}

// RecordFuseOp records a kernel request and its reply.
func RecordFuseOp(op, result string, duration time.Duration) {
	fuseOpsTotal.WithLabelValues(op, result).Inc()
	fuseOpDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordAbandonedOp records an operation whose caller went away.
func RecordAbandonedOp(op string) {
	abandonedOpsTotal.WithLabelValues(op).Inc()
}
