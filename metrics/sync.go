// Package metrics has prometheus metrics for the replication core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSynclogWrite = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msync_synclog_write_total",
			Help: "Change log record writes and results, per target.",
		},
		[]string{
			"target",
			"result", // ok, error
		},
	)

	metricDigest = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msync_digest_total",
			Help: "Consistency digest computations.",
		},
		[]string{
			"algorithm", // crc32, crc32m
		},
	)

	metricReserve = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msync_reserve_total",
			Help: "Message reservation attempts during transfer batches.",
		},
		[]string{
			"result", // hit (already at destination, not resent), miss (transferred)
		},
	)

	metricDlistParseErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "msync_dlist_parse_errors_total",
			Help: "Protocol parse errors for incoming dlist values.",
		},
	)
)

func SynclogWriteInc(target, result string) {
	metricSynclogWrite.WithLabelValues(target, result).Inc()
}

func DigestInc(algorithm string) {
	metricDigest.WithLabelValues(algorithm).Inc()
}

func ReserveInc(result string) {
	metricReserve.WithLabelValues(result).Inc()
}

func DlistParseErrorInc() {
	metricDlistParseErrors.Inc()
}
