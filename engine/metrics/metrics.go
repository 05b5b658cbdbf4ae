// Package metrics declares the broker's prometheus instrumentation as
// package-level promauto vars under a fixed namespace, the same pattern
// friggdb.go and friggdb/pool/pool.go use.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lumenmq"

var (
	SegmentAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segment_appends_total",
		Help:      "Total number of records appended to segment logs.",
	}, []string{"topic", "partition"})

	SegmentBytesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segment_bytes_written_total",
		Help:      "Total number of bytes written to segment logs.",
	}, []string{"topic", "partition"})

	SegmentsRolled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segments_rolled_total",
		Help:      "Total number of times a segment was closed and rolled.",
	}, []string{"topic", "partition"})

	SegmentsOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "segments_open",
		Help:      "Current number of segments per partition, closed ones included.",
	}, []string{"topic", "partition"})

	PartitionCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "partition_cache_hits_total",
		Help:      "Total number of reads served from the partition payload cache.",
	}, []string{"topic", "partition"})

	PartitionCacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "partition_cache_misses_total",
		Help:      "Total number of reads that missed the partition payload cache.",
	}, []string{"topic", "partition"})

	DedupDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dedup_dropped_total",
		Help:      "Total number of inbound messages dropped as duplicates.",
	}, []string{"topic", "partition"})

	RetentionSegmentsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retention_segments_deleted_total",
		Help:      "Total number of segments deleted by the retention maintainer.",
	}, []string{"topic", "reason"})

	RetentionRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "retention_run_duration_seconds",
		Help:      "Time taken to complete one retention maintenance pass.",
		Buckets:   prometheus.ExponentialBuckets(.01, 2, 10),
	})
)
