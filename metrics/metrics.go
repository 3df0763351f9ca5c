package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var namespace = "bookie"
var subsystem = "storage"

var (
	// StartupTime stores how long the startup took (in seconds), journal replay included
	StartupTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "startup_seconds",
			Help:      "Seconds taken by the startup",
		},
	)

	// DiskUsage stores the number of bytes used by the bookie root directory
	DiskUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "disk_usage_bytes",
			Help:      "Bytes used on disk by journals and entry logs",
		},
	)

	// AddEntryDuration stores the processing time of every AddEntry, journal append included
	AddEntryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "add_entry_duration_seconds",
		Help:      "AddEntry processing time",
	})

	// ReadEntryTotal stores the number of successful reads partitioned by
	// the layer that served them
	ReadEntryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "read_entry_total",
		Help:      "Number of entries read partitioned by the layer that served them",
	}, []string{"source"})

	// WriteCacheSize stores the bytes held by the active write cache
	WriteCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "write_cache_size_bytes",
		Help:      "Payload bytes held by the active write cache",
	})

	// WriteCacheCount stores the number of distinct entries in the active write cache
	WriteCacheCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "write_cache_entries",
		Help:      "Number of distinct entries in the active write cache",
	})

	// WriteCacheRejectedTotal stores the number of puts the write cache refused
	WriteCacheRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "write_cache_rejected_total",
		Help:      "Number of entries the write cache could not hold",
	})

	// FlushDuration stores the time taken to drain a write cache into the entry log
	FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "flush_duration_seconds",
		Help:      "Time taken to drain a write cache into the entry log",
	})

	// FlushedEntriesTotal stores the number of entries moved from write caches to the entry log
	FlushedEntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "flushed_entries_total",
		Help:      "Number of entries moved from write caches to the entry log",
	})

	// ChannelFlushedBytesTotal stores the bytes handed to the OS by buffered
	// channels partitioned by channel name
	ChannelFlushedBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "channel_flushed_bytes_total",
		Help:      "Bytes written to files by buffered channels partitioned by channel",
	}, []string{"channel"})

	// ChannelSyncDuration stores the fsync latency partitioned by channel name
	ChannelSyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "channel_sync_duration_seconds",
		Help:      "Time taken by fsync partitioned by channel",
	}, []string{"channel"})

	// JournalRotationsTotal stores the number of journal files rotated
	JournalRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "journal_rotations_total",
		Help:      "Number of journal files rotated",
	})
)
