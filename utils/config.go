package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/alpacahq/bookie/utils/log"
)

const (
	defaultListenPort            = "8000"
	defaultStopGracePeriod       = 0
	defaultMaxCacheSize          = 64 * bytefmt.MEGABYTE
	defaultMaxSegmentSize        = 1 * bytefmt.MEGABYTE
	defaultJournalBufferSize     = 64 * bytefmt.KILOBYTE
	defaultJournalSyncInterval   = 5 * time.Millisecond
	defaultJournalRotateSize     = 64 * bytefmt.MEGABYTE
	defaultEntryLogBufferSize    = 64 * bytefmt.KILOBYTE
	defaultFlushInterval         = 5 * time.Second
	defaultFlushThresholdRatio   = 0.8
	defaultFlushRetryInterval    = 100 * time.Millisecond
	defaultFlushRetryBackoff     = 2
	defaultDiskUsageInterval     = 10 * time.Minute
	maxFlushRetryBackoffExponent = 10
)

// WriteCacheConfig sizes each of the two write caches of the ledger storage.
type WriteCacheConfig struct {
	MaxCacheSize   int64
	MaxSegmentSize int64
}

type JournalConfig struct {
	WriteBufferSize int
	// UnpersistedBytesBound makes the journal channel sync every time that
	// many bytes were appended. 0 leaves syncing to the sync interval.
	UnpersistedBytesBound int64
	SyncInterval          time.Duration
	RotateSize            int64
}

type EntryLogConfig struct {
	WriteBufferSize int
	Compress        bool
}

type FlushConfig struct {
	Interval       time.Duration
	ThresholdRatio float64
	RetryInterval  time.Duration
	RetryBackoff   int
}

type BookieConfig struct {
	RootDirectory            string
	ListenPort               string
	LogLevel                 log.Level
	StopGracePeriod          time.Duration
	DiskUsageMonitorInterval time.Duration
	WriteCache               WriteCacheConfig
	Journal                  JournalConfig
	EntryLog                 EntryLogConfig
	Flush                    FlushConfig
	StartTime                time.Time
}

// NewDefaultConfig returns the configuration used for every key a config
// file leaves out.
func NewDefaultConfig(rootDir string) *BookieConfig {
	return &BookieConfig{
		RootDirectory:            rootDir,
		ListenPort:               ":" + defaultListenPort,
		LogLevel:                 log.INFO,
		StopGracePeriod:          defaultStopGracePeriod,
		DiskUsageMonitorInterval: defaultDiskUsageInterval,
		WriteCache: WriteCacheConfig{
			MaxCacheSize:   defaultMaxCacheSize,
			MaxSegmentSize: defaultMaxSegmentSize,
		},
		Journal: JournalConfig{
			WriteBufferSize: defaultJournalBufferSize,
			SyncInterval:    defaultJournalSyncInterval,
			RotateSize:      defaultJournalRotateSize,
		},
		EntryLog: EntryLogConfig{
			WriteBufferSize: defaultEntryLogBufferSize,
		},
		Flush: FlushConfig{
			Interval:       defaultFlushInterval,
			ThresholdRatio: defaultFlushThresholdRatio,
			RetryInterval:  defaultFlushRetryInterval,
			RetryBackoff:   defaultFlushRetryBackoff,
		},
	}
}

func ParseConfig(data []byte) (*BookieConfig, error) {
	var (
		aux struct {
			RootDirectory    string `yaml:"root_directory"`
			ListenPort       string `yaml:"listen_port"`
			LogLevel         string `yaml:"log_level"`
			StopGracePeriod  int    `yaml:"stop_grace_period"`
			DiskUsageMonitor int    `yaml:"disk_usage_monitor_interval"`
			WriteCache       struct {
				MaxCacheSize   string `yaml:"max_cache_size"`
				MaxSegmentSize string `yaml:"max_segment_size"`
			} `yaml:"write_cache"`
			Journal struct {
				WriteBufferSize       string `yaml:"write_buffer_size"`
				UnpersistedBytesBound string `yaml:"unpersisted_bytes_bound"`
				SyncIntervalMillis    int    `yaml:"sync_interval_ms"`
				RotateSize            string `yaml:"rotate_size"`
			} `yaml:"journal"`
			EntryLog struct {
				WriteBufferSize string `yaml:"write_buffer_size"`
				Compress        string `yaml:"compress"`
			} `yaml:"entry_log"`
			Flush struct {
				IntervalMillis      int     `yaml:"interval_ms"`
				ThresholdRatio      float64 `yaml:"threshold_ratio"`
				RetryIntervalMillis int     `yaml:"retry_interval_ms"`
				RetryBackoff        int     `yaml:"retry_backoff"`
			} `yaml:"flush"`
		}
	)

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return nil, errors.Wrap(err, "unmarshal yaml")
	}

	if aux.RootDirectory == "" {
		return nil, errors.New("invalid root directory")
	}
	m := NewDefaultConfig(aux.RootDirectory)

	if aux.ListenPort != "" {
		if _, err := strconv.ParseUint(aux.ListenPort, 10, 16); err != nil {
			return nil, errors.Errorf("invalid listen port %q", aux.ListenPort)
		}
		m.ListenPort = fmt.Sprintf(":%v", aux.ListenPort)
	}

	if aux.LogLevel != "" {
		m.LogLevel = log.ParseLevel(aux.LogLevel)
	}

	if aux.StopGracePeriod > 0 {
		m.StopGracePeriod = time.Duration(aux.StopGracePeriod) * time.Second
	}
	if aux.DiskUsageMonitor > 0 {
		m.DiskUsageMonitorInterval = time.Duration(aux.DiskUsageMonitor) * time.Second
	}

	sizes := []struct {
		key string
		val string
		dst *int64
	}{
		{"write_cache.max_cache_size", aux.WriteCache.MaxCacheSize, &m.WriteCache.MaxCacheSize},
		{"write_cache.max_segment_size", aux.WriteCache.MaxSegmentSize, &m.WriteCache.MaxSegmentSize},
		{"journal.unpersisted_bytes_bound", aux.Journal.UnpersistedBytesBound, &m.Journal.UnpersistedBytesBound},
		{"journal.rotate_size", aux.Journal.RotateSize, &m.Journal.RotateSize},
	}
	for _, s := range sizes {
		if s.val == "" {
			continue
		}
		v, err := ParseByteSize(s.val)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s", s.key)
		}
		*s.dst = v
	}

	buffers := []struct {
		key string
		val string
		dst *int
	}{
		{"journal.write_buffer_size", aux.Journal.WriteBufferSize, &m.Journal.WriteBufferSize},
		{"entry_log.write_buffer_size", aux.EntryLog.WriteBufferSize, &m.EntryLog.WriteBufferSize},
	}
	for _, b := range buffers {
		if b.val == "" {
			continue
		}
		v, err := ParseByteSize(b.val)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s", b.key)
		}
		*b.dst = int(v)
	}

	if m.WriteCache.MaxCacheSize <= 0 || m.WriteCache.MaxSegmentSize <= 0 {
		return nil, errors.New("write cache sizes must be positive")
	}
	if m.Journal.RotateSize <= 0 {
		return nil, errors.New("journal rotate size must be positive")
	}

	if aux.Journal.SyncIntervalMillis > 0 {
		m.Journal.SyncInterval = time.Duration(aux.Journal.SyncIntervalMillis) * time.Millisecond
	}

	if aux.EntryLog.Compress != "" {
		compress, err := strconv.ParseBool(aux.EntryLog.Compress)
		if err != nil {
			log.Error("Invalid value: %v for entry_log.compress. Disabling compression...", aux.EntryLog.Compress)
		} else {
			m.EntryLog.Compress = compress
		}
	}

	if aux.Flush.IntervalMillis > 0 {
		m.Flush.Interval = time.Duration(aux.Flush.IntervalMillis) * time.Millisecond
	}
	if aux.Flush.ThresholdRatio != 0 {
		if aux.Flush.ThresholdRatio < 0 || aux.Flush.ThresholdRatio > 1 {
			return nil, errors.Errorf("flush.threshold_ratio must be in (0, 1], got %v", aux.Flush.ThresholdRatio)
		}
		m.Flush.ThresholdRatio = aux.Flush.ThresholdRatio
	}
	if aux.Flush.RetryIntervalMillis > 0 {
		m.Flush.RetryInterval = time.Duration(aux.Flush.RetryIntervalMillis) * time.Millisecond
	}
	if aux.Flush.RetryBackoff > 0 {
		if aux.Flush.RetryBackoff > maxFlushRetryBackoffExponent {
			log.Warn("flush.retry_backoff=%d is too large, using %d", aux.Flush.RetryBackoff, maxFlushRetryBackoffExponent)
			aux.Flush.RetryBackoff = maxFlushRetryBackoffExponent
		}
		m.Flush.RetryBackoff = aux.Flush.RetryBackoff
	}

	return m, nil
}

// ParseByteSize accepts a plain byte count ("4096") or a human readable size
// with a unit ("64MB", "512K").
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		if v < 0 {
			return 0, errors.Errorf("negative byte size %d", v)
		}
		return v, nil
	}
	v, err := bytefmt.ToBytes(s)
	if err != nil {
		return 0, errors.Wrapf(err, "parse byte size %q", s)
	}
	return int64(v), nil
}

// DefaultConfigYAML is written by the create command.
const DefaultConfigYAML = `root_directory: data
listen_port: 8000
log_level: info
stop_grace_period: 0
disk_usage_monitor_interval: 600
write_cache:
  max_cache_size: 64MB
  max_segment_size: 1MB
journal:
  write_buffer_size: 64KB
  unpersisted_bytes_bound: 0
  sync_interval_ms: 5
  rotate_size: 64MB
entry_log:
  write_buffer_size: 64KB
  compress: false
flush:
  interval_ms: 5000
  threshold_ratio: 0.8
  retry_interval_ms: 100
  retry_backoff: 2
`
