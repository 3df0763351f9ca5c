package metrics

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alpacahq/bookie/utils/log"
)

// Setter is an interface for prometheus metrics to improve unit-testability.
type Setter interface {
	Set(m float64)
}

// StartDiskUsageMonitor sets the disk usage of rootDir on s at every interval
// until ctx is done.
func StartDiskUsageMonitor(ctx context.Context, s Setter, rootDir string, interval time.Duration) {
	s.Set(float64(DiskUsageOf(rootDir)))

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Set(float64(DiskUsageOf(rootDir)))
		}
	}
}

// DiskUsageOf returns the bytes actually allocated on disk by the regular
// files under path. Preallocated but unwritten ranges are not counted.
func DiskUsageOf(path string) int64 {
	var totalSize int64
	err := filepath.Walk(path, func(fp string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		stat, ok := info.Sys().(*syscall.Stat_t)
		if !ok {
			log.Warn("failed to get Stat_t for %s, using the apparent size", fp)
			totalSize += info.Size()
			return nil
		}
		// st_blocks is always counted in 512-byte units
		totalSize += stat.Blocks * 512
		return nil
	})
	if err != nil {
		log.Error("failed to get the disk usage of %s: %v", path, err)
	}
	return totalSize
}
