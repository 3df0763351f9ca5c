package stress

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/alpacahq/bookie/internal/di"
	"github.com/alpacahq/bookie/utils"
	"github.com/alpacahq/bookie/utils/log"
	"github.com/alpacahq/bookie/utils/pool"
)

const (
	stressUsage     = "stress"
	stressShortDesc = "Generates a concurrent write load against a bookie data directory"
	stressLongDesc  = "This command opens the ledger storage of a data directory in-process, adds entries " +
		"from a pool of workers, syncs the journal, flushes and verifies every entry"
	stressExample = "bookie tool stress --config bookie.yml --groups 16 --entries 10000 --size 1KB"
)

var (
	// Cmd is the stress command.
	Cmd = &cobra.Command{
		Use:     stressUsage,
		Short:   stressShortDesc,
		Long:    stressLongDesc,
		Example: stressExample,
		RunE:    executeStress,
	}
	configFilePath string
	rootDir        string
	groups         int
	entries        int
	entrySize      string
	workers        int
)

// nolint:gochecknoinits // cobra's standard way to initialize flags
func init() {
	Cmd.Flags().StringVarP(&configFilePath, "config", "c", "", "bookie YAML configuration file, defaults are used when empty")
	Cmd.Flags().StringVarP(&rootDir, "root", "r", "", "data directory, overrides the configuration")
	Cmd.Flags().IntVarP(&groups, "groups", "g", 8, "number of groups")
	Cmd.Flags().IntVarP(&entries, "entries", "n", 1000, "entries per group")
	Cmd.Flags().StringVarP(&entrySize, "size", "s", "1KB", "payload size of each entry")
	Cmd.Flags().IntVarP(&workers, "workers", "w", 16, "number of concurrent writers")
}

type params struct {
	groups  int
	entries int
	size    int
	workers int
}

type result struct {
	added   int64
	bytes   uint64
	elapsed time.Duration
}

func (r result) String() string {
	rate := float64(r.added) / r.elapsed.Seconds()
	throughput := uint64(float64(r.bytes) / r.elapsed.Seconds())
	return fmt.Sprintf("%d entries (%s) in %s: %.0f entries/s, %s/s",
		r.added, bytefmt.ByteSize(r.bytes), r.elapsed.Round(time.Millisecond), rate, bytefmt.ByteSize(throughput))
}

func loadConfig() (*utils.BookieConfig, error) {
	var config *utils.BookieConfig
	if configFilePath != "" {
		data, err := os.ReadFile(configFilePath)
		if err != nil {
			return nil, errors.Wrap(err, "read configuration file")
		}
		if config, err = utils.ParseConfig(data); err != nil {
			return nil, err
		}
	} else {
		config = utils.NewDefaultConfig("data")
	}
	if rootDir != "" {
		config.RootDirectory = rootDir
	}
	return config, nil
}

func executeStress(cmd *cobra.Command, _ []string) error {
	size, err := utils.ParseByteSize(entrySize)
	if err != nil {
		return err
	}
	if groups <= 0 || entries <= 0 || workers <= 0 {
		return errors.New("--groups, --entries and --workers must be positive")
	}
	config, err := loadConfig()
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true
	log.SetLevel(config.LogLevel)

	return run(cmd.Context(), di.NewContainer(config), params{
		groups: groups, entries: entries, size: int(size), workers: workers,
	}, cmd.OutOrStdout())
}

func payloadOf(groupID, memberID int64, size int) []byte {
	return bytes.Repeat([]byte{byte(groupID*31 + memberID)}, size)
}

func run(ctx context.Context, c *di.Container, p params, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	storage := c.GetLedgerStorage()
	syncerDone := make(chan error, 1)
	go func() { syncerDone <- c.GetSyncer().Run(ctx) }()

	wp := pool.NewPool(p.workers, func(t pool.Task) error {
		return storage.AddEntry(t.GroupID, t.MemberID, t.Payload)
	})
	tasks := make(chan pool.Task, p.workers)
	go func() {
		defer close(tasks)
		for m := 0; m < p.entries; m++ {
			for g := 0; g < p.groups; g++ {
				tasks <- pool.Task{
					GroupID:  int64(g),
					MemberID: int64(m),
					Payload:  payloadOf(int64(g), int64(m), p.size),
				}
			}
		}
	}()

	start := time.Now()
	wp.Work(tasks)
	addErr := wp.Wait()
	if err := storage.SyncJournal(); err != nil && addErr == nil {
		addErr = err
	}
	res := result{
		added:   wp.Done(),
		bytes:   uint64(wp.Done()) * uint64(p.size),
		elapsed: time.Since(start),
	}
	fmt.Fprintln(out, res)

	cancel()
	if err := <-syncerDone; err != nil && addErr == nil {
		addErr = err
	}
	if addErr != nil {
		_ = storage.Close()
		return errors.Wrapf(addErr, "%d of %d adds failed", wp.Failed(), p.groups*p.entries)
	}

	verified, err := verify(storage, p)
	if closeErr := storage.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "verified %d entries\n", verified)
	return nil
}

type reader interface {
	ReadEntry(groupID, memberID int64) ([]byte, error)
}

func verify(r reader, p params) (int, error) {
	n := 0
	for g := 0; g < p.groups; g++ {
		for m := 0; m < p.entries; m++ {
			got, err := r.ReadEntry(int64(g), int64(m))
			if err != nil {
				return n, errors.Wrapf(err, "read entry %d@%d", m, g)
			}
			if !bytes.Equal(got, payloadOf(int64(g), int64(m), p.size)) {
				return n, errors.Errorf("entry %d@%d does not match what was added", m, g)
			}
			n++
		}
	}
	return n, nil
}
