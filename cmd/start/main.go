package start

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/alpacahq/bookie/internal/di"
	"github.com/alpacahq/bookie/metrics"
	"github.com/alpacahq/bookie/utils"
	"github.com/alpacahq/bookie/utils/log"
)

const (
	usage                 = "start"
	short                 = "Start a bookie storage server"
	long                  = "This command replays the journals left by a previous run and starts the bookie storage server"
	example               = "bookie start --config <path>"
	defaultConfigFilePath = "./bookie.yml"
	configDesc            = "set the path for the bookie YAML configuration file"

	readHeaderTimeout = 10 * time.Second
)

var (
	// Cmd is the start command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		Aliases:    []string{"s"},
		SuggestFor: []string{"boot", "up"},
		Example:    example,
		RunE:       executeStart,
	}
	// configFilePath set flag for a path to the config file.
	configFilePath string
	startTime      time.Time
)

// nolint:gochecknoinits // cobra's standard way to initialize flags
func init() {
	startTime = time.Now()
	Cmd.Flags().StringVarP(&configFilePath, "config", "c", defaultConfigFilePath, configDesc)
}

// executeStart implements the start command.
func executeStart(cmd *cobra.Command, _ []string) error {
	globalCtx, globalCancel := context.WithCancel(context.Background())
	defer globalCancel()

	// Attempt to read config file.
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return fmt.Errorf("failed to read configuration file error: %w", err)
	}

	// Don't output command usage if args(=only the filepath to bookie.yml at the moment) are correct
	cmd.SilenceUsage = true

	// Log config location.
	log.Info("using %v for configuration", configFilePath)

	// Attempt to set configuration.
	config, err := utils.ParseConfig(data)
	if err != nil {
		return fmt.Errorf("failed to parse configuration file error: %w", err)
	}
	config.StartTime = startTime
	log.SetLevel(config.LogLevel)

	c := di.NewContainer(config)

	// Initialize bookie services.
	// --------------------------------
	log.Info("initializing bookie...")

	start := time.Now()

	storage := c.GetLedgerStorage()
	syncerDone := make(chan error, 1)
	go func() {
		syncerDone <- c.GetSyncer().Run(globalCtx)
	}()

	go metrics.StartDiskUsageMonitor(globalCtx, metrics.DiskUsage, c.GetAbsRootDir(), config.DiskUsageMonitorInterval)

	startupTime := time.Since(start)
	metrics.StartupTime.Set(startupTime.Seconds())
	log.Info("startup time: %s", startupTime)

	// Set monitoring handler.
	log.Info("launching prometheus metrics server...")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              config.ListenPort,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	// Spawn a goroutine and listen for a signal.
	const defaultSignalChanLen = 10
	signalChan := make(chan os.Signal, defaultSignalChanLen)
	go func() {
		for s := range signalChan {
			switch s {
			case syscall.SIGUSR1:
				log.Info("dumping stack traces due to SIGUSR1 request")
				if err2 := pprof.Lookup("goroutine").WriteTo(os.Stdout, 1); err2 != nil {
					log.Error("failed to write goroutine pprof: %v", err2)
				}
			case syscall.SIGINT, syscall.SIGTERM:
				log.Info("initiating graceful shutdown due to '%v' request", s)
				log.Info("waiting a grace period of %v to shutdown...", config.StopGracePeriod)
				time.Sleep(config.StopGracePeriod)

				globalCancel()
				if err2 := <-syncerDone; err2 != nil {
					log.Error("final flush failed, journals are kept for the next start: %v", err2)
				}
				if err2 := storage.Close(); err2 != nil {
					log.Error("failed to close ledger storage: %v", err2)
				}
				log.Info("shutdown ledger storage...")

				shutdownCtx, cancel := context.WithTimeout(context.Background(), readHeaderTimeout)
				if err2 := srv.Shutdown(shutdownCtx); err2 != nil {
					log.Error("failed to shutdown metrics server: %v", err2)
				}
				cancel()
				return
			}
		}
	}()
	signal.Notify(signalChan, syscall.SIGUSR1, syscall.SIGINT, syscall.SIGTERM)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server - error: %w", err)
	}
	log.Info("exiting...")
	return nil
}
