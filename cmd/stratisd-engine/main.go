// Command stratisd-engine runs the pool-management daemon core: config
// loading, engine construction, hotplug/thin-pool event loops, the
// metrics HTTP listener, and orderly shutdown. It does not itself speak
// to a message bus or any client CLI — RequestHandler is wired up by
// whatever external transport is deployed alongside it.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	stratisd "github.com/stratis-storage/stratisd-go"
	"github.com/stratis-storage/stratisd-go/internal/config"
	"github.com/stratis-storage/stratisd-go/internal/discovery"
	"github.com/stratis-storage/stratisd-go/internal/engine"
)

var (
	configPath  string
	backendFlag string
	stateDir    string
	metricsAddr string
	logLevel    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "stratisd-engine: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stratisd-engine",
	Short: "Pool-management daemon core for a Stratis-style storage service",
	Long: `stratisd-engine assembles and supervises pools: on-disk metadata,
block allocation, the layered device-mapper stack, thin-pool growth, and
encryption. It exposes no client-facing transport itself; pair it with
whatever bus or RPC front-end a deployment needs.`,
	RunE: runServe,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults to built-in defaults)")
	rootCmd.Flags().StringVar(&backendFlag, "backend", "", "override config: real or sim")
	rootCmd.Flags().StringVar(&stateDir, "state-dir", "", "override config: persistence cache and audit log directory")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-listen", "", "override config: metrics HTTP listen address (empty disables)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	lvl, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(lvl)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if backendFlag != "" {
		cfg.Backend = config.Backend(backendFlag)
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if cmd.Flags().Changed("metrics-listen") {
		cfg.MetricsListenAddr = metricsAddr
	}

	eng, err := engine.New(cfg, logNotifier{logger}, logger)
	if err != nil {
		return fmt.Errorf("construct engine: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.MetricsListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsListenAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Error("metrics listener failed")
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.WithField("addr", cfg.MetricsListenAddr).Info("metrics listener started")
	}

	var hotplug discovery.HotplugSource
	switch cfg.Backend {
	case config.BackendReal:
		src, err := discovery.NewUdevHotplugSource(logger)
		if err != nil {
			return fmt.Errorf("start udev hotplug source: %w", err)
		}
		hotplug = src
	default:
		hotplug = discovery.NewSimHotplugSource()
	}

	go eng.RunHotplug(ctx, hotplug)
	go eng.RunThinPoolEvents(ctx, 10*time.Second)

	logger.WithField("backend", cfg.Backend).Info("stratisd-engine started")
	<-ctx.Done()
	logger.Info("shutdown signal received, stopping pools")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	for _, poolUUID := range eng.Pools() {
		if err := eng.PoolStop(stopCtx, poolUUID); err != nil {
			logger.WithError(err).WithField("pool_uuid", poolUUID.String()).Error("pool stop failed during shutdown")
		}
	}

	if err := eng.Close(); err != nil {
		logger.WithError(err).Error("engine close failed")
	}
	logger.Info("shutdown complete")
	return nil
}

// logNotifier is the simplest PropertyNotifier: it logs every change at
// debug level. A deployment that wires a real bus transport replaces
// this with one that actually publishes the property-changed signal.
type logNotifier struct {
	logger logrus.FieldLogger
}

func (n logNotifier) NotifyPoolChanged(pool stratisd.PoolSummary) {
	n.logger.WithFields(logrus.Fields{
		"pool":         pool.Name,
		"availability": pool.Availability,
	}).Debug("pool property changed")
}

func (n logNotifier) NotifyFilesystemChanged(pool stratisd.PoolUUID, fs stratisd.FilesystemSummary) {
	n.logger.WithFields(logrus.Fields{
		"pool_uuid":  pool.String(),
		"filesystem": fs.Name,
	}).Debug("filesystem property changed")
}
