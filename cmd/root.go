package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gpu-router/gpu-router/api"
	"github.com/gpu-router/gpu-router/router"
)

var (
	// CLI flags for the routing service
	configPath    string // Path to a YAML config file
	listenAddr    string // HTTP listen address
	logLevel      string // Log verbosity level
	strategy      string // Default GPU selection strategy
	monitoringURL string // External GPU telemetry endpoint
	pollInterval  time.Duration
	seed          int64 // Seed for the random selection strategy
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "gpu-router",
	Short: "GPU-aware request routing and admission control service",
}

// serveCmd starts the routing service using parameters from the config file
// and CLI flags (flags win).
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the routing service",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		cfg, err := router.LoadConfig(configPath)
		if err != nil {
			logrus.Fatalf("Could not load config: %v", err)
		}
		if cmd.Flags().Changed("listen") {
			cfg.Server.ListenAddr = listenAddr
		}
		if cmd.Flags().Changed("strategy") {
			cfg.Router.DefaultStrategy = strategy
		}
		if cmd.Flags().Changed("monitoring-url") {
			cfg.Telemetry.MonitoringURL = monitoringURL
		}
		if cmd.Flags().Changed("poll-interval") {
			cfg.Telemetry.PollInterval = pollInterval
		}
		if cmd.Flags().Changed("seed") {
			cfg.Router.Seed = seed
		}

		quotas := router.NewQuotaManager(cfg.Quota)
		gpus := router.NewGPURegistry()
		strategies := router.NewStrategySelector(cfg.Router.DefaultStrategy, cfg.Router.Seed)
		rt := router.NewRouter(cfg.Router, quotas, gpus, strategies)
		rt.AttachBackend(router.NewSimulatedBackend(rt))
		rt.AttachCallbacks(router.NewCallbackSender(cfg.Telemetry.RetryMax))

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if cfg.Telemetry.MonitoringURL != "" {
			poller := router.NewTelemetryPoller(cfg.Telemetry, gpus)
			go poller.Run(ctx)
			logrus.Infof("Polling GPU telemetry from %s every %s", cfg.Telemetry.MonitoringURL, cfg.Telemetry.PollInterval)
		} else {
			router.SeedGPUs(gpus, cfg.GPUs)
			logrus.Infof("No monitoring URL configured, seeded %d GPUs statically", len(cfg.GPUs))
		}

		rt.Start()
		defer rt.Stop()

		agg := router.NewAggregator(rt, quotas, gpus)
		srv := &http.Server{
			Addr:    cfg.Server.ListenAddr,
			Handler: api.NewServer(rt, quotas, gpus, agg).Handler(),
		}

		go func() {
			logrus.Infof("Listening on %s", cfg.Server.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.Fatalf("HTTP server failed: %v", err)
			}
		}()

		<-ctx.Done()
		logrus.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.Warnf("HTTP shutdown: %v", err)
		}
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config file")
	serveCmd.Flags().StringVar(&listenAddr, "listen", ":8080", "HTTP listen address")
	serveCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	serveCmd.Flags().StringVar(&strategy, "strategy", router.StrategyLeastLoaded, "Default GPU selection strategy")
	serveCmd.Flags().StringVar(&monitoringURL, "monitoring-url", "", "GPU telemetry service base URL (empty uses static GPU config)")
	serveCmd.Flags().DurationVar(&pollInterval, "poll-interval", 5*time.Second, "GPU telemetry poll interval")
	serveCmd.Flags().Int64Var(&seed, "seed", 42, "Seed for the random selection strategy")

	rootCmd.AddCommand(serveCmd)
}
