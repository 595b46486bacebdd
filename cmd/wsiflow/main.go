package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pathomics/wsiflow/config"
	"github.com/pathomics/wsiflow/logger"
	"github.com/pathomics/wsiflow/server"
	"github.com/pathomics/wsiflow/workflow"
)

var (
	flagPort       int
	flagConfigFile string
	flagJSONLogs   bool
)

var rootCmd = &cobra.Command{
	Use:   "wsiflow",
	Short: "wsiflow - branch-aware workflow scheduler for WSI processing",
	Long: `wsiflow schedules long-running whole-slide-image processing workflows.

Workflows are DAGs of jobs grouped into branches: jobs within a branch run
serially, branches run in parallel, and a global worker cap bounds
concurrent execution across all tenants. Tenant admission limits how many
users run concurrently; further users queue FIFO.

Examples:
  wsiflow serve                      # Start the API server
  wsiflow serve --port 9000          # Start on a specific port
  wsiflow serve --config wsiflow.toml`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the workflow API server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&flagPort, "port", 0, "HTTP port (overrides config)")
	serveCmd.Flags().StringVar(&flagConfigFile, "config", "", "Path to config file")
	serveCmd.Flags().BoolVar(&flagJSONLogs, "json-logs", false, "Structured JSON log output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(flagConfigFile)
	if err != nil {
		return err
	}

	if err := logger.Initialize(flagJSONLogs || cfg.App.JSONLogs); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Cleanup()

	log := logger.Logger
	log.Infow("Starting wsiflow",
		"max_workers", cfg.Scheduler.MaxWorkers,
		"max_active_users", cfg.Scheduler.MaxActiveUsers,
		"api_prefix", cfg.App.APIPrefix)

	if err := os.MkdirAll(cfg.Storage.ResultDir, 0755); err != nil {
		return fmt.Errorf("failed to create result directory: %w", err)
	}

	store := workflow.NewStore()
	hub := workflow.NewProgressHub(store, log)
	tenants := workflow.NewTenantManager(store, cfg.Scheduler.MaxActiveUsers, log)
	simulator := workflow.NewSimulatorExecutor(store, hub, cfg.Simulator, cfg.Storage.ResultDir, log)
	executor := workflow.NewExecutorAdapter(simulator, store, hub, log)
	scheduler := workflow.NewScheduler(store, hub, executor, cfg.Scheduler.MaxWorkers, log)
	driver := workflow.NewDriver(store, tenants, scheduler, hub, log)

	srv := server.NewServer(cfg, store, tenants, scheduler, driver, hub, log)

	// Watch the config file for origin allowlist changes. Scheduler caps
	// stay fixed for the process lifetime.
	if flagConfigFile != "" {
		watcher, err := config.NewWatcher(flagConfigFile)
		if err != nil {
			log.Warnw("Config watcher unavailable", "error", err)
		} else {
			watcher.OnReload(func(newCfg *config.Config) error {
				srv.SetAllowedOrigins(newCfg.Server.AllowedOrigins)
				return nil
			})
			watcher.Start()
			defer watcher.Stop()
		}
	}

	port := cfg.Server.Port
	if flagPort != 0 {
		port = flagPort
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(port)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Infow("Received shutdown signal", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	log.Infow("Shutdown complete")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
