package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/rbdbackup/internal/config"
	"github.com/BadgerOps/rbdbackup/internal/engine"
	"github.com/BadgerOps/rbdbackup/internal/metrics"
	"github.com/BadgerOps/rbdbackup/internal/rbd"
	"github.com/BadgerOps/rbdbackup/internal/store"
	"github.com/BadgerOps/rbdbackup/internal/toolbox"
)

var (
	// Global flags
	cfgPath   string
	logLevel  string
	logFormat string
	quiet     bool
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStore   *store.Store
	globalMetrics *metrics.Metrics
	globalManager *engine.Manager
)

// initializeComponents initializes the global store, toolbox, metrics and manager
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if err := globalCfg.Validate(); err != nil {
		return err
	}

	// Initialize store
	dbPath := globalCfg.DBPath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	st, err := store.New(dbPath, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st

	// One set of permit pools for the whole process
	sem := globalCfg.Semaphore
	limits := toolbox.NewLimits(sem.Exec, sem.Operator, sem.Backup)
	runner := toolbox.NewRunner(globalCfg.Toolbox.Command, globalCfg.Toolbox.Shell, limits, logger)
	client := rbd.New(runner, globalCfg.Toolbox.RBDBinary, logger)

	naming, err := globalCfg.Naming()
	if err != nil {
		return err
	}
	policy, err := globalCfg.Policy()
	if err != nil {
		return err
	}
	volumes, err := engine.VolumesFromConfig(globalCfg, logger)
	if err != nil {
		return err
	}

	globalMetrics = metrics.New()

	globalManager, err = engine.NewManager(engine.Options{
		Storage: client,
		Limits:  limits,
		Store:   globalStore,
		Metrics: globalMetrics,
		Naming:  naming,
		Policy:  policy,
		Logger:  logger,
	}, volumes)
	if err != nil {
		return fmt.Errorf("failed to initialize manager: %w", err)
	}

	logger.Debug("components initialized successfully",
		"volumes", len(volumes),
		"toolbox", runner.Describe("<script>"),
		"db", dbPath,
	)
	return nil
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmd *cobra.Command) bool {
	skipInitCmds := map[string]bool{
		"help":       true,
		"version":    true,
		"config":     true,
		"completion": true,
	}
	for c := cmd; c != nil; c = c.Parent() {
		if skipInitCmds[c.Name()] {
			return true
		}
	}
	return false
}

// closeStore closes the global store connection
func closeStore() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
}

// pushMetrics sends the run's metrics to the configured Pushgateway
func pushMetrics() {
	if globalMetrics == nil || globalCfg == nil || globalCfg.Metrics.PushgatewayURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := globalMetrics.Push(ctx, globalCfg.Metrics.PushgatewayURL, globalCfg.Metrics.Job); err != nil {
		logger.Warn("failed to push metrics", "url", globalCfg.Metrics.PushgatewayURL, "error", err)
	}
}

// commandContext returns a context cancelled on SIGINT or SIGTERM
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbdbackup",
		Short: "GFS backups of Ceph RBD volumes",
		Long: `rbdbackup snapshots Ceph RBD images, exports them as monthly full,
weekly differential and daily incremental archives, consolidates live
snapshots and archives according to a retention policy, and restores a
volume to any retained snapshot.

Commands run rbd through the configured toolbox command, by default the
rook-ceph-tools deployment.`,
		Example: `  rbdbackup ls -n databases -w mysql
  rbdbackup backup -n databases --all-workloads -s
  rbdbackup consolidate --all-namespaces
  rbdbackup restore -n databases -w mysql -v data-mysql-0 -s 20200119-0000
  rbdbackup schedule --listen 0.0.0.0:9469`,
		Version:       version,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Initialize logging
			setupLogging()

			// Skip config loading for commands that don't need it
			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			// Load config
			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Warn("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			logger.Debug("config loaded", "path", cfgPath, "backup_path", globalCfg.Backup.Path)

			// Initialize components after config is loaded
			if !shouldSkipComponentInit(cmd) {
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			pushMetrics()
			closeStore()
		},
	}

	// Add persistent flags
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")

	// Add subcommands
	cmd.AddCommand(
		newSearchCmd(),
		newListCmd(),
		newDiskUsageCmd(),
		newSnapshotCmd(),
		newBackupCmd(),
		newConsolidateCmd(),
		newRestoreCmd(),
		newRemoveSnapshotCmd(),
		newRemoveBackupCmd(),
		newStatusCmd(),
		newScheduleCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet {
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}
