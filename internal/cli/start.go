package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jstrand/hermod/internal/config"
	"github.com/jstrand/hermod/internal/daemon"
	"github.com/jstrand/hermod/internal/logger"
)

var startForeground bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Hermod daemon service",
	Long: `Start the Hermod daemon service.
The daemon arms heartbeat timers, dispatches due cron jobs, and serves the
command queue until it receives SIGINT or SIGTERM.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVar(&startForeground, "foreground", true, "run in the foreground")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	pidFile := filepath.Join(cfg.DataDir, "hermod.pid")
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	log, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: startForeground,
		Pretty:  startForeground,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(daemon.Options{
		Config: cfg,
		Logger: log,
		Loader: loader,
	})
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	fmt.Printf("Hermod daemon started (PID %d)\n", os.Getpid())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	fmt.Printf("Received %s, shutting down...\n", sig)
	return d.Stop()
}

func getPIDFilePath() string {
	cfg, err := config.Load(cfgFile)
	if err != nil || cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "/tmp/hermod.pid"
		}
		return filepath.Join(home, ".hermod", "hermod.pid")
	}
	return filepath.Join(cfg.DataDir, "hermod.pid")
}

func isRunning(pidFile string) bool {
	if _, err := os.Stat(pidFile); os.IsNotExist(err) {
		return false
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		return false
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix FindProcess always succeeds; signal 0 probes for liveness.
	return process.Signal(syscall.Signal(0)) == nil
}
