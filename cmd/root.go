// Package cmd implements the CLI commands for ocirun.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ocirun/logging"
)

// Version information set at build time
var (
	Version   = "0.1.0"
	SpecVer   = "1.0.2"
	BuildTime = "unknown"
)

// Global flags
var (
	globalRoot          string
	globalLog           string
	globalLogFormat     string
	globalDebug         bool
	globalSystemdCgroup bool
)

// UseSystemdCgroup reports whether --systemd-cgroup was passed.
func UseSystemdCgroup() bool {
	return globalSystemdCgroup
}

// rootCmd is the base command for ocirun.
var rootCmd = &cobra.Command{
	Use:   "ocirun",
	Short: "OCI container runtime",
	Long: `ocirun is an OCI-compliant container runtime.

This implementation follows the OCI Runtime Specification and can be used
as a drop-in replacement for runc with Docker or other container engines.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Setup logging
		setupLogging()
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetContext returns a context that cancels on SIGINT/SIGTERM.
func GetContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx
}

// GetStateRoot returns the state root directory. XDG_RUNTIME_DIR, when set,
// supplies the default root for rootless invocations; --root always wins.
func GetStateRoot() string {
	if globalRoot != "" {
		return globalRoot
	}
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return xdg + "/ocirun"
	}
	return "/run/ocirun"
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&globalRoot, "root", "", "root directory for storage of container state (default: $XDG_RUNTIME_DIR/ocirun if set, else /run/ocirun)")
	rootCmd.PersistentFlags().StringVar(&globalLog, "log", "", "set the log file path")
	rootCmd.PersistentFlags().StringVar(&globalLogFormat, "log-format", "text", "set the format for log output (text or json)")
	rootCmd.PersistentFlags().BoolVar(&globalDebug, "debug", false, "enable debug logging")

	rootCmd.PersistentFlags().BoolVar(&globalSystemdCgroup, "systemd-cgroup", false, "drive cgroup resources through systemd transient units instead of direct cgroupfs writes")
}

func setupLogging() {
	var logOutput = os.Stderr
	if globalLog != "" {
		f, err := os.OpenFile(globalLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err == nil {
			logOutput = f
		}
	}

	logLevel := logrus.InfoLevel
	if globalDebug {
		logLevel = logrus.DebugLevel
	}
	if envLevel := os.Getenv("OCIRUN_LOG_LEVEL"); envLevel != "" {
		logLevel = logging.ParseLevel(envLevel)
	}

	logger := logging.NewLogger(logging.Config{
		Level:  logLevel,
		Format: globalLogFormat,
		Output: logOutput,
	})
	logging.SetDefault(logger)
}
