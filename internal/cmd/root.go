// Package cmd wires the farmbuild command-line interface.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/farmbuild/farmbuild/internal/config"
	"github.com/farmbuild/farmbuild/internal/observability"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build-time version metadata for the version output.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var rootLogLevel string

var rootCmd = &cobra.Command{
	Use:   "farmbuild",
	Short: "Build packages across a platform matrix with a local package repository",
	Long: `farmbuild turns a dependency-ordered package list and a platform matrix
into build jobs, maintains per-platform package repositories for the
artifacts those jobs produce, and serves the repositories to in-progress
builds over a loopback file server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cmd.Context())
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
		}

		level := rootLogLevel
		if level == "" {
			level = cfg.Logging.Level
		}
		if err := observability.Init(level); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid log level", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.Version = versionInfo.Version
}

// codedError carries a process exit code alongside the error message.
type codedError struct {
	code    int
	message string
	err     error
}

func (e *codedError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
	}
	return fmt.Sprintf("%s (exit code %d)", e.message, e.code)
}

func (e *codedError) Unwrap() error { return e.err }

// exitError wraps an error with the exit code the process should end with.
func exitError(code int, message string, err error) error {
	return &codedError{code: code, message: message, err: err}
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command under the given context and returns
// the process exit code.
func ExecuteContext(ctx context.Context) int {
	defer observability.Sync()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		observability.CLILogger.Error("Command failed", zap.Error(err))
		var coded *codedError
		if errors.As(err, &coded) {
			return coded.code
		}
		return 1
	}
	return 0
}
