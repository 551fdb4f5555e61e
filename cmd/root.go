package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/federation-sim/federation-sim/fed"
)

// Process exit codes.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitTransportError = 2
	exitFederationErr  = 3
)

var logLevel string // Log verbosity level

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "federation-sim",
	Short: "Co-simulation runtime federating simulators around a shared virtual clock",
}

// setupLogging applies the --log flag before any subcommand runs.
func setupLogging() {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %s", logLevel)
	}
	logrus.SetLevel(level)
}

// exitCode maps a runtime error to the documented process exit codes.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	kind, ok := fed.KindOf(err)
	if !ok {
		return exitConfigError
	}
	switch kind {
	case fed.ErrTransportFailure, fed.ErrTimeout:
		return exitTransportError
	case fed.ErrInvalidIdentifier, fed.ErrNameInUse, fed.ErrFrozen:
		return exitConfigError
	default:
		return exitFederationErr
	}
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// init sets up shared CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.AddCommand(brokerCmd)
	rootCmd.AddCommand(scenarioCmd)
}
