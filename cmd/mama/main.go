// Command mama is the personal assistant daemon and its management CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mama/internal/config"
	"mama/internal/logging"
)

func main() {
	root := &cobra.Command{
		Use:           "mama",
		Short:         "A personal assistant daemon that remembers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newDaemonCmd(),
		newChatCmd(),
		newJobsCmd(),
		newMemoryCmd(),
		newCostCmd(),
		newAuditCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadEnvironment resolves paths and loads (or defaults) the configuration.
func loadEnvironment() (*config.Config, config.Paths, error) {
	paths, err := config.ResolvePaths()
	if err != nil {
		return nil, config.Paths{}, err
	}
	cfg, err := config.Load(paths.Config)
	if err != nil {
		return nil, config.Paths{}, err
	}
	return cfg, paths, nil
}

// newLogger builds the daemon logger: file log plus console at the
// configured level.
func newLogger(cfg *config.Config, paths config.Paths, console bool) logging.Logger {
	level := logging.ParseLevel(cfg.Logging.Level)
	fileLogger, err := logging.NewFileLogger(paths.LogDir, "mama", level)
	if err != nil {
		return logging.NewConsoleLogger("mama", level)
	}
	if console {
		return logging.Multi(fileLogger, logging.NewConsoleLogger("mama", level))
	}
	return fileLogger
}
