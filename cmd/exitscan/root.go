package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nao1215/exitscan/internal/log"
)

// NewRootCmd creates the root command for exitscan.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exitscan",
		Short: "Scanner for malicious and misconfigured Tor exit relays",
		Long: `exitscan scans Tor exit relays for traffic manipulation.

For every exit relay that allows a module's destinations, exitscan builds a
two-hop circuit starting at a relay you run and hands the circuit to the
module, which decides whether the exit behaves.

By default, exitscan starts an embedded Tor daemon automatically.
Use --external-tor to use the control port of an existing daemon instead.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags that apply to all commands
	cmd.PersistentFlags().StringP("verbosity", "v", "info",
		"Log level: "+strings.Join(log.LevelNames, ", "))

	cmd.AddCommand(NewScanCmd())
	cmd.AddCommand(NewModulesCmd())
	cmd.AddCommand(NewHistoryCmd())
	cmd.AddCommand(NewInitCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// getVerbosity retrieves the verbosity flag from the command or its parent.
func getVerbosity(cmd *cobra.Command) string {
	verbosity, err := cmd.Flags().GetString("verbosity")
	if err != nil {
		verbosity, err = cmd.Root().PersistentFlags().GetString("verbosity")
		if err != nil {
			return "info"
		}
	}
	return verbosity
}

// setupLogger creates the secure logger for the given verbosity and makes
// it the default logger.
func setupLogger(verbosity string) (*slog.Logger, slog.Level, error) {
	level, err := log.ParseLevel(verbosity)
	if err != nil {
		return nil, 0, err
	}
	logger := log.NewSecureLogger(os.Stderr, level)
	slog.SetDefault(logger)
	return logger, level, nil
}
