package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nao1215/exitscan/internal/config"
	"github.com/nao1215/exitscan/internal/module"
)

// NewModulesCmd creates the modules command.
func NewModulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modules",
		Short: "List the available scan modules",
		Long: `List the modules that can be passed to 'exitscan scan', with the
destinations each one connects to. Only exit relays whose policy allows
every destination of a module are scanned by it.

Module URLs from the configuration file are taken into account.`,
		Args: cobra.NoArgs,
		RunE: runModulesCmd,
	}

	cmd.Flags().String("config", "",
		"Configuration file path (default: .exitscan in current or home directory)")

	return cmd
}

// runModulesCmd executes the modules command.
func runModulesCmd(cmd *cobra.Command, _ []string) error {
	cfg := config.NewConfig()

	var err error
	cfg.ConfigFilePath, err = cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	if _, err := cfg.LoadFile(); err != nil {
		return err
	}

	return listModules(cmd.OutOrStdout(), module.Builtin(moduleSettings(cfg)))
}

// listModules writes one entry per registered module.
func listModules(w io.Writer, registry *module.Registry) error {
	for _, m := range registry.All() {
		dests := m.Destinations()
		names := make([]string, len(dests))
		for i, d := range dests {
			names[i] = d.String()
		}
		if len(names) == 0 {
			names = []string{"any"}
		}

		if _, err := fmt.Fprintf(w, "%-14s %s\n%-14s destinations: %s\n",
			m.Name(), m.Description(), "", strings.Join(names, ", ")); err != nil {
			return err
		}
	}
	return nil
}

// moduleSettings builds the settings of the built-in modules from the
// configuration file.
func moduleSettings(cfg *config.Config) module.Settings {
	check := cfg.File.GetModuleConfig("checktest")
	content := cfg.File.GetModuleConfig("httpcontent")
	return module.Settings{
		CheckURL:       check.URL,
		ContentURL:     content.URL,
		Timeout:        cfg.ProbeTimeout,
		CheckTimeout:   check.Timeout,
		ContentTimeout: content.Timeout,
	}
}
