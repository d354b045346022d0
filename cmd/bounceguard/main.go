// bounceguard - Keyboard chatter filter
//
// Worn mechanical switches produce a second press a few milliseconds
// after the first. bounceguard sits between the keyboard and the rest of
// the system and swallows those bounces:
//
//	bounceguard [run]               Run the filter (default)
//	bounceguard simulate <trace>    Replay a recorded trace through the filter
//	bounceguard config init         Write a default configuration file
//	bounceguard config check        Validate the configuration and hook backend
//	bounceguard config show         Print the effective configuration
//	bounceguard stats               Show the most chattering keys
//	bounceguard version             Print version information
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"bounceguard/internal/config"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

// errMismatch makes simulate exit non-zero without printing twice.
var errMismatch = errors.New("verdicts differ from expectations")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errMismatch) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "bounceguard",
		Short: "bounceguard - keyboard chatter filter",
		Long: `bounceguard suppresses the spurious repeat presses produced by worn
keyboard switches.

Run without arguments to start the filter. The configuration is read from
--config, or from config.toml, config.json or config.yaml in the current
directory, the user configuration directory, or next to the executable.

Examples:
  bounceguard                                # Start the filter
  bounceguard simulate typing.jsonl          # Replay a trace
  bounceguard simulate - --json < t.jsonl    # Replay stdin, JSON summary
  bounceguard config check                   # Validate configuration
  bounceguard stats --since 168h             # Worst keys of the last week`,
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, g)
		},
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Configuration file")

	root.AddCommand(
		newRunCmd(g),
		newSimulateCmd(g),
		newConfigCmd(g),
		newStatsCmd(g),
		newVersionCmd(),
	)
	return root
}

func newRunCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the chatter filter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, g)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bounceguard %s (config schema v%d)\n", version, config.Version)
		},
	}
}

// resolveConfigPath returns the explicit path, the first config file
// found in the standard locations, or the default path.
func (g *globalFlags) resolveConfigPath() string {
	if g.configPath != "" {
		return g.configPath
	}
	if found := config.FindConfigFile(); found != "" {
		return found
	}
	return config.ConfigPath()
}

// loadConfig reads and validates the configuration. A missing file
// yields the defaults.
func (g *globalFlags) loadConfig() (*config.Config, *config.Loader, error) {
	loader := config.NewLoader(g.resolveConfigPath())
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", loader.Path(), err)
	}
	return cfg, loader, nil
}
