package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"bounceguard/internal/config"
	"bounceguard/internal/hook"
)

func newConfigCmd(gf *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(newConfigInitCmd(gf), newConfigCheckCmd(gf), newConfigShowCmd(gf))
	return cmd
}

func newConfigInitCmd(gf *globalFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Long: `Write the default configuration to --config, or to config.toml in the
user configuration directory. The format follows the file extension.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := gf.configPath
			if path == "" {
				path = config.ConfigPath()
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	return cmd
}

func newConfigCheckCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and the hook backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			cfg, loader, err := gf.loadConfig()
			if err != nil {
				return err
			}
			defer loader.Close()
			if _, err := os.Stat(loader.Path()); err != nil {
				fmt.Fprintf(out, "Config:   %s (not found, using defaults)\n", loader.Path())
			} else {
				fmt.Fprintf(out, "Config:   %s\n", loader.Path())
			}

			ec, err := cfg.EngineConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Filter:   chatter %s, repeat %s, updown %s, layout %s\n",
				ec.ChatterThreshold, ec.RepeatThreshold, ec.UpDownThreshold, ec.Layout.Name)

			backend := cfg.ResolveBackend()
			ok, reason := hook.Available(backend, hook.OptionsFrom(cfg.Hook, nil))
			if !ok {
				return fmt.Errorf("hook backend %s unavailable: %s", backend, reason)
			}
			fmt.Fprintf(out, "Backend:  %s (%s)\n", backend, reason)
			fmt.Fprintln(out, "OK")
			return nil
		},
	}
}

func newConfigShowCmd(gf *globalFlags) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Print the configuration after migration and environment overrides
(BOUNCEGUARD_* variables) have been applied.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, loader, err := gf.loadConfig()
			if err != nil {
				return err
			}
			defer loader.Close()

			out := cmd.OutOrStdout()
			switch format {
			case "toml":
				return toml.NewEncoder(out).Encode(cfg)
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(cfg)
			case "yaml", "yml":
				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				if err := enc.Encode(cfg); err != nil {
					return err
				}
				return enc.Close()
			default:
				return fmt.Errorf("unknown format %q (want toml, json or yaml)", format)
			}
		},
	}
	cmd.Flags().StringVarP(&format, "format", "o", "toml", "Output format (toml/json/yaml)")
	return cmd
}
