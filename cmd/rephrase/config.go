package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/teilomillet/rephrase/config"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate [file]",
		Short: "Load and validate a configuration file",
		Long: `Load a configuration file the way serve does (defaults, environment
expansion, REPHRASE_* overrides) and report whether it is valid.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if len(args) > 0 {
				path = args[0]
			}
			if path == "" {
				path = defaultConfigPath
			}

			cfg, err := config.LoadFile(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}

			out := cmd.OutOrStdout()
			_, _ = color.New(color.FgGreen).Fprintf(out, "%s is valid\n", path)
			_, _ = fmt.Fprintf(out, "  port: %d\n", cfg.Server.Port)
			_, _ = fmt.Fprintf(out, "  environment: %s\n", cfg.Server.Environment)
			_, _ = fmt.Fprintf(out, "  default model: %s\n", cfg.Models.Default)
			_, _ = fmt.Fprintf(out, "  providers: %d, models: %d\n", len(cfg.Providers), len(cfg.Models.Catalog))
			return nil
		},
	})
	return cmd
}
