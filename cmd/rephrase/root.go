package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/teilomillet/rephrase/config"
	"github.com/teilomillet/rephrase/history"
)

const defaultConfigPath = "rephrase.yaml"

// rootOptions holds flags shared by all subcommands.
type rootOptions struct {
	configPath  string
	historyFile string
	noColor     bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "rephrase",
		Short: "Summarize or rewrite text through a streaming LLM gateway",
		Long: `Rephrase runs an HTTP service that summarizes or rewrites text with a
language model and streams the output as it is generated. The same binary
submits text to a running server and keeps a local history of results.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if opts.noColor {
				color.NoColor = true
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to configuration file (default "+defaultConfigPath+" for serve)")
	cmd.PersistentFlags().StringVar(&opts.historyFile, "history-file", "", "history file (default ~/.rephrase/history.json)")
	cmd.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	cmd.AddCommand(
		newServeCmd(opts),
		newProcessCmd(opts),
		newHistoryCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// historyStore resolves the history file from, in order, the flag, the
// config file when one is given, and the default location.
func (o *rootOptions) historyStore() (*history.Store, error) {
	path := o.historyFile
	maxEntries := history.DefaultMaxEntries

	if o.configPath != "" {
		cfg, err := config.LoadFile(o.configPath)
		if err != nil {
			return nil, err
		}
		if path == "" {
			path = cfg.History.Path
		}
		if cfg.History.MaxEntries > 0 {
			maxEntries = cfg.History.MaxEntries
		}
	}

	if path == "" {
		p, err := history.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return history.NewStore(path, maxEntries), nil
}
