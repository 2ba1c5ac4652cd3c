package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teilomillet/rephrase/config"
	"github.com/teilomillet/rephrase/errors"
	"github.com/teilomillet/rephrase/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the rephrase HTTP server",
		Long: `Run the HTTP server described by the configuration file. The file is
watched and valid changes are applied without a restart. SIGINT or SIGTERM
stops accepting connections and lets in-flight streams finish within the
shutdown timeout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := opts.configPath
			if path == "" {
				path = defaultConfigPath
			}
			return runServe(cmd, path)
		},
	}
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", configPath, err)
	}

	logger, level, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()
	errors.SetLogger(logger)

	srv, err := server.NewServer(configPath, logger,
		server.WithVersion(Version),
		server.WithLogLevel(level),
	)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting rephrase",
		zap.String("version", Version),
		zap.String("config_path", configPath),
		zap.Int("port", cfg.Server.Port),
	)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}
