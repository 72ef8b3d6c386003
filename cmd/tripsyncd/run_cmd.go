// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ManuGH/tripsync/internal/config"
	"github.com/ManuGH/tripsync/internal/daemon"
	xglog "github.com/ManuGH/tripsync/internal/log"
	"github.com/ManuGH/tripsync/internal/version"
	"github.com/spf13/cobra"
)

const defaultConfigName = "config.yaml"

func newRunCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", os.Getenv(config.EnvPrefix+"CONFIG"), "path to config file (YAML)")
	return cmd
}

// resolveConfigPath returns the file to load and the file init writes to.
// Without an explicit path, <data dir>/config.yaml is used for both so
// configuration applied over the control API survives a restart.
func resolveConfigPath(explicit string) (load, save string) {
	if p := strings.TrimSpace(explicit); p != "" {
		return p, p
	}
	dataDir := config.ParseString(config.EnvPrefix+"DATA_DIR", config.Defaults().DataDir)
	if dataDir == "" {
		return "", ""
	}
	p := filepath.Join(dataDir, defaultConfigName)
	if _, err := os.Stat(p); err == nil {
		return p, p
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", p
	}
	return "", p
}

func runDaemon(ctx context.Context, configPath string) error {
	xglog.Configure(xglog.Config{
		Level:   config.ParseString(config.EnvPrefix+"LOG_LEVEL", "info"),
		Service: "tripsyncd",
		Version: version.Version,
	})
	logger := xglog.WithComponent("main")

	loadPath, savePath := resolveConfigPath(configPath)
	loader := config.NewLoader(loadPath)
	cfg, err := loader.Load()
	if err != nil {
		logger.Error().Err(err).Str(xglog.FieldPath, loadPath).Msg("invalid configuration")
		return fmt.Errorf("load config: %w", err)
	}
	if err := xglog.SetLevel(cfg.LogLevel); err != nil {
		logger.Warn().Err(err).Str("level", cfg.LogLevel).Msg("invalid log level, keeping default")
	}

	logger.Info().
		Str(xglog.FieldEvent, "startup").
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str(xglog.FieldPath, loadPath).
		Msg("starting tripsyncd")

	holder := config.NewHolder(cfg, loader)
	app, err := daemon.Bootstrap(ctx, daemon.Options{
		Holder:        holder,
		ConfigManager: config.NewManager(savePath),
		Version:       version.Version,
	})
	if err != nil {
		logger.Error().Err(err).Str(xglog.FieldEvent, "bootstrap.failed").Msg("startup failed")
		return err
	}
	return app.Run(ctx)
}
