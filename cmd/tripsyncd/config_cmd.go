// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"fmt"

	"github.com/ManuGH/tripsync/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}

	var path string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file (defaults and environment applied)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := config.NewLoader(path).Load(); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "OK: %s is valid\n", displayPath(path))
			return nil
		},
	}
	validate.Flags().StringVarP(&path, "file", "f", "", "config file to validate")

	var dumpPath string
	dump := &cobra.Command{
		Use:   "dump",
		Short: "Print the effective configuration as YAML (secrets redacted)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewLoader(dumpPath).Load()
			if err != nil {
				return err
			}
			if cfg.Sync.AuthToken != "" {
				cfg.Sync.AuthToken = "***"
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(config.ToFile(cfg)); err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			return enc.Close()
		},
	}
	dump.Flags().StringVarP(&dumpPath, "file", "f", "", "config file to load")

	cmd.AddCommand(validate, dump)
	return cmd
}

func displayPath(p string) string {
	if p == "" {
		return "<defaults>"
	}
	return p
}
