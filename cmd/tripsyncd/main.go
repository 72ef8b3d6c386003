// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Command tripsyncd runs the trip tracking and sync daemon and talks to a
// running instance over its control API.
package main

import (
	"os"

	"github.com/ManuGH/tripsync/internal/version"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "tripsyncd",
		Short:        "Trip segmentation and durable sync daemon",
		Version:      version.String(),
		SilenceUsage: true,
	}
	root.AddCommand(
		newRunCmd(),
		newConfigCmd(),
		newStateCmd(),
		newPushCmd(),
		newTripCmd(),
		newTrackingCmd(),
		newHealthcheckCmd(),
	)
	return root
}
