// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ManuGH/tripsync/internal/config"
	"github.com/spf13/cobra"
)

// client talks to a running daemon's control API.
type client struct {
	base string
	http *http.Client
}

func addClientFlags(cmd *cobra.Command, addr *string, timeout *time.Duration) {
	def := config.ParseString(config.EnvPrefix+"LISTEN_ADDR", config.Defaults().Control.ListenAddr)
	cmd.Flags().StringVar(addr, "addr", def, "control API address (host:port or URL)")
	cmd.Flags().DurationVar(timeout, "timeout", 5*time.Second, "request timeout")
}

func newClient(addr string, timeout time.Duration) *client {
	base := strings.TrimRight(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &client{base: base, http: &http.Client{Timeout: timeout}}
}

// do sends the request and copies the JSON response, indented, to out.
func (c *client) do(ctx context.Context, method, path string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(body)))
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, body, "", "  ") == nil {
		body = pretty.Bytes()
	}
	_, err = fmt.Fprintln(out, string(body))
	return err
}

func simpleClientCmd(use, short, method, path string) *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return newClient(addr, timeout).do(cmd.Context(), method, path, cmd.OutOrStdout())
		},
	}
	addClientFlags(cmd, &addr, &timeout)
	return cmd
}

func newStateCmd() *cobra.Command {
	return simpleClientCmd("state", "Show the daemon state snapshot", http.MethodGet, "/v1/state")
}

func newPushCmd() *cobra.Command {
	return simpleClientCmd("push", "Request an immediate sync of all pending data", http.MethodPost, "/v1/push")
}

func newTripCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trip",
		Short: "Force trip boundaries",
	}
	cmd.AddCommand(
		simpleClientCmd("start", "Force a trip to start", http.MethodPost, "/v1/trip/start"),
		simpleClientCmd("end", "Force the open trip to end", http.MethodPost, "/v1/trip/end"),
	)
	return cmd
}

func newTrackingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tracking",
		Short: "Switch trip capture off or back on",
	}
	cmd.AddCommand(
		simpleClientCmd("stop", "Close any open trip and stop capturing", http.MethodPost, "/v1/tracking/stop"),
		simpleClientCmd("start", "Resume capturing", http.MethodPost, "/v1/tracking/start"),
	)
	return cmd
}

func newHealthcheckCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Exit non-zero unless the daemon answers /healthz",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := newClient(addr, timeout).do(cmd.Context(), http.MethodGet, "/healthz", io.Discard); err != nil {
				return fmt.Errorf("healthcheck failed: %w", err)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Healthcheck successful")
			return nil
		},
	}
	addClientFlags(cmd, &addr, &timeout)
	return cmd
}
