// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command threematrix relays messages between Threema groups, reached
// through the Threema gateway in end-to-end mode, and Matrix rooms.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aiku/threematrix/pkg/connector"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const Version = "0.1.0"

func newRootCommand() *cobra.Command {
	var configPath string
	var noUpdate bool

	cmd := &cobra.Command{
		Use:           "threematrix",
		Short:         "A Threema gateway to Matrix group bridge",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, noUpdate)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the config file")
	cmd.Flags().BoolVarP(&noUpdate, "no-update", "n", false, "Don't rewrite the config file in the layout of the example config")

	cmd.AddCommand(newGenerateConfigCommand(), newVersionCommand())
	return cmd
}

func newGenerateConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-config",
		Short: "Print the example config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprint(cmd.OutOrStdout(), connector.ExampleConfig)
			return err
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "threematrix %s (tag %s, commit %s, built %s)\n", Version, Tag, Commit, BuildTime)
		},
	}
}

func run(ctx context.Context, configPath string, noUpdate bool) error {
	if !noUpdate {
		if _, err := connector.UpgradeConfig(configPath, true); err != nil {
			return err
		}
	}
	cfg, err := connector.LoadConfig(configPath)
	if err != nil {
		return err
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	zerolog.DefaultContextLogger = log
	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("gateway_id", cfg.Threema.GatewayID).
		Str("user_id", cfg.Homeserver.UserID).
		Msg("Initializing bridge")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bridge, err := connector.New(ctx, cfg, *log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize bridge")
		return err
	}
	err = bridge.Run(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Bridge stopped with error")
		return err
	}
	log.Info().Msg("Bridge stopped")
	return nil
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
