/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/friendsincode/elastisched/internal/config"
	"github.com/friendsincode/elastisched/internal/db"
	"github.com/friendsincode/elastisched/internal/eventbus"
	"github.com/friendsincode/elastisched/internal/logging"
	"github.com/friendsincode/elastisched/internal/optimizer"
	"github.com/friendsincode/elastisched/internal/scheduler"
	"github.com/friendsincode/elastisched/internal/server"
	"github.com/friendsincode/elastisched/internal/telemetry"
	"github.com/friendsincode/elastisched/internal/version"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	logger zerolog.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "elastisched",
	Short:         "Elastisched - elastic calendar scheduling",
	Long:          "Elastisched stores recurring schedulable blobs, expands them over a lookahead window and places them with a pluggable optimizer.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Elastisched server",
	Long:  "Start the HTTP API server and the background rerun loop",
	RunE:  runServe,
}

var versionCheck bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "elastisched %s\n", version.Version)
		if !versionCheck {
			return nil
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		info, err := version.NewChecker(zerolog.Nop()).CheckNow(ctx)
		switch {
		case err != nil:
			fmt.Fprintf(cmd.OutOrStdout(), "could not determine the latest release: %v\n", err)
		case info.UpdateAvailable:
			fmt.Fprintf(cmd.OutOrStdout(), "update available: %s (%s)\n", info.LatestVersion, info.ReleaseURL)
		default:
			fmt.Fprintln(cmd.OutOrStdout(), "up to date")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionCheck, "check", false, "Check GitHub for a newer release")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration (called by commands that need it)
func loadConfig() error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = logging.Setup(cfg.Environment)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	logger.Info().Str("version", version.Version).Msg("Elastisched starting")

	tracerProvider, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName:    "elastisched",
		ServiceVersion: version.Version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("failed to shutdown tracer provider")
		}
	}()

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}

	httpServer := srv.HTTPServer()

	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down gracefully...")

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	if err := srv.Close(); err != nil {
		logger.Error().Err(err).Msg("shutdown cleanup failed")
	}

	logger.Info().Msg("Elastisched stopped")
	return nil
}

// openScheduler wires a scheduling service for one-off commands. The
// returned cleanup releases everything it opened.
func openScheduler() (*scheduler.Service, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn().Err(err).Msg("cleanup failed")
			}
		}
	}

	database, err := db.Connect(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	closers = append(closers, func() error { return db.Close(database) })
	if err := db.Migrate(database); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}

	opt, optName, closeOpt, err := optimizer.FromConfig(cfg, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("optimizer: %w", err)
	}
	closers = append(closers, closeOpt)

	bus, err := eventbus.New(cfg, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("event bus: %w", err)
	}
	closers = append(closers, bus.Close)

	svc := scheduler.New(database, opt, optName, scheduler.SettingsFromConfig(cfg), logger)
	svc.SetEventBus(bus)
	return svc, cleanup, nil
}
