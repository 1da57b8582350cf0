/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/friendsincode/elastisched/internal/optimizer"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

var optimizerCmd = &cobra.Command{
	Use:   "optimizer",
	Short: "Serve the built-in placer over NATS",
	Long:  "Answer optimizer requests on the configured NATS subject with the built-in greedy placer",
	RunE:  runOptimizer,
}

func init() {
	rootCmd.AddCommand(optimizerCmd)
}

func runOptimizer(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	if cfg.NATSURL == "" {
		return errors.New("ELASTISCHED_NATS_URL is required for the optimizer worker")
	}

	conn, err := nats.Connect(cfg.NATSURL, nats.Name("elastisched-optimizer"), nats.MaxReconnects(-1))
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("url", cfg.NATSURL).Str("subject", cfg.OptimizerSubject).Msg("optimizer worker starting")
	err = optimizer.Serve(ctx, conn, cfg.OptimizerSubject, optimizer.NewGreedy(logger), cfg.OptimizerTimeout, logger)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("optimizer worker stopped")
	return nil
}
