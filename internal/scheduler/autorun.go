/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"time"

	"github.com/friendsincode/elastisched/internal/events"
	"github.com/rs/zerolog"
)

// AutoRunner recomputes the schedule whenever it is dirty.
type AutoRunner struct {
	svc      *Service
	interval time.Duration
	trigger  <-chan events.Payload
	logger   zerolog.Logger
}

// NewAutoRunner checks the dirty flag every interval. A non-nil trigger
// (typically a schedule.dirty subscription) causes an immediate check.
func NewAutoRunner(svc *Service, interval time.Duration, trigger <-chan events.Payload, logger zerolog.Logger) *AutoRunner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &AutoRunner{
		svc:      svc,
		interval: interval,
		trigger:  trigger,
		logger:   logger.With().Str("component", "autorun").Logger(),
	}
}

// Run executes the loop until the context is cancelled.
func (a *AutoRunner) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.logger.Info().Dur("interval", a.interval).Msg("auto-run loop started")
	a.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("auto-run loop stopped")
			return ctx.Err()
		case <-ticker.C:
			a.tick(ctx)
		case _, ok := <-a.trigger:
			if !ok {
				a.trigger = nil
				continue
			}
			a.tick(ctx)
		}
	}
}

// tick runs the schedule if it is dirty and reports whether it ran.
func (a *AutoRunner) tick(ctx context.Context) bool {
	status, err := a.svc.Status(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("auto-run failed to read schedule state")
		return false
	}
	if !status.Dirty {
		return false
	}
	if _, err := a.svc.RunSchedule(ctx, RunRequest{}); err != nil {
		a.logger.Warn().Err(err).Msg("auto-run schedule failed")
		return false
	}
	return true
}
