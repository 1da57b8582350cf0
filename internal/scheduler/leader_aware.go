/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Runner is a loop that runs until its context ends.
type Runner interface {
	Run(ctx context.Context) error
}

// Leadership is the subset of leadership.Election the wrapper needs.
type Leadership interface {
	Start(ctx context.Context) error
	Stop() error
	IsLeader() bool
	LeaderCh() <-chan bool
}

// LeaderAwareScheduler runs a loop only while this instance is the leader.
type LeaderAwareScheduler struct {
	runner   Runner
	election Leadership
	logger   zerolog.Logger

	mu         sync.Mutex
	ctx        context.Context
	cancelFunc context.CancelFunc
	done       chan struct{}
}

// NewLeaderAware creates a leader-aware wrapper around runner.
func NewLeaderAware(runner Runner, election Leadership, logger zerolog.Logger) *LeaderAwareScheduler {
	return &LeaderAwareScheduler{
		runner:   runner,
		election: election,
		logger:   logger.With().Str("component", "leader_aware_scheduler").Logger(),
	}
}

// Start begins campaigning and starts or stops the runner as leadership changes.
func (las *LeaderAwareScheduler) Start(ctx context.Context) error {
	las.ctx = ctx
	las.logger.Info().Msg("starting leader-aware scheduler")

	if err := las.election.Start(ctx); err != nil {
		return err
	}
	go las.monitorLeadership()
	return nil
}

// Stop stops the runner and releases leadership.
func (las *LeaderAwareScheduler) Stop() error {
	las.logger.Info().Msg("stopping leader-aware scheduler")
	las.stopRunner()
	return las.election.Stop()
}

func (las *LeaderAwareScheduler) monitorLeadership() {
	leaderCh := las.election.LeaderCh()
	if las.election.IsLeader() {
		las.startRunner()
	}

	for {
		select {
		case <-las.ctx.Done():
			las.stopRunner()
			return
		case isLeader := <-leaderCh:
			if isLeader {
				las.logger.Info().Msg("became leader, starting scheduler")
				las.startRunner()
			} else {
				las.logger.Warn().Msg("lost leadership, stopping scheduler")
				las.stopRunner()
			}
		}
	}
}

func (las *LeaderAwareScheduler) startRunner() {
	las.mu.Lock()
	defer las.mu.Unlock()
	if las.cancelFunc != nil {
		return
	}

	ctx, cancel := context.WithCancel(las.ctx)
	done := make(chan struct{})
	las.cancelFunc = cancel
	las.done = done

	go func() {
		defer close(done)
		if err := las.runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			las.logger.Error().Err(err).Msg("scheduler error")
		}
	}()
}

// stopRunner cancels the runner and waits for it to return.
func (las *LeaderAwareScheduler) stopRunner() {
	las.mu.Lock()
	cancel, done := las.cancelFunc, las.done
	las.cancelFunc, las.done = nil, nil
	las.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// IsLeader returns whether this instance is the leader.
func (las *LeaderAwareScheduler) IsLeader() bool {
	return las.election.IsLeader()
}

// Running reports whether the wrapped runner is active.
func (las *LeaderAwareScheduler) Running() bool {
	las.mu.Lock()
	defer las.mu.Unlock()
	return las.cancelFunc != nil
}
