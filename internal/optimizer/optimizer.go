/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package optimizer defines the integer-second job model exchanged with the
// placement optimizer and the adapters that reach one.
package optimizer

import (
	"context"
	"fmt"

	"github.com/friendsincode/elastisched/internal/policy"
)

// Range is a half-open interval [Low, High) in seconds from the run's epoch origin.
type Range struct {
	Low  int64 `json:"low"`
	High int64 `json:"high"`
}

func (r Range) Duration() int64 { return r.High - r.Low }

// Overlaps reports whether r and o share any second.
func (r Range) Overlaps(o Range) bool {
	return r.Low < o.High && o.Low < r.High
}

// Contains reports whether o lies entirely within r.
func (r Range) Contains(o Range) bool {
	return r.Low <= o.Low && o.High <= r.High
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Low, r.High)
}

// Job is one occurrence as the optimizer sees it.
type Job struct {
	ID              string
	DurationSeconds int64
	Schedulable     Range
	Preferred       Range
	Policy          policy.Policy
	Dependencies    []string
	Tags            []policy.Tag
}

// PlacedJob is a job with the segments the optimizer chose for it.
type PlacedJob struct {
	Job
	Segments []Range
}

// Earliest returns the lowest segment start.
func (p PlacedJob) Earliest() int64 {
	lo := p.Segments[0].Low
	for _, s := range p.Segments[1:] {
		if s.Low < lo {
			lo = s.Low
		}
	}
	return lo
}

// Latest returns the highest segment end.
func (p PlacedJob) Latest() int64 {
	hi := p.Segments[0].High
	for _, s := range p.Segments[1:] {
		if s.High > hi {
			hi = s.High
		}
	}
	return hi
}

// Schedule is the optimizer's candidate placement.
type Schedule struct {
	Jobs []PlacedJob
}

// Optimizer places jobs at the given granularity. Implementations may block;
// they must honour ctx cancellation.
type Optimizer interface {
	Schedule(ctx context.Context, jobs []Job, granularitySeconds int64) (Schedule, error)
}

// Func adapts a function to the Optimizer interface.
type Func func(ctx context.Context, jobs []Job, granularitySeconds int64) (Schedule, error)

func (f Func) Schedule(ctx context.Context, jobs []Job, granularitySeconds int64) (Schedule, error) {
	return f(ctx, jobs, granularitySeconds)
}
