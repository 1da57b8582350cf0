/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package recurrence expands recurrence rules into concrete blob occurrences.
//
// A Rule is one of four variants: Single, Weekly, Delta or Date. Expansion is
// always bounded by an explicit window, and every call is a pure function of
// the rule and its argument.
package recurrence

import (
	"errors"
	"fmt"
	"time"

	"github.com/friendsincode/elastisched/internal/blob"
	"github.com/friendsincode/elastisched/internal/timerange"
	"github.com/samber/mo"
)

// Kind names a rule variant. The string values are the persisted type names.
type Kind string

const (
	KindSingle Kind = "single"
	KindWeekly Kind = "weekly"
	KindDelta  Kind = "delta"
	KindDate   Kind = "date"
)

// Kinds lists every variant.
var Kinds = []Kind{KindSingle, KindWeekly, KindDelta, KindDate}

// ParseKind validates a persisted type name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, s)
}

var (
	ErrUnsupportedKind = errors.New("unsupported recurrence type")
	ErrNoBlobs         = errors.New("weekly recurrence requires at least one blob")
	ErrInterval        = errors.New("weekly recurrence interval must be at least 1")
	ErrWeeklyOverlap   = errors.New("weekly recurrence blobs must not overlap")
	ErrDeltaPeriod     = errors.New("delta period must be positive and cover the schedulable range")
	ErrDateRollover    = errors.New("date recurrence blob must start and end on the same day")
)

// Rule is the closed set of recurrence variants. Only this package can add
// implementations.
type Rule interface {
	Kind() Kind
	// NextOccurrence returns the first occurrence starting strictly after after.
	NextOccurrence(after time.Time) mo.Option[blob.Blob]
	// AllOccurrences returns, in start order, every occurrence fully inside window.
	AllOccurrences(window timerange.TimeRange) []blob.Blob
	// Anchor is the blob the rule was defined from.
	Anchor() blob.Blob

	sealed()
}

// Visitor receives exactly one call per variant. Adding a variant adds a
// method here, so every visitor must handle it before the module compiles.
type Visitor[T any] interface {
	Single(Single) T
	Weekly(Weekly) T
	Delta(Delta) T
	Date(Date) T
}

// Visit dispatches r to the matching visitor method.
func Visit[T any](r Rule, v Visitor[T]) T {
	switch rule := r.(type) {
	case Single:
		return v.Single(rule)
	case Weekly:
		return v.Weekly(rule)
	case Delta:
		return v.Delta(rule)
	case Date:
		return v.Date(rule)
	default:
		panic(fmt.Sprintf("recurrence: unknown rule type %T", r))
	}
}

// Tracer observes expansion decisions. It is never required for correctness.
type Tracer func(kind Kind, event string, at time.Time)

// Option configures a rule at construction.
type Option func(*options)

type options struct {
	tracer Tracer
}

// WithTracer attaches an expansion tracer.
func WithTracer(t Tracer) Option {
	return func(o *options) { o.tracer = t }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) trace(kind Kind, event string, at time.Time) {
	if o.tracer != nil {
		o.tracer(kind, event, at)
	}
}

// walk is the shared expansion loop: step through NextOccurrence from just
// before window start and stop at the first occurrence that leaves window.
func walk(kind Kind, o options, next func(time.Time) mo.Option[blob.Blob], window timerange.TimeRange) []blob.Blob {
	var out []blob.Blob
	cursor := window.Start().Add(-time.Nanosecond)
	for {
		occ, ok := next(cursor).Get()
		if !ok {
			o.trace(kind, "exhausted", cursor)
			return out
		}
		start := occ.Schedulable().Start()
		if start.After(window.End()) || !window.Contains(occ.Schedulable()) {
			o.trace(kind, "left window", start)
			return out
		}
		o.trace(kind, "occurrence", start)
		out = append(out, occ)
		cursor = start
	}
}

// civilDays counts calendar days from a's date to b's date, both read in loc.
func civilDays(a, b time.Time, loc *time.Location) int {
	a, b = a.In(loc), b.In(loc)
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
