/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package timerange provides the closed instant interval every schedulable
// unit is built on.
package timerange

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInverted is returned when a range would end before it starts.
	ErrInverted = errors.New("timerange: start is after end")

	// ErrOverlappingCompare is returned by ordering operations on overlapping ranges.
	ErrOverlappingCompare = errors.New("timerange: cannot order overlapping ranges")
)

// Reference is the zone used when a caller supplies no location.
var Reference = time.UTC

// TimeRange is an immutable interval [Start, End] whose endpoints share one location.
// Comparisons use absolute instants; the location only affects display and
// civil arithmetic.
type TimeRange struct {
	start time.Time
	end   time.Time
}

// New builds a range, re-expressing end in the location of start.
func New(start, end time.Time) (TimeRange, error) {
	loc := start.Location()
	end = end.In(loc)
	if start.After(end) {
		return TimeRange{}, fmt.Errorf("%w: %s > %s", ErrInverted, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return TimeRange{start: start, end: end}, nil
}

// MustNew is New for literals known to be valid. It panics on inverted input.
func MustNew(start, end time.Time) TimeRange {
	tr, err := New(start, end)
	if err != nil {
		panic(err)
	}
	return tr
}

func (tr TimeRange) Start() time.Time { return tr.start }
func (tr TimeRange) End() time.Time   { return tr.end }

// Location returns the zone both endpoints are expressed in.
func (tr TimeRange) Location() *time.Location {
	return tr.start.Location()
}

func (tr TimeRange) Duration() time.Duration {
	return tr.end.Sub(tr.start)
}

// IsZero reports whether the range was never constructed.
func (tr TimeRange) IsZero() bool {
	return tr.start.IsZero() && tr.end.IsZero()
}

// Overlaps reports whether the two ranges share more than an endpoint.
func (tr TimeRange) Overlaps(other TimeRange) bool {
	return tr.start.Before(other.end) && other.start.Before(tr.end)
}

// Contains reports whether other lies entirely within tr, endpoints included.
func (tr TimeRange) Contains(other TimeRange) bool {
	return !other.start.Before(tr.start) && !other.end.After(tr.end)
}

// ContainsInstant reports whether t lies within tr, endpoints included.
func (tr TimeRange) ContainsInstant(t time.Time) bool {
	return !t.Before(tr.start) && !t.After(tr.end)
}

// Equal compares endpoints as instants.
func (tr TimeRange) Equal(other TimeRange) bool {
	return tr.start.Equal(other.start) && tr.end.Equal(other.end)
}

// Before reports whether tr ends at or before other starts. It is only
// defined for ranges that do not overlap.
func (tr TimeRange) Before(other TimeRange) (bool, error) {
	if tr.Overlaps(other) {
		return false, ErrOverlappingCompare
	}
	if tr.Equal(other) {
		return false, nil
	}
	return !tr.end.After(other.start), nil
}

// BeforeOrEqual is Before extended with equality.
func (tr TimeRange) BeforeOrEqual(other TimeRange) (bool, error) {
	if tr.Equal(other) {
		return true, nil
	}
	return tr.Before(other)
}

// Shift translates both endpoints by an absolute duration.
func (tr TimeRange) Shift(d time.Duration) TimeRange {
	return TimeRange{start: tr.start.Add(d), end: tr.end.Add(d)}
}

// ShiftDate translates both endpoints by a civil offset in the range's own
// location, keeping wall-clock times across DST changes.
func (tr TimeRange) ShiftDate(years, months, days int) TimeRange {
	start := tr.start.AddDate(years, months, days)
	end := tr.end.AddDate(years, months, days)
	if end.Before(start) {
		// A gap at the new date can only move end earlier by the DST offset.
		end = start.Add(tr.Duration())
	}
	return TimeRange{start: start, end: end}
}

// In re-expresses both endpoints in loc.
func (tr TimeRange) In(loc *time.Location) TimeRange {
	if loc == nil {
		loc = Reference
	}
	return TimeRange{start: tr.start.In(loc), end: tr.end.In(loc)}
}

// WithEnd returns a copy ending at end, or ErrInverted.
func (tr TimeRange) WithEnd(end time.Time) (TimeRange, error) {
	return New(tr.start, end)
}

func (tr TimeRange) String() string {
	return fmt.Sprintf("[%s, %s]", tr.start.Format(time.RFC3339), tr.end.Format(time.RFC3339))
}
