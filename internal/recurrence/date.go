/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package recurrence

import (
	"fmt"
	"time"

	"github.com/friendsincode/elastisched/internal/blob"
	"github.com/friendsincode/elastisched/internal/timerange"
	"github.com/samber/mo"
)

// maxYearSearch bounds the forward search for a valid anniversary. The longest
// run without a February 29 is eight years.
const maxYearSearch = 9

// Date repeats a blob every year on the anchor's month, day and time of day
// in the blob's location. February 29 anchors only recur in leap years.
type Date struct {
	blob  blob.Blob
	month time.Month
	day   int
	year  int
	opts  options
}

// NewDate requires the blob's allowed window to start and end on the same day.
func NewDate(b blob.Blob, opts ...Option) (Date, error) {
	loc := b.Location()
	start := b.Schedulable().Start().In(loc)
	end := b.Schedulable().End().In(loc)
	if start.Year() != end.Year() || start.YearDay() != end.YearDay() {
		return Date{}, fmt.Errorf("%w: %s to %s", ErrDateRollover, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return Date{blob: b, month: start.Month(), day: start.Day(), year: start.Year(), opts: buildOptions(opts)}, nil
}

func (Date) Kind() Kind          { return KindDate }
func (d Date) Anchor() blob.Blob { return d.blob }
func (Date) sealed()             {}

// inYear returns the occurrence in year, or false when the date does not
// exist that year.
func (d Date) inYear(year int) (blob.Blob, bool) {
	if time.Date(year, d.month, d.day, 0, 0, 0, 0, time.UTC).Month() != d.month {
		return blob.Blob{}, false
	}
	return d.blob.ShiftedDate(year-d.year, 0, 0), true
}

// NextOccurrence returns the anchor itself for any instant before the
// anchor's year.
func (d Date) NextOccurrence(current time.Time) mo.Option[blob.Blob] {
	cy := current.In(d.blob.Location()).Year()
	if cy < d.year {
		return mo.Some(d.blob)
	}
	for year := cy; year <= cy+maxYearSearch; year++ {
		occ, ok := d.inYear(year)
		if !ok {
			d.opts.trace(KindDate, "date missing in year", time.Date(year, 1, 1, 0, 0, 0, 0, d.blob.Location()))
			continue
		}
		if occ.Schedulable().Start().After(current) {
			return mo.Some(occ)
		}
	}
	return mo.None[blob.Blob]()
}

// AllOccurrences iterates the calendar years the window touches.
func (d Date) AllOccurrences(window timerange.TimeRange) []blob.Blob {
	loc := d.blob.Location()
	first := max(window.Start().In(loc).Year(), d.year)
	last := window.End().In(loc).Year()

	var out []blob.Blob
	for year := first; year <= last; year++ {
		occ, ok := d.inYear(year)
		if !ok {
			continue
		}
		start := occ.Schedulable().Start()
		if start.Before(window.Start()) {
			continue
		}
		if start.After(window.End()) || !window.Contains(occ.Schedulable()) {
			d.opts.trace(KindDate, "left window", start)
			break
		}
		d.opts.trace(KindDate, "occurrence", start)
		out = append(out, occ)
	}
	return out
}
