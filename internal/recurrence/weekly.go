/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package recurrence

import (
	"fmt"
	"sort"
	"time"

	"github.com/friendsincode/elastisched/internal/blob"
	"github.com/friendsincode/elastisched/internal/timerange"
	"github.com/samber/mo"
)

// Weekly repeats a set of blobs every Interval weeks. Each blob keeps its own
// weekday and wall-clock time in its own location; week cycles are counted
// from the earliest blob.
type Weekly struct {
	blobs    []blob.Blob
	interval int
	opts     options
}

// NewWeekly validates and sorts the blobs of the week.
func NewWeekly(blobs []blob.Blob, interval int, opts ...Option) (Weekly, error) {
	if len(blobs) == 0 {
		return Weekly{}, ErrNoBlobs
	}
	if interval < 1 {
		return Weekly{}, fmt.Errorf("%w: got %d", ErrInterval, interval)
	}

	sorted := make([]blob.Blob, len(blobs))
	copy(sorted, blobs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Schedulable().Start().Before(sorted[j].Schedulable().Start())
	})
	for i := range sorted {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[i].Schedulable().Overlaps(sorted[j].Schedulable()) {
				return Weekly{}, fmt.Errorf("%w: %q and %q", ErrWeeklyOverlap, sorted[i].Name(), sorted[j].Name())
			}
		}
	}

	return Weekly{blobs: sorted, interval: interval, opts: buildOptions(opts)}, nil
}

func (Weekly) Kind() Kind          { return KindWeekly }
func (w Weekly) Anchor() blob.Blob { return w.blobs[0] }
func (Weekly) sealed()             {}

// Blobs returns the blobs of the week in start order.
func (w Weekly) Blobs() []blob.Blob {
	out := make([]blob.Blob, len(w.blobs))
	copy(out, w.blobs)
	return out
}

// Interval is the number of weeks between repetitions.
func (w Weekly) Interval() int { return w.interval }

func (w Weekly) NextOccurrence(current time.Time) mo.Option[blob.Blob] {
	var best mo.Option[blob.Blob]
	var bestStart time.Time

	for _, b := range w.blobs {
		cand, ok := w.nextFor(b, current)
		if !ok {
			continue
		}
		start := cand.Schedulable().Start()
		if best.IsAbsent() || start.Before(bestStart) {
			best = mo.Some(cand)
			bestStart = start
		}
	}
	return best
}

// nextFor finds the first repetition of b strictly after current. Week
// cycles are counted from the first anchor, so a blob whose anchor falls in
// an off-cycle week first repeats at the next on-cycle week. Repetitions
// step in civil days and keep b's weekday and wall-clock time across DST.
func (w Weekly) nextFor(b blob.Blob, current time.Time) (blob.Blob, bool) {
	anchor := b.Schedulable().Start()
	cycleDays := 7 * w.interval
	offset := w.cycleOffset(b)

	m := 0
	if current.After(anchor) {
		elapsed := civilDays(anchor, current, b.Location()) - offset
		m = max(0, floorDiv(elapsed, cycleDays)-1)
	}
	// The estimate is off by at most one cycle.
	for i := 0; i < 4; i++ {
		cand := b.ShiftedDate(0, 0, offset+cycleDays*(m+i))
		if cand.Schedulable().Start().After(current) {
			return cand, true
		}
	}
	return blob.Blob{}, false
}

// cycleOffset is the number of days from b's anchor to its first on-cycle
// week, counted in whole weeks from the first anchor.
func (w Weekly) cycleOffset(b blob.Blob) int {
	first := w.blobs[0].Schedulable().Start()
	week := floorDiv(civilDays(first, b.Schedulable().Start(), w.blobs[0].Location()), 7)
	return 7 * ((w.interval - week%w.interval) % w.interval)
}

func (w Weekly) AllOccurrences(window timerange.TimeRange) []blob.Blob {
	return walk(KindWeekly, w.opts, w.NextOccurrence, window)
}
