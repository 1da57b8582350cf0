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

const day = 24 * time.Hour

// Delta repeats a blob every Period. Whole-day periods step through the
// blob's civil calendar so local wall-clock times are kept across DST;
// other periods add an absolute duration.
type Delta struct {
	period time.Duration
	start  blob.Blob
	opts   options
}

// NewDelta validates that an occurrence cannot outlast the gap to the next one.
func NewDelta(period time.Duration, start blob.Blob, opts ...Option) (Delta, error) {
	if period <= 0 {
		return Delta{}, fmt.Errorf("%w: period %s", ErrDeltaPeriod, period)
	}
	if d := start.Schedulable().Duration(); d > period {
		return Delta{}, fmt.Errorf("%w: schedulable range %s exceeds period %s", ErrDeltaPeriod, d, period)
	}
	return Delta{period: period, start: start, opts: buildOptions(opts)}, nil
}

func (Delta) Kind() Kind              { return KindDelta }
func (d Delta) Anchor() blob.Blob     { return d.start }
func (d Delta) Period() time.Duration { return d.period }
func (Delta) sealed()                 {}

func (d Delta) civil() bool { return d.period%day == 0 }

// nth returns the anchor moved by n periods.
func (d Delta) nth(n int) blob.Blob {
	if d.civil() {
		return d.start.ShiftedDate(0, 0, n*int(d.period/day))
	}
	return d.start.Shifted(time.Duration(n) * d.period)
}

// index returns the largest n >= 0 whose occurrence starts at or before t.
// t must not precede the anchor.
func (d Delta) index(t time.Time) int {
	anchor := d.start.Schedulable().Start()
	n := int(t.Sub(anchor) / d.period)
	if d.civil() {
		// Civil steps drift from absolute periods by DST offsets only.
		for n > 0 && d.nth(n).Schedulable().Start().After(t) {
			n--
		}
		for !d.nth(n + 1).Schedulable().Start().After(t) {
			n++
		}
	}
	return n
}

func (d Delta) NextOccurrence(current time.Time) mo.Option[blob.Blob] {
	if current.Before(d.start.Schedulable().Start()) {
		return mo.Some(d.start)
	}
	return mo.Some(d.nth(d.index(current) + 1))
}

// AllOccurrences projects each candidate from the anchor by index rather
// than accumulating steps.
func (d Delta) AllOccurrences(window timerange.TimeRange) []blob.Blob {
	anchor := d.start.Schedulable().Start()
	k := 0
	if window.Start().After(anchor) {
		k = d.index(window.Start())
		if d.nth(k).Schedulable().Start().Before(window.Start()) {
			k++
		}
	}

	var out []blob.Blob
	for ; ; k++ {
		occ := d.nth(k)
		start := occ.Schedulable().Start()
		if start.After(window.End()) || !window.Contains(occ.Schedulable()) {
			d.opts.trace(KindDelta, "left window", start)
			return out
		}
		d.opts.trace(KindDelta, "occurrence", start)
		out = append(out, occ)
	}
}
