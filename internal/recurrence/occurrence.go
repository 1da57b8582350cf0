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
)

// Occurrence is one expanded instance of a definition with its override
// applied. Blob carries the occurrence id as its identity.
type Occurrence struct {
	ID           string
	DefinitionID string
	Kind         Kind
	Blob         blob.Blob
	// Original is the occurrence before any override.
	Original blob.Blob
	// Finished is set when an override records the occurrence as done.
	Finished     bool
	EffectiveEnd time.Time
	// OverrideErr is set when the override could not be applied; Blob then
	// keeps the original windows.
	OverrideErr error
}

// OccurrenceID names an occurrence by definition and original start.
func OccurrenceID(definitionID string, start time.Time) string {
	return fmt.Sprintf("%s:%s", definitionID, start.Format(time.RFC3339))
}

// Expand lists the definition's occurrences inside window, honouring
// end_date, exclusions and overrides. The window is re-expressed in the
// rule's zone before expansion.
func (d *Definition) Expand(window timerange.TimeRange) []Occurrence {
	window = window.In(d.Location())
	end, hasEnd := d.EndDate.Get()
	if hasEnd {
		if end.Before(window.Start()) {
			return nil
		}
		if end.Before(window.End()) {
			clipped, err := window.WithEnd(end)
			if err != nil {
				return nil
			}
			window = clipped
		}
	}

	var out []Occurrence
	for _, b := range d.Rule.AllOccurrences(window) {
		start := b.Schedulable().Start()
		if hasEnd && start.After(end) {
			continue
		}
		if d.Excluded(start) {
			continue
		}
		out = append(out, d.occurrence(b))
	}
	return out
}

func (d *Definition) occurrence(b blob.Blob) Occurrence {
	id := OccurrenceID(d.ID, b.Schedulable().Start())
	b = b.WithID(id)
	occ := Occurrence{
		ID:           id,
		DefinitionID: d.ID,
		Kind:         d.Kind,
		Blob:         b,
		Original:     b,
		EffectiveEnd: b.Default().End(),
	}

	ov, ok := d.Override(b.Schedulable().Start())
	if !ok {
		return occ
	}
	applied, err := applyOverride(&occ, ov)
	if err != nil {
		occ.Finished = false
		occ.EffectiveEnd = b.Default().End()
		occ.OverrideErr = fmt.Errorf("override for %s: %w", id, err)
		return occ
	}
	occ.Blob = applied
	return occ
}

func applyOverride(occ *Occurrence, ov OverrideDoc) (blob.Blob, error) {
	b := occ.Blob
	loc := b.Location()
	def := b.Default()
	sched := b.Schedulable()

	if ov.SchedulableTimerange != nil {
		tr, err := parseRange(*ov.SchedulableTimerange, loc)
		if err != nil {
			return b, fmt.Errorf("schedulable_timerange: %w", err)
		}
		if tr.Start().Before(tr.End()) {
			sched = tr
		}
	}
	if ov.DefaultScheduledTimerange != nil {
		tr, err := parseRange(*ov.DefaultScheduledTimerange, loc)
		if err != nil {
			return b, fmt.Errorf("default_scheduled_timerange: %w", err)
		}
		if tr.Start().Before(tr.End()) {
			def = tr
		}
	}

	occ.EffectiveEnd = def.End()
	if ov.FinishedAt != "" {
		finished, err := ParseDateTime(ov.FinishedAt, loc)
		if err != nil {
			return b, fmt.Errorf("finished_at: %w", err)
		}
		occ.Finished = true
		occ.EffectiveEnd = finished
	} else if ov.AddedMinutes != 0 {
		// Only the active-occurrence cutoff moves; the job keeps its windows.
		occ.EffectiveEnd = def.End().Add(time.Duration(ov.AddedMinutes * float64(time.Minute)))
	}

	return b.WithRanges(def, sched)
}

// ActiveAt reports whether the occurrence is running at now: its preferred
// window has started and its effective end is still ahead.
func (o Occurrence) ActiveAt(now time.Time) bool {
	return !o.Blob.Default().Start().After(now) && now.Before(o.EffectiveEnd)
}
