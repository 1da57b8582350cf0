/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package recurrence

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/friendsincode/elastisched/internal/blob"
	"github.com/friendsincode/elastisched/internal/policy"
	"github.com/friendsincode/elastisched/internal/timerange"
	"github.com/samber/mo"
)

// Definition is a stored recurrence rebuilt into a Rule, together with the
// per-occurrence exclusions and overrides that live in its payload.
type Definition struct {
	ID      string
	Kind    Kind
	Rule    Rule
	Payload Payload
	EndDate mo.Option[time.Time]
	// Warnings lists recoverable problems, such as an unknown timezone
	// replaced by UTC or an unreadable exclusion that was ignored.
	Warnings []string

	exclusions map[int64]struct{}
}

// Decode parses raw JSON and builds the definition.
func Decode(id string, kind Kind, raw []byte, opts ...Option) (*Definition, error) {
	p, err := ParsePayload(raw)
	if err != nil {
		return nil, err
	}
	return DecodePayload(id, kind, p, opts...)
}

// DecodePayload builds the definition from an already parsed payload.
func DecodePayload(id string, kind Kind, p Payload, opts ...Option) (*Definition, error) {
	d := &Definition{ID: id, Kind: kind, Payload: p}

	rule, err := d.buildRule(p, opts)
	if err != nil {
		return nil, err
	}
	d.Rule = rule

	loc := rule.Anchor().Location()
	if p.EndDate != "" {
		end, err := ParseDateTime(p.EndDate, loc)
		if err != nil {
			return nil, payloadErr("end_date", err)
		}
		d.EndDate = mo.Some(end)
	}

	d.exclusions = make(map[int64]struct{}, len(p.Exclusions))
	for _, raw := range p.Exclusions {
		at, err := ParseDateTime(raw, time.UTC)
		if err != nil {
			d.Warnings = append(d.Warnings, fmt.Sprintf("ignoring exclusion %q: %v", raw, err))
			continue
		}
		d.exclusions[at.Unix()] = struct{}{}
	}
	for key := range p.OccurrenceOverrides {
		if _, err := ParseDateTime(key, loc); err != nil {
			d.Warnings = append(d.Warnings, fmt.Sprintf("ignoring override %q: %v", key, err))
		}
	}

	return d, nil
}

func (d *Definition) buildRule(p Payload, opts []Option) (Rule, error) {
	switch d.Kind {
	case KindSingle:
		b, err := d.requiredBlob(p.Blob, "blob")
		if err != nil {
			return nil, err
		}
		return NewSingle(b, opts...), nil

	case KindWeekly:
		if len(p.BlobsOfWeek) == 0 {
			return nil, payloadErr("blobs_of_week", ErrNoBlobs)
		}
		blobs := make([]blob.Blob, 0, len(p.BlobsOfWeek))
		for i, doc := range p.BlobsOfWeek {
			b, err := d.blobFromDoc(doc, fmt.Sprintf("blobs_of_week[%d]", i))
			if err != nil {
				return nil, err
			}
			blobs = append(blobs, b)
		}
		interval := p.Interval
		if interval == 0 {
			interval = 1
		}
		return NewWeekly(blobs, interval, opts...)

	case KindDelta:
		if p.DeltaSeconds == nil {
			return nil, payloadErr("delta_seconds", errors.New("required for delta recurrences"))
		}
		secs := *p.DeltaSeconds
		if math.IsNaN(secs) || math.IsInf(secs, 0) || secs > math.MaxInt64/float64(time.Second) {
			return nil, payloadErr("delta_seconds", fmt.Errorf("out of range: %v", secs))
		}
		b, err := d.requiredBlob(p.StartBlob, "start_blob")
		if err != nil {
			return nil, err
		}
		return NewDelta(time.Duration(secs*float64(time.Second)), b, opts...)

	case KindDate:
		b, err := d.requiredBlob(p.Blob, "blob")
		if err != nil {
			return nil, err
		}
		return NewDate(b, opts...)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, d.Kind)
	}
}

func (d *Definition) requiredBlob(doc *BlobDoc, field string) (blob.Blob, error) {
	if doc == nil {
		return blob.Blob{}, payloadErr(field, errors.New("required"))
	}
	return d.blobFromDoc(*doc, field)
}

func (d *Definition) blobFromDoc(doc BlobDoc, field string) (blob.Blob, error) {
	loc, ok := ResolveLocation(doc.TZ, timerange.Reference)
	if !ok {
		d.Warnings = append(d.Warnings, fmt.Sprintf("%s: unknown timezone %q, using %s", field, doc.TZ, loc))
	}

	def, err := parseRange(doc.DefaultScheduledTimerange, loc)
	if err != nil {
		return blob.Blob{}, payloadErr(field+".default_scheduled_timerange", err)
	}
	sched, err := parseRange(doc.SchedulableTimerange, loc)
	if err != nil {
		return blob.Blob{}, payloadErr(field+".schedulable_timerange", err)
	}

	tags := make([]policy.Tag, 0, len(doc.Tags))
	for _, t := range doc.Tags {
		tags = append(tags, policy.Tag(t))
	}

	b, err := blob.New(blob.Params{
		Name:         doc.Name,
		Description:  doc.Description,
		Default:      def,
		Schedulable:  sched,
		Location:     loc,
		Policy:       doc.Policy.Policy(),
		Dependencies: doc.Dependencies,
		Tags:         tags,
	})
	if err != nil {
		return blob.Blob{}, payloadErr(field, err)
	}
	return b, nil
}

func parseRange(doc TimeRangeDoc, loc *time.Location) (timerange.TimeRange, error) {
	start, err := ParseDateTime(doc.Start, loc)
	if err != nil {
		return timerange.TimeRange{}, fmt.Errorf("start: %w", err)
	}
	end, err := ParseDateTime(doc.End, loc)
	if err != nil {
		return timerange.TimeRange{}, fmt.Errorf("end: %w", err)
	}
	return timerange.New(start, end)
}

// Location is the zone expansion windows are coerced into.
func (d *Definition) Location() *time.Location {
	return d.Rule.Anchor().Location()
}

// Excluded reports whether an occurrence starting at t was skipped explicitly.
func (d *Definition) Excluded(t time.Time) bool {
	_, ok := d.exclusions[t.Unix()]
	return ok
}

// Override returns the override whose key matches an occurrence start to the
// second. Keys without an offset are read in the occurrence's zone.
func (d *Definition) Override(start time.Time) (OverrideDoc, bool) {
	for key, ov := range d.Payload.OccurrenceOverrides {
		at, err := ParseDateTime(key, start.Location())
		if err != nil {
			continue
		}
		if at.Unix() == start.Unix() {
			return ov, true
		}
	}
	return OverrideDoc{}, false
}
