/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package blob implements the atomic schedulable unit: a preferred window
// inside a wider allowed window, plus identity, policy, tags and dependencies.
package blob

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/friendsincode/elastisched/internal/optimizer"
	"github.com/friendsincode/elastisched/internal/policy"
	"github.com/friendsincode/elastisched/internal/timerange"
	"github.com/google/uuid"
)

// ErrNotContained is returned when the preferred window escapes the allowed window.
var ErrNotContained = errors.New("blob: schedulable range must contain default scheduled range")

// DefaultName is used when a definition leaves the name empty.
const DefaultName = "Unnamed Blob"

// Params describes a blob to construct. Location defaults to the zone of the
// schedulable range; ID defaults to a fresh UUID.
type Params struct {
	ID           string
	Name         string
	Description  string
	Default      timerange.TimeRange
	Schedulable  timerange.TimeRange
	Location     *time.Location
	Policy       policy.Policy
	Dependencies []string
	Tags         []policy.Tag
}

// Blob is immutable once built. Copies produced by Shifted and friends own
// their dependency and tag sets.
type Blob struct {
	id          string
	name        string
	description string
	def         timerange.TimeRange
	schedulable timerange.TimeRange
	loc         *time.Location
	policy      policy.Policy
	deps        map[string]struct{}
	tags        policy.TagSet
}

// New validates p and builds a Blob.
func New(p Params) (Blob, error) {
	loc := p.Location
	if loc == nil {
		loc = p.Schedulable.Location()
	}
	b := Blob{
		id:          p.ID,
		name:        p.Name,
		description: p.Description,
		def:         p.Default.In(loc),
		schedulable: p.Schedulable.In(loc),
		loc:         loc,
		policy:      p.Policy,
		deps:        make(map[string]struct{}, len(p.Dependencies)),
		tags:        policy.NewTagSet(p.Tags...),
	}
	if b.id == "" {
		b.id = uuid.NewString()
	}
	if b.name == "" {
		b.name = DefaultName
	}
	for _, d := range p.Dependencies {
		if d != "" {
			b.deps[d] = struct{}{}
		}
	}
	if !b.schedulable.Contains(b.def) {
		return Blob{}, fmt.Errorf("%w: %s not within %s", ErrNotContained, b.def, b.schedulable)
	}
	return b, nil
}

func (b Blob) ID() string                       { return b.id }
func (b Blob) Name() string                     { return b.name }
func (b Blob) Description() string              { return b.description }
func (b Blob) Default() timerange.TimeRange     { return b.def }
func (b Blob) Schedulable() timerange.TimeRange { return b.schedulable }
func (b Blob) Location() *time.Location         { return b.loc }
func (b Blob) Policy() policy.Policy            { return b.policy }

// Duration is the length of the preferred window.
func (b Blob) Duration() time.Duration { return b.def.Duration() }

// Dependencies returns the dependency ids in sorted order.
func (b Blob) Dependencies() []string {
	out := make([]string, 0, len(b.deps))
	for d := range b.deps {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func (b Blob) HasDependency(id string) bool {
	_, ok := b.deps[id]
	return ok
}

// Tags returns the tags ordered by group then name.
func (b Blob) Tags() []policy.Tag { return b.tags.Sorted() }

func (b Blob) HasTag(t policy.Tag) bool { return b.tags.Has(t) }

// Equal compares identity only.
func (b Blob) Equal(other Blob) bool { return b.id == other.id }

// Before orders by allowed window and fails for overlapping windows.
func (b Blob) Before(other Blob) (bool, error) {
	return b.schedulable.Before(other.schedulable)
}

// BeforeOrEqual orders by allowed window and fails for overlapping windows.
func (b Blob) BeforeOrEqual(other Blob) (bool, error) {
	return b.schedulable.BeforeOrEqual(other.schedulable)
}

// Shifted returns a copy with both windows moved by an absolute duration.
func (b Blob) Shifted(d time.Duration) Blob {
	out := b.clone()
	out.def = b.def.Shift(d)
	out.schedulable = b.schedulable.Shift(d)
	return out
}

// ShiftedDate returns a copy with both windows moved by a civil offset in the
// blob's location, so wall-clock times survive DST changes.
func (b Blob) ShiftedDate(years, months, days int) Blob {
	out := b.clone()
	out.def = b.def.ShiftDate(years, months, days)
	out.schedulable = b.schedulable.ShiftDate(years, months, days)
	return out
}

// WithID returns a copy carrying a different identity.
func (b Blob) WithID(id string) Blob {
	out := b.clone()
	out.id = id
	return out
}

// WithRanges returns a copy with replaced windows, re-checking containment.
func (b Blob) WithRanges(def, schedulable timerange.TimeRange) (Blob, error) {
	def = def.In(b.loc)
	schedulable = schedulable.In(b.loc)
	if !schedulable.Contains(def) {
		return Blob{}, fmt.Errorf("%w: %s not within %s", ErrNotContained, def, schedulable)
	}
	out := b.clone()
	out.def = def
	out.schedulable = schedulable
	return out, nil
}

func (b Blob) clone() Blob {
	out := b
	out.deps = make(map[string]struct{}, len(b.deps))
	for d := range b.deps {
		out.deps[d] = struct{}{}
	}
	out.tags = b.tags.Clone()
	return out
}

func (b Blob) String() string {
	return fmt.Sprintf("%s(%s) default=%s schedulable=%s", b.name, b.id, b.def, b.schedulable)
}

// ToJob projects the blob onto integer seconds from epoch. Sub-second
// precision is dropped.
func (b Blob) ToJob(epoch time.Time) optimizer.Job {
	return optimizer.Job{
		ID:              b.id,
		DurationSeconds: int64(b.def.Duration() / time.Second),
		Schedulable:     ToRange(b.schedulable, epoch),
		Preferred:       ToRange(b.def, epoch),
		Policy:          b.policy,
		Dependencies:    b.Dependencies(),
		Tags:            b.Tags(),
	}
}

// FromJob rebuilds a blob from a job. The allowed window comes from the job's
// schedulable range and the preferred window from its preferred range, each
// offset independently from epoch and expressed in loc.
func FromJob(job optimizer.Job, epoch time.Time, name, description string, loc *time.Location) (Blob, error) {
	if loc == nil {
		loc = timerange.Reference
	}
	schedulable, err := FromRange(job.Schedulable, epoch, loc)
	if err != nil {
		return Blob{}, fmt.Errorf("schedulable range of %s: %w", job.ID, err)
	}
	def, err := FromRange(job.Preferred, epoch, loc)
	if err != nil {
		return Blob{}, fmt.Errorf("preferred range of %s: %w", job.ID, err)
	}
	return New(Params{
		ID:           job.ID,
		Name:         name,
		Description:  description,
		Default:      def,
		Schedulable:  schedulable,
		Location:     loc,
		Policy:       job.Policy,
		Dependencies: job.Dependencies,
		Tags:         job.Tags,
	})
}

// ToRange converts a time range to second offsets from epoch.
func ToRange(tr timerange.TimeRange, epoch time.Time) optimizer.Range {
	return optimizer.Range{
		Low:  int64(tr.Start().Sub(epoch) / time.Second),
		High: int64(tr.End().Sub(epoch) / time.Second),
	}
}

// FromRange converts second offsets from epoch back to a range in loc.
func FromRange(r optimizer.Range, epoch time.Time, loc *time.Location) (timerange.TimeRange, error) {
	start := epoch.Add(time.Duration(r.Low) * time.Second).In(loc)
	end := epoch.Add(time.Duration(r.High) * time.Second).In(loc)
	return timerange.New(start, end)
}
