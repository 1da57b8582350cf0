/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package recurrence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/friendsincode/elastisched/internal/policy"
	"gopkg.in/yaml.v3"
)

// Payload is the persisted document behind a recurrence definition. Which
// fields are read depends on the definition's Kind.
type Payload struct {
	Blob        *BlobDoc  `json:"blob,omitempty" yaml:"blob,omitempty"`
	Interval    int       `json:"interval,omitempty" yaml:"interval,omitempty"`
	BlobsOfWeek []BlobDoc `json:"blobs_of_week,omitempty" yaml:"blobs_of_week,omitempty"`
	// Seconds between delta occurrences. Fractions are accepted.
	DeltaSeconds *float64 `json:"delta_seconds,omitempty" yaml:"delta_seconds,omitempty"`
	StartBlob    *BlobDoc `json:"start_blob,omitempty" yaml:"start_blob,omitempty"`

	EndDate             string                 `json:"end_date,omitempty" yaml:"end_date,omitempty"`
	Exclusions          []string               `json:"exclusions,omitempty" yaml:"exclusions,omitempty"`
	OccurrenceOverrides map[string]OverrideDoc `json:"occurrence_overrides,omitempty" yaml:"occurrence_overrides,omitempty"`
}

// BlobDoc is the persisted form of a blob.
type BlobDoc struct {
	Name                      string       `json:"name,omitempty" yaml:"name,omitempty"`
	Description               string       `json:"description,omitempty" yaml:"description,omitempty"`
	TZ                        string       `json:"tz,omitempty" yaml:"tz,omitempty"`
	DefaultScheduledTimerange TimeRangeDoc `json:"default_scheduled_timerange" yaml:"default_scheduled_timerange"`
	SchedulableTimerange      TimeRangeDoc `json:"schedulable_timerange" yaml:"schedulable_timerange"`
	Policy                    PolicyDoc    `json:"policy,omitempty" yaml:"policy,omitempty"`
	Dependencies              []string     `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Tags                      []TagDoc     `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// TimeRangeDoc holds ISO-8601 endpoints. Values without an offset are read in
// the enclosing blob's zone.
type TimeRangeDoc struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

// PolicyDoc accepts either the scheduling_policies bitfield or the boolean flags.
type PolicyDoc struct {
	SchedulingPolicies      *int  `json:"scheduling_policies,omitempty" yaml:"scheduling_policies,omitempty"`
	IsSplittable            bool  `json:"is_splittable,omitempty" yaml:"is_splittable,omitempty"`
	IsOverlappable          bool  `json:"is_overlappable,omitempty" yaml:"is_overlappable,omitempty"`
	IsInvisible             bool  `json:"is_invisible,omitempty" yaml:"is_invisible,omitempty"`
	RoundToGranularity      *bool `json:"round_to_granularity,omitempty" yaml:"round_to_granularity,omitempty"`
	MaxSplits               int   `json:"max_splits,omitempty" yaml:"max_splits,omitempty"`
	MinSplitDurationSeconds int64 `json:"min_split_duration_seconds,omitempty" yaml:"min_split_duration_seconds,omitempty"`
	MinSplitDuration        int64 `json:"min_split_duration,omitempty" yaml:"min_split_duration,omitempty"`
}

// TagDoc is written as "name", "group:name" or {"name": ..., "group": ...}.
type TagDoc policy.Tag

// OverrideDoc adjusts one occurrence, keyed by its start instant.
type OverrideDoc struct {
	FinishedAt                string        `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	AddedMinutes              float64       `json:"added_minutes,omitempty" yaml:"added_minutes,omitempty"`
	SchedulableTimerange      *TimeRangeDoc `json:"schedulable_timerange,omitempty" yaml:"schedulable_timerange,omitempty"`
	DefaultScheduledTimerange *TimeRangeDoc `json:"default_scheduled_timerange,omitempty" yaml:"default_scheduled_timerange,omitempty"`
}

// PayloadError reports a malformed or missing payload field.
type PayloadError struct {
	Field string
	Err   error
}

func (e *PayloadError) Error() string {
	if e.Field == "" {
		return "invalid recurrence payload: " + e.Err.Error()
	}
	return fmt.Sprintf("invalid recurrence payload: %s: %v", e.Field, e.Err)
}

func (e *PayloadError) Unwrap() error { return e.Err }

func payloadErr(field string, err error) error {
	return &PayloadError{Field: field, Err: err}
}

// ParsePayload decodes a JSON document. Unknown fields are ignored.
func ParsePayload(raw []byte) (Payload, error) {
	var p Payload
	if len(bytes.TrimSpace(raw)) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, payloadErr("", err)
	}
	return p, nil
}

func (t TagDoc) MarshalJSON() ([]byte, error) {
	return json.Marshal(policy.Tag(t).String())
}

func (t *TagDoc) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		tag, _ := policy.ParseTag(s)
		*t = TagDoc(tag)
		return nil
	}
	var obj struct {
		Name  string `json:"name"`
		Group string `json:"group"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("tag must be a string or an object with a name: %w", err)
	}
	*t = TagDoc{Name: strings.TrimSpace(obj.Name), Group: strings.TrimSpace(obj.Group)}
	return nil
}

func (t TagDoc) MarshalYAML() (interface{}, error) {
	return policy.Tag(t).String(), nil
}

func (t *TagDoc) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		tag, _ := policy.ParseTag(node.Value)
		*t = TagDoc(tag)
		return nil
	}
	var obj struct {
		Name  string `yaml:"name"`
		Group string `yaml:"group"`
	}
	if err := node.Decode(&obj); err != nil {
		return fmt.Errorf("tag must be a string or a mapping with a name: %w", err)
	}
	*t = TagDoc{Name: strings.TrimSpace(obj.Name), Group: strings.TrimSpace(obj.Group)}
	return nil
}

// Policy converts the document into a policy value.
func (d PolicyDoc) Policy() policy.Policy {
	var flags policy.Flags
	if d.SchedulingPolicies != nil {
		flags = policy.Flags(uint8(*d.SchedulingPolicies)) & (policy.Splittable | policy.Overlappable | policy.Invisible | policy.RoundToGranularity)
		if d.RoundToGranularity != nil {
			flags &^= policy.RoundToGranularity
		}
	} else {
		if d.IsSplittable {
			flags |= policy.Splittable
		}
		if d.IsOverlappable {
			flags |= policy.Overlappable
		}
		if d.IsInvisible {
			flags |= policy.Invisible
		}
	}
	if d.RoundToGranularity != nil && *d.RoundToGranularity {
		flags |= policy.RoundToGranularity
	}

	minSplit := d.MinSplitDurationSeconds
	if minSplit == 0 {
		minSplit = d.MinSplitDuration
	}
	maxSplits := d.MaxSplits
	if maxSplits < 0 {
		maxSplits = 0
	}
	return policy.New(flags, uint(maxSplits), time.Duration(minSplit)*time.Second)
}

var zonedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseDateTime reads an ISO-8601 instant. Values carrying an offset keep it
// and are re-expressed in loc; naive values are interpreted in loc.
func ParseDateTime(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("missing datetime")
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.In(loc), nil
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid datetime %q", value)
}

// ResolveLocation loads a zone name. Unknown or empty names fall back to
// fallback, and ok reports whether the name resolved.
func ResolveLocation(name string, fallback *time.Location) (*time.Location, bool) {
	if fallback == nil {
		fallback = time.UTC
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fallback, true
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return fallback, false
	}
	return loc, true
}
