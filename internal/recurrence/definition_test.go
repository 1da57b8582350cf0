package recurrence

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/friendsincode/elastisched/internal/policy"
	"github.com/friendsincode/elastisched/internal/timerange"
	"gopkg.in/yaml.v3"
)

const standupPayload = `{
  "blob": {
    "name": "Standup",
    "tz": "America/New_York",
    "default_scheduled_timerange": {"start": "2024-03-11T09:00:00", "end": "2024-03-11T09:30:00"},
    "schedulable_timerange": {"start": "2024-03-11T08:00:00", "end": "2024-03-11T12:00:00"},
    "policy": {"is_splittable": true, "max_splits": 2, "min_split_duration_seconds": 600},
    "tags": ["team:eng", {"name": "daily"}]
  }
}`

func TestDecodeSingle(t *testing.T) {
	loadNY(t)
	def, err := Decode("rec-1", KindSingle, []byte(standupPayload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(def.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", def.Warnings)
	}

	anchor := def.Rule.Anchor()
	if anchor.Location().String() != "America/New_York" {
		t.Fatalf("expected blob in New York, got %s", anchor.Location())
	}
	p := anchor.Policy()
	if !p.IsSplittable() || p.MaxSplits() != 2 || p.MinSplitDuration() != 10*time.Minute {
		t.Fatalf("unexpected policy %s", p)
	}
	if !anchor.HasTag(policy.Tag{Group: "team", Name: "eng"}) || !anchor.HasTag(policy.Tag{Name: "daily"}) {
		t.Fatalf("unexpected tags %v", anchor.Tags())
	}

	window := timerange.MustNew(utc(2024, 3, 11, 0, 0), utc(2024, 3, 12, 0, 0))
	occ := def.Expand(window)
	if len(occ) != 1 {
		t.Fatalf("expected one occurrence, got %d", len(occ))
	}
	if want := "rec-1:2024-03-11T08:00:00-04:00"; occ[0].ID != want {
		t.Fatalf("expected id %q, got %q", want, occ[0].ID)
	}
	if occ[0].Blob.ID() != occ[0].ID {
		t.Fatalf("expected blob to carry the occurrence id, got %q", occ[0].Blob.ID())
	}
}

const weeklyPayload = `{
  "interval": 1,
  "blobs_of_week": [{
    "name": "Planning",
    "default_scheduled_timerange": {"start": "2024-01-01T09:00:00", "end": "2024-01-01T10:00:00"},
    "schedulable_timerange": {"start": "2024-01-01T08:00:00", "end": "2024-01-01T12:00:00"}
  }],
  "end_date": "2024-01-22T23:59:59",
  "exclusions": ["2024-01-08T08:00:00", "not a date"],
  "occurrence_overrides": {
    "2024-01-15T08:00:00": {"added_minutes": 30},
    "2024-01-22T08:00:00+00:00": {"finished_at": "2024-01-22T09:45:00"}
  }
}`

func TestExpandAppliesEndDateExclusionsAndOverrides(t *testing.T) {
	def, err := Decode("rec-2", KindWeekly, []byte(weeklyPayload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(def.Warnings) != 1 || !strings.Contains(def.Warnings[0], "not a date") {
		t.Fatalf("expected one exclusion warning, got %v", def.Warnings)
	}

	occ := def.Expand(timerange.MustNew(utc(2024, 1, 1, 0, 0), utc(2024, 2, 29, 0, 0)))
	if len(occ) != 3 {
		t.Fatalf("expected 3 occurrences, got %d", len(occ))
	}
	wantDays := []int{1, 15, 22}
	for i, day := range wantDays {
		if got := occ[i].Original.Schedulable().Start().Day(); got != day {
			t.Fatalf("occurrence %d: expected day %d, got %d", i, day, got)
		}
	}

	if occ[0].Finished || !occ[0].EffectiveEnd.Equal(utc(2024, 1, 1, 10, 0)) {
		t.Fatalf("first occurrence should be untouched, got %+v", occ[0])
	}

	extended := occ[1]
	if !extended.Blob.Default().Equal(extended.Original.Default()) || !extended.Blob.Schedulable().Equal(extended.Original.Schedulable()) {
		t.Fatalf("added_minutes must not change the windows, got default %s schedulable %s",
			extended.Blob.Default(), extended.Blob.Schedulable())
	}
	if !extended.EffectiveEnd.Equal(utc(2024, 1, 15, 10, 30)) {
		t.Fatalf("expected effective end 10:30, got %s", extended.EffectiveEnd)
	}

	finished := occ[2]
	if !finished.Finished || !finished.EffectiveEnd.Equal(utc(2024, 1, 22, 9, 45)) {
		t.Fatalf("expected finished occurrence ending 09:45, got %+v", finished)
	}
}

func TestOverrideBreakingContainmentKeepsOriginal(t *testing.T) {
	payload := `{
	  "blob": {
	    "default_scheduled_timerange": {"start": "2025-01-06T09:00:00Z", "end": "2025-01-06T10:00:00Z"},
	    "schedulable_timerange": {"start": "2025-01-06T08:00:00Z", "end": "2025-01-06T12:00:00Z"}
	  },
	  "occurrence_overrides": {
	    "2025-01-06T08:00:00Z": {"default_scheduled_timerange": {"start": "2025-01-06T13:00:00Z", "end": "2025-01-06T14:00:00Z"}}
	  }
	}`
	def, err := Decode("rec-3", KindSingle, []byte(payload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	occ := def.Expand(timerange.MustNew(utc(2025, 1, 6, 0, 0), utc(2025, 1, 7, 0, 0)))
	if len(occ) != 1 {
		t.Fatalf("expected one occurrence, got %d", len(occ))
	}
	if occ[0].OverrideErr == nil {
		t.Fatal("expected override error")
	}
	if !occ[0].Blob.Default().Equal(occ[0].Original.Default()) {
		t.Fatalf("expected original windows to be kept, got %s", occ[0].Blob.Default())
	}
	if name := occ[0].Blob.Name(); name != "Unnamed Blob" {
		t.Fatalf("expected default name, got %q", name)
	}
}

func TestActiveAt(t *testing.T) {
	payload := `{
	  "blob": {
	    "default_scheduled_timerange": {"start": "2025-01-06T09:00:00Z", "end": "2025-01-06T10:00:00Z"},
	    "schedulable_timerange": {"start": "2025-01-06T08:00:00Z", "end": "2025-01-06T12:00:00Z"}
	  },
	  "occurrence_overrides": {"2025-01-06T08:00:00Z": {"added_minutes": 15}}
	}`
	def, err := Decode("rec-4", KindSingle, []byte(payload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	occ := def.Expand(timerange.MustNew(utc(2025, 1, 6, 0, 0), utc(2025, 1, 7, 0, 0)))[0]

	tests := []struct {
		at   time.Time
		want bool
	}{
		{utc(2025, 1, 6, 8, 59), false},
		{utc(2025, 1, 6, 9, 0), true},
		{utc(2025, 1, 6, 10, 5), true},
		{utc(2025, 1, 6, 10, 15), false},
	}
	for _, tt := range tests {
		if got := occ.ActiveAt(tt.at); got != tt.want {
			t.Fatalf("ActiveAt(%s) = %v, want %v", tt.at.Format(time.Kitchen), got, tt.want)
		}
	}
}

func TestDecodeRejectsBadPayloads(t *testing.T) {
	blob := `{"default_scheduled_timerange": {"start": "2025-01-06T09:00:00", "end": "2025-01-06T10:00:00"},
	          "schedulable_timerange": {"start": "2025-01-06T09:00:00", "end": "2025-01-06T10:00:00"}}`
	inverted := `{"blob": {"default_scheduled_timerange": {"start": "2025-01-06T11:00:00", "end": "2025-01-06T10:00:00"},
	          "schedulable_timerange": {"start": "2025-01-06T09:00:00", "end": "2025-01-06T12:00:00"}}}`

	tests := []struct {
		name    string
		kind    Kind
		payload string
		wantErr error
		field   string
	}{
		{"weekly without blobs", KindWeekly, `{"interval": 1}`, ErrNoBlobs, "blobs_of_week"},
		{"delta without seconds", KindDelta, `{"start_blob": ` + blob + `}`, nil, "delta_seconds"},
		{"delta without start blob", KindDelta, `{"delta_seconds": 86400}`, nil, "start_blob"},
		{"single without blob", KindSingle, `{}`, nil, "blob"},
		{"inverted range", KindSingle, inverted, timerange.ErrInverted, "blob.default_scheduled_timerange"},
		{"bad end date", KindSingle, `{"blob": ` + blob + `, "end_date": "soon"}`, nil, "end_date"},
		{"malformed json", KindSingle, `{"blob": [`, nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode("bad", tt.kind, []byte(tt.payload))
			if err == nil {
				t.Fatal("expected error")
			}
			var perr *PayloadError
			if !errors.As(err, &perr) {
				t.Fatalf("expected PayloadError, got %T: %v", err, err)
			}
			if perr.Field != tt.field {
				t.Fatalf("expected field %q, got %q", tt.field, perr.Field)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if _, err := Decode("bad", Kind("monthly"), []byte(`{}`)); !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("expected ErrUnsupportedKind, got %v", err)
	}
}

func TestDecodeUnknownTimezoneFallsBackToUTC(t *testing.T) {
	payload := `{"blob": {"tz": "Mars/Olympus",
	  "default_scheduled_timerange": {"start": "2025-01-06T09:00:00", "end": "2025-01-06T10:00:00"},
	  "schedulable_timerange": {"start": "2025-01-06T09:00:00", "end": "2025-01-06T10:00:00"}}}`
	def, err := Decode("tz", KindSingle, []byte(payload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(def.Warnings) != 1 || !strings.Contains(def.Warnings[0], "Mars/Olympus") {
		t.Fatalf("expected timezone warning, got %v", def.Warnings)
	}
	if got := def.Rule.Anchor().Schedulable().Start(); !got.Equal(utc(2025, 1, 6, 9, 0)) {
		t.Fatalf("expected naive time read as UTC, got %s", got)
	}
}

func TestPolicyDocBitfieldAndFlags(t *testing.T) {
	bits := 1 | 8
	off := false
	on := true

	tests := []struct {
		name string
		doc  PolicyDoc
		want policy.Flags
	}{
		{"booleans", PolicyDoc{IsOverlappable: true, IsInvisible: true}, policy.Overlappable | policy.Invisible},
		{"bitfield", PolicyDoc{SchedulingPolicies: &bits}, policy.Splittable | policy.RoundToGranularity},
		{"bitfield wins over booleans", PolicyDoc{SchedulingPolicies: &bits, IsOverlappable: true}, policy.Splittable | policy.RoundToGranularity},
		{"explicit rounding off", PolicyDoc{SchedulingPolicies: &bits, RoundToGranularity: &off}, policy.Splittable},
		{"explicit rounding on", PolicyDoc{RoundToGranularity: &on}, policy.RoundToGranularity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.doc.Policy().Flags(); got != tt.want {
				t.Fatalf("expected flags %04b, got %04b", tt.want, got)
			}
		})
	}
}

func TestPayloadReadsYAMLTags(t *testing.T) {
	doc := `
name: Focus
tags:
  - work:deep
  - name: quiet
    group: mode
default_scheduled_timerange: {start: "2025-01-06T09:00:00", end: "2025-01-06T10:00:00"}
schedulable_timerange: {start: "2025-01-06T09:00:00", end: "2025-01-06T10:00:00"}
`
	var b BlobDoc
	if err := yaml.Unmarshal([]byte(doc), &b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(b.Tags) != 2 {
		t.Fatalf("expected two tags, got %v", b.Tags)
	}
	if b.Tags[0] != (TagDoc{Group: "work", Name: "deep"}) || b.Tags[1] != (TagDoc{Group: "mode", Name: "quiet"}) {
		t.Fatalf("unexpected tags %+v", b.Tags)
	}
}
