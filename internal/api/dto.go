/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"time"

	"github.com/friendsincode/elastisched/internal/policy"
	"github.com/friendsincode/elastisched/internal/scheduler"
	"github.com/friendsincode/elastisched/internal/timerange"
)

type recurrenceRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type recurrenceUpdateRequest struct {
	Type    *string         `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type recurrenceResponse struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Summary   string          `json:"summary,omitempty"`
	Warnings  []string        `json:"warnings,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type timeRangeResponse struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type policyResponse struct {
	SchedulingPolicies      uint8 `json:"scheduling_policies"`
	IsSplittable            bool  `json:"is_splittable"`
	IsOverlappable          bool  `json:"is_overlappable"`
	IsInvisible             bool  `json:"is_invisible"`
	RoundToGranularity      bool  `json:"round_to_granularity"`
	MaxSplits               uint  `json:"max_splits"`
	MinSplitDurationSeconds int64 `json:"min_split_duration_seconds"`
}

type occurrenceResponse struct {
	ID                        string             `json:"id"`
	RecurrenceID              string             `json:"recurrence_id"`
	RecurrenceType            string             `json:"recurrence_type"`
	Name                      string             `json:"name"`
	Description               string             `json:"description,omitempty"`
	TZ                        string             `json:"tz"`
	DefaultScheduledTimerange timeRangeResponse  `json:"default_scheduled_timerange"`
	SchedulableTimerange      timeRangeResponse  `json:"schedulable_timerange"`
	RealizedTimerange         *timeRangeResponse `json:"realized_timerange"`
	SegmentIndex              int                `json:"segment_index"`
	Policy                    policyResponse     `json:"policy"`
	Dependencies              []string           `json:"dependencies"`
	Tags                      []string           `json:"tags"`
	OverrideError             string             `json:"override_error,omitempty"`
}

type scheduleRequest struct {
	GranularityMinutes       *int    `json:"granularity_minutes"`
	LookaheadSeconds         *int64  `json:"lookahead_seconds"`
	UserTimezone             *string `json:"user_timezone"`
	IncludeActiveOccurrences *bool   `json:"include_active_occurrences"`
}

type scheduleStatusResponse struct {
	Dirty   bool       `json:"dirty"`
	LastRun *time.Time `json:"last_run"`
}

type scheduleResponse struct {
	scheduleStatusResponse
	Occurrences []occurrenceResponse `json:"occurrences"`
	Jobs        int                  `json:"jobs,omitempty"`
	Segments    int                  `json:"segments,omitempty"`
}

type importResponse struct {
	Imported []string `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

func toRecurrenceResponse(rec scheduler.Recurrence) recurrenceResponse {
	return recurrenceResponse{
		ID:        rec.ID,
		Type:      string(rec.Kind),
		Payload:   rec.Payload,
		Summary:   rec.Summary,
		Warnings:  rec.Warnings,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

func toTimeRange(tr timerange.TimeRange) timeRangeResponse {
	return timeRangeResponse{Start: tr.Start(), End: tr.End()}
}

func toPolicy(p policy.Policy) policyResponse {
	return policyResponse{
		SchedulingPolicies:      p.Bits(),
		IsSplittable:            p.IsSplittable(),
		IsOverlappable:          p.IsOverlappable(),
		IsInvisible:             p.IsInvisible(),
		RoundToGranularity:      p.ShouldRoundToGranularity(),
		MaxSplits:               p.MaxSplits(),
		MinSplitDurationSeconds: int64(p.MinSplitDuration() / time.Second),
	}
}

func toOccurrenceResponses(occs []scheduler.ScheduledOccurrence) []occurrenceResponse {
	out := make([]occurrenceResponse, 0, len(occs))
	for _, occ := range occs {
		b := occ.Blob
		tags := make([]string, 0, len(b.Tags()))
		for _, t := range b.Tags() {
			tags = append(tags, t.String())
		}
		resp := occurrenceResponse{
			ID:                        occ.ID,
			RecurrenceID:              occ.DefinitionID,
			RecurrenceType:            string(occ.Kind),
			Name:                      b.Name(),
			Description:               b.Description(),
			TZ:                        b.Location().String(),
			DefaultScheduledTimerange: toTimeRange(b.Default()),
			SchedulableTimerange:      toTimeRange(b.Schedulable()),
			SegmentIndex:              occ.SegmentIndex,
			Policy:                    toPolicy(b.Policy()),
			Dependencies:              b.Dependencies(),
			Tags:                      tags,
		}
		if resp.Dependencies == nil {
			resp.Dependencies = []string{}
		}
		if occ.Realized != nil {
			realized := toTimeRange(*occ.Realized)
			resp.RealizedTimerange = &realized
		}
		if occ.OverrideErr != nil {
			resp.OverrideError = occ.OverrideErr.Error()
		}
		out = append(out, resp)
	}
	return out
}
