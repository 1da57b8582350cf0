/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/friendsincode/elastisched/internal/models"
	"github.com/friendsincode/elastisched/internal/recurrence"
	"github.com/friendsincode/elastisched/internal/telemetry"
	"github.com/friendsincode/elastisched/internal/timerange"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const segmentLookupChunk = 500

// loadDefinitions decodes every stored definition. In strict mode a row that
// no longer decodes fails the call; otherwise it is logged and skipped.
func (s *Service) loadDefinitions(ctx context.Context, strict bool) ([]*recurrence.Definition, error) {
	var rows []models.RecurrenceDefinition
	if err := s.db.WithContext(ctx).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load recurrences: %w", err)
	}

	defs := make([]*recurrence.Definition, 0, len(rows))
	for _, row := range rows {
		def, err := s.decodeRow(row)
		if err != nil {
			telemetry.RecurrenceDecodeErrorsTotal.WithLabelValues(row.Type).Inc()
			if strict {
				return nil, invalidJob(row.ID, "Recurrence %s could not be decoded: %v", row.ID, err)
			}
			s.logger.Warn().Err(err).Str("recurrence_id", row.ID).Msg("skipping undecodable recurrence")
			continue
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (s *Service) decodeRow(row models.RecurrenceDefinition) (*recurrence.Definition, error) {
	kind, err := recurrence.ParseKind(row.Type)
	if err != nil {
		return nil, err
	}
	def, err := recurrence.Decode(row.ID, kind, []byte(row.Payload), recurrence.WithTracer(s.trace))
	if err != nil {
		return nil, err
	}
	for _, w := range def.Warnings {
		s.logger.Warn().Str("recurrence_id", row.ID).Msg(w)
	}
	return def, nil
}

func (s *Service) trace(kind recurrence.Kind, event string, at time.Time) {
	s.logger.Trace().Str("kind", string(kind)).Str("event", event).Time("at", at).Msg("recurrence step")
}

// expand lists the occurrences of defs inside window, ordered by preferred
// start and then id.
func (s *Service) expand(ctx context.Context, defs []*recurrence.Definition, window timerange.TimeRange) ([]recurrence.Occurrence, error) {
	ctx, span := telemetry.StartSpan(ctx, "scheduler.expand", attribute.Int("schedule.definitions", len(defs)))
	defer span.End()

	perDef := make([][]recurrence.Occurrence, len(defs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.settings.ExpandWorkers)
	for i, def := range defs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			perDef[i] = def.Expand(window)
			telemetry.OccurrencesExpandedTotal.WithLabelValues(string(def.Kind)).Add(float64(len(perDef[i])))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []recurrence.Occurrence
	for _, occs := range perDef {
		out = append(out, occs...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Blob.Default().Start(), out[j].Blob.Default().Start()
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].ID < out[j].ID
	})
	span.SetAttributes(attribute.Int("schedule.occurrences", len(out)))
	return out, nil
}

// ListOccurrences expands every definition over window and attaches the
// stored realized range of each occurrence when it lies inside the
// occurrence's schedulable window. Times are expressed in loc.
func (s *Service) ListOccurrences(ctx context.Context, window timerange.TimeRange, loc *time.Location) ([]ScheduledOccurrence, error) {
	if loc == nil {
		loc = s.settings.Location
	}
	defs, err := s.loadDefinitions(ctx, false)
	if err != nil {
		return nil, err
	}
	occurrences, err := s.expand(ctx, defs, window)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(occurrences))
	for i, occ := range occurrences {
		ids[i] = occ.ID
	}
	segments, err := s.segmentsFor(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]ScheduledOccurrence, len(occurrences))
	for i, occ := range occurrences {
		out[i] = ScheduledOccurrence{Occurrence: occ}
		hull, ok := realizedHull(segments[occ.ID], loc)
		if ok && occ.Blob.Schedulable().Contains(hull) {
			out[i].Realized = &hull
		}
	}
	return out, nil
}

func (s *Service) segmentsFor(ctx context.Context, ids []string) (map[string][]models.ScheduledSegment, error) {
	out := make(map[string][]models.ScheduledSegment)
	for start := 0; start < len(ids); start += segmentLookupChunk {
		end := min(start+segmentLookupChunk, len(ids))
		var rows []models.ScheduledSegment
		if err := s.db.WithContext(ctx).
			Where("job_id IN ?", ids[start:end]).
			Order("job_id, segment_index").
			Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("load scheduled segments: %w", err)
		}
		for _, row := range rows {
			out[row.JobID] = append(out[row.JobID], row)
		}
	}
	return out, nil
}
