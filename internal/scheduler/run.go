/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/friendsincode/elastisched/internal/cache"
	"github.com/friendsincode/elastisched/internal/events"
	"github.com/friendsincode/elastisched/internal/models"
	"github.com/friendsincode/elastisched/internal/optimizer"
	"github.com/friendsincode/elastisched/internal/recurrence"
	"github.com/friendsincode/elastisched/internal/telemetry"
	"github.com/friendsincode/elastisched/internal/timerange"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// RunRequest overrides run defaults. Zero values select the service settings.
type RunRequest struct {
	GranularityMinutes int
	Lookahead          time.Duration
	UserTimezone       string
	// IncludeActive keeps occurrences already under way; nil means true.
	IncludeActive *bool
}

// ScheduledOccurrence is an occurrence with at most one realized segment.
// Split placements appear once per segment.
type ScheduledOccurrence struct {
	recurrence.Occurrence
	Realized     *timerange.TimeRange
	SegmentIndex int
}

// Result is a committed schedule.
type Result struct {
	Occurrences []ScheduledOccurrence
	Dirty       bool
	LastRun     time.Time
	Window      timerange.TimeRange
	Epoch       time.Time
	Granularity time.Duration
	Jobs        int
	Segments    int
}

type runParams struct {
	lookahead     time.Duration
	granularity   int64
	loc           *time.Location
	includeActive bool
}

func (s *Service) resolve(req RunRequest) (runParams, error) {
	p := runParams{
		lookahead:     s.settings.Lookahead,
		granularity:   int64(s.settings.GranularityMinutes) * 60,
		loc:           s.settings.Location,
		includeActive: true,
	}
	if req.Lookahead < 0 || (req.Lookahead == 0 && p.lookahead <= 0) {
		return p, invalidRequest("lookahead_seconds must be greater than 0.")
	}
	if req.Lookahead > 0 {
		p.lookahead = req.Lookahead
	}
	if req.GranularityMinutes < 0 {
		return p, invalidRequest("granularity_minutes must be greater than 0.")
	}
	if req.GranularityMinutes > 0 {
		p.granularity = int64(req.GranularityMinutes) * 60
	}
	if req.UserTimezone != "" {
		loc, ok := recurrence.ResolveLocation(req.UserTimezone, nil)
		if !ok {
			return p, invalidRequest("Unknown timezone %q.", req.UserTimezone)
		}
		p.loc = loc
	}
	if req.IncludeActive != nil {
		p.includeActive = *req.IncludeActive
	}
	return p, nil
}

// WeekStart returns the most recent weekStart at 00:00 in loc, in UTC.
func WeekStart(now time.Time, loc *time.Location, weekStart time.Weekday) time.Time {
	local := now.In(loc)
	back := (int(local.Weekday()) - int(weekStart) + 7) % 7
	day := time.Date(local.Year(), local.Month(), local.Day()-back, 0, 0, 0, 0, loc)
	return day.UTC()
}

// RunSchedule expands every stored definition over the lookahead window,
// places the occurrences and commits the realized segments. A failed run
// leaves stored segments and state untouched.
func (s *Service) RunSchedule(ctx context.Context, req RunRequest) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "scheduler.run")
	started := time.Now()

	res, err := s.run(ctx, req)
	defer telemetry.EndSpan(span, err)
	telemetry.ScheduleRunDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		kind := KindOf(err)
		outcome := string(kind)
		if outcome == "" {
			outcome = "error"
		}
		telemetry.ScheduleRunsTotal.WithLabelValues(outcome).Inc()
		s.logger.Warn().Err(err).Str("kind", outcome).Msg("schedule run failed")
		s.publish(events.EventScheduleFailed, events.Payload{"kind": outcome, "error": err.Error()})
		return nil, err
	}

	telemetry.ScheduleRunsTotal.WithLabelValues("success").Inc()
	span.SetAttributes(
		attribute.Int("schedule.jobs", res.Jobs),
		attribute.Int("schedule.segments", res.Segments),
	)
	telemetry.ScheduleSegmentsTotal.Set(float64(res.Segments))
	if res.Dirty {
		telemetry.ScheduleDirty.Set(1)
	} else {
		telemetry.ScheduleDirty.Set(0)
	}

	s.logger.Info().
		Int("jobs", res.Jobs).
		Int("segments", res.Segments).
		Bool("dirty", res.Dirty).
		Dur("duration", time.Since(started)).
		Msg("schedule committed")

	if err := s.cache.InvalidateSchedule(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("failed to invalidate schedule cache")
	}
	lastRun := res.LastRun
	if err := s.cache.SetStatus(ctx, cache.Status{Dirty: res.Dirty, LastRun: &lastRun}); err != nil {
		s.logger.Debug().Err(err).Msg("failed to cache schedule status")
	}
	s.publish(events.EventScheduleCompleted, events.Payload{
		"jobs":     res.Jobs,
		"segments": res.Segments,
		"dirty":    res.Dirty,
		"last_run": res.LastRun.Format(time.RFC3339),
	})

	s.hooksMu.RLock()
	hooks := append([]func(context.Context, *Result){}, s.hooks...)
	s.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, res)
	}
	return res, nil
}

func (s *Service) run(ctx context.Context, req RunRequest) (*Result, error) {
	params, err := s.resolve(req)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	window, err := timerange.New(now, now.Add(params.lookahead))
	if err != nil {
		return nil, invalidRequest("lookahead_seconds must be greater than 0.")
	}
	epoch := WeekStart(now, params.loc, s.settings.WeekStart)

	// Definitions changed after this read keep the schedule dirty.
	state, err := s.loadState(ctx, s.db)
	if err != nil {
		return nil, err
	}

	defs, err := s.loadDefinitions(ctx, true)
	if err != nil {
		return nil, err
	}
	occurrences, err := s.expand(ctx, defs, window)
	if err != nil {
		return nil, err
	}

	jobs := make([]optimizer.Job, 0, len(occurrences))
	for _, occ := range occurrences {
		if occ.Finished {
			continue
		}
		if !params.includeActive && occ.ActiveAt(now) {
			continue
		}
		job, err := toJob(occ, epoch)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	telemetry.ScheduleJobsTotal.Set(float64(len(jobs)))

	schedule, err := s.optimize(ctx, jobs, params.granularity)
	if err != nil {
		return nil, err
	}
	schedule, err = rejoinSubmitted(jobs, schedule)
	if err != nil {
		return nil, err
	}
	if result := s.validator.Validate(schedule); !result.Valid {
		v, _ := result.First()
		be := &BridgeError{
			Kind:    KindInvalidSchedule,
			Message: "Scheduler could not find a valid schedule. " + v.Message,
		}
		if len(v.AffectedIDs) > 0 {
			be.JobID = v.AffectedIDs[0]
		}
		return nil, be
	}

	rows := segmentRows(schedule, epoch)
	committed, err := s.persist(ctx, rows, state.Generation, now)
	if err != nil {
		return nil, err
	}

	lastRun := now
	if committed.LastRun != nil {
		lastRun = *committed.LastRun
	}
	return &Result{
		Occurrences: joinSegments(occurrences, rows, params.loc),
		Dirty:       committed.Dirty,
		LastRun:     lastRun,
		Window:      window.In(params.loc),
		Epoch:       epoch,
		Granularity: time.Duration(params.granularity) * time.Second,
		Jobs:        len(jobs),
		Segments:    len(rows),
	}, nil
}

// toJob projects an occurrence onto epoch seconds, rejecting windows the
// optimizer cannot place.
func toJob(occ recurrence.Occurrence, epoch time.Time) (optimizer.Job, error) {
	if occ.OverrideErr != nil {
		return optimizer.Job{}, invalidJob(occ.ID, "Override invalid for %s: %v", occ.ID, occ.OverrideErr)
	}
	sched, def := occ.Blob.Schedulable(), occ.Blob.Default()
	if !sched.Start().Before(sched.End()) {
		return optimizer.Job{}, invalidJob(occ.ID, "Schedulable range invalid for %s.", occ.ID)
	}
	if !def.Start().Before(def.End()) {
		return optimizer.Job{}, invalidJob(occ.ID, "Default scheduled range invalid for %s.", occ.ID)
	}

	job := occ.Blob.ToJob(epoch)
	if job.DurationSeconds <= 0 || job.Preferred.Duration() <= 0 {
		return optimizer.Job{}, invalidJob(occ.ID, "Non-positive duration for %s.", occ.ID)
	}
	if !job.Schedulable.Contains(job.Preferred) {
		return optimizer.Job{}, invalidJob(occ.ID, "Default scheduled range of %s lies outside its schedulable range.", occ.ID)
	}
	if p := job.Policy; p.IsSplittable() && p.MaxSplits() == 0 {
		return optimizer.Job{}, invalidJob(occ.ID, "Splittable policy for %s allows no splits.", occ.ID)
	}
	return job, nil
}

func (s *Service) optimize(ctx context.Context, jobs []optimizer.Job, granularity int64) (optimizer.Schedule, error) {
	ctx, span := telemetry.StartSpan(ctx, "scheduler.optimize",
		attribute.String("optimizer", s.optName),
		attribute.Int("schedule.jobs", len(jobs)),
		attribute.Int64("schedule.granularity_seconds", granularity),
	)

	ctx, cancel := context.WithTimeout(ctx, s.settings.OptimizerTimeout)
	defer cancel()

	started := time.Now()
	schedule, err := s.opt.Schedule(ctx, jobs, granularity)
	telemetry.OptimizerDuration.WithLabelValues(s.optName).Observe(time.Since(started).Seconds())
	telemetry.EndSpan(span, err)
	if err != nil {
		return optimizer.Schedule{}, &BridgeError{
			Kind:    KindSchedulingFailed,
			Message: fmt.Sprintf("Scheduler failed: %v", err),
			Err:     fmt.Errorf("%w: %w", ErrSchedulingFailed, err),
		}
	}
	return schedule, nil
}

// rejoinSubmitted requires the optimizer to answer for exactly the submitted
// jobs and keeps only its segments. Windows, policy and dependencies always
// come from the submitted jobs.
func rejoinSubmitted(jobs []optimizer.Job, schedule optimizer.Schedule) (optimizer.Schedule, error) {
	submitted := make(map[string]optimizer.Job, len(jobs))
	for _, j := range jobs {
		submitted[j.ID] = j
	}
	seen := make(map[string]struct{}, len(schedule.Jobs))
	out := optimizer.Schedule{Jobs: make([]optimizer.PlacedJob, 0, len(schedule.Jobs))}
	for _, pj := range schedule.Jobs {
		job, ok := submitted[pj.ID]
		if !ok {
			return optimizer.Schedule{}, &BridgeError{Kind: KindInvalidSchedule, JobID: pj.ID,
				Message: fmt.Sprintf("Scheduler could not find a valid schedule. Optimizer returned unknown job %s.", pj.ID)}
		}
		if _, dup := seen[pj.ID]; dup {
			return optimizer.Schedule{}, &BridgeError{Kind: KindInvalidSchedule, JobID: pj.ID,
				Message: fmt.Sprintf("Scheduler could not find a valid schedule. Optimizer returned %s twice.", pj.ID)}
		}
		seen[pj.ID] = struct{}{}
		segments := append([]optimizer.Range(nil), pj.Segments...)
		out.Jobs = append(out.Jobs, optimizer.PlacedJob{Job: job, Segments: segments})
	}
	for _, j := range jobs {
		if _, ok := seen[j.ID]; !ok {
			return optimizer.Schedule{}, &BridgeError{Kind: KindInvalidSchedule, JobID: j.ID,
				Message: fmt.Sprintf("Scheduler could not find a valid schedule. %s was not placed.", j.ID)}
		}
	}
	return out, nil
}

func segmentRows(schedule optimizer.Schedule, epoch time.Time) []models.ScheduledSegment {
	var rows []models.ScheduledSegment
	for _, pj := range schedule.Jobs {
		for i, seg := range pj.Segments {
			rows = append(rows, models.ScheduledSegment{
				JobID:         pj.ID,
				SegmentIndex:  i,
				RealizedStart: epoch.Add(time.Duration(seg.Low) * time.Second).UTC(),
				RealizedEnd:   epoch.Add(time.Duration(seg.High) * time.Second).UTC(),
			})
		}
	}
	return rows
}

// persist replaces every stored segment and clears dirty unless definitions
// changed since generation was read.
func (s *Service) persist(ctx context.Context, rows []models.ScheduledSegment, generation int64, now time.Time) (models.ScheduleState, error) {
	var state models.ScheduleState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.ScheduledSegment{}).Error; err != nil {
			return fmt.Errorf("clear scheduled segments: %w", err)
		}
		if len(rows) > 0 {
			if err := tx.CreateInBatches(rows, 200).Error; err != nil {
				return fmt.Errorf("insert scheduled segments: %w", err)
			}
		}

		res := tx.Model(&models.ScheduleState{}).
			Where("id = ? AND generation = ?", models.ScheduleStateID, generation).
			Updates(map[string]any{"dirty": false, "last_run": now})
		if res.Error != nil {
			return fmt.Errorf("update schedule state: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			s.logger.Info().Msg("definitions changed during run, schedule stays dirty")
			if err := tx.Model(&models.ScheduleState{}).
				Where("id = ?", models.ScheduleStateID).
				Update("last_run", now).Error; err != nil {
				return fmt.Errorf("update schedule state: %w", err)
			}
		}
		return tx.First(&state, models.ScheduleStateID).Error
	})
	if err != nil {
		return models.ScheduleState{}, err
	}
	return state, nil
}

// joinSegments lists every occurrence once per realized segment, in loc.
// Unplaced occurrences are listed without a realized range.
func joinSegments(occurrences []recurrence.Occurrence, rows []models.ScheduledSegment, loc *time.Location) []ScheduledOccurrence {
	byJob := make(map[string][]models.ScheduledSegment, len(rows))
	for _, row := range rows {
		byJob[row.JobID] = append(byJob[row.JobID], row)
	}

	out := make([]ScheduledOccurrence, 0, len(occurrences))
	for _, occ := range occurrences {
		segs := byJob[occ.ID]
		if len(segs) == 0 {
			out = append(out, ScheduledOccurrence{Occurrence: occ})
			continue
		}
		for _, seg := range segs {
			realized, err := timerange.New(seg.RealizedStart.In(loc), seg.RealizedEnd.In(loc))
			if err != nil {
				continue
			}
			out = append(out, ScheduledOccurrence{
				Occurrence:   occ,
				Realized:     &realized,
				SegmentIndex: seg.SegmentIndex,
			})
		}
	}
	return out
}

// realizedHull converts stored segments of one job back to a single range.
func realizedHull(segs []models.ScheduledSegment, loc *time.Location) (timerange.TimeRange, bool) {
	if len(segs) == 0 {
		return timerange.TimeRange{}, false
	}
	lo, hi := segs[0].RealizedStart, segs[0].RealizedEnd
	for _, seg := range segs[1:] {
		if seg.RealizedStart.Before(lo) {
			lo = seg.RealizedStart
		}
		if seg.RealizedEnd.After(hi) {
			hi = seg.RealizedEnd
		}
	}
	tr, err := timerange.New(lo.In(loc), hi.In(loc))
	return tr, err == nil
}
