/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package optimizer

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// Greedy is the built-in placer. It keeps each job at its preferred window
// when that window is free and otherwise takes the earliest
// granularity-aligned slot inside the allowed window, after every
// dependency has finished. Splittable jobs fill free gaps when no single
// slot fits.
type Greedy struct {
	logger zerolog.Logger
}

// NewGreedy creates the built-in placer.
func NewGreedy(logger zerolog.Logger) *Greedy {
	return &Greedy{logger: logger.With().Str("component", "greedy_optimizer").Logger()}
}

// Schedule implements Optimizer.
func (g *Greedy) Schedule(ctx context.Context, jobs []Job, granularity int64) (Schedule, error) {
	if granularity <= 0 {
		return Schedule{}, fmt.Errorf("granularity must be positive, got %d", granularity)
	}

	placed := make(map[string]PlacedJob, len(jobs))
	var occupied []Range

	for _, job := range dependencyOrder(jobs) {
		if err := ctx.Err(); err != nil {
			return Schedule{}, err
		}

		earliest := job.Schedulable.Low
		for _, dep := range job.Dependencies {
			if p, ok := placed[dep]; ok && p.Latest() > earliest {
				earliest = p.Latest()
			}
		}

		segments, err := g.place(job, earliest, granularity, occupied)
		if err != nil {
			return Schedule{}, err
		}
		placed[job.ID] = PlacedJob{Job: job, Segments: segments}
		if !job.Policy.IsOverlappable() {
			occupied = append(occupied, segments...)
		}
	}

	out := Schedule{Jobs: make([]PlacedJob, 0, len(jobs))}
	for _, job := range jobs {
		out.Jobs = append(out.Jobs, placed[job.ID])
	}
	g.logger.Debug().Int("jobs", len(out.Jobs)).Int64("granularity", granularity).Msg("greedy placement complete")
	return out, nil
}

func (g *Greedy) place(job Job, earliest, granularity int64, occupied []Range) ([]Range, error) {
	dur := job.DurationSeconds
	high := job.Schedulable.High
	if dur <= 0 {
		return nil, fmt.Errorf("job %s has non-positive duration", job.ID)
	}

	preferred := job.Preferred.Low
	if job.Policy.ShouldRoundToGranularity() {
		preferred = alignUp(preferred, granularity)
	}

	if job.Policy.IsOverlappable() {
		start := max(preferred, earliest)
		if start+dur > high {
			return nil, fmt.Errorf("no room for %s after its dependencies within %s", job.ID, job.Schedulable)
		}
		return []Range{{Low: start, High: start + dur}}, nil
	}

	if preferred >= earliest && preferred+dur <= high && conflict(occupied, Range{Low: preferred, High: preferred + dur}) == nil {
		return []Range{{Low: preferred, High: preferred + dur}}, nil
	}

	if start, ok := firstFit(occupied, alignUp(earliest, granularity), dur, high, granularity); ok {
		return []Range{{Low: start, High: start + dur}}, nil
	}

	if job.Policy.IsSplittable() && job.Policy.MaxSplits() > 0 {
		if segments, ok := splitFit(job, occupied, earliest, granularity); ok {
			return segments, nil
		}
	}

	return nil, fmt.Errorf("no free slot for %s within %s", job.ID, job.Schedulable)
}

func splitFit(job Job, occupied []Range, earliest, granularity int64) ([]Range, bool) {
	minSplit := alignUp(max(int64(job.Policy.MinSplitDuration().Seconds()), 1), granularity)
	maxSegments := int(job.Policy.MaxSplits()) + 1
	high := job.Schedulable.High

	var segments []Range
	remaining := job.DurationSeconds
	cur := alignUp(earliest, granularity)

	for remaining > 0 && len(segments) < maxSegments {
		chunk := min(minSplit, remaining)
		start, ok := firstFit(occupied, cur, chunk, high, granularity)
		if !ok {
			return nil, false
		}
		gapEnd := high
		for _, r := range occupied {
			if r.Low >= start && r.Low < gapEnd {
				gapEnd = r.Low
			}
		}
		take := min(remaining, gapEnd-start)
		if rest := remaining - take; rest > 0 && rest < minSplit {
			take = remaining - minSplit
		}
		if take < chunk {
			cur = alignUp(gapEnd, granularity)
			continue
		}
		segments = append(segments, Range{Low: start, High: start + take})
		remaining -= take
		cur = alignUp(start+take, granularity)
	}

	if remaining > 0 {
		return nil, false
	}
	return segments, true
}

// firstFit returns the earliest aligned start >= from where [start, start+dur)
// is free and ends by high.
func firstFit(occupied []Range, from, dur, high, granularity int64) (int64, bool) {
	start := from
	for start+dur <= high {
		c := conflict(occupied, Range{Low: start, High: start + dur})
		if c == nil {
			return start, true
		}
		start = alignUp(c.High, granularity)
	}
	return 0, false
}

func conflict(occupied []Range, r Range) *Range {
	for i := range occupied {
		if occupied[i].Overlaps(r) {
			return &occupied[i]
		}
	}
	return nil
}

func alignUp(x, granularity int64) int64 {
	return x + (granularity-x%granularity)%granularity
}

// dependencyOrder sorts jobs so dependencies come first. Jobs caught in a
// cycle keep their preferred-start order at the end; validation reports the cycle.
func dependencyOrder(jobs []Job) []Job {
	sorted := make([]Job, len(jobs))
	copy(sorted, jobs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Preferred.Low != sorted[j].Preferred.Low {
			return sorted[i].Preferred.Low < sorted[j].Preferred.Low
		}
		return sorted[i].ID < sorted[j].ID
	})

	index := make(map[string]int, len(sorted))
	for i, j := range sorted {
		index[j.ID] = i
	}
	inDegree := make([]int, len(sorted))
	dependents := make([][]int, len(sorted))
	for i, j := range sorted {
		for _, dep := range j.Dependencies {
			if d, ok := index[dep]; ok {
				dependents[d] = append(dependents[d], i)
				inDegree[i]++
			}
		}
	}

	out := make([]Job, 0, len(sorted))
	done := make([]bool, len(sorted))
	for len(out) < len(sorted) {
		progressed := false
		for i := range sorted {
			if done[i] || inDegree[i] > 0 {
				continue
			}
			done[i] = true
			progressed = true
			out = append(out, sorted[i])
			for _, d := range dependents[i] {
				inDegree[d]--
			}
			break
		}
		if !progressed {
			for i := range sorted {
				if !done[i] {
					out = append(out, sorted[i])
				}
			}
			break
		}
	}
	return out
}
