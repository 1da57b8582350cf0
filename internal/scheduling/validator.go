/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduling

import (
	"fmt"
	"strings"

	"github.com/friendsincode/elastisched/internal/optimizer"
	"github.com/friendsincode/elastisched/internal/telemetry"
	"github.com/rs/zerolog"
)

// RuleType names the check a violation came from.
type RuleType string

const (
	RuleTypeUnplaced        RuleType = "unplaced"
	RuleTypeContainment     RuleType = "containment"
	RuleTypeOverlap         RuleType = "overlap"
	RuleTypeCycle           RuleType = "cyclic_dependency"
	RuleTypeDependencyOrder RuleType = "dependency_order"
)

// Violation is one reason a placement cannot be accepted.
type Violation struct {
	RuleType    RuleType `json:"rule_type"`
	Message     string   `json:"message"`
	AffectedIDs []string `json:"affected_ids,omitempty"`
}

// Result collects every violation found in a placement.
type Result struct {
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations"`
}

// First returns the first violation, or false when the placement is valid.
func (r Result) First() (Violation, bool) {
	if len(r.Violations) == 0 {
		return Violation{}, false
	}
	return r.Violations[0], true
}

func (r Result) String() string {
	if r.Valid {
		return "valid"
	}
	msgs := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		msgs[i] = v.Message
	}
	return strings.Join(msgs, " ")
}

// Validator re-checks optimizer output before it is accepted.
type Validator struct {
	logger zerolog.Logger
}

// NewValidator creates a new schedule validator.
func NewValidator(logger zerolog.Logger) *Validator {
	return &Validator{
		logger: logger.With().Str("component", "schedule_validator").Logger(),
	}
}

// Validate checks that every segment lies inside its job's schedulable
// range, that no two non-overlappable jobs share time, and that the
// dependency graph is acyclic and respected by the placement.
func (v *Validator) Validate(s optimizer.Schedule) Result {
	var violations []Violation
	violations = append(violations, checkPlacement(s.Jobs)...)
	violations = append(violations, checkOverlaps(s.Jobs)...)
	violations = append(violations, checkDependencies(s.Jobs)...)

	for _, violation := range violations {
		telemetry.ScheduleViolationsTotal.WithLabelValues(string(violation.RuleType)).Inc()
	}
	if len(violations) > 0 {
		v.logger.Warn().
			Int("violations", len(violations)).
			Str("first", violations[0].Message).
			Msg("optimizer placement rejected")
	}

	return Result{Valid: len(violations) == 0, Violations: violations}
}

func checkPlacement(jobs []optimizer.PlacedJob) []Violation {
	var violations []Violation
	for _, job := range jobs {
		if len(job.Segments) == 0 {
			violations = append(violations, Violation{
				RuleType:    RuleTypeUnplaced,
				Message:     fmt.Sprintf("%s was not placed.", job.ID),
				AffectedIDs: []string{job.ID},
			})
			continue
		}
		for _, seg := range job.Segments {
			if seg.Low > seg.High || !job.Schedulable.Contains(seg) {
				violations = append(violations, Violation{
					RuleType:    RuleTypeContainment,
					Message:     fmt.Sprintf("%s scheduled outside schedulable window.", job.ID),
					AffectedIDs: []string{job.ID},
				})
				break
			}
		}
	}
	return violations
}

// checkOverlaps compares segments pairwise across jobs. A job whose policy is
// overlappable never conflicts.
func checkOverlaps(jobs []optimizer.PlacedJob) []Violation {
	var violations []Violation
	var seen []optimizer.PlacedJob
	for _, job := range jobs {
		if job.Policy.IsOverlappable() {
			continue
		}
		for _, other := range seen {
			if segmentsOverlap(job.Segments, other.Segments) {
				violations = append(violations, Violation{
					RuleType:    RuleTypeOverlap,
					Message:     fmt.Sprintf("%s overlaps with %s.", job.ID, other.ID),
					AffectedIDs: []string{job.ID, other.ID},
				})
			}
		}
		seen = append(seen, job)
	}
	return violations
}

func segmentsOverlap(a, b []optimizer.Range) bool {
	for _, x := range a {
		for _, y := range b {
			if x.Overlaps(y) {
				return true
			}
		}
	}
	return false
}

// checkDependencies runs Kahn's algorithm over dependency -> dependent edges.
// Dependencies on ids outside the job set are ignored.
func checkDependencies(jobs []optimizer.PlacedJob) []Violation {
	byID := make(map[string]optimizer.PlacedJob, len(jobs))
	inDegree := make(map[string]int, len(jobs))
	dependents := make(map[string][]string, len(jobs))
	for _, job := range jobs {
		byID[job.ID] = job
		inDegree[job.ID] = 0
	}
	for _, job := range jobs {
		for _, dep := range job.Dependencies {
			if _, ok := byID[dep]; !ok {
				continue
			}
			dependents[dep] = append(dependents[dep], job.ID)
			inDegree[job.ID]++
		}
	}

	queue := make([]string, 0, len(jobs))
	for _, job := range jobs {
		if inDegree[job.ID] == 0 {
			queue = append(queue, job.ID)
		}
	}
	ordered := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		ordered++
		for _, next := range dependents[current] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if ordered != len(byID) {
		var cyclic []string
		for _, job := range jobs {
			if inDegree[job.ID] > 0 {
				cyclic = append(cyclic, job.ID)
			}
		}
		return []Violation{{
			RuleType:    RuleTypeCycle,
			Message:     "Cyclic dependencies detected.",
			AffectedIDs: cyclic,
		}}
	}

	var violations []Violation
	for _, job := range jobs {
		if len(job.Segments) == 0 {
			continue
		}
		earliest := job.Earliest()
		for _, depID := range job.Dependencies {
			dep, ok := byID[depID]
			if !ok || len(dep.Segments) == 0 {
				continue
			}
			if dep.Latest() > earliest {
				violations = append(violations, Violation{
					RuleType:    RuleTypeDependencyOrder,
					Message:     fmt.Sprintf("Dependency order violation for %s.", job.ID),
					AffectedIDs: []string{job.ID, depID},
				})
				break
			}
		}
	}
	return violations
}
