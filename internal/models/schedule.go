/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// ScheduleStateID is the primary key of the single schedule state row.
const ScheduleStateID = 1

// ScheduledSegment is one realized piece of a placed occurrence. JobID is the
// occurrence id; SegmentIndex keeps the optimizer's segment order.
type ScheduledSegment struct {
	ID            uint      `gorm:"primaryKey"`
	JobID         string    `gorm:"type:varchar(128);index:idx_segments_job;not null"`
	SegmentIndex  int       `gorm:"not null"`
	RealizedStart time.Time `gorm:"index:idx_segments_start;not null"`
	RealizedEnd   time.Time `gorm:"not null"`
	CreatedAt     time.Time
}

// TableName returns the table name for GORM.
func (ScheduledSegment) TableName() string {
	return "scheduled_segments"
}

// ScheduleState tracks whether stored segments reflect the current
// definitions. Generation increases on every definition change; a run only
// clears Dirty if the generation it started from is still current.
type ScheduleState struct {
	ID         int   `gorm:"primaryKey;autoIncrement:false"`
	Dirty      bool  `gorm:"not null;default:true"`
	Generation int64 `gorm:"not null;default:0"`
	LastRun    *time.Time
	UpdatedAt  time.Time
}

// TableName returns the table name for GORM.
func (ScheduleState) TableName() string {
	return "schedule_states"
}
