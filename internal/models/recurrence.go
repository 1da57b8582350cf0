/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package models holds the gorm rows behind recurrences and the committed schedule.
package models

import (
	"time"

	"github.com/google/uuid"
)

// RecurrenceDefinition is a stored recurrence rule. Payload holds the JSON
// document whose shape depends on Type.
type RecurrenceDefinition struct {
	ID        string `gorm:"type:varchar(36);primaryKey"`
	Type      string `gorm:"type:varchar(16);index:idx_recurrences_type;not null"`
	Payload   string `gorm:"type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName returns the table name for GORM.
func (RecurrenceDefinition) TableName() string {
	return "recurrence_definitions"
}

// NewRecurrenceDefinition creates a definition with a fresh id.
func NewRecurrenceDefinition(kind string, payload []byte) *RecurrenceDefinition {
	return &RecurrenceDefinition{
		ID:      uuid.NewString(),
		Type:    kind,
		Payload: string(payload),
	}
}
