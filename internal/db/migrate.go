/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"fmt"

	"github.com/friendsincode/elastisched/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Migrate applies database schema migrations using GORM auto-migrate and
// seeds the schedule state row.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(
		&models.RecurrenceDefinition{},
		&models.ScheduledSegment{},
		&models.ScheduleState{},
	); err != nil {
		return err
	}

	if err := applyPostgresSegmentGuard(database); err != nil {
		return err
	}
	return seedScheduleState(database)
}

// seedScheduleState creates the state row as dirty so the first run always
// happens.
func seedScheduleState(database *gorm.DB) error {
	state := models.ScheduleState{ID: models.ScheduleStateID, Dirty: true}
	if err := database.Clauses(clause.OnConflict{DoNothing: true}).Create(&state).Error; err != nil {
		return fmt.Errorf("seed schedule state: %w", err)
	}
	return nil
}

func applyPostgresSegmentGuard(database *gorm.DB) error {
	if database.Dialector.Name() != "postgres" {
		return nil
	}

	stmt := `
CREATE OR REPLACE FUNCTION reject_inverted_segment()
RETURNS trigger
LANGUAGE plpgsql
AS $$
BEGIN
  IF NEW.realized_end < NEW.realized_start THEN
    RAISE EXCEPTION 'segment % of % ends before it starts', NEW.segment_index, NEW.job_id
      USING ERRCODE = '23514';
  END IF;
  RETURN NEW;
END;
$$;

DROP TRIGGER IF EXISTS trg_reject_inverted_segment ON scheduled_segments;

CREATE TRIGGER trg_reject_inverted_segment
BEFORE INSERT OR UPDATE OF realized_start, realized_end
ON scheduled_segments
FOR EACH ROW
EXECUTE FUNCTION reject_inverted_segment();
`
	if err := database.Exec(stmt).Error; err != nil {
		return fmt.Errorf("apply postgres segment guard: %w", err)
	}
	return nil
}
