/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/friendsincode/elastisched/internal/events"
	"github.com/friendsincode/elastisched/internal/models"
	"github.com/friendsincode/elastisched/internal/recurrence"
	"gorm.io/gorm"
)

// Recurrence is a stored definition as exposed to callers.
type Recurrence struct {
	ID        string
	Kind      recurrence.Kind
	Payload   json.RawMessage
	Summary   string
	Warnings  []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RecurrenceUpdate replaces the type, the payload, or both. Nil fields are kept.
type RecurrenceUpdate struct {
	Type    *string
	Payload json.RawMessage
}

// validate decodes the pair and returns the compacted payload.
func (s *Service) validate(id, kindName string, payload []byte) (*recurrence.Definition, []byte, error) {
	kind, err := recurrence.ParseKind(kindName)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidRecurrence, err)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err != nil {
		return nil, nil, fmt.Errorf("%w: payload is not valid JSON: %w", ErrInvalidRecurrence, err)
	}
	def, err := recurrence.Decode(id, kind, compact.Bytes())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidRecurrence, err)
	}
	return def, compact.Bytes(), nil
}

func toRecurrence(row models.RecurrenceDefinition, def *recurrence.Definition) Recurrence {
	r := Recurrence{
		ID:        row.ID,
		Kind:      recurrence.Kind(row.Type),
		Payload:   json.RawMessage(row.Payload),
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if def != nil {
		r.Kind = def.Kind
		r.Summary = recurrence.Describe(def.Rule)
		r.Warnings = def.Warnings
	}
	return r
}

// CreateRecurrence validates and stores a definition and marks the schedule dirty.
func (s *Service) CreateRecurrence(ctx context.Context, kind string, payload []byte) (*Recurrence, error) {
	row := models.NewRecurrenceDefinition(kind, nil)
	def, compact, err := s.validate(row.ID, kind, payload)
	if err != nil {
		return nil, err
	}
	row.Payload = string(compact)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("create recurrence: %w", err)
		}
		return markDirty(ctx, tx)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("recurrence_id", row.ID).Str("type", kind).Msg("recurrence created")
	s.afterMutation(ctx, events.EventRecurrenceCreated, events.Payload{"id": row.ID, "type": kind})
	r := toRecurrence(*row, def)
	return &r, nil
}

// GetRecurrence returns one definition or ErrNotFound.
func (s *Service) GetRecurrence(ctx context.Context, id string) (*Recurrence, error) {
	row, err := s.findRow(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	def, decodeErr := s.decodeRow(row)
	if decodeErr != nil {
		s.logger.Warn().Err(decodeErr).Str("recurrence_id", id).Msg("stored recurrence no longer decodes")
	}
	r := toRecurrence(row, def)
	return &r, nil
}

// ListRecurrences returns every definition in creation order.
func (s *Service) ListRecurrences(ctx context.Context) ([]Recurrence, error) {
	var rows []models.RecurrenceDefinition
	if err := s.db.WithContext(ctx).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list recurrences: %w", err)
	}
	out := make([]Recurrence, 0, len(rows))
	for _, row := range rows {
		def, err := s.decodeRow(row)
		if err != nil {
			s.logger.Warn().Err(err).Str("recurrence_id", row.ID).Msg("stored recurrence no longer decodes")
		}
		out = append(out, toRecurrence(row, def))
	}
	return out, nil
}

// UpdateRecurrence replaces the type and/or payload and marks the schedule dirty.
func (s *Service) UpdateRecurrence(ctx context.Context, id string, upd RecurrenceUpdate) (*Recurrence, error) {
	var (
		row models.RecurrenceDefinition
		def *recurrence.Definition
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		row, err = s.findRow(ctx, tx, id)
		if err != nil {
			return err
		}

		kind := row.Type
		if upd.Type != nil {
			kind = *upd.Type
		}
		payload := []byte(row.Payload)
		if upd.Payload != nil {
			payload = upd.Payload
		}
		var compact []byte
		def, compact, err = s.validate(id, kind, payload)
		if err != nil {
			return err
		}

		row.Type = kind
		row.Payload = string(compact)
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("update recurrence: %w", err)
		}
		return markDirty(ctx, tx)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("recurrence_id", id).Msg("recurrence updated")
	s.afterMutation(ctx, events.EventRecurrenceUpdated, events.Payload{"id": id, "type": row.Type})
	r := toRecurrence(row, def)
	return &r, nil
}

// DeleteRecurrence removes a definition and marks the schedule dirty.
func (s *Service) DeleteRecurrence(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&models.RecurrenceDefinition{})
		if res.Error != nil {
			return fmt.Errorf("delete recurrence: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return markDirty(ctx, tx)
	})
	if err != nil {
		return err
	}

	s.logger.Info().Str("recurrence_id", id).Msg("recurrence deleted")
	s.afterMutation(ctx, events.EventRecurrenceDeleted, events.Payload{"id": id})
	return nil
}

func (s *Service) findRow(ctx context.Context, tx *gorm.DB, id string) (models.RecurrenceDefinition, error) {
	var row models.RecurrenceDefinition
	err := tx.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, ErrNotFound
	}
	if err != nil {
		return row, fmt.Errorf("load recurrence: %w", err)
	}
	return row, nil
}
