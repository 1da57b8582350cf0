/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package schedule renders committed schedules as iCalendar and imports
// calendar events as single recurrences.
package schedule

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/rs/zerolog"

	"github.com/friendsincode/elastisched/internal/events"
	"github.com/friendsincode/elastisched/internal/policy"
	"github.com/friendsincode/elastisched/internal/recurrence"
	"github.com/friendsincode/elastisched/internal/scheduler"
	"github.com/friendsincode/elastisched/internal/storage"
	"github.com/friendsincode/elastisched/internal/timerange"
)

const (
	productID   = "-//Friends Incode//Elastisched//EN"
	contentType = "text/calendar; charset=utf-8"

	// ObjectKey is where the latest committed schedule is published.
	ObjectKey = "schedule.ics"
)

// Source lists occurrences with their realized ranges.
type Source interface {
	ListOccurrences(ctx context.Context, window timerange.TimeRange, loc *time.Location) ([]scheduler.ScheduledOccurrence, error)
}

// Creator stores new recurrence definitions.
type Creator interface {
	CreateRecurrence(ctx context.Context, kind string, payload []byte) (*scheduler.Recurrence, error)
}

// ExportService handles schedule import/export.
type ExportService struct {
	source       Source
	store        storage.ObjectStore
	bus          events.Publisher
	calendarName string
	logger       zerolog.Logger
	now          func() time.Time
}

// NewExportService creates a new export service. store may be nil when
// publishing is disabled.
func NewExportService(source Source, store storage.ObjectStore, bus events.Publisher, calendarName string, logger zerolog.Logger) *ExportService {
	if bus == nil {
		bus = events.Discard{}
	}
	if calendarName == "" {
		calendarName = "Elastisched"
	}
	return &ExportService{
		source:       source,
		store:        store,
		bus:          bus,
		calendarName: calendarName,
		logger:       logger.With().Str("component", "schedule_export").Logger(),
		now:          time.Now,
	}
}

// ExportICalResult contains the iCal export data.
type ExportICalResult struct {
	Data        []byte
	Filename    string
	ContentType string
	Events      int
}

// ExportToICal renders every realized occurrence inside window.
func (s *ExportService) ExportToICal(ctx context.Context, window timerange.TimeRange, loc *time.Location) (*ExportICalResult, error) {
	occs, err := s.source.ListOccurrences(ctx, window, loc)
	if err != nil {
		return nil, fmt.Errorf("list occurrences: %w", err)
	}
	return s.encode(occs, window)
}

// Publish writes a committed run to the object store. It is registered as a
// scheduler success hook.
func (s *ExportService) Publish(ctx context.Context, res *scheduler.Result) {
	if s.store == nil || res == nil {
		return
	}

	out, err := s.encode(res.Occurrences, res.Window)
	if err != nil {
		s.logger.Warn().Err(err).Msg("encode schedule export failed")
		return
	}
	if err := s.store.Put(ctx, ObjectKey, out.Data, out.ContentType); err != nil {
		s.logger.Warn().Err(err).Str("key", ObjectKey).Msg("publish schedule export failed")
		return
	}

	url := s.store.URL(ObjectKey)
	s.logger.Info().Str("url", url).Int("events", out.Events).Msg("schedule export published")
	s.bus.Publish(events.EventScheduleExported, events.Payload{
		"url":    url,
		"events": out.Events,
	})
}

func (s *ExportService) encode(occs []scheduler.ScheduledOccurrence, window timerange.TimeRange) (*ExportICalResult, error) {
	cal := BuildCalendar(occs, s.calendarName, s.now())

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("encode calendar: %w", err)
	}

	filename := fmt.Sprintf("%s-schedule-%s-to-%s.ics",
		slugify(s.calendarName),
		window.Start().Format("2006-01-02"),
		window.End().Format("2006-01-02"))

	return &ExportICalResult{
		Data:        buf.Bytes(),
		Filename:    filename,
		ContentType: contentType,
		Events:      len(cal.Children),
	}, nil
}

// BuildCalendar emits one VEVENT per realized segment. Unplaced occurrences
// are left out.
func BuildCalendar(occs []scheduler.ScheduledOccurrence, name string, stamp time.Time) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Props.SetText(ical.PropCalendarScale, "GREGORIAN")
	cal.Props.SetText(ical.PropMethod, "PUBLISH")
	cal.Props.SetText("X-WR-CALNAME", name+" Schedule")

	for _, occ := range occs {
		if occ.Realized == nil {
			continue
		}

		event := ical.NewEvent()
		event.Props.SetText(ical.PropUID, fmt.Sprintf("%s#%d@elastisched", occ.ID, occ.SegmentIndex))
		event.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())
		event.Props.SetDateTime(ical.PropDateTimeStart, occ.Realized.Start().UTC())
		event.Props.SetDateTime(ical.PropDateTimeEnd, occ.Realized.End().UTC())
		event.Props.SetText(ical.PropSummary, occ.Blob.Name())
		if desc := occ.Blob.Description(); desc != "" {
			event.Props.SetText(ical.PropDescription, desc)
		}
		if tags := occ.Blob.Tags(); len(tags) > 0 {
			event.Props.Set(categories(tags))
		}

		cal.Children = append(cal.Children, event.Component)
	}
	return cal
}

func categories(tags []policy.Tag) *ical.Prop {
	values := make([]string, 0, len(tags))
	for _, t := range tags {
		values = append(values, escapeListValue(t.String()))
	}
	prop := ical.NewProp(ical.PropCategories)
	prop.Value = strings.Join(values, ",")
	return prop
}

// ImportICalResult contains the result of an iCal import.
type ImportICalResult struct {
	Imported []string
	Skipped  int
	Errors   []string
}

// ImportFromICal stores every timed VEVENT as a rigid recurrence. Events
// with an RRULE become delta, weekly or date recurrences; plain events
// become singles.
func ImportFromICal(ctx context.Context, creator Creator, data io.Reader, logger zerolog.Logger) (*ImportICalResult, error) {
	cal, err := ical.NewDecoder(data).Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to parse iCal data: %w", err)
	}

	result := &ImportICalResult{}
	for _, event := range cal.Events() {
		doc, start, end, ok := eventBlob(event)
		if !ok {
			result.Skipped++
			continue
		}

		kind := recurrence.KindSingle
		payload := recurrence.Payload{Blob: &doc}
		if prop := event.Props.Get(ical.PropRecurrenceRule); prop != nil && prop.Value != "" {
			kind, payload, err = recurringPayload(doc, start, end, prop.Value, exceptionDates(event, time.UTC))
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("failed to import %s: %v", doc.Name, err))
				continue
			}
		}

		raw, err := json.Marshal(payload)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("encode %s: %v", doc.Name, err))
			continue
		}
		rec, err := creator.CreateRecurrence(ctx, string(kind), raw)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to import %s: %v", doc.Name, err))
			continue
		}
		result.Imported = append(result.Imported, rec.ID)
	}

	logger.Info().
		Int("imported", len(result.Imported)).
		Int("skipped", result.Skipped).
		Int("errors", len(result.Errors)).
		Msg("iCal import completed")

	return result, nil
}

func eventBlob(event ical.Event) (recurrence.BlobDoc, time.Time, time.Time, bool) {
	summary, _ := event.Props.Text(ical.PropSummary)
	start, err := event.DateTimeStart(time.UTC)
	if err != nil || start.IsZero() {
		return recurrence.BlobDoc{}, time.Time{}, time.Time{}, false
	}
	end, err := event.DateTimeEnd(time.UTC)
	if err != nil || end.IsZero() || end.Before(start) {
		return recurrence.BlobDoc{}, time.Time{}, time.Time{}, false
	}
	if summary == "" {
		summary = "Imported event"
	}
	description, _ := event.Props.Text(ical.PropDescription)

	window := recurrence.TimeRangeDoc{
		Start: start.UTC().Format(time.RFC3339),
		End:   end.UTC().Format(time.RFC3339),
	}
	doc := recurrence.BlobDoc{
		Name:                      summary,
		Description:               description,
		DefaultScheduledTimerange: window,
		SchedulableTimerange:      window,
	}
	if prop := event.Props.Get(ical.PropCategories); prop != nil {
		for _, raw := range splitListValue(prop.Value) {
			if tag, ok := policy.ParseTag(raw); ok {
				doc.Tags = append(doc.Tags, recurrence.TagDoc(tag))
			}
		}
	}
	return doc, start, end, true
}

// Helper functions

func escapeListValue(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, ";", "\\;")
	s = strings.ReplaceAll(s, ",", "\\,")
	return s
}

func splitListValue(s string) []string {
	var (
		out     []string
		cur     strings.Builder
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ',':
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	return append(out, cur.String())
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	dash := false
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
