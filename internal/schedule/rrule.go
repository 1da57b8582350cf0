/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package schedule

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"

	"github.com/friendsincode/elastisched/internal/recurrence"
)

// recurringPayload maps an RRULE onto the closest recurrence kind:
// DAILY becomes delta (or weekly when BYDAY narrows it), WEEKLY becomes
// weekly and a plain YEARLY becomes date. Other rules are not representable.
func recurringPayload(doc recurrence.BlobDoc, start, end time.Time, rule string, exdates []time.Time) (recurrence.Kind, recurrence.Payload, error) {
	opt, err := rrule.StrToROption(rule)
	if err != nil {
		return "", recurrence.Payload{}, fmt.Errorf("parse RRULE %q: %w", rule, err)
	}
	if len(opt.Bymonth) > 0 || len(opt.Bymonthday) > 0 || len(opt.Byyearday) > 0 ||
		len(opt.Byweekno) > 0 || len(opt.Bysetpos) > 0 || len(opt.Byhour) > 0 ||
		len(opt.Byminute) > 0 || len(opt.Bysecond) > 0 {
		return "", recurrence.Payload{}, fmt.Errorf("unsupported RRULE %q", rule)
	}

	interval := opt.Interval
	if interval < 1 {
		interval = 1
	}

	var (
		kind    recurrence.Kind
		payload recurrence.Payload
	)
	switch {
	case opt.Freq == rrule.DAILY && len(opt.Byweekday) == 0:
		delta := float64(interval) * (24 * time.Hour).Seconds()
		kind = recurrence.KindDelta
		payload = recurrence.Payload{DeltaSeconds: &delta, StartBlob: &doc}

	case opt.Freq == rrule.DAILY && interval == 1, opt.Freq == rrule.WEEKLY:
		if opt.Freq == rrule.DAILY {
			interval = 1
		}
		kind = recurrence.KindWeekly
		payload = recurrence.Payload{Interval: interval, BlobsOfWeek: weekBlobs(doc, start, end, opt.Byweekday)}

	case opt.Freq == rrule.YEARLY && interval == 1 && len(opt.Byweekday) == 0:
		kind = recurrence.KindDate
		payload = recurrence.Payload{Blob: &doc}

	default:
		return "", recurrence.Payload{}, fmt.Errorf("unsupported RRULE %q", rule)
	}

	switch {
	case !opt.Until.IsZero():
		payload.EndDate = opt.Until.UTC().Format(time.RFC3339)
	case opt.Count > 0:
		last, err := lastOccurrence(start, rule)
		if err != nil {
			return "", recurrence.Payload{}, err
		}
		payload.EndDate = last.UTC().Format(time.RFC3339)
	}

	for _, ex := range exdates {
		payload.Exclusions = append(payload.Exclusions, ex.UTC().Format(time.RFC3339))
	}
	return kind, payload, nil
}

// weekBlobs places one copy of doc on each BYDAY weekday of the first week,
// counting forward from the event start.
func weekBlobs(doc recurrence.BlobDoc, start, end time.Time, days []rrule.Weekday) []recurrence.BlobDoc {
	if len(days) == 0 {
		return []recurrence.BlobDoc{doc}
	}

	offsets := make(map[int]struct{}, len(days))
	for i := range days {
		// rrule-go numbers weekdays from Monday.
		wd := time.Weekday((days[i].Day() + 1) % 7)
		offsets[(int(wd)-int(start.Weekday())+7)%7] = struct{}{}
	}
	sorted := make([]int, 0, len(offsets))
	for off := range offsets {
		sorted = append(sorted, off)
	}
	sort.Ints(sorted)

	out := make([]recurrence.BlobDoc, 0, len(sorted))
	for _, off := range sorted {
		shifted := doc
		window := recurrence.TimeRangeDoc{
			Start: start.AddDate(0, 0, off).UTC().Format(time.RFC3339),
			End:   end.AddDate(0, 0, off).UTC().Format(time.RFC3339),
		}
		shifted.DefaultScheduledTimerange = window
		shifted.SchedulableTimerange = window
		out = append(out, shifted)
	}
	return out
}

func lastOccurrence(start time.Time, rule string) (time.Time, error) {
	set, err := rrule.StrToRRuleSet(fmt.Sprintf("DTSTART:%s\nRRULE:%s", start.UTC().Format("20060102T150405Z"), rule))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse RRULE %q: %w", rule, err)
	}
	all := set.All()
	if len(all) == 0 {
		return time.Time{}, fmt.Errorf("RRULE %q has no occurrences", rule)
	}
	return all[len(all)-1], nil
}

// exceptionDates reads every EXDATE value of event as an instant.
func exceptionDates(event ical.Event, loc *time.Location) []time.Time {
	var out []time.Time
	for _, prop := range event.Props.Values(ical.PropExceptionDates) {
		for _, raw := range strings.Split(prop.Value, ",") {
			single := prop
			single.Value = strings.TrimSpace(raw)
			t, err := single.DateTime(loc)
			if err != nil || t.IsZero() {
				continue
			}
			out = append(out, t)
		}
	}
	return out
}
