package schedule

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/rs/zerolog"

	"github.com/friendsincode/elastisched/internal/blob"
	"github.com/friendsincode/elastisched/internal/events"
	"github.com/friendsincode/elastisched/internal/policy"
	"github.com/friendsincode/elastisched/internal/recurrence"
	"github.com/friendsincode/elastisched/internal/scheduler"
	"github.com/friendsincode/elastisched/internal/storage"
	"github.com/friendsincode/elastisched/internal/timerange"
)

func monday(hour, minute int) time.Time {
	return time.Date(2025, 1, 6, hour, minute, 0, 0, time.UTC)
}

func scheduled(t *testing.T, id string, realized *timerange.TimeRange, segment int) scheduler.ScheduledOccurrence {
	t.Helper()
	b, err := blob.New(blob.Params{
		ID:          id,
		Name:        "Deep work, focus",
		Description: "No meetings",
		Default:     timerange.MustNew(monday(9, 0), monday(10, 0)),
		Schedulable: timerange.MustNew(monday(8, 0), monday(12, 0)),
		Tags:        []policy.Tag{{Name: "focus", Group: "work"}},
	})
	if err != nil {
		t.Fatalf("new blob: %v", err)
	}
	return scheduler.ScheduledOccurrence{
		Occurrence:   recurrence.Occurrence{ID: id, Blob: b, Original: b},
		Realized:     realized,
		SegmentIndex: segment,
	}
}

func ptr(tr timerange.TimeRange) *timerange.TimeRange { return &tr }

type fakeSource struct {
	occs []scheduler.ScheduledOccurrence
	err  error
}

func (f fakeSource) ListOccurrences(context.Context, timerange.TimeRange, *time.Location) ([]scheduler.ScheduledOccurrence, error) {
	return f.occs, f.err
}

type fakeCreator struct {
	kinds    []recurrence.Kind
	payloads [][]byte
}

func (f *fakeCreator) CreateRecurrence(_ context.Context, kind string, payload []byte) (*scheduler.Recurrence, error) {
	k, err := recurrence.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	if _, err := recurrence.Decode("imported", k, payload); err != nil {
		return nil, err
	}
	f.kinds = append(f.kinds, k)
	f.payloads = append(f.payloads, payload)
	return &scheduler.Recurrence{ID: "rec-" + string(rune('a'+len(f.payloads)-1))}, nil
}

func TestBuildCalendarEmitsRealizedSegments(t *testing.T) {
	occs := []scheduler.ScheduledOccurrence{
		scheduled(t, "focus:1", ptr(timerange.MustNew(monday(9, 0), monday(9, 30))), 0),
		scheduled(t, "focus:1", ptr(timerange.MustNew(monday(10, 0), monday(10, 30))), 1),
		scheduled(t, "unplaced:1", nil, 0),
	}

	cal := BuildCalendar(occs, "Team", monday(6, 0))

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := ical.NewDecoder(&buf).Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	evts := decoded.Events()
	if len(evts) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evts))
	}
	uid, _ := evts[1].Props.Text(ical.PropUID)
	if uid != "focus:1#1@elastisched" {
		t.Fatalf("unexpected UID %q", uid)
	}
	summary, _ := evts[0].Props.Text(ical.PropSummary)
	if summary != "Deep work, focus" {
		t.Fatalf("summary not round-tripped: %q", summary)
	}
	start, err := evts[1].DateTimeStart(time.UTC)
	if err != nil || !start.Equal(monday(10, 0)) {
		t.Fatalf("unexpected start %s (%v)", start, err)
	}
	if cats := evts[0].Props.Get(ical.PropCategories); cats == nil || cats.Value != "work:focus" {
		t.Fatalf("unexpected categories %+v", cats)
	}
}

func TestExportToICal(t *testing.T) {
	window := timerange.MustNew(monday(0, 0), monday(0, 0).AddDate(0, 0, 7))
	svc := NewExportService(fakeSource{occs: []scheduler.ScheduledOccurrence{
		scheduled(t, "focus:1", ptr(timerange.MustNew(monday(9, 0), monday(10, 0))), 0),
	}}, nil, nil, "My Week", zerolog.Nop())

	out, err := svc.ExportToICal(context.Background(), window, time.UTC)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if out.Filename != "my-week-schedule-2025-01-06-to-2025-01-13.ics" {
		t.Fatalf("unexpected filename %q", out.Filename)
	}
	if out.Events != 1 || !strings.HasPrefix(out.ContentType, "text/calendar") {
		t.Fatalf("unexpected result %+v", out)
	}
	if !bytes.Contains(out.Data, []byte("X-WR-CALNAME:My Week Schedule")) {
		t.Fatalf("calendar name missing:\n%s", out.Data)
	}

	failing := NewExportService(fakeSource{err: errors.New("boom")}, nil, nil, "", zerolog.Nop())
	if _, err := failing.ExportToICal(context.Background(), window, time.UTC); err == nil {
		t.Fatal("expected source error to propagate")
	}
}

func TestPublishWritesStoreAndAnnounces(t *testing.T) {
	store, err := storage.NewFilesystemStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	bus := events.NewBus()
	sub := bus.Subscribe(events.EventScheduleExported)

	svc := NewExportService(fakeSource{}, store, bus, "", zerolog.Nop())
	svc.Publish(context.Background(), &scheduler.Result{
		Window: timerange.MustNew(monday(0, 0), monday(23, 0)),
		Occurrences: []scheduler.ScheduledOccurrence{
			scheduled(t, "focus:1", ptr(timerange.MustNew(monday(9, 0), monday(10, 0))), 0),
		},
	})

	data, err := store.Get(context.Background(), ObjectKey)
	if err != nil {
		t.Fatalf("get export: %v", err)
	}
	if !bytes.Contains(data, []byte("BEGIN:VEVENT")) {
		t.Fatalf("expected an event in published calendar:\n%s", data)
	}

	select {
	case payload := <-sub:
		if payload["events"] != 1 {
			t.Fatalf("unexpected payload %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected schedule.exported event")
	}
}

func TestImportFromICal(t *testing.T) {
	data := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VEVENT",
		"UID:one",
		"DTSTAMP:20250101T000000Z",
		"DTSTART:20250106T090000Z",
		"DTEND:20250106T100000Z",
		"SUMMARY:Standup",
		"CATEGORIES:work:meeting,daily",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:two",
		"DTSTAMP:20250101T000000Z",
		"SUMMARY:No times",
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "\r\n")

	creator := &fakeCreator{}
	res, err := ImportFromICal(context.Background(), creator, strings.NewReader(data), zerolog.Nop())
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(res.Imported) != 1 || res.Skipped != 1 || len(res.Errors) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	var payload recurrence.Payload
	if err := json.Unmarshal(creator.payloads[0], &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Blob == nil || payload.Blob.Name != "Standup" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if payload.Blob.DefaultScheduledTimerange != payload.Blob.SchedulableTimerange {
		t.Fatal("imported events should be rigid")
	}
	if payload.Blob.DefaultScheduledTimerange.Start != "2025-01-06T09:00:00Z" {
		t.Fatalf("unexpected start %q", payload.Blob.DefaultScheduledTimerange.Start)
	}
	if len(payload.Blob.Tags) != 2 || payload.Blob.Tags[0].Group != "work" || payload.Blob.Tags[1].Name != "daily" {
		t.Fatalf("unexpected tags %+v", payload.Blob.Tags)
	}
}

func TestSplitListValueHonoursEscapes(t *testing.T) {
	got := splitListValue(escapeListValue("a,b") + "," + escapeListValue("c;d"))
	if len(got) != 2 || got[0] != "a,b" || got[1] != "c;d" {
		t.Fatalf("unexpected split %q", got)
	}
}

func recurringCalendar(rule string, extra ...string) string {
	lines := []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VEVENT",
		"UID:rec",
		"DTSTAMP:20250101T000000Z",
		"DTSTART:20250106T090000Z",
		"DTEND:20250106T093000Z",
		"SUMMARY:Gym",
		"RRULE:" + rule,
	}
	lines = append(lines, extra...)
	lines = append(lines, "END:VEVENT", "END:VCALENDAR", "")
	return strings.Join(lines, "\r\n")
}

func TestImportFromICalRecurringEvents(t *testing.T) {
	tests := []struct {
		name  string
		rule  string
		extra []string
		kind  recurrence.Kind
		check func(t *testing.T, p recurrence.Payload)
	}{
		{
			name: "daily becomes delta",
			rule: "FREQ=DAILY;INTERVAL=2",
			kind: recurrence.KindDelta,
			check: func(t *testing.T, p recurrence.Payload) {
				if p.DeltaSeconds == nil || *p.DeltaSeconds != 2*86400 {
					t.Fatalf("unexpected delta %v", p.DeltaSeconds)
				}
				if p.StartBlob == nil || p.StartBlob.Name != "Gym" {
					t.Fatalf("unexpected start blob %+v", p.StartBlob)
				}
			},
		},
		{
			name: "weekdays become weekly",
			rule: "FREQ=DAILY;BYDAY=MO,WE,FR",
			kind: recurrence.KindWeekly,
			check: func(t *testing.T, p recurrence.Payload) {
				if p.Interval != 1 || len(p.BlobsOfWeek) != 3 {
					t.Fatalf("unexpected weekly payload %+v", p)
				}
				if got := p.BlobsOfWeek[2].DefaultScheduledTimerange.Start; got != "2025-01-10T09:00:00Z" {
					t.Fatalf("expected friday copy, got %s", got)
				}
			},
		},
		{
			name:  "weekly keeps interval and until",
			rule:  "FREQ=WEEKLY;INTERVAL=2;UNTIL=20250331T000000Z",
			extra: []string{"EXDATE:20250120T090000Z"},
			kind:  recurrence.KindWeekly,
			check: func(t *testing.T, p recurrence.Payload) {
				if p.Interval != 2 || len(p.BlobsOfWeek) != 1 {
					t.Fatalf("unexpected weekly payload %+v", p)
				}
				if p.EndDate != "2025-03-31T00:00:00Z" {
					t.Fatalf("unexpected end date %q", p.EndDate)
				}
				if len(p.Exclusions) != 1 || p.Exclusions[0] != "2025-01-20T09:00:00Z" {
					t.Fatalf("unexpected exclusions %v", p.Exclusions)
				}
			},
		},
		{
			name: "count becomes end date",
			rule: "FREQ=WEEKLY;COUNT=3",
			kind: recurrence.KindWeekly,
			check: func(t *testing.T, p recurrence.Payload) {
				if p.EndDate != "2025-01-20T09:00:00Z" {
					t.Fatalf("expected third occurrence as end date, got %q", p.EndDate)
				}
			},
		},
		{
			name: "yearly becomes date",
			rule: "FREQ=YEARLY",
			kind: recurrence.KindDate,
			check: func(t *testing.T, p recurrence.Payload) {
				if p.Blob == nil || p.Blob.Name != "Gym" {
					t.Fatalf("unexpected blob %+v", p.Blob)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creator := &fakeCreator{}
			res, err := ImportFromICal(context.Background(), creator, strings.NewReader(recurringCalendar(tt.rule, tt.extra...)), zerolog.Nop())
			if err != nil {
				t.Fatalf("import: %v", err)
			}
			if len(res.Imported) != 1 || len(res.Errors) != 0 {
				t.Fatalf("unexpected result %+v", res)
			}
			if creator.kinds[0] != tt.kind {
				t.Fatalf("expected %s, got %s", tt.kind, creator.kinds[0])
			}
			var payload recurrence.Payload
			if err := json.Unmarshal(creator.payloads[0], &payload); err != nil {
				t.Fatalf("decode payload: %v", err)
			}
			tt.check(t, payload)
		})
	}
}

func TestImportFromICalRejectsUnsupportedRules(t *testing.T) {
	creator := &fakeCreator{}
	res, err := ImportFromICal(context.Background(), creator, strings.NewReader(recurringCalendar("FREQ=MONTHLY;BYMONTHDAY=15")), zerolog.Nop())
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(res.Imported) != 0 || len(res.Errors) != 1 {
		t.Fatalf("expected one error, got %+v", res)
	}
}
