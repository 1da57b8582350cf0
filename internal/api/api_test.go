package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/friendsincode/elastisched/internal/config"
	"github.com/friendsincode/elastisched/internal/db"
	"github.com/friendsincode/elastisched/internal/optimizer"
	"github.com/friendsincode/elastisched/internal/schedule"
	"github.com/friendsincode/elastisched/internal/scheduler"
)

type testServer struct {
	router http.Handler
	svc    *scheduler.Service
}

func newTestServer(t *testing.T, opt optimizer.Optimizer, limiter *rate.Limiter) *testServer {
	t.Helper()
	database, err := db.Connect(&config.Config{DBBackend: config.DatabaseSQLite, DBDSN: ":memory:"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(database) })
	if err := db.Migrate(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	if opt == nil {
		opt = optimizer.NewGreedy(zerolog.Nop())
	}
	svc := scheduler.New(database, opt, "test", scheduler.Settings{
		Lookahead:          48 * time.Hour,
		GranularityMinutes: 15,
		WeekStart:          time.Monday,
		OptimizerTimeout:   5 * time.Second,
	}, zerolog.Nop())
	exporter := schedule.NewExportService(svc, nil, nil, "Test", zerolog.Nop())

	a := New(svc, exporter, nil, limiter, zerolog.Nop())
	r := chi.NewRouter()
	a.Routes(r)
	return &testServer{router: r, svc: svc}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch v := body.(type) {
	case nil:
	case string:
		buf.WriteString(v)
	default:
		if err := json.NewEncoder(&buf).Encode(v); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	ts.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return out
}

// upcoming returns a single-recurrence payload a few hours from now so it
// falls inside the default lookahead.
func upcoming(name string) map[string]any {
	base := time.Now().UTC().Truncate(time.Hour).Add(3 * time.Hour)
	return map[string]any{
		"type": "single",
		"payload": map[string]any{
			"blob": map[string]any{
				"name": name,
				"tags": []string{"work:focus"},
				"default_scheduled_timerange": map[string]string{
					"start": base.Format(time.RFC3339),
					"end":   base.Add(time.Hour).Format(time.RFC3339),
				},
				"schedulable_timerange": map[string]string{
					"start": base.Add(-time.Hour).Format(time.RFC3339),
					"end":   base.Add(3 * time.Hour).Format(time.RFC3339),
				},
			},
		},
	}
}

func TestRecurrenceCRUD(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	rr := ts.do(t, http.MethodPost, "/api/v1/recurrences", upcoming("Focus"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	created := decode[recurrenceResponse](t, rr)
	if created.ID == "" || created.Type != "single" || created.Summary == "" {
		t.Fatalf("unexpected create response %+v", created)
	}

	rr = ts.do(t, http.MethodGet, "/api/v1/recurrences/"+created.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rr.Code)
	}

	rr = ts.do(t, http.MethodGet, "/api/v1/recurrences", nil)
	if list := decode[[]recurrenceResponse](t, rr); len(list) != 1 {
		t.Fatalf("expected 1 recurrence, got %d", len(list))
	}

	update := upcoming("Renamed")
	rr = ts.do(t, http.MethodPut, "/api/v1/recurrences/"+created.ID, map[string]any{"payload": update["payload"]})
	if rr.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if updated := decode[recurrenceResponse](t, rr); !strings.Contains(string(updated.Payload), "Renamed") {
		t.Fatalf("payload not replaced: %s", updated.Payload)
	}

	rr = ts.do(t, http.MethodDelete, "/api/v1/recurrences/"+created.ID, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rr.Code)
	}
	rr = ts.do(t, http.MethodGet, "/api/v1/recurrences/"+created.ID, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", rr.Code)
	}
	rr = ts.do(t, http.MethodDelete, "/api/v1/recurrences/"+created.ID, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second delete: expected 404, got %d", rr.Code)
	}
}

func TestCreateRecurrenceValidation(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	tests := []struct {
		name string
		body any
		code int
		err  string
	}{
		{"malformed json", "{", http.StatusBadRequest, "invalid_json"},
		{"missing type", map[string]any{"payload": map[string]any{}}, http.StatusUnprocessableEntity, "type_required"},
		{"unknown type", map[string]any{"type": "hourly", "payload": map[string]any{}}, http.StatusUnprocessableEntity, "invalid_recurrence"},
		{"missing blob", map[string]any{"type": "single", "payload": map[string]any{}}, http.StatusUnprocessableEntity, "invalid_recurrence"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(t, http.MethodPost, "/api/v1/recurrences", tt.body)
			if rr.Code != tt.code {
				t.Fatalf("expected %d, got %d body=%s", tt.code, rr.Code, rr.Body.String())
			}
			if got := decode[map[string]string](t, rr)["error"]; got != tt.err {
				t.Fatalf("expected error %q, got %q", tt.err, got)
			}
		})
	}
}

func TestRunScheduleEndpoint(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	if rr := ts.do(t, http.MethodPost, "/api/v1/recurrences", upcoming("Focus")); rr.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rr.Code, rr.Body.String())
	}

	status := decode[scheduleStatusResponse](t, ts.do(t, http.MethodGet, "/api/v1/schedule/status", nil))
	if !status.Dirty {
		t.Fatal("expected dirty schedule before run")
	}

	rr := ts.do(t, http.MethodPost, "/api/v1/schedule", map[string]any{"user_timezone": "UTC"})
	if rr.Code != http.StatusOK {
		t.Fatalf("run: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	res := decode[scheduleResponse](t, rr)
	if res.Dirty || res.LastRun == nil {
		t.Fatalf("unexpected run status %+v", res.scheduleStatusResponse)
	}
	if len(res.Occurrences) != 1 || res.Occurrences[0].RealizedTimerange == nil {
		t.Fatalf("expected one realized occurrence, got %+v", res.Occurrences)
	}
	occ := res.Occurrences[0]
	if !occ.RealizedTimerange.Start.Equal(occ.DefaultScheduledTimerange.Start) {
		t.Fatalf("expected placement at preferred start, got %s", occ.RealizedTimerange.Start)
	}
	if len(occ.Tags) != 1 || occ.Tags[0] != "work:focus" {
		t.Fatalf("unexpected tags %v", occ.Tags)
	}

	status = decode[scheduleStatusResponse](t, ts.do(t, http.MethodGet, "/api/v1/schedule/status", nil))
	if status.Dirty {
		t.Fatal("expected clean schedule after run")
	}

	latest := decode[scheduleResponse](t, ts.do(t, http.MethodGet, "/api/v1/schedule", nil))
	if len(latest.Occurrences) != 1 || latest.Occurrences[0].RealizedTimerange == nil {
		t.Fatalf("expected stored schedule to list the placement, got %+v", latest.Occurrences)
	}

	rr = ts.do(t, http.MethodGet, "/api/v1/schedule/export.ics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("export: expected 200, got %d", rr.Code)
	}
	if !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/calendar") {
		t.Fatalf("unexpected content type %q", rr.Header().Get("Content-Type"))
	}
	if !strings.Contains(rr.Body.String(), "SUMMARY:Focus") {
		t.Fatalf("expected exported event, got:\n%s", rr.Body.String())
	}
}

func TestRunScheduleErrors(t *testing.T) {
	failing := optimizer.Func(func(context.Context, []optimizer.Job, int64) (optimizer.Schedule, error) {
		return optimizer.Schedule{}, errors.New("solver exploded")
	})
	dropping := optimizer.Func(func(context.Context, []optimizer.Job, int64) (optimizer.Schedule, error) {
		return optimizer.Schedule{}, nil
	})

	tests := []struct {
		name string
		opt  optimizer.Optimizer
		body any
		code int
		err  string
	}{
		{"zero lookahead", nil, map[string]any{"lookahead_seconds": 0}, http.StatusUnprocessableEntity, "invalid_request"},
		{"zero granularity", nil, map[string]any{"granularity_minutes": 0}, http.StatusUnprocessableEntity, "invalid_request"},
		{"unknown timezone", nil, map[string]any{"user_timezone": "Mars/Olympus"}, http.StatusUnprocessableEntity, "invalid_request"},
		{"optimizer failure", failing, map[string]any{}, http.StatusUnprocessableEntity, "scheduling_failed"},
		{"dropped job", dropping, map[string]any{}, http.StatusConflict, "invalid_schedule"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.opt, nil)
			if rr := ts.do(t, http.MethodPost, "/api/v1/recurrences", upcoming("Focus")); rr.Code != http.StatusCreated {
				t.Fatalf("create: %d %s", rr.Code, rr.Body.String())
			}

			rr := ts.do(t, http.MethodPost, "/api/v1/schedule", tt.body)
			if rr.Code != tt.code {
				t.Fatalf("expected %d, got %d body=%s", tt.code, rr.Code, rr.Body.String())
			}
			body := decode[map[string]string](t, rr)
			if body["error"] != tt.err || body["detail"] == "" {
				t.Fatalf("unexpected error body %v", body)
			}

			status := decode[scheduleStatusResponse](t, ts.do(t, http.MethodGet, "/api/v1/schedule/status", nil))
			if !status.Dirty || status.LastRun != nil {
				t.Fatalf("failed run must leave state untouched, got %+v", status)
			}
		})
	}
}

func TestRunScheduleRateLimited(t *testing.T) {
	ts := newTestServer(t, nil, rate.NewLimiter(rate.Every(time.Hour), 1))

	if rr := ts.do(t, http.MethodPost, "/api/v1/schedule", nil); rr.Code != http.StatusOK {
		t.Fatalf("first run: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	rr := ts.do(t, http.MethodPost, "/api/v1/schedule", nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second run: expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestOccurrencesWindow(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	if rr := ts.do(t, http.MethodPost, "/api/v1/recurrences", upcoming("Focus")); rr.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rr.Code, rr.Body.String())
	}

	now := time.Now().UTC()
	query := func(start, end time.Time, extra string) string {
		return fmt.Sprintf("/api/v1/occurrences?start=%s&end=%s%s",
			url.QueryEscape(start.Format(time.RFC3339)), url.QueryEscape(end.Format(time.RFC3339)), extra)
	}

	tests := []struct {
		name  string
		path  string
		code  int
		count int
	}{
		{"covers occurrence", query(now, now.Add(24*time.Hour), ""), http.StatusOK, 1},
		{"before occurrence", query(now.Add(-48*time.Hour), now.Add(-24*time.Hour), ""), http.StatusOK, 0},
		{"inverted", query(now.Add(time.Hour), now, ""), http.StatusUnprocessableEntity, 0},
		{"missing end", "/api/v1/occurrences?start=" + url.QueryEscape(now.Format(time.RFC3339)), http.StatusUnprocessableEntity, 0},
		{"bad timezone", query(now, now.Add(time.Hour), "&tz=Nowhere/Land"), http.StatusUnprocessableEntity, 0},
		{"display timezone", query(now, now.Add(24*time.Hour), "&tz=Europe/Berlin"), http.StatusOK, 1},
	}

	_, tzErr := time.LoadLocation("Europe/Berlin")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.name == "display timezone" && tzErr != nil {
				t.Skipf("tzdata unavailable: %v", tzErr)
			}
			rr := ts.do(t, http.MethodGet, tt.path, nil)
			if rr.Code != tt.code {
				t.Fatalf("expected %d, got %d body=%s", tt.code, rr.Code, rr.Body.String())
			}
			if tt.code != http.StatusOK {
				return
			}
			occs := decode[[]occurrenceResponse](t, rr)
			if len(occs) != tt.count {
				t.Fatalf("expected %d occurrences, got %d", tt.count, len(occs))
			}
			if tt.count > 0 && occs[0].RealizedTimerange != nil {
				t.Fatal("unscheduled occurrence should have no realized range")
			}
		})
	}
}

func TestImportICal(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	start := time.Now().UTC().Truncate(time.Hour).Add(5 * time.Hour)
	data := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VEVENT",
		"UID:one",
		"DTSTAMP:20250101T000000Z",
		"DTSTART:" + start.Format("20060102T150405Z"),
		"DTEND:" + start.Add(time.Hour).Format("20060102T150405Z"),
		"SUMMARY:Dentist",
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "\r\n")

	rr := ts.do(t, http.MethodPost, "/api/v1/recurrences/import/ical", data)
	if rr.Code != http.StatusOK {
		t.Fatalf("import: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if res := decode[importResponse](t, rr); len(res.Imported) != 1 {
		t.Fatalf("expected one imported recurrence, got %+v", res)
	}

	rr = ts.do(t, http.MethodPost, "/api/v1/recurrences/import/ical", "not a calendar")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for garbage, got %d", rr.Code)
	}
}
