/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/friendsincode/elastisched/internal/recurrence"
	"github.com/friendsincode/elastisched/internal/scheduler"
	"github.com/friendsincode/elastisched/internal/timerange"
)

func (a *API) handleScheduleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.scheduler.Status(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleStatusResponse{Dirty: status.Dirty, LastRun: status.LastRun})
}

func (a *API) handleScheduleRun(w http.ResponseWriter, r *http.Request) {
	if a.runLimiter != nil && !a.runLimiter.Allow() {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate_limited")
		return
	}

	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	runReq := scheduler.RunRequest{IncludeActive: req.IncludeActiveOccurrences}
	if req.LookaheadSeconds != nil {
		if *req.LookaheadSeconds <= 0 {
			writeErrorDetail(w, http.StatusUnprocessableEntity, string(scheduler.KindInvalidRequest), "lookahead_seconds must be greater than 0.")
			return
		}
		runReq.Lookahead = time.Duration(*req.LookaheadSeconds) * time.Second
	}
	if req.GranularityMinutes != nil {
		if *req.GranularityMinutes <= 0 {
			writeErrorDetail(w, http.StatusUnprocessableEntity, string(scheduler.KindInvalidRequest), "granularity_minutes must be greater than 0.")
			return
		}
		runReq.GranularityMinutes = *req.GranularityMinutes
	}
	if req.UserTimezone != nil {
		runReq.UserTimezone = *req.UserTimezone
	}

	res, err := a.scheduler.RunSchedule(r.Context(), runReq)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	lastRun := res.LastRun
	resp := scheduleResponse{
		scheduleStatusResponse: scheduleStatusResponse{Dirty: res.Dirty, LastRun: &lastRun},
		Occurrences:            toOccurrenceResponses(res.Occurrences),
		Jobs:                   res.Jobs,
		Segments:               res.Segments,
	}
	if err := a.cache.SetSchedule(r.Context(), resp); err != nil {
		a.logger.Debug().Err(err).Msg("failed to cache schedule response")
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleScheduleGet returns the last committed schedule without running the
// optimizer, listing the default lookahead window from stored segments.
func (a *API) handleScheduleGet(w http.ResponseWriter, r *http.Request) {
	var cached scheduleResponse
	if a.cache.GetSchedule(r.Context(), &cached) {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	status, err := a.scheduler.Status(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	settings := a.scheduler.Settings()
	now := a.now().UTC()
	window, err := timerange.New(now, now.Add(settings.Lookahead))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	occs, err := a.scheduler.ListOccurrences(r.Context(), window, settings.Location)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleResponse{
		scheduleStatusResponse: scheduleStatusResponse{Dirty: status.Dirty, LastRun: status.LastRun},
		Occurrences:            toOccurrenceResponses(occs),
	})
}

func (a *API) handleOccurrencesList(w http.ResponseWriter, r *http.Request) {
	window, loc, ok := a.parseWindow(w, r, false)
	if !ok {
		return
	}

	cacheable := r.URL.Query().Get("tz") == ""
	var out []occurrenceResponse
	if cacheable && a.cache.GetOccurrences(r.Context(), window.Start(), window.End(), &out) {
		writeJSON(w, http.StatusOK, out)
		return
	}

	occs, err := a.scheduler.ListOccurrences(r.Context(), window, loc)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	out = toOccurrenceResponses(occs)
	if cacheable {
		if err := a.cache.SetOccurrences(r.Context(), window.Start(), window.End(), out); err != nil {
			a.logger.Debug().Err(err).Msg("failed to cache occurrences")
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleScheduleExport(w http.ResponseWriter, r *http.Request) {
	if a.exporter == nil {
		writeError(w, http.StatusNotFound, "export_disabled")
		return
	}
	window, loc, ok := a.parseWindow(w, r, true)
	if !ok {
		return
	}

	result, err := a.exporter.ExportToICal(r.Context(), window, loc)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

// parseWindow reads start, end and tz query parameters. With defaults set,
// missing bounds select [now, now+lookahead].
func (a *API) parseWindow(w http.ResponseWriter, r *http.Request, defaults bool) (timerange.TimeRange, *time.Location, bool) {
	q := r.URL.Query()
	settings := a.scheduler.Settings()

	loc := settings.Location
	if name := q.Get("tz"); name != "" {
		resolved, ok := recurrence.ResolveLocation(name, nil)
		if !ok {
			writeErrorDetail(w, http.StatusUnprocessableEntity, "invalid_timezone", fmt.Sprintf("Unknown timezone %q.", name))
			return timerange.TimeRange{}, nil, false
		}
		loc = resolved
	}

	now := a.now().UTC()
	start, end := now, now.Add(settings.Lookahead)
	for _, bound := range []struct {
		key  string
		dest *time.Time
	}{{"start", &start}, {"end", &end}} {
		raw := q.Get(bound.key)
		if raw == "" {
			if !defaults {
				writeErrorDetail(w, http.StatusUnprocessableEntity, "invalid_window", bound.key+" is required")
				return timerange.TimeRange{}, nil, false
			}
			continue
		}
		t, err := recurrence.ParseDateTime(raw, loc)
		if err != nil {
			writeErrorDetail(w, http.StatusUnprocessableEntity, "invalid_window", fmt.Sprintf("%s: %v", bound.key, err))
			return timerange.TimeRange{}, nil, false
		}
		*bound.dest = t
	}

	window, err := timerange.New(start, end)
	if err != nil {
		writeErrorDetail(w, http.StatusUnprocessableEntity, "invalid_window", "start must not be after end")
		return timerange.TimeRange{}, nil, false
	}
	return window, loc, true
}
