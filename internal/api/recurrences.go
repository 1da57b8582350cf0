/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/elastisched/internal/schedule"
	"github.com/friendsincode/elastisched/internal/scheduler"
)

const maxImportBytes = 5 << 20

func (a *API) handleRecurrencesList(w http.ResponseWriter, r *http.Request) {
	recs, err := a.scheduler.ListRecurrences(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	out := make([]recurrenceResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toRecurrenceResponse(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleRecurrencesCreate(w http.ResponseWriter, r *http.Request) {
	var req recurrenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusUnprocessableEntity, "type_required")
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage("{}")
	}

	rec, err := a.scheduler.CreateRecurrence(r.Context(), req.Type, req.Payload)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecurrenceResponse(*rec))
}

func (a *API) handleRecurrencesGet(w http.ResponseWriter, r *http.Request) {
	rec, err := a.scheduler.GetRecurrence(r.Context(), chi.URLParam(r, "recurrenceID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecurrenceResponse(*rec))
}

func (a *API) handleRecurrencesUpdate(w http.ResponseWriter, r *http.Request) {
	var req recurrenceUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.Type != nil && *req.Type == "" {
		writeError(w, http.StatusUnprocessableEntity, "type_required")
		return
	}

	rec, err := a.scheduler.UpdateRecurrence(r.Context(), chi.URLParam(r, "recurrenceID"), scheduler.RecurrenceUpdate{
		Type:    req.Type,
		Payload: req.Payload,
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecurrenceResponse(*rec))
}

func (a *API) handleRecurrencesDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.scheduler.DeleteRecurrence(r.Context(), chi.URLParam(r, "recurrenceID")); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRecurrencesImportICal stores each timed VEVENT of the body as a
// single recurrence.
func (a *API) handleRecurrencesImportICal(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxImportBytes)
	res, err := schedule.ImportFromICal(r.Context(), a.scheduler, body, a.logger)
	if err != nil {
		writeErrorDetail(w, http.StatusBadRequest, "invalid_ical", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, importResponse{
		Imported: res.Imported,
		Skipped:  res.Skipped,
		Errors:   res.Errors,
	})
}
