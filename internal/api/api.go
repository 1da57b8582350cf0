/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/friendsincode/elastisched/internal/cache"
	"github.com/friendsincode/elastisched/internal/recurrence"
	"github.com/friendsincode/elastisched/internal/schedule"
	"github.com/friendsincode/elastisched/internal/scheduler"
)

// API exposes HTTP handlers.
type API struct {
	scheduler  *scheduler.Service
	exporter   *schedule.ExportService
	cache      *cache.Cache
	runLimiter *rate.Limiter
	logger     zerolog.Logger
	now        func() time.Time
}

// New creates the API router wrapper. A nil limiter leaves POST /schedule
// unthrottled; a nil cache disables read caching.
func New(svc *scheduler.Service, exporter *schedule.ExportService, c *cache.Cache, limiter *rate.Limiter, logger zerolog.Logger) *API {
	return &API{
		scheduler:  svc,
		exporter:   exporter,
		cache:      c,
		runLimiter: limiter,
		logger:     logger.With().Str("component", "api").Logger(),
		now:        time.Now,
	}
}

// NewRunLimiter builds the POST /schedule limiter. perSecond <= 0 disables it.
func NewRunLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Routes registers every endpoint under /api/v1.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)

		r.Route("/recurrences", func(r chi.Router) {
			r.Get("/", a.handleRecurrencesList)
			r.Post("/", a.handleRecurrencesCreate)
			r.Post("/import/ical", a.handleRecurrencesImportICal)
			r.Route("/{recurrenceID}", func(r chi.Router) {
				r.Get("/", a.handleRecurrencesGet)
				r.Put("/", a.handleRecurrencesUpdate)
				r.Patch("/", a.handleRecurrencesUpdate)
				r.Delete("/", a.handleRecurrencesDelete)
			})
		})

		r.Get("/occurrences", a.handleOccurrencesList)

		r.Route("/schedule", func(r chi.Router) {
			r.Get("/", a.handleScheduleGet)
			r.Post("/", a.handleScheduleRun)
			r.Get("/status", a.handleScheduleStatus)
			r.Get("/export.ics", a.handleScheduleExport)
		})
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func writeErrorDetail(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{"error": code, "detail": detail})
}

// writeServiceError maps scheduler and recurrence failures onto HTTP statuses.
func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	var be *scheduler.BridgeError
	var pe *recurrence.PayloadError
	switch {
	case errors.As(err, &be):
		status := http.StatusUnprocessableEntity
		if be.Kind == scheduler.KindInvalidSchedule {
			status = http.StatusConflict
		}
		writeErrorDetail(w, status, string(be.Kind), be.Error())
	case errors.Is(err, scheduler.ErrNotFound):
		writeErrorDetail(w, http.StatusNotFound, "not_found", "Recurrence not found")
	case errors.Is(err, scheduler.ErrInvalidRecurrence), errors.As(err, &pe):
		writeErrorDetail(w, http.StatusUnprocessableEntity, "invalid_recurrence", err.Error())
	default:
		a.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}
