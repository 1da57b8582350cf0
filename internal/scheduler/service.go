/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/friendsincode/elastisched/internal/cache"
	"github.com/friendsincode/elastisched/internal/config"
	"github.com/friendsincode/elastisched/internal/events"
	"github.com/friendsincode/elastisched/internal/models"
	"github.com/friendsincode/elastisched/internal/optimizer"
	"github.com/friendsincode/elastisched/internal/scheduling"
	"github.com/friendsincode/elastisched/internal/telemetry"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Settings are the run defaults applied when a request leaves a field unset.
type Settings struct {
	Lookahead          time.Duration
	GranularityMinutes int
	Location           *time.Location
	WeekStart          time.Weekday
	OptimizerTimeout   time.Duration
	// ExpandWorkers bounds concurrent definition expansion.
	ExpandWorkers int
}

// SettingsFromConfig maps process configuration onto run defaults.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Lookahead:          cfg.Lookahead,
		GranularityMinutes: cfg.GranularityMinutes,
		Location:           cfg.Location(),
		WeekStart:          cfg.WeekStart,
		OptimizerTimeout:   cfg.OptimizerTimeout,
	}
}

func (s Settings) withDefaults() Settings {
	if s.Lookahead <= 0 {
		s.Lookahead = 14 * 24 * time.Hour
	}
	if s.GranularityMinutes <= 0 {
		s.GranularityMinutes = 5
	}
	if s.Location == nil {
		s.Location = time.UTC
	}
	if s.OptimizerTimeout <= 0 {
		s.OptimizerTimeout = 30 * time.Second
	}
	if s.ExpandWorkers <= 0 {
		s.ExpandWorkers = runtime.GOMAXPROCS(0)
	}
	return s
}

// Service bridges stored recurrence definitions and the placement optimizer.
type Service struct {
	db        *gorm.DB
	opt       optimizer.Optimizer
	optName   string
	validator *scheduling.Validator
	bus       events.Publisher
	cache     *cache.Cache
	logger    zerolog.Logger
	settings  Settings
	now       func() time.Time

	// mu serializes runs.
	mu sync.Mutex

	hooksMu sync.RWMutex
	hooks   []func(context.Context, *Result)
}

// New constructs the scheduler service. optName labels optimizer metrics.
func New(db *gorm.DB, opt optimizer.Optimizer, optName string, settings Settings, logger zerolog.Logger) *Service {
	logger = logger.With().Str("component", "scheduler").Logger()
	return &Service{
		db:        db,
		opt:       opt,
		optName:   optName,
		validator: scheduling.NewValidator(logger),
		bus:       events.Discard{},
		cache:     cache.Disabled(logger),
		logger:    logger,
		settings:  settings.withDefaults(),
		now:       time.Now,
	}
}

// SetEventBus sets the publisher for recurrence and schedule events.
func (s *Service) SetEventBus(bus events.Publisher) {
	if bus == nil {
		bus = events.Discard{}
	}
	s.bus = bus
}

// SetCache sets the cache instance for the scheduler.
func (s *Service) SetCache(c *cache.Cache) {
	if c == nil {
		c = cache.Disabled(s.logger)
	}
	s.cache = c
}

// OnSuccess registers a hook run after every committed schedule.
func (s *Service) OnSuccess(hook func(context.Context, *Result)) {
	s.hooksMu.Lock()
	s.hooks = append(s.hooks, hook)
	s.hooksMu.Unlock()
}

// Settings returns the effective run defaults.
func (s *Service) Settings() Settings {
	return s.settings
}

// Status is the persisted schedule state.
type Status struct {
	Dirty   bool       `json:"dirty"`
	LastRun *time.Time `json:"last_run"`
}

// Status reports whether stored segments are stale.
func (s *Service) Status(ctx context.Context) (Status, error) {
	if cached, ok := s.cache.GetStatus(ctx); ok {
		return Status{Dirty: cached.Dirty, LastRun: cached.LastRun}, nil
	}

	state, err := s.loadState(ctx, s.db)
	if err != nil {
		return Status{}, err
	}
	status := Status{Dirty: state.Dirty, LastRun: state.LastRun}
	if err := s.cache.SetStatus(ctx, cache.Status{Dirty: status.Dirty, LastRun: status.LastRun}); err != nil {
		s.logger.Debug().Err(err).Msg("failed to cache schedule status")
	}
	return status, nil
}

// loadState reads the state row, creating it dirty when missing.
func (s *Service) loadState(ctx context.Context, tx *gorm.DB) (models.ScheduleState, error) {
	var state models.ScheduleState
	err := tx.WithContext(ctx).First(&state, models.ScheduleStateID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		state = models.ScheduleState{ID: models.ScheduleStateID, Dirty: true}
		err = tx.WithContext(ctx).Create(&state).Error
	}
	if err != nil {
		return models.ScheduleState{}, fmt.Errorf("load schedule state: %w", err)
	}
	return state, nil
}

// markDirty flags the schedule stale and drops stored segments. It must run
// inside the transaction that changed the definitions.
func markDirty(ctx context.Context, tx *gorm.DB) error {
	res := tx.WithContext(ctx).Model(&models.ScheduleState{}).
		Where("id = ?", models.ScheduleStateID).
		Updates(map[string]any{
			"dirty":      true,
			"generation": gorm.Expr("generation + 1"),
		})
	if res.Error != nil {
		return fmt.Errorf("mark schedule dirty: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		state := models.ScheduleState{ID: models.ScheduleStateID, Dirty: true, Generation: 1}
		if err := tx.WithContext(ctx).Create(&state).Error; err != nil {
			return fmt.Errorf("create schedule state: %w", err)
		}
	}
	if err := tx.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&models.ScheduledSegment{}).Error; err != nil {
		return fmt.Errorf("clear scheduled segments: %w", err)
	}
	return nil
}

// afterMutation runs once a definition change has committed.
func (s *Service) afterMutation(ctx context.Context, eventType events.EventType, payload events.Payload) {
	telemetry.ScheduleDirty.Set(1)
	if err := s.cache.InvalidateSchedule(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("failed to invalidate schedule cache")
	}
	s.publish(eventType, payload)
	s.publish(events.EventScheduleDirty, events.Payload{"reason": string(eventType)})
}

func (s *Service) publish(eventType events.EventType, payload events.Payload) {
	s.bus.Publish(eventType, payload)
}
