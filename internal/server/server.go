/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/friendsincode/elastisched/internal/api"
	"github.com/friendsincode/elastisched/internal/cache"
	"github.com/friendsincode/elastisched/internal/config"
	"github.com/friendsincode/elastisched/internal/db"
	"github.com/friendsincode/elastisched/internal/eventbus"
	"github.com/friendsincode/elastisched/internal/events"
	"github.com/friendsincode/elastisched/internal/leadership"
	"github.com/friendsincode/elastisched/internal/optimizer"
	"github.com/friendsincode/elastisched/internal/schedule"
	"github.com/friendsincode/elastisched/internal/scheduler"
	"github.com/friendsincode/elastisched/internal/storage"
	"github.com/friendsincode/elastisched/internal/telemetry"
	"github.com/friendsincode/elastisched/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// requestTimeoutSlack is added to the optimizer timeout for the per-request deadline.
const requestTimeoutSlack = 30 * time.Second

// Server bundles HTTP and supporting services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	db                   *gorm.DB
	cache                *cache.Cache
	bus                  events.Broker
	api                  *api.API
	scheduler            *scheduler.Service
	exporter             *schedule.ExportService
	autoRunner           *scheduler.AutoRunner
	updateChecker        *version.Checker
	leaderAwareScheduler *scheduler.LeaderAwareScheduler
	election             *leadership.Election

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	for _, warn := range cfg.LegacyEnvWarnings {
		logger.Warn().Msg(warn)
	}

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware("elastisched-api"))
	router.Use(telemetry.MetricsMiddleware)
	// Runs wait on the optimizer, so the request deadline follows its timeout.
	router.Use(middleware.Timeout(requestTimeout(cfg)))

	srv := &Server{
		cfg:    cfg,
		logger: logger,
		router: router,
	}

	if err := srv.initDependencies(); err != nil {
		_ = srv.Close()
		return nil, err
	}

	srv.configureRoutes()
	srv.startBackgroundWorkers()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      requestTimeout(cfg) + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return srv, nil
}

func requestTimeout(cfg *config.Config) time.Duration {
	timeout := cfg.OptimizerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return timeout + requestTimeoutSlack
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg)
	if err != nil {
		return err
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })
	if err := db.Migrate(database); err != nil {
		return err
	}

	// Redis cache for schedule reads
	if s.cfg.RedisAddr != "" {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.RedisAddr = s.cfg.RedisAddr
		cacheCfg.RedisPassword = s.cfg.RedisPassword
		cacheCfg.RedisDB = s.cfg.RedisDB
		scheduleCache, err := cache.New(cacheCfg, s.logger)
		if err != nil {
			s.logger.Warn().Err(err).Msg("cache initialization failed, continuing without cache")
			scheduleCache = cache.Disabled(s.logger)
		}
		s.cache = scheduleCache
		s.DeferClose(func() error { return scheduleCache.Close() })
	} else {
		s.cache = cache.Disabled(s.logger)
	}

	bus, err := eventbus.New(s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	s.bus = bus
	s.DeferClose(bus.Close)

	opt, optName, closeOpt, err := optimizer.FromConfig(s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("optimizer: %w", err)
	}
	s.DeferClose(closeOpt)

	s.scheduler = scheduler.New(database, opt, optName, scheduler.SettingsFromConfig(s.cfg), s.logger)
	s.scheduler.SetEventBus(bus)
	s.scheduler.SetCache(s.cache)

	store, err := storage.New(context.Background(), s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("export store: %w", err)
	}
	s.exporter = schedule.NewExportService(s.scheduler, store, bus, "", s.logger)
	if store != nil {
		s.scheduler.OnSuccess(s.exporter.Publish)
	}

	s.api = api.New(s.scheduler, s.exporter, s.cache, api.NewRunLimiter(s.cfg.RunRateLimit, s.cfg.RunRateBurst), s.logger)

	if s.cfg.UpdateCheck {
		s.updateChecker = version.NewChecker(s.logger)
	}

	if s.cfg.AutoRunInterval <= 0 {
		return nil
	}

	trigger := bus.Subscribe(events.EventScheduleDirty)
	s.DeferClose(func() error {
		bus.Unsubscribe(events.EventScheduleDirty, trigger)
		return nil
	})
	s.autoRunner = scheduler.NewAutoRunner(s.scheduler, s.cfg.AutoRunInterval, trigger, s.logger)

	// Setup leader-aware runner if leader election is enabled
	if s.cfg.LeaderElectionEnabled {
		electionConfig := leadership.ElectionConfig{
			RedisAddr:       s.cfg.RedisAddr,
			RedisPassword:   s.cfg.RedisPassword,
			RedisDB:         s.cfg.RedisDB,
			ElectionKey:     "elastisched:leader:scheduler",
			LeaseDuration:   15 * time.Second,
			RenewalInterval: 5 * time.Second,
			RetryInterval:   2 * time.Second,
			InstanceID:      s.cfg.InstanceID,
		}

		election, err := leadership.NewElection(electionConfig, s.logger)
		if err != nil {
			return fmt.Errorf("create leader election: %w", err)
		}

		s.election = election
		s.leaderAwareScheduler = scheduler.NewLeaderAware(s.autoRunner, election, s.logger)
		s.DeferClose(func() error { return s.leaderAwareScheduler.Stop() })

		s.logger.Info().
			Str("redis_addr", s.cfg.RedisAddr).
			Str("instance_id", election.InstanceID()).
			Msg("leader election enabled for scheduler")
	}

	return nil
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	// Start the rerun loop (leader-aware if configured, otherwise direct)
	if s.leaderAwareScheduler != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			if err := s.leaderAwareScheduler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("leader-aware scheduler exited")
			}
		}()
	} else if s.autoRunner != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			if err := s.autoRunner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("scheduler loop exited")
			}
		}()
	}

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		db.WatchConnections(ctx, s.db, 30*time.Second)
	}()

	if s.updateChecker != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.updateChecker.Run(ctx)
		}()
	}

	if s.cache.IsAvailable() {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.runCacheInvalidationListener(ctx)
		}()
	}
}

// runCacheInvalidationListener drops cached schedule reads when another
// instance changes recurrences or completes a run.
func (s *Server) runCacheInvalidationListener(ctx context.Context) {
	created := s.bus.Subscribe(events.EventRecurrenceCreated)
	updated := s.bus.Subscribe(events.EventRecurrenceUpdated)
	deleted := s.bus.Subscribe(events.EventRecurrenceDeleted)
	completed := s.bus.Subscribe(events.EventScheduleCompleted)

	defer func() {
		s.bus.Unsubscribe(events.EventRecurrenceCreated, created)
		s.bus.Unsubscribe(events.EventRecurrenceUpdated, updated)
		s.bus.Unsubscribe(events.EventRecurrenceDeleted, deleted)
		s.bus.Unsubscribe(events.EventScheduleCompleted, completed)
	}()

	s.logger.Info().Msg("cache invalidation listener started")

	for {
		var reason string
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("cache invalidation listener stopped")
			return
		case <-created:
			reason = "recurrence created"
		case <-updated:
			reason = "recurrence updated"
		case <-deleted:
			reason = "recurrence deleted"
		case <-completed:
			reason = "schedule completed"
		}
		s.logger.Debug().Str("reason", reason).Msg("invalidating schedule cache")
		if err := s.cache.InvalidateSchedule(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("schedule cache invalidation failed")
		}
	}
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Leader        *bool  `json:"leader,omitempty"`
	LeaderID      string `json:"leader_id,omitempty"`
	LatestVersion string `json:"latest_version,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Version: version.Version}
	if s.leaderAwareScheduler != nil {
		leader := s.leaderAwareScheduler.IsLeader()
		resp.Leader = &leader
	}
	if s.election != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		if id, err := s.election.GetLeader(ctx); err == nil {
			resp.LeaderID = id
		}
		cancel()
	}
	if s.updateChecker != nil {
		if info := s.updateChecker.Info(); info.UpdateAvailable {
			resp.LatestVersion = info.LatestVersion
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Handle("/metrics", telemetry.Handler())

	s.api.Routes(s.router)
}
