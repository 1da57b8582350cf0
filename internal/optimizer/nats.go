/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package optimizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/friendsincode/elastisched/internal/policy"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL     string
	Subject string
	// Connection options
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Subject:       "elastisched.optimizer.schedule",
		MaxReconnects: -1, // Unlimited
		ReconnectWait: 2 * time.Second,
	}
}

// NATSClient reaches a remote optimizer over NATS request/reply.
type NATSClient struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// DialNATS connects to the optimizer broker.
func DialNATS(cfg NATSConfig, logger zerolog.Logger) (*NATSClient, error) {
	logger = logger.With().Str("component", "nats_optimizer").Logger()
	conn, err := nats.Connect(cfg.URL,
		nats.Name("elastisched-bridge"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	logger.Info().Str("url", cfg.URL).Str("subject", cfg.Subject).Msg("connected to remote optimizer")
	return &NATSClient{conn: conn, subject: cfg.Subject, logger: logger}, nil
}

// Schedule implements Optimizer. The context deadline bounds the request.
func (c *NATSClient) Schedule(ctx context.Context, jobs []Job, granularity int64) (Schedule, error) {
	data, err := json.Marshal(encodeRequest(jobs, granularity))
	if err != nil {
		return Schedule{}, fmt.Errorf("encode optimizer request: %w", err)
	}

	msg, err := c.conn.RequestWithContext(ctx, c.subject, data)
	if err != nil {
		return Schedule{}, fmt.Errorf("optimizer request: %w", err)
	}

	var resp wireResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return Schedule{}, fmt.Errorf("decode optimizer response: %w", err)
	}
	return resp.decode(jobs)
}

// Close drains the connection.
func (c *NATSClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Drain()
}

// Serve answers optimizer requests on subject with opt until ctx is done.
func Serve(ctx context.Context, conn *nats.Conn, subject string, opt Optimizer, timeout time.Duration, logger zerolog.Logger) error {
	logger = logger.With().Str("component", "optimizer_worker").Logger()
	sub, err := conn.QueueSubscribe(subject, "elastisched-optimizers", func(msg *nats.Msg) {
		respond(ctx, msg, opt, timeout, logger)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	logger.Info().Str("subject", subject).Msg("optimizer worker listening")

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("drain subscription: %w", err)
	}
	return nil
}

func respond(ctx context.Context, msg *nats.Msg, opt Optimizer, timeout time.Duration, logger zerolog.Logger) {
	reply := func(resp wireResponse) {
		data, err := json.Marshal(resp)
		if err != nil {
			logger.Error().Err(err).Msg("encode optimizer reply")
			return
		}
		if err := msg.Respond(data); err != nil {
			logger.Warn().Err(err).Msg("send optimizer reply")
		}
	}

	var req wireRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		reply(wireResponse{Error: "invalid request: " + err.Error()})
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	jobs := req.decode()
	schedule, err := opt.Schedule(reqCtx, jobs, req.GranularitySeconds)
	if err != nil {
		logger.Warn().Err(err).Int("jobs", len(jobs)).Msg("optimizer failed")
		reply(wireResponse{Error: err.Error()})
		return
	}
	reply(encodeResponse(schedule))
}

type wirePolicy struct {
	SchedulingPolicies      uint8 `json:"scheduling_policies"`
	MaxSplits               uint  `json:"max_splits"`
	MinSplitDurationSeconds int64 `json:"min_split_duration_seconds"`
}

type wireJob struct {
	ID              string     `json:"id"`
	DurationSeconds int64      `json:"duration_seconds"`
	Schedulable     Range      `json:"schedulable_range"`
	Preferred       Range      `json:"preferred_range"`
	Policy          wirePolicy `json:"policy"`
	Dependencies    []string   `json:"dependency_ids"`
	Tags            []string   `json:"tags"`
}

type wireRequest struct {
	GranularitySeconds int64     `json:"granularity_seconds"`
	Jobs               []wireJob `json:"jobs"`
}

type wirePlacement struct {
	ID       string  `json:"id"`
	Segments []Range `json:"segments"`
}

type wireResponse struct {
	Jobs  []wirePlacement `json:"placed_jobs,omitempty"`
	Error string          `json:"error,omitempty"`
}

func encodeRequest(jobs []Job, granularity int64) wireRequest {
	req := wireRequest{GranularitySeconds: granularity, Jobs: make([]wireJob, 0, len(jobs))}
	for _, j := range jobs {
		tags := make([]string, 0, len(j.Tags))
		for _, t := range j.Tags {
			tags = append(tags, t.String())
		}
		req.Jobs = append(req.Jobs, wireJob{
			ID:              j.ID,
			DurationSeconds: j.DurationSeconds,
			Schedulable:     j.Schedulable,
			Preferred:       j.Preferred,
			Policy: wirePolicy{
				SchedulingPolicies:      j.Policy.Bits(),
				MaxSplits:               j.Policy.MaxSplits(),
				MinSplitDurationSeconds: int64(j.Policy.MinSplitDuration().Seconds()),
			},
			Dependencies: j.Dependencies,
			Tags:         tags,
		})
	}
	return req
}

func (r wireRequest) decode() []Job {
	jobs := make([]Job, 0, len(r.Jobs))
	for _, w := range r.Jobs {
		tags := make([]policy.Tag, 0, len(w.Tags))
		for _, raw := range w.Tags {
			if t, ok := policy.ParseTag(raw); ok {
				tags = append(tags, t)
			}
		}
		jobs = append(jobs, Job{
			ID:              w.ID,
			DurationSeconds: w.DurationSeconds,
			Schedulable:     w.Schedulable,
			Preferred:       w.Preferred,
			Policy: policy.FromBits(w.Policy.SchedulingPolicies, w.Policy.MaxSplits,
				time.Duration(w.Policy.MinSplitDurationSeconds)*time.Second),
			Dependencies: w.Dependencies,
			Tags:         tags,
		})
	}
	return jobs
}

func encodeResponse(s Schedule) wireResponse {
	resp := wireResponse{Jobs: make([]wirePlacement, 0, len(s.Jobs))}
	for _, p := range s.Jobs {
		resp.Jobs = append(resp.Jobs, wirePlacement{ID: p.ID, Segments: p.Segments})
	}
	return resp
}

// decode joins placements back to the submitted jobs so policy and
// dependencies come from the caller, not the remote side.
func (r wireResponse) decode(jobs []Job) (Schedule, error) {
	if r.Error != "" {
		return Schedule{}, errors.New(r.Error)
	}
	byID := make(map[string]Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}
	out := Schedule{Jobs: make([]PlacedJob, 0, len(r.Jobs))}
	for _, p := range r.Jobs {
		job, ok := byID[p.ID]
		if !ok {
			return Schedule{}, fmt.Errorf("optimizer returned unknown job %q", p.ID)
		}
		if len(p.Segments) == 0 {
			return Schedule{}, fmt.Errorf("optimizer returned no segments for %q", p.ID)
		}
		out.Jobs = append(out.Jobs, PlacedJob{Job: job, Segments: p.Segments})
	}
	return out, nil
}
