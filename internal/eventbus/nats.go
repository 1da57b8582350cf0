/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/friendsincode/elastisched/internal/events"
	"github.com/friendsincode/elastisched/internal/telemetry"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "elastisched.events.",
		MaxReconnects: -1, // Unlimited
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// NATSBus implements a NATS-backed event bus.
type NATSBus struct {
	conn     *nats.Conn
	logger   zerolog.Logger
	fallback *events.Bus
	nodeID   string
	prefix   string

	mu     sync.RWMutex
	subs   map[events.EventType][]events.Subscriber
	remote map[events.EventType]*nats.Subscription
}

// NewNATSBus connects to NATS. Unlike the Redis bus it fails fast: a
// configured but unreachable broker is a startup error.
func NewNATSBus(cfg NATSConfig, nodeID string, logger zerolog.Logger) (*NATSBus, error) {
	logger = logger.With().Str("component", "nats_eventbus").Logger()
	conn, err := nats.Connect(cfg.URL,
		nats.Name("elastisched-events-"+nodeID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats event bus: %w", err)
	}
	logger.Info().Str("url", cfg.URL).Msg("NATS event bus initialized")
	return newNATSBus(conn, cfg.SubjectPrefix, nodeID, logger), nil
}

func newNATSBus(conn *nats.Conn, prefix, nodeID string, logger zerolog.Logger) *NATSBus {
	return &NATSBus{
		conn:     conn,
		logger:   logger,
		fallback: events.NewBus(),
		nodeID:   nodeID,
		prefix:   prefix,
		subs:     make(map[events.EventType][]events.Subscriber),
		remote:   make(map[events.EventType]*nats.Subscription),
	}
}

func (nb *NATSBus) subject(eventType events.EventType) string {
	return nb.prefix + string(eventType)
}

// Subscribe registers a subscriber for local and remote events of eventType.
func (nb *NATSBus) Subscribe(eventType events.EventType) events.Subscriber {
	sub := nb.fallback.Subscribe(eventType)

	nb.mu.Lock()
	defer nb.mu.Unlock()
	nb.subs[eventType] = append(nb.subs[eventType], sub)

	if _, exists := nb.remote[eventType]; exists {
		return sub
	}
	remote, err := nb.conn.Subscribe(nb.subject(eventType), func(msg *nats.Msg) {
		nb.receive(eventType, msg)
	})
	if err != nil {
		nb.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("nats subscribe failed, local delivery only")
		return sub
	}
	nb.remote[eventType] = remote
	return sub
}

func (nb *NATSBus) receive(eventType events.EventType, msg *nats.Msg) {
	remote, err := unmarshalMessage(msg.Data)
	if err != nil {
		nb.logger.Error().Err(err).Msg("failed to unmarshal NATS message")
		return
	}
	if remote.NodeID == nb.nodeID {
		return
	}

	nb.mu.RLock()
	subs := append([]events.Subscriber(nil), nb.subs[eventType]...)
	nb.mu.RUnlock()
	if dropped := deliver(subs, remote.Payload); dropped > 0 {
		nb.logger.Warn().Str("event_type", string(eventType)).Int("dropped", dropped).Msg("subscriber channel full, dropping event")
	}
}

// Publish delivers locally and on the event subject.
func (nb *NATSBus) Publish(eventType events.EventType, payload events.Payload) {
	nb.fallback.Publish(eventType, payload)

	data, err := marshalMessage(eventType, payload, nb.nodeID)
	if err != nil {
		nb.logger.Error().Err(err).Msg("failed to marshal NATS message")
		return
	}
	if err := nb.conn.Publish(nb.subject(eventType), data); err != nil {
		nb.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to publish to NATS")
		return
	}
	telemetry.EventsPublishedTotal.WithLabelValues(string(eventType), "nats").Inc()
}

// Unsubscribe removes a subscriber and drops the NATS subscription once the
// last local subscriber for eventType is gone.
func (nb *NATSBus) Unsubscribe(eventType events.EventType, sub events.Subscriber) {
	nb.mu.Lock()
	defer nb.mu.Unlock()

	subs := nb.subs[eventType]
	for i, s := range subs {
		if s == sub {
			nb.subs[eventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	nb.fallback.Unsubscribe(eventType, sub)

	if len(nb.subs[eventType]) == 0 {
		if remote, ok := nb.remote[eventType]; ok {
			_ = remote.Unsubscribe()
			delete(nb.remote, eventType)
		}
	}
}

// Close drains the NATS connection.
func (nb *NATSBus) Close() error {
	if nb.conn == nil {
		return nil
	}
	return nb.conn.Drain()
}
