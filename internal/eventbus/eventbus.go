/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"fmt"

	"github.com/friendsincode/elastisched/internal/config"
	"github.com/friendsincode/elastisched/internal/events"
	"github.com/rs/zerolog"
)

// New builds the broker selected by cfg.EventBus.
func New(cfg *config.Config, logger zerolog.Logger) (events.Broker, error) {
	nodeID := cfg.InstanceID
	if nodeID == "" {
		nodeID = NodeID()
	}

	switch cfg.EventBus {
	case config.EventBusMemory, "":
		return events.NewBus(), nil
	case config.EventBusRedis:
		rc := DefaultRedisConfig()
		rc.Addr = cfg.RedisAddr
		rc.Password = cfg.RedisPassword
		rc.DB = cfg.RedisDB
		return NewRedisBus(rc, nodeID, logger), nil
	case config.EventBusNATS:
		nc := DefaultNATSConfig()
		nc.URL = cfg.NATSURL
		return NewNATSBus(nc, nodeID, logger)
	default:
		return nil, fmt.Errorf("unsupported event bus %q", cfg.EventBus)
	}
}
