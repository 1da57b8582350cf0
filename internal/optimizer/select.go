/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package optimizer

import (
	"github.com/friendsincode/elastisched/internal/config"
	"github.com/rs/zerolog"
)

// Names reported in run results and metrics.
const (
	NameGreedy = "greedy"
	NameNATS   = "nats"
)

// FromConfig picks the remote optimizer when a NATS URL is configured and the
// built-in placer otherwise. The returned close func is never nil.
func FromConfig(cfg *config.Config, logger zerolog.Logger) (Optimizer, string, func() error, error) {
	if cfg.NATSURL == "" {
		return NewGreedy(logger), NameGreedy, func() error { return nil }, nil
	}

	nc := DefaultNATSConfig()
	nc.URL = cfg.NATSURL
	if cfg.OptimizerSubject != "" {
		nc.Subject = cfg.OptimizerSubject
	}
	client, err := DialNATS(nc, logger)
	if err != nil {
		return nil, "", nil, err
	}
	return client, NameNATS, client.Close, nil
}
