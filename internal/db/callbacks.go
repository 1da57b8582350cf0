/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/friendsincode/elastisched/internal/telemetry"
	"gorm.io/gorm"
)

const startTimeKey = "telemetry:start_time"

// RegisterCallbacks times every query, create, update and delete and counts
// failures by table.
func RegisterCallbacks(database *gorm.DB) error {
	cb := database.Callback()
	for _, operation := range []string{"query", "create", "update", "delete"} {
		gormName := "gorm:" + operation
		before := "telemetry:before_" + operation
		after := "telemetry:after_" + operation

		var err error
		switch operation {
		case "query":
			if err = cb.Query().Before(gormName).Register(before, markStart); err == nil {
				err = cb.Query().After(gormName).Register(after, observe(operation))
			}
		case "create":
			if err = cb.Create().Before(gormName).Register(before, markStart); err == nil {
				err = cb.Create().After(gormName).Register(after, observe(operation))
			}
		case "update":
			if err = cb.Update().Before(gormName).Register(before, markStart); err == nil {
				err = cb.Update().After(gormName).Register(after, observe(operation))
			}
		case "delete":
			if err = cb.Delete().Before(gormName).Register(before, markStart); err == nil {
				err = cb.Delete().After(gormName).Register(after, observe(operation))
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func markStart(tx *gorm.DB) {
	tx.InstanceSet(startTimeKey, time.Now())
}

func observe(operation string) func(*gorm.DB) {
	return func(tx *gorm.DB) {
		value, ok := tx.InstanceGet(startTimeKey)
		if !ok {
			return
		}
		started, ok := value.(time.Time)
		if !ok {
			return
		}

		table := tx.Statement.Table
		if table == "" {
			table = "unknown"
		}
		telemetry.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(time.Since(started).Seconds())

		if tx.Error != nil && !errors.Is(tx.Error, gorm.ErrRecordNotFound) {
			telemetry.DatabaseErrorsTotal.WithLabelValues(operation, errorKind(tx.Error)).Inc()
		}
	}
}

func errorKind(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "cancelled"
	case strings.Contains(msg, "constraint"), strings.Contains(msg, "duplicate"):
		return "constraint"
	case strings.Contains(msg, "locked"), strings.Contains(msg, "deadlock"):
		return "contention"
	default:
		return "query_error"
	}
}

// UpdateConnectionMetrics publishes the pool's open connection count.
func UpdateConnectionMetrics(database *gorm.DB) {
	sqlDB, err := database.DB()
	if err != nil {
		return
	}
	telemetry.DatabaseConnectionsActive.Set(float64(sqlDB.Stats().OpenConnections))
}

// WatchConnections refreshes connection metrics until ctx ends.
func WatchConnections(ctx context.Context, database *gorm.DB, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	UpdateConnectionMetrics(database)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			UpdateConnectionMetrics(database)
		}
	}
}
