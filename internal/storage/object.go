/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package storage publishes exported calendars to a filesystem directory or
// an S3-compatible bucket.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/friendsincode/elastisched/internal/config"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("storage: object not found")

// ObjectStore abstracts object storage operations.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	URL(key string) string
}

// New builds the store selected by cfg.ExportBackend. It returns nil, nil
// when exports are disabled.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (ObjectStore, error) {
	switch cfg.ExportBackend {
	case config.ExportNone, "":
		return nil, nil
	case config.ExportFilesystem:
		store, err := NewFilesystemStore(cfg.ExportDir, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.ExportS3:
		store, err := NewS3Store(ctx, S3Options{
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			Endpoint:        cfg.S3Endpoint,
			Prefix:          cfg.S3Prefix,
			UsePathStyle:    cfg.S3UsePathStyle,
		}, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported export backend %q", cfg.ExportBackend)
	}
}
