/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// FilesystemStore implements ObjectStore on a local directory.
type FilesystemStore struct {
	rootDir string
	logger  zerolog.Logger
}

// NewFilesystemStore creates the root directory if needed.
func NewFilesystemStore(rootDir string, logger zerolog.Logger) (*FilesystemStore, error) {
	if rootDir == "" {
		return nil, fmt.Errorf("filesystem store requires a root directory")
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create export directory: %w", err)
	}
	return &FilesystemStore{
		rootDir: rootDir,
		logger:  logger.With().Str("component", "fs_store").Logger(),
	}, nil
}

func (fs *FilesystemStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(fs.rootDir, clean), nil
}

// Put writes data atomically through a temp file in the same directory.
func (fs *FilesystemStore) Put(ctx context.Context, key string, data []byte, _ string) error {
	fullPath, err := fs.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".export-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return fmt.Errorf("rename file: %w", err)
	}

	fs.logger.Debug().Str("path", fullPath).Int("bytes", len(data)).Msg("object stored")
	return nil
}

func (fs *FilesystemStore) Get(ctx context.Context, key string) ([]byte, error) {
	fullPath, err := fs.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fullPath)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return data, nil
}

// URL returns the local filesystem path.
func (fs *FilesystemStore) URL(key string) string {
	fullPath, err := fs.path(key)
	if err != nil {
		return ""
	}
	return fullPath
}
