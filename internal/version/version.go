/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version carries the build version and an optional release check.
package version

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Version is overridden at build time:
//
//	-X github.com/friendsincode/elastisched/internal/version.Version=X.Y.Z
var Version = "0.4.0"

// GitHubRepo is the repository whose latest release is compared against Version.
const GitHubRepo = "friendsincode/elastisched"

const defaultInterval = 6 * time.Hour

// UpdateInfo is the outcome of the most recent successful release check.
type UpdateInfo struct {
	CurrentVersion  string
	LatestVersion   string
	UpdateAvailable bool
	ReleaseURL      string
	ReleaseNotes    string
	CheckedAt       time.Time
}

type release struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
	Body    string `json:"body"`
	Draft   bool   `json:"draft"`
}

// Option customises a Checker.
type Option func(*Checker)

// WithReleaseURL points the checker at a different releases endpoint.
func WithReleaseURL(url string) Option {
	return func(c *Checker) { c.releaseURL = url }
}

// Checker polls the release feed. The zero UpdateInfo is reported until a
// check succeeds; failed checks keep the previous result.
type Checker struct {
	logger     zerolog.Logger
	client     *http.Client
	releaseURL string
	interval   time.Duration

	mu       sync.RWMutex
	info     UpdateInfo
	failures int
}

func NewChecker(logger zerolog.Logger, opts ...Option) *Checker {
	c := &Checker{
		logger:     logger.With().Str("component", "update-check").Logger(),
		client:     &http.Client{Timeout: 10 * time.Second},
		releaseURL: fmt.Sprintf("https://api.github.com/repos/%s/releases/latest", GitHubRepo),
		interval:   defaultInterval,
		info:       UpdateInfo{CurrentVersion: Version},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run checks once immediately and then on every interval until ctx ends.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if _, err := c.CheckNow(ctx); err != nil {
			c.logFailure(err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CheckNow fetches the latest release and records it.
func (c *Checker) CheckNow(ctx context.Context) (UpdateInfo, error) {
	rel, err := c.fetch(ctx)
	if err != nil {
		return c.Info(), err
	}

	latest := strings.TrimPrefix(rel.TagName, "v")
	info := UpdateInfo{
		CurrentVersion:  Version,
		LatestVersion:   latest,
		UpdateAvailable: compareVersions(Version, latest) < 0,
		ReleaseURL:      rel.HTMLURL,
		ReleaseNotes:    truncateNotes(rel.Body, 200),
		CheckedAt:       time.Now().UTC(),
	}

	c.mu.Lock()
	c.info = info
	c.failures = 0
	c.mu.Unlock()

	if info.UpdateAvailable {
		c.logger.Info().
			Str("current", Version).
			Str("latest", latest).
			Str("url", rel.HTMLURL).
			Msg("newer release available")
	}
	return info, nil
}

// Info returns the last recorded result.
func (c *Checker) Info() UpdateInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

func (c *Checker) fetch(ctx context.Context) (release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.releaseURL, nil)
	if err != nil {
		return release{}, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "Elastisched/"+Version)

	resp, err := c.client.Do(req)
	if err != nil {
		return release{}, fmt.Errorf("fetch release: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return release{}, fmt.Errorf("fetch release: unexpected status %d", resp.StatusCode)
	}

	var rel release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return release{}, fmt.Errorf("decode release: %w", err)
	}
	if rel.Draft || rel.TagName == "" {
		return release{}, errors.New("latest release has no published tag")
	}
	return rel, nil
}

// logFailure warns on the first failure in a row and stays quiet after that.
func (c *Checker) logFailure(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	c.mu.Lock()
	c.failures++
	first := c.failures == 1
	c.mu.Unlock()

	if first {
		c.logger.Warn().Err(err).Msg("release check failed")
		return
	}
	c.logger.Debug().Err(err).Msg("release check failed")
}

// compareVersions orders two dotted versions. A pre-release suffix sorts
// before the plain release of the same number.
func compareVersions(a, b string) int {
	an, apre := parseVersion(a)
	bn, bpre := parseVersion(b)
	for i := range an {
		if an[i] != bn[i] {
			if an[i] < bn[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case apre == bpre:
		return 0
	case apre == "":
		return 1
	case bpre == "":
		return -1
	case apre < bpre:
		return -1
	default:
		return 1
	}
}

func parseVersion(v string) ([3]int, string) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	var pre string
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		if v[i] == '-' {
			pre = v[i+1:]
			if j := strings.IndexByte(pre, '+'); j >= 0 {
				pre = pre[:j]
			}
		}
		v = v[:i]
	}

	var out [3]int
	for i, part := range strings.SplitN(v, ".", 3) {
		n, err := strconv.Atoi(part)
		if err != nil {
			break
		}
		out[i] = n
	}
	return out, pre
}

// truncateNotes keeps the first line of the release notes, capped at maxLen.
func truncateNotes(s string, maxLen int) string {
	s, _, _ = strings.Cut(s, "\n")
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen-3] + "..."
	}
	return s
}
