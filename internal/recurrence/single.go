/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package recurrence

import (
	"time"

	"github.com/friendsincode/elastisched/internal/blob"
	"github.com/friendsincode/elastisched/internal/timerange"
	"github.com/samber/mo"
)

// Single is a one-off occurrence.
type Single struct {
	blob blob.Blob
	opts options
}

// NewSingle wraps b as a rule with exactly one occurrence.
func NewSingle(b blob.Blob, opts ...Option) Single {
	return Single{blob: b, opts: buildOptions(opts)}
}

func (Single) Kind() Kind          { return KindSingle }
func (s Single) Anchor() blob.Blob { return s.blob }
func (Single) sealed()             {}

func (s Single) NextOccurrence(after time.Time) mo.Option[blob.Blob] {
	if after.Before(s.blob.Schedulable().Start()) {
		return mo.Some(s.blob)
	}
	return mo.None[blob.Blob]()
}

func (s Single) AllOccurrences(window timerange.TimeRange) []blob.Blob {
	return walk(KindSingle, s.opts, s.NextOccurrence, window)
}
