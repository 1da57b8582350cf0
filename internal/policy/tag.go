/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package policy

import (
	"sort"
	"strings"
)

// Tag labels a unit for filtering and cost evaluation. Tags with the same
// name in different groups are distinct.
type Tag struct {
	Name  string `json:"name"`
	Group string `json:"group,omitempty"`
}

// ParseTag reads "name" or "group:name".
func ParseTag(raw string) (Tag, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Tag{}, false
	}
	if group, name, ok := strings.Cut(raw, ":"); ok {
		group, name = strings.TrimSpace(group), strings.TrimSpace(name)
		if name == "" {
			return Tag{}, false
		}
		return Tag{Name: name, Group: group}, true
	}
	return Tag{Name: raw}, true
}

func (t Tag) String() string {
	if t.Group != "" {
		return t.Group + ":" + t.Name
	}
	return t.Name
}

// TagSet is an owned set of tags.
type TagSet map[Tag]struct{}

// NewTagSet builds a set, dropping unnamed tags.
func NewTagSet(tags ...Tag) TagSet {
	set := make(TagSet, len(tags))
	for _, t := range tags {
		if t.Name == "" {
			continue
		}
		set[t] = struct{}{}
	}
	return set
}

func (s TagSet) Has(t Tag) bool {
	_, ok := s[t]
	return ok
}

// Clone returns an independent copy.
func (s TagSet) Clone() TagSet {
	out := make(TagSet, len(s))
	for t := range s {
		out[t] = struct{}{}
	}
	return out
}

// Sorted returns the tags ordered by group then name.
func (s TagSet) Sorted() []Tag {
	out := make([]Tag, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Name < out[j].Name
	})
	return out
}
