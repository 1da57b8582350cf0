/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package policy holds the scheduling constraints and classification labels
// attached to every schedulable unit.
package policy

import (
	"strings"
	"time"
)

// Flags is the policy bitfield shared with the optimizer wire format.
type Flags uint8

const (
	Splittable Flags = 1 << iota
	Overlappable
	Invisible
	RoundToGranularity
)

// DefaultMinSplitDuration is applied when a splittable policy leaves it unset.
const DefaultMinSplitDuration = 15 * time.Minute

// Policy describes how a unit may be placed. The zero value is a rigid,
// non-overlappable, visible policy.
type Policy struct {
	flags            Flags
	maxSplits        uint
	minSplitDuration time.Duration
}

// New builds a policy from flags and split limits.
func New(flags Flags, maxSplits uint, minSplitDuration time.Duration) Policy {
	if minSplitDuration <= 0 && flags&Splittable != 0 {
		minSplitDuration = DefaultMinSplitDuration
	}
	return Policy{flags: flags, maxSplits: maxSplits, minSplitDuration: minSplitDuration}
}

// FromBits decodes the low four bits of a wire bitfield.
func FromBits(bits uint8, maxSplits uint, minSplitDuration time.Duration) Policy {
	return New(Flags(bits)&(Splittable|Overlappable|Invisible|RoundToGranularity), maxSplits, minSplitDuration)
}

func (p Policy) Flags() Flags                    { return p.flags }
func (p Policy) Bits() uint8                     { return uint8(p.flags) }
func (p Policy) MaxSplits() uint                 { return p.maxSplits }
func (p Policy) MinSplitDuration() time.Duration { return p.minSplitDuration }
func (p Policy) IsSplittable() bool              { return p.flags&Splittable != 0 }
func (p Policy) IsOverlappable() bool            { return p.flags&Overlappable != 0 }
func (p Policy) IsInvisible() bool               { return p.flags&Invisible != 0 }
func (p Policy) ShouldRoundToGranularity() bool  { return p.flags&RoundToGranularity != 0 }

func (p Policy) String() string {
	var parts []string
	if p.IsSplittable() {
		parts = append(parts, "splittable")
	}
	if p.IsOverlappable() {
		parts = append(parts, "overlappable")
	}
	if p.IsInvisible() {
		parts = append(parts, "invisible")
	}
	if p.ShouldRoundToGranularity() {
		parts = append(parts, "round")
	}
	if len(parts) == 0 {
		return "rigid"
	}
	return strings.Join(parts, "|")
}
