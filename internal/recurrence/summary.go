/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package recurrence

import (
	"fmt"
	"strings"
	"time"
)

// Describe renders a short human description of r, e.g. "every 2 weeks on
// Mon 08:00, Wed 14:00".
func Describe(r Rule) string {
	return Visit[string](r, describer{})
}

type describer struct{}

func (describer) Single(s Single) string {
	start := s.Anchor().Schedulable().Start()
	return "once at " + start.Format("2006-01-02 15:04 MST")
}

func (describer) Weekly(w Weekly) string {
	slots := make([]string, 0, len(w.blobs))
	for _, b := range w.blobs {
		slots = append(slots, b.Schedulable().Start().Format("Mon 15:04"))
	}
	every := "every week"
	if w.interval > 1 {
		every = fmt.Sprintf("every %d weeks", w.interval)
	}
	return every + " on " + strings.Join(slots, ", ")
}

func (describer) Delta(d Delta) string {
	start := d.start.Schedulable().Start().Format("2006-01-02 15:04 MST")
	if d.civil() {
		days := int(d.period / day)
		if days == 1 {
			return "every day from " + start
		}
		return fmt.Sprintf("every %d days from %s", days, start)
	}
	return fmt.Sprintf("every %s from %s", d.period.Round(time.Second), start)
}

func (describer) Date(d Date) string {
	start := d.blob.Schedulable().Start()
	return fmt.Sprintf("every year on %s %d at %s", d.month, d.day, start.Format("15:04 MST"))
}
