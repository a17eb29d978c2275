// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backup

import (
	"fmt"
	"slices"
	"time"
)

// Diagnostics is the evidence gathered while a single attempt or check
// runs. It is a value: every stage receives the diagnostics gathered so far
// and returns an extended copy.
type Diagnostics struct {
	// Notes is the ordered trail of what happened.
	Notes []string `yaml:"notes,omitempty"`

	// States is the path the verifier took, terminal state last.
	States []State `yaml:"states,omitempty"`

	// LogExcerpt is the last relevant piece of remote log.
	LogExcerpt string `yaml:"log-excerpt,omitempty"`

	// Measured timestamps. The zero time means not observed.
	RollbackSeenAt time.Time `yaml:"rollback-seen-at,omitempty"`
	RollbackLastAt time.Time `yaml:"rollback-last-at,omitempty"`
	ReadyAt        time.Time `yaml:"ready-at,omitempty"`
	NewestRecordAt time.Time `yaml:"newest-record-at,omitempty"`

	// NewestRecord is the newest record timestamp as printed by the
	// database, kept verbatim for the report.
	NewestRecord string `yaml:"newest-record,omitempty"`

	// Reason and Kind are only set on failure.
	Reason string `yaml:"reason,omitempty"`
	Kind   string `yaml:"kind,omitempty"`

	// Trace holds a stack trace when a panic was recovered.
	Trace string `yaml:"trace,omitempty"`
}

// Notef returns a copy of d with a formatted note appended.
func (d Diagnostics) Notef(format string, args ...any) Diagnostics {
	d.Notes = append(slices.Clip(d.Notes), fmt.Sprintf(format, args...))
	return d
}

// Enter returns a copy of d recording that the verifier entered s.
func (d Diagnostics) Enter(s State) Diagnostics {
	d.States = append(slices.Clip(d.States), s)
	return d
}

// Fail returns a copy of d marked with the kind and reason of f.
func (d Diagnostics) Fail(f *Failure) Diagnostics {
	d.Reason = f.Reason
	d.Kind = string(f.Kind)
	if f.Err != nil {
		d = d.Notef("%s: %v", f.Reason, f.Err)
	} else {
		d = d.Notef("%s", f.Reason)
	}
	return d
}

// LastState returns the most recent state entered, or the empty state.
func (d Diagnostics) LastState() State {
	if len(d.States) == 0 {
		return ""
	}
	return d.States[len(d.States)-1]
}
