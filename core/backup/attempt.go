// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backup

import (
	"time"
)

// Attempt is one full cycle of provisioning, verification and cleanup.
// Attempts are created closed and never modified afterwards.
type Attempt struct {
	Index     int           `yaml:"index"`
	StartTime time.Time     `yaml:"start-time"`
	Duration  time.Duration `yaml:"duration"`

	// Verified is true when the attempt reached the Verified state and
	// the clone was promoted.
	Verified bool `yaml:"verified"`

	// Reason is empty for verified attempts.
	Reason string `yaml:"reason,omitempty"`

	// SnapshotID is the durable snapshot created by a verified attempt.
	SnapshotID string `yaml:"snapshot-id,omitempty"`

	Diagnostics Diagnostics `yaml:"diagnostics"`
}

// Subsystem names the flows reported on.
type Subsystem string

const (
	SubsystemDB   Subsystem = "db"
	SubsystemLogs Subsystem = "logs"
)

// Outcome is the result of one subsystem's flow in a run.
type Outcome struct {
	Subsystem Subsystem `yaml:"subsystem"`
	Success   bool      `yaml:"success"`

	// Skipped marks a flow that was disabled for the run.
	Skipped bool `yaml:"skipped,omitempty"`

	StartTime time.Time     `yaml:"start-time"`
	Duration  time.Duration `yaml:"duration"`

	// VolumeID is the live volume the flow backed up.
	VolumeID string `yaml:"volume-id,omitempty"`

	// SnapshotID is the durable snapshot produced on success.
	SnapshotID string `yaml:"snapshot-id,omitempty"`

	// Latest is the freshness evidence: the newest record or log line.
	Latest time.Time `yaml:"latest,omitempty"`

	// Attempts is empty for single pass flows.
	Attempts []Attempt `yaml:"attempts,omitempty"`

	// Diagnostics are those of the last attempt, or of the single pass.
	Diagnostics Diagnostics `yaml:"diagnostics"`

	// ErrorLog is a tail of the database error log taken after the last
	// attempt, when available.
	ErrorLog string `yaml:"error-log,omitempty"`
}

// OK reports whether the flow succeeded or was skipped.
func (o Outcome) OK() bool {
	return o.Success || o.Skipped
}

// LastAttempt returns the final attempt of the outcome, if any.
func (o Outcome) LastAttempt() (Attempt, bool) {
	if len(o.Attempts) == 0 {
		return Attempt{}, false
	}
	return o.Attempts[len(o.Attempts)-1], true
}

// Report is everything a run produced, handed to the reporting sinks.
type Report struct {
	RunID     string    `yaml:"run-id"`
	StartTime time.Time `yaml:"start-time"`
	DB        Outcome   `yaml:"db"`
	Logs      Outcome   `yaml:"logs"`
}

// Success reports whether every subsystem succeeded or was skipped.
func (r Report) Success() bool {
	return r.DB.OK() && r.Logs.OK()
}
