// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package report renders the outcome of a run and publishes it.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/juju/backupverifier/core/backup"
)

// TimeLayout formats times in rendered reports.
const TimeLayout = "2006-01-02 15:04:05 MST"

// Status renders success as SUCCESS or FAILED.
func Status(success bool) string {
	if success {
		return "SUCCESS"
	}
	return "FAILED"
}

func outcomeStatus(o backup.Outcome) string {
	if o.Skipped {
		return "SKIPPED"
	}
	return Status(o.Success)
}

// Subject returns a one-line summary of the report.
func Subject(r backup.Report) string {
	return fmt.Sprintf("Daily backup %s: db %s, logs %s",
		r.StartTime.Format("2006-01-02"), outcomeStatus(r.DB), outcomeStatus(r.Logs))
}

// Render returns the plain text summary of a run: the status of each
// subsystem, the details of successful ones and the failure report of
// failed ones.
func Render(r backup.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Daily backup summary - Started at %s\n", r.StartTime.Format(TimeLayout))
	if r.RunID != "" {
		fmt.Fprintf(&b, "Run %s\n", r.RunID)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "DB Slave: %s\n", outcomeStatus(r.DB))
	fmt.Fprintf(&b, "Logs: %s\n", outcomeStatus(r.Logs))

	if r.DB.Success {
		section(&b, "DB Slave Details")
		field(&b, "Live DB Volume ID", r.DB.VolumeID)
		field(&b, "Backup snapshot id", r.DB.SnapshotID)
		field(&b, "Duration", duration(r.DB.Duration))
		field(&b, "Newest user signup time", formatTime(r.DB.Latest))
		field(&b, "Attempts", attempts(r.DB))
	}
	if r.Logs.Success {
		section(&b, "Logs Details")
		field(&b, "Logs Volume ID", r.Logs.VolumeID)
		field(&b, "Backup snapshot id", r.Logs.SnapshotID)
		field(&b, "Duration", duration(r.Logs.Duration))
		field(&b, "Latest log time", formatTime(r.Logs.Latest))
	}
	if !r.DB.OK() {
		section(&b, "DB Slave failure report")
		failure(&b, r.DB)
	}
	if !r.Logs.OK() {
		section(&b, "Logs failure report")
		failure(&b, r.Logs)
	}
	return b.String()
}

func section(b *strings.Builder, title string) {
	fmt.Fprintf(b, "\n%s\n%s\n", title, strings.Repeat("-", len(title)))
}

func field(b *strings.Builder, name, value string) {
	fmt.Fprintf(b, "%-26s%s\n", name+":", value)
}

func failure(b *strings.Builder, o backup.Outcome) {
	d := o.Diagnostics
	if d.Reason != "" {
		field(b, "Reason", fmt.Sprintf("%s (%s)", d.Reason, d.Kind))
	}
	if len(o.Attempts) > 0 {
		field(b, "Attempts", attempts(o))
	}
	if len(d.States) > 0 {
		states := make([]string, len(d.States))
		for i, s := range d.States {
			states[i] = string(s)
		}
		field(b, "States", strings.Join(states, " -> "))
	}
	if len(d.Notes) > 0 {
		b.WriteString("Notes:\n")
		for _, note := range d.Notes {
			fmt.Fprintf(b, "  %s\n", note)
		}
	}
	block(b, "Traceback", d.Trace)
	block(b, "Log excerpt", d.LogExcerpt)
	if o.ErrorLog != d.LogExcerpt {
		block(b, "Error log", o.ErrorLog)
	}
}

func block(b *strings.Builder, title, text string) {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return
	}
	fmt.Fprintf(b, "%s:\n%s\n", title, text)
}

// attempts renders how many attempts ran and which one verified.
func attempts(o backup.Outcome) string {
	last, ok := o.LastAttempt()
	if !ok {
		return "none"
	}
	if last.Verified {
		return fmt.Sprintf("%d, %s verified", len(o.Attempts), humanize.Ordinal(last.Index+1))
	}
	return fmt.Sprintf("%d, none verified", len(o.Attempts))
}

// duration renders d in words followed by its exact value, such as
// "12 minutes (12m30s)".
func duration(d time.Duration) string {
	if d < time.Second {
		return d.String()
	}
	var epoch time.Time
	words := strings.TrimSpace(humanize.RelTime(epoch, epoch.Add(d), "", ""))
	return fmt.Sprintf("%s (%v)", words, d.Round(time.Second))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Format(TimeLayout)
}
