// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package verifier

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/kballard/go-shellquote"

	"github.com/juju/backupverifier/core/backup"
	"github.com/juju/backupverifier/internal/network/ssh"
	"github.com/juju/backupverifier/internal/wait"
)

// RecordLayout is how the database prints the newest record's timestamp.
const RecordLayout = "2006-01-02 15:04:05"

// attempt is the state of a single verification.
type attempt struct {
	cfg   Config
	exec  ssh.Executor
	start time.Time
	diag  backup.Diagnostics
}

// run executes command, treating a non-zero exit as an error. The label
// stands in for the command in errors so that secrets stay out of reports.
func (a *attempt) run(ctx context.Context, label, command string) (ssh.Result, error) {
	result, err := a.exec.Run(ctx, command)
	if err != nil {
		return result, errors.Annotatef(err, "running %s", label)
	}
	if !result.Success() {
		return result, errors.Errorf("%s exited %d: %s", label, result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return result, nil
}

// after reports whether a log timestamp belongs to this attempt. Log
// timestamps have second resolution.
func (a *attempt) after(t time.Time) bool {
	return !t.Before(a.start.Truncate(time.Second))
}

func (a *attempt) starting(ctx context.Context) (backup.State, *backup.Failure) {
	mount := shellquote.Join("mount", a.cfg.MountDevice, a.cfg.MountDir)
	if _, err := a.run(ctx, strconv.Quote(mount), mount); err != nil {
		return backup.Failed, backup.NewFailure(backup.ServiceStartError, backup.ReasonServiceStart, err)
	}
	if _, err := a.run(ctx, strconv.Quote(a.cfg.StartCommand), a.cfg.StartCommand); err != nil {
		return backup.Failed, backup.NewFailure(backup.ServiceStartError, backup.ReasonServiceStart, err)
	}
	a.diag = a.diag.Notef("mounted %s and started database service", a.cfg.MountDevice)
	return backup.CheckingRollback, nil
}

func (a *attempt) checkingRollback(ctx context.Context) (backup.State, *backup.Failure) {
	err := wait.For(ctx, a.cfg.Clock, a.cfg.RollbackDetect, "rollback marker", func(ctx context.Context) (bool, error) {
		t, line, ok := a.latestMarker(ctx, a.cfg.RollbackMarker)
		if !ok || !a.after(t) {
			return false, nil
		}
		a.diag.RollbackSeenAt = t
		a.diag.RollbackLastAt = t
		a.diag = a.diag.Notef("rollback marker: %s", line)
		return true, nil
	})
	switch {
	case err == nil:
		return backup.RollingBack, nil
	case errors.Is(err, errors.Timeout):
		a.diag = a.diag.Notef("no rollback observed within %v", a.cfg.RollbackDetect.Budget())
		return backup.AwaitingReady, nil
	}
	return backup.Failed, backup.NewFailure(backup.UnexpectedError, backup.ReasonUnexpected, err)
}

func (a *attempt) rollingBack(ctx context.Context) (backup.State, *backup.Failure) {
	err := wait.For(ctx, a.cfg.Clock, a.cfg.Rollback, "rollback to finish", func(ctx context.Context) (bool, error) {
		if a.cfg.RollbackDoneMarker != "" {
			if t, line, ok := a.latestMarker(ctx, a.cfg.RollbackDoneMarker); ok && a.after(t) {
				a.diag = a.diag.Notef("rollback completed: %s", line)
				return true, nil
			}
		}
		if t, _, ok := a.latestMarker(ctx, a.cfg.RollbackMarker); ok && t.After(a.diag.RollbackLastAt) {
			a.diag.RollbackLastAt = t
		}
		if quiet := a.cfg.Clock.Now().Sub(a.diag.RollbackLastAt); quiet > a.cfg.QuietWindow {
			a.diag = a.diag.Notef("no rollback activity for %v, last at %s", quiet, formatTime(a.diag.RollbackLastAt))
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return backup.Failed, backup.NewFailure(backup.IntegrityError, backup.ReasonRollback, err)
	}
	return backup.AwaitingReady, nil
}

func (a *attempt) awaitingReady(ctx context.Context) (backup.State, *backup.Failure) {
	err := wait.For(ctx, a.cfg.Clock, a.cfg.Ready, "ready marker", func(ctx context.Context) (bool, error) {
		t, line, ok := a.latestMarker(ctx, a.cfg.ReadyMarker)
		if !ok || !a.after(t) {
			return false, nil
		}
		a.diag.ReadyAt = t
		a.diag = a.diag.Notef("ready marker: %s", line)
		return true, nil
	})
	if err != nil {
		return backup.Failed, backup.NewFailure(backup.IntegrityError, backup.ReasonNotReady, err)
	}
	return backup.ValidatingFreshness, nil
}

func (a *attempt) validatingFreshness(ctx context.Context) (backup.State, *backup.Failure) {
	query := shellquote.Join("mysql", "-u", a.cfg.DBUser, "-sse", a.cfg.FreshnessQuery, a.cfg.Database)
	if a.cfg.DBPassword != "" {
		// The client reads the password from its environment so that it
		// stays off the remote process list.
		query = "MYSQL_PWD=" + shellquote.Join(a.cfg.DBPassword) + " " + query
	}
	result, err := a.run(ctx, "freshness query", query)
	if err != nil {
		return backup.Failed, backup.NewFailure(backup.IntegrityError, backup.ReasonFreshness, err)
	}
	value := lastLine(result.Stdout)
	newest, err := time.ParseInLocation(RecordLayout, value, a.cfg.Location)
	if err != nil {
		return backup.Failed, backup.NewFailure(backup.IntegrityError, backup.ReasonFreshness,
			errors.Annotatef(err, "parsing newest record %q", value))
	}
	a.diag.NewestRecord = value
	a.diag.NewestRecordAt = newest

	gap := a.start.Sub(newest)
	a.diag = a.diag.Notef("newest record %s, %v before attempt start", value, gap)
	if gap < a.cfg.FreshnessBudget {
		return backup.Verified, nil
	}
	return backup.Failed, backup.NewFailure(backup.IntegrityError, backup.ReasonStaleData,
		errors.Errorf("newest record %s is %v older than the attempt, budget %v", value, gap, a.cfg.FreshnessBudget))
}

// latestMarker returns the newest error log line containing marker. A
// node that cannot be reached, a missing log and an unparseable line all
// count as not found: the caller's wait budget bounds how long that lasts.
func (a *attempt) latestMarker(ctx context.Context, marker string) (time.Time, string, bool) {
	command := shellquote.Join("grep", "-F", "--", marker, a.cfg.ErrorLog) + " | tail -n 1"
	result, err := a.exec.Run(ctx, command)
	if err != nil {
		logger.Warningf("cannot search error log: %v", err)
		return time.Time{}, "", false
	}
	line := lastLine(result.Stdout)
	if line == "" {
		return time.Time{}, "", false
	}
	t, ok := ParseLogTime(line, a.cfg.Location)
	if !ok {
		logger.Warningf("no timestamp in error log line %q", line)
		return time.Time{}, "", false
	}
	return t, line, true
}

// excerpt returns the tail of the error log, or nothing if it cannot be
// read.
func (a *attempt) excerpt(ctx context.Context) string {
	if a.cfg.ExcerptLines == 0 {
		return ""
	}
	command := shellquote.Join("tail", "-n", strconv.Itoa(a.cfg.ExcerptLines), a.cfg.ErrorLog)
	result, err := a.exec.Run(ctx, command)
	if err != nil || !result.Success() {
		logger.Debugf("cannot read error log excerpt: %v", err)
		return ""
	}
	return result.Stdout
}

// Timestamp layouts of MySQL error log lines: 5.x servers prefix lines
// with a short local time, 8.x with an RFC 3339 UTC time.
const (
	legacyLogLayout = "060102 15:04:05"
)

// ParseLogTime extracts the timestamp an error log line starts with.
func ParseLogTime(line string, loc *time.Location) (time.Time, bool) {
	if len(line) >= len(legacyLogLayout) {
		if t, err := time.ParseInLocation(legacyLogLayout, line[:len(legacyLogLayout)], loc); err == nil {
			return t, true
		}
	}
	field, _, _ := strings.Cut(strings.TrimSpace(line), " ")
	if t, err := time.Parse(time.RFC3339Nano, field); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func lastLine(output string) string {
	output = strings.TrimRight(output, "\r\n")
	if i := strings.LastIndexByte(output, '\n'); i >= 0 {
		output = output[i+1:]
	}
	return strings.TrimSpace(output)
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339)
}
