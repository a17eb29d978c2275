// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package logbackup checks that the web access logs are still being
// written and, if they are, snapshots the volume holding them.
//
// The check is a single pass with no retries: stale logs point at a broken
// ingestion pipeline upstream, which waiting will not fix.
package logbackup

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/kballard/go-shellquote"

	"github.com/juju/backupverifier/core/backup"
	"github.com/juju/backupverifier/internal/network/ssh"
)

var logger = loggo.GetLogger("backupverifier.logbackup")

// Defaults for an nginx access log.
const (
	DefaultLogPath           = "/home/volume/log/nginx-access*.log"
	DefaultTailLines         = 2
	DefaultTimeLayout        = "02/Jan/2006:15:04:05"
	DefaultMaxDelay          = 300 * time.Second
	DefaultDescriptionPrefix = "Backupbot - logs: "
)

// DefaultTimePattern matches the bracketed time of a common log format
// line, such as [26/Aug/2011:14:30:15 +0000]. The first group is the time,
// the optional second group its UTC offset.
var DefaultTimePattern = regexp.MustCompile(`\[(\d+/[A-Za-z]+/\d+.*?:\d+:\d+:\d+)(?: ([+-]\d{4}))?.*?\]`)

// Snapshots creates the snapshot of the log volume.
type Snapshots interface {
	CreateSnapshot(ctx context.Context, volumeID, description string, tags map[string]string) (backup.Snapshot, error)
	WaitSnapshotCompleted(ctx context.Context, snap backup.Snapshot) error
}

// ConnectFunc returns an executor for commands on the logs host.
type ConnectFunc func(ctx context.Context) (ssh.Executor, error)

// Observer is told about the check once it has ended.
type Observer interface {
	AttemptFinished(subsystem backup.Subsystem, a backup.Attempt)
}

// Config holds the dependencies and tunables of a Validator.
type Config struct {
	Clock     clock.Clock
	Snapshots Snapshots
	Connect   ConnectFunc

	// Observer is optional.
	Observer Observer

	// VolumeID is the volume the logs are written to.
	VolumeID string

	// LogPath is handed to the remote shell unquoted, so it may be a glob.
	LogPath   string
	TailLines int

	TimePattern *regexp.Regexp
	TimeLayout  string

	// Location is the time zone of log times without an offset.
	Location *time.Location

	// MaxDelay is how old the newest log line may be.
	MaxDelay time.Duration

	DescriptionPrefix string

	// WaitForSnapshot makes the validator wait for the snapshot to
	// complete rather than return once it has started.
	WaitForSnapshot bool
}

// DefaultConfig returns the configuration for nginx access logs.
func DefaultConfig() Config {
	return Config{
		Clock:             clock.WallClock,
		LogPath:           DefaultLogPath,
		TailLines:         DefaultTailLines,
		TimePattern:       DefaultTimePattern,
		TimeLayout:        DefaultTimeLayout,
		Location:          time.UTC,
		MaxDelay:          DefaultMaxDelay,
		DescriptionPrefix: DefaultDescriptionPrefix,
	}
}

// Validate ensures the config is usable.
func (c Config) Validate() error {
	switch {
	case c.Clock == nil:
		return errors.NotValidf("missing Clock")
	case c.Snapshots == nil:
		return errors.NotValidf("missing Snapshots")
	case c.Connect == nil:
		return errors.NotValidf("missing Connect")
	case c.VolumeID == "":
		return errors.NotValidf("empty VolumeID")
	case c.LogPath == "":
		return errors.NotValidf("empty LogPath")
	case c.TailLines < 1:
		return errors.NotValidf("TailLines %d", c.TailLines)
	case c.TimePattern == nil:
		return errors.NotValidf("missing TimePattern")
	case c.TimePattern.NumSubexp() < 1:
		return errors.NotValidf("TimePattern without a group")
	case c.TimeLayout == "":
		return errors.NotValidf("empty TimeLayout")
	case c.Location == nil:
		return errors.NotValidf("missing Location")
	case c.MaxDelay <= 0:
		return errors.NotValidf("MaxDelay %v", c.MaxDelay)
	}
	return nil
}

// Validator runs the log backup.
type Validator struct {
	cfg Config
}

// NewValidator returns a Validator for the given config.
func NewValidator(cfg Config) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Validator{cfg: cfg}, nil
}

// Run checks the logs and snapshots their volume. It never returns an
// error: every failure is described by the outcome.
func (v *Validator) Run(ctx context.Context) backup.Outcome {
	start := v.cfg.Clock.Now()
	outcome := backup.Outcome{
		Subsystem: backup.SubsystemLogs,
		StartTime: start,
		VolumeID:  v.cfg.VolumeID,
	}

	diag, snap, latest := v.run(ctx)

	outcome.Duration = v.cfg.Clock.Now().Sub(start)
	outcome.Success = snap.ID != ""
	outcome.SnapshotID = snap.ID
	outcome.Latest = latest
	outcome.Diagnostics = diag
	attempt := backup.Attempt{
		StartTime:   start,
		Duration:    outcome.Duration,
		Verified:    outcome.Success,
		Reason:      diag.Reason,
		SnapshotID:  snap.ID,
		Diagnostics: diag,
	}
	outcome.Attempts = []backup.Attempt{attempt}
	if v.cfg.Observer != nil {
		v.cfg.Observer.AttemptFinished(backup.SubsystemLogs, attempt)
	}

	if outcome.Success {
		logger.Infof("logs backup finished: snapshot %s of %s, latest log %s", snap.ID, v.cfg.VolumeID, latest)
	} else {
		logger.Errorf("logs backup failed: %s", diag.Reason)
	}
	return outcome
}

func (v *Validator) run(ctx context.Context) (diag backup.Diagnostics, snap backup.Snapshot, latest time.Time) {
	fail := func(kind errors.ConstError, reason string, err error) {
		diag = diag.Fail(backup.NewFailure(kind, reason, err))
	}

	exec, err := v.cfg.Connect(ctx)
	if err != nil {
		fail(backup.UnexpectedError, backup.ReasonLogsTailError, errors.Annotate(err, "connecting to logs host"))
		return
	}
	if closer, ok := exec.(interface{ Close() error }); ok {
		defer func() { _ = closer.Close() }()
	}

	command := shellquote.Join("tail", "-n", strconv.Itoa(v.cfg.TailLines)) + " " + v.cfg.LogPath
	result, err := exec.Run(ctx, command)
	if err != nil {
		fail(backup.UnexpectedError, backup.ReasonLogsTailError, errors.Annotatef(err, "reading %s", v.cfg.LogPath))
		return
	}
	if !result.Success() {
		fail(backup.IntegrityError, backup.ReasonLogsTailError,
			errors.Errorf("tail exited %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr)))
		return
	}
	diag.LogExcerpt = result.Stdout

	latest, ok := LatestTime(result.Stdout, v.cfg.TimePattern, v.cfg.TimeLayout, v.cfg.Location)
	if !ok {
		fail(backup.IntegrityError, backup.ReasonLogsUnparsed, errors.Errorf("no log line in %s has a time", v.cfg.LogPath))
		return
	}
	now := v.cfg.Clock.Now()
	delay := now.Sub(latest)
	diag = diag.Notef("latest log line at %s, %v ago", latest.Format(time.RFC3339), delay)
	if delay >= v.cfg.MaxDelay {
		fail(backup.IntegrityError, backup.ReasonLogsStale, errors.Errorf("latest log line is %v old, limit %v", delay, v.cfg.MaxDelay))
		return
	}

	date := now.In(v.cfg.Location).Format("2006-01-02")
	snap, err = v.cfg.Snapshots.CreateSnapshot(ctx, v.cfg.VolumeID, v.cfg.DescriptionPrefix+date, map[string]string{
		"date": date,
	})
	if err == nil && v.cfg.WaitForSnapshot {
		err = v.cfg.Snapshots.WaitSnapshotCompleted(ctx, snap)
	}
	if err != nil {
		fail(backup.KindOf(err), backup.ReasonLogsSnapshot, err)
		return diag, backup.Snapshot{}, latest
	}
	diag = diag.Notef("snapshot %s of %s: %s", snap.ID, v.cfg.VolumeID, snap.Description)
	return diag, snap, latest
}

// LatestTime returns the newest time matched by pattern in output. A
// second group in pattern, when it matches, is a numeric UTC offset;
// otherwise times are read in loc. The result is in UTC.
func LatestTime(output string, pattern *regexp.Regexp, layout string, loc *time.Location) (time.Time, bool) {
	var (
		latest time.Time
		found  bool
	)
	for _, m := range pattern.FindAllStringSubmatch(output, -1) {
		var (
			t   time.Time
			err error
		)
		if len(m) > 2 && m[2] != "" {
			t, err = time.Parse(layout+" -0700", m[1]+" "+m[2])
		} else {
			t, err = time.ParseInLocation(layout, m[1], loc)
		}
		if err != nil {
			logger.Debugf("skipping log time %q: %v", m[1], err)
			continue
		}
		if !found || t.After(latest) {
			latest, found = t, true
		}
	}
	return latest.UTC(), found
}
