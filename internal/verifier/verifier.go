// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package verifier proves that a cloned database volume recovers cleanly
// and holds recent data. It starts the database service on the node the
// clone is attached to, follows crash recovery through the server's error
// log, waits for the server to accept connections and finally compares the
// newest record with the time the attempt started.
//
// A verification always ends in exactly one of the terminal states
// backup.Verified or backup.Failed; it never returns an error.
package verifier

import (
	"context"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/kballard/go-shellquote"

	"github.com/juju/backupverifier/core/backup"
	"github.com/juju/backupverifier/internal/network/ssh"
	"github.com/juju/backupverifier/internal/wait"
)

var logger = loggo.GetLogger("backupverifier.verifier")

// Markers searched for in the database error log.
const (
	DefaultRollbackMarker     = "InnoDB: Rolling back trx with id"
	DefaultRollbackDoneMarker = "InnoDB: Rollback of non-prepared transactions completed"
	DefaultReadyMarker        = "mysqld: ready for connections"
)

// Defaults for the node and database layout.
const (
	DefaultMountDevice    = "/dev/sdk1"
	DefaultMountDir       = "/home/volume"
	DefaultErrorLog       = "/var/log/mysql/error.log"
	DefaultStartCommand   = "start mysql"
	DefaultStopCommand    = "stop mysql"
	DefaultKillCommand    = "pkill -9 -f mysqld"
	DefaultFreshnessQuery = "SELECT MAX(date_joined) FROM auth_user"
	DefaultDBUser         = "root"
	DefaultExcerptLines   = 200

	DefaultPollInterval    = time.Minute
	DefaultQuietWindow     = time.Minute
	DefaultFreshnessBudget = 600 * time.Second
)

// Observer is told about every state the verifier enters. The initial
// transition into backup.Starting has an empty from state.
type Observer interface {
	StateChanged(from, to backup.State)
}

// Config holds the tunables of a Verifier.
type Config struct {
	Clock clock.Clock

	// Observer is optional.
	Observer Observer

	// MountDevice is mounted on MountDir before the service starts.
	MountDevice string
	MountDir    string

	StartCommand string
	StopCommand  string
	KillCommand  string

	ErrorLog string

	// Location is the time zone of log and record timestamps that do
	// not carry one.
	Location *time.Location

	RollbackMarker     string
	RollbackDoneMarker string
	ReadyMarker        string

	// RollbackDetect bounds the search for evidence of crash recovery.
	// Exhausting it means no recovery was needed.
	RollbackDetect wait.Policy

	// Rollback bounds the wait for crash recovery to go quiet.
	Rollback wait.Policy

	// QuietWindow is how long the log must show no rollback activity for
	// recovery to count as finished.
	QuietWindow time.Duration

	// Ready bounds the wait for the ready marker.
	Ready wait.Policy

	DBUser          string
	DBPassword      string
	Database        string
	FreshnessQuery  string
	FreshnessBudget time.Duration

	// ExcerptLines is how much of the error log is kept in diagnostics;
	// zero disables the excerpt.
	ExcerptLines int
}

// DefaultConfig returns the configuration matching a stock MySQL 5 server
// managed by upstart.
func DefaultConfig() Config {
	return Config{
		Clock:              clock.WallClock,
		MountDevice:        DefaultMountDevice,
		MountDir:           DefaultMountDir,
		StartCommand:       DefaultStartCommand,
		StopCommand:        DefaultStopCommand,
		KillCommand:        DefaultKillCommand,
		ErrorLog:           DefaultErrorLog,
		Location:           time.UTC,
		RollbackMarker:     DefaultRollbackMarker,
		RollbackDoneMarker: DefaultRollbackDoneMarker,
		ReadyMarker:        DefaultReadyMarker,
		RollbackDetect:     wait.Policy{Interval: DefaultPollInterval, Attempts: 5},
		Rollback:           wait.Policy{Interval: DefaultPollInterval, Attempts: 60},
		QuietWindow:        DefaultQuietWindow,
		Ready:              wait.Policy{Interval: DefaultPollInterval, Attempts: 10},
		DBUser:             DefaultDBUser,
		FreshnessQuery:     DefaultFreshnessQuery,
		FreshnessBudget:    DefaultFreshnessBudget,
		ExcerptLines:       DefaultExcerptLines,
	}
}

// Validate ensures the config is usable.
func (c Config) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if c.Location == nil {
		return errors.NotValidf("missing Location")
	}
	for name, value := range map[string]string{
		"MountDevice":    c.MountDevice,
		"MountDir":       c.MountDir,
		"StartCommand":   c.StartCommand,
		"ErrorLog":       c.ErrorLog,
		"RollbackMarker": c.RollbackMarker,
		"ReadyMarker":    c.ReadyMarker,
		"DBUser":         c.DBUser,
		"Database":       c.Database,
		"FreshnessQuery": c.FreshnessQuery,
	} {
		if value == "" {
			return errors.NotValidf("empty %s", name)
		}
	}
	for name, p := range map[string]wait.Policy{
		"RollbackDetect": c.RollbackDetect,
		"Rollback":       c.Rollback,
		"Ready":          c.Ready,
	} {
		if err := p.Validate(); err != nil {
			return errors.Annotatef(err, "%s policy", name)
		}
	}
	if c.QuietWindow <= 0 {
		return errors.NotValidf("QuietWindow %v", c.QuietWindow)
	}
	if c.FreshnessBudget <= 0 {
		return errors.NotValidf("FreshnessBudget %v", c.FreshnessBudget)
	}
	if c.ExcerptLines < 0 {
		return errors.NotValidf("negative ExcerptLines")
	}
	return nil
}

// Verifier runs the recovery state machine.
type Verifier struct {
	cfg Config
}

// New returns a Verifier for the given config.
func New(cfg Config) (*Verifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Verifier{cfg: cfg}, nil
}

// Result is the terminal state of a verification and the evidence
// gathered on the way there. Failure is nil when State is Verified.
type Result struct {
	State       backup.State
	Diagnostics backup.Diagnostics
	Failure     *backup.Failure
}

type stepFunc func(*attempt, context.Context) (backup.State, *backup.Failure)

var steps = map[backup.State]stepFunc{
	backup.Starting:            (*attempt).starting,
	backup.CheckingRollback:    (*attempt).checkingRollback,
	backup.RollingBack:         (*attempt).rollingBack,
	backup.AwaitingReady:       (*attempt).awaitingReady,
	backup.ValidatingFreshness: (*attempt).validatingFreshness,
}

// Verify runs the state machine for an attempt started at start, using
// exec to reach the node the cloned volume is attached to.
func (v *Verifier) Verify(ctx context.Context, exec ssh.Executor, start time.Time) Result {
	a := &attempt{
		cfg:   v.cfg,
		exec:  exec,
		start: start,
	}
	state := backup.Starting
	a.diag = a.diag.Enter(state)
	v.observe("", state)

	var failure *backup.Failure
	for !state.Terminal() {
		next, f := steps[state](a, ctx)
		if f == nil && !backup.CanTransition(state, next) {
			f = backup.NewFailure(backup.UnexpectedError, backup.ReasonUnexpected,
				errors.Errorf("invalid transition from %s to %s", state, next))
		}
		if f != nil {
			next = backup.Failed
			failure = f
			a.diag = a.diag.Fail(f)
		}
		logger.Debugf("verifier %s -> %s", state, next)
		a.diag = a.diag.Enter(next)
		v.observe(state, next)
		state = next
	}
	a.diag.LogExcerpt = a.excerpt(ctx)

	if failure != nil {
		logger.Infof("verification failed in %s: %v", a.diag.States[len(a.diag.States)-2], failure)
	} else {
		logger.Infof("verification succeeded, newest record %s", a.diag.NewestRecord)
	}
	return Result{
		State:       state,
		Diagnostics: a.diag,
		Failure:     failure,
	}
}

func (v *Verifier) observe(from, to backup.State) {
	if v.cfg.Observer != nil {
		v.cfg.Observer.StateChanged(from, to)
	}
}

// ErrorLog returns the tail of the database error log, or nothing if it
// cannot be read.
func (v *Verifier) ErrorLog(ctx context.Context, exec ssh.Executor) string {
	a := &attempt{cfg: v.cfg, exec: exec}
	return a.excerpt(ctx)
}

// Cleanup stops the database service and unmounts the cloned volume. With
// force the service is killed first, for nodes left behind by a crashed
// run. Each command is best effort; only failures to reach the node are
// returned.
func (v *Verifier) Cleanup(ctx context.Context, exec ssh.Executor, force bool) error {
	var commands []string
	if force && v.cfg.KillCommand != "" {
		commands = append(commands, v.cfg.KillCommand)
	}
	if v.cfg.StopCommand != "" {
		commands = append(commands, v.cfg.StopCommand)
	}
	commands = append(commands, shellquote.Join("umount", v.cfg.MountDevice))

	for _, command := range commands {
		result, err := exec.Run(ctx, command)
		if err != nil {
			return errors.Annotatef(err, "cleaning up node")
		}
		if !result.Success() {
			logger.Debugf("cleanup %q exited %d: %s", command, result.ExitCode, strings.TrimSpace(result.Stderr))
		}
	}
	return nil
}
