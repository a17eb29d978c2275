// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package backup runs the database backup verification: it retries a
// bounded number of verification attempts against fresh clones of the
// live volume and promotes the first clone that verifies.
//
// Every temporary volume and snapshot an attempt creates is removed before
// the attempt ends, whatever the attempt's outcome, and the verification
// node is stopped once after the last attempt.
package backup

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/backupverifier/core/backup"
	"github.com/juju/backupverifier/internal/network/ssh"
	"github.com/juju/backupverifier/internal/provider/ec2"
	"github.com/juju/backupverifier/internal/verifier"
)

var logger = loggo.GetLogger("backupverifier.backup")

// Defaults for the cloned volume.
const (
	DefaultDevice      = "/dev/sdk"
	DefaultVolumeSize  = 100
	DefaultZone        = "us-east-1a"
	DefaultMaxAttempts = 1
)

// Provisioner is the compute and storage API the controller needs.
type Provisioner interface {
	DescribeNode(ctx context.Context, nodeID string) (backup.Node, error)
	StartNode(ctx context.Context, nodeID string) (backup.Node, error)
	StopNode(ctx context.Context, nodeID string)

	CreateVolumeFromSnapshot(ctx context.Context, snapshotID string, sizeGiB int32, zone string) (backup.Volume, error)
	WaitVolumeAvailable(ctx context.Context, vol backup.Volume) (backup.Volume, error)
	Attach(ctx context.Context, vol backup.Volume, nodeID, device string, release ec2.ReleaseFunc) (backup.Volume, error)
	ReleaseDevice(ctx context.Context, nodeID, device, keep string) ([]string, error)
}

// Snapshots creates, promotes and removes attempt snapshots.
type Snapshots interface {
	CreateTemporary(ctx context.Context, liveVolumeID string) (backup.Snapshot, error)
	Promote(ctx context.Context, vol backup.Volume, attemptTime time.Time) (backup.Snapshot, error)
	CleanupTemporary(ctx context.Context, snap backup.Snapshot, vol backup.Volume) error
}

// Verifier checks a cloned volume attached to the node.
type Verifier interface {
	Verify(ctx context.Context, exec ssh.Executor, start time.Time) verifier.Result
	Cleanup(ctx context.Context, exec ssh.Executor, force bool) error
	ErrorLog(ctx context.Context, exec ssh.Executor) string
}

// ConnectFunc returns an executor for commands on the running node.
type ConnectFunc func(ctx context.Context, node backup.Node) (ssh.Executor, error)

// Observer is told about every attempt once it has ended.
type Observer interface {
	AttemptFinished(subsystem backup.Subsystem, a backup.Attempt)
}

// Config holds the dependencies and tunables of a Controller.
type Config struct {
	Clock       clock.Clock
	Provisioner Provisioner
	Snapshots   Snapshots
	Verifier    Verifier
	Connect     ConnectFunc

	// Observer is optional.
	Observer Observer

	// NodeID is the verification node the clone is attached to.
	NodeID string

	// LiveVolumeID is the replica's volume being backed up.
	LiveVolumeID string

	Zone       string
	Device     string
	VolumeSize int32

	MaxAttempts int
}

// Validate ensures the config is usable.
func (c Config) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if c.Provisioner == nil {
		return errors.NotValidf("missing Provisioner")
	}
	if c.Snapshots == nil {
		return errors.NotValidf("missing Snapshots")
	}
	if c.Verifier == nil {
		return errors.NotValidf("missing Verifier")
	}
	if c.Connect == nil {
		return errors.NotValidf("missing Connect")
	}
	if c.NodeID == "" {
		return errors.NotValidf("empty NodeID")
	}
	if c.LiveVolumeID == "" {
		return errors.NotValidf("empty LiveVolumeID")
	}
	if c.Zone == "" {
		return errors.NotValidf("empty Zone")
	}
	if c.Device == "" {
		return errors.NotValidf("empty Device")
	}
	if c.VolumeSize <= 0 {
		return errors.NotValidf("VolumeSize %d", c.VolumeSize)
	}
	if c.MaxAttempts < 1 {
		return errors.NotValidf("MaxAttempts %d", c.MaxAttempts)
	}
	return nil
}

// Controller runs verification attempts until one verifies or the
// attempts run out.
type Controller struct {
	cfg Config
}

// NewController returns a Controller for the given config.
func NewController(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Controller{cfg: cfg}, nil
}

// Run performs the whole verification. It never returns an error: every
// failure is described by the outcome.
func (c *Controller) Run(ctx context.Context) (outcome backup.Outcome) {
	start := c.cfg.Clock.Now()
	outcome = backup.Outcome{
		Subsystem: backup.SubsystemDB,
		StartTime: start,
		VolumeID:  c.cfg.LiveVolumeID,
	}
	defer func() {
		outcome.Duration = c.cfg.Clock.Now().Sub(start)
		logger.Infof("db backup finished: success=%v attempts=%d duration=%v",
			outcome.Success, len(outcome.Attempts), outcome.Duration)
	}()

	// A node found running, possibly left so by an earlier run, is
	// stopped as well.
	defer c.cfg.Provisioner.StopNode(context.WithoutCancel(ctx), c.cfg.NodeID)

	node, err := c.startNode(ctx)
	if err != nil {
		outcome.Diagnostics = outcome.Diagnostics.Fail(classify(err, backup.ReasonProvision))
		return outcome
	}
	exec, err := c.cfg.Connect(ctx, node)
	if err != nil {
		outcome.Diagnostics = outcome.Diagnostics.Fail(classify(errors.Annotatef(err, "connecting to node %s", node.ID), backup.ReasonProvision))
		return outcome
	}
	if closer, ok := exec.(interface{ Close() error }); ok {
		defer func() { _ = closer.Close() }()
	}
	// Attach recovers a device a failed forced cleanup left in use.
	cleanupErr := c.forceCleanup(ctx, exec)
	if cleanupErr != nil {
		logger.Warningf("forced cleanup: %v", cleanupErr)
	}

	var last backup.Attempt
	for i := 0; i < c.cfg.MaxAttempts; i++ {
		logger.Infof("starting attempt %d of %d", i+1, c.cfg.MaxAttempts)
		last = c.attempt(ctx, exec, i)
		outcome.Attempts = append(outcome.Attempts, last)
		if c.cfg.Observer != nil {
			c.cfg.Observer.AttemptFinished(backup.SubsystemDB, last)
		}
		if last.Verified {
			break
		}
		logger.Warningf("attempt %d failed: %s", i+1, last.Reason)
	}

	outcome.Success = last.Verified
	outcome.SnapshotID = last.SnapshotID
	outcome.Latest = last.Diagnostics.NewestRecordAt
	outcome.Diagnostics = last.Diagnostics
	if cleanupErr != nil {
		outcome.Diagnostics = outcome.Diagnostics.Notef("forced cleanup: %v", cleanupErr)
	}
	outcome.ErrorLog = c.cfg.Verifier.ErrorLog(ctx, exec)
	return outcome
}

// startNode makes sure the node is running.
func (c *Controller) startNode(ctx context.Context) (backup.Node, error) {
	node, err := c.cfg.Provisioner.DescribeNode(ctx, c.cfg.NodeID)
	if err != nil {
		return node, errors.Trace(err)
	}
	if node.State == backup.NodeRunning && node.Address != "" {
		logger.Infof("node %s already running", node.ID)
		return node, nil
	}
	node, err = c.cfg.Provisioner.StartNode(ctx, c.cfg.NodeID)
	return node, errors.Trace(err)
}

// forceCleanup removes whatever a previous run left on the node: a running
// database, a mounted filesystem and any volume at the device.
func (c *Controller) forceCleanup(ctx context.Context, exec ssh.Executor) error {
	if err := c.cfg.Verifier.Cleanup(ctx, exec, true); err != nil {
		return errors.Trace(err)
	}
	released, err := c.cfg.Provisioner.ReleaseDevice(ctx, c.cfg.NodeID, c.cfg.Device, "")
	if err != nil {
		return errors.Annotatef(err, "releasing device %s", c.cfg.Device)
	}
	for _, id := range released {
		logger.Warningf("detached volume %s left at %s by a previous run", id, c.cfg.Device)
	}
	return nil
}

// attempt runs one verification attempt and cleans up after it. A panic
// before promotion becomes an UnexpectedError outcome; cleanup runs
// regardless.
func (c *Controller) attempt(ctx context.Context, exec ssh.Executor, index int) (res backup.Attempt) {
	start := c.cfg.Clock.Now()
	var (
		snap backup.Snapshot
		vol  backup.Volume
		diag backup.Diagnostics
		kept backup.Snapshot
	)

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("attempt %d panicked: %v", index+1, r)
			if !kept.Durable {
				failure := backup.NewFailure(backup.UnexpectedError, backup.ReasonUnexpected, errors.Errorf("panic: %v", r))
				diag = diag.Enter(backup.Failed).Fail(failure)
			}
			diag.Trace = string(debug.Stack())
		}
		diag = c.cleanup(ctx, exec, snap, vol, diag)
		res = backup.Attempt{
			Index:       index,
			StartTime:   start,
			Duration:    c.cfg.Clock.Now().Sub(start),
			Verified:    kept.Durable,
			Reason:      diag.Reason,
			SnapshotID:  kept.ID,
			Diagnostics: diag,
		}
	}()

	var err error
	snap, vol, err = c.provision(ctx, exec)
	if err != nil {
		diag = diag.Enter(backup.Failed).Fail(classify(err, backup.ReasonProvision))
		return
	}

	verified := c.cfg.Verifier.Verify(ctx, exec, start)
	diag = verified.Diagnostics
	if verified.State != backup.Verified {
		return
	}

	promoted, err := c.cfg.Snapshots.Promote(ctx, vol, start)
	if err != nil {
		diag = diag.Enter(backup.Failed).Fail(classify(err, backup.ReasonPromote))
		return
	}
	kept = promoted
	diag = diag.Notef("promoted volume %s to snapshot %s (%s)", vol.ID, promoted.ID, promoted.Name)
	return
}

// provision creates the temporary snapshot and the clone of it attached to
// the node. The returned resources are whatever was created so far, even on
// error, so that they can be cleaned up.
func (c *Controller) provision(ctx context.Context, exec ssh.Executor) (backup.Snapshot, backup.Volume, error) {
	snap, err := c.cfg.Snapshots.CreateTemporary(ctx, c.cfg.LiveVolumeID)
	if err != nil {
		return snap, backup.Volume{}, errors.Trace(err)
	}
	vol, err := c.cfg.Provisioner.CreateVolumeFromSnapshot(ctx, snap.ID, c.cfg.VolumeSize, c.cfg.Zone)
	if err != nil {
		return snap, vol, errors.Trace(err)
	}
	if vol, err = c.cfg.Provisioner.WaitVolumeAvailable(ctx, vol); err != nil {
		return snap, vol, errors.Trace(err)
	}
	release := func(ctx context.Context) error {
		return c.cfg.Verifier.Cleanup(ctx, exec, true)
	}
	vol, err = c.cfg.Provisioner.Attach(ctx, vol, c.cfg.NodeID, c.cfg.Device, release)
	return snap, vol, errors.Trace(err)
}

// cleanup stops the service, unmounts the clone and removes the attempt's
// temporary resources. Failures are recorded and logged, never returned.
func (c *Controller) cleanup(ctx context.Context, exec ssh.Executor, snap backup.Snapshot, vol backup.Volume, diag backup.Diagnostics) backup.Diagnostics {
	ctx = context.WithoutCancel(ctx)
	if vol.ID != "" {
		if err := c.cfg.Verifier.Cleanup(ctx, exec, false); err != nil {
			logger.Warningf("cleaning up node: %v", err)
			diag = diag.Notef("cleanup: %v", err)
		}
	}
	if err := c.cfg.Snapshots.CleanupTemporary(ctx, snap, vol); err != nil {
		logger.Errorf("cleaning up attempt resources: %v", err)
		diag = diag.Notef("cleanup: %v", err)
	}
	return diag
}

// classify returns the failure err carries, or a provisioning failure of
// the given reason for errors raised outside the provider.
func classify(err error, reason string) *backup.Failure {
	var f *backup.Failure
	if errors.As(err, &f) {
		return f
	}
	kind := backup.ProvisionError
	if errors.Is(err, errors.Timeout) {
		kind = backup.ProvisionTimeout
	}
	return backup.NewFailure(kind, reason, err)
}
