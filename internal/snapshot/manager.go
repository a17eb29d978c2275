// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package snapshot manages the snapshots of a verification attempt: the
// temporary snapshot the test volume is cloned from, and the durable
// snapshot a verified volume is promoted to.
package snapshot

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/backupverifier/core/backup"
)

var logger = loggo.GetLogger("backupverifier.snapshot")

// Defaults for snapshot descriptions and names.
const (
	DefaultTemporaryDescription = "Temporary snapshot of db_slave for backup"
	DefaultDescriptionPrefix    = "Backupbot - db_slave: "
	DefaultNamePrefix           = "db_slave: "

	// DescriptionTimeLayout formats the attempt time in durable
	// snapshot descriptions.
	DescriptionTimeLayout = "060102 15:04:05"

	// DateLayout formats the date in names and the date tag.
	DateLayout = "2006-01-02"
)

const (
	nameTag    = "Name"
	dateTag    = "date"
	purposeTag = "purpose"
)

// Provider is the snapshot and volume API the manager needs.
type Provider interface {
	CreateSnapshot(ctx context.Context, volumeID, description string, tags map[string]string) (backup.Snapshot, error)
	WaitSnapshotCompleted(ctx context.Context, snap backup.Snapshot) error
	DeleteSnapshot(ctx context.Context, snapshotID string) error
	SnapshotNames(ctx context.Context, prefix string) (set.Strings, error)
	DetachAndDelete(ctx context.Context, vol backup.Volume) error
}

// Config holds the dependencies and naming of a Manager.
type Config struct {
	Provider Provider

	TemporaryDescription string
	DescriptionPrefix    string
	NamePrefix           string
}

// Validate ensures the config is usable.
func (c Config) Validate() error {
	if c.Provider == nil {
		return errors.NotValidf("missing Provider")
	}
	if c.TemporaryDescription == "" {
		return errors.NotValidf("empty TemporaryDescription")
	}
	if c.NamePrefix == "" {
		return errors.NotValidf("empty NamePrefix")
	}
	return nil
}

// Manager creates, promotes and cleans up snapshots.
type Manager struct {
	cfg Config
}

// NewManager returns a Manager for the given config. Empty descriptions
// and prefixes take their defaults.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TemporaryDescription == "" {
		cfg.TemporaryDescription = DefaultTemporaryDescription
	}
	if cfg.DescriptionPrefix == "" {
		cfg.DescriptionPrefix = DefaultDescriptionPrefix
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = DefaultNamePrefix
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Manager{cfg: cfg}, nil
}

// CreateTemporary snapshots the live volume and waits for the snapshot to
// complete. When the snapshot was created but did not complete it is
// returned along with the error, so that the caller's cleanup removes it.
func (m *Manager) CreateTemporary(ctx context.Context, liveVolumeID string) (backup.Snapshot, error) {
	snap, err := m.cfg.Provider.CreateSnapshot(ctx, liveVolumeID, m.cfg.TemporaryDescription, map[string]string{
		purposeTag: "temporary",
	})
	if err != nil {
		return backup.Snapshot{}, errors.Trace(err)
	}
	if err := m.cfg.Provider.WaitSnapshotCompleted(ctx, snap); err != nil {
		return snap, errors.Trace(err)
	}
	logger.Infof("temporary snapshot %s of %s completed", snap.ID, liveVolumeID)
	return snap, nil
}

// UniqueName returns prefix followed by the date of t, suffixed with -0,
// -1, ... until it is not in existing.
func UniqueName(prefix string, t time.Time, existing set.Strings) string {
	base := prefix + t.Format(DateLayout)
	name := base
	for i := 0; existing.Contains(name); i++ {
		name = fmt.Sprintf("%s-%d", base, i)
	}
	return name
}

// Promote snapshots the verified test volume as the durable backup of the
// attempt started at attemptTime. The snapshot is named uniquely among the
// account's existing snapshots and waited to completion; a durable
// snapshot that fails to complete is deleted again.
func (m *Manager) Promote(ctx context.Context, vol backup.Volume, attemptTime time.Time) (backup.Snapshot, error) {
	existing, err := m.cfg.Provider.SnapshotNames(ctx, m.cfg.NamePrefix+attemptTime.Format(DateLayout))
	if err != nil {
		return backup.Snapshot{}, promoteFailure(err)
	}
	name := UniqueName(m.cfg.NamePrefix, attemptTime, existing)
	description := m.cfg.DescriptionPrefix + attemptTime.Format(DescriptionTimeLayout)
	snap, err := m.cfg.Provider.CreateSnapshot(ctx, vol.ID, description, map[string]string{
		nameTag: name,
		dateTag: attemptTime.Format(DateLayout),
	})
	if err != nil {
		return backup.Snapshot{}, promoteFailure(err)
	}
	if err := m.cfg.Provider.WaitSnapshotCompleted(ctx, snap); err != nil {
		if delErr := m.cfg.Provider.DeleteSnapshot(ctx, snap.ID); delErr != nil {
			logger.Warningf("cannot delete incomplete snapshot %s: %v", snap.ID, delErr)
		}
		return backup.Snapshot{}, promoteFailure(err)
	}
	snap.Name = name
	snap.Durable = true
	logger.Infof("promoted volume %s to snapshot %s (%s)", vol.ID, snap.ID, name)
	return snap, nil
}

// promoteFailure keeps the kind of a provider failure but records that it
// happened during promotion.
func promoteFailure(err error) error {
	return backup.NewFailure(backup.KindOf(err), backup.ReasonPromote, err)
}

// CleanupTemporary deletes the test volume, detaching it first if needed,
// then the temporary snapshot. Resources with no ID are skipped and
// resources already gone are not an error, so it is safe to call on every
// exit path. Both deletions are attempted; the returned error combines
// their failures.
func (m *Manager) CleanupTemporary(ctx context.Context, snap backup.Snapshot, vol backup.Volume) error {
	var errs []error
	if vol.ID != "" {
		if err := m.cfg.Provider.DetachAndDelete(ctx, vol); err != nil {
			errs = append(errs, errors.Annotatef(err, "cleaning up volume %s", vol.ID))
		}
	}
	if snap.ID != "" {
		if snap.Durable {
			errs = append(errs, errors.Errorf("refusing to delete durable snapshot %s", snap.ID))
		} else if err := m.cfg.Provider.DeleteSnapshot(ctx, snap.ID); err != nil {
			errs = append(errs, errors.Annotatef(err, "cleaning up snapshot %s", snap.ID))
		}
	}
	return stderrors.Join(errs...)
}
