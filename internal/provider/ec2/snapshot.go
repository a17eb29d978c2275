// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package ec2

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/juju/backupverifier/core/backup"
	"github.com/juju/backupverifier/internal/wait"
)

const nameTag = "Name"

// CreateSnapshot starts a snapshot of the volume. The snapshot is returned
// pending; see WaitSnapshotCompleted.
func (p *Provider) CreateSnapshot(ctx context.Context, volumeID, description string, tags map[string]string) (backup.Snapshot, error) {
	out, err := p.client.CreateSnapshot(ctx, &ec2.CreateSnapshotInput{
		VolumeId:          aws.String(volumeID),
		Description:       aws.String(description),
		TagSpecifications: p.tagSpecifications(types.ResourceTypeSnapshot, tags),
	})
	if err != nil {
		return backup.Snapshot{}, failure(err, "creating snapshot of volume %s", volumeID)
	}
	snap := backup.Snapshot{
		ID:          aws.ToString(out.SnapshotId),
		VolumeID:    volumeID,
		Description: description,
		CreatedAt:   aws.ToTime(out.StartTime),
		Name:        tags[nameTag],
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = p.clock.Now()
	}
	logger.Infof("creating snapshot %s of volume %s (%q)", snap.ID, volumeID, description)
	return snap, nil
}

// WaitSnapshotCompleted polls the snapshot until it completes. A snapshot
// that ends in the error state is a ProvisionError.
func (p *Provider) WaitSnapshotCompleted(ctx context.Context, snap backup.Snapshot) error {
	err := wait.For(ctx, p.clock, p.cfg.Snapshot, "snapshot "+snap.ID+" completed", func(ctx context.Context) (bool, error) {
		current, err := p.describeSnapshot(ctx, snap.ID)
		if err != nil {
			return false, errors.Trace(err)
		}
		switch current.State {
		case types.SnapshotStateCompleted:
			return true, nil
		case types.SnapshotStateError:
			return false, errors.Errorf("snapshot %s failed: %s", snap.ID, aws.ToString(current.StateMessage))
		}
		return false, nil
	})
	return failure(err, "creating snapshot %s", snap.ID)
}

// DeleteSnapshot deletes the snapshot. A snapshot that no longer exists is
// not an error.
func (p *Provider) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	_, err := p.client.DeleteSnapshot(ctx, &ec2.DeleteSnapshotInput{
		SnapshotId: aws.String(snapshotID),
	})
	if isNotFound(err) {
		logger.Debugf("snapshot %s already deleted", snapshotID)
		return nil
	} else if err != nil {
		return failure(err, "deleting snapshot %s", snapshotID)
	}
	logger.Infof("deleted snapshot %s", snapshotID)
	return nil
}

func (p *Provider) describeSnapshot(ctx context.Context, snapshotID string) (types.Snapshot, error) {
	out, err := p.client.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{
		SnapshotIds: []string{snapshotID},
	})
	if isNotFound(err) {
		return types.Snapshot{}, errors.NotFoundf("snapshot %s", snapshotID)
	} else if err != nil {
		return types.Snapshot{}, errors.Annotatef(err, "describing snapshot %s", snapshotID)
	}
	for _, s := range out.Snapshots {
		if aws.ToString(s.SnapshotId) == snapshotID {
			return s, nil
		}
	}
	return types.Snapshot{}, errors.NotFoundf("snapshot %s", snapshotID)
}

// SnapshotNames returns the Name tags of every snapshot owned by the
// account whose name starts with prefix.
func (p *Provider) SnapshotNames(ctx context.Context, prefix string) (set.Strings, error) {
	names := set.NewStrings()
	var token *string
	for {
		out, err := p.client.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{
			OwnerIds: []string{"self"},
			Filters: []types.Filter{{
				Name:   aws.String("tag:" + nameTag),
				Values: []string{prefix + "*"},
			}},
			MaxResults: aws.Int32(1000),
			NextToken:  token,
		})
		if err != nil {
			return nil, failure(err, "listing snapshots named %q", prefix+"*")
		}
		for _, s := range out.Snapshots {
			for _, tag := range s.Tags {
				name := aws.ToString(tag.Value)
				if aws.ToString(tag.Key) == nameTag && strings.HasPrefix(name, prefix) {
					names.Add(name)
				}
			}
		}
		if aws.ToString(out.NextToken) == "" {
			return names, nil
		}
		token = out.NextToken
	}
}
