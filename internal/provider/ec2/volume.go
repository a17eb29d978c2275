// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package ec2

import (
	"context"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/juju/errors"

	"github.com/juju/backupverifier/core/backup"
)

// ReleaseFunc frees a device on the node before a stale volume is
// forcibly detached from it, typically by unmounting its filesystem.
type ReleaseFunc func(ctx context.Context) error

// CreateVolumeFromSnapshot creates a volume from the snapshot. The volume
// is returned in the creating state; see WaitVolumeAvailable.
func (p *Provider) CreateVolumeFromSnapshot(ctx context.Context, snapshotID string, sizeGiB int32, zone string) (backup.Volume, error) {
	out, err := p.client.CreateVolume(ctx, &ec2.CreateVolumeInput{
		AvailabilityZone:  aws.String(zone),
		Size:              aws.Int32(sizeGiB),
		SnapshotId:        aws.String(snapshotID),
		TagSpecifications: p.tagSpecifications(types.ResourceTypeVolume, nil),
	})
	if err != nil {
		return backup.Volume{}, failure(err, "creating volume from snapshot %s", snapshotID)
	}
	vol := backup.Volume{
		ID:      aws.ToString(out.VolumeId),
		State:   backup.VolumeState(out.State),
		SizeGiB: aws.ToInt32(out.Size),
		Zone:    aws.ToString(out.AvailabilityZone),
	}
	if vol.State == "" {
		vol.State = backup.VolumeCreating
	}
	logger.Infof("created volume %s from snapshot %s", vol.ID, snapshotID)
	return vol, nil
}

// WaitVolumeAvailable polls the volume until it is available.
func (p *Provider) WaitVolumeAvailable(ctx context.Context, vol backup.Volume) (backup.Volume, error) {
	err := p.waitProvision(ctx, "volume "+vol.ID+" available", func(ctx context.Context) (bool, error) {
		current, err := p.DescribeVolume(ctx, vol.ID)
		if err != nil {
			return false, errors.Trace(err)
		}
		vol = current
		return vol.State == backup.VolumeAvailable, nil
	})
	if err != nil {
		return vol, failure(err, "creating volume %s", vol.ID)
	}
	return vol, nil
}

// Attach attaches the volume to the node at device and waits until the
// attachment completes.
//
// When the device is occupied by a stale volume, left behind by a run that
// did not shut down cleanly, release is called to free the device on the
// node, the stale volume is forcibly detached, and the attach is retried
// exactly once. A second failure is a ProvisionError.
func (p *Provider) Attach(ctx context.Context, vol backup.Volume, nodeID, device string, release ReleaseFunc) (backup.Volume, error) {
	err := p.attach(ctx, vol.ID, nodeID, device)
	if isAttachConflict(err) {
		logger.Warningf("device %s on node %s is occupied, recovering: %v", device, nodeID, err)
		if release != nil {
			if err := release(ctx); err != nil {
				logger.Warningf("releasing device %s on node %s: %v", device, nodeID, err)
			}
		}
		if _, err := p.ReleaseDevice(ctx, nodeID, device, vol.ID); err != nil {
			return vol, failure(err, "recovering device %s on node %s", device, nodeID)
		}
		err = p.attach(ctx, vol.ID, nodeID, device)
	}
	if err != nil {
		return vol, failure(err, "attaching volume %s to node %s at %s", vol.ID, nodeID, device)
	}

	err = p.waitProvision(ctx, "volume "+vol.ID+" attached", func(ctx context.Context) (bool, error) {
		current, err := p.DescribeVolume(ctx, vol.ID)
		if err != nil {
			return false, errors.Trace(err)
		}
		vol = current
		return vol.State == backup.VolumeInUse && vol.AttachedTo == nodeID, nil
	})
	if err != nil {
		return vol, failure(err, "attaching volume %s to node %s", vol.ID, nodeID)
	}
	if err := p.sleep(ctx, p.cfg.AttachSettle); err != nil {
		return vol, failure(err, "attaching volume %s to node %s", vol.ID, nodeID)
	}
	logger.Infof("attached volume %s to node %s at %s", vol.ID, nodeID, device)
	return vol, nil
}

func (p *Provider) attach(ctx context.Context, volumeID, nodeID, device string) error {
	_, err := p.client.AttachVolume(ctx, &ec2.AttachVolumeInput{
		VolumeId:   aws.String(volumeID),
		InstanceId: aws.String(nodeID),
		Device:     aws.String(device),
	})
	return err
}

// ReleaseDevice forcibly detaches every volume other than keep that is
// attached to the node at device, and waits for each to be detached. It
// returns the ids of the volumes it detached.
func (p *Provider) ReleaseDevice(ctx context.Context, nodeID, device, keep string) ([]string, error) {
	stale, err := p.volumesAt(ctx, nodeID, device)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var released []string
	for _, vol := range stale {
		if vol.ID == keep {
			continue
		}
		logger.Infof("detaching stale volume %s from node %s at %s", vol.ID, nodeID, device)
		if err := p.detach(ctx, vol, true); err != nil {
			return released, errors.Trace(err)
		}
		released = append(released, vol.ID)
	}
	return released, nil
}

func (p *Provider) volumesAt(ctx context.Context, nodeID, device string) ([]backup.Volume, error) {
	out, err := p.client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		Filters: []types.Filter{{
			Name:   aws.String("attachment.instance-id"),
			Values: []string{nodeID},
		}, {
			Name:   aws.String("attachment.device"),
			Values: []string{device},
		}},
	})
	if err != nil {
		return nil, errors.Annotatef(err, "listing volumes at %s on node %s", device, nodeID)
	}
	vols := make([]backup.Volume, 0, len(out.Volumes))
	for _, v := range out.Volumes {
		vols = append(vols, volumeFromAPI(v))
	}
	sort.Slice(vols, func(i, j int) bool { return vols[i].ID < vols[j].ID })
	return vols, nil
}

// detach detaches the volume and waits until it is no longer in use.
func (p *Provider) detach(ctx context.Context, vol backup.Volume, force bool) error {
	_, err := p.client.DetachVolume(ctx, &ec2.DetachVolumeInput{
		VolumeId: aws.String(vol.ID),
		Force:    aws.Bool(force),
	})
	if err != nil && !isAlreadyDetached(err) {
		return errors.Annotatef(err, "detaching volume %s", vol.ID)
	}
	return p.waitProvision(ctx, "volume "+vol.ID+" detached", func(ctx context.Context) (bool, error) {
		current, err := p.DescribeVolume(ctx, vol.ID)
		if errors.Is(err, errors.NotFound) {
			return true, nil
		} else if err != nil {
			return false, errors.Trace(err)
		}
		return !current.Attached() && current.State != backup.VolumeInUse, nil
	})
}

// DetachAndDelete detaches the volume, waits until the provider reports it
// is no longer in use, and only then deletes it. A volume that no longer
// exists is not an error.
func (p *Provider) DetachAndDelete(ctx context.Context, vol backup.Volume) error {
	current, err := p.DescribeVolume(ctx, vol.ID)
	if errors.Is(err, errors.NotFound) || current.State == backup.VolumeDeleted {
		logger.Debugf("volume %s already deleted", vol.ID)
		return nil
	} else if err != nil {
		return failure(err, "deleting volume %s", vol.ID)
	}
	if current.Attached() || current.State == backup.VolumeInUse {
		if err := p.detach(ctx, current, false); err != nil {
			return failure(err, "deleting volume %s", vol.ID)
		}
	}
	if err := p.deleteVolume(ctx, vol.ID); err != nil {
		return failure(err, "deleting volume %s", vol.ID)
	}
	logger.Infof("deleted volume %s", vol.ID)
	return nil
}

// DeleteVolume deletes a detached volume. A volume that no longer exists
// is not an error.
func (p *Provider) DeleteVolume(ctx context.Context, volumeID string) error {
	return failure(p.deleteVolume(ctx, volumeID), "deleting volume %s", volumeID)
}

func (p *Provider) deleteVolume(ctx context.Context, volumeID string) error {
	_, err := p.client.DeleteVolume(ctx, &ec2.DeleteVolumeInput{
		VolumeId: aws.String(volumeID),
	})
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// DescribeVolume returns the current state of the volume. A volume that
// does not exist is reported as a NotFound error.
func (p *Provider) DescribeVolume(ctx context.Context, volumeID string) (backup.Volume, error) {
	out, err := p.client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		VolumeIds: []string{volumeID},
	})
	if isNotFound(err) {
		return backup.Volume{}, errors.NotFoundf("volume %s", volumeID)
	} else if err != nil {
		return backup.Volume{}, errors.Annotatef(err, "describing volume %s", volumeID)
	}
	for _, v := range out.Volumes {
		if aws.ToString(v.VolumeId) == volumeID {
			return volumeFromAPI(v), nil
		}
	}
	return backup.Volume{}, errors.NotFoundf("volume %s", volumeID)
}

func volumeFromAPI(v types.Volume) backup.Volume {
	vol := backup.Volume{
		ID:      aws.ToString(v.VolumeId),
		State:   backup.VolumeState(v.State),
		SizeGiB: aws.ToInt32(v.Size),
		Zone:    aws.ToString(v.AvailabilityZone),
	}
	for _, a := range v.Attachments {
		switch a.State {
		case types.VolumeAttachmentStateAttached, types.VolumeAttachmentStateBusy:
		case types.VolumeAttachmentStateAttaching:
			vol.State = backup.VolumeAttaching
		case types.VolumeAttachmentStateDetaching:
			vol.State = backup.VolumeDetaching
		default:
			continue
		}
		vol.AttachedTo = aws.ToString(a.InstanceId)
		vol.Device = aws.ToString(a.Device)
	}
	return vol
}

func (p *Provider) tagSpecifications(resource types.ResourceType, extra map[string]string) []types.TagSpecification {
	tags := makeTags(p.cfg.Tags, extra)
	if len(tags) == 0 {
		return nil
	}
	return []types.TagSpecification{{
		ResourceType: resource,
		Tags:         tags,
	}}
}

func makeTags(sets ...map[string]string) []types.Tag {
	merged := make(map[string]string)
	for _, set := range sets {
		for k, v := range set {
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tags := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(merged[k])})
	}
	return tags
}
