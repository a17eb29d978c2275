// Copyright 2021 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package ec2test provides an in-memory EC2 simulator for tests.
package ec2test

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/juju/testing"
)

type instance struct {
	id      string
	state   types.InstanceStateName
	dnsName string
	pending int
}

type attachment struct {
	instanceID string
	device     string
	state      types.VolumeAttachmentState
	pending    int
}

type volume struct {
	id         string
	snapshotID string
	zone       string
	size       int32
	state      types.VolumeState
	attachment *attachment
	tags       []types.Tag
	pending    int
}

type snapshot struct {
	id          string
	volumeID    string
	description string
	state       types.SnapshotState
	startTime   time.Time
	tags        []types.Tag
	pending     int
}

// Server simulates the parts of EC2 that verification runs use. State
// transitions are eventually consistent: a transition completes only after
// Lag describe calls have observed the resource in its transient state.
//
// Mutating calls are recorded on the embedded Stub, and errors set on it
// with SetErrors are returned by mutating calls in order.
type Server struct {
	*testing.Stub

	mu sync.Mutex

	// Lag is the number of describes a transition stays pending for.
	Lag int

	// PageSize limits DescribeSnapshots pages; zero means no paging.
	PageSize int

	// Now supplies snapshot start times.
	Now func() time.Time

	instances map[string]*instance
	volumes   map[string]*volume
	snapshots map[string]*snapshot
	nextID    int

	// SnapshotFailure makes new snapshots end in the error state.
	SnapshotFailure bool
}

// NewServer returns an empty simulator.
func NewServer() *Server {
	srv := &Server{Stub: &testing.Stub{}}
	srv.Reset()
	return srv
}

// Reset removes all resources and recorded calls.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Stub.ResetCalls()
	s.Lag = 1
	s.Now = time.Now
	s.instances = make(map[string]*instance)
	s.volumes = make(map[string]*volume)
	s.snapshots = make(map[string]*snapshot)
}

func (s *Server) newID(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%08d", prefix, s.nextID)
}

func apiError(code, format string, args ...any) error {
	return &smithy.GenericAPIError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AddInstance adds a stopped instance.
func (s *Server) AddInstance(id, dnsName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[id] = &instance{id: id, state: types.InstanceStateNameStopped, dnsName: dnsName}
}

// AddVolume adds an available volume, optionally attached to an instance.
func (s *Server) AddVolume(id string, sizeGiB int32, instanceID, device string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := &volume{id: id, size: sizeGiB, zone: "us-east-1a", state: types.VolumeStateAvailable}
	if instanceID != "" {
		v.state = types.VolumeStateInUse
		v.attachment = &attachment{
			instanceID: instanceID,
			device:     device,
			state:      types.VolumeAttachmentStateAttached,
		}
	}
	s.volumes[id] = v
}

// AddSnapshot adds a completed snapshot with the given Name tag.
func (s *Server) AddSnapshot(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := &snapshot{id: id, state: types.SnapshotStateCompleted, startTime: s.Now()}
	if name != "" {
		snap.tags = []types.Tag{{Key: aws.String("Name"), Value: aws.String(name)}}
	}
	s.snapshots[id] = snap
}

// InstanceState returns the state of the instance.
func (s *Server) InstanceState(id string) types.InstanceStateName {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instances[id]; ok {
		return inst.state
	}
	return ""
}

// VolumeIDs returns the ids of all volumes that still exist.
func (s *Server) VolumeIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.volumes))
	for id := range s.volumes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SnapshotIDs returns the ids of all snapshots that still exist.
func (s *Server) SnapshotIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.snapshots))
	for id := range s.snapshots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SnapshotTags returns the tags of the snapshot.
func (s *Server) SnapshotTags(id string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tags := make(map[string]string)
	if snap, ok := s.snapshots[id]; ok {
		for _, t := range snap.tags {
			tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
		}
	}
	return tags
}

// AttachedAt returns the id of the volume attached to the instance at the
// device, if any.
func (s *Server) AttachedAt(instanceID, device string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.volumes {
		if v.attachment != nil && v.attachment.instanceID == instanceID && v.attachment.device == device {
			return v.id
		}
	}
	return ""
}

func (s *Server) StartInstances(_ context.Context, in *ec2.StartInstancesInput, _ ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MethodCall(s, "StartInstances", in.InstanceIds)
	if err := s.NextErr(); err != nil {
		return nil, err
	}
	for _, id := range in.InstanceIds {
		inst, ok := s.instances[id]
		if !ok {
			return nil, apiError("InvalidInstanceID.NotFound", "instance %s does not exist", id)
		}
		if inst.state != types.InstanceStateNameRunning {
			inst.state = types.InstanceStateNamePending
			inst.pending = s.Lag
		}
	}
	return &ec2.StartInstancesOutput{}, nil
}

func (s *Server) StopInstances(_ context.Context, in *ec2.StopInstancesInput, _ ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MethodCall(s, "StopInstances", in.InstanceIds)
	if err := s.NextErr(); err != nil {
		return nil, err
	}
	for _, id := range in.InstanceIds {
		inst, ok := s.instances[id]
		if !ok {
			return nil, apiError("InvalidInstanceID.NotFound", "instance %s does not exist", id)
		}
		inst.state = types.InstanceStateNameStopped
	}
	return &ec2.StopInstancesOutput{}, nil
}

func (s *Server) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Instance
	for _, id := range in.InstanceIds {
		inst, ok := s.instances[id]
		if !ok {
			return nil, apiError("InvalidInstanceID.NotFound", "instance %s does not exist", id)
		}
		if inst.state == types.InstanceStateNamePending {
			if inst.pending <= 0 {
				inst.state = types.InstanceStateNameRunning
			}
			inst.pending--
		}
		apiInst := types.Instance{
			InstanceId: aws.String(inst.id),
			State:      &types.InstanceState{Name: inst.state},
		}
		if inst.state == types.InstanceStateNameRunning {
			apiInst.PublicDnsName = aws.String(inst.dnsName)
		}
		out = append(out, apiInst)
	}
	return &ec2.DescribeInstancesOutput{
		Reservations: []types.Reservation{{Instances: out}},
	}, nil
}

func (s *Server) CreateVolume(_ context.Context, in *ec2.CreateVolumeInput, _ ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshotID := aws.ToString(in.SnapshotId)
	s.MethodCall(s, "CreateVolume", snapshotID, aws.ToInt32(in.Size), aws.ToString(in.AvailabilityZone))
	if err := s.NextErr(); err != nil {
		return nil, err
	}
	if _, ok := s.snapshots[snapshotID]; snapshotID != "" && !ok {
		return nil, apiError("InvalidSnapshot.NotFound", "snapshot %s does not exist", snapshotID)
	}
	v := &volume{
		id:         s.newID("vol"),
		snapshotID: snapshotID,
		zone:       aws.ToString(in.AvailabilityZone),
		size:       aws.ToInt32(in.Size),
		state:      types.VolumeStateCreating,
		pending:    s.Lag,
	}
	for _, spec := range in.TagSpecifications {
		v.tags = append(v.tags, spec.Tags...)
	}
	s.volumes[v.id] = v
	return &ec2.CreateVolumeOutput{
		VolumeId:         aws.String(v.id),
		State:            v.state,
		Size:             aws.Int32(v.size),
		AvailabilityZone: aws.String(v.zone),
		SnapshotId:       aws.String(snapshotID),
	}, nil
}

func (s *Server) AttachVolume(_ context.Context, in *ec2.AttachVolumeInput, _ ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	volumeID, instanceID, device := aws.ToString(in.VolumeId), aws.ToString(in.InstanceId), aws.ToString(in.Device)
	s.MethodCall(s, "AttachVolume", volumeID, instanceID, device)
	if err := s.NextErr(); err != nil {
		return nil, err
	}
	v, ok := s.volumes[volumeID]
	if !ok {
		return nil, apiError("InvalidVolume.NotFound", "volume %s does not exist", volumeID)
	}
	if _, ok := s.instances[instanceID]; !ok {
		return nil, apiError("InvalidInstanceID.NotFound", "instance %s does not exist", instanceID)
	}
	if v.state != types.VolumeStateAvailable || v.attachment != nil {
		return nil, apiError("IncorrectState", "volume %s is %s", volumeID, v.state)
	}
	for _, other := range s.volumes {
		if a := other.attachment; a != nil && a.instanceID == instanceID && a.device == device {
			return nil, apiError("InvalidParameterValue",
				"Invalid value '%s' for unixDevice. Attachment point %s is already in use", device, device)
		}
	}
	v.attachment = &attachment{
		instanceID: instanceID,
		device:     device,
		state:      types.VolumeAttachmentStateAttaching,
		pending:    s.Lag,
	}
	return &ec2.AttachVolumeOutput{
		VolumeId:   aws.String(volumeID),
		InstanceId: aws.String(instanceID),
		Device:     aws.String(device),
		State:      types.VolumeAttachmentStateAttaching,
	}, nil
}

func (s *Server) DetachVolume(_ context.Context, in *ec2.DetachVolumeInput, _ ...func(*ec2.Options)) (*ec2.DetachVolumeOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	volumeID := aws.ToString(in.VolumeId)
	s.MethodCall(s, "DetachVolume", volumeID, aws.ToBool(in.Force))
	if err := s.NextErr(); err != nil {
		return nil, err
	}
	v, ok := s.volumes[volumeID]
	if !ok {
		return nil, apiError("InvalidVolume.NotFound", "volume %s does not exist", volumeID)
	}
	if v.attachment == nil {
		return nil, apiError("IncorrectState", "volume %s is %s", volumeID, v.state)
	}
	v.attachment.state = types.VolumeAttachmentStateDetaching
	v.attachment.pending = s.Lag
	return &ec2.DetachVolumeOutput{
		VolumeId: aws.String(volumeID),
		State:    types.VolumeAttachmentStateDetaching,
	}, nil
}

func (s *Server) DeleteVolume(_ context.Context, in *ec2.DeleteVolumeInput, _ ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	volumeID := aws.ToString(in.VolumeId)
	s.MethodCall(s, "DeleteVolume", volumeID)
	if err := s.NextErr(); err != nil {
		return nil, err
	}
	v, ok := s.volumes[volumeID]
	if !ok {
		return nil, apiError("InvalidVolume.NotFound", "volume %s does not exist", volumeID)
	}
	if v.attachment != nil {
		return nil, apiError("VolumeInUse", "volume %s is attached to %s", volumeID, v.attachment.instanceID)
	}
	delete(s.volumes, volumeID)
	return &ec2.DeleteVolumeOutput{}, nil
}

// advanceVolume moves a volume one describe closer to its next state.
func advanceVolume(v *volume) {
	if v.state == types.VolumeStateCreating {
		if v.pending <= 0 {
			v.state = types.VolumeStateAvailable
		}
		v.pending--
	}
	a := v.attachment
	if a == nil {
		return
	}
	switch a.state {
	case types.VolumeAttachmentStateAttaching:
		if a.pending <= 0 {
			a.state = types.VolumeAttachmentStateAttached
			v.state = types.VolumeStateInUse
		}
		a.pending--
	case types.VolumeAttachmentStateDetaching:
		if a.pending <= 0 {
			v.attachment = nil
			v.state = types.VolumeStateAvailable
		}
		a.pending--
	}
}

func apiVolume(v *volume) types.Volume {
	out := types.Volume{
		VolumeId:         aws.String(v.id),
		State:            v.state,
		Size:             aws.Int32(v.size),
		AvailabilityZone: aws.String(v.zone),
		SnapshotId:       aws.String(v.snapshotID),
		Tags:             v.tags,
	}
	if a := v.attachment; a != nil {
		out.Attachments = []types.VolumeAttachment{{
			InstanceId: aws.String(a.instanceID),
			Device:     aws.String(a.device),
			VolumeId:   aws.String(v.id),
			State:      a.state,
		}}
	}
	return out
}

func (s *Server) DescribeVolumes(_ context.Context, in *ec2.DescribeVolumesInput, _ ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Volume
	if len(in.VolumeIds) > 0 {
		for _, id := range in.VolumeIds {
			v, ok := s.volumes[id]
			if !ok {
				return nil, apiError("InvalidVolume.NotFound", "volume %s does not exist", id)
			}
			advanceVolume(v)
			out = append(out, apiVolume(v))
		}
		return &ec2.DescribeVolumesOutput{Volumes: out}, nil
	}
	ids := make([]string, 0, len(s.volumes))
	for id := range s.volumes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		v := s.volumes[id]
		advanceVolume(v)
		if v.attachment == nil || !matchAttachment(v.attachment, in.Filters) {
			continue
		}
		out = append(out, apiVolume(v))
	}
	return &ec2.DescribeVolumesOutput{Volumes: out}, nil
}

func matchAttachment(a *attachment, filters []types.Filter) bool {
	for _, f := range filters {
		var value string
		switch aws.ToString(f.Name) {
		case "attachment.instance-id":
			value = a.instanceID
		case "attachment.device":
			value = a.device
		default:
			continue
		}
		if !contains(f.Values, value) {
			return false
		}
	}
	return true
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func (s *Server) CreateSnapshot(_ context.Context, in *ec2.CreateSnapshotInput, _ ...func(*ec2.Options)) (*ec2.CreateSnapshotOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	volumeID := aws.ToString(in.VolumeId)
	s.MethodCall(s, "CreateSnapshot", volumeID, aws.ToString(in.Description))
	if err := s.NextErr(); err != nil {
		return nil, err
	}
	if _, ok := s.volumes[volumeID]; !ok {
		return nil, apiError("InvalidVolume.NotFound", "volume %s does not exist", volumeID)
	}
	snap := &snapshot{
		id:          s.newID("snap"),
		volumeID:    volumeID,
		description: aws.ToString(in.Description),
		state:       types.SnapshotStatePending,
		startTime:   s.Now(),
		pending:     s.Lag,
	}
	for _, spec := range in.TagSpecifications {
		snap.tags = append(snap.tags, spec.Tags...)
	}
	s.snapshots[snap.id] = snap
	return &ec2.CreateSnapshotOutput{
		SnapshotId:  aws.String(snap.id),
		VolumeId:    aws.String(volumeID),
		Description: aws.String(snap.description),
		State:       snap.state,
		StartTime:   aws.Time(snap.startTime),
		Tags:        snap.tags,
	}, nil
}

func (s *Server) DeleteSnapshot(_ context.Context, in *ec2.DeleteSnapshotInput, _ ...func(*ec2.Options)) (*ec2.DeleteSnapshotOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshotID := aws.ToString(in.SnapshotId)
	s.MethodCall(s, "DeleteSnapshot", snapshotID)
	if err := s.NextErr(); err != nil {
		return nil, err
	}
	if _, ok := s.snapshots[snapshotID]; !ok {
		return nil, apiError("InvalidSnapshot.NotFound", "snapshot %s does not exist", snapshotID)
	}
	delete(s.snapshots, snapshotID)
	return &ec2.DeleteSnapshotOutput{}, nil
}

func (s *Server) advanceSnapshot(snap *snapshot) {
	if snap.state != types.SnapshotStatePending {
		return
	}
	if snap.pending <= 0 {
		snap.state = types.SnapshotStateCompleted
		if s.SnapshotFailure {
			snap.state = types.SnapshotStateError
		}
	}
	snap.pending--
}

func apiSnapshot(snap *snapshot) types.Snapshot {
	out := types.Snapshot{
		SnapshotId:  aws.String(snap.id),
		VolumeId:    aws.String(snap.volumeID),
		Description: aws.String(snap.description),
		State:       snap.state,
		StartTime:   aws.Time(snap.startTime),
		Tags:        snap.tags,
	}
	if snap.state == types.SnapshotStateError {
		out.StateMessage = aws.String("simulated failure")
	}
	return out
}

func (s *Server) DescribeSnapshots(_ context.Context, in *ec2.DescribeSnapshotsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(in.SnapshotIds) > 0 {
		var out []types.Snapshot
		for _, id := range in.SnapshotIds {
			snap, ok := s.snapshots[id]
			if !ok {
				return nil, apiError("InvalidSnapshot.NotFound", "snapshot %s does not exist", id)
			}
			s.advanceSnapshot(snap)
			out = append(out, apiSnapshot(snap))
		}
		return &ec2.DescribeSnapshotsOutput{Snapshots: out}, nil
	}

	ids := make([]string, 0, len(s.snapshots))
	for id, snap := range s.snapshots {
		if matchTags(snap.tags, in.Filters) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	start := 0
	if token := aws.ToString(in.NextToken); token != "" {
		fmt.Sscanf(token, "%d", &start)
	}
	end := len(ids)
	if s.PageSize > 0 && start+s.PageSize < end {
		end = start + s.PageSize
	}
	out := &ec2.DescribeSnapshotsOutput{}
	for _, id := range ids[start:end] {
		out.Snapshots = append(out.Snapshots, apiSnapshot(s.snapshots[id]))
	}
	if end < len(ids) {
		out.NextToken = aws.String(fmt.Sprint(end))
	}
	return out, nil
}

// matchTags implements "tag:<key>" filters with a trailing * wildcard.
func matchTags(tags []types.Tag, filters []types.Filter) bool {
	for _, f := range filters {
		key, ok := strings.CutPrefix(aws.ToString(f.Name), "tag:")
		if !ok {
			continue
		}
		matched := false
		for _, t := range tags {
			if aws.ToString(t.Key) != key {
				continue
			}
			for _, pattern := range f.Values {
				if prefix, wild := strings.CutSuffix(pattern, "*"); wild {
					matched = matched || strings.HasPrefix(aws.ToString(t.Value), prefix)
				} else {
					matched = matched || aws.ToString(t.Value) == pattern
				}
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
