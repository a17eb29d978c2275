// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backup

import (
	"time"
)

// NodeState is the lifecycle state of the ephemeral compute node.
type NodeState string

const (
	NodeStopped  NodeState = "stopped"
	NodeStarting NodeState = "starting"
	NodeRunning  NodeState = "running"
)

// Node is the compute node that the cloned volume is attached to and the
// database service is started on.
type Node struct {
	ID      string
	State   NodeState
	Address string
}

// VolumeState is the provider side state of a volume.
type VolumeState string

const (
	VolumeCreating  VolumeState = "creating"
	VolumeAvailable VolumeState = "available"
	VolumeAttaching VolumeState = "attaching"
	VolumeInUse     VolumeState = "in-use"
	VolumeDetaching VolumeState = "detaching"
	VolumeDeleted   VolumeState = "deleted"
)

// Volume is a block device created from a snapshot for the duration of a
// single attempt.
type Volume struct {
	ID    string
	State VolumeState

	// AttachedTo is the id of the node the volume is attached to, if any.
	AttachedTo string

	// Device is the device name the volume is (or will be) exposed as on
	// the node, e.g. /dev/sdk.
	Device string

	SizeGiB int32
	Zone    string
}

// Attached reports whether the volume is attached to a node.
func (v Volume) Attached() bool {
	return v.AttachedTo != ""
}

// Snapshot is a point in time copy of a volume.
type Snapshot struct {
	ID          string
	VolumeID    string
	Description string
	CreatedAt   time.Time

	// Name is the value of the Name tag. Only durable snapshots carry one.
	Name string

	// Durable snapshots are the verified backup artifacts; everything
	// else is deleted before the run ends.
	Durable bool
}
