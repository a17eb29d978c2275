// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package ec2 provisions the ephemeral infrastructure a verification run
// needs: it starts and stops the verification node, creates volumes from
// snapshots, attaches and detaches them, and manages snapshots.
//
// Every EC2 mutation is asynchronous on the provider side. Each exported
// operation that depends on a transition polls the resource to a terminal
// state with wait.For before returning.
package ec2

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/backupverifier/core/backup"
	"github.com/juju/backupverifier/internal/wait"
)

var logger = loggo.GetLogger("backupverifier.provider.ec2")

// Client is the subset of *ec2.Client used by the provider.
type Client interface {
	StartInstances(context.Context, *ec2.StartInstancesInput, ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(context.Context, *ec2.StopInstancesInput, ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	DescribeInstances(context.Context, *ec2.DescribeInstancesInput, ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)

	CreateVolume(context.Context, *ec2.CreateVolumeInput, ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error)
	AttachVolume(context.Context, *ec2.AttachVolumeInput, ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error)
	DetachVolume(context.Context, *ec2.DetachVolumeInput, ...func(*ec2.Options)) (*ec2.DetachVolumeOutput, error)
	DeleteVolume(context.Context, *ec2.DeleteVolumeInput, ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error)
	DescribeVolumes(context.Context, *ec2.DescribeVolumesInput, ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)

	CreateSnapshot(context.Context, *ec2.CreateSnapshotInput, ...func(*ec2.Options)) (*ec2.CreateSnapshotOutput, error)
	DeleteSnapshot(context.Context, *ec2.DeleteSnapshotInput, ...func(*ec2.Options)) (*ec2.DeleteSnapshotOutput, error)
	DescribeSnapshots(context.Context, *ec2.DescribeSnapshotsInput, ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error)
}

var _ Client = (*ec2.Client)(nil)

// Default polling for provisioning transitions.
const (
	DefaultProvisionInterval = 3 * time.Second
	DefaultProvisionTimeout  = 10 * time.Minute
	DefaultSnapshotTimeout   = 3 * time.Hour
)

// Config holds the dependencies and tunables of a Provider.
type Config struct {
	Client Client
	Clock  clock.Clock

	// Provision bounds waits for instance and volume transitions.
	Provision wait.Policy

	// Snapshot bounds waits for snapshots to complete, which take far
	// longer than volume transitions.
	Snapshot wait.Policy

	// AttachSettle is an extra pause after a volume reports attached,
	// before the device is used on the node.
	AttachSettle time.Duration

	// Tags are added to every resource the provider creates.
	Tags map[string]string
}

// Validate ensures the config is usable.
func (c Config) Validate() error {
	if c.Client == nil {
		return errors.NotValidf("missing Client")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if err := c.Provision.Validate(); err != nil {
		return errors.Annotate(err, "provision policy")
	}
	if err := c.Snapshot.Validate(); err != nil {
		return errors.Annotate(err, "snapshot policy")
	}
	if c.AttachSettle < 0 {
		return errors.NotValidf("negative AttachSettle")
	}
	return nil
}

// DefaultConfig returns a Config with default polling for the given client.
func DefaultConfig(client Client) Config {
	return Config{
		Client: client,
		Clock:  clock.WallClock,
		Provision: wait.Policy{
			Interval: DefaultProvisionInterval,
			Timeout:  DefaultProvisionTimeout,
		},
		Snapshot: wait.Policy{
			Interval: DefaultProvisionInterval,
			Timeout:  DefaultSnapshotTimeout,
		},
	}
}

// Provider drives EC2 on behalf of a verification run.
type Provider struct {
	client Client
	clock  clock.Clock
	cfg    Config
}

// NewProvider returns a Provider for the given config.
func NewProvider(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Provider{
		client: cfg.Client,
		clock:  cfg.Clock,
		cfg:    cfg,
	}, nil
}

func (p *Provider) waitProvision(ctx context.Context, what string, check wait.CheckFunc) error {
	return wait.For(ctx, p.clock, p.cfg.Provision, what, check)
}

// sleep pauses for d on the provider clock.
func (p *Provider) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.clock.After(d):
		return nil
	}
}

// failure classifies err for the caller: exhausted waits become
// ProvisionTimeout, everything else ProvisionError.
func failure(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	kind := backup.ProvisionError
	if errors.Is(err, errors.Timeout) {
		kind = backup.ProvisionTimeout
	}
	return backup.NewFailure(kind, backup.ReasonProvision, errors.Annotatef(err, format, args...))
}
