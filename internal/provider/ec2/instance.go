// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package ec2

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/juju/errors"

	"github.com/juju/backupverifier/core/backup"
)

// StartNode starts the node and waits until it is running. The returned
// node carries the address to reach it on: its public DNS name, or its
// private address when it has none.
func (p *Provider) StartNode(ctx context.Context, nodeID string) (backup.Node, error) {
	logger.Infof("starting node %s", nodeID)
	if _, err := p.client.StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: []string{nodeID},
	}); err != nil {
		return backup.Node{}, failure(err, "starting node %s", nodeID)
	}

	var node backup.Node
	err := p.waitProvision(ctx, "node "+nodeID+" running", func(ctx context.Context) (bool, error) {
		var err error
		node, err = p.DescribeNode(ctx, nodeID)
		if err != nil {
			return false, errors.Trace(err)
		}
		return node.State == backup.NodeRunning && node.Address != "", nil
	})
	if err != nil {
		return backup.Node{}, failure(err, "starting node %s", nodeID)
	}
	logger.Infof("node %s running at %s", nodeID, node.Address)
	return node, nil
}

// StopNode asks for the node to be stopped. Stopping is best effort: a
// failure is logged and otherwise ignored, since the outcome of a backup
// never depends on teardown of the node.
func (p *Provider) StopNode(ctx context.Context, nodeID string) {
	logger.Infof("stopping node %s", nodeID)
	if _, err := p.client.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{nodeID},
	}); err != nil {
		logger.Warningf("cannot stop node %s: %v", nodeID, err)
	}
}

// DescribeNode returns the current state of the node.
func (p *Provider) DescribeNode(ctx context.Context, nodeID string) (backup.Node, error) {
	out, err := p.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{nodeID},
	})
	if isNotFound(err) {
		return backup.Node{}, errors.NotFoundf("node %s", nodeID)
	} else if err != nil {
		return backup.Node{}, errors.Annotatef(err, "describing node %s", nodeID)
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.ToString(inst.InstanceId) == nodeID {
				return nodeFromAPI(inst), nil
			}
		}
	}
	return backup.Node{}, errors.NotFoundf("node %s", nodeID)
}

func nodeFromAPI(inst types.Instance) backup.Node {
	node := backup.Node{
		ID:    aws.ToString(inst.InstanceId),
		State: backup.NodeStopped,
	}
	if inst.State != nil {
		switch inst.State.Name {
		case types.InstanceStateNameRunning:
			node.State = backup.NodeRunning
		case types.InstanceStateNamePending:
			node.State = backup.NodeStarting
		}
	}
	node.Address = aws.ToString(inst.PublicDnsName)
	if node.Address == "" {
		node.Address = aws.ToString(inst.PrivateIpAddress)
	}
	return node
}
