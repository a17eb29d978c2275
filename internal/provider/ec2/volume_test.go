// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package ec2_test

import (
	"context"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/backupverifier/core/backup"
)

type volumeSuite struct {
	baseSuite
}

var _ = gc.Suite(&volumeSuite{})

func (s *volumeSuite) SetUpTest(c *gc.C) {
	s.baseSuite.SetUpTest(c)
	s.srv.AddSnapshot("snap-live", "")
	_, err := s.provider.StartNode(context.Background(), "i-verify")
	c.Assert(err, jc.ErrorIsNil)
	s.srv.ResetCalls()
}

func (s *volumeSuite) createVolume(c *gc.C) backup.Volume {
	vol, err := s.provider.CreateVolumeFromSnapshot(context.Background(), "snap-live", 100, "us-east-1a")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(vol.State, gc.Equals, backup.VolumeCreating)
	vol, err = s.provider.WaitVolumeAvailable(context.Background(), vol)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(vol.State, gc.Equals, backup.VolumeAvailable)
	return vol
}

func (s *volumeSuite) TestCreateVolumeFromSnapshot(c *gc.C) {
	vol := s.createVolume(c)
	c.Check(vol.SizeGiB, gc.Equals, int32(100))
	c.Check(vol.Zone, gc.Equals, "us-east-1a")
	s.srv.CheckCallNames(c, "CreateVolume")
	s.srv.CheckCall(c, 0, "CreateVolume", "snap-live", int32(100), "us-east-1a")
}

func (s *volumeSuite) TestAttach(c *gc.C) {
	vol := s.createVolume(c)

	vol, err := s.provider.Attach(context.Background(), vol, "i-verify", "/dev/sdk", nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(vol.State, gc.Equals, backup.VolumeInUse)
	c.Check(vol.AttachedTo, gc.Equals, "i-verify")
	c.Check(vol.Device, gc.Equals, "/dev/sdk")
	c.Check(s.srv.AttachedAt("i-verify", "/dev/sdk"), gc.Equals, vol.ID)
	s.srv.CheckCallNames(c, "CreateVolume", "AttachVolume")
}

func (s *volumeSuite) TestAttachRecoversStaleVolume(c *gc.C) {
	s.srv.AddVolume("vol-stale", 100, "i-verify", "/dev/sdk")
	vol := s.createVolume(c)

	released := 0
	release := func(context.Context) error {
		released++
		return nil
	}
	vol, err := s.provider.Attach(context.Background(), vol, "i-verify", "/dev/sdk", release)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(released, gc.Equals, 1)
	c.Check(vol.AttachedTo, gc.Equals, "i-verify")
	c.Check(s.srv.AttachedAt("i-verify", "/dev/sdk"), gc.Equals, vol.ID)
	s.srv.CheckCallNames(c, "CreateVolume", "AttachVolume", "DetachVolume", "AttachVolume")
	s.srv.CheckCall(c, 2, "DetachVolume", "vol-stale", true)
}

func (s *volumeSuite) TestAttachRecoveryRetriesOnce(c *gc.C) {
	s.srv.AddVolume("vol-stale", 100, "i-verify", "/dev/sdk")
	vol := s.createVolume(c)
	s.srv.SetErrors(nil, nil, errors.New("still busy"))

	_, err := s.provider.Attach(context.Background(), vol, "i-verify", "/dev/sdk", nil)
	c.Assert(err, gc.ErrorMatches, `provision error: provisioning failed: attaching volume .* still busy`)
	c.Check(errors.Is(err, backup.ProvisionError), jc.IsTrue)
	s.srv.CheckCallNames(c, "CreateVolume", "AttachVolume", "DetachVolume", "AttachVolume")
}

func (s *volumeSuite) TestAttachOtherErrorNotRecovered(c *gc.C) {
	vol := s.createVolume(c)
	s.srv.SetErrors(errors.New("boom"))

	_, err := s.provider.Attach(context.Background(), vol, "i-verify", "/dev/sdk", func(context.Context) error {
		c.Fatalf("release should not be called")
		return nil
	})
	c.Assert(err, gc.ErrorMatches, `.*boom`)
	s.srv.CheckCallNames(c, "CreateVolume", "AttachVolume")
}

func (s *volumeSuite) TestReleaseDevice(c *gc.C) {
	s.srv.AddVolume("vol-stale", 100, "i-verify", "/dev/sdk")
	s.srv.AddVolume("vol-other", 100, "i-verify", "/dev/sdf")

	released, err := s.provider.ReleaseDevice(context.Background(), "i-verify", "/dev/sdk", "")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(released, jc.DeepEquals, []string{"vol-stale"})
	c.Check(s.srv.AttachedAt("i-verify", "/dev/sdk"), gc.Equals, "")
	c.Check(s.srv.AttachedAt("i-verify", "/dev/sdf"), gc.Equals, "vol-other")
}

func (s *volumeSuite) TestDetachAndDelete(c *gc.C) {
	vol := s.createVolume(c)
	vol, err := s.provider.Attach(context.Background(), vol, "i-verify", "/dev/sdk", nil)
	c.Assert(err, jc.ErrorIsNil)

	err = s.provider.DetachAndDelete(context.Background(), vol)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.srv.VolumeIDs(), gc.HasLen, 0)
	// The simulator refuses to delete attached volumes, so reaching
	// DeleteVolume without error proves the detach was awaited.
	s.srv.CheckCallNames(c, "CreateVolume", "AttachVolume", "DetachVolume", "DeleteVolume")
}

func (s *volumeSuite) TestDetachAndDeleteIdempotent(c *gc.C) {
	vol := s.createVolume(c)

	c.Assert(s.provider.DetachAndDelete(context.Background(), vol), jc.ErrorIsNil)
	c.Assert(s.provider.DetachAndDelete(context.Background(), vol), jc.ErrorIsNil)
	s.srv.CheckCallNames(c, "CreateVolume", "DeleteVolume")
}

func (s *volumeSuite) TestDetachAndDeleteFailure(c *gc.C) {
	vol := s.createVolume(c)
	s.srv.SetErrors(errors.New("denied"))

	err := s.provider.DetachAndDelete(context.Background(), vol)
	c.Check(err, gc.ErrorMatches, `provision error: provisioning failed: deleting volume .*: denied`)
}

func (s *volumeSuite) TestDescribeVolumeNotFound(c *gc.C) {
	_, err := s.provider.DescribeVolume(context.Background(), "vol-missing")
	c.Check(err, jc.Satisfies, errors.IsNotFound)
}
