// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package ec2_test

import (
	"time"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/backupverifier/internal/provider/ec2"
	"github.com/juju/backupverifier/internal/provider/ec2/ec2test"
	"github.com/juju/backupverifier/internal/wait"
	coretesting "github.com/juju/backupverifier/testing"
)

var _ ec2.Client = (*ec2test.Server)(nil)

var epoch = time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)

// baseSuite wires a Provider to a simulated EC2.
type baseSuite struct {
	coretesting.LoggingSuite

	srv      *ec2test.Server
	clock    *coretesting.Clock
	provider *ec2.Provider
}

func (s *baseSuite) SetUpTest(c *gc.C) {
	s.LoggingSuite.SetUpTest(c)
	s.clock = coretesting.NewClock(epoch)
	s.srv = ec2test.NewServer()
	s.srv.Now = s.clock.Now
	s.srv.AddInstance("i-verify", "verify.internal")

	provider, err := ec2.NewProvider(ec2.Config{
		Client:    s.srv,
		Clock:     s.clock,
		Provision: wait.Policy{Interval: 3 * time.Second, Timeout: time.Minute},
		Snapshot:  wait.Policy{Interval: 3 * time.Second, Timeout: time.Hour},
		Tags:      map[string]string{"backupverifier": "true"},
	})
	c.Assert(err, jc.ErrorIsNil)
	s.provider = provider
}

type configSuite struct{}

var _ = gc.Suite(&configSuite{})

func (*configSuite) TestValidate(c *gc.C) {
	srv := ec2test.NewServer()
	for i, test := range []struct {
		mutate func(*ec2.Config)
		err    string
	}{{
		mutate: func(cfg *ec2.Config) { cfg.Client = nil },
		err:    "missing Client not valid",
	}, {
		mutate: func(cfg *ec2.Config) { cfg.Clock = nil },
		err:    "missing Clock not valid",
	}, {
		mutate: func(cfg *ec2.Config) { cfg.Provision = wait.Policy{} },
		err:    "provision policy: interval 0s not valid",
	}, {
		mutate: func(cfg *ec2.Config) { cfg.AttachSettle = -time.Second },
		err:    "negative AttachSettle not valid",
	}} {
		c.Logf("test %d", i)
		cfg := ec2.DefaultConfig(srv)
		test.mutate(&cfg)
		_, err := ec2.NewProvider(cfg)
		c.Check(err, gc.ErrorMatches, test.err)
	}
	_, err := ec2.NewProvider(ec2.DefaultConfig(srv))
	c.Check(err, jc.ErrorIsNil)
}
