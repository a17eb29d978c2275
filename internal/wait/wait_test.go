// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package wait_test

import (
	"context"
	"time"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/backupverifier/internal/wait"
	coretesting "github.com/juju/backupverifier/testing"
)

type waitSuite struct {
	clock *coretesting.Clock
}

var _ = gc.Suite(&waitSuite{})

func (s *waitSuite) SetUpTest(c *gc.C) {
	s.clock = coretesting.NewClock(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
}

func (s *waitSuite) TestImmediate(c *gc.C) {
	calls := 0
	err := wait.For(context.Background(), s.clock, wait.Policy{Interval: time.Minute, Attempts: 3}, "thing",
		func(context.Context) (bool, error) {
			calls++
			return true, nil
		})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(calls, gc.Equals, 1)
	c.Check(s.clock.Slept(), gc.Equals, time.Duration(0))
}

func (s *waitSuite) TestFixedInterval(c *gc.C) {
	var seen []time.Time
	err := wait.For(context.Background(), s.clock, wait.Policy{Interval: 3 * time.Second, Timeout: time.Minute}, "thing",
		func(context.Context) (bool, error) {
			seen = append(seen, s.clock.Now())
			return len(seen) == 4, nil
		})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(seen, gc.HasLen, 4)
	for i := 1; i < len(seen); i++ {
		c.Check(seen[i].Sub(seen[i-1]), gc.Equals, 3*time.Second)
	}
}

func (s *waitSuite) TestAttemptsExhausted(c *gc.C) {
	calls := 0
	err := wait.For(context.Background(), s.clock, wait.Policy{Interval: time.Minute, Attempts: 5}, "ready marker",
		func(context.Context) (bool, error) {
			calls++
			return false, nil
		})
	c.Assert(err, gc.ErrorMatches, `waiting for ready marker: 4m0s timeout`)
	c.Check(errors.Is(err, errors.Timeout), jc.IsTrue)
	c.Check(calls, gc.Equals, 5)
	c.Check(s.clock.Slept(), gc.Equals, 4*time.Minute)
}

func (s *waitSuite) TestDeadlineExhausted(c *gc.C) {
	calls := 0
	err := wait.For(context.Background(), s.clock, wait.Policy{Interval: 3 * time.Second, Timeout: 10 * time.Second}, "volume",
		func(context.Context) (bool, error) {
			calls++
			return false, nil
		})
	c.Check(errors.Is(err, errors.Timeout), jc.IsTrue)
	c.Check(calls > 1, jc.IsTrue)
	c.Check(s.clock.Slept() <= 10*time.Second, jc.IsTrue)
}

func (s *waitSuite) TestCheckErrorIsFatal(c *gc.C) {
	calls := 0
	err := wait.For(context.Background(), s.clock, wait.Policy{Interval: time.Second, Attempts: 10}, "volume",
		func(context.Context) (bool, error) {
			calls++
			return false, errors.NotFoundf("volume vol-1")
		})
	c.Assert(err, gc.ErrorMatches, `waiting for volume: volume vol-1 not found`)
	c.Check(errors.Is(err, errors.NotFound), jc.IsTrue)
	c.Check(calls, gc.Equals, 1)
}

func (s *waitSuite) TestCancelled(c *gc.C) {
	ctx, cancel := context.WithCancel(context.Background())
	err := wait.For(ctx, s.clock, wait.Policy{Interval: time.Second, Attempts: 10}, "volume",
		func(context.Context) (bool, error) {
			cancel()
			return false, nil
		})
	c.Check(errors.Is(err, context.Canceled), jc.IsTrue)
}

func (s *waitSuite) TestPolicyValidate(c *gc.C) {
	for i, test := range []struct {
		policy wait.Policy
		err    string
	}{{
		policy: wait.Policy{Timeout: time.Second},
		err:    "interval 0s not valid",
	}, {
		policy: wait.Policy{Interval: time.Second},
		err:    "unbounded wait not valid",
	}, {
		policy: wait.Policy{Interval: time.Second, Attempts: -1},
		err:    "negative attempts -1 not valid",
	}} {
		c.Logf("test %d", i)
		c.Check(test.policy.Validate(), gc.ErrorMatches, test.err)
	}
	c.Check(wait.Policy{Interval: time.Second, Attempts: 1}.Validate(), jc.ErrorIsNil)
}

func (s *waitSuite) TestBudget(c *gc.C) {
	c.Check(wait.Policy{Interval: time.Minute, Attempts: 10}.Budget(), gc.Equals, 9*time.Minute)
	c.Check(wait.Policy{Interval: time.Minute, Timeout: 5 * time.Minute}.Budget(), gc.Equals, 5*time.Minute)
	c.Check(wait.Policy{Interval: time.Minute, Attempts: 10, Timeout: 5 * time.Minute}.Budget(), gc.Equals, 5*time.Minute)
}
