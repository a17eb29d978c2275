// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package logbackup_test

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/backupverifier/core/backup"
	"github.com/juju/backupverifier/internal/logbackup"
	"github.com/juju/backupverifier/internal/network/ssh"
	"github.com/juju/backupverifier/internal/provider/ec2"
	"github.com/juju/backupverifier/internal/provider/ec2/ec2test"
	"github.com/juju/backupverifier/internal/wait"
	coretesting "github.com/juju/backupverifier/testing"
)

var now = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

const twoFiles = `==> /home/volume/log/nginx-access-a.log <==
10.0.0.1 - - [01/Jan/2024:11:58:10 +0000] "GET / HTTP/1.1" 200 612
10.0.0.2 - - [01/Jan/2024:11:59:30 +0000] "GET /a HTTP/1.1" 200 12

==> /home/volume/log/nginx-access-b.log <==
10.0.0.3 - - [01/Jan/2024:11:57:00 +0000] "GET /b HTTP/1.1" 200 1
`

type fakeHost struct {
	result   ssh.Result
	err      error
	commands []string
}

func (h *fakeHost) Run(_ context.Context, command string) (ssh.Result, error) {
	h.commands = append(h.commands, command)
	return h.result, h.err
}

type recorder struct {
	attempts []backup.Attempt
}

func (r *recorder) AttemptFinished(subsystem backup.Subsystem, a backup.Attempt) {
	if subsystem == backup.SubsystemLogs {
		r.attempts = append(r.attempts, a)
	}
}

type validatorSuite struct {
	coretesting.LoggingSuite

	clock      *coretesting.Clock
	srv        *ec2test.Server
	host       *fakeHost
	connectErr error
	observer   *recorder
	cfg        logbackup.Config
}

var _ = gc.Suite(&validatorSuite{})

func (s *validatorSuite) SetUpTest(c *gc.C) {
	s.LoggingSuite.SetUpTest(c)
	s.clock = coretesting.NewClock(now)
	s.srv = ec2test.NewServer()
	s.srv.Now = s.clock.Now
	s.srv.AddVolume("vol-logs", 50, "i-logs", "/dev/sdf")
	s.host = &fakeHost{result: ssh.Result{Stdout: twoFiles}}
	s.connectErr = nil
	s.observer = &recorder{}

	provider, err := ec2.NewProvider(ec2.Config{
		Client:    s.srv,
		Clock:     s.clock,
		Provision: wait.Policy{Interval: time.Second, Timeout: time.Minute},
		Snapshot:  wait.Policy{Interval: 5 * time.Second, Timeout: time.Hour},
	})
	c.Assert(err, jc.ErrorIsNil)

	s.cfg = logbackup.DefaultConfig()
	s.cfg.Clock = s.clock
	s.cfg.Snapshots = provider
	s.cfg.Observer = s.observer
	s.cfg.VolumeID = "vol-logs"
	s.cfg.Connect = func(context.Context) (ssh.Executor, error) {
		if s.connectErr != nil {
			return nil, s.connectErr
		}
		return s.host, nil
	}
}

func (s *validatorSuite) run(c *gc.C) backup.Outcome {
	v, err := logbackup.NewValidator(s.cfg)
	c.Assert(err, jc.ErrorIsNil)
	return v.Run(context.Background())
}

func (s *validatorSuite) TestFreshLogsSnapshotted(c *gc.C) {
	outcome := s.run(c)

	c.Assert(outcome.Success, jc.IsTrue, gc.Commentf("%v", outcome.Diagnostics.Notes))
	c.Check(outcome.Subsystem, gc.Equals, backup.SubsystemLogs)
	c.Check(outcome.VolumeID, gc.Equals, "vol-logs")
	c.Check(outcome.Latest, gc.Equals, time.Date(2024, 1, 1, 11, 59, 30, 0, time.UTC))
	c.Check(outcome.SnapshotID, gc.Not(gc.Equals), "")
	c.Check(outcome.Diagnostics.LogExcerpt, gc.Equals, twoFiles)
	c.Check(s.host.commands, jc.DeepEquals, []string{"tail -n 2 /home/volume/log/nginx-access*.log"})

	s.srv.CheckCallNames(c, "CreateSnapshot")
	s.srv.CheckCall(c, 0, "CreateSnapshot", "vol-logs", "Backupbot - logs: 2024-01-01")
	c.Check(s.srv.SnapshotTags(outcome.SnapshotID)["date"], gc.Equals, "2024-01-01")
	c.Check(s.clock.Slept(), gc.Equals, time.Duration(0))

	c.Assert(s.observer.attempts, gc.HasLen, 1)
	c.Check(s.observer.attempts[0].Verified, jc.IsTrue)
	c.Check(outcome.Attempts, jc.DeepEquals, s.observer.attempts)
}

func (s *validatorSuite) TestWaitForSnapshot(c *gc.C) {
	s.cfg.WaitForSnapshot = true

	outcome := s.run(c)

	c.Assert(outcome.Success, jc.IsTrue)
	c.Check(s.clock.Slept(), gc.Equals, 5*time.Second)
	c.Check(outcome.Duration, gc.Equals, 5*time.Second)
}

func (s *validatorSuite) TestOffsetApplied(c *gc.C) {
	s.host.result.Stdout = `10.0.0.1 - - [01/Jan/2024:13:59:30 +0200] "GET / HTTP/1.1" 200 612` + "\n"

	outcome := s.run(c)

	c.Assert(outcome.Success, jc.IsTrue)
	c.Check(outcome.Latest.Equal(time.Date(2024, 1, 1, 11, 59, 30, 0, time.UTC)), jc.IsTrue)
}

func (s *validatorSuite) TestStaleLogs(c *gc.C) {
	s.host.result.Stdout = `10.0.0.1 - - [01/Jan/2024:11:50:00 +0000] "GET / HTTP/1.1" 200 612` + "\n"

	outcome := s.run(c)

	c.Assert(outcome.Success, jc.IsFalse)
	c.Check(outcome.SnapshotID, gc.Equals, "")
	c.Check(outcome.Latest, gc.Equals, time.Date(2024, 1, 1, 11, 50, 0, 0, time.UTC))
	c.Check(outcome.Diagnostics.Reason, gc.Equals, backup.ReasonLogsStale)
	c.Check(outcome.Diagnostics.Kind, gc.Equals, "integrity error")
	c.Check(strings.Join(outcome.Diagnostics.Notes, "\n"), jc.Contains, "latest log line is 10m0s old, limit 5m0s")
	s.srv.CheckNoCalls(c)
	c.Check(s.Logged(loggo.ERROR, "logs backup failed: stale logs"), jc.IsTrue)
}

func (s *validatorSuite) TestJustWithinLimit(c *gc.C) {
	s.host.result.Stdout = `10.0.0.1 - - [01/Jan/2024:11:55:01 +0000] "GET / HTTP/1.1" 200 612` + "\n"

	outcome := s.run(c)

	c.Check(outcome.Success, jc.IsTrue)
}

func (s *validatorSuite) TestUnparsed(c *gc.C) {
	s.host.result.Stdout = "tail: no files\n"

	outcome := s.run(c)

	c.Assert(outcome.Success, jc.IsFalse)
	c.Check(outcome.Diagnostics.Reason, gc.Equals, backup.ReasonLogsUnparsed)
	c.Check(outcome.Latest.IsZero(), jc.IsTrue)
	s.srv.CheckNoCalls(c)
}

func (s *validatorSuite) TestTailFails(c *gc.C) {
	s.host.result = ssh.Result{ExitCode: 1, Stderr: "tail: cannot open '/home/volume/log/nginx-access*.log'\n"}

	outcome := s.run(c)

	c.Assert(outcome.Success, jc.IsFalse)
	c.Check(outcome.Diagnostics.Reason, gc.Equals, backup.ReasonLogsTailError)
	c.Check(outcome.Diagnostics.Kind, gc.Equals, "integrity error")
	c.Check(strings.Join(outcome.Diagnostics.Notes, "\n"), jc.Contains, "tail exited 1: tail: cannot open")
	s.srv.CheckNoCalls(c)
}

func (s *validatorSuite) TestHostUnreachable(c *gc.C) {
	s.connectErr = errors.New("connection refused")

	outcome := s.run(c)

	c.Assert(outcome.Success, jc.IsFalse)
	c.Check(outcome.Diagnostics.Kind, gc.Equals, "unexpected error")
	c.Check(strings.Join(outcome.Diagnostics.Notes, "\n"), jc.Contains, "connecting to logs host: connection refused")
	c.Check(s.host.commands, gc.HasLen, 0)
}

func (s *validatorSuite) TestSnapshotFailure(c *gc.C) {
	s.srv.SetErrors(errors.New("snapshot limit exceeded"))

	outcome := s.run(c)

	c.Assert(outcome.Success, jc.IsFalse)
	c.Check(outcome.Diagnostics.Reason, gc.Equals, backup.ReasonLogsSnapshot)
	c.Check(outcome.Diagnostics.Kind, gc.Equals, "provision error")
	c.Check(outcome.Latest.IsZero(), jc.IsFalse)
	c.Check(s.srv.SnapshotIDs(), gc.HasLen, 0)
}

func (s *validatorSuite) TestValidate(c *gc.C) {
	for i, test := range []struct {
		mutate func(*logbackup.Config)
		err    string
	}{{
		mutate: func(cfg *logbackup.Config) { cfg.VolumeID = "" },
		err:    "empty VolumeID not valid",
	}, {
		mutate: func(cfg *logbackup.Config) { cfg.Connect = nil },
		err:    "missing Connect not valid",
	}, {
		mutate: func(cfg *logbackup.Config) { cfg.TailLines = 0 },
		err:    "TailLines 0 not valid",
	}, {
		mutate: func(cfg *logbackup.Config) { cfg.TimePattern = regexp.MustCompile(`\[.*\]`) },
		err:    "TimePattern without a group not valid",
	}, {
		mutate: func(cfg *logbackup.Config) { cfg.MaxDelay = 0 },
		err:    "MaxDelay 0s not valid",
	}} {
		c.Logf("test %d", i)
		cfg := s.cfg
		test.mutate(&cfg)
		_, err := logbackup.NewValidator(cfg)
		c.Check(err, gc.ErrorMatches, test.err)
	}
}

type latestTimeSuite struct{}

var _ = gc.Suite(&latestTimeSuite{})

func (*latestTimeSuite) TestLatestTime(c *gc.C) {
	for i, test := range []struct {
		output string
		expect time.Time
		found  bool
	}{{
		output: twoFiles,
		expect: time.Date(2024, 1, 1, 11, 59, 30, 0, time.UTC),
		found:  true,
	}, {
		output: "[26/Aug/2011:14:30:15 +0000] first\n[26/Aug/2011:14:30:14 +0000] second\n",
		expect: time.Date(2011, 8, 26, 14, 30, 15, 0, time.UTC),
		found:  true,
	}, {
		output: "[26/Aug/2011:14:30:15]\n",
		expect: time.Date(2011, 8, 26, 14, 30, 15, 0, time.UTC),
		found:  true,
	}, {
		output: "[26/Aug/2011:16:30:15 +0200]\n",
		expect: time.Date(2011, 8, 26, 14, 30, 15, 0, time.UTC),
		found:  true,
	}, {
		output: "[26/Foo/2011:14:30:15 +0000]\n",
	}, {
		output: "",
	}} {
		c.Logf("test %d", i)
		t, ok := logbackup.LatestTime(test.output, logbackup.DefaultTimePattern, logbackup.DefaultTimeLayout, time.UTC)
		c.Check(ok, gc.Equals, test.found)
		if test.found {
			c.Check(t.Equal(test.expect), jc.IsTrue, gc.Commentf("got %v", t))
			c.Check(t.Location(), gc.Equals, time.UTC)
		}
	}
}
