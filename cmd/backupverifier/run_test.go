// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	corebackup "github.com/juju/backupverifier/core/backup"
	"github.com/juju/backupverifier/internal/config"
	"github.com/juju/backupverifier/internal/network/ssh"
	"github.com/juju/backupverifier/internal/provider/ec2/ec2test"
	"github.com/juju/backupverifier/internal/report"
	coretesting "github.com/juju/backupverifier/testing"
)

var now = time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)

type logsHost struct {
	stdout string
}

func (h logsHost) Run(context.Context, string) (ssh.Result, error) {
	return ssh.Result{Stdout: h.stdout}, nil
}

type fakeS3 struct {
	keys []string
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.keys = append(f.keys, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.PutObjectOutput{}, nil
}

type runSuite struct {
	coretesting.LoggingSuite

	clock  *coretesting.Clock
	srv    *ec2test.Server
	s3     *fakeS3
	dialed []string
	cfg    config.Config
}

var _ = gc.Suite(&runSuite{})

func (s *runSuite) SetUpTest(c *gc.C) {
	s.LoggingSuite.SetUpTest(c)
	s.clock = coretesting.NewClock(now)
	s.srv = ec2test.NewServer()
	s.srv.Now = s.clock.Now
	s.srv.AddInstance("i-db", "db-check.internal")
	s.srv.AddVolume("vol-live", 100, "i-replica", "/dev/sdf")
	s.srv.AddVolume("vol-logs", 50, "i-logs", "/dev/sdf")
	s.s3 = &fakeS3{}
	s.dialed = nil

	var err error
	s.cfg, err = config.Parse([]byte(validConfig))
	c.Assert(err, jc.ErrorIsNil)
	dir := c.MkDir()
	s.cfg.Report.File = filepath.Join(dir, "report.yaml")
	s.cfg.Report.S3 = config.S3Report{Bucket: "reports", Prefix: "nightly"}
	s.cfg.Metrics.Textfile = filepath.Join(dir, "backupverifier.prom")
}

func (s *runSuite) deps() runDeps {
	return runDeps{
		Clock: s.clock,
		EC2:   s.srv,
		S3:    s.s3,
		RunID: "run-1",
		Dial: func(_ context.Context, _ config.SSH, address string) (ssh.Executor, error) {
			s.dialed = append(s.dialed, address)
			if address == "10.0.0.9" {
				return logsHost{stdout: `10.0.0.1 - - [01/Jan/2024:02:59:30 +0000] "GET / HTTP/1.1" 200 612` + "\n"}, nil
			}
			return nil, errors.New("connection refused")
		},
	}
}

func (s *runSuite) TestRunPublishesReport(c *gc.C) {
	r, err := runBackup(context.Background(), s.cfg, s.deps())
	c.Assert(err, jc.ErrorIsNil)

	c.Check(r.RunID, gc.Equals, "run-1")
	c.Check(r.StartTime, gc.Equals, now)
	c.Check(r.Success(), jc.IsFalse)

	c.Check(r.DB.Success, jc.IsFalse)
	c.Check(r.DB.Diagnostics.Reason, gc.Equals, corebackup.ReasonProvision)
	c.Check(r.DB.Attempts, gc.HasLen, 0)
	// The node was started for the run and is stopped again.
	var stops int
	for _, call := range s.srv.Calls() {
		if call.FuncName == "StopInstances" {
			stops++
		}
	}
	c.Check(stops, gc.Equals, 1)

	c.Check(r.Logs.Success, jc.IsTrue, gc.Commentf("%v", r.Logs.Diagnostics.Notes))
	c.Check(r.Logs.SnapshotID, gc.Not(gc.Equals), "")
	c.Check(s.dialed[len(s.dialed)-1], gc.Equals, "10.0.0.9")

	data, err := os.ReadFile(s.cfg.Report.File)
	c.Assert(err, jc.ErrorIsNil)
	saved, err := report.Unmarshal(data)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(saved.RunID, gc.Equals, "run-1")
	c.Check(saved.Logs.SnapshotID, gc.Equals, r.Logs.SnapshotID)

	c.Check(s.s3.keys, jc.DeepEquals, []string{
		"reports/nightly/2024-01-01/run-1.yaml",
		"reports/nightly/2024-01-01/run-1.txt",
	})

	metrics, err := os.ReadFile(s.cfg.Metrics.Textfile)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(metrics), jc.Contains, `backupverifier_success{subsystem="db"} 0`)
	c.Check(string(metrics), jc.Contains, `backupverifier_success{subsystem="logs"} 1`)
	c.Check(string(metrics), jc.Contains, `backupverifier_attempts_total{outcome="verified",reason="",subsystem="logs"} 1`)

	c.Check(s.Logged(loggo.ERROR, "Daily backup 2024-01-01: db FAILED, logs SUCCESS"), jc.IsTrue)
}

func (s *runSuite) TestRunLogsDisabled(c *gc.C) {
	s.cfg.Logs.Enabled = false
	s.cfg.Report = config.Report{}
	s.cfg.Metrics.Textfile = ""

	r, err := runBackup(context.Background(), s.cfg, s.deps())
	c.Assert(err, jc.ErrorIsNil)

	c.Check(r.Logs.Skipped, jc.IsTrue)
	c.Check(r.Logs.Subsystem, gc.Equals, corebackup.SubsystemLogs)
	for _, address := range s.dialed {
		c.Check(address, gc.Not(gc.Equals), "10.0.0.9")
	}
	c.Check(s.s3.keys, gc.HasLen, 0)
	c.Check(s.srv.SnapshotIDs(), gc.HasLen, 0)
}

func (s *runSuite) TestRunMetricsFailureReported(c *gc.C) {
	s.cfg.Metrics.Textfile = filepath.Join(c.MkDir(), "missing", "dir", "backupverifier.prom")

	r, err := runBackup(context.Background(), s.cfg, s.deps())
	c.Assert(err, gc.ErrorMatches, `publishing report: writing metrics to .*`)
	c.Check(r.Logs.Success, jc.IsTrue)
}

func (s *runSuite) TestRunInvalidConfig(c *gc.C) {
	s.cfg.DB.Rollback.Interval = 0

	_, err := runBackup(context.Background(), s.cfg, s.deps())
	c.Assert(err, gc.ErrorMatches, `Rollback policy: interval 0s not valid`)
	s.srv.CheckNoCalls(c)
}
