// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package report_test

import (
	"time"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/backupverifier/core/backup"
	"github.com/juju/backupverifier/internal/report"
)

var start = time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)

func successfulReport() backup.Report {
	return backup.Report{
		RunID:     "6f1c2b9e",
		StartTime: start,
		DB: backup.Outcome{
			Subsystem:  backup.SubsystemDB,
			Success:    true,
			StartTime:  start,
			Duration:   12*time.Minute + 30*time.Second,
			VolumeID:   "vol-live",
			SnapshotID: "snap-good",
			Latest:     start.Add(-50 * time.Second),
			Attempts: []backup.Attempt{
				{Index: 0, StartTime: start, Reason: backup.ReasonStaleData},
				{Index: 1, StartTime: start.Add(5 * time.Minute), Verified: true, SnapshotID: "snap-good"},
			},
		},
		Logs: backup.Outcome{
			Subsystem:  backup.SubsystemLogs,
			Success:    true,
			StartTime:  start.Add(13 * time.Minute),
			Duration:   3 * time.Second,
			VolumeID:   "vol-logs",
			SnapshotID: "snap-logs",
			Latest:     start.Add(12 * time.Minute),
		},
	}
}

type renderSuite struct{}

var _ = gc.Suite(&renderSuite{})

func (*renderSuite) TestRenderSuccess(c *gc.C) {
	c.Check(report.Render(successfulReport()), gc.Equals, `Daily backup summary - Started at 2024-01-01 03:00:00 UTC
Run 6f1c2b9e

DB Slave: SUCCESS
Logs: SUCCESS

DB Slave Details
----------------
Live DB Volume ID:        vol-live
Backup snapshot id:       snap-good
Duration:                 12 minutes (12m30s)
Newest user signup time:  2024-01-01 02:59:10 UTC
Attempts:                 2, 2nd verified

Logs Details
------------
Logs Volume ID:           vol-logs
Backup snapshot id:       snap-logs
Duration:                 3 seconds (3s)
Latest log time:          2024-01-01 03:12:00 UTC
`)
}

func (*renderSuite) TestRenderFailure(c *gc.C) {
	r := successfulReport()
	diag := backup.Diagnostics{}.
		Enter(backup.Starting).
		Enter(backup.CheckingRollback).
		Enter(backup.AwaitingReady).
		Notef("no rollback observed within 4m0s")
	diag = diag.Fail(backup.NewFailure(backup.IntegrityError, backup.ReasonNotReady, nil)).Enter(backup.Failed)
	diag.LogExcerpt = "240101 03:01:00 [Note] Plugin 'FEDERATED' is disabled.\n"
	r.DB = backup.Outcome{
		Subsystem:   backup.SubsystemDB,
		StartTime:   start,
		Duration:    20 * time.Minute,
		VolumeID:    "vol-live",
		Attempts:    []backup.Attempt{{Index: 0, Reason: diag.Reason, Diagnostics: diag}},
		Diagnostics: diag,
		ErrorLog:    diag.LogExcerpt,
	}

	c.Check(report.Render(r), gc.Equals, `Daily backup summary - Started at 2024-01-01 03:00:00 UTC
Run 6f1c2b9e

DB Slave: FAILED
Logs: SUCCESS

Logs Details
------------
Logs Volume ID:           vol-logs
Backup snapshot id:       snap-logs
Duration:                 3 seconds (3s)
Latest log time:          2024-01-01 03:12:00 UTC

DB Slave failure report
-----------------------
Reason:                   database timed out coming online (integrity error)
Attempts:                 1, none verified
States:                   starting -> checking-rollback -> awaiting-ready -> failed
Notes:
  no rollback observed within 4m0s
  database timed out coming online
Log excerpt:
240101 03:01:00 [Note] Plugin 'FEDERATED' is disabled.
`)
}

func (*renderSuite) TestRenderPrepareFailure(c *gc.C) {
	r := successfulReport()
	r.Logs = backup.Outcome{Subsystem: backup.SubsystemLogs}
	r.Logs.Diagnostics = r.Logs.Diagnostics.Fail(backup.NewFailure(backup.UnexpectedError, backup.ReasonLogsTailError, nil))
	r.Logs.Diagnostics.Trace = "goroutine 1 [running]:"

	text := report.Render(r)
	c.Check(text, jc.Contains, "Logs: FAILED\n")
	c.Check(text, jc.Contains, "Reason:                   log tail failed (unexpected error)\n")
	c.Check(text, jc.Contains, "Traceback:\ngoroutine 1 [running]:\n")
	c.Check(text, gc.Not(jc.Contains), "Attempts:                 none")
}

func (*renderSuite) TestSubject(c *gc.C) {
	r := successfulReport()
	r.Logs.Success = false
	c.Check(report.Subject(r), gc.Equals, "Daily backup 2024-01-01: db SUCCESS, logs FAILED")
}

func (*renderSuite) TestRenderSkippedLogs(c *gc.C) {
	r := successfulReport()
	r.Logs = backup.Outcome{Subsystem: backup.SubsystemLogs, Skipped: true}
	c.Check(r.Success(), jc.IsTrue)
	c.Check(report.Subject(r), gc.Equals, "Daily backup 2024-01-01: db SUCCESS, logs SKIPPED")

	text := report.Render(r)
	c.Check(text, jc.Contains, "Logs: SKIPPED\n")
	c.Check(text, gc.Not(jc.Contains), "Logs Details")
	c.Check(text, gc.Not(jc.Contains), "Logs failure report")
}
