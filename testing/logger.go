// Copyright 2020 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"strings"

	"github.com/juju/loggo/v2"
	gc "gopkg.in/check.v1"
)

// CheckLog is an interface that can be used to log messages to a
// *testing.T or *check.C.
type CheckLog interface {
	Logf(string, ...any)
}

// checkWriter is a loggo.Writer that logs to a *testing.T or *check.C.
type checkWriter struct {
	log CheckLog
}

// Write is part of the loggo.Writer interface.
func (w checkWriter) Write(entry loggo.Entry) {
	w.log.Logf("%s %s %s", entry.Level, entry.Module, entry.Message)
}

// LoggingSuite routes all logging to the running test and records it so
// that tests can assert on what was logged.
type LoggingSuite struct {
	logs *loggo.TestWriter
}

const (
	checkWriterName  = "check"
	recordWriterName = "record"
)

func (s *LoggingSuite) SetUpTest(c *gc.C) {
	loggo.ResetLogging()
	_, _ = loggo.RemoveWriter("default")
	s.logs = &loggo.TestWriter{}
	c.Assert(loggo.RegisterWriter(checkWriterName, checkWriter{log: c}), gc.IsNil)
	c.Assert(loggo.RegisterWriter(recordWriterName, s.logs), gc.IsNil)
	c.Assert(loggo.ConfigureLoggers("<root>=TRACE"), gc.IsNil)
}

func (s *LoggingSuite) TearDownTest(c *gc.C) {
	loggo.ResetLogging()
}

// LoggedMessages returns every message logged at or above level since the
// test started.
func (s *LoggingSuite) LoggedMessages(level loggo.Level) []string {
	var messages []string
	for _, entry := range s.logs.Log() {
		if entry.Level >= level {
			messages = append(messages, entry.Message)
		}
	}
	return messages
}

// Logged reports whether any message at or above level contains substr.
func (s *LoggingSuite) Logged(level loggo.Level, substr string) bool {
	for _, msg := range s.LoggedMessages(level) {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}
