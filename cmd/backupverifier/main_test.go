// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/loggo/v2"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
)

const validConfig = `
db:
  node-id: i-db
  live-volume-id: vol-live
  database: lightbox
  ssh:
    password: hunter2
logs:
  host: 10.0.0.9
  volume-id: vol-logs
  ssh:
    password: hunter2
`

type mainSuite struct{}

var _ = gc.Suite(&mainSuite{})

func (s *mainSuite) TearDownTest(c *gc.C) {
	loggo.ResetLogging()
}

func (s *mainSuite) TestParseArgsDefaults(c *gc.C) {
	cl, err := parseArgs(nil, &bytes.Buffer{})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cl, gc.Equals, commandLine{
		configPath:    defaultConfigPath,
		loggingConfig: defaultLoggingConfig,
	})
}

func (s *mainSuite) TestParseArgs(c *gc.C) {
	cl, err := parseArgs([]string{
		"--config", "/tmp/bv.yaml",
		"--logging-config", "<root>=DEBUG",
		"--log-file", "/var/log/bv.log",
		"--check-config",
	}, &bytes.Buffer{})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cl, gc.Equals, commandLine{
		configPath:    "/tmp/bv.yaml",
		loggingConfig: "<root>=DEBUG",
		logFile:       "/var/log/bv.log",
		checkConfig:   true,
	})
}

func (s *mainSuite) TestParseArgsErrors(c *gc.C) {
	_, err := parseArgs([]string{"--colour"}, &bytes.Buffer{})
	c.Check(err, gc.ErrorMatches, `flag provided but not defined: -*colour`)

	_, err = parseArgs([]string{"now"}, &bytes.Buffer{})
	c.Check(err, gc.ErrorMatches, `unexpected arguments \["now"\]`)
}

func (s *mainSuite) TestMainUsageError(c *gc.C) {
	var stderr bytes.Buffer
	code := Main(context.Background(), []string{"--colour"}, &stderr)
	c.Check(code, gc.Equals, exitUsage)
	c.Check(stderr.String(), jc.Contains, "ERROR flag provided but not defined")
}

func (s *mainSuite) TestMainCheckConfig(c *gc.C) {
	dir := c.MkDir()
	path := filepath.Join(dir, "config.yaml")
	err := os.WriteFile(path, []byte(validConfig), 0600)
	c.Assert(err, jc.ErrorIsNil)
	logFile := filepath.Join(dir, "backupverifier.log")

	var stderr bytes.Buffer
	code := Main(context.Background(), []string{"--config", path, "--check-config", "--log-file", logFile}, &stderr)
	c.Check(code, gc.Equals, exitSuccess)
	c.Check(stderr.String(), jc.Contains, "configuration "+path+" is valid")

	data, err := os.ReadFile(logFile)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(data), jc.Contains, "INFO backupverifier main.go:")
}

func (s *mainSuite) TestMainInvalidConfig(c *gc.C) {
	path := filepath.Join(c.MkDir(), "config.yaml")
	err := os.WriteFile(path, []byte(strings.Replace(validConfig, "database: lightbox", "", 1)), 0600)
	c.Assert(err, jc.ErrorIsNil)

	var stderr bytes.Buffer
	code := Main(context.Background(), []string{"--config", path}, &stderr)
	c.Check(code, gc.Equals, exitUsage)
	c.Check(stderr.String(), jc.Contains, "empty db.database not valid")
}

func (s *mainSuite) TestSetupLoggingLevels(c *gc.C) {
	var stderr bytes.Buffer
	closer, err := setupLogging(&stderr, "<root>=WARNING;backupverifier.verifier=DEBUG", "")
	c.Assert(err, jc.ErrorIsNil)
	defer closer.Close()

	loggo.GetLogger("backupverifier.report").Infof("hidden")
	loggo.GetLogger("backupverifier.verifier").Debugf("shown")
	c.Check(stderr.String(), gc.Not(jc.Contains), "hidden")
	c.Check(stderr.String(), jc.Contains, "DEBUG backupverifier.verifier main_test.go:")

	_, err = setupLogging(&stderr, "<root>=LOUD", "")
	c.Check(err, gc.ErrorMatches, `configuring loggers: .*`)
}

func (s *mainSuite) TestSetupLoggingWithoutWriters(c *gc.C) {
	loggo.ResetWriters()

	var stderr bytes.Buffer
	closer, err := setupLogging(&stderr, defaultLoggingConfig, "")
	c.Assert(err, jc.ErrorIsNil)
	defer closer.Close()

	loggo.GetLogger("backupverifier").Infof("still logging")
	c.Check(stderr.String(), jc.Contains, "INFO backupverifier main_test.go:")
	c.Check(stderr.String(), jc.Contains, "still logging")
}
