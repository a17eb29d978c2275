// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Command backupverifier proves that last night's snapshot of the database
// replica recovers cleanly and holds fresh data, promotes it to a durable
// snapshot, and snapshots the web access logs. It is meant to run once a
// day from cron; the exit code is non-zero unless every backup succeeded.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/mutex/v2"

	"github.com/juju/backupverifier/internal/config"
)

var logger = loggo.GetLogger("backupverifier")

const (
	defaultConfigPath    = "/etc/backupverifier/config.yaml"
	defaultLoggingConfig = "<root>=INFO"

	// lockDelay is how often a held lock is retried.
	lockDelay = time.Second
)

// Exit codes.
const (
	exitSuccess = 0
	exitFailure = 1
	exitUsage   = 2
)

type commandLine struct {
	configPath    string
	loggingConfig string
	logFile       string
	checkConfig   bool
}

func parseArgs(args []string, stderr io.Writer) (commandLine, error) {
	var cl commandLine
	f := gnuflag.NewFlagSet("backupverifier", gnuflag.ContinueOnError)
	f.SetOutput(stderr)
	f.StringVar(&cl.configPath, "config", defaultConfigPath, "path to the configuration file")
	f.StringVar(&cl.loggingConfig, "logging-config", defaultLoggingConfig, "logging levels, such as <root>=INFO;backupverifier.verifier=DEBUG")
	f.StringVar(&cl.logFile, "log-file", "", "also log to this file, rotated by size")
	f.BoolVar(&cl.checkConfig, "check-config", false, "validate the configuration and exit")
	if err := f.Parse(true, args); err != nil {
		return commandLine{}, err
	}
	if f.NArg() > 0 {
		return commandLine{}, errors.Errorf("unexpected arguments %q", f.Args())
	}
	return cl, nil
}

func main() {
	os.Exit(Main(context.Background(), os.Args[1:], os.Stderr))
}

// Main runs the command with the given arguments and returns its exit
// code.
func Main(ctx context.Context, args []string, stderr io.Writer) int {
	cl, err := parseArgs(args, stderr)
	if err != nil {
		if err != gnuflag.ErrHelp {
			fmt.Fprintf(stderr, "ERROR %v\n", err)
		}
		return exitUsage
	}
	closer, err := setupLogging(stderr, cl.loggingConfig, cl.logFile)
	if err != nil {
		fmt.Fprintf(stderr, "ERROR %v\n", err)
		return exitUsage
	}
	defer func() { _ = closer.Close() }()

	cfg, err := config.Read(cl.configPath)
	if err != nil {
		logger.Errorf("%v", err)
		return exitUsage
	}
	if cl.checkConfig {
		logger.Infof("configuration %s is valid", cl.configPath)
		return exitSuccess
	}

	releaser, err := mutex.Acquire(mutex.Spec{
		Name:    cfg.Lock.Name,
		Clock:   clock.WallClock,
		Delay:   lockDelay,
		Timeout: cfg.Lock.Timeout,
	})
	if err != nil {
		logger.Errorf("another run holds lock %q: %v", cfg.Lock.Name, err)
		return exitFailure
	}
	defer releaser.Release()

	deps, err := newRunDeps(ctx, cfg)
	if err != nil {
		logger.Errorf("%v", err)
		return exitFailure
	}
	r, err := runBackup(ctx, cfg, deps)
	if err != nil {
		logger.Errorf("%v", err)
		return exitFailure
	}
	if !r.Success() {
		return exitFailure
	}
	return exitSuccess
}

func newRunDeps(ctx context.Context, cfg config.Config) (runDeps, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWS.Region),
	}
	if cfg.AWS.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWS.AccessKeyID, cfg.AWS.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return runDeps{}, errors.Annotate(err, "loading AWS configuration")
	}
	deps := runDeps{
		Clock: clock.WallClock,
		EC2:   awsec2.NewFromConfig(awsCfg),
		Dial:  dialSSH(clock.WallClock),
		RunID: uuid.NewString(),
	}
	if cfg.Report.S3.Bucket != "" {
		deps.S3 = s3.NewFromConfig(awsCfg)
	}
	return deps, nil
}
