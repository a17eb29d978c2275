// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"net"

	"github.com/juju/clock"
	"github.com/juju/errors"

	corebackup "github.com/juju/backupverifier/core/backup"
	"github.com/juju/backupverifier/internal/backup"
	"github.com/juju/backupverifier/internal/config"
	"github.com/juju/backupverifier/internal/logbackup"
	"github.com/juju/backupverifier/internal/metrics"
	"github.com/juju/backupverifier/internal/network/ssh"
	"github.com/juju/backupverifier/internal/provider/ec2"
	"github.com/juju/backupverifier/internal/report"
	"github.com/juju/backupverifier/internal/snapshot"
	"github.com/juju/backupverifier/internal/verifier"
)

// dialFunc returns an executor for the host at address.
type dialFunc func(ctx context.Context, settings config.SSH, address string) (ssh.Executor, error)

// runDeps holds what a run needs from the outside world.
type runDeps struct {
	Clock clock.Clock
	EC2   ec2.Client

	// S3 is only used when reports are archived.
	S3 report.S3Client

	Dial  dialFunc
	RunID string
}

// dialSSH waits for sshd on the host to answer before handing out a
// client for it.
func dialSSH(clk clock.Clock) dialFunc {
	return func(ctx context.Context, settings config.SSH, address string) (ssh.Executor, error) {
		cfg, err := settings.ClientConfig(address)
		if err != nil {
			return nil, errors.Trace(err)
		}
		dialer := &net.Dialer{Timeout: ssh.DefaultDialTimeout}
		if err := ssh.WaitReachable(ctx, clk, settings.Reachable, dialer, address, settings.HostKeys); err != nil {
			return nil, errors.Trace(err)
		}
		cfg.Dialer = dialer
		client, err := ssh.NewClient(cfg)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return client, nil
	}
}

// runBackup verifies and promotes the database snapshot, checks and
// snapshots the logs, then publishes the report and metrics. Only a
// misconfiguration or a failure to publish is returned as an error; the
// outcome of the backups is in the report.
func runBackup(ctx context.Context, cfg config.Config, deps runDeps) (corebackup.Report, error) {
	collector := metrics.NewCollector()

	provider, err := ec2.NewProvider(cfg.AWS.Provider(deps.EC2, deps.Clock))
	if err != nil {
		return corebackup.Report{}, errors.Trace(err)
	}
	controller, err := newController(cfg, deps, provider, collector)
	if err != nil {
		return corebackup.Report{}, errors.Trace(err)
	}
	var validator *logbackup.Validator
	if cfg.Logs.Enabled {
		if validator, err = newValidator(cfg, deps, provider, collector); err != nil {
			return corebackup.Report{}, errors.Trace(err)
		}
	}

	r := corebackup.Report{
		RunID:     deps.RunID,
		StartTime: deps.Clock.Now(),
	}
	logger.Infof("starting run %s", deps.RunID)
	r.DB = controller.Run(ctx)
	collector.RunFinished(r.DB)
	if validator != nil {
		r.Logs = validator.Run(ctx)
		collector.RunFinished(r.Logs)
	} else {
		logger.Infof("logs check disabled")
		r.Logs = corebackup.Outcome{
			Subsystem: corebackup.SubsystemLogs,
			Skipped:   true,
			StartTime: deps.Clock.Now(),
		}
	}

	var sinks report.MultiSink
	sinks = append(sinks, report.LogSink{Logger: logger})
	if cfg.Report.File != "" {
		sinks = append(sinks, report.FileSink{Path: cfg.Report.File})
	}
	if cfg.Report.S3.Bucket != "" {
		sinks = append(sinks, report.S3Sink{
			Client: deps.S3,
			Bucket: cfg.Report.S3.Bucket,
			Prefix: cfg.Report.S3.Prefix,
		})
	}
	publishErr := sinks.Publish(context.WithoutCancel(ctx), r)

	if cfg.Metrics.Textfile != "" {
		if err := collector.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			logger.Errorf("%v", err)
			if publishErr == nil {
				publishErr = err
			}
		}
	}
	return r, errors.Annotate(publishErr, "publishing report")
}

func newController(cfg config.Config, deps runDeps, provider *ec2.Provider, collector *metrics.Collector) (*backup.Controller, error) {
	snapshots, err := snapshot.NewManager(cfg.DB.Snapshots(provider))
	if err != nil {
		return nil, errors.Trace(err)
	}
	vcfg, err := cfg.DB.Verifier(deps.Clock)
	if err != nil {
		return nil, errors.Trace(err)
	}
	vcfg.Observer = collector
	v, err := verifier.New(vcfg)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return backup.NewController(cfg.Controller(backup.Config{
		Clock:       deps.Clock,
		Provisioner: provider,
		Snapshots:   snapshots,
		Verifier:    v,
		Observer:    collector,
		Connect: func(ctx context.Context, node corebackup.Node) (ssh.Executor, error) {
			return deps.Dial(ctx, cfg.DB.SSH, node.Address)
		},
	}))
}

func newValidator(cfg config.Config, deps runDeps, provider *ec2.Provider, collector *metrics.Collector) (*logbackup.Validator, error) {
	lcfg, err := cfg.Logs.Validator(logbackup.Config{
		Clock:     deps.Clock,
		Snapshots: provider,
		Observer:  collector,
		Connect: func(ctx context.Context) (ssh.Executor, error) {
			return deps.Dial(ctx, cfg.Logs.SSH, cfg.Logs.Host)
		},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return logbackup.NewValidator(lcfg)
}
