// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config reads the YAML configuration of a backup run and turns it
// into the configs of the components that carry the run out.
package config

import (
	"bytes"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/utils/v4"
	"gopkg.in/yaml.v3"

	"github.com/juju/backupverifier/internal/backup"
	"github.com/juju/backupverifier/internal/logbackup"
	"github.com/juju/backupverifier/internal/network/ssh"
	"github.com/juju/backupverifier/internal/provider/ec2"
	"github.com/juju/backupverifier/internal/snapshot"
	"github.com/juju/backupverifier/internal/verifier"
	"github.com/juju/backupverifier/internal/wait"
)

const (
	DefaultRegion      = "us-east-1"
	DefaultSSHUser     = "ubuntu"
	DefaultLockName    = "backupverifier"
	DefaultLockTimeout = time.Minute
	DefaultTimeZone    = "UTC"
)

// DefaultReachable bounds the wait for sshd on a host that has just
// started.
var DefaultReachable = wait.Policy{Interval: 5 * time.Second, Timeout: 5 * time.Minute}

// Config is the whole configuration file.
type Config struct {
	AWS     AWS     `yaml:"aws"`
	DB      DB      `yaml:"db"`
	Logs    Logs    `yaml:"logs"`
	Report  Report  `yaml:"report"`
	Metrics Metrics `yaml:"metrics"`
	Lock    Lock    `yaml:"lock"`
}

// AWS holds the account, placement and polling settings.
type AWS struct {
	Region string `yaml:"region"`

	// AccessKeyID and SecretAccessKey override the default credential
	// chain when both are set.
	AccessKeyID     string `yaml:"access-key-id,omitempty"`
	SecretAccessKey string `yaml:"secret-access-key,omitempty"`

	Zone string            `yaml:"zone"`
	Tags map[string]string `yaml:"tags,omitempty"`

	Provision    wait.Policy   `yaml:"provision"`
	Snapshot     wait.Policy   `yaml:"snapshot"`
	AttachSettle time.Duration `yaml:"attach-settle,omitempty"`
}

// SSH describes how to log in to a host.
type SSH struct {
	User     string `yaml:"user"`
	Password string `yaml:"password,omitempty"`

	// PrivateKeyFile may start with ~.
	PrivateKeyFile string `yaml:"private-key-file,omitempty"`

	HostKeys []string `yaml:"host-keys,omitempty"`
	Sudo     bool     `yaml:"sudo,omitempty"`

	// Reachable bounds the wait for sshd to answer.
	Reachable wait.Policy `yaml:"reachable"`
}

// ClientConfig returns the config for an SSH client of the host at
// address.
func (s SSH) ClientConfig(address string) (ssh.Config, error) {
	cfg := ssh.Config{
		Address:  address,
		User:     s.User,
		Password: s.Password,
		HostKeys: s.HostKeys,
		Sudo:     s.Sudo,
	}
	if s.PrivateKeyFile != "" {
		path, err := utils.NormalizePath(s.PrivateKeyFile)
		if err != nil {
			return ssh.Config{}, errors.Trace(err)
		}
		key, err := os.ReadFile(path)
		if err != nil {
			return ssh.Config{}, errors.Annotate(err, "reading private key")
		}
		cfg.PrivateKey = key
	}
	return cfg, errors.Trace(cfg.Validate())
}

func (s SSH) validate(section string) error {
	if s.User == "" {
		return errors.NotValidf("empty %s.ssh.user", section)
	}
	if s.Password == "" && s.PrivateKeyFile == "" {
		return errors.NotValidf("%s.ssh without password or private-key-file", section)
	}
	return annotate(s.Reachable.Validate(), section+".ssh.reachable")
}

// DB describes the replica, its verification node and the checks run on
// a restored copy of its volume.
type DB struct {
	NodeID       string `yaml:"node-id"`
	LiveVolumeID string `yaml:"live-volume-id"`
	Device       string `yaml:"device"`
	VolumeSize   int32  `yaml:"volume-size"`
	MaxAttempts  int    `yaml:"max-attempts"`

	SSH SSH `yaml:"ssh"`

	MountDevice  string `yaml:"mount-device"`
	MountDir     string `yaml:"mount-dir"`
	StartCommand string `yaml:"start-command"`
	StopCommand  string `yaml:"stop-command"`
	KillCommand  string `yaml:"kill-command,omitempty"`
	ErrorLog     string `yaml:"error-log"`
	ExcerptLines int    `yaml:"excerpt-lines"`

	// TimeZone is an IANA name for timestamps that carry none.
	TimeZone string `yaml:"time-zone"`

	RollbackMarker     string        `yaml:"rollback-marker"`
	RollbackDoneMarker string        `yaml:"rollback-done-marker,omitempty"`
	ReadyMarker        string        `yaml:"ready-marker"`
	RollbackDetect     wait.Policy   `yaml:"rollback-detect"`
	Rollback           wait.Policy   `yaml:"rollback"`
	QuietWindow        time.Duration `yaml:"quiet-window"`
	Ready              wait.Policy   `yaml:"ready"`

	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password,omitempty"`
	FreshnessQuery  string        `yaml:"freshness-query"`
	FreshnessBudget time.Duration `yaml:"freshness-budget"`

	TemporaryDescription string `yaml:"temporary-description"`
	DescriptionPrefix    string `yaml:"description-prefix"`
	NamePrefix           string `yaml:"name-prefix"`
}

// Logs describes the log host and the freshness check of its logs.
type Logs struct {
	Enabled bool `yaml:"enabled"`

	// Host is the address of the machine writing the logs.
	Host     string `yaml:"host"`
	VolumeID string `yaml:"volume-id"`
	SSH      SSH    `yaml:"ssh"`

	Path      string `yaml:"path"`
	TailLines int    `yaml:"tail-lines"`

	// TimePattern replaces the common log format pattern when set. Its
	// first group is the time and its optional second a UTC offset.
	TimePattern string `yaml:"time-pattern,omitempty"`
	TimeLayout  string `yaml:"time-layout"`
	TimeZone    string `yaml:"time-zone"`

	MaxDelay          time.Duration `yaml:"max-delay"`
	DescriptionPrefix string        `yaml:"description-prefix"`
	WaitForSnapshot   bool          `yaml:"wait-for-snapshot,omitempty"`
}

// Report lists where the report is published besides the log.
type Report struct {
	// File is a local path for the YAML report.
	File string   `yaml:"file,omitempty"`
	S3   S3Report `yaml:"s3,omitempty"`
}

// S3Report names the bucket reports are archived in. An empty bucket
// disables the archive.
type S3Report struct {
	Bucket string `yaml:"bucket,omitempty"`
	Prefix string `yaml:"prefix,omitempty"`
}

// Metrics configures the metrics export.
type Metrics struct {
	// Textfile is written in the node exporter textfile format.
	Textfile string `yaml:"textfile,omitempty"`
}

// Lock names the machine-wide lock that keeps runs from overlapping.
type Lock struct {
	Name    string        `yaml:"name"`
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the configuration every file is read on top of.
func Default() Config {
	v := verifier.DefaultConfig()
	l := logbackup.DefaultConfig()
	p := ec2.DefaultConfig(nil)
	return Config{
		AWS: AWS{
			Region:    DefaultRegion,
			Zone:      backup.DefaultZone,
			Provision: p.Provision,
			Snapshot:  p.Snapshot,
		},
		DB: DB{
			Device:      backup.DefaultDevice,
			VolumeSize:  backup.DefaultVolumeSize,
			MaxAttempts: backup.DefaultMaxAttempts,
			SSH: SSH{
				User:      DefaultSSHUser,
				Reachable: DefaultReachable,
			},
			MountDevice:          v.MountDevice,
			MountDir:             v.MountDir,
			StartCommand:         v.StartCommand,
			StopCommand:          v.StopCommand,
			KillCommand:          v.KillCommand,
			ErrorLog:             v.ErrorLog,
			ExcerptLines:         v.ExcerptLines,
			TimeZone:             DefaultTimeZone,
			RollbackMarker:       v.RollbackMarker,
			RollbackDoneMarker:   v.RollbackDoneMarker,
			ReadyMarker:          v.ReadyMarker,
			RollbackDetect:       v.RollbackDetect,
			Rollback:             v.Rollback,
			QuietWindow:          v.QuietWindow,
			Ready:                v.Ready,
			User:                 v.DBUser,
			FreshnessQuery:       v.FreshnessQuery,
			FreshnessBudget:      v.FreshnessBudget,
			TemporaryDescription: snapshot.DefaultTemporaryDescription,
			DescriptionPrefix:    snapshot.DefaultDescriptionPrefix,
			NamePrefix:           snapshot.DefaultNamePrefix,
		},
		Logs: Logs{
			Enabled: true,
			SSH: SSH{
				User:      DefaultSSHUser,
				Reachable: DefaultReachable,
			},
			Path:              l.LogPath,
			TailLines:         l.TailLines,
			TimeLayout:        l.TimeLayout,
			TimeZone:          DefaultTimeZone,
			MaxDelay:          l.MaxDelay,
			DescriptionPrefix: l.DescriptionPrefix,
		},
		Lock: Lock{
			Name:    DefaultLockName,
			Timeout: DefaultLockTimeout,
		},
	}
}

// Read reads and validates the configuration file at path.
func Read(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Annotate(err, "reading config")
	}
	cfg, err := Parse(data)
	return cfg, errors.Annotatef(err, "config %s", path)
}

// Parse decodes data on top of the defaults and validates the result.
// Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, errors.Annotate(err, "parsing config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

// Validate checks the fields that have no usable default. Errors name the
// offending field by its path in the file.
func (c Config) Validate() error {
	switch {
	case c.AWS.Region == "":
		return errors.NotValidf("empty aws.region")
	case c.AWS.Zone == "":
		return errors.NotValidf("empty aws.zone")
	case (c.AWS.AccessKeyID == "") != (c.AWS.SecretAccessKey == ""):
		return errors.NotValidf("aws.access-key-id without aws.secret-access-key")
	case c.AWS.AttachSettle < 0:
		return errors.NotValidf("negative aws.attach-settle")
	}
	if err := c.AWS.Provision.Validate(); err != nil {
		return annotate(err, "aws.provision")
	}
	if err := c.AWS.Snapshot.Validate(); err != nil {
		return annotate(err, "aws.snapshot")
	}
	if err := c.DB.validate(); err != nil {
		return errors.Trace(err)
	}
	if c.Logs.Enabled {
		if err := c.Logs.validate(); err != nil {
			return errors.Trace(err)
		}
	}
	if c.Lock.Name == "" {
		return errors.NotValidf("empty lock.name")
	}
	if c.Lock.Timeout <= 0 {
		return errors.NotValidf("lock.timeout %v", c.Lock.Timeout)
	}
	return nil
}

func (d DB) validate() error {
	switch {
	case d.NodeID == "":
		return errors.NotValidf("empty db.node-id")
	case d.LiveVolumeID == "":
		return errors.NotValidf("empty db.live-volume-id")
	case d.Device == "":
		return errors.NotValidf("empty db.device")
	case d.VolumeSize < 1:
		return errors.NotValidf("db.volume-size %d", d.VolumeSize)
	case d.MaxAttempts < 1:
		return errors.NotValidf("db.max-attempts %d", d.MaxAttempts)
	case d.Database == "":
		return errors.NotValidf("empty db.database")
	}
	if err := d.SSH.validate("db"); err != nil {
		return errors.Trace(err)
	}
	if _, err := time.LoadLocation(d.TimeZone); err != nil {
		return errors.NotValidf("db.time-zone %q", d.TimeZone)
	}
	return nil
}

func (l Logs) validate() error {
	switch {
	case l.Host == "":
		return errors.NotValidf("empty logs.host")
	case l.VolumeID == "":
		return errors.NotValidf("empty logs.volume-id")
	}
	if err := l.SSH.validate("logs"); err != nil {
		return errors.Trace(err)
	}
	if l.TimePattern != "" {
		if _, err := regexp.Compile(l.TimePattern); err != nil {
			return errors.NotValidf("logs.time-pattern %q", l.TimePattern)
		}
	}
	if _, err := time.LoadLocation(l.TimeZone); err != nil {
		return errors.NotValidf("logs.time-zone %q", l.TimeZone)
	}
	return nil
}

// annotate prefixes err with the path of the section it was found in,
// keeping it satisfying errors.NotValid.
func annotate(err error, field string) error {
	if err == nil {
		return nil
	}
	return errors.NewNotValid(err, field)
}

// Provider returns the EC2 provider config.
func (a AWS) Provider(client ec2.Client, clk clock.Clock) ec2.Config {
	return ec2.Config{
		Client:       client,
		Clock:        clk,
		Provision:    a.Provision,
		Snapshot:     a.Snapshot,
		AttachSettle: a.AttachSettle,
		Tags:         a.Tags,
	}
}

// Snapshots returns the snapshot manager config.
func (d DB) Snapshots(p snapshot.Provider) snapshot.Config {
	return snapshot.Config{
		Provider:             p,
		TemporaryDescription: d.TemporaryDescription,
		DescriptionPrefix:    d.DescriptionPrefix,
		NamePrefix:           d.NamePrefix,
	}
}

// Verifier returns the recovery verifier config.
func (d DB) Verifier(clk clock.Clock) (verifier.Config, error) {
	loc, err := time.LoadLocation(d.TimeZone)
	if err != nil {
		return verifier.Config{}, errors.Annotate(err, "db.time-zone")
	}
	return verifier.Config{
		Clock:              clk,
		MountDevice:        d.MountDevice,
		MountDir:           d.MountDir,
		StartCommand:       d.StartCommand,
		StopCommand:        d.StopCommand,
		KillCommand:        d.KillCommand,
		ErrorLog:           d.ErrorLog,
		Location:           loc,
		RollbackMarker:     d.RollbackMarker,
		RollbackDoneMarker: d.RollbackDoneMarker,
		ReadyMarker:        d.ReadyMarker,
		RollbackDetect:     d.RollbackDetect,
		Rollback:           d.Rollback,
		QuietWindow:        d.QuietWindow,
		Ready:              d.Ready,
		DBUser:             d.User,
		DBPassword:         d.Password,
		Database:           d.Database,
		FreshnessQuery:     d.FreshnessQuery,
		FreshnessBudget:    d.FreshnessBudget,
		ExcerptLines:       d.ExcerptLines,
	}, nil
}

// Controller fills in the settings of a retry controller config; the
// dependencies are left to the caller.
func (c Config) Controller(cfg backup.Config) backup.Config {
	cfg.NodeID = c.DB.NodeID
	cfg.LiveVolumeID = c.DB.LiveVolumeID
	cfg.Zone = c.AWS.Zone
	cfg.Device = c.DB.Device
	cfg.VolumeSize = c.DB.VolumeSize
	cfg.MaxAttempts = c.DB.MaxAttempts
	return cfg
}

// Validator fills in the settings of a log backup validator config; the
// dependencies are left to the caller.
func (l Logs) Validator(cfg logbackup.Config) (logbackup.Config, error) {
	loc, err := time.LoadLocation(l.TimeZone)
	if err != nil {
		return logbackup.Config{}, errors.Annotate(err, "logs.time-zone")
	}
	pattern := logbackup.DefaultTimePattern
	if l.TimePattern != "" {
		if pattern, err = regexp.Compile(l.TimePattern); err != nil {
			return logbackup.Config{}, errors.Annotate(err, "logs.time-pattern")
		}
	}
	cfg.VolumeID = l.VolumeID
	cfg.LogPath = l.Path
	cfg.TailLines = l.TailLines
	cfg.TimePattern = pattern
	cfg.TimeLayout = l.TimeLayout
	cfg.Location = loc
	cfg.MaxDelay = l.MaxDelay
	cfg.DescriptionPrefix = l.DescriptionPrefix
	cfg.WaitForSnapshot = l.WaitForSnapshot
	return cfg, nil
}
