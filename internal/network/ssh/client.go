// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package ssh runs shell commands on the verification and logs hosts.
package ssh

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/kballard/go-shellquote"
	"golang.org/x/crypto/ssh"
)

var logger = loggo.GetLogger("backupverifier.network.ssh")

// Result holds the output of a remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Success reports whether the command exited zero.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Executor runs shell commands on a remote host. A command that runs and
// exits non-zero is not an error; errors are reserved for failures to run
// the command at all.
type Executor interface {
	Run(ctx context.Context, command string) (Result, error)
}

// DefaultDialTimeout bounds establishing the TCP connection.
const DefaultDialTimeout = 30 * time.Second

// Config describes how to reach and authenticate with a host.
type Config struct {
	// Address is host or host:port; port 22 is assumed when absent.
	Address string

	User string

	// Password authenticates the user, and is fed to sudo when Sudo is set.
	Password string

	// PrivateKey is a PEM encoded private key.
	PrivateKey []byte

	// HostKeys are authorized_keys formatted keys the host may present.
	// When empty any host key is accepted.
	HostKeys []string

	// Sudo runs every command through "sudo -S".
	Sudo bool

	// Dialer establishes the TCP connection; a net.Dialer with
	// DefaultDialTimeout is used when nil.
	Dialer Dialer
}

// Validate ensures the config is usable.
func (c Config) Validate() error {
	if c.Address == "" {
		return errors.NotValidf("empty Address")
	}
	if c.User == "" {
		return errors.NotValidf("empty User")
	}
	if c.Password == "" && len(c.PrivateKey) == 0 {
		return errors.NotValidf("missing Password or PrivateKey")
	}
	if c.Sudo && c.Password == "" {
		return errors.NotValidf("Sudo without Password")
	}
	return nil
}

// Client is an Executor over a single SSH connection, established on first
// use and re-established if it breaks.
type Client struct {
	cfg Config

	mu   sync.Mutex
	conn *ssh.Client
}

var _ Executor = (*Client)(nil)

// NewClient returns a Client for the given config. No connection is made
// until the first command runs.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{Timeout: DefaultDialTimeout}
	}
	return &Client{cfg: cfg}, nil
}

func (c *Client) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if len(c.cfg.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(c.cfg.PrivateKey)
		if err != nil {
			return nil, errors.Annotate(err, "parsing private key")
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.cfg.Password != "" {
		auth = append(auth, ssh.Password(c.cfg.Password))
	}
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if len(c.cfg.HostKeys) > 0 {
		accepted := publicKeysToSet(c.cfg.HostKeys)
		hostKeyCallback = func(hostname string, _ net.Addr, key ssh.PublicKey) error {
			if accepted.Contains(string(key.Marshal())) {
				return nil
			}
			return errors.Errorf("host key for %s not accepted", hostname)
		}
	}
	return &ssh.ClientConfig{
		User:            c.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
	}, nil
}

func (c *Client) connect() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	config, err := c.clientConfig()
	if err != nil {
		return nil, errors.Trace(err)
	}
	addr := DialAddress(c.cfg.Address)
	conn, err := c.cfg.Dialer.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "dialing %s", addr)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		return nil, errors.Annotatef(err, "connecting to %s", addr)
	}
	logger.Debugf("connected to %s as %s", addr, c.cfg.User)
	c.conn = ssh.NewClient(sshConn, chans, reqs)
	return c.conn, nil
}

// drop discards a broken connection so the next command reconnects.
func (c *Client) drop(conn *ssh.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// command returns what is sent to the remote shell for cmd.
func (c *Client) command(cmd string) string {
	if !c.cfg.Sudo {
		return cmd
	}
	return "sudo -S -p '' sh -c " + shellquote.Join(cmd)
}

// Run is part of the Executor interface.
func (c *Client) Run(ctx context.Context, cmd string) (Result, error) {
	conn, err := c.connect()
	if err != nil {
		return Result{}, errors.Trace(err)
	}
	session, err := conn.NewSession()
	if err != nil {
		c.drop(conn)
		return Result{}, errors.Annotate(err, "opening session")
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if c.cfg.Sudo {
		session.Stdin = strings.NewReader(c.cfg.Password + "\n")
	}

	logger.Tracef("running %q on %s", cmd, c.cfg.Address)
	done := make(chan error, 1)
	go func() {
		done <- session.Run(c.command(cmd))
	}()
	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return Result{}, errors.Annotatef(ctx.Err(), "running command on %s", c.cfg.Address)
	}

	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
	default:
		c.drop(conn)
		return result, errors.Annotatef(err, "running command on %s", c.cfg.Address)
	}
	logger.Tracef("%q exited %d", cmd, result.ExitCode)
	return result, nil
}

// Close closes the connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return errors.Trace(err)
}
