// Copyright 2014 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package ssh

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"golang.org/x/crypto/ssh"

	"github.com/juju/backupverifier/internal/wait"
)

// Dialer defines a Dial() method matching the signature of net.Dial().
type Dialer interface {
	Dial(network, address string) (net.Conn, error)
}

var hostKeyNotInList = errors.New("host key not in expected set")
var hostKeyAccepted = errors.New("host key was accepted, retry")

// hostKeyChecker checks if a host presents one of the allowed public keys.
// It uses the ssh.HostKeyCallback to find the host key on a connection.
type hostKeyChecker struct {
	// AcceptedKeys is a set of the Marshalled PublicKey content. An empty
	// set accepts any key.
	AcceptedKeys set.Strings

	// Address is the host:port to check.
	Address string

	// Dialer is a Dialer that allows us to initiate the underlying TCP connection.
	Dialer Dialer
}

func (h *hostKeyChecker) hostKeyCallback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	// Note: we don't do any advanced checking of the PublicKey, like whether
	// the key is revoked or expired. All we care about is whether it matches
	// the public keys that we consider acceptable
	debugName := hostname
	if hostname != remote.String() {
		debugName = fmt.Sprintf("%s at %s", hostname, remote.String())
	}
	logger.Tracef("checking host key for %s, with key %q", debugName, ssh.MarshalAuthorizedKey(key))

	if len(h.AcceptedKeys) == 0 || h.AcceptedKeys.Contains(string(key.Marshal())) {
		logger.Debugf("accepted host key for: %s", debugName)
		return hostKeyAccepted
	}
	logger.Debugf("host key for %s not in our accepted set: log at TRACE to see raw keys", debugName)
	return hostKeyNotInList
}

// Check dials the address and runs an SSH key exchange far enough to see
// the host key. It reports whether the key was accepted.
func (h *hostKeyChecker) Check() bool {
	sshConfig := &ssh.ClientConfig{
		HostKeyCallback: h.hostKeyCallback,
	}
	logger.Debugf("dialing %s to check host keys", h.Address)
	conn, err := h.Dialer.Dial("tcp", h.Address)
	if err != nil {
		logger.Debugf("dial %s failed with: %v", h.Address, err)
		return false
	}
	// NewClientConn will close the underlying net.Conn if it gets an error
	client, _, _, err := ssh.NewClientConn(conn, h.Address, sshConfig)
	if err == nil {
		// We don't expect this case, because we don't offer any auth
		// methods, but make sure to close it anyway.
		_ = client.Close()
		return true
	}
	if strings.Contains(err.Error(), hostKeyAccepted.Error()) {
		return true
	}
	if !strings.Contains(err.Error(), hostKeyNotInList.Error()) {
		logger.Debugf("%v", err)
	}
	return false
}

// publicKeysToSet converts all the public key values (eg id_ed25519.pub) into
// their short hash form. Problems with a key are logged at Warning level, but
// otherwise ignored.
func publicKeysToSet(publicKeys []string) set.Strings {
	acceptedKeys := set.NewStrings()
	for _, pubKey := range publicKeys {
		// key, comment, options, rest, err
		sshKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pubKey))
		if err != nil {
			logger.Warningf("unable to handle public key: %q", pubKey)
			continue
		}
		acceptedKeys.Add(string(sshKey.Marshal()))
	}
	return acceptedKeys
}

// WaitReachable waits until an SSH server at address completes a key
// exchange with one of publicKeys, or any key when publicKeys is empty.
// A freshly started node accepts TCP connections some time before sshd
// is listening, so both dial and handshake failures are retried under p.
func WaitReachable(ctx context.Context, clk clock.Clock, p wait.Policy, dialer Dialer, address string, publicKeys []string) error {
	checker := &hostKeyChecker{
		AcceptedKeys: publicKeysToSet(publicKeys),
		Address:      DialAddress(address),
		Dialer:       dialer,
	}
	err := wait.For(ctx, clk, p, "ssh on "+checker.Address, func(context.Context) (bool, error) {
		return checker.Check(), nil
	})
	if err != nil {
		return errors.Trace(err)
	}
	logger.Infof("found %v has an acceptable ssh key", checker.Address)
	return nil
}

// DialAddress adds the default SSH port to address when it has none.
func DialAddress(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, "22")
}
