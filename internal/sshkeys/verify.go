package sshkeys

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/oupson/flatline/internal/logutil"
)

// Host key policies accepted by FromPolicy.
const (
	PolicyInsecure    = "insecure"
	PolicyFingerprint = "fingerprint"
	PolicyKnownHosts  = "known_hosts"
)

// HostKeyVerifier decides whether the key a server presents during the
// handshake is trusted. Returning an error aborts the connection.
type HostKeyVerifier interface {
	VerifyHostKey(hostname string, remote net.Addr, key ssh.PublicKey) error
}

// VerifierFunc adapts a plain function to HostKeyVerifier.
type VerifierFunc func(hostname string, remote net.Addr, key ssh.PublicKey) error

func (f VerifierFunc) VerifyHostKey(hostname string, remote net.Addr, key ssh.PublicKey) error {
	return f(hostname, remote, key)
}

// Callback turns a verifier into an ssh.HostKeyCallback. A nil verifier
// behaves like AcceptAny.
func Callback(v HostKeyVerifier) ssh.HostKeyCallback {
	if v == nil {
		v = AcceptAny{}
	}
	return v.VerifyHostKey
}

// AcceptAny trusts every host key. There is no pinning and no
// trust-on-first-use store behind it, so a man in the middle goes unnoticed.
// The fingerprint is logged so a user can at least compare it by hand.
type AcceptAny struct{}

func (AcceptAny) VerifyHostKey(hostname string, _ net.Addr, key ssh.PublicKey) error {
	log.Printf("[sshkeys] WARNING: accepting unverified host key for %s (%s %s)",
		logutil.SanitizeForLog(hostname), key.Type(), ssh.FingerprintSHA256(key))
	return nil
}

// FingerprintMismatchError is returned when a host key fingerprint does not
// match the pinned value. This may indicate a MITM attack.
type FingerprintMismatchError struct {
	Host     string
	Expected string
	Actual   string
}

func (e *FingerprintMismatchError) Error() string {
	return fmt.Sprintf("host key fingerprint mismatch for %s: expected %s, got %s (possible MITM attack)", e.Host, e.Expected, e.Actual)
}

// PinnedFingerprint accepts exactly one host key, identified by its SHA256
// fingerprint ("SHA256:..." as printed by ssh-keygen -l).
type PinnedFingerprint struct {
	Expected string
}

func (p PinnedFingerprint) VerifyHostKey(hostname string, _ net.Addr, key ssh.PublicKey) error {
	actual := ssh.FingerprintSHA256(key)
	if actual != normalizeFingerprint(p.Expected) {
		return &FingerprintMismatchError{Host: hostname, Expected: p.Expected, Actual: actual}
	}
	return nil
}

func normalizeFingerprint(fp string) string {
	fp = strings.TrimSpace(fp)
	if !strings.HasPrefix(fp, "SHA256:") {
		fp = "SHA256:" + fp
	}
	return fp
}

// KnownHosts verifies keys against OpenSSH known_hosts files. Unknown hosts
// and changed keys are both rejected.
func KnownHosts(files ...string) (HostKeyVerifier, error) {
	cb, err := knownhosts.New(files...)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return VerifierFunc(func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := cb(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) {
			if len(keyErr.Want) == 0 {
				return fmt.Errorf("host %s is not in known_hosts (%s %s)", hostname, key.Type(), ssh.FingerprintSHA256(key))
			}
			return fmt.Errorf("host key for %s changed (%s): %w", hostname, ssh.FingerprintSHA256(key), err)
		}
		return err
	}), nil
}

// FromPolicy builds the verifier named by policy. An empty policy means
// PolicyInsecure.
func FromPolicy(policy, knownHostsPath, fingerprint string) (HostKeyVerifier, error) {
	switch policy {
	case "", PolicyInsecure:
		return AcceptAny{}, nil
	case PolicyFingerprint:
		if fingerprint == "" {
			return nil, fmt.Errorf("host key policy %q requires a fingerprint", policy)
		}
		return PinnedFingerprint{Expected: fingerprint}, nil
	case PolicyKnownHosts:
		if knownHostsPath == "" {
			return nil, fmt.Errorf("host key policy %q requires a known_hosts path", policy)
		}
		return KnownHosts(knownHostsPath)
	default:
		return nil, fmt.Errorf("unknown host key policy %q", policy)
	}
}
