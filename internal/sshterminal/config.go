package sshterminal

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/oupson/flatline/internal/sshkeys"
)

const (
	// DefaultPort is used when the address has no port.
	DefaultPort = "22"
	// DefaultQueueSize is the capacity of the control queue.
	DefaultQueueSize = 16
	// DefaultReadBufferSize is how much is read from the PTY per iteration.
	DefaultReadBufferSize = 512
)

// ErrNoAddress is returned by NewConfig for an empty address.
var ErrNoAddress = errors.New("session address is empty")

// AuditSink receives one event per session outcome. *sshaudit.Auditor
// implements it.
type AuditSink interface {
	SessionStarted(sessionID, address, username, identity string)
	SessionFailed(sessionID, address, username string, err error)
	SessionEnded(sessionID, address, username, reason string, duration time.Duration, bytesIn, bytesOut int64)
}

// Config is the validated description of one session. Build it with
// NewConfig; the zero value is rejected by Spawn.
type Config struct {
	address string

	username       string
	agentSocket    string
	hostKey        sshkeys.HostKeyVerifier
	connectTimeout time.Duration
	keepalive      time.Duration
	strictSetup    bool
	term           string
	queueSize      int
	readBufferSize int
	recordingDir   string
	recordingKey   *fernet.Key
	audit          AuditSink
	callbacks      []StateCallback
}

// Option customizes a Config.
type Option func(*Config)

// NewConfig validates address and applies opts. A bare host gets port 22.
// Unless overridden, channel setup is strict, the control queue holds 16
// messages and the PTY is read 512 bytes at a time.
func NewConfig(address string, opts ...Option) (Config, error) {
	addr, err := normalizeAddress(address)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		address:        addr,
		hostKey:        sshkeys.AcceptAny{},
		strictSetup:    true,
		queueSize:      DefaultQueueSize,
		readBufferSize: DefaultReadBufferSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.queueSize < 1 {
		return Config{}, fmt.Errorf("control queue size must be positive, got %d", cfg.queueSize)
	}
	if cfg.readBufferSize < 1 {
		return Config{}, fmt.Errorf("read buffer size must be positive, got %d", cfg.readBufferSize)
	}
	if cfg.connectTimeout < 0 {
		return Config{}, fmt.Errorf("connect timeout must not be negative, got %s", cfg.connectTimeout)
	}
	if cfg.keepalive < 0 {
		return Config{}, fmt.Errorf("keepalive interval must not be negative, got %s", cfg.keepalive)
	}
	return cfg, nil
}

func normalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", ErrNoAddress
	}
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		// No port, possibly a bare IPv6 literal.
		host, port = strings.Trim(address, "[]"), ""
	}
	if host == "" {
		return "", fmt.Errorf("session address %q has no host", address)
	}
	if port == "" {
		port = DefaultPort
	}
	return net.JoinHostPort(host, port), nil
}

// Address returns the normalized host:port.
func (c Config) Address() string { return c.address }

// StrictSetup reports whether rejected pty-req and env requests are fatal.
func (c Config) StrictSetup() bool { return c.strictSetup }

// WithUsername overrides the login name. Empty means the OS login name.
func WithUsername(name string) Option {
	return func(c *Config) { c.username = name }
}

// WithAgentSocket sets the key agent socket, normally SSH_AUTH_SOCK.
func WithAgentSocket(path string) Option {
	return func(c *Config) { c.agentSocket = path }
}

// WithHostKeyVerifier replaces the default AcceptAny verifier.
func WithHostKeyVerifier(v sshkeys.HostKeyVerifier) Option {
	return func(c *Config) {
		if v != nil {
			c.hostKey = v
		}
	}
}

// WithConnectTimeout bounds the dial and handshake. Zero relies on the OS.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) { c.connectTimeout = d }
}

// WithKeepalive pings the transport every d once the shell is running and
// ends the session when a ping goes unanswered. Zero disables it.
func WithKeepalive(d time.Duration) Option {
	return func(c *Config) { c.keepalive = d }
}

// WithStrictSetup chooses whether a rejected pty-req or env request aborts
// the session.
func WithStrictSetup(strict bool) Option {
	return func(c *Config) { c.strictSetup = strict }
}

// WithTerm sets the remote pty type and TERM value.
func WithTerm(term string) Option {
	return func(c *Config) { c.term = term }
}

// WithQueueSize sets the capacity of the control queue.
func WithQueueSize(n int) Option {
	return func(c *Config) { c.queueSize = n }
}

// WithReadBufferSize sets how many bytes are read from the PTY at a time.
func WithReadBufferSize(n int) Option {
	return func(c *Config) { c.readBufferSize = n }
}

// WithRecording saves an asciinema cast of the session into dir when it
// ends. A non-nil key encrypts the file with fernet.
func WithRecording(dir string, key *fernet.Key) Option {
	return func(c *Config) {
		c.recordingDir = dir
		c.recordingKey = key
	}
}

// WithAudit reports session outcomes to sink.
func WithAudit(sink AuditSink) Option {
	return func(c *Config) { c.audit = sink }
}

// WithStateCallback registers cb for every state change of the session.
func WithStateCallback(cb StateCallback) Option {
	return func(c *Config) { c.callbacks = append(c.callbacks, cb) }
}
