package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/kelseyhightower/envconfig"

	"github.com/oupson/flatline/internal/crypto"
	"github.com/oupson/flatline/internal/sshkeys"
)

// Prefix is prepended to every variable name, e.g. FLATLINE_CONNECT_TIMEOUT.
// SSH_USERNAME and SSH_AUTH_SOCK are also read under their bare names.
const Prefix = "FLATLINE"

type Settings struct {
	Username    string `envconfig:"SSH_USERNAME" default:""`
	AgentSocket string `envconfig:"SSH_AUTH_SOCK" default:""`

	// Session setup
	ConnectTimeout     time.Duration `envconfig:"CONNECT_TIMEOUT" default:"0s"`
	KeepaliveInterval  time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"30s"`
	StrictChannelSetup bool          `envconfig:"STRICT_CHANNEL_SETUP" default:"true"`
	RemoteTerm         string        `envconfig:"REMOTE_TERM" default:"xterm-256color"`
	HostKeyPolicy      string        `envconfig:"HOST_KEY_POLICY" default:"insecure"`
	KnownHosts         string        `envconfig:"KNOWN_HOSTS" default:""`
	HostFingerprint    string        `envconfig:"HOST_FINGERPRINT" default:""`
	ControlQueueSize   int           `envconfig:"CONTROL_QUEUE_SIZE" default:"16"`
	ReadBufferSize     int           `envconfig:"READ_BUFFER_SIZE" default:"512"`

	// Persistence
	DataPath           string `envconfig:"DATA_PATH" default:""`
	AuditDB            string `envconfig:"AUDIT_DB" default:""`
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
	AuditPurgeSchedule string `envconfig:"AUDIT_PURGE_SCHEDULE" default:"@daily"`
	RecordingDir       string `envconfig:"RECORDING_DIR" default:""`
	RecordingKey       string `envconfig:"RECORDING_KEY" default:""`
	HostsFile          string `envconfig:"HOSTS_FILE" default:""`
}

var Cfg Settings

// Load reads the environment into Cfg.
func Load() error {
	s, err := FromEnv()
	if err != nil {
		return err
	}
	Cfg = s
	return nil
}

// FromEnv reads the environment into a fresh Settings.
func FromEnv() (Settings, error) {
	var s Settings
	if err := envconfig.Process(Prefix, &s); err != nil {
		return Settings{}, fmt.Errorf("load config: %w", err)
	}
	return s, nil
}

// DataDir returns DataPath, or flatline under the user's config directory.
func (s Settings) DataDir() (string, error) {
	if s.DataPath != "" {
		return s.DataPath, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate data directory: %w", err)
	}
	return filepath.Join(base, "flatline"), nil
}

// AuditDBPath returns AuditDB, or audit.db inside DataDir.
func (s Settings) AuditDBPath() (string, error) {
	if s.AuditDB != "" {
		return s.AuditDB, nil
	}
	dir, err := s.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "audit.db"), nil
}

// HostsPath returns HostsFile, or hosts.yaml inside DataDir.
func (s Settings) HostsPath() (string, error) {
	if s.HostsFile != "" {
		return s.HostsFile, nil
	}
	dir, err := s.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "hosts.yaml"), nil
}

// HostKeyVerifier builds the verifier selected by HostKeyPolicy.
func (s Settings) HostKeyVerifier() (sshkeys.HostKeyVerifier, error) {
	return sshkeys.FromPolicy(s.HostKeyPolicy, s.KnownHosts, s.HostFingerprint)
}

// RecordingFernetKey decodes RecordingKey. It is nil when no key is set.
func (s Settings) RecordingFernetKey() (*fernet.Key, error) {
	return crypto.ParseKey(s.RecordingKey)
}
