package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/oupson/flatline/internal/crypto"
	"github.com/oupson/flatline/internal/sshkeys"
)

func TestFromEnv_Defaults(t *testing.T) {
	s, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if !s.StrictChannelSetup {
		t.Error("strict channel setup should default to true")
	}
	if s.ControlQueueSize != 16 || s.ReadBufferSize != 512 {
		t.Errorf("queue %d, buffer %d", s.ControlQueueSize, s.ReadBufferSize)
	}
	if s.AuditRetentionDays != 90 || s.AuditPurgeSchedule != "@daily" {
		t.Errorf("retention %d, schedule %q", s.AuditRetentionDays, s.AuditPurgeSchedule)
	}
	if s.KeepaliveInterval != 30*time.Second {
		t.Errorf("keepalive = %s", s.KeepaliveInterval)
	}
	if s.RemoteTerm != "xterm-256color" {
		t.Errorf("remote term = %q", s.RemoteTerm)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("FLATLINE_CONNECT_TIMEOUT", "5s")
	t.Setenv("FLATLINE_STRICT_CHANNEL_SETUP", "false")
	t.Setenv("FLATLINE_HOST_KEY_POLICY", "fingerprint")
	t.Setenv("FLATLINE_HOST_FINGERPRINT", "SHA256:abc")
	t.Setenv("FLATLINE_CONTROL_QUEUE_SIZE", "4")

	s, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if s.ConnectTimeout != 5*time.Second || s.StrictChannelSetup || s.ControlQueueSize != 4 {
		t.Errorf("timeout %s, strict %v, queue %d", s.ConnectTimeout, s.StrictChannelSetup, s.ControlQueueSize)
	}
	v, err := s.HostKeyVerifier()
	if err != nil {
		t.Fatalf("HostKeyVerifier: %v", err)
	}
	if pinned, ok := v.(sshkeys.PinnedFingerprint); !ok || pinned.Expected != "SHA256:abc" {
		t.Errorf("verifier = %#v", v)
	}
}

func TestFromEnv_StandardSSHVariables(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "/run/agent.sock")
	t.Setenv("SSH_USERNAME", "deploy")

	s, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if s.AgentSocket != "/run/agent.sock" || s.Username != "deploy" {
		t.Errorf("socket %q, username %q", s.AgentSocket, s.Username)
	}

	t.Setenv("FLATLINE_SSH_AUTH_SOCK", "/tmp/other.sock")
	s, err = FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if s.AgentSocket != "/tmp/other.sock" {
		t.Errorf("prefixed variable should win, got %q", s.AgentSocket)
	}
}

func TestFromEnv_Invalid(t *testing.T) {
	t.Setenv("FLATLINE_CONTROL_QUEUE_SIZE", "many")
	if _, err := FromEnv(); err == nil {
		t.Error("expected an error for a non-numeric queue size")
	}
}

func TestLoad_SetsCfg(t *testing.T) {
	t.Setenv("FLATLINE_READ_BUFFER_SIZE", "1024")
	old := Cfg
	t.Cleanup(func() { Cfg = old })

	if err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if Cfg.ReadBufferSize != 1024 {
		t.Errorf("Cfg.ReadBufferSize = %d", Cfg.ReadBufferSize)
	}
}

func TestSettings_Paths(t *testing.T) {
	s := Settings{DataPath: "/var/lib/flatline"}

	if got, _ := s.AuditDBPath(); got != filepath.Join("/var/lib/flatline", "audit.db") {
		t.Errorf("AuditDBPath = %q", got)
	}
	if got, _ := s.HostsPath(); got != filepath.Join("/var/lib/flatline", "hosts.yaml") {
		t.Errorf("HostsPath = %q", got)
	}

	s.AuditDB = "/tmp/a.db"
	s.HostsFile = "/tmp/h.yaml"
	if got, _ := s.AuditDBPath(); got != "/tmp/a.db" {
		t.Errorf("AuditDBPath override = %q", got)
	}
	if got, _ := s.HostsPath(); got != "/tmp/h.yaml" {
		t.Errorf("HostsPath override = %q", got)
	}
}

func TestSettings_RecordingFernetKey(t *testing.T) {
	var s Settings
	key, err := s.RecordingFernetKey()
	if err != nil || key != nil {
		t.Fatalf("empty key: %v, %v", key, err)
	}

	s.RecordingKey, err = crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if key, err = s.RecordingFernetKey(); err != nil || key == nil {
		t.Errorf("valid key: %v, %v", key, err)
	}

	s.RecordingKey = "not-a-key"
	if _, err := s.RecordingFernetKey(); err == nil {
		t.Error("expected an error for a malformed key")
	}
}

func TestSettings_HostKeyVerifierErrors(t *testing.T) {
	tests := []Settings{
		{HostKeyPolicy: "fingerprint"},
		{HostKeyPolicy: "known_hosts"},
		{HostKeyPolicy: "tofu"},
	}
	for _, s := range tests {
		if _, err := s.HostKeyVerifier(); err == nil {
			t.Errorf("policy %q: expected an error", s.HostKeyPolicy)
		}
	}
}
