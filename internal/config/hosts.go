package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/oupson/flatline/internal/sshkeys"
)

// HostProfile is a named connection target from the hosts file.
//
//	hosts:
//	  db:
//	    address: db.internal:2222
//	    user: deploy
//	    host_key: ssh-ed25519 AAAAC3Nz...
type HostProfile struct {
	Name          string `yaml:"-"`
	Address       string `yaml:"address"`
	User          string `yaml:"user,omitempty"`
	Term          string `yaml:"term,omitempty"`
	HostKeyPolicy string `yaml:"host_key_policy,omitempty"`
	KnownHosts    string `yaml:"known_hosts,omitempty"`
	Fingerprint   string `yaml:"fingerprint,omitempty"`
	// HostKey is an authorized_keys line; its fingerprint is pinned.
	HostKey string `yaml:"host_key,omitempty"`
}

type hostsFile struct {
	Hosts map[string]HostProfile `yaml:"hosts"`
}

// LoadHosts reads the profiles in path. A missing file yields no profiles.
func LoadHosts(path string) (map[string]HostProfile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]HostProfile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read hosts file: %w", err)
	}
	return ParseHosts(data)
}

// ParseHosts decodes a hosts file. Every profile needs an address.
func ParseHosts(data []byte) (map[string]HostProfile, error) {
	var f hostsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse hosts file: %w", err)
	}
	hosts := make(map[string]HostProfile, len(f.Hosts))
	for name, p := range f.Hosts {
		if strings.TrimSpace(p.Address) == "" {
			return nil, fmt.Errorf("host %q: address is required", name)
		}
		if p.HostKey != "" && (p.HostKeyPolicy != "" || p.Fingerprint != "") {
			return nil, fmt.Errorf("host %q: host_key cannot be combined with host_key_policy or fingerprint", name)
		}
		p.Name = name
		hosts[name] = p
	}
	return hosts, nil
}

// HostNames returns the profile names in sorted order.
func HostNames(hosts map[string]HostProfile) []string {
	names := make([]string, 0, len(hosts))
	for name := range hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Verifier builds the host key verifier the profile asks for. It returns
// nil when the profile sets no host key options, leaving the choice to the
// global settings.
func (p HostProfile) Verifier() (sshkeys.HostKeyVerifier, error) {
	if p.HostKey != "" {
		fp, err := sshkeys.Fingerprint([]byte(p.HostKey))
		if err != nil {
			return nil, fmt.Errorf("host %q: %w", p.Name, err)
		}
		return sshkeys.PinnedFingerprint{Expected: fp}, nil
	}
	if p.HostKeyPolicy == "" && p.Fingerprint == "" && p.KnownHosts == "" {
		return nil, nil
	}
	policy := p.HostKeyPolicy
	if policy == "" {
		switch {
		case p.Fingerprint != "":
			policy = sshkeys.PolicyFingerprint
		case p.KnownHosts != "":
			policy = sshkeys.PolicyKnownHosts
		}
	}
	v, err := sshkeys.FromPolicy(policy, p.KnownHosts, p.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("host %q: %w", p.Name, err)
	}
	return v, nil
}
