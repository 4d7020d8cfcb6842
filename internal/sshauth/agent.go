package sshauth

import (
	"errors"
	"fmt"
	"log"
	"net"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/oupson/flatline/internal/logutil"
)

var (
	// ErrAgentUnavailable means no key agent socket is configured or the
	// socket cannot be reached.
	ErrAgentUnavailable = errors.New("ssh agent unavailable")
	// ErrNoIdentities means the agent answered but holds no keys.
	ErrNoIdentities = errors.New("ssh agent has no identities")
)

// Identity is one key held by the agent. The private half never leaves the
// agent; signing goes through signer.
type Identity struct {
	Comment     string
	Fingerprint string
	PublicKey   ssh.PublicKey

	signer ssh.Signer
}

func (id Identity) String() string {
	if id.Comment == "" {
		return id.Fingerprint
	}
	return fmt.Sprintf("%s (%s)", logutil.Truncate(logutil.SanitizeForLog(id.Comment), 64), id.Fingerprint)
}

// CredentialSource is a connection to a running key agent.
type CredentialSource struct {
	conn   net.Conn
	client agent.ExtendedAgent
}

// DialAgent connects to the agent listening on socket, normally the value of
// SSH_AUTH_SOCK.
func DialAgent(socket string) (*CredentialSource, error) {
	if socket == "" {
		return nil, fmt.Errorf("%w: SSH_AUTH_SOCK is not set", ErrAgentUnavailable)
	}
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}
	log.Printf("[ssh-agent] connected to %s", logutil.SanitizeForLog(socket))
	return &CredentialSource{conn: conn, client: agent.NewClient(conn)}, nil
}

// Identities returns the agent's keys in the order the agent reports them.
func (c *CredentialSource) Identities() ([]Identity, error) {
	keys, err := c.client.List()
	if err != nil {
		return nil, fmt.Errorf("%w: list keys: %v", ErrAgentUnavailable, err)
	}
	if len(keys) == 0 {
		return nil, ErrNoIdentities
	}

	signers, err := c.client.Signers()
	if err != nil {
		return nil, fmt.Errorf("%w: load signers: %v", ErrAgentUnavailable, err)
	}
	byKey := make(map[string]ssh.Signer, len(signers))
	for _, s := range signers {
		byKey[string(s.PublicKey().Marshal())] = s
	}

	ids := make([]Identity, 0, len(keys))
	for _, k := range keys {
		signer, ok := byKey[string(k.Marshal())]
		if !ok {
			// The agent changed between the two calls.
			log.Printf("[ssh-agent] skipping key %s: no signer", ssh.FingerprintSHA256(k))
			continue
		}
		ids = append(ids, Identity{
			Comment:     k.Comment,
			Fingerprint: ssh.FingerprintSHA256(k),
			PublicKey:   signer.PublicKey(),
			signer:      signer,
		})
	}
	if len(ids) == 0 {
		return nil, ErrNoIdentities
	}
	log.Printf("[ssh-agent] %d identities available", len(ids))
	return ids, nil
}

// Close drops the agent connection. Identities obtained from this source
// cannot sign afterwards.
func (c *CredentialSource) Close() error {
	return c.conn.Close()
}
