package sshauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/oupson/flatline/internal/logutil"
	"github.com/oupson/flatline/internal/sshkeys"
)

// ErrAuthExhausted is matched by every *AuthExhaustedError.
var ErrAuthExhausted = errors.New("all identities rejected")

// AuthExhaustedError reports that every identity the agent offered was
// rejected by the server.
type AuthExhaustedError struct {
	Attempts int
	Err      error
}

func (e *AuthExhaustedError) Error() string {
	return fmt.Sprintf("authentication failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *AuthExhaustedError) Unwrap() error { return e.Err }

func (e *AuthExhaustedError) Is(target error) bool { return target == ErrAuthExhausted }

// TransportError reports a failure to reach the server or complete the key
// exchange, including a rejected host key.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Session is an authenticated SSH connection.
type Session struct {
	Address  string
	Username string
	// Identity is the agent key the server accepted.
	Identity Identity
	Client   *ssh.Client
}

// Authenticator opens the transport to Address and logs in as Username with
// the keys held by the agent at AgentSocket.
type Authenticator struct {
	Address     string
	Username    string
	AgentSocket string
	// HostKey decides which server keys are trusted. Nil accepts any key.
	HostKey sshkeys.HostKeyVerifier
	// ConnectTimeout bounds the TCP dial and the handshake. Zero leaves it
	// to the OS.
	ConnectTimeout time.Duration
	// OnTransport is called once the server's host key has been accepted,
	// before any identity is offered.
	OnTransport func()
}

// Authenticate connects to the agent, dials the server and tries the agent's
// identities in order. The agent connection is released before returning.
func (a *Authenticator) Authenticate(ctx context.Context) (*Session, error) {
	source, err := DialAgent(a.AgentSocket)
	if err != nil {
		return nil, err
	}
	defer source.Close()

	ids, err := source.Identities()
	if err != nil {
		return nil, err
	}

	username, err := ResolveUsername(a.Username)
	if err != nil {
		return nil, err
	}

	var (
		mu          sync.Mutex
		accepted    *Identity
		offered     bool
		transportUp bool
	)
	signers := make([]ssh.Signer, len(ids))
	for i := range ids {
		id := ids[i]
		signers[i] = &identitySigner{id: id, onSigned: func() {
			mu.Lock()
			accepted = &id
			mu.Unlock()
		}}
	}

	var transportOnce sync.Once
	verify := sshkeys.Callback(a.HostKey)
	config := &ssh.ClientConfig{
		User: username,
		// All identities go through one method: the client tries a method
		// name only once.
		Auth: []ssh.AuthMethod{
			ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
				mu.Lock()
				offered = true
				mu.Unlock()
				for _, id := range ids {
					log.Printf("[ssh-auth] offering %s", id)
				}
				return signers, nil
			}),
		},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			if err := verify(hostname, remote, key); err != nil {
				return err
			}
			mu.Lock()
			transportUp = true
			mu.Unlock()
			if a.OnTransport != nil {
				transportOnce.Do(a.OnTransport)
			}
			return nil
		},
	}

	client, err := a.dial(ctx, config)
	if err != nil {
		// The handshake only reaches the auth callback after the host key
		// was accepted; a rejection before any identity was offered is a
		// transport failure.
		mu.Lock()
		reachedAuth := transportUp && offered
		mu.Unlock()
		var te *TransportError
		if reachedAuth && errors.As(err, &te) && te.Op == "handshake" && authRejected(te.Err) {
			log.Printf("[ssh-auth] %s@%s: all %d identities rejected",
				logutil.SanitizeForLog(username), logutil.SanitizeForLog(a.Address), len(ids))
			return nil, &AuthExhaustedError{Attempts: len(ids), Err: te.Err}
		}
		return nil, err
	}

	mu.Lock()
	var id Identity
	if accepted != nil {
		id = *accepted
	}
	mu.Unlock()

	log.Printf("[ssh-auth] authenticated %s@%s with %s",
		logutil.SanitizeForLog(username), logutil.SanitizeForLog(a.Address), id)
	return &Session{Address: a.Address, Username: username, Identity: id, Client: client}, nil
}

// dial opens the TCP connection and runs the SSH handshake, giving up when
// ctx is cancelled.
func (a *Authenticator) dial(ctx context.Context, config *ssh.ClientConfig) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: a.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", a.Address)
	if err != nil {
		return nil, &TransportError{Op: "dial", Addr: a.Address, Err: err}
	}
	if a.ConnectTimeout > 0 {
		conn.SetDeadline(time.Now().Add(a.ConnectTimeout))
	}

	var (
		sshConn ssh.Conn
		chans   <-chan ssh.NewChannel
		reqs    <-chan *ssh.Request
		dialErr error
	)
	dialDone := make(chan struct{})
	go func() {
		defer close(dialDone)
		sshConn, chans, reqs, dialErr = ssh.NewClientConn(conn, a.Address, config)
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		<-dialDone
		if sshConn != nil {
			sshConn.Close()
		}
		return nil, &TransportError{Op: "handshake", Addr: a.Address, Err: ctx.Err()}
	case <-dialDone:
	}
	if dialErr != nil {
		conn.Close()
		return nil, &TransportError{Op: "handshake", Addr: a.Address, Err: dialErr}
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// authRejectedMsg starts the error x/crypto/ssh's client returns once the
// server has refused every offered auth method ("ssh: unable to
// authenticate, attempted methods [...], no supported methods remain"),
// wrapped by NewClientConn as "ssh: handshake failed: ...". The package
// exports no sentinel or type for it.
const authRejectedMsg = "ssh: unable to authenticate"

// authRejected reports whether err from the handshake means the server
// refused authentication, as opposed to the connection failing mid-way.
func authRejected(err error) bool {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return false
	}
	return strings.Contains(err.Error(), authRejectedMsg)
}

// identitySigner signs through the agent. A signing failure is logged and
// turned into an invalid signature, so the server rejects that identity and
// the client moves on to the next one instead of aborting the login.
type identitySigner struct {
	id       Identity
	onSigned func()
}

func (s *identitySigner) PublicKey() ssh.PublicKey { return s.id.PublicKey }

func (s *identitySigner) Sign(rand io.Reader, data []byte) (*ssh.Signature, error) {
	return s.SignWithAlgorithm(rand, data, "")
}

func (s *identitySigner) SignWithAlgorithm(rand io.Reader, data []byte, algorithm string) (*ssh.Signature, error) {
	var (
		sig *ssh.Signature
		err error
	)
	if as, ok := s.id.signer.(ssh.AlgorithmSigner); ok {
		sig, err = as.SignWithAlgorithm(rand, data, algorithm)
	} else if algorithm == "" || algorithm == s.id.PublicKey.Type() {
		sig, err = s.id.signer.Sign(rand, data)
	} else {
		err = fmt.Errorf("algorithm %s not supported", algorithm)
	}
	if err != nil {
		log.Printf("[ssh-auth] signing with %s failed: %v", s.id, err)
		format := algorithm
		if format == "" {
			format = s.id.PublicKey.Type()
		}
		return &ssh.Signature{Format: format, Blob: []byte{}}, nil
	}
	if s.onSigned != nil {
		s.onSigned()
	}
	return sig, nil
}
