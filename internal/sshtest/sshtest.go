// Package sshtest provides an in-process SSH server and key agent for tests
// of the packages that dial, authenticate and open shells.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/oupson/flatline/internal/sshkeys"
)

// Key is a generated ED25519 identity.
type Key struct {
	Private ed25519.PrivateKey
	Signer  ssh.Signer
	Comment string
}

// NewKey generates a fresh ED25519 key.
func NewKey(t testing.TB, comment string) Key {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer from key: %v", err)
	}
	return Key{Private: priv, Signer: signer, Comment: comment}
}

// StartAgent serves an in-memory agent holding keys, in order, on a unix
// socket and returns the socket path.
func StartAgent(t testing.TB, keys ...Key) string {
	t.Helper()

	keyring := agent.NewKeyring()
	for _, k := range keys {
		if err := keyring.Add(agent.AddedKey{PrivateKey: k.Private, Comment: k.Comment}); err != nil {
			t.Fatalf("add key to agent: %v", err)
		}
	}

	// t.TempDir paths can exceed the unix socket path limit.
	dir, err := os.MkdirTemp("", "agent")
	if err != nil {
		t.Fatalf("agent dir: %v", err)
	}
	sock := filepath.Join(dir, "agent.sock")
	listener, err := net.Listen("unix", sock)
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("listen agent socket: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				agent.ServeAgent(keyring, conn)
			}()
		}
	}()

	t.Cleanup(func() {
		listener.Close()
		<-done
		os.RemoveAll(dir)
	})
	return sock
}

// ServerOptions controls how the test server answers.
type ServerOptions struct {
	// AuthorizedKeys are accepted for public key auth. Everything else is
	// rejected.
	AuthorizedKeys []ssh.PublicKey
	RejectPty      bool
	RejectEnv      bool
	RejectShell    bool
	// Echo writes every byte received on a shell channel back to it.
	Echo bool
	// HoldShell, when set, delays the reply to a shell request until it is
	// closed or the connection ends.
	HoldShell <-chan struct{}
}

// Server is an in-process SSH server listening on 127.0.0.1.
type Server struct {
	Addr    string
	HostKey ssh.PublicKey

	opts     ServerOptions
	listener net.Listener
	done     chan struct{}
	sessions chan *Session

	mu           sync.Mutex
	authAttempts int
	channels     int
}

// StartServer starts a server that is shut down when the test ends.
func StartServer(t testing.TB, opts ServerOptions) *Server {
	t.Helper()

	_, hostPEM, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	hostSigner, err := sshkeys.ParsePrivateKey(hostPEM)
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	config := &ssh.ServerConfig{}
	s := &Server{
		HostKey:  hostSigner.PublicKey(),
		opts:     opts,
		done:     make(chan struct{}),
		sessions: make(chan *Session, 16),
	}
	config.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
		s.mu.Lock()
		s.authAttempts++
		s.mu.Unlock()
		for _, k := range opts.AuthorizedKeys {
			if bytes.Equal(k.Marshal(), key.Marshal()) {
				return &ssh.Permissions{}, nil
			}
		}
		return nil, fmt.Errorf("unknown public key for %s", conn.User())
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = listener
	s.Addr = listener.Addr().String()

	go func() {
		defer close(s.done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			go s.handleConn(netConn, config)
		}
	}()

	t.Cleanup(func() {
		listener.Close()
		<-s.done
	})
	return s
}

// AuthAttempts returns how many public keys clients have offered.
func (s *Server) AuthAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authAttempts
}

// ChannelsOpened returns how many session channels have been accepted.
func (s *Server) ChannelsOpened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels
}

// NextSession waits for the next accepted session channel.
func (s *Server) NextSession(t testing.TB, timeout time.Duration) *Session {
	t.Helper()
	select {
	case sess := <-s.sessions:
		return sess
	case <-time.After(timeout):
		t.Fatalf("timeout waiting for a session channel")
		return nil
	}
}

func (s *Server) handleConn(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	connDone := make(chan struct{})
	go func() {
		sshConn.Wait()
		close(connDone)
	}()
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.channels++
		s.mu.Unlock()

		sess := &Session{
			Channel:      ch,
			connDone:     connDone,
			shellStarted: make(chan struct{}),
			readDone:     make(chan struct{}),
			requestsDone: make(chan struct{}),
		}
		s.sessions <- sess
		go sess.serve(requests, s.opts)
	}
}

// PtyRequest is the decoded payload of a pty-req.
type PtyRequest struct {
	Term    string
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
	Modes   string
}

// EnvRequest is the decoded payload of an env request.
type EnvRequest struct {
	Name  string
	Value string
}

// WindowChange is the decoded payload of a window-change request.
type WindowChange struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

// Session is the server side of one session channel.
type Session struct {
	Channel ssh.Channel

	connDone     chan struct{}
	shellStarted chan struct{}
	readDone     chan struct{}
	requestsDone chan struct{}

	mu            sync.Mutex
	requestTypes  []string
	pty           *PtyRequest
	env           []EnvRequest
	windowChanges []WindowChange
	received      bytes.Buffer
}

func (s *Session) serve(requests <-chan *ssh.Request, opts ServerOptions) {
	go s.readLoop(opts.Echo)
	defer close(s.requestsDone)

	for req := range requests {
		s.mu.Lock()
		s.requestTypes = append(s.requestTypes, req.Type)
		s.mu.Unlock()

		ok := false
		switch req.Type {
		case "pty-req":
			var p PtyRequest
			if err := ssh.Unmarshal(req.Payload, &p); err == nil {
				s.mu.Lock()
				s.pty = &p
				s.mu.Unlock()
			}
			ok = !opts.RejectPty
		case "env":
			var e EnvRequest
			if err := ssh.Unmarshal(req.Payload, &e); err == nil {
				s.mu.Lock()
				s.env = append(s.env, e)
				s.mu.Unlock()
			}
			ok = !opts.RejectEnv
		case "window-change":
			var w WindowChange
			if err := ssh.Unmarshal(req.Payload, &w); err == nil {
				s.mu.Lock()
				s.windowChanges = append(s.windowChanges, w)
				s.mu.Unlock()
			}
			ok = true
		case "shell":
			if opts.HoldShell != nil {
				select {
				case <-opts.HoldShell:
				case <-s.connDone:
				}
			}
			ok = !opts.RejectShell
			if ok {
				close(s.shellStarted)
			}
		}
		if req.WantReply {
			req.Reply(ok, nil)
		}
	}
}

func (s *Session) readLoop(echo bool) {
	defer close(s.readDone)
	buf := make([]byte, 4096)
	for {
		n, err := s.Channel.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.received.Write(buf[:n])
			s.mu.Unlock()
			if echo {
				s.Channel.Write(buf[:n])
			}
		}
		if err != nil {
			return
		}
	}
}

// Send writes data to the client as a data frame.
func (s *Session) Send(p []byte) error {
	_, err := s.Channel.Write(p)
	return err
}

// Hangup sends EOF and closes the channel from the server side.
func (s *Session) Hangup() {
	s.Channel.CloseWrite()
	s.Channel.Close()
}

// Received returns a copy of everything the client sent so far.
func (s *Session) Received() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.received.Bytes()...)
}

// WaitReceived waits until at least n bytes have arrived.
func (s *Session) WaitReceived(t testing.TB, n int, timeout time.Duration) []byte {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got := s.Received(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := s.Received()
	t.Fatalf("timeout waiting for %d bytes, got %d: %q", n, len(got), got)
	return nil
}

// RequestTypes returns the channel request types in arrival order.
func (s *Session) RequestTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requestTypes...)
}

// Pty returns the decoded pty-req, or nil if none arrived.
func (s *Session) Pty() *PtyRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pty
}

// Env returns the env requests in arrival order.
func (s *Session) Env() []EnvRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EnvRequest(nil), s.env...)
}

// WindowChanges returns the window-change requests in arrival order.
func (s *Session) WindowChanges() []WindowChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]WindowChange(nil), s.windowChanges...)
}

// WaitWindowChanges waits until at least n window-change requests arrived.
func (s *Session) WaitWindowChanges(t testing.TB, n int, timeout time.Duration) []WindowChange {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got := s.WindowChanges(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d window changes, got %d", n, len(s.WindowChanges()))
	return nil
}

// ShellStarted is closed once a shell request has been accepted.
func (s *Session) ShellStarted() <-chan struct{} { return s.shellStarted }

// ChannelDone is closed once the client has closed the channel or the
// connection went away.
func (s *Session) ChannelDone() <-chan struct{} { return s.requestsDone }

// ConnDone is closed once the underlying SSH connection has ended.
func (s *Session) ConnDone() <-chan struct{} { return s.connDone }

// Proxy forwards TCP connections to a target. Freeze stops it forwarding
// without closing anything, which looks like a peer that went silent.
type Proxy struct {
	Addr string

	target   string
	listener net.Listener
	done     chan struct{}

	mu    sync.Mutex
	thaw  chan struct{} // non-nil while frozen
	conns []net.Conn
}

// StartProxy starts a proxy to target that is shut down when the test ends.
func StartProxy(t testing.TB, target string) *Proxy {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	p := &Proxy{
		Addr:     listener.Addr().String(),
		target:   target,
		listener: listener,
		done:     make(chan struct{}),
	}
	go p.accept()

	t.Cleanup(func() {
		p.Thaw()
		listener.Close()
		<-p.done
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, c := range p.conns {
			c.Close()
		}
	})
	return p
}

func (p *Proxy) accept() {
	defer close(p.done)
	for {
		client, err := p.listener.Accept()
		if err != nil {
			return
		}
		server, err := net.Dial("tcp", p.target)
		if err != nil {
			client.Close()
			continue
		}
		p.mu.Lock()
		p.conns = append(p.conns, client, server)
		p.mu.Unlock()
		go p.pipe(server, client)
		go p.pipe(client, server)
	}
}

func (p *Proxy) pipe(dst, src net.Conn) {
	defer dst.Close()
	defer src.Close()
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			p.gate()
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// gate blocks while the proxy is frozen.
func (p *Proxy) gate() {
	p.mu.Lock()
	thaw := p.thaw
	p.mu.Unlock()
	if thaw != nil {
		<-thaw
	}
}

// Freeze stops forwarding in both directions. Bytes already read are held
// until Thaw.
func (p *Proxy) Freeze() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.thaw == nil {
		p.thaw = make(chan struct{})
	}
}

// Thaw resumes forwarding.
func (p *Proxy) Thaw() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.thaw != nil {
		close(p.thaw)
		p.thaw = nil
	}
}
