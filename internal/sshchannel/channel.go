// Package sshchannel opens the interactive shell channel of a session and
// exposes it as a stream of inbound frames plus write, resize and close.
package sshchannel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"golang.org/x/crypto/ssh"
)

const (
	// DefaultTerm is the terminal type advertised to the server.
	DefaultTerm = "xterm-256color"

	frameSize = 32 * 1024
)

// ErrRejected is wrapped by a SetupError when the server answered a request
// with a failure.
var ErrRejected = errors.New("request rejected by server")

// SetupError reports a failed step while preparing the shell channel. Stage
// is one of "open", "pty-req", "env" or "shell".
type SetupError struct {
	Stage string
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("channel setup %s: %v", e.Stage, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// Opener opens channels on an authenticated connection. *ssh.Client
// satisfies it.
type Opener interface {
	OpenChannel(name string, data []byte) (ssh.Channel, <-chan *ssh.Request, error)
}

// Options configures OpenShell.
type Options struct {
	// Term is the pty type. Empty means DefaultTerm.
	Term string
	// Env is sent as env requests, in order. Nil means DefaultEnv(Term).
	Env [][2]string
	// Strict makes a rejected pty-req or env request fatal. Otherwise the
	// rejection is logged and setup continues. A failed shell request is
	// always fatal.
	Strict bool
}

// DefaultEnv returns the variables sent to the remote shell.
func DefaultEnv(term string) [][2]string {
	return [][2]string{{"TERM", term}, {"COLORTERM", "truecolor"}}
}

type ptyRequestMsg struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

type envRequestMsg struct {
	Name  string
	Value string
}

type windowChangeMsg struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

type exitStatusMsg struct {
	Status uint32
}

// OpenShell opens a session channel, requests a pty with zero geometry, sets
// the environment and starts the login shell. Any fatal failure closes the
// channel and returns a *SetupError. Cancelling ctx aborts setup; it has no
// effect once OpenShell returned.
func OpenShell(ctx context.Context, conn Opener, opts Options) (*Shell, error) {
	if opts.Term == "" {
		opts.Term = DefaultTerm
	}
	if opts.Env == nil {
		opts.Env = DefaultEnv(opts.Term)
	}

	if err := ctx.Err(); err != nil {
		return nil, &SetupError{Stage: "open", Err: err}
	}
	ch, reqs, err := conn.OpenChannel("session", nil)
	if err != nil {
		return nil, &SetupError{Stage: "open", Err: err}
	}
	stop := context.AfterFunc(ctx, func() { ch.Close() })
	defer stop()

	fail := func(stage string, err error) (*Shell, error) {
		ch.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		log.Printf("[ssh-channel] setup failed at %s: %v", stage, err)
		return nil, &SetupError{Stage: stage, Err: err}
	}

	s := &Shell{
		ch:     ch,
		frames: make(chan []byte),
		quit:   make(chan struct{}),
	}
	// Requests from the server (exit-status, keepalives) must be drained
	// for the connection to make progress.
	go s.serveRequests(reqs)

	ptyReq := ssh.Marshal(ptyRequestMsg{Term: opts.Term, Modelist: "\x00"})
	if err := sendRequest(ch, "pty-req", ptyReq); err != nil {
		if !opts.Strict && errors.Is(err, ErrRejected) {
			log.Printf("[ssh-channel] server refused pty-req, continuing without a remote pty")
		} else {
			return fail("pty-req", err)
		}
	}

	for _, kv := range opts.Env {
		err := sendRequest(ch, "env", ssh.Marshal(envRequestMsg{Name: kv[0], Value: kv[1]}))
		if err == nil {
			continue
		}
		if !opts.Strict && errors.Is(err, ErrRejected) {
			log.Printf("[ssh-channel] server refused env %s, skipping", kv[0])
			continue
		}
		return fail("env", err)
	}

	if err := sendRequest(ch, "shell", nil); err != nil {
		return fail("shell", err)
	}

	if !stop() {
		// ctx fired after the shell started; the channel is already closed.
		return fail("shell", ctx.Err())
	}
	s.start()
	log.Printf("[ssh-channel] shell started (term %s)", opts.Term)
	return s, nil
}

func sendRequest(ch ssh.Channel, name string, payload []byte) error {
	ok, err := ch.SendRequest(name, true, payload)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRejected
	}
	return nil
}

// Shell is a started interactive shell channel.
type Shell struct {
	ch     ssh.Channel
	frames chan []byte
	quit   chan struct{}

	mu         sync.Mutex
	exitStatus *uint32

	closeOnce sync.Once
	closeErr  error
	pumps     sync.WaitGroup
}

func (s *Shell) start() {
	s.pumps.Add(2)
	go s.pump(s.ch)
	go s.pump(s.ch.Stderr())
	go func() {
		s.pumps.Wait()
		close(s.frames)
	}()
}

// pump forwards one of the channel's streams into frames. Stdout and stderr
// share the channel so the remote window keeps draining.
func (s *Shell) pump(r interface{ Read([]byte) (int, error) }) {
	defer s.pumps.Done()
	buf := make([]byte, frameSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			frame := make([]byte, n)
			copy(frame, buf[:n])
			select {
			case s.frames <- frame:
			case <-s.quit:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Shell) serveRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.Type == "exit-status" {
			var msg exitStatusMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err == nil {
				s.mu.Lock()
				s.exitStatus = &msg.Status
				s.mu.Unlock()
			}
		}
		if req.WantReply {
			req.Reply(false, nil)
		}
	}
}

// Frames delivers inbound data in arrival order. It is closed once the
// server has sent EOF or closed the channel.
func (s *Shell) Frames() <-chan []byte { return s.frames }

// Send writes p to the remote shell's stdin.
func (s *Shell) Send(p []byte) error {
	_, err := s.ch.Write(p)
	return err
}

// WindowChange tells the server the terminal geometry changed.
func (s *Shell) WindowChange(cols, rows uint32) error {
	_, err := s.ch.SendRequest("window-change", false, ssh.Marshal(windowChangeMsg{Columns: cols, Rows: rows}))
	return err
}

// ExitStatus returns the status the remote shell exited with, if the server
// reported one.
func (s *Shell) ExitStatus() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitStatus == nil {
		return 0, false
	}
	return *s.exitStatus, true
}

// Close sends the channel close and returns without waiting for the server
// to answer. Frame pumps blocked on delivery stop at once; a pump blocked on
// a read ends when the server confirms the close or the connection is
// closed, and Frames is closed after that. Only the first call does
// anything.
func (s *Shell) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.closeErr = s.ch.Close()
	})
	return s.closeErr
}
