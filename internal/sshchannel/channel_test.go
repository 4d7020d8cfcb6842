package sshchannel

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/oupson/flatline/internal/sshtest"
)

const waitTimeout = 5 * time.Second

func connect(t *testing.T, opts sshtest.ServerOptions) (*sshtest.Server, *ssh.Client) {
	t.Helper()
	key := sshtest.NewKey(t, "client")
	opts.AuthorizedKeys = []ssh.PublicKey{key.Signer.PublicKey()}
	srv := sshtest.StartServer(t, opts)

	client, err := ssh.Dial("tcp", srv.Addr, &ssh.ClientConfig{
		User:            "tester",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(key.Signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         waitTimeout,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return srv, client
}

func TestOpenShell_Requests(t *testing.T) {
	srv, client := connect(t, sshtest.ServerOptions{})

	sh, err := OpenShell(context.Background(), client, Options{Strict: true})
	if err != nil {
		t.Fatalf("OpenShell: %v", err)
	}
	defer sh.Close()

	sess := srv.NextSession(t, waitTimeout)
	select {
	case <-sess.ShellStarted():
	case <-time.After(waitTimeout):
		t.Fatal("shell request never arrived")
	}

	got := sess.RequestTypes()
	want := []string{"pty-req", "env", "env", "shell"}
	if len(got) != len(want) {
		t.Fatalf("requests = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("request %d = %s, want %s", i, got[i], want[i])
		}
	}

	pty := sess.Pty()
	if pty == nil {
		t.Fatal("no pty-req decoded")
	}
	if pty.Term != DefaultTerm {
		t.Errorf("pty term = %q, want %q", pty.Term, DefaultTerm)
	}
	if pty.Columns != 0 || pty.Rows != 0 || pty.Width != 0 || pty.Height != 0 {
		t.Errorf("pty geometry = %+v, want zero", pty)
	}

	env := sess.Env()
	wantEnv := []sshtest.EnvRequest{{Name: "TERM", Value: "xterm-256color"}, {Name: "COLORTERM", Value: "truecolor"}}
	if len(env) != len(wantEnv) {
		t.Fatalf("env = %v, want %v", env, wantEnv)
	}
	for i := range wantEnv {
		if env[i] != wantEnv[i] {
			t.Errorf("env %d = %+v, want %+v", i, env[i], wantEnv[i])
		}
	}
}

func TestOpenShell_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		opts      sshtest.ServerOptions
		strict    bool
		wantStage string
	}{
		{"strict pty rejected", sshtest.ServerOptions{RejectPty: true}, true, "pty-req"},
		{"strict env rejected", sshtest.ServerOptions{RejectEnv: true}, true, "env"},
		{"lenient pty rejected", sshtest.ServerOptions{RejectPty: true}, false, ""},
		{"lenient env rejected", sshtest.ServerOptions{RejectEnv: true}, false, ""},
		{"strict shell rejected", sshtest.ServerOptions{RejectShell: true}, true, "shell"},
		{"lenient shell rejected", sshtest.ServerOptions{RejectShell: true}, false, "shell"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, client := connect(t, tt.opts)
			sh, err := OpenShell(context.Background(), client, Options{Strict: tt.strict})
			if tt.wantStage == "" {
				if err != nil {
					t.Fatalf("OpenShell: %v", err)
				}
				sh.Close()
				return
			}
			var se *SetupError
			if !errors.As(err, &se) {
				t.Fatalf("error = %v, want *SetupError", err)
			}
			if se.Stage != tt.wantStage {
				t.Errorf("stage = %s, want %s", se.Stage, tt.wantStage)
			}
			if !errors.Is(err, ErrRejected) {
				t.Errorf("error does not wrap ErrRejected: %v", err)
			}
		})
	}
}

func TestOpenShell_CancelledContext(t *testing.T) {
	_, client := connect(t, sshtest.ServerOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := OpenShell(ctx, client, Options{})
	var se *SetupError
	if !errors.As(err, &se) || !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want *SetupError wrapping context.Canceled", err)
	}
}

func TestShell_Relay(t *testing.T) {
	srv, client := connect(t, sshtest.ServerOptions{})
	sh, err := OpenShell(context.Background(), client, Options{Strict: true})
	if err != nil {
		t.Fatalf("OpenShell: %v", err)
	}
	defer sh.Close()
	sess := srv.NextSession(t, waitTimeout)

	if err := sh.Send([]byte("ls -la\r")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := sess.WaitReceived(t, 7, waitTimeout); string(got) != "ls -la\r" {
		t.Errorf("server received %q", got)
	}

	if err := sess.Send([]byte("total 0\r\n")); err != nil {
		t.Fatalf("server send: %v", err)
	}
	select {
	case frame := <-sh.Frames():
		if string(frame) != "total 0\r\n" {
			t.Errorf("frame = %q", frame)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no frame received")
	}
}

func TestShell_StderrIsRelayed(t *testing.T) {
	srv, client := connect(t, sshtest.ServerOptions{})
	sh, err := OpenShell(context.Background(), client, Options{})
	if err != nil {
		t.Fatalf("OpenShell: %v", err)
	}
	defer sh.Close()
	sess := srv.NextSession(t, waitTimeout)

	if _, err := sess.Channel.Stderr().Write([]byte("oops")); err != nil {
		t.Fatalf("stderr write: %v", err)
	}
	select {
	case frame := <-sh.Frames():
		if string(frame) != "oops" {
			t.Errorf("frame = %q, want oops", frame)
		}
	case <-time.After(waitTimeout):
		t.Fatal("stderr data not relayed")
	}
}

func TestShell_WindowChange(t *testing.T) {
	srv, client := connect(t, sshtest.ServerOptions{})
	sh, err := OpenShell(context.Background(), client, Options{})
	if err != nil {
		t.Fatalf("OpenShell: %v", err)
	}
	defer sh.Close()
	sess := srv.NextSession(t, waitTimeout)

	if err := sh.WindowChange(120, 40); err != nil {
		t.Fatalf("WindowChange: %v", err)
	}
	got := sess.WaitWindowChanges(t, 1, waitTimeout)
	if got[0].Columns != 120 || got[0].Rows != 40 {
		t.Errorf("window change = %+v, want 120x40", got[0])
	}
}

func TestShell_RemoteHangupClosesFrames(t *testing.T) {
	srv, client := connect(t, sshtest.ServerOptions{})
	sh, err := OpenShell(context.Background(), client, Options{})
	if err != nil {
		t.Fatalf("OpenShell: %v", err)
	}
	defer sh.Close()
	sess := srv.NextSession(t, waitTimeout)

	sess.Channel.SendRequest("exit-status", false, ssh.Marshal(exitStatusMsg{Status: 3}))
	sess.Hangup()

	deadline := time.After(waitTimeout)
	for {
		select {
		case _, ok := <-sh.Frames():
			if !ok {
				// exit-status is handled on its own goroutine.
				until := time.Now().Add(waitTimeout)
				for time.Now().Before(until) {
					if st, ok := sh.ExitStatus(); ok {
						if st != 3 {
							t.Errorf("ExitStatus = %d, want 3", st)
						}
						return
					}
					time.Sleep(5 * time.Millisecond)
				}
				t.Fatal("exit status never reported")
			}
		case <-deadline:
			t.Fatal("frames not closed after hangup")
		}
	}
}

func TestShell_CloseIdempotent(t *testing.T) {
	srv, client := connect(t, sshtest.ServerOptions{})
	sh, err := OpenShell(context.Background(), client, Options{})
	if err != nil {
		t.Fatalf("OpenShell: %v", err)
	}
	sess := srv.NextSession(t, waitTimeout)

	first := sh.Close()
	if second := sh.Close(); second != first {
		t.Errorf("second Close = %v, want %v", second, first)
	}
	select {
	case <-sess.ChannelDone():
	case <-time.After(waitTimeout):
		t.Fatal("server never saw the channel close")
	}
}

func TestShell_CloseDoesNotWaitForPeer(t *testing.T) {
	key := sshtest.NewKey(t, "client")
	srv := sshtest.StartServer(t, sshtest.ServerOptions{AuthorizedKeys: []ssh.PublicKey{key.Signer.PublicKey()}})
	proxy := sshtest.StartProxy(t, srv.Addr)
	client, err := ssh.Dial("tcp", proxy.Addr, &ssh.ClientConfig{
		User:            "tester",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(key.Signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         waitTimeout,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	sh, err := OpenShell(context.Background(), client, Options{})
	if err != nil {
		t.Fatalf("OpenShell: %v", err)
	}

	proxy.Freeze()
	closed := make(chan struct{})
	go func() {
		sh.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close waited for a peer that never answers")
	}

	// Frames ends once the connection is gone.
	client.Close()
	deadline := time.After(waitTimeout)
	for {
		select {
		case _, ok := <-sh.Frames():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("frames not closed after disconnect")
		}
	}
}
