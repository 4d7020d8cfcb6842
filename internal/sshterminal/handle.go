package sshterminal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oupson/flatline/internal/logutil"
	"github.com/oupson/flatline/internal/ptyio"
	"github.com/oupson/flatline/internal/sshauth"
	"github.com/oupson/flatline/internal/sshchannel"
)

// ErrInvalidConfig is returned by Spawn for a Config not built by NewConfig.
var ErrInvalidConfig = errors.New("session config was not built with NewConfig")

// Handle is what the display side keeps of a running session: the PTY master
// and the send half of the control queue. Everything else belongs to the
// bridge goroutine.
type Handle struct {
	ID        string
	Address   string
	CreatedAt time.Time
	// Master is the PTY master to render and to feed keyboard input into.
	// It is closed by Close.
	Master *os.File

	control     chan ControlMessage
	cancelSetup context.CancelFunc
	done        chan struct{}
	state       *stateTracker

	// set by the bridge goroutine before done is closed
	err      error
	reason   string
	closedAt time.Time

	sizeMu   sync.Mutex
	lastCols uint16
	lastRows uint16

	closeRequested atomic.Bool
	closeOnce      sync.Once
	closeErr       error
}

// Spawn opens a PTY and starts a session on its own goroutine. Only PTY
// allocation errors are returned here; connection, authentication and
// channel errors end the session and are reported by Err once Done is
// closed. ctx bounds setup only: once the shell is running the session ends
// through Close or EOF.
func Spawn(ctx context.Context, cfg Config) (*Handle, error) {
	if cfg.address == "" {
		return nil, ErrInvalidConfig
	}

	pair, err := ptyio.Open()
	if err != nil {
		return nil, err
	}

	setupCtx, cancel := context.WithCancel(ctx)
	id := uuid.New().String()
	h := &Handle{
		ID:          id,
		Address:     cfg.address,
		CreatedAt:   time.Now(),
		Master:      pair.Master,
		control:     make(chan ControlMessage, cfg.queueSize),
		cancelSetup: cancel,
		done:        make(chan struct{}),
		state:       newStateTracker(id, cfg.callbacks...),
	}

	go func() {
		defer close(h.done)
		defer cancel()
		h.reason, h.err = h.run(setupCtx, cfg, pair.Slave)
		h.closedAt = time.Now()
	}()

	log.Printf("[bridge] session %s spawned for %s on %s", id, logutil.SanitizeForLog(cfg.address), pair.Slave.Name())
	return h, nil
}

// run performs setup and then relays until the session ends. The slave is
// closed on every path.
func (h *Handle) run(ctx context.Context, cfg Config, slave *ptyio.Slave) (string, error) {
	started := time.Now()
	username := cfg.username

	// fail ends a session whose setup did not complete. Setup aborted by
	// Close is a normal close, not a failure.
	fail := func(err error) (string, error) {
		abandoned := h.closeRequested.Load()
		if abandoned {
			log.Printf("[bridge] session %s: closed during setup (%v)", h.ID, err)
		} else {
			log.Printf("[bridge] session %s: setup failed: %v", h.ID, err)
		}
		if err := slave.Close(); err != nil {
			log.Printf("[bridge] session %s: close pty slave: %v", h.ID, err)
		}
		if h.state.get() == StateActive {
			h.state.set(StateClosing)
		}
		h.state.set(StateClosed)
		if abandoned {
			return EndClosed, nil
		}
		if cfg.audit != nil {
			cfg.audit.SessionFailed(h.ID, cfg.address, username, err)
		}
		return EndSetupFailed, err
	}

	auth := &sshauth.Authenticator{
		Address:        cfg.address,
		Username:       cfg.username,
		AgentSocket:    cfg.agentSocket,
		HostKey:        cfg.hostKey,
		ConnectTimeout: cfg.connectTimeout,
		OnTransport:    func() { h.state.set(StateAuthenticating) },
	}
	sess, err := auth.Authenticate(ctx)
	if err != nil {
		return fail(err)
	}
	username = sess.Username
	h.state.set(StateActive)

	shell, err := sshchannel.OpenShell(ctx, sess.Client, sshchannel.Options{
		Term:   cfg.term,
		Strict: cfg.strictSetup,
	})
	if err != nil {
		if cerr := sess.Client.Close(); cerr != nil {
			log.Printf("[bridge] session %s: disconnect: %v", h.ID, cerr)
		}
		return fail(err)
	}

	if cfg.audit != nil {
		cfg.audit.SessionStarted(h.ID, cfg.address, username, sess.Identity.String())
	}

	if cfg.keepalive > 0 {
		ka := startKeepalive(h.ID, sess.Client, cfg.keepalive)
		defer ka.stop()
	}

	var rec *SessionRecording
	if cfg.recordingDir != "" {
		rec = NewSessionRecording(0)
	}

	b := &bridge{
		id:        h.ID,
		slave:     slave,
		shell:     shell,
		transport: sess.Client,
		control:   h.control,
		bufSize:   cfg.readBufferSize,
		state:     h.state,
		recording: rec,
	}
	reason, relayErr := b.run()

	if rec != nil {
		term := cfg.term
		if term == "" {
			term = sshchannel.DefaultTerm
		}
		if path, err := rec.Save(cfg.recordingDir, h.ID, term, cfg.recordingKey); err != nil {
			log.Printf("[bridge] session %s: save recording: %v", h.ID, err)
		} else {
			log.Printf("[bridge] session %s: recording saved to %s", h.ID, path)
		}
	}
	if cfg.audit != nil {
		cfg.audit.SessionEnded(h.ID, cfg.address, username, reason, time.Since(started), b.bytesIn, b.bytesOut)
	}
	if st, ok := shell.ExitStatus(); ok {
		log.Printf("[bridge] session %s: remote shell exited with status %d", h.ID, st)
	}
	return reason, relayErr
}

// Resize queues a window-change without blocking. It reports false when the
// message was dropped because the queue is full, the session is over, or
// the size is out of range.
func (h *Handle) Resize(cols, rows uint32) bool {
	if cols > MaxTermCols || rows > MaxTermRows {
		log.Printf("[bridge] session %s: refusing resize %dx%d (max %dx%d)", h.ID, cols, rows, MaxTermCols, MaxTermRows)
		return false
	}
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.control <- ResizeMessage(cols, rows):
		return true
	default:
		log.Printf("[bridge] session %s: WARNING: control queue full, dropping resize %dx%d", h.ID, cols, rows)
		return false
	}
}

// SyncSize reads the master's geometry and queues a Resize when it differs
// from the last size seen. The display side calls it whenever its contents
// or window change.
func (h *Handle) SyncSize() error {
	cols, rows, err := ptyio.Getsize(h.Master)
	if err != nil {
		return err
	}
	h.sizeMu.Lock()
	defer h.sizeMu.Unlock()
	if cols == h.lastCols && rows == h.lastRows {
		return nil
	}
	if h.Resize(uint32(cols), uint32(rows)) {
		h.lastCols, h.lastRows = cols, rows
	}
	return nil
}

// Close asks the bridge to stop, waits for it, then closes the master. A
// session still connecting is abandoned and ends as EndClosed with no error.
// Calling Close again, or after the session ended on its own, is safe.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.closeRequested.Store(true)
		h.cancelSetup()
		select {
		case h.control <- CloseMessage():
		case <-h.done:
		}
		<-h.done
		if err := h.Master.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			h.closeErr = fmt.Errorf("close pty master: %w", err)
		}
	})
	return h.closeErr
}

// Done is closed once the session has ended and its slave, channel and
// transport are released.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the session ends and returns Err.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Err returns why the session failed, or nil if it ended normally or is
// still running. Setup failures are a ptyio, sshauth or sshchannel error;
// relay failures are a *RelayError.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// EndReason returns how the session ended, or "" while it runs.
func (h *Handle) EndReason() string {
	select {
	case <-h.done:
		return h.reason
	default:
		return ""
	}
}

// ClosedAt returns when the session ended, or the zero time while it runs.
func (h *Handle) ClosedAt() time.Time {
	select {
	case <-h.done:
		return h.closedAt
	default:
		return time.Time{}
	}
}

// State returns the current lifecycle state.
func (h *Handle) State() SessionState { return h.state.get() }

// Transitions returns the recorded state changes, oldest first.
func (h *Handle) Transitions() []StateTransition { return h.state.history() }

// OnStateChange registers cb for later state changes.
func (h *Handle) OnStateChange(cb StateCallback) { h.state.onStateChange(cb) }
