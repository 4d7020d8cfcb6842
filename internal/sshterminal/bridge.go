package sshterminal

import (
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/oupson/flatline/internal/ptyio"
)

// RemoteShell is the side of an open shell channel the bridge drives.
// *sshchannel.Shell implements it.
type RemoteShell interface {
	// Frames delivers inbound data in order and is closed at remote EOF.
	Frames() <-chan []byte
	Send(p []byte) error
	WindowChange(cols, rows uint32) error
	Close() error
}

// RelayError reports a read or write failure while relaying, after which the
// session was shut down.
type RelayError struct {
	Op  string
	Err error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay %s: %v", e.Op, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

// Reasons a session ended.
const (
	EndClosed      = "closed"
	EndLocalEOF    = "local-eof"
	EndRemoteEOF   = "remote-eof"
	EndRelayError  = "relay-error"
	EndSetupFailed = "setup-failed"
)

// channelCloseWait bounds how long shutdown waits for the channel close to
// be written before it drops the transport anyway.
const channelCloseWait = 2 * time.Second

// bridge relays between the PTY slave and a remote shell. All of its fields
// are owned by the goroutine running run.
type bridge struct {
	id        string
	slave     *ptyio.Slave
	shell     RemoteShell
	transport io.Closer
	control   <-chan ControlMessage
	bufSize   int
	state     *stateTracker
	recording *SessionRecording

	bytesIn  int64 // remote -> pty
	bytesOut int64 // pty -> remote
}

// run loops until Close, EOF on either side, or a relay error, then tears
// the session down. Control messages win over data when both are ready, and
// neither a PTY nobody reads nor a full remote window keeps them waiting.
// It returns why the loop ended and, for EndRelayError, the cause.
func (b *bridge) run() (string, error) {
	reader := watchReadable(b.slave)
	writer := watchWritable(b.slave)
	sender := startSender(b.shell)
	frames := b.shell.Frames()
	buf := make([]byte, b.bufSize)

	var (
		pending  []byte // remote output the pty has not taken yet
		inFlight int    // bytes of buf being sent to the remote
	)
	end := func(closeChannel bool, reason string, cause error) (string, error) {
		sender.stop()
		return b.shutdown(closeChannel, reason, cause, reader, writer)
	}

	for {
		select {
		case msg, ok := <-b.control:
			if b.handleControl(msg, ok) {
				return end(true, EndClosed, nil)
			}
			continue
		default:
		}

		// Remote output waits for the pty to drain before more frames are
		// taken, and the pty is not read again until the last send is done.
		inbound, writable := frames, (<-chan struct{})(nil)
		if len(pending) > 0 {
			inbound, writable = nil, writer.ready
		}
		readable := reader.ready
		if inFlight > 0 {
			readable = nil
		}

		select {
		case msg, ok := <-b.control:
			if b.handleControl(msg, ok) {
				return end(true, EndClosed, nil)
			}

		case frame, ok := <-inbound:
			if !ok {
				// The channel is already gone; only the transport is left.
				return end(false, EndRemoteEOF, nil)
			}
			var err error
			if pending, err = b.writePTY(frame); err != nil {
				return end(true, EndRelayError, &RelayError{Op: "write pty", Err: err})
			}

		case <-writable:
			var err error
			pending, err = b.writePTY(pending)
			writer.consumed()
			if err != nil {
				return end(true, EndRelayError, &RelayError{Op: "write pty", Err: err})
			}

		case <-readable:
			n, err := b.slave.Read(buf)
			switch {
			case err == nil && n == 0, ptyio.IsHangup(err):
				log.Printf("[bridge] session %s: local EOF", b.id)
				return end(true, EndLocalEOF, nil)
			case err == nil:
				sender.send(buf[:n])
				inFlight = n
				if b.recording != nil {
					b.recording.RecordInput(buf[:n])
				}
			case ptyio.IsTransient(err):
			default:
				return end(true, EndRelayError, &RelayError{Op: "read pty", Err: err})
			}
			reader.consumed()

		case err := <-sender.done:
			if err != nil {
				return end(true, EndRelayError, &RelayError{Op: "send", Err: err})
			}
			b.bytesOut += int64(inFlight)
			inFlight = 0
		}
	}
}

// writePTY writes as much of p as the slave takes without blocking and
// returns the rest.
func (b *bridge) writePTY(p []byte) ([]byte, error) {
	for len(p) > 0 {
		n, err := b.slave.Write(p)
		if n > 0 {
			b.bytesIn += int64(n)
			if b.recording != nil {
				b.recording.RecordOutput(p[:n])
			}
			p = p[n:]
		}
		switch {
		case err == nil && n == 0:
			return p, nil
		case err == nil:
		case ptyio.IsTransient(err):
			return p, nil
		default:
			return p, err
		}
	}
	return nil, nil
}

// handleControl applies msg and reports whether the loop must end. A
// closed control queue counts as Close.
func (b *bridge) handleControl(msg ControlMessage, ok bool) bool {
	if !ok || msg.Kind == ControlClose {
		return true
	}
	if msg.Kind == ControlResize {
		if err := b.shell.WindowChange(msg.Columns, msg.Rows); err != nil {
			log.Printf("[bridge] session %s: window-change %dx%d failed: %v", b.id, msg.Columns, msg.Rows, err)
			return false
		}
		if b.recording != nil {
			b.recording.RecordResize(msg.Columns, msg.Rows)
		}
		return false
	}
	log.Printf("[bridge] session %s: ignoring unknown control message %s", b.id, msg)
	return false
}

// shutdown closes the channel (unless the remote already did), disconnects
// the transport and releases the slave. Errors on the way are logged only.
// A peer that stops reading cannot hold it up: the channel close gets
// channelCloseWait, then the transport is dropped regardless.
func (b *bridge) shutdown(closeChannel bool, reason string, cause error, watchers ...*readiness) (string, error) {
	b.state.set(StateClosing)
	if cause != nil {
		log.Printf("[bridge] session %s: %v", b.id, cause)
	}

	if closeChannel {
		closed := make(chan error, 1)
		go func() { closed <- b.shell.Close() }()
		select {
		case err := <-closed:
			if err != nil && !errors.Is(err, io.EOF) {
				log.Printf("[bridge] session %s: close channel: %v", b.id, err)
			}
		case <-time.After(channelCloseWait):
			log.Printf("[bridge] session %s: WARNING: channel close not written after %s, dropping transport", b.id, channelCloseWait)
		}
	}
	if err := b.transport.Close(); err != nil && !errors.Is(err, io.EOF) {
		log.Printf("[bridge] session %s: disconnect: %v", b.id, err)
	}

	for _, w := range watchers {
		w.stop()
	}
	if err := b.slave.Close(); err != nil {
		log.Printf("[bridge] session %s: close pty slave: %v", b.id, err)
	}

	b.state.set(StateClosed)
	log.Printf("[bridge] session %s ended (%s, %d bytes in, %d bytes out)", b.id, reason, b.bytesIn, b.bytesOut)
	return reason, cause
}

// remoteSender runs RemoteShell.Send on its own goroutine so a remote that
// stops granting window space never stalls the loop. At most one send is in
// flight; its result arrives on done.
type remoteSender struct {
	in   chan []byte
	done chan error
}

func startSender(shell RemoteShell) *remoteSender {
	s := &remoteSender{
		in:   make(chan []byte),
		done: make(chan error, 1),
	}
	go func() {
		for p := range s.in {
			s.done <- shell.Send(p)
		}
	}()
	return s
}

// send hands p to the sender. p must stay untouched until done reports.
func (s *remoteSender) send(p []byte) { s.in <- p }

// stop lets the sender exit once any send in flight returns. Closing the
// transport unblocks a send stuck on the remote window.
func (s *remoteSender) stop() { close(s.in) }
