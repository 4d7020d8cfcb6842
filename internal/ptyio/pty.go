// Package ptyio allocates the local pseudo-terminal a remote shell session is
// attached to.
//
// The master side is handed to whatever displays the terminal; the slave side
// is owned by the session bridge, which reads and writes it directly with
// non-blocking system calls. The pair is put in raw mode so every byte the
// local side writes reaches the remote shell untouched.
package ptyio

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// Error reports a failed OS call while setting up or driving a PTY. Err is
// the underlying errno or *os.PathError.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pty %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Pair is a master/slave pseudo-terminal pair referring to the same device.
type Pair struct {
	// Master belongs to the display side. The bridge never touches it.
	Master *os.File
	// Slave belongs to the session bridge. It is always non-blocking.
	Slave *Slave
}

// Open allocates a new PTY, switches it to raw mode and marks the slave
// non-blocking. Nothing is left open on failure.
func Open() (*Pair, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, &Error{Op: "open", Err: err}
	}

	if err := makeRaw(int(master.Fd())); err != nil {
		master.Close()
		slave.Close()
		return nil, err
	}

	// Fd() resets O_NONBLOCK, so the descriptor is taken once, before the
	// flag is set, and never asked for again.
	fd := int(slave.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		master.Close()
		slave.Close()
		return nil, &Error{Op: "set nonblock", Err: err}
	}

	log.Printf("[pty] opened %s", slave.Name())
	return &Pair{
		Master: master,
		Slave:  &Slave{file: slave, fd: fd},
	}, nil
}

// Close closes both sides. Sides that were already closed are skipped.
func (p *Pair) Close() error {
	var firstErr error
	if err := p.Master.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		firstErr = err
	}
	if err := p.Slave.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// makeRaw applies cfmakeraw(3) semantics to the terminal behind fd. On a
// master descriptor the settings land on the slave's line discipline.
func makeRaw(fd int) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return &Error{Op: "tcgetattr", Err: err}
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return &Error{Op: "tcsetattr", Err: err}
	}
	return nil
}

// Getsize returns the current geometry of the terminal behind f.
func Getsize(f *os.File) (cols, rows uint16, err error) {
	ws, err := pty.GetsizeFull(f)
	if err != nil {
		return 0, 0, &Error{Op: "get size", Err: err}
	}
	return ws.Cols, ws.Rows, nil
}

// Setsize sets the geometry of the terminal behind f.
func Setsize(f *os.File, cols, rows uint16) error {
	if err := pty.Setsize(f, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return &Error{Op: "set size", Err: err}
	}
	return nil
}

// Slave is the non-blocking slave end of a Pair. Reads and writes go straight
// to the descriptor, so callers see EAGAIN instead of a parked goroutine.
type Slave struct {
	file *os.File
	fd   int
}

// Name returns the device path, e.g. /dev/pts/3.
func (s *Slave) Name() string { return s.file.Name() }

// Fd returns the raw descriptor. Unlike os.File.Fd it leaves the descriptor
// non-blocking.
func (s *Slave) Fd() int { return s.fd }

// Read performs a single read(2). It returns unix.EAGAIN when nothing is
// pending and (0, nil) at end of file.
func (s *Slave) Read(p []byte) (int, error) {
	n, err := unix.Read(s.fd, p)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Write performs a single write(2). It returns unix.EAGAIN when the device
// buffer is full, possibly after a short write.
func (s *Slave) Write(p []byte) (int, error) {
	n, err := unix.Write(s.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

// WaitReadable blocks until the slave has data, reports a hang-up, or the
// timeout elapses. A negative timeout waits forever.
func (s *Slave) WaitReadable(timeout time.Duration) (bool, error) {
	return s.poll(unix.POLLIN, timeout)
}

// WaitWritable blocks until the slave accepts more output, reports a
// hang-up, or the timeout elapses. A negative timeout waits forever.
func (s *Slave) WaitWritable(timeout time.Duration) (bool, error) {
	return s.poll(unix.POLLOUT, timeout)
}

func (s *Slave) poll(events int16, timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: events}}
	n, err := unix.Poll(fds, pollTimeout(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, err
	}
	return n > 0 && fds[0].Revents&(events|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0, nil
}

// Close closes the slave. Closing twice is not an error.
func (s *Slave) Close() error {
	if err := s.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

func pollTimeout(d time.Duration) int {
	if d < 0 {
		return -1
	}
	return int(d / time.Millisecond)
}

// IsTransient reports whether err from Slave.Read or Slave.Write only means
// "try again".
func IsTransient(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}

// IsHangup reports whether err from Slave.Read means the master side is gone,
// which Linux reports as EIO instead of end of file.
func IsHangup(err error) bool {
	return errors.Is(err, unix.EIO)
}
