package sshterminal

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeRequester struct {
	mu       sync.Mutex
	requests []string
	err      error
	block    chan struct{}
	closed   chan struct{}
	once     sync.Once
}

func newFakeRequester() *fakeRequester {
	return &fakeRequester{closed: make(chan struct{})}
}

func (f *fakeRequester) SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error) {
	f.mu.Lock()
	f.requests = append(f.requests, name)
	err, block := f.err, f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-f.closed:
			return false, nil, errors.New("connection closed")
		}
	}
	return false, nil, err
}

func (f *fakeRequester) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeRequester) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeRequester) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func TestKeepalive_AliveConnection(t *testing.T) {
	conn := newFakeRequester()
	k := startKeepalive("s1", conn, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for conn.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	k.stop()

	if conn.count() < 3 {
		t.Fatalf("sent %d keepalives, want at least 3", conn.count())
	}
	if conn.isClosed() {
		t.Error("a server answering the ping must not be disconnected")
	}
	conn.mu.Lock()
	name := conn.requests[0]
	conn.mu.Unlock()
	if name != "keepalive@openssh.com" {
		t.Errorf("request name = %q", name)
	}
}

func TestKeepalive_FailureDisconnects(t *testing.T) {
	conn := newFakeRequester()
	conn.err = errors.New("EOF")
	k := startKeepalive("s1", conn, 10*time.Millisecond)

	select {
	case <-conn.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("transport not closed after a failed keepalive")
	}
	k.stop()
}

func TestKeepalive_NoReplyDisconnects(t *testing.T) {
	conn := newFakeRequester()
	conn.block = make(chan struct{})
	k := startKeepalive("s1", conn, 10*time.Millisecond)

	select {
	case <-conn.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("transport not closed after an unanswered keepalive")
	}
	k.stop()
}

func TestKeepalive_StopDuringPing(t *testing.T) {
	conn := newFakeRequester()
	conn.block = make(chan struct{})
	k := startKeepalive("s1", conn, 200*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for conn.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	stopped := make(chan struct{})
	go func() {
		k.stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop blocked on an in-flight ping")
	}
	if conn.isClosed() {
		t.Error("stop must not close the transport")
	}
	close(conn.block)
}
