package sshterminal

import (
	"errors"
	"fmt"
	"log"
	"time"
)

const keepaliveRequest = "keepalive@openssh.com"

var errKeepaliveStopped = errors.New("keepalive stopped")

// globalRequester is the part of *ssh.Client the keepalive needs.
type globalRequester interface {
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
	Close() error
}

// keepalive pings the transport with a global request every interval. A
// ping that fails, or is not answered within the interval, closes the
// transport; the shell's frame stream then ends and the bridge shuts down
// through its remote EOF path. Servers answering "not supported" count as
// alive.
type keepalive struct {
	quit     chan struct{}
	finished chan struct{}
}

func startKeepalive(id string, conn globalRequester, interval time.Duration) *keepalive {
	k := &keepalive{
		quit:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go k.loop(id, conn, interval)
	return k
}

func (k *keepalive) loop(id string, conn globalRequester, interval time.Duration) {
	defer close(k.finished)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-k.quit:
			return
		case <-ticker.C:
		}
		err := k.ping(conn, interval)
		if errors.Is(err, errKeepaliveStopped) {
			return
		}
		if err != nil {
			log.Printf("[bridge] session %s: keepalive failed: %v, disconnecting", id, err)
			if cerr := conn.Close(); cerr != nil {
				log.Printf("[bridge] session %s: disconnect: %v", id, cerr)
			}
			return
		}
	}
}

func (k *keepalive) ping(conn globalRequester, timeout time.Duration) error {
	reply := make(chan error, 1)
	go func() {
		_, _, err := conn.SendRequest(keepaliveRequest, true, nil)
		reply <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-reply:
		return err
	case <-timer.C:
		return fmt.Errorf("no reply within %s", timeout)
	case <-k.quit:
		return errKeepaliveStopped
	}
}

// stop ends the loop and waits for it. A ping still in flight is released
// when the transport is closed.
func (k *keepalive) stop() {
	close(k.quit)
	<-k.finished
}
