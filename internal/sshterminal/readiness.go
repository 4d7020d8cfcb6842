package sshterminal

import (
	"log"
	"time"

	"github.com/oupson/flatline/internal/ptyio"
)

// readinessPoll bounds each poll(2) so the watcher notices stop promptly.
const readinessPoll = 50 * time.Millisecond

// readiness watches the slave for readability or writability on behalf of
// the bridge loop. It signals on ready and then waits for the loop to call
// consumed before polling again, so it never races the loop's own read or
// write.
type readiness struct {
	slave    *ptyio.Slave
	wait     func(time.Duration) (bool, error)
	ready    chan struct{}
	resume   chan struct{}
	quit     chan struct{}
	finished chan struct{}
}

func watchReadable(slave *ptyio.Slave) *readiness {
	return watch(slave, slave.WaitReadable)
}

func watchWritable(slave *ptyio.Slave) *readiness {
	return watch(slave, slave.WaitWritable)
}

func watch(slave *ptyio.Slave, wait func(time.Duration) (bool, error)) *readiness {
	r := &readiness{
		slave:    slave,
		wait:     wait,
		ready:    make(chan struct{}),
		resume:   make(chan struct{}),
		quit:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *readiness) loop() {
	defer close(r.finished)
	for {
		ok, err := r.wait(readinessPoll)
		if err != nil {
			// Let the loop's own read or write surface the error.
			log.Printf("[bridge] poll %s: %v", r.slave.Name(), err)
			ok = true
		}
		if !ok {
			select {
			case <-r.quit:
				return
			default:
				continue
			}
		}
		select {
		case r.ready <- struct{}{}:
		case <-r.quit:
			return
		}
		select {
		case <-r.resume:
		case <-r.quit:
			return
		}
	}
}

// consumed lets the watcher poll again after the loop has acted.
func (r *readiness) consumed() {
	select {
	case r.resume <- struct{}{}:
	case <-r.finished:
	}
}

// stop ends the watcher and waits for it to exit.
func (r *readiness) stop() {
	select {
	case <-r.quit:
	default:
		close(r.quit)
	}
	<-r.finished
}
