package sshterminal

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/oupson/flatline/internal/logutil"
)

// Manager tracks the sessions a display process has spawned. It is the
// session list a tab strip would show, without any UI.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Handle // session ID → handle

	// Retention is how long an ended session stays listed before Prune
	// removes it. Zero means Prune removes every ended session.
	Retention time.Duration
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Handle)}
}

// Spawn starts a session with Spawn and tracks it.
func (m *Manager) Spawn(ctx context.Context, cfg Config) (*Handle, error) {
	h, err := Spawn(ctx, cfg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[h.ID] = h
	m.mu.Unlock()

	go func() {
		<-h.Done()
		if err := h.Err(); err != nil {
			log.Printf("[session-mgr] session %s to %s failed: %v", h.ID, logutil.SanitizeForLog(h.Address), err)
			return
		}
		log.Printf("[session-mgr] session %s to %s ended (%s)", h.ID, logutil.SanitizeForLog(h.Address), h.EndReason())
	}()

	log.Printf("[session-mgr] created session %s for %s", h.ID, logutil.SanitizeForLog(h.Address))
	return h, nil
}

// Get returns a session by ID, or nil if not found.
func (m *Manager) Get(sessionID string) *Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// List returns tracked sessions, oldest first. With activeOnly, sessions
// that have ended are left out.
func (m *Manager) List(activeOnly bool) []*Handle {
	m.mu.RLock()
	result := make([]*Handle, 0, len(m.sessions))
	for _, h := range m.sessions {
		if activeOnly && h.State() == StateClosed {
			continue
		}
		result = append(result, h)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

// CloseSession closes a specific session by ID and waits for it to end.
func (m *Manager) CloseSession(sessionID string) error {
	m.mu.RLock()
	h, ok := m.sessions[sessionID]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("session %q not found", sessionID)
	}

	err := h.Close()
	log.Printf("[session-mgr] closed session %s", sessionID)
	return err
}

// Remove stops tracking a session. It does not close it.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// CloseAll closes every session concurrently and waits for all of them.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	toClose := make([]*Handle, 0, len(m.sessions))
	for _, h := range m.sessions {
		toClose = append(toClose, h)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, h := range toClose {
		h := h
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.Close(); err != nil {
				log.Printf("[session-mgr] close session %s: %v", h.ID, err)
			}
		}()
	}
	wg.Wait()
}

// Prune forgets sessions that ended more than Retention ago and returns how
// many were removed.
func (m *Manager) Prune() int {
	cutoff := time.Now().Add(-m.Retention)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, h := range m.sessions {
		closedAt := h.ClosedAt()
		if closedAt.IsZero() || closedAt.After(cutoff) {
			continue
		}
		delete(m.sessions, id)
		removed++
	}
	return removed
}

// SessionCount returns the total number of tracked sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ActiveCount returns the number of sessions that have not ended.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, h := range m.sessions {
		if h.State() != StateClosed {
			count++
		}
	}
	return count
}
