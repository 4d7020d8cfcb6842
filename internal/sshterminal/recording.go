package sshterminal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/oupson/flatline/internal/crypto"
)

// RecordingEntry is a single timestamped event in a recording, in asciinema
// v2 terms.
type RecordingEntry struct {
	// Elapsed is the time since session start in seconds.
	Elapsed float64 `json:"elapsed"`
	// Type is "o" for output, "i" for input, "r" for a resize.
	Type string `json:"type"`
	// Data is the terminal data, or "COLSxROWS" for a resize.
	Data string `json:"data"`
}

// castHeader is the first line of an asciinema v2 file.
type castHeader struct {
	Version   int               `json:"version"`
	Width     uint32            `json:"width"`
	Height    uint32            `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Env       map[string]string `json:"env,omitempty"`
}

// SessionRecording captures timestamped terminal I/O. It is safe for
// concurrent use.
type SessionRecording struct {
	mu         sync.Mutex
	entries    []RecordingEntry
	startTime  time.Time
	maxEntries int
	cols, rows uint32
}

// NewSessionRecording creates a new recording. If maxEntries <= 0, there is
// no limit on the number of entries.
func NewSessionRecording(maxEntries int) *SessionRecording {
	return &SessionRecording{
		startTime:  time.Now(),
		maxEntries: maxEntries,
	}
}

func (sr *SessionRecording) add(typ, data string) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if sr.maxEntries > 0 && len(sr.entries) >= sr.maxEntries {
		return // drop if at capacity
	}
	sr.entries = append(sr.entries, RecordingEntry{
		Elapsed: time.Since(sr.startTime).Seconds(),
		Type:    typ,
		Data:    data,
	})
}

// RecordOutput adds bytes received from the remote shell.
func (sr *SessionRecording) RecordOutput(data []byte) { sr.add("o", string(data)) }

// RecordInput adds bytes sent to the remote shell.
func (sr *SessionRecording) RecordInput(data []byte) { sr.add("i", string(data)) }

// RecordResize adds a geometry change. The first one also sets the size in
// the cast header.
func (sr *SessionRecording) RecordResize(cols, rows uint32) {
	sr.mu.Lock()
	if sr.cols == 0 && sr.rows == 0 {
		sr.cols, sr.rows = cols, rows
	}
	sr.mu.Unlock()
	sr.add("r", fmt.Sprintf("%dx%d", cols, rows))
}

// Entries returns a copy of all recorded entries.
func (sr *SessionRecording) Entries() []RecordingEntry {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	result := make([]RecordingEntry, len(sr.entries))
	copy(result, sr.entries)
	return result
}

// EntryCount returns the number of recorded entries.
func (sr *SessionRecording) EntryCount() int {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return len(sr.entries)
}

// ExportCast encodes the recording as an asciinema v2 file: a JSON header
// line followed by one [elapsed, type, data] array per event.
func (sr *SessionRecording) ExportCast(term string) ([]byte, error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	cols, rows := sr.cols, sr.rows
	if cols == 0 || rows == 0 {
		cols, rows = 80, 24
	}
	header := castHeader{
		Version:   2,
		Width:     cols,
		Height:    rows,
		Timestamp: sr.startTime.Unix(),
	}
	if term != "" {
		header.Env = map[string]string{"TERM": term}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(header); err != nil {
		return nil, fmt.Errorf("encode cast header: %w", err)
	}
	for _, e := range sr.entries {
		if err := enc.Encode([]any{e.Elapsed, e.Type, e.Data}); err != nil {
			return nil, fmt.Errorf("encode cast event: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// Save writes the cast to dir/<sessionID>.cast, or to
// dir/<sessionID>.cast.fernet encrypted with key when key is not nil. It
// returns the path written.
func (sr *SessionRecording) Save(dir, sessionID, term string, key *fernet.Key) (string, error) {
	data, err := sr.ExportCast(term)
	if err != nil {
		return "", err
	}
	name := sessionID + ".cast"
	if key != nil {
		if data, err = crypto.Encrypt(key, data); err != nil {
			return "", fmt.Errorf("encrypt recording: %w", err)
		}
		name += ".fernet"
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create recording dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write recording: %w", err)
	}
	return path, nil
}
