package sshterminal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/oupson/flatline/internal/crypto"
)

func TestSessionRecording_InputAndOutput(t *testing.T) {
	sr := NewSessionRecording(0)

	sr.RecordInput([]byte("ls -la\r"))
	sr.RecordOutput([]byte("total 0\r\n"))

	entries := sr.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Type != "i" || entries[0].Data != "ls -la\r" {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Type != "o" || entries[1].Data != "total 0\r\n" {
		t.Errorf("unexpected second entry: %+v", entries[1])
	}
	if entries[1].Elapsed < entries[0].Elapsed {
		t.Errorf("elapsed went backwards: %f then %f", entries[0].Elapsed, entries[1].Elapsed)
	}
}

func TestSessionRecording_MaxEntries(t *testing.T) {
	sr := NewSessionRecording(3)

	sr.RecordOutput([]byte("1"))
	sr.RecordOutput([]byte("2"))
	sr.RecordOutput([]byte("3"))
	sr.RecordOutput([]byte("4")) // should be dropped

	if sr.EntryCount() != 3 {
		t.Errorf("expected 3 entries, got %d", sr.EntryCount())
	}
	if entries := sr.Entries(); entries[2].Data != "3" {
		t.Errorf("expected last entry data '3', got %q", entries[2].Data)
	}
}

func TestSessionRecording_EntriesIsCopy(t *testing.T) {
	sr := NewSessionRecording(0)
	sr.RecordOutput([]byte("original"))

	entries := sr.Entries()
	entries[0].Data = "modified"

	if entries2 := sr.Entries(); entries2[0].Data != "original" {
		t.Errorf("Entries() returned reference, not copy: %q", entries2[0].Data)
	}
}

func TestSessionRecording_ExportCast(t *testing.T) {
	sr := NewSessionRecording(0)
	sr.RecordResize(120, 40)
	sr.RecordOutput([]byte("$ "))
	sr.RecordResize(100, 30)

	data, err := sr.ExportCast("xterm-256color")
	if err != nil {
		t.Fatalf("ExportCast: %v", err)
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) != 4 {
		t.Fatalf("expected header + 3 events, got %d lines:\n%s", len(lines), data)
	}

	var header castHeader
	if err := json.Unmarshal([]byte(lines[0]), &header); err != nil {
		t.Fatalf("unmarshal header: %v", err)
	}
	if header.Version != 2 || header.Width != 120 || header.Height != 40 {
		t.Errorf("header = %+v, want version 2, 120x40", header)
	}
	if header.Env["TERM"] != "xterm-256color" {
		t.Errorf("header TERM = %q", header.Env["TERM"])
	}

	var event []any
	if err := json.Unmarshal([]byte(lines[3]), &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if len(event) != 3 || event[1] != "r" || event[2] != "100x30" {
		t.Errorf("last event = %v, want [_, r, 100x30]", event)
	}
}

func TestSessionRecording_ExportCastDefaultSize(t *testing.T) {
	data, err := NewSessionRecording(0).ExportCast("")
	if err != nil {
		t.Fatalf("ExportCast: %v", err)
	}
	var header castHeader
	if err := json.Unmarshal(bytes.SplitN(data, []byte("\n"), 2)[0], &header); err != nil {
		t.Fatalf("unmarshal header: %v", err)
	}
	if header.Width != 80 || header.Height != 24 || header.Env != nil {
		t.Errorf("header = %+v, want 80x24 without env", header)
	}
}

func TestSessionRecording_Save(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "casts")
	sr := NewSessionRecording(0)
	sr.RecordOutput([]byte("hello"))

	path, err := sr.Save(dir, "abc", "xterm", nil)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if filepath.Base(path) != "abc.cast" {
		t.Errorf("path = %s, want abc.cast", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read cast: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Errorf("cast does not contain output: %s", data)
	}
}

func TestSessionRecording_SaveEncrypted(t *testing.T) {
	encoded, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	key, err := crypto.ParseKey(encoded)
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}

	sr := NewSessionRecording(0)
	sr.RecordOutput([]byte("secret output"))
	path, err := sr.Save(t.TempDir(), "abc", "xterm", key)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !strings.HasSuffix(path, ".cast.fernet") {
		t.Errorf("path = %s, want .cast.fernet suffix", path)
	}

	tok, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if bytes.Contains(tok, []byte("secret output")) {
		t.Fatal("encrypted recording contains plaintext")
	}
	plain, err := crypto.Decrypt(key, tok)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Contains(plain, []byte("secret output")) {
		t.Errorf("decrypted cast missing output: %s", plain)
	}
}
