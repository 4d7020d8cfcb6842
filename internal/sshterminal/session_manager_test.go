package sshterminal

import (
	"context"
	"testing"
	"time"

	"github.com/oupson/flatline/internal/sshtest"
)

func managedSpawn(t *testing.T, mgr *Manager, address, sock string) *Handle {
	t.Helper()
	cfg, err := NewConfig(address, WithUsername("tester"), WithAgentSocket(sock))
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	h, err := mgr.Spawn(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	return h
}

func TestManager_SpawnAndList(t *testing.T) {
	srv, sock := startRemote(t, sshtest.ServerOptions{})
	mgr := NewManager()
	t.Cleanup(mgr.CloseAll)

	first := managedSpawn(t, mgr, srv.Addr, sock)
	time.Sleep(time.Millisecond)
	second := managedSpawn(t, mgr, srv.Addr, sock)

	if first.ID == "" || first.ID == second.ID {
		t.Errorf("IDs %q and %q must be distinct and non-empty", first.ID, second.ID)
	}
	if mgr.Get(first.ID) != first {
		t.Error("Get did not return the spawned handle")
	}
	if mgr.Get("missing") != nil {
		t.Error("Get returned a handle for an unknown ID")
	}

	list := mgr.List(false)
	if len(list) != 2 || list[0] != first || list[1] != second {
		t.Errorf("List = %v, want [first second]", list)
	}
	if mgr.SessionCount() != 2 || mgr.ActiveCount() != 2 {
		t.Errorf("counts = %d/%d, want 2/2", mgr.SessionCount(), mgr.ActiveCount())
	}
}

func TestManager_CloseSession(t *testing.T) {
	srv, sock := startRemote(t, sshtest.ServerOptions{})
	mgr := NewManager()
	t.Cleanup(mgr.CloseAll)

	h := managedSpawn(t, mgr, srv.Addr, sock)
	if err := mgr.CloseSession(h.ID); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if h.State() != StateClosed {
		t.Errorf("state = %s, want closed", h.State())
	}
	if mgr.ActiveCount() != 0 || len(mgr.List(true)) != 0 {
		t.Error("closed session still counted as active")
	}
	if mgr.SessionCount() != 1 {
		t.Error("closed session should stay listed until pruned")
	}

	if err := mgr.CloseSession("missing"); err == nil {
		t.Error("expected an error for an unknown session")
	}
}

func TestManager_CloseAll(t *testing.T) {
	srv, sock := startRemote(t, sshtest.ServerOptions{})
	mgr := NewManager()

	var handles []*Handle
	for i := 0; i < 3; i++ {
		handles = append(handles, managedSpawn(t, mgr, srv.Addr, sock))
	}
	mgr.CloseAll()

	for _, h := range handles {
		select {
		case <-h.Done():
		default:
			t.Errorf("session %s still running after CloseAll", h.ID)
		}
	}
}

func TestManager_Prune(t *testing.T) {
	srv, sock := startRemote(t, sshtest.ServerOptions{})
	mgr := NewManager()
	t.Cleanup(mgr.CloseAll)

	ended := managedSpawn(t, mgr, srv.Addr, sock)
	running := managedSpawn(t, mgr, srv.Addr, sock)
	ended.Close()

	mgr.Retention = time.Hour
	if n := mgr.Prune(); n != 0 {
		t.Errorf("Prune removed %d sessions inside the retention window", n)
	}

	mgr.Retention = 0
	if n := mgr.Prune(); n != 1 {
		t.Errorf("Prune removed %d, want 1", n)
	}
	if mgr.Get(ended.ID) != nil || mgr.Get(running.ID) == nil {
		t.Error("Prune removed the wrong session")
	}

	mgr.Remove(running.ID)
	if mgr.SessionCount() != 0 {
		t.Errorf("SessionCount = %d after Remove", mgr.SessionCount())
	}
	running.Close()
}
