package storefs

import (
	"testing"
	"time"

	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/fleetforge/fleetd/internal/ferr"
)

func TestSaveLoadInstanceRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	inst := &domain.Instance{
		TenantID:   "acme",
		PoolID:     "workers",
		InstanceID: "i-deadbeef",
		Status:     domain.StatusRunning,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.SaveInstance(inst); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadInstance("acme", "workers", "i-deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusRunning {
		t.Fatalf("status = %s, want Running", got.Status)
	}
}

func TestLoadMissingFileIsConfigInvalid(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.LoadInstance("acme", "workers", "i-missing")
	if !ferr.Of(err, ferr.KindConfigInvalid) {
		t.Fatalf("expected a config-invalid error for missing instance file, got %v", err)
	}
}

func TestListInstancesEmpty(t *testing.T) {
	s := New(t.TempDir())
	names, err := s.ListInstances("acme", "workers")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 {
		t.Fatalf("expected no instances, got %v", names)
	}
}

func TestAppendAndReadAudit(t *testing.T) {
	s := New(t.TempDir())
	entry := domain.AuditEntry{
		Timestamp: time.Now().UTC(),
		Actor:     "Manual",
		Action:    "sleep",
		TenantID:  "acme",
		PoolID:    "workers",
	}
	if err := s.AppendAudit(entry); err != nil {
		t.Fatal(err)
	}
	entries, err := s.ReadAudit("acme")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Action != "sleep" {
		t.Fatalf("unexpected audit entries: %+v", entries)
	}
}

func TestInstanceLockExclusion(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/lock"
	l1, err := Acquire(path)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		l2, err := Acquire(path)
		if err != nil {
			t.Error(err)
			return
		}
		l2.Release()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second acquire should block while first lock is held")
	case <-time.After(100 * time.Millisecond):
	}

	l1.Release()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire did not complete after release")
	}
}
