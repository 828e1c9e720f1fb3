package settings

import (
	"errors"
	"testing"
	"time"
)

func newStore() (*Store, *MemoryKV) {
	kv := NewMemoryKV()
	return New(kv, func() string { return "1.2.0" }), kv
}

func TestDefaults(t *testing.T) {
	s, _ := newStore()
	p := s.Load()
	if !p.AutoCheck {
		t.Error("AutoCheck default = false, want true")
	}
	if p.LastCheckedAt != nil || p.DismissedVersion != "" || p.UpdateInProgressVersion != "" || p.PreviousVersionBeforeUpdate != "" {
		t.Errorf("unexpected defaults: %+v", p)
	}
}

func TestAutoCheck(t *testing.T) {
	s, kv := newStore()
	s.SetAutoCheck(false)
	if s.AutoCheck() {
		t.Error("AutoCheck() = true after disabling")
	}
	if v, _, _ := kv.Get(KeyAutoCheck); v != "false" {
		t.Errorf("stored value = %q, want false", v)
	}
	s.SetAutoCheck(true)
	if !s.AutoCheck() {
		t.Error("AutoCheck() = false after enabling")
	}
}

func TestLastCheckedAt(t *testing.T) {
	s, kv := newStore()
	now := time.Date(2025, 3, 1, 8, 30, 0, 123, time.FixedZone("X", 3600))
	s.SetLastCheckedAt(now)

	got, ok := s.LastCheckedAt()
	if !ok || !got.Equal(now) {
		t.Errorf("LastCheckedAt() = %v, %v; want %v", got, ok, now)
	}

	kv.SetMany(map[string]string{KeyLastChecked: "yesterday"})
	if _, ok := s.LastCheckedAt(); ok {
		t.Error("malformed timestamp was accepted")
	}
}

func TestUpdateMarkers(t *testing.T) {
	s, _ := newStore()
	s.MarkUpdateInProgress("1.3.0")
	if got := s.UpdateInProgress(); got != "1.3.0" {
		t.Errorf("UpdateInProgress() = %q", got)
	}
	if got := s.PreviousVersion(); got != "1.2.0" {
		t.Errorf("PreviousVersion() = %q", got)
	}

	s.ClearUpdateInProgress()
	if s.UpdateInProgress() != "" || s.PreviousVersion() != "" {
		t.Error("markers survived ClearUpdateInProgress")
	}
}

func TestDismissedVersion(t *testing.T) {
	s, _ := newStore()
	s.SetDismissedVersion("1.3.0")
	if got := s.DismissedVersion(); got != "1.3.0" {
		t.Errorf("DismissedVersion() = %q", got)
	}
	s.ClearDismissedVersion()
	if got := s.DismissedVersion(); got != "" {
		t.Errorf("DismissedVersion() after clear = %q", got)
	}
}

func TestUnavailableMedium(t *testing.T) {
	s, kv := newStore()
	s.SetDismissedVersion("1.3.0")
	kv.Fail = errors.New("read-only file system")

	// Writes are dropped and reads fall back to defaults.
	s.SetAutoCheck(false)
	s.MarkUpdateInProgress("1.4.0")
	s.ClearDismissedVersion()

	if !s.AutoCheck() {
		t.Error("AutoCheck() should default to true when the medium fails")
	}
	if got := s.DismissedVersion(); got != "" {
		t.Errorf("DismissedVersion() = %q, want empty on failure", got)
	}

	kv.Fail = nil
	if got := s.DismissedVersion(); got != "1.3.0" {
		t.Errorf("DismissedVersion() after recovery = %q, want 1.3.0", got)
	}
	if s.UpdateInProgress() != "" {
		t.Error("failed write left a marker behind")
	}
}
