package database

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		db, err := New(dir)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		db.Close()
	}
}

func TestSettingsKV(t *testing.T) {
	db := openTestDB(t)

	if _, ok, err := db.Get("missing"); err != nil || ok {
		t.Fatalf("Get(missing) = ok %v, err %v", ok, err)
	}

	if err := db.SetMany(map[string]string{"a": "1", "b": "2"}); err != nil {
		t.Fatalf("SetMany: %v", err)
	}
	if err := db.SetMany(map[string]string{"a": "3"}); err != nil {
		t.Fatalf("SetMany overwrite: %v", err)
	}
	if v, ok, err := db.Get("a"); err != nil || !ok || v != "3" {
		t.Errorf("Get(a) = %q, %v, %v", v, ok, err)
	}

	if err := db.Delete("a", "b", "never-set"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := db.Get("b"); ok {
		t.Error("b still present after Delete")
	}
}

func TestAttempts(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	db.LogAttempt(Attempt{Event: "download", Status: "downloading", Version: "1.3.0", CreatedAt: base})
	db.LogAttempt(Attempt{Event: "download", Status: "error", Version: "1.3.0", ErrorKind: "network", CreatedAt: base.Add(time.Minute)})

	got, err := db.RecentAttempts(10)
	if err != nil {
		t.Fatalf("RecentAttempts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("attempts = %d, want 2", len(got))
	}
	if got[0].Status != "error" || got[0].ErrorKind != "network" || got[0].ID == "" {
		t.Errorf("newest attempt = %+v", got[0])
	}
}

func TestPruneAttempts(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC()

	db.LogAttempt(Attempt{Event: "check", Status: "idle", CreatedAt: now.Add(-100 * 24 * time.Hour)})
	db.LogAttempt(Attempt{Event: "check", Status: "available", Version: "1.3.0", CreatedAt: now})

	n, err := db.PruneAttempts(30 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("PruneAttempts: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	got, _ := db.RecentAttempts(10)
	if len(got) != 1 || got[0].Status != "available" {
		t.Errorf("remaining = %+v", got)
	}
}

func TestLogAttemptTruncatesOnRuneBoundary(t *testing.T) {
	db := openTestDB(t)
	// 199 ASCII bytes then a 3-byte rune straddling the limit.
	details := strings.Repeat("a", 199) + "译" + "tail"
	db.LogAttempt(Attempt{Event: "download", Status: "error", Details: details})

	got, err := db.RecentAttempts(1)
	if err != nil || len(got) != 1 {
		t.Fatalf("RecentAttempts = %v, %v", got, err)
	}
	if !utf8.ValidString(got[0].Details) {
		t.Errorf("details not valid UTF-8: %q", got[0].Details)
	}
	if got[0].Details != strings.Repeat("a", 199) {
		t.Errorf("details = %q (%d bytes)", got[0].Details, len(got[0].Details))
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 200, "short"},
		{"abcdef", 3, "abc"},
		{"ab译", 3, "ab"},
		{"ab译", 5, "ab译"},
		{"译译", 4, "译"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
