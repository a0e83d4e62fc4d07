package keystore

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chaz8081/heystack-tag/internal/beacon"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Memory)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	// Deterministic, strictly increasing clock.
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return s
}

func key(b byte) beacon.Key {
	var k beacon.Key
	for i := range k {
		k[i] = b
	}
	return k
}

func TestLatest_Empty(t *testing.T) {
	s := setupTestStore(t)
	_, ok, err := s.Latest()
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if ok {
		t.Fatal("Latest: ok = true on empty store")
	}
	n, err := s.Count()
	if err != nil || n != 0 {
		t.Fatalf("Count = %d, %v; want 0, nil", n, err)
	}
}

func TestAdd_LatestAndCount(t *testing.T) {
	s := setupTestStore(t)

	for _, b := range []byte{1, 2, 3} {
		added, err := s.Add(key(b))
		if err != nil {
			t.Fatalf("Add(%d): %v", b, err)
		}
		if !added {
			t.Fatalf("Add(%d): added = false, want true", b)
		}
	}

	rec, ok, err := s.Latest()
	if err != nil || !ok {
		t.Fatalf("Latest = %v, %v", ok, err)
	}
	if rec.Key != key(3) {
		t.Errorf("Latest key = %s, want %s", rec.Key, key(3))
	}
	if want := time.Date(2026, 1, 2, 3, 4, 8, 0, time.UTC); !rec.AddedAt.Equal(want) {
		t.Errorf("Latest AddedAt = %v, want %v", rec.AddedAt, want)
	}

	n, err := s.Count()
	if err != nil || n != 3 {
		t.Errorf("Count = %d, %v; want 3, nil", n, err)
	}
}

func TestAdd_DuplicateMovesToFront(t *testing.T) {
	s := setupTestStore(t)
	for _, b := range []byte{1, 2} {
		if _, err := s.Add(key(b)); err != nil {
			t.Fatalf("Add(%d): %v", b, err)
		}
	}

	added, err := s.Add(key(1))
	if err != nil {
		t.Fatalf("Add duplicate: %v", err)
	}
	if added {
		t.Error("Add duplicate: added = true, want false")
	}

	n, _ := s.Count()
	if n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
	rec, _, _ := s.Latest()
	if rec.Key != key(1) {
		t.Errorf("Latest key = %s, want %s", rec.Key, key(1))
	}

	all, err := s.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 2 || all[0].Key != key(2) || all[1].Key != key(1) {
		t.Errorf("All order = %v, want [2 1]", all)
	}
}

func TestOpen_FilePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "keys.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Add(key(7)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s.Close() }()
	rec, ok, err := s.Latest()
	if err != nil || !ok || rec.Key != key(7) {
		t.Errorf("Latest after reopen = %v, %v, %v; want key 7", rec.Key, ok, err)
	}
}

func TestScan_RejectsCorruptKey(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	defer func() { _ = db.Close() }()

	s, err := New(db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO adv_keys (key, seq, added_at) VALUES (?, 1, 0)`, []byte{1, 2, 3}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, _, err := s.Latest(); err == nil {
		t.Error("Latest: expected error for a 3-byte key")
	}
}

func TestBuildDSN(t *testing.T) {
	dsn, err := buildDSN("")
	if err != nil || dsn != Memory {
		t.Errorf("buildDSN(\"\") = %q, %v", dsn, err)
	}
	dsn, err = buildDSN("file:x.db?mode=ro")
	if err != nil || dsn != "file:x.db?mode=ro" {
		t.Errorf("buildDSN(file:) = %q, %v", dsn, err)
	}
	dsn, err = buildDSN(filepath.Join(t.TempDir(), "k.db"))
	if err != nil || !strings.HasPrefix(dsn, "file:") || !strings.Contains(dsn, "_busy_timeout=5000") {
		t.Errorf("buildDSN(path) = %q, %v", dsn, err)
	}
}
