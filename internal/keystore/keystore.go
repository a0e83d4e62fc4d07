// Package keystore persists provisioned advertisement keys in SQLite so the
// tag keeps broadcasting its last identity across restarts.
package keystore

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chaz8081/heystack-tag/internal/beacon"
)

//go:embed sql/schema.sql
var schemaSQL string

//go:embed sql/upsert-key.sql
var upsertKeySQL string

//go:embed sql/key-exists.sql
var keyExistsSQL string

//go:embed sql/get-latest-key.sql
var getLatestKeySQL string

//go:embed sql/get-keys.sql
var getKeysSQL string

//go:embed sql/count-keys.sql
var countKeysSQL string

// Memory is the path of a private in-memory store.
const Memory = ":memory:"

// Record is one stored key.
type Record struct {
	ID      int64
	Key     beacon.Key
	AddedAt time.Time
}

// Store is a SQLite-backed key store. Safe for concurrent use.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the store at path and applies the schema.
func Open(path string) (*Store, error) {
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("keystore: open: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("keystore: ping: %w", err)
	}

	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("[KEYS] store opened", "path", path)
	return s, nil
}

// New wraps an open database and applies the schema.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("keystore: apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Add stores key and makes it the latest. It reports whether the key was new;
// re-adding a known key only moves it to the front.
func (s *Store) Add(key beacon.Key) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("keystore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.QueryRow(keyExistsSQL, key[:]).Scan(&n); err != nil {
		return false, fmt.Errorf("keystore: lookup key: %w", err)
	}
	if _, err := tx.Exec(upsertKeySQL, key[:], s.now().UnixNano()); err != nil {
		return false, fmt.Errorf("keystore: insert key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("keystore: commit: %w", err)
	}
	return n == 0, nil
}

// Latest returns the most recently added key. ok is false on an empty store.
func (s *Store) Latest() (rec Record, ok bool, err error) {
	rec, err = scanRecord(s.db.QueryRow(getLatestKeySQL))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("keystore: latest key: %w", err)
	}
	return rec, true, nil
}

// Count returns the number of distinct stored keys.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(countKeysSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("keystore: count keys: %w", err)
	}
	return n, nil
}

// All returns every stored key, oldest first.
func (s *Store) All() ([]Record, error) {
	rows, err := s.db.Query(getKeysSQL)
	if err != nil {
		return nil, fmt.Errorf("keystore: list keys: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("[KEYS] close key rows", "error", err)
		}
	}()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("keystore: list keys: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec   Record
		raw   []byte
		added int64
	)
	if err := row.Scan(&rec.ID, &raw, &added); err != nil {
		return Record{}, err
	}
	key, err := beacon.ParseKey(raw)
	if err != nil {
		return Record{}, fmt.Errorf("row %d: %w", rec.ID, err)
	}
	rec.Key = key
	rec.AddedAt = time.Unix(0, added).UTC()
	return rec, nil
}

func buildDSN(path string) (string, error) {
	if path == "" || path == Memory {
		return Memory, nil
	}
	if strings.HasPrefix(path, "file:") {
		return path, nil
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("keystore: mkdir %s: %w", dir, err)
		}
	}
	// busy_timeout: the provisioning CLI may read the store while the tag
	// runs.
	params := []string{"_busy_timeout=5000", "_journal_mode=WAL"}
	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&")), nil
}
