// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package state provides the generic, durable key-value substrate
// used by service instances that need local persistence (DHCP leases,
// metrics baselines) distinct from the Configuration Repository's
// typed records. Every write is also appended to a hash-chained
// change log so a future reader can verify nothing was tampered with
// or silently skipped between two reads.
package state

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flywall/routerd/internal/clock"
)

// Store is the durable key-value contract shared by every bucket type
// built on top of SQLiteStore.
type Store interface {
	Get(bucket, key string) ([]byte, error)
	Put(bucket, key string, value []byte) error
	Delete(bucket, key string) error
	ForEach(bucket string, fn func(key string, value []byte) error) error
	Close() error
}

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = sql.ErrNoRows

// Options configures a SQLiteStore.
type Options struct {
	Path string
}

// DefaultOptions returns Options pointing at path (use ":memory:" for
// an ephemeral store, as the test suite does).
func DefaultOptions(path string) Options {
	return Options{Path: path}
}

// Change is one entry in the append-only, hash-chained change log.
type Change struct {
	ID         int64
	Bucket     string
	Key        string
	Value      []byte
	ChangeType string // insert, update, delete
	Version    int64
	Timestamp  time.Time
	Hash       string
}

// SQLiteStore is a Store backed by modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (creating if necessary) a sqlite database at
// opts.Path and migrates its schema, including backfilling the hash
// column on any pre-existing change log that predates it.
func NewSQLiteStore(opts Options) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("state: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single writer per process-local file

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS buckets (name TEXT PRIMARY KEY);
		CREATE TABLE IF NOT EXISTS entries (
			bucket TEXT,
			key TEXT,
			value BLOB,
			version INTEGER,
			updated_at DATETIME,
			expires_at DATETIME,
			PRIMARY KEY (bucket, key)
		);
		CREATE TABLE IF NOT EXISTS changes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			bucket TEXT,
			key TEXT,
			value BLOB,
			change_type TEXT,
			version INTEGER,
			timestamp DATETIME
		);
	`); err != nil {
		return fmt.Errorf("state: create schema: %w", err)
	}

	hasHash, err := s.columnExists("changes", "hash")
	if err != nil {
		return err
	}
	if !hasHash {
		if _, err := s.db.Exec(`ALTER TABLE changes ADD COLUMN hash TEXT`); err != nil {
			return fmt.Errorf("state: add hash column: %w", err)
		}
		if err := s.backfillHashChain(); err != nil {
			return fmt.Errorf("state: backfill hash chain: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) columnExists(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// backfillHashChain recomputes the hash chain for every pre-existing
// change row, in id order, so older databases migrate forward to the
// tamper-evident log without losing history.
func (s *SQLiteStore) backfillHashChain() error {
	rows, err := s.db.Query(`SELECT id, bucket, key, value, change_type, version, timestamp FROM changes ORDER BY id ASC`)
	if err != nil {
		return err
	}
	var changes []Change
	for rows.Next() {
		var c Change
		var value sql.NullString
		var ts sql.NullTime
		if err := rows.Scan(&c.ID, &c.Bucket, &c.Key, &value, &c.ChangeType, &c.Version, &ts); err != nil {
			rows.Close()
			return err
		}
		c.Value = []byte(value.String)
		c.Timestamp = ts.Time
		changes = append(changes, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	prevHash := ""
	for _, c := range changes {
		hash := s.computeHash(prevHash, c)
		if _, err := s.db.Exec(`UPDATE changes SET hash = ? WHERE id = ?`, hash, c.ID); err != nil {
			return err
		}
		prevHash = hash
	}
	return nil
}

// computeHash derives this change's hash from the previous change's
// hash plus its own fields, forming a tamper-evident chain.
func (s *SQLiteStore) computeHash(prevHash string, c Change) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(c.Bucket))
	h.Write([]byte(c.Key))
	h.Write(c.Value)
	h.Write([]byte(c.ChangeType))
	fmt.Fprintf(h, "%d", c.Version)
	h.Write([]byte(c.Timestamp.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

func (s *SQLiteStore) lastHash(tx *sql.Tx) (string, error) {
	var hash sql.NullString
	err := tx.QueryRow(`SELECT hash FROM changes ORDER BY id DESC LIMIT 1`).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return hash.String, nil
}

// Put upserts bucket/key = value, bumping its version and recording
// the write in the change log.
func (s *SQLiteStore) Put(bucket, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT OR IGNORE INTO buckets(name) VALUES (?)`, bucket); err != nil {
		return err
	}

	var version int64
	var changeType string
	err = tx.QueryRow(`SELECT version FROM entries WHERE bucket = ? AND key = ?`, bucket, key).Scan(&version)
	switch err {
	case sql.ErrNoRows:
		version = 1
		changeType = "insert"
	case nil:
		version++
		changeType = "update"
	default:
		return err
	}

	now := clock.Now()
	if _, err := tx.Exec(`
		INSERT INTO entries (bucket, key, value, version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET value = excluded.value, version = excluded.version, updated_at = excluded.updated_at
	`, bucket, key, value, version, now); err != nil {
		return err
	}

	prevHash, err := s.lastHash(tx)
	if err != nil {
		return err
	}
	change := Change{Bucket: bucket, Key: key, Value: value, ChangeType: changeType, Version: version, Timestamp: now}
	hash := s.computeHash(prevHash, change)

	if _, err := tx.Exec(`
		INSERT INTO changes (bucket, key, value, change_type, version, timestamp, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, bucket, key, value, changeType, version, now, hash); err != nil {
		return err
	}

	return tx.Commit()
}

// Get returns the current value for bucket/key, or ErrNotFound.
func (s *SQLiteStore) Get(bucket, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value []byte
	err := s.db.QueryRow(`SELECT value FROM entries WHERE bucket = ? AND key = ?`, bucket, key).Scan(&value)
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Delete removes bucket/key and records a tombstone change.
func (s *SQLiteStore) Delete(bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM entries WHERE bucket = ? AND key = ?`, bucket, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	now := clock.Now()
	prevHash, err := s.lastHash(tx)
	if err != nil {
		return err
	}
	change := Change{Bucket: bucket, Key: key, ChangeType: "delete", Timestamp: now}
	hash := s.computeHash(prevHash, change)

	if _, err := tx.Exec(`
		INSERT INTO changes (bucket, key, value, change_type, version, timestamp, hash)
		VALUES (?, ?, NULL, 'delete', 0, ?, ?)
	`, bucket, key, now, hash); err != nil {
		return err
	}

	return tx.Commit()
}

// ForEach calls fn for every key in bucket, in no particular order.
func (s *SQLiteStore) ForEach(bucket string, fn func(key string, value []byte) error) error {
	s.mu.Lock()
	rows, err := s.db.Query(`SELECT key, value FROM entries WHERE bucket = ?`, bucket)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return rows.Err()
}

// GetChangesSince returns every change log entry with id > since, in
// ascending id order.
func (s *SQLiteStore) GetChangesSince(since int64) ([]Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, bucket, key, value, change_type, version, timestamp, hash
		FROM changes WHERE id > ? ORDER BY id ASC
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var c Change
		var value sql.NullString
		var hash sql.NullString
		if err := rows.Scan(&c.ID, &c.Bucket, &c.Key, &value, &c.ChangeType, &c.Version, &c.Timestamp, &hash); err != nil {
			return nil, err
		}
		c.Value = []byte(value.String)
		c.Hash = hash.String
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
