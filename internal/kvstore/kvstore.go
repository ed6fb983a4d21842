package kvstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by Get for a missing or expired key.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a tiny durable map. Writes serialize behind one mutex; reads go
// straight to the snapshot the database exposes. CAS is the scheduler's
// primitive for claiming a task minute.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// New wraps the shared database. now is injectable for tests; pass nil for
// wall clock.
func New(db *sql.DB, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, now: now}
}

// Get returns the raw value for key, or ErrNotFound when absent or expired.
func (s *Store) Get(key string) (string, error) {
	var value string
	var expires sql.NullTime
	err := s.db.QueryRow("SELECT value, expires_at FROM kv WHERE key = ?", key).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if expires.Valid && !s.now().Before(expires.Time) {
		return "", ErrNotFound
	}
	return value, nil
}

// Put upserts key. A zero ttl means no expiry.
func (s *Store) Put(key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	var expires any
	if ttl > 0 {
		expires = now.Add(ttl)
	}
	_, err := s.db.Exec(`INSERT INTO kv (key, value, updated_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at, expires_at=excluded.expires_at`,
		key, value, now, expires)
	return err
}

// CAS atomically swaps the value for key from expected to new. An empty
// expected claims a key that is absent or expired. Returns whether the swap
// took; a false return means another caller won and is not an error.
func (s *Store) CAS(key, expected, newValue string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	var expires any
	if ttl > 0 {
		expires = now.Add(ttl)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var current string
	var exp sql.NullTime
	err = tx.QueryRow("SELECT value, expires_at FROM kv WHERE key = ?", key).Scan(&current, &exp)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if expected != "" {
			return false, nil
		}
		if _, err := tx.Exec("INSERT INTO kv (key, value, updated_at, expires_at) VALUES (?, ?, ?, ?)",
			key, newValue, now, expires); err != nil {
			return false, err
		}
		return true, tx.Commit()
	case err != nil:
		return false, err
	}

	live := !exp.Valid || s.now().Before(exp.Time)
	if live && current != expected {
		return false, nil
	}
	if !live && expected != "" {
		return false, nil
	}
	if _, err := tx.Exec("UPDATE kv SET value = ?, updated_at = ?, expires_at = ? WHERE key = ?",
		newValue, now, expires, key); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key)
	return err
}

// UpdatedAt returns the last write time of key.
func (s *Store) UpdatedAt(key string) (time.Time, error) {
	var updated time.Time
	err := s.db.QueryRow("SELECT updated_at FROM kv WHERE key = ?", key).Scan(&updated)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	return updated, err
}

// GetJSON unmarshals the value for key into out.
func (s *Store) GetJSON(key string, out any) error {
	raw, err := s.Get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), out)
}

// PutJSON marshals v and stores it under key.
func (s *Store) PutJSON(key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Put(key, string(raw), ttl)
}

// PruneExpired removes rows whose TTL elapsed; called by the retention sweep.
func (s *Store) PruneExpired() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec("DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?", s.now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
