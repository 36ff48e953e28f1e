package kvstore

import (
	"database/sql"
	"fmt"
	"time"
)

// SQLite is a Store over the kv_entries table, scoped to one namespace.
type SQLite struct {
	db        *sql.DB
	namespace string
}

func NewSQLite(db *sql.DB, namespace string) *SQLite {
	return &SQLite{db: db, namespace: namespace}
}

func (s *SQLite) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM kv_entries WHERE namespace = ? AND key = ?`,
		s.namespace, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %q: %w", key, err)
	}
	return value, nil
}

func (s *SQLite) Set(key, value string) error {
	return setEntry(s.db, s.namespace, key, value)
}

func (s *SQLite) Remove(key string) error {
	_, err := s.db.Exec(`DELETE FROM kv_entries WHERE namespace = ? AND key = ?`, s.namespace, key)
	if err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	return nil
}

// Update implements Updater inside a single transaction.
func (s *SQLite) Update(key string, fn UpdateFunc) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	var cur string
	found := true
	err = tx.QueryRow(
		`SELECT value FROM kv_entries WHERE namespace = ? AND key = ?`,
		s.namespace, key,
	).Scan(&cur)
	if err == sql.ErrNoRows {
		found = false
	} else if err != nil {
		return fmt.Errorf("read %q: %w", key, err)
	}

	next, err := fn(cur, found)
	if err != nil {
		return err
	}
	if err := setEntry(tx, s.namespace, key, next); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	return nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func setEntry(db execer, namespace, key, value string) error {
	_, err := db.Exec(
		`INSERT INTO kv_entries (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}
