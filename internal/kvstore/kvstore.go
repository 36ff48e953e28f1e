// Package kvstore provides the string key-value capability that stands in
// for the browser's local storage. Entitlement and session state read and
// write through it so they run the same under test, in memory, in SQLite or
// in Redis.
package kvstore

import (
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/blake2b"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a string-keyed, string-valued store.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Remove(key string) error
}

// UpdateFunc receives the current value (found is false when absent) and
// returns the value to write.
type UpdateFunc func(value string, found bool) (string, error)

// Updater is implemented by stores that can run a read-modify-write as a
// single atomic step.
type Updater interface {
	Update(key string, fn UpdateFunc) error
}

// Update runs fn against key, atomically when s implements Updater.
func Update(s Store, key string, fn UpdateFunc) error {
	if u, ok := s.(Updater); ok {
		return u.Update(key, fn)
	}
	cur, err := s.Get(key)
	found := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	next, err := fn(cur, found)
	if err != nil {
		return err
	}
	return s.Set(key, next)
}

// Namespace derives a stable, opaque namespace for an identifier so raw
// device ids and user ids never appear as storage keys.
func Namespace(kind, id string) string {
	sum := blake2b.Sum256([]byte(kind + "\x00" + id))
	return kind + ":" + hex.EncodeToString(sum[:16])
}
