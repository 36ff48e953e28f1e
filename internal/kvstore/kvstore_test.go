package kvstore

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/dukerupert/chinaroute/internal/database"
)

func setupSQLite(t *testing.T, namespace string) *SQLite {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLite(db, namespace)
}

// keysIn lists the keys stored under namespace.
func keysIn(t *testing.T, db *sql.DB, namespace string) []string {
	t.Helper()
	rows, err := db.Query(`SELECT key FROM kv_entries WHERE namespace = ? ORDER BY key`, namespace)
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			t.Fatalf("scan key: %v", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate keys: %v", err)
	}
	return keys
}

// exerciseStore runs the shared contract against any Store.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()

	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing: err = %v, want ErrNotFound", err)
	}

	if err := s.Set("user", `{"id":"u-1"}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.Get("user")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != `{"id":"u-1"}` {
		t.Errorf("get = %q, want %q", got, `{"id":"u-1"}`)
	}

	if err := s.Set("user", "second"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if got, _ := s.Get("user"); got != "second" {
		t.Errorf("after overwrite = %q, want %q", got, "second")
	}

	if err := s.Remove("user"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := s.Get("user"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after remove: err = %v, want ErrNotFound", err)
	}

	// Removing an absent key is not an error.
	if err := s.Remove("user"); err != nil {
		t.Errorf("remove absent: %v", err)
	}

	err = Update(s, "counter", func(v string, found bool) (string, error) {
		if found {
			t.Errorf("expected counter to be absent, got %q", v)
		}
		return "1", nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	err = Update(s, "counter", func(v string, found bool) (string, error) {
		n, _ := strconv.Atoi(v)
		return strconv.Itoa(n + 1), nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got, _ := s.Get("counter"); got != "2" {
		t.Errorf("counter = %q, want %q", got, "2")
	}

	boom := errors.New("boom")
	err = Update(s, "counter", func(string, bool) (string, error) { return "99", boom })
	if !errors.Is(err, boom) {
		t.Errorf("update error = %v, want boom", err)
	}
	if got, _ := s.Get("counter"); got != "2" {
		t.Errorf("counter after failed update = %q, want %q", got, "2")
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	exerciseStore(t, setupSQLite(t, "device:test"))
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("CHINAROUTE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CHINAROUTE_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })

	s := NewRedis(client, Namespace("test", t.Name()))
	t.Cleanup(func() {
		s.Remove("user")
		s.Remove("counter")
	})
	exerciseStore(t, s)
}

func TestSQLiteNamespacesAreIsolated(t *testing.T) {
	a := setupSQLite(t, "device:a")
	b := NewSQLite(a.db, "device:b")

	if err := a.Set("user", "alice"); err != nil {
		t.Fatalf("set a: %v", err)
	}
	if _, err := b.Get("user"); !errors.Is(err, ErrNotFound) {
		t.Errorf("namespace b sees a's key: err = %v", err)
	}

	keys := keysIn(t, a.db, "device:a")
	if len(keys) != 1 || keys[0] != "user" {
		t.Errorf("keys = %v, want [user]", keys)
	}
}

func TestSQLiteConcurrentUpdatesOnFile(t *testing.T) {
	db, err := database.Open(filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("open file db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	incr := func(raw string, _ bool) (string, error) {
		n, _ := strconv.Atoi(raw)
		return strconv.Itoa(n + 1), nil
	}

	const workers, rounds = 20, 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []error
	)
	shared := NewSQLite(db, "user:shared")
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(ns string) {
			defer wg.Done()
			own := NewSQLite(db, ns)
			for j := 0; j < rounds; j++ {
				for _, s := range []*SQLite{own, shared} {
					if err := s.Update("k", incr); err != nil {
						mu.Lock()
						failures = append(failures, err)
						mu.Unlock()
					}
				}
			}
		}("user:" + strconv.Itoa(i))
	}
	wg.Wait()

	if len(failures) > 0 {
		t.Fatalf("failed updates: %d/%d, first: %v", len(failures), 2*workers*rounds, failures[0])
	}
	for i := 0; i < workers; i++ {
		got, err := NewSQLite(db, "user:"+strconv.Itoa(i)).Get("k")
		if err != nil || got != strconv.Itoa(rounds) {
			t.Errorf("user:%d counter = %q (err=%v), want %d", i, got, err, rounds)
		}
	}
	if got, _ := shared.Get("k"); got != strconv.Itoa(workers*rounds) {
		t.Errorf("shared counter = %q, want %d", got, workers*rounds)
	}
}

// plainStore hides Memory's Updater implementation.
type plainStore struct{ m *Memory }

func (p plainStore) Get(k string) (string, error) { return p.m.Get(k) }
func (p plainStore) Set(k, v string) error        { return p.m.Set(k, v) }
func (p plainStore) Remove(k string) error        { return p.m.Remove(k) }

func TestUpdateWithoutUpdater(t *testing.T) {
	exerciseStore(t, plainStore{m: NewMemory()})
}

func TestMemoryUpdateIsAtomic(t *testing.T) {
	m := NewMemory()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Update(m, "n", func(v string, _ bool) (string, error) {
				n, _ := strconv.Atoi(v)
				return strconv.Itoa(n + 1), nil
			})
		}()
	}
	wg.Wait()
	if got, _ := m.Get("n"); got != "50" {
		t.Errorf("n = %q, want 50", got)
	}
}

func TestNamespace(t *testing.T) {
	a := Namespace("device", "abc")
	if !strings.HasPrefix(a, "device:") {
		t.Errorf("namespace %q missing kind prefix", a)
	}
	if strings.Contains(a, "abc") {
		t.Errorf("namespace %q leaks raw id", a)
	}
	if a != Namespace("device", "abc") {
		t.Error("namespace should be deterministic")
	}
	if a == Namespace("user", "abc") {
		t.Error("kinds should not collide")
	}
	if len(a) != len("device:")+32 {
		t.Errorf("namespace length = %d", len(a))
	}
}

func TestFactoriesShareNamespaceData(t *testing.T) {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	factories := map[string]Factory{
		"memory": MemoryFactory(),
		"sqlite": SQLiteFactory(db),
	}
	for name, open := range factories {
		t.Run(name, func(t *testing.T) {
			if err := open("device:a").Set("k", "v"); err != nil {
				t.Fatalf("set: %v", err)
			}
			got, err := open("device:a").Get("k")
			if err != nil || got != "v" {
				t.Errorf("same namespace Get = %q, %v", got, err)
			}
			if _, err := open("device:b").Get("k"); !errors.Is(err, ErrNotFound) {
				t.Errorf("other namespace Get err = %v, want ErrNotFound", err)
			}
		})
	}
}
