package kvstore

import (
	"database/sql"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Factory opens the Store for a namespace. Stores for the same namespace
// share their data.
type Factory func(namespace string) Store

// SQLiteFactory scopes stores to namespaces of one database.
func SQLiteFactory(db *sql.DB) Factory {
	return func(namespace string) Store {
		return NewSQLite(db, namespace)
	}
}

// RedisFactory scopes stores to key prefixes of one Redis client.
func RedisFactory(client *redis.Client) Factory {
	return func(namespace string) Store {
		return NewRedis(client, namespace)
	}
}

// MemoryFactory keeps one Memory per namespace for the life of the process.
func MemoryFactory() Factory {
	var mu sync.Mutex
	stores := make(map[string]*Memory)
	return func(namespace string) Store {
		mu.Lock()
		defer mu.Unlock()
		s, ok := stores[namespace]
		if !ok {
			s = NewMemory()
			stores[namespace] = s
		}
		return s
	}
}
