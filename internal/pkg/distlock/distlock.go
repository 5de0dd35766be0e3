// Package distlock provides the exclusive-run lock. One allocation run
// at a time is a hard rule: two concurrent runs would both read the
// queue, double-consume records, and overwrite each other's write-back.
package distlock

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is the interface for distributed locking.
// A lock instance belongs to a single goroutine; concurrent use
// requires separate instances.
type DistLock interface {
	// Acquire tries to take the lock. Returns true on success.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if this instance still owns it.
	Release(ctx context.Context) error
}

// NewLock creates a lock using the best available backend. Redis is
// preferred (cross-host, TTL crash safety). With no Redis but a
// database handle, PostgreSQL advisory locks serve: session-scoped,
// released automatically when the connection drops.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}
