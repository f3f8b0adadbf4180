// Package synclock provides a Redis-backed advisory lock used to serialize
// bootstrap syncs across processes.
package synclock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces ordinary sync locks.
const DefaultPrefix = "SYNC_"

// BootstrapPrefix namespaces the bootstrap (first-sync) lock.
const BootstrapPrefix = "FIRST_SYNC_"

// DefaultExpiry is the lock lifetime applied when Acquire is not given one.
const DefaultExpiry = 1 * time.Hour

// Lock is an advisory, TTL-based lock keyed by (prefix, account identifier).
// A stale lock is never force-broken; a caller that cannot acquire it simply
// waits for the TTL to elapse before trying again. No fencing token is
// required because every holder of the lock performs idempotent work.
type Lock struct {
	client *redis.Client
	key    string
	value  string
	expiry time.Duration
}

// New creates a Lock for the given account key under prefix, using value as
// the arbitrary payload stored alongside the lock (useful for diagnosing who
// holds it). A zero expiry falls back to DefaultExpiry.
func New(client *redis.Client, prefix, key, value string, expiry time.Duration) *Lock {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Lock{
		client: client,
		key:    prefix + key,
		value:  value,
		expiry: expiry,
	}
}

// NewBootstrap creates the FIRST_SYNC_ lock for an account.
func NewBootstrap(client *redis.Client, accountKey, value string, expiry time.Duration) *Lock {
	return New(client, BootstrapPrefix, accountKey, value, expiry)
}

// Acquire sets the lock key and (re)starts its expiry countdown. Acquire does
// not check whether the lock is already held; callers that need mutual
// exclusion should check IsSet first.
func (l *Lock) Acquire(ctx context.Context) error {
	return l.client.Set(ctx, l.key, l.value, l.expiry).Err()
}

// Release removes the lock unconditionally.
func (l *Lock) Release(ctx context.Context) error {
	return l.client.Del(ctx, l.key).Err()
}

// IsSet reports whether the lock currently has a value set.
func (l *Lock) IsSet(ctx context.Context) (bool, error) {
	_, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Value returns the lock's current stored value, or "" if unset.
func (l *Lock) Value(ctx context.Context) (string, error) {
	val, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}
