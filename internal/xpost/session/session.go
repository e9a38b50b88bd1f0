// Package session caches per-platform authenticated handles.
//
// A Cache holds at most one value. Reads of a value that is still within its
// TTL never block on a login. When the value is missing or stale the caller
// logs in and stores the replacement. Concurrent cold-start callers can each
// log in; logins are idempotent so the redundant work is tolerated rather than
// serialised behind a single-flight lock.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/blacktop/xpost/internal/logutil"
	"github.com/blacktop/xpost/internal/xpost"
)

// LoginFunc performs a platform login and returns the new handle.
type LoginFunc[T any] func(ctx context.Context) (T, error)

// Clock returns the current time.
type Clock func() time.Time

// Cache is a process-wide, TTL-bound holder for one platform session.
type Cache[T any] struct {
	provider string
	ttl      time.Duration
	login    LoginFunc[T]
	now      Clock

	mu        sync.RWMutex
	value     T
	valid     bool
	expiresAt time.Time
}

// Option customises a Cache.
type Option[T any] func(*Cache[T])

// WithClock overrides the time source used for expiry checks.
func WithClock[T any](now Clock) Option[T] {
	return func(c *Cache[T]) { c.now = now }
}

// New returns a cache that calls login on miss. A ttl of zero means the
// session never expires on its own.
func New[T any](provider string, ttl time.Duration, login LoginFunc[T], opts ...Option[T]) *Cache[T] {
	c := &Cache[T]{
		provider: provider,
		ttl:      ttl,
		login:    login,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached session, logging in first when it is missing or
// expired. Login failures are reported as xpost.AuthError.
func (c *Cache[T]) Get(ctx context.Context) (T, error) {
	if v, ok := c.cached(); ok {
		return v, nil
	}

	logutil.Debugf("session miss: provider=%s", c.provider)
	v, err := c.login(ctx)
	if err != nil {
		var zero T
		return zero, xpost.AuthError{Provider: c.provider, Err: err}
	}

	c.mu.Lock()
	c.value = v
	c.valid = true
	if c.ttl > 0 {
		c.expiresAt = c.now().Add(c.ttl)
	} else {
		c.expiresAt = time.Time{}
	}
	c.mu.Unlock()

	logutil.Debugf("session established: provider=%s", c.provider)
	return v, nil
}

// ExpiresAt reports when the current session goes stale. The zero time means
// no session or no expiry.
func (c *Cache[T]) ExpiresAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expiresAt
}

// Invalidate drops the cached session so the next Get logs in again.
func (c *Cache[T]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	c.value = zero
	c.valid = false
	c.expiresAt = time.Time{}
	logutil.Debugf("session invalidated: provider=%s", c.provider)
}

func (c *Cache[T]) cached() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.valid {
		var zero T
		return zero, false
	}
	if !c.expiresAt.IsZero() && !c.now().Before(c.expiresAt) {
		var zero T
		return zero, false
	}
	return c.value, true
}
