// Package lock serializes work on a reference or an owner across requests and instances.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotAcquired is returned when the context ends before the lock is free
var ErrNotAcquired = errors.New("lock not acquired")

// Release gives the lock back. Calling it more than once is a no-op.
type Release func()

type Locker interface {
	// Acquire blocks until key is held or ctx is done. ttl bounds how long a
	// crashed holder can keep the key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

func RefKey(reference string) string {
	return "ref:" + reference
}

func OwnerKey(email string) string {
	return "owner:" + email
}
