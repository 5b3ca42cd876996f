// Package lock provides the TTL-leased DistributedLock abstraction that
// requestqueue uses to guard in-progress requests across cooperating
// crawler processes (spec.md §4.5). It generalizes the teacher's
// cluster.DistributedLock — which modeled a blocking, unleased mutex
// suited to a single critical section — into a leased-token model: every
// acquisition returns an opaque token that must be presented again to
// extend or release it, so a process that crashes mid-lease cannot have
// its lock stolen-then-reclaimed by a stale holder. The teacher's own doc
// comment on cluster/lock.go names Redis SETNX and etcd as the two
// production backends it was designed to be swapped for; this package
// ships both, plus the in-memory backend for single-process runs and
// tests.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotHeld is returned by Extend/Release when token does not match the
// current holder (already expired, released, or never acquired).
var ErrNotHeld = errors.New("lock: not held by token")

// Lock is the distributed-lock capability requestqueue depends on to
// reclaim stuck in-progress requests (spec.md §4.5 "stuck queue recovery").
type Lock interface {
	// TryAcquire attempts to acquire key for ttl, returning a token that
	// must be presented to Extend/Release. ok is false if key is already
	// held by someone else.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)

	// Extend renews the lease on key, proving ownership via token.
	Extend(ctx context.Context, key, token string, ttl time.Duration) error

	// Release gives up key, proving ownership via token. Releasing a key
	// already expired or held by someone else is ErrNotHeld, not a panic.
	Release(ctx context.Context, key, token string) error

	// IsLocked reports whether key is currently held by anyone.
	IsLocked(ctx context.Context, key string) (bool, error)
}
