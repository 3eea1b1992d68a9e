// Package store implements xstream's State Store: a durable per-stream
// key/value collaborator with TTL, atomic set-if-not-exists locking, and
// ordered-list operations. It is the only component that persists across
// process restarts; everything else in the system treats it as an
// external collaborator reached through this narrow interface.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has
// expired.
var ErrNotFound = errors.New("store: key not found")

// ErrLockHeld is returned by Lock when the key is already held by any
// owner, the caller's own owner name included.
var ErrLockHeld = errors.New("store: lock already held")

// ErrLockMismatch is returned by Unlock when the supplied token does not
// match the current holder's fenced token.
var ErrLockMismatch = errors.New("store: lock token mismatch")

// Store is the narrow contract every xstream subsystem uses to persist
// and recover state. Implementations: BoltStore (single-process,
// durable) and RedisStore (multi-process, Redis-like).
type Store interface {
	// Get returns the raw bytes stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value at key with the given TTL. A zero TTL means no
	// expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Del removes key. It is not an error to delete a missing key.
	Del(ctx context.Context, key string) error

	// ListAppendCapped appends value to the ordered list at key,
	// trimming the oldest entries so the list never exceeds cap. The TTL
	// is refreshed on every append.
	ListAppendCapped(ctx context.Context, key string, value []byte, cap int, ttl time.Duration) error
	// ListRange returns up to limit of the most recently appended
	// entries, oldest first. limit <= 0 means no limit.
	ListRange(ctx context.Context, key string, limit int) ([][]byte, error)

	// SetAdd adds members to the unordered set at key.
	SetAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error
	// SetMembers returns every member currently in the set at key.
	SetMembers(ctx context.Context, key string) ([]string, error)
	// SetDiff replaces the set at key with newMembers and reports the
	// additions and removals relative to the previous contents.
	SetDiff(ctx context.Context, key string, newMembers []string, ttl time.Duration) (added, removed []string, err error)

	// Incr atomically increments the integer counter at key by delta and
	// returns the new value.
	Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Lock acquires a single-writer, fenced NX lock on key for the
	// caller identified by owner. On success it returns a token that
	// must be presented to Unlock. Returns ErrLockHeld if the key is
	// already held, whichever owner holds it; the lock is not re-entrant.
	Lock(ctx context.Context, key, owner string, ttl time.Duration) (token string, err error)
	// Unlock releases the lock at key if token matches the current
	// holder. Returns ErrLockMismatch otherwise.
	Unlock(ctx context.Context, key, token string) error

	// Close releases any underlying resources.
	Close() error
}

// DefaultTTL is the default retention for keys where the caller does
// not supply an explicit TTL (spec §4.A: 7 days).
const DefaultTTL = 7 * 24 * time.Hour

// StreamMetaKey returns the key holding a stream's metadata JSON.
func StreamMetaKey(streamID string) string { return "stream:" + streamID }

// StreamSeenKey returns the key holding a stream's capped seen-ring.
func StreamSeenKey(streamID string) string { return "stream:" + streamID + ":seen" }

// StreamFollowersKey returns the key holding a stream's follower set.
func StreamFollowersKey(streamID string) string { return "stream:" + streamID + ":followers" }

// StreamEventsKey returns the key holding a stream's capped event history.
func StreamEventsKey(streamID string) string { return "stream:" + streamID + ":events" }

// StreamLockKey returns the key used for a stream's single-flight lock.
func StreamLockKey(streamID string) string { return "stream:" + streamID + ":lock" }

// RateWindowKey returns the key holding an endpoint's rate window.
func RateWindowKey(endpoint string) string { return "rate:" + endpoint }
