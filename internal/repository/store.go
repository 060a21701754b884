package repository

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultOpTimeout bounds a single store round-trip when the caller does not configure one.
const DefaultOpTimeout = 100 * time.Millisecond

// ErrUnavailable is matched (via errors.Is) by every error a Store returns for a transport
// failure or timeout. A missing key is never reported as an error.
var ErrUnavailable = errors.New("store unavailable")

// Store is the atomic key-value contract shared by the coordination components.
// Implementations must be safe for concurrent use, and SetNX / Incr must be atomic
// across every process sharing the backend.
type Store interface {
	// SetNX writes value with ttl only if key is absent. created reports whether this call wrote it.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (created bool, err error)

	// Incr atomically increments the integer at key (absent counts as 0) and returns the new value.
	// It never touches the key's expiry.
	Incr(ctx context.Context, key string) (int64, error)

	// Expire sets the time-to-live of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Get returns (value, true, nil) on hit and (nil, false, nil) when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set unconditionally writes value with ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Del removes key. Removing an absent key is not an error.
	Del(ctx context.Context, key string) error

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// UnavailableError records which operation failed against the backend.
type UnavailableError struct {
	Op  string
	Key string
	Err error
}

func (e *UnavailableError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is reports true for ErrUnavailable so callers never need to know the concrete backend error.
func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

func unavailable(op, key string, err error) error {
	return &UnavailableError{Op: op, Key: key, Err: err}
}

// IsUnavailable is shorthand for errors.Is(err, ErrUnavailable).
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
