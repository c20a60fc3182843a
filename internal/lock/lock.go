// Package lock provides a cross-process advisory file lock used to
// guarantee a single taviblockd instance runs against a given data
// directory at a time. It wraps gofrs/flock, the same cross-platform
// (Unix + Windows) advisory-lock library this corpus uses elsewhere.
package lock

import (
	"fmt"

	"github.com/gofrs/flock"
)

// Acquire opens path (creating it if needed) and blocks until it holds an
// exclusive advisory lock on it. The returned cleanup function releases
// the lock; callers must invoke it exactly once.
func Acquire(path string) (func(), error) {
	fl := flock.New(path)
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("acquiring flock: %w", err)
	}
	return func() { fl.Unlock() }, nil //nolint:errcheck
}

// TryAcquire attempts a non-blocking exclusive lock on path. It returns
// (cleanup, true, nil) on success or (nil, false, nil) if another
// process already holds the lock — the shape a daemon startup check
// uses to refuse to run a second instance against the same data
// directory.
func TryAcquire(path string) (func(), bool, error) {
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("acquiring flock: %w", err)
	}
	if !locked {
		return nil, false, nil
	}
	return func() { fl.Unlock() }, true, nil //nolint:errcheck
}
