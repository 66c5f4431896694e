package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrHeld reports that the lock is taken by another tick, in this process
// or another one.
var ErrHeld = errors.New("tick lock already held")

// TickLock serializes health and backup ticks across processes and between
// the daemon's loops. Cross-process exclusion uses flock(2) with a fresh fd
// on every acquisition; in-process exclusion uses a size-1 channel token so
// two goroutines sharing one TickLock block each other without a syscall.
type TickLock struct {
	path string
	ch   chan struct{}
	// fl is the active flock fd, non-nil while the lock is held.
	fl *flock.Flock
}

// New creates a TickLock backed by the given file.
func New(path string) *TickLock {
	return &TickLock{path: path, ch: make(chan struct{}, 1)}
}

// Acquire attempts a non-blocking acquisition and reports ErrHeld when
// another tick is in flight. Overlapping ticks skip instead of queueing.
func (l *TickLock) Acquire(_ context.Context) error {
	select {
	case l.ch <- struct{}{}:
	default:
		return fmt.Errorf("%s: %w", l.path, ErrHeld)
	}

	// The lock file sits in the config directory beside the master key;
	// the directory is owner-only whichever caller creates it first.
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		<-l.ch
		return fmt.Errorf("create lock directory: %w", err)
	}

	fl := flock.New(l.path)
	locked, err := fl.TryLock()
	if err != nil {
		<-l.ch
		return fmt.Errorf("acquire flock %s: %w", l.path, err)
	}
	if !locked {
		<-l.ch
		return fmt.Errorf("%s: %w", l.path, ErrHeld)
	}
	l.fl = fl
	return nil
}

// Release lets the next tick in. Releasing an unheld lock is a no-op.
func (l *TickLock) Release() error {
	var err error
	if l.fl != nil {
		err = l.fl.Unlock()
		l.fl = nil
	}
	select {
	case <-l.ch:
	default:
	}
	if err != nil {
		return fmt.Errorf("release flock %s: %w", l.path, err)
	}
	return nil
}
