package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquire_SecondCallerIsRefused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tick.lock")
	ctx := context.Background()

	held := New(path)
	if err := held.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer func() {
		if err := held.Release(); err != nil {
			t.Fatalf("release: %v", err)
		}
	}()

	if err := held.Acquire(ctx); !errors.Is(err, ErrHeld) {
		t.Fatalf("same instance should refuse, got %v", err)
	}

	other := New(path)
	if err := other.Acquire(ctx); !errors.Is(err, ErrHeld) {
		t.Fatalf("second instance should refuse, got %v", err)
	}
}

func TestAcquire_AfterReleaseSucceeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tick.lock")
	ctx := context.Background()

	first := New(path)
	if err := first.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	second := New(path)
	if err := second.Acquire(ctx); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if err := second.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestAcquire_CreatesMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "meilisearch", "tick.lock")

	l := New(path)
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	info, err := os.Stat(filepath.Dir(path))
	if err != nil {
		t.Fatalf("stat lock directory: %v", err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Fatalf("lock directory mode = %v, want 0700", info.Mode().Perm())
	}
}

func TestRelease_WithoutAcquireIsNoOp(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "tick.lock"))
	if err := l.Release(); err != nil {
		t.Fatalf("release without acquire: %v", err)
	}
}
