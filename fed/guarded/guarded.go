// Package guarded provides a value wrapped by a reader-writer lock.
//
// The protected value may be read by any number of goroutines
// simultaneously, but only one goroutine may modify it at a time. The
// runtime uses it for the handle registry, which also holds the
// publication-to-subscriber fan-out index; registration writes are rare
// and delivery reads are hot.
package guarded

import (
	"sync"
	"time"
)

// Guarded wraps a value of type T behind a sync.RWMutex.
type Guarded[T any] struct {
	mu  sync.RWMutex
	obj T
}

// New constructs a Guarded holding v.
func New[T any](v T) *Guarded[T] {
	return &Guarded[T]{obj: v}
}

// Read invokes f with shared access to the value.
func (g *Guarded[T]) Read(f func(*T)) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	f(&g.obj)
}

// Modify invokes f with exclusive access to the value.
func (g *Guarded[T]) Modify(f func(*T)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	f(&g.obj)
}

// ReadResult is Read for callbacks that produce a value.
func ReadResult[T, R any](g *Guarded[T], f func(*T) R) R {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return f(&g.obj)
}

// ModifyResult is Modify for callbacks that produce a value.
func ModifyResult[T, R any](g *Guarded[T], f func(*T) R) R {
	g.mu.Lock()
	defer g.mu.Unlock()
	return f(&g.obj)
}

// Load copies the value out under a shared lock.
func (g *Guarded[T]) Load() T {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.obj
}

// Store replaces the value under an exclusive lock.
func (g *Guarded[T]) Store(v T) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.obj = v
}

// SharedHandle is a scoped read handle. Get returns the protected value;
// Release must be called exactly once when done. A nil SharedHandle is
// safe to Release, so try-variant callers can release unconditionally.
type SharedHandle[T any] struct {
	g    *Guarded[T]
	once sync.Once
}

// Get returns the protected value. Only valid between acquisition and
// Release.
func (h *SharedHandle[T]) Get() *T {
	return &h.g.obj
}

// Release drops the shared lock. Idempotent.
func (h *SharedHandle[T]) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.g.mu.RUnlock()
	})
}

// LockShared acquires a shared lock and returns a handle that keeps it
// held until Release.
func (g *Guarded[T]) LockShared() *SharedHandle[T] {
	g.mu.RLock()
	return &SharedHandle[T]{g: g}
}

// TryLockShared attempts to acquire a shared lock without blocking.
// Returns nil if the lock is held exclusively.
func (g *Guarded[T]) TryLockShared() *SharedHandle[T] {
	if !g.mu.TryRLock() {
		return nil
	}
	return &SharedHandle[T]{g: g}
}

// retryInterval paces the timed try-variants between acquisition attempts.
const retryInterval = 50 * time.Microsecond

// TryLockSharedFor attempts to acquire a shared lock, retrying until the
// supplied duration elapses. Returns nil on expiry; never panics on
// contention.
func (g *Guarded[T]) TryLockSharedFor(d time.Duration) *SharedHandle[T] {
	return g.TryLockSharedUntil(time.Now().Add(d))
}

// TryLockSharedUntil attempts to acquire a shared lock, retrying until
// the supplied deadline passes. Returns nil on expiry.
func (g *Guarded[T]) TryLockSharedUntil(deadline time.Time) *SharedHandle[T] {
	for {
		if g.mu.TryRLock() {
			return &SharedHandle[T]{g: g}
		}
		if !time.Now().Before(deadline) {
			return nil
		}
		time.Sleep(retryInterval)
	}
}
