// Package procmutex implements the cache's cross-process mutual exclusion
// as a recursive, owner-scoped lock. In the original C server this was a
// named POSIX semaphore shared by every forked process, with a per-process
// owned-count so that a process already holding the lock could acquire it
// again without deadlocking itself. Here, one Go process replaces the
// process-per-connection model with goroutines, so "owner" becomes an
// opaque token threaded through context.Context for the lifetime of one
// logical request (or fetcher) rather than an OS pid.
package procmutex

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

type ownerKeyType struct{}

var ownerKey ownerKeyType

// ErrNoOwner is returned when Acquire/Release is called on a context that
// was never given an owner token via WithOwner.
var ErrNoOwner = errors.New("procmutex: context has no owner token")

// ErrNotHeld is returned when Release is called by a context whose owner
// token does not currently hold the lock.
var ErrNotHeld = errors.New("procmutex: owner does not hold the lock")

// WithOwner returns a context carrying a fresh owner token, to be used by
// every downstream call that needs to (recursively) acquire the mutex as
// part of the same logical request.
func WithOwner(ctx context.Context) context.Context {
	return context.WithValue(ctx, ownerKey, uuid.NewString())
}

func ownerFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ownerKey).(string)
	return v, ok
}

// Mutex is a recursive, owner-scoped binary lock. Acquiring it when the
// calling owner already holds it increments an internal count without
// blocking; only the matching number of Release calls returns the lock to
// other owners.
type Mutex struct {
	real sync.Mutex

	bk     sync.Mutex // protects heldBy/count
	heldBy string
	count  int
}

// New returns an unlocked Mutex.
func New() *Mutex {
	return &Mutex{}
}

// Acquire locks m on behalf of ctx's owner token, blocking if another owner
// currently holds it. Recursive acquisition by the same owner never
// blocks.
func (m *Mutex) Acquire(ctx context.Context) error {
	owner, ok := ownerFrom(ctx)
	if !ok {
		return ErrNoOwner
	}

	m.bk.Lock()
	if m.heldBy == owner {
		m.count++
		m.bk.Unlock()
		return nil
	}
	m.bk.Unlock()

	m.real.Lock()

	m.bk.Lock()
	m.heldBy = owner
	m.count = 1
	m.bk.Unlock()
	return nil
}

// Release undoes one Acquire by ctx's owner. The underlying lock is only
// returned to other owners when the owned count reaches zero.
func (m *Mutex) Release(ctx context.Context) error {
	owner, ok := ownerFrom(ctx)
	if !ok {
		return ErrNoOwner
	}

	m.bk.Lock()
	if m.heldBy != owner {
		m.bk.Unlock()
		return ErrNotHeld
	}
	m.count--
	if m.count > 0 {
		m.bk.Unlock()
		return nil
	}
	m.heldBy = ""
	m.bk.Unlock()

	m.real.Unlock()
	return nil
}
