// Package session grants exclusive use of the physical bench. Only one run
// may move the paddles at a time, whether runs come from one process or
// several.
package session

import (
	"context"
	"errors"
	"sync"
)

// ErrNotHeld is returned when releasing a lease that is no longer owned.
var ErrNotHeld = errors.New("lease not held")

// Locker hands out leases on the bench.
type Locker interface {
	// Acquire blocks until the bench is free or ctx is done.
	Acquire(ctx context.Context, owner string) (Lease, error)
	// Holder returns the current owner, or "" when the bench is free.
	Holder(ctx context.Context) (string, error)
}

// Lease is held exclusive access.
type Lease interface {
	Owner() string
	// Lost is closed if the lease expires while held.
	Lost() <-chan struct{}
	Release(ctx context.Context) error
}

// LocalLocker serializes runs inside one process.
type LocalLocker struct {
	sem chan struct{}

	mu    sync.Mutex
	owner string
}

// NewLocalLocker returns a free LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{sem: make(chan struct{}, 1)}
}

func (l *LocalLocker) Acquire(ctx context.Context, owner string) (Lease, error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	l.mu.Lock()
	l.owner = owner
	l.mu.Unlock()
	return &localLease{l: l, owner: owner, lost: make(chan struct{})}, nil
}

func (l *LocalLocker) Holder(context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner, nil
}

type localLease struct {
	l     *LocalLocker
	owner string
	lost  chan struct{}
	once  sync.Once
}

func (h *localLease) Owner() string         { return h.owner }
func (h *localLease) Lost() <-chan struct{} { return h.lost }

func (h *localLease) Release(context.Context) error {
	err := ErrNotHeld
	h.once.Do(func() {
		h.l.mu.Lock()
		h.l.owner = ""
		h.l.mu.Unlock()
		<-h.l.sem
		err = nil
	})
	return err
}
