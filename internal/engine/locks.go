package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/petrijr/procflow/internal/persistence"
	"github.com/petrijr/procflow/pkg/api"
)

const leasePollInterval = 20 * time.Millisecond

// instanceLocks serializes work on one process instance inside this
// engine. Entries are reference counted and dropped when unused.
type instanceLocks struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{locks: make(map[string]*refLock)}
}

func (l *instanceLocks) acquire(id string) (release func()) {
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &refLock{}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.Lock()
	return func() {
		lk.Unlock()
		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// withInstance runs fn while holding the local lock and the store lease
// for process id, so two engines sharing a store never interleave on the
// same instance.
func (e *engineImpl) withInstance(ctx context.Context, id string, fn func() error) error {
	release := e.locks.acquire(id)
	defer release()

	if err := e.acquireLease(ctx, id); err != nil {
		return err
	}
	defer func() {
		if err := e.instances.ReleaseLease(context.WithoutCancel(ctx), id, e.owner); err != nil {
			e.logger.Warn("lease_release_failed", "process_id", id, "error", err)
		}
	}()

	return fn()
}

func (e *engineImpl) acquireLease(ctx context.Context, id string) error {
	deadline := time.Now().Add(e.leaseWait)
	checked := false
	for {
		ok, err := e.instances.TryAcquireLease(ctx, id, e.owner, e.leaseTTL)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !checked {
			// SQL stores cannot lease a missing row; report that as not found.
			if _, err := e.instances.GetInstance(ctx, id); errors.Is(err, persistence.ErrInstanceNotFound) {
				return &api.NotFoundError{Kind: "process", ID: id}
			}
			checked = true
		}
		if time.Now().After(deadline) {
			return api.ErrLeaseHeld
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(leasePollInterval):
		}
	}
}
