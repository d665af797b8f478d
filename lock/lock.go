// Package lock provides the per-chain mutual exclusion the orchestrator
// runs under. The name convention is "gas-refund:{chainId}". The
// distributed backend is an external collaborator; MemoryLocker covers the
// single-process deployment and the tests.
package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/gasrefund/gasrefund/params"
)

// Locker hands out named exclusive locks. Acquire blocks until the lock is
// held or ctx is done; the returned release function must be called exactly
// once.
type Locker interface {
	Acquire(ctx context.Context, name string) (release func(), err error)
}

// ChainLockName returns the canonical lock name for a chain.
func ChainLockName(chain params.ChainID) string {
	return fmt.Sprintf("gas-refund:%d", uint64(chain))
}

// MemoryLocker implements Locker with in-process named mutexes.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewMemoryLocker returns an empty locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]chan struct{})}
}

func (l *MemoryLocker) slot(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[name] = ch
	}
	return ch
}

// Acquire implements Locker. A second acquire of the same name blocks
// until the first holder releases.
func (l *MemoryLocker) Acquire(ctx context.Context, name string) (func(), error) {
	ch := l.slot(name)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() { <-ch })
		}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("lock: acquiring %q: %w", name, ctx.Err())
	}
}
