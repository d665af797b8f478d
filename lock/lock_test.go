package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gasrefund/gasrefund/params"
)

func TestChainLockName(t *testing.T) {
	if got := ChainLockName(params.PolygonChainID); got != "gas-refund:137" {
		t.Errorf("name = %q", got)
	}
}

func TestAcquireBlocksSecondHolder(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "gas-refund:1")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		r2, err := l.Acquire(ctx, "gas-refund:1")
		if err != nil {
			t.Errorf("second acquire: %v", err)
			close(acquired)
			return
		}
		close(acquired)
		r2()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired while the first still holds")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second holder never acquired after release")
	}
}

func TestAcquireDistinctNamesIndependent(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()
	r1, err := l.Acquire(ctx, ChainLockName(params.MainnetChainID))
	if err != nil {
		t.Fatalf("acquire mainnet: %v", err)
	}
	defer r1()
	r2, err := l.Acquire(ctx, ChainLockName(params.BSCChainID))
	if err != nil {
		t.Fatalf("acquire bsc must not block on mainnet: %v", err)
	}
	r2()
}

func TestAcquireHonoursContext(t *testing.T) {
	l := NewMemoryLocker()
	release, _ := l.Acquire(context.Background(), "gas-refund:1")
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, "gas-refund:1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want DeadlineExceeded", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	l := NewMemoryLocker()
	release, _ := l.Acquire(context.Background(), "gas-refund:1")
	release()
	release() // second call must be a no-op, not unlock someone else

	r2, err := l.Acquire(context.Background(), "gas-refund:1")
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	r2()
}
