package backend

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeChecker struct {
	calls  atomic.Int32
	status string
	err    error
}

func (f *fakeChecker) Health(ctx context.Context) (*Health, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &Health{Status: f.status}, nil
}

func TestCachedHealth_CachesWithinTTL(t *testing.T) {
	checker := &fakeChecker{status: "healthy"}
	cache := NewCachedHealth(checker, testLogger())

	for i := 0; i < 3; i++ {
		snap, err := cache.Get(context.Background())
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if !snap.Health.IsHealthy() {
			t.Errorf("status = %q, want healthy", snap.Health.Status)
		}
	}

	if got := checker.calls.Load(); got != 1 {
		t.Errorf("probe calls = %d, want 1", got)
	}
}

func TestCachedHealth_ReprobesAfterTTL(t *testing.T) {
	checker := &fakeChecker{status: "healthy"}
	cache := NewCachedHealth(checker, testLogger())
	cache.ttl = time.Millisecond

	cache.Get(context.Background())
	time.Sleep(5 * time.Millisecond)
	cache.Get(context.Background())

	if got := checker.calls.Load(); got != 2 {
		t.Errorf("probe calls = %d, want 2", got)
	}
}

func TestCachedHealth_StaleOnError(t *testing.T) {
	checker := &fakeChecker{status: "healthy"}
	cache := NewCachedHealth(checker, testLogger())

	first, err := cache.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	checker.err = errors.New("connection refused")
	second, err := cache.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() with stale snapshot error = %v", err)
	}
	if second != first {
		t.Error("expected the stale snapshot to be returned")
	}
}

func TestCachedHealth_ErrorWithoutSnapshot(t *testing.T) {
	checker := &fakeChecker{err: errors.New("connection refused")}
	cache := NewCachedHealth(checker, testLogger())

	if _, err := cache.Get(context.Background()); err == nil {
		t.Fatal("expected error when no snapshot exists")
	}
	if cache.Peek() != nil {
		t.Error("Peek() should be nil after a failed first probe")
	}
}

func TestCachedHealth_Invalidate(t *testing.T) {
	checker := &fakeChecker{status: "healthy"}
	cache := NewCachedHealth(checker, testLogger())

	cache.Get(context.Background())
	cache.Invalidate()
	if cache.Peek() != nil {
		t.Fatal("Peek() after Invalidate() should be nil")
	}
	cache.Get(context.Background())

	if got := checker.calls.Load(); got != 2 {
		t.Errorf("probe calls = %d, want 2", got)
	}
}
