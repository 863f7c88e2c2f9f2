package backend

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultHealthTTL = 30 * time.Second

// HealthChecker is the probe CachedHealth wraps.
type HealthChecker interface {
	Health(ctx context.Context) (*Health, error)
}

// HealthSnapshot is a probe result together with the time it was taken.
type HealthSnapshot struct {
	Health   Health
	ProbedAt time.Time
}

// CachedHealth caches backend health probes for a TTL so status polling from
// the browser does not hit the backend on every request.
type CachedHealth struct {
	checker HealthChecker
	ttl     time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	cached *HealthSnapshot
}

func NewCachedHealth(checker HealthChecker, logger *slog.Logger) *CachedHealth {
	return &CachedHealth{
		checker: checker,
		ttl:     defaultHealthTTL,
		logger:  logger,
	}
}

// Get returns the cached probe if fresh, otherwise re-probes.
func (h *CachedHealth) Get(ctx context.Context) (*HealthSnapshot, error) {
	h.mu.RLock()
	if h.cached != nil && time.Since(h.cached.ProbedAt) < h.ttl {
		snap := h.cached
		h.mu.RUnlock()
		return snap, nil
	}
	h.mu.RUnlock()

	return h.Refresh(ctx)
}

func (h *CachedHealth) Peek() *HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cached
}

// Refresh forces a probe. A failed probe falls back to the stale snapshot
// when one exists.
func (h *CachedHealth) Refresh(ctx context.Context) (*HealthSnapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	health, err := h.checker.Health(ctx)
	if err != nil {
		h.logger.Warn("backend health probe failed", "error", err)
		if h.cached != nil {
			h.logger.Info("returning stale backend health")
			return h.cached, nil
		}
		return nil, err
	}

	h.cached = &HealthSnapshot{Health: *health, ProbedAt: time.Now()}
	return h.cached, nil
}

func (h *CachedHealth) Invalidate() {
	h.mu.Lock()
	h.cached = nil
	h.mu.Unlock()
}
