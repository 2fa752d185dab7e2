package gateway

import (
	"context"
	"log/slog"
	"sync"
)

// RefreshFunc exchanges the current renewal credential for a new session.
// It is injected by the composition root and must go through the gateway
// with auth retry disabled, so a failing refresh never recurses here.
type RefreshFunc func(ctx context.Context) error

// Coordinator serializes credential refreshes. Refresh tokens are
// single-use: N concurrent requests all hitting an expired credential must
// produce exactly one refresh call, with the other N-1 suspended until it
// resolves. Without this, sibling refresh attempts consume each other's
// rotation and log the user out spuriously.
//
// Two states: idle and refreshing. The flag check and flag set happen under
// one lock acquisition, so a request arriving between "decided to refresh"
// and "refresh dispatched" observes refreshing and queues.
type Coordinator struct {
	mu         sync.Mutex
	refreshing bool
	waiters    []chan error

	refresh RefreshFunc
	logger  *slog.Logger
}

// NewCoordinator creates a coordinator. The refresh function may be set
// later via SetRefreshFunc to break construction cycles.
func NewCoordinator(refresh RefreshFunc, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{refresh: refresh, logger: logger}
}

// SetRefreshFunc installs the refresh call. Must happen before the first
// authenticated request is issued.
func (c *Coordinator) SetRefreshFunc(refresh RefreshFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refresh = refresh
}

// Resolve is called by a request that failed with the authentication-expired
// signal. The first caller performs the refresh; concurrent callers are
// queued and settled with the same outcome in FIFO order. The queue is
// cleared after every attempt, success or failure.
func (c *Coordinator) Resolve(ctx context.Context) error {
	c.mu.Lock()
	if c.refreshing {
		ch := make(chan error, 1)
		c.waiters = append(c.waiters, ch)
		c.mu.Unlock()

		select {
		case err := <-ch:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.refreshing = true
	refresh := c.refresh
	c.mu.Unlock()

	c.logger.Debug("credential refresh started")

	// The refresh outcome is shared by every queued request, so it must not
	// die with the triggering request's context.
	err := refresh(context.WithoutCancel(ctx))

	c.mu.Lock()
	c.refreshing = false
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("credential refresh failed",
			slog.Int("queued", len(waiters)), slog.Any("error", err))
	} else {
		c.logger.Debug("credential refresh succeeded", slog.Int("queued", len(waiters)))
	}

	for _, ch := range waiters {
		ch <- err
	}
	return err
}
