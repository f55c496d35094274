package collab

import (
	"context"
	"time"
)

// RunReaper sweeps expired locks every interval until ctx is done. With
// reclaimOrphans set it also releases locks whose connection is not live in
// this process, which is only correct for a single-instance deployment.
func (c *Coordinator) RunReaper(ctx context.Context, interval time.Duration, reclaimOrphans bool) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.ReapOnce(ctx, reclaimOrphans)
		}
	}
}

// ReapOnce runs a single reaper pass and returns how many locks it released.
func (c *Coordinator) ReapOnce(ctx context.Context, reclaimOrphans bool) (expired, orphaned int) {
	expired, err := c.locks.SweepExpired(ctx)
	if err != nil {
		c.log.Error("lock sweep failed", "error", err)
	}
	if reclaimOrphans {
		orphaned, err = c.locks.ReleaseOrphaned(ctx, c.IsLive)
		if err != nil {
			c.log.Error("orphaned lock reclaim failed", "error", err)
		}
	}
	if expired > 0 || orphaned > 0 {
		c.log.Info("reaper released locks", "expired", expired, "orphaned", orphaned)
	}
	return expired, orphaned
}

// RunSessionSweeper disconnects sessions that missed heartbeats for longer
// than staleAfter, checking every interval until ctx is done.
func (c *Coordinator) RunSessionSweeper(ctx context.Context, interval, staleAfter time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.SweepSessionsOnce(ctx, staleAfter)
		}
	}
}

// SweepSessionsOnce runs the disconnect cleanup for every stale session and
// returns how many it removed.
func (c *Coordinator) SweepSessionsOnce(ctx context.Context, staleAfter time.Duration) int {
	stale := c.sessions.Stale(staleAfter)
	for _, s := range stale {
		if conn, ok := c.lookup(s.ConnectionID); ok {
			c.Disconnect(ctx, conn, "heartbeat timeout")
			continue
		}
		c.sessions.Remove(s.ConnectionID)
		c.releaseConnection(ctx, s.ConnectionID)
		if s.WorkspaceID != "" {
			c.broadcastPresence(s.WorkspaceID)
		}
	}
	if len(stale) > 0 {
		c.log.Info("stale sessions removed", "count", len(stale))
	}
	return len(stale)
}

// Shutdown disconnects every open connection, releasing their locks.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.RLock()
	conns := make([]*Conn, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.RUnlock()
	for _, conn := range conns {
		c.Disconnect(ctx, conn, "server shutdown")
	}
}
