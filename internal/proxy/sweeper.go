// ABOUTME: Keepalive sweeper: collects runs whose close-time expiry has passed
// ABOUTME: Expiry exists only on closed runs; an open run is never swept

package proxy

import (
	"context"
	"time"

	"github.com/2389/acp-relay/internal/protocol"
	"github.com/2389/acp-relay/internal/sandbox"
)

// runSweeper drives sweepExpired on the sweep period until ctx ends.
func (p *Proxy) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(p.sweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepExpired(ctx)
		}
	}
}

// sweepExpired enqueues an expiry for every run past its keepalive deadline.
// The per-run queue serializes the expiry against any concurrent reopen.
func (p *Proxy) sweepExpired(ctx context.Context) {
	for _, runID := range p.runs.expired(p.now()) {
		id := runID
		p.queue.Go(id, func() { p.expireRun(ctx, id) })
	}
}

func (p *Proxy) expireRun(ctx context.Context, runID string) {
	// A reopen may have landed ahead of us on the queue; re-check.
	snap, ok := p.runs.snapshot(runID)
	if !ok || snap.expiresAt.IsZero() || snap.expiresAt.After(p.now()) {
		return
	}

	p.logger.Info("keepalive expired", "run_id", runID, "instance", snap.instanceName)

	if snap.bridge != nil {
		snap.bridge.SuppressNextExit()
		snap.bridge.Close("keepalive_expired")
	}
	if snap.instanceName != "" {
		if err := p.manager.Remove(ctx, snap.instanceName); err != nil {
			p.logger.Warn("removing expired instance", "instance", snap.instanceName, "error", err)
		}
	}

	p.send(&protocol.SandboxInstanceStatus{
		RunID:        runID,
		InstanceName: snap.instanceName,
		Provider:     p.manager.Provider(),
		Runtime:      p.manager.Runtime(),
		Status:       sandbox.StatusMissing,
		LastSeenAt:   p.now(),
	})
	p.runs.delete(runID)
}
