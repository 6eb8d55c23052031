package proxy

import (
	"context"
	"time"

	"github.com/gate-fs/gate/pkg/transport"
)

// RunHeartbeats blocks, heartbeating every tracked handle at cfg.HeartbeatEvery
// until ctx is canceled. Spec §4.2: "a single background task ... issues
// heartbeats at an interval comfortably below lease_ms (suggested: lease_ms/3)."
func (p *Proxy) RunHeartbeats(ctx context.Context) {
	interval := p.cfg.HeartbeatEvery
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.heartbeatAll(ctx)
		}
	}
}

func (p *Proxy) heartbeatAll(ctx context.Context) {
	for _, h := range p.registry.snapshot() {
		if err := h.checkLive(); err != nil {
			continue // already lost; nothing to heartbeat
		}
		p.heartbeatOne(ctx, h)
	}
}

// heartbeatOne issues a single heartbeat for h. A response of expired or
// not_held is fatal to the handle (spec §4.2): subsequent operations fail
// with a distinguishable I/O error instead of silently losing the lock.
func (p *Proxy) heartbeatOne(ctx context.Context, h *Handle) {
	resp, err := p.client.Heartbeat(ctx, h.Path, h.Owner)
	if err != nil {
		// Transport failure alone does not mark the handle lost: it may be
		// transient, and the lease grace period on the broker side covers
		// brief disconnects. A sustained outage eventually surfaces as
		// queue_timeout/broker_unreachable on the handle's next real op.
		p.log.Warn("heartbeat transport error", "path", h.Path, "owner", h.Owner, "err", err)
		return
	}

	switch resp.Status {
	case transport.StatusOK:
		return
	case transport.StatusExpired:
		h.markLost(newIOError("lease_expired", h.Path, nil))
		p.metrics.HeartbeatFailure("expired")
	case transport.StatusNotHeld:
		h.markLost(newIOError("not_held", h.Path, nil))
		p.metrics.HeartbeatFailure("not_held")
	default:
		p.log.Warn("unexpected heartbeat status", "path", h.Path, "status", resp.Status)
	}
}
