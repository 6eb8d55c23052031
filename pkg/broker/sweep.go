package broker

import (
	"context"
	"time"

	"github.com/gate-fs/gate/internal/telemetry"
)

// RunSweep blocks, running the expiry sweep (§4.1) at cfg.SweepInterval
// until ctx is canceled. The caller typically runs this in its own
// goroutine from cmd/broker's root command.
func (b *Broker) RunSweep(ctx context.Context) {
	interval := b.cfg.SweepInterval
	if interval <= 0 {
		interval = b.cfg.LeaseMS / 4
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweepOnce(ctx)
		}
	}
}

// sweepOnce walks every path's granted entries once, reclaiming any whose
// lease has lapsed or whose absolute max_hold_ms has been exceeded.
func (b *Broker) sweepOnce(ctx context.Context) {
	ctx, span := telemetry.StartBrokerSpan(ctx, telemetry.SpanBrokerSweep, "sweep", "")
	defer span.End()

	b.mu.Lock()
	queues := make([]*pathQueue, 0, len(b.paths))
	for _, pq := range b.paths {
		queues = append(queues, pq)
	}
	b.mu.Unlock()

	now := b.now()
	for _, pq := range queues {
		b.sweepPath(ctx, pq, now)
	}
}

func (b *Broker) sweepPath(ctx context.Context, pq *pathQueue, now time.Time) {
	pq.mu().Lock()
	defer pq.mu().Unlock()

	reclaimed := false
	for _, qe := range append([]*queueEntry(nil), pq.order...) {
		if qe.entry.State != StateGranted {
			continue
		}
		leaseExpired := now.Sub(qe.entry.LastHeartbeat) > b.cfg.LeaseMS
		capExpired := b.cfg.MaxHoldMS > 0 && now.Sub(qe.entry.GrantedAt) > b.cfg.MaxHoldMS

		if !leaseExpired && !capExpired {
			continue
		}

		kind := AuditExpire
		if capExpired {
			kind = AuditForceExpire
		}

		idx := 0
		for i, o := range pq.order {
			if o == qe {
				idx = i
				break
			}
		}
		pq.removeFromOrder(qe)
		delete(pq.byOwner, qe.entry.Owner)
		pq.tombstone(qe.entry.Owner, now, tombstoneTTL)

		if err := b.persistRemoval(ctx, qe.entry, kind); err != nil {
			b.log.Error("sweep failed to persist expiry", "path", qe.entry.Path, "owner", qe.entry.Owner, "err", err)
			// Roll back the in-memory removal; try again next cycle.
			pq.order = append(pq.order[:idx], append([]*queueEntry{qe}, pq.order[idx:]...)...)
			pq.byOwner[qe.entry.Owner] = qe
			continue
		}

		if kind == AuditForceExpire {
			b.metrics.ForceExpire(qe.entry.Path)
		} else {
			b.metrics.LeaseExpire(qe.entry.Path)
		}
		reclaimed = true
	}

	if reclaimed {
		b.promoteLocked(ctx, pq)
	}
	b.metrics.SetQueueDepth(pq.path, len(pq.order))
}
