package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gate-fs/gate/internal/telemetry"
	"github.com/gate-fs/gate/pkg/broker/store"
)

// tombstoneTTL bounds how long a heartbeat can still observe "expired"
// rather than "not_held" after the sweep reclaims an entry.
const tombstoneTTL = 5 * time.Minute

// Config holds the tunables named in spec §6's broker CLI surface.
type Config struct {
	LeaseMS          time.Duration
	MaxHoldMS        time.Duration
	SweepInterval    time.Duration
	AcquireTimeoutMS time.Duration // default used when a caller passes zero
}

// DefaultConfig matches the spec's stated defaults (§6): max_hold_ms of one
// hour, a sweep cadence of lease_ms/4.
func DefaultConfig() Config {
	lease := 30 * time.Second
	return Config{
		LeaseMS:          lease,
		MaxHoldMS:        time.Hour,
		SweepInterval:    lease / 4,
		AcquireTimeoutMS: 10 * time.Second,
	}
}

// Broker arbitrates access to paths according to the FIFO rules of §3. It
// holds one pathQueue per distinct path, each guarded by its own mutex —
// the "shard mutex set" variant of §4.1's concurrency model, scaling better
// than a single global lock while leaving every §8 property intact.
type Broker struct {
	cfg   Config
	store store.Store
	log   *slog.Logger

	mu    sync.Mutex // protects paths map only, not individual queues
	paths map[string]*pathQueue

	metrics *Metrics

	now func() time.Time // overridable for tests
}

// New constructs a Broker and replays durable state from st for crash
// recovery (§4.1 "Persistence & recovery").
func New(ctx context.Context, cfg Config, st store.Store, metrics *Metrics, log *slog.Logger) (*Broker, error) {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	b := &Broker{
		cfg:     cfg,
		store:   st,
		log:     log,
		paths:   make(map[string]*pathQueue),
		metrics: metrics,
		now:     time.Now,
	}
	if err := b.recover(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// recover loads every persisted entry and restores it to memory: waiting
// entries resume waiting, granted entries resume granted with their
// persisted granted_at and a fresh last_heartbeat (a grace period — clients
// reconnect and heartbeat, or the sweep reclaims them).
func (b *Broker) recover(ctx context.Context) error {
	entries, err := b.store.ListEntries(ctx)
	if err != nil {
		return fmt.Errorf("load persisted queue entries: %w", err)
	}
	now := b.now()
	for _, pe := range entries {
		pq := b.pathQueueFor(pe.Path)
		e := &Entry{
			Path:          pe.Path,
			Owner:         pe.Owner,
			Mode:          Mode(pe.Mode),
			RequestID:     pe.RequestID,
			EnqueuedAt:    pe.EnqueuedAt,
			State:         EntryState(pe.State),
			HoldCount:     pe.HoldCount,
			GrantedAt:     pe.GrantedAt,
			LastHeartbeat: pe.LastHeartbeat,
		}
		if e.State == StateGranted {
			e.LastHeartbeat = now
		}
		qe := newQueueEntry(e)
		if e.State == StateGranted {
			close(qe.ready)
		}
		pq.order = append(pq.order, qe)
		pq.byOwner[e.Owner] = qe
	}
	for _, pq := range b.paths {
		sort.SliceStable(pq.order, func(i, j int) bool {
			a, c := pq.order[i].entry, pq.order[j].entry
			if !a.EnqueuedAt.Equal(c.EnqueuedAt) {
				return a.EnqueuedAt.Before(c.EnqueuedAt)
			}
			return a.RequestID < c.RequestID
		})
	}
	b.log.Info("broker recovered queue state", "entries", len(entries), "paths", len(b.paths))
	return nil
}

func (b *Broker) pathQueueFor(path string) *pathQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	pq, ok := b.paths[path]
	if !ok {
		pq = newPathQueue(path)
		b.paths[path] = pq
	}
	return pq
}

func toPersisted(e *Entry) store.PersistedEntry {
	return store.PersistedEntry{
		Path:          e.Path,
		Owner:         e.Owner,
		Mode:          store.Mode(e.Mode),
		RequestID:     e.RequestID,
		EnqueuedAt:    e.EnqueuedAt,
		State:         store.EntryState(e.State),
		HoldCount:     e.HoldCount,
		GrantedAt:     e.GrantedAt,
		LastHeartbeat: e.LastHeartbeat,
	}
}

// persistGrant writes a new or updated entry and its matching audit record
// in one transaction: the hot path the spec's durability guarantee hinges on.
func (b *Broker) persistGrant(ctx context.Context, e *Entry, audit AuditEventKind) error {
	return b.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.PutEntry(toPersisted(e)); err != nil {
			return err
		}
		return tx.AppendAudit(store.PersistedAuditEvent{
			Timestamp: b.now(),
			Event:     string(audit),
			Path:      e.Path,
			Owner:     e.Owner,
			Mode:      store.Mode(e.Mode),
		})
	})
}

// persistRemoval deletes the durable entry and appends its audit record in
// one transaction.
func (b *Broker) persistRemoval(ctx context.Context, e *Entry, audit AuditEventKind) error {
	return b.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.DeleteEntry(e.Path, e.Owner); err != nil {
			return err
		}
		return tx.AppendAudit(store.PersistedAuditEvent{
			Timestamp: b.now(),
			Event:     string(audit),
			Path:      e.Path,
			Owner:     e.Owner,
			Mode:      store.Mode(e.Mode),
		})
	})
}

// Acquire implements §4.1's acquire operation.
func (b *Broker) Acquire(ctx context.Context, path string, mode Mode, owner string, requestID uint64, timeout time.Duration) (*Entry, AcquireStatus, error) {
	if !mode.valid() {
		return nil, "", NewInvalidArgumentError("invalid mode %q", mode)
	}
	if timeout <= 0 {
		timeout = b.cfg.AcquireTimeoutMS
	}
	ctx, span := telemetry.StartBrokerSpan(ctx, telemetry.SpanBrokerAcquire, "acquire", path, telemetry.Mode(string(mode)), telemetry.Owner(owner))
	defer span.End()

	pq := b.pathQueueFor(path)
	pq.mu().Lock()

	if qe, ok := pq.byOwner[owner]; ok {
		qe.entry.HoldCount++
		wasGranted := qe.entry.State == StateGranted
		persistKind := AuditHeartbeat
		if wasGranted {
			persistKind = AuditGrant
		}
		if err := b.persistGrant(ctx, qe.entry, persistKind); err != nil {
			qe.entry.HoldCount--
			pq.mu().Unlock()
			return nil, "", NewStoreFailureError(path, err)
		}
		pq.mu().Unlock()
		if wasGranted {
			b.metrics.ReentrantGrant(path)
			return qe.entry.Clone(), StatusGranted, nil
		}
		return b.awaitPromotion(ctx, pq, qe, timeout)
	}

	reqID := requestID
	var err error
	if reqID == 0 {
		reqID, err = b.store.NextRequestID(ctx)
		if err != nil {
			pq.mu().Unlock()
			return nil, "", NewStoreFailureError(path, err)
		}
	}

	entry := &Entry{
		Path:       path,
		Owner:      owner,
		Mode:       mode,
		RequestID:  reqID,
		EnqueuedAt: b.now(),
		State:      StateWaiting,
		HoldCount:  1,
	}
	qe := newQueueEntry(entry)
	pq.order = append(pq.order, qe)
	pq.byOwner[owner] = qe

	if err := b.persistGrant(ctx, entry, AuditEnqueue); err != nil {
		pq.removeFromOrder(qe)
		delete(pq.byOwner, owner)
		pq.mu().Unlock()
		return nil, "", NewStoreFailureError(path, err)
	}
	b.metrics.Enqueue(path, string(mode))

	b.promoteLocked(ctx, pq)
	pq.mu().Unlock()

	return b.awaitPromotion(ctx, pq, qe, timeout)
}

// awaitPromotion blocks the caller until qe is granted or timeout elapses,
// per §4.1's suspension semantics.
func (b *Broker) awaitPromotion(ctx context.Context, pq *pathQueue, qe *queueEntry, timeout time.Duration) (*Entry, AcquireStatus, error) {
	pq.mu().Lock()
	if qe.entry.State == StateGranted {
		e := qe.entry.Clone()
		pq.mu().Unlock()
		return e, StatusGranted, nil
	}
	pq.mu().Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-qe.ready:
		pq.mu().Lock()
		e := qe.entry.Clone()
		pq.mu().Unlock()
		return e, StatusGranted, nil
	case <-timer.C:
		return b.timeoutWaiter(ctx, pq, qe)
	case <-ctx.Done():
		return b.timeoutWaiter(ctx, pq, qe)
	}
}

func (b *Broker) timeoutWaiter(ctx context.Context, pq *pathQueue, qe *queueEntry) (*Entry, AcquireStatus, error) {
	pq.mu().Lock()
	defer pq.mu().Unlock()

	if qe.entry.State == StateGranted {
		// Promoted concurrently with the timer firing; honor the grant.
		return qe.entry.Clone(), StatusGranted, nil
	}

	qe.entry.HoldCount--
	if qe.entry.HoldCount > 0 {
		// A re-entrant waiter: only one of the stacked acquires times out.
		return nil, StatusTimeout, NewQueueTimeoutError(qe.entry.Path, qe.entry.Owner)
	}

	pq.removeFromOrder(qe)
	delete(pq.byOwner, qe.entry.Owner)
	_ = b.persistRemoval(ctx, qe.entry, AuditExpire) // best-effort; durable state already reflects a waiter that may or may not have been removed, not a live grant
	b.metrics.Timeout(qe.entry.Path)
	b.promoteLocked(ctx, pq)

	return nil, StatusTimeout, NewQueueTimeoutError(qe.entry.Path, qe.entry.Owner)
}

// Release implements §4.1's release operation.
func (b *Broker) Release(ctx context.Context, path, owner string) error {
	ctx, span := telemetry.StartBrokerSpan(ctx, telemetry.SpanBrokerRelease, "release", path, telemetry.Owner(owner))
	defer span.End()

	pq := b.pathQueueFor(path)
	pq.mu().Lock()
	defer pq.mu().Unlock()

	qe, ok := pq.byOwner[owner]
	if !ok || qe.entry.State != StateGranted {
		return NewNotHeldError(path, owner)
	}

	qe.entry.HoldCount--
	if qe.entry.HoldCount > 0 {
		if err := b.persistGrant(ctx, qe.entry, AuditRelease); err != nil {
			qe.entry.HoldCount++
			return NewStoreFailureError(path, err)
		}
		return nil
	}

	idx := 0
	for i, o := range pq.order {
		if o == qe {
			idx = i
			break
		}
	}
	pq.removeFromOrder(qe)
	delete(pq.byOwner, owner)
	if err := b.persistRemoval(ctx, qe.entry, AuditRelease); err != nil {
		// Leave state unchanged: restore the entry exactly as it was.
		qe.entry.HoldCount = 1
		pq.order = append(pq.order[:idx], append([]*queueEntry{qe}, pq.order[idx:]...)...)
		pq.byOwner[owner] = qe
		return NewStoreFailureError(path, err)
	}
	b.metrics.Release(path)
	b.promoteLocked(ctx, pq)
	return nil
}

// Heartbeat implements §4.1's heartbeat operation.
func (b *Broker) Heartbeat(ctx context.Context, path, owner string) (HeartbeatStatus, error) {
	pq := b.pathQueueFor(path)
	pq.mu().Lock()
	defer pq.mu().Unlock()

	qe, ok := pq.byOwner[owner]
	if !ok || qe.entry.State != StateGranted {
		if pq.isTombstoned(owner, b.now()) {
			return HeartbeatExpired, nil
		}
		return HeartbeatNotHeld, nil
	}

	qe.entry.LastHeartbeat = b.now()
	if err := b.persistGrant(ctx, qe.entry, AuditHeartbeat); err != nil {
		return "", NewStoreFailureError(path, err)
	}
	return HeartbeatOK, nil
}

// Status implements §4.1's status operation.
func (b *Broker) Status(ctx context.Context, path string) Snapshot {
	b.mu.Lock()
	var targets []*pathQueue
	if path != "" {
		if pq, ok := b.paths[path]; ok {
			targets = append(targets, pq)
		}
	} else {
		for _, pq := range b.paths {
			targets = append(targets, pq)
		}
	}
	b.mu.Unlock()

	var snap Snapshot
	for _, pq := range targets {
		pq.mu().Lock()
		ps := PathStatus{Path: pq.path}
		for _, qe := range pq.order {
			ps.Entries = append(ps.Entries, qe.entry.Clone())
		}
		pq.mu().Unlock()
		if len(ps.Entries) > 0 {
			snap.Paths = append(snap.Paths, ps)
		}
	}
	return snap
}

// promoteLocked grants as many waiting entries as §3's invariants allow,
// persisting each and waking its waiter. Caller must hold pq.mu().
func (b *Broker) promoteLocked(ctx context.Context, pq *pathQueue) {
	now := b.now()
	for _, qe := range pq.promotable() {
		qe.entry.State = StateGranted
		qe.entry.GrantedAt = now
		qe.entry.LastHeartbeat = now
		if err := b.persistGrant(ctx, qe.entry, AuditGrant); err != nil {
			// Leave this (and, transitively, anything behind it) waiting;
			// the next release/sweep cycle will retry the promotion.
			qe.entry.State = StateWaiting
			b.log.Error("failed to persist grant", "path", qe.entry.Path, "owner", qe.entry.Owner, "err", err)
			break
		}
		close(qe.ready)
		b.metrics.Grant(qe.entry.Path, string(qe.entry.Mode))
	}
}
