package broker

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gate-fs/gate/pkg/broker/store"
)

func testBroker(t *testing.T, cfg Config) *Broker {
	t.Helper()
	b, err := New(context.Background(), cfg, store.NewMemory(), nil, slog.Default())
	require.NoError(t, err)
	return b
}

// scenario 1: FIFO blocking — a queued reader waits out a writer's hold.
func TestFIFOBlocking(t *testing.T) {
	b := testBroker(t, DefaultConfig())
	ctx := context.Background()

	entry, status, err := b.Acquire(ctx, "/f", ModeWrite, "A", 0, time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusGranted, status)
	require.NotNil(t, entry)

	done := make(chan AcquireStatus, 1)
	go func() {
		_, st, _ := b.Acquire(ctx, "/f", ModeRead, "B", 0, time.Second)
		done <- st
	}()

	select {
	case <-done:
		t.Fatal("B was granted while A still holds the write lock")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, b.Release(ctx, "/f", "A"))

	select {
	case st := <-done:
		assert.Equal(t, StatusGranted, st)
	case <-time.After(time.Second):
		t.Fatal("B was never granted after A released")
	}
}

// scenario 2: reader coalescing — concurrent reads with no writer queued
// are all granted.
func TestReaderCoalescing(t *testing.T) {
	b := testBroker(t, DefaultConfig())
	ctx := context.Background()

	for _, owner := range []string{"A", "B", "C"} {
		_, status, err := b.Acquire(ctx, "/f", ModeRead, owner, 0, time.Second)
		require.NoError(t, err)
		assert.Equal(t, StatusGranted, status)
	}
}

// scenario 3: reader starvation prevention — a writer queued behind a
// reader is granted before a reader that arrives after the writer.
func TestReaderStarvationPrevention(t *testing.T) {
	b := testBroker(t, DefaultConfig())
	ctx := context.Background()

	_, status, err := b.Acquire(ctx, "/f", ModeRead, "A", 0, time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusGranted, status)

	wGranted := make(chan struct{})
	go func() {
		_, st, _ := b.Acquire(ctx, "/f", ModeWrite, "W", 0, 2*time.Second)
		if st == StatusGranted {
			close(wGranted)
		}
	}()
	time.Sleep(20 * time.Millisecond) // let W enqueue behind A

	cGranted := make(chan AcquireStatus, 1)
	go func() {
		_, st, _ := b.Acquire(ctx, "/f", ModeRead, "C", 0, 2*time.Second)
		cGranted <- st
	}()
	time.Sleep(20 * time.Millisecond) // let C enqueue behind W

	require.NoError(t, b.Release(ctx, "/f", "A"))

	select {
	case <-wGranted:
	case <-time.After(time.Second):
		t.Fatal("W was never granted after A released")
	}

	select {
	case <-cGranted:
		t.Fatal("C was granted while W still holds the write lock")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, b.Release(ctx, "/f", "W"))
	select {
	case st := <-cGranted:
		assert.Equal(t, StatusGranted, st)
	case <-time.After(time.Second):
		t.Fatal("C was never granted after W released")
	}
}

// scenario 4: re-entrant metadata — repeated acquires from the same owner
// increment hold count rather than enqueueing a second entry.
func TestReentrantMetadata(t *testing.T) {
	b := testBroker(t, DefaultConfig())
	ctx := context.Background()

	_, status, err := b.Acquire(ctx, "/f", ModeWrite, "O", 0, time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusGranted, status)

	_, status, err = b.Acquire(ctx, "/f", ModeWrite, "O", 0, time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusGranted, status)

	snap := b.Status(ctx, "/f")
	require.Len(t, snap.Paths, 1)
	require.Len(t, snap.Paths[0].Entries, 1)
	assert.Equal(t, 2, snap.Paths[0].Entries[0].HoldCount)

	require.NoError(t, b.Release(ctx, "/f", "O"))
	// Still held once.
	err = b.Release(ctx, "/f", "X")
	assert.Error(t, err)

	require.NoError(t, b.Release(ctx, "/f", "O"))
	err = b.Release(ctx, "/f", "O")
	assert.Error(t, err, "releasing a fully-dropped entry must fail with not_held")
}

// scenario 5: lease expiry — a non-heartbeating grant is reclaimed by the
// sweep, and the owner's next heartbeat reports expired.
func TestLeaseExpiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LeaseMS = 50 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	b := testBroker(t, cfg)
	ctx := context.Background()

	_, status, err := b.Acquire(ctx, "/f", ModeWrite, "O", 0, time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusGranted, status)

	sweepCtx, cancel := context.WithCancel(ctx)
	go b.RunSweep(sweepCtx)
	defer cancel()

	_, status, err = b.Acquire(ctx, "/f", ModeWrite, "O2", 0, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusGranted, status)

	hbStatus, err := b.Heartbeat(ctx, "/f", "O")
	require.NoError(t, err)
	assert.Equal(t, HeartbeatExpired, hbStatus)
}

// scenario 6: crash recovery — persisted entries are restored verbatim
// across a broker restart against the same store.
func TestCrashRecovery(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	b1, err := New(ctx, DefaultConfig(), st, nil, slog.Default())
	require.NoError(t, err)

	_, status, err := b1.Acquire(ctx, "/f", ModeWrite, "A", 0, time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusGranted, status)

	go func() { _, _, _ = b1.Acquire(ctx, "/f", ModeRead, "B", 0, 2*time.Second) }()
	go func() { _, _, _ = b1.Acquire(ctx, "/f", ModeRead, "C", 0, 2*time.Second) }()
	time.Sleep(30 * time.Millisecond)

	b2, err := New(ctx, DefaultConfig(), st, nil, slog.Default())
	require.NoError(t, err)

	snap := b2.Status(ctx, "/f")
	require.Len(t, snap.Paths, 1)
	assert.Len(t, snap.Paths[0].Entries, 3)

	var grantedCount int
	for _, e := range snap.Paths[0].Entries {
		if e.State == StateGranted {
			grantedCount++
			assert.Equal(t, "A", e.Owner)
		}
	}
	assert.Equal(t, 1, grantedCount)
}

// Invariant 1/2: exclusive writes, no reader-writer overlap.
func TestExclusiveWritesNoOverlap(t *testing.T) {
	b := testBroker(t, DefaultConfig())
	ctx := context.Background()

	_, status, err := b.Acquire(ctx, "/f", ModeWrite, "A", 0, time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusGranted, status)

	_, status, err = b.Acquire(ctx, "/f", ModeRead, "B", 0, 30*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, StatusTimeout, status)

	_, status, err = b.Acquire(ctx, "/f", ModeWrite, "C", 0, 30*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, StatusTimeout, status)
}
