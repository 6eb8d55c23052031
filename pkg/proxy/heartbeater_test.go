package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gate-fs/gate/pkg/transport"
)

// expiringBroker grants every acquire (via fakeBroker) and reports every
// heartbeat as expired —
// simulating a sweep reclaiming the lease out from under the proxy.
type expiringBroker struct{ fakeBroker }

func (b *expiringBroker) Heartbeat(ctx context.Context, path, owner string) (*transport.Response, error) {
	return &transport.Response{Status: transport.StatusExpired}, nil
}

func TestHeartbeatFailureMarksHandleLost(t *testing.T) {
	fb := &expiringBroker{fakeBroker: *newFakeBroker()}
	p := New(Config{Root: t.TempDir()}, fb, nil, nil)

	h := &Handle{Owner: "O", Path: "/f", Mode: "write", State: StateOpen}
	p.registry.register(h)

	p.heartbeatOne(context.Background(), h)

	err := h.checkLive()
	require.Error(t, err)
	ioErr, ok := err.(*IOError)
	require.True(t, ok)
	assert.Equal(t, "lease_expired", ioErr.Kind)
}

func TestHeartbeatAllSkipsAlreadyLostHandles(t *testing.T) {
	fb := newFakeBroker()
	p := New(Config{Root: t.TempDir()}, fb, nil, nil)

	lost := &Handle{Owner: "O1", Path: "/lost", Mode: "write", State: StateOpen}
	lost.markLost(newIOError("not_held", "/lost", nil))
	p.registry.register(lost)

	live := &Handle{Owner: "O2", Path: "/live", Mode: "read", State: StateOpen}
	p.registry.register(live)

	p.heartbeatAll(context.Background())

	for _, c := range fb.calls {
		assert.NotContains(t, c, "/lost")
	}
}

func TestRunHeartbeatsStopsOnContextCancel(t *testing.T) {
	fb := newFakeBroker()
	p := New(Config{Root: t.TempDir(), HeartbeatEvery: 5 * time.Millisecond}, fb, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.RunHeartbeats(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunHeartbeats did not stop after context cancellation")
	}
}
