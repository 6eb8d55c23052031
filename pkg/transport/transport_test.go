package transport_test

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gate-fs/gate/pkg/broker"
	"github.com/gate-fs/gate/pkg/broker/store"
	"github.com/gate-fs/gate/pkg/transport"
)

func testServer(t *testing.T) (*httptest.Server, *broker.Broker) {
	t.Helper()
	b, err := broker.New(context.Background(), broker.DefaultConfig(), store.NewMemory(), nil, slog.Default())
	require.NoError(t, err)
	srv := transport.NewServer(b, slog.Default())
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts, b
}

func clientFor(ts *httptest.Server) *transport.Client {
	return transport.NewHTTPClient(strings.TrimPrefix(ts.URL, "http://"))
}

func TestClientAcquireReleaseRoundTrip(t *testing.T) {
	ts, _ := testServer(t)
	c := clientFor(ts)
	ctx := context.Background()

	resp, err := c.Acquire(ctx, "/f", "write", "A", 0, time.Second)
	require.NoError(t, err)
	assert.Equal(t, transport.StatusGranted, resp.Status)
	require.NotNil(t, resp.Entry)
	assert.Equal(t, "A", resp.Entry.Owner)

	resp, err = c.Release(ctx, "/f", "A")
	require.NoError(t, err)
	assert.Equal(t, transport.StatusOK, resp.Status)
}

func TestClientAcquireBlocksBehindHolder(t *testing.T) {
	ts, _ := testServer(t)
	c := clientFor(ts)
	ctx := context.Background()

	_, err := c.Acquire(ctx, "/f", "write", "A", 0, time.Second)
	require.NoError(t, err)

	resp, err := c.Acquire(ctx, "/f", "write", "B", 0, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, transport.StatusTimeout, resp.Status)
	assert.Equal(t, "queue_timeout", resp.ErrorKind)
}

func TestClientHeartbeatNotHeld(t *testing.T) {
	ts, _ := testServer(t)
	c := clientFor(ts)
	ctx := context.Background()

	resp, err := c.Heartbeat(ctx, "/f", "nobody")
	require.NoError(t, err)
	assert.Equal(t, transport.StatusNotHeld, resp.Status)
}

func TestClientStatusReportsGrantedEntry(t *testing.T) {
	ts, _ := testServer(t)
	c := clientFor(ts)
	ctx := context.Background()

	_, err := c.Acquire(ctx, "/f", "read", "A", 0, time.Second)
	require.NoError(t, err)

	resp, err := c.Status(ctx, "/f")
	require.NoError(t, err)
	require.NotNil(t, resp.Snapshot)
	require.Len(t, resp.Snapshot.Paths, 1)
	require.Len(t, resp.Snapshot.Paths[0].Entries, 1)
	assert.Equal(t, "A", resp.Snapshot.Paths[0].Entries[0].Owner)
}

func TestClientHealthReportsServiceAndUptime(t *testing.T) {
	ts, _ := testServer(t)
	c := clientFor(ts)

	resp, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "gate-broker", resp.Data.Service)
	assert.NotEmpty(t, resp.Data.StartedAt)
}

func TestClientReleaseNotHeldSurfacesErrorKind(t *testing.T) {
	ts, _ := testServer(t)
	c := clientFor(ts)
	ctx := context.Background()

	resp, err := c.Release(ctx, "/f", "nobody")
	require.NoError(t, err)
	assert.Equal(t, transport.StatusError, resp.Status)
	assert.Equal(t, "not_held", resp.ErrorKind)
}
