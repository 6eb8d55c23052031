package proxy

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gate-fs/gate/pkg/transport"
)

// fakeBroker is a minimal in-memory stand-in for transport.Client, recording
// every acquire/release/heartbeat call so tests can assert lock ordering without
// running a real broker or server.
type fakeBroker struct {
	mu      sync.Mutex
	held    map[string]string // path -> owner currently granted
	calls   []string          // e.g. "acquire:write:/a" in call order
	denyPath string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{held: make(map[string]string)}
}

func (f *fakeBroker) Acquire(ctx context.Context, path, mode, owner string, requestID uint64, timeout time.Duration) (*transport.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "acquire:"+mode+":"+path)
	if path == f.denyPath {
		return &transport.Response{Status: transport.StatusTimeout, ErrorKind: "queue_timeout", Error: "denied by test"}, nil
	}
	f.held[path] = owner
	return &transport.Response{Status: transport.StatusGranted}, nil
}

func (f *fakeBroker) Release(ctx context.Context, path, owner string) (*transport.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "release:"+path)
	delete(f.held, path)
	return &transport.Response{Status: transport.StatusOK}, nil
}

func (f *fakeBroker) Heartbeat(ctx context.Context, path, owner string) (*transport.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "heartbeat:"+path)
	return &transport.Response{Status: transport.StatusOK}, nil
}

func testProxy(t *testing.T, fb *fakeBroker) (*Proxy, string) {
	t.Helper()
	root := t.TempDir()
	p := New(Config{Root: root, AcquireTimeoutMS: time.Second}, fb, nil, nil)
	return p, root
}

func TestOpenAcquiresWriteAndPerformsBackingIO(t *testing.T) {
	fb := newFakeBroker()
	p, root := testProxy(t, fb)
	ctx := context.Background()

	h, f, err := p.Open(ctx, "/f", true, os.O_CREATE|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("hello")
	require.NoError(t, err)
	require.NoError(t, p.Close(ctx, h, f))

	data, err := os.ReadFile(filepath.Join(root, "/f"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Contains(t, fb.calls, "acquire:write:/f")
	assert.Contains(t, fb.calls, "release:/f")
}

func TestOpenFailureTimeoutSurfacesIOError(t *testing.T) {
	fb := newFakeBroker()
	fb.denyPath = "/locked"
	p, _ := testProxy(t, fb)
	ctx := context.Background()

	_, _, err := p.Open(ctx, "/locked", true, os.O_CREATE|os.O_WRONLY, 0644)
	require.Error(t, err)
	ioErr, ok := err.(*IOError)
	require.True(t, ok)
	assert.Equal(t, "queue_timeout", ioErr.Kind)
}

func TestMetadataOpReusesOpenHandleOwner(t *testing.T) {
	fb := newFakeBroker()
	p, root := testProxy(t, fb)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("x"), 0644))

	h, f, err := p.Open(ctx, "/f", true, os.O_WRONLY, 0644)
	require.NoError(t, err)

	var ranUnderLock bool
	var ownerUnderLock string
	err = p.Utimens(ctx, "/f", func() error {
		ranUnderLock = true
		fb.mu.Lock()
		ownerUnderLock = fb.held["/f"]
		fb.mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ranUnderLock)

	assert.Equal(t, h.Owner, ownerUnderLock, "utimens on an already-open path must reuse the handle's owner token")

	require.NoError(t, p.Close(ctx, h, f))
}

func TestRenameLocksFourPathsInLexicographicOrder(t *testing.T) {
	fb := newFakeBroker()
	p, _ := testProxy(t, fb)
	ctx := context.Background()

	err := p.Rename(ctx, "/z", "/a", "/m", "/b", func() error { return nil })
	require.NoError(t, err)

	var order []string
	for _, c := range fb.calls {
		if len(c) > 8 && c[:8] == "acquire:" {
			order = append(order, c)
		}
	}
	require.Len(t, order, 4)
	assert.Equal(t, []string{
		"acquire:write:/a",
		"acquire:write:/b",
		"acquire:write:/m",
		"acquire:write:/z",
	}, order)
}

func TestCreationLocksParentThenNewPath(t *testing.T) {
	fb := newFakeBroker()
	p, _ := testProxy(t, fb)
	ctx := context.Background()

	err := p.Mkdir(ctx, "/a", "/a/b", func() error { return nil })
	require.NoError(t, err)

	var order []string
	for _, c := range fb.calls {
		if len(c) > 8 && c[:8] == "acquire:" {
			order = append(order, c)
		}
	}
	assert.Equal(t, []string{"acquire:write:/a", "acquire:write:/a/b"}, order)
}
