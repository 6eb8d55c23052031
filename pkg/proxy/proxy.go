// Package proxy implements the filesystem proxy (spec §4.2): a userspace
// filesystem that mirrors a backing directory tree, translating every VFS
// operation into a broker acquire/release pair before touching the
// underlying tree.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/gate-fs/gate/pkg/metrics"
	"github.com/gate-fs/gate/pkg/transport"
)

// Config holds the tunables named in spec §6's proxy CLI surface.
type Config struct {
	Root             string        // backing directory tree
	ReleaseOnFlush   bool          // GATE_RELEASE_ON_FLUSH legacy toggle
	LeaseMS          time.Duration
	AcquireTimeoutMS time.Duration
	HeartbeatEvery   time.Duration // suggested lease_ms/3
}

// BrokerClient is the subset of transport.Client the proxy depends on.
// Narrowing to an interface lets tests substitute a fake broker instead of
// running a real HTTP/Unix-socket server.
type BrokerClient interface {
	Acquire(ctx context.Context, path, mode, owner string, requestID uint64, timeout time.Duration) (*transport.Response, error)
	Release(ctx context.Context, path, owner string) (*transport.Response, error)
	Heartbeat(ctx context.Context, path, owner string) (*transport.Response, error)
}

// Proxy routes VFS operations through a broker client and performs the
// matching backing I/O while the corresponding lock is held.
type Proxy struct {
	cfg      Config
	client   BrokerClient
	registry *handleRegistry
	metrics  *metrics.ProxyMetrics
	log      *slog.Logger
}

// New constructs a Proxy. client is typically transport.NewUnixSocketClient
// for the performance-preferred transport, or transport.NewHTTPClient. m may
// be nil to disable metrics.
func New(cfg Config, client BrokerClient, m *metrics.ProxyMetrics, log *slog.Logger) *Proxy {
	if log == nil {
		log = slog.Default()
	}
	if cfg.HeartbeatEvery <= 0 && cfg.LeaseMS > 0 {
		cfg.HeartbeatEvery = cfg.LeaseMS / 3
	}
	return &Proxy{
		cfg:      cfg,
		client:   client,
		registry: newHandleRegistry(),
		metrics:  m,
		log:      log,
	}
}

func (p *Proxy) backingPath(relPath string) string {
	return filepath.Join(p.cfg.Root, relPath)
}

// Root returns the backing directory tree this proxy mirrors, for callers
// (the FUSE adapter) that need to perform backing I/O themselves.
func (p *Proxy) Root() string {
	return p.cfg.Root
}

// IOError is returned to the VFS layer for every failure category named in
// spec §7: queue_timeout, broker_unreachable/transport_error, and the
// not_held/expired conditions that mark a handle lost.
type IOError struct {
	Kind string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
}
func (e *IOError) Unwrap() error { return e.Err }

func newIOError(kind, path string, err error) *IOError {
	return &IOError{Kind: kind, Path: path, Err: err}
}

// acquire issues a blocking acquire against the broker and maps its response
// onto the proxy's IOError vocabulary.
func (p *Proxy) acquire(ctx context.Context, path, mode, owner string) error {
	resp, err := p.client.Acquire(ctx, path, mode, owner, 0, p.cfg.AcquireTimeoutMS)
	if err != nil {
		return newIOError("broker_unreachable", path, err)
	}
	switch resp.Status {
	case transport.StatusGranted:
		return nil
	case transport.StatusTimeout:
		return newIOError("queue_timeout", path, fmt.Errorf("%s", resp.Error))
	default:
		return newIOError(resp.ErrorKind, path, fmt.Errorf("%s", resp.Error))
	}
}

// release issues a release against the broker. not_held is swallowed: it
// means the lock was already reclaimed (lease expiry) or released on flush.
func (p *Proxy) release(ctx context.Context, path, owner string) error {
	resp, err := p.client.Release(ctx, path, owner)
	if err != nil {
		return newIOError("broker_unreachable", path, err)
	}
	if resp.Status == transport.StatusError && resp.ErrorKind != "not_held" {
		return newIOError(resp.ErrorKind, path, fmt.Errorf("%s", resp.Error))
	}
	return nil
}

// withLock acquires mode(path) under a fresh or reused owner token, runs fn
// while held, then releases — the shape of every read-only metadata
// operation and every single-path write operation (truncate, chmod, chown,
// utimens).
func (p *Proxy) withLock(ctx context.Context, op, path, mode string, fn func() error) error {
	p.metrics.Op(op)
	owner := p.registry.ownerFor(path)
	if err := p.acquire(ctx, path, mode, owner); err != nil {
		p.recordOpError(op, err)
		return err
	}
	defer func() {
		if releaseErr := p.release(ctx, path, owner); releaseErr != nil {
			p.log.Warn("release failed after withLock", "path", path, "err", releaseErr)
		}
	}()
	if err := fn(); err != nil {
		p.recordOpError(op, err)
		return err
	}
	return nil
}

func (p *Proxy) recordOpError(op string, err error) {
	if ioErr, ok := err.(*IOError); ok {
		p.metrics.OpError(op, ioErr.Kind)
	}
}
