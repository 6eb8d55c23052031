package proxy

import (
	"context"
	"os"
	"sort"

	"github.com/gate-fs/gate/internal/telemetry"
	"github.com/gate-fs/gate/pkg/broker"
)

// Open implements spec §4.2's open(read-only)/open(write or create) mapping:
// a fresh owner token, a lock held for the handle's lifetime, and the
// matching backing open. The caller is responsible for eventually calling
// Close.
func (p *Proxy) Open(ctx context.Context, path string, writeMode bool, flags int, perm os.FileMode) (*Handle, *os.File, error) {
	mode := string(broker.ModeRead)
	if writeMode {
		mode = string(broker.ModeWrite)
	}
	ctx, span := telemetry.StartProxySpan(ctx, "open", path, telemetry.Mode(mode))
	defer span.End()

	owner := newOwnerToken()
	h := &Handle{Owner: owner, Path: path, Mode: mode, State: StateOpening}

	if err := p.acquire(ctx, path, mode, owner); err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(p.backingPath(path), flags, perm)
	if err != nil {
		// Backing I/O failure with the lock held: surface the error, but
		// the lock is still released normally (spec §4.2 failure semantics).
		_ = p.release(ctx, path, owner)
		return nil, nil, newIOError("backing_io_error", path, err)
	}

	h.setState(StateOpen)
	p.registry.register(h)
	p.metrics.SetOpenHandles(len(p.registry.snapshot()))
	return h, f, nil
}

// Close implements the closing→released handle transition. Under the
// default hold-until-close policy the lock releases here; under the legacy
// GATE_RELEASE_ON_FLUSH policy it was already released by Flush and this is
// a no-op on the broker side.
func (p *Proxy) Close(ctx context.Context, h *Handle, f *os.File) error {
	ctx, span := telemetry.StartProxySpan(ctx, "close", h.Path, telemetry.Owner(h.Owner))
	defer span.End()

	h.setState(StateClosing)
	p.registry.unregister(h)
	p.metrics.SetOpenHandles(len(p.registry.snapshot()))

	closeErr := f.Close()

	var releaseErr error
	if !p.cfg.ReleaseOnFlush {
		releaseErr = p.release(ctx, h.Path, h.Owner)
	}

	if closeErr != nil {
		return newIOError("backing_io_error", h.Path, closeErr)
	}
	return releaseErr
}

// Flush implements the legacy GATE_RELEASE_ON_FLUSH toggle: releasing the
// lock on flush rather than close. Under the default policy this is a
// backing-tree flush only.
func (p *Proxy) Flush(ctx context.Context, h *Handle, f *os.File) error {
	if err := f.Sync(); err != nil {
		return newIOError("backing_io_error", h.Path, err)
	}
	if p.cfg.ReleaseOnFlush {
		return p.release(ctx, h.Path, h.Owner)
	}
	return nil
}

// Getattr, Lookup, Listdir, and Readlink are read-only metadata ops: acquire
// read(path), run fn, release.
func (p *Proxy) Getattr(ctx context.Context, path string, fn func() error) error {
	return p.withReadOnly(ctx, "getattr", path, fn)
}

func (p *Proxy) Lookup(ctx context.Context, path string, fn func() error) error {
	return p.withReadOnly(ctx, "lookup", path, fn)
}

func (p *Proxy) Listdir(ctx context.Context, path string, fn func() error) error {
	return p.withReadOnly(ctx, "listdir", path, fn)
}

func (p *Proxy) Readlink(ctx context.Context, path string, fn func() error) error {
	return p.withReadOnly(ctx, "readlink", path, fn)
}

func (p *Proxy) withReadOnly(ctx context.Context, op, path string, fn func() error) error {
	ctx, span := telemetry.StartProxySpan(ctx, op, path)
	defer span.End()
	return p.withLock(ctx, op, path, string(broker.ModeRead), fn)
}

// Truncate, Chmod, Chown, and Utimens are single-path write metadata ops. If
// an open handle already holds a write lock on path (same editor, e.g. a
// write-then-utimens sequence), the owner token is reused, so the broker
// sees a re-entrant acquire rather than a second, self-blocking entry.
func (p *Proxy) Truncate(ctx context.Context, path string, fn func() error) error {
	return p.withWriteMetadata(ctx, "truncate", path, fn)
}

func (p *Proxy) Chmod(ctx context.Context, path string, fn func() error) error {
	return p.withWriteMetadata(ctx, "chmod", path, fn)
}

func (p *Proxy) Chown(ctx context.Context, path string, fn func() error) error {
	return p.withWriteMetadata(ctx, "chown", path, fn)
}

func (p *Proxy) Utimens(ctx context.Context, path string, fn func() error) error {
	return p.withWriteMetadata(ctx, "utimens", path, fn)
}

func (p *Proxy) withWriteMetadata(ctx context.Context, op, path string, fn func() error) error {
	ctx, span := telemetry.StartProxySpan(ctx, op, path)
	defer span.End()
	return p.withLock(ctx, op, path, string(broker.ModeWrite), fn)
}

// pathLock names one path and the mode to acquire against it, for the
// multi-path operations (§4.2).
type pathLock struct {
	path string
	mode string
}

// withLockSequence acquires every distinct path in locks under a single
// owner token, in the given order, runs fn, then releases in reverse
// acquisition order.
func (p *Proxy) withLockSequence(ctx context.Context, locks []pathLock, fn func() error) error {
	owner := newOwnerToken()

	acquired := make([]pathLock, 0, len(locks))
	for _, pl := range locks {
		if err := p.acquire(ctx, pl.path, pl.mode, owner); err != nil {
			p.releaseReverse(ctx, acquired, owner)
			return err
		}
		acquired = append(acquired, pl)
	}

	err := fn()
	p.releaseReverse(ctx, acquired, owner)
	return err
}

// withOrderedLocks is withLockSequence but first dedupes and sorts locks
// lexicographically by path (spec §9 "avoiding rename deadlock") — used by
// Rename, the only operation the spec requires to use a canonical rather
// than a fixed order.
func (p *Proxy) withOrderedLocks(ctx context.Context, locks []pathLock, fn func() error) error {
	return p.withLockSequence(ctx, dedupeAndSortLocks(locks), fn)
}

func (p *Proxy) releaseReverse(ctx context.Context, locks []pathLock, owner string) {
	for i := len(locks) - 1; i >= 0; i-- {
		if releaseErr := p.release(ctx, locks[i].path, owner); releaseErr != nil {
			p.log.Warn("release failed during ordered unlock", "path", locks[i].path, "err", releaseErr)
		}
	}
}

func dedupeLocks(locks []pathLock) []pathLock {
	seen := make(map[string]bool, len(locks))
	out := make([]pathLock, 0, len(locks))
	for _, pl := range locks {
		if seen[pl.path] {
			continue
		}
		seen[pl.path] = true
		out = append(out, pl)
	}
	return out
}

func dedupeAndSortLocks(locks []pathLock) []pathLock {
	out := dedupeLocks(locks)
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

// Mkdir, Symlink, and Mknod: write(parent) then write(new_path), both
// released once the creation call itself completes (no handle results).
func (p *Proxy) Mkdir(ctx context.Context, parent, newPath string, fn func() error) error {
	return p.withCreationLocks(ctx, "mkdir", parent, newPath, fn)
}

func (p *Proxy) Symlink(ctx context.Context, parent, newPath string, fn func() error) error {
	return p.withCreationLocks(ctx, "symlink", parent, newPath, fn)
}

func (p *Proxy) Mknod(ctx context.Context, parent, newPath string, fn func() error) error {
	return p.withCreationLocks(ctx, "mknod", parent, newPath, fn)
}

// Create implements the file-creating open: write(parent) then write(new_path)
// (spec §4.2's creation row), except new_path's lock is not released when fn
// returns — it is handed back as a Handle held for the new file handle's
// lifetime (spec §4.2's open(write or create) row), under the same owner
// token so Close releases exactly what Create acquired.
func (p *Proxy) Create(ctx context.Context, parent, newPath string, fn func() error) (*Handle, error) {
	ctx, span := telemetry.StartProxySpan(ctx, "create", newPath)
	defer span.End()

	owner := newOwnerToken()
	if err := p.acquire(ctx, parent, string(broker.ModeWrite), owner); err != nil {
		return nil, err
	}
	if err := p.acquire(ctx, newPath, string(broker.ModeWrite), owner); err != nil {
		_ = p.release(ctx, parent, owner)
		return nil, err
	}

	if err := fn(); err != nil {
		_ = p.release(ctx, newPath, owner)
		_ = p.release(ctx, parent, owner)
		return nil, newIOError("backing_io_error", newPath, err)
	}

	if err := p.release(ctx, parent, owner); err != nil {
		p.log.Warn("release failed after create", "path", parent, "err", err)
	}

	h := &Handle{Owner: owner, Path: newPath, Mode: string(broker.ModeWrite), State: StateOpen}
	p.registry.register(h)
	p.metrics.SetOpenHandles(len(p.registry.snapshot()))
	return h, nil
}

func (p *Proxy) withCreationLocks(ctx context.Context, op, parent, newPath string, fn func() error) error {
	ctx, span := telemetry.StartProxySpan(ctx, op, newPath)
	defer span.End()
	return p.withLockSequence(ctx, dedupeLocks([]pathLock{
		{path: parent, mode: string(broker.ModeWrite)},
		{path: newPath, mode: string(broker.ModeWrite)},
	}), fn)
}

// Unlink and Rmdir: write(parent) then write(path).
func (p *Proxy) Unlink(ctx context.Context, parent, path string, fn func() error) error {
	return p.withRemovalLocks(ctx, "unlink", parent, path, fn)
}

func (p *Proxy) Rmdir(ctx context.Context, parent, path string, fn func() error) error {
	return p.withRemovalLocks(ctx, "rmdir", parent, path, fn)
}

func (p *Proxy) withRemovalLocks(ctx context.Context, op, parent, path string, fn func() error) error {
	ctx, span := telemetry.StartProxySpan(ctx, op, path)
	defer span.End()
	return p.withLockSequence(ctx, dedupeLocks([]pathLock{
		{path: parent, mode: string(broker.ModeWrite)},
		{path: path, mode: string(broker.ModeWrite)},
	}), fn)
}

// Rename acquires write locks on srcParent, dstParent, src, and dst, all in
// lexicographic order, per spec §4.2 and §9. Acquiring every rename's locks
// through the same total order rules out AB/BA deadlock between two
// concurrent cross-renames that share a parent.
func (p *Proxy) Rename(ctx context.Context, srcParent, dstParent, src, dst string, fn func() error) error {
	ctx, span := telemetry.StartProxySpan(ctx, "rename", src, telemetry.Path(dst))
	defer span.End()
	return p.withOrderedLocks(ctx, []pathLock{
		{path: srcParent, mode: string(broker.ModeWrite)},
		{path: dstParent, mode: string(broker.ModeWrite)},
		{path: src, mode: string(broker.ModeWrite)},
		{path: dst, mode: string(broker.ModeWrite)},
	}, fn)
}
