// Package fuseadapter mounts a proxy.Proxy as a POSIX filesystem using
// hanwen/go-fuse/v2, the mount surface named in spec §6. Every fs.Inode
// callback below exists only to translate a kernel VFS call into the
// matching proxy operation (which itself acquires/releases against the
// broker) before delegating to the real syscall against the backing tree.
package fuseadapter

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/gate-fs/gate/pkg/proxy"
)

// Options mirrors the proxy CLI surface's mount-time flags (spec §6).
type Options struct {
	MountDir   string
	AllowOther bool
	Foreground bool
}

// Mount starts serving p at opts.MountDir and blocks until the filesystem is
// unmounted or ctx is canceled.
func Mount(ctx context.Context, p *proxy.Proxy, opts Options, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	root := &gateNode{proxy: p, relPath: "/", log: log}

	mountOpts := &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther: opts.AllowOther,
			FsName:     "gate",
			Name:       "gate",
		},
	}

	server, err := fs.Mount(opts.MountDir, root, mountOpts)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = server.Unmount()
	}()

	server.Wait()
	return nil
}

// gateNode is one inode in the mounted tree: relPath is its path relative to
// the mount root, which is also the lock path key the proxy uses.
type gateNode struct {
	fs.Inode
	proxy   *proxy.Proxy
	relPath string
	log     *slog.Logger
}

var _ fs.InodeEmbedder = (*gateNode)(nil)

func (n *gateNode) childPath(name string) string {
	return filepath.Join(n.relPath, name)
}

func (n *gateNode) child(relPath string) *gateNode {
	return &gateNode{proxy: n.proxy, relPath: relPath, log: n.log}
}

func errnoFor(err error) syscall.Errno {
	if err == nil {
		return fs.OK
	}
	if ioErr, ok := err.(*proxy.IOError); ok {
		switch ioErr.Kind {
		case "queue_timeout":
			return syscall.ETIMEDOUT
		case "broker_unreachable", "transport_error":
			return syscall.EIO
		case "not_held", "lease_expired", "force_expired":
			return syscall.ESTALE
		case "backing_io_error":
			return syscall.EIO
		}
	}
	if os.IsNotExist(err) {
		return syscall.ENOENT
	}
	if os.IsPermission(err) {
		return syscall.EACCES
	}
	return syscall.EIO
}

// Lookup implements fs.NodeLookuper: a read-only metadata op (spec §4.2).
func (n *gateNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childRel := n.childPath(name)
	var info os.FileInfo
	err := n.proxy.Lookup(ctx, childRel, func() error {
		var statErr error
		info, statErr = os.Lstat(filepath.Join(n.proxy.Root(), childRel))
		return statErr
	})
	if err != nil {
		return nil, errnoFor(err)
	}

	fillAttrOut(info, &out.Attr)
	child := n.child(childRel)
	mode := uint32(fuse.S_IFREG)
	if info.IsDir() {
		mode = fuse.S_IFDIR
	}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: mode}), fs.OK
}

// Getattr implements fs.NodeGetattrer.
func (n *gateNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	var info os.FileInfo
	err := n.proxy.Getattr(ctx, n.relPath, func() error {
		var statErr error
		info, statErr = os.Lstat(filepath.Join(n.proxy.Root(), n.relPath))
		return statErr
	})
	if err != nil {
		return errnoFor(err)
	}
	fillAttrOut(info, &out.Attr)
	return fs.OK
}

// Readdir implements fs.NodeReaddirer.
func (n *gateNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	var entries []os.DirEntry
	err := n.proxy.Listdir(ctx, n.relPath, func() error {
		var readErr error
		entries, readErr = os.ReadDir(filepath.Join(n.proxy.Root(), n.relPath))
		return readErr
	})
	if err != nil {
		return nil, errnoFor(err)
	}

	dirEntries := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(fuse.S_IFREG)
		if e.IsDir() {
			mode = fuse.S_IFDIR
		}
		dirEntries = append(dirEntries, fuse.DirEntry{Name: e.Name(), Mode: mode})
	}
	return fs.NewListDirStream(dirEntries), fs.OK
}

// Open implements fs.NodeOpener: acquires a handle-lifetime lock (write for
// any write-capable flag, read otherwise) and opens the backing file.
func (n *gateNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	writeMode := flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0
	h, f, err := n.proxy.Open(ctx, n.relPath, writeMode, int(flags), 0644)
	if err != nil {
		return nil, 0, errnoFor(err)
	}
	return &gateFileHandle{proxy: n.proxy, handle: h, file: f}, 0, fs.OK
}

// Create implements fs.NodeCreater: mkdir/create mapping — write(parent)
// then write(new_path) — followed by minting a handle-lifetime write lock
// for the resulting open file, mirroring how a real open(O_CREAT) behaves.
func (n *gateNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	childRel := n.childPath(name)
	var f *os.File
	h, err := n.proxy.Create(ctx, n.relPath, childRel, func() error {
		var createErr error
		f, createErr = os.OpenFile(filepath.Join(n.proxy.Root(), childRel), int(flags)|os.O_CREATE, os.FileMode(mode))
		return createErr
	})
	if err != nil {
		return nil, nil, 0, errnoFor(err)
	}

	info, statErr := f.Stat()
	if statErr == nil {
		fillAttrOut(info, &out.Attr)
	}

	child := n.child(childRel)
	inode := n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFREG})
	return inode, &gateFileHandle{proxy: n.proxy, handle: h, file: f}, 0, fs.OK
}

// Mkdir implements fs.NodeMkdirer.
func (n *gateNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childRel := n.childPath(name)
	err := n.proxy.Mkdir(ctx, n.relPath, childRel, func() error {
		return os.Mkdir(filepath.Join(n.proxy.Root(), childRel), os.FileMode(mode))
	})
	if err != nil {
		return nil, errnoFor(err)
	}
	child := n.child(childRel)
	return n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFDIR}), fs.OK
}

// Unlink implements fs.NodeUnlinker.
func (n *gateNode) Unlink(ctx context.Context, name string) syscall.Errno {
	childRel := n.childPath(name)
	err := n.proxy.Unlink(ctx, n.relPath, childRel, func() error {
		return os.Remove(filepath.Join(n.proxy.Root(), childRel))
	})
	return errnoFor(err)
}

// Rmdir implements fs.NodeRmdirer.
func (n *gateNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	childRel := n.childPath(name)
	err := n.proxy.Rmdir(ctx, n.relPath, childRel, func() error {
		return os.Remove(filepath.Join(n.proxy.Root(), childRel))
	})
	return errnoFor(err)
}

// Rename implements fs.NodeRenamer: write locks on all four paths in
// lexicographic order (spec §4.2, §9).
func (n *gateNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	newParentNode, ok := newParent.(*gateNode)
	if !ok {
		return syscall.EINVAL
	}
	src := n.childPath(name)
	dst := newParentNode.childPath(newName)

	err := n.proxy.Rename(ctx, n.relPath, newParentNode.relPath, src, dst, func() error {
		return os.Rename(filepath.Join(n.proxy.Root(), src), filepath.Join(n.proxy.Root(), dst))
	})
	return errnoFor(err)
}

// Setattr implements fs.NodeSetattrer, covering truncate/chmod/chown/utimens.
func (n *gateNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	backing := filepath.Join(n.proxy.Root(), n.relPath)

	err := n.proxy.Truncate(ctx, n.relPath, func() error {
		if size, ok := in.GetSize(); ok {
			if truncErr := os.Truncate(backing, int64(size)); truncErr != nil {
				return truncErr
			}
		}
		if mode, ok := in.GetMode(); ok {
			if chmodErr := os.Chmod(backing, os.FileMode(mode)); chmodErr != nil {
				return chmodErr
			}
		}
		uid, uidOK := in.GetUID()
		gid, gidOK := in.GetGID()
		if uidOK || gidOK {
			u, g := -1, -1
			if uidOK {
				u = int(uid)
			}
			if gidOK {
				g = int(gid)
			}
			if chownErr := os.Lchown(backing, u, g); chownErr != nil {
				return chownErr
			}
		}
		if atime, mtime, ok := getTimes(in); ok {
			if err := os.Chtimes(backing, atime, mtime); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errnoFor(err)
	}

	info, statErr := os.Lstat(backing)
	if statErr == nil {
		fillAttrOut(info, &out.Attr)
	}
	return fs.OK
}

func getTimes(in *fuse.SetAttrIn) (atime, mtime time.Time, ok bool) {
	a, aok := in.GetATime()
	m, mok := in.GetMTime()
	if !aok && !mok {
		return time.Time{}, time.Time{}, false
	}
	if !aok {
		a = time.Now()
	}
	if !mok {
		m = time.Now()
	}
	return a, m, true
}

func fillAttrOut(info os.FileInfo, attr *fuse.Attr) {
	attr.Mode = uint32(info.Mode())
	attr.Size = uint64(info.Size())
	attr.Mtime = uint64(info.ModTime().Unix())
}

// gateFileHandle implements fs.FileHandle, routing reads/writes straight
// through to the backing *os.File — the lock is already held for the
// handle's lifetime, so no per-call acquire is needed (spec §4.2: "read on a
// handle: no new lock").
type gateFileHandle struct {
	proxy  *proxy.Proxy
	handle *proxy.Handle
	file   *os.File

	released int32
}

var _ fs.FileReader = (*gateFileHandle)(nil)
var _ fs.FileWriter = (*gateFileHandle)(nil)
var _ fs.FileFlusher = (*gateFileHandle)(nil)
var _ fs.FileReleaser = (*gateFileHandle)(nil)

func (h *gateFileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if err := h.handle.CheckLive(); err != nil {
		return nil, errnoFor(err)
	}
	n, err := h.file.ReadAt(dest, off)
	if err != nil && n == 0 {
		return nil, errnoFor(err)
	}
	return fuse.ReadResultData(dest[:n]), fs.OK
}

func (h *gateFileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if err := h.handle.CheckLive(); err != nil {
		return 0, errnoFor(err)
	}
	n, err := h.file.WriteAt(data, off)
	if err != nil {
		return uint32(n), errnoFor(err)
	}
	return uint32(n), fs.OK
}

func (h *gateFileHandle) Flush(ctx context.Context) syscall.Errno {
	return errnoFor(h.proxy.Flush(ctx, h.handle, h.file))
}

func (h *gateFileHandle) Release(ctx context.Context) syscall.Errno {
	if !atomic.CompareAndSwapInt32(&h.released, 0, 1) {
		return fs.OK
	}
	return errnoFor(h.proxy.Close(ctx, h.handle, h.file))
}
