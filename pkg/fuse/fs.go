// Package fuse serves a core.Core through the Linux kernel with go-fuse.
// Inode numbers are the core's local ids; all caching and remote logic
// lives in the core.
package fuse

import (
	"context"
	"fmt"
	"math"
	"os"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/dongsupark/seafile-fuse-client/internal/logging"
	"github.com/dongsupark/seafile-fuse-client/pkg/core"
	"github.com/dongsupark/seafile-fuse-client/pkg/namespace"
	"github.com/dongsupark/seafile-fuse-client/pkg/session"
)

// Config holds mount options.
type Config struct {
	// FsName appears as the source column of the mount table.
	FsName     string
	AllowOther bool
	Debug      bool
	// KernelTTL is how long the kernel may cache entries and attributes.
	KernelTTL time.Duration
	// Options are extra mount options such as "ro" or "default_permissions".
	Options []string
}

// FS is the filesystem root state shared by all nodes.
type FS struct {
	core *core.Core
	cfg  Config
	uid  uint32
	gid  uint32
}

// New returns a filesystem serving c.
func New(c *core.Core, cfg Config) *FS {
	if cfg.FsName == "" {
		cfg.FsName = "seafile"
	}
	return &FS{core: c, cfg: cfg, uid: uint32(unix.Getuid()), gid: uint32(unix.Getgid())}
}

// Root returns the root node.
func (f *FS) Root() *Node {
	return &Node{fsys: f}
}

// Mount mounts the filesystem at mountPoint. The returned server is
// already serving; call Unmount and Wait to stop it.
func (f *FS) Mount(mountPoint string) (*gofuse.Server, error) {
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}

	ttl := f.cfg.KernelTTL
	negative := time.Duration(0)
	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			AllowOther: f.cfg.AllowOther,
			Debug:      f.cfg.Debug,
			FsName:     f.cfg.FsName,
			Name:       "seafile",
			Options:    f.cfg.Options,
		},
		EntryTimeout:    &ttl,
		AttrTimeout:     &ttl,
		NegativeTimeout: &negative,
		UID:             f.uid,
		GID:             f.gid,
	}

	server, err := fs.Mount(mountPoint, f.Root(), opts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	logging.Info("mounted", logging.String("mountpoint", mountPoint))
	return server, nil
}

// Node is a file or directory. Its identity is the inode number.
type Node struct {
	fs.Inode

	fsys *FS
}

var _ fs.InodeEmbedder = (*Node)(nil)
var _ fs.NodeGetattrer = (*Node)(nil)
var _ fs.NodeSetattrer = (*Node)(nil)
var _ fs.NodeLookuper = (*Node)(nil)
var _ fs.NodeReaddirer = (*Node)(nil)
var _ fs.NodeOpener = (*Node)(nil)
var _ fs.NodeCreater = (*Node)(nil)
var _ fs.NodeMkdirer = (*Node)(nil)
var _ fs.NodeUnlinker = (*Node)(nil)
var _ fs.NodeRmdirer = (*Node)(nil)
var _ fs.NodeRenamer = (*Node)(nil)
var _ fs.NodeGetxattrer = (*Node)(nil)
var _ fs.NodeListxattrer = (*Node)(nil)
var _ fs.NodeStatfser = (*Node)(nil)
var _ fs.NodeOnForgetter = (*Node)(nil)

func (n *Node) id() namespace.ID {
	return namespace.ID(n.StableAttr().Ino)
}

func (f *FS) fillAttr(e namespace.Entry, out *gofuse.Attr) {
	out.Ino = uint64(e.ID)
	out.Mode = mode(e)
	out.Size = uint64(e.Size)
	out.Blocks = (out.Size + 511) / 512
	out.Blksize = 4096
	mtime := e.MTime
	if mtime.IsZero() {
		mtime = time.Unix(0, 0)
	}
	out.SetTimes(&mtime, &mtime, &mtime)
	out.Nlink = 1
	if e.IsDir() {
		out.Nlink = 2
	}
	out.Uid = f.uid
	out.Gid = f.gid
}

func mode(e namespace.Entry) uint32 {
	if e.IsDir() {
		return syscall.S_IFDIR | 0755
	}
	return syscall.S_IFREG | 0644
}

func (n *Node) newChild(ctx context.Context, e namespace.Entry, out *gofuse.EntryOut) *fs.Inode {
	n.fsys.fillAttr(e, &out.Attr)
	out.SetEntryTimeout(n.fsys.cfg.KernelTTL)
	out.SetAttrTimeout(n.fsys.cfg.KernelTTL)
	child := &Node{fsys: n.fsys}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: mode(e) & syscall.S_IFMT, Ino: uint64(e.ID)})
}

// Getattr never downloads content.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	e, err := n.fsys.core.GetAttr(ctx, n.id())
	if err != nil {
		return errno("getattr", n.id(), err)
	}
	n.fsys.fillAttr(e, &out.Attr)
	out.SetTimeout(n.fsys.cfg.KernelTTL)
	return 0
}

// Setattr supports changing the size. Mode, owner and time changes are
// accepted and ignored.
func (n *Node) Setattr(ctx context.Context, fh fs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		var h *session.Handle
		if f, ok := fh.(*File); ok {
			h = f.h
		}
		if err := n.fsys.core.Truncate(ctx, n.id(), h, int64(size)); err != nil {
			return errno("truncate", n.id(), err)
		}
	}
	return n.Getattr(ctx, fh, out)
}

// Lookup finds a child by name.
func (n *Node) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	e, err := n.fsys.core.Lookup(ctx, n.id(), name)
	if err != nil {
		return nil, errno("lookup", n.id(), err)
	}
	return n.newChild(ctx, e, out), 0
}

// OnForget releases the table entry once the kernel has dropped every
// reference.
func (n *Node) OnForget() {
	n.fsys.core.Forget(n.id(), math.MaxUint64)
}

// Readdir lists directory contents.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.fsys.core.ReadDir(ctx, n.id())
	if err != nil {
		return nil, errno("readdir", n.id(), err)
	}
	out := make([]gofuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, gofuse.DirEntry{Name: e.Name, Mode: mode(e) & syscall.S_IFMT, Ino: uint64(e.ID)})
	}
	return fs.NewListDirStream(out), 0
}

// Open opens the file for the session manager.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	h, err := n.fsys.core.Open(ctx, n.id(), flags)
	if err != nil {
		return nil, 0, errno("open", n.id(), err)
	}
	return &File{core: n.fsys.core, h: h}, 0, 0
}

// Create creates a file that is committed on its first flush.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *gofuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	cr, err := n.fsys.core.Create(ctx, n.id(), name, flags)
	if err != nil {
		return nil, nil, 0, errno("create", n.id(), err)
	}
	return n.newChild(ctx, cr.Entry, out), &File{core: n.fsys.core, h: cr.Handle}, 0, 0
}

// Mkdir creates a directory on the remote.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	e, err := n.fsys.core.Mkdir(ctx, n.id(), name)
	if err != nil {
		return nil, errno("mkdir", n.id(), err)
	}
	return n.newChild(ctx, e, out), 0
}

// Unlink removes a file.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return errno("unlink", n.id(), n.fsys.core.Unlink(ctx, n.id(), name))
}

// Rmdir removes an empty directory.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return errno("rmdir", n.id(), n.fsys.core.Rmdir(ctx, n.id(), name))
}

// Rename moves an entry. RENAME_EXCHANGE and RENAME_NOREPLACE are not
// supported.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags != 0 {
		return syscall.ENOTSUP
	}
	dst, ok := newParent.(*Node)
	if !ok {
		return syscall.EXDEV
	}
	return errno("rename", n.id(), n.fsys.core.Rename(ctx, n.id(), name, dst.id(), newName))
}

// Getxattr returns a user.seafile.* attribute.
func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	value, err := n.fsys.core.Xattr(ctx, n.id(), attr)
	if err != nil {
		return 0, ToErrno(err)
	}
	if len(dest) == 0 {
		return uint32(len(value)), 0
	}
	if len(dest) < len(value) {
		return 0, syscall.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), 0
}

// Listxattr lists the user.seafile.* attributes.
func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	var total int
	for _, attr := range core.XattrNames {
		total += len(attr) + 1
	}
	if len(dest) == 0 {
		return uint32(total), 0
	}
	if len(dest) < total {
		return 0, syscall.ERANGE
	}
	offset := 0
	for _, attr := range core.XattrNames {
		copy(dest[offset:], attr)
		offset += len(attr)
		dest[offset] = 0
		offset++
	}
	return uint32(total), 0
}

// Statfs reports a large fixed capacity; the library quota is not queried.
func (n *Node) Statfs(ctx context.Context, out *gofuse.StatfsOut) syscall.Errno {
	const blocks = 1 << 40 / 4096
	out.Bsize = 4096
	out.Frsize = 4096
	out.Blocks = blocks
	out.Bfree = blocks
	out.Bavail = blocks
	out.Files = 1 << 20
	out.Ffree = 1 << 20
	out.NameLen = 255
	return 0
}

// File is an open file handle.
type File struct {
	core *core.Core
	h    *session.Handle
}

var _ fs.FileHandle = (*File)(nil)
var _ fs.FileReader = (*File)(nil)
var _ fs.FileWriter = (*File)(nil)
var _ fs.FileFlusher = (*File)(nil)
var _ fs.FileFsyncer = (*File)(nil)
var _ fs.FileReleaser = (*File)(nil)

// Read reads from the session.
func (f *File) Read(ctx context.Context, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	data, err := f.core.Read(ctx, f.h, off, len(dest))
	if err != nil {
		return nil, errno("read", f.h.ID(), err)
	}
	return gofuse.ReadResultData(data), 0
}

// Write writes into the session buffer.
func (f *File) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := f.core.Write(ctx, f.h, off, data)
	if err != nil {
		return 0, errno("write", f.h.ID(), err)
	}
	return uint32(n), 0
}

// Flush commits pending changes. It runs on every close(2) of a
// descriptor.
func (f *File) Flush(ctx context.Context) syscall.Errno {
	return errno("flush", f.h.ID(), f.core.Flush(ctx, f.h))
}

// Fsync commits pending changes.
func (f *File) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return errno("fsync", f.h.ID(), f.core.Fsync(ctx, f.h))
}

// Release drops the handle.
func (f *File) Release(ctx context.Context) syscall.Errno {
	return errno("release", f.h.ID(), f.core.Release(ctx, f.h))
}

// errno converts err and logs failures other than a missing entry.
func errno(op string, id namespace.ID, err error) syscall.Errno {
	e := ToErrno(err)
	if e != 0 && e != syscall.ENOENT {
		logging.Debug("fuse request failed",
			logging.String("op", op), logging.Uint64("ino", uint64(id)),
			logging.String("errno", e.Error()), logging.Err(err))
	}
	return e
}
