package mount

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/dongsupark/seafile-fuse-client/internal/logging"
	"github.com/dongsupark/seafile-fuse-client/pkg/core"
	"github.com/dongsupark/seafile-fuse-client/pkg/namespace"
	"github.com/dongsupark/seafile-fuse-client/pkg/remote"
	"github.com/dongsupark/seafile-fuse-client/pkg/session"
	"github.com/dongsupark/seafile-fuse-client/pkg/tree"
)

const invalidFh = ^uint64(0)

// CgoFuseBackend implements Backend using cgofuse, which also runs on
// WinFSP and macFUSE. The interface is path based, so every operation
// resolves its path through the core first.
type CgoFuseBackend struct {
	fuse.FileSystemBase

	core   *core.Core
	host   *fuse.FileSystemHost
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handles map[uint64]*session.Handle
	nextFh  atomic.Uint64
}

// NewCgoFuseBackend creates a new cgofuse backend.
func NewCgoFuseBackend(opts Options) *CgoFuseBackend {
	ctx, cancel := context.WithCancel(context.Background())
	return &CgoFuseBackend{
		opts:    opts,
		handles: make(map[uint64]*session.Handle),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (b *CgoFuseBackend) Name() string {
	return "cgofuse"
}

func (b *CgoFuseBackend) Start(ctx context.Context, c *core.Core) error {
	b.core = c

	if err := os.MkdirAll(b.opts.MountPoint, 0755); err != nil {
		return err
	}

	b.host = fuse.NewFileSystemHost(b)
	b.host.SetCapReaddirPlus(false)

	args := b.mountArgs()
	logging.Info("mounting cgofuse filesystem", logging.String("mountpoint", b.opts.MountPoint))

	// host.Mount blocks until unmounted.
	errCh := make(chan error, 1)
	go func() {
		if !b.host.Mount(b.opts.MountPoint, args) {
			errCh <- errors.New("cgofuse mount failed")
		} else {
			errCh <- nil
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		b.host.Unmount()
		<-errCh
		return ctx.Err()
	}
}

func (b *CgoFuseBackend) Stop() error {
	if b.host != nil {
		b.host.Unmount()
	}
	return nil
}

func (b *CgoFuseBackend) allocFh(h *session.Handle) uint64 {
	fh := b.nextFh.Add(1)
	b.mu.Lock()
	b.handles[fh] = h
	b.mu.Unlock()
	return fh
}

func (b *CgoFuseBackend) getFh(fh uint64) *session.Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handles[fh]
}

func (b *CgoFuseBackend) freeFh(fh uint64) *session.Handle {
	b.mu.Lock()
	h := b.handles[fh]
	delete(b.handles, fh)
	b.mu.Unlock()
	return h
}

// resolve returns the entry at path.
func (b *CgoFuseBackend) resolve(path string) (namespace.Entry, int) {
	e, err := b.core.ResolvePath(b.ctx, tree.Clean(path))
	if err != nil {
		return namespace.Entry{}, b.errno("resolve", path, err)
	}
	return e, 0
}

// resolveParent returns the directory containing path and the final name.
func (b *CgoFuseBackend) resolveParent(path string) (namespace.Entry, string, int) {
	dir, name := tree.Split(tree.Clean(path))
	parent, rc := b.resolve(dir)
	if rc != 0 {
		return parent, name, rc
	}
	if !parent.IsDir() {
		return parent, name, -fuse.ENOTDIR
	}
	return parent, name, 0
}

func (b *CgoFuseBackend) fillStat(e namespace.Entry, stat *fuse.Stat_t) {
	stat.Ino = uint64(e.ID)
	stat.Size = e.Size
	mtime := e.MTime
	if mtime.IsZero() {
		mtime = time.Unix(0, 0)
	}
	mt := fuse.NewTimespec(mtime)
	stat.Mtim = mt
	stat.Atim = mt
	stat.Ctim = mt
	if e.IsDir() {
		stat.Mode = fuse.S_IFDIR | 0755
		stat.Nlink = 2
	} else {
		stat.Mode = fuse.S_IFREG | 0644
		stat.Nlink = 1
	}
	stat.Uid = uint32(os.Getuid())
	stat.Gid = uint32(os.Getgid())
	stat.Blksize = 4096
	stat.Blocks = (e.Size + 511) / 512
}

// --- fuse.FileSystemInterface implementation ---

func (b *CgoFuseBackend) Init() {
	logging.Info("cgofuse: init")
}

func (b *CgoFuseBackend) Destroy() {
	logging.Info("cgofuse: destroy")
	b.cancel()
}

func (b *CgoFuseBackend) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	var e namespace.Entry
	if h := b.getFh(fh); h != nil {
		// An open file stays reachable through its handle after unlink.
		var err error
		if e, err = b.core.GetAttr(b.ctx, h.ID()); err != nil {
			return b.errno("getattr", path, err)
		}
	} else {
		var rc int
		if e, rc = b.resolve(path); rc != 0 {
			return rc
		}
	}
	b.fillStat(e, stat)
	return 0
}

func (b *CgoFuseBackend) Opendir(path string) (int, uint64) {
	e, rc := b.resolve(path)
	if rc != 0 {
		return rc, invalidFh
	}
	if !e.IsDir() {
		return -fuse.ENOTDIR, invalidFh
	}
	return 0, 0
}

func (b *CgoFuseBackend) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	dir, rc := b.resolve(path)
	if rc != 0 {
		return rc
	}
	if !dir.IsDir() {
		return -fuse.ENOTDIR
	}
	entries, err := b.core.ReadDir(b.ctx, dir.ID)
	if err != nil {
		return b.errno("readdir", path, err)
	}

	fill(".", nil, 0)
	fill("..", nil, 0)
	for _, e := range entries {
		var st fuse.Stat_t
		b.fillStat(e, &st)
		if !fill(e.Name, &st, 0) {
			break
		}
	}
	return 0
}

func (b *CgoFuseBackend) Releasedir(path string, fh uint64) int {
	return 0
}

func (b *CgoFuseBackend) Open(path string, flags int) (int, uint64) {
	e, rc := b.resolve(path)
	if rc != 0 {
		return rc, invalidFh
	}
	if e.IsDir() {
		return -fuse.EISDIR, invalidFh
	}
	h, err := b.core.Open(b.ctx, e.ID, uint32(flags))
	if err != nil {
		return b.errno("open", path, err), invalidFh
	}
	return 0, b.allocFh(h)
}

func (b *CgoFuseBackend) Create(path string, flags int, mode uint32) (int, uint64) {
	parent, name, rc := b.resolveParent(path)
	if rc != 0 {
		return rc, invalidFh
	}
	cr, err := b.core.Create(b.ctx, parent.ID, name, uint32(flags))
	if err != nil {
		return b.errno("create", path, err), invalidFh
	}
	// Paths carry no kernel references; the open session keeps the entry.
	b.core.Forget(cr.Entry.ID, 1)
	return 0, b.allocFh(cr.Handle)
}

func (b *CgoFuseBackend) Read(path string, buff []byte, ofst int64, fh uint64) int {
	h := b.getFh(fh)
	if h == nil {
		return -fuse.EBADF
	}
	data, err := b.core.Read(b.ctx, h, ofst, len(buff))
	if err != nil {
		return b.errno("read", path, err)
	}
	return copy(buff, data)
}

func (b *CgoFuseBackend) Write(path string, buff []byte, ofst int64, fh uint64) int {
	h := b.getFh(fh)
	if h == nil {
		return -fuse.EBADF
	}
	n, err := b.core.Write(b.ctx, h, ofst, buff)
	if err != nil {
		return b.errno("write", path, err)
	}
	return n
}

func (b *CgoFuseBackend) Flush(path string, fh uint64) int {
	h := b.getFh(fh)
	if h == nil {
		return 0
	}
	if err := b.core.Flush(b.ctx, h); err != nil {
		return b.errno("flush", path, err)
	}
	return 0
}

func (b *CgoFuseBackend) Fsync(path string, datasync bool, fh uint64) int {
	h := b.getFh(fh)
	if h == nil {
		return 0
	}
	if err := b.core.Fsync(b.ctx, h); err != nil {
		return b.errno("fsync", path, err)
	}
	return 0
}

func (b *CgoFuseBackend) Release(path string, fh uint64) int {
	h := b.freeFh(fh)
	if h == nil {
		return 0
	}
	if err := b.core.Release(b.ctx, h); err != nil {
		return b.errno("release", path, err)
	}
	return 0
}

func (b *CgoFuseBackend) Truncate(path string, size int64, fh uint64) int {
	if h := b.getFh(fh); h != nil {
		if err := b.core.Truncate(b.ctx, h.ID(), h, size); err != nil {
			return b.errno("truncate", path, err)
		}
		return 0
	}
	e, rc := b.resolve(path)
	if rc != 0 {
		return rc
	}
	if e.IsDir() {
		return -fuse.EISDIR
	}
	if err := b.core.Truncate(b.ctx, e.ID, nil, size); err != nil {
		return b.errno("truncate", path, err)
	}
	return 0
}

func (b *CgoFuseBackend) Mkdir(path string, mode uint32) int {
	parent, name, rc := b.resolveParent(path)
	if rc != 0 {
		return rc
	}
	e, err := b.core.Mkdir(b.ctx, parent.ID, name)
	if err != nil {
		return b.errno("mkdir", path, err)
	}
	b.core.Forget(e.ID, 1)
	return 0
}

func (b *CgoFuseBackend) Unlink(path string) int {
	parent, name, rc := b.resolveParent(path)
	if rc != 0 {
		return rc
	}
	if err := b.core.Unlink(b.ctx, parent.ID, name); err != nil {
		return b.errno("unlink", path, err)
	}
	return 0
}

func (b *CgoFuseBackend) Rmdir(path string) int {
	parent, name, rc := b.resolveParent(path)
	if rc != 0 {
		return rc
	}
	if err := b.core.Rmdir(b.ctx, parent.ID, name); err != nil {
		return b.errno("rmdir", path, err)
	}
	return 0
}

func (b *CgoFuseBackend) Rename(oldpath string, newpath string) int {
	oldParent, oldName, rc := b.resolveParent(oldpath)
	if rc != 0 {
		return rc
	}
	newParent, newName, rc := b.resolveParent(newpath)
	if rc != 0 {
		return rc
	}
	if err := b.core.Rename(b.ctx, oldParent.ID, oldName, newParent.ID, newName); err != nil {
		return b.errno("rename", oldpath, err)
	}
	return 0
}

func (b *CgoFuseBackend) Access(path string, mask uint32) int {
	_, rc := b.resolve(path)
	return rc
}

// Utimens, Chmod and Chown are accepted and ignored; the server keeps its
// own modification times and has no permission bits.
func (b *CgoFuseBackend) Utimens(path string, tmsp []fuse.Timespec) int {
	_, rc := b.resolve(path)
	return rc
}

func (b *CgoFuseBackend) Chmod(path string, mode uint32) int {
	return 0
}

func (b *CgoFuseBackend) Chown(path string, uid uint32, gid uint32) int {
	return 0
}

func (b *CgoFuseBackend) Statfs(path string, stat *fuse.Statfs_t) int {
	const blocks = 1 << 40 / 4096
	stat.Bsize = 4096
	stat.Frsize = 4096
	stat.Blocks = blocks
	stat.Bfree = blocks
	stat.Bavail = blocks
	stat.Files = 1 << 20
	stat.Ffree = 1 << 20
	stat.Namemax = 255
	return 0
}

func (b *CgoFuseBackend) Getxattr(path string, name string) (int, []byte) {
	e, rc := b.resolve(path)
	if rc != 0 {
		return rc, nil
	}
	value, err := b.core.Xattr(b.ctx, e.ID, name)
	if err != nil {
		return b.errno("getxattr", path, err), nil
	}
	return 0, []byte(value)
}

func (b *CgoFuseBackend) Listxattr(path string, fill func(name string) bool) int {
	if _, rc := b.resolve(path); rc != 0 {
		return rc
	}
	for _, name := range core.XattrNames {
		if !fill(name) {
			return -fuse.ERANGE
		}
	}
	return 0
}

// mountArgs builds the libfuse command line for the mount options.
func (b *CgoFuseBackend) mountArgs() []string {
	var args []string
	if b.opts.FsName != "" {
		args = append(args, "-o", "fsname="+b.opts.FsName)
	}
	if b.opts.AllowOther {
		args = append(args, "-o", "allow_other")
	}
	if len(b.opts.Extra) > 0 {
		args = append(args, "-o", strings.Join(b.opts.Extra, ","))
	}
	if b.opts.Debug {
		args = append(args, "-d")
	}
	return args
}

// errno logs err and converts it to a negative cgofuse error code.
func (b *CgoFuseBackend) errno(op, path string, err error) int {
	code := toErrc(err)
	if code != fuse.ENOENT {
		logging.Debug("cgofuse operation failed",
			logging.String("op", op),
			logging.String("path", path),
			logging.Err(err))
	}
	return -code
}

var errcTable = []struct {
	err  error
	errc int
}{
	{remote.ErrCommitFailed, fuse.EIO},
	{remote.ErrInvalidName, fuse.EINVAL},
	{remote.ErrNotFound, fuse.ENOENT},
	{remote.ErrNotADirectory, fuse.ENOTDIR},
	{remote.ErrIsDirectory, fuse.EISDIR},
	{remote.ErrAlreadyExists, fuse.EEXIST},
	{remote.ErrNotEmpty, fuse.ENOTEMPTY},
	{remote.ErrPermissionDenied, fuse.EACCES},
	{remote.ErrInterrupted, fuse.EINTR},
	{remote.ErrBadHandle, fuse.EBADF},
	{core.ErrNoAttr, fuse.ENODATA},
	{remote.ErrNetwork, fuse.EIO},
	{context.DeadlineExceeded, fuse.ETIMEDOUT},
	{context.Canceled, fuse.EINTR},
}

// toErrc maps a core error to a positive cgofuse error code.
func toErrc(err error) int {
	for _, m := range errcTable {
		if errors.Is(err, m.err) {
			return m.errc
		}
	}
	return fuse.EIO
}
