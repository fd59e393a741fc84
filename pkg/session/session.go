// Package session manages open files. All handles on one inode share a
// single session whose buffer holds the file content once it has been read
// or written. Writes stay local until a flush commits them.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dongsupark/seafile-fuse-client/internal/logging"
	"github.com/dongsupark/seafile-fuse-client/internal/metrics"
	"github.com/dongsupark/seafile-fuse-client/pkg/cache"
	"github.com/dongsupark/seafile-fuse-client/pkg/commit"
	"github.com/dongsupark/seafile-fuse-client/pkg/namespace"
	"github.com/dongsupark/seafile-fuse-client/pkg/remote"
	"github.com/dongsupark/seafile-fuse-client/pkg/retry"
	"github.com/dongsupark/seafile-fuse-client/pkg/tree"
)

// Mode is the access mode of a handle.
type Mode int

const (
	ReadOnly Mode = iota
	WriteOnly
	ReadWrite
)

// ModeFromFlags converts open(2) flags to a Mode.
func ModeFromFlags(flags uint32) Mode {
	switch int(flags) & syscall.O_ACCMODE {
	case syscall.O_WRONLY:
		return WriteOnly
	case syscall.O_RDWR:
		return ReadWrite
	default:
		return ReadOnly
	}
}

func (m Mode) canRead() bool  { return m != WriteOnly }
func (m Mode) canWrite() bool { return m != ReadOnly }

// State is the lifecycle state of a session.
type State int

const (
	Clean State = iota
	Dirty
)

func (s State) String() string {
	if s == Dirty {
		return "dirty"
	}
	return "clean"
}

// session is the shared state of one open inode. mu serializes reads,
// writes and flushes on the inode.
type session struct {
	id namespace.ID

	mu       sync.Mutex
	refs     int // guarded by Manager.mu
	loaded   bool
	buf      []byte
	dirty    bool
	base     string // remote version buf derives from
	size     int64  // remote size while not loaded
	unlinked bool
	lastErr  error
}

func (s *session) length() int64 {
	if s.loaded {
		return int64(len(s.buf))
	}
	return s.size
}

// Handle is one open file description.
type Handle struct {
	s        *session
	mode     Mode
	released atomic.Bool
}

// ID returns the inode the handle refers to.
func (h *Handle) ID() namespace.ID {
	return h.s.id
}

// Mode returns the access mode of the handle.
func (h *Handle) Mode() Mode {
	return h.mode
}

// Options configures a Manager.
type Options struct {
	// RangeThreshold is the size from which clean files are read with
	// ranged fetches instead of being downloaded whole.
	RangeThreshold int64
	// Cache, if set, keeps downloaded and committed content by remote id.
	Cache *cache.Cache
	// Retry applies to content fetches.
	Retry retry.Config
}

// Manager owns all open sessions of a mount.
type Manager struct {
	table    *namespace.Table
	store    remote.Store
	pipeline *commit.Pipeline
	opts     Options

	mu       sync.Mutex
	sessions map[namespace.ID]*session

	open  atomic.Int64
	dirty atomic.Int64
}

// NewManager returns a session manager.
func NewManager(table *namespace.Table, store remote.Store, pipeline *commit.Pipeline, opts Options) *Manager {
	if opts.RangeThreshold <= 0 {
		opts.RangeThreshold = 8 << 20
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfig()
	}
	return &Manager{
		table:    table,
		store:    store,
		pipeline: pipeline,
		opts:     opts,
		sessions: make(map[namespace.ID]*session),
	}
}

// Open opens id, joining the existing session if there is one. With
// truncate the content is cut to zero length.
func (m *Manager) Open(ctx context.Context, id namespace.ID, mode Mode, truncate bool) (*Handle, error) {
	e, err := m.table.GetAttributes(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.IsDir() {
		return nil, fmt.Errorf("open inode %d: %w", id, remote.ErrIsDirectory)
	}

	s := m.acquire(id, func(s *session) {
		s.base = e.RemoteID
		s.size = e.Size
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	// A clean session picks up a newer remote version on open.
	if !s.dirty && e.RemoteID != "" && e.RemoteID != s.base {
		s.base = e.RemoteID
		s.size = e.Size
		s.loaded = false
		s.buf = nil
	}
	if truncate && mode.canWrite() && s.length() != 0 {
		s.buf = nil
		s.loaded = true
		m.setDirty(s, true)
	}
	return &Handle{s: s, mode: mode}, nil
}

// Create opens a session for an inode that has just been allocated. The
// session starts dirty, so the empty file is committed at the first flush.
func (m *Manager) Create(id namespace.ID, mode Mode) *Handle {
	s := m.acquire(id, nil)
	s.mu.Lock()
	s.loaded = true
	s.buf = nil
	m.setDirty(s, true)
	s.mu.Unlock()
	return &Handle{s: s, mode: mode}
}

// acquire returns the session for id with one more reference, creating it
// with init if needed.
func (m *Manager) acquire(id namespace.ID, init func(*session)) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s == nil {
		s = &session{id: id}
		if init != nil {
			init(s)
		}
		m.sessions[id] = s
		m.table.Pin(id)
		m.open.Add(1)
		m.publish()
	}
	s.refs++
	return s
}

// Read reads up to n bytes at off.
func (m *Manager) Read(ctx context.Context, h *Handle, off int64, n int) ([]byte, error) {
	if err := m.check(h); err != nil {
		return nil, err
	}
	if !h.mode.canRead() {
		return nil, fmt.Errorf("read on write-only handle: %w", remote.ErrBadHandle)
	}
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded && s.base != "" && s.size >= m.opts.RangeThreshold {
		if rf, ok := m.store.(remote.RangeFetcher); ok {
			return m.fetchRange(ctx, rf, s, off, n)
		}
	}
	if err := m.load(ctx, s); err != nil {
		return nil, err
	}
	return slice(s.buf, off, n), nil
}

// Write writes data at off, growing the file as needed.
func (m *Manager) Write(ctx context.Context, h *Handle, off int64, data []byte) (int, error) {
	if err := m.check(h); err != nil {
		return 0, err
	}
	if !h.mode.canWrite() {
		return 0, fmt.Errorf("write on read-only handle: %w", remote.ErrBadHandle)
	}
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded && off == 0 && int64(len(data)) >= s.size {
		// Full overwrite: the old content is not needed.
		s.buf = nil
		s.loaded = true
	}
	if err := m.load(ctx, s); err != nil {
		return 0, err
	}

	end := off + int64(len(data))
	if end > int64(len(s.buf)) {
		s.buf = grow(s.buf, end)
	}
	copy(s.buf[off:], data)
	m.setDirty(s, true)
	return len(data), nil
}

// Truncate sets the length of the file behind h.
func (m *Manager) Truncate(ctx context.Context, h *Handle, size int64) error {
	if err := m.check(h); err != nil {
		return err
	}
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.length() == size {
		return nil
	}
	if size == 0 {
		s.buf = nil
		s.loaded = true
	} else {
		if err := m.load(ctx, s); err != nil {
			return err
		}
		if size < int64(len(s.buf)) {
			s.buf = s.buf[:size]
		} else {
			s.buf = grow(s.buf, size)
		}
	}
	m.setDirty(s, true)
	return nil
}

// Flush commits the session of h if it is dirty. Flushing a clean session
// does nothing.
func (m *Manager) Flush(ctx context.Context, h *Handle) error {
	if err := m.check(h); err != nil {
		return err
	}
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.flushLocked(ctx, s)
}

func (m *Manager) flushLocked(ctx context.Context, s *session) error {
	if !s.dirty {
		return nil
	}
	if s.unlinked {
		m.setDirty(s, false)
		s.buf = nil
		s.loaded = false
		return nil
	}

	p, err := m.table.Path(s.id)
	if err != nil {
		return err
	}
	dir, name := tree.Split(p)

	res, err := m.pipeline.Commit(ctx, commit.Request{Dir: dir, Name: name, Content: s.buf, Base: s.base})
	if err != nil {
		s.lastErr = err
		logging.WithContext(ctx).Error("flush failed, keeping local changes",
			logging.String("path", p), logging.Uint64("ino", uint64(s.id)), logging.Err(err))
		return err
	}

	s.base = res.RemoteID
	s.size = res.Size
	m.setDirty(s, false)
	s.lastErr = nil
	m.table.Committed(s.id, res.RemoteID, res.Size, time.Now())
	if m.opts.Cache != nil {
		if err := m.opts.Cache.Put(res.RemoteID, s.buf); err != nil {
			logging.WithContext(ctx).Warn("cache committed content", logging.String("path", p), logging.Err(err))
		}
	}
	return nil
}

// Release drops h. The last release of a dirty session flushes it; if that
// fails the session is kept so a later open or FlushAll can retry.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	if !h.released.CompareAndSwap(false, true) {
		return fmt.Errorf("release: %w", remote.ErrBadHandle)
	}
	s := h.s

	m.mu.Lock()
	s.refs--
	last := s.refs == 0
	m.mu.Unlock()

	var err error
	if last {
		s.mu.Lock()
		err = m.flushLocked(ctx, s)
		s.mu.Unlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropIfIdle(s)
	return err
}

// dropIfIdle removes s when it has no handles and nothing to commit. Must be
// called with m.mu held.
func (m *Manager) dropIfIdle(s *session) {
	if s.refs > 0 || m.sessions[s.id] != s {
		return
	}
	s.mu.Lock()
	dirty := s.dirty
	s.mu.Unlock()
	if dirty {
		logging.Warn("keeping unflushed session after last close",
			logging.Uint64("ino", uint64(s.id)))
		return
	}
	delete(m.sessions, s.id)
	m.table.Unpin(s.id)
	m.open.Add(-1)
	m.publish()
}

// FlushAll commits every dirty session, including ones whose handles are
// all closed. It is called at unmount.
func (m *Manager) FlushAll(ctx context.Context) error {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range all {
		s.mu.Lock()
		err := m.flushLocked(ctx, s)
		s.mu.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("inode %d: %w", s.id, err))
		}
	}

	m.mu.Lock()
	for _, s := range all {
		m.dropIfIdle(s)
	}
	m.mu.Unlock()
	return errors.Join(errs...)
}

// FlushInode commits the session of id, if it has one.
func (m *Manager) FlushInode(ctx context.Context, id namespace.ID) error {
	m.mu.Lock()
	s := m.sessions[id]
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	s.mu.Lock()
	err := m.flushLocked(ctx, s)
	s.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropIfIdle(s)
	return err
}

// MarkUnlinked records that id was removed by name. Its pending content is
// discarded instead of committed.
func (m *Manager) MarkUnlinked(id namespace.ID) {
	m.mu.Lock()
	s := m.sessions[id]
	m.mu.Unlock()
	if s == nil {
		return
	}
	s.mu.Lock()
	s.unlinked = true
	s.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if s.refs == 0 {
		s.mu.Lock()
		m.setDirty(s, false)
		s.mu.Unlock()
		m.dropIfIdle(s)
	}
}

// Size returns the current length of an open file, if id has a session.
func (m *Manager) Size(id namespace.ID) (int64, bool) {
	m.mu.Lock()
	s := m.sessions[id]
	m.mu.Unlock()
	if s == nil {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded && !s.dirty {
		return 0, false
	}
	return s.length(), true
}

// State reports whether id has uncommitted changes and the last commit error.
func (m *Manager) State(id namespace.ID) (State, error) {
	m.mu.Lock()
	s := m.sessions[id]
	m.mu.Unlock()
	if s == nil {
		return Clean, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirty {
		return Dirty, s.lastErr
	}
	return Clean, nil
}

// Counts returns the number of sessions and how many are dirty.
func (m *Manager) Counts() (open, dirty int) {
	return int(m.open.Load()), int(m.dirty.Load())
}

// setDirty updates s.dirty and the dirty gauge. Must be called with s.mu held.
func (m *Manager) setDirty(s *session, dirty bool) {
	if s.dirty == dirty {
		return
	}
	s.dirty = dirty
	if dirty {
		m.dirty.Add(1)
	} else {
		m.dirty.Add(-1)
	}
	m.publish()
}

func (m *Manager) publish() {
	metrics.SetSessions(m.Counts())
}

func (m *Manager) check(h *Handle) error {
	if h == nil || h.released.Load() {
		return fmt.Errorf("handle: %w", remote.ErrBadHandle)
	}
	return nil
}

// load fills s.buf with the base content. Must be called with s.mu held.
func (m *Manager) load(ctx context.Context, s *session) error {
	if s.loaded {
		return nil
	}
	if s.base == "" {
		s.buf = nil
		s.loaded = true
		return nil
	}

	if m.opts.Cache != nil {
		if data, ok := m.opts.Cache.Get(s.base); ok {
			metrics.RecordCacheLookup("content", "hit")
			s.buf = data
			s.loaded = true
			return nil
		}
		metrics.RecordCacheLookup("content", "miss")
	}

	p, err := m.table.Path(s.id)
	if err != nil {
		return err
	}
	start := time.Now()
	data, err := retry.DoWithResult(ctx, m.opts.Retry, func() ([]byte, error) {
		return m.store.FetchContent(ctx, p, s.base)
	})
	metrics.RecordRemoteRequest("fetch", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", p, err)
	}
	metrics.RecordDownload(int64(len(data)))

	if m.opts.Cache != nil {
		if err := m.opts.Cache.Put(s.base, data); err != nil {
			logging.WithContext(ctx).Warn("cache fetched content", logging.String("path", p), logging.Err(err))
		}
	}
	s.buf = data
	s.loaded = true
	return nil
}

func (m *Manager) fetchRange(ctx context.Context, rf remote.RangeFetcher, s *session, off int64, n int) ([]byte, error) {
	if off >= s.size {
		return nil, nil
	}
	p, err := m.table.Path(s.id)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	data, err := retry.DoWithResult(ctx, m.opts.Retry, func() ([]byte, error) {
		return rf.FetchRange(ctx, p, s.base, off, int64(n))
	})
	metrics.RecordRemoteRequest("fetch_range", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s at %d: %w", p, off, err)
	}
	metrics.RecordDownload(int64(len(data)))
	return data, nil
}

func slice(buf []byte, off int64, n int) []byte {
	if off >= int64(len(buf)) || n <= 0 {
		return nil
	}
	end := off + int64(n)
	if end > int64(len(buf)) {
		end = int64(len(buf))
	}
	return append([]byte(nil), buf[off:end]...)
}

// grow extends buf to size, zero-filling the gap.
func grow(buf []byte, size int64) []byte {
	if int64(cap(buf)) >= size {
		old := len(buf)
		buf = buf[:size]
		clear(buf[old:])
		return buf
	}
	nb := make([]byte, size, size+size/4)
	copy(nb, buf)
	return nb
}
