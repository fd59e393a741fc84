// Package memstore is an in-memory versioned remote store. It backs the
// package tests and the --remote=memory mode of the CLI.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dongsupark/seafile-fuse-client/pkg/remote"
	"github.com/dongsupark/seafile-fuse-client/pkg/tree"
)

// Op names a store call for fault injection and call counting.
type Op string

const (
	OpList    Op = "list"
	OpFetch   Op = "fetch"
	OpRange   Op = "range"
	OpUpload  Op = "upload"
	OpMissing Op = "missing"
	OpCommit  Op = "commit"
	OpMkdir   Op = "mkdir"
	OpDelete  Op = "delete"
	OpRename  Op = "rename"
)

type node struct {
	kind     remote.Kind
	id       string
	content  []byte
	mtime    time.Time
	children map[string]*node
}

// Store implements remote.Store, remote.RangeFetcher and remote.BlockChecker.
type Store struct {
	mu     sync.Mutex
	root   *node
	blocks map[string][]byte
	seq    uint64
	now    func() time.Time
	faults map[Op]func() error
	calls  map[Op]int
}

var (
	_ remote.Store        = (*Store)(nil)
	_ remote.RangeFetcher = (*Store)(nil)
	_ remote.BlockChecker = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	s := &Store{
		blocks: make(map[string][]byte),
		now:    time.Now,
		faults: make(map[Op]func() error),
		calls:  make(map[Op]int),
	}
	s.root = &node{kind: remote.KindDir, id: s.nextID(), mtime: s.now(), children: make(map[string]*node)}
	return s
}

// SetClock replaces the time source used for mtimes.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetFault installs fn as a hook run at the start of every op call. A
// non-nil return fails the call. A nil fn removes the hook.
func (s *Store) SetFault(op Op, fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = fn
}

// FailNext fails the next n calls of op with err.
func (s *Store) FailNext(op Op, n int, err error) {
	remaining := n
	s.SetFault(op, func() error {
		if remaining <= 0 {
			return nil
		}
		remaining--
		return err
	})
}

// Calls returns how many times op was called.
func (s *Store) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// ResetCalls zeroes the call counters.
func (s *Store) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[Op]int)
}

// Put writes a file, creating parent directories, and returns its new id.
func (s *Store) Put(p string, content []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, name := tree.Split(p)
	parent := s.mkdirAll(dir)
	n := parent.children[name]
	if n == nil || n.kind != remote.KindFile {
		n = &node{kind: remote.KindFile}
		parent.children[name] = n
	}
	n.content = append([]byte(nil), content...)
	n.id = s.nextID()
	n.mtime = s.now()
	return n.id
}

// MkdirAll creates p and any missing parents.
func (s *Store) MkdirAll(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mkdirAll(tree.Clean(p))
}

// Content returns the current content of the file at p.
func (s *Store) Content(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.find(p)
	if err != nil || n.kind != remote.KindFile {
		return nil, false
	}
	return append([]byte(nil), n.content...), true
}

// ID returns the current object id at p, or "" if absent.
func (s *Store) ID(p string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.find(p)
	if err != nil {
		return ""
	}
	return n.id
}

// ListDirectory implements remote.Store.
func (s *Store) ListDirectory(ctx context.Context, dir string) ([]remote.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpList); err != nil {
		return nil, err
	}

	n, err := s.find(dir)
	if err != nil {
		return nil, err
	}
	if n.kind != remote.KindDir {
		return nil, fmt.Errorf("list %s: %w", dir, remote.ErrNotADirectory)
	}

	entries := make([]remote.Entry, 0, len(n.children))
	for name, child := range n.children {
		entries = append(entries, child.entry(name))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// FetchContent implements remote.Store.
func (s *Store) FetchContent(ctx context.Context, p, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpFetch); err != nil {
		return nil, err
	}

	n, err := s.file(p)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), n.content...), nil
}

// FetchRange implements remote.RangeFetcher.
func (s *Store) FetchRange(ctx context.Context, p, id string, off, size int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpRange); err != nil {
		return nil, err
	}

	n, err := s.file(p)
	if err != nil {
		return nil, err
	}
	if off >= int64(len(n.content)) {
		return nil, nil
	}
	end := off + size
	if end > int64(len(n.content)) {
		end = int64(len(n.content))
	}
	return append([]byte(nil), n.content[off:end]...), nil
}

// MissingBlocks implements remote.BlockChecker.
func (s *Store) MissingBlocks(ctx context.Context, ids []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpMissing); err != nil {
		return nil, err
	}

	var missing []string
	for _, id := range ids {
		if _, ok := s.blocks[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// UploadBlocks implements remote.Store.
func (s *Store) UploadBlocks(ctx context.Context, blocks []remote.Block) ([]remote.BlockRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpUpload); err != nil {
		return nil, err
	}

	refs := make([]remote.BlockRef, len(blocks))
	for i, b := range blocks {
		s.blocks[b.ID] = append([]byte(nil), b.Data...)
		refs[i] = remote.BlockRef{ID: b.ID, Size: int64(len(b.Data))}
	}
	return refs, nil
}

// CommitVersion implements remote.Store.
func (s *Store) CommitVersion(ctx context.Context, dir, name string, refs []remote.BlockRef, base string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpCommit); err != nil {
		return "", err
	}

	parent, err := s.find(dir)
	if err != nil {
		return "", err
	}
	if parent.kind != remote.KindDir {
		return "", fmt.Errorf("commit into %s: %w", dir, remote.ErrNotADirectory)
	}

	p := tree.BuildChildPath(tree.Clean(dir), name)
	current := ""
	existing := parent.children[name]
	if existing != nil {
		if existing.kind == remote.KindDir {
			return "", fmt.Errorf("commit %s: %w", p, remote.ErrIsDirectory)
		}
		current = existing.id
	}
	if base != remote.AnyVersion && current != base {
		return "", &remote.ConflictError{Path: p, Expected: base, Current: current}
	}

	var content []byte
	for _, ref := range refs {
		data, ok := s.blocks[ref.ID]
		if !ok {
			return "", fmt.Errorf("commit %s: block %s: %w", p, ref.ID, remote.ErrNotFound)
		}
		content = append(content, data...)
	}

	if existing == nil {
		existing = &node{kind: remote.KindFile}
		parent.children[name] = existing
	}
	existing.content = content
	existing.id = s.nextID()
	existing.mtime = s.now()
	return existing.id, nil
}

// Mkdir implements remote.Store.
func (s *Store) Mkdir(ctx context.Context, p string) (remote.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpMkdir); err != nil {
		return remote.Entry{}, err
	}

	dir, name := tree.Split(p)
	parent, err := s.find(dir)
	if err != nil {
		return remote.Entry{}, err
	}
	if parent.kind != remote.KindDir {
		return remote.Entry{}, fmt.Errorf("mkdir %s: %w", p, remote.ErrNotADirectory)
	}
	if _, ok := parent.children[name]; ok {
		return remote.Entry{}, fmt.Errorf("mkdir %s: %w", p, remote.ErrAlreadyExists)
	}

	n := &node{kind: remote.KindDir, id: s.nextID(), mtime: s.now(), children: make(map[string]*node)}
	parent.children[name] = n
	return n.entry(name), nil
}

// Delete implements remote.Store.
func (s *Store) Delete(ctx context.Context, p string, kind remote.Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpDelete); err != nil {
		return err
	}

	dir, name := tree.Split(p)
	if name == "" {
		return fmt.Errorf("delete root: %w", remote.ErrPermissionDenied)
	}
	parent, err := s.find(dir)
	if err != nil {
		return err
	}
	n, ok := parent.children[name]
	if !ok {
		return fmt.Errorf("delete %s: %w", p, remote.ErrNotFound)
	}
	switch {
	case kind == remote.KindFile && n.kind == remote.KindDir:
		return fmt.Errorf("delete %s: %w", p, remote.ErrIsDirectory)
	case kind == remote.KindDir && n.kind == remote.KindFile:
		return fmt.Errorf("delete %s: %w", p, remote.ErrNotADirectory)
	case n.kind == remote.KindDir && len(n.children) > 0:
		return fmt.Errorf("delete %s: %w", p, remote.ErrNotEmpty)
	}
	delete(parent.children, name)
	return nil
}

// Rename implements remote.Store.
func (s *Store) Rename(ctx context.Context, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpRename); err != nil {
		return err
	}

	from, to = tree.Clean(from), tree.Clean(to)
	if from == to {
		return nil
	}
	if tree.IsAncestor(from, to) {
		return fmt.Errorf("move %s into %s: %w", from, to, remote.ErrPermissionDenied)
	}

	srcDir, srcName := tree.Split(from)
	srcParent, err := s.find(srcDir)
	if err != nil {
		return err
	}
	n, ok := srcParent.children[srcName]
	if !ok {
		return fmt.Errorf("rename %s: %w", from, remote.ErrNotFound)
	}

	dstDir, dstName := tree.Split(to)
	dstParent, err := s.find(dstDir)
	if err != nil {
		return err
	}
	if dstParent.kind != remote.KindDir {
		return fmt.Errorf("rename to %s: %w", to, remote.ErrNotADirectory)
	}
	if existing, ok := dstParent.children[dstName]; ok {
		switch {
		case existing.kind == remote.KindDir && n.kind == remote.KindFile:
			return fmt.Errorf("rename to %s: %w", to, remote.ErrIsDirectory)
		case existing.kind == remote.KindFile && n.kind == remote.KindDir:
			return fmt.Errorf("rename to %s: %w", to, remote.ErrNotADirectory)
		case existing.kind == remote.KindDir && len(existing.children) > 0:
			return fmt.Errorf("rename to %s: %w", to, remote.ErrNotEmpty)
		}
	}

	delete(srcParent.children, srcName)
	dstParent.children[dstName] = n
	n.mtime = s.now()
	return nil
}

// enter counts the call and runs its fault hook. Must be called with lock held.
func (s *Store) enter(ctx context.Context, op Op) error {
	s.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if fn := s.faults[op]; fn != nil {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) nextID() string {
	s.seq++
	return fmt.Sprintf("%040x", s.seq)
}

func (s *Store) find(p string) (*node, error) {
	n := s.root
	for _, seg := range tree.Segments(p) {
		if n.kind != remote.KindDir {
			return nil, fmt.Errorf("resolve %s: %w", p, remote.ErrNotADirectory)
		}
		child, ok := n.children[seg]
		if !ok {
			return nil, fmt.Errorf("resolve %s: %w", p, remote.ErrNotFound)
		}
		n = child
	}
	return n, nil
}

func (s *Store) file(p string) (*node, error) {
	n, err := s.find(p)
	if err != nil {
		return nil, err
	}
	if n.kind != remote.KindFile {
		return nil, fmt.Errorf("read %s: %w", p, remote.ErrIsDirectory)
	}
	return n, nil
}

func (s *Store) mkdirAll(p string) *node {
	n := s.root
	for _, seg := range tree.Segments(p) {
		child, ok := n.children[seg]
		if !ok || child.kind != remote.KindDir {
			child = &node{kind: remote.KindDir, id: s.nextID(), mtime: s.now(), children: make(map[string]*node)}
			n.children[seg] = child
		}
		n = child
	}
	return n
}

func (n *node) entry(name string) remote.Entry {
	e := remote.Entry{Name: name, ID: n.id, Kind: n.kind, MTime: n.mtime}
	if n.kind == remote.KindFile {
		e.Size = int64(len(n.content))
	}
	return e
}
