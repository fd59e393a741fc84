// Package namespace maps kernel inode numbers to remote paths and caches
// directory listings and attributes with a fixed TTL.
//
// Every entry has a local ID allocated from a counter that never repeats
// within a mount. Directory listings are replaced wholesale on refresh;
// local mutations (create, mkdir, unlink, rename, commit) update the table
// write-through so a fresh listing is authoritative until it expires.
package namespace

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/dongsupark/seafile-fuse-client/internal/logging"
	"github.com/dongsupark/seafile-fuse-client/internal/metrics"
	"github.com/dongsupark/seafile-fuse-client/pkg/remote"
	"github.com/dongsupark/seafile-fuse-client/pkg/retry"
	"github.com/dongsupark/seafile-fuse-client/pkg/tree"
)

// ID is a local inode number.
type ID uint64

// RootID is the local ID of the library root.
const RootID ID = 1

// Entry is a snapshot of one inode.
type Entry struct {
	ID       ID
	RemoteID string // empty until the first commit
	Parent   ID
	Name     string
	Kind     remote.Kind
	Size     int64
	MTime    time.Time

	// LocalOnly entries exist only in this mount so far.
	LocalOnly bool
	// Stale is set when the data was served after a failed refresh.
	Stale bool
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool {
	return e.Kind == remote.KindDir
}

type inode struct {
	id        ID
	remoteID  string
	parent    ID
	name      string
	kind      remote.Kind
	size      int64
	mtime     time.Time
	expiry    time.Time
	lookups   uint64
	pins      int
	localOnly bool
	detached  bool // no longer reachable by name
	modSeq    uint64
	listing   *listing
}

type listing struct {
	children map[string]ID
	expiry   time.Time
	stale    bool
	// removed records names deleted locally, by mutation sequence, so an
	// in-flight refresh that started earlier cannot resurrect them.
	removed map[string]uint64
}

// Options configures a Table.
type Options struct {
	TTL   time.Duration
	Clock clockwork.Clock
	Retry retry.Config
}

// Table is the inode table and attribute/directory cache of one mount.
type Table struct {
	store remote.Store
	ttl   time.Duration
	clock clockwork.Clock
	retry retry.Config

	mu    sync.RWMutex
	nodes map[ID]*inode
	next  ID
	seq   uint64

	refreshes singleflight.Group
}

// New returns a table containing only the root directory.
func New(store remote.Store, opts Options) *Table {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfig()
	}
	t := &Table{
		store: store,
		ttl:   opts.TTL,
		clock: opts.Clock,
		retry: opts.Retry,
		nodes: make(map[ID]*inode),
		next:  RootID + 1,
	}
	t.nodes[RootID] = &inode{
		id:      RootID,
		kind:    remote.KindDir,
		mtime:   t.clock.Now(),
		lookups: 1,
	}
	return t
}

// Get returns the cached entry for id without contacting the remote.
func (t *Table) Get(id ID) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := t.nodes[id]
	if n == nil {
		return Entry{}, false
	}
	return t.snapshot(n), true
}

// Len returns the number of inodes in the table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// Path returns the remote path of id.
func (t *Table) Path(id ID) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pathLocked(id)
}

func (t *Table) pathLocked(id ID) (string, error) {
	var names []string
	for id != RootID {
		n := t.nodes[id]
		if n == nil || n.detached {
			return "", fmt.Errorf("inode %d: %w", id, remote.ErrNotFound)
		}
		names = append(names, n.name)
		id = n.parent
	}
	p := tree.Root
	for i := len(names) - 1; i >= 0; i-- {
		p = tree.BuildChildPath(p, names[i])
	}
	return p, nil
}

// GetAttributes returns the attributes of id, refreshing the parent listing
// first if they have expired.
func (t *Table) GetAttributes(ctx context.Context, id ID) (Entry, error) {
	t.mu.RLock()
	n := t.nodes[id]
	if n == nil {
		t.mu.RUnlock()
		return Entry{}, fmt.Errorf("inode %d: %w", id, remote.ErrNotFound)
	}
	if n.detached && n.pins == 0 {
		t.mu.RUnlock()
		return Entry{}, fmt.Errorf("inode %d: %w", id, remote.ErrNotFound)
	}
	if id == RootID || n.localOnly || n.detached || t.clock.Now().Before(n.expiry) {
		e := t.snapshot(n)
		t.mu.RUnlock()
		metrics.RecordCacheLookup("attr", "hit")
		return e, nil
	}
	parent := n.parent
	t.mu.RUnlock()

	metrics.RecordCacheLookup("attr", "miss")
	refreshErr := t.refresh(ctx, parent)

	t.mu.RLock()
	defer t.mu.RUnlock()
	n = t.nodes[id]
	if n == nil || n.detached && n.pins == 0 {
		return Entry{}, fmt.Errorf("inode %d: %w", id, remote.ErrNotFound)
	}
	e := t.snapshot(n)
	if refreshErr != nil {
		if n.detached || !t.listed(n) {
			return Entry{}, refreshErr
		}
		metrics.RecordCacheLookup("attr", "stale")
		e.Stale = true
	}
	return e, nil
}

// ListDirectory returns the children of dir ordered by name.
func (t *Table) ListDirectory(ctx context.Context, dir ID) ([]Entry, error) {
	t.mu.RLock()
	d := t.nodes[dir]
	if d == nil {
		t.mu.RUnlock()
		return nil, fmt.Errorf("inode %d: %w", dir, remote.ErrNotFound)
	}
	if d.kind != remote.KindDir {
		t.mu.RUnlock()
		return nil, fmt.Errorf("inode %d: %w", dir, remote.ErrNotADirectory)
	}
	if t.fresh(d) {
		entries := t.children(d)
		t.mu.RUnlock()
		metrics.RecordCacheLookup("listing", "hit")
		return entries, nil
	}
	t.mu.RUnlock()

	metrics.RecordCacheLookup("listing", "miss")
	if err := t.refresh(ctx, dir); err != nil {
		t.mu.RLock()
		defer t.mu.RUnlock()
		if d = t.nodes[dir]; d == nil || d.listing == nil {
			return nil, err
		}
		metrics.RecordCacheLookup("listing", "stale")
		return t.children(d), nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if d = t.nodes[dir]; d == nil || d.listing == nil {
		return nil, fmt.Errorf("inode %d: %w", dir, remote.ErrNotFound)
	}
	return t.children(d), nil
}

// Resolve finds name in parent. A fresh listing answers without a remote
// call, including negative answers; otherwise the listing is refreshed and
// the lookup retried once.
func (t *Table) Resolve(ctx context.Context, parent ID, name string) (Entry, error) {
	t.mu.RLock()
	p := t.nodes[parent]
	if p == nil {
		t.mu.RUnlock()
		return Entry{}, fmt.Errorf("inode %d: %w", parent, remote.ErrNotFound)
	}
	if p.kind != remote.KindDir {
		t.mu.RUnlock()
		return Entry{}, fmt.Errorf("lookup %s in inode %d: %w", name, parent, remote.ErrNotADirectory)
	}
	if t.fresh(p) {
		e, err := t.child(p, name)
		t.mu.RUnlock()
		return e, err
	}
	t.mu.RUnlock()

	refreshErr := t.refresh(ctx, parent)

	t.mu.RLock()
	defer t.mu.RUnlock()
	if p = t.nodes[parent]; p == nil {
		return Entry{}, fmt.Errorf("inode %d: %w", parent, remote.ErrNotFound)
	}
	if refreshErr != nil && p.listing == nil {
		return Entry{}, refreshErr
	}
	return t.child(p, name)
}

// Lookup resolves name and takes one kernel reference on the result. A
// concurrent Forget may evict the entry between resolving and referencing
// it; the eviction expires the parent listing, so resolving again refreshes.
func (t *Table) Lookup(ctx context.Context, parent ID, name string) (Entry, error) {
	for attempt := 0; attempt < 2; attempt++ {
		e, err := t.Resolve(ctx, parent, name)
		if err != nil {
			return Entry{}, err
		}
		if ref, ok := t.reference(parent, name, e.ID); ok {
			return ref, nil
		}
	}
	return Entry{}, fmt.Errorf("lookup %s: %w", name, remote.ErrNotFound)
}

// reference takes a kernel reference on id if parent still lists it as name.
func (t *Table) reference(parent ID, name string, id ID) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, n := t.nodes[parent], t.nodes[id]
	if p == nil || p.listing == nil || p.listing.children[name] != id || n == nil || n.detached {
		return Entry{}, false
	}
	n.lookups++
	return t.snapshot(n), true
}

// ResolvePath walks p from the root one segment at a time. Path-based
// back ends use it; it takes no kernel references.
func (t *Table) ResolvePath(ctx context.Context, p string) (Entry, error) {
	t.mu.RLock()
	cur := t.snapshot(t.nodes[RootID])
	t.mu.RUnlock()

	for _, seg := range tree.Segments(p) {
		if !cur.IsDir() {
			return Entry{}, fmt.Errorf("resolve %s: %w", p, remote.ErrNotADirectory)
		}
		e, err := t.Resolve(ctx, cur.ID, seg)
		if err != nil {
			return Entry{}, err
		}
		cur = e
	}
	return cur, nil
}

// Forget drops n kernel references. An entry with no references and no
// open session is evicted, and its parent listing is expired so the next
// access refreshes it.
func (t *Table) Forget(id ID, n uint64) {
	if id == RootID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.nodes[id]
	if node == nil {
		return
	}
	if n > node.lookups {
		n = node.lookups
	}
	node.lookups -= n
	if node.lookups == 0 && node.pins == 0 {
		t.evictLocked(node)
	}
	metrics.SetInodes(len(t.nodes))
}

// Pin marks id as held by an open session so it survives eviction.
func (t *Table) Pin(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := t.nodes[id]; n != nil {
		n.pins++
	}
}

// Unpin releases a session hold taken with Pin.
func (t *Table) Unpin(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.nodes[id]
	if n == nil || n.pins == 0 {
		return
	}
	n.pins--
	if n.pins == 0 && n.lookups == 0 && n.detached {
		delete(t.nodes, id)
	}
}

// Allocate creates a local-only entry for name in parent, pending a remote
// commit (files) or already created remotely (see Attach for directories).
// The result carries one kernel reference.
func (t *Table) Allocate(ctx context.Context, parent ID, name string, kind remote.Kind) (Entry, error) {
	if !tree.ValidName(name) {
		return Entry{}, fmt.Errorf("%q: %w", name, remote.ErrInvalidName)
	}
	if _, err := t.Resolve(ctx, parent, name); err == nil {
		return Entry{}, fmt.Errorf("create %s: %w", name, remote.ErrAlreadyExists)
	} else if !errors.Is(err, remote.ErrNotFound) {
		return Entry{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.nodes[parent]
	if p == nil || p.detached && parent != RootID {
		return Entry{}, fmt.Errorf("inode %d: %w", parent, remote.ErrNotFound)
	}
	if p.listing == nil {
		return Entry{}, fmt.Errorf("create %s: parent listing unavailable: %w", name, remote.ErrNetwork)
	}
	if _, ok := p.listing.children[name]; ok {
		return Entry{}, fmt.Errorf("create %s: %w", name, remote.ErrAlreadyExists)
	}

	t.seq++
	n := t.newInode(parent, name, kind)
	n.modSeq = t.seq
	n.localOnly = true
	n.lookups = 1
	n.mtime = t.clock.Now()
	if kind == remote.KindDir {
		n.listing = &listing{children: make(map[string]ID), expiry: t.clock.Now().Add(t.ttl)}
	}
	p.listing.children[name] = n.id
	delete(p.listing.removed, name)
	p.mtime = n.mtime
	metrics.SetInodes(len(t.nodes))
	return t.snapshot(n), nil
}

// Attach records a directory the remote has just created and returns it
// with one kernel reference.
func (t *Table) Attach(ctx context.Context, parent ID, e remote.Entry) (Entry, error) {
	if _, err := t.Resolve(ctx, parent, e.Name); err != nil && !errors.Is(err, remote.ErrNotFound) {
		return Entry{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.nodes[parent]
	if p == nil || p.listing == nil {
		return Entry{}, fmt.Errorf("inode %d: %w", parent, remote.ErrNotFound)
	}
	if id, ok := p.listing.children[e.Name]; ok {
		if n := t.nodes[id]; n != nil && n.kind == e.Kind {
			t.updateLocked(n, e)
			n.lookups++
			return t.snapshot(n), nil
		}
		t.detachLocked(t.nodes[id])
	}

	t.seq++
	n := t.newInode(parent, e.Name, e.Kind)
	t.updateLocked(n, e)
	n.modSeq = t.seq
	n.lookups = 1
	if e.Kind == remote.KindDir {
		n.listing = &listing{children: make(map[string]ID), expiry: t.clock.Now().Add(t.ttl)}
	}
	p.listing.children[e.Name] = n.id
	delete(p.listing.removed, e.Name)
	p.mtime = t.clock.Now()
	metrics.SetInodes(len(t.nodes))
	return t.snapshot(n), nil
}

// Committed records a successful commit of id.
func (t *Table) Committed(id ID, remoteID string, size int64, mtime time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.nodes[id]
	if n == nil {
		return
	}
	t.seq++
	n.modSeq = t.seq
	n.remoteID = remoteID
	n.size = size
	n.mtime = mtime
	n.localOnly = false
	n.expiry = t.clock.Now().Add(t.ttl)
}

// Remove unlinks name from parent and returns the removed entry. The inode
// stays addressable by ID while the kernel or a session still holds it.
func (t *Table) Remove(parent ID, name string) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.nodes[parent]
	if p == nil || p.listing == nil {
		return Entry{}, fmt.Errorf("remove %s: %w", name, remote.ErrNotFound)
	}
	id, ok := p.listing.children[name]
	if !ok {
		return Entry{}, fmt.Errorf("remove %s: %w", name, remote.ErrNotFound)
	}
	n := t.nodes[id]
	e := t.snapshot(n)
	t.detachLocked(n)
	p.mtime = t.clock.Now()
	metrics.SetInodes(len(t.nodes))
	return e, nil
}

// Rename moves oldName in oldParent to newName in newParent. An entry
// previously at the destination is detached and returned.
func (t *Table) Rename(oldParent ID, oldName string, newParent ID, newName string) (displaced *Entry, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, np := t.nodes[oldParent], t.nodes[newParent]
	if op == nil || op.listing == nil || np == nil || np.listing == nil {
		return nil, fmt.Errorf("rename %s: %w", oldName, remote.ErrNotFound)
	}
	id, ok := op.listing.children[oldName]
	if !ok {
		return nil, fmt.Errorf("rename %s: %w", oldName, remote.ErrNotFound)
	}
	n := t.nodes[id]

	if oldID, ok := np.listing.children[newName]; ok && oldID != id {
		e := t.snapshot(t.nodes[oldID])
		displaced = &e
		t.detachLocked(t.nodes[oldID])
	}

	t.seq++
	delete(op.listing.children, oldName)
	op.listing.removed = tombstone(op.listing.removed, oldName, t.seq)
	np.listing.children[newName] = id
	delete(np.listing.removed, newName)
	n.parent = newParent
	n.name = newName
	n.modSeq = t.seq
	now := t.clock.Now()
	op.mtime, np.mtime = now, now
	return displaced, nil
}

// Invalidate expires the cached attributes of id and, for directories, its
// listing.
func (t *Table) Invalidate(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.nodes[id]
	if n == nil {
		return
	}
	n.expiry = time.Time{}
	if n.listing != nil {
		n.listing.expiry = time.Time{}
	}
}

// refresh lists dir from the remote and applies the result. Concurrent
// refreshes of one directory share a single remote call.
func (t *Table) refresh(ctx context.Context, dir ID) error {
	_, err, _ := t.refreshes.Do(strconv.FormatUint(uint64(dir), 10), func() (interface{}, error) {
		t.mu.RLock()
		p, err := t.pathLocked(dir)
		startSeq := t.seq
		t.mu.RUnlock()
		if err != nil {
			return nil, err
		}

		start := t.clock.Now()
		entries, err := retry.DoWithResult(ctx, t.retry, func() ([]remote.Entry, error) {
			return t.store.ListDirectory(ctx, p)
		})
		metrics.RecordDirectoryRefresh(t.clock.Since(start))
		if err != nil {
			t.markStale(dir)
			logging.Warn("directory refresh failed",
				logging.String("path", p), logging.Err(err))
			return nil, fmt.Errorf("list %s: %w", p, err)
		}

		t.apply(dir, entries, startSeq)
		logging.Debug("directory refreshed",
			logging.String("path", p), logging.Int("entries", len(entries)))
		return nil, nil
	})
	return err
}

func (t *Table) markStale(dir ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d := t.nodes[dir]; d != nil && d.listing != nil {
		d.listing.stale = true
	}
}

// apply replaces the listing of dir with entries fetched after mutation
// sequence startSeq.
func (t *Table) apply(dir ID, entries []remote.Entry, startSeq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := t.nodes[dir]
	if d == nil || d.kind != remote.KindDir || (d.detached && dir != RootID) {
		return
	}
	old := d.listing
	if old == nil {
		old = &listing{children: make(map[string]ID)}
	}

	now := t.clock.Now()
	next := &listing{children: make(map[string]ID, len(entries)), expiry: now.Add(t.ttl)}
	for name, seq := range old.removed {
		if seq > startSeq {
			next.removed = tombstone(next.removed, name, seq)
		}
	}

	for _, e := range entries {
		if next.removed[e.Name] > 0 {
			continue
		}
		if id, ok := old.children[e.Name]; ok {
			n := t.nodes[id]
			if n != nil && n.modSeq > startSeq {
				next.children[e.Name] = id
				continue
			}
			if n != nil && n.kind == e.Kind {
				t.updateLocked(n, e)
				next.children[e.Name] = id
				continue
			}
			// Kind changed remotely: the old inode is gone.
			if n != nil {
				t.dropLocked(n)
			}
		}
		n := t.newInode(dir, e.Name, e.Kind)
		t.updateLocked(n, e)
		next.children[e.Name] = n.id
	}

	for name, id := range old.children {
		if _, ok := next.children[name]; ok {
			continue
		}
		n := t.nodes[id]
		if n == nil {
			continue
		}
		if n.localOnly || n.modSeq > startSeq {
			next.children[name] = id
			continue
		}
		if next.removed[name] > 0 {
			continue
		}
		if n.pins > 0 {
			// Deleted remotely while open here; the next flush recreates it.
			next.children[name] = id
			continue
		}
		t.dropLocked(n)
	}

	d.listing = next
	metrics.SetInodes(len(t.nodes))
}

// updateLocked copies remote attributes into n.
func (t *Table) updateLocked(n *inode, e remote.Entry) {
	n.remoteID = e.ID
	n.size = e.Size
	n.mtime = e.MTime
	n.localOnly = false
	n.expiry = t.clock.Now().Add(t.ttl)
}

func (t *Table) newInode(parent ID, name string, kind remote.Kind) *inode {
	n := &inode{id: t.next, parent: parent, name: name, kind: kind}
	t.next++
	t.nodes[n.id] = n
	return n
}

// detachLocked removes n from its parent listing after a local mutation.
func (t *Table) detachLocked(n *inode) {
	if n == nil {
		return
	}
	t.seq++
	if p := t.nodes[n.parent]; p != nil && p.listing != nil {
		if p.listing.children[n.name] == n.id {
			delete(p.listing.children, n.name)
		}
		p.listing.removed = tombstone(p.listing.removed, n.name, t.seq)
	}
	t.dropLocked(n)
}

// dropLocked makes n unreachable by name and deletes it unless the kernel or
// a session still refers to it. Directory subtrees without references go
// with it.
func (t *Table) dropLocked(n *inode) {
	n.detached = true
	if n.listing != nil {
		for _, cid := range n.listing.children {
			if c := t.nodes[cid]; c != nil {
				t.dropLocked(c)
			}
		}
		n.listing = nil
	}
	if n.lookups == 0 && n.pins == 0 {
		delete(t.nodes, n.id)
	}
}

// evictLocked removes an unreferenced inode and expires its parent listing.
func (t *Table) evictLocked(n *inode) {
	if p := t.nodes[n.parent]; p != nil && p.listing != nil && !n.detached {
		if p.listing.children[n.name] == n.id {
			delete(p.listing.children, n.name)
			p.listing.expiry = time.Time{}
		}
	}
	t.dropLocked(n)
}

func (t *Table) fresh(d *inode) bool {
	return d.listing != nil && !d.listing.stale && t.clock.Now().Before(d.listing.expiry)
}

// listed reports whether n is still present in its parent listing.
func (t *Table) listed(n *inode) bool {
	p := t.nodes[n.parent]
	return p != nil && p.listing != nil && p.listing.children[n.name] == n.id
}

func (t *Table) child(p *inode, name string) (Entry, error) {
	id, ok := p.listing.children[name]
	if !ok {
		return Entry{}, fmt.Errorf("lookup %s: %w", name, remote.ErrNotFound)
	}
	n := t.nodes[id]
	if n == nil {
		return Entry{}, fmt.Errorf("lookup %s: %w", name, remote.ErrNotFound)
	}
	return t.snapshot(n), nil
}

func (t *Table) children(d *inode) []Entry {
	entries := make([]Entry, 0, len(d.listing.children))
	for _, id := range d.listing.children {
		if n := t.nodes[id]; n != nil {
			entries = append(entries, t.snapshot(n))
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

func (t *Table) snapshot(n *inode) Entry {
	e := Entry{
		ID:        n.id,
		RemoteID:  n.remoteID,
		Parent:    n.parent,
		Name:      n.name,
		Kind:      n.kind,
		Size:      n.size,
		MTime:     n.mtime,
		LocalOnly: n.localOnly,
	}
	if p := t.nodes[n.parent]; p != nil && p.listing != nil && p.listing.stale && !n.localOnly {
		e.Stale = true
	}
	return e
}

func tombstone(m map[string]uint64, name string, seq uint64) map[string]uint64 {
	if m == nil {
		m = make(map[string]uint64)
	}
	m[name] = seq
	return m
}
