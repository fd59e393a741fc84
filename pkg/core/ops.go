package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"syscall"

	"github.com/dongsupark/seafile-fuse-client/internal/logging"
	"github.com/dongsupark/seafile-fuse-client/pkg/namespace"
	"github.com/dongsupark/seafile-fuse-client/pkg/remote"
	"github.com/dongsupark/seafile-fuse-client/pkg/session"
	"github.com/dongsupark/seafile-fuse-client/pkg/tree"
)

// Extended attributes exposed on every entry.
const (
	XattrRemoteID = "user.seafile.remote_id"
	XattrDirty    = "user.seafile.dirty"
	XattrStale    = "user.seafile.stale"
)

// XattrNames lists the extended attributes in the order back ends report them.
var XattrNames = []string{XattrRemoteID, XattrDirty, XattrStale}

// ErrNoAttr is returned for an unknown extended attribute.
var ErrNoAttr = errors.New("no such attribute")

// Created is the result of Create.
type Created struct {
	Entry  namespace.Entry
	Handle *session.Handle
}

// Lookup resolves name in parent and takes one kernel reference on it.
func (c *Core) Lookup(ctx context.Context, parent namespace.ID, name string) (namespace.Entry, error) {
	return run(c, ctx, "lookup", c.opts.RequestTimeout, c.forgetOne, func(ctx context.Context) (namespace.Entry, error) {
		e, err := c.table.Lookup(ctx, parent, name)
		if err != nil {
			return e, err
		}
		return c.overlay(e), nil
	})
}

// Forget drops n kernel references on id.
func (c *Core) Forget(id namespace.ID, n uint64) {
	c.table.Forget(id, n)
}

// GetAttr returns the attributes of id. The size of an open file is the
// size of its session content.
func (c *Core) GetAttr(ctx context.Context, id namespace.ID) (namespace.Entry, error) {
	return run(c, ctx, "getattr", c.opts.RequestTimeout, nil, func(ctx context.Context) (namespace.Entry, error) {
		e, err := c.table.GetAttributes(ctx, id)
		if err != nil {
			return e, err
		}
		return c.overlay(e), nil
	})
}

// ReadDir lists the directory id.
func (c *Core) ReadDir(ctx context.Context, id namespace.ID) ([]namespace.Entry, error) {
	return run(c, ctx, "readdir", c.opts.RequestTimeout, nil, func(ctx context.Context) ([]namespace.Entry, error) {
		entries, err := c.table.ListDirectory(ctx, id)
		if err != nil {
			return nil, err
		}
		for i := range entries {
			entries[i] = c.overlay(entries[i])
		}
		return entries, nil
	})
}

// ResolvePath resolves an absolute path without taking kernel references.
func (c *Core) ResolvePath(ctx context.Context, p string) (namespace.Entry, error) {
	return run(c, ctx, "resolve", c.opts.RequestTimeout, nil, func(ctx context.Context) (namespace.Entry, error) {
		e, err := c.table.ResolvePath(ctx, p)
		if err != nil {
			return e, err
		}
		return c.overlay(e), nil
	})
}

// Open opens id with open(2) flags.
func (c *Core) Open(ctx context.Context, id namespace.ID, flags uint32) (*session.Handle, error) {
	mode := session.ModeFromFlags(flags)
	truncate := flags&syscall.O_TRUNC != 0
	return run(c, ctx, "open", c.opts.RequestTimeout, c.releaseAbandoned, func(ctx context.Context) (*session.Handle, error) {
		return c.sessions.Open(ctx, id, mode, truncate)
	})
}

// Create creates and opens an empty file. It exists remotely once the
// first flush commits it.
func (c *Core) Create(ctx context.Context, parent namespace.ID, name string, flags uint32) (Created, error) {
	mode := session.ModeFromFlags(flags)
	cleanup := func(cr Created) {
		c.releaseAbandoned(cr.Handle)
		c.forgetOne(cr.Entry)
	}
	return run(c, ctx, "create", c.opts.RequestTimeout, cleanup, func(ctx context.Context) (Created, error) {
		e, err := c.table.Allocate(ctx, parent, name, remote.KindFile)
		if err != nil {
			return Created{}, err
		}
		logging.WithContext(ctx).Debug("created local file", logging.String("name", name), logging.Uint64("ino", uint64(e.ID)))
		return Created{Entry: e, Handle: c.sessions.Create(e.ID, mode)}, nil
	})
}

// Read reads up to n bytes at off.
func (c *Core) Read(ctx context.Context, h *session.Handle, off int64, n int) ([]byte, error) {
	return run(c, ctx, "read", c.opts.RequestTimeout, nil, func(ctx context.Context) ([]byte, error) {
		return c.sessions.Read(ctx, h, off, n)
	})
}

// Write writes data at off.
func (c *Core) Write(ctx context.Context, h *session.Handle, off int64, data []byte) (int, error) {
	return run(c, ctx, "write", c.opts.RequestTimeout, nil, func(ctx context.Context) (int, error) {
		return c.sessions.Write(ctx, h, off, data)
	})
}

// Flush commits the session behind h if it has changes.
func (c *Core) Flush(ctx context.Context, h *session.Handle) error {
	return exec(c, ctx, "flush", c.opts.CommitTimeout, func(ctx context.Context) error {
		return c.sessions.Flush(ctx, h)
	})
}

// Fsync is Flush; content is durable once the remote holds it.
func (c *Core) Fsync(ctx context.Context, h *session.Handle) error {
	return exec(c, ctx, "fsync", c.opts.CommitTimeout, func(ctx context.Context) error {
		return c.sessions.Flush(ctx, h)
	})
}

// Release closes h, committing pending changes on the last close.
func (c *Core) Release(ctx context.Context, h *session.Handle) error {
	return exec(c, ctx, "release", c.opts.CommitTimeout, func(ctx context.Context) error {
		return c.sessions.Release(ctx, h)
	})
}

// Truncate sets the length of id. Without a handle a temporary one is
// opened, so the new length is committed before Truncate returns.
func (c *Core) Truncate(ctx context.Context, id namespace.ID, h *session.Handle, size int64) error {
	return exec(c, ctx, "truncate", c.opts.CommitTimeout, func(ctx context.Context) error {
		if h != nil {
			return c.sessions.Truncate(ctx, h, size)
		}
		tmp, err := c.sessions.Open(ctx, id, session.WriteOnly, false)
		if err != nil {
			return err
		}
		err = c.sessions.Truncate(ctx, tmp, size)
		if rerr := c.sessions.Release(ctx, tmp); err == nil {
			err = rerr
		}
		return err
	})
}

// Mkdir creates a directory remotely and records it.
func (c *Core) Mkdir(ctx context.Context, parent namespace.ID, name string) (namespace.Entry, error) {
	return run(c, ctx, "mkdir", c.opts.RequestTimeout, c.forgetOne, func(ctx context.Context) (namespace.Entry, error) {
		if !tree.ValidName(name) {
			return namespace.Entry{}, fmt.Errorf("%q: %w", name, remote.ErrInvalidName)
		}
		if _, err := c.table.Resolve(ctx, parent, name); err == nil {
			return namespace.Entry{}, fmt.Errorf("mkdir %s: %w", name, remote.ErrAlreadyExists)
		} else if !errors.Is(err, remote.ErrNotFound) {
			return namespace.Entry{}, err
		}

		dir, err := c.table.Path(parent)
		if err != nil {
			return namespace.Entry{}, err
		}
		p := tree.BuildChildPath(dir, name)
		re, err := c.store.Mkdir(ctx, p)
		if err != nil {
			return namespace.Entry{}, fmt.Errorf("mkdir %s: %w", p, err)
		}
		re.Name = name
		re.Kind = remote.KindDir
		return c.table.Attach(ctx, parent, re)
	})
}

// Unlink removes the file name from parent.
func (c *Core) Unlink(ctx context.Context, parent namespace.ID, name string) error {
	return exec(c, ctx, "unlink", c.opts.RequestTimeout, func(ctx context.Context) error {
		e, err := c.table.Resolve(ctx, parent, name)
		if err != nil {
			return err
		}
		if e.IsDir() {
			return fmt.Errorf("unlink %s: %w", name, remote.ErrIsDirectory)
		}
		if !e.LocalOnly {
			p, err := c.table.Path(e.ID)
			if err != nil {
				return err
			}
			if err := c.store.Delete(ctx, p, remote.KindFile); err != nil && !errors.Is(err, remote.ErrNotFound) {
				return fmt.Errorf("unlink %s: %w", p, err)
			}
		}
		if _, err := c.table.Remove(parent, name); err != nil {
			return err
		}
		c.sessions.MarkUnlinked(e.ID)
		return nil
	})
}

// Rmdir removes the empty directory name from parent.
func (c *Core) Rmdir(ctx context.Context, parent namespace.ID, name string) error {
	return exec(c, ctx, "rmdir", c.opts.RequestTimeout, func(ctx context.Context) error {
		e, err := c.table.Resolve(ctx, parent, name)
		if err != nil {
			return err
		}
		if !e.IsDir() {
			return fmt.Errorf("rmdir %s: %w", name, remote.ErrNotADirectory)
		}
		children, err := c.table.ListDirectory(ctx, e.ID)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return fmt.Errorf("rmdir %s: %w", name, remote.ErrNotEmpty)
		}

		p, err := c.table.Path(e.ID)
		if err != nil {
			return err
		}
		if err := c.store.Delete(ctx, p, remote.KindDir); err != nil && !errors.Is(err, remote.ErrNotFound) {
			return fmt.Errorf("rmdir %s: %w", p, err)
		}
		_, err = c.table.Remove(parent, name)
		return err
	})
}

// Rename moves oldName in oldParent to newName in newParent, replacing a
// compatible destination. A file that was never committed is flushed first
// so the remote has something to move.
func (c *Core) Rename(ctx context.Context, oldParent namespace.ID, oldName string, newParent namespace.ID, newName string) error {
	return exec(c, ctx, "rename", c.opts.CommitTimeout, func(ctx context.Context) error {
		if oldParent == newParent && oldName == newName {
			return nil
		}
		if !tree.ValidName(newName) {
			return fmt.Errorf("%q: %w", newName, remote.ErrInvalidName)
		}
		src, err := c.table.Resolve(ctx, oldParent, oldName)
		if err != nil {
			return err
		}

		if !src.IsDir() && src.LocalOnly {
			if err := c.sessions.FlushInode(ctx, src.ID); err != nil {
				return fmt.Errorf("rename %s: %w", oldName, err)
			}
			if e, ok := c.table.Get(src.ID); !ok || e.LocalOnly {
				return fmt.Errorf("rename %s: not committed: %w", oldName, remote.ErrNotFound)
			}
		}

		dst, err := c.table.Resolve(ctx, newParent, newName)
		switch {
		case errors.Is(err, remote.ErrNotFound):
		case err != nil:
			return err
		case dst.ID == src.ID:
			return nil
		case dst.IsDir() && !src.IsDir():
			return fmt.Errorf("rename to %s: %w", newName, remote.ErrIsDirectory)
		case !dst.IsDir() && src.IsDir():
			return fmt.Errorf("rename to %s: %w", newName, remote.ErrNotADirectory)
		case dst.IsDir():
			children, err := c.table.ListDirectory(ctx, dst.ID)
			if err != nil {
				return err
			}
			if len(children) > 0 {
				return fmt.Errorf("rename to %s: %w", newName, remote.ErrNotEmpty)
			}
		}

		from, err := c.table.Path(src.ID)
		if err != nil {
			return err
		}
		dir, err := c.table.Path(newParent)
		if err != nil {
			return err
		}
		to := tree.BuildChildPath(dir, newName)
		if dst.LocalOnly {
			// The destination only exists here; nothing to replace remotely.
			c.sessions.MarkUnlinked(dst.ID)
		}
		if err := c.store.Rename(ctx, from, to); err != nil {
			return fmt.Errorf("rename %s to %s: %w", from, to, err)
		}

		displaced, err := c.table.Rename(oldParent, oldName, newParent, newName)
		if err != nil {
			return err
		}
		if displaced != nil {
			c.sessions.MarkUnlinked(displaced.ID)
		}
		logging.WithContext(ctx).Debug("renamed", logging.String("from", from), logging.String("to", to))
		return nil
	})
}

// Xattr returns the value of the extended attribute name on id.
func (c *Core) Xattr(ctx context.Context, id namespace.ID, name string) (string, error) {
	return run(c, ctx, "getxattr", c.opts.RequestTimeout, nil, func(ctx context.Context) (string, error) {
		e, err := c.table.GetAttributes(ctx, id)
		if err != nil {
			return "", err
		}
		switch name {
		case XattrRemoteID:
			return e.RemoteID, nil
		case XattrDirty:
			state, _ := c.sessions.State(id)
			return strconv.FormatBool(state == session.Dirty), nil
		case XattrStale:
			return strconv.FormatBool(e.Stale), nil
		default:
			return "", fmt.Errorf("%s: %w", name, ErrNoAttr)
		}
	})
}

func (c *Core) overlay(e namespace.Entry) namespace.Entry {
	if e.IsDir() {
		return e
	}
	if size, ok := c.sessions.Size(e.ID); ok {
		e.Size = size
	}
	return e
}

// forgetOne returns the kernel reference of an abandoned lookup.
func (c *Core) forgetOne(e namespace.Entry) {
	c.table.Forget(e.ID, 1)
}

func (c *Core) releaseAbandoned(h *session.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.CommitTimeout)
	defer cancel()
	if err := c.sessions.Release(ctx, h); err != nil {
		logging.Warn("release of abandoned handle failed",
			logging.Uint64("ino", uint64(h.ID())), logging.Err(err))
	}
}
