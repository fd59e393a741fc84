// Package core binds the inode table, open file sessions, the commit
// pipeline and the content cache into one filesystem that kernel back ends
// drive by local inode number.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dongsupark/seafile-fuse-client/internal/logging"
	"github.com/dongsupark/seafile-fuse-client/internal/metrics"
	"github.com/dongsupark/seafile-fuse-client/pkg/cache"
	"github.com/dongsupark/seafile-fuse-client/pkg/commit"
	"github.com/dongsupark/seafile-fuse-client/pkg/namespace"
	"github.com/dongsupark/seafile-fuse-client/pkg/remote"
	"github.com/dongsupark/seafile-fuse-client/pkg/session"
)

// Options configures a Core.
type Options struct {
	// Workers bounds the operations running against the remote at once.
	Workers int
	// RequestTimeout bounds one kernel request that does not commit.
	RequestTimeout time.Duration
	// CommitTimeout bounds requests that may commit content.
	CommitTimeout time.Duration

	Namespace namespace.Options
	Session   session.Options
	Commit    commit.Options
}

// DefaultOptions returns the defaults used by the CLI.
func DefaultOptions() Options {
	return Options{
		Workers:        16,
		RequestTimeout: 30 * time.Second,
		CommitTimeout:  10 * time.Minute,
		Commit:         commit.DefaultOptions(),
	}
}

// Core is a mounted filesystem.
type Core struct {
	store    remote.Store
	table    *namespace.Table
	sessions *session.Manager
	pipeline *commit.Pipeline
	cache    *cache.Cache
	opts     Options
	workers  *semaphore.Weighted
}

// New builds a filesystem over store. Options.Session.Cache, if set, is the
// content cache.
func New(store remote.Store, opts Options) *Core {
	def := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = def.CommitTimeout
	}

	table := namespace.New(store, opts.Namespace)
	pipeline := commit.New(store, opts.Commit)
	return &Core{
		store:    store,
		table:    table,
		sessions: session.NewManager(table, store, pipeline, opts.Session),
		pipeline: pipeline,
		cache:    opts.Session.Cache,
		opts:     opts,
		workers:  semaphore.NewWeighted(int64(opts.Workers)),
	}
}

// Table returns the inode table.
func (c *Core) Table() *namespace.Table {
	return c.table
}

// Sessions returns the open file session manager.
func (c *Core) Sessions() *session.Manager {
	return c.sessions
}

// Stats summarizes the state of the mount.
type Stats struct {
	Inodes        int
	OpenSessions  int
	DirtySessions int
	CacheBytes    int64
	CacheMaxBytes int64
	CacheFiles    int
}

// Stats returns a snapshot of the mount state.
func (c *Core) Stats() Stats {
	st := Stats{Inodes: c.table.Len()}
	st.OpenSessions, st.DirtySessions = c.sessions.Counts()
	if c.cache != nil {
		st.CacheBytes, st.CacheMaxBytes, st.CacheFiles = c.cache.Stats()
	}
	return st
}

// Shutdown commits every dirty session. Failures are logged and returned
// joined; the remaining sessions are still attempted.
func (c *Core) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CommitTimeout)
	defer cancel()

	_, dirty := c.sessions.Counts()
	logging.Info("flushing dirty sessions", logging.Int("dirty", dirty))
	err := c.sessions.FlushAll(ctx)
	if err != nil {
		logging.Error("unflushed changes at shutdown", logging.Err(err))
	}
	return err
}

// run executes fn on the worker pool under a context detached from the
// kernel request and bounded by timeout. If ctx is cancelled first, the
// caller gets ErrInterrupted while fn runs to completion in the
// background; a successful abandoned result is passed to cleanup.
func run[T any](c *Core, ctx context.Context, op string, timeout time.Duration, cleanup func(T), fn func(context.Context) (T, error)) (T, error) {
	var zero T
	start := time.Now()
	if err := c.workers.Acquire(ctx, 1); err != nil {
		metrics.RecordFuseOp(op, "interrupted", time.Since(start))
		return zero, fmt.Errorf("%s: %w", op, remote.ErrInterrupted)
	}

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	var (
		mu        sync.Mutex
		finished  bool
		abandoned bool
	)

	go func() {
		defer c.workers.Release(1)
		rctx, cancel := context.WithTimeout(logging.ForOp(context.WithoutCancel(ctx), op), timeout)
		defer cancel()
		val, err := fn(rctx)

		mu.Lock()
		if abandoned {
			mu.Unlock()
			logging.WithContext(rctx).Debug("abandoned operation finished", logging.Err(err))
			if err == nil && cleanup != nil {
				cleanup(val)
			}
			return
		}
		finished = true
		mu.Unlock()
		done <- result{val, err}
	}()

	select {
	case r := <-done:
		metrics.RecordFuseOp(op, outcome(r.err), time.Since(start))
		return r.val, r.err
	case <-ctx.Done():
		mu.Lock()
		if finished {
			mu.Unlock()
			r := <-done
			metrics.RecordFuseOp(op, outcome(r.err), time.Since(start))
			return r.val, r.err
		}
		abandoned = true
		mu.Unlock()
		metrics.RecordAbandonedOp(op)
		metrics.RecordFuseOp(op, "interrupted", time.Since(start))
		return zero, fmt.Errorf("%s: %w", op, remote.ErrInterrupted)
	}
}

// exec is run for operations without a result.
func exec(c *Core, ctx context.Context, op string, timeout time.Duration, fn func(context.Context) error) error {
	_, err := run(c, ctx, op, timeout, nil, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, remote.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
