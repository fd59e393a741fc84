// Package commit turns a file's buffered content into a new remote version:
// split into content-defined blocks, upload the blocks the remote lacks,
// then register the version in one atomic call.
package commit

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/buildbuddy-io/fastcdc2020/fastcdc"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"

	"github.com/dongsupark/seafile-fuse-client/internal/logging"
	"github.com/dongsupark/seafile-fuse-client/internal/metrics"
	"github.com/dongsupark/seafile-fuse-client/pkg/remote"
	"github.com/dongsupark/seafile-fuse-client/pkg/retry"
	"github.com/dongsupark/seafile-fuse-client/pkg/tree"
)

// maxRebases is how many times a conflicting commit is retried against the
// reported remote version before it replaces the remote unconditionally.
const maxRebases = 1

// Options configures a Pipeline.
type Options struct {
	// BlockSize is the average block size. Blocks range from a quarter to
	// four times this size.
	BlockSize int
	// Parallelism bounds concurrent block uploads per commit.
	Parallelism int
	// BatchBytes bounds the payload of one upload request.
	BatchBytes int
	// KnownBlocks is how many block IDs to remember as already uploaded.
	KnownBlocks int
	Retry       retry.Config
}

// DefaultOptions returns the defaults used by the CLI.
func DefaultOptions() Options {
	return Options{
		BlockSize:   1 << 20,
		Parallelism: 4,
		BatchBytes:  8 << 20,
		KnownBlocks: 64 << 10,
		Retry: retry.Config{
			MaxAttempts: 5,
			InitialWait: 500 * time.Millisecond,
			MaxWait:     30 * time.Second,
			Multiplier:  2,
			Jitter:      0.1,
		},
	}
}

// Request describes one commit.
type Request struct {
	Dir     string
	Name    string
	Content []byte
	// Base is the remote version Content was derived from, "" for a file
	// that does not exist remotely yet.
	Base string
}

// Result describes a successful commit.
type Result struct {
	RemoteID string
	Size     int64
	Blocks   int
	Uploaded int
	Attempts int
	// Conflict is set when the remote had moved past Base and the commit
	// replaced that version.
	Conflict bool
}

// Pipeline commits file contents to a remote store.
type Pipeline struct {
	store remote.Store
	opts  Options
	known *lru.Cache // block id -> struct{}
}

// New returns a pipeline. Zero option fields take their defaults.
func New(store remote.Store, opts Options) *Pipeline {
	def := DefaultOptions()
	if opts.BlockSize <= 0 {
		opts.BlockSize = def.BlockSize
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = def.Parallelism
	}
	if opts.BatchBytes <= 0 {
		opts.BatchBytes = def.BatchBytes
	}
	if opts.KnownBlocks <= 0 {
		opts.KnownBlocks = def.KnownBlocks
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = def.Retry
	}
	known, _ := lru.New(opts.KnownBlocks)
	return &Pipeline{store: store, opts: opts, known: known}
}

// Split cuts content into content-defined blocks. Identical regions of
// different versions produce identical blocks, so an edit re-uploads only
// the blocks around it.
func (p *Pipeline) Split(content []byte) ([]remote.Block, error) {
	if len(content) == 0 {
		return nil, nil
	}
	if len(content) <= p.opts.BlockSize/4 {
		return []remote.Block{newBlock(content)}, nil
	}

	chunker, err := fastcdc.NewChunker(
		bytes.NewReader(content),
		p.opts.BlockSize,
		fastcdc.WithMinSize(p.opts.BlockSize/4),
		fastcdc.WithMaxSize(p.opts.BlockSize*4),
		// A fixed seed keeps block boundaries stable across mounts.
		fastcdc.WithSeed(0),
		fastcdc.WithNormalization(2),
	)
	if err != nil {
		return nil, fmt.Errorf("create chunker: %w", err)
	}

	var blocks []remote.Block
	for {
		chunk, err := chunker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("split content: %w", err)
		}
		blocks = append(blocks, newBlock(append([]byte(nil), chunk.Data...)))
	}
	return blocks, nil
}

// BlockID returns the id of a block: the hex SHA-1 of its content.
func BlockID(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

func newBlock(data []byte) remote.Block {
	return remote.Block{ID: BlockID(data), Data: data}
}

// Commit uploads req.Content and registers it as the new version of
// req.Dir/req.Name. A version conflict is resolved by last-writer-wins: the
// commit is repeated against the current remote version. Retryable failures
// are retried with backoff; once attempts are exhausted the error wraps
// remote.ErrCommitFailed and the remote keeps its previous version.
func (p *Pipeline) Commit(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	path := tree.BuildChildPath(req.Dir, req.Name)

	blocks, err := p.Split(req.Content)
	if err != nil {
		return Result{}, err
	}

	res := Result{Size: int64(len(req.Content)), Blocks: len(blocks)}
	base := req.Base

	log := logging.WithContext(ctx)
	cfg := p.opts.Retry
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Debug("retrying commit",
			logging.String("path", path), logging.Int("attempt", attempt),
			logging.Duration("wait", wait), logging.Err(err))
	}

	id, err := retry.DoWithResult(ctx, cfg, func() (string, error) {
		res.Attempts++
		refs, uploaded, err := p.upload(ctx, blocks)
		if err != nil {
			return "", err
		}
		res.Uploaded += uploaded

		id, err := p.store.CommitVersion(ctx, req.Dir, req.Name, refs, base)
		// Conflicts are absorbed here, without backoff or a retry attempt:
		// rebase once on the version the remote reported, then replace
		// whatever is current.
		for rebases := 0; err != nil && base != remote.AnyVersion; rebases++ {
			ce, ok := remote.AsConflict(err)
			if !ok {
				break
			}
			log.Warn("remote version changed, overwriting (last writer wins)",
				logging.String("path", path),
				logging.String("expected", ce.Expected),
				logging.String("current", ce.Current))
			res.Conflict = true
			base = ce.Current
			if rebases >= maxRebases {
				base = remote.AnyVersion
			}
			id, err = p.store.CommitVersion(ctx, req.Dir, req.Name, refs, base)
		}
		if errors.Is(err, remote.ErrNotFound) {
			// The remote may have dropped blocks we assumed it holds.
			p.Forget()
		}
		return id, err
	})
	if err != nil {
		metrics.RecordCommit("failed", time.Since(start))
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return Result{}, fmt.Errorf("commit %s: %w", path, err)
		}
		if retry.IsRetryable(err) {
			return Result{}, fmt.Errorf("%w: %s after %d attempts: %w", remote.ErrCommitFailed, path, res.Attempts, err)
		}
		return Result{}, fmt.Errorf("commit %s: %w", path, err)
	}

	res.RemoteID = id
	result := "ok"
	if res.Conflict {
		result = "conflict"
	}
	metrics.RecordCommit(result, time.Since(start))
	log.Info("committed",
		logging.String("path", path),
		logging.String("id", id),
		logging.Int64("size", res.Size),
		logging.Int("blocks", res.Blocks),
		logging.Int("uploaded", res.Uploaded),
		logging.Bool("conflict", res.Conflict))
	return res, nil
}

// upload sends the blocks the remote does not hold and returns references
// for all of them in content order.
func (p *Pipeline) upload(ctx context.Context, blocks []remote.Block) ([]remote.BlockRef, int, error) {
	refs := make([]remote.BlockRef, len(blocks))
	seen := make(map[string]bool, len(blocks))
	var candidates []remote.Block
	for i, b := range blocks {
		refs[i] = remote.BlockRef{ID: b.ID, Size: int64(len(b.Data))}
		if seen[b.ID] || p.known.Contains(b.ID) {
			continue
		}
		seen[b.ID] = true
		candidates = append(candidates, b)
	}

	todo := candidates
	if checker, ok := p.store.(remote.BlockChecker); ok && len(candidates) > 0 {
		ids := make([]string, len(candidates))
		for i, b := range candidates {
			ids[i] = b.ID
		}
		missing, err := checker.MissingBlocks(ctx, ids)
		if err != nil {
			return nil, 0, err
		}
		need := make(map[string]bool, len(missing))
		for _, id := range missing {
			need[id] = true
		}
		todo = todo[:0:0]
		for _, b := range candidates {
			if need[b.ID] {
				todo = append(todo, b)
			} else {
				p.known.Add(b.ID, struct{}{})
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Parallelism)
	var uploadedBytes int64
	for _, batch := range p.batches(todo) {
		batch := batch
		for _, b := range batch {
			uploadedBytes += int64(len(b.Data))
		}
		g.Go(func() error {
			if _, err := p.store.UploadBlocks(gctx, batch); err != nil {
				return err
			}
			for _, b := range batch {
				p.known.Add(b.ID, struct{}{})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	metrics.RecordBlocks(len(todo), len(blocks)-len(todo), uploadedBytes)
	return refs, len(todo), nil
}

func (p *Pipeline) batches(blocks []remote.Block) [][]remote.Block {
	var out [][]remote.Block
	var cur []remote.Block
	size := 0
	for _, b := range blocks {
		if len(cur) > 0 && size+len(b.Data) > p.opts.BatchBytes {
			out = append(out, cur)
			cur, size = nil, 0
		}
		cur = append(cur, b)
		size += len(b.Data)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// Forget drops the remembered block IDs.
func (p *Pipeline) Forget() {
	p.known.Purge()
}
