package mount

import (
	"context"
	"sync"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/dongsupark/seafile-fuse-client/internal/logging"
	"github.com/dongsupark/seafile-fuse-client/pkg/core"
	"github.com/dongsupark/seafile-fuse-client/pkg/fuse"
)

// GoFuseBackend implements Backend with the in-process go-fuse server.
type GoFuseBackend struct {
	opts Options

	mu     sync.Mutex
	server *gofuse.Server
}

// NewGoFuseBackend creates a new go-fuse backend.
func NewGoFuseBackend(opts Options) *GoFuseBackend {
	return &GoFuseBackend{opts: opts}
}

func (b *GoFuseBackend) Name() string {
	return "gofuse"
}

func (b *GoFuseBackend) Start(ctx context.Context, c *core.Core) error {
	fsys := fuse.New(c, fuse.Config{
		FsName:     b.opts.FsName,
		AllowOther: b.opts.AllowOther,
		Debug:      b.opts.Debug,
		KernelTTL:  b.opts.KernelTTL,
		Options:    b.opts.Extra,
	})
	server, err := fsys.Mount(b.opts.MountPoint)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.server = server
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		server.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Info("filesystem unmounted externally", logging.String("mountpoint", b.opts.MountPoint))
		return nil
	case <-ctx.Done():
		if err := b.Stop(); err != nil {
			return err
		}
		<-done
		return ctx.Err()
	}
}

func (b *GoFuseBackend) Stop() error {
	b.mu.Lock()
	server := b.server
	b.server = nil
	b.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Unmount()
}
