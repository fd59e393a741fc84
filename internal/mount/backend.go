// Package mount attaches a core.Core to the operating system through one of
// the FUSE back ends.
package mount

import (
	"context"
	"fmt"
	"time"

	"github.com/dongsupark/seafile-fuse-client/internal/config"
	"github.com/dongsupark/seafile-fuse-client/pkg/core"
)

// Backend serves a core at a mount point.
type Backend interface {
	// Name identifies the back end in logs.
	Name() string
	// Start mounts and serves until ctx is cancelled or the filesystem is
	// unmounted from outside.
	Start(ctx context.Context, c *core.Core) error
	// Stop unmounts. It is safe to call more than once.
	Stop() error
}

// Options configures a back end.
type Options struct {
	MountPoint string
	AllowOther bool
	Debug      bool
	KernelTTL  time.Duration
	FsName     string
	// Extra is passed to the kernel as -o options.
	Extra []string
}

// New returns the back end called name.
func New(name string, opts Options) (Backend, error) {
	switch name {
	case config.BackendGoFuse:
		return NewGoFuseBackend(opts), nil
	case config.BackendCgoFuse:
		return NewCgoFuseBackend(opts), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}
