package main

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/dongsupark/seafile-fuse-client/internal/config"
	"github.com/dongsupark/seafile-fuse-client/internal/logging"
	"github.com/dongsupark/seafile-fuse-client/pkg/cache"
	"github.com/dongsupark/seafile-fuse-client/pkg/client"
	"github.com/dongsupark/seafile-fuse-client/pkg/commit"
	"github.com/dongsupark/seafile-fuse-client/pkg/core"
	"github.com/dongsupark/seafile-fuse-client/pkg/namespace"
	"github.com/dongsupark/seafile-fuse-client/pkg/remote"
	"github.com/dongsupark/seafile-fuse-client/pkg/remote/memstore"
	"github.com/dongsupark/seafile-fuse-client/pkg/retry"
	"github.com/dongsupark/seafile-fuse-client/pkg/session"
)

// applyTokenFile fills server, token, user and library from the saved
// token when the command line does not name a different server.
func applyTokenFile(cfg *config.Config) {
	if cfg.Token != "" || cfg.TokenFile == "" {
		return
	}
	tf, err := client.LoadToken(cfg.TokenFile)
	if err != nil {
		return
	}
	if cfg.Server != "" && cfg.Server != tf.Server {
		return
	}
	cfg.Server = tf.Server
	cfg.Token = tf.Token
	if cfg.Username == "" {
		cfg.Username = tf.Username
	}
	if cfg.Library == "" {
		cfg.Library = tf.Repo
	}
	logging.Debug("using saved token", logging.String("server", tf.Server), logging.String("username", tf.Username))
}

func newClient(cfg *config.Config) *client.Client {
	return client.New(client.Config{
		BaseURL:     cfg.Server,
		Timeout:     cfg.RequestTimeout,
		RetryConfig: retry.DefaultConfig().WithAttempts(cfg.ReadRetries),
		AuthToken:   cfg.Token,
		Repo:        cfg.Library,
	})
}

// connect returns an authenticated client, logging in with the configured
// password when there is no token. With selectRepo it also binds the
// client to the configured library, or the first one.
func connect(ctx context.Context, cfg *config.Config, selectRepo bool) (*client.Client, error) {
	if cfg.Server == "" {
		return nil, fmt.Errorf("server is required")
	}
	api := newClient(cfg)
	if cfg.Token == "" {
		if cfg.Username == "" || cfg.Password == "" {
			return nil, fmt.Errorf("no token available: pass --token, set SEAFUSE_TOKEN or run 'seafile-fuse login'")
		}
		token, err := api.Login(ctx, cfg.Username, cfg.Password)
		if err != nil {
			return nil, err
		}
		cfg.Token = token
	}
	if !selectRepo {
		return api, nil
	}

	repo, err := api.SelectRepo(ctx, cfg.Library)
	if err != nil {
		return nil, err
	}
	if repo.Encrypted {
		return nil, fmt.Errorf("library %s is encrypted; encrypted libraries are not supported", repo.Name)
	}
	cfg.Library = repo.ID
	logging.Info("selected library", logging.String("id", repo.ID), logging.String("name", repo.Name))
	return api, nil
}

// openStore returns the remote store named by cfg.Remote. The client is
// nil for the in-memory store.
func openStore(ctx context.Context, cfg *config.Config) (remote.Store, *client.Client, error) {
	switch cfg.Remote {
	case config.RemoteMemory:
		logging.Warn("using in-memory remote; nothing is persisted")
		return memstore.New(), nil, nil
	case config.RemoteSeafile:
		api, err := connect(ctx, cfg, true)
		if err != nil {
			return nil, nil, err
		}
		return api, api, nil
	default:
		return nil, nil, fmt.Errorf("unknown remote %q", cfg.Remote)
	}
}

// coreOptions translates the configuration into core options.
func coreOptions(cfg *config.Config, contentCache *cache.Cache) core.Options {
	reads := retry.DefaultConfig().WithAttempts(cfg.ReadRetries)

	commitOpts := commit.DefaultOptions()
	commitOpts.BlockSize = cfg.BlockSize
	commitOpts.Parallelism = cfg.UploadParallelism
	commitOpts.Retry = commitOpts.Retry.WithAttempts(cfg.CommitRetries)

	return core.Options{
		Workers:        cfg.Workers,
		RequestTimeout: cfg.RequestTimeout,
		CommitTimeout:  cfg.CommitTimeout,
		Namespace: namespace.Options{
			TTL:   cfg.AttrTTL,
			Retry: reads,
		},
		Session: session.Options{
			RangeThreshold: cfg.RangeThreshold,
			Cache:          contentCache,
			Retry:          reads,
		},
		Commit: commitOpts,
	}
}

// fsName is shown as the mount source, e.g. "seafile:cloud.example.com/<repo>".
func fsName(cfg *config.Config, api *client.Client) string {
	if api == nil {
		return "seafile:memory"
	}
	host := cfg.Server
	if u, err := url.Parse(cfg.Server); err == nil && u.Host != "" {
		host = u.Host
	}
	return "seafile:" + host + "/" + api.Repo()
}

// healthLoop pings the server while it is marked offline so the state
// recovers without waiting for the next filesystem operation.
func healthLoop(ctx context.Context, api *client.Client, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if api.IsOnline() {
				continue
			}
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := api.Ping(pingCtx); err != nil {
				logging.Debug("health check failed", logging.Err(err),
					logging.Duration("offline_for", time.Since(api.LastContact())))
			}
			cancel()
		}
	}
}
