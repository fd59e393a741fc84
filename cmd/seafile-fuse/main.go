// Seafile FUSE client.
//
// Mounts one Seafile library as a local read/write filesystem.
//
// Sub-commands:
//
//	seafile-fuse mount [flags]   Mount a library (default)
//	seafile-fuse login [flags]   Exchange a password for a saved API token
//	seafile-fuse logout          Delete the saved token
//	seafile-fuse repos [flags]   List the libraries of the account
//	seafile-fuse status [flags]  Show server reachability and cache usage
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/dongsupark/seafile-fuse-client/internal/config"
	"github.com/dongsupark/seafile-fuse-client/internal/logging"
	"github.com/dongsupark/seafile-fuse-client/internal/metrics"
	"github.com/dongsupark/seafile-fuse-client/internal/mount"
	"github.com/dongsupark/seafile-fuse-client/pkg/cache"
	"github.com/dongsupark/seafile-fuse-client/pkg/client"
	"github.com/dongsupark/seafile-fuse-client/pkg/core"
)

func main() {
	args := os.Args[1:]
	cmd := "mount"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "mount":
		err = cmdMount(args)
	case "login":
		err = cmdLogin(args)
	case "logout":
		err = cmdLogout(args)
	case "repos":
		err = cmdRepos(args)
	case "status":
		err = cmdStatus(args)
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil && !errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig parses args for cmd and initializes logging.
func loadConfig(cmd string, args []string) (*config.Config, *pflag.FlagSet, error) {
	fs := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(fs)
	if err != nil {
		return nil, nil, err
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile}); err != nil {
		return nil, nil, fmt.Errorf("init logging: %w", err)
	}
	if cmd != "login" {
		applyTokenFile(cfg)
	}
	return cfg, fs, nil
}

func cmdMount(args []string) error {
	cfg, fs, err := loadConfig("mount", args)
	if err != nil {
		return err
	}
	if cfg.MountPoint == "" && fs.NArg() > 0 {
		cfg.MountPoint = fs.Arg(0)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	contentCache, err := cache.New(cfg.CacheDir, cfg.MaxCacheSize)
	if err != nil {
		return err
	}
	store, api, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	c := core.New(store, coreOptions(cfg, contentCache))

	backend, err := mount.New(cfg.Backend, mount.Options{
		MountPoint: cfg.MountPoint,
		AllowOther: cfg.AllowOther,
		Debug:      cfg.DebugFuse,
		KernelTTL:  cfg.AttrTTL,
		FsName:     fsName(cfg, api),
		Extra:      cfg.MountOptions,
	})
	if err != nil {
		return err
	}

	logging.Info("mounting library",
		logging.String("server", cfg.Server),
		logging.String("library", cfg.Library),
		logging.String("mountpoint", cfg.MountPoint),
		logging.String("backend", backend.Name()),
		logging.String("cache_dir", cfg.CacheDir),
		logging.Int64("cache_max_mb", cfg.MaxCacheSize>>20))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := backend.Start(gctx, c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.MetricsAddr)
		})
	}
	if api != nil {
		g.Go(func() error {
			healthLoop(gctx, api, 30*time.Second)
			return nil
		})
	}
	// Unmounting from outside ends the backend; stop the helpers with it.
	g.Go(func() error {
		<-gctx.Done()
		return backend.Stop()
	})

	runErr := g.Wait()
	logging.Info("unmounted, flushing pending changes")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.CommitTimeout)
	defer cancel()
	if err := c.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("unflushed changes: %w", err)
	}
	return runErr
}

func cmdLogin(args []string) error {
	cfg, _, err := loadConfig("login", args)
	if err != nil {
		return err
	}
	if cfg.Server == "" {
		return fmt.Errorf("server is required")
	}

	username := cfg.Username
	if username == "" {
		fmt.Print("Username: ")
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		username = strings.TrimSpace(line)
	}
	password := cfg.Password
	if password == "" {
		fmt.Print("Password: ")
		data, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		password = string(data)
	}

	ctx := context.Background()
	api := newClient(cfg)
	token, err := api.Login(ctx, username, password)
	if err != nil {
		return err
	}
	repo, err := api.SelectRepo(ctx, cfg.Library)
	if err != nil {
		return err
	}

	tf := &client.TokenFile{Token: token, Server: cfg.Server, Username: username, Repo: repo.ID}
	if err := client.SaveToken(cfg.TokenFile, tf); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	fmt.Printf("Logged in as %s, library %q. Token saved to %s\n", username, repo.Name, cfg.TokenFile)
	return nil
}

func cmdLogout(args []string) error {
	cfg, _, err := loadConfig("logout", args)
	if err != nil {
		return err
	}
	if err := client.DeleteToken(cfg.TokenFile); err != nil {
		return err
	}
	fmt.Println("Logged out.")
	return nil
}

func cmdRepos(args []string) error {
	cfg, _, err := loadConfig("repos", args)
	if err != nil {
		return err
	}
	api, err := connect(context.Background(), cfg, false)
	if err != nil {
		return err
	}
	repos, err := api.ListRepos(context.Background())
	if err != nil {
		return err
	}
	for _, r := range repos {
		flags := ""
		if r.Encrypted {
			flags = " (encrypted)"
		}
		fmt.Printf("%s  %-30s %10d bytes  %s%s\n", r.ID, r.Name, r.Size, r.ModTime().Format(time.RFC3339), flags)
	}
	return nil
}

func cmdStatus(args []string) error {
	cfg, _, err := loadConfig("status", args)
	if err != nil {
		return err
	}

	fmt.Printf("Config file:  %s\n", orNone(cfg.ConfigFile))
	fmt.Printf("Token file:   %s\n", cfg.TokenFile)
	if tf, err := client.LoadToken(cfg.TokenFile); err == nil {
		fmt.Printf("Logged in:    %s@%s (library %s, since %s)\n",
			tf.Username, tf.Server, orNone(tf.Repo), tf.SavedAt.Format(time.RFC3339))
	} else {
		fmt.Println("Logged in:    no")
	}

	if api, err := connect(context.Background(), cfg, false); err != nil {
		fmt.Printf("Server:       %v\n", err)
	} else if err := api.Ping(context.Background()); err != nil {
		fmt.Printf("Server:       unreachable (%v)\n", err)
	} else {
		fmt.Printf("Server:       online (%s)\n", cfg.Server)
	}

	c, err := cache.New(cfg.CacheDir, cfg.MaxCacheSize)
	if err != nil {
		return err
	}
	size, max, count := c.Stats()
	fmt.Printf("Cache:        %s\n", c.Dir())
	fmt.Printf("  Files:      %d\n", count)
	fmt.Printf("  Size:       %.1f / %.1f MB (%.0f%%)\n",
		float64(size)/(1<<20), float64(max)/(1<<20), percent(size, max))
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func percent(n, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}
