package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/dongsupark/seafile-fuse-client/internal/config"
	"github.com/dongsupark/seafile-fuse-client/pkg/client"
	"github.com/dongsupark/seafile-fuse-client/pkg/remote/memstore"
)

func TestCoreOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Workers = 7
	cfg.AttrTTL = 3 * time.Second
	cfg.RangeThreshold = 1234
	cfg.BlockSize = 128 << 10
	cfg.UploadParallelism = 2
	cfg.ReadRetries = 4
	cfg.CommitRetries = 9

	opts := coreOptions(cfg, nil)
	if opts.Workers != 7 || opts.Namespace.TTL != 3*time.Second {
		t.Errorf("workers/ttl = %d/%v", opts.Workers, opts.Namespace.TTL)
	}
	if opts.Session.RangeThreshold != 1234 || opts.Session.Retry.MaxAttempts != 4 {
		t.Errorf("session = %+v", opts.Session)
	}
	if opts.Commit.BlockSize != 128<<10 || opts.Commit.Parallelism != 2 || opts.Commit.Retry.MaxAttempts != 9 {
		t.Errorf("commit = %+v", opts.Commit)
	}
	if opts.CommitTimeout != cfg.CommitTimeout || opts.RequestTimeout != cfg.RequestTimeout {
		t.Errorf("timeouts = %v/%v", opts.RequestTimeout, opts.CommitTimeout)
	}
}

func TestApplyTokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	if err := client.SaveToken(path, &client.TokenFile{
		Token: "saved", Server: "https://cloud.example.com", Username: "alice", Repo: "r1",
	}); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.TokenFile = path
	applyTokenFile(cfg)
	if cfg.Token != "saved" || cfg.Server != "https://cloud.example.com" || cfg.Library != "r1" || cfg.Username != "alice" {
		t.Errorf("cfg = %+v", cfg)
	}

	// A different server on the command line ignores the saved token.
	cfg = config.Default()
	cfg.TokenFile = path
	cfg.Server = "https://other.example.com"
	applyTokenFile(cfg)
	if cfg.Token != "" {
		t.Errorf("token applied for another server: %q", cfg.Token)
	}

	// An explicit token wins.
	cfg = config.Default()
	cfg.TokenFile = path
	cfg.Token = "explicit"
	applyTokenFile(cfg)
	if cfg.Token != "explicit" || cfg.Server != "" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestConnectWithPassword(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api2/auth-token/":
			json.NewEncoder(w).Encode(map[string]string{"token": "t1"})
		case "/api2/repos/":
			if r.Header.Get("Authorization") != "Token t1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode([]map[string]interface{}{
				{"id": "enc", "name": "Secret", "encrypted": true},
				{"id": "r2", "name": "Docs"},
			})
		default:
			t.Errorf("unexpected request %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	cfg := config.Default()
	cfg.Server = ts.URL
	cfg.Username = "alice"
	cfg.Password = "pw"
	cfg.Library = "r2"

	api, err := connect(context.Background(), cfg, true)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if cfg.Token != "t1" || api.Repo() != "r2" {
		t.Errorf("token %q repo %q", cfg.Token, api.Repo())
	}
	if got := fsName(cfg, api); got != "seafile:"+ts.Listener.Addr().String()+"/r2" {
		t.Errorf("fsName = %s", got)
	}

	cfg.Library = "enc"
	if _, err := connect(context.Background(), cfg, true); err == nil {
		t.Error("expected error for encrypted library")
	}

	cfg = config.Default()
	cfg.Server = ts.URL
	if _, err := connect(context.Background(), cfg, false); err == nil {
		t.Error("expected error without credentials")
	}
}

func TestOpenStoreMemory(t *testing.T) {
	cfg := config.Default()
	cfg.Remote = config.RemoteMemory

	store, api, err := openStore(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := store.(*memstore.Store); !ok || api != nil {
		t.Errorf("store = %T, api = %v", store, api)
	}
	if fsName(cfg, nil) != "seafile:memory" {
		t.Errorf("fsName = %s", fsName(cfg, nil))
	}

	cfg.Remote = "ftp"
	if _, _, err := openStore(context.Background(), cfg); err == nil {
		t.Error("expected error for unknown remote")
	}
}
