package fuse

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/dongsupark/seafile-fuse-client/pkg/core"
	"github.com/dongsupark/seafile-fuse-client/pkg/remote/memstore"
	"github.com/dongsupark/seafile-fuse-client/pkg/retry"
	"github.com/dongsupark/seafile-fuse-client/pkg/session"
)

// mount serves a fresh memstore-backed core, skipping when FUSE is not
// available to the test process.
func mount(t *testing.T) (string, *memstore.Store, *core.Core) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("/dev/fuse not available")
	}

	store := memstore.New()
	fast := retry.Config{MaxAttempts: 2, InitialWait: time.Millisecond, MaxWait: time.Millisecond}
	opts := core.DefaultOptions()
	opts.Session = session.Options{Retry: fast}
	opts.Commit.Retry = fast
	c := core.New(store, opts)

	dir := t.TempDir()
	server, err := New(c, Config{}).Mount(dir)
	if err != nil {
		t.Skipf("mount unavailable: %v", err)
	}
	t.Cleanup(func() {
		server.Unmount()
		c.Shutdown(context.Background())
	})
	if err := server.WaitMount(); err != nil {
		t.Fatalf("WaitMount: %v", err)
	}
	return dir, store, c
}

func TestMountedRoundTrip(t *testing.T) {
	dir, store, _ := mount(t)
	file := filepath.Join(dir, "a.txt")

	if err := os.WriteFile(file, []byte("hello"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if got, _ := store.Content("/a.txt"); string(got) != "hello" {
		t.Errorf("remote content = %q", got)
	}

	got, err := os.ReadFile(file)
	if err != nil || string(got) != "hello" {
		t.Errorf("ReadFile = %q, %v", got, err)
	}
	st, err := os.Stat(file)
	if err != nil || st.Size() != 5 {
		t.Errorf("Stat = %v, %v", st, err)
	}

	if err := os.Mkdir(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(file, filepath.Join(dir, "sub", "b.txt")); err != nil {
		t.Fatal(err)
	}
	if got, _ := store.Content("/sub/b.txt"); string(got) != "hello" {
		t.Errorf("renamed remote content = %q", got)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	if len(names) != 1 || names[0] != "sub" {
		t.Errorf("root listing = %v", names)
	}

	if err := os.Remove(filepath.Join(dir, "sub")); err == nil {
		t.Error("removing a non-empty directory succeeded")
	}
	if err := os.Remove(filepath.Join(dir, "sub", "b.txt")); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(dir, "sub")); err != nil {
		t.Fatal(err)
	}
}

func TestMountedTruncate(t *testing.T) {
	dir, store, _ := mount(t)
	store.Put("/t.txt", []byte("0123456789"))
	file := filepath.Join(dir, "t.txt")

	if err := os.Truncate(file, 4); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if got, _ := store.Content("/t.txt"); string(got) != "0123" {
		t.Errorf("remote content = %q", got)
	}
}
