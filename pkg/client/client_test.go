package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/dongsupark/seafile-fuse-client/pkg/remote"
	"github.com/dongsupark/seafile-fuse-client/pkg/retry"
)

func testClient(handler http.Handler) (*Client, *httptest.Server) {
	ts := httptest.NewServer(handler)
	c := New(Config{
		BaseURL:   ts.URL,
		AuthToken: "tok",
		Repo:      testRepo,
		RetryConfig: retry.Config{
			MaxAttempts: 3,
			InitialWait: time.Millisecond,
			MaxWait:     time.Millisecond,
		},
	})
	return c, ts
}

func TestListDirectory_GzipAndHeaders(t *testing.T) {
	var gotAuth, gotReqID, gotPath string
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotReqID = r.Header.Get("X-Request-ID")
		gotPath = r.URL.Query().Get("p")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte(`[{"id":"d1","type":"dir","name":"docs","mtime":1700000000},` +
			`{"id":"f1","type":"file","name":"a.txt","size":5,"mtime":1700000001}]`))
		gz.Close()
	}))
	defer ts.Close()

	entries, err := c.ListDirectory(context.Background(), "/docs/../")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Token tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotReqID == "" {
		t.Error("missing X-Request-ID")
	}
	if gotPath != "/" {
		t.Errorf("p = %q, want /", gotPath)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if !entries[0].IsDir() || entries[0].Name != "docs" {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	if entries[1].IsDir() || entries[1].Size != 5 || entries[1].ID != "f1" {
		t.Errorf("entries[1] = %+v", entries[1])
	}
	if !entries[1].MTime.Equal(time.Unix(1700000001, 0)) {
		t.Errorf("mtime = %v", entries[1].MTime)
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status    int
		want      error
		retryable bool
		online    bool
	}{
		{http.StatusNotFound, remote.ErrNotFound, false, true},
		{http.StatusUnauthorized, remote.ErrPermissionDenied, false, true},
		{http.StatusForbidden, remote.ErrPermissionDenied, false, true},
		{440, remote.ErrPermissionDenied, false, true},
		{http.StatusConflict, remote.ErrAlreadyExists, false, true},
		{http.StatusTooManyRequests, remote.ErrNetwork, true, false},
		{http.StatusInternalServerError, remote.ErrNetwork, true, false},
		{http.StatusBadGateway, remote.ErrNetwork, true, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error_msg":"nope"}`))
			}))
			defer ts.Close()

			_, err := c.ListDirectory(context.Background(), "/")
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if retry.IsRetryable(err) != tt.retryable {
				t.Errorf("retryable = %v, want %v", retry.IsRetryable(err), tt.retryable)
			}
			if c.IsOnline() != tt.online {
				t.Errorf("online = %v, want %v", c.IsOnline(), tt.online)
			}
			if !tt.retryable && !strings.Contains(err.Error(), "nope") {
				t.Errorf("expected server message in error, got: %v", err)
			}
		})
	}
}

func TestUnreachableServerIsRetryable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c := New(Config{BaseURL: url, Repo: testRepo, Timeout: time.Second})
	_, err := c.ListDirectory(context.Background(), "/")
	if !errors.Is(err, remote.ErrNetwork) || !retry.IsRetryable(err) {
		t.Fatalf("expected retryable network error, got %v", err)
	}
	if c.IsOnline() {
		t.Error("client still online")
	}
	if c.LastContact().IsZero() {
		t.Error("last contact not recorded")
	}
}

func TestCancelledRequestIsNotNetworkError(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.ListDirectory(ctx, "/")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !c.IsOnline() {
		t.Error("cancellation marked the server offline")
	}
}

func TestNoRepoSelected(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1"})
	if _, err := c.ListDirectory(context.Background(), "/"); err == nil {
		t.Fatal("expected error without a library")
	}
}

func TestSelectRepo(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api2/repos/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		writeJSON(w, []map[string]interface{}{
			{"id": "r1", "name": "My Library", "size": 10},
			{"id": "r2", "name": "Shared"},
		})
	}))
	defer ts.Close()
	c.SetRepo("")

	repo, err := c.SelectRepo(context.Background(), "")
	if err != nil || repo.ID != "r1" || c.Repo() != "r1" {
		t.Fatalf("SelectRepo(\"\") = %+v, %v", repo, err)
	}
	repo, err = c.SelectRepo(context.Background(), "r2")
	if err != nil || repo.Name != "Shared" || c.Repo() != "r2" {
		t.Fatalf("SelectRepo(r2) = %+v, %v", repo, err)
	}
	if _, err := c.SelectRepo(context.Background(), "r9"); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestFetchContentAndRange(t *testing.T) {
	f, c := newFakeSeafile(t)
	f.put("/a.txt", []byte("0123456789"))
	ctx := context.Background()

	data, err := c.FetchContent(ctx, "/a.txt", "")
	if err != nil || string(data) != "0123456789" {
		t.Fatalf("FetchContent = %q, %v", data, err)
	}

	data, err = c.FetchRange(ctx, "/a.txt", "", 3, 4)
	if err != nil || string(data) != "3456" {
		t.Fatalf("FetchRange = %q, %v", data, err)
	}
	data, err = c.FetchRange(ctx, "/a.txt", "", 8, 10)
	if err != nil || string(data) != "89" {
		t.Fatalf("FetchRange past end = %q, %v", data, err)
	}
	data, err = c.FetchRange(ctx, "/a.txt", "", 20, 4)
	if err != nil || len(data) != 0 {
		t.Fatalf("FetchRange beyond EOF = %q, %v", data, err)
	}

	f.ignoreRange = true
	data, err = c.FetchRange(ctx, "/a.txt", "", 2, 3)
	if err != nil || string(data) != "234" {
		t.Fatalf("FetchRange with full response = %q, %v", data, err)
	}

	if _, err := c.FetchContent(ctx, "/missing", ""); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestUploadAndCommit(t *testing.T) {
	f, c := newFakeSeafile(t)
	ctx := context.Background()

	b1, b2 := []byte("hello "), []byte("world")
	blocks := []remote.Block{{ID: fileID(b1), Data: b1}, {ID: fileID(b2), Data: b2}}

	missing, err := c.MissingBlocks(ctx, []string{blocks[0].ID, blocks[1].ID})
	if err != nil || len(missing) != 2 {
		t.Fatalf("MissingBlocks = %v, %v", missing, err)
	}
	refs, err := c.UploadBlocks(ctx, blocks)
	if err != nil {
		t.Fatalf("UploadBlocks: %v", err)
	}
	if len(refs) != 2 || refs[1].Size != 5 {
		t.Fatalf("refs = %+v", refs)
	}
	missing, err = c.MissingBlocks(ctx, []string{blocks[0].ID, blocks[1].ID})
	if err != nil || len(missing) != 0 {
		t.Fatalf("MissingBlocks after upload = %v, %v", missing, err)
	}

	id, err := c.CommitVersion(ctx, "/", "greeting.txt", refs, "")
	if err != nil {
		t.Fatalf("CommitVersion: %v", err)
	}
	if id != fileID([]byte("hello world")) {
		t.Errorf("id = %s", id)
	}
	if got, _ := f.content("/greeting.txt"); string(got) != "hello world" {
		t.Errorf("content = %q", got)
	}

	// A stale base is rejected before anything is committed.
	_, err = c.CommitVersion(ctx, "/", "greeting.txt", refs[:1], "stale")
	ce, ok := remote.AsConflict(err)
	if !ok {
		t.Fatalf("expected ConflictError, got %T: %v", err, err)
	}
	if ce.Current != id || ce.Path != "/greeting.txt" {
		t.Errorf("conflict = %+v", ce)
	}
	if got, _ := f.content("/greeting.txt"); string(got) != "hello world" {
		t.Errorf("content after conflict = %q", got)
	}

	if _, err := c.CommitVersion(ctx, "/", "greeting.txt", refs[:1], id); err != nil {
		t.Fatalf("CommitVersion with current base: %v", err)
	}
	if got, _ := f.content("/greeting.txt"); string(got) != "hello " {
		t.Errorf("content = %q", got)
	}
}

func TestCommitEmptyFile(t *testing.T) {
	f, c := newFakeSeafile(t)
	f.put("/e.txt", []byte("old"))

	id, err := c.CommitVersion(context.Background(), "/", "e.txt", nil, fileID([]byte("old")))
	if err != nil {
		t.Fatalf("CommitVersion: %v", err)
	}
	if id != fileID(nil) {
		t.Errorf("id = %s", id)
	}
	if got, ok := f.content("/e.txt"); !ok || len(got) != 0 {
		t.Errorf("content = %q, %v", got, ok)
	}
	if f.count("POST /upload") != 1 {
		t.Errorf("expected one plain upload, got %d", f.count("POST /upload"))
	}
}

func TestCommitWithMissingBlocksIsRetryable(t *testing.T) {
	_, c := newFakeSeafile(t)
	refs := []remote.BlockRef{{ID: fileID([]byte("x")), Size: 1}}

	_, err := c.CommitVersion(context.Background(), "/", "x", refs, "")
	if !errors.Is(err, remote.ErrNotFound) || !retry.IsRetryable(err) {
		t.Fatalf("expected retryable not found, got %v", err)
	}
}

func TestMkdirDeleteRename(t *testing.T) {
	f, c := newFakeSeafile(t)
	ctx := context.Background()
	f.put("/a.txt", []byte("a"))
	f.put("/b.txt", []byte("b"))

	e, err := c.Mkdir(ctx, "/sub")
	if err != nil || !e.IsDir() || e.Name != "sub" {
		t.Fatalf("Mkdir = %+v, %v", e, err)
	}

	// Across directories with a new name.
	if err := c.Rename(ctx, "/a.txt", "/sub/c.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, ok := f.content("/a.txt"); ok {
		t.Error("source still present")
	}
	if got, _ := f.content("/sub/c.txt"); string(got) != "a" {
		t.Errorf("renamed content = %q", got)
	}

	// Over an existing file.
	if err := c.Rename(ctx, "/b.txt", "/sub/c.txt"); err != nil {
		t.Fatalf("Rename over existing: %v", err)
	}
	if got, _ := f.content("/sub/c.txt"); string(got) != "b" {
		t.Errorf("replaced content = %q", got)
	}

	// Directory rename within the root.
	if err := c.Rename(ctx, "/sub", "/dir"); err != nil {
		t.Fatalf("Rename dir: %v", err)
	}
	if got, _ := f.content("/dir/c.txt"); string(got) != "b" {
		t.Errorf("content under renamed dir = %q", got)
	}

	if err := c.Rename(ctx, "/nope", "/x"); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	if err := c.Delete(ctx, "/dir/c.txt", remote.KindFile); err != nil {
		t.Fatalf("Delete file: %v", err)
	}
	if err := c.Delete(ctx, "/dir", remote.KindDir); err != nil {
		t.Fatalf("Delete dir: %v", err)
	}
	entries, err := c.ListDirectory(ctx, "/")
	if err != nil || len(entries) != 0 {
		t.Errorf("root after deletes = %+v, %v", entries, err)
	}
	if err := c.Delete(ctx, "/", remote.KindDir); !errors.Is(err, remote.ErrPermissionDenied) {
		t.Errorf("expected permission denied for root, got %v", err)
	}
}

func TestRenameKeepsBystanderInDestinationDir(t *testing.T) {
	f, c := newFakeSeafile(t)
	ctx := context.Background()
	f.dirs["/a"] = true
	f.dirs["/b"] = true
	f.put("/a/x", []byte("moving"))
	f.put("/b/x", []byte("bystander"))

	if err := c.Rename(ctx, "/a/x", "/b/y"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if got, _ := f.content("/b/y"); string(got) != "moving" {
		t.Errorf("/b/y = %q, want moving", got)
	}
	if got, _ := f.content("/b/x"); string(got) != "bystander" {
		t.Errorf("/b/x = %q, want bystander", got)
	}
	if _, ok := f.content("/a/x"); ok {
		t.Error("source still present")
	}
	entries, err := c.ListDirectory(ctx, "/b")
	if err != nil || len(entries) != 2 {
		t.Errorf("/b after rename = %+v, %v", entries, err)
	}
}

func TestFailedRenameLeavesBothEnds(t *testing.T) {
	f, c := newFakeSeafile(t)
	ctx := context.Background()
	f.dirs["/a"] = true
	f.dirs["/b"] = true
	f.put("/a/x", []byte("source"))
	f.put("/b/y", []byte("target"))
	f.failMove = true

	if err := c.Rename(ctx, "/a/x", "/b/y"); err == nil {
		t.Fatal("expected rename to fail")
	}
	if got, _ := f.content("/a/x"); string(got) != "source" {
		t.Errorf("/a/x = %q, want source", got)
	}
	if got, _ := f.content("/b/y"); string(got) != "target" {
		t.Errorf("/b/y = %q, want target", got)
	}
	for _, dir := range []string{"/a", "/b"} {
		entries, err := c.ListDirectory(ctx, dir)
		if err != nil || len(entries) != 1 {
			t.Errorf("%s after failed rename = %+v, %v", dir, entries, err)
		}
	}
}

func TestRenameOverExistingInSameDir(t *testing.T) {
	f, c := newFakeSeafile(t)
	ctx := context.Background()
	f.put("/x", []byte("new"))
	f.put("/y", []byte("old"))

	if err := c.Rename(ctx, "/x", "/y"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if got, _ := f.content("/y"); string(got) != "new" {
		t.Errorf("/y = %q, want new", got)
	}
	entries, err := c.ListDirectory(ctx, "/")
	if err != nil || len(entries) != 1 || entries[0].Name != "y" {
		t.Errorf("root after rename = %+v, %v", entries, err)
	}
}

func TestParseUploaded(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{`[{"name":"a","id":"abc","size":1}]`, "abc", false},
		{`"abc"`, "abc", false},
		{`abc`, "abc", false},
		{`{"error":"x"}`, "", true},
		{``, "", true},
	}
	for _, tt := range tests {
		got, err := parseUploaded([]byte(tt.in))
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseUploaded(%q) = %q, %v", tt.in, got, err)
		}
	}
}
