package client

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dongsupark/seafile-fuse-client/pkg/protocol"
	"github.com/dongsupark/seafile-fuse-client/pkg/retry"
	"github.com/dongsupark/seafile-fuse-client/pkg/tree"
)

const testRepo = "repo-1"

// fakeSeafile serves the subset of the Seafile API the client uses, backed
// by in-memory maps.
type fakeSeafile struct {
	t   *testing.T
	url string

	mu          sync.Mutex
	files       map[string][]byte
	dirs        map[string]bool
	blocks      map[string][]byte
	ignoreRange bool
	failMove    bool
	requests    []string
}

func newFakeSeafile(t *testing.T) (*fakeSeafile, *Client) {
	t.Helper()
	f := &fakeSeafile{
		t:      t,
		files:  make(map[string][]byte),
		dirs:   map[string]bool{"/": true},
		blocks: make(map[string][]byte),
	}
	ts := httptest.NewServer(f)
	t.Cleanup(ts.Close)
	f.url = ts.URL

	c := New(Config{
		BaseURL:   ts.URL,
		AuthToken: "tok",
		Repo:      testRepo,
		RetryConfig: retry.Config{
			MaxAttempts: 2,
			InitialWait: time.Millisecond,
			MaxWait:     time.Millisecond,
		},
	})
	return f, c
}

func fileID(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

func (f *fakeSeafile) put(p string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[p] = data
}

func (f *fakeSeafile) content(p string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[p]
	return data, ok
}

func (f *fakeSeafile) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeSeafile) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)

	if strings.HasPrefix(r.URL.Path, "/api2/") && r.Header.Get("Authorization") != "Token tok" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	repoPrefix := "/api2/repos/" + testRepo
	p := r.URL.Query().Get("p")
	switch {
	case r.URL.Path == repoPrefix+"/dir/" && r.Method == http.MethodGet:
		if !f.dirs[p] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, f.list(p))

	case r.URL.Path == repoPrefix+"/dir/" && r.Method == http.MethodPost:
		switch r.FormValue("operation") {
		case "mkdir":
			f.dirs[p] = true
		case "rename":
			f.move(p, tree.BuildChildPath(parentOf(p), r.FormValue("newname")))
		}
		writeJSON(w, "success")

	case r.URL.Path == repoPrefix+"/dir/" && r.Method == http.MethodDelete:
		for k := range f.files {
			if strings.HasPrefix(k, p+"/") {
				delete(f.files, k)
			}
		}
		delete(f.dirs, p)
		writeJSON(w, "success")

	case r.URL.Path == repoPrefix+"/file/" && r.Method == http.MethodGet:
		if _, ok := f.files[p]; !ok {
			w.WriteHeader(http.StatusNotFound)
			writeJSON(w, protocol.ErrorResponse{ErrorMsg: "File not found"})
			return
		}
		writeJSON(w, f.url+"/files"+p)

	case r.URL.Path == repoPrefix+"/file/" && r.Method == http.MethodPost:
		f.move(p, tree.BuildChildPath(parentOf(p), r.FormValue("newname")))
		writeJSON(w, "success")

	case r.URL.Path == repoPrefix+"/file/" && r.Method == http.MethodDelete:
		delete(f.files, p)
		writeJSON(w, "success")

	case r.URL.Path == repoPrefix+"/fileops/move/":
		dst := r.FormValue("dst_dir")
		if f.failMove || r.FormValue("dst_repo") != testRepo {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, name := range strings.Split(r.FormValue("file_names"), ":") {
			f.move(tree.BuildChildPath(p, name), tree.BuildChildPath(dst, name))
		}
		writeJSON(w, map[string]bool{"success": true})

	case r.URL.Path == repoPrefix+"/upload-blks-link/" && r.Method == http.MethodGet:
		writeJSON(w, f.url+"/blocks")

	case r.URL.Path == repoPrefix+"/upload-blks-link/" && r.Method == http.MethodPost:
		missing := []string{}
		for _, id := range strings.Split(r.FormValue("blklist"), ",") {
			if _, ok := f.blocks[id]; !ok && id != "" {
				missing = append(missing, id)
			}
		}
		writeJSON(w, protocol.UploadBlocksLink{
			RawBlocksURL: f.url + "/blocks",
			CommitURL:    f.url + "/commit",
			Blocks:       missing,
		})

	case r.URL.Path == repoPrefix+"/upload-link/":
		writeJSON(w, f.url+"/upload")

	case strings.HasPrefix(r.URL.Path, "/files/"):
		data, ok := f.files[strings.TrimPrefix(r.URL.Path, "/files")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if f.ignoreRange {
			w.Write(data)
			return
		}
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))

	case r.URL.Path == "/blocks":
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			f.t.Errorf("parse blocks upload: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, fh := range r.MultipartForm.File["file"] {
			rd, _ := fh.Open()
			data, _ := io.ReadAll(rd)
			rd.Close()
			f.blocks[fh.Filename] = data
		}
		writeJSON(w, "success")

	case r.URL.Path == "/commit":
		var ids []string
		if err := json.Unmarshal([]byte(r.FormValue("blockids")), &ids); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var data []byte
		for _, id := range ids {
			data = append(data, f.blocks[id]...)
		}
		target := tree.BuildChildPath(r.FormValue("parent_dir"), r.FormValue("file_name"))
		f.files[target] = data
		writeJSON(w, []protocol.UploadedFile{{Name: r.FormValue("file_name"), ID: fileID(data), Size: int64(len(data))}})

	case r.URL.Path == "/upload":
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fh := r.MultipartForm.File["file"][0]
		rd, _ := fh.Open()
		data, _ := io.ReadAll(rd)
		rd.Close()
		f.files[tree.BuildChildPath(r.FormValue("parent_dir"), fh.Filename)] = data
		writeJSON(w, []protocol.UploadedFile{{Name: fh.Filename, ID: fileID(data), Size: int64(len(data))}})

	default:
		f.t.Errorf("unexpected request %s %s", r.Method, r.URL.String())
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeSeafile) list(dir string) []protocol.DirEntry {
	var out []protocol.DirEntry
	for d := range f.dirs {
		if d != "/" && parentOf(d) == dir {
			out = append(out, protocol.DirEntry{ID: fileID([]byte(d)), Type: protocol.TypeDir, Name: nameOf(d), MTime: 1700000000})
		}
	}
	for p, data := range f.files {
		if parentOf(p) == dir {
			out = append(out, protocol.DirEntry{ID: fileID(data), Type: protocol.TypeFile, Name: nameOf(p), Size: int64(len(data)), MTime: 1700000000})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (f *fakeSeafile) move(from, to string) {
	if data, ok := f.files[from]; ok {
		delete(f.files, from)
		f.files[to] = data
		return
	}
	if !f.dirs[from] {
		return
	}
	delete(f.dirs, from)
	f.dirs[to] = true
	for d := range f.dirs {
		if strings.HasPrefix(d, from+"/") {
			delete(f.dirs, d)
			f.dirs[to+strings.TrimPrefix(d, from)] = true
		}
	}
	for k, data := range f.files {
		if strings.HasPrefix(k, from+"/") {
			delete(f.files, k)
			f.files[to+strings.TrimPrefix(k, from)] = data
		}
	}
}

func parentOf(p string) string {
	dir, _ := tree.Split(p)
	return dir
}

func nameOf(p string) string {
	_, name := tree.Split(p)
	return name
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
