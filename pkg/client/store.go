package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/dongsupark/seafile-fuse-client/internal/logging"
	"github.com/dongsupark/seafile-fuse-client/pkg/protocol"
	"github.com/dongsupark/seafile-fuse-client/pkg/remote"
	"github.com/dongsupark/seafile-fuse-client/pkg/retry"
	"github.com/dongsupark/seafile-fuse-client/pkg/tree"
)

// ListDirectory implements remote.Store.
func (c *Client) ListDirectory(ctx context.Context, dir string) ([]remote.Entry, error) {
	path, err := c.repoPath("/dir/")
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, url.Values{"p": {tree.Clean(dir)}}, nil)
	if err != nil {
		return nil, err
	}
	var listing []protocol.DirEntry
	if err := c.doJSON(req, "list", &listing); err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	entries := make([]remote.Entry, 0, len(listing))
	for _, e := range listing {
		kind := remote.KindFile
		if e.IsDir() {
			kind = remote.KindDir
		}
		entries = append(entries, remote.Entry{
			Name:  e.Name,
			ID:    e.ID,
			Kind:  kind,
			Size:  e.Size,
			MTime: e.ModTime(),
		})
	}
	return entries, nil
}

// stat finds p in its parent listing.
func (c *Client) stat(ctx context.Context, p string) (remote.Entry, bool, error) {
	dir, name := tree.Split(tree.Clean(p))
	entries, err := c.ListDirectory(ctx, dir)
	if err != nil {
		return remote.Entry{}, false, err
	}
	for _, e := range entries {
		if e.Name == name {
			return e, true, nil
		}
	}
	return remote.Entry{}, false, nil
}

// downloadURL asks the server for a short-lived download link for p.
func (c *Client) downloadURL(ctx context.Context, p string) (string, error) {
	path, err := c.repoPath("/file/")
	if err != nil {
		return "", err
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, url.Values{"p": {p}, "reuse": {"1"}}, nil)
	if err != nil {
		return "", err
	}
	var link string
	if err := c.doJSON(req, "download_link", &link); err != nil {
		return "", fmt.Errorf("download link for %s: %w", p, err)
	}
	return link, nil
}

// FetchContent implements remote.Store.
func (c *Client) FetchContent(ctx context.Context, p, id string) ([]byte, error) {
	data, _, err := c.download(ctx, p, "")
	return data, err
}

// FetchRange implements remote.RangeFetcher. Servers that ignore the Range
// header answer with the whole file, which is sliced here.
func (c *Client) FetchRange(ctx context.Context, p, id string, off, size int64) ([]byte, error) {
	if size <= 0 {
		return nil, nil
	}
	data, partial, err := c.download(ctx, p, fmt.Sprintf("bytes=%d-%d", off, off+size-1))
	if errors.Is(err, errRangeNotSatisfiable) {
		return nil, nil
	}
	if err != nil || partial {
		return data, err
	}
	if off >= int64(len(data)) {
		return nil, nil
	}
	end := off + size
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[off:end], nil
}

// download fetches p through a download link. partial reports a 206 answer
// to a range request.
func (c *Client) download(ctx context.Context, p, rangeHeader string) (data []byte, partial bool, err error) {
	link, err := c.downloadURL(ctx, p)
	if err != nil {
		return nil, false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, false, err
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := c.do(req, "download")
	if err != nil {
		return nil, false, fmt.Errorf("download %s: %w", p, err)
	}
	defer resp.Body.Close()
	data, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, retry.Retryable(fmt.Errorf("download %s: %w: %w", p, remote.ErrNetwork, err))
	}
	return data, resp.StatusCode == http.StatusPartialContent, nil
}

// MissingBlocks implements remote.BlockChecker.
func (c *Client) MissingBlocks(ctx context.Context, ids []string) ([]string, error) {
	link, err := c.blocksLink(ctx, ids)
	if err != nil {
		return nil, err
	}
	return link.Blocks, nil
}

// blocksLink posts the block list of a pending commit and returns the
// upload and commit URLs with the ids the server lacks.
func (c *Client) blocksLink(ctx context.Context, ids []string) (protocol.UploadBlocksLink, error) {
	path, err := c.repoPath("/upload-blks-link/")
	if err != nil {
		return protocol.UploadBlocksLink{}, err
	}
	form := url.Values{"blklist": {strings.Join(ids, ",")}}
	req, err := c.newRequest(ctx, http.MethodPost, path, nil, strings.NewReader(form.Encode()))
	if err != nil {
		return protocol.UploadBlocksLink{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var link protocol.UploadBlocksLink
	if err := c.doJSON(req, "blocks_link", &link); err != nil {
		return protocol.UploadBlocksLink{}, err
	}
	return link, nil
}

// UploadBlocks implements remote.Store.
func (c *Client) UploadBlocks(ctx context.Context, blocks []remote.Block) ([]remote.BlockRef, error) {
	path, err := c.repoPath("/upload-blks-link/")
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	var link string
	if err := c.doJSON(req, "blocks_link", &link); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	refs := make([]remote.BlockRef, len(blocks))
	for i, b := range blocks {
		part, err := mw.CreateFormFile("file", b.ID)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(b.Data); err != nil {
			return nil, err
		}
		refs[i] = remote.BlockRef{ID: b.ID, Size: int64(len(b.Data))}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	up, err := http.NewRequestWithContext(ctx, http.MethodPost, link, &buf)
	if err != nil {
		return nil, err
	}
	up.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.do(up, "upload_blocks")
	if err != nil {
		return nil, fmt.Errorf("upload %d blocks: %w", len(blocks), err)
	}
	resp.Body.Close()
	return refs, nil
}

// CommitVersion implements remote.Store. The server has no compare-and-swap
// on commits, so the base check is a read of the current entry right
// before the commit.
func (c *Client) CommitVersion(ctx context.Context, dir, name string, refs []remote.BlockRef, base string) (string, error) {
	p := tree.BuildChildPath(tree.Clean(dir), name)
	current, exists, err := c.stat(ctx, p)
	if err != nil {
		return "", err
	}
	if exists && current.IsDir() {
		return "", fmt.Errorf("commit %s: %w", p, remote.ErrIsDirectory)
	}
	if base != remote.AnyVersion && current.ID != base {
		return "", &remote.ConflictError{Path: p, Expected: base, Current: current.ID}
	}

	if len(refs) == 0 {
		return c.uploadEmpty(ctx, tree.Clean(dir), name)
	}

	ids := make([]string, len(refs))
	var size int64
	for i, r := range refs {
		ids[i] = r.ID
		size += r.Size
	}
	link, err := c.blocksLink(ctx, ids)
	if err != nil {
		return "", err
	}
	if len(link.Blocks) > 0 {
		return "", retry.Retryable(fmt.Errorf("commit %s: %d blocks missing on server: %w", p, len(link.Blocks), remote.ErrNotFound))
	}

	blockIDs, _ := json.Marshal(ids)
	fields := map[string]string{
		"parent_dir": tree.Clean(dir),
		"file_name":  name,
		"file_size":  strconv.FormatInt(size, 10),
		"replace":    "1",
		"blockids":   string(blockIDs),
	}
	return c.postUpload(ctx, "commit", link.CommitURL, fields, "", nil)
}

// uploadEmpty creates or replaces dir/name with an empty file through the
// plain upload endpoint; the block commit needs at least one block.
func (c *Client) uploadEmpty(ctx context.Context, dir, name string) (string, error) {
	path, err := c.repoPath("/upload-link/")
	if err != nil {
		return "", err
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, url.Values{"p": {dir}}, nil)
	if err != nil {
		return "", err
	}
	var link string
	if err := c.doJSON(req, "upload_link", &link); err != nil {
		return "", err
	}
	fields := map[string]string{"parent_dir": dir, "replace": "1"}
	return c.postUpload(ctx, "upload", link, fields, name, []byte{})
}

// postUpload sends a multipart form to a file server URL and returns the
// id of the resulting file. A non-nil content is attached as the file part.
func (c *Client) postUpload(ctx context.Context, op, link string, fields map[string]string, filename string, content []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return "", err
		}
	}
	if content != nil {
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			return "", err
		}
		if _, err := part.Write(content); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("%s: bad link %q: %w", op, link, err)
	}
	q := u.Query()
	q.Set("ret-json", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.do(req, op)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", retry.Retryable(fmt.Errorf("%s: %w: %w", op, remote.ErrNetwork, err))
	}
	return parseUploaded(data)
}

// parseUploaded extracts the file id from an upload response, which is
// either a ret-json list or a bare JSON string.
func parseUploaded(data []byte) (string, error) {
	var files []protocol.UploadedFile
	if err := json.Unmarshal(data, &files); err == nil && len(files) > 0 {
		return files[0].ID, nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err == nil && id != "" {
		return id, nil
	}
	if s := strings.TrimSpace(string(data)); s != "" && !strings.ContainsAny(s, "{}[]\" ") {
		return s, nil
	}
	return "", fmt.Errorf("unexpected upload response %q", data)
}

// Mkdir implements remote.Store.
func (c *Client) Mkdir(ctx context.Context, p string) (remote.Entry, error) {
	p = tree.Clean(p)
	path, err := c.repoPath("/dir/")
	if err != nil {
		return remote.Entry{}, err
	}
	err = retry.Do(ctx, c.retryConfig, func() error {
		form := url.Values{"operation": {"mkdir"}}
		req, err := c.newRequest(ctx, http.MethodPost, path, url.Values{"p": {p}}, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := c.do(req, "mkdir")
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	})
	if err != nil {
		return remote.Entry{}, fmt.Errorf("mkdir %s: %w", p, err)
	}

	e, ok, err := c.stat(ctx, p)
	if err != nil {
		return remote.Entry{}, err
	}
	if !ok {
		return remote.Entry{}, fmt.Errorf("mkdir %s: created directory not listed: %w", p, remote.ErrNotFound)
	}
	return e, nil
}

// Delete implements remote.Store.
func (c *Client) Delete(ctx context.Context, p string, kind remote.Kind) error {
	p = tree.Clean(p)
	if p == tree.Root {
		return fmt.Errorf("delete root: %w", remote.ErrPermissionDenied)
	}
	suffix := "/file/"
	if kind == remote.KindDir {
		suffix = "/dir/"
	}
	path, err := c.repoPath(suffix)
	if err != nil {
		return err
	}
	err = retry.Do(ctx, c.retryConfig, func() error {
		req, err := c.newRequest(ctx, http.MethodDelete, path, url.Values{"p": {p}}, nil)
		if err != nil {
			return err
		}
		resp, err := c.do(req, "delete")
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}

// Rename implements remote.Store. Seafile has no atomic rename-over, so the
// source is first parked under a unique name, moved next to the destination
// and renamed into place. An existing destination is deleted only once the
// source sits beside it; a failed step puts the source back.
func (c *Client) Rename(ctx context.Context, from, to string) error {
	from, to = tree.Clean(from), tree.Clean(to)
	if from == to {
		return nil
	}
	src, ok, err := c.stat(ctx, from)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("rename %s: %w", from, remote.ErrNotFound)
	}
	dst, dstExists, err := c.stat(ctx, to)
	if err != nil {
		return err
	}

	srcDir, srcName := tree.Split(from)
	dstDir, dstName := tree.Split(to)
	if srcDir == dstDir && !dstExists {
		return c.rename(ctx, from, src.Kind, dstName)
	}

	// The parked name cannot collide with anything in either directory.
	parked := ".seafuse-" + uuid.NewString()
	if err := c.rename(ctx, from, src.Kind, parked); err != nil {
		return err
	}
	restore := func(dir string, cause error) error {
		rctx := context.WithoutCancel(ctx)
		if dir != srcDir {
			if err := c.move(rctx, dir, parked, srcDir); err != nil {
				logging.Error("rename rollback failed",
					logging.String("path", tree.BuildChildPath(dir, parked)), logging.Err(err))
				return cause
			}
		}
		if err := c.rename(rctx, tree.BuildChildPath(srcDir, parked), src.Kind, srcName); err != nil {
			logging.Error("rename rollback failed",
				logging.String("path", tree.BuildChildPath(srcDir, parked)), logging.Err(err))
		}
		return cause
	}

	if srcDir != dstDir {
		if err := c.move(ctx, srcDir, parked, dstDir); err != nil {
			return restore(srcDir, err)
		}
	}
	if dstExists {
		if err := c.Delete(ctx, to, dst.Kind); err != nil {
			return restore(dstDir, err)
		}
	}
	if err := c.rename(ctx, tree.BuildChildPath(dstDir, parked), src.Kind, dstName); err != nil {
		return restore(dstDir, err)
	}
	return nil
}

func (c *Client) move(ctx context.Context, srcDir, name, dstDir string) error {
	path, err := c.repoPath("/fileops/move/")
	if err != nil {
		return err
	}
	form := url.Values{
		"dst_repo":   {c.Repo()},
		"dst_dir":    {dstDir},
		"file_names": {name},
	}
	return retry.Do(ctx, c.retryConfig, func() error {
		req, err := c.newRequest(ctx, http.MethodPost, path, url.Values{"p": {srcDir}}, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := c.do(req, "move")
		if err != nil {
			return fmt.Errorf("move %s/%s to %s: %w", srcDir, name, dstDir, err)
		}
		resp.Body.Close()
		return nil
	})
}

func (c *Client) rename(ctx context.Context, p string, kind remote.Kind, newName string) error {
	suffix := "/file/"
	if kind == remote.KindDir {
		suffix = "/dir/"
	}
	path, err := c.repoPath(suffix)
	if err != nil {
		return err
	}
	form := url.Values{"operation": {"rename"}, "newname": {newName}}
	return retry.Do(ctx, c.retryConfig, func() error {
		req, err := c.newRequest(ctx, http.MethodPost, path, url.Values{"p": {p}}, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := c.do(req, "rename")
		if err != nil {
			return fmt.Errorf("rename %s to %s: %w", p, newName, err)
		}
		resp.Body.Close()
		return nil
	})
}
