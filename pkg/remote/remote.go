// Package remote defines the boundary between the filesystem core and the
// versioned remote file store.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind distinguishes files from directories.
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

func (k Kind) String() string {
	if k == KindDir {
		return "dir"
	}
	return "file"
}

// Entry is one child of a remote directory.
type Entry struct {
	Name  string
	ID    string // object id of the current version
	Kind  Kind
	Size  int64
	MTime time.Time
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool {
	return e.Kind == KindDir
}

// Block is a content block ready for upload. ID is derived from Data.
type Block struct {
	ID   string
	Data []byte
}

// BlockRef references an uploaded block in a commit.
type BlockRef struct {
	ID   string
	Size int64
}

// Store is the remote file store. Paths are absolute, slash-separated and
// relative to the mounted library root.
type Store interface {
	// ListDirectory returns the children of dir.
	ListDirectory(ctx context.Context, dir string) ([]Entry, error)

	// FetchContent returns the full content of the file at path. id is the
	// version the caller expects; stores may ignore it.
	FetchContent(ctx context.Context, path, id string) ([]byte, error)

	// UploadBlocks stores blocks and returns a reference per block.
	UploadBlocks(ctx context.Context, blocks []Block) ([]BlockRef, error)

	// CommitVersion atomically registers refs as the new content of
	// dir/name. base is the version the content was derived from ("" for a
	// file not yet known remotely, AnyVersion to replace whatever is
	// there). A mismatch returns *ConflictError.
	CommitVersion(ctx context.Context, dir, name string, refs []BlockRef, base string) (string, error)

	// Mkdir creates a directory and returns its entry.
	Mkdir(ctx context.Context, path string) (Entry, error)

	// Delete removes a file or an empty directory.
	Delete(ctx context.Context, path string, kind Kind) error

	// Rename moves from to to, replacing an existing file at to.
	Rename(ctx context.Context, from, to string) error
}

// RangeFetcher is implemented by stores that can serve partial content.
type RangeFetcher interface {
	FetchRange(ctx context.Context, path, id string, off, n int64) ([]byte, error)
}

// BlockChecker is implemented by stores that can report which blocks they
// do not hold yet.
type BlockChecker interface {
	MissingBlocks(ctx context.Context, ids []string) ([]string, error)
}

// Error kinds shared by every layer. Wrap them with %w.
var (
	ErrNotFound         = errors.New("not found")
	ErrNotADirectory    = errors.New("not a directory")
	ErrIsDirectory      = errors.New("is a directory")
	ErrAlreadyExists    = errors.New("already exists")
	ErrNotEmpty         = errors.New("directory not empty")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNetwork          = errors.New("network error")
	ErrCommitFailed     = errors.New("commit failed")
	ErrInterrupted      = errors.New("interrupted")
	ErrBadHandle        = errors.New("bad file handle")
	ErrInvalidName      = errors.New("invalid name")
)

// AnyVersion as a commit base skips the version check.
const AnyVersion = "*"

// ConflictError is returned when a commit's base version is no longer the
// current remote version.
type ConflictError struct {
	Path     string
	Expected string
	Current  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %q, remote has %q",
		e.Path, e.Expected, e.Current)
}

// AsConflict checks if an error is a ConflictError and returns it.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
