// Package protocol defines the Seafile web API request and response types.
package protocol

import "time"

// Entry types reported in directory listings.
const (
	TypeFile = "file"
	TypeDir  = "dir"
)

// AuthTokenResponse is returned by POST /api2/auth-token/
type AuthTokenResponse struct {
	Token string `json:"token"`
}

// Repo is one library, as returned by GET /api2/repos/
type Repo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	Owner      string `json:"owner"`
	Permission string `json:"permission"`
	Encrypted  bool   `json:"encrypted"`
	Size       int64  `json:"size"`
	MTime      int64  `json:"mtime"`
	Root       string `json:"root"`
}

// ModTime returns the last modification time of the library.
func (r Repo) ModTime() time.Time {
	return time.Unix(r.MTime, 0)
}

// DirEntry is one element of GET /api2/repos/{repo}/dir/?p=<path>
type DirEntry struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	MTime      int64  `json:"mtime"`
	Permission string `json:"permission"`
}

// IsDir reports whether the entry is a directory.
func (e DirEntry) IsDir() bool {
	return e.Type == TypeDir
}

// ModTime returns the modification time of the entry.
func (e DirEntry) ModTime() time.Time {
	return time.Unix(e.MTime, 0)
}

// UploadBlocksLink is returned by POST /api2/repos/{repo}/upload-blks-link/
// with a blklist form field. Blocks lists the ids the server does not hold.
type UploadBlocksLink struct {
	RawBlocksURL string   `json:"rawblksurl"`
	CommitURL    string   `json:"commiturl"`
	Blocks       []string `json:"blklist"`
}

// UploadedFile is one element of an upload or commit response requested
// with ret-json=1.
type UploadedFile struct {
	Name string `json:"name"`
	ID   string `json:"id"`
	Size int64  `json:"size"`
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	ErrorMsg string `json:"error_msg"`
	Detail   string `json:"detail,omitempty"`
}

// Message returns the most specific error text.
func (e ErrorResponse) Message() string {
	if e.ErrorMsg != "" {
		return e.ErrorMsg
	}
	return e.Detail
}
