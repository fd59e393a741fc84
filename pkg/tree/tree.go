// Package tree provides helpers for remote library paths.
package tree

import (
	"path"
	"strings"
)

// Root is the path of the library root.
const Root = "/"

// BuildChildPath constructs a child path from parent + name.
func BuildChildPath(parentPath, name string) string {
	if parentPath == "/" || parentPath == "" {
		return "/" + name
	}
	return parentPath + "/" + name
}

// Clean normalizes p to an absolute slash path without a trailing slash.
func Clean(p string) string {
	if p == "" {
		return Root
	}
	return path.Clean("/" + strings.TrimLeft(p, "/"))
}

// Split returns the parent directory and final element of p.
// Split("/") returns ("/", "").
func Split(p string) (dir, name string) {
	p = Clean(p)
	if p == Root {
		return Root, ""
	}
	i := strings.LastIndexByte(p, '/')
	if i == 0 {
		return Root, p[1:]
	}
	return p[:i], p[i+1:]
}

// Segments returns the non-empty path elements of p in order.
func Segments(p string) []string {
	p = Clean(p)
	if p == Root {
		return nil
	}
	return strings.Split(p[1:], "/")
}

// IsAncestor reports whether dir is a strict ancestor of p.
func IsAncestor(dir, p string) bool {
	dir, p = Clean(dir), Clean(p)
	if dir == p {
		return false
	}
	if dir == Root {
		return true
	}
	return strings.HasPrefix(p, dir+"/")
}

// CacheID converts a remote object ID to a cache-safe key (replaces / with _).
func CacheID(id string) string {
	return strings.ReplaceAll(id, "/", "_")
}

// ValidName reports whether name can be used as a single path element.
func ValidName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsRune(name, '/')
}
