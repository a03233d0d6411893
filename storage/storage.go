// Package storage reads and writes conversation outputs. A Volume routes
// each path either to a remote blob store (paths under the volume root) or
// to the local filesystem, and scopes bare file names to a session folder.
package storage

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a read targets a missing object.
	ErrNotFound = errors.New("file not found")
	// ErrOutsideRoot is returned when a copy source lies outside the volume root.
	ErrOutsideRoot = errors.New("path outside permitted root")
	// ErrUnsafePath is returned for absolute or traversing relative names.
	ErrUnsafePath = errors.New("unsafe path")
)

// FileInfo describes one stored file.
type FileInfo struct {
	Name    string    `json:"name"` // relative to the listed directory
	Path    string    `json:"path"`
	Size    int64     `json:"size_bytes"`
	ModTime time.Time `json:"modified_time,omitempty"`
}

// Backend is a byte-addressed store with path-based directories.
type Backend interface {
	// Write stores data at p, creating parent directories as needed.
	Write(ctx context.Context, p string, data []byte, contentType string) error
	// Read returns the object at p, or an error wrapping ErrNotFound.
	Read(ctx context.Context, p string) ([]byte, error)
	// List returns every file below dir, recursively. A missing directory
	// lists as empty.
	List(ctx context.Context, dir string) ([]FileInfo, error)
	// CreateDir creates dir; it is not an error if it already exists.
	CreateDir(ctx context.Context, dir string) error
}

// SafeRelative validates a relative file name: not absolute, no ".."
// segments. It returns the cleaned slash-separated form.
func SafeRelative(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return "", false
	}
	if len(name) >= 2 && name[1] == ':' {
		return "", false
	}
	for _, seg := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return "", false
		}
	}
	cleaned := path.Clean(strings.ReplaceAll(name, `\`, "/"))
	if cleaned == "." {
		return "", false
	}
	return cleaned, true
}

// Within reports whether p is root itself or lies below it, after cleaning.
func Within(root, p string) bool {
	root = path.Clean(root)
	p = path.Clean(p)
	if p == root {
		return true
	}
	if root == "/" {
		return strings.HasPrefix(p, "/")
	}
	return strings.HasPrefix(p, root+"/")
}
