// Package storage defines the Storage interface and common types for all blob
// store backends used by the activity log.
//
// Keys are slash-separated paths ("activity-logs/user_7/2024-05-01.json").
// A "directory" is any key prefix ending at a slash; object stores have no real
// directories, so backends derive them from key prefixes.
//
// New backends are added by implementing Storage and registering with the
// factory from an init() function in the backend's own package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (storage.Storage, error) {
//	        return New(&cfg.Storage.MyBackend)
//	    })
//	}
//
// cmd/server imports each backend with a blank import to trigger init().
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned (wrapped) when a key or prefix does not exist.
var ErrNotFound = errors.New("storage: not found")

// Storage defines the interface for all blob store backends
type Storage interface {
	// Upload stores reader's content at path, replacing any existing object.
	// Readers of path observe either the old or the new content, never a mix.
	Upload(ctx context.Context, path string, reader io.Reader, size int64) (*UploadResult, error)

	// Download returns the object's content. Missing keys yield ErrNotFound.
	Download(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, path string) error

	// DeletePrefix removes every object under prefix. Missing prefixes are not an error.
	DeletePrefix(ctx context.Context, prefix string) error

	// Exists checks if an object exists at path
	Exists(ctx context.Context, path string) (bool, error)

	// GetMetadata returns size and last-modified time without reading the content.
	GetMetadata(ctx context.Context, path string) (*FileMetadata, error)

	// List returns metadata for objects directly under prefix (not in nested
	// directories), in lexical key order. A missing prefix yields an empty slice.
	List(ctx context.Context, prefix string) ([]FileMetadata, error)

	// ListPrefixes returns the child directories directly under prefix as full
	// keys without a trailing slash, in lexical order.
	ListPrefixes(ctx context.Context, prefix string) ([]string, error)

	// Move renames src to dst, replacing dst. A missing src yields ErrNotFound.
	Move(ctx context.Context, src, dst string) error
}

// UploadResult contains information about an uploaded file
type UploadResult struct {
	// Path is the storage path where the file was stored
	Path string

	// Size is the file size in bytes
	Size int64

	// Checksum is the SHA256 hash of the file contents
	Checksum string
}

// FileMetadata contains metadata about a stored file
type FileMetadata struct {
	// Path is the full key of the file
	Path string

	// Size is the file size in bytes
	Size int64

	// LastModified is the timestamp when the file was last written
	LastModified time.Time
}

// DirPrefix normalises a directory key so it ends in exactly one slash.
// The empty string stays empty and denotes the root.
func DirPrefix(dir string) string {
	for len(dir) > 0 && dir[len(dir)-1] == '/' {
		dir = dir[:len(dir)-1]
	}
	if dir == "" {
		return ""
	}
	return dir + "/"
}
