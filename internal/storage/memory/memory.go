// Package memory implements an in-process storage backend. Contents are lost on
// restart; it exists for development, tests and ephemeral demo deployments.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pam-backend/pam-backend/internal/config"
	"github.com/pam-backend/pam-backend/internal/storage"
	"github.com/pam-backend/pam-backend/pkg/checksum"
)

func init() {
	storage.Register("memory", func(_ *config.Config) (storage.Storage, error) {
		return New(), nil
	})
}

type object struct {
	data    []byte
	modTime time.Time
}

// Storage keeps objects in a map guarded by a RWMutex.
type Storage struct {
	mu      sync.RWMutex
	objects map[string]object
	now     func() time.Time
}

// Option configures a memory Storage.
type Option func(*Storage)

// WithClock overrides the clock used for LastModified.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) { s.now = now }
}

// New creates an empty memory backend.
func New(opts ...Option) *Storage {
	s := &Storage{
		objects: make(map[string]object),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetModTime overrides the LastModified of an existing key. Tests use it to
// age segments without sleeping.
func (s *Storage) SetModTime(path string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[path]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, path)
	}
	obj.modTime = t
	s.objects[path] = obj
	return nil
}

func (s *Storage) Upload(ctx context.Context, path string, reader io.Reader, size int64) (*storage.UploadResult, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}

	s.mu.Lock()
	s.objects[path] = object{data: data, modTime: s.now()}
	s.mu.Unlock()

	return &storage.UploadResult{
		Path:     path,
		Size:     int64(len(data)),
		Checksum: checksum.Sum(data),
	}, nil
}

func (s *Storage) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	s.mu.RLock()
	obj, ok := s.objects[path]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
	}
	// stored slices are never mutated after Upload, so sharing is safe
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *Storage) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	delete(s.objects, path)
	s.mu.Unlock()
	return nil
}

func (s *Storage) DeletePrefix(ctx context.Context, prefix string) error {
	dir := storage.DirPrefix(prefix)
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.objects {
		if strings.HasPrefix(key, dir) {
			delete(s.objects, key)
		}
	}
	return nil
}

func (s *Storage) Exists(ctx context.Context, path string) (bool, error) {
	s.mu.RLock()
	_, ok := s.objects[path]
	s.mu.RUnlock()
	return ok, nil
}

func (s *Storage) GetMetadata(ctx context.Context, path string) (*storage.FileMetadata, error) {
	s.mu.RLock()
	obj, ok := s.objects[path]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
	}
	return &storage.FileMetadata{Path: path, Size: int64(len(obj.data)), LastModified: obj.modTime}, nil
}

func (s *Storage) List(ctx context.Context, prefix string) ([]storage.FileMetadata, error) {
	dir := storage.DirPrefix(prefix)
	s.mu.RLock()
	defer s.mu.RUnlock()

	files := []storage.FileMetadata{}
	for key, obj := range s.objects {
		rest, ok := strings.CutPrefix(key, dir)
		if !ok || rest == "" || strings.Contains(rest, "/") {
			continue
		}
		files = append(files, storage.FileMetadata{Path: key, Size: int64(len(obj.data)), LastModified: obj.modTime})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (s *Storage) ListPrefixes(ctx context.Context, prefix string) ([]string, error) {
	dir := storage.DirPrefix(prefix)
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for key := range s.objects {
		rest, ok := strings.CutPrefix(key, dir)
		if !ok {
			continue
		}
		if i := strings.IndexByte(rest, '/'); i > 0 {
			seen[dir+rest[:i]] = struct{}{}
		}
	}
	dirs := make([]string, 0, len(seen))
	for d := range seen {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs, nil
}

// Move keeps the source's modification time, like a filesystem rename.
func (s *Storage) Move(ctx context.Context, src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[src]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, src)
	}
	s.objects[dst] = obj
	delete(s.objects, src)
	return nil
}
