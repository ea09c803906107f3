// Package badger implements an embedded storage backend on BadgerDB. It suits
// single-node deployments that want crash-safe writes without a filesystem
// tree of segment files.
//
// Each key holds an 8-byte big-endian UnixNano modification time followed by
// the object content. Directories are derived from key prefixes.
package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/pam-backend/pam-backend/internal/config"
	"github.com/pam-backend/pam-backend/internal/storage"
	"github.com/pam-backend/pam-backend/pkg/checksum"
)

const headerLen = 8

func init() {
	storage.Register("badger", func(cfg *config.Config) (storage.Storage, error) {
		return New(&cfg.Storage.Badger)
	})
}

// BadgerStorage implements the Storage interface on a BadgerDB instance
type BadgerStorage struct {
	db  *badger.DB
	now func() time.Time
}

// New opens (or creates) the database described by cfg
func New(cfg *config.BadgerStorageConfig) (*BadgerStorage, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("badger path is required")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLogger(nil).WithSyncWrites(cfg.SyncWrites)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	return &BadgerStorage{db: db, now: time.Now}, nil
}

// Close flushes and closes the database
func (s *BadgerStorage) Close() error {
	return s.db.Close()
}

func encodeValue(modTime time.Time, data []byte) []byte {
	buf := make([]byte, headerLen+len(data))
	binary.BigEndian.PutUint64(buf, uint64(modTime.UnixNano()))
	copy(buf[headerLen:], data)
	return buf
}

func decodeHeader(val []byte) (time.Time, error) {
	if len(val) < headerLen {
		return time.Time{}, fmt.Errorf("badger value too short: %d bytes", len(val))
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(val[:headerLen]))), nil
}

// Upload stores the content with the current time as its modification time
func (s *BadgerStorage) Upload(ctx context.Context, path string, reader io.Reader, size int64) (*storage.UploadResult, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(path), encodeValue(s.now(), data))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write to badger: %w", err)
	}

	return &storage.UploadResult{
		Path:     path,
		Size:     int64(len(data)),
		Checksum: checksum.Sum(data),
	}, nil
}

// Download copies the value out of the transaction and returns it as a reader
func (s *BadgerStorage) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(path))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if _, err := decodeHeader(val); err != nil {
			return err
		}
		data = val[headerLen:]
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read from badger: %w", err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes a key; a missing key is not an error
func (s *BadgerStorage) Delete(ctx context.Context, path string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(path))
	})
	if err != nil {
		return fmt.Errorf("failed to delete from badger: %w", err)
	}
	return nil
}

// DeletePrefix drops every key under the directory prefix
func (s *BadgerStorage) DeletePrefix(ctx context.Context, prefix string) error {
	dir := storage.DirPrefix(prefix)
	if dir == "" {
		return fmt.Errorf("refusing to delete storage root")
	}
	if err := s.db.DropPrefix([]byte(dir)); err != nil {
		return fmt.Errorf("failed to drop prefix: %w", err)
	}
	return nil
}

// Exists checks if a key is present
func (s *BadgerStorage) Exists(ctx context.Context, path string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(path))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check key existence: %w", err)
	}
	return true, nil
}

// GetMetadata reads only the value header
func (s *BadgerStorage) GetMetadata(ctx context.Context, path string) (*storage.FileMetadata, error) {
	var meta *storage.FileMetadata
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(path))
		if err != nil {
			return err
		}
		meta, err = metadataFor(item)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata: %w", err)
	}
	return meta, nil
}

func metadataFor(item *badger.Item) (*storage.FileMetadata, error) {
	meta := &storage.FileMetadata{
		Path: string(item.KeyCopy(nil)),
		Size: item.ValueSize() - headerLen,
	}
	err := item.Value(func(val []byte) error {
		mt, err := decodeHeader(val)
		meta.LastModified = mt
		return err
	})
	return meta, err
}

// List iterates the prefix and keeps keys with no further slash
func (s *BadgerStorage) List(ctx context.Context, prefix string) ([]storage.FileMetadata, error) {
	dir := storage.DirPrefix(prefix)
	files := []storage.FileMetadata{}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(dir)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			rest := strings.TrimPrefix(string(item.Key()), dir)
			if rest == "" || strings.Contains(rest, "/") {
				continue
			}
			meta, err := metadataFor(item)
			if err != nil {
				return err
			}
			files = append(files, *meta)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return files, nil
}

// ListPrefixes collects the first path segment after prefix for nested keys
func (s *BadgerStorage) ListPrefixes(ctx context.Context, prefix string) ([]string, error) {
	dir := storage.DirPrefix(prefix)
	seen := make(map[string]struct{})

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(dir)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), dir)
			if i := strings.IndexByte(rest, '/'); i > 0 {
				seen[dir+rest[:i]] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list prefixes: %w", err)
	}

	dirs := make([]string, 0, len(seen))
	for d := range seen {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs, nil
}

// Move rewrites src under dst in a single transaction, keeping its mtime
func (s *BadgerStorage) Move(ctx context.Context, src, dst string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(src))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Set([]byte(dst), val); err != nil {
			return err
		}
		return txn.Delete([]byte(src))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, src)
	}
	if err != nil {
		return fmt.Errorf("failed to move key: %w", err)
	}
	return nil
}
