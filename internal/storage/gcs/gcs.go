// Package gcs implements the Google Cloud Storage backend for activity log
// segments. Supports Application Default Credentials, service account JSON
// keys, and Workload Identity Federation for keyless authentication in GKE
// and GitHub Actions environments.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	appconfig "github.com/pam-backend/pam-backend/internal/config"
	appstorage "github.com/pam-backend/pam-backend/internal/storage"
	"github.com/pam-backend/pam-backend/pkg/checksum"
)

func init() {
	appstorage.Register("gcs", func(cfg *appconfig.Config) (appstorage.Storage, error) {
		return New(&cfg.Storage.GCS)
	})
}

// GCSStorage implements the Storage interface for Google Cloud Storage
type GCSStorage struct {
	client    *storage.Client
	bucket    string
	projectID string
}

// New creates a new Google Cloud Storage backend
//
// Authentication methods:
//   - "default" or empty: Application Default Credentials (ADC)
//   - "service_account": a service account key file or JSON
//   - "workload_identity": Workload Identity Federation, resolved through ADC
func New(cfg *appconfig.GCSStorageConfig) (*GCSStorage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket name is required")
	}

	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	authMethod := cfg.AuthMethod
	if authMethod == "" {
		if cfg.CredentialsFile != "" || cfg.CredentialsJSON != "" {
			authMethod = "service_account"
		} else {
			authMethod = "default"
		}
	}

	switch authMethod {
	case "service_account":
		if cfg.CredentialsJSON != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
		} else if cfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		} else {
			return nil, fmt.Errorf("credentials_file or credentials_json is required for service_account auth")
		}

	case "workload_identity", "default":
		// ADC picks up GOOGLE_APPLICATION_CREDENTIALS or the metadata server.

	default:
		return nil, fmt.Errorf("unsupported auth_method: %s (must be 'default', 'service_account', or 'workload_identity')", authMethod)
	}

	client, err := storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSStorage{
		client:    client,
		bucket:    cfg.Bucket,
		projectID: cfg.ProjectID,
	}, nil
}

// Close closes the GCS client
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

func (s *GCSStorage) object(path string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(path)
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrObjectNotExist)
}

// Upload stores a segment in GCS with its sha256 in object metadata
func (s *GCSStorage) Upload(ctx context.Context, path string, reader io.Reader, size int64) (*appstorage.UploadResult, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}
	sum := checksum.Sum(data)

	writer := s.object(path).NewWriter(ctx)
	writer.ContentType = "application/json"
	writer.Metadata = map[string]string{"sha256": sum}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close GCS writer: %w", err)
	}

	return &appstorage.UploadResult{
		Path:     path,
		Size:     int64(len(data)),
		Checksum: sum,
	}, nil
}

// Download retrieves an object from GCS
func (s *GCSStorage) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	reader, err := s.object(path).NewReader(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", appstorage.ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read from GCS: %w", err)
	}
	return reader, nil
}

// Delete removes an object; a missing object is not an error
func (s *GCSStorage) Delete(ctx context.Context, path string) error {
	if err := s.object(path).Delete(ctx); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete from GCS: %w", err)
	}
	return nil
}

// DeletePrefix deletes every object below prefix, recursively
func (s *GCSStorage) DeletePrefix(ctx context.Context, prefix string) error {
	dir := appstorage.DirPrefix(prefix)
	if dir == "" {
		return fmt.Errorf("refusing to delete storage root")
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: dir})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to list objects: %w", err)
		}
		if err := s.Delete(ctx, attrs.Name); err != nil {
			return fmt.Errorf("failed to delete %s: %w", attrs.Name, err)
		}
	}
}

// Exists checks if an object exists at the specified path
func (s *GCSStorage) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.object(path).Attrs(ctx)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

// GetMetadata retrieves object size and update time without reading content
func (s *GCSStorage) GetMetadata(ctx context.Context, path string) (*appstorage.FileMetadata, error) {
	attrs, err := s.object(path).Attrs(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", appstorage.ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to get object metadata: %w", err)
	}
	return &appstorage.FileMetadata{
		Path:         path,
		Size:         attrs.Size,
		LastModified: attrs.Updated,
	}, nil
}

// List returns the objects directly under prefix
func (s *GCSStorage) List(ctx context.Context, prefix string) ([]appstorage.FileMetadata, error) {
	dir := appstorage.DirPrefix(prefix)
	files := []appstorage.FileMetadata{}
	err := s.listDelimited(ctx, dir, func(attrs *storage.ObjectAttrs) {
		if attrs.Prefix != "" || attrs.Name == dir {
			return
		}
		files = append(files, appstorage.FileMetadata{
			Path:         attrs.Name,
			Size:         attrs.Size,
			LastModified: attrs.Updated,
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// ListPrefixes returns the synthetic directories directly under prefix
func (s *GCSStorage) ListPrefixes(ctx context.Context, prefix string) ([]string, error) {
	dirs := []string{}
	err := s.listDelimited(ctx, appstorage.DirPrefix(prefix), func(attrs *storage.ObjectAttrs) {
		if attrs.Prefix != "" {
			dirs = append(dirs, strings.TrimSuffix(attrs.Prefix, "/"))
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(dirs)
	return dirs, nil
}

func (s *GCSStorage) listDelimited(ctx context.Context, dir string, fn func(*storage.ObjectAttrs)) error {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: dir, Delimiter: "/"})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to list objects: %w", err)
		}
		fn(attrs)
	}
}

// Move copies src to dst server-side and deletes src
func (s *GCSStorage) Move(ctx context.Context, src, dst string) error {
	if _, err := s.object(dst).CopierFrom(s.object(src)).Run(ctx); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", appstorage.ErrNotFound, src)
		}
		return fmt.Errorf("failed to copy object: %w", err)
	}
	return s.Delete(ctx, src)
}

// EnsureBucket creates the bucket if it doesn't exist
func (s *GCSStorage) EnsureBucket(ctx context.Context) error {
	bucket := s.client.Bucket(s.bucket)

	_, err := bucket.Attrs(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("failed to check bucket: %w", err)
	}

	if s.projectID == "" {
		return fmt.Errorf("project_id is required to create a bucket")
	}
	if err := bucket.Create(ctx, s.projectID, nil); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

var _ appstorage.Storage = (*GCSStorage)(nil)
