// Package storagetest holds a conformance suite that every storage backend
// runs from its own tests, so all backends agree on not-found handling,
// directory listing and move semantics.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/pam-backend/pam-backend/internal/storage"
	"github.com/pam-backend/pam-backend/pkg/checksum"
)

// Run exercises the Storage contract against a fresh backend from newStore.
func Run(t *testing.T, newStore func(t *testing.T) storage.Storage) {
	t.Helper()

	t.Run("UploadDownload", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		want := []byte(`[{"id":"log_1"}]`)
		res, err := s.Upload(ctx, "logs/user_1/2024-01-01.json", bytes.NewReader(want), int64(len(want)))
		if err != nil {
			t.Fatalf("Upload() error: %v", err)
		}
		if res.Size != int64(len(want)) {
			t.Errorf("UploadResult.Size = %d, want %d", res.Size, len(want))
		}
		got := mustRead(t, s, "logs/user_1/2024-01-01.json")
		if !bytes.Equal(got, want) {
			t.Errorf("Download() = %q, want %q", got, want)
		}
		if err := checksum.Verify(got, res.Checksum); err != nil {
			t.Errorf("UploadResult.Checksum does not match content: %v", err)
		}
	})

	t.Run("UploadReplaces", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		mustWrite(t, s, "k.json", "first")
		mustWrite(t, s, "k.json", "second")
		if got := string(mustRead(t, s, "k.json")); got != "second" {
			t.Errorf("Download() = %q, want second", got)
		}
		meta, err := s.GetMetadata(ctx, "k.json")
		if err != nil {
			t.Fatalf("GetMetadata() error: %v", err)
		}
		if meta.Size != int64(len("second")) {
			t.Errorf("GetMetadata().Size = %d, want %d", meta.Size, len("second"))
		}
		if meta.LastModified.IsZero() {
			t.Error("GetMetadata().LastModified is zero")
		}
	})

	t.Run("DownloadNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Download(context.Background(), "missing.json")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Download() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("GetMetadataNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetMetadata(context.Background(), "missing.json")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("GetMetadata() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("ExistsAndDelete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		mustWrite(t, s, "a/b.json", "x")
		ok, err := s.Exists(ctx, "a/b.json")
		if err != nil || !ok {
			t.Fatalf("Exists() = %v, %v; want true, nil", ok, err)
		}
		if err := s.Delete(ctx, "a/b.json"); err != nil {
			t.Fatalf("Delete() error: %v", err)
		}
		ok, err = s.Exists(ctx, "a/b.json")
		if err != nil || ok {
			t.Errorf("Exists() after Delete = %v, %v; want false, nil", ok, err)
		}
		if err := s.Delete(ctx, "a/b.json"); err != nil {
			t.Errorf("Delete() of missing key error: %v", err)
		}
	})

	t.Run("ListDirectChildren", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		mustWrite(t, s, "logs/user_1/b.json", "b")
		mustWrite(t, s, "logs/user_1/a.json", "a")
		mustWrite(t, s, "logs/user_1/nested/c.json", "c")
		mustWrite(t, s, "logs/user_10/z.json", "z")

		files, err := s.List(ctx, "logs/user_1")
		if err != nil {
			t.Fatalf("List() error: %v", err)
		}
		var keys []string
		for _, f := range files {
			keys = append(keys, f.Path)
		}
		want := "logs/user_1/a.json,logs/user_1/b.json"
		if got := strings.Join(keys, ","); got != want {
			t.Errorf("List() = %s, want %s", got, want)
		}
	})

	t.Run("ListMissingPrefix", func(t *testing.T) {
		s := newStore(t)
		files, err := s.List(context.Background(), "nothing/here")
		if err != nil {
			t.Fatalf("List() error: %v", err)
		}
		if len(files) != 0 {
			t.Errorf("List() = %v, want empty", files)
		}
	})

	t.Run("ListPrefixes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		mustWrite(t, s, "logs/user_2/x.json", "x")
		mustWrite(t, s, "logs/user_1/x.json", "x")
		mustWrite(t, s, "logs/user_1/deep/y.json", "y")
		mustWrite(t, s, "logs/stray.json", "s")

		dirs, err := s.ListPrefixes(ctx, "logs")
		if err != nil {
			t.Fatalf("ListPrefixes() error: %v", err)
		}
		want := "logs/user_1,logs/user_2"
		if got := strings.Join(dirs, ","); got != want {
			t.Errorf("ListPrefixes() = %s, want %s", got, want)
		}
	})

	t.Run("Move", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		mustWrite(t, s, "logs/user_1/2024-01-01.json", "payload")
		if err := s.Move(ctx, "logs/user_1/2024-01-01.json", "logs/user_1/2024-01-01_10-00-00.json"); err != nil {
			t.Fatalf("Move() error: %v", err)
		}
		if ok, _ := s.Exists(ctx, "logs/user_1/2024-01-01.json"); ok {
			t.Error("source still exists after Move")
		}
		if got := string(mustRead(t, s, "logs/user_1/2024-01-01_10-00-00.json")); got != "payload" {
			t.Errorf("moved content = %q, want payload", got)
		}
	})

	t.Run("MoveNotFound", func(t *testing.T) {
		s := newStore(t)
		err := s.Move(context.Background(), "missing.json", "dst.json")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Move() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("DeletePrefix", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		mustWrite(t, s, "logs/user_1/a.json", "a")
		mustWrite(t, s, "logs/user_1/b.json", "b")
		mustWrite(t, s, "logs/user_10/a.json", "a")

		if err := s.DeletePrefix(ctx, "logs/user_1"); err != nil {
			t.Fatalf("DeletePrefix() error: %v", err)
		}
		files, _ := s.List(ctx, "logs/user_1")
		if len(files) != 0 {
			t.Errorf("List() after DeletePrefix = %v, want empty", files)
		}
		if ok, _ := s.Exists(ctx, "logs/user_10/a.json"); !ok {
			t.Error("DeletePrefix removed a sibling with a shared name prefix")
		}
		if err := s.DeletePrefix(ctx, "logs/user_1"); err != nil {
			t.Errorf("DeletePrefix() of missing prefix error: %v", err)
		}
	})
}

func mustWrite(t *testing.T, s storage.Storage, key, content string) {
	t.Helper()
	if _, err := s.Upload(context.Background(), key, strings.NewReader(content), int64(len(content))); err != nil {
		t.Fatalf("Upload(%s): %v", key, err)
	}
}

func mustRead(t *testing.T, s storage.Storage, key string) []byte {
	t.Helper()
	rc, err := s.Download(context.Background(), key)
	if err != nil {
		t.Fatalf("Download(%s): %v", key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll(%s): %v", key, err)
	}
	return data
}
