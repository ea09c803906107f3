// Package checksum computes the SHA-256 digests that storage backends return
// in UploadResult and attach to object metadata, so a segment can be checked
// against what was written regardless of which backend holds it.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
)

// ErrMismatch is returned by Verify when content does not hash to the expected digest.
var ErrMismatch = errors.New("checksum mismatch")

// Sum returns the hex-encoded SHA-256 of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Hasher accumulates a digest over streamed writes. Pair it with
// io.MultiWriter when the content is copied rather than buffered.
type Hasher struct {
	h hash.Hash
}

// NewHasher returns an empty Hasher.
func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

// Write adds p to the digest. It never fails.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Hex returns the digest of everything written so far.
func (h *Hasher) Hex() string {
	return hex.EncodeToString(h.h.Sum(nil))
}

// CalculateSHA256 drains reader and returns its hex digest.
func CalculateSHA256(reader io.Reader) (string, error) {
	h := NewHasher()
	if _, err := io.Copy(h, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}
	return h.Hex(), nil
}

// Verify reports ErrMismatch when data does not hash to want.
func Verify(data []byte, want string) error {
	if got := Sum(data); got != want {
		return fmt.Errorf("%w: got %s, want %s", ErrMismatch, got, want)
	}
	return nil
}
