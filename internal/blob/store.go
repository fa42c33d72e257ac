// Package blob stores memory content bodies on the local filesystem.
// Bodies are zstd-compressed and addressed by the BLAKE3 digest of their
// uncompressed bytes, so identical content within a tenant is stored once.
package blob

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/basket/datafabric/internal/fabricerr"
)

const fileSuffix = ".zst"

// Store is a content-addressed blob directory laid out as <root>/<tenant>/<hash>.zst.
type Store struct {
	root    string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Open creates root if needed and prepares the codec.
func Open(root string) (*Store, error) {
	if root == "" {
		return nil, fabricerr.Invalid("blob root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Store{root: root, encoder: enc, decoder: dec}, nil
}

// Close releases codec resources.
func (s *Store) Close() error {
	s.decoder.Close()
	return s.encoder.Close()
}

// Root returns the blob directory.
func (s *Store) Root() string { return s.root }

// Hash returns the hex BLAKE3-256 digest of data.
func Hash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put writes data for tenantID and returns its key. Writing the same bytes
// twice returns the same key and leaves the existing file alone.
func (s *Store) Put(ctx context.Context, tenantID string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !validSegment(tenantID) {
		return "", fabricerr.Invalid("blob tenant %q is not a valid path segment", tenantID)
	}
	key := tenantID + "/" + Hash(data)
	path := s.path(key)
	if _, err := os.Stat(path); err == nil {
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}

	compressed := s.encoder.EncodeAll(data, nil)
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return "", fmt.Errorf("create blob temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(compressed); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return key, nil
}

// Get reads and decompresses a blob. The digest is re-checked on read.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tenantID, sum, err := splitKey(key)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fabricerr.NotFound("blob", key)
		}
		return nil, fmt.Errorf("read blob: %w", err)
	}
	data, err := s.decoder.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress blob %s/%s: %w", tenantID, sum, err)
	}
	if Hash(data) != sum {
		return nil, fmt.Errorf("blob %q digest mismatch", key)
	}
	return data, nil
}

// Delete removes a blob. Deleting a missing blob is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, _, err := splitKey(key); err != nil {
		return err
	}
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key)+fileSuffix)
}

func splitKey(key string) (string, string, error) {
	tenantID, sum, ok := strings.Cut(key, "/")
	if !ok || !validSegment(tenantID) || len(sum) != 64 {
		return "", "", fabricerr.Invalid("malformed blob key %q", key)
	}
	if _, err := hex.DecodeString(sum); err != nil {
		return "", "", fabricerr.Invalid("malformed blob key %q", key)
	}
	return tenantID, sum, nil
}

func validSegment(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, `/\`+"\x00")
}
