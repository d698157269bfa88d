// Package artifacts stores signed receipt documents by content hash so a
// published receipt can be fetched back and re-verified byte for byte.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned when no blob exists for a hash.
var ErrNotFound = errors.New("artifact not found")

// Ref locates a stored blob.
type Ref struct {
	Hash string `json:"content_hash"`
	URI  string `json:"content_uri"`
}

// Store is content-addressed blob storage. Put is idempotent: storing the
// same bytes twice yields the same Ref and one object.
type Store interface {
	Put(ctx context.Context, data []byte) (Ref, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
	Delete(ctx context.Context, hash string) error
	// Backend names the storage kind ("fs", "s3", "gcs").
	Backend() string
}

// contentHash returns the prefixed hash and the bare hex digest of data.
func contentHash(data []byte) (prefixed, raw string) {
	sum := sha256.Sum256(data)
	raw = hex.EncodeToString(sum[:])
	return "sha256:" + raw, raw
}

// parseHash validates a "sha256:<64 hex>" reference and returns the hex part.
func parseHash(hash string) (string, error) {
	raw, ok := strings.CutPrefix(hash, "sha256:")
	if !ok {
		return "", fmt.Errorf("invalid hash format: %s", hash)
	}
	if len(raw) != sha256.Size*2 {
		return "", fmt.Errorf("invalid hash length: %s", hash)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid hash hex: %w", err)
	}
	return strings.ToLower(raw), nil
}

func objectKey(prefix, raw string) string {
	return prefix + raw + ".json"
}

// FileStore keeps blobs as files under one directory.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact dir: %w", err)
	}
	//nolint:gosec // G301: receipts are public signed documents
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: abs}, nil
}

func (s *FileStore) Backend() string { return "fs" }

func (s *FileStore) path(raw string) string {
	return filepath.Join(s.baseDir, objectKey("", raw))
}

func (s *FileStore) Put(_ context.Context, data []byte) (Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash, raw := contentHash(data)
	path := s.path(raw)
	ref := Ref{Hash: hash, URI: "file://" + filepath.ToSlash(path)}

	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	tmp := path + ".tmp"
	//nolint:gosec // G306: blobs are public signed documents
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return Ref{}, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return Ref{}, fmt.Errorf("failed to commit blob: %w", err)
	}
	return ref, nil
}

func (s *FileStore) Get(_ context.Context, hash string) ([]byte, error) {
	raw, err := parseHash(hash)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(raw)) //nolint:gosec // hash validated as hex
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, hash string) (bool, error) {
	raw, err := parseHash(hash)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(s.path(raw))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *FileStore) Delete(_ context.Context, hash string) error {
	raw, err := parseHash(hash)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(raw)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}
