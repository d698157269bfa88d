package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kpjmd/Kinetix/pkg/contracts"
)

const (
	commitmentsDir  = "commitments"
	receiptsDir     = "receipts"
	publicationsDir = "publications"
)

// FileStore keeps one JSON document per record under a data directory.
// Writes go to a temporary file that is renamed into place.
type FileStore struct {
	root string
	mu   sync.RWMutex
}

// NewFileStore creates the directory layout under root.
func NewFileStore(root string) (*FileStore, error) {
	for _, dir := range []string{commitmentsDir, receiptsDir, publicationsDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) path(dir, id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid record id %q", id)
	}
	return filepath.Join(s.root, dir, id+".json"), nil
}

func (s *FileStore) write(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to commit record: %w", err)
	}
	return nil
}

func (s *FileStore) read(path, kind, id string) ([]byte, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is built from a validated id
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", kind, err)
	}
	return data, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (s *FileStore) readAll(dir string) ([][]byte, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, dir))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var out [][]byte
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", e.Name(), err)
		}
		out = append(out, data)
	}
	return out, nil
}

func (s *FileStore) CreateCommitment(_ context.Context, c *contracts.Commitment) error {
	p, err := s.path(commitmentsDir, c.CommitmentID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if exists(p) {
		return fmt.Errorf("commitment %s: %w", c.CommitmentID, ErrAlreadyExists)
	}
	return s.write(p, c)
}

func (s *FileStore) GetCommitment(_ context.Context, id string) (*contracts.Commitment, error) {
	p, err := s.path(commitmentsDir, id)
	if err != nil {
		return nil, fmt.Errorf("commitment %s: %w", id, ErrNotFound)
	}
	s.mu.RLock()
	data, err := s.read(p, "commitment", id)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return decodeCommitment(data)
}

func (s *FileStore) UpdateCommitment(_ context.Context, c *contracts.Commitment) error {
	p, err := s.path(commitmentsDir, c.CommitmentID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !exists(p) {
		return fmt.Errorf("commitment %s: %w", c.CommitmentID, ErrNotFound)
	}
	return s.write(p, c)
}

func (s *FileStore) ListCommitments(_ context.Context, statuses ...contracts.Status) ([]*contracts.Commitment, error) {
	s.mu.RLock()
	docs, err := s.readAll(commitmentsDir)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	out := make([]*contracts.Commitment, 0, len(docs))
	for _, data := range docs {
		c, err := decodeCommitment(data)
		if err != nil {
			return nil, err
		}
		if matchStatus(c.Status, statuses) {
			out = append(out, c)
		}
	}
	sortCommitments(out)
	return out, nil
}

func (s *FileStore) PutReceipt(_ context.Context, r *contracts.Receipt) error {
	p, err := s.path(receiptsDir, r.ReceiptID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if exists(p) {
		return fmt.Errorf("receipt %s: %w", r.ReceiptID, ErrAlreadyExists)
	}
	return s.write(p, r)
}

func (s *FileStore) GetReceipt(_ context.Context, receiptID string) (*contracts.Receipt, error) {
	p, err := s.path(receiptsDir, receiptID)
	if err != nil {
		return nil, fmt.Errorf("receipt %s: %w", receiptID, ErrNotFound)
	}
	s.mu.RLock()
	data, err := s.read(p, "receipt", receiptID)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return decodeReceipt(data)
}

func (s *FileStore) PutPublication(_ context.Context, pub *contracts.PublicationStatus) error {
	p, err := s.path(publicationsDir, pub.ReceiptID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(p, pub)
}

func (s *FileStore) GetPublication(_ context.Context, receiptID string) (*contracts.PublicationStatus, error) {
	p, err := s.path(publicationsDir, receiptID)
	if err != nil {
		return nil, fmt.Errorf("publication %s: %w", receiptID, ErrNotFound)
	}
	s.mu.RLock()
	data, err := s.read(p, "publication", receiptID)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return decodePublication(data)
}

func (s *FileStore) ListPublications(_ context.Context, states ...contracts.PublicationState) ([]*contracts.PublicationStatus, error) {
	s.mu.RLock()
	docs, err := s.readAll(publicationsDir)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	out := make([]*contracts.PublicationStatus, 0, len(docs))
	for _, data := range docs {
		p, err := decodePublication(data)
		if err != nil {
			return nil, err
		}
		if matchState(p.State, states) {
			out = append(out, p)
		}
	}
	sortPublications(out)
	return out, nil
}

func (s *FileStore) Close() error { return nil }
