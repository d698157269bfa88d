package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/kpjmd/Kinetix/pkg/contracts"
)

// MemoryStore keeps encoded records in maps. Records are stored and
// returned as copies.
type MemoryStore struct {
	mu           sync.RWMutex
	commitments  map[string][]byte
	receipts     map[string][]byte
	publications map[string][]byte
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		commitments:  make(map[string][]byte),
		receipts:     make(map[string][]byte),
		publications: make(map[string][]byte),
	}
}

func (m *MemoryStore) CreateCommitment(_ context.Context, c *contracts.Commitment) error {
	if err := requireID("commitment", c.CommitmentID); err != nil {
		return err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode commitment: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.commitments[c.CommitmentID]; ok {
		return fmt.Errorf("commitment %s: %w", c.CommitmentID, ErrAlreadyExists)
	}
	m.commitments[c.CommitmentID] = data
	return nil
}

func (m *MemoryStore) GetCommitment(_ context.Context, id string) (*contracts.Commitment, error) {
	m.mu.RLock()
	data, ok := m.commitments[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("commitment %s: %w", id, ErrNotFound)
	}
	return decodeCommitment(data)
}

func (m *MemoryStore) UpdateCommitment(_ context.Context, c *contracts.Commitment) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode commitment: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.commitments[c.CommitmentID]; !ok {
		return fmt.Errorf("commitment %s: %w", c.CommitmentID, ErrNotFound)
	}
	m.commitments[c.CommitmentID] = data
	return nil
}

func (m *MemoryStore) ListCommitments(_ context.Context, statuses ...contracts.Status) ([]*contracts.Commitment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*contracts.Commitment, 0, len(m.commitments))
	for _, data := range m.commitments {
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

func (m *MemoryStore) PutReceipt(_ context.Context, r *contracts.Receipt) error {
	if err := requireID("receipt", r.ReceiptID); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.receipts[r.ReceiptID]; ok {
		return fmt.Errorf("receipt %s: %w", r.ReceiptID, ErrAlreadyExists)
	}
	m.receipts[r.ReceiptID] = data
	return nil
}

func (m *MemoryStore) GetReceipt(_ context.Context, receiptID string) (*contracts.Receipt, error) {
	m.mu.RLock()
	data, ok := m.receipts[receiptID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("receipt %s: %w", receiptID, ErrNotFound)
	}
	return decodeReceipt(data)
}

func (m *MemoryStore) PutPublication(_ context.Context, p *contracts.PublicationStatus) error {
	if err := requireID("receipt", p.ReceiptID); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode publication: %w", err)
	}
	m.mu.Lock()
	m.publications[p.ReceiptID] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetPublication(_ context.Context, receiptID string) (*contracts.PublicationStatus, error) {
	m.mu.RLock()
	data, ok := m.publications[receiptID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("publication %s: %w", receiptID, ErrNotFound)
	}
	return decodePublication(data)
}

func (m *MemoryStore) ListPublications(_ context.Context, states ...contracts.PublicationState) ([]*contracts.PublicationStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*contracts.PublicationStatus, 0, len(m.publications))
	for _, data := range m.publications {
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

func (m *MemoryStore) Close() error { return nil }

func sortCommitments(cs []*contracts.Commitment) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].CommitmentID < cs[j].CommitmentID
		}
		return cs[i].CreatedAt.Before(cs[j].CreatedAt)
	})
}

func sortPublications(ps []*contracts.PublicationStatus) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].UpdatedAt.Equal(ps[j].UpdatedAt) {
			return ps[i].ReceiptID < ps[j].ReceiptID
		}
		return ps[i].UpdatedAt.Before(ps[j].UpdatedAt)
	})
}
