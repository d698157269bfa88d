// Package store persists commitments, signed receipts and publication
// status records.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kpjmd/Kinetix/pkg/contracts"
)

var (
	// ErrNotFound is returned when no record exists for the requested key.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrStaleWrite is returned when an update would move a stored
	// commitment backwards: an earlier status or fewer evidence items.
	ErrStaleWrite = errors.New("stale write")
)

// CommitmentStore persists commitments keyed by commitment ID.
type CommitmentStore interface {
	CreateCommitment(ctx context.Context, c *contracts.Commitment) error
	GetCommitment(ctx context.Context, id string) (*contracts.Commitment, error)
	UpdateCommitment(ctx context.Context, c *contracts.Commitment) error
	// ListCommitments returns commitments in any of the given statuses, or
	// all commitments when none are given, ordered by creation time.
	ListCommitments(ctx context.Context, statuses ...contracts.Status) ([]*contracts.Commitment, error)
}

// ReceiptStore persists signed receipts. Receipts are write-once.
type ReceiptStore interface {
	PutReceipt(ctx context.Context, r *contracts.Receipt) error
	GetReceipt(ctx context.Context, receiptID string) (*contracts.Receipt, error)
}

// PublicationStore persists the mutable publication record of a receipt.
type PublicationStore interface {
	PutPublication(ctx context.Context, p *contracts.PublicationStatus) error
	GetPublication(ctx context.Context, receiptID string) (*contracts.PublicationStatus, error)
	ListPublications(ctx context.Context, states ...contracts.PublicationState) ([]*contracts.PublicationStatus, error)
}

// Store is the full persistence surface used by the service.
type Store interface {
	CommitmentStore
	ReceiptStore
	PublicationStore
	Close() error
}

// checkNotStale rejects next when it was built from an older copy of stored.
func checkNotStale(stored, next *contracts.Commitment) error {
	if stored.Status != next.Status && !stored.Status.CanTransitionTo(next.Status) {
		return fmt.Errorf("commitment %s is %s, cannot write %s: %w",
			stored.CommitmentID, stored.Status, next.Status, ErrStaleWrite)
	}
	if len(next.Evidence) < len(stored.Evidence) {
		return fmt.Errorf("commitment %s has %d evidence items, update carries %d: %w",
			stored.CommitmentID, len(stored.Evidence), len(next.Evidence), ErrStaleWrite)
	}
	return nil
}

func matchStatus(s contracts.Status, statuses []contracts.Status) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}

func matchState(s contracts.PublicationState, states []contracts.PublicationState) bool {
	if len(states) == 0 {
		return true
	}
	for _, want := range states {
		if s == want {
			return true
		}
	}
	return false
}

func decodeCommitment(data []byte) (*contracts.Commitment, error) {
	var c contracts.Commitment
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode commitment: %w", err)
	}
	return &c, nil
}

func decodeReceipt(data []byte) (*contracts.Receipt, error) {
	var r contracts.Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return &r, nil
}

func decodePublication(data []byte) (*contracts.PublicationStatus, error) {
	var p contracts.PublicationStatus
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode publication: %w", err)
	}
	return &p, nil
}

func requireID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s id is required", kind)
	}
	return nil
}
