package contracts

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

const (
	CommitmentIDPrefix = "cmt_kx_"
	ReceiptIDPrefix    = "rcpt_kx_"
	EvidenceIDPrefix   = "ev_"
)

func randomSuffix() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand only fails if the OS entropy source is broken.
		panic("contracts: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// NewCommitmentID returns a fresh commitment identifier.
func NewCommitmentID() string { return CommitmentIDPrefix + randomSuffix() }

// NewReceiptID returns a fresh receipt identifier.
func NewReceiptID() string { return ReceiptIDPrefix + randomSuffix() }

// NewEvidenceID returns a fresh evidence identifier.
func NewEvidenceID() string { return EvidenceIDPrefix + uuid.NewString() }
