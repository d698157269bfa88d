package contracts

import "time"

// PublicationState tracks best-effort external publication of a receipt.
type PublicationState string

const (
	PublicationPending          PublicationState = "pending"
	PublicationUploaded         PublicationState = "uploaded"
	PublicationAwaitingApproval PublicationState = "awaiting_approval"
	PublicationSubmitted        PublicationState = "submitted"
	PublicationFailed           PublicationState = "failed"
)

// PublicationStatus is the mutable envelope joined to a receipt at read
// time. It is never part of the signed body.
type PublicationStatus struct {
	ReceiptID       string           `json:"receipt_id"`
	State           PublicationState `json:"state"`
	ContentHash     string           `json:"content_hash,omitempty"`
	ContentURI      string           `json:"content_uri,omitempty"`
	Backend         string           `json:"backend,omitempty"`
	TransactionHash string           `json:"transaction_hash,omitempty"`
	SubmissionIndex string           `json:"submission_index,omitempty"`
	ApprovalID      string           `json:"approval_id,omitempty"`
	Attempts        int              `json:"attempts"`
	LastError       string           `json:"last_error,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// AttestationView joins a receipt to its publication record.
type AttestationView struct {
	Receipt     *Receipt           `json:"receipt"`
	Publication *PublicationStatus `json:"publication,omitempty"`
}
