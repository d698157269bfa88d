package contracts

import (
	"encoding/json"
	"time"
)

const (
	ReceiptVersion     = "1.0.0"
	ReceiptType        = "verification_attestation"
	ReceiptSchema      = "kinetix.receipt.v1"
	SignatureAlgorithm = "ECDSA_secp256k1"
)

// Issuer identifies the attesting service.
type Issuer struct {
	Name             string           `json:"name"`
	AgentID          string           `json:"agent_id"`
	Pubkey           string           `json:"pubkey"`
	PlatformProfiles PlatformProfiles `json:"platform_profiles,omitempty"`
}

// Recipient identifies the agent the receipt is about.
type Recipient struct {
	AgentID          string           `json:"agent_id"`
	Pubkey           string           `json:"pubkey,omitempty"`
	PlatformProfiles PlatformProfiles `json:"platform_profiles,omitempty"`
	WalletAddress    string           `json:"wallet_address,omitempty"`
}

// CommitmentTerms is the embedded copy of what was promised.
type CommitmentTerms struct {
	CommitmentID     string           `json:"commitment_id"`
	Description      string           `json:"description"`
	VerificationType VerificationType `json:"verification_type"`
	Criteria         Criteria         `json:"criteria"`
	CreatedAt        time.Time        `json:"created_at"`
	StartDate        time.Time        `json:"start_date"`
	EndDate          time.Time        `json:"end_date"`
}

// ReceiptEvidence is the denormalized evidence snapshot carried in a receipt.
type ReceiptEvidence struct {
	EvidenceID         string    `json:"evidence_id"`
	Timestamp          time.Time `json:"timestamp"`
	Platform           string    `json:"platform"`
	ActionType         string    `json:"action_type"`
	ActionURL          string    `json:"action_url,omitempty"`
	EventID            string    `json:"event_id,omitempty"`
	ContentHash        string    `json:"content_hash"`
	QualityScore       *float64  `json:"quality_score,omitempty"`
	VerificationMethod string    `json:"verification_method"`
	VerifierNotes      string    `json:"verifier_notes,omitempty"`
}

// ReceiptMetadata carries issuance context.
type ReceiptMetadata struct {
	IssuedAt               time.Time `json:"issued_at"`
	ReputationImpact       float64   `json:"reputation_impact"`
	VerificationDifficulty string    `json:"verification_difficulty"`
	DisputeWindowDays      int       `json:"dispute_window_days"`
	DisputeDeadline        time.Time `json:"dispute_deadline"`
	SchemaVersion          string    `json:"schema_version"`
}

// ReputationContext is the signed reputation payload. Submission indexes
// and storage pointers live on PublicationStatus instead.
type ReputationContext struct {
	AgentID         string   `json:"agent_id"`
	ReputationValue int      `json:"reputation_value"`
	ReputationTags  []string `json:"reputation_tags"`
}

// SigningDomain binds a signature to one protocol deployment.
type SigningDomain struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ChainID           int64  `json:"chain_id"`
	VerifyingContract string `json:"verifying_contract"`
}

// SignatureBlock is attached after signing and excluded from the signed body.
type SignatureBlock struct {
	ReceiptHash        string        `json:"receipt_hash"`
	SigningDigest      string        `json:"signing_digest"`
	IssuerSignature    string        `json:"issuer_signature"`
	SignatureAlgorithm string        `json:"signature_algorithm"`
	SignedAt           time.Time     `json:"signed_at"`
	Domain             SigningDomain `json:"domain"`
}

// Receipt is a signed statement of a commitment's final outcome. Every
// field except Signatures is covered by the signature.
type Receipt struct {
	ReceiptVersion     string            `json:"receipt_version"`
	ReceiptID          string            `json:"receipt_id"`
	ReceiptType        string            `json:"receipt_type"`
	Issuer             Issuer            `json:"issuer"`
	Recipient          Recipient         `json:"recipient"`
	Commitment         CommitmentTerms   `json:"commitment"`
	VerificationResult ScoringResult     `json:"verification_result"`
	Evidence           []ReceiptEvidence `json:"evidence"`
	Payment            Payment           `json:"payment"`
	Metadata           ReceiptMetadata   `json:"metadata"`
	ReputationContext  ReputationContext `json:"reputation_context"`
	Signatures         *SignatureBlock   `json:"signatures,omitempty"`
}

// Unsigned returns a shallow copy with the signature block removed.
func (r *Receipt) Unsigned() *Receipt {
	cp := *r
	cp.Signatures = nil
	return &cp
}

// UnmarshalJSON decodes the criteria into the variant named by verification_type.
func (t *CommitmentTerms) UnmarshalJSON(data []byte) error {
	type alias CommitmentTerms
	aux := struct {
		*alias
		Criteria json.RawMessage `json:"criteria"`
	}{alias: (*alias)(t)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Criteria) == 0 || string(aux.Criteria) == "null" {
		t.Criteria = nil
		return nil
	}
	criteria, err := DecodeCriteria(t.VerificationType, aux.Criteria)
	if err != nil {
		return err
	}
	t.Criteria = criteria
	return nil
}
