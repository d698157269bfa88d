package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a commitment.
type Status string

const (
	StatusActive   Status = "active"
	StatusVerified Status = "verified"
	StatusPartial  Status = "partial"
	StatusFailed   Status = "failed"
	StatusAttested Status = "attested"
)

// IsScored reports whether s is one of the scoring verdicts.
func (s Status) IsScored() bool {
	return s == StatusVerified || s == StatusPartial || s == StatusFailed
}

// rank orders statuses so transitions can be checked for direction.
func (s Status) rank() int {
	switch s {
	case StatusActive:
		return 0
	case StatusVerified, StatusPartial, StatusFailed:
		return 1
	case StatusAttested:
		return 2
	default:
		return -1
	}
}

// CanTransitionTo reports whether moving from s to next is a forward transition.
func (s Status) CanTransitionTo(next Status) bool {
	from, to := s.rank(), next.rank()
	if from < 0 || to < 0 {
		return false
	}
	if s == StatusActive {
		return next.IsScored()
	}
	if s.IsScored() {
		return next == StatusAttested
	}
	return false
}

// PlatformProfiles maps a platform name to the agent's handle there.
type PlatformProfiles map[string]string

// Payment records how a verification was paid for.
type Payment struct {
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	TokenUsed       string `json:"token_used"`
	Network         string `json:"network"`
	TransactionHash string `json:"transaction_hash,omitempty"`
	Payer           string `json:"payer,omitempty"`
}

// DefaultPayment is recorded when a request carries no payment metadata.
func DefaultPayment() Payment {
	return Payment{
		Amount:    "0",
		Currency:  "USDC_EQUIVALENT",
		TokenUsed: "KINETIX",
		Network:   "base",
	}
}

// Commitment is a time-bounded promise by an agent, subject to verification.
type Commitment struct {
	CommitmentID     string           `json:"commitment_id"`
	AgentID          string           `json:"agent_id"`
	Pubkey           string           `json:"pubkey,omitempty"`
	WalletAddress    string           `json:"wallet_address,omitempty"`
	PlatformProfiles PlatformProfiles `json:"platform_profiles,omitempty"`
	Description      string           `json:"description"`
	VerificationType VerificationType `json:"verification_type"`
	Platform         string           `json:"platform,omitempty"`
	Criteria         Criteria         `json:"criteria"`
	Difficulty       string           `json:"difficulty"`
	Status           Status           `json:"status"`
	CreatedAt        time.Time        `json:"created_at"`
	StartDate        time.Time        `json:"start_date"`
	EndDate          time.Time        `json:"end_date"`
	Payment          *Payment         `json:"payment,omitempty"`
	Evidence         []Evidence       `json:"evidence"`
	ScoringResult    *ScoringResult   `json:"scoring_result"`
	ScoredAt         *time.Time       `json:"scored_at,omitempty"`
	ReceiptID        string           `json:"receipt_id,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// UnmarshalJSON decodes the criteria into the variant named by verification_type.
func (c *Commitment) UnmarshalJSON(data []byte) error {
	type alias Commitment
	aux := struct {
		*alias
		Criteria json.RawMessage `json:"criteria"`
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Criteria) == 0 || string(aux.Criteria) == "null" {
		c.Criteria = nil
		return nil
	}
	criteria, err := DecodeCriteria(c.VerificationType, aux.Criteria)
	if err != nil {
		return fmt.Errorf("commitment %s: %w", c.CommitmentID, err)
	}
	c.Criteria = criteria
	return nil
}

// Expired reports whether the commitment's window has elapsed at now.
func (c *Commitment) Expired(now time.Time) bool {
	return !now.Before(c.EndDate)
}

// Clone returns a deep copy of the commitment so callers can mutate it freely.
func (c *Commitment) Clone() (*Commitment, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("clone commitment: %w", err)
	}
	var out Commitment
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone commitment: %w", err)
	}
	return &out, nil
}

// CreateVerificationRequest is the inbound request to open a commitment.
type CreateVerificationRequest struct {
	AgentID          string           `json:"agent_id"`
	Pubkey           string           `json:"pubkey,omitempty"`
	WalletAddress    string           `json:"wallet_address,omitempty"`
	PlatformProfiles PlatformProfiles `json:"platform_profiles,omitempty"`
	Description      string           `json:"description"`
	VerificationType VerificationType `json:"verification_type"`
	Platform         string           `json:"platform,omitempty"`
	Criteria         json.RawMessage  `json:"criteria"`
	StartDate        *time.Time       `json:"start_date,omitempty"`
	Payment          *Payment         `json:"payment,omitempty"`
}

// CreateVerificationResponse is returned synchronously from creation.
type CreateVerificationResponse struct {
	VerificationID     string    `json:"verification_id"`
	Status             Status    `json:"status"`
	ExpectedCompletion time.Time `json:"expected_completion"`
}

// StatusView is the read model returned by status queries.
type StatusView struct {
	VerificationID   string           `json:"verification_id"`
	Status           Status           `json:"status"`
	VerificationType VerificationType `json:"verification_type"`
	EvidenceCount    int              `json:"evidence_count"`
	CreatedAt        time.Time        `json:"created_at"`
	EndDate          time.Time        `json:"end_date"`
	ScoringResult    *ScoringResult   `json:"scoring_result"`
	ReceiptID        string           `json:"receipt_id,omitempty"`
}

// View projects the commitment onto its status read model.
func (c *Commitment) View() *StatusView {
	// A scored commitment may hold a reserved ID whose receipt is not stored yet.
	receiptID := ""
	if c.Status == StatusAttested {
		receiptID = c.ReceiptID
	}
	return &StatusView{
		VerificationID:   c.CommitmentID,
		Status:           c.Status,
		VerificationType: c.VerificationType,
		EvidenceCount:    len(c.Evidence),
		CreatedAt:        c.CreatedAt,
		EndDate:          c.EndDate,
		ScoringResult:    c.ScoringResult,
		ReceiptID:        receiptID,
	}
}
