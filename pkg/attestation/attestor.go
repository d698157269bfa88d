// Package attestation assembles, signs and verifies verification receipts.
//
// A receipt body is canonicalized with RFC 8785, hashed with SHA-256 for
// display (receipt_hash) and with Keccak-256 for signing. The signing
// digest binds the body to a SigningDomain:
//
//	keccak256(0x19 0x01 || keccak256(JCS(domain)) || keccak256(JCS(body)))
//
// and is signed with the issuer's secp256k1 key. The signature block is
// never part of the signed body.
package attestation

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/kpjmd/Kinetix/pkg/canonicalize"
	"github.com/kpjmd/Kinetix/pkg/config"
	"github.com/kpjmd/Kinetix/pkg/contracts"
	"github.com/kpjmd/Kinetix/pkg/crypto"
)

// ErrNotScored is returned when a receipt is requested for an unscored commitment.
var ErrNotScored = errors.New("commitment has not been scored")

// Config describes the issuer and receipt metadata policy.
type Config struct {
	IssuerName        string
	IssuerAgentID     string
	IssuerProfiles    contracts.PlatformProfiles
	Domain            contracts.SigningDomain
	ReputationWeights map[string]float64
	DisputeWindowDays int
}

// DefaultDomain is the production signing domain on Base mainnet.
func DefaultDomain() contracts.SigningDomain {
	return contracts.SigningDomain{
		Name:              "KinetixProtocol",
		Version:           "1",
		ChainID:           8453,
		VerifyingContract: "0x0000000000000000000000000000000000000000",
	}
}

// ConfigFromRules builds a Config from the attestation rules.
func ConfigFromRules(r config.AttestationRules, profiles map[string]string, domain contracts.SigningDomain) Config {
	return Config{
		IssuerName:        r.IssuerName,
		IssuerAgentID:     r.IssuerAgentID,
		IssuerProfiles:    profiles,
		Domain:            domain,
		ReputationWeights: r.ReputationWeights,
		DisputeWindowDays: r.DisputeWindowDays,
	}
}

// Option configures an Attestor.
type Option func(*Attestor)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(a *Attestor) { a.clock = clock }
}

// WithIDGenerator overrides receipt ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(a *Attestor) { a.newID = gen }
}

// Attestor issues signed receipts.
type Attestor struct {
	signer crypto.Signer
	cfg    Config
	clock  func() time.Time
	newID  func() string
}

// New creates an Attestor signing with signer.
func New(signer crypto.Signer, cfg Config, opts ...Option) *Attestor {
	if cfg.Domain == (contracts.SigningDomain{}) {
		cfg.Domain = DefaultDomain()
	}
	if cfg.DisputeWindowDays <= 0 {
		cfg.DisputeWindowDays = 7
	}
	a := &Attestor{
		signer: signer,
		cfg:    cfg,
		clock:  time.Now,
		newID:  contracts.NewReceiptID,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// IssuerAddress returns the address receipts are verified against.
func (a *Attestor) IssuerAddress() string {
	return a.signer.Address()
}

// Domain returns the signing domain.
func (a *Attestor) Domain() contracts.SigningDomain {
	return a.cfg.Domain
}

// NewReceiptID returns a fresh receipt ID for a caller that needs to
// record it before the receipt is generated.
func (a *Attestor) NewReceiptID() string {
	return a.newID()
}

// GenerateReceipt assembles and signs a receipt for a scored commitment.
// A receipt ID already recorded on the commitment is reused. The commitment
// is not modified.
func (a *Attestor) GenerateReceipt(c *contracts.Commitment) (*contracts.Receipt, error) {
	if c == nil || c.ScoringResult == nil || !c.Status.IsScored() {
		return nil, ErrNotScored
	}
	receiptID := c.ReceiptID
	if receiptID == "" {
		receiptID = a.newID()
	}
	now := a.clock().UTC()
	result := *c.ScoringResult

	evidence := make([]contracts.ReceiptEvidence, 0, len(c.Evidence))
	for _, e := range c.Evidence {
		evidence = append(evidence, contracts.ReceiptEvidence{
			EvidenceID:         e.EvidenceID,
			Timestamp:          e.Timestamp.UTC(),
			Platform:           e.Platform,
			ActionType:         e.ActionType,
			ActionURL:          e.ActionURL,
			EventID:            e.EventID,
			ContentHash:        e.ContentHash,
			QualityScore:       e.QualityScore,
			VerificationMethod: e.VerificationMethod,
			VerifierNotes:      e.VerifierNotes,
		})
	}

	payment := contracts.DefaultPayment()
	if c.Payment != nil {
		payment = *c.Payment
	}

	r := &contracts.Receipt{
		ReceiptVersion: contracts.ReceiptVersion,
		ReceiptID:      receiptID,
		ReceiptType:    contracts.ReceiptType,
		Issuer: contracts.Issuer{
			Name:             a.cfg.IssuerName,
			AgentID:          a.cfg.IssuerAgentID,
			Pubkey:           a.signer.Address(),
			PlatformProfiles: a.cfg.IssuerProfiles,
		},
		Recipient: contracts.Recipient{
			AgentID:          c.AgentID,
			Pubkey:           c.Pubkey,
			PlatformProfiles: c.PlatformProfiles,
			WalletAddress:    c.WalletAddress,
		},
		Commitment: contracts.CommitmentTerms{
			CommitmentID:     c.CommitmentID,
			Description:      c.Description,
			VerificationType: c.VerificationType,
			Criteria:         c.Criteria,
			CreatedAt:        c.CreatedAt.UTC(),
			StartDate:        c.StartDate.UTC(),
			EndDate:          c.EndDate.UTC(),
		},
		VerificationResult: result,
		Evidence:           evidence,
		Payment:            payment,
		Metadata: contracts.ReceiptMetadata{
			IssuedAt:               now,
			ReputationImpact:       a.reputationImpact(c.VerificationType, result.OverallScore),
			VerificationDifficulty: c.Difficulty,
			DisputeWindowDays:      a.cfg.DisputeWindowDays,
			DisputeDeadline:        now.Add(time.Duration(a.cfg.DisputeWindowDays) * 24 * time.Hour),
			SchemaVersion:          contracts.ReceiptSchema,
		},
		ReputationContext: contracts.ReputationContext{
			AgentID:         c.AgentID,
			ReputationValue: result.OverallScore,
			ReputationTags:  []string{string(c.VerificationType), string(result.Status)},
		},
	}

	if err := a.Sign(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (a *Attestor) reputationImpact(vt contracts.VerificationType, score int) float64 {
	weight, ok := a.cfg.ReputationWeights[string(vt)]
	if !ok {
		weight = 10
	}
	return math.Round(float64(score)/100*weight*100) / 100
}

// Sign replaces r's signature block with a fresh one over its body.
func (a *Attestor) Sign(r *contracts.Receipt) error {
	body, err := canonicalize.JCS(r.Unsigned())
	if err != nil {
		return fmt.Errorf("canonicalize receipt: %w", err)
	}
	digest, err := SigningDigest(a.cfg.Domain, body)
	if err != nil {
		return err
	}
	sig, err := a.signer.SignDigest(digest)
	if err != nil {
		return fmt.Errorf("sign receipt: %w", err)
	}
	r.Signatures = &contracts.SignatureBlock{
		ReceiptHash:        canonicalize.PrefixedHash(body),
		SigningDigest:      "0x" + hex.EncodeToString(digest),
		IssuerSignature:    sig,
		SignatureAlgorithm: contracts.SignatureAlgorithm,
		SignedAt:           a.clock().UTC(),
		Domain:             a.cfg.Domain,
	}
	return nil
}

// SigningDigest computes the domain-bound Keccak-256 digest of a
// canonical receipt body.
func SigningDigest(domain contracts.SigningDomain, canonicalBody []byte) ([]byte, error) {
	domainBytes, err := canonicalize.JCS(domain)
	if err != nil {
		return nil, fmt.Errorf("canonicalize domain: %w", err)
	}
	return crypto.Keccak256(
		[]byte{0x19, 0x01},
		crypto.Keccak256(domainBytes),
		crypto.Keccak256(canonicalBody),
	), nil
}
