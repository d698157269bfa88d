// Package verification orchestrates the commitment lifecycle:
//
//	active -> verified | partial | failed -> attested
//
// Every read-modify-write of a commitment runs under a per-commitment lock,
// so the evidence-triggered and read-triggered scoring paths cannot both
// issue a receipt for the same commitment.
package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kpjmd/Kinetix/pkg/attestation"
	"github.com/kpjmd/Kinetix/pkg/contracts"
	"github.com/kpjmd/Kinetix/pkg/difficulty"
	"github.com/kpjmd/Kinetix/pkg/evidence"
	"github.com/kpjmd/Kinetix/pkg/observability"
	"github.com/kpjmd/Kinetix/pkg/schema"
	"github.com/kpjmd/Kinetix/pkg/scoring"
	"github.com/kpjmd/Kinetix/pkg/store"
)

// Publisher accepts signed receipts for best-effort external publication.
// Enqueue must not block on I/O.
type Publisher interface {
	Enqueue(ctx context.Context, r *contracts.Receipt) error
}

// Deps are the collaborators a Service needs.
type Deps struct {
	Store      store.Store
	Validator  *evidence.Validator
	Engine     *scoring.Engine
	Classifier *difficulty.Classifier
	Schemas    *schema.Registry
	Attestor   *attestation.Attestor
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithPublisher attaches a receipt publisher.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithObservability attaches tracing and metrics.
func WithObservability(p *observability.Provider) Option {
	return func(s *Service) { s.obs = p }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// Service is the Verification Orchestrator.
type Service struct {
	store      store.Store
	validator  *evidence.Validator
	engine     *scoring.Engine
	classifier *difficulty.Classifier
	schemas    *schema.Registry
	attestor   *attestation.Attestor
	publisher  Publisher
	obs        *observability.Provider
	logger     *slog.Logger
	clock      func() time.Time
	locks      *keyedMutex
}

// NewService wires a Service. Store, Validator, Engine, Classifier and
// Attestor are required; Schemas is optional.
func NewService(deps Deps, opts ...Option) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("verification: store is required")
	case deps.Validator == nil:
		return nil, errors.New("verification: evidence validator is required")
	case deps.Engine == nil:
		return nil, errors.New("verification: scoring engine is required")
	case deps.Classifier == nil:
		return nil, errors.New("verification: difficulty classifier is required")
	case deps.Attestor == nil:
		return nil, errors.New("verification: attestor is required")
	}
	s := &Service{
		store:      deps.Store,
		validator:  deps.Validator,
		engine:     deps.Engine,
		classifier: deps.Classifier,
		schemas:    deps.Schemas,
		attestor:   deps.Attestor,
		logger:     slog.Default().With("component", "verification"),
		clock:      time.Now,
		locks:      newKeyedMutex(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

// Create validates a request and persists a new active commitment.
func (s *Service) Create(ctx context.Context, req *contracts.CreateVerificationRequest) (resp *contracts.CreateVerificationResponse, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "verification.create")
	defer func() { done(err) }()

	c, err := s.buildCommitment(req)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateCommitment(ctx, c); err != nil {
		return nil, fmt.Errorf("persist commitment: %w", err)
	}

	s.logger.InfoContext(ctx, "verification created",
		"verification_id", c.CommitmentID,
		"agent_id", c.AgentID,
		"verification_type", c.VerificationType,
		"difficulty", c.Difficulty,
		"end_date", c.EndDate,
	)
	return &contracts.CreateVerificationResponse{
		VerificationID:     c.CommitmentID,
		Status:             c.Status,
		ExpectedCompletion: c.EndDate,
	}, nil
}

func (s *Service) buildCommitment(req *contracts.CreateVerificationRequest) (*contracts.Commitment, error) {
	if req == nil {
		return nil, invalidInputf("request body is required")
	}
	var problems []string
	if strings.TrimSpace(req.AgentID) == "" {
		problems = append(problems, "agent_id is required")
	}
	if strings.TrimSpace(req.Description) == "" {
		problems = append(problems, "description is required")
	}
	if !req.VerificationType.Valid() {
		problems = append(problems, fmt.Sprintf("unknown verification_type %q", req.VerificationType))
	}
	raw := strings.TrimSpace(string(req.Criteria))
	if raw == "" || raw == "null" || raw == "{}" {
		problems = append(problems, "criteria is required")
	}
	if len(problems) > 0 {
		return nil, invalidInput(problems...)
	}

	if s.schemas != nil {
		if err := s.schemas.Validate(req.VerificationType, req.Criteria); err != nil {
			return nil, invalidInputf("criteria: %v", err)
		}
	}
	criteria, err := contracts.DecodeCriteria(req.VerificationType, req.Criteria)
	if err != nil {
		return nil, invalidInputf("criteria: %v", err)
	}

	platform := strings.ToLower(req.Platform)
	platforms := criteria.PlatformList()
	if platform == "" && len(platforms) > 0 {
		platform = strings.ToLower(platforms[0])
	}
	known := make(map[string]bool)
	for _, p := range s.validator.Platforms() {
		known[p] = true
	}
	for _, p := range append([]string{platform}, platforms...) {
		if p != "" && !known[strings.ToLower(p)] {
			return nil, invalidInputf("unsupported platform %q", p)
		}
	}

	now := s.now()
	start := now
	if req.StartDate != nil && !req.StartDate.IsZero() {
		start = req.StartDate.UTC()
	}
	end := criteria.EndDate(start)
	if !end.After(start) {
		return nil, invalidInputf("end date %s is not after start date %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	return &contracts.Commitment{
		CommitmentID:     contracts.NewCommitmentID(),
		AgentID:          req.AgentID,
		Pubkey:           req.Pubkey,
		WalletAddress:    req.WalletAddress,
		PlatformProfiles: req.PlatformProfiles,
		Description:      req.Description,
		VerificationType: req.VerificationType,
		Platform:         platform,
		Criteria:         criteria,
		Difficulty:       s.classifier.ClassifyCriteria(criteria),
		Status:           contracts.StatusActive,
		CreatedAt:        now,
		StartDate:        start,
		EndDate:          end,
		Payment:          req.Payment,
		Evidence:         []contracts.Evidence{},
		UpdatedAt:        now,
	}, nil
}

func (s *Service) load(ctx context.Context, id string) (*contracts.Commitment, error) {
	c, err := s.store.GetCommitment(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("verification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load verification %s: %w", id, err)
	}
	return c, nil
}

func (s *Service) save(ctx context.Context, c *contracts.Commitment) error {
	c.UpdatedAt = s.now()
	if err := s.store.UpdateCommitment(ctx, c); err != nil {
		return fmt.Errorf("persist verification %s: %w", c.CommitmentID, err)
	}
	return nil
}

// AddEvidence validates and appends an evidence item. When the window has
// already closed the commitment is scored and attested in the same call.
func (s *Service) AddEvidence(ctx context.Context, id string, item contracts.Evidence) (view *contracts.StatusView, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "verification.add_evidence", attribute.String("verification_id", id))
	defer func() { done(err) }()

	unlock := s.locks.Lock(id)
	defer unlock()

	c, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != contracts.StatusActive {
		return nil, fmt.Errorf("%w: verification %s is %s", ErrConflict, id, c.Status)
	}

	platform := item.Platform
	if platform == "" {
		platform = c.Platform
		item.Platform = platform
	}
	if res := s.validator.Validate(&item, platform); !res.Valid {
		s.obs.RecordEvidenceRejected(ctx, platform)
		s.logger.WarnContext(ctx, "evidence rejected",
			"verification_id", id,
			"platform", platform,
			"errors", res.Errors,
		)
		return nil, invalidInput(res.Errors...)
	}
	if key := item.DedupKey(); key != "" {
		for i := range c.Evidence {
			if c.Evidence[i].DedupKey() == key {
				return nil, fmt.Errorf("%w: duplicate evidence %s", ErrConflict, key)
			}
		}
	}

	now := s.now()
	if item.EvidenceID == "" {
		item.EvidenceID = contracts.NewEvidenceID()
	}
	item.Timestamp = item.Timestamp.UTC()
	item.ReceivedAt = &now
	c.Evidence = append(c.Evidence, item)
	if err := s.save(ctx, c); err != nil {
		return nil, err
	}
	s.logger.DebugContext(ctx, "evidence added",
		"verification_id", id,
		"evidence_id", item.EvidenceID,
		"evidence_count", len(c.Evidence),
	)

	if c.Expired(now) {
		if _, err := s.scoreLocked(ctx, c); err != nil {
			return nil, err
		}
	}
	return c.View(), nil
}

// ScoreVerification scores a commitment and issues its receipt. Calling it
// on an already scored commitment returns the stored result unchanged.
func (s *Service) ScoreVerification(ctx context.Context, id string) (result *contracts.ScoringResult, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "verification.score", attribute.String("verification_id", id))
	defer func() { done(err) }()

	unlock := s.locks.Lock(id)
	defer unlock()

	c, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.scoreLocked(ctx, c)
}

// scoreLocked must be called with c's lock held.
func (s *Service) scoreLocked(ctx context.Context, c *contracts.Commitment) (*contracts.ScoringResult, error) {
	if c.Status != contracts.StatusActive {
		// A verdict whose receipt failed to issue earlier gets another try.
		if c.Status.IsScored() {
			if _, err := s.issueLocked(ctx, c); err != nil {
				s.logger.ErrorContext(ctx, "attestation retry failed", "verification_id", c.CommitmentID, "error", err)
			}
		}
		return c.ScoringResult, nil
	}

	result, err := s.engine.Score(c)
	if err != nil {
		return nil, fmt.Errorf("score verification %s: %w", c.CommitmentID, err)
	}
	if !c.Status.CanTransitionTo(result.Status) {
		return nil, fmt.Errorf("score verification %s: invalid transition %s -> %s", c.CommitmentID, c.Status, result.Status)
	}
	now := s.now()
	c.Status = result.Status
	c.ScoringResult = result
	c.ScoredAt = &now
	if err := s.save(ctx, c); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "verification scored",
		"verification_id", c.CommitmentID,
		"status", result.Status,
		"overall_score", result.OverallScore,
		"evidence_count", result.EvidenceCount,
	)

	// Failed commitments are attested too.
	if _, err := s.issueLocked(ctx, c); err != nil {
		return nil, err
	}
	return result, nil
}

// IssueAttestation signs and stores the receipt for a scored commitment.
// A commitment that already has a receipt returns it.
func (s *Service) IssueAttestation(ctx context.Context, id string) (r *contracts.Receipt, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "verification.issue_attestation", attribute.String("verification_id", id))
	defer func() { done(err) }()

	unlock := s.locks.Lock(id)
	defer unlock()

	c, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.issueLocked(ctx, c)
}

// issueLocked must be called with c's lock held. The receipt ID is saved on
// the commitment before the receipt is written, so a retry after a failed
// write re-signs under the same ID and never leaves a second receipt.
func (s *Service) issueLocked(ctx context.Context, c *contracts.Commitment) (*contracts.Receipt, error) {
	if c.Status == contracts.StatusAttested {
		r, err := s.store.GetReceipt(ctx, c.ReceiptID)
		if err != nil {
			return nil, fmt.Errorf("load receipt %s: %w", c.ReceiptID, err)
		}
		return r, nil
	}
	if !c.Status.IsScored() {
		return nil, fmt.Errorf("verification %s is %s: %w", c.CommitmentID, c.Status, ErrNotScored)
	}

	var r *contracts.Receipt
	if c.ReceiptID == "" {
		c.ReceiptID = s.attestor.NewReceiptID()
		if err := s.save(ctx, c); err != nil {
			return nil, err
		}
	} else {
		existing, err := s.store.GetReceipt(ctx, c.ReceiptID)
		switch {
		case err == nil:
			r = existing
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("load receipt %s: %w", c.ReceiptID, err)
		}
	}

	if r == nil {
		generated, err := s.attestor.GenerateReceipt(c)
		if errors.Is(err, attestation.ErrNotScored) {
			return nil, fmt.Errorf("verification %s: %w", c.CommitmentID, ErrNotScored)
		}
		if err != nil {
			return nil, fmt.Errorf("generate receipt: %w", err)
		}
		if err := s.store.PutReceipt(ctx, generated); err != nil {
			return nil, fmt.Errorf("persist receipt: %w", err)
		}
		r = generated
	}

	verdict := c.Status
	c.Status = contracts.StatusAttested
	if err := s.save(ctx, c); err != nil {
		return nil, err
	}
	s.obs.RecordAttestation(ctx, string(c.VerificationType), string(verdict))
	s.logger.InfoContext(ctx, "attestation issued",
		"verification_id", c.CommitmentID,
		"receipt_id", r.ReceiptID,
		"verdict", verdict,
		"receipt_hash", r.Signatures.ReceiptHash,
	)

	s.publish(ctx, r)
	return r, nil
}

// publish hands the receipt to the publisher. Failures are recorded on the
// publication record and never affect the issued receipt.
func (s *Service) publish(ctx context.Context, r *contracts.Receipt) {
	if s.publisher == nil {
		return
	}
	pub := &contracts.PublicationStatus{
		ReceiptID: r.ReceiptID,
		State:     contracts.PublicationPending,
		UpdatedAt: s.now(),
	}
	if err := s.store.PutPublication(ctx, pub); err != nil {
		s.logger.WarnContext(ctx, "failed to record publication", "receipt_id", r.ReceiptID, "error", err)
		return
	}
	if err := s.publisher.Enqueue(ctx, r); err != nil {
		s.logger.WarnContext(ctx, "publication not queued", "receipt_id", r.ReceiptID, "error", err)
	}
}

// GetStatus returns the status view. An active commitment whose window has
// elapsed is scored before the view is returned.
func (s *Service) GetStatus(ctx context.Context, id string) (view *contracts.StatusView, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "verification.get_status", attribute.String("verification_id", id))
	defer func() { done(err) }()

	c, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == contracts.StatusActive && c.Expired(s.now()) {
		unlock := s.locks.Lock(id)
		defer unlock()
		// Re-read under the lock; another caller may have scored it.
		if c, err = s.load(ctx, id); err != nil {
			return nil, err
		}
		if c.Status == contracts.StatusActive {
			if _, err := s.scoreLocked(ctx, c); err != nil {
				return nil, err
			}
		}
	}
	return c.View(), nil
}

// GetAttestation returns a receipt joined with its publication record.
func (s *Service) GetAttestation(ctx context.Context, receiptID string) (*contracts.AttestationView, error) {
	r, err := s.store.GetReceipt(ctx, receiptID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("receipt %s: %w", receiptID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load receipt %s: %w", receiptID, err)
	}
	view := &contracts.AttestationView{Receipt: r}
	pub, err := s.store.GetPublication(ctx, receiptID)
	switch {
	case err == nil:
		view.Publication = pub
	case !errors.Is(err, store.ErrNotFound):
		s.logger.WarnContext(ctx, "failed to load publication", "receipt_id", receiptID, "error", err)
	}
	return view, nil
}

// ActiveCommitments lists commitments still collecting evidence.
func (s *Service) ActiveCommitments(ctx context.Context) ([]*contracts.Commitment, error) {
	return s.store.ListCommitments(ctx, contracts.StatusActive)
}

// SweepExpired scores every active commitment whose window has elapsed and
// returns how many were scored.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	active, err := s.ActiveCommitments(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	scored := 0
	var errs []error
	for _, c := range active {
		if err := ctx.Err(); err != nil {
			return scored, err
		}
		if !c.Expired(now) {
			continue
		}
		view, err := s.GetStatus(ctx, c.CommitmentID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if view.Status != contracts.StatusActive {
			scored++
		}
	}
	return scored, errors.Join(errs...)
}

// IssuerAddress is the address receipts are signed with.
func (s *Service) IssuerAddress() string {
	return s.attestor.IssuerAddress()
}

// Platforms lists the platforms evidence can be submitted for.
func (s *Service) Platforms() []string {
	return s.validator.Platforms()
}
