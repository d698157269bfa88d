// Package publish pushes signed receipts to external storage and, when a
// reputation registry is configured, submits them there after the spend
// controller admits the cost. Publication is best effort: failures are
// recorded on the receipt's PublicationStatus and never touch the receipt.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kpjmd/Kinetix/pkg/artifacts"
	"github.com/kpjmd/Kinetix/pkg/canonicalize"
	"github.com/kpjmd/Kinetix/pkg/contracts"
	"github.com/kpjmd/Kinetix/pkg/observability"
	"github.com/kpjmd/Kinetix/pkg/spend"
	"github.com/kpjmd/Kinetix/pkg/store"
)

// ErrQueueFull is returned by Enqueue when the worker is saturated. The
// pending record stays behind and is picked up by RetryPending.
var ErrQueueFull = errors.New("publication queue full")

// Submission is the registry's acknowledgement of a receipt.
type Submission struct {
	TransactionHash string
	SubmissionIndex string
}

// Submitter posts a receipt to an external reputation registry.
type Submitter interface {
	// Quote prices the submission. A zero amount skips the spend gate.
	Quote(ctx context.Context, r *contracts.Receipt, ref artifacts.Ref) (spend.Request, error)
	Submit(ctx context.Context, r *contracts.Receipt, ref artifacts.Ref) (Submission, error)
}

// SpendGate is the part of the spend controller the publisher needs.
type SpendGate interface {
	Validate(ctx context.Context, req spend.Request) (*spend.Decision, error)
	Record(ctx context.Context, req spend.Request, txHash string) (*spend.Transaction, error)
	QueueForApproval(ctx context.Context, req spend.Request, d *spend.Decision) (*spend.Approval, error)
	GetApproval(ctx context.Context, id string) (*spend.Approval, error)
	MarkExecuted(ctx context.Context, id, txHash string) (*spend.Transaction, error)
}

// Records is the persistence the publisher reads and writes.
type Records interface {
	store.ReceiptStore
	store.PublicationStore
}

// Config tunes the worker.
type Config struct {
	QueueSize     int
	MaxAttempts   int
	RetryInterval time.Duration
	Backoff       BackoffPolicy
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithSubmitter enables registry submission behind gate.
func WithSubmitter(s Submitter, gate SpendGate) Option {
	return func(p *Publisher) {
		p.submitter = s
		p.gate = gate
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(p *Publisher) { p.clock = clock }
}

// WithObservability attaches tracing and metrics.
func WithObservability(o *observability.Provider) Option {
	return func(p *Publisher) { p.obs = o }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

// Publisher runs one worker goroutine fed by a bounded queue.
type Publisher struct {
	records   Records
	blobs     artifacts.Store
	submitter Submitter
	gate      SpendGate
	cfg       Config
	queue     chan *contracts.Receipt
	mu        sync.Mutex // serializes work on publication records
	clock     func() time.Time
	obs       *observability.Provider
	logger    *slog.Logger
}

// New creates a publisher. Run must be started for queued work to drain.
func New(records Records, blobs artifacts.Store, cfg Config, opts ...Option) *Publisher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Minute
	}
	if cfg.Backoff == (BackoffPolicy{}) {
		cfg.Backoff = DefaultBackoff()
	}
	p := &Publisher{
		records: records,
		blobs:   blobs,
		cfg:     cfg,
		queue:   make(chan *contracts.Receipt, cfg.QueueSize),
		clock:   time.Now,
		logger:  slog.Default().With("component", "publish"),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Enqueue hands r to the worker without blocking.
func (p *Publisher) Enqueue(_ context.Context, r *contracts.Receipt) error {
	select {
	case p.queue <- r:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run drains the queue and periodically retries failed and stalled
// publications until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.RetryInterval)
	defer ticker.Stop()
	p.logger.InfoContext(ctx, "publication worker started", "queue_size", p.cfg.QueueSize)
	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "publication worker stopped")
			return ctx.Err()
		case r := <-p.queue:
			if err := p.Publish(ctx, r); err != nil {
				p.logger.WarnContext(ctx, "publication failed", "receipt_id", r.ReceiptID, "error", err)
			}
		case <-ticker.C:
			if _, err := p.RetryPending(ctx); err != nil {
				p.logger.WarnContext(ctx, "pending publication sweep failed", "error", err)
			}
			if _, err := p.RetryFailed(ctx); err != nil {
				p.logger.WarnContext(ctx, "retry sweep failed", "error", err)
			}
			if _, err := p.ResolveApprovals(ctx); err != nil {
				p.logger.WarnContext(ctx, "approval sweep failed", "error", err)
			}
		}
	}
}

// Publish runs one publication attempt for r and persists the outcome. The
// returned error describes a failed attempt; it is also stored on the record.
func (p *Publisher) Publish(ctx context.Context, r *contracts.Receipt) (err error) {
	ctx, done := p.obs.TrackOperation(ctx, "publish.receipt", attribute.String("receipt_id", r.ReceiptID))
	defer func() { done(err) }()

	p.mu.Lock()
	defer p.mu.Unlock()

	pub, err := p.records.GetPublication(ctx, r.ReceiptID)
	if errors.Is(err, store.ErrNotFound) {
		pub = &contracts.PublicationStatus{ReceiptID: r.ReceiptID, State: contracts.PublicationPending}
	} else if err != nil {
		return fmt.Errorf("load publication: %w", err)
	}
	switch pub.State {
	case contracts.PublicationSubmitted, contracts.PublicationAwaitingApproval:
		return nil
	case contracts.PublicationUploaded:
		if p.submitter == nil {
			return nil
		}
	}

	pub.Attempts++
	attemptErr := p.attempt(ctx, r, pub)
	if attemptErr != nil {
		pub.State = contracts.PublicationFailed
		pub.LastError = attemptErr.Error()
	} else {
		pub.LastError = ""
	}
	pub.UpdatedAt = p.clock().UTC()
	if err := p.records.PutPublication(ctx, pub); err != nil {
		return fmt.Errorf("save publication: %w", err)
	}
	if attemptErr == nil {
		p.logger.InfoContext(ctx, "publication advanced", "receipt_id", r.ReceiptID, "state", pub.State, "attempt", pub.Attempts)
	}
	return attemptErr
}

// attempt advances pub as far as it can go. Caller holds mu.
func (p *Publisher) attempt(ctx context.Context, r *contracts.Receipt, pub *contracts.PublicationStatus) error {
	ref := artifacts.Ref{Hash: pub.ContentHash, URI: pub.ContentURI}
	if ref.Hash == "" {
		doc, err := canonicalize.JCS(r)
		if err != nil {
			return fmt.Errorf("encode receipt: %w", err)
		}
		ref, err = p.blobs.Put(ctx, doc)
		if err != nil {
			return fmt.Errorf("upload receipt: %w", err)
		}
		pub.ContentHash = ref.Hash
		pub.ContentURI = ref.URI
		pub.Backend = p.blobs.Backend()
	}
	pub.State = contracts.PublicationUploaded
	if p.submitter == nil {
		return nil
	}

	req, err := p.submitter.Quote(ctx, r, ref)
	if err != nil {
		return fmt.Errorf("quote submission: %w", err)
	}
	if !req.Amount.IsPositive() {
		return p.submit(ctx, r, ref, pub, nil, "")
	}
	if p.gate == nil {
		return errors.New("submission has a cost but no spend controller is configured")
	}

	d, err := p.gate.Validate(ctx, req)
	if err != nil {
		return fmt.Errorf("spend validation: %w", err)
	}
	switch d.Outcome {
	case spend.OutcomeApproved:
		return p.submit(ctx, r, ref, pub, &req, "")
	case spend.OutcomeRequiresApproval:
		a, err := p.gate.QueueForApproval(ctx, req, d)
		if err != nil {
			return fmt.Errorf("queue approval: %w", err)
		}
		pub.State = contracts.PublicationAwaitingApproval
		pub.ApprovalID = a.ID
		return nil
	default:
		return fmt.Errorf("spend rejected: %s: %s", d.Reason, d.Message)
	}
}

// submit posts to the registry and records the spend. A non-empty
// approvalID closes that approval instead of recording a fresh spend.
func (p *Publisher) submit(ctx context.Context, r *contracts.Receipt, ref artifacts.Ref, pub *contracts.PublicationStatus, req *spend.Request, approvalID string) error {
	sub, err := p.submitter.Submit(ctx, r, ref)
	if err != nil {
		return fmt.Errorf("submit receipt: %w", err)
	}
	pub.State = contracts.PublicationSubmitted
	pub.TransactionHash = sub.TransactionHash
	pub.SubmissionIndex = sub.SubmissionIndex

	switch {
	case approvalID != "":
		if _, err := p.gate.MarkExecuted(ctx, approvalID, sub.TransactionHash); err != nil {
			p.logger.ErrorContext(ctx, "submitted but approval not closed", "receipt_id", r.ReceiptID, "approval_id", approvalID, "error", err)
		}
	case req != nil:
		if _, err := p.gate.Record(ctx, *req, sub.TransactionHash); err != nil {
			p.logger.ErrorContext(ctx, "submitted but spend not recorded", "receipt_id", r.ReceiptID, "tx_hash", sub.TransactionHash, "error", err)
		}
	}
	return nil
}

// RetryFailed re-attempts failed publications whose backoff has elapsed
// and which have attempts left. It returns how many were retried.
func (p *Publisher) RetryFailed(ctx context.Context) (int, error) {
	failed, err := p.records.ListPublications(ctx, contracts.PublicationFailed)
	if err != nil {
		return 0, fmt.Errorf("list failed publications: %w", err)
	}
	now := p.clock().UTC()
	retried := 0
	for _, pub := range failed {
		if pub.Attempts >= p.cfg.MaxAttempts {
			continue
		}
		if now.Before(pub.UpdatedAt.Add(p.cfg.Backoff.Delay(pub.ReceiptID, pub.Attempts))) {
			continue
		}
		if p.retry(ctx, pub.ReceiptID) {
			retried++
		}
	}
	return retried, nil
}

// RetryPending picks up pending records that never reached the worker,
// for example after a full queue or a restart.
func (p *Publisher) RetryPending(ctx context.Context) (int, error) {
	pending, err := p.records.ListPublications(ctx, contracts.PublicationPending)
	if err != nil {
		return 0, fmt.Errorf("list pending publications: %w", err)
	}
	n := 0
	for _, pub := range pending {
		if p.retry(ctx, pub.ReceiptID) {
			n++
		}
	}
	return n, nil
}

func (p *Publisher) retry(ctx context.Context, receiptID string) bool {
	r, err := p.records.GetReceipt(ctx, receiptID)
	if err != nil {
		p.logger.WarnContext(ctx, "publication retry skipped", "receipt_id", receiptID, "error", err)
		return false
	}
	if err := p.Publish(ctx, r); err != nil {
		p.logger.WarnContext(ctx, "publication retry failed", "receipt_id", receiptID, "error", err)
	}
	return true
}

// ResolveApprovals finishes publications whose spend approval has been
// decided. Approved spends are submitted; rejected ones fail for good.
func (p *Publisher) ResolveApprovals(ctx context.Context) (int, error) {
	if p.submitter == nil || p.gate == nil {
		return 0, nil
	}
	waiting, err := p.records.ListPublications(ctx, contracts.PublicationAwaitingApproval)
	if err != nil {
		return 0, fmt.Errorf("list awaiting publications: %w", err)
	}
	resolved := 0
	for _, pub := range waiting {
		ok, err := p.resolve(ctx, pub.ReceiptID, pub.ApprovalID)
		if err != nil {
			p.logger.WarnContext(ctx, "approval resolution failed", "receipt_id", pub.ReceiptID, "error", err)
		}
		if ok {
			resolved++
		}
	}
	return resolved, nil
}

func (p *Publisher) resolve(ctx context.Context, receiptID, approvalID string) (bool, error) {
	a, err := p.gate.GetApproval(ctx, approvalID)
	if err != nil {
		return false, err
	}
	if a.Status == spend.ApprovalPending {
		return false, nil
	}
	r, err := p.records.GetReceipt(ctx, receiptID)
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	pub, err := p.records.GetPublication(ctx, receiptID)
	if err != nil {
		return false, err
	}
	if pub.State != contracts.PublicationAwaitingApproval {
		return false, nil
	}

	var attemptErr error
	switch a.Status {
	case spend.ApprovalApproved:
		pub.Attempts++
		attemptErr = p.submit(ctx, r, artifacts.Ref{Hash: pub.ContentHash, URI: pub.ContentURI}, pub, nil, a.ID)
	case spend.ApprovalRejected:
		attemptErr = fmt.Errorf("spend approval rejected by %s: %s", a.RejectedBy, a.RejectionReason)
		// A human said no; the sweep must not resubmit.
		pub.Attempts = p.cfg.MaxAttempts
	default:
		attemptErr = fmt.Errorf("approval %s is %s", a.ID, a.Status)
	}
	if attemptErr != nil {
		pub.State = contracts.PublicationFailed
		pub.LastError = attemptErr.Error()
	}
	pub.UpdatedAt = p.clock().UTC()
	if err := p.records.PutPublication(ctx, pub); err != nil {
		return false, fmt.Errorf("save publication: %w", err)
	}
	return true, attemptErr
}
