package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpjmd/Kinetix/pkg/attestation"
	"github.com/kpjmd/Kinetix/pkg/config"
	"github.com/kpjmd/Kinetix/pkg/contracts"
	"github.com/kpjmd/Kinetix/pkg/crypto"
	"github.com/kpjmd/Kinetix/pkg/difficulty"
	"github.com/kpjmd/Kinetix/pkg/evidence"
	"github.com/kpjmd/Kinetix/pkg/schema"
	"github.com/kpjmd/Kinetix/pkg/scoring"
	"github.com/kpjmd/Kinetix/pkg/store"
)

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type countingPublisher struct {
	count atomic.Int32
	err   error
}

func (p *countingPublisher) Enqueue(_ context.Context, _ *contracts.Receipt) error {
	p.count.Add(1)
	return p.err
}

type fixture struct {
	svc   *Service
	store *store.MemoryStore
	clock *testClock
	pub   *countingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, func(m *store.MemoryStore) store.Store { return m })
}

func newFixtureWithStore(t *testing.T, wrap func(*store.MemoryStore) store.Store) *fixture {
	t.Helper()
	rules := config.DefaultRules()
	validator, err := evidence.NewValidator(rules.EvidenceRequirements)
	require.NoError(t, err)
	schemas, err := schema.NewRegistry()
	require.NoError(t, err)
	signer, err := crypto.NewSecp256k1Signer()
	require.NoError(t, err)

	clock := &testClock{now: t0}
	st := store.NewMemoryStore()
	pub := &countingPublisher{}
	svc, err := NewService(Deps{
		Store:      wrap(st),
		Validator:  validator,
		Engine:     scoring.NewEngine(rules),
		Classifier: difficulty.NewClassifier(rules.Difficulty),
		Schemas:    schemas,
		Attestor: attestation.New(signer,
			attestation.ConfigFromRules(rules.Attestation, nil, attestation.DefaultDomain()),
			attestation.WithClock(clock.Now)),
	}, WithClock(clock.Now), WithPublisher(pub))
	require.NoError(t, err)
	return &fixture{svc: svc, store: st, clock: clock, pub: pub}
}

func consistencyRequest(t *testing.T) *contracts.CreateVerificationRequest {
	t.Helper()
	criteria, err := json.Marshal(map[string]any{
		"frequency":       "daily",
		"duration_days":   7,
		"platform":        "moltbook",
		"minimum_actions": 7,
	})
	require.NoError(t, err)
	start := t0
	return &contracts.CreateVerificationRequest{
		AgentID:          "agent-42",
		Description:      "post a build log every day for a week",
		VerificationType: contracts.VerificationConsistency,
		Criteria:         criteria,
		StartDate:        &start,
	}
}

func post(i int, at time.Time) contracts.Evidence {
	return contracts.Evidence{
		Platform:           "moltbook",
		Timestamp:          at,
		ActionType:         "post",
		ActionURL:          fmt.Sprintf("https://moltbook.example/p/%d", i),
		ContentHash:        fmt.Sprintf("sha256:%064x", i),
		ContentLength:      120,
		VerificationMethod: "api_fetch",
	}
}

func TestEndToEnd_SevenDayConsistency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.svc.Create(ctx, consistencyRequest(t))
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusActive, resp.Status)
	assert.Equal(t, t0.Add(7*24*time.Hour), resp.ExpectedCompletion)

	for i := 0; i < 7; i++ {
		at := t0.Add(time.Duration(i) * 24 * time.Hour)
		f.clock.Set(at.Add(time.Minute))
		view, err := f.svc.AddEvidence(ctx, resp.VerificationID, post(i, at))
		require.NoError(t, err)
		assert.Equal(t, contracts.StatusActive, view.Status)
		assert.Equal(t, i+1, view.EvidenceCount)
	}

	f.clock.Set(t0.Add(7*24*time.Hour + time.Minute))
	view, err := f.svc.GetStatus(ctx, resp.VerificationID)
	require.NoError(t, err)

	assert.Equal(t, contracts.StatusAttested, view.Status)
	require.NotNil(t, view.ScoringResult)
	res := view.ScoringResult
	assert.Equal(t, contracts.StatusVerified, res.Status)
	assert.Equal(t, 100, *res.CompletionRate)
	assert.Equal(t, 100, *res.TimelinessScore)
	require.NotEmpty(t, view.ReceiptID)

	att, err := f.svc.GetAttestation(ctx, view.ReceiptID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, att.Receipt.VerificationResult.OverallScore, 70)
	assert.True(t, attestation.Verify(att.Receipt))
	assert.Len(t, att.Receipt.Evidence, 7)
	require.NotNil(t, att.Publication)
	assert.Equal(t, contracts.PublicationPending, att.Publication.State)
	assert.Equal(t, int32(1), f.pub.count.Load())
}

func TestCreate_RejectsInvalidRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]func(r *contracts.CreateVerificationRequest){
		"missing agent":       func(r *contracts.CreateVerificationRequest) { r.AgentID = "" },
		"missing description": func(r *contracts.CreateVerificationRequest) { r.Description = " " },
		"unknown type":        func(r *contracts.CreateVerificationRequest) { r.VerificationType = "vibes" },
		"missing criteria":    func(r *contracts.CreateVerificationRequest) { r.Criteria = nil },
		"schema violation": func(r *contracts.CreateVerificationRequest) {
			r.Criteria = json.RawMessage(`{"frequency":"daily","platform":"moltbook","minimum_actions":7}`)
		},
		"unknown platform": func(r *contracts.CreateVerificationRequest) {
			r.Criteria = json.RawMessage(`{"frequency":"daily","duration_days":7,"platform":"myspace","minimum_actions":7}`)
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := consistencyRequest(t)
			mutate(req)
			_, err := f.svc.Create(ctx, req)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}

	all, err := f.store.ListCommitments(ctx)
	require.NoError(t, err)
	assert.Empty(t, all, "rejected requests must not be persisted")
}

func TestCreate_DefaultsAndDifficulty(t *testing.T) {
	f := newFixture(t)
	req := consistencyRequest(t)
	req.StartDate = nil
	f.clock.Set(t0.Add(3 * time.Hour))

	resp, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(3*time.Hour+7*24*time.Hour), resp.ExpectedCompletion)

	c, err := f.store.GetCommitment(context.Background(), resp.VerificationID)
	require.NoError(t, err)
	assert.Equal(t, "moltbook", c.Platform)
	assert.Equal(t, "standard", c.Difficulty)
	assert.Regexp(t, `^cmt_kx_[0-9a-f]{12}$`, c.CommitmentID)
}

func TestAddEvidence_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp, err := f.svc.Create(ctx, consistencyRequest(t))
	require.NoError(t, err)

	bad := post(1, t0)
	bad.ContentHash = "md5:abc"
	bad.ActionURL = ""
	_, err = f.svc.AddEvidence(ctx, resp.VerificationID, bad)
	require.ErrorIs(t, err, ErrInvalidInput)
	var ie *InputError
	require.ErrorAs(t, err, &ie)
	assert.Contains(t, ie.Problems, "missing required field: action_url")

	_, err = f.svc.AddEvidence(ctx, resp.VerificationID, post(1, t0))
	require.NoError(t, err)
	_, err = f.svc.AddEvidence(ctx, resp.VerificationID, post(1, t0))
	assert.ErrorIs(t, err, ErrConflict)

	_, err = f.svc.AddEvidence(ctx, "cmt_kx_missing", post(2, t0))
	assert.ErrorIs(t, err, ErrNotFound)

	c, err := f.store.GetCommitment(ctx, resp.VerificationID)
	require.NoError(t, err)
	require.Len(t, c.Evidence, 1)
	assert.NotEmpty(t, c.Evidence[0].EvidenceID)
	assert.NotNil(t, c.Evidence[0].ReceivedAt)
}

func TestAddEvidence_AfterWindowScoresImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp, err := f.svc.Create(ctx, consistencyRequest(t))
	require.NoError(t, err)

	f.clock.Set(t0.Add(8 * 24 * time.Hour))
	view, err := f.svc.AddEvidence(ctx, resp.VerificationID, post(1, t0.Add(24*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusAttested, view.Status)
	require.NotNil(t, view.ScoringResult)
	assert.Equal(t, 1, view.ScoringResult.EvidenceCount)

	_, err = f.svc.AddEvidence(ctx, resp.VerificationID, post(2, t0.Add(48*time.Hour)))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestScoreVerification_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp, err := f.svc.Create(ctx, consistencyRequest(t))
	require.NoError(t, err)

	first, err := f.svc.ScoreVerification(ctx, resp.VerificationID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, first.Status)
	assert.Equal(t, 0, first.OverallScore)

	before, err := f.store.GetCommitment(ctx, resp.VerificationID)
	require.NoError(t, err)

	f.clock.Set(t0.Add(time.Hour))
	second, err := f.svc.ScoreVerification(ctx, resp.VerificationID)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	after, err := f.store.GetCommitment(ctx, resp.VerificationID)
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, before.ReceiptID, after.ReceiptID)
	assert.Equal(t, int32(1), f.pub.count.Load())
}

func TestIssueAttestation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp, err := f.svc.Create(ctx, consistencyRequest(t))
	require.NoError(t, err)

	_, err = f.svc.IssueAttestation(ctx, resp.VerificationID)
	assert.ErrorIs(t, err, ErrNotScored)

	_, err = f.svc.ScoreVerification(ctx, resp.VerificationID)
	require.NoError(t, err)

	r1, err := f.svc.IssueAttestation(ctx, resp.VerificationID)
	require.NoError(t, err)
	r2, err := f.svc.IssueAttestation(ctx, resp.VerificationID)
	require.NoError(t, err)
	assert.Equal(t, r1.ReceiptID, r2.ReceiptID)
	assert.Equal(t, r1.Signatures.IssuerSignature, r2.Signatures.IssuerSignature)
	assert.Equal(t, f.svc.IssuerAddress(), r1.Issuer.Pubkey)
}

// flakyStore fails the first update that marks a commitment attested.
type flakyStore struct {
	*store.MemoryStore
	failed   bool
	receipts []string
}

func (s *flakyStore) UpdateCommitment(ctx context.Context, c *contracts.Commitment) error {
	if c.Status == contracts.StatusAttested && !s.failed {
		s.failed = true
		return errors.New("disk full")
	}
	return s.MemoryStore.UpdateCommitment(ctx, c)
}

func (s *flakyStore) PutReceipt(ctx context.Context, r *contracts.Receipt) error {
	s.receipts = append(s.receipts, r.ReceiptID)
	return s.MemoryStore.PutReceipt(ctx, r)
}

func TestIssueAttestation_RetryAfterFailedSaveKeepsOneReceipt(t *testing.T) {
	flaky := &flakyStore{}
	f := newFixtureWithStore(t, func(m *store.MemoryStore) store.Store {
		flaky.MemoryStore = m
		return flaky
	})
	ctx := context.Background()
	resp, err := f.svc.Create(ctx, consistencyRequest(t))
	require.NoError(t, err)

	_, err = f.svc.ScoreVerification(ctx, resp.VerificationID)
	require.Error(t, err)
	require.Len(t, flaky.receipts, 1)

	pending, err := f.svc.GetStatus(ctx, resp.VerificationID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, pending.Status)
	assert.Empty(t, pending.ReceiptID)

	r, err := f.svc.IssueAttestation(ctx, resp.VerificationID)
	require.NoError(t, err)
	assert.Equal(t, flaky.receipts[0], r.ReceiptID)
	assert.Len(t, flaky.receipts, 1)

	c, err := f.store.GetCommitment(ctx, resp.VerificationID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusAttested, c.Status)
	assert.Equal(t, r.ReceiptID, c.ReceiptID)
}

func TestPublisherFailureDoesNotAffectReceipt(t *testing.T) {
	f := newFixture(t)
	f.pub.err = fmt.Errorf("queue full")
	ctx := context.Background()
	resp, err := f.svc.Create(ctx, consistencyRequest(t))
	require.NoError(t, err)

	_, err = f.svc.ScoreVerification(ctx, resp.VerificationID)
	require.NoError(t, err)
	view, err := f.svc.GetStatus(ctx, resp.VerificationID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusAttested, view.Status)

	att, err := f.svc.GetAttestation(ctx, view.ReceiptID)
	require.NoError(t, err)
	assert.True(t, attestation.Verify(att.Receipt))
}

func TestGetAttestation_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetAttestation(context.Background(), "rcpt_kx_nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.GetStatus(context.Background(), "cmt_kx_nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentTriggers_IssueOneReceipt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp, err := f.svc.Create(ctx, consistencyRequest(t))
	require.NoError(t, err)
	_, err = f.svc.AddEvidence(ctx, resp.VerificationID, post(0, t0))
	require.NoError(t, err)

	f.clock.Set(t0.Add(10 * 24 * time.Hour))

	var wg sync.WaitGroup
	receipts := make(chan string, 30)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 3 {
			case 0:
				if v, err := f.svc.GetStatus(ctx, resp.VerificationID); err == nil {
					receipts <- v.ReceiptID
				}
			case 1:
				if _, err := f.svc.ScoreVerification(ctx, resp.VerificationID); err == nil {
					v, _ := f.svc.GetStatus(ctx, resp.VerificationID)
					receipts <- v.ReceiptID
				}
			default:
				if r, err := f.svc.IssueAttestation(ctx, resp.VerificationID); err == nil {
					receipts <- r.ReceiptID
				}
			}
		}(i)
	}
	wg.Wait()
	close(receipts)

	seen := make(map[string]bool)
	for id := range receipts {
		seen[id] = true
	}
	assert.Len(t, seen, 1)
	assert.Equal(t, int32(1), f.pub.count.Load())
	assert.Zero(t, f.svc.locks.size())
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.svc.Create(ctx, consistencyRequest(t))
	require.NoError(t, err)

	late := consistencyRequest(t)
	later := t0.Add(5 * 24 * time.Hour)
	late.StartDate = &later
	_, err = f.svc.Create(ctx, late)
	require.NoError(t, err)

	f.clock.Set(t0.Add(7*24*time.Hour + time.Second))
	n, err := f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	view, err := f.svc.GetStatus(ctx, a.VerificationID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusAttested, view.Status)

	active, err := f.svc.ActiveCommitments(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestTimeBoundLatePenalty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	deadline := t0.Add(48 * time.Hour)
	criteria, err := json.Marshal(map[string]any{
		"milestones": []map[string]any{
			{"milestone_id": "m1", "deadline": deadline.Format(time.RFC3339)},
		},
		"penalty_per_late_hour": 2,
		"platform":              "github",
	})
	require.NoError(t, err)

	resp, err := f.svc.Create(ctx, &contracts.CreateVerificationRequest{
		AgentID:          "agent-9",
		Description:      "ship the parser",
		VerificationType: contracts.VerificationTimeBound,
		Criteria:         criteria,
	})
	require.NoError(t, err)
	assert.Equal(t, deadline, resp.ExpectedCompletion)

	f.clock.Set(deadline.Add(25 * time.Hour))
	view, err := f.svc.AddEvidence(ctx, resp.VerificationID, contracts.Evidence{
		Platform:    "github",
		Timestamp:   deadline.Add(24 * time.Hour),
		ActionType:  "release",
		ActionURL:   "https://github.example/r/1",
		ContentHash: "sha256:feed",
		MilestoneID: "m1",
	})
	require.NoError(t, err)
	require.NotNil(t, view.ScoringResult)
	require.Len(t, view.ScoringResult.MilestoneDetails, 1)
	assert.Equal(t, 52, view.ScoringResult.MilestoneDetails[0].Score)
	assert.Equal(t, contracts.MilestoneLate, view.ScoringResult.MilestoneDetails[0].Status)
}
