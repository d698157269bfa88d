package publish

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpjmd/Kinetix/pkg/artifacts"
	"github.com/kpjmd/Kinetix/pkg/canonicalize"
	"github.com/kpjmd/Kinetix/pkg/config"
	"github.com/kpjmd/Kinetix/pkg/contracts"
	"github.com/kpjmd/Kinetix/pkg/spend"
	"github.com/kpjmd/Kinetix/pkg/store"
)

var t0 = time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSubmitter struct {
	mu      sync.Mutex
	quote   spend.Request
	failN   int
	submits int
}

func (f *fakeSubmitter) Quote(context.Context, *contracts.Receipt, artifacts.Ref) (spend.Request, error) {
	return f.quote, nil
}

func (f *fakeSubmitter) Submit(_ context.Context, r *contracts.Receipt, _ artifacts.Ref) (Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return Submission{}, errors.New("registry unavailable")
	}
	f.submits++
	return Submission{TransactionHash: "0xtx_" + r.ReceiptID, SubmissionIndex: "7"}, nil
}

type fixture struct {
	records *store.MemoryStore
	blobs   *artifacts.FileStore
	clock   *clock
	ctrl    *spend.Controller
	sub     *fakeSubmitter
	pub     *Publisher
}

func newFixture(t *testing.T, withSubmitter bool, quote spend.Request) *fixture {
	t.Helper()
	blobs, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)
	clk := &clock{now: t0}

	limits := config.DefaultSpendLimits()
	usdc := limits.Assets["usdc"]
	usdc.MaxPerTx = decimal.NewFromInt(100)
	limits.Assets["usdc"] = usdc
	ctrl, err := spend.NewController(context.Background(), limits, nil, spend.WithClock(clk.Now))
	require.NoError(t, err)

	f := &fixture{
		records: store.NewMemoryStore(),
		blobs:   blobs,
		clock:   clk,
		ctrl:    ctrl,
		sub:     &fakeSubmitter{quote: quote},
	}
	opts := []Option{WithClock(clk.Now)}
	if withSubmitter {
		opts = append(opts, WithSubmitter(f.sub, ctrl))
	}
	f.pub = New(f.records, blobs, Config{
		QueueSize:   2,
		MaxAttempts: 3,
		Backoff:     BackoffPolicy{Base: time.Minute, Max: time.Hour},
	}, opts...)
	return f
}

func (f *fixture) receipt(t *testing.T, id string) *contracts.Receipt {
	t.Helper()
	r := &contracts.Receipt{
		ReceiptVersion: contracts.ReceiptVersion,
		ReceiptID:      id,
		ReceiptType:    contracts.ReceiptType,
		Recipient:      contracts.Recipient{AgentID: "agent-1"},
	}
	require.NoError(t, f.records.PutReceipt(context.Background(), r))
	return r
}

func (f *fixture) publication(t *testing.T, id string) *contracts.PublicationStatus {
	t.Helper()
	p, err := f.records.GetPublication(context.Background(), id)
	require.NoError(t, err)
	return p
}

func usdc(amount string) spend.Request {
	return spend.Request{Asset: "usdc", Amount: decimal.RequireFromString(amount), Recipient: "0xregistry"}
}

func TestPublish_UploadOnly(t *testing.T) {
	f := newFixture(t, false, spend.Request{})
	ctx := context.Background()
	r := f.receipt(t, "rcpt_kx_aaaaaaaaaaaa")

	require.NoError(t, f.pub.Publish(ctx, r))
	p := f.publication(t, r.ReceiptID)
	assert.Equal(t, contracts.PublicationUploaded, p.State)
	assert.Equal(t, "fs", p.Backend)
	assert.Equal(t, 1, p.Attempts)
	assert.True(t, p.UpdatedAt.Equal(t0))

	want, err := canonicalize.JCS(r)
	require.NoError(t, err)
	got, err := f.blobs.Get(ctx, p.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, f.pub.Publish(ctx, r))
	assert.Equal(t, 1, f.publication(t, r.ReceiptID).Attempts, "uploaded is final without a submitter")
}

func TestPublish_FreeSubmissionSkipsSpendGate(t *testing.T) {
	f := newFixture(t, true, spend.Request{Asset: "usdc", Amount: decimal.Zero})
	ctx := context.Background()
	r := f.receipt(t, "rcpt_kx_bbbbbbbbbbbb")

	require.NoError(t, f.pub.Publish(ctx, r))
	p := f.publication(t, r.ReceiptID)
	assert.Equal(t, contracts.PublicationSubmitted, p.State)
	assert.Equal(t, "0xtx_"+r.ReceiptID, p.TransactionHash)
	assert.Equal(t, "7", p.SubmissionIndex)

	report, err := f.ctrl.Report(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.DailyTxCount)
}

func TestPublish_ApprovedSpendIsRecorded(t *testing.T) {
	f := newFixture(t, true, usdc("0.50"))
	ctx := context.Background()
	r := f.receipt(t, "rcpt_kx_cccccccccccc")

	require.NoError(t, f.pub.Publish(ctx, r))
	assert.Equal(t, contracts.PublicationSubmitted, f.publication(t, r.ReceiptID).State)

	hist := f.ctrl.History(0)
	require.Len(t, hist, 1)
	assert.Equal(t, "0xtx_"+r.ReceiptID, hist[0].TransactionHash)

	require.NoError(t, f.pub.Publish(ctx, r))
	assert.Equal(t, 1, f.sub.submits, "submitted records are not resubmitted")
}

func TestPublish_RejectedSpendFails(t *testing.T) {
	f := newFixture(t, true, spend.Request{Asset: "btc", Amount: decimal.NewFromInt(1)})
	ctx := context.Background()
	r := f.receipt(t, "rcpt_kx_dddddddddddd")

	err := f.pub.Publish(ctx, r)
	require.Error(t, err)
	p := f.publication(t, r.ReceiptID)
	assert.Equal(t, contracts.PublicationFailed, p.State)
	assert.Contains(t, p.LastError, string(spend.ReasonUnknownAsset))
	assert.NotEmpty(t, p.ContentHash, "upload survives a spend rejection")
	assert.Zero(t, f.sub.submits)
}

func TestPublish_ApprovalFlow(t *testing.T) {
	f := newFixture(t, true, usdc("7"))
	ctx := context.Background()
	r := f.receipt(t, "rcpt_kx_eeeeeeeeeeee")

	require.NoError(t, f.pub.Publish(ctx, r))
	p := f.publication(t, r.ReceiptID)
	require.Equal(t, contracts.PublicationAwaitingApproval, p.State)
	require.NotEmpty(t, p.ApprovalID)

	n, err := f.pub.ResolveApprovals(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.ctrl.Approve(ctx, p.ApprovalID, "ops", "")
	require.NoError(t, err)
	n, err = f.pub.ResolveApprovals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p = f.publication(t, r.ReceiptID)
	assert.Equal(t, contracts.PublicationSubmitted, p.State)
	a, err := f.ctrl.GetApproval(ctx, p.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, spend.ApprovalExecuted, a.Status)
	assert.Equal(t, 1, f.sub.submits)
}

func TestPublish_RejectedApprovalIsTerminal(t *testing.T) {
	f := newFixture(t, true, usdc("7"))
	ctx := context.Background()
	r := f.receipt(t, "rcpt_kx_ffffffffffff")

	require.NoError(t, f.pub.Publish(ctx, r))
	p := f.publication(t, r.ReceiptID)
	_, err := f.ctrl.Reject(ctx, p.ApprovalID, "ops", "too expensive")
	require.NoError(t, err)

	_, err = f.pub.ResolveApprovals(ctx)
	require.NoError(t, err)
	p = f.publication(t, r.ReceiptID)
	assert.Equal(t, contracts.PublicationFailed, p.State)
	assert.Contains(t, p.LastError, "too expensive")

	f.clock.Advance(24 * time.Hour)
	n, err := f.pub.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRetryFailed_HonorsBackoffAndMaxAttempts(t *testing.T) {
	f := newFixture(t, true, usdc("0.10"))
	f.sub.failN = 10
	ctx := context.Background()
	r := f.receipt(t, "rcpt_kx_111111111111")

	require.Error(t, f.pub.Publish(ctx, r))
	n, err := f.pub.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "backoff has not elapsed")

	f.clock.Advance(time.Minute)
	n, err = f.pub.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, f.publication(t, r.ReceiptID).Attempts)

	f.clock.Advance(2 * time.Minute)
	n, err = f.pub.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, f.publication(t, r.ReceiptID).Attempts)

	f.clock.Advance(time.Hour)
	n, err = f.pub.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "max attempts reached")
	assert.Empty(t, f.ctrl.History(0), "failed submissions record no spend")
}

func TestRetryFailed_RecoversWithoutReupload(t *testing.T) {
	f := newFixture(t, true, usdc("0.10"))
	f.sub.failN = 1
	ctx := context.Background()
	r := f.receipt(t, "rcpt_kx_222222222222")

	require.Error(t, f.pub.Publish(ctx, r))
	first := f.publication(t, r.ReceiptID)

	f.clock.Advance(time.Minute)
	n, err := f.pub.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p := f.publication(t, r.ReceiptID)
	assert.Equal(t, contracts.PublicationSubmitted, p.State)
	assert.Equal(t, first.ContentHash, p.ContentHash)
	assert.Empty(t, p.LastError)
}

func TestEnqueue_NeverBlocks(t *testing.T) {
	f := newFixture(t, false, spend.Request{})
	ctx := context.Background()

	require.NoError(t, f.pub.Enqueue(ctx, &contracts.Receipt{ReceiptID: "a"}))
	require.NoError(t, f.pub.Enqueue(ctx, &contracts.Receipt{ReceiptID: "b"}))
	assert.ErrorIs(t, f.pub.Enqueue(ctx, &contracts.Receipt{ReceiptID: "c"}), ErrQueueFull)
}

func TestRun_DrainsQueueAndPendingRecords(t *testing.T) {
	f := newFixture(t, false, spend.Request{})
	f.pub.cfg.RetryInterval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queued := f.receipt(t, "rcpt_kx_333333333333")
	orphan := f.receipt(t, "rcpt_kx_444444444444")
	require.NoError(t, f.records.PutPublication(ctx, &contracts.PublicationStatus{
		ReceiptID: orphan.ReceiptID,
		State:     contracts.PublicationPending,
	}))

	done := make(chan error, 1)
	go func() { done <- f.pub.Run(ctx) }()
	require.NoError(t, f.pub.Enqueue(ctx, queued))

	for _, id := range []string{queued.ReceiptID, orphan.ReceiptID} {
		id := id
		require.Eventually(t, func() bool {
			p, err := f.records.GetPublication(context.Background(), id)
			return err == nil && p.State == contracts.PublicationUploaded
		}, 2*time.Second, 10*time.Millisecond)
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestBackoff(t *testing.T) {
	p := BackoffPolicy{Base: time.Second, Max: 10 * time.Second}
	assert.Equal(t, time.Second, p.Delay("r", 1))
	assert.Equal(t, 2*time.Second, p.Delay("r", 2))
	assert.Equal(t, 8*time.Second, p.Delay("r", 4))
	assert.Equal(t, 10*time.Second, p.Delay("r", 5))
	assert.Equal(t, 10*time.Second, p.Delay("r", 64))

	j := BackoffPolicy{Base: time.Second, Max: time.Minute, MaxJitter: 500 * time.Millisecond}
	d := j.Delay("rcpt_kx_1", 3)
	assert.Equal(t, d, j.Delay("rcpt_kx_1", 3), "jitter is deterministic")
	assert.GreaterOrEqual(t, d, 4*time.Second)
	assert.Less(t, d, 4*time.Second+500*time.Millisecond)
}
