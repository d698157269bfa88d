// Package spend implements the Spend Safety Controller: ordered admission
// checks for outgoing transfers, an approval queue for large spends and
// UTC day/hour counters that reset lazily on each call.
//
// All state is owned by one Controller behind a single mutex.
package spend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kpjmd/Kinetix/pkg/config"
	"github.com/kpjmd/Kinetix/pkg/observability"
)

var (
	// ErrApprovalNotFound is returned for unknown approval IDs.
	ErrApprovalNotFound = errors.New("approval not found")
	// ErrInvalidTransition is returned when an approval is not in a state
	// that allows the requested action.
	ErrInvalidTransition = errors.New("invalid approval transition")
	// ErrUnknownAsset is returned when recording or pricing an unconfigured asset.
	ErrUnknownAsset = errors.New("unknown asset")
	// ErrApproverRequired is returned when approve or reject has no approver.
	ErrApproverRequired = errors.New("approver identity is required")
)

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithObservability attaches metrics.
func WithObservability(p *observability.Provider) Option {
	return func(c *Controller) { c.obs = p }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// Controller is the Spend Safety Controller.
type Controller struct {
	mu     sync.Mutex
	limits *config.SpendLimits
	state  *State
	store  StateStore
	clock  func() time.Time
	obs    *observability.Provider
	logger *slog.Logger
}

// NewController loads persisted state from store (a nil store keeps state
// in memory only) and returns a ready controller.
func NewController(ctx context.Context, limits *config.SpendLimits, store StateStore, opts ...Option) (*Controller, error) {
	if limits == nil {
		limits = config.DefaultSpendLimits()
	}
	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("invalid spend limits: %w", err)
	}
	if store == nil {
		store = NewMemoryStateStore()
	}
	c := &Controller{
		limits: limits,
		store:  store,
		clock:  time.Now,
		logger: slog.Default().With("component", "spend"),
	}
	for _, o := range opts {
		o(c)
	}
	st, err := store.LoadState(ctx)
	if err != nil {
		return nil, fmt.Errorf("load spend state: %w", err)
	}
	if st == nil {
		st = newState(c.now())
	}
	if st.DailySpending == nil {
		st.DailySpending = make(map[string]decimal.Decimal)
	}
	c.state = st
	return c, nil
}

func (c *Controller) now() time.Time {
	return c.clock().UTC()
}

// resetIfNeeded rolls the day and hour windows forward. Caller holds mu.
func (c *Controller) resetIfNeeded(now time.Time) {
	day := now.Truncate(24 * time.Hour)
	hour := now.Truncate(time.Hour)
	if !c.state.DayStart.Equal(day) {
		c.logger.Info("resetting daily counters", "previous_day", c.state.DayStart, "new_day", day)
		c.state.DayStart = day
		c.state.DailySpending = make(map[string]decimal.Decimal)
		c.state.DailyTotalUSD = decimal.Zero
		c.state.DailyTxCount = 0
	}
	if !c.state.HourStart.Equal(hour) {
		c.state.HourStart = hour
		c.state.HourlyTxCount = 0
	}
}

// Validate runs the admission checks in order and stops at the first
// failure. A value above the approval threshold yields requires_approval
// without evaluating later checks. Validate never changes counters.
func (c *Controller) Validate(ctx context.Context, req Request) (*Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetIfNeeded(c.now())

	d := c.validateLocked(req)
	c.obs.RecordSpendDecision(ctx, strings.ToLower(req.Asset), string(d.Outcome))
	if d.Outcome == OutcomeApproved {
		c.logger.InfoContext(ctx, "spend validated", "asset", req.Asset, "amount", req.Amount, "usd_value", d.USDValue)
	} else {
		c.logger.WarnContext(ctx, "spend not approved",
			"asset", req.Asset,
			"amount", req.Amount,
			"usd_value", d.USDValue,
			"reason", d.Reason,
		)
	}
	return d, nil
}

func reject(d *Decision, reason Reason, format string, args ...any) *Decision {
	d.Outcome = OutcomeRejected
	d.Reason = reason
	d.Message = fmt.Sprintf(format, args...)
	return d
}

func (c *Controller) validateLocked(req Request) *Decision {
	d := &Decision{Outcome: OutcomeRejected, USDValue: decimal.Zero}
	asset := strings.ToLower(req.Asset)

	if !req.Amount.IsPositive() {
		return reject(d, ReasonInvalidAmount, "amount must be positive")
	}
	cfg, ok := c.limits.Assets[asset]
	if !ok {
		return reject(d, ReasonUnknownAsset, "asset %q not configured", req.Asset)
	}
	if !cfg.Enabled {
		return reject(d, ReasonAssetDisabled, "asset %q is disabled", req.Asset)
	}
	d.Checks.AssetEnabled = true

	if req.Amount.GreaterThan(cfg.MaxPerTx) {
		return reject(d, ReasonAssetLimitExceeded, "%s %s exceeds per-transaction cap %s", req.Amount, asset, cfg.MaxPerTx)
	}
	d.Checks.AssetLimit = true

	usd := req.Amount.Mul(cfg.PriceUSD)
	d.USDValue = usd

	if usd.GreaterThan(c.limits.RequireApprovalAboveUSD) {
		d.Outcome = OutcomeRequiresApproval
		d.RequiresApproval = true
		d.Reason = ReasonRequiresApproval
		d.Message = fmt.Sprintf("USD value %s exceeds approval threshold %s", usd.StringFixed(2), c.limits.RequireApprovalAboveUSD)
		return d
	}

	if usd.GreaterThan(c.limits.PerTxLimitUSD) {
		return reject(d, ReasonUSDLimitExceeded, "USD value %s exceeds per-transaction limit %s", usd.StringFixed(2), c.limits.PerTxLimitUSD)
	}
	d.Checks.USDPerTxLimit = true

	if c.state.HourlyTxCount >= c.limits.MaxTxPerHour {
		return reject(d, ReasonHourlyRateExceeded, "%d transactions this hour (limit %d)", c.state.HourlyTxCount, c.limits.MaxTxPerHour)
	}
	d.Checks.HourlyRate = true

	if cfg.CountsTowardLimits() {
		total := c.state.DailyTotalUSD.Add(usd)
		if total.GreaterThan(c.limits.DailyLimitUSD) {
			return reject(d, ReasonDailyLimitExceeded, "daily total would be %s (limit %s)", total.StringFixed(2), c.limits.DailyLimitUSD)
		}
	}
	d.Checks.DailyLimit = true

	if len(c.limits.AllowedRecipients) > 0 && !c.recipientAllowed(req.Recipient) {
		return reject(d, ReasonRecipientNotAllowed, "recipient %s is not allowed", req.Recipient)
	}
	d.Checks.Whitelist = true

	d.Outcome = OutcomeApproved
	d.Approved = true
	return d
}

func (c *Controller) recipientAllowed(recipient string) bool {
	r := strings.ToLower(recipient)
	for _, allowed := range c.limits.AllowedRecipients {
		if r == allowed {
			return true
		}
	}
	return false
}

// Record counts an executed spend and appends it to the transaction log.
// It is a separate step from Validate and performs no admission checks.
func (c *Controller) Record(ctx context.Context, req Request, txHash string) (*Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recordLocked(ctx, req, txHash, "")
}

func (c *Controller) recordLocked(ctx context.Context, req Request, txHash, approvalID string) (*Transaction, error) {
	now := c.now()
	c.resetIfNeeded(now)

	asset := strings.ToLower(req.Asset)
	cfg, ok := c.limits.Assets[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, req.Asset)
	}
	usd := req.Amount.Mul(cfg.PriceUSD)
	tx := Transaction{
		ID:              "tx_" + uuid.NewString(),
		Timestamp:       now,
		Asset:           asset,
		Amount:          req.Amount,
		USDValue:        usd,
		Recipient:       req.Recipient,
		Purpose:         req.Purpose,
		TransactionHash: txHash,
		ApprovalID:      approvalID,
	}

	prev := c.snapshot()
	c.state.DailySpending[asset] = c.state.DailySpending[asset].Add(req.Amount)
	if cfg.CountsTowardLimits() {
		c.state.DailyTotalUSD = c.state.DailyTotalUSD.Add(usd)
	}
	c.state.HourlyTxCount++
	c.state.DailyTxCount++
	c.state.Transactions = append([]Transaction{tx}, c.state.Transactions...)
	if n := c.limits.TransactionLogSize; n > 0 && len(c.state.Transactions) > n {
		c.state.Transactions = c.state.Transactions[:n]
	}

	if err := c.store.SaveState(ctx, c.state); err != nil {
		c.state = prev
		return nil, fmt.Errorf("persist spend state: %w", err)
	}
	c.logger.InfoContext(ctx, "transaction recorded", "id", tx.ID, "asset", asset, "amount", req.Amount, "usd_value", usd)
	return &tx, nil
}

// snapshot copies state so a failed save can be rolled back. Caller holds mu.
func (c *Controller) snapshot() *State {
	cp := *c.state
	cp.DailySpending = make(map[string]decimal.Decimal, len(c.state.DailySpending))
	for k, v := range c.state.DailySpending {
		cp.DailySpending[k] = v
	}
	cp.Transactions = append([]Transaction(nil), c.state.Transactions...)
	return &cp
}

// QueueForApproval holds a spend for a human decision.
func (c *Controller) QueueForApproval(ctx context.Context, req Request, decision *Decision) (*Approval, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	usd := decimal.Zero
	if decision != nil {
		usd = decision.USDValue
	} else if cfg, ok := c.limits.Assets[strings.ToLower(req.Asset)]; ok {
		usd = req.Amount.Mul(cfg.PriceUSD)
	}
	a := &Approval{
		ID:        "apr_" + uuid.NewString(),
		Status:    ApprovalPending,
		CreatedAt: c.now(),
		Request:   req,
		USDValue:  usd,
		Decision:  decision,
	}
	if err := c.store.PutApproval(ctx, a); err != nil {
		return nil, fmt.Errorf("persist approval: %w", err)
	}
	c.logger.InfoContext(ctx, "spend queued for approval", "id", a.ID, "asset", req.Asset, "usd_value", usd)
	return a, nil
}

func (c *Controller) loadApproval(ctx context.Context, id string, want ApprovalStatus) (*Approval, error) {
	a, err := c.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != want {
		return nil, fmt.Errorf("%w: approval %s is %s, want %s", ErrInvalidTransition, id, a.Status, want)
	}
	return a, nil
}

// Approve moves a pending approval to approved.
func (c *Controller) Approve(ctx context.Context, id, approver, note string) (*Approval, error) {
	if strings.TrimSpace(approver) == "" {
		return nil, ErrApproverRequired
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	a, err := c.loadApproval(ctx, id, ApprovalPending)
	if err != nil {
		return nil, err
	}
	now := c.now()
	a.Status = ApprovalApproved
	a.ApprovedBy = approver
	a.ApprovedAt = &now
	a.ApprovalNote = note
	if err := c.store.PutApproval(ctx, a); err != nil {
		return nil, fmt.Errorf("persist approval: %w", err)
	}
	c.logger.InfoContext(ctx, "spend approved", "id", id, "approver", approver)
	return a, nil
}

// Reject moves a pending approval to rejected.
func (c *Controller) Reject(ctx context.Context, id, approver, reason string) (*Approval, error) {
	if strings.TrimSpace(approver) == "" {
		return nil, ErrApproverRequired
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	a, err := c.loadApproval(ctx, id, ApprovalPending)
	if err != nil {
		return nil, err
	}
	now := c.now()
	a.Status = ApprovalRejected
	a.RejectedBy = approver
	a.RejectedAt = &now
	a.RejectionReason = reason
	if err := c.store.PutApproval(ctx, a); err != nil {
		return nil, fmt.Errorf("persist approval: %w", err)
	}
	c.logger.InfoContext(ctx, "spend rejected", "id", id, "approver", approver, "reason", reason)
	return a, nil
}

// MarkExecuted records the transaction for an approved spend and closes
// the approval.
func (c *Controller) MarkExecuted(ctx context.Context, id, txHash string) (*Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, err := c.loadApproval(ctx, id, ApprovalApproved)
	if err != nil {
		return nil, err
	}
	tx, err := c.recordLocked(ctx, a.Request, txHash, a.ID)
	if err != nil {
		return nil, err
	}
	now := c.now()
	a.Status = ApprovalExecuted
	a.ExecutedAt = &now
	a.TransactionID = tx.ID
	if err := c.store.PutApproval(ctx, a); err != nil {
		return nil, fmt.Errorf("persist approval: %w", err)
	}
	return tx, nil
}

// GetApproval returns one approval.
func (c *Controller) GetApproval(ctx context.Context, id string) (*Approval, error) {
	return c.store.GetApproval(ctx, id)
}

// Approvals lists approvals in the given statuses, or all when none given.
func (c *Controller) Approvals(ctx context.Context, statuses ...ApprovalStatus) ([]*Approval, error) {
	return c.store.ListApprovals(ctx, statuses...)
}

// History returns up to limit most recent transactions, newest first.
func (c *Controller) History(limit int) []Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit <= 0 || limit > len(c.state.Transactions) {
		limit = len(c.state.Transactions)
	}
	return append([]Transaction(nil), c.state.Transactions[:limit]...)
}

// Report summarizes the current window.
func (c *Controller) Report(ctx context.Context) (*Report, error) {
	pending, err := c.store.ListApprovals(ctx, ApprovalPending)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetIfNeeded(c.now())

	spending := make(map[string]decimal.Decimal, len(c.state.DailySpending))
	for k, v := range c.state.DailySpending {
		spending[k] = v
	}
	prices := make(map[string]decimal.Decimal, len(c.limits.Assets))
	for k, a := range c.limits.Assets {
		prices[k] = a.PriceUSD
	}
	recent := 10
	if recent > len(c.state.Transactions) {
		recent = len(c.state.Transactions)
	}
	return &Report{
		DayStart:      c.state.DayStart,
		HourStart:     c.state.HourStart,
		DailySpending: spending,
		DailyTotalUSD: c.state.DailyTotalUSD,
		Limits: LimitsView{
			DailyLimitUSD:           c.limits.DailyLimitUSD,
			PerTxLimitUSD:           c.limits.PerTxLimitUSD,
			RequireApprovalAboveUSD: c.limits.RequireApprovalAboveUSD,
			MaxTxPerHour:            c.limits.MaxTxPerHour,
			MaxTxPerDay:             c.limits.MaxTxPerDay,
		},
		HourlyTxCount:     c.state.HourlyTxCount,
		DailyTxCount:      c.state.DailyTxCount,
		RemainingDailyUSD: decimal.Max(decimal.Zero, c.limits.DailyLimitUSD.Sub(c.state.DailyTotalUSD)),
		RemainingHourlyTx: max(0, c.limits.MaxTxPerHour-c.state.HourlyTxCount),
		RemainingDailyTx:  max(0, c.limits.MaxTxPerDay-c.state.DailyTxCount),
		PendingApprovals:  len(pending),
		RecentHistory:     append([]Transaction(nil), c.state.Transactions[:recent]...),
		Prices:            prices,
	}, nil
}

// UpdatePrice sets an asset's USD price.
func (c *Controller) UpdatePrice(asset string, price decimal.Decimal) error {
	if price.IsNegative() {
		return fmt.Errorf("price must be non-negative")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := strings.ToLower(asset)
	cfg, ok := c.limits.Assets[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	cfg.PriceUSD = price
	c.limits.Assets[key] = cfg
	c.logger.Info("asset price updated", "asset", key, "price_usd", price)
	return nil
}
