// Package monitor polls platforms for actions by agents with active
// commitments and feeds new evidence to the verification service.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kpjmd/Kinetix/pkg/contracts"
	"github.com/kpjmd/Kinetix/pkg/verification"
)

// Query describes what to fetch for one commitment on one platform.
type Query struct {
	CommitmentID string
	AgentID      string
	Platform     string
	// Handle is the agent's identity on the platform: its profile entry,
	// or the commitment pubkey when no profile is set.
	Handle     string
	ActionType string
	Since      time.Time
}

// Fetcher lists recent actions on one platform.
type Fetcher interface {
	Platform() string
	Fetch(ctx context.Context, q Query) ([]contracts.Evidence, error)
}

// Verifier is the slice of the verification service the monitor drives.
type Verifier interface {
	ActiveCommitments(ctx context.Context) ([]*contracts.Commitment, error)
	AddEvidence(ctx context.Context, id string, item contracts.Evidence) (*contracts.StatusView, error)
	SweepExpired(ctx context.Context) (int, error)
}

// Config tunes polling.
type Config struct {
	Interval     time.Duration
	FetchTimeout time.Duration
	// RatePerSecond and Burst pace calls to each platform.
	RatePerSecond float64
	Burst         int
}

// Summary counts the work of one CheckAll pass.
type Summary struct {
	Checked    int `json:"checked"`
	Added      int `json:"added"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
	FetchErrs  int `json:"fetch_errors"`
	Scored     int `json:"scored"`
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(m *Monitor) { m.clock = clock }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// Monitor polls on an interval. CheckAll may also be called directly.
type Monitor struct {
	verifier Verifier
	fetchers map[string]Fetcher
	limiters map[string]*rate.Limiter
	cfg      Config
	running  sync.Mutex
	clock    func() time.Time
	logger   *slog.Logger
}

// New creates a monitor over the given fetchers.
func New(v Verifier, fetchers []Fetcher, cfg Config, opts ...Option) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	m := &Monitor{
		verifier: v,
		fetchers: make(map[string]Fetcher, len(fetchers)),
		limiters: make(map[string]*rate.Limiter, len(fetchers)),
		cfg:      cfg,
		clock:    time.Now,
		logger:   slog.Default().With("component", "monitor"),
	}
	for _, f := range fetchers {
		p := strings.ToLower(f.Platform())
		m.fetchers[p] = f
		m.limiters[p] = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run checks immediately and then on every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.InfoContext(ctx, "monitoring started", "interval", m.cfg.Interval, "platforms", len(m.fetchers))
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := m.CheckAll(ctx); err != nil && ctx.Err() == nil {
			m.logger.WarnContext(ctx, "monitoring pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			m.logger.InfoContext(ctx, "monitoring stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CheckAll polls every active commitment once and then scores the ones
// whose window has closed. Overlapping calls are serialized.
func (m *Monitor) CheckAll(ctx context.Context) (Summary, error) {
	m.running.Lock()
	defer m.running.Unlock()

	var sum Summary
	active, err := m.verifier.ActiveCommitments(ctx)
	if err != nil {
		return sum, fmt.Errorf("list active commitments: %w", err)
	}
	now := m.clock()
	for _, c := range active {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if c.Expired(now) {
			continue
		}
		sum.Checked++
		m.checkCommitment(ctx, c, &sum)
	}

	scored, err := m.verifier.SweepExpired(ctx)
	sum.Scored = scored
	if err != nil {
		return sum, fmt.Errorf("sweep expired: %w", err)
	}
	if sum.Added > 0 || sum.Scored > 0 {
		m.logger.InfoContext(ctx, "monitoring pass complete",
			"checked", sum.Checked,
			"added", sum.Added,
			"scored", sum.Scored,
		)
	}
	return sum, nil
}

func platformsOf(c *contracts.Commitment) []string {
	var ps []string
	if c.Criteria != nil {
		ps = c.Criteria.PlatformList()
	}
	if len(ps) == 0 && c.Platform != "" {
		ps = []string{c.Platform}
	}
	return ps
}

func (m *Monitor) checkCommitment(ctx context.Context, c *contracts.Commitment, sum *Summary) {
	seen := make(map[string]bool, len(c.Evidence))
	for i := range c.Evidence {
		if k := c.Evidence[i].DedupKey(); k != "" {
			seen[k] = true
		}
	}

	var fresh []contracts.Evidence
	for _, platform := range platformsOf(c) {
		p := strings.ToLower(platform)
		f, ok := m.fetchers[p]
		if !ok {
			m.logger.DebugContext(ctx, "no fetcher for platform", "platform", p, "verification_id", c.CommitmentID)
			continue
		}
		handle := c.PlatformProfiles[p]
		if handle == "" {
			handle = c.Pubkey
		}
		if handle == "" {
			m.logger.DebugContext(ctx, "no platform identity", "platform", p, "verification_id", c.CommitmentID)
			continue
		}

		items, err := m.fetch(ctx, f, Query{
			CommitmentID: c.CommitmentID,
			AgentID:      c.AgentID,
			Platform:     p,
			Handle:       handle,
			ActionType:   actionType(c),
			Since:        c.StartDate,
		})
		if err != nil {
			sum.FetchErrs++
			m.logger.WarnContext(ctx, "evidence fetch failed", "platform", p, "verification_id", c.CommitmentID, "error", err)
			continue
		}

		for _, item := range items {
			key := item.DedupKey()
			if key == "" || seen[key] || item.Timestamp.Before(c.StartDate) {
				continue
			}
			seen[key] = true
			if item.Platform == "" {
				item.Platform = p
			}
			fresh = append(fresh, item)
		}
	}

	// Timeliness is scored in append order, so feeds that list newest
	// first must not reach the store that way. An item a platform reports
	// late still lands after what is already stored.
	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].Timestamp.Before(fresh[j].Timestamp)
	})
	for _, item := range fresh {
		_, err := m.verifier.AddEvidence(ctx, c.CommitmentID, item)
		switch {
		case err == nil:
			sum.Added++
		case errors.Is(err, verification.ErrConflict):
			sum.Duplicates++
		case errors.Is(err, verification.ErrInvalidInput):
			sum.Rejected++
		default:
			m.logger.WarnContext(ctx, "evidence not added", "verification_id", c.CommitmentID, "error", err)
		}
	}
}

func (m *Monitor) fetch(ctx context.Context, f Fetcher, q Query) ([]contracts.Evidence, error) {
	if err := m.limiters[q.Platform].Wait(ctx); err != nil {
		return nil, err
	}
	fctx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	defer cancel()
	return f.Fetch(fctx, q)
}

func actionType(c *contracts.Commitment) string {
	switch cr := c.Criteria.(type) {
	case *contracts.ConsistencyCriteria:
		if cr.ActionType != "" {
			return cr.ActionType
		}
	case *contracts.QualityCriteria:
		if cr.ActionType != "" {
			return cr.ActionType
		}
	}
	return "post"
}
