package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpjmd/Kinetix/pkg/contracts"
	"github.com/kpjmd/Kinetix/pkg/verification"
)

var start = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

type fakeVerifier struct {
	mu        sync.Mutex
	active    []*contracts.Commitment
	added     map[string][]contracts.Evidence
	reject    map[string]bool
	sweeps    int
	sweepSize int
}

func newFakeVerifier(cs ...*contracts.Commitment) *fakeVerifier {
	return &fakeVerifier{active: cs, added: map[string][]contracts.Evidence{}, reject: map[string]bool{}}
}

func (f *fakeVerifier) ActiveCommitments(context.Context) ([]*contracts.Commitment, error) {
	return f.active, nil
}

func (f *fakeVerifier) AddEvidence(_ context.Context, id string, item contracts.Evidence) (*contracts.StatusView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject[item.DedupKey()] {
		return nil, &verification.InputError{Problems: []string{"missing required field: content_hash"}}
	}
	for _, e := range f.added[id] {
		if e.DedupKey() == item.DedupKey() {
			return nil, fmt.Errorf("%w: duplicate", verification.ErrConflict)
		}
	}
	f.added[id] = append(f.added[id], item)
	return &contracts.StatusView{VerificationID: id}, nil
}

func (f *fakeVerifier) SweepExpired(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return f.sweepSize, nil
}

type fakeFetcher struct {
	platform string
	items    []contracts.Evidence
	err      error
	calls    []Query
	block    bool
}

func (f *fakeFetcher) Platform() string { return f.platform }

func (f *fakeFetcher) Fetch(ctx context.Context, q Query) ([]contracts.Evidence, error) {
	f.calls = append(f.calls, q)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.items, f.err
}

func commitment(id string, criteria contracts.Criteria) *contracts.Commitment {
	return &contracts.Commitment{
		CommitmentID:     id,
		AgentID:          "agent-" + id,
		PlatformProfiles: contracts.PlatformProfiles{"moltbook": "builder_bot"},
		Pubkey:           "0xabc",
		Criteria:         criteria,
		Status:           contracts.StatusActive,
		StartDate:        start,
		EndDate:          start.Add(7 * 24 * time.Hour),
	}
}

func post(url string, at time.Time) contracts.Evidence {
	return contracts.Evidence{ActionURL: url, Timestamp: at, ContentHash: "sha256:00"}
}

func newMonitor(v Verifier, fs ...Fetcher) *Monitor {
	return New(v, fs, Config{FetchTimeout: 50 * time.Millisecond, RatePerSecond: 1000, Burst: 100},
		WithClock(func() time.Time { return start.Add(48 * time.Hour) }))
}

func TestCheckAll_AddsOnlyNewEvidence(t *testing.T) {
	c := commitment("c1", &contracts.ConsistencyCriteria{Platform: "moltbook", ActionType: "reply"})
	c.Evidence = []contracts.Evidence{post("https://moltbook.example/p/1", start.Add(time.Hour))}

	f := &fakeFetcher{platform: "moltbook", items: []contracts.Evidence{
		post("https://moltbook.example/p/1", start.Add(time.Hour)),
		post("https://moltbook.example/p/2", start.Add(25*time.Hour)),
		post("https://moltbook.example/p/2", start.Add(25*time.Hour)),
		post("https://moltbook.example/p/0", start.Add(-time.Hour)),
		{Timestamp: start.Add(time.Hour)},
	}}
	v := newFakeVerifier(c)
	v.sweepSize = 2

	sum, err := newMonitor(v, f).CheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Checked: 1, Added: 1, Scored: 2}, sum)

	require.Len(t, v.added["c1"], 1)
	assert.Equal(t, "moltbook", v.added["c1"][0].Platform)
	require.Len(t, f.calls, 1)
	assert.Equal(t, Query{
		CommitmentID: "c1",
		AgentID:      "agent-c1",
		Platform:     "moltbook",
		Handle:       "builder_bot",
		ActionType:   "reply",
		Since:        start,
	}, f.calls[0])
	assert.Equal(t, 1, v.sweeps)
}

func TestCheckAll_CountsConflictsAndRejections(t *testing.T) {
	c := commitment("c1", &contracts.ConsistencyCriteria{Platform: "moltbook"})
	f := &fakeFetcher{platform: "moltbook", items: []contracts.Evidence{
		post("https://m/p/1", start.Add(time.Hour)),
		post("https://m/p/2", start.Add(2*time.Hour)),
		post("https://m/p/3", start.Add(3*time.Hour)),
	}}
	v := newFakeVerifier(c)
	v.reject["url:https://m/p/3"] = true
	v.added["c1"] = []contracts.Evidence{post("https://m/p/2", start)}

	sum, err := newMonitor(v, f).CheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Added)
	assert.Equal(t, 1, sum.Duplicates)
	assert.Equal(t, 1, sum.Rejected)
}

func TestCheckAll_SkipsExpiredAndUnknownPlatforms(t *testing.T) {
	expired := commitment("old", &contracts.ConsistencyCriteria{Platform: "moltbook"})
	expired.EndDate = start.Add(time.Hour)
	github := commitment("gh", &contracts.QualityCriteria{Platform: "github"})

	f := &fakeFetcher{platform: "moltbook"}
	v := newFakeVerifier(expired, github)
	sum, err := newMonitor(v, f).CheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Checked)
	assert.Empty(t, f.calls)
	assert.Equal(t, 1, v.sweeps, "expired commitments are scored by the sweep")
}

func TestCheckAll_FallsBackToPubkeyAndMultiplePlatforms(t *testing.T) {
	c := commitment("c1", &contracts.ConsistencyCriteria{Platform: "moltbook", Platforms: []string{"clawstr"}})
	molt := &fakeFetcher{platform: "moltbook"}
	claw := &fakeFetcher{platform: "Clawstr", items: []contracts.Evidence{
		{EventID: "ev1", Timestamp: start.Add(time.Hour), ContentHash: "sha256:00"},
	}}
	v := newFakeVerifier(c)

	sum, err := newMonitor(v, molt, claw).CheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Added)
	require.Len(t, claw.calls, 1)
	assert.Equal(t, "0xabc", claw.calls[0].Handle)
	assert.Equal(t, "clawstr", v.added["c1"][0].Platform)
}

func TestCheckAll_FetchErrorsAndTimeouts(t *testing.T) {
	c := commitment("c1", &contracts.ConsistencyCriteria{Platform: "moltbook", Platforms: []string{"clawstr"}})
	molt := &fakeFetcher{platform: "moltbook", err: errors.New("503")}
	claw := &fakeFetcher{platform: "clawstr", block: true}
	v := newFakeVerifier(c)

	sum, err := newMonitor(v, molt, claw).CheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.FetchErrs)
	assert.Equal(t, 1, v.sweeps)
}

func TestRun_StopsOnCancel(t *testing.T) {
	v := newFakeVerifier()
	m := New(v, nil, Config{Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		v.mu.Lock()
		defer v.mu.Unlock()
		return v.sweeps >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestCheckAll_AppendsInTimestampOrder(t *testing.T) {
	c := commitment("c1", &contracts.ConsistencyCriteria{Platform: "moltbook", Platforms: []string{"clawstr"}})
	c.Evidence = []contracts.Evidence{post("https://m/p/a", start.Add(12*time.Hour))}

	molt := &fakeFetcher{platform: "moltbook", items: []contracts.Evidence{
		post("https://m/p/d", start.Add(6*24*time.Hour)),
		post("https://m/p/c", start.Add(3*24*time.Hour)),
		post("https://m/p/old", start.Add(2*time.Hour)),
	}}
	claw := &fakeFetcher{platform: "clawstr", items: []contracts.Evidence{
		{EventID: "ev-b", Timestamp: start.Add(36 * time.Hour), ContentHash: "sha256:00"},
	}}
	v := newFakeVerifier(c)

	sum, err := newMonitor(v, molt, claw).CheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Added)

	got := v.added["c1"]
	require.Len(t, got, 4)
	keys := make([]string, len(got))
	for i := range got {
		keys[i] = got[i].DedupKey()
	}
	assert.Equal(t, []string{"url:https://m/p/old", "event:ev-b", "url:https://m/p/c", "url:https://m/p/d"}, keys)
}

func TestCheckAll_RecoveredPlatformEvidenceIsKept(t *testing.T) {
	c := commitment("c1", &contracts.ConsistencyCriteria{Platform: "moltbook", Platforms: []string{"clawstr"}})
	molt := &fakeFetcher{platform: "moltbook", items: []contracts.Evidence{
		post("https://m/p/1", start.Add(30*time.Hour)),
	}}
	claw := &fakeFetcher{platform: "clawstr", err: errors.New("relay timeout")}
	v := newFakeVerifier(c)
	m := newMonitor(v, molt, claw)

	first, err := m.CheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Added)
	assert.Equal(t, 1, first.FetchErrs)

	// The next pass sees the stored post, as the real service would return it.
	c.Evidence = append(c.Evidence, v.added["c1"]...)
	claw.err = nil
	claw.items = []contracts.Evidence{
		{EventID: "ev-1", Timestamp: start.Add(6 * time.Hour), ContentHash: "sha256:00"},
	}

	second, err := m.CheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Added)
	assert.Equal(t, 0, second.Duplicates)

	got := v.added["c1"]
	require.Len(t, got, 2)
	assert.Equal(t, "url:https://m/p/1", got[0].DedupKey())
	assert.Equal(t, "event:ev-1", got[1].DedupKey())
}
