package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpjmd/Kinetix/pkg/contracts"
)

var base = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func commitment(id string, offset time.Duration, status contracts.Status) *contracts.Commitment {
	return &contracts.Commitment{
		CommitmentID:     id,
		AgentID:          "agent-1",
		Description:      "daily posts",
		VerificationType: contracts.VerificationConsistency,
		Criteria: &contracts.ConsistencyCriteria{
			Frequency:      contracts.FrequencyDaily,
			DurationDays:   7,
			Platform:       "moltbook",
			MinimumActions: 7,
		},
		Difficulty: "standard",
		Status:     status,
		CreatedAt:  base.Add(offset),
		StartDate:  base.Add(offset),
		EndDate:    base.Add(offset + 7*24*time.Hour),
		Evidence:   []contracts.Evidence{},
		UpdatedAt:  base.Add(offset),
	}
}

// runConformance exercises the behavior every backend must share.
func runConformance(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("commitments", func(t *testing.T) {
		c := commitment("cmt_kx_a", 0, contracts.StatusActive)
		require.NoError(t, s.CreateCommitment(ctx, c))
		assert.ErrorIs(t, s.CreateCommitment(ctx, c), ErrAlreadyExists)

		got, err := s.GetCommitment(ctx, "cmt_kx_a")
		require.NoError(t, err)
		assert.Equal(t, "agent-1", got.AgentID)
		cc, ok := got.Criteria.(*contracts.ConsistencyCriteria)
		require.True(t, ok)
		assert.Equal(t, 7, cc.MinimumActions)

		got.Status = contracts.StatusVerified
		got.Evidence = append(got.Evidence, contracts.Evidence{EvidenceID: "ev_1", Platform: "moltbook", Timestamp: base})
		require.NoError(t, s.UpdateCommitment(ctx, got))

		again, err := s.GetCommitment(ctx, "cmt_kx_a")
		require.NoError(t, err)
		assert.Equal(t, contracts.StatusVerified, again.Status)
		assert.Len(t, again.Evidence, 1)

		_, err = s.GetCommitment(ctx, "cmt_kx_missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.UpdateCommitment(ctx, commitment("cmt_kx_missing", 0, contracts.StatusActive)), ErrNotFound)
	})

	t.Run("list by status", func(t *testing.T) {
		require.NoError(t, s.CreateCommitment(ctx, commitment("cmt_kx_c", 2*time.Hour, contracts.StatusActive)))
		require.NoError(t, s.CreateCommitment(ctx, commitment("cmt_kx_b", time.Hour, contracts.StatusActive)))

		active, err := s.ListCommitments(ctx, contracts.StatusActive)
		require.NoError(t, err)
		ids := make([]string, 0, len(active))
		for _, c := range active {
			ids = append(ids, c.CommitmentID)
		}
		assert.Equal(t, []string{"cmt_kx_b", "cmt_kx_c"}, ids)

		all, err := s.ListCommitments(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)
		assert.Equal(t, "cmt_kx_a", all[0].CommitmentID)
	})

	t.Run("receipts are write-once", func(t *testing.T) {
		r := &contracts.Receipt{
			ReceiptVersion: contracts.ReceiptVersion,
			ReceiptID:      "rcpt_kx_1",
			Commitment:     contracts.CommitmentTerms{CommitmentID: "cmt_kx_a", VerificationType: contracts.VerificationConsistency},
			Metadata:       contracts.ReceiptMetadata{IssuedAt: base},
			Evidence:       []contracts.ReceiptEvidence{},
		}
		require.NoError(t, s.PutReceipt(ctx, r))
		assert.ErrorIs(t, s.PutReceipt(ctx, r), ErrAlreadyExists)

		got, err := s.GetReceipt(ctx, "rcpt_kx_1")
		require.NoError(t, err)
		assert.Equal(t, "cmt_kx_a", got.Commitment.CommitmentID)

		_, err = s.GetReceipt(ctx, "rcpt_kx_nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("publications upsert", func(t *testing.T) {
		p := &contracts.PublicationStatus{ReceiptID: "rcpt_kx_1", State: contracts.PublicationPending, UpdatedAt: base}
		require.NoError(t, s.PutPublication(ctx, p))
		p.State = contracts.PublicationFailed
		p.Attempts = 2
		p.LastError = "upload timeout"
		p.UpdatedAt = base.Add(time.Minute)
		require.NoError(t, s.PutPublication(ctx, p))
		require.NoError(t, s.PutPublication(ctx, &contracts.PublicationStatus{
			ReceiptID: "rcpt_kx_2", State: contracts.PublicationSubmitted, UpdatedAt: base,
		}))

		got, err := s.GetPublication(ctx, "rcpt_kx_1")
		require.NoError(t, err)
		assert.Equal(t, 2, got.Attempts)
		assert.Equal(t, contracts.PublicationFailed, got.State)

		failed, err := s.ListPublications(ctx, contracts.PublicationFailed)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "rcpt_kx_1", failed[0].ReceiptID)

		all, err := s.ListPublications(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		_, err = s.GetPublication(ctx, "rcpt_kx_none")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	runConformance(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	runConformance(t, s)
}

func TestFileStore_RejectsPathTraversal(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	c := commitment("../escape", 0, contracts.StatusActive)
	assert.Error(t, s.CreateCommitment(context.Background(), c))
	_, err = s.GetCommitment(context.Background(), "../escape")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "kinetix.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	runConformance(t, s)
}

func TestSQLiteStore_MigrateIsIdempotent(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "kinetix.db"))
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.Migrate(context.Background()))
}

func TestRedisStore(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	require.NoError(t, client.FlushDB(ctx).Err())
	s := NewRedisStoreWithClient(client)
	t.Cleanup(func() {
		_ = client.FlushDB(ctx).Err()
		_ = s.Close()
	})
	runConformance(t, s)

	stale := commitment("cmt_kx_a", 0, contracts.StatusActive)
	assert.ErrorIs(t, s.UpdateCommitment(ctx, stale), ErrStaleWrite)
}

func TestCheckNotStale(t *testing.T) {
	stored := commitment("cmt_kx_s", 0, contracts.StatusVerified)
	stored.Evidence = []contracts.Evidence{{EvidenceID: "ev_1"}, {EvidenceID: "ev_2"}}

	next := commitment("cmt_kx_s", 0, contracts.StatusAttested)
	next.Evidence = stored.Evidence
	assert.NoError(t, checkNotStale(stored, next))

	next.Status = contracts.StatusVerified
	assert.NoError(t, checkNotStale(stored, next))

	next.Status = contracts.StatusActive
	assert.ErrorIs(t, checkNotStale(stored, next), ErrStaleWrite)

	next.Status = contracts.StatusVerified
	next.Evidence = stored.Evidence[:1]
	assert.ErrorIs(t, checkNotStale(stored, next), ErrStaleWrite)
}
