//go:build property

package attestation

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/kpjmd/Kinetix/pkg/contracts"
)

func TestProperty_SignedReceiptsVerify(t *testing.T) {
	a := newTestAttestor(t)
	properties := gopter.NewProperties(nil)

	properties.Property("every generated receipt verifies", prop.ForAll(
		func(score int, agent string) bool {
			c := scoredCommitment()
			c.AgentID = agent
			c.ScoringResult.OverallScore = score
			r, err := a.GenerateReceipt(c)
			return err == nil && Verify(r)
		},
		gen.IntRange(0, 100),
		gen.AlphaString(),
	))

	properties.Property("changing the score breaks the signature", prop.ForAll(
		func(score, delta int) bool {
			c := scoredCommitment()
			c.ScoringResult.OverallScore = score
			r, err := a.GenerateReceipt(c)
			if err != nil {
				return false
			}
			r.VerificationResult.OverallScore = score + delta
			return !Verify(r)
		},
		gen.IntRange(0, 100),
		gen.IntRange(1, 50),
	))

	properties.Property("digest ignores insertion order of criteria", prop.ForAll(
		func(days int) bool {
			c1 := scoredCommitment()
			c2 := scoredCommitment()
			c1.Criteria = &contracts.ConsistencyCriteria{DurationDays: days, Frequency: contracts.FrequencyDaily, Platform: "moltbook", MinimumActions: days}
			c2.Criteria = &contracts.ConsistencyCriteria{MinimumActions: days, Platform: "moltbook", Frequency: contracts.FrequencyDaily, DurationDays: days}
			r1, err1 := a.GenerateReceipt(c1)
			r2, err2 := a.GenerateReceipt(c2)
			return err1 == nil && err2 == nil && r1.Signatures.SigningDigest == r2.Signatures.SigningDigest
		},
		gen.IntRange(1, 60),
	))

	properties.TestingRun(t)
}
