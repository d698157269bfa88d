// Package scoring computes deterministic verdicts for commitments. Every
// function here is pure: the same commitment, evidence and rules always
// yield an identical ScoringResult.
package scoring

import (
	"fmt"
	"math"

	"github.com/kpjmd/Kinetix/pkg/config"
	"github.com/kpjmd/Kinetix/pkg/contracts"
)

// Engine dispatches to the algorithm for a commitment's archetype.
type Engine struct {
	rules *config.Rules
}

// NewEngine creates an engine bound to rules. A nil rules uses the defaults.
func NewEngine(rules *config.Rules) *Engine {
	if rules == nil {
		rules = config.DefaultRules()
	}
	return &Engine{rules: rules}
}

// Score evaluates c at its current evidence. It does not mutate c.
func (e *Engine) Score(c *contracts.Commitment) (*contracts.ScoringResult, error) {
	if c == nil {
		return nil, fmt.Errorf("commitment is required")
	}
	switch criteria := c.Criteria.(type) {
	case *contracts.ConsistencyCriteria:
		return e.scoreConsistency(criteria, c.Evidence), nil
	case *contracts.QualityCriteria:
		return e.scoreQuality(criteria, c.Evidence), nil
	case *contracts.TimeBoundCriteria:
		return e.scoreTimeBound(criteria, c.Evidence), nil
	case nil:
		return nil, fmt.Errorf("commitment %s has no criteria", c.CommitmentID)
	default:
		return nil, fmt.Errorf("commitment %s: unsupported criteria %T", c.CommitmentID, criteria)
	}
}

// Verdict maps an unrounded overall score to a status.
func (e *Engine) Verdict(score float64) contracts.Status {
	switch {
	case score >= e.rules.Thresholds.Verified:
		return contracts.StatusVerified
	case score >= e.rules.Thresholds.Partial:
		return contracts.StatusPartial
	default:
		return contracts.StatusFailed
	}
}

func round(v float64) int {
	return int(math.Round(v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}
