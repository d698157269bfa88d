// Package difficulty maps commitment parameters to a coarse difficulty
// tier recorded in receipt metadata.
package difficulty

import (
	"github.com/kpjmd/Kinetix/pkg/config"
	"github.com/kpjmd/Kinetix/pkg/contracts"
)

// Params are the inputs the heuristic looks at.
type Params struct {
	DurationDays       int
	Frequency          contracts.Frequency
	QualityMetricCount int
	PlatformCount      int
}

// ParamsFor extracts Params from criteria. Commitments without a duration
// count one day per milestone, and at least one day.
func ParamsFor(criteria contracts.Criteria) Params {
	var p Params
	switch c := criteria.(type) {
	case *contracts.ConsistencyCriteria:
		p.DurationDays = c.DurationDays
		p.Frequency = c.Frequency
	case *contracts.QualityCriteria:
		p.DurationDays = c.DurationDays
		p.QualityMetricCount = c.QualityMetrics.Count()
	case *contracts.TimeBoundCriteria:
		p.DurationDays = len(c.Milestones)
	}
	if criteria != nil {
		p.PlatformCount = len(criteria.PlatformList())
	}
	if p.DurationDays <= 0 {
		p.DurationDays = 1
	}
	return p
}

// Classifier is stateless and safe for concurrent use.
type Classifier struct {
	rules config.DifficultyRules
}

// NewClassifier expects rules already validated (tiers ordered by max_score).
func NewClassifier(rules config.DifficultyRules) *Classifier {
	return &Classifier{rules: rules}
}

// Points accumulates the integer difficulty score.
func (c *Classifier) Points(p Params) int {
	points := c.rules.LongDurationPoints
	for _, tier := range c.rules.DurationTiers {
		if p.DurationDays <= tier.MaxDays {
			points = tier.Points
			break
		}
	}
	points += c.rules.FrequencyPoints[string(p.Frequency)]
	points += min(p.QualityMetricCount, c.rules.MaxQualityMetricPoints)
	if p.PlatformCount > 1 {
		points += c.rules.MultiPlatformBonus
	}
	return points
}

// Classify returns the first tier whose max_score is not exceeded, or the
// fallback tier.
func (c *Classifier) Classify(p Params) string {
	points := c.Points(p)
	for _, tier := range c.rules.Tiers {
		if points <= tier.MaxScore {
			return tier.Name
		}
	}
	if c.rules.FallbackTier != "" {
		return c.rules.FallbackTier
	}
	return "expert"
}

// ClassifyCriteria is Classify over ParamsFor(criteria).
func (c *Classifier) ClassifyCriteria(criteria contracts.Criteria) string {
	return c.Classify(ParamsFor(criteria))
}

// Rank returns the position of tier in the configured order, or -1.
func (c *Classifier) Rank(tier string) int {
	for i, t := range c.rules.Tiers {
		if t.Name == tier {
			return i
		}
	}
	if tier == c.rules.FallbackTier {
		return len(c.rules.Tiers)
	}
	return -1
}
