package scoring

import (
	"fmt"
	"math"

	"github.com/kpjmd/Kinetix/pkg/contracts"
)

// Metric keys reported in the quality breakdown.
const (
	MetricResponseTime = "response_time"
	MetricCompleteness = "completeness"
	MetricFormat       = "format"
	MetricSatisfaction = "satisfaction"
	MetricAccuracy     = "accuracy"
)

func (e *Engine) scoreQuality(c *contracts.QualityCriteria, samples []contracts.Evidence) *contracts.ScoringResult {
	n := len(samples)
	if n == 0 || n < c.MinimumSamples {
		return &contracts.ScoringResult{
			Status:           contracts.StatusFailed,
			OverallScore:     0,
			EvidenceCount:    n,
			Reason:           fmt.Sprintf("insufficient samples: %d/%d", n, max(1, c.MinimumSamples)),
			MetricBreakdown:  map[string]float64{},
			SamplesEvaluated: contracts.Int(n),
		}
	}

	m := c.QualityMetrics
	breakdown := make(map[string]float64)
	var weighted, totalWeight float64

	add := func(metric string, score float64, scored bool) {
		w := e.metricWeight(metric)
		totalWeight += w
		if scored {
			breakdown[metric] = round2(score)
			weighted += score * w
		}
	}

	if m.ResponseTimeMinutes != nil {
		limit := *m.ResponseTimeMinutes
		add(MetricResponseTime, passRate(samples, func(s *contracts.Evidence) bool {
			return s.ResponseTimeMinutes != nil && *s.ResponseTimeMinutes <= limit
		}), true)
	}
	if m.MinimumLength != nil {
		minLen := *m.MinimumLength
		add(MetricCompleteness, passRate(samples, func(s *contracts.Evidence) bool {
			return s.ContentLength >= minLen
		}), true)
	}
	if m.RequiredFormat != "" {
		add(MetricFormat, passRate(samples, func(s *contracts.Evidence) bool {
			return s.Format == m.RequiredFormat
		}), true)
	}
	if m.SatisfactionThreshold != nil {
		// Unrated samples are skipped; with no ratings the metric still
		// carries weight but contributes nothing.
		sum, rated := 0.0, 0
		for i := range samples {
			if r := samples[i].SatisfactionRating; r != nil {
				sum += *r
				rated++
			}
		}
		score := 0.0
		if rated > 0 {
			score = math.Min(100, math.Max(0, sum/float64(rated)/5*100))
		}
		add(MetricSatisfaction, score, rated > 0)
	}
	if m.TechnicalAccuracy {
		add(MetricAccuracy, passRate(samples, func(s *contracts.Evidence) bool {
			return s.AccuracyVerified
		}), true)
	}

	if totalWeight == 0 {
		return &contracts.ScoringResult{
			Status:           contracts.StatusFailed,
			OverallScore:     0,
			EvidenceCount:    n,
			Reason:           "no quality metrics configured",
			MetricBreakdown:  breakdown,
			SamplesEvaluated: contracts.Int(n),
		}
	}

	overall := weighted / totalWeight
	return &contracts.ScoringResult{
		Status:           e.Verdict(overall),
		OverallScore:     round(overall),
		EvidenceCount:    n,
		MetricBreakdown:  breakdown,
		SamplesEvaluated: contracts.Int(n),
	}
}

func (e *Engine) metricWeight(metric string) float64 {
	for _, hw := range e.rules.Quality.HighWeightMetrics {
		if hw == metric {
			return e.rules.Quality.HighWeightMultiplier
		}
	}
	return 1
}

func passRate(samples []contracts.Evidence, pass func(*contracts.Evidence) bool) float64 {
	n := 0
	for i := range samples {
		if pass(&samples[i]) {
			n++
		}
	}
	return percent(n, len(samples))
}
