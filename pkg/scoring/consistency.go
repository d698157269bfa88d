package scoring

import (
	"math"
	"time"

	"github.com/kpjmd/Kinetix/pkg/contracts"
)

func (e *Engine) scoreConsistency(c *contracts.ConsistencyCriteria, evidence []contracts.Evidence) *contracts.ScoringResult {
	required := c.MinimumActions
	grace := e.rules.GracePeriods.ConsistencyDailyHours
	if c.GracePeriodHours != nil {
		grace = *c.GracePeriodHours
	}

	completed := 0
	for i := range evidence {
		if meetsContentRequirements(&evidence[i], c.ContentRequirements) {
			completed++
		}
	}

	if completed == 0 {
		return &contracts.ScoringResult{
			Status:          contracts.StatusFailed,
			OverallScore:    0,
			EvidenceCount:   len(evidence),
			CompletionRate:  contracts.Int(0),
			TimelinessScore: contracts.Int(0),
			QualityScore:    contracts.Int(0),
			DaysCompleted:   contracts.Int(0),
			DaysMissed:      contracts.Int(max(0, required)),
		}
	}

	completionRate := 100.0
	if required > 0 {
		completionRate = math.Min(100, percent(completed, required))
	}
	timeliness := timelinessScore(evidence, c.Frequency.Interval(), grace)
	quality := averageItemQuality(evidence, c.ContentRequirements)

	w := e.rules.Consistency.Weights
	overall := completionRate*w.CompletionRate + timeliness*w.Timeliness + quality*w.Quality

	return &contracts.ScoringResult{
		Status:          e.Verdict(overall),
		OverallScore:    round(overall),
		EvidenceCount:   len(evidence),
		CompletionRate:  contracts.Int(round(completionRate)),
		TimelinessScore: contracts.Int(round(timeliness)),
		QualityScore:    contracts.Int(round(quality)),
		DaysCompleted:   contracts.Int(completed),
		DaysMissed:      contracts.Int(max(0, required-completed)),
	}
}

func meetsContentRequirements(e *contracts.Evidence, req *contracts.ContentRequirements) bool {
	if req == nil {
		return true
	}
	if req.MinLength > 0 && e.ContentLength < req.MinLength {
		return false
	}
	if !hasAllTags(e.ContentTags, req.RequiredTags) {
		return false
	}
	return !containsAny(e.ContentText, req.ForbiddenContent)
}

// timelinessScore is the share of consecutive gaps, in arrival order, that
// stay within interval plus grace. Fewer than two items have no gap to miss.
func timelinessScore(evidence []contracts.Evidence, interval time.Duration, graceHours float64) float64 {
	if len(evidence) < 2 {
		return 100
	}
	limit := interval + time.Duration(graceHours*float64(time.Hour))
	onTime := 0
	for i := 1; i < len(evidence); i++ {
		if evidence[i].Timestamp.Sub(evidence[i-1].Timestamp) <= limit {
			onTime++
		}
	}
	return percent(onTime, len(evidence)-1)
}

func itemQuality(e *contracts.Evidence, req *contracts.ContentRequirements) float64 {
	score := 100.0
	if req == nil {
		return score
	}
	if req.MinLength > 0 && e.ContentLength < req.MinLength {
		score -= 20
	}
	if len(req.RequiredTags) > 0 && !hasAllTags(e.ContentTags, req.RequiredTags) {
		score -= 30
	}
	if containsAny(e.ContentText, req.ForbiddenContent) {
		score -= 50
	}
	return math.Max(0, score)
}

func averageItemQuality(evidence []contracts.Evidence, req *contracts.ContentRequirements) float64 {
	if len(evidence) == 0 {
		return 0
	}
	total := 0.0
	for i := range evidence {
		total += itemQuality(&evidence[i], req)
	}
	return total / float64(len(evidence))
}
