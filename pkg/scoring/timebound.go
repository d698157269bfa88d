package scoring

import (
	"math"
	"time"

	"github.com/kpjmd/Kinetix/pkg/contracts"
)

func (e *Engine) scoreTimeBound(c *contracts.TimeBoundCriteria, evidence []contracts.Evidence) *contracts.ScoringResult {
	total := len(c.Milestones)
	if total == 0 {
		return &contracts.ScoringResult{
			Status:              contracts.StatusFailed,
			OverallScore:        0,
			EvidenceCount:       len(evidence),
			Reason:              "no milestones defined",
			CompletionRate:      contracts.Int(0),
			MilestonesCompleted: contracts.Int(0),
			MilestonesTotal:     contracts.Int(0),
		}
	}

	penalty := e.rules.TimeBound.DefaultPenaltyPerLateHour
	if c.PenaltyPerLateHour != nil {
		penalty = *c.PenaltyPerLateHour
	}

	details := make([]contracts.MilestoneScore, 0, total)
	sum, completed := 0, 0
	for _, m := range c.Milestones {
		d := e.scoreMilestone(m, evidence, penalty, c.EarlyCompletionAllowed())
		details = append(details, d)
		sum += d.Score
		if d.Score > 0 {
			completed++
		}
	}

	// Flat mean: milestones carry no importance weights.
	avg := float64(sum) / float64(total)
	return &contracts.ScoringResult{
		Status:              e.Verdict(avg),
		OverallScore:        min(100, round(avg)),
		EvidenceCount:       len(evidence),
		TimelinessScore:     contracts.Int(round(avg)),
		CompletionRate:      contracts.Int(round(percent(completed, total))),
		MilestonesCompleted: contracts.Int(completed),
		MilestonesTotal:     contracts.Int(total),
		MilestoneDetails:    details,
	}
}

func (e *Engine) scoreMilestone(m contracts.Milestone, evidence []contracts.Evidence, penalty float64, allowEarly bool) contracts.MilestoneScore {
	delivery := findDelivery(m.MilestoneID, evidence)
	if delivery == nil {
		return contracts.MilestoneScore{MilestoneID: m.MilestoneID, Score: 0, Status: contracts.MilestoneMissed}
	}

	graceEnd := m.Deadline.Add(time.Duration(m.GracePeriodHours * float64(time.Hour)))
	hoursLate := delivery.Timestamp.Sub(graceEnd).Hours()
	if hoursLate > 0 {
		score := math.Max(0, 100-hoursLate*penalty)
		return contracts.MilestoneScore{
			MilestoneID: m.MilestoneID,
			Score:       round(score),
			Status:      contracts.MilestoneLate,
			HoursLate:   contracts.Int(round(hoursLate)),
		}
	}

	hoursEarly := m.Deadline.Sub(delivery.Timestamp).Hours()
	if hoursEarly > 0 && allowEarly {
		tb := e.rules.TimeBound
		bonus := math.Min(tb.EarlyBonusMax, hoursEarly*tb.EarlyBonusPerHour)
		return contracts.MilestoneScore{
			MilestoneID: m.MilestoneID,
			Score:       round(math.Min(tb.MaxScoreWithBonus, 100+bonus)),
			Status:      contracts.MilestoneEarly,
			HoursEarly:  contracts.Int(round(hoursEarly)),
		}
	}

	return contracts.MilestoneScore{MilestoneID: m.MilestoneID, Score: 100, Status: contracts.MilestoneOnTime}
}

// findDelivery returns the first evidence, in arrival order, for the milestone.
func findDelivery(milestoneID string, evidence []contracts.Evidence) *contracts.Evidence {
	for i := range evidence {
		if evidence[i].MilestoneID == milestoneID {
			return &evidence[i]
		}
	}
	return nil
}
