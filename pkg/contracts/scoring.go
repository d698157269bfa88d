package contracts

// Milestone delivery outcomes.
const (
	MilestoneMissed = "missed"
	MilestoneLate   = "late"
	MilestoneEarly  = "early"
	MilestoneOnTime = "on_time"
)

// MilestoneScore is the per-milestone outcome of time-bound scoring.
type MilestoneScore struct {
	MilestoneID string `json:"milestone_id"`
	Score       int    `json:"score"`
	Status      string `json:"status"`
	HoursLate   *int   `json:"hours_late,omitempty"`
	HoursEarly  *int   `json:"hours_early,omitempty"`
}

// ScoringResult is the deterministic verdict for a commitment. Only the
// sub-scores of the commitment's archetype are set.
type ScoringResult struct {
	Status        Status `json:"status"`
	OverallScore  int    `json:"overall_score"`
	EvidenceCount int    `json:"evidence_count"`
	Reason        string `json:"reason,omitempty"`

	// consistency
	CompletionRate  *int `json:"completion_rate,omitempty"`
	TimelinessScore *int `json:"timeliness_score,omitempty"`
	QualityScore    *int `json:"quality_score,omitempty"`
	DaysCompleted   *int `json:"days_completed,omitempty"`
	DaysMissed      *int `json:"days_missed,omitempty"`

	// quality
	MetricBreakdown  map[string]float64 `json:"metric_breakdown,omitempty"`
	SamplesEvaluated *int               `json:"samples_evaluated,omitempty"`

	// time_bound
	MilestonesCompleted *int             `json:"milestones_completed,omitempty"`
	MilestonesTotal     *int             `json:"milestones_total,omitempty"`
	MilestoneDetails    []MilestoneScore `json:"milestone_details,omitempty"`
}

// Int returns a pointer to v, for populating optional sub-scores.
func Int(v int) *int { return &v }

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }
