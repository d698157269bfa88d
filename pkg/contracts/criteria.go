package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// VerificationType selects the scoring archetype.
type VerificationType string

const (
	VerificationConsistency VerificationType = "consistency"
	VerificationQuality     VerificationType = "quality"
	VerificationTimeBound   VerificationType = "time_bound"
)

// VerificationTypes lists the known archetypes in a stable order.
var VerificationTypes = []VerificationType{
	VerificationConsistency,
	VerificationQuality,
	VerificationTimeBound,
}

// Valid reports whether t is a known archetype.
func (t VerificationType) Valid() bool {
	for _, known := range VerificationTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Frequency is the cadence of a consistency commitment.
type Frequency string

const (
	FrequencyHourly Frequency = "hourly"
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
	FrequencyCustom Frequency = "custom"
)

// Interval returns the expected gap between actions. Unknown values use a day.
func (f Frequency) Interval() time.Duration {
	switch f {
	case FrequencyHourly:
		return time.Hour
	case FrequencyWeekly:
		return 168 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Criteria is the closed set of per-archetype criteria. Only the variants
// in this package implement it.
type Criteria interface {
	Type() VerificationType
	// EndDate derives the end of the verification window from start.
	EndDate(start time.Time) time.Time
	// PlatformList returns every platform the criteria names.
	PlatformList() []string
	isCriteria()
}

const defaultWindow = 7 * 24 * time.Hour

func windowEnd(start time.Time, durationDays int) time.Time {
	if durationDays > 0 {
		return start.Add(time.Duration(durationDays) * 24 * time.Hour)
	}
	return start.Add(defaultWindow)
}

func mergePlatforms(primary string, extra []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range append([]string{primary}, extra...) {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// ContentRequirements filter which evidence counts toward completion.
type ContentRequirements struct {
	MinLength        int      `json:"min_length,omitempty"`
	RequiredTags     []string `json:"required_tags,omitempty"`
	ForbiddenContent []string `json:"forbidden_content,omitempty"`
}

// ConsistencyCriteria describes "act at frequency F for D days".
type ConsistencyCriteria struct {
	Frequency           Frequency            `json:"frequency"`
	DurationDays        int                  `json:"duration_days"`
	Platform            string               `json:"platform"`
	Platforms           []string             `json:"platforms,omitempty"`
	ActionType          string               `json:"action_type,omitempty"`
	MinimumActions      int                  `json:"minimum_actions"`
	GracePeriodHours    *float64             `json:"grace_period_hours,omitempty"`
	ContentRequirements *ContentRequirements `json:"content_requirements,omitempty"`
}

func (*ConsistencyCriteria) Type() VerificationType { return VerificationConsistency }
func (*ConsistencyCriteria) isCriteria()            {}

func (c *ConsistencyCriteria) EndDate(start time.Time) time.Time {
	return windowEnd(start, c.DurationDays)
}

func (c *ConsistencyCriteria) PlatformList() []string {
	return mergePlatforms(c.Platform, c.Platforms)
}

// QualityMetrics is the subset of metrics a quality commitment is held to.
type QualityMetrics struct {
	ResponseTimeMinutes   *float64 `json:"response_time_minutes,omitempty"`
	MinimumLength         *int     `json:"minimum_length,omitempty"`
	RequiredFormat        string   `json:"required_format,omitempty"`
	SatisfactionThreshold *float64 `json:"satisfaction_threshold,omitempty"`
	TechnicalAccuracy     bool     `json:"technical_accuracy,omitempty"`
}

// Count returns how many metrics are configured.
func (m QualityMetrics) Count() int {
	n := 0
	if m.ResponseTimeMinutes != nil {
		n++
	}
	if m.MinimumLength != nil {
		n++
	}
	if m.RequiredFormat != "" {
		n++
	}
	if m.SatisfactionThreshold != nil {
		n++
	}
	if m.TechnicalAccuracy {
		n++
	}
	return n
}

// QualityCriteria describes metric compliance over a sample of actions.
type QualityCriteria struct {
	Platform       string         `json:"platform"`
	Platforms      []string       `json:"platforms,omitempty"`
	ActionType     string         `json:"action_type"`
	QualityMetrics QualityMetrics `json:"quality_metrics"`
	MinimumSamples int            `json:"minimum_samples"`
	DurationDays   int            `json:"duration_days"`
}

func (*QualityCriteria) Type() VerificationType { return VerificationQuality }
func (*QualityCriteria) isCriteria()            {}

func (c *QualityCriteria) EndDate(start time.Time) time.Time {
	return windowEnd(start, c.DurationDays)
}

func (c *QualityCriteria) PlatformList() []string {
	return mergePlatforms(c.Platform, c.Platforms)
}

// Milestone is one deliverable of a time-bound commitment.
type Milestone struct {
	MilestoneID         string    `json:"milestone_id"`
	Description         string    `json:"description,omitempty"`
	Deadline            time.Time `json:"deadline"`
	RequiredDeliverable string    `json:"required_deliverable,omitempty"`
	GracePeriodHours    float64   `json:"grace_period_hours,omitempty"`
}

// TimeBoundCriteria describes milestone delivery against deadlines.
type TimeBoundCriteria struct {
	Milestones           []Milestone `json:"milestones"`
	AllowEarlyCompletion *bool       `json:"allow_early_completion,omitempty"`
	PenaltyPerLateHour   *float64    `json:"penalty_per_late_hour,omitempty"`
	Platform             string      `json:"platform,omitempty"`
	Platforms            []string    `json:"platforms,omitempty"`
}

func (*TimeBoundCriteria) Type() VerificationType { return VerificationTimeBound }
func (*TimeBoundCriteria) isCriteria()            {}

// EndDate is the latest milestone deadline plus that milestone's grace
// period, or the default window when there are no milestones.
func (c *TimeBoundCriteria) EndDate(start time.Time) time.Time {
	var latest time.Time
	for _, m := range c.Milestones {
		due := m.Deadline.Add(time.Duration(m.GracePeriodHours * float64(time.Hour)))
		if due.After(latest) {
			latest = due
		}
	}
	if latest.IsZero() {
		return start.Add(defaultWindow)
	}
	return latest.UTC()
}

func (c *TimeBoundCriteria) PlatformList() []string {
	return mergePlatforms(c.Platform, c.Platforms)
}

// EarlyCompletionAllowed defaults to true when unset.
func (c *TimeBoundCriteria) EarlyCompletionAllowed() bool {
	return c.AllowEarlyCompletion == nil || *c.AllowEarlyCompletion
}

// DecodeCriteria decodes raw JSON into the variant for t.
func DecodeCriteria(t VerificationType, raw json.RawMessage) (Criteria, error) {
	var c Criteria
	switch t {
	case VerificationConsistency:
		c = &ConsistencyCriteria{}
	case VerificationQuality:
		c = &QualityCriteria{}
	case VerificationTimeBound:
		c = &TimeBoundCriteria{}
	default:
		return nil, fmt.Errorf("unknown verification type %q", t)
	}
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("decode %s criteria: %w", t, err)
	}
	return c, nil
}
