package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Rules holds every tunable of scoring, classification, evidence
// acceptance and receipt metadata.
type Rules struct {
	Thresholds           Thresholds                      `yaml:"thresholds" json:"thresholds"`
	Consistency          ConsistencyRules                `yaml:"consistency" json:"consistency"`
	Quality              QualityRules                    `yaml:"quality" json:"quality"`
	TimeBound            TimeBoundRules                  `yaml:"time_bound" json:"time_bound"`
	GracePeriods         GracePeriods                    `yaml:"grace_periods" json:"grace_periods"`
	Difficulty           DifficultyRules                 `yaml:"difficulty" json:"difficulty"`
	EvidenceRequirements map[string]PlatformRequirements `yaml:"evidence_requirements" json:"evidence_requirements"`
	Attestation          AttestationRules                `yaml:"attestation" json:"attestation"`
}

// Thresholds map an overall score to a verdict.
type Thresholds struct {
	Verified float64 `yaml:"verified" json:"verified"`
	Partial  float64 `yaml:"partial" json:"partial"`
}

type ConsistencyWeights struct {
	CompletionRate float64 `yaml:"completion_rate" json:"completion_rate"`
	Timeliness     float64 `yaml:"timeliness" json:"timeliness"`
	Quality        float64 `yaml:"quality" json:"quality"`
}

type ConsistencyRules struct {
	Weights ConsistencyWeights `yaml:"weights" json:"weights"`
}

type QualityRules struct {
	HighWeightMetrics    []string `yaml:"high_weight_metrics" json:"high_weight_metrics"`
	HighWeightMultiplier float64  `yaml:"high_weight_multiplier" json:"high_weight_multiplier"`
}

type TimeBoundRules struct {
	EarlyBonusPerHour         float64 `yaml:"early_bonus_per_hour" json:"early_bonus_per_hour"`
	EarlyBonusMax             float64 `yaml:"early_bonus_max" json:"early_bonus_max"`
	MaxScoreWithBonus         float64 `yaml:"max_score_with_bonus" json:"max_score_with_bonus"`
	DefaultPenaltyPerLateHour float64 `yaml:"default_penalty_per_late_hour" json:"default_penalty_per_late_hour"`
}

type GracePeriods struct {
	ConsistencyDailyHours float64 `yaml:"consistency_daily_hours" json:"consistency_daily_hours"`
}

// DurationTier awards Points to commitments lasting at most MaxDays.
type DurationTier struct {
	MaxDays int `yaml:"max_days" json:"max_days"`
	Points  int `yaml:"points" json:"points"`
}

// DifficultyTier is the label for accumulated scores up to MaxScore.
type DifficultyTier struct {
	Name     string `yaml:"name" json:"name"`
	MaxScore int    `yaml:"max_score" json:"max_score"`
}

type DifficultyRules struct {
	DurationTiers          []DurationTier   `yaml:"duration_tiers" json:"duration_tiers"`
	LongDurationPoints     int              `yaml:"long_duration_points" json:"long_duration_points"`
	FrequencyPoints        map[string]int   `yaml:"frequency_points" json:"frequency_points"`
	MaxQualityMetricPoints int              `yaml:"max_quality_metric_points" json:"max_quality_metric_points"`
	MultiPlatformBonus     int              `yaml:"multi_platform_bonus" json:"multi_platform_bonus"`
	Tiers                  []DifficultyTier `yaml:"tiers" json:"tiers"`
	FallbackTier           string           `yaml:"fallback_tier" json:"fallback_tier"`
}

// ContentPolicy is a named CEL expression over `evidence` that must hold.
type ContentPolicy struct {
	Name       string `yaml:"name" json:"name"`
	Expression string `yaml:"expression" json:"expression"`
}

// PlatformRequirements declares what a platform's evidence must carry.
type PlatformRequirements struct {
	RequiredFields  []string        `yaml:"required_fields" json:"required_fields"`
	ContentPolicies []ContentPolicy `yaml:"content_policies,omitempty" json:"content_policies,omitempty"`
}

type AttestationRules struct {
	IssuerName        string             `yaml:"issuer_name" json:"issuer_name"`
	IssuerAgentID     string             `yaml:"issuer_agent_id" json:"issuer_agent_id"`
	ReputationWeights map[string]float64 `yaml:"reputation_weights" json:"reputation_weights"`
	DisputeWindowDays int                `yaml:"dispute_window_days" json:"dispute_window_days"`
}

const contentHashPolicy = `has(evidence.content_hash) && evidence.content_hash.startsWith("sha256:")`

// DefaultRules returns the built-in rule set.
func DefaultRules() *Rules {
	return &Rules{
		Thresholds: Thresholds{Verified: 70, Partial: 40},
		Consistency: ConsistencyRules{Weights: ConsistencyWeights{
			CompletionRate: 0.6,
			Timeliness:     0.25,
			Quality:        0.15,
		}},
		Quality: QualityRules{
			HighWeightMetrics:    []string{"satisfaction", "accuracy"},
			HighWeightMultiplier: 2,
		},
		TimeBound: TimeBoundRules{
			EarlyBonusPerHour:         1,
			EarlyBonusMax:             10,
			MaxScoreWithBonus:         110,
			DefaultPenaltyPerLateHour: 1,
		},
		GracePeriods: GracePeriods{ConsistencyDailyHours: 6},
		Difficulty: DifficultyRules{
			DurationTiers: []DurationTier{
				{MaxDays: 3, Points: 1},
				{MaxDays: 14, Points: 2},
				{MaxDays: 30, Points: 3},
			},
			LongDurationPoints:     4,
			FrequencyPoints:        map[string]int{"hourly": 2, "daily": 1},
			MaxQualityMetricPoints: 2,
			MultiPlatformBonus:     1,
			Tiers: []DifficultyTier{
				{Name: "trivial", MaxScore: 2},
				{Name: "standard", MaxScore: 4},
				{Name: "challenging", MaxScore: 6},
				{Name: "expert", MaxScore: 100},
			},
			FallbackTier: "expert",
		},
		EvidenceRequirements: map[string]PlatformRequirements{
			"moltbook": {
				RequiredFields:  []string{"timestamp", "platform", "action_type", "action_url", "content_hash", "verification_method"},
				ContentPolicies: []ContentPolicy{{Name: "content_hash_sha256", Expression: contentHashPolicy}},
			},
			"clawstr": {
				RequiredFields:  []string{"timestamp", "platform", "action_type", "event_id", "content_hash", "verification_method"},
				ContentPolicies: []ContentPolicy{{Name: "content_hash_sha256", Expression: contentHashPolicy}},
			},
			"github": {
				RequiredFields: []string{"timestamp", "platform", "action_type", "action_url", "content_hash"},
			},
		},
		Attestation: AttestationRules{
			IssuerName:    "Kinetix",
			IssuerAgentID: "kinetix_official",
			ReputationWeights: map[string]float64{
				"consistency": 10,
				"quality":     15,
				"time_bound":  12,
			},
			DisputeWindowDays: 7,
		},
	}
}

// LoadRules reads a YAML rules document layered over the defaults. An
// empty path returns the defaults.
func LoadRules(path string) (*Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules %s: %w", path, err)
	}
	if err := rules.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rules %s: %w", path, err)
	}
	return rules, nil
}

// Validate checks internal consistency and orders the difficulty tables.
func (r *Rules) Validate() error {
	if r.Thresholds.Verified < r.Thresholds.Partial {
		return fmt.Errorf("thresholds: verified (%v) must be >= partial (%v)", r.Thresholds.Verified, r.Thresholds.Partial)
	}
	w := r.Consistency.Weights
	if w.CompletionRate < 0 || w.Timeliness < 0 || w.Quality < 0 {
		return fmt.Errorf("consistency weights must be non-negative")
	}
	if r.Quality.HighWeightMultiplier <= 0 {
		return fmt.Errorf("quality: high_weight_multiplier must be positive")
	}
	if r.TimeBound.MaxScoreWithBonus < 100 {
		return fmt.Errorf("time_bound: max_score_with_bonus must be >= 100")
	}
	if len(r.Difficulty.Tiers) == 0 {
		return fmt.Errorf("difficulty: at least one tier is required")
	}
	sort.SliceStable(r.Difficulty.Tiers, func(i, j int) bool {
		return r.Difficulty.Tiers[i].MaxScore < r.Difficulty.Tiers[j].MaxScore
	})
	sort.SliceStable(r.Difficulty.DurationTiers, func(i, j int) bool {
		return r.Difficulty.DurationTiers[i].MaxDays < r.Difficulty.DurationTiers[j].MaxDays
	})
	for i := 1; i < len(r.Difficulty.DurationTiers); i++ {
		if r.Difficulty.DurationTiers[i].Points < r.Difficulty.DurationTiers[i-1].Points {
			return fmt.Errorf("difficulty: duration tier points must not decrease with duration")
		}
	}
	if n := len(r.Difficulty.DurationTiers); n > 0 && r.Difficulty.LongDurationPoints < r.Difficulty.DurationTiers[n-1].Points {
		return fmt.Errorf("difficulty: long_duration_points must be >= the last duration tier")
	}
	for platform, req := range r.EvidenceRequirements {
		for _, p := range req.ContentPolicies {
			if p.Expression == "" {
				return fmt.Errorf("evidence_requirements.%s: policy %q has no expression", platform, p.Name)
			}
		}
	}
	return nil
}
