//go:build property

package difficulty

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/kpjmd/Kinetix/pkg/contracts"
)

func TestProperty_DifficultyMonotonicInDuration(t *testing.T) {
	properties := gopter.NewProperties(nil)
	c := newClassifier()
	freqs := []contracts.Frequency{contracts.FrequencyHourly, contracts.FrequencyDaily, contracts.FrequencyWeekly, contracts.FrequencyCustom}

	properties.Property("longer duration never lowers the tier", prop.ForAll(
		func(days, extra, metrics, platforms, f int) bool {
			base := Params{
				DurationDays:       days,
				Frequency:          freqs[f],
				QualityMetricCount: metrics,
				PlatformCount:      platforms,
			}
			longer := base
			longer.DurationDays += extra
			return c.Rank(c.Classify(longer)) >= c.Rank(c.Classify(base))
		},
		gen.IntRange(1, 400),
		gen.IntRange(0, 400),
		gen.IntRange(0, 5),
		gen.IntRange(0, 4),
		gen.IntRange(0, len(freqs)-1),
	))

	properties.TestingRun(t)
}
