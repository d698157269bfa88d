//go:build property

package spend

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
)

func TestProperty_SpendBoundaries(t *testing.T) {
	c, _ := newController(t, testLimits(), nil)
	ctx := context.Background()
	properties := gopter.NewProperties(nil)

	properties.Property("usd value determines the outcome on a fresh controller", prop.ForAll(
		func(cents int64) bool {
			amount := decimal.New(cents, -2)
			d, err := c.Validate(ctx, Request{Asset: "usdc", Amount: amount})
			if err != nil {
				return false
			}
			switch {
			case amount.GreaterThan(dec("5")):
				return d.Outcome == OutcomeRequiresApproval
			case amount.GreaterThan(dec("1")):
				return d.Reason == ReasonUSDLimitExceeded
			default:
				return d.Approved
			}
		},
		gen.Int64Range(1, 10000),
	))

	properties.Property("validation never changes counters", prop.ForAll(
		func(cents int64) bool {
			_, _ = c.Validate(ctx, Request{Asset: "usdc", Amount: decimal.New(cents, -2)})
			r, err := c.Report(ctx)
			return err == nil && r.DailyTxCount == 0 && r.DailyTotalUSD.IsZero()
		},
		gen.Int64Range(1, 10000),
	))

	properties.Property("recorded usd never exceeds the daily cap when gated by validate", prop.ForAll(
		func(amounts []int64) bool {
			limits := testLimits()
			limits.MaxTxPerHour = 1000
			ctrl, _ := newController(t, limits, nil)
			for _, cents := range amounts {
				req := Request{Asset: "usdc", Amount: decimal.New(cents, -2)}
				d, err := ctrl.Validate(ctx, req)
				if err != nil {
					return false
				}
				if d.Approved {
					if _, err := ctrl.Record(ctx, req, fmt.Sprint(cents)); err != nil {
						return false
					}
				}
			}
			r, err := ctrl.Report(ctx)
			return err == nil && !r.DailyTotalUSD.GreaterThan(limits.DailyLimitUSD)
		},
		gen.SliceOf(gen.Int64Range(1, 100)),
	))

	properties.TestingRun(t)
}
