package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// AssetConfig describes one spendable asset.
type AssetConfig struct {
	Enabled  bool            `yaml:"enabled" json:"enabled"`
	MaxPerTx decimal.Decimal `yaml:"max_per_tx" json:"max_per_tx"`
	PriceUSD decimal.Decimal `yaml:"price_usd" json:"price_usd"`
	Decimals int             `yaml:"decimals" json:"decimals"`
	// CountTowardLimits defaults to true when unset.
	CountTowardLimits *bool `yaml:"count_toward_limits,omitempty" json:"count_toward_limits,omitempty"`
}

// CountsTowardLimits reports whether spends of the asset accrue to the daily USD total.
func (a AssetConfig) CountsTowardLimits() bool {
	return a.CountTowardLimits == nil || *a.CountTowardLimits
}

// SpendLimits configures the spend safety controller.
type SpendLimits struct {
	DailyLimitUSD           decimal.Decimal        `yaml:"daily_limit_usd" json:"daily_limit_usd"`
	PerTxLimitUSD           decimal.Decimal        `yaml:"per_tx_limit_usd" json:"per_tx_limit_usd"`
	RequireApprovalAboveUSD decimal.Decimal        `yaml:"require_approval_above_usd" json:"require_approval_above_usd"`
	MaxTxPerHour            int                    `yaml:"max_tx_per_hour" json:"max_tx_per_hour"`
	MaxTxPerDay             int                    `yaml:"max_tx_per_day" json:"max_tx_per_day"`
	AllowedRecipients       []string               `yaml:"allowed_recipients" json:"allowed_recipients"`
	TransactionLogSize      int                    `yaml:"transaction_log_size" json:"transaction_log_size"`
	Assets                  map[string]AssetConfig `yaml:"assets" json:"assets"`
}

func boolPtr(b bool) *bool { return &b }

// DefaultSpendLimits returns conservative limits for a hot wallet.
func DefaultSpendLimits() *SpendLimits {
	return &SpendLimits{
		DailyLimitUSD:           decimal.NewFromInt(10),
		PerTxLimitUSD:           decimal.NewFromInt(1),
		RequireApprovalAboveUSD: decimal.NewFromInt(5),
		MaxTxPerHour:            10,
		MaxTxPerDay:             50,
		TransactionLogSize:      100,
		Assets: map[string]AssetConfig{
			"usdc": {
				Enabled:  true,
				MaxPerTx: decimal.NewFromInt(1),
				PriceUSD: decimal.NewFromInt(1),
				Decimals: 6,
			},
			"eth": {
				Enabled:  true,
				MaxPerTx: decimal.RequireFromString("0.001"),
				PriceUSD: decimal.NewFromInt(3000),
				Decimals: 18,
			},
			"kinetix": {
				Enabled:           true,
				MaxPerTx:          decimal.NewFromInt(1000),
				PriceUSD:          decimal.RequireFromString("0.001"),
				Decimals:          18,
				CountTowardLimits: boolPtr(false),
			},
		},
	}
}

// LoadSpendLimits reads a YAML limits document layered over the defaults.
func LoadSpendLimits(path string) (*SpendLimits, error) {
	limits := DefaultSpendLimits()
	if path == "" {
		return limits, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spend limits %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, limits); err != nil {
		return nil, fmt.Errorf("failed to parse spend limits %s: %w", path, err)
	}
	// Asset entries merge per field onto the matching default entry.
	var overlay struct {
		Assets map[string]yaml.Node `yaml:"assets"`
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("failed to parse spend limits %s: %w", path, err)
	}
	defaults := DefaultSpendLimits().Assets
	for name, node := range overlay.Assets {
		asset := defaults[strings.ToLower(name)]
		if err := node.Decode(&asset); err != nil {
			return nil, fmt.Errorf("failed to parse asset %s in %s: %w", name, path, err)
		}
		delete(limits.Assets, name)
		limits.Assets[strings.ToLower(name)] = asset
	}
	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("invalid spend limits %s: %w", path, err)
	}
	return limits, nil
}

// Validate normalizes asset and recipient keys and checks bounds.
func (l *SpendLimits) Validate() error {
	if l.DailyLimitUSD.IsNegative() || l.PerTxLimitUSD.IsNegative() || l.RequireApprovalAboveUSD.IsNegative() {
		return fmt.Errorf("USD limits must be non-negative")
	}
	if l.MaxTxPerHour < 0 || l.MaxTxPerDay < 0 {
		return fmt.Errorf("transaction counts must be non-negative")
	}
	if l.TransactionLogSize <= 0 {
		l.TransactionLogSize = 100
	}
	assets := make(map[string]AssetConfig, len(l.Assets))
	for name, a := range l.Assets {
		if a.PriceUSD.IsNegative() || a.MaxPerTx.IsNegative() {
			return fmt.Errorf("asset %s: price and max_per_tx must be non-negative", name)
		}
		assets[strings.ToLower(name)] = a
	}
	l.Assets = assets
	for i, r := range l.AllowedRecipients {
		l.AllowedRecipients[i] = strings.ToLower(r)
	}
	return nil
}
