package spend

import (
	"time"

	"github.com/shopspring/decimal"
)

// Reason explains why a spend was not approved outright.
type Reason string

const (
	ReasonInvalidAmount       Reason = "INVALID_AMOUNT"
	ReasonUnknownAsset        Reason = "UNKNOWN_ASSET"
	ReasonAssetDisabled       Reason = "ASSET_DISABLED"
	ReasonAssetLimitExceeded  Reason = "ASSET_LIMIT_EXCEEDED"
	ReasonRequiresApproval    Reason = "REQUIRES_APPROVAL"
	ReasonUSDLimitExceeded    Reason = "USD_LIMIT_EXCEEDED"
	ReasonHourlyRateExceeded  Reason = "HOURLY_RATE_EXCEEDED"
	ReasonDailyLimitExceeded  Reason = "DAILY_LIMIT_EXCEEDED"
	ReasonRecipientNotAllowed Reason = "RECIPIENT_NOT_ALLOWED"
)

// Outcome is the admission result of a validation call.
type Outcome string

const (
	OutcomeApproved         Outcome = "approved"
	OutcomeRequiresApproval Outcome = "requires_approval"
	OutcomeRejected         Outcome = "rejected"
)

// Request is a proposed transfer.
type Request struct {
	Asset     string            `json:"asset"`
	Amount    decimal.Decimal   `json:"amount"`
	Recipient string            `json:"recipient"`
	Purpose   string            `json:"purpose,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Checks records which validation steps passed before the decision.
type Checks struct {
	AssetEnabled  bool `json:"asset_enabled"`
	AssetLimit    bool `json:"asset_limit"`
	USDPerTxLimit bool `json:"usd_per_tx_limit"`
	HourlyRate    bool `json:"hourly_rate"`
	DailyLimit    bool `json:"daily_limit"`
	Whitelist     bool `json:"whitelist"`
}

// Decision is the result of Validate.
type Decision struct {
	Outcome          Outcome         `json:"outcome"`
	Approved         bool            `json:"approved"`
	RequiresApproval bool            `json:"requires_approval"`
	Reason           Reason          `json:"reason,omitempty"`
	Message          string          `json:"message,omitempty"`
	USDValue         decimal.Decimal `json:"usd_value"`
	Checks           Checks          `json:"checks"`
}

// Transaction is an executed spend in the bounded log.
type Transaction struct {
	ID              string          `json:"id"`
	Timestamp       time.Time       `json:"timestamp"`
	Asset           string          `json:"asset"`
	Amount          decimal.Decimal `json:"amount"`
	USDValue        decimal.Decimal `json:"usd_value"`
	Recipient       string          `json:"recipient,omitempty"`
	Purpose         string          `json:"purpose,omitempty"`
	TransactionHash string          `json:"transaction_hash,omitempty"`
	ApprovalID      string          `json:"approval_id,omitempty"`
}

// ApprovalStatus is the state of a queued spend.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExecuted ApprovalStatus = "executed"
)

// Approval is a spend held for a human decision.
type Approval struct {
	ID              string          `json:"id"`
	Status          ApprovalStatus  `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	Request         Request         `json:"request"`
	USDValue        decimal.Decimal `json:"usd_value"`
	Decision        *Decision       `json:"decision,omitempty"`
	ApprovedBy      string          `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time      `json:"approved_at,omitempty"`
	ApprovalNote    string          `json:"approval_note,omitempty"`
	RejectedBy      string          `json:"rejected_by,omitempty"`
	RejectedAt      *time.Time      `json:"rejected_at,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	ExecutedAt      *time.Time      `json:"executed_at,omitempty"`
	TransactionID   string          `json:"transaction_id,omitempty"`
}

// State is the controller's persisted counters. Windows are UTC.
type State struct {
	DayStart      time.Time                  `json:"day_start"`
	HourStart     time.Time                  `json:"hour_start"`
	DailySpending map[string]decimal.Decimal `json:"daily_spending"`
	DailyTotalUSD decimal.Decimal            `json:"daily_total_usd"`
	HourlyTxCount int                        `json:"hourly_tx_count"`
	DailyTxCount  int                        `json:"daily_tx_count"`
	Transactions  []Transaction              `json:"transaction_log"`
}

func newState(now time.Time) *State {
	return &State{
		DayStart:      now.Truncate(24 * time.Hour),
		HourStart:     now.Truncate(time.Hour),
		DailySpending: make(map[string]decimal.Decimal),
	}
}

// LimitsView is the limits section of a report.
type LimitsView struct {
	DailyLimitUSD           decimal.Decimal `json:"daily_limit_usd"`
	PerTxLimitUSD           decimal.Decimal `json:"per_tx_limit_usd"`
	RequireApprovalAboveUSD decimal.Decimal `json:"require_approval_above_usd"`
	MaxTxPerHour            int             `json:"max_tx_per_hour"`
	MaxTxPerDay             int             `json:"max_tx_per_day"`
}

// Report summarizes limits, counters and recent activity.
type Report struct {
	DayStart          time.Time                  `json:"day_start"`
	HourStart         time.Time                  `json:"hour_start"`
	DailySpending     map[string]decimal.Decimal `json:"daily_spending"`
	DailyTotalUSD     decimal.Decimal            `json:"daily_total_usd"`
	Limits            LimitsView                 `json:"limits"`
	HourlyTxCount     int                        `json:"hourly_tx_count"`
	DailyTxCount      int                        `json:"daily_tx_count"`
	RemainingDailyUSD decimal.Decimal            `json:"remaining_daily_usd"`
	RemainingHourlyTx int                        `json:"remaining_hourly_tx"`
	RemainingDailyTx  int                        `json:"remaining_daily_tx"`
	PendingApprovals  int                        `json:"pending_approvals"`
	RecentHistory     []Transaction              `json:"recent_history"`
	Prices            map[string]decimal.Decimal `json:"prices_usd"`
}
