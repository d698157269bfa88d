package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/kpjmd/Kinetix/pkg/config"
	"github.com/kpjmd/Kinetix/pkg/spend"
)

// openSpendStore opens the state store named by cfg.SpendStateStore. The
// returned func releases it.
func openSpendStore(ctx context.Context, cfg *config.Config) (spend.StateStore, func(), error) {
	switch cfg.SpendStateStore {
	case "", "file":
		s, err := spend.NewFileStateStore(filepath.Join(cfg.DataDir, "spend"))
		return s, func() {}, err
	case "memory":
		return spend.NewMemoryStateStore(), func() {}, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open spend database: %w", err)
		}
		s := spend.NewPostgresStateStore(db)
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported spend state store %q", cfg.SpendStateStore)
	}
}

func newSpendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spend",
		Short: "Inspect the spend safety controller",
	}
	cmd.AddCommand(newSpendReportCmd())
	return cmd
}

func newSpendReportCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print limits, counters and recent spends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			limits, err := config.LoadSpendLimits(cfg.SpendLimitsPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, closeStore, err := openSpendStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()
			ctrl, err := spend.NewController(ctx, limits, st)
			if err != nil {
				return err
			}
			report, err := ctrl.Report(ctx)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(w)
			tw.SetTitle("Spend limits")
			tw.AppendHeader(table.Row{"Metric", "Used", "Limit", "Remaining"})
			tw.AppendRows([]table.Row{
				{"Daily USD", report.DailyTotalUSD.StringFixed(2), report.Limits.DailyLimitUSD.StringFixed(2), report.RemainingDailyUSD.StringFixed(2)},
				{"Tx this hour", report.HourlyTxCount, report.Limits.MaxTxPerHour, report.RemainingHourlyTx},
				{"Tx today", report.DailyTxCount, report.Limits.MaxTxPerDay, report.RemainingDailyTx},
			})
			tw.AppendFooter(table.Row{"Pending approvals", report.PendingApprovals, "", ""})
			tw.Render()

			if len(report.RecentHistory) > 0 {
				hw := table.NewWriter()
				hw.SetOutputMirror(w)
				hw.SetTitle("Recent spends")
				hw.AppendHeader(table.Row{"Time", "Asset", "Amount", "USD", "Recipient", "Tx"})
				for _, tx := range report.RecentHistory {
					hw.AppendRow(table.Row{
						tx.Timestamp.Format("2006-01-02 15:04:05"),
						tx.Asset, tx.Amount.String(), tx.USDValue.StringFixed(2),
						tx.Recipient, tx.TransactionHash,
					})
				}
				hw.Render()
			}
			return nil
		},
	}
	config.RegisterFlags(cmd.Flags())
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}
