package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/kpjmd/Kinetix/pkg/attestation"
)

// receiptSummary is the subset of a receipt shown next to the check result.
type receiptSummary struct {
	ReceiptID string `json:"receipt_id"`
	Recipient struct {
		AgentID string `json:"agent_id"`
	} `json:"recipient"`
	VerificationResult struct {
		Status       string `json:"status"`
		OverallScore int    `json:"overall_score"`
	} `json:"verification_result"`
}

func newVerifyReceiptCmd() *cobra.Command {
	var (
		issuer string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "verify-receipt <file|->",
		Short: "Verify a signed receipt offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			var opts []attestation.VerifyOption
			if issuer != "" {
				opts = append(opts, attestation.WithExpectedIssuer(issuer))
			}
			res := attestation.VerifyJSON(raw, opts...)

			w := cmd.OutOrStdout()
			if asJSON {
				if err := json.NewEncoder(w).Encode(res); err != nil {
					return err
				}
			} else {
				var sum receiptSummary
				_ = json.Unmarshal(raw, &sum)
				tw := table.NewWriter()
				tw.SetOutputMirror(w)
				tw.AppendHeader(table.Row{"Field", "Value"})
				tw.AppendRows([]table.Row{
					{"Receipt", sum.ReceiptID},
					{"Agent", sum.Recipient.AgentID},
					{"Verdict", sum.VerificationResult.Status},
					{"Score", sum.VerificationResult.OverallScore},
					{"Signer", res.Signer},
					{"Valid", res.Valid},
				})
				if res.Reason != "" {
					tw.AppendRow(table.Row{"Reason", res.Reason})
				}
				tw.Render()
			}
			if !res.Valid {
				return &exitError{code: 1, err: errors.New("receipt verification failed")}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&issuer, "issuer", "", "require this issuer address")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read receipt: %w", err)
	}
	return data, nil
}
