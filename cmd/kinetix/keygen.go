package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kpjmd/Kinetix/pkg/crypto"
)

func newKeygenCmd() *cobra.Command {
	var (
		out     string
		asJSON  bool
		showKey bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a secp256k1 issuer key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			signer, err := crypto.NewSecp256k1Signer()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if out != "" {
				if err := os.WriteFile(out, []byte(signer.PrivateKeyHex()+"\n"), 0o600); err != nil {
					return fmt.Errorf("write key file: %w", err)
				}
			}
			printKey := out == "" || showKey
			if asJSON {
				doc := map[string]string{
					"address":    signer.Address(),
					"public_key": signer.PublicKey(),
				}
				if printKey {
					doc["private_key"] = signer.PrivateKeyHex()
				}
				if out != "" {
					doc["key_file"] = out
				}
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(doc)
			}
			_, _ = fmt.Fprintf(w, "Address:     %s\n", signer.Address())
			_, _ = fmt.Fprintf(w, "Public key:  %s\n", signer.PublicKey())
			if printKey {
				_, _ = fmt.Fprintf(w, "Private key: %s\n", signer.PrivateKeyHex())
			}
			if out != "" {
				_, _ = fmt.Fprintf(w, "Key file:    %s (set KINETIX_SIGNING_KEY_FILE)\n", out)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the private key to this file (mode 0600)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	cmd.Flags().BoolVar(&showKey, "show-private", false, "print the private key even when --out is set")
	return cmd
}
