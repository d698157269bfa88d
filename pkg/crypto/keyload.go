package crypto

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// ErrNoSigningKey is returned when no persistent key is configured and an
// ephemeral key is not allowed.
var ErrNoSigningKey = errors.New("no signing key configured")

// KeySource describes where the issuer key comes from and what to do when
// it is absent.
type KeySource struct {
	KeyHex  string
	KeyFile string
	// Production refuses an ephemeral key even when AllowEphemeral is set.
	Production     bool
	AllowEphemeral bool
}

// LoadSigner resolves the issuer signing key. A configured but invalid key
// is always an error. A missing key yields an ephemeral key only on
// explicit opt-in outside production, with a warning: receipts signed by
// it cannot be tied to this issuer after a restart.
func LoadSigner(src KeySource, logger *slog.Logger) (*Secp256k1Signer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "signer")

	keyHex := strings.TrimSpace(src.KeyHex)
	if keyHex == "" && src.KeyFile != "" {
		data, err := os.ReadFile(src.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read signing key file: %w", err)
		}
		keyHex = strings.TrimSpace(string(data))
		if keyHex == "" {
			return nil, fmt.Errorf("signing key file %s is empty", src.KeyFile)
		}
	}

	if keyHex != "" {
		signer, err := NewSecp256k1SignerFromHex(keyHex)
		if err != nil {
			return nil, err
		}
		logger.Info("loaded persistent signing key", "address", signer.Address())
		return signer, nil
	}

	if src.Production {
		return nil, fmt.Errorf("%w: production mode requires KINETIX_SIGNING_KEY or KINETIX_SIGNING_KEY_FILE", ErrNoSigningKey)
	}
	if !src.AllowEphemeral {
		return nil, fmt.Errorf("%w: set KINETIX_SIGNING_KEY, or KINETIX_ALLOW_EPHEMERAL_KEY=true for development", ErrNoSigningKey)
	}

	signer, err := NewSecp256k1Signer()
	if err != nil {
		return nil, err
	}
	logger.Warn("SECURITY WARNING: using an ephemeral signing key; receipts issued by this process become unverifiable against a stable issuer after restart",
		"address", signer.Address())
	return signer, nil
}
