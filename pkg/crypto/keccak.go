package crypto

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Keccak256 returns the legacy (pre-NIST) Keccak-256 digest of the
// concatenated inputs, as used by EVM chains.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// Keccak256Hex returns the 0x-prefixed hex Keccak-256 digest.
func Keccak256Hex(data ...[]byte) string {
	return "0x" + hex.EncodeToString(Keccak256(data...))
}

// DecodeHex decodes a hex string with or without a 0x prefix.
func DecodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return hex.DecodeString(s)
}
