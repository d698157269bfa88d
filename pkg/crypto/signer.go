// Package crypto implements secp256k1 signing with Keccak-256 digests and
// Ethereum-style address derivation for attestation receipts.
package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// SignatureLength is the length of an r||s||v signature.
const SignatureLength = 65

// Signer signs 32-byte digests.
type Signer interface {
	// SignDigest returns a 0x-prefixed hex r||s||v signature over digest.
	SignDigest(digest []byte) (string, error)
	// Address returns the EIP-55 checksummed address of the signing key.
	Address() string
	// PublicKey returns the hex uncompressed public key.
	PublicKey() string
}

// Secp256k1Signer implements Signer with a local private key.
type Secp256k1Signer struct {
	priv    *secp256k1.PrivateKey
	address string
}

// NewSecp256k1Signer generates a fresh random key.
func NewSecp256k1Signer() (*Secp256k1Signer, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return newSigner(priv), nil
}

// NewSecp256k1SignerFromHex loads a 32-byte private key from hex.
func NewSecp256k1SignerFromHex(keyHex string) (*Secp256k1Signer, error) {
	raw, err := DecodeHex(strings.TrimSpace(keyHex))
	if err != nil {
		return nil, fmt.Errorf("invalid signing key hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("invalid signing key length: got %d bytes, want 32", len(raw))
	}
	priv := secp256k1.PrivKeyFromBytes(raw)
	if priv.Key.IsZero() {
		return nil, errors.New("invalid signing key: zero scalar")
	}
	return newSigner(priv), nil
}

func newSigner(priv *secp256k1.PrivateKey) *Secp256k1Signer {
	return &Secp256k1Signer{
		priv:    priv,
		address: AddressFromPublicKey(priv.PubKey()),
	}
}

func (s *Secp256k1Signer) SignDigest(digest []byte) (string, error) {
	if len(digest) != 32 {
		return "", fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	compact := ecdsa.SignCompact(s.priv, digest, false)
	// compact is v||r||s with v = 27 + recovery id.
	sig := make([]byte, SignatureLength)
	copy(sig, compact[1:])
	sig[64] = compact[0]
	return "0x" + hex.EncodeToString(sig), nil
}

func (s *Secp256k1Signer) Address() string {
	return s.address
}

func (s *Secp256k1Signer) PublicKey() string {
	return hex.EncodeToString(s.priv.PubKey().SerializeUncompressed())
}

// PrivateKeyHex exports the key, for keygen only.
func (s *Secp256k1Signer) PrivateKeyHex() string {
	return "0x" + hex.EncodeToString(s.priv.Serialize())
}

// AddressFromPublicKey derives the EIP-55 checksummed address: the last
// 20 bytes of keccak256 over the uncompressed key without its prefix byte.
func AddressFromPublicKey(pub *secp256k1.PublicKey) string {
	uncompressed := pub.SerializeUncompressed()
	return checksumAddress(Keccak256(uncompressed[1:])[12:])
}

func checksumAddress(addr []byte) string {
	lower := hex.EncodeToString(addr)
	hash := hex.EncodeToString(Keccak256([]byte(lower)))
	out := make([]byte, len(lower))
	for i := range lower {
		c := lower[i]
		if c >= 'a' && c <= 'f' && hash[i] >= '8' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return "0x" + string(out)
}

// RecoverAddress returns the address whose key produced sigHex over digest.
func RecoverAddress(digest []byte, sigHex string) (string, error) {
	sig, err := DecodeHex(sigHex)
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != SignatureLength {
		return "", fmt.Errorf("invalid signature length: got %d, want %d", len(sig), SignatureLength)
	}
	v := sig[64]
	if v < 27 {
		v += 27
	}
	if v != 27 && v != 28 {
		return "", fmt.Errorf("invalid recovery byte %d", sig[64])
	}
	compact := make([]byte, SignatureLength)
	compact[0] = v
	copy(compact[1:], sig[:64])

	pub, _, err := ecdsa.RecoverCompact(compact, digest)
	if err != nil {
		return "", fmt.Errorf("signature recovery failed: %w", err)
	}
	return AddressFromPublicKey(pub), nil
}

// Verify reports whether sigHex over digest was produced by address.
// Addresses compare case-insensitively.
func Verify(address string, digest []byte, sigHex string) (bool, error) {
	recovered, err := RecoverAddress(digest, sigHex)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(recovered, address), nil
}
