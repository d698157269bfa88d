// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization so receipts hash identically across implementations.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is marshaled with encoding/json first so struct tags and custom
// marshalers apply, then transformed: object keys sorted, HTML escaping
// removed, numbers in ECMAScript form. Array order is preserved.
func JCS(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	return Transform(intermediate)
}

// Transform canonicalizes raw JSON bytes.
func Transform(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON representation of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes SHA-256 hash of raw bytes and returns hex string
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// PrefixedHash returns "sha256:<hex>" for data.
func PrefixedHash(data []byte) string {
	return "sha256:" + HashBytes(data)
}

// JCSString returns the JCS canonical form as a string
func JCSString(v interface{}) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// StripFields removes the named top-level keys from a JSON object and
// returns the canonical form of what remains. raw must be an object.
func StripFields(raw []byte, keys ...string) ([]byte, error) {
	var obj map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("jcs: expected JSON object: %w", err)
	}
	if obj == nil {
		return nil, fmt.Errorf("jcs: expected JSON object, got null")
	}
	for _, k := range keys {
		delete(obj, k)
	}
	stripped, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("jcs: re-marshal failed: %w", err)
	}
	return Transform(stripped)
}
