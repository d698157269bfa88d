package attestation

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/kpjmd/Kinetix/pkg/canonicalize"
	"github.com/kpjmd/Kinetix/pkg/contracts"
	"github.com/kpjmd/Kinetix/pkg/crypto"
)

// SupportedVersions is the receipt_version range this verifier accepts.
const SupportedVersions = "^1.0.0"

// Result is the outcome of verifying a receipt.
type Result struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	Signer string `json:"signer,omitempty"`
}

func invalid(format string, args ...any) Result {
	return Result{Valid: false, Reason: fmt.Sprintf(format, args...)}
}

// VerifyOption constrains verification beyond self-consistency.
type VerifyOption func(*verifyOptions)

type verifyOptions struct {
	domain *contracts.SigningDomain
	issuer string
}

// WithExpectedDomain rejects receipts signed for any other domain.
func WithExpectedDomain(d contracts.SigningDomain) VerifyOption {
	return func(o *verifyOptions) { o.domain = &d }
}

// WithExpectedIssuer rejects receipts not issued by address.
func WithExpectedIssuer(address string) VerifyOption {
	return func(o *verifyOptions) { o.issuer = address }
}

// Verify reports whether r carries a valid issuer signature over its body.
func Verify(r *contracts.Receipt, opts ...VerifyOption) bool {
	return Check(r, opts...).Valid
}

// Check verifies a typed receipt and explains any failure.
func Check(r *contracts.Receipt, opts ...VerifyOption) Result {
	if r == nil {
		return invalid("receipt is nil")
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return invalid("encode receipt: %v", err)
	}
	return VerifyJSON(raw, opts...)
}

// receiptHeader holds the fields verification needs from raw JSON.
type receiptHeader struct {
	ReceiptVersion string `json:"receipt_version"`
	Issuer         struct {
		Pubkey string `json:"pubkey"`
	} `json:"issuer"`
	Signatures *contracts.SignatureBlock `json:"signatures"`
}

// VerifyJSON verifies a receipt given as raw JSON. The body is recovered by
// removing the signatures member and canonicalizing what remains, so key
// order and whitespace in raw do not matter.
func VerifyJSON(raw []byte, opts ...VerifyOption) Result {
	var o verifyOptions
	for _, opt := range opts {
		opt(&o)
	}

	var hdr receiptHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return invalid("malformed receipt: %v", err)
	}
	if hdr.Signatures == nil {
		return invalid("receipt is not signed")
	}
	sig := hdr.Signatures

	if res := checkVersion(hdr.ReceiptVersion); !res.Valid {
		return res
	}
	if sig.SignatureAlgorithm != contracts.SignatureAlgorithm {
		return invalid("unsupported signature algorithm %q", sig.SignatureAlgorithm)
	}
	if o.domain != nil && sig.Domain != *o.domain {
		return invalid("signing domain mismatch")
	}
	if hdr.Issuer.Pubkey == "" {
		return invalid("issuer pubkey missing")
	}
	if o.issuer != "" && !strings.EqualFold(o.issuer, hdr.Issuer.Pubkey) {
		return invalid("unexpected issuer %s", hdr.Issuer.Pubkey)
	}

	body, err := canonicalize.StripFields(raw, "signatures")
	if err != nil {
		return invalid("canonicalize receipt: %v", err)
	}
	if got := canonicalize.PrefixedHash(body); got != sig.ReceiptHash {
		return invalid("receipt_hash mismatch")
	}
	digest, err := SigningDigest(sig.Domain, body)
	if err != nil {
		return invalid("%v", err)
	}
	if !strings.EqualFold("0x"+hex.EncodeToString(digest), sig.SigningDigest) {
		return invalid("signing_digest mismatch")
	}

	signer, err := crypto.RecoverAddress(digest, sig.IssuerSignature)
	if err != nil {
		return invalid("%v", err)
	}
	if !strings.EqualFold(signer, hdr.Issuer.Pubkey) {
		return Result{Valid: false, Reason: "signature does not match issuer pubkey", Signer: signer}
	}
	return Result{Valid: true, Signer: signer}
}

func checkVersion(v string) Result {
	version, err := semver.NewVersion(v)
	if err != nil {
		return invalid("invalid receipt_version %q", v)
	}
	c, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return invalid("%v", err)
	}
	if !c.Check(version) {
		return invalid("receipt_version %s not supported (want %s)", version, SupportedVersions)
	}
	return Result{Valid: true}
}
