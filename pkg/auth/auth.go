// Package auth validates approver tokens. Tokens are EdDSA-signed JWTs;
// the subject names the approver and the roles claim grants permissions.
package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kpjmd/Kinetix/pkg/api/problem"
)

// RoleSpendApprover may approve or reject queued spends.
const RoleSpendApprover = "spend_approver"

// Claims are the JWT claims Kinetix reads.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// Principal is the authenticated caller.
type Principal struct {
	ID    string
	Roles []string
}

// HasRole reports whether p carries role.
func (p *Principal) HasRole(role string) bool {
	return p != nil && slices.Contains(p.Roles, role)
}

type contextKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFrom returns the principal set by the middleware.
func PrincipalFrom(ctx context.Context) (*Principal, error) {
	p, ok := ctx.Value(contextKey{}).(*Principal)
	if !ok || p == nil {
		return nil, errors.New("no principal in context")
	}
	return p, nil
}

// JWTValidator checks signature, expiry and issuer.
type JWTValidator struct {
	key    ed25519.PublicKey
	issuer string
	leeway time.Duration
}

// NewJWTValidator creates a validator. issuer may be empty to skip the check.
func NewJWTValidator(key ed25519.PublicKey, issuer string) *JWTValidator {
	return &JWTValidator{key: key, issuer: issuer, leeway: 30 * time.Second}
}

// ParsePublicKey accepts a PEM PKIX key, or a raw 32-byte key in hex or base64.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-----BEGIN") {
		k, err := jwt.ParseEdPublicKeyFromPEM([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("parse approver key: %w", err)
		}
		pub, ok := k.(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("approver key is %T, want ed25519", k)
		}
		return pub, nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		raw, err = base64.StdEncoding.DecodeString(s)
	}
	if err != nil {
		return nil, fmt.Errorf("approver key is neither PEM, hex nor base64")
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("approver key has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// Validate parses tokenStr and returns its claims.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	if v == nil || len(v.key) == 0 {
		return nil, errors.New("validator uninitialized")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token subject is required")
	}
	return claims, nil
}

// RequireRole authenticates the bearer token and requires role. A nil
// validator rejects every request.
func RequireRole(v *JWTValidator, role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, tokenStr, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || scheme != "Bearer" || tokenStr == "" {
				problem.Unauthorized(w, r, "Missing or malformed Authorization header (expected 'Bearer <token>')")
				return
			}
			if v == nil {
				problem.Unauthorized(w, r, "Authentication not configured")
				return
			}
			claims, err := v.Validate(tokenStr)
			if err != nil {
				problem.Unauthorized(w, r, "Invalid or expired token")
				return
			}
			p := &Principal{ID: claims.Subject, Roles: claims.Roles}
			if role != "" && !p.HasRole(role) {
				problem.Forbidden(w, r, fmt.Sprintf("role %q required", role))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
