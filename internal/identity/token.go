// Package identity holds the already-validated identity token presented by a
// caller, and the derivation of the stable identifier used to key cached
// signers.
//
// Nothing in this package verifies token signatures. Tokens reach it after the
// surrounding authentication layer has done so.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/rs/zerolog"
)

// hashedIdentifierPrefix marks identifiers derived from the bearer string
// rather than from the "jti" claim.
const hashedIdentifierPrefix = "sha256:"

var (
	ErrEmptyBearer  = errors.New("identity token has no bearer value")
	ErrNoIdentifier = errors.New("identity token has neither a jti claim nor a bearer value")
)

// signatureAlgorithms lists the algorithms accepted when decoding a bearer
// string. Identity domains sign with RSA; the others are accepted so that the
// decoder is not the component that rejects a token.
var signatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
}

// Claims are the decoded claims of an identity token. The registered claims
// are typed; every claim, including these, is also present in Raw.
type Claims struct {
	Subject  string
	TokenID  string
	Issuer   string
	Audience []string
	Expiry   time.Time
	IssuedAt time.Time
	Raw      map[string]any
}

// Token is an immutable, validated identity token: the bearer string and its
// decoded claims.
type Token struct {
	bearer string
	claims Claims
}

// FromClaims builds a Token from a bearer string and the claim map produced by
// the validator that verified it.
func FromClaims(bearer string, claims map[string]any) (Token, error) {
	if bearer == "" {
		return Token{}, ErrEmptyBearer
	}

	// Round-trip through JSON so that the registered claims are decoded with
	// the same rules (string or array audience, numeric dates) as a bearer
	// string would be.
	data, err := json.Marshal(claims)
	if err != nil {
		return Token{}, fmt.Errorf("could not encode claims: %w", err)
	}

	var reg jwt.Claims
	if err := json.Unmarshal(data, &reg); err != nil {
		return Token{}, fmt.Errorf("could not decode registered claims: %w", err)
	}

	return newToken(bearer, reg, claims), nil
}

// ParseUnverified decodes the claims of a compact-serialized JWT without
// checking its signature. Only use this for tokens that have already been
// verified by the caller.
func ParseUnverified(bearer string) (Token, error) {
	if bearer == "" {
		return Token{}, ErrEmptyBearer
	}

	parsed, err := jwt.ParseSigned(bearer, signatureAlgorithms)
	if err != nil {
		return Token{}, fmt.Errorf("could not parse identity token: %w", err)
	}

	var (
		reg jwt.Claims
		raw map[string]any
	)
	if err := parsed.UnsafeClaimsWithoutVerification(&reg, &raw); err != nil {
		return Token{}, fmt.Errorf("could not decode identity token claims: %w", err)
	}

	return newToken(bearer, reg, raw), nil
}

func newToken(bearer string, reg jwt.Claims, raw map[string]any) Token {
	claims := Claims{
		Subject:  reg.Subject,
		TokenID:  reg.ID,
		Issuer:   reg.Issuer,
		Audience: []string(reg.Audience),
		Raw:      make(map[string]any, len(raw)),
	}
	if reg.Expiry != nil {
		claims.Expiry = reg.Expiry.Time()
	}
	if reg.IssuedAt != nil {
		claims.IssuedAt = reg.IssuedAt.Time()
	}
	for k, v := range raw {
		claims.Raw[k] = v
	}

	return Token{bearer: bearer, claims: claims}
}

// Bearer returns the raw token. It must never be logged.
func (t Token) Bearer() string {
	return t.bearer
}

// Claims returns a copy of the decoded claims.
func (t Token) Claims() Claims {
	c := t.claims
	c.Audience = append([]string(nil), t.claims.Audience...)
	c.Raw = make(map[string]any, len(t.claims.Raw))
	for k, v := range t.claims.Raw {
		c.Raw[k] = v
	}
	return c
}

// Identifier returns the stable cache key for this token: its "jti" claim.
// Tokens without a "jti" are identified by a SHA-256 digest of the bearer
// string, which is equally stable across presentations of the same token.
func (t Token) Identifier() (string, error) {
	if t.claims.TokenID != "" {
		return t.claims.TokenID, nil
	}

	if t.bearer == "" {
		return "", ErrNoIdentifier
	}

	sum := sha256.Sum256([]byte(t.bearer))
	return hashedIdentifierPrefix + hex.EncodeToString(sum[:]), nil
}

// Expired reports whether the token's exp claim has passed. Tokens without an
// expiry never report as expired.
func (t Token) Expired(now time.Time) bool {
	return !t.claims.Expiry.IsZero() && !now.Before(t.claims.Expiry)
}

// String omits the bearer value so that tokens are safe to format.
func (t Token) String() string {
	return fmt.Sprintf("identity.Token{sub=%q jti=%q iss=%q}", t.claims.Subject, t.claims.TokenID, t.claims.Issuer)
}

// MarshalZerologObject logs the identifying claims only.
func (t Token) MarshalZerologObject(e *zerolog.Event) {
	e.Str("sub", t.claims.Subject).
		Str("jti", t.claims.TokenID).
		Str("iss", t.claims.Issuer).
		Strs("aud", t.claims.Audience)

	if !t.claims.Expiry.IsZero() {
		e.Time("exp", t.claims.Expiry)
	}
}
