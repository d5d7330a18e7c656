// Package signer holds the credential produced by a token exchange: a session
// token and the session key pair it was issued for. A Signer authenticates
// outbound OCI API requests.
package signer

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/oracle/oci-go-sdk/v65/common"
	"github.com/rs/zerolog"
)

// expiryMargin is subtracted from the session token expiry so that a signer is
// not handed out moments before the identity domain stops accepting it.
const expiryMargin = time.Minute

var (
	ErrEmptySessionToken = errors.New("session token is empty")
	ErrMissingKey        = errors.New("session private key is missing")
)

// Signer is an immutable exchanged credential. Copies share the same private
// key, which is never modified.
type Signer struct {
	sessionToken string
	privateKey   *rsa.PrivateKey
	expiry       time.Time
}

// New creates a Signer for a session token issued against the public half of
// privateKey. The expiry is read from the session token's exp claim when it
// can be decoded; otherwise the signer has no known expiry.
func New(sessionToken string, privateKey *rsa.PrivateKey) (Signer, error) {
	if sessionToken == "" {
		return Signer{}, ErrEmptySessionToken
	}
	if privateKey == nil {
		return Signer{}, ErrMissingKey
	}

	return Signer{
		sessionToken: sessionToken,
		privateKey:   privateKey,
		expiry:       sessionExpiry(sessionToken),
	}, nil
}

func sessionExpiry(sessionToken string) time.Time {
	parsed, err := jwt.ParseSigned(sessionToken, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return time.Time{}
	}

	var claims jwt.Claims
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil || claims.Expiry == nil {
		return time.Time{}
	}

	return claims.Expiry.Time()
}

// IsZero reports whether s is the zero Signer.
func (s Signer) IsZero() bool {
	return s.sessionToken == "" && s.privateKey == nil
}

// Expiry is the session token expiry, or the zero time when unknown.
func (s Signer) Expiry() time.Time {
	return s.expiry
}

// Expired reports whether the session token is expired, or close enough to
// expiry that it should no longer be used.
func (s Signer) Expired(now time.Time) bool {
	if s.expiry.IsZero() {
		return false
	}
	return !now.Before(s.expiry.Add(-expiryMargin))
}

// KeyID is the key identifier used in request signatures for session tokens.
func (s Signer) KeyID() (string, error) {
	if s.sessionToken == "" {
		return "", ErrEmptySessionToken
	}
	return "ST$" + s.sessionToken, nil
}

// PrivateRSAKey returns the session private key.
func (s Signer) PrivateRSAKey() (*rsa.PrivateKey, error) {
	if s.privateKey == nil {
		return nil, ErrMissingKey
	}
	return s.privateKey, nil
}

// Sign adds the OCI request signature to r.
func (s Signer) Sign(r *http.Request) error {
	return common.DefaultRequestSigner(s).Sign(r)
}

// Fingerprint is the hex SHA-256 digest of the session public key. It
// identifies a signer in logs without revealing any secret.
func (s Signer) Fingerprint() string {
	if s.privateKey == nil {
		return ""
	}

	der, err := x509.MarshalPKIXPublicKey(&s.privateKey.PublicKey)
	if err != nil {
		return ""
	}

	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// Equal reports whether both signers carry the same session token and key.
func (s Signer) Equal(o Signer) bool {
	if s.sessionToken != o.sessionToken {
		return false
	}
	if s.privateKey == nil || o.privateKey == nil {
		return s.privateKey == o.privateKey
	}
	return s.privateKey.Equal(o.privateKey)
}

// MarshalZerologObject logs non-secret signer attributes.
func (s Signer) MarshalZerologObject(e *zerolog.Event) {
	e.Str("fingerprint", s.Fingerprint())
	if !s.expiry.IsZero() {
		e.Time("expiry", s.expiry)
	}
}

// String omits the session token and key.
func (s Signer) String() string {
	return fmt.Sprintf("signer.Signer{fingerprint=%s expiry=%s}", s.Fingerprint(), s.expiry.Format(time.RFC3339))
}

type signerJSON struct {
	SessionToken string    `json:"sessionToken"`
	PrivateKey   string    `json:"privateKey"`
	Expiry       time.Time `json:"expiry,omitzero"`
}

// MarshalJSON serializes the signer, including its private key, for storage
// in a cache backend.
func (s Signer) MarshalJSON() ([]byte, error) {
	if s.IsZero() {
		return nil, errors.New("cannot serialize an empty signer")
	}

	der, err := x509.MarshalPKCS8PrivateKey(s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("could not encode session key: %w", err)
	}

	return json.Marshal(signerJSON{
		SessionToken: s.sessionToken,
		PrivateKey:   string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
		Expiry:       s.expiry,
	})
}

func (s *Signer) UnmarshalJSON(data []byte) error {
	var wire signerJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	if wire.SessionToken == "" {
		return ErrEmptySessionToken
	}

	block, _ := pem.Decode([]byte(wire.PrivateKey))
	if block == nil {
		return fmt.Errorf("session key is not PEM encoded")
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("could not decode session key: %w", err)
	}

	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("session key has unexpected type %T", parsed)
	}

	*s = Signer{
		sessionToken: wire.SessionToken,
		privateKey:   key,
		expiry:       wire.Expiry,
	}

	return nil
}
