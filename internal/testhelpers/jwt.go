package testhelpers

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"github.com/stretchr/testify/require"
)

// GenerateRSAKey generates an RSA 2048-bit private key, such as a session key.
func GenerateRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "failed to generate private key")

	return privateKey
}

// GenerateJWK generates an RSA 2048-bit key pair for JWT signing.
// Returns a jwk.Key suitable for use with lestrrat-go/jwx.
func GenerateJWK(t *testing.T) jwk.Key {
	t.Helper()

	key, err := jwk.Import(GenerateRSAKey(t))
	require.NoError(t, err, "failed to import private key as JWK")

	err = key.Set(jwk.KeyIDKey, "test-kid")
	require.NoError(t, err, "failed to set KeyID")

	err = key.Set(jwk.AlgorithmKey, jwa.RS256())
	require.NoError(t, err, "failed to set Algorithm")

	return key
}

// CreateJWT signs a JWT carrying the supplied claims with the provided key.
func CreateJWT(t *testing.T, key jwk.Key, claims map[string]any) string {
	t.Helper()

	token := jwt.New()
	for name, value := range claims {
		err := token.Set(name, value)
		require.NoError(t, err, "failed to set claim %q", name)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256(), key))
	require.NoError(t, err, "failed to sign JWT")

	return string(signed)
}

// IdentityClaims returns a claim set shaped like an identity domain access
// token, valid from 1 minute ago until 1 hour from now.
func IdentityClaims(subject, tokenID string) map[string]any {
	now := time.Now().UTC()

	return map[string]any{
		jwt.SubjectKey:    subject,
		jwt.JwtIDKey:      tokenID,
		jwt.IssuerKey:     "https://identity.oraclecloud.com/",
		jwt.AudienceKey:   []string{"urn:opc:lbaas:logicalguid=test"},
		jwt.IssuedAtKey:   now,
		jwt.NotBeforeKey:  now.Add(-1 * time.Minute),
		jwt.ExpirationKey: now.Add(1 * time.Hour),
	}
}
