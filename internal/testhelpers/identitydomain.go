package testhelpers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"
)

const (
	TestClientID     = "test-exchange-client"
	TestClientSecret = "test-exchange-secret"
)

// MockIdentityDomain is a configurable stand-in for an identity domain token
// endpoint that performs token exchange for session tokens.
//
// Configuration fields must be set before the first request is made.
type MockIdentityDomain struct {
	Server *httptest.Server

	StatusCode  int           // HTTP status code to return (200 if not set)
	ErrorCode   string        // OAuth error code returned with a non-200 status
	SessionTTL  time.Duration // lifetime of issued session tokens
	Gate        chan struct{} // when non-nil, each request blocks until it can receive
	RawResponse string        // when set, returned verbatim instead of a token

	requests atomic.Int32
	issued   atomic.Int32
	key      jwk.Key

	mu       sync.Mutex
	lastForm url.Values
}

// SetupMockIdentityDomain starts a mock token exchange endpoint at
// /oauth2/v1/token. The server is closed automatically via t.Cleanup().
func SetupMockIdentityDomain(t *testing.T) *MockIdentityDomain {
	t.Helper()

	mock := &MockIdentityDomain{
		StatusCode: http.StatusOK,
		SessionTTL: time.Hour,
		key:        GenerateJWK(t),
	}

	router := http.NewServeMux()
	router.HandleFunc("POST /oauth2/v1/token", func(w http.ResponseWriter, r *http.Request) {
		mock.requests.Add(1)

		if mock.Gate != nil {
			<-mock.Gate
		}

		if err := r.ParseForm(); err != nil {
			writeOAuthError(w, http.StatusBadRequest, "invalid_request")
			return
		}

		mock.mu.Lock()
		mock.lastForm = r.PostForm
		mock.mu.Unlock()

		clientID, clientSecret, ok := r.BasicAuth()
		if !ok || clientID != TestClientID || clientSecret != TestClientSecret {
			writeOAuthError(w, http.StatusUnauthorized, "invalid_client")
			return
		}

		if mock.StatusCode != http.StatusOK {
			writeOAuthError(w, mock.StatusCode, mock.ErrorCode)
			return
		}

		if mock.RawResponse != "" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(mock.RawResponse))
			return
		}

		if r.PostForm.Get("grant_type") != "urn:ietf:params:oauth:grant-type:token-exchange" ||
			r.PostForm.Get("requested_token_type") != "urn:oci:token-type:oci-upst" ||
			r.PostForm.Get("subject_token") == "" ||
			r.PostForm.Get("public_key") == "" {
			writeOAuthError(w, http.StatusBadRequest, "invalid_request")
			return
		}

		n := mock.issued.Add(1)
		now := time.Now().UTC()
		session, err := signSessionToken(mock.key, map[string]any{
			jwt.SubjectKey:    "session-" + fmt.Sprint(n),
			jwt.IssuedAtKey:   now,
			jwt.ExpirationKey: now.Add(mock.SessionTTL),
			"jwk":             r.PostForm.Get("public_key"),
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		WriteJSON(w, map[string]string{"token": session})
	})

	mock.Server = httptest.NewServer(router)
	t.Cleanup(mock.Server.Close)

	return mock
}

// URL is the base URL of the mock domain, suitable for OCI_IAM_DOMAIN_HOST.
func (m *MockIdentityDomain) URL() string {
	return m.Server.URL
}

// RequestCount is the number of token requests received.
func (m *MockIdentityDomain) RequestCount() int {
	return int(m.requests.Load())
}

// LastForm returns the form values of the most recent request.
func (m *MockIdentityDomain) LastForm() url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastForm
}

func signSessionToken(key jwk.Key, claims map[string]any) (string, error) {
	token := jwt.New()
	for name, value := range claims {
		if err := token.Set(name, value); err != nil {
			return "", err
		}
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256(), key))
	if err != nil {
		return "", err
	}

	return string(signed), nil
}

func writeOAuthError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": "rejected by mock identity domain",
	})
}
