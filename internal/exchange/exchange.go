// Package exchange converts a validated identity token into a session signer
// by calling the identity domain's token exchange endpoint (RFC 8693).
package exchange

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/chinmina/signer-bridge/internal/config"
	"github.com/chinmina/signer-bridge/internal/identity"
	"github.com/chinmina/signer-bridge/internal/signer"
)

const (
	grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
	requestedTokenTypeUPST = "urn:oci:token-type:oci-upst"
	subjectTokenTypeJWT    = "jwt"

	// responses are small; anything larger is not a token response
	maxResponseBytes = 64 << 10
)

// Client performs token exchanges against a single identity domain. It holds
// only read-only configuration and is safe for concurrent use.
type Client struct {
	endpoint     string
	clientID     string
	clientSecret string
	keyBits      int
	http         *retryablehttp.Client
}

type clientConfig struct {
	transport http.RoundTripper
	retryMax  int
	minWait   time.Duration
	maxWait   time.Duration
}

type ClientOption func(*clientConfig)

// WithTransport replaces the HTTP transport, including its default telemetry
// wrapping.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *clientConfig) {
		c.transport = rt
	}
}

// WithRetryWait overrides the retry backoff bounds.
func WithRetryWait(min, max time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.minWait = min
		c.maxWait = max
	}
}

// New creates an exchange client. Missing coordinates are reported as a
// *config.ValidationError.
func New(cfg config.ExchangeConfig, options ...ClientOption) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return Client{}, err
	}

	cc := &clientConfig{
		transport: otelhttp.NewTransport(cleanhttp.DefaultPooledTransport()),
		retryMax:  cfg.RetryMax,
		minWait:   500 * time.Millisecond,
		maxWait:   5 * time.Second,
	}
	for _, o := range options {
		o(cc)
	}

	keyBits := cfg.SessionKeyBits
	if keyBits == 0 {
		keyBits = 2048
	}

	httpClient := retryablehttp.NewClient()
	httpClient.HTTPClient = &http.Client{
		Transport: cc.transport,
		Timeout:   cfg.Timeout(),
	}
	httpClient.RetryMax = max(cc.retryMax, 0)
	httpClient.RetryWaitMin = cc.minWait
	httpClient.RetryWaitMax = cc.maxWait
	httpClient.Logger = retryLogger{}
	// The final response is needed to report the rejection reason.
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	// A Retry-After of 0 would otherwise cause an immediate retry.
	httpClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		d := retryablehttp.DefaultBackoff(min, max, attemptNum, resp)
		if d == 0 {
			d = min
		}
		return d
	}

	return Client{
		endpoint:     cfg.TokenEndpoint(),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		keyBits:      keyBits,
		http:         httpClient,
	}, nil
}

type tokenResponse struct {
	Token string `json:"token"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Exchange trades the identity token for a session token bound to a freshly
// generated session key. Every call produces an independent Signer.
func (c Client) Exchange(ctx context.Context, token identity.Token) (signer.Signer, error) {
	ctx, span := tracer().Start(ctx, "exchange")
	defer span.End()

	start := time.Now()
	s, err := c.exchange(ctx, token)
	record(ctx, span, time.Since(start), err)

	return s, err
}

func (c Client) exchange(ctx context.Context, token identity.Token) (signer.Signer, error) {
	if token.Bearer() == "" {
		return signer.Signer{}, &Error{Reason: "identity token is empty"}
	}

	key, err := rsa.GenerateKey(rand.Reader, c.keyBits)
	if err != nil {
		return signer.Signer{}, &Error{Reason: "could not generate session key", Err: err}
	}

	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return signer.Signer{}, &Error{Reason: "could not encode session key", Err: err}
	}

	form := url.Values{
		"grant_type":           {grantTypeTokenExchange},
		"requested_token_type": {requestedTokenTypeUPST},
		"subject_token":        {token.Bearer()},
		"subject_token_type":   {subjectTokenTypeJWT},
		"public_key":           {base64.StdEncoding.EncodeToString(publicDER)},
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return signer.Signer{}, &Error{Reason: "could not create exchange request", Err: err}
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=UTF-8")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return signer.Signer{}, &Error{Reason: "identity domain unreachable", Err: redactURLError(err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return signer.Signer{}, &Error{StatusCode: resp.StatusCode, Reason: "could not read exchange response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var oauthErr errorResponse
		_ = json.Unmarshal(body, &oauthErr)

		return signer.Signer{}, &Error{
			StatusCode: resp.StatusCode,
			Code:       oauthErr.Error,
			Reason:     "identity domain rejected the token",
		}
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return signer.Signer{}, &Error{StatusCode: resp.StatusCode, Reason: "malformed exchange response", Err: err}
	}

	s, err := signer.New(tok.Token, key)
	if err != nil {
		return signer.Signer{}, &Error{StatusCode: resp.StatusCode, Reason: "exchange response has no session token", Err: err}
	}

	log.Ctx(ctx).Debug().
		Object("signer", s).
		Msg("session token issued")

	return s, nil
}

// redactURLError drops the request URL from transport errors.
func redactURLError(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("%s: %w", uerr.Op, uerr.Err)
	}
	return err
}

// retryLogger routes retryablehttp logging through zerolog.
type retryLogger struct{}

func (retryLogger) Error(msg string, keysAndValues ...any) {
	log.Error().Fields(keysAndValues).Msg(msg)
}

func (retryLogger) Info(msg string, keysAndValues ...any) {
	log.Info().Fields(keysAndValues).Msg(msg)
}

func (retryLogger) Debug(msg string, keysAndValues ...any) {
	log.Debug().Fields(keysAndValues).Msg(msg)
}

func (retryLogger) Warn(msg string, keysAndValues ...any) {
	log.Warn().Fields(keysAndValues).Msg(msg)
}
