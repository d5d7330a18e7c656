// Command signer exchanges an identity token for an OCI session signer using
// the bridge configuration, and prints a summary of the result. It is used to
// check a deployment's exchange and cache settings end to end.
//
// The bearer token is read from SIGNER_BEARER_TOKEN, or from stdin when that
// is unset.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-envconfig"

	"github.com/chinmina/signer-bridge/internal/cache"
	"github.com/chinmina/signer-bridge/internal/config"
	"github.com/chinmina/signer-bridge/internal/exchange"
	"github.com/chinmina/signer-bridge/internal/identity"
	"github.com/chinmina/signer-bridge/internal/lifecycle"
	"github.com/chinmina/signer-bridge/internal/observe"
	"github.com/chinmina/signer-bridge/internal/signer"
	"github.com/chinmina/signer-bridge/internal/signercache"
)

type commandConfig struct {
	BearerToken string `env:"SIGNER_BEARER_TOKEN"`
	ClearCache  bool   `env:"SIGNER_CLEAR_CACHE, default=false"`
}

func main() {
	configureLogging()

	logBuildInfo()

	if err := run(context.Background(), os.Stdin, os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("signer failed")
	}
}

func run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	var cmdCfg commandConfig
	if err := envconfig.Process(ctx, &cmdCfg); err != nil {
		return fmt.Errorf("command configuration failed: %w", err)
	}

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	cleanup := &lifecycle.Cleanup{}
	defer func() {
		_ = cleanup.Run(ctx)
	}()

	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}
	cleanup.Add("telemetry", shutdownTelemetry)

	bearer, err := readBearer(cmdCfg.BearerToken, stdin)
	if err != nil {
		return err
	}

	token, err := identity.ParseUnverified(bearer)
	if err != nil {
		return fmt.Errorf("identity token could not be read: %w", err)
	}

	manager, err := newManager(ctx, cfg, cmdCfg.ClearCache)
	if err != nil {
		return err
	}
	cleanup.AddCloser("signer cache", manager)

	result, err := manager.GetOrCreateSigner(ctx, token)
	if err != nil {
		return fmt.Errorf("no signer issued: %w", err)
	}

	return writeSummary(stdout, result)
}

func newManager(ctx context.Context, cfg config.Config, clear bool) (*signercache.Manager, error) {
	tokenCache, err := cache.NewFromConfig[signer.Signer](ctx, cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("token cache configuration failed: %w", err)
	}

	if clear {
		if err := tokenCache.Clear(ctx); err != nil {
			_ = tokenCache.Close()
			return nil, fmt.Errorf("token cache could not be cleared: %w", err)
		}
		log.Info().Str("cache_type", cfg.Cache.Type).Msg("token cache cleared")
	}

	client, err := exchange.New(cfg.Exchange,
		exchange.WithTransport(observe.HTTPTransport(cleanhttp.DefaultPooledTransport(), cfg.Observe)),
	)
	if err != nil {
		_ = tokenCache.Close()
		return nil, fmt.Errorf("exchange configuration failed: %w", err)
	}

	manager, err := signercache.New(tokenCache, client.Exchange,
		signercache.WithTTL(cfg.Cache.TTL()),
		signercache.WithExchangeTimeout(cfg.Exchange.Timeout()),
		signercache.WithWaitTimeout(cfg.Exchange.WaitTimeout()),
	)
	if err != nil {
		_ = tokenCache.Close()
		return nil, err
	}

	return manager, nil
}

// readBearer prefers the configured token, falling back to the first line of
// stdin.
func readBearer(configured string, stdin io.Reader) (string, error) {
	if bearer := strings.TrimSpace(configured); bearer != "" {
		return bearer, nil
	}

	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading identity token from stdin: %w", err)
	}

	bearer := strings.TrimSpace(line)
	if bearer == "" {
		return "", errors.New("no identity token: set SIGNER_BEARER_TOKEN or provide it on stdin")
	}

	return bearer, nil
}

type summary struct {
	Identifier   string     `json:"identifier"`
	Source       string     `json:"source"`
	Fingerprint  string     `json:"fingerprint"`
	Expiry       *time.Time `json:"expiry,omitempty"`
	BackendError string     `json:"backendError,omitempty"`
}

func writeSummary(w io.Writer, result signercache.Result) error {
	s := summary{
		Identifier:  result.Identifier,
		Source:      string(result.Source),
		Fingerprint: result.Signer.Fingerprint(),
	}
	if expiry := result.Signer.Expiry(); !expiry.IsZero() {
		s.Expiry = &expiry
	}
	if result.BackendErr != nil {
		s.BackendError = result.BackendErr.Error()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func configureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// logs go to stderr so that stdout only carries the summary
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}
