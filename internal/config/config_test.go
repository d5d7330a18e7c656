package config

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requiredEnv() map[string]string {
	return map[string]string{
		"OCI_IAM_DOMAIN_ID":                "idcs-0123abcd",
		"OCI_TOKEN_EXCHANGE_CLIENT_ID":     "exchange-client",
		"OCI_TOKEN_EXCHANGE_CLIENT_SECRET": "exchange-secret",
	}
}

func withEnv(overrides map[string]string) envconfig.Lookuper {
	env := requiredEnv()
	for k, v := range overrides {
		env[k] = v
	}
	return envconfig.MapLookuper(env)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(context.Background(), withEnv(nil))
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Cache.Type)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL())
	assert.Equal(t, 10_000, cfg.Cache.MemoryMaxSize)
	assert.Equal(t, "mcp:token:", cfg.Cache.KeyPrefix)
	assert.Equal(t, "./cache", cfg.Cache.Disk.Path)
	assert.Equal(t, "redis://localhost:6379", cfg.Cache.Redis.URL)
	assert.True(t, cfg.Cache.Valkey.TLS)
	assert.Equal(t, 30*time.Second, cfg.Exchange.Timeout())
	assert.Equal(t, 30*time.Second, cfg.Exchange.WaitTimeout())
	assert.Equal(t, 2, cfg.Exchange.RetryMax)
	assert.Equal(t, 2048, cfg.Exchange.SessionKeyBits)
}

func TestLoad_Valkey(t *testing.T) {
	cfg, err := load(context.Background(), withEnv(map[string]string{
		"CACHE_TYPE":     "valkey",
		"VALKEY_ADDRESS": "localhost:6379",
		"VALKEY_TLS":     "false",
	}))
	require.NoError(t, err)

	expected := ValkeyConfig{
		Address: "localhost:6379",
		TLS:     false,
	}
	assert.Equal(t, expected, cfg.Cache.Valkey)
}

func TestLoad_TTLHours(t *testing.T) {
	cfg, err := load(context.Background(), withEnv(map[string]string{
		"CACHE_TTL_HOURS": "2",
	}))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, cfg.Cache.TTL())
}

func TestLoad_MissingExchangeSettings(t *testing.T) {
	tests := []struct {
		name    string
		missing string
	}{
		{name: "client id", missing: "OCI_TOKEN_EXCHANGE_CLIENT_ID"},
		{name: "client secret", missing: "OCI_TOKEN_EXCHANGE_CLIENT_SECRET"},
		{name: "domain", missing: "OCI_IAM_DOMAIN_ID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := requiredEnv()
			delete(env, tt.missing)

			_, err := load(context.Background(), envconfig.MapLookuper(env))
			require.Error(t, err)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.missing, verr.Setting)
			assert.NotContains(t, err.Error(), "exchange-secret")
		})
	}
}

func TestLoad_DomainHostWithoutID(t *testing.T) {
	env := requiredEnv()
	delete(env, "OCI_IAM_DOMAIN_ID")
	env["OCI_IAM_DOMAIN_HOST"] = "idcs-other.identity.oraclecloud.com"

	cfg, err := load(context.Background(), envconfig.MapLookuper(env))
	require.NoError(t, err)
	assert.Equal(t, "https://idcs-other.identity.oraclecloud.com/oauth2/v1/token", cfg.Exchange.TokenEndpoint())
}

func TestExchangeConfig_TokenEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		cfg      ExchangeConfig
		expected string
	}{
		{
			name:     "derived from domain id",
			cfg:      ExchangeConfig{DomainID: "idcs-0123abcd"},
			expected: "https://idcs-0123abcd.identity.oraclecloud.com/oauth2/v1/token",
		},
		{
			name:     "explicit host",
			cfg:      ExchangeConfig{DomainID: "idcs-0123abcd", DomainHost: "identity.example.com"},
			expected: "https://identity.example.com/oauth2/v1/token",
		},
		{
			name:     "host with scheme and trailing slash",
			cfg:      ExchangeConfig{DomainHost: "http://127.0.0.1:8080/"},
			expected: "http://127.0.0.1:8080/oauth2/v1/token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.cfg.TokenEndpoint())
		})
	}
}

func TestCacheConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     CacheConfig
		setting string
	}{
		{
			name:    "unknown type",
			cfg:     CacheConfig{Type: "memcached"},
			setting: "CACHE_TYPE",
		},
		{
			name:    "encryption with memory",
			cfg:     CacheConfig{Type: "memory", Encryption: CacheEncryptionConfig{Enabled: true, KeysetFile: "k.json"}},
			setting: "CACHE_ENCRYPTION_ENABLED",
		},
		{
			name:    "encryption without keyset",
			cfg:     CacheConfig{Type: "disk", Disk: DiskConfig{Path: "/tmp"}, Encryption: CacheEncryptionConfig{Enabled: true}},
			setting: "CACHE_ENCRYPTION_KEYSET_URI",
		},
		{
			name: "encryption without kms key",
			cfg: CacheConfig{Type: "disk", Disk: DiskConfig{Path: "/tmp"}, Encryption: CacheEncryptionConfig{
				Enabled:   true,
				KeysetURI: "aws-secretsmanager://keyset",
			}},
			setting: "CACHE_ENCRYPTION_KMS_ENVELOPE_KEY_URI",
		},
		{
			name:    "disk without path",
			cfg:     CacheConfig{Type: "disk"},
			setting: "CACHE_DISK_PATH",
		},
		{
			name:    "valkey without address",
			cfg:     CacheConfig{Type: "valkey"},
			setting: "VALKEY_ADDRESS",
		},
		{
			name:    "redis without url",
			cfg:     CacheConfig{Type: "redis"},
			setting: "REDIS_URL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.setting, verr.Setting)
		})
	}
}

func TestCacheConfig_ValidateAcceptsEncryptedRemote(t *testing.T) {
	cfg := CacheConfig{
		Type:   "valkey",
		Valkey: ValkeyConfig{Address: "localhost:6379"},
		Encryption: CacheEncryptionConfig{
			Enabled:           true,
			KeysetURI:         "aws-secretsmanager://keyset",
			KMSEnvelopeKeyURI: "aws-kms://arn:aws:kms:us-east-1:123456789012:key/abc",
		},
	}

	assert.NoError(t, cfg.Validate())
}
