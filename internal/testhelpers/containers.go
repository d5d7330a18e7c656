//go:build integration

package testhelpers

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/chinmina/signer-bridge/internal/config"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/log"
	"github.com/testcontainers/testcontainers-go/wait"
)

const storePort = "6379/tcp"

// RunValkeyContainer starts a password protected Valkey container and returns
// a cache configuration pointing at it. The container is terminated when the
// test ends.
func RunValkeyContainer(t *testing.T) config.CacheConfig {
	t.Helper()

	password := rand.Text()

	endpoint := runStore(t, testcontainers.ContainerRequest{
		Image: "valkey/valkey:9-alpine",
		Env: map[string]string{
			"VALKEY_EXTRA_FLAGS": "--requirepass " + password,
		},
	})

	return config.CacheConfig{
		Type:      "valkey",
		KeyPrefix: "mcp:token:",
		Valkey: config.ValkeyConfig{
			TLS:      false,
			Address:  endpoint,
			Username: "default",
			Password: password,
		},
	}
}

// RunRedisContainer starts a password protected Redis container and returns a
// cache configuration pointing at it. The container is terminated when the
// test ends.
func RunRedisContainer(t *testing.T) config.CacheConfig {
	t.Helper()

	password := rand.Text()

	endpoint := runStore(t, testcontainers.ContainerRequest{
		Image: "redis:8-alpine",
		Cmd:   []string{"redis-server", "--requirepass", password},
	})

	return config.CacheConfig{
		Type:      "redis",
		KeyPrefix: "mcp:token:",
		Redis: config.RedisConfig{
			URL: "redis://default:" + password + "@" + endpoint + "/0",
		},
	}
}

// runStore starts a Valkey or Redis compatible container and returns its
// host:port endpoint.
func runStore(t *testing.T, req testcontainers.ContainerRequest) string {
	t.Helper()
	ctx := context.Background()

	req.ExposedPorts = []string{storePort}
	req.WaitingFor = wait.ForAll(
		wait.ForLog("Ready to accept connections"),
		wait.ForListeningPort(nat.Port(storePort)),
	)

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
		Logger:           log.TestLogger(t),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	port, err := container.MappedPort(ctx, nat.Port(storePort))
	require.NoError(t, err)

	// Use 127.0.0.1 explicitly to avoid IPv6 issues
	return "127.0.0.1:" + port.Port()
}
