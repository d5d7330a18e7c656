package observe_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chinmina/signer-bridge/internal/config"
	"github.com/chinmina/signer-bridge/internal/observe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func restoreGlobals(t *testing.T) {
	t.Helper()

	tp := otel.GetTracerProvider()
	mp := otel.GetMeterProvider()
	prop := otel.GetTextMapPropagator()

	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
		otel.SetTextMapPropagator(prop)
	})
}

func TestConfigure_Disabled(t *testing.T) {
	restoreGlobals(t)

	tp := otel.GetTracerProvider()

	shutdown, err := observe.Configure(context.Background(), config.ObserveConfig{Enabled: false})
	require.NoError(t, err)

	assert.Same(t, tp, otel.GetTracerProvider())
	assert.NoError(t, shutdown(context.Background()))
}

func TestConfigure_Stdout(t *testing.T) {
	restoreGlobals(t)

	shutdown, err := observe.Configure(context.Background(), config.ObserveConfig{
		Enabled:                   true,
		MetricsEnabled:            true,
		Type:                      "stdout",
		ServiceName:               "signer-bridge-test",
		SDKLogLevel:               "warn",
		TraceBatchTimeoutSeconds:  1,
		MetricReadIntervalSeconds: 60,
	})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "span")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	assert.NoError(t, shutdown(context.Background()))
}

func TestConfigure_UnknownType(t *testing.T) {
	restoreGlobals(t)

	_, err := observe.Configure(context.Background(), config.ObserveConfig{
		Enabled: true,
		Type:    "carrier-pigeon",
	})

	var verr *config.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "OBSERVE_TYPE", verr.Setting)
}

func TestHTTPTransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	base := http.DefaultTransport

	disabled := observe.HTTPTransport(base, config.ObserveConfig{Enabled: false})
	assert.Equal(t, base, disabled)

	for _, detailed := range []bool{false, true} {
		rt := observe.HTTPTransport(base, config.ObserveConfig{Enabled: true, HTTPTransportEnabled: detailed})
		assert.NotEqual(t, base, rt)

		client := &http.Client{Transport: rt}
		resp, err := client.Get(server.URL)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	}
}
