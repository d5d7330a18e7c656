package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// mockCache is a mock implementation of TokenCache for testing.
type mockCache[T any] struct {
	getValue T
	getFound bool
	getError error
	setError error
	invError error
	clrError error
	closeErr error
	getCalls int
	setCalls int
	invCalls int
	clrCalls int
	lastTTL  time.Duration
}

func (m *mockCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	m.getCalls++
	return m.getValue, m.getFound, m.getError
}

func (m *mockCache[T]) Set(ctx context.Context, key string, token T, ttl time.Duration) error {
	m.setCalls++
	m.lastTTL = ttl
	return m.setError
}

func (m *mockCache[T]) Invalidate(ctx context.Context, key string) error {
	m.invCalls++
	return m.invError
}

func (m *mockCache[T]) Clear(ctx context.Context) error {
	m.clrCalls++
	return m.clrError
}

func (m *mockCache[T]) Close() error {
	return m.closeErr
}

// tracedContext creates a context with an active span backed by a SpanRecorder,
// returning the context and a function to retrieve the finished span's attributes.
func tracedContext(t *testing.T) (context.Context, func() []attribute.KeyValue) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	ctx, span := tp.Tracer("test").Start(t.Context(), t.Name())

	return ctx, func() []attribute.KeyValue {
		span.End()
		spans := recorder.Ended()
		require.Len(t, spans, 1, "expected exactly one recorded span")
		return spans[0].Attributes()
	}
}

func spanAttribute(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, a := range attrs {
		if string(a.Key) == key {
			return a.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestInstrumented_GetStatus(t *testing.T) {
	tests := []struct {
		name   string
		mock   *mockCache[string]
		status string
	}{
		{name: "hit", mock: &mockCache[string]{getValue: "signer", getFound: true}, status: "hit"},
		{name: "miss", mock: &mockCache[string]{}, status: "miss"},
		{name: "error", mock: &mockCache[string]{getError: ErrBackendUnavailable}, status: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, attrs := tracedContext(t)
			instrumented := NewInstrumented(tt.mock, "disk")

			value, found, err := instrumented.Get(ctx, "abc123")

			assert.Equal(t, tt.mock.getValue, value)
			assert.Equal(t, tt.mock.getFound, found)
			assert.Equal(t, tt.mock.getError, err)
			assert.Equal(t, 1, tt.mock.getCalls)

			recorded := attrs()
			status, ok := spanAttribute(recorded, "cache.get.status")
			require.True(t, ok)
			assert.Equal(t, tt.status, status.AsString())

			cacheType, ok := spanAttribute(recorded, "cache.type")
			require.True(t, ok)
			assert.Equal(t, "disk", cacheType.AsString())
		})
	}
}

func TestInstrumented_SetPassesTTL(t *testing.T) {
	mock := &mockCache[string]{}
	instrumented := NewInstrumented(mock, "memory")

	err := instrumented.Set(context.Background(), "abc123", "signer", 90*time.Minute)

	require.NoError(t, err)
	assert.Equal(t, 1, mock.setCalls)
	assert.Equal(t, 90*time.Minute, mock.lastTTL)
}

func TestInstrumented_PropagatesErrors(t *testing.T) {
	ctx := context.Background()
	setErr := errors.New("set failed")
	invErr := errors.New("invalidate failed")
	clrErr := errors.New("clear failed")
	closeErr := errors.New("close failed")

	mock := &mockCache[string]{setError: setErr, invError: invErr, clrError: clrErr, closeErr: closeErr}
	instrumented := NewInstrumented(mock, "valkey")

	assert.ErrorIs(t, instrumented.Set(ctx, "k", "v", 0), setErr)
	assert.ErrorIs(t, instrumented.Invalidate(ctx, "k"), invErr)
	assert.ErrorIs(t, instrumented.Clear(ctx), clrErr)
	assert.ErrorIs(t, instrumented.Close(), closeErr)

	assert.Equal(t, 1, mock.setCalls)
	assert.Equal(t, 1, mock.invCalls)
	assert.Equal(t, 1, mock.clrCalls)
}

func TestInstrumented_ClearSpanAttributes(t *testing.T) {
	ctx, attrs := tracedContext(t)
	instrumented := NewInstrumented(&mockCache[string]{}, "redis")

	require.NoError(t, instrumented.Clear(ctx))

	recorded := attrs()
	status, ok := spanAttribute(recorded, "cache.clear.status")
	require.True(t, ok)
	assert.Equal(t, "success", status.AsString())

	dur, ok := spanAttribute(recorded, "cache.clear.duration")
	require.True(t, ok)
	assert.GreaterOrEqual(t, dur.AsFloat64(), 0.0)
}

func TestInstrumented_NoSpanInContext(t *testing.T) {
	instrumented := NewInstrumented(&mockCache[string]{getFound: true, getValue: "v"}, "memory")

	assert.NotPanics(t, func() {
		_, _, _ = instrumented.Get(context.Background(), "abc123")
	})
}
