package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockStrategy struct {
	encryptResult string
	encryptErr    error
	decryptResult []byte
	decryptErr    error
	closeErr      error
}

func (m *mockStrategy) EncryptValue(_ context.Context, _ []byte, _ string) (string, error) {
	return m.encryptResult, m.encryptErr
}

func (m *mockStrategy) DecryptValue(_ context.Context, _ string, _ string) ([]byte, error) {
	return m.decryptResult, m.decryptErr
}

func (m *mockStrategy) StorageKey(key string) string {
	return "mock:" + key
}

func (m *mockStrategy) Close() error {
	return m.closeErr
}

func TestInstrumentedStrategy_Delegates(t *testing.T) {
	ctx := context.Background()
	closeErr := errors.New("close failed")
	s := NewInstrumentedStrategy(&mockStrategy{
		encryptResult: "encrypted",
		decryptResult: []byte("decrypted"),
		closeErr:      closeErr,
	})

	enc, err := s.EncryptValue(ctx, []byte("plain"), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "encrypted", enc)

	dec, err := s.DecryptValue(ctx, "encrypted", "abc123")
	require.NoError(t, err)
	assert.Equal(t, []byte("decrypted"), dec)

	assert.Equal(t, "mock:abc123", s.StorageKey("abc123"))
	assert.ErrorIs(t, s.Close(), closeErr)
}

func TestInstrumentedStrategy_SpanAttributes(t *testing.T) {
	failure := errors.New("failed")

	tests := []struct {
		name      string
		operation string
		mock      *mockStrategy
		outcome   string
	}{
		{name: "encrypt success", operation: "encrypt", mock: &mockStrategy{encryptResult: "x"}, outcome: "success"},
		{name: "encrypt error", operation: "encrypt", mock: &mockStrategy{encryptErr: failure}, outcome: "error"},
		{name: "decrypt success", operation: "decrypt", mock: &mockStrategy{decryptResult: []byte("x")}, outcome: "success"},
		{name: "decrypt error", operation: "decrypt", mock: &mockStrategy{decryptErr: failure}, outcome: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, attrs := tracedContext(t)
			s := NewInstrumentedStrategy(tt.mock)

			if tt.operation == "encrypt" {
				_, _ = s.EncryptValue(ctx, []byte("plain"), "abc123")
			} else {
				_, _ = s.DecryptValue(ctx, "value", "abc123")
			}

			recorded := attrs()

			outcome, ok := spanAttribute(recorded, "cache."+tt.operation+".outcome")
			require.True(t, ok)
			assert.Equal(t, tt.outcome, outcome.AsString())

			dur, ok := spanAttribute(recorded, "cache."+tt.operation+".duration")
			require.True(t, ok)
			assert.GreaterOrEqual(t, dur.AsFloat64(), 0.0)
		})
	}
}
