package cache

import (
	"context"
	"encoding/json"
	"fmt"
)

// encodeValue serializes a token for storage outside the process, encrypting
// it with the strategy. The logical key is the associated data.
func encodeValue[T any](ctx context.Context, strategy EncryptionStrategy, key string, token T) (string, error) {
	data, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("failed to marshal token: %w", err)
	}

	value, err := strategy.EncryptValue(ctx, data, key)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt token: %w", err)
	}

	return value, nil
}

// decodeValue reverses encodeValue. Any failure is reported as
// ErrCorruptEntry.
func decodeValue[T any](ctx context.Context, strategy EncryptionStrategy, key string, value string) (T, error) {
	var token T

	data, err := strategy.DecryptValue(ctx, value, key)
	if err != nil {
		return token, fmt.Errorf("%w: %w", ErrCorruptEntry, err)
	}

	if err := json.Unmarshal(data, &token); err != nil {
		return token, fmt.Errorf("%w: failed to unmarshal cached token: %w", ErrCorruptEntry, err)
	}

	return token, nil
}
