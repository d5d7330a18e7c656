package cache

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/tink-crypto/tink-go/v2/tink"
)

const (
	// encryptedValuePrefix marks values written by TinkEncryptionStrategy.
	encryptedValuePrefix = "cb-enc:"

	// encryptedKeyPrefix namespaces storage keys when encryption is active,
	// so encrypted and plaintext entries never share a key.
	encryptedKeyPrefix = "enc:"
)

// EncryptionStrategy controls how serialized tokens are protected before they
// leave the process, and how storage keys are decorated.
type EncryptionStrategy interface {
	// EncryptValue encrypts token bytes for storage. key is bound to the
	// ciphertext as associated data.
	EncryptValue(ctx context.Context, token []byte, key string) (string, error)

	// DecryptValue decrypts a stored value. key must match the key used when
	// the value was encrypted.
	DecryptValue(ctx context.Context, value string, key string) ([]byte, error)

	// StorageKey returns the key used in the backing store.
	StorageKey(key string) string

	Close() error
}

// NoEncryptionStrategy stores values as-is.
type NoEncryptionStrategy struct{}

func (s *NoEncryptionStrategy) EncryptValue(_ context.Context, token []byte, _ string) (string, error) {
	return string(token), nil
}

func (s *NoEncryptionStrategy) DecryptValue(_ context.Context, value string, _ string) ([]byte, error) {
	return []byte(value), nil
}

func (s *NoEncryptionStrategy) StorageKey(key string) string {
	return key
}

func (s *NoEncryptionStrategy) Close() error {
	return nil
}

// TinkEncryptionStrategy encrypts values with a Tink AEAD primitive. The
// ciphertext is base64 encoded and carries the "cb-enc:" marker; the cache
// key is the associated data, so a value copied to another key fails to
// decrypt.
type TinkEncryptionStrategy struct {
	aead tink.AEAD
}

func NewTinkEncryptionStrategy(aead tink.AEAD) *TinkEncryptionStrategy {
	return &TinkEncryptionStrategy{aead: aead}
}

func (s *TinkEncryptionStrategy) EncryptValue(_ context.Context, token []byte, key string) (string, error) {
	ciphertext, err := s.aead.Encrypt(token, []byte(key))
	if err != nil {
		return "", fmt.Errorf("encrypting value: %w", err)
	}
	return encryptedValuePrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (s *TinkEncryptionStrategy) DecryptValue(_ context.Context, value string, key string) ([]byte, error) {
	encoded, ok := strings.CutPrefix(value, encryptedValuePrefix)
	if !ok {
		return nil, fmt.Errorf("value has no %q marker", encryptedValuePrefix)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding encrypted value: %w", err)
	}

	plaintext, err := s.aead.Decrypt(ciphertext, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("decrypting value: %w", err)
	}

	return plaintext, nil
}

func (s *TinkEncryptionStrategy) StorageKey(key string) string {
	return encryptedKeyPrefix + key
}

// Close closes the AEAD if it holds resources, such as a keyset refresh
// goroutine.
func (s *TinkEncryptionStrategy) Close() error {
	if closer, ok := s.aead.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
