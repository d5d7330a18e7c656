// Package encryption loads the Tink AEAD primitive used to encrypt cached
// signers, either from an encrypted keyset held in AWS Secrets Manager or from
// a cleartext keyset file.
package encryption

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/tink-crypto/tink-go-awskms/v3/integration/awskms"
	"github.com/tink-crypto/tink-go/v2/aead"
	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"github.com/tink-crypto/tink-go/v2/tink"
)

const secretsManagerScheme = "aws-secretsmanager://"

// SecretsManagerAPI is the part of the Secrets Manager client used to fetch
// keysets.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Validate runs an encrypt/decrypt round trip so that a misconfigured AEAD
// fails at startup rather than on first use.
func Validate(a tink.AEAD) error {
	plaintext := []byte("signer-bridge-encryption-check")
	aad := []byte("validation")

	ciphertext, err := a.Encrypt(plaintext, aad)
	if err != nil {
		return fmt.Errorf("validation encrypt failed: %w", err)
	}

	decrypted, err := a.Decrypt(ciphertext, aad)
	if err != nil {
		return fmt.Errorf("validation decrypt failed: %w", err)
	}

	if !bytes.Equal(plaintext, decrypted) {
		return errors.New("validation round-trip failed: plaintext mismatch")
	}

	return nil
}

// NewAEAD creates and validates the AEAD primitive for a keyset.
func NewAEAD(handle *keyset.Handle) (tink.AEAD, error) {
	if handle == nil {
		return nil, errors.New("keyset handle is nil")
	}

	primitive, err := aead.New(handle)
	if err != nil {
		return nil, fmt.Errorf("creating AEAD primitive: %w", err)
	}

	if err := Validate(primitive); err != nil {
		return nil, fmt.Errorf("validating AEAD: %w", err)
	}

	return primitive, nil
}

// NewAEADFromKMS creates an AEAD from a keyset stored in AWS Secrets Manager,
// encrypted with an AWS KMS key. KMS is only used to decrypt the keyset;
// value encryption is local.
//
// keysetURI format: aws-secretsmanager://secret-name
// kmsEnvelopeKeyURI format: aws-kms://arn:aws:kms:region:account:key/key-id
func NewAEADFromKMS(ctx context.Context, keysetURI, kmsEnvelopeKeyURI string) (tink.AEAD, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	handle, err := LoadKeysetFromAWS(ctx, secretsmanager.NewFromConfig(cfg), keysetURI, kmsEnvelopeKeyURI)
	if err != nil {
		return nil, err
	}

	return NewAEAD(handle)
}

// LoadKeysetFromAWS reads the encrypted keyset named by keysetURI and
// decrypts it with the KMS envelope key.
func LoadKeysetFromAWS(ctx context.Context, sm SecretsManagerAPI, keysetURI, kmsEnvelopeKeyURI string) (*keyset.Handle, error) {
	reader, err := readKeysetFromSecretsManager(ctx, sm, keysetURI)
	if err != nil {
		return nil, fmt.Errorf("reading keyset: %w", err)
	}

	kmsAEAD, err := awskms.NewAEADWithContext(ctx, kmsEnvelopeKeyURI)
	if err != nil {
		return nil, fmt.Errorf("creating KMS AEAD: %w", err)
	}

	handle, err := keyset.ReadWithContext(ctx, reader, kmsAEAD, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting keyset: %w", err)
	}

	return handle, nil
}

func readKeysetFromSecretsManager(ctx context.Context, sm SecretsManagerAPI, uri string) (*keyset.JSONReader, error) {
	secretName, ok := strings.CutPrefix(uri, secretsManagerScheme)
	if !ok {
		return nil, fmt.Errorf("invalid secrets manager URI %q: must start with %s", uri, secretsManagerScheme)
	}
	if secretName == "" {
		return nil, fmt.Errorf("invalid secrets manager URI %q: secret name is empty", uri)
	}

	result, err := sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &secretName,
	})
	if err != nil {
		return nil, fmt.Errorf("getting secret %q: %w", secretName, err)
	}

	if result.SecretString == nil {
		return nil, fmt.Errorf("secret %q has no string value", secretName)
	}

	return keyset.NewJSONReader(strings.NewReader(*result.SecretString)), nil
}

// LoadKeysetFromFile reads a cleartext JSON keyset. The key material is
// unprotected on disk: use for local development and tests only.
func LoadKeysetFromFile(path string) (*keyset.Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening keyset file: %w", err)
	}
	defer f.Close()

	handle, err := insecurecleartextkeyset.Read(keyset.NewJSONReader(f))
	if err != nil {
		return nil, fmt.Errorf("reading keyset file %q: %w", path, err)
	}

	return handle, nil
}

// NewAEADFromFile creates an AEAD from a cleartext keyset file.
func NewAEADFromFile(path string) (tink.AEAD, error) {
	handle, err := LoadKeysetFromFile(path)
	if err != nil {
		return nil, err
	}
	return NewAEAD(handle)
}

// NewTestAEAD creates an AEAD with a fresh, unpersisted key. Only use in
// tests.
func NewTestAEAD() (tink.AEAD, error) {
	handle, err := keyset.NewHandle(aead.AES256GCMKeyTemplate())
	if err != nil {
		return nil, fmt.Errorf("creating test keyset handle: %w", err)
	}
	return NewAEAD(handle)
}
