package keyring

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/messages/auth"
	"github.com/mesmerverse/vettid-dev/messages/config"
)

// KMSAPI is the subset of the KMS client the keyring uses.
type KMSAPI interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// SSMAPI is the subset of the SSM client the keyring uses.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// KMSSealer seals and unseals key material with a KMS key.
type KMSSealer struct {
	client KMSAPI
	keyID  string
}

// NewKMSSealer wraps a KMS client.
func NewKMSSealer(client KMSAPI, keyID string) *KMSSealer {
	return &KMSSealer{client: client, keyID: keyID}
}

// Seal encrypts material for storage at rest.
func (s *KMSSealer) Seal(ctx context.Context, plaintext []byte) ([]byte, error) {
	if s.keyID == "" {
		return nil, fmt.Errorf("KMS key id not configured")
	}
	result, err := s.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(s.keyID),
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS encrypt failed: %w", err)
	}

	log.Debug().
		Int("plaintext_len", len(plaintext)).
		Int("ciphertext_len", len(result.CiphertextBlob)).
		Msg("KMS encrypt successful")

	return result.CiphertextBlob, nil
}

// Unseal decrypts material sealed by Seal.
func (s *KMSSealer) Unseal(ctx context.Context, ciphertext []byte) ([]byte, error) {
	input := &kms.DecryptInput{CiphertextBlob: ciphertext}
	if s.keyID != "" {
		input.KeyId = &s.keyID
	}
	result, err := s.client.Decrypt(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("KMS decrypt failed: %w", err)
	}
	if result.Plaintext == nil {
		return nil, fmt.Errorf("KMS decrypt returned no data")
	}

	log.Debug().
		Int("ciphertext_len", len(ciphertext)).
		Int("plaintext_len", len(result.Plaintext)).
		Msg("KMS decrypt successful")

	return result.Plaintext, nil
}

// FetchSSM reads a SecureString parameter holding JSON material.
func FetchSSM(ctx context.Context, client SSMAPI, name string) ([]byte, error) {
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("SSM GetParameter failed: %w", err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, fmt.Errorf("SSM parameter %s has no value", name)
	}
	return []byte(*out.Parameter.Value), nil
}

// Load reads the key material from the configured source.
func Load(ctx context.Context, cfg config.KeyringConfig) (*Keyring, error) {
	exchanges := make([]auth.Exchange, 0, len(cfg.Exchanges))
	for _, e := range cfg.Exchanges {
		exchanges = append(exchanges, auth.Exchange(e))
	}

	var data []byte
	switch cfg.Source {
	case "file":
		raw, err := os.ReadFile(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("failed to read key material: %w", err)
		}
		data = raw

	case "kms":
		sealed, err := os.ReadFile(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("failed to read sealed key material: %w", err)
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		data, err = NewKMSSealer(kms.NewFromConfig(awsCfg), cfg.KMSKeyID).Unseal(ctx, sealed)
		if err != nil {
			return nil, err
		}

	case "ssm":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		data, err = FetchSSM(ctx, ssm.NewFromConfig(awsCfg), cfg.SSMParameter)
		if err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unsupported keyring source %q", cfg.Source)
	}

	kr, err := Parse(data, exchanges)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("source", cfg.Source).
		Str("fingerprint", kr.Fingerprint()).
		Msg("Node key material loaded")
	return kr, nil
}
