package encryption

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// WrapSecret seals secret for the holder of recipient's X25519 private key.
// The sender stays anonymous: an ephemeral key pair is used per wrap.
func WrapSecret(secret []byte, recipient *[32]byte) ([]byte, error) {
	wrapped, err := box.SealAnonymous(nil, secret, recipient, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap secret: %w", err)
	}
	return wrapped, nil
}

// UnwrapSecret opens a wrapped secret with the recipient key pair.
func UnwrapSecret(wrapped []byte, publicKey, privateKey *[32]byte) ([]byte, error) {
	secret, ok := box.OpenAnonymous(nil, wrapped, publicKey, privateKey)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	if len(secret) != SecretSize {
		Zero(secret)
		return nil, fmt.Errorf("%w: unwrapped secret is %d bytes", ErrInvalidCiphertext, len(secret))
	}
	return secret, nil
}

// WrapSecretString is WrapSecret with base64 output, the envelope encoding.
func WrapSecretString(secret []byte, recipient *[32]byte) (string, error) {
	wrapped, err := WrapSecret(secret, recipient)
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(wrapped), nil
}

// UnwrapSecretString decodes and opens a base64 wrapped secret.
func UnwrapSecretString(wrapped string, publicKey, privateKey *[32]byte) ([]byte, error) {
	raw, err := base64.RawStdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: wrapped key is not base64", ErrInvalidCiphertext)
	}
	return UnwrapSecret(raw, publicKey, privateKey)
}

// GenerateBoxKeyPair creates an X25519 key pair for key wrapping.
func GenerateBoxKeyPair() (publicKey, privateKey *[32]byte, err error) {
	return box.GenerateKey(rand.Reader)
}

// DeriveBoxPublicKey computes the public half of an X25519 private key.
func DeriveBoxPublicKey(privateKey *[32]byte) (*[32]byte, error) {
	pub, err := curve25519.X25519(privateKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	var out [32]byte
	copy(out[:], pub)
	return &out, nil
}
