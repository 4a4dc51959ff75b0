package encryption

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

var ErrNoRecipients = errors.New("no key recipients")

// Recipient is a party a new domain key is wrapped for.
type Recipient struct {
	Fingerprint string
	PublicKey   *[32]byte
}

// DomainSignature binds a secret to the domains allowed to request it.
type DomainSignature struct {
	Version   int      `json:"version"`
	Domains   []string `json:"domains"`
	Signature string   `json:"signature"`
}

// KeyID derives the stable key identifier from the signature.
func (s DomainSignature) KeyID() (string, error) {
	raw, err := base64.RawStdEncoding.DecodeString(s.Signature)
	if err != nil {
		return "", fmt.Errorf("%w: signature is not base64", ErrInvalidCiphertext)
	}
	sum := blake2b.Sum256(raw)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// Verify checks that secret was signed for the listed domains by publicKey.
func (s DomainSignature) Verify(publicKey ed25519.PublicKey, secret []byte) error {
	raw, err := base64.RawStdEncoding.DecodeString(s.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not base64", ErrInvalidCiphertext)
	}
	if !ed25519.Verify(publicKey, domainSigningInput(s.Domains, secret), raw) {
		return errors.New("domain signature mismatch")
	}
	return nil
}

func domainSigningInput(domains []string, secret []byte) []byte {
	h, _ := blake2b.New256(nil)
	for _, d := range domains {
		h.Write([]byte(d))
		h.Write([]byte{0})
	}
	secretHash := blake2b.Sum256(secret)
	h.Write(secretHash[:])
	return h.Sum(nil)
}

// DomainKey is a freshly generated secret ready for registration.
type DomainKey struct {
	KeyID       string
	Secret      []byte
	WrappedKeys map[string]string
	Signature   DomainSignature
}

// GenerateDomainKey creates a random secret, signs it for domains and wraps
// it for every recipient. Callers must Zero the secret when done.
func GenerateDomainKey(domains []string, signer ed25519.PrivateKey, recipients []Recipient) (*DomainKey, error) {
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}

	sig := DomainSignature{
		Version:   1,
		Domains:   append([]string(nil), domains...),
		Signature: base64.RawStdEncoding.EncodeToString(ed25519.Sign(signer, domainSigningInput(domains, secret))),
	}
	keyID, err := sig.KeyID()
	if err != nil {
		Zero(secret)
		return nil, err
	}

	wrapped := make(map[string]string, len(recipients))
	for _, r := range recipients {
		w, err := WrapSecretString(secret, r.PublicKey)
		if err != nil {
			Zero(secret)
			return nil, fmt.Errorf("wrap for %s: %w", r.Fingerprint, err)
		}
		wrapped[r.Fingerprint] = w
	}

	return &DomainKey{
		KeyID:       keyID,
		Secret:      secret,
		WrappedKeys: wrapped,
		Signature:   sig,
	}, nil
}
