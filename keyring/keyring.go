// Package keyring holds the node's key material: the Ed25519 key that signs
// outgoing envelopes and domain keys, the X25519 key secrets are wrapped for,
// and the CA public key every new domain key is also wrapped for.
package keyring

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mesmerverse/vettid-dev/messages/auth"
	"github.com/mesmerverse/vettid-dev/messages/encryption"
)

// Material is the serialized key material.
type Material struct {
	BoxPrivateKey  string `json:"box_private_key"`
	SigningSeed    string `json:"signing_seed"`
	CABoxPublicKey string `json:"ca_box_public_key"`
}

// Keyring is the loaded node identity.
type Keyring struct {
	signing       ed25519.PrivateKey
	boxPublic     *[32]byte
	boxPrivate    *[32]byte
	caPublic      *[32]byte
	caFingerprint string
	claims        auth.Claims
}

func decode32(field, value string) (*[32]byte, error) {
	raw, err := base64.RawStdEncoding.DecodeString(value)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("%s must be 32 bytes of base64", field)
	}
	var out [32]byte
	copy(out[:], raw)
	return &out, nil
}

// New builds a keyring from material. exchanges are the bus tiers the node's
// claims advertise.
func New(m Material, exchanges []auth.Exchange) (*Keyring, error) {
	seed, err := decode32("signing_seed", m.SigningSeed)
	if err != nil {
		return nil, err
	}
	boxPrivate, err := decode32("box_private_key", m.BoxPrivateKey)
	if err != nil {
		return nil, err
	}
	caPublic, err := decode32("ca_box_public_key", m.CABoxPublicKey)
	if err != nil {
		return nil, err
	}
	boxPublic, err := encryption.DeriveBoxPublicKey(boxPrivate)
	if err != nil {
		return nil, err
	}

	signing := ed25519.NewKeyFromSeed(seed[:])
	return &Keyring{
		signing:       signing,
		boxPublic:     boxPublic,
		boxPrivate:    boxPrivate,
		caPublic:      caPublic,
		caFingerprint: auth.FingerprintOf(caPublic[:]),
		claims: auth.Claims{
			SigningKey: base64.RawStdEncoding.EncodeToString(signing.Public().(ed25519.PublicKey)),
			BoxKey:     base64.RawStdEncoding.EncodeToString(boxPublic[:]),
			Exchanges:  exchanges,
		},
	}, nil
}

// Parse decodes JSON material.
func Parse(data []byte, exchanges []auth.Exchange) (*Keyring, error) {
	var m Material
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse key material: %w", err)
	}
	return New(m, exchanges)
}

// GenerateMaterial creates fresh node key material for the given CA key.
func GenerateMaterial(caBoxPublicKey *[32]byte) (*Material, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate signing seed: %w", err)
	}
	_, boxPrivate, err := encryption.GenerateBoxKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate box key: %w", err)
	}
	return &Material{
		BoxPrivateKey:  base64.RawStdEncoding.EncodeToString(boxPrivate[:]),
		SigningSeed:    base64.RawStdEncoding.EncodeToString(seed),
		CABoxPublicKey: base64.RawStdEncoding.EncodeToString(caBoxPublicKey[:]),
	}, nil
}

// Fingerprint identifies this node in envelope key maps.
func (k *Keyring) Fingerprint() string {
	return k.claims.Fingerprint()
}

// Claims returns the certificate claims attached to outgoing envelopes.
func (k *Keyring) Claims() auth.Claims {
	return k.claims
}

// Sign signs message with the node's Ed25519 key.
func (k *Keyring) Sign(message []byte) []byte {
	return ed25519.Sign(k.signing, message)
}

// SigningKey is used to sign new domain keys.
func (k *Keyring) SigningKey() ed25519.PrivateKey {
	return k.signing
}

// BoxPublicKey is the key secrets are wrapped for.
func (k *Keyring) BoxPublicKey() *[32]byte {
	return k.boxPublic
}

// Unwrap opens a base64 secret wrapped for this node.
func (k *Keyring) Unwrap(wrapped string) ([]byte, error) {
	return encryption.UnwrapSecretString(wrapped, k.boxPublic, k.boxPrivate)
}

// CARecipient is the CA entry every generated domain key is wrapped for.
func (k *Keyring) CARecipient() encryption.Recipient {
	return encryption.Recipient{Fingerprint: k.caFingerprint, PublicKey: k.caPublic}
}
