// Package auth carries caller certificate claims and the authorization gate
// that every bus operation passes before any decryption or persistence.
package auth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// Exchange is a bus security tier a certificate may publish on.
type Exchange string

const (
	ExchangePublic    Exchange = "1.public"
	ExchangePrivate   Exchange = "2.private"
	ExchangeProtected Exchange = "3.protected"
	ExchangeSecure    Exchange = "4.secure"
)

// AllExchanges lists the tiers that grant system-level access.
var AllExchanges = []Exchange{ExchangePublic, ExchangePrivate, ExchangeProtected, ExchangeSecure}

// Role is an application role carried by a certificate.
type Role string

// RolePrivateAccount marks a certificate issued to an end user.
const RolePrivateAccount Role = "private_account"

// Delegation is a global delegation carried by a certificate.
type Delegation string

// DelegationGlobalOwner grants owner-level access across domains.
const DelegationGlobalOwner Delegation = "global_owner"

var (
	ErrInvalidSigningKey = errors.New("invalid signing key")
	ErrInvalidSignature  = errors.New("signature verification failed")
)

// Certificate is the identity view the gate evaluates.
type Certificate interface {
	Fingerprint() string
	UserID() (string, bool)
	HasRole(role Role) bool
	HasAnyExchange(exchanges ...Exchange) bool
	HasDelegation(d Delegation) bool
}

// Claims are the certificate claims attached to every bus envelope. The
// signing key authenticates the envelope; the box key receives wrapped
// secrets addressed to the certificate holder.
type Claims struct {
	SigningKey  string       `json:"signing_key"`
	BoxKey      string       `json:"box_key,omitempty"`
	User        string       `json:"user_id,omitempty"`
	Roles       []Role       `json:"roles,omitempty"`
	Exchanges   []Exchange   `json:"exchanges,omitempty"`
	Delegations []Delegation `json:"delegations,omitempty"`
}

// FingerprintOf returns the stable identifier of a public key.
func FingerprintOf(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:])
}

// PublicKey decodes the Ed25519 signing key.
func (c *Claims) PublicKey() (ed25519.PublicKey, error) {
	raw, err := base64.RawStdEncoding.DecodeString(c.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSigningKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidSigningKey, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// BoxPublicKey decodes the X25519 key secrets are wrapped for.
func (c *Claims) BoxPublicKey() (*[32]byte, error) {
	raw, err := base64.RawStdEncoding.DecodeString(c.BoxKey)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("invalid box key")
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

// Verify checks an Ed25519 signature over message with the claimed key.
func (c *Claims) Verify(message, signature []byte) error {
	pub, err := c.PublicKey()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, message, signature) {
		return ErrInvalidSignature
	}
	return nil
}

func (c *Claims) Fingerprint() string {
	raw, err := base64.RawStdEncoding.DecodeString(c.SigningKey)
	if err != nil {
		return ""
	}
	return FingerprintOf(raw)
}

func (c *Claims) UserID() (string, bool) {
	return c.User, c.User != ""
}

func (c *Claims) HasRole(role Role) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (c *Claims) HasAnyExchange(exchanges ...Exchange) bool {
	for _, have := range c.Exchanges {
		for _, want := range exchanges {
			if have == want {
				return true
			}
		}
	}
	return false
}

func (c *Claims) HasDelegation(d Delegation) bool {
	for _, have := range c.Delegations {
		if have == d {
			return true
		}
	}
	return false
}
