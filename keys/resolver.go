// Package keys resolves the symmetric secrets the fan-out pipeline works
// with: the inbound message key and each recipient's profile key.
package keys

import (
	"context"
	"crypto/ed25519"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/messages/custodian"
	"github.com/mesmerverse/vettid-dev/messages/domainerr"
	"github.com/mesmerverse/vettid-dev/messages/encryption"
	"github.com/mesmerverse/vettid-dev/messages/envelope"
	"github.com/mesmerverse/vettid-dev/messages/store"
)

// Keyring is the local node identity.
type Keyring interface {
	Fingerprint() string
	Unwrap(wrapped string) ([]byte, error)
	SigningKey() ed25519.PrivateKey
	CARecipient() encryption.Recipient
}

// Custodian is the remote key custodian.
type Custodian interface {
	DecryptKeys(ctx context.Context, keyIDs []string) ([]custodian.KeyEntry, error)
	DecryptMessage(ctx context.Context, decryption *envelope.Decryption) ([]byte, error)
	RegisterKey(ctx context.Context, key *encryption.DomainKey) error
	PublicKeys(ctx context.Context) ([]encryption.Recipient, error)
}

// ProfileKeys persists provisioned keys on profiles.
type ProfileKeys interface {
	SetProfileKey(ctx context.Context, userID, keyID string) (int64, error)
}

// Resolver resolves and provisions keys.
type Resolver struct {
	keyring   Keyring
	custodian Custodian
	profiles  ProfileKeys
	domains   []string
}

// NewResolver creates a resolver. domains scopes newly generated keys.
func NewResolver(keyring Keyring, custodian Custodian, profiles ProfileKeys, domains ...string) *Resolver {
	return &Resolver{
		keyring:   keyring,
		custodian: custodian,
		profiles:  profiles,
		domains:   domains,
	}
}

// ResolveInbound returns the secret of an inbound encrypted envelope. An
// entry wrapped for this node is opened locally, anything else goes through
// the custodian.
func (r *Resolver) ResolveInbound(ctx context.Context, decryption *envelope.Decryption) ([]byte, error) {
	const op = "keys.resolveInbound"
	if decryption == nil || len(decryption.Keys) == 0 {
		return nil, domainerr.New(domainerr.MalformedInput, op, "no key map")
	}

	if wrapped, ok := decryption.Keys[r.keyring.Fingerprint()]; ok {
		secret, err := r.keyring.Unwrap(wrapped)
		if err == nil {
			return secret, nil
		}
		log.Warn().Err(err).Str("key_id", decryption.KeyID).Msg("Local key entry did not unwrap, asking custodian")
	}

	return r.custodian.DecryptMessage(ctx, decryption)
}

// ResolveOrProvision returns the key of profile. A profile without a key gets
// a new one, registered with the custodian before it is recorded locally.
func (r *Resolver) ResolveOrProvision(ctx context.Context, profile *store.Profile) (string, []byte, error) {
	if profile.CurrentKeyID != "" {
		return r.fetch(ctx, profile.CurrentKeyID)
	}
	return r.provision(ctx, profile)
}

func (r *Resolver) fetch(ctx context.Context, keyID string) (string, []byte, error) {
	entries, err := r.custodian.DecryptKeys(ctx, []string{keyID})
	if err != nil {
		return "", nil, err
	}
	if len(entries) != 1 || entries[0].KeyID != keyID {
		for _, e := range entries {
			encryption.Zero(e.Secret)
		}
		return "", nil, domainerr.New(domainerr.RemoteFailure, "keys.fetch",
			"expected key %s, got %d keys", keyID, len(entries))
	}
	return keyID, entries[0].Secret, nil
}

func (r *Resolver) provision(ctx context.Context, profile *store.Profile) (string, []byte, error) {
	const op = "keys.provision"

	custodians, err := r.custodian.PublicKeys(ctx)
	if err != nil {
		return "", nil, err
	}
	recipients := append([]encryption.Recipient{r.keyring.CARecipient()}, custodians...)

	key, err := encryption.GenerateDomainKey(r.domains, r.keyring.SigningKey(), recipients)
	if err != nil {
		return "", nil, domainerr.Wrap(domainerr.Internal, op, err)
	}
	if err := r.custodian.RegisterKey(ctx, key); err != nil {
		encryption.Zero(key.Secret)
		return "", nil, err
	}

	rows, err := r.profiles.SetProfileKey(ctx, profile.UserID, key.KeyID)
	if err != nil || rows != 1 {
		encryption.Zero(key.Secret)
		log.Error().
			Err(err).
			Str("user_id", profile.UserID).
			Str("key_id", key.KeyID).
			Int64("rows", rows).
			Msg("Key registered with custodian but not recorded on profile")
		if err != nil {
			return "", nil, domainerr.Wrap(domainerr.ConsistencyViolation, op, err)
		}
		return "", nil, domainerr.New(domainerr.ConsistencyViolation, op,
			"profile %s not updated with key %s", profile.UserID, key.KeyID)
	}

	log.Info().Str("user_id", profile.UserID).Str("key_id", key.KeyID).Msg("Provisioned recipient key")
	profile.CurrentKeyID = key.KeyID
	return key.KeyID, key.Secret, nil
}
