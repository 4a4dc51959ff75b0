// Package custodian is the client side of the key custodian: it fetches,
// unwraps and registers symmetric keys scoped to the Messages domain.
package custodian

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bluele/gcache"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/messages/auth"
	"github.com/mesmerverse/vettid-dev/messages/bus"
	"github.com/mesmerverse/vettid-dev/messages/config"
	"github.com/mesmerverse/vettid-dev/messages/domainerr"
	"github.com/mesmerverse/vettid-dev/messages/encryption"
	"github.com/mesmerverse/vettid-dev/messages/envelope"
)

// Custodian actions.
const (
	ActionDecryptKeys    = "decryptKeys"
	ActionDecryptMessage = "decryptMessage"
	ActionAddDomainKey   = "addDomainKey"
	ActionPublicKeys     = "publicKeys"
	EventKeysChanged     = "keysChanged"
)

const publicKeysCacheKey = "custodians"

// Keyring signs requests and opens secrets wrapped for this node.
type Keyring interface {
	envelope.Signer
	Unwrap(wrapped string) ([]byte, error)
}

// KeyEntry is an unwrapped secret.
type KeyEntry struct {
	KeyID  string
	Secret []byte
}

// DecryptKeysRequest asks for secrets by id. Requester, when set, names the
// party the secrets must be wrapped for instead of the envelope signer.
type DecryptKeysRequest struct {
	Domain        string       `json:"domain"`
	KeyIDs        []string     `json:"key_ids"`
	Requester     *auth.Claims `json:"requester,omitempty"`
	CorrelationID string       `json:"correlation_id,omitempty"`
}

// WrappedKey is a secret wrapped for the requester.
type WrappedKey struct {
	KeyID      string `json:"key_id"`
	WrappedKey string `json:"wrapped_key"`
}

// DecryptKeysResponse answers DecryptKeysRequest.
type DecryptKeysResponse struct {
	OK   bool         `json:"ok"`
	Err  string       `json:"err,omitempty"`
	Keys []WrappedKey `json:"keys"`
}

// DecryptMessageRequest asks the custodian to open an envelope key map on
// behalf of this node.
type DecryptMessageRequest struct {
	Domain     string               `json:"domain"`
	Decryption *envelope.Decryption `json:"decryption"`
}

// DecryptMessageResponse answers DecryptMessageRequest.
type DecryptMessageResponse struct {
	OK         bool   `json:"ok"`
	Err        string `json:"err,omitempty"`
	WrappedKey string `json:"wrapped_key"`
}

// AddDomainKeyRequest registers a generated key.
type AddDomainKeyRequest struct {
	Domain    string                     `json:"domain"`
	Keys      map[string]string          `json:"keys"`
	Signature encryption.DomainSignature `json:"signature"`
}

// PublicKey is a custodian X25519 key new secrets are wrapped for.
type PublicKey struct {
	Fingerprint string `json:"fingerprint"`
	PublicKey   string `json:"public_key"`
}

// PublicKeysResponse lists the custodians.
type PublicKeysResponse struct {
	OK   bool        `json:"ok"`
	Err  string      `json:"err,omitempty"`
	Keys []PublicKey `json:"keys"`
}

type statusResponse struct {
	OK  bool   `json:"ok"`
	Err string `json:"err,omitempty"`
}

// Client talks to the key custodian over the bus.
type Client struct {
	bus     bus.Requester
	keyring Keyring
	domain  string
	scope   string
	cfg     config.CustodianConfig
	keys    gcache.Cache
}

// NewClient creates a client for keys scoped to scope.
func NewClient(requester bus.Requester, keyring Keyring, scope string, cfg config.CustodianConfig) *Client {
	return &Client{
		bus:     requester,
		keyring: keyring,
		domain:  cfg.Domain,
		scope:   scope,
		cfg:     cfg,
		keys:    gcache.New(1).LRU().Expiration(cfg.KeyCacheTTL()).Build(),
	}
}

func (c *Client) call(ctx context.Context, kind envelope.Kind, action string, body any, timeout time.Duration, out any) error {
	op := "custodian." + action
	env, err := envelope.New(c.keyring, kind, c.domain, action, body)
	if err != nil {
		return domainerr.Wrap(domainerr.Internal, op, err)
	}
	data, err := env.Marshal()
	if err != nil {
		return domainerr.Wrap(domainerr.Internal, op, err)
	}
	resp, err := c.bus.Request(ctx, env.Subject(), data, timeout)
	if err != nil {
		return bus.Classify(op, err)
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return domainerr.Wrap(domainerr.RemoteFailure, op, fmt.Errorf("invalid response: %w", err))
	}
	return nil
}

// DecryptKeys fetches secrets by id. The reply must hold exactly one key per
// requested id.
func (c *Client) DecryptKeys(ctx context.Context, keyIDs []string) ([]KeyEntry, error) {
	const op = "custodian.decryptKeys"
	var resp DecryptKeysResponse
	err := c.call(ctx, envelope.KindRequest, ActionDecryptKeys,
		DecryptKeysRequest{Domain: c.scope, KeyIDs: keyIDs}, c.cfg.LookupTimeout(), &resp)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, domainerr.New(domainerr.RemoteFailure, op, "custodian refused: %s", resp.Err)
	}
	if len(resp.Keys) != len(keyIDs) {
		return nil, domainerr.New(domainerr.RemoteFailure, op, "expected %d keys, got %d", len(keyIDs), len(resp.Keys))
	}

	wanted := make(map[string]bool, len(keyIDs))
	for _, id := range keyIDs {
		wanted[id] = true
	}
	entries := make([]KeyEntry, 0, len(resp.Keys))
	for _, k := range resp.Keys {
		if !wanted[k.KeyID] {
			zeroEntries(entries)
			return nil, domainerr.New(domainerr.RemoteFailure, op, "unexpected key %s", k.KeyID)
		}
		delete(wanted, k.KeyID)
		secret, err := c.keyring.Unwrap(k.WrappedKey)
		if err != nil {
			zeroEntries(entries)
			return nil, domainerr.Wrap(domainerr.RemoteFailure, op, fmt.Errorf("unwrap %s: %w", k.KeyID, err))
		}
		entries = append(entries, KeyEntry{KeyID: k.KeyID, Secret: secret})
	}
	return entries, nil
}

// DecryptMessage has the custodian open an inbound key map for this node.
func (c *Client) DecryptMessage(ctx context.Context, decryption *envelope.Decryption) ([]byte, error) {
	const op = "custodian.decryptMessage"
	var resp DecryptMessageResponse
	err := c.call(ctx, envelope.KindRequest, ActionDecryptMessage,
		DecryptMessageRequest{Domain: c.scope, Decryption: decryption}, c.cfg.DecryptTimeout(), &resp)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, domainerr.New(domainerr.RemoteFailure, op, "custodian refused: %s", resp.Err)
	}
	secret, err := c.keyring.Unwrap(resp.WrappedKey)
	if err != nil {
		return nil, domainerr.Wrap(domainerr.RemoteFailure, op, err)
	}
	return secret, nil
}

// RegisterKey stores a generated key with the custodian. Only an ok reply
// counts as registered.
func (c *Client) RegisterKey(ctx context.Context, key *encryption.DomainKey) error {
	const op = "custodian.addDomainKey"
	var resp statusResponse
	err := c.call(ctx, envelope.KindCommand, ActionAddDomainKey, AddDomainKeyRequest{
		Domain:    c.scope,
		Keys:      key.WrappedKeys,
		Signature: key.Signature,
	}, c.cfg.RegisterKeyTimeout(), &resp)
	if err != nil {
		return err
	}
	if !resp.OK {
		return domainerr.New(domainerr.RemoteFailure, op, "key %s rejected: %s", key.KeyID, resp.Err)
	}
	return nil
}

// ForwardDecryptKeys asks the custodian to send keyIDs to requester. The
// custodian answers on reply directly; nothing comes back to this service.
func (c *Client) ForwardDecryptKeys(requester auth.Claims, keyIDs []string, reply, correlationID string) error {
	env, err := envelope.New(c.keyring, envelope.KindRequest, c.domain, ActionDecryptKeys, DecryptKeysRequest{
		Domain:        c.scope,
		KeyIDs:        keyIDs,
		Requester:     &requester,
		CorrelationID: correlationID,
	})
	if err != nil {
		return err
	}
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := c.bus.PublishRequest(env.Subject(), reply, data); err != nil {
		return fmt.Errorf("forward decryptKeys: %w", err)
	}
	return nil
}

// PublicKeys returns the custodian keys new secrets are wrapped for, from
// cache when fresh.
func (c *Client) PublicKeys(ctx context.Context) ([]encryption.Recipient, error) {
	cached, err := c.keys.Get(publicKeysCacheKey)
	if err == nil {
		return cached.([]encryption.Recipient), nil
	}
	if !errors.Is(err, gcache.KeyNotFoundError) {
		return nil, err
	}
	return c.RefreshPublicKeys(ctx)
}

// RefreshPublicKeys reloads the custodian keys into the cache.
func (c *Client) RefreshPublicKeys(ctx context.Context) ([]encryption.Recipient, error) {
	const op = "custodian.publicKeys"
	var resp PublicKeysResponse
	if err := c.call(ctx, envelope.KindRequest, ActionPublicKeys, struct{}{}, c.cfg.LookupTimeout(), &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, domainerr.New(domainerr.RemoteFailure, op, "custodian refused: %s", resp.Err)
	}

	recipients := make([]encryption.Recipient, 0, len(resp.Keys))
	for _, k := range resp.Keys {
		claims := auth.Claims{BoxKey: k.PublicKey}
		pub, err := claims.BoxPublicKey()
		if err != nil {
			log.Warn().Str("fingerprint", k.Fingerprint).Msg("Ignoring custodian with invalid public key")
			continue
		}
		recipients = append(recipients, encryption.Recipient{Fingerprint: k.Fingerprint, PublicKey: pub})
	}
	if len(recipients) == 0 {
		return nil, domainerr.New(domainerr.RemoteFailure, op, "no custodian public keys available")
	}

	if err := c.keys.Set(publicKeysCacheKey, recipients); err != nil {
		return nil, err
	}
	log.Info().Int("custodians", len(recipients)).Msg("Custodian public keys loaded")
	return recipients, nil
}

// InvalidatePublicKeys drops the cached keys.
func (c *Client) InvalidatePublicKeys() {
	c.keys.Remove(publicKeysCacheKey)
}

func zeroEntries(entries []KeyEntry) {
	for _, e := range entries {
		encryption.Zero(e.Secret)
	}
}
