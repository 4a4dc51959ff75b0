// Package custodiantest runs an in-memory key custodian on a bustest.Fake.
package custodiantest

import (
	"encoding/base64"
	"sync"

	"github.com/mesmerverse/vettid-dev/messages/auth"
	"github.com/mesmerverse/vettid-dev/messages/bus/bustest"
	"github.com/mesmerverse/vettid-dev/messages/custodian"
	"github.com/mesmerverse/vettid-dev/messages/encryption"
	"github.com/mesmerverse/vettid-dev/messages/envelope"
	"github.com/mesmerverse/vettid-dev/messages/keyring"
)

// Custodian stores secrets and answers the custodian protocol.
type Custodian struct {
	Fingerprint string

	pub  *[32]byte
	priv *[32]byte

	mu                sync.Mutex
	secrets           map[string][]byte
	registered        []string
	RejectRegistering bool
	Refuse            bool
}

// New creates a custodian with a fresh key pair.
func New() (*Custodian, error) {
	pub, priv, err := encryption.GenerateBoxKeyPair()
	if err != nil {
		return nil, err
	}
	return &Custodian{
		Fingerprint: auth.FingerprintOf(pub[:]),
		pub:         pub,
		priv:        priv,
		secrets:     map[string][]byte{},
	}, nil
}

// Recipient is the entry new keys must be wrapped for.
func (c *Custodian) Recipient() encryption.Recipient {
	return encryption.Recipient{Fingerprint: c.Fingerprint, PublicKey: c.pub}
}

// Put stores a secret under keyID.
func (c *Custodian) Put(keyID string, secret []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secrets[keyID] = append([]byte(nil), secret...)
}

// Secret returns a stored secret.
func (c *Custodian) Secret(keyID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.secrets[keyID]
	return s, ok
}

// Registered lists key ids registered through addDomainKey.
func (c *Custodian) Registered() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.registered...)
}

// Wrap wraps secret for the custodian, as a sender would in a key map.
func (c *Custodian) Wrap(secret []byte) (string, error) {
	return encryption.WrapSecretString(secret, c.pub)
}

// Install registers the custodian handlers on fake under domain.
func (c *Custodian) Install(fake *bustest.Fake, domain string) {
	fake.Handle(envelope.Subject(envelope.KindRequest, domain, custodian.ActionPublicKeys), c.publicKeys)
	fake.Handle(envelope.Subject(envelope.KindRequest, domain, custodian.ActionDecryptKeys), c.decryptKeys)
	fake.Handle(envelope.Subject(envelope.KindRequest, domain, custodian.ActionDecryptMessage), c.decryptMessage)
	fake.Handle(envelope.Subject(envelope.KindCommand, domain, custodian.ActionAddDomainKey), c.addDomainKey)
}

func (c *Custodian) publicKeys(*envelope.Envelope) (any, error) {
	return custodian.PublicKeysResponse{OK: true, Keys: []custodian.PublicKey{{
		Fingerprint: c.Fingerprint,
		PublicKey:   base64.RawStdEncoding.EncodeToString(c.pub[:]),
	}}}, nil
}

func (c *Custodian) decryptKeys(env *envelope.Envelope) (any, error) {
	if c.Refuse {
		return custodian.DecryptKeysResponse{OK: false, Err: "access denied"}, nil
	}
	var req custodian.DecryptKeysRequest
	if err := env.Decode(&req); err != nil {
		return nil, err
	}
	requester := env.Certificate
	if req.Requester != nil {
		requester = *req.Requester
	}
	boxKey, err := requester.BoxPublicKey()
	if err != nil {
		return custodian.DecryptKeysResponse{OK: false, Err: "requester has no box key"}, nil
	}

	resp := custodian.DecryptKeysResponse{OK: true}
	for _, id := range req.KeyIDs {
		secret, ok := c.Secret(id)
		if !ok {
			continue
		}
		wrapped, err := encryption.WrapSecretString(secret, boxKey)
		if err != nil {
			return nil, err
		}
		resp.Keys = append(resp.Keys, custodian.WrappedKey{KeyID: id, WrappedKey: wrapped})
	}
	return resp, nil
}

func (c *Custodian) decryptMessage(env *envelope.Envelope) (any, error) {
	if c.Refuse {
		return custodian.DecryptMessageResponse{OK: false, Err: "access denied"}, nil
	}
	var req custodian.DecryptMessageRequest
	if err := env.Decode(&req); err != nil {
		return nil, err
	}
	if req.Decryption == nil {
		return custodian.DecryptMessageResponse{OK: false, Err: "no decryption block"}, nil
	}
	entry, ok := req.Decryption.Keys[c.Fingerprint]
	if !ok {
		return custodian.DecryptMessageResponse{OK: false, Err: "no key for custodian"}, nil
	}
	secret, err := encryption.UnwrapSecretString(entry, c.pub, c.priv)
	if err != nil {
		return custodian.DecryptMessageResponse{OK: false, Err: "unwrap failed"}, nil
	}
	boxKey, err := env.Certificate.BoxPublicKey()
	if err != nil {
		return custodian.DecryptMessageResponse{OK: false, Err: "requester has no box key"}, nil
	}
	wrapped, err := encryption.WrapSecretString(secret, boxKey)
	if err != nil {
		return nil, err
	}
	return custodian.DecryptMessageResponse{OK: true, WrappedKey: wrapped}, nil
}

func (c *Custodian) addDomainKey(env *envelope.Envelope) (any, error) {
	if c.RejectRegistering {
		return map[string]any{"ok": false, "err": "rejected"}, nil
	}
	var req custodian.AddDomainKeyRequest
	if err := env.Decode(&req); err != nil {
		return nil, err
	}
	entry, ok := req.Keys[c.Fingerprint]
	if !ok {
		return map[string]any{"ok": false, "err": "not wrapped for custodian"}, nil
	}
	secret, err := encryption.UnwrapSecretString(entry, c.pub, c.priv)
	if err != nil {
		return map[string]any{"ok": false, "err": "unwrap failed"}, nil
	}
	signingKey, err := env.Certificate.PublicKey()
	if err != nil {
		return nil, err
	}
	if err := req.Signature.Verify(signingKey, secret); err != nil {
		return map[string]any{"ok": false, "err": "bad signature"}, nil
	}
	keyID, err := req.Signature.KeyID()
	if err != nil {
		return nil, err
	}

	c.Put(keyID, secret)
	c.mu.Lock()
	c.registered = append(c.registered, keyID)
	c.mu.Unlock()
	return map[string]any{"ok": true}, nil
}

// NewKeyring generates a node keyring for a throwaway CA.
func NewKeyring() (*keyring.Keyring, error) {
	caPub, _, err := encryption.GenerateBoxKeyPair()
	if err != nil {
		return nil, err
	}
	m, err := keyring.GenerateMaterial(caPub)
	if err != nil {
		return nil, err
	}
	return keyring.New(*m, []auth.Exchange{auth.ExchangeProtected})
}
