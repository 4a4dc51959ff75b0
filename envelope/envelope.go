// Package envelope defines the signed bus envelope exchanged between domain
// services and the replies this service sends back.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mesmerverse/vettid-dev/messages/auth"
	"github.com/mesmerverse/vettid-dev/messages/domainerr"
	"github.com/mesmerverse/vettid-dev/messages/encryption"
)

// Kind is the operation class of an envelope as it appears on the wire.
type Kind string

const (
	KindCommand Kind = "command"
	KindRequest Kind = "request"
	KindEvent   Kind = "event"
)

// Class maps the wire kind to an authorization class.
func (k Kind) Class() (auth.Class, error) {
	switch k {
	case KindCommand:
		return auth.ClassCommand, nil
	case KindRequest:
		return auth.ClassRequest, nil
	case KindEvent:
		return auth.ClassEvent, nil
	default:
		return 0, fmt.Errorf("unknown envelope kind %q", k)
	}
}

// Decryption carries what a recipient needs to open encrypted content.
// Keys maps a certificate fingerprint to the content secret wrapped for it.
type Decryption struct {
	Format       string            `json:"format"`
	Nonce        string            `json:"nonce"`
	Verification string            `json:"verification,omitempty"`
	KeyID        string            `json:"key_id,omitempty"`
	Keys         map[string]string `json:"keys,omitempty"`
}

// Envelope is a signed bus message.
type Envelope struct {
	ID          string      `json:"id"`
	Kind        Kind        `json:"kind"`
	Domain      string      `json:"domain"`
	Action      string      `json:"action"`
	Timestamp   int64       `json:"timestamp"`
	Content     string      `json:"content"`
	Decryption  *Decryption `json:"decryption,omitempty"`
	Certificate auth.Claims `json:"certificate"`
	Signature   string      `json:"signature"`
}

// Signer produces envelope signatures for the local node.
type Signer interface {
	Claims() auth.Claims
	Sign(message []byte) []byte
}

// Subject returns the bus subject the envelope is routed on.
func Subject(kind Kind, domain, action string) string {
	return string(kind) + "." + domain + "." + action
}

func (e *Envelope) Subject() string {
	return Subject(e.Kind, e.Domain, e.Action)
}

// Encrypted reports whether Content is ciphertext.
func (e *Envelope) Encrypted() bool {
	return e.Decryption != nil
}

func (e *Envelope) signingInput() []byte {
	return []byte(strings.Join([]string{
		e.ID,
		string(e.Kind),
		e.Domain,
		e.Action,
		strconv.FormatInt(e.Timestamp, 10),
		e.Content,
	}, "\n"))
}

// Verify checks the signature against the public key in the claims.
func (e *Envelope) Verify() error {
	sig, err := base64.RawStdEncoding.DecodeString(e.Signature)
	if err != nil {
		return fmt.Errorf("signature is not base64: %w", err)
	}
	return e.Certificate.Verify(e.signingInput(), sig)
}

// Parse decodes and verifies an envelope. Any failure is MalformedInput.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, domainerr.Wrap(domainerr.MalformedInput, "envelope.parse", err)
	}
	if env.ID == "" || env.Action == "" || env.Domain == "" {
		return nil, domainerr.New(domainerr.MalformedInput, "envelope.parse", "missing id, domain or action")
	}
	if _, err := env.Kind.Class(); err != nil {
		return nil, domainerr.Wrap(domainerr.MalformedInput, "envelope.parse", err)
	}
	if err := env.Verify(); err != nil {
		return nil, domainerr.Wrap(domainerr.MalformedInput, "envelope.verify", err)
	}
	return &env, nil
}

// Decode unmarshals plaintext content into v.
func (e *Envelope) Decode(v any) error {
	if e.Encrypted() {
		return domainerr.New(domainerr.MalformedInput, "envelope.decode", "content is encrypted")
	}
	if err := json.Unmarshal([]byte(e.Content), v); err != nil {
		return domainerr.Wrap(domainerr.MalformedInput, "envelope.decode", err)
	}
	return nil
}

// DecryptContent opens encrypted content with the resolved secret.
func (e *Envelope) DecryptContent(secret []byte) ([]byte, error) {
	if !e.Encrypted() {
		return nil, domainerr.New(domainerr.MalformedInput, "envelope.decrypt", "content is not encrypted")
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(e.Content)
	if err != nil {
		return nil, domainerr.Wrap(domainerr.MalformedInput, "envelope.decrypt", err)
	}
	d := e.Decryption
	plaintext, err := encryption.Open(secret, ciphertext, d.Format, d.Nonce, d.Verification)
	if err != nil {
		return nil, domainerr.Wrap(domainerr.MalformedInput, "envelope.decrypt", err)
	}
	return plaintext, nil
}

// Marshal encodes the envelope for the wire.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Sign sets the signer's claims and signs the envelope as it stands.
func (e *Envelope) Sign(signer Signer) {
	e.Certificate = signer.Claims()
	e.Signature = base64.RawStdEncoding.EncodeToString(signer.Sign(e.signingInput()))
}

// New builds and signs an envelope with JSON content.
func New(signer Signer, kind Kind, domain, action string, body any) (*Envelope, error) {
	content, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s body: %w", action, err)
	}
	env := &Envelope{
		ID:        uuid.NewString(),
		Kind:      kind,
		Domain:    domain,
		Action:    action,
		Timestamp: time.Now().Unix(),
		Content:   string(content),
	}
	env.Sign(signer)
	return env, nil
}

// NewEncrypted builds and signs an envelope whose content is sealed with
// secret. wrapped is the key map placed in the decryption block.
func NewEncrypted(signer Signer, kind Kind, domain, action string, body any, secret []byte, keyID string, wrapped map[string]string) (*Envelope, error) {
	plaintext, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s body: %w", action, err)
	}
	ciphertext, result, err := encryption.Seal(secret, plaintext)
	if err != nil {
		return nil, err
	}
	env := &Envelope{
		ID:        uuid.NewString(),
		Kind:      kind,
		Domain:    domain,
		Action:    action,
		Timestamp: time.Now().Unix(),
		Content:   base64.RawStdEncoding.EncodeToString(ciphertext),
		Decryption: &Decryption{
			Format:       result.Format,
			Nonce:        result.Nonce,
			Verification: result.Verification,
			KeyID:        keyID,
			Keys:         wrapped,
		},
	}
	env.Sign(signer)
	return env, nil
}
