package encryption

import (
	"encoding/base64"
	"fmt"
)

// EncryptedPayload is message content sealed for a single key.
type EncryptedPayload struct {
	Data         string `json:"data"`
	Format       string `json:"format"`
	KeyID        string `json:"key_id"`
	Nonce        string `json:"nonce"`
	Verification string `json:"verification"`
}

// EncryptPayload seals plaintext with secret and labels it with keyID.
func EncryptPayload(keyID string, secret, plaintext []byte) (*EncryptedPayload, error) {
	ciphertext, result, err := Seal(secret, plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to seal payload: %w", err)
	}
	return &EncryptedPayload{
		Data:         base64.RawStdEncoding.EncodeToString(ciphertext),
		Format:       result.Format,
		KeyID:        keyID,
		Nonce:        result.Nonce,
		Verification: result.Verification,
	}, nil
}

// Decrypt opens the payload with secret.
func (p *EncryptedPayload) Decrypt(secret []byte) ([]byte, error) {
	ciphertext, err := base64.RawStdEncoding.DecodeString(p.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data is not base64", ErrInvalidCiphertext)
	}
	return Open(secret, ciphertext, p.Format, p.Nonce, p.Verification)
}
