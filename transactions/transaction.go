// Package transactions holds the append-only transaction log of the Messages
// domain and the state applier that derives the message store from it.
package transactions

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mesmerverse/vettid-dev/messages/auth"
	"github.com/mesmerverse/vettid-dev/messages/encryption"
	"github.com/mesmerverse/vettid-dev/messages/store"
)

// Action tags the state change a transaction carries.
type Action string

const (
	ActionReceiveMessage Action = "receiveMessage"
	ActionMarkRead       Action = "markRead"
	ActionDeleteMessage  Action = "deleteMessage"
)

// Transaction is an accepted operation. ID is its idempotency key.
type Transaction struct {
	ID          string          `json:"id"`
	Action      Action          `json:"action"`
	Timestamp   time.Time       `json:"timestamp"`
	Content     json.RawMessage `json:"content"`
	Certificate auth.Claims     `json:"certificate"`
}

// ReceiveMessage delivers one message to one recipient.
type ReceiveMessage struct {
	UserID  string                      `json:"user_id"`
	Bucket  string                      `json:"bucket,omitempty"`
	Message encryption.EncryptedPayload `json:"message"`
	Files   []FileBinding               `json:"files,omitempty"`
}

// FileBinding is an attachment key delivered with a message.
type FileBinding struct {
	FileID       string `json:"file_id"`
	KeyID        string `json:"key_id"`
	Format       string `json:"format"`
	Nonce        string `json:"nonce"`
	Verification string `json:"verification,omitempty"`
	Size         int64  `json:"size,omitempty"`
}

// MessageIDs is the body of markRead and deleteMessage. The user is the one
// named by the transaction certificate.
type MessageIDs struct {
	MessageIDs []string `json:"message_ids"`
}

// New builds a transaction around body.
func New(id string, action Action, body any, cert auth.Claims, ts time.Time) (*Transaction, error) {
	content, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s content: %w", action, err)
	}
	return &Transaction{
		ID:          id,
		Action:      action,
		Timestamp:   ts.UTC().Truncate(time.Millisecond),
		Content:     content,
		Certificate: cert,
	}, nil
}

// Record converts tx to its log form.
func (tx *Transaction) Record() (store.TransactionRecord, error) {
	cert, err := json.Marshal(tx.Certificate)
	if err != nil {
		return store.TransactionRecord{}, fmt.Errorf("failed to marshal certificate: %w", err)
	}
	return store.TransactionRecord{
		ID:          tx.ID,
		Action:      string(tx.Action),
		Timestamp:   tx.Timestamp,
		Content:     tx.Content,
		Certificate: cert,
	}, nil
}

// FromRecord decodes a logged transaction.
func FromRecord(rec store.TransactionRecord) (*Transaction, error) {
	tx := &Transaction{
		ID:        rec.ID,
		Action:    Action(rec.Action),
		Timestamp: rec.Timestamp,
		Content:   json.RawMessage(rec.Content),
	}
	if err := json.Unmarshal(rec.Certificate, &tx.Certificate); err != nil {
		return nil, fmt.Errorf("failed to decode certificate of %s: %w", rec.ID, err)
	}
	return tx, nil
}
