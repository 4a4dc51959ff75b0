package transactions

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/messages/domainerr"
	"github.com/mesmerverse/vettid-dev/messages/store"
)

// MessageState is the persisted state the applier mutates.
type MessageState interface {
	UpsertMessage(ctx context.Context, m store.Message, attachments []store.Attachment) (bool, error)
	MarkRead(ctx context.Context, userID string, messageIDs []string) (int64, error)
	DeleteMessages(ctx context.Context, userID string, messageIDs []string) (int64, error)
}

// Applier applies transactions to the message state. Applying the same
// transaction again leaves the content unchanged.
type Applier struct {
	state MessageState
}

// NewApplier creates an applier over state.
func NewApplier(state MessageState) *Applier {
	return &Applier{state: state}
}

// Apply dispatches on the transaction action. An unknown action returns
// UnknownTransactionKind, which halts replay.
func (a *Applier) Apply(ctx context.Context, tx *Transaction) error {
	switch tx.Action {
	case ActionReceiveMessage:
		return a.receiveMessage(ctx, tx)
	case ActionMarkRead:
		return a.markRead(ctx, tx)
	case ActionDeleteMessage:
		return a.deleteMessage(ctx, tx)
	default:
		return domainerr.New(domainerr.UnknownTransactionKind, "transactions.apply",
			"action %q in transaction %s", tx.Action, tx.ID)
	}
}

func (a *Applier) receiveMessage(ctx context.Context, tx *Transaction) error {
	var body ReceiveMessage
	if err := json.Unmarshal(tx.Content, &body); err != nil {
		return domainerr.Wrap(domainerr.MalformedInput, "transactions.receiveMessage", err)
	}
	if body.UserID == "" {
		return domainerr.New(domainerr.MalformedInput, "transactions.receiveMessage", "transaction %s has no user_id", tx.ID)
	}

	attachments := make([]store.Attachment, 0, len(body.Files))
	for _, f := range body.Files {
		attachments = append(attachments, store.Attachment{
			MessageID:    tx.ID,
			UserID:       body.UserID,
			FileID:       f.FileID,
			KeyID:        f.KeyID,
			Format:       f.Format,
			Nonce:        f.Nonce,
			Verification: f.Verification,
			Size:         f.Size,
		})
	}

	inserted, err := a.state.UpsertMessage(ctx, store.Message{
		MessageID:    tx.ID,
		UserID:       body.UserID,
		Bucket:       body.Bucket,
		Payload:      body.Message,
		DateReceived: tx.Timestamp,
		CreatedAt:    tx.Timestamp,
	}, attachments)
	if err != nil {
		return err
	}

	log.Debug().
		Str("message_id", tx.ID).
		Str("user_id", body.UserID).
		Bool("inserted", inserted).
		Int("files", len(attachments)).
		Msg("Message received")
	return nil
}

func (a *Applier) ownedIDs(tx *Transaction, op string) (string, []string, error) {
	userID, ok := tx.Certificate.UserID()
	if !ok {
		return "", nil, domainerr.New(domainerr.MalformedInput, op, "transaction %s has no user", tx.ID)
	}
	var body MessageIDs
	if err := json.Unmarshal(tx.Content, &body); err != nil {
		return "", nil, domainerr.Wrap(domainerr.MalformedInput, op, err)
	}
	return userID, body.MessageIDs, nil
}

func (a *Applier) markRead(ctx context.Context, tx *Transaction) error {
	userID, ids, err := a.ownedIDs(tx, "transactions.markRead")
	if err != nil {
		return err
	}
	n, err := a.state.MarkRead(ctx, userID, ids)
	if err != nil {
		return err
	}
	log.Debug().Str("user_id", userID).Int64("updated", n).Int("requested", len(ids)).Msg("Messages marked read")
	return nil
}

func (a *Applier) deleteMessage(ctx context.Context, tx *Transaction) error {
	userID, ids, err := a.ownedIDs(tx, "transactions.deleteMessage")
	if err != nil {
		return err
	}
	n, err := a.state.DeleteMessages(ctx, userID, ids)
	if err != nil {
		return err
	}
	log.Debug().Str("user_id", userID).Int64("deleted", n).Int("requested", len(ids)).Msg("Messages deleted")
	return nil
}
