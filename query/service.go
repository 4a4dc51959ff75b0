// Package query answers the read side of the Messages domain: sync listings,
// bulk fetches and the capability-checked key disclosure proxy.
package query

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/messages/auth"
	"github.com/mesmerverse/vettid-dev/messages/domainerr"
	"github.com/mesmerverse/vettid-dev/messages/encryption"
	"github.com/mesmerverse/vettid-dev/messages/envelope"
	"github.com/mesmerverse/vettid-dev/messages/store"
)

const (
	DefaultLimit = 1000
	MaxLimit     = 1000
)

// Store is the read side of the message store.
type Store interface {
	ListSync(ctx context.Context, userID, bucket string, skip, limit int) ([]store.SyncEntry, error)
	GetMessages(ctx context.Context, userID string, messageIDs []string) ([]store.Message, error)
	GetAttachments(ctx context.Context, messageID string) ([]store.Attachment, error)
	OwnedMessageKeys(ctx context.Context, userID string, keyIDs []string) ([]string, error)
	OwnedAttachmentKeys(ctx context.Context, userID string, keyIDs []string) ([]string, error)
}

// KeyForwarder hands a key request to the custodian, which answers the
// requester directly.
type KeyForwarder interface {
	ForwardDecryptKeys(requester auth.Claims, keyIDs []string, reply, correlationID string) error
}

// SyncRequest is the body of syncMessages.
type SyncRequest struct {
	Bucket string `json:"bucket,omitempty"`
	Skip   int    `json:"skip,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// SyncEntry is one row of a sync listing. ModifiedAt is in milliseconds.
type SyncEntry struct {
	MessageID  string `json:"message_id"`
	ModifiedAt int64  `json:"modified_at"`
	Deleted    bool   `json:"deleted"`
}

// SyncReply answers syncMessages.
type SyncReply struct {
	envelope.Reply
	Bucket   string      `json:"bucket"`
	Messages []SyncEntry `json:"messages"`
}

// MessagesByIDsRequest is the body of messagesByIds.
type MessagesByIDsRequest struct {
	MessageIDs []string `json:"message_ids"`
}

// FileView is an attachment binding as returned to its owner.
type FileView struct {
	FileID       string `json:"file_id"`
	KeyID        string `json:"key_id"`
	Format       string `json:"format"`
	Nonce        string `json:"nonce"`
	Verification string `json:"verification,omitempty"`
	Size         int64  `json:"size,omitempty"`
}

// MessageView is a delivered message as returned to its owner.
type MessageView struct {
	MessageID    string                      `json:"message_id"`
	Bucket       string                      `json:"bucket"`
	Message      encryption.EncryptedPayload `json:"message"`
	DateReceived int64                       `json:"date_received"`
	Read         bool                        `json:"read"`
	Files        []FileView                  `json:"files,omitempty"`
}

// MessagesReply answers messagesByIds.
type MessagesReply struct {
	envelope.Reply
	Messages []MessageView `json:"messages"`
}

// DecryptKeysRequest is the body of the decryptKeys proxy. Files selects
// attachment keys instead of message keys.
type DecryptKeysRequest struct {
	KeyIDs []string `json:"key_ids"`
	Files  bool     `json:"files,omitempty"`
}

// Service serves queries.
type Service struct {
	store     Store
	forwarder KeyForwarder
}

// NewService creates a query service.
func NewService(st Store, forwarder KeyForwarder) *Service {
	return &Service{store: st, forwarder: forwarder}
}

// Sync lists a page of the user's bucket.
func (s *Service) Sync(ctx context.Context, userID string, req SyncRequest) (*SyncReply, error) {
	bucket := req.Bucket
	if bucket == "" {
		bucket = store.ReceptionBucket
	}
	skip := req.Skip
	if skip < 0 {
		skip = 0
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	entries, err := s.store.ListSync(ctx, userID, bucket, skip, limit)
	if err != nil {
		return nil, domainerr.Wrap(domainerr.Internal, "query.sync", err)
	}
	out := make([]SyncEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, SyncEntry{MessageID: e.MessageID, ModifiedAt: e.ModifiedAt.UnixMilli(), Deleted: e.Deleted})
	}
	return &SyncReply{Reply: *envelope.OK(), Bucket: bucket, Messages: out}, nil
}

// MessagesByIDs returns the user's messages among the requested ids.
func (s *Service) MessagesByIDs(ctx context.Context, userID string, req MessagesByIDsRequest) (*MessagesReply, error) {
	const op = "query.messagesByIds"
	messages, err := s.store.GetMessages(ctx, userID, req.MessageIDs)
	if err != nil {
		return nil, domainerr.Wrap(domainerr.Internal, op, err)
	}

	views := make([]MessageView, 0, len(messages))
	for _, m := range messages {
		bucket := m.Bucket
		if bucket == "" {
			bucket = store.ReceptionBucket
		}
		view := MessageView{
			MessageID:    m.MessageID,
			Bucket:       bucket,
			Message:      m.Payload,
			DateReceived: m.DateReceived.UnixMilli(),
			Read:         m.Read,
		}
		atts, err := s.store.GetAttachments(ctx, m.MessageID)
		if err != nil {
			return nil, domainerr.Wrap(domainerr.Internal, op, err)
		}
		for _, a := range atts {
			view.Files = append(view.Files, FileView{
				FileID:       a.FileID,
				KeyID:        a.KeyID,
				Format:       a.Format,
				Nonce:        a.Nonce,
				Verification: a.Verification,
				Size:         a.Size,
			})
		}
		views = append(views, view)
	}
	return &MessagesReply{Reply: *envelope.OK(), Messages: views}, nil
}

// DiscloseKeys forwards the key ids the user owns to the custodian, which
// replies to the caller on reply. Nothing is returned on success; a request
// naming no owned key is denied.
func (s *Service) DiscloseKeys(ctx context.Context, userID string, requester auth.Claims, req DecryptKeysRequest, reply, correlationID string) (*envelope.Reply, error) {
	const op = "query.decryptKeys"
	if reply == "" {
		return nil, domainerr.New(domainerr.MalformedInput, op, "no reply subject to forward keys to")
	}

	var owned []string
	var err error
	if req.Files {
		owned, err = s.store.OwnedAttachmentKeys(ctx, userID, req.KeyIDs)
	} else {
		owned, err = s.store.OwnedMessageKeys(ctx, userID, req.KeyIDs)
	}
	if err != nil {
		return nil, domainerr.Wrap(domainerr.Internal, op, err)
	}
	if len(owned) == 0 {
		log.Warn().Str("user_id", userID).Strs("key_ids", req.KeyIDs).Msg("Key disclosure denied")
		return envelope.Fail(envelope.CodeAccessDenied, "access denied"), nil
	}
	if len(owned) < len(req.KeyIDs) {
		log.Info().Str("user_id", userID).Int("requested", len(req.KeyIDs)).Int("owned", len(owned)).Msg("Disclosing owned subset of keys")
	}

	if err := s.forwarder.ForwardDecryptKeys(requester, owned, reply, correlationID); err != nil {
		return nil, domainerr.Wrap(domainerr.RemoteFailure, op, err)
	}
	return nil, nil
}
