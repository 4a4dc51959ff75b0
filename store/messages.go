package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mesmerverse/vettid-dev/messages/encryption"
)

// ReceptionBucket is the default bucket, stored as no bucket.
const ReceptionBucket = "reception"

// Message is a delivered message as persisted for one recipient.
type Message struct {
	MessageID    string
	UserID       string
	Bucket       string
	Payload      encryption.EncryptedPayload
	DateReceived time.Time
	Read         bool
	Deleted      bool
	CreatedAt    time.Time
	ModifiedAt   time.Time
}

// Attachment binds a file key to a delivered message.
type Attachment struct {
	MessageID    string
	UserID       string
	FileID       string
	KeyID        string
	Format       string
	Nonce        string
	Verification string
	Size         int64
}

// SyncEntry is the summary returned by sync listings.
type SyncEntry struct {
	MessageID  string
	ModifiedAt time.Time
	Deleted    bool
}

// UpsertMessage inserts the message if its message_id is absent and touches
// modified_at in every case. Content fields of an existing row never change.
// Attachments are handled the same way. Reports whether the row was new.
func (s *Store) UpsertMessage(ctx context.Context, m Message, attachments []Attachment) (bool, error) {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := toMillis(s.now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var bucket sql.NullString
	if m.Bucket != "" && m.Bucket != ReceptionBucket {
		bucket = sql.NullString{String: m.Bucket, Valid: true}
	}

	result, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
			(message_id, user_id, bucket, key_id, payload, date_received, read, deleted, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?)
	`, m.MessageID, m.UserID, bucket, m.Payload.KeyID, string(payload),
		toMillis(m.DateReceived), toMillis(m.CreatedAt), now)
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET modified_at = ? WHERE message_id = ?`, now, m.MessageID); err != nil {
		return false, fmt.Errorf("failed to touch message: %w", err)
	}

	for _, a := range attachments {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO attachments
				(message_id, user_id, file_id, key_id, format, nonce, verification, size, created_at, modified_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, a.MessageID, a.UserID, a.FileID, a.KeyID, a.Format, a.Nonce, a.Verification, a.Size, now, now); err != nil {
			return false, fmt.Errorf("failed to insert attachment %s: %w", a.FileID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE attachments SET modified_at = ? WHERE message_id = ? AND file_id = ?`,
			now, a.MessageID, a.FileID); err != nil {
			return false, fmt.Errorf("failed to touch attachment %s: %w", a.FileID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit message: %w", err)
	}
	return rows == 1, nil
}

// MarkRead flags the user's messages as read. Ids owned by other users are
// ignored. Returns the number of rows updated.
func (s *Store) MarkRead(ctx context.Context, userID string, messageIDs []string) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	in, args := inClause(messageIDs)
	args = append([]any{toMillis(s.now()), userID}, args...)
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET read = 1, modified_at = ?
		WHERE user_id = ? AND message_id IN (`+in+`)
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", err)
	}
	return result.RowsAffected()
}

// DeleteMessages removes the user's messages and their attachment bindings.
// Returns the number of messages removed.
func (s *Store) DeleteMessages(ctx context.Context, userID string, messageIDs []string) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	in, ids := inClause(messageIDs)
	args := append([]any{userID}, ids...)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM attachments WHERE user_id = ? AND message_id IN (`+in+`)`, args...); err != nil {
		return 0, fmt.Errorf("failed to delete attachments: %w", err)
	}
	result, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE user_id = ? AND message_id IN (`+in+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit delete: %w", err)
	}
	return removed, nil
}

// ListSync pages through a user's bucket ordered by creation.
func (s *Store) ListSync(ctx context.Context, userID, bucket string, skip, limit int) ([]SyncEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT message_id, modified_at, deleted FROM messages WHERE user_id = ? AND `
	args := []any{userID}
	if bucket == "" || bucket == ReceptionBucket {
		query += `bucket IS NULL`
	} else {
		query += `bucket = ?`
		args = append(args, bucket)
	}
	query += ` ORDER BY created_at, seq LIMIT ? OFFSET ?`
	args = append(args, limit, skip)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	entries := []SyncEntry{}
	for rows.Next() {
		var e SyncEntry
		var modified int64
		var deleted int
		if err := rows.Scan(&e.MessageID, &modified, &deleted); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		e.ModifiedAt = fromMillis(modified)
		e.Deleted = deleted == 1
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const messageColumns = `message_id, user_id, bucket, payload, date_received, read, deleted, created_at, modified_at`

func scanMessage(scan func(dest ...any) error) (*Message, error) {
	var m Message
	var bucket sql.NullString
	var payload string
	var received, created, modified int64
	var read, deleted int
	if err := scan(&m.MessageID, &m.UserID, &bucket, &payload, &received, &read, &deleted, &created, &modified); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &m.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload of %s: %w", m.MessageID, err)
	}
	m.Bucket = bucket.String
	m.DateReceived = fromMillis(received)
	m.Read = read == 1
	m.Deleted = deleted == 1
	m.CreatedAt = fromMillis(created)
	m.ModifiedAt = fromMillis(modified)
	return &m, nil
}

// GetMessages returns the user's messages among messageIDs.
func (s *Store) GetMessages(ctx context.Context, userID string, messageIDs []string) ([]Message, error) {
	if len(messageIDs) == 0 {
		return []Message{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ids := inClause(messageIDs)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE user_id = ? AND message_id IN (`+in+`) ORDER BY created_at, seq`,
		append([]any{userID}, ids...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// GetMessage returns one message regardless of owner.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, messageID).Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", messageID, err)
	}
	return m, nil
}

// CountMessages counts rows, optionally for one user.
func (s *Store) CountMessages(ctx context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query, args := `SELECT COUNT(*) FROM messages`, []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// GetAttachments lists the bindings of a message.
func (s *Store) GetAttachments(ctx context.Context, messageID string) ([]Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, user_id, file_id, key_id, format, nonce, COALESCE(verification, ''), size
		FROM attachments WHERE message_id = ? ORDER BY file_id
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get attachments: %w", err)
	}
	defer rows.Close()

	out := []Attachment{}
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.MessageID, &a.UserID, &a.FileID, &a.KeyID, &a.Format, &a.Nonce, &a.Verification, &a.Size); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// OwnedMessageKeys filters keyIDs down to those used by the user's messages.
func (s *Store) OwnedMessageKeys(ctx context.Context, userID string, keyIDs []string) ([]string, error) {
	return s.ownedKeys(ctx, "messages", userID, keyIDs)
}

// OwnedAttachmentKeys filters keyIDs down to those bound to the user's
// attachments.
func (s *Store) OwnedAttachmentKeys(ctx context.Context, userID string, keyIDs []string) ([]string, error) {
	return s.ownedKeys(ctx, "attachments", userID, keyIDs)
}

func (s *Store) ownedKeys(ctx context.Context, table, userID string, keyIDs []string) ([]string, error) {
	if len(keyIDs) == 0 {
		return []string{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ids := inClause(keyIDs)
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT key_id FROM `+table+` WHERE user_id = ? AND key_id IN (`+in+`) ORDER BY key_id`,
		append([]any{userID}, ids...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to check key ownership: %w", err)
	}
	defer rows.Close()

	owned := []string{}
	for rows.Next() {
		var keyID string
		if err := rows.Scan(&keyID); err != nil {
			return nil, fmt.Errorf("failed to scan key id: %w", err)
		}
		owned = append(owned, keyID)
	}
	return owned, rows.Err()
}

// ClearProjections drops every message and attachment so the log can be
// replayed into an empty state. Profiles and the log are kept.
func (s *Store) ClearProjections(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range []string{`DELETE FROM attachments`, `DELETE FROM messages`} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to clear projections: %w", err)
		}
	}
	return nil
}
