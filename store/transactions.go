package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TransactionRecord is one entry of the append-only log.
type TransactionRecord struct {
	Seq         int64
	ID          string
	Action      string
	Timestamp   time.Time
	Content     []byte
	Certificate []byte
	ProcessedAt *time.Time
}

// AppendTransaction inserts rec unless its id is already logged. Reports
// whether a row was added.
func (s *Store) AppendTransaction(ctx context.Context, rec TransactionRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var processed sql.NullInt64
	if rec.ProcessedAt != nil {
		processed = sql.NullInt64{Int64: toMillis(*rec.ProcessedAt), Valid: true}
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO transactions (id, action, timestamp, content, certificate, processed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Action, toMillis(rec.Timestamp), rec.Content, rec.Certificate, processed)
	if err != nil {
		return false, fmt.Errorf("failed to append transaction %s: %w", rec.ID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// MarkTransactionProcessed stamps processed_at on a logged transaction.
func (s *Store) MarkTransactionProcessed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET processed_at = ? WHERE id = ?`, toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to mark transaction processed: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return nil
}

const transactionColumns = `seq, id, action, timestamp, content, certificate, processed_at`

func scanTransaction(scan func(dest ...any) error) (*TransactionRecord, error) {
	var rec TransactionRecord
	var ts int64
	var processed sql.NullInt64
	if err := scan(&rec.Seq, &rec.ID, &rec.Action, &ts, &rec.Content, &rec.Certificate, &processed); err != nil {
		return nil, err
	}
	rec.Timestamp = fromMillis(ts)
	if processed.Valid {
		t := fromMillis(processed.Int64)
		rec.ProcessedAt = &t
	}
	return &rec, nil
}

// GetTransaction returns a logged transaction by id.
func (s *Store) GetTransaction(ctx context.Context, id string) (*TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := scanTransaction(s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id).Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", id, err)
	}
	return rec, nil
}

// TransactionsAfter pages through the log in sequence order.
func (s *Store) TransactionsAfter(ctx context.Context, afterSeq int64, limit int) ([]TransactionRecord, error) {
	return s.listTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE seq > ? ORDER BY seq LIMIT ?`, afterSeq, limit)
}

// PendingTransactions lists logged transactions never marked processed.
func (s *Store) PendingTransactions(ctx context.Context, limit int) ([]TransactionRecord, error) {
	return s.listTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE processed_at IS NULL ORDER BY seq LIMIT ?`, limit)
}

func (s *Store) listTransactions(ctx context.Context, query string, args ...any) ([]TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	out := []TransactionRecord{}
	for rows.Next() {
		rec, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// LastTransactionSeq returns the highest sequence number, 0 when empty.
func (s *Store) LastTransactionSeq(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM transactions`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read last sequence: %w", err)
	}
	return seq.Int64, nil
}
