package transactions

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/messages/store"
)

const replayPageSize = 200

// LogStore is the durable part of the transaction log.
type LogStore interface {
	AppendTransaction(ctx context.Context, rec store.TransactionRecord) (bool, error)
	MarkTransactionProcessed(ctx context.Context, id string) error
	GetTransaction(ctx context.Context, id string) (*store.TransactionRecord, error)
	TransactionsAfter(ctx context.Context, afterSeq int64, limit int) ([]store.TransactionRecord, error)
	PendingTransactions(ctx context.Context, limit int) ([]store.TransactionRecord, error)
}

// Publisher forwards applied transactions to other nodes.
type Publisher interface {
	PublishTransaction(ctx context.Context, tx *Transaction) error
}

// Log appends transactions and applies each exactly once at emission.
type Log struct {
	store     LogStore
	applier   *Applier
	publisher Publisher

	emitted    atomic.Int64
	duplicates atomic.Int64
}

// NewLog creates a log. publisher may be nil.
func NewLog(st LogStore, applier *Applier, publisher Publisher) *Log {
	return &Log{store: st, applier: applier, publisher: publisher}
}

// Emit appends tx and applies it. A transaction id that was already applied
// is acknowledged without applying it again.
func (l *Log) Emit(ctx context.Context, tx *Transaction) error {
	rec, err := tx.Record()
	if err != nil {
		return err
	}

	added, err := l.store.AppendTransaction(ctx, rec)
	if err != nil {
		return err
	}
	if !added {
		existing, err := l.store.GetTransaction(ctx, tx.ID)
		if err != nil {
			return fmt.Errorf("failed to load duplicate transaction %s: %w", tx.ID, err)
		}
		if existing.ProcessedAt != nil {
			l.duplicates.Add(1)
			log.Debug().Str("transaction_id", tx.ID).Msg("Duplicate transaction ignored")
			return nil
		}
	}

	if err := l.applier.Apply(ctx, tx); err != nil {
		return fmt.Errorf("apply %s %s: %w", tx.Action, tx.ID, err)
	}
	if err := l.store.MarkTransactionProcessed(ctx, tx.ID); err != nil {
		return err
	}
	l.emitted.Add(1)

	if l.publisher != nil {
		if err := l.publisher.PublishTransaction(ctx, tx); err != nil {
			log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("Failed to publish transaction")
		}
	}
	return nil
}

// ResumePending applies transactions appended but never marked processed,
// for instance after a crash between append and apply.
func (l *Log) ResumePending(ctx context.Context) (int, error) {
	applied := 0
	for {
		pending, err := l.store.PendingTransactions(ctx, replayPageSize)
		if err != nil {
			return applied, err
		}
		if len(pending) == 0 {
			return applied, nil
		}
		for _, rec := range pending {
			tx, err := FromRecord(rec)
			if err != nil {
				return applied, err
			}
			if err := l.applier.Apply(ctx, tx); err != nil {
				return applied, fmt.Errorf("apply %s %s: %w", tx.Action, tx.ID, err)
			}
			if err := l.store.MarkTransactionProcessed(ctx, tx.ID); err != nil {
				return applied, err
			}
			applied++
		}
	}
}

// Replay applies every logged transaction after afterSeq in order, marking
// restored ones processed. It stops at the first failure and returns the sequence of the last transaction it
// reached.
func (l *Log) Replay(ctx context.Context, afterSeq int64) (int64, error) {
	lastSeq := afterSeq
	for {
		page, err := l.store.TransactionsAfter(ctx, lastSeq, replayPageSize)
		if err != nil {
			return lastSeq, err
		}
		if len(page) == 0 {
			return lastSeq, nil
		}
		for _, rec := range page {
			if err := ctx.Err(); err != nil {
				return lastSeq, err
			}
			lastSeq = rec.Seq
			tx, err := FromRecord(rec)
			if err != nil {
				return lastSeq, err
			}
			if err := l.applier.Apply(ctx, tx); err != nil {
				return lastSeq, fmt.Errorf("replay seq %d: %w", rec.Seq, err)
			}
			if rec.ProcessedAt == nil {
				if err := l.store.MarkTransactionProcessed(ctx, tx.ID); err != nil {
					return lastSeq, err
				}
			}
		}
	}
}

// Stats reports emission counters.
func (l *Log) Stats() (emitted, duplicates int64) {
	return l.emitted.Load(), l.duplicates.Load()
}
