package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/messages/transactions"
)

// TransactionSubjectPrefix prefixes the subjects transactions are published on.
const TransactionSubjectPrefix = "transaction.Messages."

// TransactionPublisher publishes applied transactions to a JetStream stream.
// The transaction id is the message id, so the stream drops duplicates.
type TransactionPublisher struct {
	js     jetstream.JetStream
	stream string
}

// NewTransactionPublisher creates or updates the stream.
func NewTransactionPublisher(ctx context.Context, nc *nats.Conn, stream string) (*TransactionPublisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       stream,
		Subjects:   []string{TransactionSubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream %s: %w", stream, err)
	}

	log.Info().Str("stream", stream).Msg("Transaction stream ready")
	return &TransactionPublisher{js: js, stream: stream}, nil
}

// PublishTransaction publishes tx with its id as the dedup key.
func (p *TransactionPublisher) PublishTransaction(ctx context.Context, tx *transactions.Transaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}
	ack, err := p.js.Publish(ctx, TransactionSubjectPrefix+string(tx.Action), data, jetstream.WithMsgID(tx.ID))
	if err != nil {
		return fmt.Errorf("publish transaction %s: %w", tx.ID, err)
	}
	if ack.Duplicate {
		log.Debug().Str("transaction_id", tx.ID).Msg("Transaction already in stream")
	}
	return nil
}

const streamFetchBatch = 256

// ReadTransactions hands every transaction currently held by the stream to
// fn, oldest first, and reports how many were read.
func ReadTransactions(ctx context.Context, nc *nats.Conn, stream string, fn func(*transactions.Transaction) error) (int, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return 0, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	s, err := js.Stream(ctx, stream)
	if err != nil {
		return 0, fmt.Errorf("failed to open stream %s: %w", stream, err)
	}
	info, err := s.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read stream %s info: %w", stream, err)
	}
	cons, err := s.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{TransactionSubjectPrefix + ">"},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create consumer on %s: %w", stream, err)
	}

	read := 0
	for uint64(read) < info.State.Msgs {
		batch, err := cons.Fetch(streamFetchBatch, jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return read, fmt.Errorf("fetch from %s: %w", stream, err)
		}
		got := 0
		for msg := range batch.Messages() {
			got++
			var tx transactions.Transaction
			if err := json.Unmarshal(msg.Data(), &tx); err != nil {
				return read, fmt.Errorf("invalid transaction in %s: %w", stream, err)
			}
			if err := fn(&tx); err != nil {
				return read, err
			}
			read++
		}
		if err := batch.Error(); err != nil {
			return read, fmt.Errorf("fetch from %s: %w", stream, err)
		}
		if got == 0 {
			break
		}
	}
	log.Info().Str("stream", stream).Int("transactions", read).Msg("Read transaction stream")
	return read, nil
}
