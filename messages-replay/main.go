// Package main rebuilds the Messages projections from the transaction log.
// The log can first be restored from the S3 archive or from the JetStream
// transaction stream.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/messages/archive"
	"github.com/mesmerverse/vettid-dev/messages/bus"
	"github.com/mesmerverse/vettid-dev/messages/config"
	"github.com/mesmerverse/vettid-dev/messages/store"
	"github.com/mesmerverse/vettid-dev/messages/transactions"
)

func main() {
	configPath := flag.String("config", "/etc/vettid/messages.yaml", "Path to configuration file")
	storePath := flag.String("store", "", "SQLite database path (overrides config)")
	restore := flag.Bool("restore", false, "Import the S3 transaction archive before replaying")
	stream := flag.Bool("stream", false, "Import the JetStream transaction stream before replaying")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *storePath != "" {
		cfg.Store.Path = *storePath
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *restore, *stream); err != nil {
		log.Fatal().Err(err).Msg("Replay failed")
	}
}

func run(ctx context.Context, cfg *config.Config, restore, stream bool) error {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	if restore {
		if err := restoreArchive(ctx, cfg.Archive, st); err != nil {
			return err
		}
	}
	if stream {
		if err := importStream(ctx, cfg.NATS, st); err != nil {
			return err
		}
	}

	if err := st.ClearProjections(ctx); err != nil {
		return fmt.Errorf("failed to clear projections: %w", err)
	}

	txLog := transactions.NewLog(st, transactions.NewApplier(st), nil)
	last, err := txLog.Replay(ctx, 0)
	if err != nil {
		return err
	}
	log.Info().Int64("last_seq", last).Str("store", st.Path()).Msg("Projections rebuilt")
	return nil
}

func restoreArchive(ctx context.Context, cfg config.ArchiveConfig, st *store.Store) error {
	if cfg.Bucket == "" {
		return fmt.Errorf("archive.bucket is required to restore")
	}
	objects, err := archive.NewS3Client(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create S3 client: %w", err)
	}
	archiver, err := archive.New(objects, cfg)
	if err != nil {
		return err
	}
	n, err := archiver.Restore(ctx, st)
	if err != nil {
		return err
	}
	log.Info().Int("transactions", n).Str("bucket", cfg.Bucket).Msg("Archive restored")
	return nil
}

func importStream(ctx context.Context, cfg config.NATSConfig, st *store.Store) error {
	if cfg.TransactionStream == "" {
		return fmt.Errorf("nats.transaction_stream is required to import the stream")
	}
	client, err := bus.Connect(cfg, "messages-replay")
	if err != nil {
		return err
	}
	defer client.Close()

	imported := 0
	_, err = bus.ReadTransactions(ctx, client.Conn(), cfg.TransactionStream, func(tx *transactions.Transaction) error {
		rec, err := tx.Record()
		if err != nil {
			return err
		}
		inserted, err := st.AppendTransaction(ctx, rec)
		if inserted {
			imported++
		}
		return err
	})
	if err != nil {
		return err
	}
	log.Info().Int("transactions", imported).Msg("Transaction stream imported")
	return nil
}
