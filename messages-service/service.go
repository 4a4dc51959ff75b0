package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/messages/archive"
	"github.com/mesmerverse/vettid-dev/messages/bus"
	"github.com/mesmerverse/vettid-dev/messages/config"
	"github.com/mesmerverse/vettid-dev/messages/keyring"
	"github.com/mesmerverse/vettid-dev/messages/messages"
	"github.com/mesmerverse/vettid-dev/messages/store"
	"github.com/mesmerverse/vettid-dev/messages/transactions"
)

const (
	maintenanceDelay    = 5 * time.Second
	maintenanceInterval = 30 * time.Second
	keyRefreshInterval  = 5 * time.Minute
)

// Service owns the process lifetime of the domain.
type Service struct {
	cfg       *config.Config
	store     *store.Store
	bus       *bus.Client
	domain    *messages.Domain
	archiver  *archive.Archiver
	healthSrv *HealthServer
}

// NewService creates the service; nothing is connected until Run.
func NewService(cfg *config.Config) *Service {
	return &Service{cfg: cfg}
}

// Run connects every dependency, serves until ctx is cancelled, then drains.
func (s *Service) Run(ctx context.Context) error {
	s.healthSrv = NewHealthServer(s.cfg.Health.Port)
	go s.healthSrv.Start()
	defer s.healthSrv.Stop()

	st, err := store.Open(s.cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	s.store = st
	defer st.Close()

	kr, err := keyring.Load(ctx, s.cfg.Keyring)
	if err != nil {
		return fmt.Errorf("failed to load keyring: %w", err)
	}
	log.Info().Str("fingerprint", kr.Fingerprint()).Str("source", s.cfg.Keyring.Source).Msg("Keyring loaded")

	client, err := bus.Connect(s.cfg.NATS, "messages-service")
	if err != nil {
		return err
	}
	s.bus = client
	defer client.Close()

	var publisher transactions.Publisher
	if s.cfg.NATS.TransactionStream != "" {
		p, err := bus.NewTransactionPublisher(ctx, client.Conn(), s.cfg.NATS.TransactionStream)
		if err != nil {
			return err
		}
		publisher = p
	}

	s.domain = messages.New(s.cfg, st, kr, client, publisher)

	resumed, err := s.domain.Log.ResumePending(ctx)
	if err != nil {
		return fmt.Errorf("failed to resume pending transactions: %w", err)
	}
	if resumed > 0 {
		log.Info().Int("transactions", resumed).Msg("Applied pending transactions")
	}

	if s.cfg.Archive.Enabled {
		objects, err := archive.NewS3Client(ctx, s.cfg.Archive)
		if err != nil {
			return fmt.Errorf("failed to create S3 client: %w", err)
		}
		s.archiver, err = archive.New(objects, s.cfg.Archive)
		if err != nil {
			return err
		}
		log.Info().Str("bucket", s.cfg.Archive.Bucket).Msg("Transaction archive enabled")
	}

	// Handlers outlive ctx so that drained messages still complete.
	handlerCtx, cancelHandlers := context.WithCancel(context.Background())
	defer cancelHandlers()

	server := bus.NewServer(client, s.domain, s.cfg.NATS.QueueGroup, s.cfg.NATS.MaxInFlight)
	if err := server.Subscribe(handlerCtx, client, s.domain.Routes()); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	s.updateHealth(ctx)

	go s.maintain(ctx)

	<-ctx.Done()
	log.Info().Msg("Draining bus subscriptions")
	client.Drain()
	server.Wait()
	handled, rejected := server.Stats()
	log.Info().Int64("handled", handled).Int64("rejected", rejected).Msg("Bus server stopped")
	return nil
}

// maintain runs periodic upkeep: custodian key refresh, archive export and
// reply cache cleanup.
func (s *Service) maintain(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(maintenanceDelay):
	}

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	var lastKeyRefresh, lastExport time.Time
	archiveInterval := time.Duration(s.cfg.Archive.IntervalSeconds) * time.Second
	for {
		if time.Since(lastKeyRefresh) >= keyRefreshInterval {
			if _, err := s.domain.Custodian.RefreshPublicKeys(ctx); err != nil {
				log.Warn().Err(err).Msg("Failed to refresh custodian public keys")
			} else {
				lastKeyRefresh = time.Now()
			}
		}

		if s.archiver != nil && time.Since(lastExport) >= archiveInterval {
			n, err := s.archiver.Export(ctx, s.store)
			if err != nil {
				log.Error().Err(err).Msg("Transaction archive export failed")
			} else {
				lastExport = time.Now()
				if n > 0 {
					log.Info().Int("transactions", n).Msg("Transactions archived")
				}
			}
		}

		s.domain.Replies().Cleanup()
		s.updateHealth(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) updateHealth(ctx context.Context) {
	storeOK := s.store.Ping(ctx) == nil
	s.healthSrv.UpdateStatus(s.bus.IsConnected(), storeOK, s.domain.Stats())
}
