// Package main runs the Messages domain service: it serves the Messages bus
// operations, records deliveries in the transaction log and exports the log
// to S3 when the archive is enabled.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/messages/config"
	"github.com/mesmerverse/vettid-dev/messages/keyring"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "/etc/vettid/messages.yaml", "Path to configuration file")
	natsURL := flag.String("nats-url", "", "NATS server URL (overrides config)")
	storePath := flag.String("store", "", "SQLite database path (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (overrides config)")
	generate := flag.String("generate-keyring", "", "Generate key material for the given CA box public key (base64) and exit")
	output := flag.String("out", "", "Where -generate-keyring writes the material (default stdout)")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *natsURL != "" {
		cfg.NATS.URL = *natsURL
	}
	if *storePath != "" {
		cfg.Store.Path = *storePath
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	setupLogging(cfg.Log)

	if *generate != "" {
		if err := generateKeyring(cfg.Keyring, *generate, *output); err != nil {
			log.Fatal().Err(err).Msg("Failed to generate key material")
		}
		return
	}

	log.Info().
		Str("version", Version).
		Str("config", *configPath).
		Str("store", cfg.Store.Path).
		Msg("VettID Messages service starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := NewService(cfg).Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Messages service error")
	}
	log.Info().Msg("Messages service shutdown complete")
}

func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if !cfg.Console {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

// generateKeyring writes fresh node key material. With the kms source the
// material is sealed under the configured key before it is written.
func generateKeyring(cfg config.KeyringConfig, caPublicKey, output string) error {
	raw, err := base64.RawStdEncoding.DecodeString(caPublicKey)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("CA public key must be 32 bytes of base64")
	}
	var caPub [32]byte
	copy(caPub[:], raw)

	material, err := keyring.GenerateMaterial(&caPub)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(material, "", "  ")
	if err != nil {
		return err
	}

	if cfg.Source == "kms" {
		ctx := context.Background()
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return fmt.Errorf("failed to load AWS config: %w", err)
		}
		data, err = keyring.NewKMSSealer(kms.NewFromConfig(awsCfg), cfg.KMSKeyID).Seal(ctx, data)
		if err != nil {
			return err
		}
	}

	kr, err := keyring.New(*material, nil)
	if err != nil {
		return err
	}
	log.Info().Str("fingerprint", kr.Fingerprint()).Str("source", cfg.Source).Msg("Generated node key material")

	if output == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(output, data, 0600)
}
