// Command sweeper runs hold expiry against the shared ledger outside the
// API process. Several instances may run concurrently; version guards make
// each expiry happen exactly once.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rezerv/internal/config"
	"rezerv/internal/holds"
	"rezerv/internal/ledger"
	"rezerv/internal/metrics"
	"rezerv/internal/outbox"
	"rezerv/internal/slotindex"
	"rezerv/internal/storage"
	"rezerv/internal/storage/memory"
	"rezerv/internal/storage/postgres"
	"rezerv/internal/storage/sqlite"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

func main() {
	_ = godotenv.Load()

	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	logger := zerolog.New(output).With().Timestamp().Str("component", "sweeper").Logger()

	cfg, err := config.Load(os.Getenv("REZERV_CONFIG_PATH"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open store error")
	}
	defer store.Close()

	var publisher outbox.Publisher = outbox.NewBus()
	if len(cfg.Kafka.Brokers) > 0 {
		topic := cfg.Kafka.EventsTopic
		if topic == "" {
			topic = "reservation-events"
		}
		publisher = outbox.NewKafkaPublisher(cfg.Kafka.Brokers, topic, &logger)

		groupID := cfg.Kafka.GroupID
		if groupID == "" {
			groupID = "rezerv-sweeper"
		}
		consumer := outbox.NewKafkaConsumer(cfg.Kafka.Brokers, groupID, topic)
		go consumeEvents(ctx, consumer, &logger)
	}

	metrics.Register()

	led := ledger.New(store, publisher, &logger)

	// The index here is a local scratch cache; capacity decisions in API
	// processes read the shared store, not this index.
	sweeper := holds.NewSweeper(holds.Config{Interval: cfg.SweepInterval()}, led, slotindex.New(), &logger)

	logger.Info().
		Dur("interval", cfg.SweepInterval()).
		Str("driver", cfg.Database.Driver).
		Msg("hold sweeper started")

	sweeper.Start(ctx)
}

func openStore(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (storage.Store, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		return sqlite.New(cfg.Database.Path, logger)
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		store := postgres.New(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		return store, nil
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// consumeEvents tails the event topic and logs each transition. This keeps
// a consumer in the group so lag is visible even without downstream users.
func consumeEvents(ctx context.Context, consumer *outbox.KafkaConsumer, logger *zerolog.Logger) {
	defer consumer.Close()

	err := consumer.Consume(ctx, func(_ context.Context, ev outbox.Event) error {
		logger.Info().
			Str("reservation_id", ev.ReservationID).
			Str("resource_id", ev.ResourceID).
			Str("from", string(ev.From)).
			Str("to", string(ev.To)).
			Int64("version", ev.Version).
			Msg("reservation event consumed")
		return nil
	})
	if err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("event consumer stopped")
	}
}
