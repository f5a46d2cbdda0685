package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rezerv/internal/allocator"
	"rezerv/internal/api"
	"rezerv/internal/audit"
	"rezerv/internal/catalog"
	"rezerv/internal/config"
	"rezerv/internal/holds"
	"rezerv/internal/ledger"
	"rezerv/internal/locker"
	"rezerv/internal/metrics"
	"rezerv/internal/models"
	"rezerv/internal/outbox"
	"rezerv/internal/slotindex"
	"rezerv/internal/storage"
	"rezerv/internal/storage/memory"
	"rezerv/internal/storage/postgres"
	"rezerv/internal/storage/sqlite"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	_ = godotenv.Load()

	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	logger := zerolog.New(output).With().Timestamp().Logger()

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

	publisher := buildPublisher(cfg, &logger)

	led := ledger.New(store, publisher, &logger)
	cat := catalog.New(led, &logger)
	if err := seedCatalog(cat, cfg.Resources); err != nil {
		logger.Fatal().Err(err).Msg("seed catalog error")
	}

	locks := buildLocker(cfg, &logger)
	index := slotindex.New()

	alloc := allocator.New(cat, index, led, locks, cfg.HoldTTL, &logger)
	if err := alloc.Rehydrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("rehydrate index error")
	}

	sweeper := holds.NewSweeper(holds.Config{Interval: cfg.SweepInterval()}, led, index, &logger)
	go sweeper.Start(ctx)
	defer sweeper.Stop()

	exporter := audit.NewExporter(led, func() audit.SheetWriter { return audit.NewExcelizeWriter() }, &logger)

	if cfg.Database.Driver == "sqlite" && cfg.Backup.Enabled {
		backup := storage.NewBackupService(cfg.Database.Path, cfg.Backup, &logger)
		go backup.Start(ctx)
	}

	if cfg.Monitoring.PrometheusEnabled {
		if cfg.Monitoring.PrometheusPort == 0 {
			cfg.Monitoring.PrometheusPort = 9090
		}
		metrics.Register()
		go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, &logger)
	}

	perSecond, burst := cfg.RateLimit()
	server := api.NewHTTPServer(cfg.Server.Address, alloc, exporter, &logger, perSecond, burst)

	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctxShutdown)
	}()

	logger.Info().
		Str("driver", cfg.Database.Driver).
		Int("resources", len(cfg.Resources)).
		Msg("reservation engine started")

	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("http server error")
	}
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

// buildPublisher wires the outbox. Kafka is added alongside the in-process
// bus when brokers are configured.
func buildPublisher(cfg *config.Config, logger *zerolog.Logger) outbox.Publisher {
	bus := outbox.NewBus()
	bus.SubscribeAll(func(ev outbox.Event) error {
		logger.Debug().
			Str("reservation_id", ev.ReservationID).
			Str("from", string(ev.From)).
			Str("to", string(ev.To)).
			Msg("reservation event")
		return nil
	})

	if len(cfg.Kafka.Brokers) == 0 {
		return bus
	}

	topic := cfg.Kafka.EventsTopic
	if topic == "" {
		topic = "reservation-events"
	}
	kafka := outbox.NewKafkaPublisher(cfg.Kafka.Brokers, topic, logger)
	return outbox.Fanout{bus, kafka}
}

func buildLocker(cfg *config.Config, logger *zerolog.Logger) locker.Locker {
	if cfg.Redis.Address == "" {
		return locker.NewLocal(cfg.LockTimeout())
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	logger.Info().Str("addr", cfg.Redis.Address).Msg("using redis critical sections")
	return locker.NewRedis(rdb, cfg.LockTimeout(), 30*time.Second)
}

func seedCatalog(cat *catalog.Catalog, seeds []config.ResourceSeed) error {
	for _, seed := range seeds {
		windows := make([]models.TimeInterval, 0, len(seed.Windows))
		for _, w := range seed.Windows {
			start, err := time.Parse(time.RFC3339, w.Start)
			if err != nil {
				return fmt.Errorf("resource %s: invalid window start %q: %w", seed.ID, w.Start, err)
			}
			end, err := time.Parse(time.RFC3339, w.End)
			if err != nil {
				return fmt.Errorf("resource %s: invalid window end %q: %w", seed.ID, w.End, err)
			}
			windows = append(windows, models.TimeInterval{Start: start, End: end})
		}

		err := cat.Publish(models.Resource{
			ID:       seed.ID,
			Type:     seed.Type,
			Capacity: seed.Capacity,
			Timezone: seed.Timezone,
			Windows:  windows,
		})
		if err != nil {
			return fmt.Errorf("publish resource %s: %w", seed.ID, err)
		}
	}
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
