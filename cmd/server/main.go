package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/trip-dispatch/internal/claim"
	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/events"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/geocode"
	httpapi "github.com/example/trip-dispatch/internal/http"
	"github.com/example/trip-dispatch/internal/ingest"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/matcher"
	"github.com/example/trip-dispatch/internal/payments"
	"github.com/example/trip-dispatch/internal/registry"
	"github.com/example/trip-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.New(os.Stdout, "server", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store storage.TripStore
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			runMigrations(logger, cfg.PGDSN)
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("PG_DSN not set, using in-memory trip store")
	}

	stations := registry.NewStations()
	drivers := registry.NewDrivers(stations, store, cfg.PositionMinInterval, cfg.PositionMinMoveM)
	locator := geo.NewLocator(drivers)
	bus := events.NewBus(32)
	arbiter := claim.NewArbiter(store, drivers, bus, logger)

	engine := matcher.New(store, locator, bus, logger)
	engine.OfferTimeout = cfg.OfferTimeout
	engine.SearchBudget = cfg.SearchBudget
	engine.RetryInterval = cfg.SearchRetryInterval
	engine.TopN = cfg.MatcherTopN

	deps := httpapi.Deps{
		Config:   cfg,
		Logger:   logger,
		Stations: stations,
		Drivers:  drivers,
		Store:    store,
		Arbiter:  arbiter,
		Engine:   engine,
		Bus:      bus,
	}
	if cfg.GeocodeEndpoint != "" {
		deps.Geocoder = geocode.NewHTTPClient(cfg.GeocodeEndpoint)
	}
	if os.Getenv("STRIPE_API_KEY") != "" {
		deps.Fares = payments.NewStripeClient()
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		deps.Kafka = kp
	}
	if cfg.RedisAddr != "" {
		mirror := geo.NewRedisMirror(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer mirror.Close()
		deps.Mirror = mirror
	}

	srv := httpapi.NewServer(ctx, deps)

	// Pick dispatch back up for trips that were pending when the previous
	// process died. The trip store, not the registry, knows which stations
	// those trips belong to.
	if ids, err := store.PendingStationIDs(); err != nil {
		logger.Error("resume scan failed", "error", err)
	} else {
		for _, id := range ids {
			engine.Resume(ctx, id)
		}
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("trip-dispatch listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func runMigrations(logger *slog.Logger, dsn string) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open error", "error", err)
		return
	}
	defer db.Close()
	files, err := filepath.Glob(filepath.Join("migrations", "*.sql"))
	if err != nil {
		logger.Error("migration glob error", "error", err)
		return
	}
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			logger.Error("migration read error", "file", f, "error", err)
			continue
		}
		if _, err := db.Exec(string(b)); err != nil {
			logger.Error("migration exec error", "file", f, "error", err)
		}
	}
}
