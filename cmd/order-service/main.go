package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/retail-order-service/internal/config"
	"github.com/vasiliy-maslov/retail-order-service/internal/customer"
	"github.com/vasiliy-maslov/retail-order-service/internal/db"
	"github.com/vasiliy-maslov/retail-order-service/internal/events"
	"github.com/vasiliy-maslov/retail-order-service/internal/order"
	"github.com/vasiliy-maslov/retail-order-service/internal/platform/observability"
	"github.com/vasiliy-maslov/retail-order-service/internal/product"
	"github.com/vasiliy-maslov/retail-order-service/internal/transport"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	log.Logger = log.With().Str("service", "order-service").Logger()
	zerolog.DefaultContextLogger = &log.Logger

	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", cfg.App.LogLevel).Msg("Invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	log.Info().Msg("Order service starting...")

	ctx := context.Background()

	shutdownTracing, err := observability.SetupTracingSDK(ctx, cfg.Otel, cfg.App.Name)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up tracing")
	}

	pg, err := db.New(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer pg.Close()

	if cfg.Postgres.AutoMigrate {
		if err := db.ApplyMigrations(pg.Pool, cfg.Postgres); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply migrations")
		}
	}

	publisher := events.New(cfg.Kafka)

	svc := order.NewService(order.Dependencies{
		Transactor: db.NewTransactor(pg.Pool),
		Orders:     order.NewRepository(),
		Queries:    order.NewQueryRepository(pg.Read),
		Customers:  customer.NewRepository(),
		Products:   product.NewRepository(),
		Ledger:     product.NewLedger(),
		Events:     publisher,
		Options: order.Options{
			RestockOnCancel: cfg.Orders.RestockOnCancel,
			DefaultPageSize: cfg.Orders.DefaultPageSize,
			MaxPageSize:     cfg.Orders.MaxPageSize,
		},
	})

	srv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      transport.NewRouter(log.Logger, svc, cfg.Auth),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("port", cfg.App.Port).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server stopped with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := publisher.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close event publisher")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to flush traces")
	}
	log.Info().Msg("Server stopped")
}
