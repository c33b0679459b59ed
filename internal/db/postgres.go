package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/retail-order-service/internal/config"
)

const schema = "order_service"

// Postgres holds the write pool (pgx) and the read handle (sqlx over lib/pq).
// Read points at cfg.ReadHost when one is configured.
type Postgres struct {
	Pool *pgxpool.Pool
	Read *sqlx.DB
}

func New(ctx context.Context, cfg config.PostgresConfig) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(connString(cfg, cfg.Host))
	if err != nil {
		return nil, fmt.Errorf("db: failed to parse database config: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("db: failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: failed to ping database: %w", err)
	}
	log.Info().Str("host", cfg.Host).Str("dbname", cfg.DBName).Msg("Connected to PostgreSQL")

	readHost := cfg.Host
	if cfg.ReadHost != "" {
		readHost = cfg.ReadHost
	}

	read, err := sqlx.ConnectContext(ctx, "postgres", connString(cfg, readHost))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: failed to connect read handle: %w", err)
	}
	read.SetMaxOpenConns(int(cfg.MaxConns))
	read.SetConnMaxLifetime(cfg.MaxConnLifetime)
	log.Info().Str("host", readHost).Msg("Read handle connected")

	return &Postgres{Pool: pool, Read: read}, nil
}

func (p *Postgres) Close() {
	if p.Read != nil {
		if err := p.Read.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close read handle")
		}
	}
	p.Pool.Close()
	log.Info().Msg("Database connection closed")
}

// ApplyMigrations runs every pending migration found under cfg.MigrationsPath
// over a connection borrowed from pool. The version table lives in public
// because order_service does not exist before the first migration.
func ApplyMigrations(pool *pgxpool.Pool, cfg config.PostgresConfig) error {
	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close()

	driver, err := pgxmigrate.WithInstance(sqlDB, &pgxmigrate.Config{
		SchemaName:      "public",
		MigrationsTable: pgxmigrate.DefaultMigrationsTable,
	})
	if err != nil {
		return fmt.Errorf("db: failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+cfg.MigrationsPath, cfg.DBName, driver)
	if err != nil {
		return fmt.Errorf("db: failed to initialize migration instance: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if err := errors.Join(srcErr, dbErr); err != nil {
			log.Warn().Err(err).Msg("Failed to close migration instance")
		}
	}()

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		log.Info().Msg("No new migrations to apply")
		return nil
	}
	if err != nil {
		return fmt.Errorf("db: failed to apply migrations: %w", err)
	}
	log.Info().Msg("New migrations applied successfully")

	return nil
}

func connString(cfg config.PostgresConfig, host string) string {
	return fmt.Sprintf("host=%s port=%s user=%s password='%s' dbname=%s sslmode=%s search_path=%s",
		host, cfg.Port, cfg.User, quoteValue(cfg.Password), cfg.DBName, cfg.SSLMode, schema)
}

func quoteValue(v string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v)
}
