// Package dbtest wires repository tests to a live PostgreSQL instance.
package dbtest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/retail-order-service/internal/config"
	"github.com/vasiliy-maslov/retail-order-service/internal/db"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Config builds the connection settings from DB_*_TEST variables.
func Config() config.PostgresConfig {
	_, file, _, _ := runtime.Caller(0)
	return config.PostgresConfig{
		Host:            getEnv("DB_HOST_TEST", "localhost"),
		Port:            getEnv("DB_PORT_TEST", "5432"),
		User:            getEnv("DB_USER_TEST", "postgres"),
		Password:        getEnv("DB_PASSWORD_TEST", "123456"),
		DBName:          getEnv("DB_NAME_TEST", "orders_test"),
		SSLMode:         getEnv("DB_SSLMODE_TEST", "disable"),
		MaxConns:        20,
		MinConns:        1,
		MaxConnLifetime: 5 * time.Minute,
		MigrationsPath:  filepath.Join(filepath.Dir(file), "..", "..", "..", "migrations"),
	}
}

// Connect opens the test database and brings the schema up to date.
func Connect() (*db.Postgres, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := Config()
	pg, err := db.New(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := db.ApplyMigrations(pg.Pool, cfg); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}

// Require skips the test when Connect failed in TestMain.
func Require(tb testing.TB, pg *db.Postgres, connectErr error) {
	tb.Helper()
	if connectErr != nil || pg == nil {
		tb.Skipf("test database unavailable: %v", connectErr)
	}
}

func Truncate(tb testing.TB, pg *db.Postgres) {
	tb.Helper()
	_, err := pg.Pool.Exec(context.Background(),
		"TRUNCATE TABLE order_service.order_items, order_service.orders, order_service.products, order_service.addresses, order_service.customers CASCADE")
	if err != nil {
		tb.Fatalf("Failed to truncate tables: %v", err)
	}
}

func SeedCustomer(tb testing.TB, pg *db.Postgres) uuid.UUID {
	tb.Helper()
	id := uuid.Must(uuid.NewV4())
	_, err := pg.Pool.Exec(context.Background(),
		`INSERT INTO order_service.customers (id, email, first_name, last_name) VALUES ($1, $2, 'Test', 'Customer')`,
		id, fmt.Sprintf("%s@example.com", id))
	if err != nil {
		tb.Fatalf("Failed to seed customer: %v", err)
	}
	return id
}

func SeedAddress(tb testing.TB, pg *db.Postgres, customerID uuid.UUID) uuid.UUID {
	tb.Helper()
	id := uuid.Must(uuid.NewV4())
	_, err := pg.Pool.Exec(context.Background(),
		`INSERT INTO order_service.addresses (id, customer_id, street, city, country, postal_code)
		 VALUES ($1, $2, 'Main St 1', 'Springfield', 'US', '12345')`,
		id, customerID)
	if err != nil {
		tb.Fatalf("Failed to seed address: %v", err)
	}
	return id
}

func SeedProduct(tb testing.TB, pg *db.Postgres, section string, price decimal.Decimal, stock int) uuid.UUID {
	tb.Helper()
	id := uuid.Must(uuid.NewV4())
	_, err := pg.Pool.Exec(context.Background(),
		`INSERT INTO order_service.products (id, title, price, stock, bar_code, section)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, "Product "+id.String()[:8], price, stock, id.String(), section)
	if err != nil {
		tb.Fatalf("Failed to seed product: %v", err)
	}
	return id
}

func Stock(tb testing.TB, pg *db.Postgres, productID uuid.UUID) int {
	tb.Helper()
	var stock int
	err := pg.Pool.QueryRow(context.Background(),
		`SELECT stock FROM order_service.products WHERE id = $1`, productID).Scan(&stock)
	if err != nil {
		tb.Fatalf("Failed to read stock: %v", err)
	}
	return stock
}
