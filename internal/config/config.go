package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	Name            string        `yaml:"name"`
	Port            string        `yaml:"port"`
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	DBName          string        `yaml:"dbname"`
	SSLMode         string        `yaml:"sslmode"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MigrationsPath  string        `yaml:"migrations_path"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
	// ReadHost points the query side at a replica. Empty means Host.
	ReadHost string `yaml:"read_host"`
}

type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

type OtelConfig struct {
	Endpoint   string `yaml:"endpoint"`
	TracesPath string `yaml:"traces_path"`
	AuthHeader string `yaml:"auth_header"`
}

type OrdersConfig struct {
	RestockOnCancel bool `yaml:"restock_on_cancel"`
	DefaultPageSize int  `yaml:"default_page_size"`
	MaxPageSize     int  `yaml:"max_page_size"`
}

type AuthConfig struct {
	Enabled      bool     `yaml:"enabled"`
	AllowedRoles []string `yaml:"allowed_roles"`
}

type Config struct {
	App      AppConfig      `yaml:"app"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Otel     OtelConfig     `yaml:"otel"`
	Orders   OrdersConfig   `yaml:"orders"`
	Auth     AuthConfig     `yaml:"auth"`
}

func defaults() *Config {
	return &Config{
		App: AppConfig{
			Name:            "order-service",
			Port:            "8080",
			LogLevel:        "info",
			ShutdownTimeout: 5 * time.Second,
		},
		Postgres: PostgresConfig{
			Port:            "5432",
			SSLMode:         "disable",
			MaxConns:        10,
			MinConns:        2,
			MaxConnLifetime: 30 * time.Minute,
			MigrationsPath:  "migrations",
			AutoMigrate:     true,
		},
		Kafka: KafkaConfig{
			Topic:        "orders.events",
			BatchTimeout: 10 * time.Millisecond,
		},
		Otel: OtelConfig{
			TracesPath: "/v1/traces",
		},
		Orders: OrdersConfig{
			RestockOnCancel: true,
			DefaultPageSize: 10,
			MaxPageSize:     100,
		},
		Auth: AuthConfig{
			Enabled:      true,
			AllowedRoles: []string{"admin", "customer"},
		},
	}
}

// NewConfig reads .env (if present), then the YAML file named by CONFIG_FILE
// (if set), then the process environment. Later sources win.
func NewConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: failed to load .env: %w", err)
	}

	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadYAML(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: failed to open config file: %w", err)
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
		return fmt.Errorf("config: invalid config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var errs []error

	setString(&cfg.App.Port, "APP_PORT")
	setString(&cfg.App.LogLevel, "LOG_LEVEL")
	errs = append(errs, setDuration(&cfg.App.ShutdownTimeout, "APP_SHUTDOWN_TIMEOUT"))

	setString(&cfg.Postgres.Host, "DB_HOST")
	setString(&cfg.Postgres.Port, "DB_PORT")
	setString(&cfg.Postgres.User, "DB_USER")
	setString(&cfg.Postgres.Password, "DB_PASSWORD")
	setString(&cfg.Postgres.DBName, "DB_NAME")
	setString(&cfg.Postgres.SSLMode, "DB_SSLMODE")
	setString(&cfg.Postgres.MigrationsPath, "DB_MIGRATIONS_PATH")
	setString(&cfg.Postgres.ReadHost, "DB_READ_HOST")
	errs = append(errs,
		setInt32(&cfg.Postgres.MaxConns, "DB_MAX_CONNS"),
		setInt32(&cfg.Postgres.MinConns, "DB_MIN_CONNS"),
		setDuration(&cfg.Postgres.MaxConnLifetime, "DB_MAX_CONN_LIFETIME"),
		setBool(&cfg.Postgres.AutoMigrate, "DB_AUTO_MIGRATE"),
	)

	setList(&cfg.Kafka.Brokers, "KAFKA_BROKERS")
	setString(&cfg.Kafka.Topic, "KAFKA_ORDERS_TOPIC")
	errs = append(errs, setDuration(&cfg.Kafka.BatchTimeout, "KAFKA_BATCH_TIMEOUT"))

	setString(&cfg.Otel.Endpoint, "OTEL_ENDPOINT")
	setString(&cfg.Otel.TracesPath, "OTEL_TRACES_PATH")
	setString(&cfg.Otel.AuthHeader, "OTEL_AUTH_HEADER")

	errs = append(errs,
		setBool(&cfg.Orders.RestockOnCancel, "ORDERS_RESTOCK_ON_CANCEL"),
		setInt(&cfg.Orders.DefaultPageSize, "ORDERS_DEFAULT_PAGE_SIZE"),
		setInt(&cfg.Orders.MaxPageSize, "ORDERS_MAX_PAGE_SIZE"),
		setBool(&cfg.Auth.Enabled, "AUTH_ENABLED"),
	)
	setList(&cfg.Auth.AllowedRoles, "AUTH_ALLOWED_ROLES")

	return errors.Join(errs...)
}

func (c *Config) validate() error {
	var errs []error
	if c.Postgres.Host == "" {
		errs = append(errs, errors.New("config: DB_HOST is required"))
	}
	if c.Postgres.User == "" {
		errs = append(errs, errors.New("config: DB_USER is required"))
	}
	if c.Postgres.DBName == "" {
		errs = append(errs, errors.New("config: DB_NAME is required"))
	}
	if c.Postgres.MinConns > c.Postgres.MaxConns {
		errs = append(errs, fmt.Errorf("config: DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.Postgres.MinConns, c.Postgres.MaxConns))
	}
	if c.Orders.DefaultPageSize <= 0 || c.Orders.MaxPageSize <= 0 {
		errs = append(errs, errors.New("config: page sizes must be positive"))
	}
	if c.Orders.DefaultPageSize > c.Orders.MaxPageSize {
		errs = append(errs, fmt.Errorf("config: ORDERS_DEFAULT_PAGE_SIZE (%d) exceeds ORDERS_MAX_PAGE_SIZE (%d)", c.Orders.DefaultPageSize, c.Orders.MaxPageSize))
	}
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	*dst = n
	return nil
}

func setInt32(dst *int32, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	*dst = int32(n)
	return nil
}

func setBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s must be a boolean: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s must be a duration: %w", key, err)
	}
	*dst = d
	return nil
}
