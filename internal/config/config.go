// Package config loads esctl configuration from an optional YAML file and
// the environment. Environment variables win over the file; unset
// variables keep the file (or default) value.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/codewandler/clstr-es/core/es"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "CLSTR_ES_"

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendNATS     = "nats"
)

type Config struct {
	// Backend selects the event store and kv store.
	Backend string `yaml:"backend" env:"BACKEND"`
	// Broker selects the distribution log, "memory" or "nats".
	Broker   string `yaml:"broker" env:"BROKER"`
	Domain   string `yaml:"domain" env:"DOMAIN"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`

	SQLite   SQLite   `yaml:"sqlite" envPrefix:"SQLITE_"`
	Postgres Postgres `yaml:"postgres" envPrefix:"POSTGRES_"`
	NATS     NATS     `yaml:"nats" envPrefix:"NATS_"`

	SnapshotEvery int           `yaml:"snapshot_every" env:"SNAPSHOT_EVERY"`
	RelayInterval time.Duration `yaml:"relay_interval" env:"RELAY_INTERVAL"`
	MetricsAddr   string        `yaml:"metrics_addr" env:"METRICS_ADDR"`

	Consumer es.ConsumerConfig `yaml:"consumer"`
}

type SQLite struct {
	Path string `yaml:"path" env:"PATH"`
}

type Postgres struct {
	DSN string `yaml:"dsn" env:"DSN"`
}

type NATS struct {
	URL          string `yaml:"url" env:"URL"`
	StoreStream  string `yaml:"store_stream" env:"STORE_STREAM"`
	BrokerStream string `yaml:"broker_stream" env:"BROKER_STREAM"`
	Bucket       string `yaml:"bucket" env:"BUCKET"`
	Replicas     int    `yaml:"replicas" env:"REPLICAS"`
}

func Default() Config {
	return Config{
		Backend:       BackendMemory,
		Broker:        BackendMemory,
		Domain:        es.DefaultDomain,
		LogLevel:      "info",
		SQLite:        SQLite{Path: "clstr-es.db"},
		NATS:          NATS{URL: "nats://127.0.0.1:4222"},
		SnapshotEvery: 100,
		RelayInterval: 5 * time.Second,
		Consumer: es.ConsumerConfig{
			MaxDeliver:     es.DefaultMaxDeliver,
			BackoffInitial: es.DefaultBackoffInitial,
			BackoffMax:     es.DefaultBackoffMax,
			BatchSize:      es.DefaultBatchSize,
		},
	}
}

// Load reads path (if not empty) over the defaults, then applies the
// environment and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendMemory, BackendNATS:
	case BackendSQLite:
		if strings.TrimSpace(c.SQLite.Path) == "" {
			errs = append(errs, errors.New("sqlite.path is required"))
		}
	case BackendPostgres:
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			errs = append(errs, errors.New("postgres.dsn is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	switch c.Broker {
	case BackendMemory, BackendNATS:
	default:
		errs = append(errs, fmt.Errorf("unknown broker %q", c.Broker))
	}
	if c.SnapshotEvery < 0 {
		errs = append(errs, errors.New("snapshot_every must not be negative"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel parses LogLevel ("debug", "info", "warn", "error").
func (c Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}
