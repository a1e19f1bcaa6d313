// Package backend opens the stores and broker selected by a config.Config.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codewandler/clstr-es/adapters/nats"
	"github.com/codewandler/clstr-es/adapters/postgres"
	"github.com/codewandler/clstr-es/adapters/sqlite"
	"github.com/codewandler/clstr-es/core/es"
	"github.com/codewandler/clstr-es/internal/config"
	"github.com/codewandler/clstr-es/ports/kv"
)

// Backend bundles the infrastructure an es.Env runs on.
type Backend struct {
	Store  es.EventStore
	KV     kv.Store
	Broker es.Broker

	closers []func() error
}

// Open connects everything cfg asks for. On error whatever was already
// opened is closed again.
func Open(ctx context.Context, cfg config.Config, log *slog.Logger) (b *Backend, err error) {
	if log == nil {
		log = slog.Default()
	}
	b = &Backend{}
	defer func() {
		if err != nil {
			_ = b.Close()
			b = nil
		}
	}()

	var connect nats.Connector
	if cfg.Backend == config.BackendNATS || cfg.Broker == config.BackendNATS {
		connect = nats.ReuseConnection(nats.ConnectURL(cfg.NATS.URL))
	}

	switch cfg.Backend {
	case config.BackendMemory:
		b.Store = es.NewInMemoryStore()
		b.KV = kv.NewMemStore()

	case config.BackendSQLite:
		db, err := sqlite.Open(cfg.SQLite.Path, log)
		if err != nil {
			return b, err
		}
		b.closers = append(b.closers, db.Close)
		b.Store = sqlite.NewEventStore(db)
		b.KV = sqlite.NewKvStore(db)

	case config.BackendPostgres:
		db, err := postgres.Open(ctx, cfg.Postgres.DSN, log)
		if err != nil {
			return b, err
		}
		b.closers = append(b.closers, db.Close)
		b.Store = postgres.NewEventStore(db)
		b.KV = postgres.NewKvStore(db)

	case config.BackendNATS:
		store, err := nats.NewEventStore(nats.EventStoreConfig{
			Connect:    connect,
			Log:        log,
			StreamName: cfg.NATS.StoreStream,
			Replicas:   cfg.NATS.Replicas,
		})
		if err != nil {
			return b, fmt.Errorf("nats event store: %w", err)
		}
		b.closers = append(b.closers, store.Close)
		b.Store = store

		kvStore, err := nats.NewKvStore(nats.KvConfig{
			Connect:  connect,
			Bucket:   cfg.NATS.Bucket,
			Replicas: cfg.NATS.Replicas,
		})
		if err != nil {
			return b, fmt.Errorf("nats kv: %w", err)
		}
		b.closers = append(b.closers, kvStore.Close)
		b.KV = kvStore

	default:
		return b, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	switch cfg.Broker {
	case config.BackendMemory, "":
		b.Broker = es.NewInMemoryBroker(es.Subjects{Domain: cfg.Domain})
	case config.BackendNATS:
		broker, err := nats.NewBroker(nats.BrokerConfig{
			Connect:    connect,
			Log:        log,
			Domain:     cfg.Domain,
			StreamName: cfg.NATS.BrokerStream,
			Replicas:   cfg.NATS.Replicas,
		})
		if err != nil {
			return b, fmt.Errorf("nats broker: %w", err)
		}
		b.closers = append(b.closers, broker.Close)
		b.Broker = broker
	default:
		return b, fmt.Errorf("unknown broker %q", cfg.Broker)
	}

	log.Info(
		"backend ready",
		slog.String("store", cfg.Backend),
		slog.String("broker", cfg.Broker),
	)
	return b, nil
}

// EnvOptions wires the backend into es.NewEnv.
func (b *Backend) EnvOptions() es.EnvOptions {
	return es.WithEnvOpts(
		es.WithStore(b.Store),
		es.WithKV(b.KV),
		es.WithBroker(b.Broker),
	)
}

// Close closes in reverse opening order.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}
