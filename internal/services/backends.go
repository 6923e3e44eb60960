package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tourline/migration-guard/internal/config"
	"github.com/tourline/migration-guard/internal/events"
	"github.com/tourline/migration-guard/internal/kvstore"
	"github.com/tourline/migration-guard/internal/tagmanager"
	"github.com/tourline/migration-guard/internal/utils"
)

// Backends are the external collaborators selected by configuration.
type Backends struct {
	Stores  kvstore.Scoped
	Runtime tagmanager.Runtime
	Sinks   []events.Sink

	closers []func()
}

// OpenBackends connects the configured key-value stores, tag-manager runtime
// and event sinks. ctx bounds the lifetime of background publishers.
func OpenBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backends, error) {
	logger = utils.ComponentLogger(logger, "backends")
	b := &Backends{}

	durable, err := b.openStore(ctx, cfg.Storage, cfg.Storage.DurableBackend, kvstore.ScopeDurable, logger)
	if err != nil {
		b.Close()
		return nil, err
	}
	session, err := b.openStore(ctx, cfg.Storage, cfg.Storage.SessionBackend, kvstore.ScopeSession, logger)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.Stores = kvstore.Scoped{Session: session, Durable: durable}

	if cfg.TagManager.BaseURL != "" {
		paths := tagmanager.HTTPPaths{
			Container: cfg.TagManager.ContainerPath,
			Pause:     cfg.TagManager.PausePath,
			DataLayer: cfg.TagManager.DataLayerPath,
			Legacy:    cfg.TagManager.LegacyPath,
		}
		b.Runtime = tagmanager.NewHTTPRuntime(cfg.TagManager.BaseURL, cfg.TagManager.ContainerID, paths, cfg.TagManager.Timeout)
		logger.Info("tag manager bridge configured", slog.String("base_url", cfg.TagManager.BaseURL))
	} else {
		b.Runtime = tagmanager.NewMemory(cfg.TagManager.ContainerID)
		logger.Info("tag manager bridge not configured, using in-process runtime")
	}

	if cfg.Events.Kafka.Enabled {
		sink, err := events.NewKafkaSink(events.KafkaConfig{
			Brokers:   cfg.Events.Kafka.Brokers,
			Topic:     cfg.Events.Kafka.Topic,
			QueueSize: cfg.Events.Kafka.QueueSize,
		}, logger)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		sink.Start(ctx)
		b.Sinks = append(b.Sinks, sink)
		b.closers = append(b.closers, func() {
			if err := sink.Close(); err != nil {
				logger.Warn("close kafka sink", slog.Any("error", err))
			}
		})
		logger.Info("kafka event sink enabled", slog.String("topic", cfg.Events.Kafka.Topic))
	}
	return b, nil
}

func (b *Backends) openStore(ctx context.Context, cfg config.StorageConfig, backend string, scope kvstore.Scope, logger *slog.Logger) (kvstore.Store, error) {
	switch backend {
	case "", "memory":
		ttl := cfg.SessionTTL
		if scope == kvstore.ScopeDurable {
			ttl = 0
		}
		return kvstore.NewMemory(ttl), nil
	case "redis":
		ttl := cfg.SessionTTL
		if scope == kvstore.ScopeDurable {
			ttl = 0
		}
		store, err := kvstore.NewRedis(ctx, kvstore.RedisConfig{
			Addr:        cfg.Redis.Addr,
			Username:    cfg.Redis.Username,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			KeyPrefix:   cfg.Redis.KeyPrefix + string(scope) + ":",
			TTL:         ttl,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("%s store: %w", scope, err)
		}
		b.closers = append(b.closers, func() { _ = store.Close() })
		logger.Info("redis store connected", slog.String("scope", string(scope)), slog.String("addr", cfg.Redis.Addr))
		return store, nil
	case "postgres":
		if scope == kvstore.ScopeSession {
			return nil, fmt.Errorf("postgres backend is not supported for session scope")
		}
		pool, err := kvstore.OpenPostgresPool(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("%s store: %w", scope, err)
		}
		b.closers = append(b.closers, pool.Close)
		if err := kvstore.EnsureSchema(ctx, pool); err != nil {
			return nil, fmt.Errorf("%s store schema: %w", scope, err)
		}
		logger.Info("postgres store connected", slog.String("scope", string(scope)))
		return kvstore.NewPostgres(pool, scope), nil
	default:
		return nil, fmt.Errorf("unknown %s storage backend %q", scope, backend)
	}
}

// Close releases connections in reverse order of opening.
func (b *Backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}
