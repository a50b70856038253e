package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/registrar"
	"github.com/petrijr/registrar/internal/config"
)

// openRuntime connects to the configured backend. The returned func releases
// the connection and must be called after the runtime is stopped.
func openRuntime(ctx context.Context, cfg config.Config, opts registrar.Options) (*registrar.Runtime, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Store.Backend {
	case config.BackendMemory:
		rt, err := registrar.NewInMemoryRuntime(opts)
		return rt, noop, err

	case config.BackendSQLite:
		db, err := sql.Open("sqlite", cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.Store.DSN, err)
		}
		// SQLite allows one writer at a time.
		db.SetMaxOpenConns(1)
		rt, err := registrar.NewSQLiteRuntime(db, opts)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return rt, db.Close, nil

	case config.BackendPostgres:
		db, err := sql.Open("pgx", cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		rt, err := registrar.NewPostgresRuntime(db, opts)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return rt, db.Close, nil

	case config.BackendRedis:
		client, err := newRedisClient(cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		rt, err := registrar.NewRedisRuntime(client, cfg.Store.Prefix, opts)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return rt, client.Close, nil

	case config.BackendMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Store.DSN))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		disconnect := func() error { return client.Disconnect(context.Background()) }
		if err := client.Ping(ctx, nil); err != nil {
			_ = disconnect()
			return nil, nil, fmt.Errorf("ping mongo: %w", err)
		}
		rt, err := registrar.NewMongoRuntime(client, cfg.Store.Prefix, opts)
		if err != nil {
			_ = disconnect()
			return nil, nil, err
		}
		return rt, disconnect, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// newRedisClient accepts either a redis:// URL or a host:port address.
func newRedisClient(dsn string) (*redis.Client, error) {
	if strings.HasPrefix(dsn, "redis://") || strings.HasPrefix(dsn, "rediss://") {
		opts, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: dsn}), nil
}
