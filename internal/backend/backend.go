// Package backend opens the document store named by the backend config blob
// and wraps it in a docstore.Guard.
package backend

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-realtime-storefront/internal/config"
	"github.com/ariefcatur/go-realtime-storefront/internal/docstore"
	"github.com/ariefcatur/go-realtime-storefront/internal/docstore/mongostore"
	"github.com/ariefcatur/go-realtime-storefront/internal/docstore/pgstore"
	"github.com/ariefcatur/go-realtime-storefront/internal/docstore/redisstore"
	"github.com/ariefcatur/go-realtime-storefront/internal/logger"
	"github.com/ariefcatur/go-realtime-storefront/internal/redisx"
)

type Options struct {
	Backend config.Backend
	Store   config.StoreConfig
	Logger  *logger.Logger
	Observe func(op string, err error)
}

// Open connects to the configured backend. The returned guard owns the
// connection; closing it closes the backend.
func Open(ctx context.Context, opts Options) (*docstore.Guard, error) {
	inner, err := openRaw(ctx, opts.Backend)
	if err != nil {
		return nil, err
	}
	return docstore.NewGuard(inner, docstore.GuardOptions{
		Timeout:         opts.Store.RequestTimeout,
		RetryAttempts:   opts.Store.RetryAttempts,
		RetryBackoff:    opts.Store.RetryBackoff,
		BreakerFailures: opts.Store.BreakerFailures,
		BreakerCooldown: opts.Store.BreakerCooldown,
		Logger:          opts.Logger,
		Observe:         opts.Observe,
	}), nil
}

func openRaw(ctx context.Context, b config.Backend) (docstore.Store, error) {
	switch b.Driver {
	case config.DriverMemory:
		return docstore.NewMemory(), nil

	case config.DriverRedis:
		rdb := redisx.New(redisx.Options{Addr: b.RedisAddr, Password: b.RedisPassword, DB: b.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis backend: %w", err)
		}
		return redisstore.New(rdb, b.KeyPrefix), nil

	case config.DriverMongo:
		db, err := mongostore.Connect(ctx, b.MongoURI, b.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("mongo backend: %w", err)
		}
		s := mongostore.New(db, mongostore.Options{})
		if err := s.CreateIndexes(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("mongo backend: %w", err)
		}
		return s, nil

	case config.DriverPostgres:
		s, err := pgstore.Open(ctx, b.PostgresDSN, pgstore.PoolOptions{})
		if err != nil {
			return nil, fmt.Errorf("postgres backend: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown backend driver %q", b.Driver)
}
