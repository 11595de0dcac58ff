package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/stocktake/internal/archive"
	"github.com/odyssey-erp/stocktake/internal/catalog"
	"github.com/odyssey-erp/stocktake/internal/countstore"
	pgstore "github.com/odyssey-erp/stocktake/internal/countstore/postgres"
	"github.com/odyssey-erp/stocktake/internal/platform/cache"
	"github.com/odyssey-erp/stocktake/internal/platform/db"
	"github.com/odyssey-erp/stocktake/internal/shared"
	"github.com/odyssey-erp/stocktake/internal/stocktake"
)

// Resources holds the connections a process opened while building the
// stocktake service.
type Resources struct {
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (r *Resources) Close() {
	if r == nil {
		return
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// RedisOptions maps the config onto cache options.
func (c *Config) RedisOptions() cache.Options {
	return cache.Options{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB}
}

// ServiceConfig maps the config onto stocktake tuning.
func (c *Config) ServiceConfig() stocktake.ServiceConfig {
	return stocktake.ServiceConfig{
		Vendors:              stocktake.NewVendorRules(c.VendorPrefixes),
		DiscontinuedKeywords: c.DiscontinuedKeywords,
		HighUsageThreshold:   c.HighUsageThreshold,
		CatalogTimeout:       c.CatalogTimeout,
	}
}

// NewService opens the configured store, archive, lock and catalog backends
// and builds the stocktake service on top of them.
func NewService(ctx context.Context, cfg *Config, logger *slog.Logger) (*stocktake.Service, *Resources, error) {
	res := &Resources{}
	fail := func(err error) (*stocktake.Service, *Resources, error) {
		res.Close()
		return nil, nil, err
	}

	stores, err := openStores(ctx, cfg, res, logger)
	if err != nil {
		return fail(err)
	}
	sink, err := openArchive(ctx, cfg, res)
	if err != nil {
		return fail(err)
	}

	var guard shared.Locker = shared.NewLocalLocker()
	if cfg.RedisEnabled() {
		client, err := cache.New(ctx, cfg.RedisOptions())
		if err != nil {
			return fail(err)
		}
		res.Redis = client
		res.closers = append(res.closers, func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		})
		guard = shared.NewRedisLocker(client, cfg.CycleLockTTL)
	} else {
		logger.Warn("REDIS_ADDR not set, cycle locks only cover this process")
	}

	source := catalog.NewHTMLSource(catalog.HTMLConfig{
		PrimaryURL:   cfg.CatalogPrimaryURL,
		SecondaryURL: cfg.CatalogSecondaryURL,
		VendorTag:    cfg.CatalogVendorTag,
	}, &http.Client{Timeout: cfg.CatalogTimeout}, logger)

	svc := stocktake.NewService(stores, source, sink, guard, cfg.ServiceConfig(), logger)
	loc := cfg.Location()
	svc.WithNow(func() time.Time { return time.Now().In(loc) })
	return svc, res, nil
}

func openStores(ctx context.Context, cfg *Config, res *Resources, logger *slog.Logger) (countstore.Accessor, error) {
	if cfg.StoreDriver != "postgres" {
		logger.Warn("using in-memory count store, data is lost on restart")
		return countstore.NewMemory(), nil
	}
	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns, MaxConnLifetime: time.Hour})
	if err != nil {
		return nil, err
	}
	res.Pool = pool
	res.closers = append(res.closers, pool.Close)

	stores := pgstore.New(pool)
	if err := stores.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate count store: %w", err)
	}
	return stores, nil
}

func openArchive(ctx context.Context, cfg *Config, res *Resources) (archive.Sink, error) {
	if cfg.ArchiveDriver == "gcs" {
		client, err := archive.NewGCSClient(ctx, cfg.GCSCredentialsJSON)
		if err != nil {
			return nil, err
		}
		res.closers = append(res.closers, func() { _ = client.Close() })
		return archive.NewGCSSink(client, cfg.GCSBucket, cfg.GCSPrefix), nil
	}
	return archive.NewFileSink(cfg.ArchiveDir)
}
