// Package bootstrap builds the service graph shared by the API server and the
// sweep CLI from a loaded config.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"stepdocs/api/internal/app"
	"stepdocs/api/internal/config"
	"stepdocs/api/internal/lock"
	"stepdocs/api/internal/logger"
	"stepdocs/api/internal/search"
	"stepdocs/api/internal/storage"
	"stepdocs/api/internal/store"
	"stepdocs/api/internal/versioning"
)

type Runtime struct {
	Service *app.Service
	Search  *search.Service

	closers []func()
}

// Close releases every backend in reverse order of creation.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func (r *Runtime) onClose(fn func()) {
	r.closers = append(r.closers, fn)
}

// Build connects the configured backends. Optional backends (Redis, MinIO,
// Meilisearch) are skipped when their address is empty.
func Build(ctx context.Context, cfg config.Config, log *logger.Logger) (*Runtime, error) {
	rt := &Runtime{}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	policy, err := versioning.PolicyByName(cfg.DedupPolicy)
	if err != nil {
		return nil, err
	}
	probes := make(map[string]app.Probe)

	var (
		db     *sql.DB
		lister search.CurrentLister
		opts   = app.Options{
			Policy:    policy,
			ReadMode:  app.ReadMode(cfg.ReadMode),
			JWTSecret: cfg.JWTSecret,
			Logger:    log,
			Probes:    probes,
		}
	)

	switch cfg.Store {
	case config.StoreMemory:
		log.Warn("using in-memory store, data is lost on restart")
		mem := store.NewMemoryStore().WithLockTimeout(cfg.LockWait)
		opts.Store = mem
		lister = mem
	default:
		db, err = store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{})
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		rt.onClose(func() { _ = db.Close() })
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
		if len(applied) > 0 {
			log.Info("migrations applied", "versions", applied)
		}
		pg := store.NewPostgresStore(db).WithLockTimeout(cfg.LockWait)
		opts.Store = pg
		lister = pg
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisLock, err := lock.NewRedis(cfg.RedisURL, lock.RedisOptions{TTL: cfg.LockTTL, Wait: cfg.LockWait})
		if err != nil {
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		rt.onClose(func() { _ = redisLock.Close() })
		opts.Locker = redisLock
		probes["redis"] = redisLock.Ping
		log.Info("using redis step lock")
	} else {
		opts.Locker = lock.NewLocal(cfg.LockWait)
		log.Info("using in-process step lock")
	}

	if strings.TrimSpace(cfg.Minio.Endpoint) != "" {
		blobs, err := storage.NewMinio(storage.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
			URLExpiry: cfg.Minio.URLExpiry,
		})
		if err != nil {
			return nil, fmt.Errorf("minio client failed: %w", err)
		}
		if err := blobs.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("minio bucket check failed: %w", err)
		}
		opts.Blobs = blobs
		probes["storage"] = blobs.Ping
		log.Info("using minio blob storage", "bucket", cfg.Minio.Bucket)
	} else {
		opts.Blobs = storage.Passthrough{}
	}

	var fallback search.Searcher
	if db != nil {
		fallback = search.NewPgSearch(db)
	} else {
		fallback = search.NewListSearcher(lister)
	}
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		rt.onClose(meiliClient.Close)
	}
	rt.Search = search.NewService(meiliClient, fallback, log)
	rt.onClose(rt.Search.Wait)
	if meiliClient != nil {
		rt.Search.ReindexAll(ctx, lister)
	}
	opts.Search = rt.Search

	rt.Service = app.NewService(opts)
	ok = true
	return rt, nil
}
