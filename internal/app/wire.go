package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"nkowa/api/internal/blob"
	"nkowa/api/internal/cache"
	"nkowa/api/internal/config"
	"nkowa/api/internal/history"
	"nkowa/api/internal/search"
	"nkowa/api/internal/store"
)

// Runtime is a Service together with the connections it was built from.
type Runtime struct {
	Service *Service
	Store   *store.SQLStore
	Search  *search.Service
	closers []func()
}

// Connect opens the database, applies migrations and attaches whichever
// optional backing services cfg configures.
func Connect(ctx context.Context, cfg config.Config) (*Runtime, error) {
	rt := &Runtime{}
	db, dialect, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	rt.closers = append(rt.closers, func() { _ = db.Close() })

	if err := store.ApplyMigrations(ctx, db, dialect, cfg.MigrationsDir); err != nil {
		rt.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	rt.Store = store.NewSQLStore(db, dialect)
	deps := Deps{Store: rt.Store}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for selection cache and rewrite jobs")
		redisStore, err := cache.NewRedisStore(cfg.RedisURL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = redisStore.Close() })
		deps.Cache = redisStore
		deps.Jobs = redisStore
	} else {
		log.Printf("Using in-process selection cache; interrupted rewrites will not resume")
		memory := cache.NewMemoryStore()
		deps.Cache = memory
		deps.Jobs = memory
	}

	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		minio, err := blob.NewMinioStorage(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseSSL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("object storage setup failed: %w", err)
		}
		if err := minio.EnsureBucket(ctx); err != nil {
			rt.Close()
			return nil, fmt.Errorf("object storage bucket: %w", err)
		}
		deps.Blobs = minio
	} else {
		log.Printf("WARNING: S3_ENDPOINT not set, audio uploads are kept in memory")
	}

	if strings.TrimSpace(cfg.HistoryDir) != "" {
		if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to create history dir: %w", err)
		}
		deps.History = history.New(cfg.HistoryDir)
	}

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		rt.closers = append(rt.closers, meili.Close)
	}
	rt.Search = search.NewService(meili, search.NewStoreSearcher(rt.Store))
	deps.Search = rt.Search

	rt.Service = New(cfg, deps)
	return rt, nil
}

// Close releases connections in reverse order of opening.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}
