// Package bootstrap assembles the service graph from configuration. The api
// and worker commands share it so both run the same orchestrator setup.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"gallery/internal/adapter/repo"
	"gallery/internal/cache"
	"gallery/internal/domain"
	"gallery/internal/gallery"
	"gallery/internal/images"
	"gallery/internal/infra"
	"gallery/internal/infra/credentials"
	"gallery/internal/kvstore"
	"gallery/internal/processing"
	"gallery/internal/providers/vision"
	"gallery/internal/realtime"
	"gallery/internal/storage"
	"gallery/internal/usage"
	"gallery/migrations"
)

var _ gallery.Source = (*images.Service)(nil)

// Stack is every long-lived component of one process.
type Stack struct {
	Config     *infra.Config
	Logger     zerolog.Logger
	Pool       *pgxpool.Pool
	Repo       domain.ImageRepository
	Objects    storage.ObjectStore
	Files      *storage.FileStore
	Bus        *realtime.Bus
	Usage      *usage.Governor
	Processing *processing.Orchestrator
	Images     *images.Service
	Vision     *vision.AzureClient

	closers []func() error
}

// Build connects the record store, object storage, local state and the
// vision client, then wires the orchestrator and the images service. On
// error everything opened so far is closed.
func Build(ctx context.Context, cfg *infra.Config, logger zerolog.Logger) (_ *Stack, err error) {
	s := &Stack{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = s.closeAll()
		}
	}()

	kv := kvstore.Open(cfg.LocalStateDriver, cfg.LocalStateDSN, logger)
	if c, ok := kv.(io.Closer); ok {
		s.closers = append(s.closers, c.Close)
	}

	var feed realtime.ChangeFeed
	var runner *infra.SQLRunner
	switch cfg.StoreDriver {
	case infra.StoreDriverMemory:
		mf := realtime.NewMemoryFeed()
		s.closers = append(s.closers, mf.Close)
		s.Repo = repo.NewMemoryImageRepo(mf)
		feed = mf
		logger.Warn().Msg("bootstrap: memory record store, data is lost on exit")
	default:
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.Pool = pool
		s.closers = append(s.closers, func() error { pool.Close(); return nil })
		if cfg.AutoMigrate {
			if err := infra.Migrate(ctx, pool, migrations.FS, logger); err != nil {
				return nil, err
			}
		}
		runner = infra.NewSQLRunner(pool, logger)
		s.Repo = repo.NewImageRepository(runner)
		feed = realtime.NewPQFeed(cfg.DatabaseURL, logger)
	}
	s.Bus = realtime.NewBus(feed, logger)
	s.closers = append(s.closers, s.Bus.Close)

	switch cfg.StorageDriver {
	case infra.StorageDriverS3:
		s3, err := storage.NewS3Store(ctx, storage.S3Options{
			Region:        cfg.S3Region,
			BucketPrefix:  cfg.S3BucketPrefix,
			Endpoint:      cfg.S3Endpoint,
			PublicBaseURL: cfg.S3PublicBaseURL,
			UsePathStyle:  cfg.S3UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		s.Objects = s3
	default:
		fs, err := storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
		if err != nil {
			return nil, err
		}
		s.Files = fs
		s.Objects = fs
	}

	key := cfg.VisionKey
	if runner != nil {
		stored, kerr := credentials.NewStore(runner).ResolveVision(ctx, key)
		if kerr != nil {
			logger.Warn().Err(kerr).Msg("bootstrap: failed to load vision key from store")
		} else {
			if stored.Endpoint != "" && stored.Endpoint != cfg.VisionEndpoint {
				logger.Warn().Str("stored_endpoint", stored.Endpoint).Str("endpoint", cfg.VisionEndpoint).
					Msg("bootstrap: stored vision key was issued for another endpoint")
			}
			key = stored.Token
		}
	}
	client := vision.NewClient(vision.Options{
		Endpoint: cfg.VisionEndpoint,
		APIKey:   key,
		Language: cfg.VisionLanguage,
		Logger:   &logger,
	})
	if !client.Configured() {
		logger.Warn().Msg("bootstrap: vision key missing, analyses will fail until it is set")
	}
	s.Vision = client
	results := cache.New[vision.Result](cache.Options{
		MaxSize:    cfg.CacheMaxSize,
		DefaultTTL: cfg.CacheTTL,
		PersistKey: "cache:vision",
		Store:      kv,
		Logger:     logger,
	})

	s.Usage = usage.NewGovernor(usage.Options{
		Limits: usage.Limits{
			PerMonth:  cfg.UsagePerMonth,
			PerDay:    cfg.UsagePerDay,
			PerMinute: cfg.UsagePerMinute,
			PerSecond: cfg.UsagePerSecond,
		},
		Store:  kv,
		Logger: logger,
	})

	s.Processing = processing.New(processing.Options{
		Repo:                  s.Repo,
		Gate:                  s.Usage,
		Analyzer:              vision.NewCachedAnalyzer(client, results, cfg.CacheTTL),
		Objects:               s.Objects,
		Logger:                logger,
		Timeout:               cfg.ProcessingTimeout,
		StaleAfter:            cfg.StaleAfter,
		MaxConcurrent:         cfg.MaxConcurrent,
		MaxAttempts:           cfg.MaxAttempts,
		AnalyzeInline:         cfg.AnalyzeInline,
		FallbackColorSampling: cfg.FallbackColorSampling,
		DebugForceComplete:    cfg.DebugForceComplete,
	})

	s.Images = images.NewService(images.Options{
		Repo:        s.Repo,
		Objects:     s.Objects,
		Queue:       s.Processing,
		SearchCache: cache.New[domain.ImagePage](cache.Options{MaxSize: cfg.CacheMaxSize, DefaultTTL: cfg.CacheTTL, Logger: logger}),
		TagCache:    cache.New[[]string](cache.Options{MaxSize: cfg.CacheMaxSize, DefaultTTL: cfg.CacheTTL, Logger: logger}),
		MaxFileSize: cfg.MaxFileSize,
		Logger:      logger,
	})
	return s, nil
}

// Close waits up to timeout for running analyses, then releases every
// connection in reverse order of opening.
func (s *Stack) Close(timeout time.Duration) error {
	if s.Processing != nil {
		done := make(chan struct{})
		go func() {
			s.Processing.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			s.Logger.Warn().Dur("timeout", timeout).Msg("bootstrap: analyses still running at shutdown")
		}
	}
	return s.closeAll()
}

func (s *Stack) closeAll() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	if len(errs) > 0 {
		return fmt.Errorf("close stack: %w", errors.Join(errs...))
	}
	return nil
}
