package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/robfig/cron"

	"hospitaletl/internal/adapters/cms"
	"hospitaletl/internal/adapters/downloader"
	"hospitaletl/internal/adapters/localstorage"
	"hospitaletl/internal/adapters/metastore"
	"hospitaletl/internal/adapters/objectstore"
	"hospitaletl/internal/config"
	"hospitaletl/internal/core/domain"
	"hospitaletl/internal/core/ports"
	"hospitaletl/internal/logger"
	"hospitaletl/internal/normalizer"
	"hospitaletl/internal/report"
	"hospitaletl/internal/service"
)

// app holds the wired pipeline for one process.
type app struct {
	cfg          *config.Config
	store        ports.MetadataStore
	orchestrator *service.Orchestrator
	logger       *logger.Logger
	out          io.Writer

	// running serializes scheduled runs.
	running sync.Mutex
}

func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger, out io.Writer) (*app, error) {
	artifacts, err := newArtifactStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store, err := metastore.Open(ctx, cfg.Metadata.Driver, cfg.MetadataDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}

	catalog := cms.NewClient(cms.ClientConfig{
		URL:               cfg.Catalog.URL,
		Keyword:           cfg.Catalog.Keyword,
		Timeout:           cfg.Catalog.GetCatalogTimeout(),
		MaxRetries:        cfg.Catalog.MaxRetries,
		UserAgent:         cfg.Catalog.UserAgent,
		RequestsPerSecond: cfg.Catalog.RequestsPerSecond,
	})

	dl := downloader.NewHTTPDownloader(
		downloader.WithRateLimit(cfg.Pipeline.RequestsPerSecond, cfg.Pipeline.Workers),
		downloader.WithUserAgent(cfg.Catalog.UserAgent),
	)

	pool := service.NewPool(
		dl,
		artifacts,
		store,
		normalizer.NewTransformer(normalizer.Format(cfg.Pipeline.OutputFormat)),
		service.PoolConfig{
			Workers:         cfg.Pipeline.Workers,
			DownloadTimeout: cfg.Pipeline.GetDownloadTimeout(),
			WriteTimeout:    cfg.Pipeline.GetWriteTimeout(),
		},
		log,
	)

	return &app{
		cfg:          cfg,
		store:        store,
		orchestrator: service.NewOrchestrator(catalog, service.NewDetector(store, log), pool, log),
		logger:       log,
		out:          out,
	}, nil
}

func newArtifactStore(ctx context.Context, cfg *config.Config) (ports.ArtifactStore, error) {
	if cfg.Storage.Backend == "minio" {
		m := cfg.Storage.Minio
		store, err := objectstore.New(objectstore.Config{
			Endpoint:  m.Endpoint,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			Bucket:    m.Bucket,
			Prefix:    m.Prefix,
			Region:    m.Region,
			UseSSL:    m.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("failed to prepare bucket %s: %w", m.Bucket, err)
		}
		return store, nil
	}

	fs := localstorage.NewLocalStorage(cfg.Storage.BaseDir)
	if err := fs.Init(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// runOnce executes a single run and prints its summary.
func (a *app) runOnce(ctx context.Context) (*domain.RunSummary, error) {
	summary, err := a.orchestrator.RunOnce(ctx)
	if werr := report.WriteSummary(a.out, summary); werr != nil {
		a.logger.Warn("failed to write summary", "error", werr)
	}
	return summary, err
}

// schedule runs on the configured cron expression until ctx is done.
// A tick that fires while a run is still in progress is skipped.
func (a *app) schedule(ctx context.Context) error {
	job := func() {
		if !a.running.TryLock() {
			a.logger.Warn("previous run still in progress, skipping tick")
			return
		}
		defer a.running.Unlock()

		if _, err := a.runOnce(ctx); err != nil {
			a.logger.Error("scheduled run failed", "error", err)
		}
	}

	c := cron.New()
	if err := c.AddFunc(a.cfg.Schedule.Cron, job); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", a.cfg.Schedule.Cron, err)
	}

	if a.cfg.Schedule.RunOnStartup {
		a.logger.Info("running at startup")
		job()
	}

	c.Start()
	a.logger.Info("scheduler started", "cron", a.cfg.Schedule.Cron)

	<-ctx.Done()
	c.Stop()

	// Wait for an in-flight run to wind down.
	a.running.Lock()
	a.running.Unlock()
	a.logger.Info("scheduler stopped")
	return nil
}

// status prints whether processed data exists and the state of every dataset.
func (a *app) status(ctx context.Context) error {
	records, err := a.store.List(ctx)
	if err != nil {
		return err
	}
	return report.WriteStatus(a.out, records, time.Now().UTC())
}
