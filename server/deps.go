package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nomis52/dbflow/clients/jobclient"
	"github.com/nomis52/dbflow/clients/sshjob"
	"github.com/nomis52/dbflow/config"
	"github.com/nomis52/dbflow/jobrun"
	"github.com/nomis52/dbflow/logarchive"
	"github.com/nomis52/dbflow/metrics"
	"github.com/nomis52/dbflow/pipeline"
	"github.com/nomis52/dbflow/record"
	"github.com/nomis52/dbflow/resource"
	"github.com/nomis52/dbflow/scheduler"
	"github.com/nomis52/dbflow/storage/sqlstore"
	"github.com/nomis52/dbflow/ticket"
	"github.com/nomis52/dbflow/workflows"
)

// deps holds everything built from the config.
type deps struct {
	records      record.Store
	tickets      ticket.Store
	orchestrator *ticket.Orchestrator
	scheduler    *scheduler.TaskRunner

	// metricsHandler serves /metrics in scrape mode.
	metricsHandler http.Handler
	// push is set in push mode and flushed by the stats task.
	push *metrics.PushRegistry

	closers []func() error
}

func (d *deps) close() error {
	var firstErr error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func buildDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger, svc jobclient.Service) (_ *deps, err error) {
	d := &deps{}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	reg, err := d.buildMetrics(cfg)
	if err != nil {
		return nil, err
	}
	engine, err := metrics.NewEngine(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	if d.records, err = d.buildRecords(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if d.tickets, err = d.buildTickets(ctx, cfg); err != nil {
		return nil, err
	}

	if svc == nil {
		if svc, err = buildJobService(cfg, logger); err != nil {
			return nil, err
		}
	}
	rtOpts := []jobrun.Option{
		jobrun.WithMetrics(engine),
		jobrun.WithCacheTTL(cfg.Polling.CacheTTL),
	}
	if cfg.Archive.Enabled {
		archiver, err := logarchive.NewMinioArchiver(ctx, cfg.Archive.Config, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create log archiver: %w", err)
		}
		rtOpts = append(rtOpts, jobrun.WithArchiver(archiver))
	}
	runtime := jobrun.NewRuntime(svc, logger, rtOpts...)

	registry := ticket.NewRegistry()
	if err := workflows.Register(registry, workflows.Params{
		Runtime:      runtime,
		Logger:       logger,
		FastInterval: cfg.Polling.FastInterval,
		SlowInterval: cfg.Polling.SlowInterval,
		JobTimeout:   cfg.Polling.JobTimeout,
	}); err != nil {
		return nil, fmt.Errorf("failed to register workflows: %w", err)
	}

	executor := pipeline.NewExecutor(d.records, logger, pipeline.WithMetrics(engine))
	d.orchestrator = ticket.NewOrchestrator(d.tickets, registry, executor, logger,
		ticket.WithMetrics(engine),
		ticket.WithAllocator(resource.NewPoolAllocator(cfg.Resources.Pools)),
	)

	d.scheduler, err = scheduler.NewTaskRunner(cfg.Scheduler.Spec, d.tasks(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return d, nil
}

func (d *deps) buildMetrics(cfg *config.Config) (metrics.Registry, error) {
	m := cfg.Monitoring
	if m.Mode == "push" {
		d.push = metrics.NewPushRegistry(metrics.PushConfig{
			URL:      m.PushURL,
			Prefix:   m.MetricsPrefix,
			Job:      m.JobName,
			Instance: m.Instance,
		})
		return d.push, nil
	}

	reg, err := metrics.NewScrapeRegistry(m.MetricsPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics registry: %w", err)
	}
	d.metricsHandler = reg.Handler()
	return reg, nil
}

func (d *deps) buildRecords(ctx context.Context, cfg *config.Config, logger *slog.Logger) (record.Store, error) {
	switch cfg.Records.Backend {
	case "disk":
		s, err := record.NewDiskStore(cfg.Records.Dir, cfg.Records.MaxCount, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open record store: %w", err)
		}
		return s, nil
	case "redis":
		s := record.NewRedisStore(cfg.Redis, logger)
		d.closers = append(d.closers, s.Close)
		if err := s.Ping(ctx); err != nil {
			return nil, fmt.Errorf("failed to reach redis: %w", err)
		}
		return s, nil
	default:
		return record.NewMemoryStore(), nil
	}
}

func (d *deps) buildTickets(ctx context.Context, cfg *config.Config) (ticket.Store, error) {
	var (
		s   *sqlstore.Store
		err error
	)
	switch cfg.Tickets.Backend {
	case "sqlite":
		s, err = sqlstore.OpenSQLite(ctx, cfg.SQLite.Path)
	case "postgres":
		s, err = sqlstore.OpenPostgres(ctx, cfg.Postgres)
	default:
		return ticket.NewMemoryStore(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open ticket store: %w", err)
	}
	d.closers = append(d.closers, s.Close)
	return s, nil
}

func buildJobService(cfg *config.Config, logger *slog.Logger) (jobclient.Service, error) {
	if cfg.JobService.Backend == "ssh" {
		return sshjob.New(&sshjob.SSHRunner{Config: cfg.SSH.Config, Port: cfg.SSH.Port}, logger), nil
	}
	c, err := jobclient.New(cfg.JobService.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to create job service client: %w", err)
	}
	return c, nil
}

// tasks are the periodic tasks the scheduler spec may name.
func (d *deps) tasks() map[string]scheduler.Task {
	return map[string]scheduler.Task{
		"timers": scheduler.TaskFunc(func(ctx context.Context) error {
			_, err := d.orchestrator.FireDueTimers(ctx, time.Now())
			return err
		}),
		"stats": scheduler.TaskFunc(func(ctx context.Context) error {
			if err := d.orchestrator.ReportStats(ctx); err != nil {
				return err
			}
			if d.push != nil {
				return d.push.Flush(ctx)
			}
			return nil
		}),
	}
}
