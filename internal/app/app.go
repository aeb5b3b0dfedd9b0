// Package app assembles the monitor from its configuration and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/baikalmedia/tourism-monitor/internal/api"
	gcsarchive "github.com/baikalmedia/tourism-monitor/internal/archive/gcs"
	localarchive "github.com/baikalmedia/tourism-monitor/internal/archive/local"
	memoryarchive "github.com/baikalmedia/tourism-monitor/internal/archive/memory"
	"github.com/baikalmedia/tourism-monitor/internal/classify"
	"github.com/baikalmedia/tourism-monitor/internal/clock/system"
	"github.com/baikalmedia/tourism-monitor/internal/config"
	"github.com/baikalmedia/tourism-monitor/internal/dispatcher"
	"github.com/baikalmedia/tourism-monitor/internal/filter"
	"github.com/baikalmedia/tourism-monitor/internal/hash/sha256"
	"github.com/baikalmedia/tourism-monitor/internal/id/uuid"
	"github.com/baikalmedia/tourism-monitor/internal/logging"
	"github.com/baikalmedia/tourism-monitor/internal/metrics"
	"github.com/baikalmedia/tourism-monitor/internal/monitor"
	"github.com/baikalmedia/tourism-monitor/internal/parser"
	"github.com/baikalmedia/tourism-monitor/internal/parser/news"
	"github.com/baikalmedia/tourism-monitor/internal/parser/telegram"
	"github.com/baikalmedia/tourism-monitor/internal/parser/vk"
	"github.com/baikalmedia/tourism-monitor/internal/pipeline"
	"github.com/baikalmedia/tourism-monitor/internal/policy/ratelimit"
	"github.com/baikalmedia/tourism-monitor/internal/progress"
	progresssinks "github.com/baikalmedia/tourism-monitor/internal/progress/sinks"
	memorypublisher "github.com/baikalmedia/tourism-monitor/internal/publisher/memory"
	gcppublisher "github.com/baikalmedia/tourism-monitor/internal/publisher/pubsub"
	queueMemory "github.com/baikalmedia/tourism-monitor/internal/queue/memory"
	"github.com/baikalmedia/tourism-monitor/internal/render"
	memorystore "github.com/baikalmedia/tourism-monitor/internal/storage/memory"
	pgstore "github.com/baikalmedia/tourism-monitor/internal/storage/postgres"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// renderMarkers are fingerprints of JS rendered shells. Seeing one in a
// statically fetched page promotes it to the headless renderer.
var renderMarkers = []string{
	"__NUXT__",
	"__NEXT_DATA__",
	"window.__INITIAL_STATE__",
	"data-reactroot",
}

// renderMinHTMLBytes is the body size below which a static fetch is
// considered an empty JS shell.
const renderMinHTMLBytes = 2048

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	apiServer *api.Server
	runner    *pipeline.Runner
	dispatch  *dispatcher.Dispatcher

	hub          *progress.Hub
	queue        *queueMemory.Queue
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	gcsClient    *storage.Client
	db           *pgstore.Store
	renderer     *render.ChromedpRenderer
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg config.Config, logger *zap.Logger) (*App, error) {
	// Log only non-sensitive config fields; DSNs and tokens stay out.
	type SanitizedConfig struct {
		ServerPort     int    `json:"server_port"`
		StorageBackend string `json:"storage_backend"`
		ArchiveBackend string `json:"archive_backend"`
		ReportBackend  string `json:"report_backend"`
		Sources        int    `json:"sources"`
		Workers        int    `json:"workers"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:     cfg.Server.Port,
		StorageBackend: cfg.Storage.Backend,
		ArchiveBackend: cfg.Archive.Backend,
		ReportBackend:  cfg.Report.Backend,
		Sources:        len(cfg.Sources),
		Workers:        cfg.Pipeline.Workers,
	}
	logger.Info("creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Run starts the HTTP server and worker pool and blocks until the
// context is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Pipeline.Workers))
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// RunOnce harvests every configured source a single time and returns a
// non-nil error when the run fails. Used by cron style deployments that
// do not keep the HTTP server around.
func (a *App) RunOnce(ctx context.Context) error {
	a.logger.Info("single run started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.dispatch.Run(workCtx)
	}()

	report, err := a.runner.Execute(ctx)
	cancel()
	<-done

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if closeErr := a.Close(shutdownCtx); closeErr != nil {
		a.logger.Warn("close failed", zap.Error(closeErr))
	}

	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}
	a.logger.Info("single run finished",
		zap.String("run_id", report.RunID),
		zap.String("status", string(report.Status)),
		zap.Int64("fetched", report.Totals.Fetched),
		zap.Int64("accepted", report.Totals.Accepted),
	)
	if report.Status == monitor.RunFailed {
		return fmt.Errorf("run %s failed", report.RunID)
	}
	return nil
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability()
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.renderer != nil {
		if err := a.renderer.Close(); err != nil {
			a.logger.Warn("renderer close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}

func (a *App) closeObservability() {
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	app.logger.Info("building application dependencies")

	store, runs, pinger, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}

	archive, err := setupArchive(ctx, app)
	if err != nil {
		return nil, err
	}

	reports, err := setupReports(ctx, app)
	if err != nil {
		return nil, err
	}

	hub, err := setupProgress(ctx, app)
	if err != nil {
		return nil, err
	}

	app.runner, err = setupPipeline(app, store, runs, archive, reports, hub)
	if err != nil {
		return nil, err
	}

	app.dispatch = dispatcher.New(app.queue, app.runner, cfg.Pipeline.Workers, logger.Named("dispatcher"))
	app.apiServer = api.NewServer(app.runner, runs, pinger, cfg, logger.Named("api"))

	return app, nil
}

func setupStorage(ctx context.Context, app *App) (monitor.Store, monitor.RunStore, api.Pinger, error) {
	switch app.cfg.Storage.Backend {
	case "postgres":
		app.logger.Info("using postgres storage backend")
		st, err := pgstore.New(ctx, pgstore.Config{
			DSN:             app.cfg.Storage.DSN,
			MaxConns:        app.cfg.Storage.MaxConns,
			MinConns:        app.cfg.Storage.MinConns,
			MaxConnLifetime: app.cfg.Storage.ConnLifetime(),
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		if err := st.Bootstrap(ctx); err != nil {
			st.Close()
			return nil, nil, nil, fmt.Errorf("postgres schema bootstrap failed: %w", err)
		}
		app.db = st
		return st, st, st, nil
	default:
		app.logger.Info("using in-memory storage backend")
		mem := memorystore.NewStore()
		return mem, mem, nil, nil
	}
}

func setupArchive(ctx context.Context, app *App) (monitor.BlobStore, error) {
	switch app.cfg.Archive.Backend {
	case "gcs":
		app.logger.Info("using GCS page archive", zap.String("bucket", app.cfg.Archive.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.gcsClient = client
		blob, err := gcsarchive.New(client, gcsarchive.Config{
			Bucket: app.cfg.Archive.Bucket,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		return blob, nil
	case "local":
		app.logger.Info("using local page archive", zap.String("path", app.cfg.Archive.BaseDir))
		blob, err := localarchive.New(localarchive.Config{BaseDir: app.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		return blob, nil
	case "memory":
		app.logger.Info("using in-memory page archive")
		return memoryarchive.New(), nil
	default:
		app.logger.Info("page archiving disabled")
		return nil, nil
	}
}

func setupReports(ctx context.Context, app *App) (monitor.Publisher, error) {
	switch app.cfg.Report.Backend {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, app.cfg.Report.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		app.pubsubClient = client
		pub, err := gcppublisher.New(client)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		app.publisher = pub
		app.logger.Info("report publisher initialized",
			zap.String("project", app.cfg.Report.ProjectID),
			zap.String("topic", app.cfg.Report.Topic),
		)
		return pub, nil
	case "memory":
		app.logger.Info("using in-memory report publisher")
		return memorypublisher.New(), nil
	default:
		app.logger.Info("report publishing disabled")
		return nil, nil
	}
}

func setupProgress(ctx context.Context, app *App) (*progress.Hub, error) {
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	hubCfg := progress.Config{
		BaseContext: ctx,
		Logger:      app.logger.Named("progress_hub"),
	}
	app.hub = progress.NewHub(hubCfg,
		progresssinks.NewLogSink(app.logger.Named("progress_log")),
		promSink,
	)
	return app.hub, nil
}

func setupPipeline(
	app *App,
	store monitor.Store,
	runs monitor.RunStore,
	archive monitor.BlobStore,
	reports monitor.Publisher,
	hub pipeline.Emitter,
) (*pipeline.Runner, error) {
	gate := filter.New(app.cfg.Keywords.Include, app.cfg.Keywords.Exclude)

	scorer, err := classify.NewScorer(classify.ScorerSettings{
		Backend:     app.cfg.Classifier.Backend,
		Endpoint:    app.cfg.Classifier.Endpoint,
		Model:       app.cfg.Classifier.Model,
		BatchSize:   app.cfg.Classifier.BatchSize,
		Timeout:     app.cfg.Classifier.Timeout(),
		WeightsPath: app.cfg.Classifier.WeightsPath,
	})
	if err != nil {
		return nil, fmt.Errorf("scorer init failed: %w", err)
	}
	app.logger.Info("relevance scorer initialized", zap.String("backend", app.cfg.Classifier.Backend))

	judge, err := classify.NewJudge(classify.JudgeSettings{
		Mode:           app.cfg.Comments.Judge,
		Endpoint:       app.cfg.Comments.Endpoint,
		Model:          app.cfg.Comments.Model,
		Timeout:        app.cfg.Comments.Timeout(),
		RelevantTerms:  app.cfg.Comments.RelevantTerms,
		PoliticalTerms: app.cfg.Comments.PoliticalTerms,
		ProfaneTerms:   app.cfg.Comments.ProfaneTerms,
	})
	if err != nil {
		return nil, fmt.Errorf("comment judge init failed: %w", err)
	}

	registry, err := setupParsers(app, archive)
	if err != nil {
		return nil, err
	}

	app.queue = queueMemory.NewQueue(app.cfg.Pipeline.QueueDepth)
	retry := monitor.NewExponentialRetryPolicy(
		app.cfg.Pipeline.RetryMaxAttempts,
		app.cfg.Pipeline.RetryBase(),
		app.cfg.Pipeline.RetryMax(),
	)

	return pipeline.New(
		pipeline.Config{
			Threshold: app.cfg.Pipeline.Threshold,
			Topic:     app.cfg.Report.Topic,
		},
		app.cfg.SourceList(),
		pipeline.Deps{
			Registry: registry,
			Gate:     gate,
			Scorer:   scorer,
			Judge:    judge,
			Store:    store,
			Runs:     runs,
			Queue:    app.queue,
			Retry:    retry,
			IDs:      uuid.New(),
			Clock:    system.New(),
			Hub:      hub,
			Reports:  reports,
		},
		app.logger.Named("pipeline"),
	)
}

func setupParsers(app *App, archive monitor.BlobStore) (*parser.Registry, error) {
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   app.cfg.News.PerHostRPS,
		DefaultBurst: app.cfg.News.PerHostBurst,
	})
	clock := system.New()

	var renderer monitor.Renderer
	var detect monitor.RenderDetector
	if app.cfg.Render.Enabled {
		chromium, err := render.NewChromedpRenderer(render.Config{
			UserAgent:      app.cfg.News.UserAgent,
			MaxConcurrency: app.cfg.Render.MaxParallel,
			Timeout:        app.cfg.Render.NavTimeout(),
		}, app.logger.Named("render"))
		if err != nil {
			app.logger.Warn("headless renderer init failed, continuing without", zap.Error(err))
		} else {
			app.renderer = chromium
			renderer = chromium
			detect = render.NewHeuristicDetector(renderMinHTMLBytes, nil, renderMarkers)
			app.logger.Info("headless rendering enabled", zap.Int("max_parallel", app.cfg.Render.MaxParallel))
		}
	}

	loc, err := time.LoadLocation(app.cfg.News.Timezone)
	if err != nil {
		app.logger.Warn("unknown timezone, dates will parse as UTC",
			zap.String("timezone", app.cfg.News.Timezone), zap.Error(err))
		loc = nil
	}

	newsParser, err := news.New(news.Config{
		UserAgent:          app.cfg.News.UserAgent,
		Timeout:            app.cfg.News.Timeout(),
		MaxArticles:        app.cfg.News.MaxArticles,
		MinBodyRunes:       app.cfg.News.MinBodyRunes,
		RespectRobots:      app.cfg.News.RespectRobots,
		ForbiddenThreshold: app.cfg.News.ForbiddenThreshold,
		BlockedHosts:       app.cfg.News.BlockedHosts,
		ArchivePrefix:      app.cfg.Archive.Prefix,
		Location:           loc,
	}, app.logger.Named("news"), news.Deps{
		Limiter:  limiter,
		Robots:   news.NewRobotsPolicy(app.cfg.News.RespectRobots, app.cfg.News.UserAgent, app.logger.Named("robots")),
		Renderer: renderer,
		Detector: detect,
		Hasher:   sha256.New(),
		Archive:  archive,
		Clock:    clock,
	})
	if err != nil {
		return nil, fmt.Errorf("news parser init failed: %w", err)
	}

	registry := parser.NewRegistry()
	registry.Register(monitor.SourceNews, newsParser)

	if app.cfg.VK.Token != "" {
		vkParser, err := vk.New(vk.Config{
			APIBase:         app.cfg.VK.APIBase,
			Token:           app.cfg.VK.Token,
			Version:         app.cfg.VK.Version,
			PageSize:        app.cfg.VK.PageSize,
			MaxPages:        app.cfg.VK.MaxPages,
			CommentPageSize: app.cfg.VK.CommentPageSize,
			MinBodyRunes:    app.cfg.VK.MinBodyRunes,
			MinCommentRunes: app.cfg.VK.MinCommentRunes,
			Timeout:         app.cfg.VK.Timeout(),
			RetryPause:      app.cfg.VK.RetryPause(),
			ArchivePrefix:   app.cfg.Archive.Prefix,
		}, app.logger.Named("vk"), vk.Deps{
			Limiter: limiter,
			Archive: archive,
			Clock:   clock,
		})
		if err != nil {
			return nil, fmt.Errorf("vk parser init failed: %w", err)
		}
		registry.Register(monitor.SourceSocial, vkParser)
	} else {
		app.logger.Info("vk parser disabled, no access token configured")
	}

	tgParser := telegram.New(telegram.Config{
		BaseURL:       app.cfg.Telegram.BaseURL,
		UserAgent:     app.cfg.Telegram.UserAgent,
		Timeout:       app.cfg.Telegram.Timeout(),
		MaxPages:      app.cfg.Telegram.MaxPages,
		MinBodyRunes:  app.cfg.Telegram.MinBodyRunes,
		ArchivePrefix: app.cfg.Archive.Prefix,
	}, app.logger.Named("telegram"), telegram.Deps{
		Limiter: limiter,
		Archive: archive,
		Clock:   clock,
	})
	registry.Register(monitor.SourceMessaging, tgParser)

	return registry, nil
}
