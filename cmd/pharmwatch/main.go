package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"pharmwatch/internal/acquire"
	"pharmwatch/internal/analytics"
	"pharmwatch/internal/auth"
	"pharmwatch/internal/browser"
	"pharmwatch/internal/cache"
	"pharmwatch/internal/config"
	"pharmwatch/internal/errs"
	"pharmwatch/internal/metrics"
	"pharmwatch/internal/models"
	"pharmwatch/internal/monitor"
	"pharmwatch/internal/ratelimit"
	"pharmwatch/internal/sched"
	"pharmwatch/internal/store"
	"pharmwatch/internal/upstream"

	httpapi "pharmwatch/internal/interfaces/http"
)

const (
	appName = "pharmwatch"
	version = "v1.2.0"
)

// Process exit codes.
const (
	exitOK     = 0
	exitConfig = 2
	exitAuth   = 3
	exitSchema = 4
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var configPath string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Wholesale pharmaceutical price discovery",
		Version: version,
		Long: `pharmwatch acquires wholesale drug prices from the upstream marketplace
through its JSON endpoints and, when those fall short, a headless
browser; normalizes and classifies the products; and serves comparison,
history and recommendation views over the stored price corpus.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config (optional; env vars override)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the operator API and scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, configPath)
		},
	}
	serveCmd.Flags().Bool("watch-loop", true, "Periodically crawl due watch-list keywords")

	crawlCmd := &cobra.Command{
		Use:   "crawl <keyword>",
		Short: "Crawl one keyword and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd, configPath, args[0])
		},
	}
	crawlCmd.Flags().Bool("force-browser", false, "Run the browser pass even when endpoint coverage suffices")
	crawlCmd.Flags().Bool("endpoint-only", false, "Skip the browser pass entirely")

	batchCmd := &cobra.Command{
		Use:   "batch <keyword> [keyword...]",
		Short: "Crawl a keyword set with the scheduler and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, configPath, args)
		},
	}
	batchCmd.Flags().String("name", "cli batch", "Task name")

	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Create or update the database schema",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runSchema(configPath)
		},
	}

	rootCmd.AddCommand(serveCmd, crawlCmd, batchCmd, schemaCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("fatal")
		os.Exit(exitCode(err))
	}
	os.Exit(exitOK)
}

// exitCode maps failure classes onto the documented process codes.
func exitCode(err error) int {
	var authErr *errs.AuthError
	switch {
	case errors.As(err, &authErr):
		return exitAuth
	case strings.Contains(err.Error(), "schema"):
		return exitSchema
	case strings.Contains(err.Error(), "config") || strings.Contains(err.Error(), "database_url"):
		return exitConfig
	}
	return 1
}

// app is the composed object graph shared by the subcommands.
type app struct {
	cfg       config.Config
	store     *store.Store
	broker    *auth.Broker
	pipeline  *acquire.Pipeline
	scheduler *sched.Scheduler
	analytics *analytics.Service
	metrics   *metrics.Set
	cache     *cache.Cache
	limiter   *ratelimit.Limiter
}

func buildApp(ctx context.Context, configPath string, withBrowser bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if lvl, lerr := zerolog.ParseLevel(cfg.LogLevel); lerr == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	st, err := store.Open(ctx, cfg.DatabaseURL, 10*time.Second)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("schema: %w", err)
	}

	broker := auth.NewBroker(auth.Config{
		BaseURL:   cfg.Upstream.BaseURL,
		Phone:     cfg.Upstream.Phone,
		Password:  cfg.Upstream.Password,
		CachePath: cfg.TokenCachePath,
	})

	m := metrics.New()

	limiter := ratelimit.NewLimiter(cfg.Upstream.RateLimitRPS, 0)
	client, err := upstream.NewClient(upstream.Config{
		BaseURL:      cfg.Upstream.BaseURL,
		RateLimitRPS: cfg.Upstream.RateLimitRPS,
	}, broker, limiter, m)
	if err != nil {
		st.Close()
		return nil, err
	}

	var (
		harvester *browser.Harvester
		detailer  acquire.Detailer
	)
	if withBrowser {
		harvester, err = browser.NewHarvester(browser.Config{
			BaseURL:     cfg.Upstream.BaseURL,
			Headless:    true,
			MaxSessions: cfg.Scheduler.BrowserConcurrency,
		}, broker, m)
		if err != nil {
			st.Close()
			return nil, err
		}
		detailer = detailSource{h: harvester}
	}

	redisCache := cache.New(cfg.RedisAddr)
	annotator := store.NewAnnotator(st, m)
	alerter := monitor.NewEvaluator(st)
	analyticsSvc := analytics.NewService(st.Drugs, redisCache)

	orch := acquire.NewOrchestrator(acquire.Config{
		MinProviders: cfg.Scheduler.MinProviders,
	}, client, browserOrNil(harvester))
	ingester := acquire.NewIngester(st.Drugs, annotator, alerter, detailer, analyticsSvc, m)
	pipeline := &acquire.Pipeline{Orch: orch, Ing: ingester}

	scheduler := sched.New(sched.Config{
		Concurrency: cfg.Scheduler.Concurrency,
	}, pipeline, st.Tasks, st.Watch, m)

	return &app{
		cfg:       cfg,
		store:     st,
		broker:    broker,
		pipeline:  pipeline,
		scheduler: scheduler,
		analytics: analyticsSvc,
		metrics:   m,
		cache:     redisCache,
		limiter:   limiter,
	}, nil
}

func (a *app) close() {
	a.cache.Close()
	a.store.Close()
}

// browserOrNil keeps the nil interface nil so the orchestrator can
// detect a disabled browser pass.
func browserOrNil(h *browser.Harvester) acquire.Harvester {
	if h == nil {
		return nil
	}
	return h
}

// detailSource adapts the harvester's detail extraction to the ingester.
type detailSource struct {
	h *browser.Harvester
}

func (d detailSource) ExtractDetail(ctx context.Context, upstreamID int64) (string, error) {
	det, err := d.h.ExtractDetail(ctx, upstreamID)
	return det.ApprovalNumber, err
}

func runServe(cmd *cobra.Command, configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, configPath, true)
	if err != nil {
		return err
	}
	defer a.close()

	// Fail fast when credentials are configured but rejected.
	if a.cfg.Upstream.Phone != "" {
		if _, err := a.broker.Get(ctx); err != nil {
			return err
		}
	}

	serverCfg := httpapi.DefaultServerConfig()
	serverCfg.Host = a.cfg.HTTP.Host
	serverCfg.Port = a.cfg.HTTP.Port
	server, err := httpapi.NewServer(serverCfg, httpapi.Deps{
		Pipeline:  a.pipeline,
		Store:     a.store,
		Analytics: a.analytics,
		Scheduler: a.scheduler,
		Metrics:   a.metrics,
		Limiter:   a.limiter,
	})
	if err != nil {
		return err
	}

	if loop, _ := cmd.Flags().GetBool("watch-loop"); loop {
		go a.scheduler.RunWatchLoop(ctx, 10*time.Minute, 6*time.Hour)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runCrawl(cmd *cobra.Command, configPath, keyword string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	endpointOnly, _ := cmd.Flags().GetBool("endpoint-only")
	forceBrowser, _ := cmd.Flags().GetBool("force-browser")

	a, err := buildApp(ctx, configPath, !endpointOnly)
	if err != nil {
		return err
	}
	defer a.close()

	var res acquire.Result
	if endpointOnly {
		res, err = a.pipeline.Orch.AcquireEndpoint(ctx, keyword)
	} else {
		res, err = a.pipeline.Orch.Acquire(ctx, keyword, forceBrowser)
	}
	if err != nil {
		return err
	}
	persisted, err := a.pipeline.Ing.Ingest(ctx, res)
	if err != nil {
		return err
	}
	log.Info().
		Str("keyword", keyword).
		Int("suppliers", len(res.Suppliers)).
		Int("offers", len(res.Offers)).
		Int("persisted", persisted).
		Bool("used_browser", res.UsedBrowser).
		Msg("crawl complete")
	return nil
}

func runBatch(cmd *cobra.Command, configPath string, keywords []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, configPath, true)
	if err != nil {
		return err
	}
	defer a.close()

	name, _ := cmd.Flags().GetString("name")
	task, err := a.store.Tasks.Create(ctx, name, keywords)
	if err != nil {
		return err
	}
	events, unsubscribe := a.scheduler.Subscribe(task.ID)
	defer unsubscribe()

	if err := a.scheduler.Start(ctx, task); err != nil {
		return err
	}
	log.Info().Int64("task_id", task.ID).Int("keywords", task.TotalKeywords).Msg("batch started")

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.scheduler.Cancel(task.ID)
			return ctx.Err()
		case ev := <-events:
			log.Info().Str("keyword", ev.Keyword).Bool("ok", ev.OK).Int("items", ev.Items).Msg("keyword done")
		case <-ticker.C:
			snap, err := a.store.Tasks.Get(ctx, task.ID)
			if err != nil {
				return err
			}
			if snap != nil && snap.Status.Terminal() {
				log.Info().
					Str("status", string(snap.Status)).
					Int("completed", snap.CompletedKeywords).
					Int("failed", snap.FailedKeywords).
					Int("items", snap.TotalItems).
					Msg("batch finished")
				if snap.Status == models.TaskFailed {
					return fmt.Errorf("batch task %d failed", task.ID)
				}
				return nil
			}
		}
	}
}

func runSchema(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	st, err := store.Open(ctx, cfg.DatabaseURL, 10*time.Second)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	log.Info().Msg("schema up to date")
	return nil
}
