package cli

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"kittybot/internal/commands"
	"kittybot/internal/config"
	"kittybot/internal/crypto"
	"kittybot/internal/gateway"
	"kittybot/internal/geo"
	"kittybot/internal/history"
	"kittybot/internal/metrics"
	"kittybot/internal/orchestrator"
	"kittybot/internal/plugins"
	"kittybot/internal/prompt"
	"kittybot/internal/providers/registry"
	"kittybot/internal/queue"
	"kittybot/internal/search"
	"kittybot/internal/secrets"
	"kittybot/internal/storage"
	"kittybot/internal/tokens"
	"kittybot/internal/worker"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot, the usage worker and the http server",
		Long: `Connect to the configured chat platform (PLATFORM=discord or telegram) and
answer messages until interrupted. The same process drains the usage stream,
rolls usage periods over on schedule and serves /healthz and /metrics.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

// app is everything a platform adapter needs to build the engine.
type app struct {
	cfg      *config.Config
	store    *storage.Store
	rdb      *redis.Client
	metrics  *metrics.Metrics
	commands *commands.Service
	dedupe   *queue.Deduplicator
	usage    *queue.StreamQueue
	engine   orchestrator.Config
}

// route is an extra handler mounted on the http server.
type route struct {
	path    string
	handler http.HandlerFunc
}

// runner is a started platform adapter.
type runner struct {
	run   func(ctx context.Context) error
	stop  func()
	route *route
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger(cmd, cfg.Log.Level)
	log.Info().
		Str("platform", cfg.Platform).
		Str("provider", cfg.Model.ProviderKind).
		Str("default_model", cfg.Model.DefaultModel).
		Msg("starting kittybot")

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, cleanup, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	var r runner
	switch cfg.Platform {
	case config.PlatformDiscord:
		r, err = startDiscord(a)
	case config.PlatformTelegram:
		r, err = startTelegram(ctx, a)
	default:
		err = config.ErrUnsupportedPlatform
	}
	if err != nil {
		return err
	}

	errCh := make(chan error, 4)
	if r.run != nil {
		go func() {
			if err := r.run(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("%s: %w", cfg.Platform, err)
			}
		}()
	}

	w := worker.New(worker.Config{
		Store:      a.store,
		Queue:      a.usage,
		MaxRetries: cfg.Worker.MaxRetries,
		Logger:     log.Logger,
		Metrics:    a.metrics,
	})
	go func() {
		if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("usage worker: %w", err)
		}
	}()
	log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("usage worker started")

	rollover, err := worker.NewRollover(a.store, cfg.Usage.RolloverSchedule, log.Logger)
	if err != nil {
		return err
	}
	go rollover.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.HTTP.HealthPath, func(w http.ResponseWriter, req *http.Request) {
		if err := a.store.Ping(req.Context()); err != nil {
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.HTTP.MetricsPath, promhttp.Handler())
	if r.route != nil {
		mux.HandleFunc(r.route.path, r.route.handler)
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Telegram.WebhookTimeout,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if r.stop != nil {
		r.stop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
	return runErr
}

// buildApp opens storage and redis and assembles every platform independent
// component. The returned cleanup closes both connections.
func buildApp(ctx context.Context, cfg *config.Config) (*app, func(), error) {
	httpClient := &http.Client{Timeout: cfg.HTTP.ClientTimeout}
	catalog := plugins.Default(search.NewGoogle(search.Config{HTTPClient: httpClient, Logger: log.Logger}))

	store, err := storage.Open(ctx, storeConfig(cfg, catalog))
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	cleanup := func() {
		_ = rdb.Close()
		_ = store.Close()
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}

	sealer, err := crypto.NewSealer(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("init sealer: %w", err)
	}
	vault := secrets.New(secrets.Config{Store: store, Sealer: sealer, Logger: log.Logger})

	m := metrics.Global()
	counter := tokens.NewCounter(tokens.Config{Logger: log.Logger})

	provider := registry.BuildOptions{
		Kind:         cfg.Model.ProviderKind,
		BaseURL:      cfg.Model.BaseURL,
		BodyTemplate: cfg.Model.BodyTemplate,
		HTTPClient:   httpClient,
	}
	model := gateway.New(gateway.Config{
		Factory:      registry.Factory(provider),
		StreamModels: cfg.Model.StreamModels,
		MaxTokens:    cfg.Model.MaxTokens,
		MaxAttempts:  cfg.Model.MaxAttempts,
		RetryDelay:   cfg.Model.RetryDelay,
		Logger:       log.Logger,
		Metrics:      m,
	})

	dispatcher := plugins.NewDispatcher(plugins.DispatcherConfig{
		Credentials: vault,
		Timeout:     cfg.HTTP.ClientTimeout,
		Logger:      log.Logger,
		Metrics:     m,
	})

	resolver, err := geo.NewResolver(geo.Config{
		APIKey:   cfg.Geo.APIKey,
		Redis:    rdb,
		CacheTTL: cfg.Geo.CacheTTL,
		Logger:   log.Logger,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("init geocoder: %w", err)
	}

	var limiter orchestrator.RateLimiter
	if cfg.Usage.RequestsPerHour > 0 {
		limiter = queue.NewRateLimiter(rdb, cfg.Usage.RequestsPerHour)
	}
	usageQueue := queue.NewStreamQueue(rdb, cfg.Redis.UsageStream, cfg.Redis.UsageGroup, cfg.Worker.ConsumerName, cfg.Redis.StreamBlock)
	if err := usageQueue.EnsureGroup(ctx); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("ensure usage group: %w", err)
	}

	cmds := commands.NewService(commands.Config{
		Store:       store,
		Vault:       vault,
		Catalog:     catalog,
		Plugins:     dispatcher,
		ValidateKey: registry.Validator(provider),
		Models:      tokens.KnownModels(),
		Logger:      log.Logger,
	})

	a := &app{
		cfg:      cfg,
		store:    store,
		rdb:      rdb,
		metrics:  m,
		commands: cmds,
		dedupe:   queue.NewDeduplicator(rdb, cfg.Redis.DedupeTTL),
		usage:    usageQueue,
		engine: orchestrator.Config{
			Settings:    store,
			Credentials: vault,
			Catalog:     catalog,
			Model:       model,
			Compressor: history.NewCompressor(history.Config{
				Model:                model,
				Counter:              counter,
				SummaryModel:         cfg.Model.CheapModel,
				MaxTokensToSummarize: cfg.History.MaxTokensToSummarize,
				MaxSummaryLength:     cfg.History.MaxSummaryLength,
				Logger:               log.Logger,
			}),
			Composer: prompt.NewComposer(prompt.Config{
				Resolver: resolver,
				Store:    store,
				Logger:   log.Logger,
			}),
			Dispatcher:        dispatcher,
			Counter:           counter,
			Limiter:           limiter,
			Usage:             usageQueue,
			CredentialKey:     secrets.KeyOpenAI,
			DefaultModel:      cfg.Model.DefaultModel,
			CheapModel:        cfg.Model.CheapModel,
			MessageMaxLength:  cfg.MessageMaxLength,
			HistoryFetchLimit: cfg.History.FetchLimit,
			MonthlyTokenLimit: cfg.Usage.MonthlyTokenLimit,
			TitleMaxLength:    cfg.Model.TitleMaxLength,
			Logger:            log.Logger,
			Metrics:           m,
		},
	}
	return a, cleanup, nil
}

// storeConfig enables every catalog plugin in channels nobody has configured.
func storeConfig(cfg *config.Config, catalog *plugins.Catalog) storage.Config {
	return storage.Config{
		Driver:         cfg.DB.Driver,
		DSN:            cfg.DB.DSN,
		AutoMigrate:    cfg.DB.AutoMigrate,
		DefaultPlugins: catalog.Names(),
	}
}
