// Package app wires the gateway together: config, logging, the routing core,
// provider adapters, persistence, and the HTTP surface.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	enumspb "go.temporal.io/api/enums/v1"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/smartrouter/smartrouter/internal/apikey"
	"github.com/smartrouter/smartrouter/internal/blacklist"
	"github.com/smartrouter/smartrouter/internal/circuitbreaker"
	"github.com/smartrouter/smartrouter/internal/cost"
	"github.com/smartrouter/smartrouter/internal/discovery"
	"github.com/smartrouter/smartrouter/internal/events"
	"github.com/smartrouter/smartrouter/internal/health"
	"github.com/smartrouter/smartrouter/internal/httpapi"
	"github.com/smartrouter/smartrouter/internal/idempotency"
	"github.com/smartrouter/smartrouter/internal/logging"
	"github.com/smartrouter/smartrouter/internal/metrics"
	"github.com/smartrouter/smartrouter/internal/pricing"
	"github.com/smartrouter/smartrouter/internal/providers"
	"github.com/smartrouter/smartrouter/internal/providers/anthropic"
	"github.com/smartrouter/smartrouter/internal/providers/gemini"
	"github.com/smartrouter/smartrouter/internal/providers/local"
	"github.com/smartrouter/smartrouter/internal/providers/openai"
	"github.com/smartrouter/smartrouter/internal/ratelimit"
	"github.com/smartrouter/smartrouter/internal/routecache"
	"github.com/smartrouter/smartrouter/internal/router"
	"github.com/smartrouter/smartrouter/internal/stats"
	"github.com/smartrouter/smartrouter/internal/store"
	"github.com/smartrouter/smartrouter/internal/temporal"
	"github.com/smartrouter/smartrouter/internal/tracing"
	"github.com/smartrouter/smartrouter/internal/tsdb"
	"github.com/smartrouter/smartrouter/internal/vault"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

type Server struct {
	cfg    Config
	r      *chi.Mux
	logger *slog.Logger

	registry  *router.Registry
	cache     *routecache.Cache
	blacklist *blacklist.Manager
	tracker   *health.Tracker
	prober    *health.Prober
	finder    *router.Finder
	engine    *router.Engine
	estimator *cost.Estimator
	pricing   *pricing.Store
	discovery *discovery.Service
	adapters  map[string]router.Adapter

	bus     *events.Bus
	metrics *metrics.Registry
	stats   *stats.Collector

	store *store.SQLiteStore
	tsdb  *tsdb.Store
	vault *vault.Vault

	limiter *ratelimit.Limiter
	idem    *idempotency.Cache

	temporal *temporal.Manager
	breaker  *circuitbreaker.Breaker

	tracingShutdown func(context.Context) error
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	tracingShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.TracingEnabled,
		Endpoint:    cfg.TracingEndpoint,
		ServiceName: "smartrouter",
	})
	if err != nil {
		return nil, err
	}

	db, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))

	bus := events.NewBus()
	m := metrics.New()

	ts, err := tsdb.New(db.DB())
	if err != nil {
		db.Close()
		return nil, err
	}

	registry := router.NewRegistry()
	cc, err := LoadChannelsFile(cfg.ChannelsFile)
	if err != nil {
		db.Close()
		return nil, err
	}
	registry.SetProviders(cc.Providers)
	registry.SetChannels(cc.Channels)
	logger.Info("channel pool loaded",
		slog.String("file", cfg.ChannelsFile),
		slog.Int("providers", len(cc.Providers)),
		slog.Int("channels", len(cc.Channels)))

	cache := routecache.New(time.Duration(cfg.CacheTTLSecs)*time.Second, cfg.CacheMaxEntries, 0)

	bl := blacklist.NewManager(blacklist.DefaultConfig(), logger,
		blacklist.WithEventBus(bus),
		blacklist.WithChannelBlockHook(func(channelID string) {
			cache.InvalidateChannel(channelID)
		}),
	)

	tracker := health.NewTracker(health.DefaultConfig(), health.WithEventBus(bus))

	pstore, err := pricing.NewStore(logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	scorer := router.NewScorer(tracker, pstore)
	finder := router.NewFinder(registry, cache, bl, scorer, logger)
	finder.SetDefaultStrategy(cfg.DefaultStrategy)
	if rc, err := db.LoadRoutingConfig(context.Background()); err == nil && rc.DefaultStrategy != "" {
		finder.SetDefaultStrategy(rc.DefaultStrategy)
	}

	httpClient := providers.NewHTTPClient(time.Duration(cfg.ProviderTimeoutSecs) * time.Second)
	httpClient.Transport = tracing.HTTPTransport(httpClient.Transport)

	// Streams get a client without a Timeout: http.Client.Timeout bounds the
	// whole exchange including the body read, which would sever any SSE
	// stream outliving ProviderTimeoutSecs. The request context governs.
	streamClient := providers.NewHTTPClient(0)
	streamClient.Transport = tracing.HTTPTransport(streamClient.Transport)

	adapters := map[string]router.Adapter{
		"openai":    openai.New(registry, openai.WithHTTPClient(httpClient), openai.WithStreamHTTPClient(streamClient)),
		"anthropic": anthropic.New(registry, anthropic.WithHTTPClient(httpClient), anthropic.WithStreamHTTPClient(streamClient)),
		"gemini":    gemini.New(registry, gemini.WithHTTPClient(httpClient), gemini.WithStreamHTTPClient(streamClient)),
		"local":     local.New(registry, local.WithHTTPClient(httpClient), local.WithStreamHTTPClient(streamClient)),
	}

	engine := router.NewEngine(registry, finder, bl, tracker, adapters, logger,
		router.WithMaxAttempts(cfg.MaxAttempts),
		router.WithEngineEventBus(bus),
	)

	estOpts := []cost.Option{}
	if cfg.Tokenizer == "exact" {
		estOpts = append(estOpts, cost.WithExactTokenizer())
	}
	estimator := cost.NewEstimator(pstore, estOpts...)

	discOpts := []discovery.Option{
		discovery.WithInterval(time.Duration(cfg.DiscoveryIntervalSecs) * time.Second),
		discovery.WithWorkers(cfg.DiscoveryWorkers),
		discovery.WithEventBus(bus),
	}
	if cfg.DiscoveryCacheDir != "" {
		discOpts = append(discOpts, discovery.WithCacheDir(cfg.DiscoveryCacheDir))
	}
	disc := discovery.New(registry, pstore, adapters, logger, discOpts...)

	prober := health.NewProber(health.DefaultProberConfig(), tracker, probeTargets(registry), logger)
	prober.OnRecover(func(channelID string) {
		// A reachable upstream lifts channel-wide credential blocks.
		if n := bl.ClearChannel(channelID); n > 0 {
			logger.Info("blacklist lifted after recovery", slog.String("channel", channelID), slog.Int("cleared", n))
		}
		cache.InvalidateChannel(channelID)
	})

	v, err := vault.New(cfg.VaultEnabled)
	if err != nil {
		db.Close()
		return nil, err
	}

	keyMgr := apikey.NewManager(db)
	budget := apikey.NewBudgetChecker(db)

	adminToken, err := httpapi.NewAdminTokenHolder(cfg.AdminToken, cfg.DBDSN, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	collector := stats.NewCollector()
	seedStats(context.Background(), db, collector, logger)

	limiter := ratelimit.New(float64(cfg.RateLimitRPS), cfg.RateLimitBurst,
		ratelimit.WithCounter(m.RateLimited))
	idem := idempotency.New(time.Duration(cfg.IdempotencyTTLSecs)*time.Second, 10000)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(tracing.Middleware())
	r.Use(limiter.Middleware)
	r.Use(idempotency.Middleware(idem))

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "x-api-key", "x-goog-api-key", "Idempotency-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s := &Server{
		cfg:             cfg,
		r:               r,
		logger:          logger,
		registry:        registry,
		cache:           cache,
		blacklist:       bl,
		tracker:         tracker,
		prober:          prober,
		finder:          finder,
		engine:          engine,
		estimator:       estimator,
		pricing:         pstore,
		discovery:       disc,
		adapters:        adapters,
		bus:             bus,
		metrics:         m,
		stats:           collector,
		store:           db,
		tsdb:            ts,
		vault:           v,
		limiter:         limiter,
		idem:            idem,
		breaker:         circuitbreaker.New(),
		tracingShutdown: tracingShutdown,
	}

	deps := httpapi.Dependencies{
		Registry:   registry,
		Finder:     finder,
		Engine:     engine,
		Blacklist:  bl,
		Health:     tracker,
		Cache:      cache,
		Estimator:  estimator,
		Discovery:  disc,
		Metrics:    m,
		Store:      db,
		Stats:      collector,
		TSDB:       ts,
		EventBus:   bus,
		Vault:      v,
		Logger:     logger,
		Version:    Version,
		APIToken:   cfg.APIToken,
		APIKeyMgr:  keyMgr,
		Budget:     budget,
		AdminToken: adminToken,
	}

	if cfg.TemporalEnabled {
		acts := temporal.NewActivities(disc, registry, logger)
		mgr, err := temporal.New(temporal.Config{
			HostPort:  cfg.TemporalHostPort,
			Namespace: cfg.TemporalNamespace,
			TaskQueue: cfg.TemporalTaskQueue,
		}, acts)
		if err != nil {
			// Discovery must not depend on Temporal being reachable; fall
			// back to the in-process refresh loop.
			logger.Warn("temporal unavailable, using in-process discovery", slog.String("error", err.Error()))
			s.breaker.RecordFailure()
		} else {
			s.temporal = mgr
			deps.TemporalClient = mgr.Client()
			deps.TemporalTaskQueue = mgr.TaskQueue()
		}
	}

	httpapi.MountRoutes(r, deps)
	return s, nil
}

// Run starts the gateway and blocks until ctx is cancelled or the listener
// fails. SIGHUP reloads the channels file without a restart.
func (s *Server) Run(ctx context.Context) error {
	s.blacklist.Start()
	s.prober.Start()

	discCtx, cancelDisc := context.WithCancel(context.Background())
	defer cancelDisc()
	if s.temporal != nil && s.breaker.Allow() {
		if err := s.startTemporalDiscovery(ctx); err != nil {
			s.logger.Warn("temporal discovery schedule failed, using in-process loop", slog.String("error", err.Error()))
			s.breaker.RecordFailure()
			s.discovery.Start(discCtx)
		} else {
			s.breaker.RecordSuccess()
		}
	} else {
		s.discovery.Start(discCtx)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			if err := s.Reload(); err != nil {
				s.logger.Error("config reload failed", slog.String("error", err.Error()))
			}
		}
	}()

	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", slog.String("addr", s.cfg.ListenAddr), slog.String("version", Version))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.Close()
		return err
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.Close()
		return err
	}
}

func (s *Server) startTemporalDiscovery(ctx context.Context) error {
	if err := s.temporal.Start(); err != nil {
		return err
	}
	_, err := s.temporal.Client().ExecuteWorkflow(ctx, temporalclient.StartWorkflowOptions{
		ID:                    "scheduled-discovery",
		TaskQueue:             s.temporal.TaskQueue(),
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_TERMINATE_IF_RUNNING,
	}, temporal.ScheduledDiscoveryWorkflow, temporal.ScheduleInput{
		IntervalSeconds: s.cfg.DiscoveryIntervalSecs,
	})
	return err
}

// Reload re-reads the channels file, swaps the pool, and invalidates every
// cached route. Discovered catalogs for surviving channels come back on the
// next discovery pass.
func (s *Server) Reload() error {
	cc, err := LoadChannelsFile(s.cfg.ChannelsFile)
	if err != nil {
		return err
	}
	s.registry.SetProviders(cc.Providers)
	s.registry.SetChannels(cc.Channels)
	s.cache.Clear()
	s.logger.Info("channel pool reloaded",
		slog.Int("providers", len(cc.Providers)),
		slog.Int("channels", len(cc.Channels)))
	return nil
}

func (s *Server) Router() http.Handler { return s.r }

func (s *Server) Close() {
	if s.temporal != nil {
		s.temporal.Stop()
	}
	s.discovery.Stop()
	s.prober.Stop()
	s.blacklist.Stop()
	s.cache.Stop()
	s.limiter.Stop()
	s.idem.Stop()
	s.tsdb.Flush()
	if s.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.tracingShutdown(ctx)
	}
	if s.store != nil {
		_ = s.store.Close()
	}
}

// probeTarget points the health prober at a channel's upstream.
type probeTarget struct {
	id       string
	endpoint string
}

func (t probeTarget) ID() string             { return t.id }
func (t probeTarget) HealthEndpoint() string { return t.endpoint }

// probeTargets builds prober targets for channels whose provider declares a
// base URL. Hosted defaults are skipped; their reachability is tracked from
// live traffic instead.
func probeTargets(reg *router.Registry) []health.Probeable {
	var targets []health.Probeable
	for _, ch := range reg.EnabledChannels() {
		prov, ok := reg.ProviderFor(ch)
		if !ok || prov.BaseURL == "" {
			continue
		}
		base := strings.TrimSuffix(prov.BaseURL, "/")
		endpoint := base
		switch prov.Adapter {
		case "openai", "local":
			endpoint = base + "/models"
		}
		targets = append(targets, probeTarget{id: ch.ID, endpoint: endpoint})
	}
	return targets
}

// seedStats replays recent request logs into the in-memory stats collector so
// the admin stats windows survive a restart.
func seedStats(ctx context.Context, db *store.SQLiteStore, c *stats.Collector, logger *slog.Logger) {
	logs, err := db.RecentRequestLogs(ctx, time.Now().Add(-24*time.Hour), 10000)
	if err != nil {
		logger.Warn("stats reseed failed", slog.String("error", err.Error()))
		return
	}
	snapshots := make([]stats.Snapshot, 0, len(logs))
	for _, l := range logs {
		snapshots = append(snapshots, stats.Snapshot{
			Timestamp:    l.Timestamp,
			ChannelID:    l.ChannelID,
			ModelID:      l.ServedModel,
			ProviderID:   l.ProviderID,
			Strategy:     l.Strategy,
			LatencyMs:    float64(l.LatencyMs),
			CostUSD:      l.CostUSD,
			Success:      l.StatusCode < 400,
			Attempts:     l.Attempts,
			InputTokens:  l.InputTokens,
			OutputTokens: l.OutputTokens,
		})
	}
	c.Seed(snapshots)
}
