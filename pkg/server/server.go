// Package server is the composition root of the control plane: it turns a
// config.Config into a running set of components and the HTTP handler that
// exposes them.
//
// Usage:
//
//	srv, err := server.New(ctx, cfg)
//	defer srv.Close(context.Background())
//	err = srv.ListenAndServe(ctx)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/datamind/control-plane/internal/api"
	"github.com/datamind/control-plane/internal/api/handlers"
	"github.com/datamind/control-plane/internal/classify"
	"github.com/datamind/control-plane/internal/config"
	"github.com/datamind/control-plane/internal/escalation"
	"github.com/datamind/control-plane/internal/generation"
	"github.com/datamind/control-plane/internal/integrations/langfuse"
	"github.com/datamind/control-plane/internal/integrations/ragas"
	"github.com/datamind/control-plane/internal/notify"
	"github.com/datamind/control-plane/internal/provenance"
	"github.com/datamind/control-plane/internal/retention"
	"github.com/datamind/control-plane/internal/router"
	"github.com/datamind/control-plane/internal/source"
	"github.com/datamind/control-plane/internal/store"
	"github.com/datamind/control-plane/internal/telemetry"
	"github.com/datamind/control-plane/internal/validation"
	"github.com/datamind/control-plane/pkg/contracts"
	"github.com/datamind/control-plane/pkg/models"
)

// Server holds the initialized control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	Config     *config.Config
	Controller *escalation.Controller
	Router     *router.TierRouter
	Adapter    *generation.Adapter
	Provenance *provenance.Service
	Store      *store.MemoryStore

	// Port is the port the server should listen on.
	Port int

	langfuse *langfuse.Bridge
	janitor  *retention.Janitor
	notifier *notify.Service
	closers  []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// New initializes every component from cfg. On error, components opened so
// far are closed.
func New(ctx context.Context, cfg *config.Config) (srv *Server, err error) {
	s := &Server{Config: cfg, Port: cfg.Server.Port}
	defer func() {
		if err != nil {
			s.Close(context.WithoutCancel(ctx))
		}
	}()

	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Server.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	s.onClose("telemetry", shutdown)

	// Source of truth (optional)
	var pool *pgxpool.Pool
	if cfg.Database.URL != "" {
		pool, err = OpenDatabase(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		s.onClose("postgres", func(context.Context) error { pool.Close(); return nil })
		log.Info().Int32("max_connections", cfg.Database.MaxConnections).Msg("✅ Postgres source of truth connected")
	}

	// Generation
	s.Adapter, err = NewAdapter(cfg.Tiers)
	if err != nil {
		return nil, err
	}
	log.Info().Int("tiers", len(cfg.Tiers.ByTier())).Msg("✅ Generation adapter initialized")

	// Router
	var opts []router.Option
	if cache := s.routeCache(ctx, cfg.Redis); cache != nil {
		opts = append(opts, router.WithCache(cache))
	}
	s.Router, err = NewTierRouter(cfg, s.Adapter, opts...)
	if err != nil {
		return nil, err
	}
	log.Info().Bool("model_classifier", cfg.Router.ModelClassifier).Msg("✅ Tier router initialized")

	// Validation
	pipeline, err := NewPipeline(cfg, s.Adapter, pool)
	if err != nil {
		return nil, err
	}

	// Provenance
	anchorer, err := s.openAnchorer(ctx, cfg.Provenance, pool)
	if err != nil {
		return nil, err
	}
	s.Provenance = provenance.NewService(anchorer, provenance.Config{
		Retries: cfg.Provenance.AnchorRetries,
		Backoff: cfg.Provenance.AnchorBackoff,
	})
	log.Info().Str("backend", s.Provenance.Backend()).Msg("✅ Provenance service initialized")

	// Audit store; the janitor owns TTL expiry when archiving is on
	storeTTL := cfg.Audit.TTL
	if cfg.Audit.ArchivePath != "" {
		storeTTL = 0
	}
	s.Store = store.NewMemoryStore(store.Options{
		TTL:          storeTTL,
		MaxEntries:   cfg.Audit.MaxEntries,
		SnapshotPath: cfg.Audit.SnapshotPath,
	})
	s.onClose("audit store", func(context.Context) error { return s.Store.Close() })
	if cfg.Audit.ArchivePath != "" && cfg.Audit.TTL > 0 {
		s.janitor = retention.NewJanitor(s.Store,
			retention.NewLocalFileArchiver(cfg.Audit.ArchivePath, cfg.Audit.ArchiveCompress),
			cfg.Audit.TTL, cfg.Audit.ArchiveInterval)
		log.Info().Str("path", cfg.Audit.ArchivePath).Msg("✅ Audit archiving enabled")
	}

	// Tracing: OpenTelemetry always, LangFuse when configured
	tracers := telemetry.Multi{telemetry.NewOTelTracer(nil)}
	sinks := []escalation.OutcomeSink{s.Store}
	if cfg.Langfuse.BaseURL != "" && cfg.Langfuse.PublicKey != "" {
		s.langfuse = langfuse.NewBridge(langfuse.Config{
			BaseURL:       cfg.Langfuse.BaseURL,
			PublicKey:     cfg.Langfuse.PublicKey,
			SecretKey:     cfg.Langfuse.SecretKey,
			Release:       cfg.Server.Version,
			FlushInterval: cfg.Langfuse.FlushInterval,
		})
		tracers = append(tracers, s.langfuse)
		sinks = append(sinks, s.langfuse)
		log.Info().Str("url", cfg.Langfuse.BaseURL).Msg("✅ LangFuse export enabled")
	}

	if len(cfg.Notify.Webhooks) > 0 {
		channels := make([]notify.Channel, len(cfg.Notify.Webhooks))
		for i, w := range cfg.Notify.Webhooks {
			channels[i] = notify.Channel{Name: w.Name, URL: w.URL, Secret: w.Secret, Events: w.Events}
		}
		s.notifier = notify.NewService(channels, notify.Options{
			QueueSize: cfg.Notify.QueueSize,
			Retries:   cfg.Notify.Retries,
			Timeout:   cfg.Notify.Timeout,
		})
		sinks = append(sinks, s.notifier)
		log.Info().Int("channels", len(channels)).Msg("✅ Outcome webhooks enabled")
	}

	// Retrieval: Postgres full-text search when a database is configured
	var retriever contracts.Retriever
	if pool != nil {
		retriever = source.NewRetriever(pool, source.DefaultRetrievalLimit)
	}

	s.Controller, err = escalation.New(escalation.Config{
		MaxRegenerate:      cfg.Escalation.MaxRegenerate,
		DeadlineMultiplier: cfg.Escalation.DeadlineMultiplier,
		MinDeadline:        cfg.Escalation.MinDeadline,
		MaxDeadline:        cfg.Escalation.MaxDeadline,
	}, escalation.Deps{
		Router:     s.Router,
		Retriever:  retriever,
		Generator:  s.Adapter,
		Validator:  pipeline,
		Provenance: s.Provenance,
		Tracer:     tracers,
		Sinks:      sinks,
		ModelFor:   s.Router.ModelFor,
		Budget:     s.Router.Budget,
	})
	if err != nil {
		return nil, err
	}
	log.Info().Int("max_regenerate", cfg.Escalation.MaxRegenerate).Msg("✅ Escalation controller initialized")

	s.Handler = api.NewRouter(cfg, &handlers.Handlers{
		Controller: s.Controller,
		Router:     s.Router,
		Classifier: s.Router,
		Store:      s.Store,
		Provenance: s.Provenance,
		Tiers:      s.Adapter,
	})
	return s, nil
}

// ListenAndServe serves HTTP and runs the background exporters until ctx is
// cancelled, then shuts the HTTP server down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.Port),
		Handler:      s.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 6 * time.Minute, // longer than the maximum request deadline
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.langfuse != nil {
		g.Go(func() error {
			s.langfuse.Run(gctx)
			return nil
		})
	}
	if s.notifier != nil {
		g.Go(func() error {
			s.notifier.Run(gctx)
			return nil
		})
	}
	if s.janitor != nil {
		g.Go(func() error {
			s.janitor.Start(gctx)
			return nil
		})
	}
	g.Go(func() error {
		log.Info().Int("port", s.Port).Msg("🚀 Control plane ready")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("🛑 Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close releases components in reverse order of creation.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		c := s.closers[i]
		if err := c.fn(ctx); err != nil {
			log.Warn().Err(err).Str("component", c.name).Msg("Close failed")
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *Server) onClose(name string, fn func(context.Context) error) {
	s.closers = append(s.closers, closer{name: name, fn: fn})
}

// ── Component builders ───────────────────────────────────────

// OpenDatabase connects a pgx pool and pings it.
func OpenDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConnections > 0 {
		pcfg.MaxConns = cfg.MaxConnections
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewAdapter builds the generation adapter from the bound tiers.
func NewAdapter(tiers config.TiersConfig) (*generation.Adapter, error) {
	var bindings []generation.Binding
	for _, tier := range models.AllTiers() {
		tc, ok := tiers.ByTier()[tier]
		if !ok {
			continue
		}
		bindings = append(bindings, generation.Binding{
			Tier:            tier,
			Kind:            tc.Driver,
			Model:           tc.Model,
			Endpoint:        tc.Endpoint,
			APIKey:          tc.APIKey,
			MaxTokens:       tc.MaxTokens,
			Temperature:     tc.Temperature,
			RatePerSecond:   tc.RatePerSecond,
			Burst:           tc.Burst,
			TokenBudget:     tc.TokenBudget,
			CostPer1KInput:  tc.CostPer1KInput,
			CostPer1KOutput: tc.CostPer1KOutput,
		})
	}
	a, err := generation.NewAdapter(generation.NewDefaultRegistry(), bindings)
	if err != nil {
		return nil, fmt.Errorf("generation adapter: %w", err)
	}
	return a, nil
}

// RouterConfig derives the routing policy from the tier bindings. Unbound
// tiers keep the stock model names and budgets but are skipped by routing.
func RouterConfig(cfg *config.Config) router.Config {
	rc := router.DefaultConfig()
	rc.ClassifierTimeout = cfg.Router.ClassifierTimeout
	rc.EdgeMinConfidence = cfg.Router.EdgeMinConfidence
	rc.EdgeMaxComplexity = cfg.Router.EdgeMaxComplexity

	bound := cfg.Tiers.ByTier()
	for _, tier := range models.AllTiers() {
		tc, ok := bound[tier]
		if !ok {
			continue
		}
		rc.Bound = append(rc.Bound, tier)
		tm := router.TierModels{Default: tc.Model}
		if len(tc.IntentModels) > 0 {
			tm.ByIntent = make(map[models.IntentLabel]string, len(tc.IntentModels))
			for intent, model := range tc.IntentModels {
				tm.ByIntent[models.IntentLabel(strings.ToLower(intent))] = model
			}
		}
		rc.Models[tier] = tm
		if tc.LatencyBudget > 0 {
			rc.Budgets[tier] = tc.LatencyBudget
		}
	}
	return rc
}

// NewTierRouter builds the router with rule or model classifiers.
func NewTierRouter(cfg *config.Config, gen contracts.Generator, opts ...router.Option) (*router.TierRouter, error) {
	rc := RouterConfig(cfg)

	var (
		intent     classify.IntentClassifier    = classify.RuleIntentClassifier{}
		complexity classify.ComplexityScorer    = classify.HeuristicComplexityScorer{}
		sensitive  classify.SensitivityDetector = classify.RuleSensitivityDetector{}
	)
	if cfg.Router.ModelClassifier {
		tier, err := models.ParseTier(cfg.Router.ClassifierTier)
		if err != nil {
			return nil, fmt.Errorf("router: %w", err)
		}
		mc := classify.NewModelClassifier(gen, tier, rc.Models[tier].Default).WithRuleFallback()
		intent, complexity = mc, mc
	}
	return router.New(rc, intent, complexity, sensitive, opts...), nil
}

// NewPipeline builds the validation pipeline. The RAGAS sidecar backs L2 when
// configured, with the lexical scorer as fallback; L8 re-derives from the
// facts table when a database is available.
func NewPipeline(cfg *config.Config, gen contracts.Generator, pool *pgxpool.Pool) (*validation.Pipeline, error) {
	vc := cfg.Validation
	tol, err := decimal.NewFromString(vc.NumericTolerance)
	if err != nil {
		return nil, fmt.Errorf("validation: numeric tolerance: %w", err)
	}
	criticTier, err := models.ParseTier(vc.CriticTier)
	if err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}

	collab := validation.Collaborators{
		Critic: validation.NewModelCritic(gen, criticTier),
		Scope: validation.RuleScopeClassifier{
			AllowedTopics: vc.AllowedTopics,
			BlockedTopics: vc.BlockedTopics,
			MinCoverage:   vc.MinCoverage,
		},
		Sampler: gen,
	}
	if cfg.Sidecars.RagasURL != "" {
		collab.NLI = validation.FallbackNLI{
			Primary:   ragas.NewClient(cfg.Sidecars.RagasURL, cfg.Sidecars.RagasTimeout),
			Secondary: validation.LexicalNLI{},
		}
		log.Info().Str("url", cfg.Sidecars.RagasURL).Msg("✅ RAGAS NLI scorer enabled")
	}
	if pool != nil {
		collab.Numeric = source.NewFactVerifier(pool)
	}

	return validation.New(validation.Config{
		FaithfulnessThreshold:  vc.FaithfulnessThreshold,
		StalenessThreshold:     vc.Staleness,
		SelfConsistencySamples: vc.SelfConsistencySamples,
		SampleTemperature:      vc.SampleTemperature,
		SampleTimeout:          vc.SampleTimeout,
		NumericTolerance:       tol,
	}, collab), nil
}

// routeCache connects the Redis decision cache. An unreachable Redis disables
// caching instead of failing startup.
func (s *Server) routeCache(ctx context.Context, cfg config.RedisConfig) router.DecisionCache {
	if cfg.URL == "" {
		return nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		log.Warn().Err(err).Msg("Invalid Redis URL, route cache disabled")
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Msg("Redis unreachable, route cache disabled")
		client.Close()
		return nil
	}
	s.onClose("redis", func(context.Context) error { return client.Close() })
	log.Info().Str("prefix", cfg.Prefix).Dur("ttl", cfg.TTL).Msg("✅ Redis route cache connected")
	return router.NewRedisCache(client, cfg.Prefix, cfg.TTL)
}

func (s *Server) openAnchorer(ctx context.Context, cfg config.ProvenanceConfig, pool *pgxpool.Pool) (contracts.Anchorer, error) {
	switch cfg.Backend {
	case "postgres":
		if pool == nil {
			return nil, errors.New("provenance: postgres backend requires database.url")
		}
		a := provenance.NewPostgresAnchorer(pool)
		if err := a.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("provenance: %w", err)
		}
		return a, nil
	case "sqlite":
		a, err := provenance.OpenSQLiteAnchorer(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("provenance: %w", err)
		}
		s.onClose("sqlite anchor", func(context.Context) error { return a.Close() })
		return a, nil
	default:
		return provenance.NewMemoryAnchorer(), nil
	}
}
