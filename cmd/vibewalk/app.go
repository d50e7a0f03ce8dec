package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/GLYSATVIK/VibeWalk/engine/anchors"
	"github.com/GLYSATVIK/VibeWalk/engine/domain"
	"github.com/GLYSATVIK/VibeWalk/engine/ledger"
	"github.com/GLYSATVIK/VibeWalk/engine/localstore"
	"github.com/GLYSATVIK/VibeWalk/engine/navigate"
	"github.com/GLYSATVIK/VibeWalk/engine/report"
	"github.com/GLYSATVIK/VibeWalk/engine/routing"
	"github.com/GLYSATVIK/VibeWalk/engine/scoring"
	"github.com/GLYSATVIK/VibeWalk/engine/semantic"
	"github.com/GLYSATVIK/VibeWalk/pkg/config"
	"github.com/GLYSATVIK/VibeWalk/pkg/metrics"
	"github.com/GLYSATVIK/VibeWalk/pkg/ollama"
	"github.com/GLYSATVIK/VibeWalk/pkg/resilience"
)

// signalStore is what the binary needs from either store backend.
type signalStore interface {
	navigate.Store
	Upsert(ctx context.Context, signals []domain.Signal) error
	Delete(ctx context.Context, ids ...string) error
	Close() error
}

// app holds every long-lived dependency of a command.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	embedder  *ollama.EmbedClient
	anchors   anchors.Set
	store     signalStore
	storeName string
	metrics   *metrics.Registry
	ledger    *ledger.Ledger // nil when neo4j.url is empty
	nc        *nats.Conn     // nil when nats.url is empty
	ingestor  *report.Ingestor
	svc       *navigate.Service
	closers   []func()
}

// newApp connects the backends described by cfg. Only the embedding model and
// a signal store are required; the ledger, NATS and OSRM degrade to off.
func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, metrics: metrics.New()}

	a.embedder = ollama.NewEmbedClient(cfg.Ollama.URL, cfg.Ollama.Model,
		ollama.WithBreaker(a.breaker("ollama", nil)))
	set, err := anchors.Compute(ctx, a.embedder, anchors.Phrases{Danger: cfg.Anchors.Danger, Safe: cfg.Anchors.Safe})
	if err != nil {
		return nil, fmt.Errorf("compute anchors: %w", err)
	}
	a.anchors = set
	log.Info("anchors ready", "model", set.ModelVersion(), "dims", set.Dims())

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Neo4j.URL != "" {
		driver, err := neo4j.NewDriverWithContext(cfg.Neo4j.URL, neo4j.BasicAuth(cfg.Neo4j.User, cfg.Neo4j.Pass, ""))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("neo4j driver: %w", err)
		}
		a.closers = append(a.closers, func() { driver.Close(context.Background()) })
		a.ledger = ledger.NewNeo4j(driver, cfg.Neo4j.Database, log)
		if err := a.ledger.Init(ctx); err != nil {
			log.Warn("ledger constraint not ensured", "err", err)
		}
	}

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("vibewalk"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		a.nc = nc
		a.closers = append(a.closers, nc.Close)
	}

	deps := report.Deps{
		Embedder:   a.embedder,
		Store:      a.store,
		Categories: domain.NewCategorySet(cfg.Categories...),
		Logger:     log,
		Metrics:    a.metrics,
	}
	if a.ledger != nil {
		deps.Ledger = a.ledger
	}
	if a.nc != nil {
		deps.Events = a.nc
	}
	a.ingestor = report.New(deps)

	a.svc = navigate.New(navigate.Deps{
		Store:    a.store,
		Embedder: a.embedder,
		Scorer:   scoring.NewScorer(a.store, set, scorerOptions(cfg, log, a.metrics)),
		Selector: scoring.NewSelector(a.store, set, selectorOptions(cfg, log, a.metrics)),
		Ingestor: a.ingestor,
		Router:   a.newRouter(),
		Logger:   log,
	}, navigateOptions(cfg, a.storeName))
	return a, nil
}

// openStore prefers Qdrant and falls back to the embedded SQLite store when
// the server cannot be reached and local.fallback is set.
func (a *app) openStore(ctx context.Context) error {
	cfg := a.cfg
	opts := []semantic.Option{
		semantic.WithLogger(a.log),
		semantic.WithBreaker(a.breaker("qdrant", semantic.IsOutage)),
	}
	if cfg.Qdrant.APIKey != "" {
		opts = append(opts, semantic.WithAPIKey(cfg.Qdrant.APIKey))
	}
	if cfg.Qdrant.TLS {
		opts = append(opts, semantic.WithTLS())
	}

	vs, err := semantic.New(cfg.Qdrant.Addr, cfg.Qdrant.Collection, opts...)
	if err == nil {
		ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = vs.EnsureCollection(ensureCtx, a.anchors.Dims())
		cancel()
		if err == nil {
			a.store = vs
			a.storeName = "qdrant:" + cfg.Qdrant.Collection
			a.log.Info("signal store ready", "store", a.storeName, "addr", cfg.Qdrant.Addr)
			return nil
		}
		_ = vs.Close()
	}
	if !cfg.Local.Fallback {
		return fmt.Errorf("qdrant %s: %w", cfg.Qdrant.Addr, err)
	}

	a.log.Warn("qdrant unavailable, using local store", "err", err, "path", cfg.Local.Path)
	ls, lerr := localstore.Open(cfg.Local.Path, a.log)
	if lerr != nil {
		return fmt.Errorf("open local store: %w", lerr)
	}
	a.store = ls
	a.storeName = "local:" + cfg.Local.Path
	return nil
}

// Close releases backends in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close store", "err", err)
		}
		a.store = nil
	}
}

// breaker builds a named breaker whose transitions are logged and exported.
func (a *app) breaker(name string, isFailure func(error) bool) *resilience.Breaker {
	return resilience.NewBreaker(resilience.BreakerOpts{
		Name:          name,
		IsFailure:     isFailure,
		OnStateChange: resilience.Observer(a.log, a.metrics),
	})
}

func (a *app) newRouter() navigate.Router {
	cfg := a.cfg
	if cfg.OSRM.URL == "" {
		return nil
	}
	return routing.New(cfg.OSRM.URL,
		routing.WithHTTPClient(&http.Client{
			Timeout:   cfg.OSRM.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
		routing.WithProfile(cfg.OSRM.Profile),
		routing.WithThrottle(resilience.NewThrottle(cfg.OSRM.Interval, 1)),
		routing.WithBreaker(a.breaker("osrm", nil)),
		routing.WithLogger(a.log),
	)
}

func scorerOptions(cfg *config.Config, log *slog.Logger, reg *metrics.Registry) scoring.Options {
	s := cfg.Scoring
	weights := make(map[domain.Severity]float64, len(s.SeverityWeights))
	for name, w := range s.SeverityWeights {
		weights[domain.Severity(name)] = w
	}
	return scoring.Options{
		Baseline:        s.Baseline,
		SafeWeight:      s.SafeWeight,
		SampleSpacing:   s.SampleSpacing,
		TopK:            s.TopK,
		QueryTimeout:    s.QueryTimeout,
		MaxInFlight:     s.MaxInFlight,
		DecayHalfLife:   s.DecayHalfLife,
		SeverityWeights: weights,
		Logger:          log,
		Metrics:         reg,
	}
}

func selectorOptions(cfg *config.Config, log *slog.Logger, reg *metrics.Registry) scoring.SelectorOptions {
	r := cfg.Recommend
	cats := make([]domain.Category, 0, len(r.Categories))
	for _, c := range r.Categories {
		cats = append(cats, domain.Category(c))
	}
	return scoring.SelectorOptions{
		SampleSpacing: r.SpacingMeters,
		MinSimilarity: r.MinSimilarity,
		Categories:    cats,
		QueryTimeout:  cfg.Scoring.QueryTimeout,
		MaxInFlight:   cfg.Scoring.MaxInFlight,
		Logger:        log,
		Metrics:       reg,
	}
}

func navigateOptions(cfg *config.Config, storeName string) navigate.Options {
	return navigate.Options{
		Params: scoring.Params{
			RadiusMeters: cfg.Scoring.RadiusMeters,
			Threshold:    cfg.Scoring.Threshold,
			DangerWeight: cfg.Scoring.DangerWeight,
		},
		RecommendRadius: cfg.Recommend.RadiusMeters,
		RecommendMax:    cfg.Recommend.Max,
		NearbyRadius:    cfg.Nearby.RadiusMeters,
		NearbyLimit:     cfg.Nearby.Limit,
		RequestTimeout:  cfg.Server.RequestTimeout,
		StoreName:       storeName,
	}
}
