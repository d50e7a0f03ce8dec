// Package navigate is the core-facing service: it scores candidate routes,
// accepts live reports and answers nearby-intel queries over one signal store.
package navigate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/GLYSATVIK/VibeWalk/engine/domain"
	"github.com/GLYSATVIK/VibeWalk/engine/geo"
	"github.com/GLYSATVIK/VibeWalk/engine/report"
	"github.com/GLYSATVIK/VibeWalk/engine/routing"
	"github.com/GLYSATVIK/VibeWalk/engine/scoring"
)

// Store is the signal store as seen by the service.
type Store interface {
	HybridSearch(ctx context.Context, q domain.HybridQuery) ([]domain.Match, error)
	Nearby(ctx context.Context, center domain.GeoPoint, radiusMeters float64, limit int) ([]domain.Signal, error)
	Count(ctx context.Context) (uint64, error)
}

// Router proposes candidate paths between two points.
type Router interface {
	Alternatives(ctx context.Context, start, end domain.GeoPoint) ([]routing.Route, error)
}

// Options are the service defaults.
type Options struct {
	Params          scoring.Params
	RecommendRadius float64
	RecommendMax    int // zero turns recommendations off
	NearbyRadius    float64
	NearbyLimit     int
	RequestTimeout  time.Duration // zero leaves the caller's deadline alone
	StoreName       string
}

// DefaultOptions mirrors the built-in configuration.
func DefaultOptions() Options {
	return Options{
		Params:          scoring.DefaultParams(),
		RecommendRadius: 100,
		RecommendMax:    3,
		NearbyRadius:    200,
		NearbyLimit:     20,
	}
}

// Deps wires the service. Router and Selector are optional.
type Deps struct {
	Store    Store
	Embedder domain.Embedder
	Scorer   *scoring.Scorer
	Selector *scoring.Selector
	Ingestor *report.Ingestor
	Router   Router
	Logger   *slog.Logger
}

// Service implements the route, report and nearby operations.
type Service struct {
	deps Deps
	opts Options
	log  *slog.Logger
}

// New builds a Service.
func New(deps Deps, opts Options) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	d := DefaultOptions()
	if opts.Params == (scoring.Params{}) {
		opts.Params = d.Params
	}
	if opts.RecommendRadius <= 0 {
		opts.RecommendRadius = d.RecommendRadius
	}
	if opts.NearbyRadius <= 0 {
		opts.NearbyRadius = d.NearbyRadius
	}
	if opts.NearbyLimit <= 0 {
		opts.NearbyLimit = d.NearbyLimit
	}
	return &Service{deps: deps, opts: opts, log: deps.Logger}
}

// RouteRequest asks for scored routes. Either Paths or Start and End must be
// set; Paths wins when both are.
type RouteRequest struct {
	Start  *domain.GeoPoint `json:"start,omitempty"`
	End    *domain.GeoPoint `json:"end,omitempty"`
	Paths  []domain.Path    `json:"paths,omitempty"`
	Labels []string         `json:"labels,omitempty"`
	// Nil fields fall back to the service defaults.
	RadiusMeters *float64 `json:"radius_m,omitempty"`
	Threshold    *float64 `json:"threshold,omitempty"`
	DangerWeight *float64 `json:"danger_weight,omitempty"`
	Recommend    *bool    `json:"recommend,omitempty"`
}

func (r RouteRequest) params(def scoring.Params) scoring.Params {
	p := def
	if r.RadiusMeters != nil {
		p.RadiusMeters = *r.RadiusMeters
	}
	if r.Threshold != nil {
		p.Threshold = *r.Threshold
	}
	if r.DangerWeight != nil {
		p.DangerWeight = *r.DangerWeight
	}
	return p
}

// RouteResponse holds one ScoredPath per candidate, in candidate order.
type RouteResponse struct {
	Routes []scoring.ScoredPath `json:"routes"`
	Best   int                  `json:"best"`
}

// Routes scores the candidate paths and attaches safe-haven recommendations
// to the best one. Only paths with coverage compete for best, so a path whose
// queries all failed cannot win on its untouched baseline. A recommendation
// failure is logged, never returned.
func (s *Service) Routes(ctx context.Context, req RouteRequest) (RouteResponse, error) {
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}

	paths, labels, err := s.candidates(ctx, req)
	if err != nil {
		return RouteResponse{}, err
	}
	scored, err := s.deps.Scorer.Score(ctx, paths, req.params(s.opts.Params))
	if err != nil {
		return RouteResponse{}, err
	}
	for i := range scored {
		if i < len(labels) {
			scored[i].Label = labels[i]
		}
	}
	best := bestPath(scored)

	want := s.deps.Selector != nil && s.opts.RecommendMax > 0 && scored[best].Coverage > 0
	if req.Recommend != nil {
		want = want && *req.Recommend
	}
	if want {
		recs, err := s.deps.Selector.Recommend(ctx, scored[best].Path, s.opts.RecommendRadius, s.opts.RecommendMax)
		if err != nil {
			s.log.Warn("navigate: recommendations unavailable", "err", err)
		} else {
			scored[best].Recommendations = recs
		}
	}
	return RouteResponse{Routes: scored, Best: best}, nil
}

// bestPath returns the highest-scoring path among those with coverage,
// the first on ties. With no covered path it returns 0.
func bestPath(scored []scoring.ScoredPath) int {
	best := -1
	for i, sp := range scored {
		if sp.Coverage <= 0 {
			continue
		}
		if best < 0 || sp.SafetyScore > scored[best].SafetyScore {
			best = i
		}
	}
	return max(best, 0)
}

func (s *Service) candidates(ctx context.Context, req RouteRequest) ([]domain.Path, []string, error) {
	if len(req.Paths) > 0 {
		return req.Paths, req.Labels, nil
	}
	if req.Start == nil || req.End == nil {
		return nil, nil, domain.NewValidationError("paths", "no paths and no start/end", domain.ErrInvalidPath)
	}
	if s.deps.Router == nil {
		p := domain.Path{*req.Start, *req.End}
		if err := domain.ValidatePath(p); err != nil {
			return nil, nil, err
		}
		return []domain.Path{p}, []string{routing.LabelFallback}, nil
	}
	routes, err := s.deps.Router.Alternatives(ctx, *req.Start, *req.End)
	if err != nil {
		return nil, nil, err
	}
	paths := make([]domain.Path, len(routes))
	labels := make([]string, len(routes))
	for i, r := range routes {
		paths[i], labels[i] = r.Path, r.Label
	}
	return paths, labels, nil
}

// Report ingests a live user report.
func (s *Service) Report(ctx context.Context, sub report.Submission) (domain.Signal, error) {
	return s.deps.Ingestor.Ingest(ctx, sub)
}

// NearbyRequest asks for signals around a point. With Query set, results are
// ranked by similarity to the query text instead of distance.
type NearbyRequest struct {
	Center       domain.GeoPoint `json:"center"`
	RadiusMeters float64         `json:"radius_m,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Query        string          `json:"query,omitempty"`
}

// Intel is one nearby signal.
type Intel struct {
	domain.Signal
	DistanceMeters float64 `json:"distance_m"`
	Similarity     float64 `json:"similarity,omitempty"`
}

// Nearby lists signals within the radius of the center.
func (s *Service) Nearby(ctx context.Context, req NearbyRequest) ([]Intel, error) {
	if err := domain.ValidateLocation(req.Center); err != nil {
		return nil, err
	}
	if req.RadiusMeters == 0 {
		req.RadiusMeters = s.opts.NearbyRadius
	}
	if err := domain.ValidateRadius(req.RadiusMeters); err != nil {
		return nil, err
	}
	if req.Limit <= 0 {
		req.Limit = s.opts.NearbyLimit
	}

	if req.Query == "" {
		sigs, err := s.deps.Store.Nearby(ctx, req.Center, req.RadiusMeters, req.Limit)
		if err != nil {
			return nil, fmt.Errorf("navigate: nearby: %w", err)
		}
		out := make([]Intel, len(sigs))
		for i, sig := range sigs {
			out[i] = Intel{Signal: sig, DistanceMeters: geo.Haversine(req.Center, sig.Location)}
		}
		return out, nil
	}

	if err := domain.ValidateText(req.Query); err != nil {
		return nil, err
	}
	vec, err := s.deps.Embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("navigate: nearby: embed query: %w", err)
	}
	matches, err := s.deps.Store.HybridSearch(ctx, domain.HybridQuery{
		Vector:       vec,
		Center:       req.Center,
		RadiusMeters: req.RadiusMeters,
		TopK:         req.Limit,
		ModelVersion: s.deps.Embedder.ModelVersion(),
	})
	if err != nil {
		return nil, fmt.Errorf("navigate: nearby: %w", err)
	}
	out := make([]Intel, len(matches))
	for i, m := range matches {
		out[i] = Intel{Signal: m.Signal, DistanceMeters: geo.Haversine(req.Center, m.Signal.Location), Similarity: m.Similarity}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out, nil
}

// Health describes the backing store.
type Health struct {
	Status  string `json:"status"`
	Store   string `json:"store"`
	Signals uint64 `json:"signals"`
	Model   string `json:"model_version"`
}

// Health reports the store and its signal count. A count failure degrades
// the status rather than erroring.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{Status: "ok", Store: s.opts.StoreName, Model: s.deps.Embedder.ModelVersion()}
	n, err := s.deps.Store.Count(ctx)
	if err != nil {
		s.log.Warn("navigate: store count failed", "err", err)
		h.Status = "degraded"
		return h
	}
	h.Signals = n
	return h
}
