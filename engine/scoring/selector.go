package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/GLYSATVIK/VibeWalk/engine/anchors"
	"github.com/GLYSATVIK/VibeWalk/engine/domain"
	"github.com/GLYSATVIK/VibeWalk/engine/geo"
	"github.com/GLYSATVIK/VibeWalk/pkg/fn"
	"github.com/GLYSATVIK/VibeWalk/pkg/metrics"
)

// SelectorOptions configure the Recommendation Selector.
type SelectorOptions struct {
	SampleSpacing float64           // default 100 m
	MinSimilarity float64           // default 0.75
	Categories    []domain.Category // default [review]; empty after fill means any
	TopK          int
	QueryTimeout  time.Duration
	MaxInFlight   int
	Logger        *slog.Logger
	Metrics       *metrics.Registry
}

// DefaultSelectorOptions returns the built-in selector settings.
func DefaultSelectorOptions() SelectorOptions {
	return SelectorOptions{
		SampleSpacing: 100,
		MinSimilarity: 0.75,
		Categories:    []domain.Category{domain.CategoryReview},
		TopK:          3,
		QueryTimeout:  2 * time.Second,
		MaxInFlight:   8,
	}
}

// Selector surfaces safe havens along a path.
type Selector struct {
	opts SelectorOptions
	q    *querier
}

// NewSelector builds a Selector. A nil Categories slice means the default
// [review]; pass an empty non-nil slice to accept every category.
func NewSelector(store Searcher, set anchors.Set, opts SelectorOptions) *Selector {
	d := DefaultSelectorOptions()
	if opts.SampleSpacing <= 0 {
		opts.SampleSpacing = d.SampleSpacing
	}
	if opts.MinSimilarity < 0 || opts.MinSimilarity > 1 {
		opts.MinSimilarity = d.MinSimilarity
	}
	if opts.Categories == nil {
		opts.Categories = d.Categories
	}
	if opts.TopK <= 0 {
		opts.TopK = d.TopK
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = d.QueryTimeout
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = d.MaxInFlight
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Selector{
		opts: opts,
		q: &querier{
			store:   store,
			anchors: set,
			slots:   fn.NewSlots(opts.MaxInFlight),
			timeout: opts.QueryTimeout,
			topK:    opts.TopK,
			log:     opts.Logger,
			reg:     opts.Metrics,
		},
	}
}

// Recommend queries the SAFE anchor along path and returns up to limit
// distinct signals at or above the minimum similarity, best first (ties by
// id). Individual query failures are skipped; if all fail the call fails.
func (s *Selector) Recommend(ctx context.Context, path domain.Path, radiusMeters float64, limit int) ([]domain.Match, error) {
	if err := domain.ValidateRadius(radiusMeters); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []domain.Match{}, nil
	}
	pts, err := geo.Sample(path, s.opts.SampleSpacing)
	if err != nil {
		return nil, err
	}
	probes := make([]probe, len(pts))
	for i, pt := range pts {
		probes[i] = probe{point: pt, pole: anchors.PoleSafe}
	}
	results := s.q.run(ctx, probes, radiusMeters, s.opts.Categories)

	best := make(map[string]domain.Match)
	var succeeded int
	var firstErr error
	for _, r := range results {
		matches, err := r.Unwrap()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		succeeded++
		for _, m := range matches {
			if m.Similarity < s.opts.MinSimilarity || !s.q.sameSpace(m) {
				continue
			}
			if prev, ok := best[m.Signal.ID]; !ok || m.Similarity > prev.Similarity {
				best[m.Signal.ID] = m
			}
		}
	}
	if succeeded == 0 {
		return nil, fmt.Errorf("%w: recommendations: every store query failed (first: %v)", domain.ErrScoringFailure, firstErr)
	}

	out := make([]domain.Match, 0, len(best))
	for _, m := range best {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Signal.ID < out[j].Signal.ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
