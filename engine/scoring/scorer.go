// Package scoring turns candidate walking paths into safety scores by
// querying the signal store with the danger and safe concept anchors along
// each path, and selects safe-haven recommendations along a chosen path.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/GLYSATVIK/VibeWalk/engine/anchors"
	"github.com/GLYSATVIK/VibeWalk/engine/domain"
	"github.com/GLYSATVIK/VibeWalk/engine/geo"
	"github.com/GLYSATVIK/VibeWalk/pkg/fn"
	"github.com/GLYSATVIK/VibeWalk/pkg/metrics"
)

const tracerName = "vibewalk/engine/scoring"

// Score bounds.
const (
	MinScore = 0.0
	MaxScore = 10.0
)

const (
	snippetRunes = 80
	maxTags      = 4
	maxTagRunes  = 30
)

// Params are the per-request scoring knobs.
type Params struct {
	RadiusMeters float64 `json:"radius_m"`
	Threshold    float64 `json:"threshold"`
	DangerWeight float64 `json:"danger_weight"`
}

// DefaultParams returns radius 150 m, threshold 0.60 and danger weight 4.0.
func DefaultParams() Params {
	return Params{RadiusMeters: 150, Threshold: 0.60, DangerWeight: 4.0}
}

// Validate checks p.
func (p Params) Validate() error {
	if err := domain.ValidateRadius(p.RadiusMeters); err != nil {
		return err
	}
	if err := domain.ValidateThreshold(p.Threshold); err != nil {
		return err
	}
	if math.IsNaN(p.DangerWeight) || p.DangerWeight <= 0 {
		return domain.NewValidationError("danger_weight", fmt.Sprintf("%g", p.DangerWeight), domain.ErrInvalidWeight)
	}
	return nil
}

// Options are the scorer-wide settings fixed at construction.
type Options struct {
	Baseline        float64
	SafeWeight      float64 // bonus per unit similarity; kept below any danger weight
	SampleSpacing   float64 // meters between sample points
	TopK            int
	QueryTimeout    time.Duration
	MaxInFlight     int           // cap on concurrent store queries across all requests
	DecayHalfLife   time.Duration // zero disables time decay
	SeverityWeights map[domain.Severity]float64 // absent severities weigh 1.0
	Logger          *slog.Logger
	Metrics         *metrics.Registry
	Now             func() time.Time
}

// DefaultOptions returns the built-in scorer settings.
func DefaultOptions() Options {
	return Options{
		Baseline:      MaxScore,
		SafeWeight:    1.0,
		SampleSpacing: 50,
		TopK:          5,
		QueryTimeout:  2 * time.Second,
		MaxInFlight:   16,
	}
}

func (o *Options) fill() {
	d := DefaultOptions()
	if o.Baseline <= 0 {
		o.Baseline = d.Baseline
	}
	if o.SafeWeight <= 0 {
		o.SafeWeight = d.SafeWeight
	}
	if o.SampleSpacing <= 0 {
		o.SampleSpacing = d.SampleSpacing
	}
	if o.TopK <= 0 {
		o.TopK = d.TopK
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = d.QueryTimeout
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = d.MaxInFlight
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Annotation describes one qualifying signal that moved a path's score.
type Annotation struct {
	Pole           anchors.Pole    `json:"pole"`
	SignalID       string          `json:"signal_id"`
	Category       domain.Category `json:"category"`
	Name           string          `json:"name,omitempty"`
	Snippet        string          `json:"snippet"`
	DistanceMeters float64         `json:"distance_m"`
	Similarity     float64         `json:"similarity"`
	Contribution   float64         `json:"contribution"`
}

// ScoredPath is one candidate path with its score and evidence.
type ScoredPath struct {
	Index           int            `json:"index"`
	Label           string         `json:"label,omitempty"`
	Path            domain.Path    `json:"path"`
	SafetyScore     float64        `json:"safety_score"`
	Annotations     []Annotation   `json:"annotations"`
	Tags            []string       `json:"tags"`
	Recommendations []domain.Match `json:"recommendations,omitempty"`
	Coverage        float64        `json:"coverage"` // fraction of store queries that succeeded
	Samples         int            `json:"samples"`
	LengthMeters    float64        `json:"length_m"`
}

// Scorer scores paths against a signal store.
type Scorer struct {
	opts Options
	q    *querier
}

// NewScorer builds a Scorer. The anchor set is captured by value.
func NewScorer(store Searcher, set anchors.Set, opts Options) *Scorer {
	opts.fill()
	return &Scorer{
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

// pathOutcome is the reducer's view of one path.
type pathOutcome struct {
	scored    ScoredPath
	queries   int
	succeeded int
	firstErr  error
}

// Score samples every path, queries both anchors at every sample and
// returns one ScoredPath per input path, in input order.
//
// Failed or timed-out queries count as "no match". The call fails with
// ErrScoringFailure only when no path got a single successful query; if the
// request deadline caused that, the error also wraps ErrQueryTimeout.
func (s *Scorer) Score(ctx context.Context, paths []domain.Path, p Params) ([]ScoredPath, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "scoring.Score")
	defer span.End()
	span.SetAttributes(attribute.Int("paths", len(paths)))
	start := time.Now()

	if len(paths) == 0 {
		return nil, domain.NewValidationError("paths", "0 paths", domain.ErrInvalidPath)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.DangerWeight <= s.opts.SafeWeight {
		return nil, domain.NewValidationError("danger_weight",
			fmt.Sprintf("%g <= safe weight %g", p.DangerWeight, s.opts.SafeWeight), domain.ErrInvalidWeight)
	}
	samples := make([][]geo.SampledPoint, len(paths))
	for i, path := range paths {
		pts, err := geo.Sample(path, s.opts.SampleSpacing)
		if err != nil {
			return nil, fmt.Errorf("path %d: %w", i, err)
		}
		samples[i] = pts
	}

	idx := make([]int, len(paths))
	for i := range idx {
		idx[i] = i
	}
	outcomes := fn.ParMap(idx, len(idx), func(i int) pathOutcome {
		return s.scorePath(ctx, i, paths[i], samples[i], p)
	})

	out := make([]ScoredPath, len(outcomes))
	var usable bool
	var firstErr error
	for i, o := range outcomes {
		out[i] = o.scored
		if o.succeeded > 0 {
			usable = true
		}
		if firstErr == nil {
			firstErr = o.firstErr
		}
	}

	outcome := "ok"
	defer func() {
		if s.opts.Metrics != nil {
			s.opts.Metrics.Histogram(metrics.WithLabels("vibewalk_score_duration_seconds", "outcome", outcome),
				"Route scoring latency", nil).Since(start)
		}
	}()

	if !usable {
		var err error
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			outcome = "timeout"
			err = fmt.Errorf("%w: %w: request deadline expired before any query completed", domain.ErrScoringFailure, domain.ErrQueryTimeout)
		default:
			outcome = "failed"
			err = fmt.Errorf("%w: every store query failed (first: %v)", domain.ErrScoringFailure, firstErr)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if ctx.Err() != nil {
		outcome = "partial"
		s.opts.Logger.Warn("scoring: returning partial result", "err", ctx.Err())
	}
	return out, nil
}

// hit is the best observation of one signal for one pole within a path.
type hit struct {
	pole     anchors.Pole
	match    domain.Match
	distance float64
}

func (s *Scorer) scorePath(ctx context.Context, index int, path domain.Path, pts []geo.SampledPoint, p Params) pathOutcome {
	probes := make([]probe, 0, 2*len(pts))
	for _, pt := range pts {
		probes = append(probes, probe{point: pt, pole: anchors.PoleDanger}, probe{point: pt, pole: anchors.PoleSafe})
	}
	results := s.q.run(ctx, probes, p.RadiusMeters, nil)

	// Single reducer: dedup by (pole, signal id), keeping the highest
	// similarity and the closest sample that produced a qualifying match.
	type key struct {
		pole anchors.Pole
		id   string
	}
	best := make(map[key]*hit)
	o := pathOutcome{queries: len(probes)}
	for i, r := range results {
		matches, err := r.Unwrap()
		if err != nil {
			if o.firstErr == nil {
				o.firstErr = err
			}
			continue
		}
		o.succeeded++
		pr := probes[i]
		for _, m := range matches {
			if m.Similarity < p.Threshold || !s.q.sameSpace(m) {
				continue
			}
			d := geo.Haversine(pr.point.GeoPoint, m.Signal.Location)
			k := key{pr.pole, m.Signal.ID}
			h, ok := best[k]
			if !ok {
				best[k] = &hit{pole: pr.pole, match: m, distance: d}
				continue
			}
			if m.Similarity > h.match.Similarity {
				h.match = m
			}
			h.distance = math.Min(h.distance, d)
		}
	}

	hits := make([]*hit, 0, len(best))
	for _, h := range best {
		hits = append(hits, h)
	}
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.pole != b.pole {
			return a.pole == anchors.PoleDanger
		}
		if a.match.Similarity != b.match.Similarity {
			return a.match.Similarity > b.match.Similarity
		}
		return a.match.Signal.ID < b.match.Signal.ID
	})

	score := s.opts.Baseline
	annotations := make([]Annotation, 0, len(hits))
	var tags []string
	for _, h := range hits {
		w := s.weight(h.match.Signal)
		var c float64
		if h.pole == anchors.PoleDanger {
			c = -h.match.Similarity * p.DangerWeight * w
			tags = addTag(tags, h.match.Signal)
		} else {
			c = h.match.Similarity * s.opts.SafeWeight * w
		}
		score += c
		annotations = append(annotations, Annotation{
			Pole:           h.pole,
			SignalID:       h.match.Signal.ID,
			Category:       h.match.Signal.Category,
			Name:           h.match.Signal.Name,
			Snippet:        snippet(h.match.Signal.Text),
			DistanceMeters: h.distance,
			Similarity:     h.match.Similarity,
			Contribution:   c,
		})
	}

	coverage := 0.0
	if o.queries > 0 {
		coverage = float64(o.succeeded) / float64(o.queries)
	}
	if tags == nil {
		tags = []string{}
	}
	o.scored = ScoredPath{
		Index:        index,
		Path:         path,
		SafetyScore:  clamp(score),
		Annotations:  annotations,
		Tags:         tags,
		Coverage:     coverage,
		Samples:      len(pts),
		LengthMeters: geo.Length(path),
	}
	s.opts.Logger.Debug("scoring: path scored", "index", index, "samples", len(pts),
		"score", o.scored.SafetyScore, "matches", len(hits), "coverage", coverage)
	return o
}

// weight combines the severity multiplier with optional time decay.
func (s *Scorer) weight(sig domain.Signal) float64 {
	w := 1.0
	if sw, ok := s.opts.SeverityWeights[sig.Severity]; ok && sig.Severity != "" {
		w = sw
	}
	if s.opts.DecayHalfLife > 0 && !sig.CreatedAt.IsZero() {
		age := s.opts.Now().Sub(sig.CreatedAt)
		if age > 0 {
			w *= math.Exp2(-float64(age) / float64(s.opts.DecayHalfLife))
		}
	}
	return w
}

func clamp(v float64) float64 {
	return math.Max(MinScore, math.Min(MaxScore, v))
}

func snippet(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= snippetRunes {
		return text
	}
	r := []rune(text)
	return string(r[:snippetRunes-1]) + "…"
}

// addTag records the label of a danger signal: the text before the first
// ':' ("Crime Report: ..."), or the category when that label is long.
func addTag(tags []string, sig domain.Signal) []string {
	if len(tags) >= maxTags {
		return tags
	}
	tag, _, _ := strings.Cut(sig.Text, ":")
	tag = strings.TrimSpace(tag)
	if tag == "" || utf8.RuneCountInString(tag) >= maxTagRunes {
		tag = string(sig.Category)
	}
	for _, t := range tags {
		if t == tag {
			return tags
		}
	}
	return append(tags, tag)
}
