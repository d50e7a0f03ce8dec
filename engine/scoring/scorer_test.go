package scoring

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/GLYSATVIK/VibeWalk/engine/anchors"
	"github.com/GLYSATVIK/VibeWalk/engine/domain"
	"github.com/GLYSATVIK/VibeWalk/pkg/metrics"
)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func scoreOne(t *testing.T, s *Scorer, path domain.Path, p Params) ScoredPath {
	t.Helper()
	out, err := s.Score(context.Background(), []domain.Path{path}, p)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 result, got %d", len(out))
	}
	return out[0]
}

func TestScore_NoMatchesIsBaseline(t *testing.T) {
	s := newTestScorer(&fakeStore{})
	got := scoreOne(t, s, straight(origin, 1000), DefaultParams())
	if got.SafetyScore != 10 {
		t.Fatalf("expected 10, got %f", got.SafetyScore)
	}
	if len(got.Annotations) != 0 || len(got.Tags) != 0 {
		t.Fatalf("expected no evidence, got %+v", got)
	}
	if got.Tags == nil {
		t.Fatal("tags must be an empty slice, not nil")
	}
	if got.Coverage != 1 || got.Samples != 21 {
		t.Fatalf("unexpected coverage/samples: %f/%d", got.Coverage, got.Samples)
	}
	if math.Abs(got.LengthMeters-1000) > 0.5 {
		t.Fatalf("expected a 1000m path, got %f", got.LengthMeters)
	}
}

func TestScore_SingleDangerSignal(t *testing.T) {
	store := &fakeStore{signals: []fakeSignal{{
		sig:    signalAt("c1", east(north(origin, 500), 20), "Crime Report: ROBBERY", domain.CategoryCrime),
		danger: 0.85,
	}}}
	got := scoreOne(t, newTestScorer(store), straight(origin, 1000), DefaultParams())

	if !near(got.SafetyScore, 6.6) {
		t.Fatalf("expected 6.6, got %f", got.SafetyScore)
	}
	if len(got.Annotations) != 1 {
		t.Fatalf("expected 1 annotation, got %d", len(got.Annotations))
	}
	a := got.Annotations[0]
	if a.Pole != anchors.PoleDanger || a.SignalID != "c1" {
		t.Fatalf("unexpected annotation %+v", a)
	}
	if a.DistanceMeters < 19.9 || a.DistanceMeters > 20.1 {
		t.Fatalf("expected ~20m, got %f", a.DistanceMeters)
	}
	if !near(a.Contribution, -3.4) {
		t.Fatalf("expected contribution -3.4, got %f", a.Contribution)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "Crime Report" {
		t.Fatalf("unexpected tags %v", got.Tags)
	}
}

func TestScore_ThresholdIsInclusive(t *testing.T) {
	at := func(sim float64) *fakeStore {
		return &fakeStore{signals: []fakeSignal{{
			sig:    signalAt("c1", north(origin, 200), "Crime Report: THEFT", domain.CategoryCrime),
			danger: sim,
		}}}
	}
	if got := scoreOne(t, newTestScorer(at(0.60)), straight(origin, 400), DefaultParams()); !near(got.SafetyScore, 7.6) {
		t.Fatalf("similarity equal to threshold must count: got %f", got.SafetyScore)
	}
	if got := scoreOne(t, newTestScorer(at(0.5999)), straight(origin, 400), DefaultParams()); got.SafetyScore != 10 {
		t.Fatalf("similarity below threshold must not count: got %f", got.SafetyScore)
	}
}

func TestScore_DedupAcrossSamples(t *testing.T) {
	// Sitting on the path, the signal is within radius of several samples.
	store := &fakeStore{signals: []fakeSignal{{
		sig:     signalAt("c1", north(origin, 500), "Crime Report: ASSAULT", domain.CategoryCrime),
		danger:  0.9,
		falloff: true,
	}}}
	got := scoreOne(t, newTestScorer(store), straight(origin, 1000), DefaultParams())

	if len(got.Annotations) != 1 {
		t.Fatalf("signal must be counted once, got %d annotations", len(got.Annotations))
	}
	if !near(got.SafetyScore, 6.4) {
		t.Fatalf("expected 6.4 from the closest sample, got %f", got.SafetyScore)
	}
	if got.Annotations[0].DistanceMeters > 1e-3 {
		t.Fatalf("expected the minimum distance, got %f", got.Annotations[0].DistanceMeters)
	}
}

func TestScore_Clamped(t *testing.T) {
	var danger []fakeSignal
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		danger = append(danger, fakeSignal{
			sig:    signalAt(id, north(origin, float64(100+i*10)), "Crime Report: X", domain.CategoryCrime),
			danger: 0.95,
		})
	}
	if got := scoreOne(t, newTestScorer(&fakeStore{signals: danger}), straight(origin, 300), DefaultParams()); got.SafetyScore != 0 {
		t.Fatalf("expected clamp to 0, got %f", got.SafetyScore)
	}

	safe := &fakeStore{signals: []fakeSignal{{
		sig:  signalAt("r1", north(origin, 100), "Great coffee, busy street", domain.CategoryReview),
		safe: 0.9,
	}}}
	got := scoreOne(t, newTestScorer(safe), straight(origin, 300), DefaultParams())
	if got.SafetyScore != 10 {
		t.Fatalf("expected clamp to 10, got %f", got.SafetyScore)
	}
	if len(got.Annotations) != 1 || got.Annotations[0].Pole != anchors.PoleSafe {
		t.Fatalf("safe signal should still be annotated: %+v", got.Annotations)
	}
}

func TestScore_MonotonicInDangerSimilarity(t *testing.T) {
	scoreAt := func(sim float64) float64 {
		store := &fakeStore{signals: []fakeSignal{{
			sig:    signalAt("c1", north(origin, 100), "Crime Report: X", domain.CategoryCrime),
			danger: sim,
		}}}
		return scoreOne(t, newTestScorer(store), straight(origin, 200), DefaultParams()).SafetyScore
	}
	prev := 10.0
	for _, sim := range []float64{0.6, 0.7, 0.8, 0.9, 1.0} {
		got := scoreAt(sim)
		if got > prev {
			t.Fatalf("score rose from %f to %f as similarity grew to %f", prev, got, sim)
		}
		prev = got
	}
}

func TestScore_TwoPathsRankedBySeverity(t *testing.T) {
	sig := signalAt("c1", east(north(origin, 500), 10), "Crime Report: FELONY ASSAULT", domain.CategoryCrime)
	sig.Severity = domain.SeverityHigh
	store := &fakeStore{signals: []fakeSignal{{sig: sig, danger: 0.9}}}

	pathA := straight(origin, 1000)
	pathB := straight(east(origin, 500), 1000)
	p := Params{RadiusMeters: 100, Threshold: 0.6, DangerWeight: 4}

	weighted := func(o *Options) {
		o.SeverityWeights = map[domain.Severity]float64{domain.SeverityHigh: 1.25}
	}
	out, err := newTestScorer(store, weighted).Score(context.Background(), []domain.Path{pathA, pathB}, p)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if out[0].Index != 0 || out[1].Index != 1 {
		t.Fatalf("results must keep input order: %d, %d", out[0].Index, out[1].Index)
	}
	if !near(out[0].SafetyScore, 5.5) {
		t.Fatalf("path A: expected 5.5, got %f", out[0].SafetyScore)
	}
	if out[1].SafetyScore != 10 {
		t.Fatalf("path B: expected 10, got %f", out[1].SafetyScore)
	}
}

func TestScore_SeverityIsNeutralByDefault(t *testing.T) {
	for _, sev := range []domain.Severity{"", domain.SeverityHigh, domain.SeverityMedium, domain.SeverityLow} {
		sig := signalAt("c1", north(origin, 500), "Crime Report: ROBBERY", domain.CategoryCrime)
		sig.Severity = sev
		store := &fakeStore{signals: []fakeSignal{{sig: sig, danger: 1}}}
		got := scoreOne(t, newTestScorer(store), straight(origin, 1000), Params{RadiusMeters: 150, Threshold: 0.6, DangerWeight: 4})
		if !near(got.SafetyScore, 6) {
			t.Fatalf("severity %q: expected 10 - 1*4 = 6, got %f", sev, got.SafetyScore)
		}
	}
}

func TestScore_SafeBonus(t *testing.T) {
	store := &fakeStore{signals: []fakeSignal{
		{sig: signalAt("c1", north(origin, 100), "Crime Report: X", domain.CategoryCrime), danger: 0.8},
		{sig: signalAt("r1", north(origin, 150), "Well lit, lots of people", domain.CategoryReview), safe: 0.9},
	}}
	got := scoreOne(t, newTestScorer(store), straight(origin, 300), DefaultParams())
	if !near(got.SafetyScore, 7.7) {
		t.Fatalf("expected 7.7, got %f", got.SafetyScore)
	}
	if got.Annotations[0].Pole != anchors.PoleDanger || got.Annotations[1].Pole != anchors.PoleSafe {
		t.Fatalf("danger annotations come first: %+v", got.Annotations)
	}
	if len(got.Tags) != 1 {
		t.Fatalf("only danger hits produce tags, got %v", got.Tags)
	}
}

func TestScore_TimeDecay(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := signalAt("c1", north(origin, 100), "Crime Report: X", domain.CategoryCrime)
	old.CreatedAt = now.Add(-24 * time.Hour)
	store := &fakeStore{signals: []fakeSignal{{sig: old, danger: 0.8}}}

	s := newTestScorer(store, func(o *Options) {
		o.DecayHalfLife = 24 * time.Hour
		o.Now = func() time.Time { return now }
	})
	if got := scoreOne(t, s, straight(origin, 200), DefaultParams()); !near(got.SafetyScore, 8.4) {
		t.Fatalf("expected 8.4 after one half-life, got %f", got.SafetyScore)
	}

	// Without a half-life the age is ignored.
	if got := scoreOne(t, newTestScorer(store), straight(origin, 200), DefaultParams()); !near(got.SafetyScore, 6.8) {
		t.Fatalf("expected 6.8 without decay, got %f", got.SafetyScore)
	}
}

func TestScore_SkipsOtherModelVersions(t *testing.T) {
	sig := signalAt("c1", north(origin, 100), "Crime Report: X", domain.CategoryCrime)
	sig.ModelVersion = "other/v9"
	store := &fakeStore{skipModel: true, signals: []fakeSignal{{sig: sig, danger: 0.9}}}

	got := scoreOne(t, newTestScorer(store), straight(origin, 200), DefaultParams())
	if got.SafetyScore != 10 || len(got.Annotations) != 0 {
		t.Fatalf("signals from another embedding space must be ignored: %+v", got)
	}
	if store.queries[0].ModelVersion != testModel {
		t.Fatalf("queries must carry the anchor model, got %q", store.queries[0].ModelVersion)
	}
}

func TestScore_AllQueriesFail(t *testing.T) {
	store := &fakeStore{fail: func(domain.HybridQuery) error {
		return domain.ErrUpstreamUnavailable
	}}
	_, err := newTestScorer(store).Score(context.Background(), []domain.Path{straight(origin, 200)}, DefaultParams())
	if !errors.Is(err, domain.ErrScoringFailure) {
		t.Fatalf("expected ErrScoringFailure, got %v", err)
	}
	if k := domain.Classify(err); k != domain.KindScoring {
		t.Fatalf("expected kind %q, got %q", domain.KindScoring, k)
	}
}

func TestScore_PerQueryTimeoutsAreScoringFailure(t *testing.T) {
	store := &fakeStore{block: func(domain.HybridQuery) bool { return true }}
	s := newTestScorer(store, func(o *Options) { o.QueryTimeout = 20 * time.Millisecond })

	_, err := s.Score(context.Background(), []domain.Path{straight(origin, 100)}, DefaultParams())
	if k := domain.Classify(err); k != domain.KindScoring {
		t.Fatalf("expected kind %q, got %q (%v)", domain.KindScoring, k, err)
	}
}

func TestScore_FailedPoleCountsAsNoMatch(t *testing.T) {
	store := &fakeStore{
		signals: []fakeSignal{{sig: signalAt("c1", north(origin, 100), "Crime Report: X", domain.CategoryCrime), danger: 0.75}},
		fail: func(q domain.HybridQuery) error {
			if q.Vector[1] == 1 {
				return domain.ErrUpstreamUnavailable
			}
			return nil
		},
	}
	got := scoreOne(t, newTestScorer(store), straight(origin, 200), DefaultParams())
	if !near(got.SafetyScore, 7) {
		t.Fatalf("expected 7, got %f", got.SafetyScore)
	}
	if got.Coverage != 0.5 {
		t.Fatalf("expected coverage 0.5, got %f", got.Coverage)
	}
}

func TestScore_RequestDeadline(t *testing.T) {
	store := &fakeStore{block: func(domain.HybridQuery) bool { return true }}
	s := newTestScorer(store, func(o *Options) { o.QueryTimeout = 5 * time.Second })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := s.Score(ctx, []domain.Path{straight(origin, 500)}, DefaultParams())
	if !errors.Is(err, domain.ErrScoringFailure) || !errors.Is(err, domain.ErrQueryTimeout) {
		t.Fatalf("expected scoring failure wrapping timeout, got %v", err)
	}
	if k := domain.Classify(err); k != domain.KindTimeout {
		t.Fatalf("expected kind %q, got %q", domain.KindTimeout, k)
	}
}

func TestScore_PartialResultOnDeadline(t *testing.T) {
	pathA := straight(origin, 300)
	pathB := straight(east(origin, 2000), 300)
	store := &fakeStore{
		signals: []fakeSignal{{sig: signalAt("c1", north(origin, 100), "Crime Report: X", domain.CategoryCrime), danger: 0.8}},
		block:   func(q domain.HybridQuery) bool { return q.Center.Lng > origin.Lng+0.01 },
	}
	s := newTestScorer(store, func(o *Options) {
		o.QueryTimeout = 5 * time.Second
		o.MaxInFlight = 100
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	out, err := s.Score(ctx, []domain.Path{pathA, pathB}, DefaultParams())
	if err != nil {
		t.Fatalf("expected a partial result, got %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected both paths, got %d", len(out))
	}
	if out[0].Coverage != 1 || !near(out[0].SafetyScore, 6.8) {
		t.Fatalf("path A should be fully scored: %+v", out[0])
	}
	if out[1].Coverage != 0 || out[1].SafetyScore != 10 {
		t.Fatalf("path B should be unscored baseline: %+v", out[1])
	}
}

func TestScore_BoundsInFlightQueries(t *testing.T) {
	store := &fakeStore{delay: 2 * time.Millisecond}
	reg := metrics.New()
	s := newTestScorer(store, func(o *Options) {
		o.MaxInFlight = 3
		o.Metrics = reg
	})
	paths := []domain.Path{straight(origin, 500), straight(east(origin, 300), 500), straight(east(origin, 600), 500)}
	if _, err := s.Score(context.Background(), paths, DefaultParams()); err != nil {
		t.Fatalf("Score: %v", err)
	}
	if store.maxInflight > 3 {
		t.Fatalf("expected at most 3 concurrent queries, saw %d", store.maxInflight)
	}
	if len(store.queries) != 3*11*2 {
		t.Fatalf("expected %d queries, got %d", 3*11*2, len(store.queries))
	}
	if !strings.Contains(reg.Render(), `vibewalk_store_queries_total{pole="danger",outcome="ok"} 33`) {
		t.Fatalf("missing query counter:\n%s", reg.Render())
	}
}

func TestScore_Validation(t *testing.T) {
	s := newTestScorer(&fakeStore{})
	ctx := context.Background()
	good := straight(origin, 100)

	cases := []struct {
		name  string
		paths []domain.Path
		p     Params
		want  error
	}{
		{"no paths", nil, DefaultParams(), domain.ErrInvalidPath},
		{"one point", []domain.Path{{origin}}, DefaultParams(), domain.ErrInvalidPath},
		{"bad lat", []domain.Path{{origin, {Lat: 91, Lng: 0}}}, DefaultParams(), domain.ErrLatOutOfRange},
		{"zero radius", []domain.Path{good}, Params{RadiusMeters: 0, Threshold: 0.6, DangerWeight: 4}, domain.ErrInvalidRadius},
		{"threshold", []domain.Path{good}, Params{RadiusMeters: 150, Threshold: 1.5, DangerWeight: 4}, domain.ErrInvalidThreshold},
		{"weight", []domain.Path{good}, Params{RadiusMeters: 150, Threshold: 0.6, DangerWeight: 0}, domain.ErrInvalidWeight},
		{"weight below safe", []domain.Path{good}, Params{RadiusMeters: 150, Threshold: 0.6, DangerWeight: 0.5}, domain.ErrInvalidWeight},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Score(ctx, tc.paths, tc.p)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected a validation error, got %v", err)
			}
		})
	}
}

func TestScore_Tags(t *testing.T) {
	at := north(origin, 100)
	long := signalAt("d", at, "This is a very long description without any separator", domain.CategoryUserReport)
	store := &fakeStore{signals: []fakeSignal{
		{sig: signalAt("a", at, "Crime Report: ROBBERY", domain.CategoryCrime), danger: 0.95},
		{sig: signalAt("b", at, "Crime Report: ASSAULT", domain.CategoryCrime), danger: 0.94},
		{sig: signalAt("c", at, "User Report: dark underpass", domain.CategoryUserReport), danger: 0.93},
		{sig: long, danger: 0.92},
		{sig: signalAt("e", at, "Noise: loud bar crowd", domain.CategoryUserReport), danger: 0.91},
		{sig: signalAt("f", at, "Lighting: broken lamps", domain.CategoryUserReport), danger: 0.90},
	}}
	s := newTestScorer(store, func(o *Options) { o.TopK = 10 })
	got := scoreOne(t, s, straight(origin, 200), DefaultParams())

	want := []string{"Crime Report", "User Report", "user_report", "Noise"}
	if len(got.Tags) != len(want) {
		t.Fatalf("expected tags %v, got %v", want, got.Tags)
	}
	for i := range want {
		if got.Tags[i] != want[i] {
			t.Fatalf("expected tags %v, got %v", want, got.Tags)
		}
	}
	if got.SafetyScore != 0 {
		t.Fatalf("expected clamp to 0, got %f", got.SafetyScore)
	}
}

func TestSnippet(t *testing.T) {
	short := "Dark alley"
	if snippet("  "+short+"  ") != short {
		t.Fatalf("short text should be trimmed only")
	}
	long := strings.Repeat("é", 100)
	got := snippet(long)
	if utf8.RuneCountInString(got) != snippetRunes || !strings.HasSuffix(got, "…") {
		t.Fatalf("unexpected snippet %q", got)
	}
}
