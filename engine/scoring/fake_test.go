package scoring

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/GLYSATVIK/VibeWalk/engine/anchors"
	"github.com/GLYSATVIK/VibeWalk/engine/domain"
	"github.com/GLYSATVIK/VibeWalk/engine/geo"
)

const testModel = "test/v1"

var (
	origin     = domain.GeoPoint{Lat: 40.7505, Lng: -73.9934}
	testAnchor = anchors.New([]float32{1, 0}, []float32{0, 1}, testModel)
	quiet      = slog.New(slog.NewTextHandler(io.Discard, nil))
)

// north returns p moved meters due north.
func north(p domain.GeoPoint, meters float64) domain.GeoPoint {
	return domain.GeoPoint{Lat: p.Lat + meters/geo.EarthRadiusMeters*180/math.Pi, Lng: p.Lng}
}

// east returns p moved meters due east.
func east(p domain.GeoPoint, meters float64) domain.GeoPoint {
	dLng := meters / (geo.EarthRadiusMeters * math.Cos(p.Lat*math.Pi/180)) * 180 / math.Pi
	return domain.GeoPoint{Lat: p.Lat, Lng: p.Lng + dLng}
}

// straight returns a path running meters due north from p.
func straight(p domain.GeoPoint, meters float64) domain.Path {
	return domain.Path{p, north(p, meters)}
}

// fakeSignal is a stored signal with fixed similarities to each anchor.
type fakeSignal struct {
	sig    domain.Signal
	danger float64
	safe   float64
	// falloff lowers similarity by 1e-4 per meter from the query center so
	// the closest sample sees the highest similarity.
	falloff bool
}

// fakeStore implements Searcher over an in-memory list with exact haversine
// radius filtering.
type fakeStore struct {
	signals   []fakeSignal
	fail      func(q domain.HybridQuery) error
	block     func(q domain.HybridQuery) bool
	skipModel bool
	delay     time.Duration

	mu          sync.Mutex
	inflight    int
	maxInflight int
	queries     []domain.HybridQuery
}

func (f *fakeStore) HybridSearch(ctx context.Context, q domain.HybridQuery) ([]domain.Match, error) {
	f.mu.Lock()
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if f.block != nil && f.block(q) {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %w", domain.ErrQueryTimeout, ctx.Err())
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail != nil {
		if err := f.fail(q); err != nil {
			return nil, err
		}
	}

	dangerQuery := q.Vector[0] == 1
	var out []domain.Match
	for _, fs := range f.signals {
		if !f.skipModel && q.ModelVersion != "" && fs.sig.ModelVersion != q.ModelVersion {
			continue
		}
		if len(q.Categories) > 0 && !containsCategory(q.Categories, fs.sig.Category) {
			continue
		}
		d := geo.Haversine(q.Center, fs.sig.Location)
		if d > q.RadiusMeters {
			continue
		}
		sim := fs.safe
		if dangerQuery {
			sim = fs.danger
		}
		if fs.falloff {
			sim -= d * 1e-4
		}
		out = append(out, domain.Match{Signal: fs.sig, Similarity: sim})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > q.TopK {
		out = out[:q.TopK]
	}
	return out, nil
}

func containsCategory(cats []domain.Category, c domain.Category) bool {
	for _, x := range cats {
		if x == c {
			return true
		}
	}
	return false
}

func signalAt(id string, p domain.GeoPoint, text string, cat domain.Category) domain.Signal {
	return domain.Signal{ID: id, Text: text, Category: cat, Location: p, ModelVersion: testModel, Source: domain.SourceSeed}
}

func newTestScorer(store Searcher, mutate ...func(*Options)) *Scorer {
	opts := DefaultOptions()
	opts.Logger = quiet
	for _, m := range mutate {
		m(&opts)
	}
	return NewScorer(store, testAnchor, opts)
}
