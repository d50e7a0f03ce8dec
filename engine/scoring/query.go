package scoring

import (
	"context"
	"log/slog"
	"time"

	"github.com/GLYSATVIK/VibeWalk/engine/anchors"
	"github.com/GLYSATVIK/VibeWalk/engine/domain"
	"github.com/GLYSATVIK/VibeWalk/engine/geo"
	"github.com/GLYSATVIK/VibeWalk/pkg/fn"
	"github.com/GLYSATVIK/VibeWalk/pkg/metrics"
)

// Searcher is the read side of the signal store.
type Searcher interface {
	HybridSearch(ctx context.Context, q domain.HybridQuery) ([]domain.Match, error)
}

// probe is one hybrid query: a sample point and an anchor pole.
type probe struct {
	point geo.SampledPoint
	pole  anchors.Pole
}

// querier fans probes out to the store under a shared in-flight cap and a
// per-query timeout.
type querier struct {
	store   Searcher
	anchors anchors.Set
	slots   fn.Slots
	timeout time.Duration
	topK    int
	log     *slog.Logger
	reg     *metrics.Registry
}

// run issues every probe and returns one result per probe, in order.
// Each worker writes only its own slot; callers reduce afterwards.
func (q *querier) run(ctx context.Context, probes []probe, radius float64, cats []domain.Category) []fn.Result[[]domain.Match] {
	vectors := map[anchors.Pole][]float32{
		anchors.PoleDanger: q.anchors.Vector(anchors.PoleDanger),
		anchors.PoleSafe:   q.anchors.Vector(anchors.PoleSafe),
	}
	return fn.ParMapCtx(ctx, probes, cap(q.slots), func(ctx context.Context, p probe) fn.Result[[]domain.Match] {
		if err := q.slots.Acquire(ctx); err != nil {
			q.observe(p.pole, "timeout")
			return fn.Err[[]domain.Match](err)
		}
		defer q.slots.Release()
		q.inflight(1)
		defer q.inflight(-1)

		qctx, cancel := context.WithTimeout(ctx, q.timeout)
		defer cancel()
		matches, err := q.store.HybridSearch(qctx, domain.HybridQuery{
			Vector:       vectors[p.pole],
			Center:       p.point.GeoPoint,
			RadiusMeters: radius,
			TopK:         q.topK,
			ModelVersion: q.anchors.ModelVersion(),
			Categories:   cats,
		})
		if err != nil {
			outcome := "error"
			if qctx.Err() != nil {
				outcome = "timeout"
			}
			q.observe(p.pole, outcome)
			q.log.Warn("scoring: query failed", "pole", p.pole,
				"lat", p.point.Lat, "lng", p.point.Lng, "err", err)
			return fn.Err[[]domain.Match](err)
		}
		q.observe(p.pole, "ok")
		return fn.Ok(matches)
	})
}

// sameSpace drops matches embedded with a different model than the anchors.
func (q *querier) sameSpace(m domain.Match) bool {
	want := q.anchors.ModelVersion()
	if want == "" || m.Signal.ModelVersion == want {
		return true
	}
	q.log.Warn("scoring: skipping signal from another embedding space",
		"signal_id", m.Signal.ID, "model_version", m.Signal.ModelVersion, "want", want)
	return false
}

func (q *querier) observe(pole anchors.Pole, outcome string) {
	if q.reg == nil {
		return
	}
	q.reg.Counter(metrics.WithLabels("vibewalk_store_queries_total", "pole", string(pole), "outcome", outcome),
		"Hybrid signal store queries by pole and outcome").Inc()
}

func (q *querier) inflight(delta float64) {
	if q.reg == nil {
		return
	}
	q.reg.Gauge("vibewalk_store_queries_inflight", "Hybrid queries currently in flight").Add(delta)
}
