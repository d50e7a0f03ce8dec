// Package semantic is the Qdrant-backed signal store. It owns every Qdrant
// operation: collection bootstrap, upserts and hybrid geo+vector queries.
package semantic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/GLYSATVIK/VibeWalk/engine/domain"
	"github.com/GLYSATVIK/VibeWalk/engine/geo"
	"github.com/GLYSATVIK/VibeWalk/pkg/resilience"
)

// pointsClient is the subset of pb.PointsClient the store uses.
type pointsClient interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Scroll(ctx context.Context, in *pb.ScrollPoints, opts ...grpc.CallOption) (*pb.ScrollResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
	CreateFieldIndex(ctx context.Context, in *pb.CreateFieldIndexCollection, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
}

// collectionsClient is the subset of pb.CollectionsClient the store uses.
type collectionsClient interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// VectorStore is the sole owner of all Qdrant operations.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pointsClient
	collections collectionsClient
	collection  string
	breaker     *resilience.Breaker
	log         *slog.Logger
}

type options struct {
	apiKey  string
	tls     bool
	breaker *resilience.Breaker
	log     *slog.Logger
}

// Option configures a VectorStore.
type Option func(*options)

// WithAPIKey sends key as the api-key header on every call.
func WithAPIKey(key string) Option { return func(o *options) { o.apiKey = key } }

// WithTLS dials with TLS instead of plaintext.
func WithTLS() Option { return func(o *options) { o.tls = true } }

// WithBreaker guards every call with b.
func WithBreaker(b *resilience.Breaker) Option { return func(o *options) { o.breaker = b } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

type apiKeyCreds struct {
	key    string
	secure bool
}

func (c apiKeyCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"api-key": c.key}, nil
}

func (c apiKeyCreds) RequireTransportSecurity() bool { return c.secure }

// New creates a VectorStore connected to Qdrant at the given gRPC address.
// The connection is lazy; the first RPC reports an unreachable server.
func New(addr, collection string, opts ...Option) (*VectorStore, error) {
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}

	dial := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if o.tls {
		dial[0] = grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	if o.apiKey != "" {
		dial = append(dial, grpc.WithPerRPCCredentials(apiKeyCreds{key: o.apiKey, secure: o.tls}))
	}

	conn, err := grpc.NewClient(addr, dial...)
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	vs := newStore(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection, o)
	vs.conn = conn
	return vs, nil
}

// NewWithClients builds a VectorStore over pre-built clients.
func NewWithClients(points pointsClient, collections collectionsClient, collection string, opts ...Option) *VectorStore {
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	return newStore(points, collections, collection, o)
}

func newStore(points pointsClient, collections collectionsClient, collection string, o options) *VectorStore {
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.breaker == nil {
		o.breaker = resilience.NewBreaker(resilience.BreakerOpts{
			Name:      "qdrant",
			IsFailure: IsOutage,
		})
	}
	return &VectorStore{
		points:      points,
		collections: collections,
		collection:  collection,
		breaker:     o.breaker,
		log:         o.log,
	}
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// Collection returns the collection name.
func (v *VectorStore) Collection() string { return v.collection }

// IsOutage reports whether err says the server, not the request, is at fault.
func IsOutage(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.NotFound, codes.AlreadyExists, codes.FailedPrecondition:
		return false
	}
	return true
}

// wrap classifies a Qdrant error into the engine's error kinds.
func wrap(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || status.Code(err) == codes.DeadlineExceeded {
		return fmt.Errorf("semantic: %s: %w: %w", op, domain.ErrQueryTimeout, err)
	}
	return fmt.Errorf("semantic: %s: %w: %w", op, domain.ErrUpstreamUnavailable, err)
}

func (v *VectorStore) call(ctx context.Context, op string, f func(context.Context) error) error {
	if err := v.breaker.Call(ctx, f); err != nil {
		return wrap(op, err)
	}
	return nil
}

// EnsureCollection creates the collection with cosine distance and the
// payload indexes hybrid queries rely on, if it doesn't exist.
func (v *VectorStore) EnsureCollection(ctx context.Context, dims int) error {
	if dims <= 0 {
		return fmt.Errorf("semantic: ensure collection: invalid dimension %d", dims)
	}
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return wrap("list collections", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.collection {
			return nil
		}
	}

	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return wrap("create collection "+v.collection, err)
	}

	indexes := []struct {
		field string
		typ   pb.FieldType
	}{
		{keyLocation, pb.FieldType_FieldTypeGeo},
		{keyCategory, pb.FieldType_FieldTypeKeyword},
		{keyModelVersion, pb.FieldType_FieldTypeKeyword},
		{keySource, pb.FieldType_FieldTypeKeyword},
	}
	wait := true
	for _, idx := range indexes {
		typ := idx.typ
		_, err := v.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
			CollectionName: v.collection,
			Wait:           &wait,
			FieldName:      idx.field,
			FieldType:      &typ,
		})
		if err != nil {
			return wrap("index "+idx.field, err)
		}
	}
	v.log.Info("semantic: collection created", "collection", v.collection, "dims", dims)
	return nil
}

// DeleteCollection deletes the collection.
func (v *VectorStore) DeleteCollection(ctx context.Context) error {
	_, err := v.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: v.collection})
	if err != nil {
		return wrap("delete collection "+v.collection, err)
	}
	return nil
}

// Upsert stores signals and waits until they are visible to queries.
func (v *VectorStore) Upsert(ctx context.Context, signals []domain.Signal) error {
	if len(signals) == 0 {
		return nil
	}

	points := make([]*pb.PointStruct, len(signals))
	for i, s := range signals {
		if len(s.Vector) == 0 {
			return fmt.Errorf("semantic: upsert: signal %s has no vector", s.ID)
		}
		points[i] = &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: s.ID}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: s.Vector}}},
			Payload: toPayload(s),
		}
	}

	wait := true
	return v.call(ctx, fmt.Sprintf("upsert %d points", len(points)), func(ctx context.Context) error {
		_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: v.collection,
			Wait:           &wait,
			Points:         points,
		})
		return err
	})
}

// Delete removes signals by id.
func (v *VectorStore) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	pids := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pids[i] = &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}
	}
	wait := true
	return v.call(ctx, "delete", func(ctx context.Context) error {
		_, err := v.points.Delete(ctx, &pb.DeletePoints{
			CollectionName: v.collection,
			Wait:           &wait,
			Points: &pb.PointsSelector{
				PointsSelectorOneOf: &pb.PointsSelector_Points{Points: &pb.PointsIdsList{Ids: pids}},
			},
		})
		return err
	})
}

// HybridSearch returns up to q.TopK signals within q.RadiusMeters of
// q.Center, ranked by cosine similarity to q.Vector.
func (v *VectorStore) HybridSearch(ctx context.Context, q domain.HybridQuery) ([]domain.Match, error) {
	if err := domain.ValidateLocation(q.Center); err != nil {
		return nil, err
	}
	if err := domain.ValidateRadius(q.RadiusMeters); err != nil {
		return nil, err
	}
	limit := q.TopK
	if limit <= 0 {
		limit = 5
	}

	must := []*pb.Condition{geoRadius(q.Center, q.RadiusMeters)}
	if q.ModelVersion != "" {
		must = append(must, fieldMatch(keyModelVersion, q.ModelVersion))
	}
	if len(q.Categories) > 0 {
		cats := make([]string, len(q.Categories))
		for i, c := range q.Categories {
			cats[i] = string(c)
		}
		must = append(must, fieldAnyOf(keyCategory, cats))
	}

	var resp *pb.SearchResponse
	err := v.call(ctx, "search", func(ctx context.Context) error {
		var err error
		resp, err = v.points.Search(ctx, &pb.SearchPoints{
			CollectionName: v.collection,
			Vector:         q.Vector,
			Limit:          uint64(limit),
			Filter:         &pb.Filter{Must: must},
			WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.Match, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		out = append(out, domain.Match{
			Signal:     fromPayload(p.GetId(), p.GetPayload()),
			Similarity: float64(p.GetScore()),
		})
	}
	return out, nil
}

// Scroll paging for Nearby. Qdrant cannot order a scroll by distance, so
// Nearby pages through the radius and sorts client-side.
const (
	nearbyPage    = 256
	nearbyScanMax = 4096
)

// Nearby returns the limit signals nearest to center within radius. It uses
// no vector ranking. At most nearbyScanMax points in the radius are
// considered.
func (v *VectorStore) Nearby(ctx context.Context, center domain.GeoPoint, radiusMeters float64, limit int) ([]domain.Signal, error) {
	if err := domain.ValidateLocation(center); err != nil {
		return nil, err
	}
	if err := domain.ValidateRadius(radiusMeters); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	page := uint32(nearbyPage)
	filter := &pb.Filter{Must: []*pb.Condition{geoRadius(center, radiusMeters)}}
	var (
		out    []domain.Signal
		offset *pb.PointId
	)
	for {
		var resp *pb.ScrollResponse
		err := v.call(ctx, "scroll", func(ctx context.Context) error {
			var err error
			resp, err = v.points.Scroll(ctx, &pb.ScrollPoints{
				CollectionName: v.collection,
				Filter:         filter,
				Offset:         offset,
				Limit:          &page,
				WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, p := range resp.GetResult() {
			out = append(out, fromPayload(p.GetId(), p.GetPayload()))
		}
		offset = resp.GetNextPageOffset()
		if offset == nil || len(out) >= nearbyScanMax {
			if offset != nil {
				v.log.Warn("semantic: nearby scan truncated", "collection", v.collection, "scanned", len(out))
			}
			break
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return geo.Haversine(center, out[i].Location) < geo.Haversine(center, out[j].Location)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the exact number of stored signals.
func (v *VectorStore) Count(ctx context.Context) (uint64, error) {
	exact := true
	var n uint64
	err := v.call(ctx, "count", func(ctx context.Context) error {
		resp, err := v.points.Count(ctx, &pb.CountPoints{CollectionName: v.collection, Exact: &exact})
		if err != nil {
			return err
		}
		n = resp.GetResult().GetCount()
		return nil
	})
	return n, err
}
