// Package routing fetches candidate walking paths from an OSRM server.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/GLYSATVIK/VibeWalk/engine/domain"
	"github.com/GLYSATVIK/VibeWalk/engine/geo"
	"github.com/GLYSATVIK/VibeWalk/pkg/fn"
	"github.com/GLYSATVIK/VibeWalk/pkg/resilience"
)

// DefaultURL is the public OSRM demo server.
const DefaultURL = "http://router.project-osrm.org"

// WaypointOffset is the latitude shift, in degrees (about 300 m), of the
// midpoint waypoint used for the north and south alternates.
const WaypointOffset = 0.003

// Route labels.
const (
	LabelDirect   = "Direct Walking Route"
	LabelNorth    = "North Alternate"
	LabelSouth    = "South Alternate"
	LabelFallback = "Straight Line"
)

// Route is one candidate path between two points.
type Route struct {
	Label           string      `json:"label"`
	Path            domain.Path `json:"path"`
	DistanceMeters  float64     `json:"distance_m"`
	DurationSeconds float64     `json:"duration_s,omitempty"`
}

// Client talks to OSRM's route service.
type Client struct {
	baseURL  string
	profile  string
	http     *http.Client
	throttle *resilience.Throttle
	breaker  *resilience.Breaker
	log      *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithThrottle spaces requests; the public server asks for at most one per second.
func WithThrottle(t *resilience.Throttle) Option { return func(c *Client) { c.throttle = t } }

// WithBreaker replaces the default "osrm" breaker.
func WithBreaker(b *resilience.Breaker) Option { return func(c *Client) { c.breaker = b } }

// WithProfile selects the OSRM profile (default "foot"). Empty keeps the default.
func WithProfile(p string) Option {
	return func(c *Client) {
		if p != "" {
			c.profile = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.log = l } }

// New creates a Client for baseURL (DefaultURL when empty).
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		profile: "foot",
		http: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		throttle: resilience.NewThrottle(time.Second, 1),
		breaker:  resilience.NewBreaker(resilience.BreakerOpts{Name: "osrm"}),
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type osrmResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"routes"`
}

// Route returns the path through the given waypoints. Failures wrap
// domain.ErrUpstreamUnavailable.
func (c *Client) Route(ctx context.Context, waypoints ...domain.GeoPoint) (Route, error) {
	if err := domain.ValidatePath(waypoints); err != nil {
		return Route{}, err
	}
	r, err := resilience.Do(c.breaker, ctx, func(ctx context.Context) (Route, error) {
		if err := c.throttle.Wait(ctx); err != nil {
			return Route{}, err
		}
		return c.fetch(ctx, waypoints)
	})
	if err != nil && !errors.Is(err, domain.ErrUpstreamUnavailable) {
		err = fmt.Errorf("osrm: %w: %w", domain.ErrUpstreamUnavailable, err)
	}
	return r, err
}

func (c *Client) fetch(ctx context.Context, waypoints []domain.GeoPoint) (Route, error) {
	coords := make([]string, len(waypoints))
	for i, p := range waypoints {
		// OSRM takes lng,lat.
		coords[i] = strconv.FormatFloat(p.Lng, 'f', -1, 64) + "," + strconv.FormatFloat(p.Lat, 'f', -1, 64)
	}
	q := url.Values{"overview": {"full"}, "geometries": {"geojson"}, "steps": {"false"}}
	u := fmt.Sprintf("%s/route/v1/%s/%s?%s", c.baseURL, c.profile, strings.Join(coords, ";"), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Route{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Route{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Route{}, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var body osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Route{}, fmt.Errorf("decode: %w", err)
	}
	if body.Code != "Ok" || len(body.Routes) == 0 {
		return Route{}, fmt.Errorf("code %q: %s", body.Code, body.Message)
	}

	best := body.Routes[0]
	path := make(domain.Path, 0, len(best.Geometry.Coordinates))
	for _, xy := range best.Geometry.Coordinates {
		if len(xy) < 2 {
			continue
		}
		path = append(path, domain.GeoPoint{Lat: xy[1], Lng: xy[0]})
	}
	if len(path) < 2 {
		return Route{}, fmt.Errorf("geometry has %d points", len(path))
	}
	return Route{Path: path, DistanceMeters: best.Distance, DurationSeconds: best.Duration}, nil
}

type plan struct {
	label     string
	waypoints []domain.GeoPoint
}

// Alternatives returns up to three walking routes from start to end: direct,
// and via a waypoint offset north and south of the midpoint. Routes OSRM
// cannot serve are skipped; if none succeed a single straight-line path is
// returned so the caller can still score something.
func (c *Client) Alternatives(ctx context.Context, start, end domain.GeoPoint) ([]Route, error) {
	if err := domain.ValidatePath(domain.Path{start, end}); err != nil {
		return nil, err
	}
	mid := geo.Midpoint(start, end)
	plans := []plan{
		{LabelDirect, []domain.GeoPoint{start, end}},
		{LabelNorth, []domain.GeoPoint{start, geo.Offset(mid, WaypointOffset, 0), end}},
		{LabelSouth, []domain.GeoPoint{start, geo.Offset(mid, -WaypointOffset, 0), end}},
	}

	results := fn.ParMapCtx(ctx, plans, len(plans), func(ctx context.Context, p plan) fn.Result[Route] {
		r, err := c.Route(ctx, p.waypoints...)
		if err != nil {
			return fn.Err[Route](err)
		}
		r.Label = p.label
		return fn.Ok(r)
	})

	routes, errs := fn.Partition(results)
	for _, err := range errs {
		c.log.Warn("routing: alternate failed", "err", err)
	}
	if len(routes) == 0 {
		c.log.Warn("routing: OSRM unavailable, using straight line")
		routes = []Route{{
			Label:          LabelFallback,
			Path:           domain.Path{start, end},
			DistanceMeters: geo.Haversine(start, end),
		}}
	}
	return routes, nil
}
