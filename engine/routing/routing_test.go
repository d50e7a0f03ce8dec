package routing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/GLYSATVIK/VibeWalk/engine/domain"
	"github.com/GLYSATVIK/VibeWalk/pkg/resilience"
)

var (
	penn   = domain.GeoPoint{Lat: 40.7505, Lng: -73.9934}
	bryant = domain.GeoPoint{Lat: 40.7536, Lng: -73.9832}
	quiet  = slog.New(slog.NewTextHandler(io.Discard, nil))
)

// echoOSRM answers every route request with a geometry through the
// requested waypoints, in OSRM's lng,lat order.
func echoOSRM(t *testing.T, hits *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if !strings.HasPrefix(r.URL.Path, "/route/v1/foot/") {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		if q.Get("overview") != "full" || q.Get("geometries") != "geojson" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		var coords [][]float64
		for _, pair := range strings.Split(strings.TrimPrefix(r.URL.Path, "/route/v1/foot/"), ";") {
			lng, lat, _ := strings.Cut(pair, ",")
			x, _ := strconv.ParseFloat(lng, 64)
			y, _ := strconv.ParseFloat(lat, 64)
			coords = append(coords, []float64{x, y})
		}
		json.NewEncoder(w).Encode(map[string]any{
			"code": "Ok",
			"routes": []map[string]any{{
				"distance": 1234.5,
				"duration": 900.0,
				"geometry": map[string]any{"type": "LineString", "coordinates": coords},
			}},
		})
	}))
}

func newTestClient(url string) *Client {
	return New(url, WithThrottle(resilience.NewThrottle(0, 1)), WithLogger(quiet))
}

func TestRoute_ParsesGeometry(t *testing.T) {
	var hits atomic.Int32
	srv := echoOSRM(t, &hits)
	defer srv.Close()

	r, err := newTestClient(srv.URL).Route(context.Background(), penn, bryant)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(r.Path) != 2 || r.Path[0] != penn || r.Path[1] != bryant {
		t.Fatalf("expected lat/lng swapped back, got %+v", r.Path)
	}
	if r.DistanceMeters != 1234.5 || r.DurationSeconds != 900 {
		t.Fatalf("unexpected totals %+v", r)
	}
}

func TestRoute_Errors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) { http.Error(w, "busy", http.StatusTooManyRequests) },
		"code": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"code":"NoRoute","message":"Impossible route","routes":[]}`))
		},
		"short geometry": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"code":"Ok","routes":[{"geometry":{"coordinates":[[-73.99,40.75]]}}]}`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()
			_, err := newTestClient(srv.URL).Route(context.Background(), penn, bryant)
			if !errors.Is(err, domain.ErrUpstreamUnavailable) {
				t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
			}
		})
	}
}

func TestRoute_InvalidWaypoints(t *testing.T) {
	c := newTestClient("http://127.0.0.1:0")
	if _, err := c.Route(context.Background(), penn); !errors.Is(err, domain.ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
}

func TestAlternatives(t *testing.T) {
	var hits atomic.Int32
	srv := echoOSRM(t, &hits)
	defer srv.Close()

	routes, err := newTestClient(srv.URL).Alternatives(context.Background(), penn, bryant)
	if err != nil {
		t.Fatalf("Alternatives: %v", err)
	}
	if len(routes) != 3 || hits.Load() != 3 {
		t.Fatalf("expected 3 routes from 3 requests, got %d/%d", len(routes), hits.Load())
	}
	want := []string{LabelDirect, LabelNorth, LabelSouth}
	for i, r := range routes {
		if r.Label != want[i] {
			t.Fatalf("route %d: expected %q, got %q", i, want[i], r.Label)
		}
	}
	midLat := (penn.Lat + bryant.Lat) / 2
	if n := routes[1].Path[1]; n.Lat <= midLat+0.0029 {
		t.Fatalf("north waypoint should be ~0.003 deg above the midpoint, got %+v", n)
	}
	if s := routes[2].Path[1]; s.Lat >= midLat-0.0029 {
		t.Fatalf("south waypoint should be ~0.003 deg below the midpoint, got %+v", s)
	}
}

func TestAlternatives_StraightLineFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	routes, err := newTestClient(srv.URL).Alternatives(context.Background(), penn, bryant)
	if err != nil {
		t.Fatalf("Alternatives: %v", err)
	}
	if len(routes) != 1 || routes[0].Label != LabelFallback {
		t.Fatalf("expected a single fallback route, got %+v", routes)
	}
	if p := routes[0].Path; len(p) != 2 || p[0] != penn || p[1] != bryant {
		t.Fatalf("fallback must be the straight line, got %+v", p)
	}
	if routes[0].DistanceMeters < 900 || routes[0].DistanceMeters > 1100 {
		t.Fatalf("unexpected fallback distance %f", routes[0].DistanceMeters)
	}
}

func TestAlternatives_Validation(t *testing.T) {
	c := newTestClient("http://127.0.0.1:0")
	_, err := c.Alternatives(context.Background(), penn, domain.GeoPoint{Lat: 100, Lng: 0})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestWithProfile(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.URL.Path)
		w.Write([]byte(`{"code":"Ok","routes":[{"geometry":{"coordinates":[[-73.99,40.75],[-73.98,40.75]]}}]}`))
	}))
	defer srv.Close()

	for profile, prefix := range map[string]string{"": "/route/v1/foot/", "wheelchair": "/route/v1/wheelchair/"} {
		c := New(srv.URL, WithThrottle(resilience.NewThrottle(0, 1)), WithLogger(quiet), WithProfile(profile))
		if _, err := c.Route(context.Background(), penn, bryant); err != nil {
			t.Fatalf("profile %q: %v", profile, err)
		}
		if p, _ := got.Load().(string); !strings.HasPrefix(p, prefix) {
			t.Fatalf("profile %q: requested %q, want prefix %q", profile, p, prefix)
		}
	}
}
