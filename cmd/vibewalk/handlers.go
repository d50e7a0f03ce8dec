package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/GLYSATVIK/VibeWalk/engine/domain"
	"github.com/GLYSATVIK/VibeWalk/engine/ledger"
	"github.com/GLYSATVIK/VibeWalk/engine/navigate"
	"github.com/GLYSATVIK/VibeWalk/engine/report"
	"github.com/GLYSATVIK/VibeWalk/pkg/metrics"
	"github.com/GLYSATVIK/VibeWalk/pkg/mid"
)

const maxBodyBytes = 1 << 20

var errBadParam = errors.New("malformed parameter")

// newMux registers the API routes. The recent-reports route exists only when
// a ledger is configured.
func newMux(svc *navigate.Service, l *ledger.Ledger, reg *metrics.Registry, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", handleRoot(svc))
	mux.HandleFunc("GET /api/health", handleHealth(svc))
	mux.HandleFunc("GET /api/routes", handleRoutesQuery(svc, logger))
	mux.HandleFunc("POST /api/routes", handleRoutesBody(svc, logger))
	mux.HandleFunc("POST /api/reports", handleReport(svc, logger))
	mux.HandleFunc("GET /api/nearby", handleNearby(svc, logger))
	if l != nil {
		mux.HandleFunc("GET /api/reports/recent", handleRecent(l, logger))
	}
	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}
	return mux
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind string) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindUpstream, domain.KindScoring:
		return http.StatusServiceUnavailable
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	case domain.KindIngestion:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	kind := domain.Classify(err)
	status := statusFor(kind)
	msg := err.Error()
	if status >= 500 {
		logger.Error("request failed", "err", err, "kind", kind,
			"path", r.URL.Path, "request_id", mid.RequestIDFrom(r.Context()))
		if kind == domain.KindInternal {
			msg = "internal server error"
		}
	}
	writeJSON(w, status, errorBody{Error: msg, Kind: kind})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return domain.NewValidationError("body", "invalid JSON", fmt.Errorf("%w: %v", errBadParam, err))
	}
	return nil
}

// floatParam parses q[name]. A missing optional parameter yields 0.
func floatParam(q url.Values, name string, required bool) (float64, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		if required {
			return 0, domain.NewValidationError(name, "", errBadParam)
		}
		return 0, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, domain.NewValidationError(name, raw, errBadParam)
	}
	return f, nil
}

// optionalFloat is floatParam for knobs where an explicit zero differs from
// an absent parameter.
func optionalFloat(q url.Values, name string) (*float64, error) {
	if !q.Has(name) {
		return nil, nil
	}
	f, err := floatParam(q, name, true)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func intParam(q url.Values, name string) (int, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, domain.NewValidationError(name, raw, errBadParam)
	}
	return n, nil
}

// pointParams reads <prefix>_lat and <prefix>_lng.
func pointParams(q url.Values, prefix string) (domain.GeoPoint, error) {
	lat, err := floatParam(q, prefix+"_lat", true)
	if err != nil {
		return domain.GeoPoint{}, err
	}
	lng, err := floatParam(q, prefix+"_lng", true)
	if err != nil {
		return domain.GeoPoint{}, err
	}
	return domain.GeoPoint{Lat: lat, Lng: lng}, nil
}

// parsePoint parses "lat,lng".
func parsePoint(s string) (domain.GeoPoint, error) {
	latRaw, lngRaw, ok := strings.Cut(s, ",")
	if !ok {
		return domain.GeoPoint{}, fmt.Errorf("%w: want lat,lng, got %q", errBadParam, s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latRaw), 64)
	if err != nil {
		return domain.GeoPoint{}, fmt.Errorf("%w: latitude %q", errBadParam, latRaw)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(lngRaw), 64)
	if err != nil {
		return domain.GeoPoint{}, fmt.Errorf("%w: longitude %q", errBadParam, lngRaw)
	}
	p := domain.GeoPoint{Lat: lat, Lng: lng}
	return p, domain.ValidateLocation(p)
}

func handleRoot(svc *navigate.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := svc.Health(r.Context())
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "VibeWalk NYC Backend Online",
			"source": "NYC Open Data + " + h.Store,
		})
	}
}

func handleHealth(svc *navigate.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := svc.Health(r.Context())
		status := http.StatusOK
		if h.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, h)
	}
}

// handleRoutesQuery serves GET /api/routes?start_lat=&start_lng=&end_lat=&end_lng=,
// with optional radius, threshold, danger_weight and recommend.
func handleRoutesQuery(svc *navigate.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		start, err := pointParams(q, "start")
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		end, err := pointParams(q, "end")
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		req := navigate.RouteRequest{Start: &start, End: &end}
		if req.RadiusMeters, err = optionalFloat(q, "radius"); err != nil {
			writeError(w, r, logger, err)
			return
		}
		if req.Threshold, err = optionalFloat(q, "threshold"); err != nil {
			writeError(w, r, logger, err)
			return
		}
		if req.DangerWeight, err = optionalFloat(q, "danger_weight"); err != nil {
			writeError(w, r, logger, err)
			return
		}
		if raw := q.Get("recommend"); raw != "" {
			b, perr := strconv.ParseBool(raw)
			if perr != nil {
				writeError(w, r, logger, domain.NewValidationError("recommend", raw, errBadParam))
				return
			}
			req.Recommend = &b
		}

		resp, err := svc.Routes(r.Context(), req)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// handleRoutesBody serves POST /api/routes with a JSON RouteRequest, which
// may carry explicit candidate paths.
func handleRoutesBody(svc *navigate.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req navigate.RouteRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, logger, err)
			return
		}
		resp, err := svc.Routes(r.Context(), req)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// reportResponse answers POST /api/reports.
type reportResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Signal  domain.Signal   `json:"signal"`
	Where   domain.GeoPoint `json:"location"`
}

func handleReport(svc *navigate.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sub report.Submission
		if err := decodeBody(w, r, &sub); err != nil {
			writeError(w, r, logger, err)
			return
		}
		sig, err := svc.Report(r.Context(), sub)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, reportResponse{
			Status:  "success",
			Message: "Vibe memory updated. Search again to see impact.",
			Signal:  sig,
			Where:   sig.Location,
		})
	}
}

// nearbyResponse answers GET /api/nearby.
type nearbyResponse struct {
	Vibes []navigate.Intel `json:"vibes"`
	Count int              `json:"count"`
}

func handleNearby(svc *navigate.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		center, err := pointParams(q, "center")
		if err != nil {
			// lat/lng are accepted as a shorthand for center_lat/center_lng.
			lat, lerr := floatParam(q, "lat", true)
			lng, gerr := floatParam(q, "lng", true)
			if lerr != nil || gerr != nil {
				writeError(w, r, logger, errors.Join(lerr, gerr))
				return
			}
			center = domain.GeoPoint{Lat: lat, Lng: lng}
		}
		req := navigate.NearbyRequest{Center: center, Query: q.Get("q")}
		if req.RadiusMeters, err = floatParam(q, "radius", false); err != nil {
			writeError(w, r, logger, err)
			return
		}
		if req.Limit, err = intParam(q, "limit"); err != nil {
			writeError(w, r, logger, err)
			return
		}

		vibes, err := svc.Nearby(r.Context(), req)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		if vibes == nil {
			vibes = []navigate.Intel{}
		}
		writeJSON(w, http.StatusOK, nearbyResponse{Vibes: vibes, Count: len(vibes)})
	}
}

// recentResponse answers GET /api/reports/recent.
type recentResponse struct {
	Entries []ledger.Entry `json:"entries"`
	Count   int            `json:"count"`
}

func handleRecent(l *ledger.Ledger, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, err := intParam(q, "limit")
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		source := q.Get("source")
		if source == "" {
			source = domain.SourceUserReport
		} else if source == "all" {
			source = ""
		}
		entries, err := l.Recent(r.Context(), source, limit)
		if err != nil {
			writeError(w, r, logger, fmt.Errorf("%w: %w", domain.ErrUpstreamUnavailable, err))
			return
		}
		writeJSON(w, http.StatusOK, recentResponse{Entries: entries, Count: len(entries)})
	}
}
