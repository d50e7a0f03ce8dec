package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/GLYSATVIK/VibeWalk/engine/domain"
	"github.com/GLYSATVIK/VibeWalk/pkg/fn"
	"github.com/GLYSATVIK/VibeWalk/pkg/resilience"
)

// DefaultCrimeURL is the NYPD complaint dataset on NYC Open Data.
const DefaultCrimeURL = "https://data.cityofnewyork.us/resource/5uac-w243.json?$limit=300&$where=latitude%20IS%20NOT%20NULL"

// DemoArea bounds the Manhattan area the demo keeps crimes for (exclusive).
var DemoArea = struct{ MinLat, MaxLat, MinLng, MaxLng float64 }{40.70, 40.80, -74.02, -73.95}

// InDemoArea reports whether p lies strictly inside DemoArea.
func InDemoArea(p domain.GeoPoint) bool {
	return p.Lat > DemoArea.MinLat && p.Lat < DemoArea.MaxLat &&
		p.Lng > DemoArea.MinLng && p.Lng < DemoArea.MaxLng
}

// lawSeverity maps the NYPD offence level to a severity.
var lawSeverity = map[string]domain.Severity{
	"FELONY":      domain.SeverityHigh,
	"MISDEMEANOR": domain.SeverityMedium,
	"VIOLATION":   domain.SeverityLow,
}

// complaint is the subset of a Socrata complaint record we read. Socrata
// serialises numbers as strings.
type complaint struct {
	PDDesc    string `json:"pd_desc"`
	LawCat    string `json:"law_cat_cd"`
	Latitude  string `json:"latitude"`
	Longitude string `json:"longitude"`
	Date      string `json:"cmplnt_fr_dt"`
}

const socrataTime = "2006-01-02T15:04:05.000"

// Socrata fetches crime complaints from a Socrata JSON endpoint.
type Socrata struct {
	url      string
	http     *http.Client
	throttle *resilience.Throttle
	backoff  fn.Backoff
	log      *slog.Logger
}

// statusError is a non-200 answer from the feed.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string { return fmt.Sprintf("status %d: %s", e.code, e.body) }

// transient reports whether a fetch error is worth retrying: network
// failures, rate limiting and server errors.
func transient(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return errors.Is(err, domain.ErrUpstreamUnavailable)
}

// NewSocrata creates a client for url (DefaultCrimeURL when empty).
func NewSocrata(url string, throttle *resilience.Throttle, log *slog.Logger) *Socrata {
	if url == "" {
		url = DefaultCrimeURL
	}
	if throttle == nil {
		throttle = resilience.NewThrottle(time.Second, 1)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Socrata{
		url: url,
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		throttle: throttle,
		backoff:  fn.Backoff{Attempts: 3, Base: time.Second, Cap: 10 * time.Second, Retryable: transient},
		log:      log,
	}
}

// Crimes returns complaints inside DemoArea as crime items. Transient
// failures are retried with backoff.
func (s *Socrata) Crimes(ctx context.Context) ([]Item, error) {
	records, err := fn.Retry(ctx, s.backoff, s.fetch).Unwrap()
	if err != nil {
		return nil, err
	}
	var items []Item
	for _, r := range records {
		it, ok := r.item()
		if !ok {
			continue
		}
		items = append(items, it)
	}
	s.log.Info("seed: crime records processed", "fetched", len(records), "in_area", len(items))
	return items, nil
}

func (s *Socrata) fetch(ctx context.Context) fn.Result[[]complaint] {
	if err := s.throttle.Wait(ctx); err != nil {
		return fn.Err[[]complaint](err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fn.Err[[]complaint](err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return fn.Err[[]complaint](fmt.Errorf("socrata: %w: %w", domain.ErrUpstreamUnavailable, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		s.log.Warn("seed: crime feed error", "status", resp.StatusCode)
		return fn.Err[[]complaint](fmt.Errorf("socrata: %w: %w", domain.ErrUpstreamUnavailable,
			&statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}))
	}

	var records []complaint
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return fn.Err[[]complaint](fmt.Errorf("socrata: decode: %w", err))
	}
	return fn.Ok(records)
}

func (r complaint) item() (Item, bool) {
	lat, err1 := strconv.ParseFloat(r.Latitude, 64)
	lng, err2 := strconv.ParseFloat(r.Longitude, 64)
	if err1 != nil || err2 != nil {
		return Item{}, false
	}
	p := domain.GeoPoint{Lat: lat, Lng: lng}
	if !InDemoArea(p) {
		return Item{}, false
	}
	desc := strings.TrimSpace(r.PDDesc)
	if desc == "" {
		desc = "Unspecified Crime"
	}
	it := Item{
		Text:     "Crime Report: " + desc,
		Category: domain.CategoryCrime,
		Severity: lawSeverity[strings.ToUpper(r.LawCat)],
		Location: p,
		Source:   domain.SourceCrimeFeed,
	}
	if t, err := time.Parse(socrataTime, r.Date); err == nil {
		it.CreatedAt = t.UTC()
	}
	return it, true
}
