// Package domain defines the core types, error kinds and validation shared by
// the VibeWalk engine. It is the validation gate for everything that enters the
// signal store or the route scorer.
package domain

import (
	"context"
	"time"
)

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Path is an ordered sequence of points describing one route option.
type Path []GeoPoint

// Category classifies a signal. The accepted set comes from configuration.
type Category string

const (
	CategoryCrime      Category = "crime"
	CategoryReview     Category = "review"
	CategoryUserReport Category = "user_report"
)

// DefaultCategories is used when configuration does not name any.
var DefaultCategories = []Category{CategoryCrime, CategoryReview, CategoryUserReport}

// Severity is an optional signal weight class. The empty value is neutral.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// ValidSeverities is the set of recognised severities (plus the empty value).
var ValidSeverities = map[Severity]bool{
	SeverityHigh: true, SeverityMedium: true, SeverityLow: true,
}

// Source values distinguish bulk-loaded signals from user submissions.
const (
	SourceSeed       = "seed"
	SourceCrimeFeed  = "crime_feed"
	SourceUserReport = "user_report"
)

// Signal is a single safety-relevant observation stored with its embedding.
type Signal struct {
	ID           string    `json:"id"`
	Vector       []float32 `json:"-"`
	Text         string    `json:"text"`
	Name         string    `json:"name,omitempty"`
	Category     Category  `json:"category"`
	Location     GeoPoint  `json:"location"`
	Severity     Severity  `json:"severity,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Source       string    `json:"source"`
	ModelVersion string    `json:"model_version"`
}

// Match is a signal returned by a hybrid query together with its similarity
// to the query vector.
type Match struct {
	Signal     Signal  `json:"signal"`
	Similarity float64 `json:"similarity"`
}

// HybridQuery combines vector ranking with a geo-radius filter.
type HybridQuery struct {
	Vector       []float32
	Center       GeoPoint
	RadiusMeters float64
	TopK         int
	ModelVersion string     // required model tag; empty disables the check
	Categories   []Category // optional category restriction
}

// Embedder maps text to a dense vector. ModelVersion identifies the
// embedding space so vectors from different models are never compared.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	ModelVersion() string
}
