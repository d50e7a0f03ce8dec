package domain

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// MaxTextLength bounds the free-text description of a signal, in runes.
const MaxTextLength = 2000

// CategorySet is the closed set of categories accepted at ingestion.
type CategorySet map[Category]bool

// NewCategorySet builds a set from configured names. Names are normalised to
// lower case; blanks are ignored. An empty input yields DefaultCategories.
func NewCategorySet(names ...string) CategorySet {
	set := make(CategorySet)
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			set[Category(n)] = true
		}
	}
	if len(set) == 0 {
		for _, c := range DefaultCategories {
			set[c] = true
		}
	}
	return set
}

// Contains reports whether c is accepted.
func (s CategorySet) Contains(c Category) bool { return s[c] }

// ValidateText checks free-form signal text.
func ValidateText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return NewValidationError("text", text, ErrEmptyText)
	}
	if utf8.RuneCountInString(text) > MaxTextLength {
		return NewValidationError("text", fmt.Sprintf("%d runes", utf8.RuneCountInString(text)), ErrTextTooLong)
	}
	return nil
}

// ValidateLocation checks that p is a plausible coordinate.
func ValidateLocation(p GeoPoint) error {
	if math.IsNaN(p.Lat) || p.Lat < -90 || p.Lat > 90 {
		return NewValidationError("lat", fmt.Sprintf("%g", p.Lat), ErrLatOutOfRange)
	}
	if math.IsNaN(p.Lng) || p.Lng < -180 || p.Lng > 180 {
		return NewValidationError("lng", fmt.Sprintf("%g", p.Lng), ErrLngOutOfRange)
	}
	return nil
}

// ValidateCategory checks c against the configured set.
func ValidateCategory(c Category, allowed CategorySet) error {
	if !allowed.Contains(c) {
		return NewValidationError("category", string(c), ErrUnknownCategory)
	}
	return nil
}

// ValidateSeverity accepts the empty value or one of ValidSeverities.
func ValidateSeverity(s Severity) error {
	if s != "" && !ValidSeverities[s] {
		return NewValidationError("severity", string(s), ErrUnknownSeverity)
	}
	return nil
}

// ValidatePath checks that a path has at least two plausible points.
func ValidatePath(p Path) error {
	if len(p) < 2 {
		return NewValidationError("path", fmt.Sprintf("%d points", len(p)), ErrInvalidPath)
	}
	for _, pt := range p {
		if err := ValidateLocation(pt); err != nil {
			return err
		}
	}
	return nil
}

// ValidateRadius checks a search radius in meters.
func ValidateRadius(r float64) error {
	if math.IsNaN(r) || r <= 0 {
		return NewValidationError("radius", fmt.Sprintf("%g", r), ErrInvalidRadius)
	}
	return nil
}

// ValidateThreshold checks a similarity threshold.
func ValidateThreshold(t float64) error {
	if math.IsNaN(t) || t < 0 || t > 1 {
		return NewValidationError("threshold", fmt.Sprintf("%g", t), ErrInvalidThreshold)
	}
	return nil
}
