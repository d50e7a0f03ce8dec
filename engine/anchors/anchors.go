// Package anchors computes the DANGER and SAFE concept vectors once at
// startup. A Set is an immutable value handed to the scorer and selector.
package anchors

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/GLYSATVIK/VibeWalk/engine/domain"
)

// Default phrases describing each pole.
const (
	DefaultDanger = "Crime, assault, robbery, danger, dark, scary"
	DefaultSafe   = "Fun, delicious, beautiful, safe, happy"
)

// ErrAnchor marks a failure to build the anchor set. It is fatal at startup.
var ErrAnchor = errors.New("anchors: cannot compute concept anchors")

// Pole names one side of the safety axis.
type Pole string

const (
	PoleDanger Pole = "danger"
	PoleSafe   Pole = "safe"
)

// Set holds the two anchor vectors and the embedding space they live in.
type Set struct {
	danger       []float32
	safe         []float32
	modelVersion string
}

// Vector returns a copy of the anchor vector for p.
func (s Set) Vector(p Pole) []float32 {
	var v []float32
	if p == PoleDanger {
		v = s.danger
	} else {
		v = s.safe
	}
	return append([]float32(nil), v...)
}

// ModelVersion is the embedding model tag both anchors were produced with.
func (s Set) ModelVersion() string { return s.modelVersion }

// Dims is the vector dimension.
func (s Set) Dims() int { return len(s.danger) }

// Phrases are the texts embedded into anchors.
type Phrases struct {
	Danger string
	Safe   string
}

// Compute embeds both phrases. Blank phrases fall back to the defaults.
func Compute(ctx context.Context, e domain.Embedder, p Phrases) (Set, error) {
	if strings.TrimSpace(p.Danger) == "" {
		p.Danger = DefaultDanger
	}
	if strings.TrimSpace(p.Safe) == "" {
		p.Safe = DefaultSafe
	}

	danger, err := e.Embed(ctx, p.Danger)
	if err != nil {
		return Set{}, fmt.Errorf("%w: danger: %w", ErrAnchor, err)
	}
	safe, err := e.Embed(ctx, p.Safe)
	if err != nil {
		return Set{}, fmt.Errorf("%w: safe: %w", ErrAnchor, err)
	}
	if len(danger) == 0 || len(safe) == 0 {
		return Set{}, fmt.Errorf("%w: empty vector", ErrAnchor)
	}
	if len(danger) != len(safe) {
		return Set{}, fmt.Errorf("%w: dimension mismatch %d vs %d", ErrAnchor, len(danger), len(safe))
	}
	return New(danger, safe, e.ModelVersion()), nil
}

// New builds a Set from precomputed vectors. The slices are copied.
func New(danger, safe []float32, modelVersion string) Set {
	return Set{
		danger:       append([]float32(nil), danger...),
		safe:         append([]float32(nil), safe...),
		modelVersion: modelVersion,
	}
}
