// Package geo provides great-circle distance helpers and the path sampler
// that reduces a route to evenly spaced query points.
package geo

import (
	"math"

	"github.com/GLYSATVIK/VibeWalk/engine/domain"
)

// EarthRadiusMeters is the mean Earth radius used for haversine distances.
const EarthRadiusMeters = 6371000.0

// endpointEpsilon merges an interior sample with the final point when they
// would be closer than this many meters.
const endpointEpsilon = 1e-6

// SampledPoint is a point on a path at a given arc-length offset from the start.
type SampledPoint struct {
	domain.GeoPoint
	Offset float64 `json:"offset_m"`
}

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b domain.GeoPoint) float64 {
	phi1 := a.Lat * math.Pi / 180
	phi2 := b.Lat * math.Pi / 180
	dPhi := (b.Lat - a.Lat) * math.Pi / 180
	dLambda := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return EarthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Length returns the total haversine length of p in meters.
func Length(p domain.Path) float64 {
	var total float64
	for i := 1; i < len(p); i++ {
		total += Haversine(p[i-1], p[i])
	}
	return total
}

// Sample walks p's cumulative arc length and emits a point every
// spacingMeters. The first and last points of p are always included; a path
// shorter than the spacing yields exactly its two endpoints.
func Sample(p domain.Path, spacingMeters float64) ([]SampledPoint, error) {
	if err := domain.ValidatePath(p); err != nil {
		return nil, err
	}
	if math.IsNaN(spacingMeters) || spacingMeters <= 0 {
		return nil, domain.NewValidationError("spacing", "non-positive", domain.ErrInvalidPath)
	}

	cum := make([]float64, len(p))
	for i := 1; i < len(p); i++ {
		cum[i] = cum[i-1] + Haversine(p[i-1], p[i])
	}
	total := cum[len(cum)-1]

	out := []SampledPoint{{GeoPoint: p[0]}}
	seg := 1
	for k := 1; ; k++ {
		d := float64(k) * spacingMeters
		if d >= total-endpointEpsilon {
			break
		}
		for seg < len(p)-1 && cum[seg] < d {
			seg++
		}
		out = append(out, SampledPoint{GeoPoint: interpolate(p[seg-1], p[seg], cum[seg-1], cum[seg], d), Offset: d})
	}
	out = append(out, SampledPoint{GeoPoint: p[len(p)-1], Offset: total})
	return out, nil
}

// interpolate returns the point at arc offset d on segment a→b spanning
// [da, db]. Segments between route vertices are short, so linear
// interpolation of the coordinates is sufficient.
func interpolate(a, b domain.GeoPoint, da, db, d float64) domain.GeoPoint {
	if db-da <= 0 {
		return a
	}
	f := (d - da) / (db - da)
	return domain.GeoPoint{
		Lat: a.Lat + (b.Lat-a.Lat)*f,
		Lng: a.Lng + (b.Lng-a.Lng)*f,
	}
}

// Offset returns p moved by the given number of degrees, clamped to valid
// coordinate ranges.
func Offset(p domain.GeoPoint, dLat, dLng float64) domain.GeoPoint {
	lat := math.Max(-90, math.Min(90, p.Lat+dLat))
	lng := p.Lng + dLng
	if lng > 180 {
		lng -= 360
	} else if lng < -180 {
		lng += 360
	}
	return domain.GeoPoint{Lat: lat, Lng: lng}
}

// Midpoint returns the coordinate average of a and b.
func Midpoint(a, b domain.GeoPoint) domain.GeoPoint {
	return domain.GeoPoint{Lat: (a.Lat + b.Lat) / 2, Lng: (a.Lng + b.Lng) / 2}
}
