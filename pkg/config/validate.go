package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the numeric knobs and required addresses.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return errors.New("server.addr must be set")
	}
	if strings.TrimSpace(cfg.Qdrant.Collection) == "" {
		return errors.New("qdrant.collection must be set")
	}
	if strings.TrimSpace(cfg.Anchors.Danger) == "" || strings.TrimSpace(cfg.Anchors.Safe) == "" {
		return errors.New("anchors.danger and anchors.safe must be set")
	}
	if len(nonBlank(cfg.Categories)) == 0 {
		return errors.New("categories must name at least one category")
	}

	s := cfg.Scoring
	if s.RadiusMeters <= 0 {
		return fmt.Errorf("scoring.radius_m must be > 0, got %g", s.RadiusMeters)
	}
	if s.Threshold < 0 || s.Threshold > 1 {
		return fmt.Errorf("scoring.threshold must be in [0,1], got %g", s.Threshold)
	}
	if s.DangerWeight <= 0 || s.SafeWeight <= 0 {
		return errors.New("scoring weights must be > 0")
	}
	if s.SafeWeight >= s.DangerWeight {
		return fmt.Errorf("scoring.safe_weight (%g) must be less than danger_weight (%g)", s.SafeWeight, s.DangerWeight)
	}
	if s.Baseline < 0 || s.Baseline > 10 {
		return fmt.Errorf("scoring.baseline must be in [0,10], got %g", s.Baseline)
	}
	if s.SampleSpacing <= 0 {
		return errors.New("scoring.sample_spacing_m must be > 0")
	}
	if s.TopK <= 0 || s.MaxInFlight <= 0 {
		return errors.New("scoring.top_k and scoring.max_in_flight must be > 0")
	}
	if s.QueryTimeout <= 0 {
		return errors.New("scoring.query_timeout must be > 0")
	}
	if s.DecayHalfLife < 0 {
		return errors.New("scoring.decay_half_life must not be negative")
	}
	for name, w := range s.SeverityWeights {
		switch name {
		case "high", "medium", "low":
		default:
			return fmt.Errorf("scoring.severity_weights: unknown severity %q", name)
		}
		if w <= 0 {
			return fmt.Errorf("scoring.severity_weights.%s must be > 0", name)
		}
	}

	r := cfg.Recommend
	if r.SpacingMeters <= 0 || r.RadiusMeters <= 0 {
		return errors.New("recommend.spacing_m and recommend.radius_m must be > 0")
	}
	if r.MinSimilarity < 0 || r.MinSimilarity > 1 {
		return fmt.Errorf("recommend.min_similarity must be in [0,1], got %g", r.MinSimilarity)
	}
	if cfg.Nearby.RadiusMeters <= 0 || cfg.Nearby.Limit <= 0 {
		return errors.New("nearby.radius_m and nearby.limit must be > 0")
	}
	return nil
}

func nonBlank(ss []string) []string {
	var out []string
	for _, s := range ss {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
