// Package config loads VibeWalk configuration from a YAML file, an optional
// .env file and environment variables, in increasing order of precedence.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	LogLevel   string          `yaml:"log_level"`
	Server     ServerConfig    `yaml:"server"`
	Qdrant     QdrantConfig    `yaml:"qdrant"`
	Local      LocalConfig     `yaml:"local"`
	Ollama     OllamaConfig    `yaml:"ollama"`
	NATS       NATSConfig      `yaml:"nats"`
	Neo4j      Neo4jConfig     `yaml:"neo4j"`
	OSRM       OSRMConfig      `yaml:"osrm"`
	Anchors    AnchorsConfig   `yaml:"anchors"`
	Categories []string        `yaml:"categories"`
	Scoring    ScoringConfig   `yaml:"scoring"`
	Recommend  RecommendConfig `yaml:"recommend"`
	Nearby     NearbyConfig    `yaml:"nearby"`
	Seed       SeedConfig      `yaml:"seed"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	CORSOrigin     string        `yaml:"cors_origin"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type QdrantConfig struct {
	Addr       string `yaml:"addr"` // host:port of the gRPC endpoint
	Collection string `yaml:"collection"`
	APIKey     string `yaml:"-"`
	TLS        bool   `yaml:"tls"`
}

// LocalConfig configures the embedded store used when Qdrant is unreachable.
type LocalConfig struct {
	Path     string `yaml:"path"`
	Fallback bool   `yaml:"fallback"`
}

type OllamaConfig struct {
	URL   string `yaml:"url"`
	Model string `yaml:"model"`
}

type NATSConfig struct {
	URL string `yaml:"url"` // empty disables events and the submission consumer
}

type Neo4jConfig struct {
	URL      string `yaml:"url"` // empty disables the provenance ledger
	User     string `yaml:"user"`
	Pass     string `yaml:"-"`
	Database string `yaml:"database"`
}

type OSRMConfig struct {
	URL      string        `yaml:"url"`
	Profile  string        `yaml:"profile"` // foot unless the server runs another walking profile
	Interval time.Duration `yaml:"interval"` // minimum spacing between requests
	Timeout  time.Duration `yaml:"timeout"`
}

type AnchorsConfig struct {
	Danger string `yaml:"danger"`
	Safe   string `yaml:"safe"`
}

type ScoringConfig struct {
	RadiusMeters    float64            `yaml:"radius_m"`
	Threshold       float64            `yaml:"threshold"`
	DangerWeight    float64            `yaml:"danger_weight"`
	SafeWeight      float64            `yaml:"safe_weight"`
	Baseline        float64            `yaml:"baseline"`
	SampleSpacing   float64            `yaml:"sample_spacing_m"`
	TopK            int                `yaml:"top_k"`
	QueryTimeout    time.Duration      `yaml:"query_timeout"`
	MaxInFlight     int                `yaml:"max_in_flight"`
	DecayHalfLife   time.Duration      `yaml:"decay_half_life"`
	SeverityWeights map[string]float64 `yaml:"severity_weights"`
}

type RecommendConfig struct {
	SpacingMeters float64  `yaml:"spacing_m"`
	RadiusMeters  float64  `yaml:"radius_m"`
	MinSimilarity float64  `yaml:"min_similarity"`
	Categories    []string `yaml:"categories"`
	Max           int      `yaml:"max"`
}

type NearbyConfig struct {
	RadiusMeters float64 `yaml:"radius_m"`
	Limit        int     `yaml:"limit"`
}

type SeedConfig struct {
	CrimeURL  string        `yaml:"crime_url"`
	BatchSize int           `yaml:"batch_size"`
	Interval  time.Duration `yaml:"interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			Addr:           ":8080",
			CORSOrigin:     "*",
			RequestTimeout: 10 * time.Second,
		},
		Qdrant: QdrantConfig{Addr: "localhost:6334", Collection: "city_vibes_nyc"},
		Local:  LocalConfig{Path: "local_qdrant_db/vibewalk.db", Fallback: true},
		Ollama: OllamaConfig{URL: "http://localhost:11434", Model: "nomic-embed-text"},
		Neo4j:  Neo4jConfig{User: "neo4j"},
		OSRM: OSRMConfig{
			URL:      "http://router.project-osrm.org",
			Profile:  "foot",
			Interval: time.Second,
			Timeout:  5 * time.Second,
		},
		Anchors: AnchorsConfig{
			Danger: "Crime, assault, robbery, danger, dark, scary",
			Safe:   "Fun, delicious, beautiful, safe, happy",
		},
		Categories: []string{"crime", "review", "user_report"},
		Scoring: ScoringConfig{
			RadiusMeters:  150,
			Threshold:     0.60,
			DangerWeight:  4.0,
			SafeWeight:    1.0,
			Baseline:      10,
			SampleSpacing: 50,
			TopK:          5,
			QueryTimeout:  2 * time.Second,
			MaxInFlight:   16,
			SeverityWeights: map[string]float64{
				"high": 1.0, "medium": 1.0, "low": 1.0,
			},
		},
		Recommend: RecommendConfig{
			SpacingMeters: 100,
			RadiusMeters:  100,
			MinSimilarity: 0.75,
			Categories:    []string{"review"},
			Max:           3,
		},
		Nearby: NearbyConfig{RadiusMeters: 200, Limit: 20},
		Seed: SeedConfig{
			CrimeURL:  "https://data.cityofnewyork.us/resource/5uac-w243.json?$limit=300&$where=latitude%20IS%20NOT%20NULL",
			BatchSize: 100,
			Interval:  time.Second,
		},
	}
}

// Load reads path (a missing file yields defaults), then a .env file in the
// working directory if present, then environment overrides, and validates
// the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	_ = godotenv.Load()
	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + port
	}
	cfg.Server.CORSOrigin = envOr("CORS_ORIGIN", cfg.Server.CORSOrigin)
	cfg.Qdrant.Addr = envOr("QDRANT_URL", cfg.Qdrant.Addr)
	cfg.Qdrant.Collection = envOr("QDRANT_COLLECTION", cfg.Qdrant.Collection)
	cfg.Qdrant.APIKey = envOr("QDRANT_API_KEY", cfg.Qdrant.APIKey)
	cfg.Local.Path = envOr("LOCAL_STORE_PATH", cfg.Local.Path)
	cfg.Ollama.URL = envOr("OLLAMA_URL", cfg.Ollama.URL)
	cfg.Ollama.Model = envOr("EMBED_MODEL", cfg.Ollama.Model)
	cfg.NATS.URL = envOr("NATS_URL", cfg.NATS.URL)
	cfg.Neo4j.URL = envOr("NEO4J_URL", cfg.Neo4j.URL)
	cfg.Neo4j.User = envOr("NEO4J_USER", cfg.Neo4j.User)
	cfg.Neo4j.Pass = envOr("NEO4J_PASS", cfg.Neo4j.Pass)
	cfg.OSRM.URL = envOr("OSRM_URL", cfg.OSRM.URL)
	cfg.OSRM.Profile = envOr("OSRM_PROFILE", cfg.OSRM.Profile)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// SlogLevel maps LogLevel to a slog level; unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
