// Package localstore is an embedded signal store on SQLite. It serves the
// same hybrid geo+vector queries as the Qdrant store when no server is
// reachable, scanning a bounding box and ranking by exact cosine similarity.
package localstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/GLYSATVIK/VibeWalk/engine/domain"
	"github.com/GLYSATVIK/VibeWalk/engine/geo"
)

const schema = `
CREATE TABLE IF NOT EXISTS signals (
	id            TEXT PRIMARY KEY,
	vector        BLOB NOT NULL,
	text          TEXT NOT NULL,
	name          TEXT NOT NULL DEFAULT '',
	category      TEXT NOT NULL,
	lat           REAL NOT NULL,
	lng           REAL NOT NULL,
	severity      TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL,
	source        TEXT NOT NULL,
	model_version TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signals_lat_lng ON signals(lat, lng);
CREATE INDEX IF NOT EXISTS idx_signals_model ON signals(model_version);
`

// Store is a SQLite-backed signal store.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens or creates the database at path. ":memory:" is accepted.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("localstore: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("localstore: open %s: %w", path, err)
	}
	// One connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("localstore: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("localstore: init schema: %w", err)
	}
	log.Info("localstore: opened", "path", path)
	return &Store{db: db, log: log}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func wrap(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("localstore: %s: %w: %w", op, domain.ErrQueryTimeout, err)
	}
	return fmt.Errorf("localstore: %s: %w: %w", op, domain.ErrUpstreamUnavailable, err)
}

// Upsert writes signals in one transaction. Rows are visible to queries as
// soon as it returns.
func (s *Store) Upsert(ctx context.Context, signals []domain.Signal) error {
	if len(signals) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO signals (id, vector, text, name, category, lat, lng, severity, created_at, source, model_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			vector = excluded.vector, text = excluded.text, name = excluded.name,
			category = excluded.category, lat = excluded.lat, lng = excluded.lng,
			severity = excluded.severity, created_at = excluded.created_at,
			source = excluded.source, model_version = excluded.model_version`)
	if err != nil {
		return wrap("prepare upsert", err)
	}
	defer stmt.Close()

	for _, sig := range signals {
		if len(sig.Vector) == 0 {
			return fmt.Errorf("localstore: upsert: signal %s has no vector", sig.ID)
		}
		_, err := stmt.ExecContext(ctx,
			sig.ID, encodeVector(sig.Vector), sig.Text, sig.Name, string(sig.Category),
			sig.Location.Lat, sig.Location.Lng, string(sig.Severity),
			sig.CreatedAt.UTC().Format(time.RFC3339Nano), sig.Source, sig.ModelVersion)
		if err != nil {
			return wrap("upsert "+sig.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrap("commit", err)
	}
	return nil
}

// Delete removes signals by id.
func (s *Store) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q := "DELETE FROM signals WHERE id IN (?" + strings.Repeat(",?", len(ids)-1) + ")"
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return wrap("delete", err)
	}
	return nil
}

// Count returns the number of stored signals.
func (s *Store) Count(ctx context.Context) (uint64, error) {
	var n uint64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM signals").Scan(&n); err != nil {
		return 0, wrap("count", err)
	}
	return n, nil
}

// candidate is a row inside the bounding box with its exact distance.
type candidate struct {
	sig  domain.Signal
	dist float64
}

// within loads every signal inside radius of center, optionally filtered by
// model version and categories.
func (s *Store) within(ctx context.Context, center domain.GeoPoint, radius float64, modelVersion string, cats []domain.Category) ([]candidate, error) {
	dLat := radius / geo.EarthRadiusMeters * 180 / math.Pi
	q := `SELECT id, vector, text, name, category, lat, lng, severity, created_at, source, model_version
		FROM signals WHERE lat BETWEEN ? AND ?`
	args := []any{center.Lat - dLat, center.Lat + dLat}
	if clause, lngArgs := lngBox(center, dLat); clause != "" {
		q += " AND " + clause
		args = append(args, lngArgs...)
	}
	if modelVersion != "" {
		q += " AND model_version = ?"
		args = append(args, modelVersion)
	}
	if len(cats) > 0 {
		q += " AND category IN (?" + strings.Repeat(",?", len(cats)-1) + ")"
		for _, c := range cats {
			args = append(args, string(c))
		}
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap("query", err)
	}
	defer rows.Close()

	var out []candidate
	for rows.Next() {
		var (
			sig       domain.Signal
			blob      []byte
			cat, sev  string
			createdAt string
		)
		if err := rows.Scan(&sig.ID, &blob, &sig.Text, &sig.Name, &cat, &sig.Location.Lat, &sig.Location.Lng,
			&sev, &createdAt, &sig.Source, &sig.ModelVersion); err != nil {
			return nil, wrap("scan", err)
		}
		sig.Category = domain.Category(cat)
		sig.Severity = domain.Severity(sev)
		sig.Vector = decodeVector(blob)
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			sig.CreatedAt = t
		}
		if d := geo.Haversine(center, sig.Location); d <= radius {
			out = append(out, candidate{sig: sig, dist: d})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("rows", err)
	}
	return out, nil
}

// lngBox returns the longitude part of the bounding box for a circle of
// dLat degrees around center. A box crossing the antimeridian becomes two
// ranges; a circle reaching a pole needs no longitude bound at all.
func lngBox(center domain.GeoPoint, dLat float64) (string, []any) {
	if center.Lat+dLat >= 90 || center.Lat-dLat <= -90 {
		return "", nil
	}
	cosLat := math.Cos(center.Lat * math.Pi / 180)
	if cosLat <= 1e-9 {
		return "", nil
	}
	dLng := dLat / cosLat
	if dLng >= 180 {
		return "", nil
	}
	lo, hi := center.Lng-dLng, center.Lng+dLng
	switch {
	case lo < -180:
		return "(lng >= ? OR lng <= ?)", []any{lo + 360, hi}
	case hi > 180:
		return "(lng >= ? OR lng <= ?)", []any{lo, hi - 360}
	default:
		return "lng BETWEEN ? AND ?", []any{lo, hi}
	}
}

// HybridSearch ranks signals within the query radius by cosine similarity.
func (s *Store) HybridSearch(ctx context.Context, q domain.HybridQuery) ([]domain.Match, error) {
	if err := domain.ValidateLocation(q.Center); err != nil {
		return nil, err
	}
	if err := domain.ValidateRadius(q.RadiusMeters); err != nil {
		return nil, err
	}
	cands, err := s.within(ctx, q.Center, q.RadiusMeters, q.ModelVersion, q.Categories)
	if err != nil {
		return nil, err
	}

	matches := make([]domain.Match, 0, len(cands))
	for _, c := range cands {
		if len(c.sig.Vector) != len(q.Vector) {
			continue
		}
		matches = append(matches, domain.Match{Signal: c.sig, Similarity: Cosine(q.Vector, c.sig.Vector)})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Signal.ID < matches[j].Signal.ID
	})
	topK := q.TopK
	if topK <= 0 {
		topK = 5
	}
	if len(matches) > topK {
		matches = matches[:topK]
	}
	for i := range matches {
		matches[i].Signal.Vector = nil
	}
	return matches, nil
}

// Nearby returns up to limit signals within radius of center, nearest first.
func (s *Store) Nearby(ctx context.Context, center domain.GeoPoint, radiusMeters float64, limit int) ([]domain.Signal, error) {
	if err := domain.ValidateLocation(center); err != nil {
		return nil, err
	}
	if err := domain.ValidateRadius(radiusMeters); err != nil {
		return nil, err
	}
	cands, err := s.within(ctx, center, radiusMeters, "", nil)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	if limit <= 0 {
		limit = 20
	}
	if len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]domain.Signal, len(cands))
	for i, c := range cands {
		c.sig.Vector = nil
		out[i] = c.sig
	}
	return out, nil
}

// Cosine returns the cosine similarity of a and b, or 0 if either is zero.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func encodeVector(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
	}
	return b
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
