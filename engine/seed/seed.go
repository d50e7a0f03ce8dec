// Package seed bulk-loads the signal store with NYC Open Data crime
// complaints and a curated set of place reviews.
package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/GLYSATVIK/VibeWalk/engine/domain"
	"github.com/GLYSATVIK/VibeWalk/pkg/fn"
)

// DefaultBatchSize is the number of signals per store upsert.
const DefaultBatchSize = 100

// Item is a signal before embedding.
type Item struct {
	Text      string
	Name      string
	Category  domain.Category
	Severity  domain.Severity
	Location  domain.GeoPoint
	Source    string
	CreatedAt time.Time
}

// ID derives a stable point id so reseeding overwrites rather than duplicates.
func (it Item) ID() string {
	key := it.Source + "|" + it.Text + "|" +
		strconv.FormatFloat(it.Location.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(it.Location.Lng, 'f', 6, 64)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}

// CuratedReviews are hand-picked places around Midtown and Chelsea used for
// recommendations, including two cautionary ones.
var CuratedReviews = []Item{
	review("Joe's Pizza", "Joe's Pizza - Best slice in NY! Felt super safe and busy.", 40.7305, -74.0021),
	review("Bryant Park", "Bryant Park - Lovely place to sit and have coffee. Security is visible.", 40.7536, -73.9832),
	review("MOMA", "MOMA - Amazing art, very secure entrance and clean area.", 40.7614, -73.9776),
	review("The High Line", "High Line - Beautiful walk, filled with tourists and families.", 40.7480, -74.0048),
	review("Subway Entrance", "Subway Station Entrance - A bit sketchy at night, saw some fights.", 40.7505, -73.9934),
	review("8th Ave Corner", "Dark alley behavior near 8th Ave, avoid alone.", 40.7550, -73.9920),
}

func review(name, text string, lat, lng float64) Item {
	return Item{
		Text: text, Name: name, Category: domain.CategoryReview,
		Location: domain.GeoPoint{Lat: lat, Lng: lng}, Source: domain.SourceSeed,
	}
}

// CrimeSource yields crime items.
type CrimeSource interface {
	Crimes(ctx context.Context) ([]Item, error)
}

// Writer is the write side of the signal store.
type Writer interface {
	Upsert(ctx context.Context, signals []domain.Signal) error
}

// Stats summarise a seeding run.
type Stats struct {
	Crimes  int `json:"crimes"`
	Reviews int `json:"reviews"`
	Stored  int `json:"stored"`
	Skipped int `json:"skipped"`
}

// Loader embeds items and writes them in batches.
type Loader struct {
	Embedder  domain.Embedder
	Store     Writer
	Crimes    CrimeSource // optional
	BatchSize int
	Workers   int // concurrent embed calls per batch
	Logger    *slog.Logger
	Now       func() time.Time
}

func (l *Loader) defaults() {
	if l.BatchSize <= 0 {
		l.BatchSize = DefaultBatchSize
	}
	if l.Workers <= 0 {
		l.Workers = 4
	}
	if l.Logger == nil {
		l.Logger = slog.Default()
	}
	if l.Now == nil {
		l.Now = time.Now
	}
}

// Run fetches crimes (a failed fetch is logged and seeding continues with
// reviews only), appends the curated reviews and loads everything.
func (l *Loader) Run(ctx context.Context) (Stats, error) {
	l.defaults()
	var items []Item
	var st Stats
	if l.Crimes != nil {
		crimes, err := l.Crimes.Crimes(ctx)
		if err != nil {
			l.Logger.Error("seed: crime feed failed", "err", err)
		}
		st.Crimes = len(crimes)
		items = append(items, crimes...)
	}
	st.Reviews = len(CuratedReviews)
	items = append(items, CuratedReviews...)

	stored, skipped, err := l.Load(ctx, items)
	st.Stored, st.Skipped = stored, skipped
	l.Logger.Info("seed: complete", "crimes", st.Crimes, "reviews", st.Reviews,
		"stored", st.Stored, "skipped", st.Skipped)
	return st, err
}

// Load embeds and stores items in batches. Items whose embedding fails are
// skipped; a store failure aborts the run.
func (l *Loader) Load(ctx context.Context, items []Item) (stored, skipped int, err error) {
	l.defaults()
	items = fn.UniqueBy(items, Item.ID)
	model := l.Embedder.ModelVersion()

	for n, batch := range fn.Chunk(items, l.BatchSize) {
		results := fn.ParMapCtx(ctx, batch, l.Workers, func(ctx context.Context, it Item) fn.Result[domain.Signal] {
			vec, err := l.Embedder.Embed(ctx, it.Text)
			if err != nil {
				return fn.Err[domain.Signal](err)
			}
			created := it.CreatedAt
			if created.IsZero() {
				created = l.Now().UTC()
			}
			return fn.Ok(domain.Signal{
				ID: it.ID(), Vector: vec, Text: it.Text, Name: it.Name,
				Category: it.Category, Severity: it.Severity, Location: it.Location,
				CreatedAt: created, Source: it.Source, ModelVersion: model,
			})
		})
		signals, errs := fn.Partition(results)
		skipped += len(errs)
		for _, e := range errs {
			l.Logger.Warn("seed: embed failed", "batch", n, "err", e)
		}
		if ctx.Err() != nil {
			return stored, skipped, ctx.Err()
		}
		if len(signals) == 0 {
			continue
		}
		if err := l.Store.Upsert(ctx, signals); err != nil {
			return stored, skipped, fmt.Errorf("seed: upsert batch %d: %w", n, err)
		}
		stored += len(signals)
		l.Logger.Info("seed: batch stored", "batch", n, "signals", len(signals))
	}
	if stored == 0 && skipped > 0 {
		return 0, skipped, errors.New("seed: every embedding failed")
	}
	return stored, skipped, nil
}
