// Package ledger keeps a provenance record of every user-submitted signal in
// Neo4j so reports can be audited and listed independently of the vector
// store.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/GLYSATVIK/VibeWalk/engine/domain"
	"github.com/GLYSATVIK/VibeWalk/pkg/repo"
)

// Label is the node label for ledger entries.
const Label = "Signal"

// DefaultRecent is the page size used when Recent is called without a limit.
const DefaultRecent = 20

// Entry is the provenance of one stored signal. Vectors are never recorded.
type Entry struct {
	ID           string          `json:"id"`
	Text         string          `json:"text"`
	Category     domain.Category `json:"category"`
	Severity     domain.Severity `json:"severity,omitempty"`
	Source       string          `json:"source"`
	Lat          float64         `json:"lat"`
	Lng          float64         `json:"lng"`
	ModelVersion string          `json:"model_version"`
	CreatedAt    time.Time       `json:"created_at"`
}

// FromSignal builds the ledger entry for sig.
func FromSignal(sig domain.Signal) Entry {
	return Entry{
		ID:           sig.ID,
		Text:         sig.Text,
		Category:     sig.Category,
		Severity:     sig.Severity,
		Source:       sig.Source,
		Lat:          sig.Location.Lat,
		Lng:          sig.Location.Lng,
		ModelVersion: sig.ModelVersion,
		CreatedAt:    sig.CreatedAt,
	}
}

// Ledger records and lists signal provenance.
type Ledger struct {
	repo repo.Repository[Entry, string]
	log  *slog.Logger
}

// New wraps an existing repository.
func New(r repo.Repository[Entry, string], log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{repo: r, log: log}
}

// NewNeo4j builds a Ledger over Signal nodes in the given database (empty
// means the server default).
func NewNeo4j(driver neo4j.DriverWithContext, database string, log *slog.Logger) *Ledger {
	var opts []repo.Neo4jOption[Entry, string]
	if database != "" {
		opts = append(opts, repo.WithDatabase[Entry, string](database))
	}
	return New(repo.NewNeo4jRepo[Entry, string](driver, Label, entryToMap, entryFromRecord, opts...), log)
}

// Init creates the id uniqueness constraint when the backing repository
// supports it.
func (l *Ledger) Init(ctx context.Context) error {
	c, ok := l.repo.(interface{ EnsureConstraint(context.Context) error })
	if !ok {
		return nil
	}
	if err := c.EnsureConstraint(ctx); err != nil {
		return fmt.Errorf("ledger: init: %w", err)
	}
	return nil
}

// Record stores the provenance of sig. Recording the same id twice updates
// the entry in place.
func (l *Ledger) Record(ctx context.Context, sig domain.Signal) error {
	if sig.ID == "" {
		return errors.New("ledger: record: empty signal id")
	}
	if _, err := l.repo.Save(ctx, FromSignal(sig)); err != nil {
		return fmt.Errorf("ledger: record %s: %w", sig.ID, err)
	}
	l.log.Debug("ledger: recorded", "signal_id", sig.ID, "source", sig.Source)
	return nil
}

// Get returns the entry for id, or an error wrapping repo.ErrNotFound.
func (l *Ledger) Get(ctx context.Context, id string) (Entry, error) {
	e, err := l.repo.Get(ctx, id)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: get: %w", err)
	}
	return e, nil
}

// Recent returns up to limit entries, newest first. A non-empty source
// restricts the listing to that source.
func (l *Ledger) Recent(ctx context.Context, source string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultRecent
	}
	opts := repo.ListOpts{Limit: limit, OrderBy: "created_ms", Desc: true}
	if source != "" {
		opts.Filter = map[string]any{"source": source}
	}
	items, err := l.repo.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("ledger: recent: %w", err)
	}
	if items == nil {
		items = []Entry{}
	}
	return items, nil
}

// Forget removes the entry for id.
func (l *Ledger) Forget(ctx context.Context, id string) error {
	if err := l.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("ledger: forget: %w", err)
	}
	return nil
}
