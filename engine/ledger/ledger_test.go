package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/GLYSATVIK/VibeWalk/engine/domain"
	"github.com/GLYSATVIK/VibeWalk/pkg/repo"
)

// memRepo is an in-memory repo.Repository honouring the options Ledger uses.
type memRepo struct {
	items      map[string]Entry
	err        error
	lastOpts   repo.ListOpts
	constraint bool
}

func newMemRepo() *memRepo { return &memRepo{items: make(map[string]Entry)} }

func (m *memRepo) Get(_ context.Context, id string) (Entry, error) {
	if m.err != nil {
		return Entry{}, m.err
	}
	e, ok := m.items[id]
	if !ok {
		return Entry{}, repo.ErrNotFound
	}
	return e, nil
}

func (m *memRepo) List(_ context.Context, opts repo.ListOpts) ([]Entry, error) {
	m.lastOpts = opts
	if m.err != nil {
		return nil, m.err
	}
	var out []Entry
	for _, e := range m.items {
		if src, ok := opts.Filter["source"]; ok && e.Source != src {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *memRepo) Save(_ context.Context, e Entry) (Entry, error) {
	if m.err != nil {
		return Entry{}, m.err
	}
	m.items[e.ID] = e
	return e, nil
}

func (m *memRepo) Delete(_ context.Context, id string) error {
	delete(m.items, id)
	return m.err
}

func (m *memRepo) EnsureConstraint(context.Context) error {
	m.constraint = true
	return m.err
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func report(id string, at time.Time, source string) domain.Signal {
	return domain.Signal{
		ID: id, Text: "Broken streetlight", Category: domain.CategoryUserReport,
		Severity: domain.SeverityHigh, Source: source, CreatedAt: at,
		Location: domain.GeoPoint{Lat: 40.75, Lng: -73.99}, ModelVersion: "ollama/nomic-embed-text",
	}
}

func TestRecordAndGet(t *testing.T) {
	m := newMemRepo()
	l := New(m, quiet)
	ctx := context.Background()

	if err := l.Init(ctx); err != nil || !m.constraint {
		t.Fatalf("Init: %v (constraint=%v)", err, m.constraint)
	}
	now := time.Date(2026, 5, 1, 22, 0, 0, 0, time.UTC)
	if err := l.Record(ctx, report("r1", now, domain.SourceUserReport)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	e, err := l.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Lat != 40.75 || e.Severity != domain.SeverityHigh || !e.CreatedAt.Equal(now) {
		t.Fatalf("unexpected entry %+v", e)
	}
	if _, err := l.Get(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := l.Record(ctx, domain.Signal{}); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestRecent(t *testing.T) {
	m := newMemRepo()
	l := New(m, quiet)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		_ = l.Record(ctx, report(id, base.Add(time.Duration(i)*time.Hour), domain.SourceUserReport))
	}
	_ = l.Record(ctx, report("s", base.Add(5*time.Hour), domain.SourceSeed))

	got, err := l.Recent(ctx, domain.SourceUserReport, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Fatalf("expected [c b], got %+v", got)
	}
	if m.lastOpts.OrderBy != "created_ms" || !m.lastOpts.Desc {
		t.Fatalf("unexpected list options %+v", m.lastOpts)
	}

	all, _ := l.Recent(ctx, "", 0)
	if len(all) != 4 || all[0].ID != "s" {
		t.Fatalf("expected all four newest first, got %+v", all)
	}
	if m.lastOpts.Limit != DefaultRecent || m.lastOpts.Filter != nil {
		t.Fatalf("unexpected list options %+v", m.lastOpts)
	}
}

func TestRecentEmptyIsNonNil(t *testing.T) {
	got, err := New(newMemRepo(), quiet).Recent(context.Background(), "", 5)
	if err != nil || got == nil {
		t.Fatalf("expected empty slice, got %v, %v", got, err)
	}
}

func TestErrorsWrapped(t *testing.T) {
	m := newMemRepo()
	m.err = errors.New("connection refused")
	l := New(m, quiet)
	ctx := context.Background()
	if err := l.Record(ctx, report("x", time.Now(), domain.SourceUserReport)); !errors.Is(err, m.err) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	if _, err := l.Recent(ctx, "", 1); !errors.Is(err, m.err) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	if err := l.Init(ctx); !errors.Is(err, m.err) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	if err := l.Forget(ctx, "x"); !errors.Is(err, m.err) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestEntryMapping(t *testing.T) {
	at := time.Date(2026, 5, 1, 22, 30, 0, 0, time.UTC)
	props := entryToMap(FromSignal(report("r1", at, domain.SourceUserReport)))
	if props["created_ms"] != at.UnixMilli() {
		t.Fatalf("created_ms should be epoch millis, got %v", props["created_ms"])
	}
	rec := &neo4j.Record{Keys: []string{"n"}, Values: []any{props}}
	e, err := entryFromRecord(rec)
	if err != nil {
		t.Fatalf("entryFromRecord: %v", err)
	}
	if e.ID != "r1" || e.Category != domain.CategoryUserReport || e.Lng != -73.99 || !e.CreatedAt.Equal(at) {
		t.Fatalf("unexpected entry %+v", e)
	}
}
