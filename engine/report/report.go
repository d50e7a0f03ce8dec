// Package report ingests live user reports into the signal store: validate,
// embed, build, store. Writes are synchronous so the next scoring call sees
// the new signal.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GLYSATVIK/VibeWalk/engine/domain"
	"github.com/GLYSATVIK/VibeWalk/pkg/fn"
	"github.com/GLYSATVIK/VibeWalk/pkg/metrics"
	"github.com/GLYSATVIK/VibeWalk/pkg/natsutil"
)

// SubjectSignalCreated carries a SignalCreated event after every successful
// ingest.
const SubjectSignalCreated = "vibewalk.signal.created"

// DefaultSeverity is assigned when a submission leaves severity empty.
const DefaultSeverity = domain.SeverityHigh

// Submission is a user report as received from a client.
type Submission struct {
	Text     string          `json:"text"`
	Lat      float64         `json:"lat"`
	Lng      float64         `json:"lng"`
	Category domain.Category `json:"category,omitempty"`
	Severity domain.Severity `json:"severity,omitempty"`
	Name     string          `json:"name,omitempty"`
}

// Location returns the submitted coordinate.
func (s Submission) Location() domain.GeoPoint { return domain.GeoPoint{Lat: s.Lat, Lng: s.Lng} }

// SignalCreated is published on SubjectSignalCreated.
type SignalCreated struct {
	ID        string          `json:"id"`
	Category  domain.Category `json:"category"`
	Severity  domain.Severity `json:"severity,omitempty"`
	Location  domain.GeoPoint `json:"location"`
	Source    string          `json:"source"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store is the write side of the signal store. Upsert must not return until
// the write is visible to queries.
type Store interface {
	Upsert(ctx context.Context, signals []domain.Signal) error
}

// Recorder receives the provenance of every stored signal.
type Recorder interface {
	Record(ctx context.Context, sig domain.Signal) error
}

// Deps holds the ingestor's collaborators. Ledger and Events are optional.
type Deps struct {
	Embedder   domain.Embedder
	Store      Store
	Ledger     Recorder
	Events     natsutil.Publisher
	Categories domain.CategorySet
	Logger     *slog.Logger
	Metrics    *metrics.Registry
	Now        func() time.Time
}

// Ingestor runs submissions through the ingestion pipeline.
type Ingestor struct {
	deps     Deps
	log      *slog.Logger
	pipeline fn.Stage[Submission, domain.Signal]
}

// New builds an Ingestor.
func New(deps Deps) *Ingestor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Categories == nil {
		deps.Categories = domain.NewCategorySet()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	i := &Ingestor{deps: deps, log: deps.Logger}

	// validate → embed → build → store
	validated := fn.TracedStage[Submission, Submission]("report.validate", i.validate)
	withVector := fn.Then(validated, fn.TracedStage[Submission, embedded]("report.embed", i.embed))
	built := fn.Then(withVector, fn.MapStage(i.build))
	i.pipeline = fn.Then(built, fn.TracedStage[domain.Signal, domain.Signal]("report.store", i.store))
	return i
}

// ModelVersion is the embedding space new signals are written in.
func (i *Ingestor) ModelVersion() string { return i.deps.Embedder.ModelVersion() }

// Ingest stores sub as a new signal and returns it. Identical submissions
// produce distinct signals.
func (i *Ingestor) Ingest(ctx context.Context, sub Submission) (domain.Signal, error) {
	start := time.Now()
	sig, err := i.pipeline(ctx, sub).Unwrap()
	i.observe(err, start)
	if err != nil {
		i.log.Warn("report: ingest failed", "kind", domain.Classify(err), "err", err)
		return domain.Signal{}, err
	}
	i.log.Info("report: signal added", "signal_id", sig.ID, "category", sig.Category,
		"lat", sig.Location.Lat, "lng", sig.Location.Lng)
	i.afterWrite(ctx, sig)
	return sig, nil
}

func (i *Ingestor) validate(_ context.Context, sub Submission) fn.Result[Submission] {
	sub.Text = strings.TrimSpace(sub.Text)
	sub.Name = strings.TrimSpace(sub.Name)
	sub.Category = domain.Category(strings.ToLower(strings.TrimSpace(string(sub.Category))))
	if sub.Category == "" {
		sub.Category = domain.CategoryUserReport
	}
	if sub.Severity == "" {
		sub.Severity = DefaultSeverity
	}
	for _, err := range []error{
		domain.ValidateText(sub.Text),
		domain.ValidateLocation(sub.Location()),
		domain.ValidateCategory(sub.Category, i.deps.Categories),
		domain.ValidateSeverity(sub.Severity),
	} {
		if err != nil {
			return fn.Err[Submission](err)
		}
	}
	return fn.Ok(sub)
}

type embedded struct {
	sub    Submission
	vector []float32
}

func (i *Ingestor) embed(ctx context.Context, sub Submission) fn.Result[embedded] {
	vec, err := i.deps.Embedder.Embed(ctx, sub.Text)
	if err != nil {
		if domain.Classify(err) == domain.KindInternal {
			err = fmt.Errorf("%w: %w", domain.ErrUpstreamUnavailable, err)
		}
		return fn.Err[embedded](fmt.Errorf("report: embed: %w", err))
	}
	if len(vec) == 0 {
		return fn.Err[embedded](fmt.Errorf("report: embed: %w: empty vector", domain.ErrUpstreamUnavailable))
	}
	return fn.Ok(embedded{sub: sub, vector: vec})
}

func (i *Ingestor) build(e embedded) domain.Signal {
	return domain.Signal{
		ID:           uuid.NewString(),
		Vector:       e.vector,
		Text:         e.sub.Text,
		Name:         e.sub.Name,
		Category:     e.sub.Category,
		Location:     e.sub.Location(),
		Severity:     e.sub.Severity,
		CreatedAt:    i.deps.Now().UTC(),
		Source:       domain.SourceUserReport,
		ModelVersion: i.deps.Embedder.ModelVersion(),
	}
}

func (i *Ingestor) store(ctx context.Context, sig domain.Signal) fn.Result[domain.Signal] {
	if err := i.deps.Store.Upsert(ctx, []domain.Signal{sig}); err != nil {
		return fn.Err[domain.Signal](fmt.Errorf("%w: store: %w", domain.ErrIngestionFailure, err))
	}
	return fn.Ok(sig)
}

// afterWrite records provenance and announces the signal. Neither can fail
// the ingest once the store accepted the write.
func (i *Ingestor) afterWrite(ctx context.Context, sig domain.Signal) {
	if i.deps.Ledger != nil {
		if err := i.deps.Ledger.Record(ctx, sig); err != nil {
			i.log.Warn("report: ledger record failed", "signal_id", sig.ID, "err", err)
		}
	}
	if i.deps.Events != nil {
		ev := SignalCreated{
			ID: sig.ID, Category: sig.Category, Severity: sig.Severity,
			Location: sig.Location, Source: sig.Source, CreatedAt: sig.CreatedAt,
		}
		if err := natsutil.Publish(ctx, i.deps.Events, SubjectSignalCreated, ev); err != nil {
			i.log.Warn("report: event publish failed", "signal_id", sig.ID, "err", err)
		}
	}
}

func (i *Ingestor) observe(err error, start time.Time) {
	reg := i.deps.Metrics
	if reg == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = domain.Classify(err)
	}
	reg.Counter(metrics.WithLabels("vibewalk_reports_total", "outcome", outcome), "User report submissions by outcome").Inc()
	reg.Histogram("vibewalk_report_duration_seconds", "Report ingestion latency", nil).Since(start)
}
