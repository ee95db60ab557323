// Package store persists sources, candidates, review items, logs and the
// accepted-record index that deduplication reads from.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/funding-intake/internal/config"
	"github.com/sells-group/funding-intake/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrStaleTransition is returned when a conditional write finds the row
	// no longer in the state the caller observed.
	ErrStaleTransition = eris.New("store: stale transition")
	// ErrAlreadyAdmitted is returned when an accepted record with the same
	// URL key or content hash already exists.
	ErrAlreadyAdmitted = eris.New("store: already admitted")
)

// ReviewFilter narrows ListReviews.
type ReviewFilter struct {
	Kind   model.ReviewKind   `json:"kind,omitempty"`
	Status model.ReviewStatus `json:"status,omitempty"`
	Limit  int                `json:"limit,omitempty"`
}

// Store defines the persistence interface for the intake core.
type Store interface {
	// Sources
	CreateSource(ctx context.Context, rec *model.SourceRecord) error
	GetSource(ctx context.Context, id string) (*model.SourceRecord, error)
	ListSources(ctx context.Context, states ...model.SourceState) ([]model.SourceRecord, error)
	// ApplyTransition writes every part of t in one transaction, or nothing.
	ApplyTransition(ctx context.Context, t model.Transition) error
	StateHistory(ctx context.Context, sourceID string) ([]model.StateChange, error)

	// Pilot windows and performance snapshots
	PendingWindow(ctx context.Context, sourceID string) (*model.PilotWindow, error)
	DueWindows(ctx context.Context, now time.Time) ([]model.PilotWindow, error)
	SaveSnapshot(ctx context.Context, snap model.PerformanceSnapshot) error
	// Snapshots returns the most recent snapshots for a source, newest first.
	Snapshots(ctx context.Context, sourceID string, limit int) ([]model.PerformanceSnapshot, error)

	// Manual review queue
	GetReview(ctx context.Context, id string) (*model.ReviewItem, error)
	ListReviews(ctx context.Context, filter ReviewFilter) ([]model.ReviewItem, error)
	AssignReview(ctx context.Context, id, reviewer string) error

	// Candidates
	SaveOutcome(ctx context.Context, o model.Outcome) error
	GetCandidate(ctx context.Context, id string) (*model.Outcome, error)
	// AdmitCandidate adds rec to the accepted index and marks the pending
	// candidate admitted, closing resolve when set.
	AdmitCandidate(ctx context.Context, rec model.AcceptedRecord, resolve *model.ReviewResolution) error
	// RejectCandidate marks the pending candidate rejected, closing resolve
	// when set.
	RejectCandidate(ctx context.Context, candidateID string, resolve *model.ReviewResolution) error
	CandidateSummaries(ctx context.Context, sourceID string, from, to time.Time) ([]model.CandidateSummary, error)

	// Accepted-record index
	FindByURLKeys(ctx context.Context, keys []string) (*model.AcceptedRecord, error)
	FindByContentHash(ctx context.Context, hash string) (*model.AcceptedRecord, error)
	NearestInWindow(ctx context.Context, embedding []float32, from, to time.Time, limit int) ([]model.AcceptedRecord, error)
	ByDeadlineRange(ctx context.Context, from, to time.Time, limit int) ([]model.AcceptedRecord, error)
	AppendDedupLog(ctx context.Context, entry model.DedupLog) error
	DedupStats(ctx context.Context, sourceID string, from, to time.Time) (model.DedupStats, error)

	// Community votes
	AddVote(ctx context.Context, v model.Vote) error
	TallyVotes(ctx context.Context, candidateID string) (model.VoteTally, error)
	SourceVotes(ctx context.Context, sourceID string, from, to time.Time) (model.VoteTally, error)

	// Monitoring
	AppendMonitoringLog(ctx context.Context, l model.MonitoringLog) error
	MonitoringStats(ctx context.Context, sourceID string, from, to time.Time) (model.MonitoringStats, error)
	LastMonitoringChecks(ctx context.Context) (map[string]time.Time, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Open connects to the backend named by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres", "":
		s, err := NewPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := NewSQLite(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

const defaultListLimit = 100

func marshal(v any, what string) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrapf(err, "store: marshal %s", what)
	}
	return data, nil
}

func unmarshal(data []byte, v any, what string) error {
	if len(data) == 0 {
		return nil
	}
	return eris.Wrapf(json.Unmarshal(data, v), "store: unmarshal %s", what)
}

// rowScanner is satisfied by pgx and database/sql rows alike.
type rowScanner interface {
	Scan(dest ...any) error
}

// optionalJSON encodes v, or returns nil (NULL) when v is nil.
func optionalJSON[T any](v *T, what string) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return marshal(v, what)
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
