// Package lifecycle drives a source through validation, its pilot window
// and production monitoring. Every state change is applied as one atomic
// store transition guarded by the state the orchestrator last observed.
package lifecycle

import (
	"context"
	"errors"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/funding-intake/internal/config"
	"github.com/sells-group/funding-intake/internal/metrics"
	"github.com/sells-group/funding-intake/internal/model"
	"github.com/sells-group/funding-intake/internal/performance"
	"github.com/sells-group/funding-intake/internal/store"
)

var (
	// ErrInvalidTransition is returned for a move the state table forbids.
	ErrInvalidTransition = eris.New("lifecycle: invalid transition")
	// ErrInvalidSubmission is returned for a submission missing its name or
	// a usable URL.
	ErrInvalidSubmission = eris.New("lifecycle: invalid submission")
	// ErrNotPending is returned when a review has already been resolved.
	ErrNotPending = eris.New("lifecycle: review not pending")
)

// transitions is the complete set of allowed moves. The only self-loops are
// a further bounded extension and a production window rollover.
var transitions = map[model.SourceState][]model.SourceState{
	model.StateSubmitted:        {model.StateValidating},
	model.StateValidating:       {model.StateApprovedForPilot, model.StateManualReview, model.StateRejected},
	model.StateManualReview:     {model.StateApprovedForPilot, model.StateRejected},
	model.StateApprovedForPilot: {model.StatePilotActive},
	model.StatePilotActive:      {model.StateProductionActive, model.StateExtendedPilot, model.StateDeprecated},
	model.StateExtendedPilot:    {model.StateProductionActive, model.StateExtendedPilot, model.StateDeprecated},
	model.StateProductionActive: {model.StateProductionActive, model.StateDeprecated},
}

// CanTransition reports whether the state table allows from -> to.
func CanTransition(from, to model.SourceState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Validator validates a submitted source.
type Validator interface {
	Validate(ctx context.Context, sub model.SourceSubmission) model.ValidationReport
}

// Notifier is told about every applied transition.
type Notifier interface {
	Notify(ctx context.Context, src model.SourceRecord, t model.Transition)
}

// Store is the persistence the orchestrator needs.
type Store interface {
	performance.Stats
	CreateSource(ctx context.Context, rec *model.SourceRecord) error
	GetSource(ctx context.Context, id string) (*model.SourceRecord, error)
	ListSources(ctx context.Context, states ...model.SourceState) ([]model.SourceRecord, error)
	ApplyTransition(ctx context.Context, t model.Transition) error
	PendingWindow(ctx context.Context, sourceID string) (*model.PilotWindow, error)
	DueWindows(ctx context.Context, now time.Time) ([]model.PilotWindow, error)
	GetReview(ctx context.Context, id string) (*model.ReviewItem, error)
}

// Orchestrator runs the source lifecycle.
type Orchestrator struct {
	cfg       config.PilotConfig
	store     Store
	validator Validator
	tracker   *performance.Tracker
	notifier  Notifier
	metrics   *metrics.Metrics
	now       func() time.Time
	log       *zap.Logger
}

// New creates an Orchestrator. notifier may be nil.
func New(cfg config.PilotConfig, st Store, v Validator, notifier Notifier, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		store:     st,
		validator: v,
		tracker:   performance.NewTracker(cfg, st, m),
		notifier:  notifier,
		metrics:   m,
		now:       time.Now,
		log:       zap.L().With(zap.String("component", "lifecycle")),
	}
}

// SubmitSource records a new source, validates it and routes it to a pilot,
// the manual review queue or rejection. The returned record carries the
// resulting state and validation report.
func (o *Orchestrator) SubmitSource(ctx context.Context, sub model.SourceSubmission) (*model.SourceRecord, error) {
	sub.Name = strings.TrimSpace(sub.Name)
	sub.URL = strings.TrimSpace(sub.URL)
	if sub.Name == "" {
		return nil, eris.Wrap(ErrInvalidSubmission, "lifecycle: name is required")
	}
	if u, err := url.Parse(sub.URL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, eris.Wrapf(ErrInvalidSubmission, "lifecycle: url %q is not an http(s) url", sub.URL)
	}
	if sub.Classification == "" {
		sub.Classification = Classify(sub.URL)
	}

	now := o.now().UTC()
	rec := &model.SourceRecord{
		ID:             uuid.New().String(),
		Submission:     sub,
		Classification: sub.Classification,
		State:          model.StateSubmitted,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.store.CreateSource(ctx, rec); err != nil {
		return nil, eris.Wrap(err, "lifecycle: create source")
	}
	log := o.log.With(zap.String("source_id", rec.ID))
	log.Info("source submitted", zap.String("url", sub.URL), zap.String("classification", string(rec.Classification)))

	if err := o.apply(ctx, rec, model.Transition{To: model.StateValidating, Reason: "validation started", At: now}); err != nil {
		return nil, err
	}

	report := o.validator.Validate(ctx, sub)
	at := o.now().UTC()
	t := model.Transition{At: at, Validation: &report}
	switch report.Outcome {
	case model.ValidationApproved:
		t.To = model.StateApprovedForPilot
		t.Reason = "validation passed"
		t.OpenWindow = o.window(rec.ID, model.WindowPilot, at)
	case model.ValidationManualReview:
		t.To = model.StateManualReview
		t.Reason = report.Reason
		t.Review = sourceReview(rec.ID, report, at)
	default:
		t.To = model.StateRejected
		t.Reason = report.Reason
	}
	if err := o.apply(ctx, rec, t); err != nil {
		return nil, err
	}
	return rec, nil
}

// ResolveSourceReview applies a reviewer's decision to a source waiting in
// manual review.
func (o *Orchestrator) ResolveSourceReview(ctx context.Context, reviewID string, approve bool, reviewer, note string) (*model.SourceRecord, error) {
	r, err := o.store.GetReview(ctx, reviewID)
	if err != nil {
		return nil, eris.Wrapf(err, "lifecycle: load review %s", reviewID)
	}
	if r.Kind != model.ReviewSource {
		return nil, eris.Errorf("lifecycle: review %s is a %s review", reviewID, r.Kind)
	}
	if r.Status != model.ReviewPending {
		return nil, eris.Wrapf(ErrNotPending, "lifecycle: review %s is %s", reviewID, r.Status)
	}
	rec, err := o.store.GetSource(ctx, r.SubjectID)
	if err != nil {
		return nil, eris.Wrapf(err, "lifecycle: load source %s", r.SubjectID)
	}

	at := o.now().UTC()
	t := model.Transition{
		At:      at,
		Resolve: &model.ReviewResolution{ReviewID: reviewID, Reviewer: reviewer, Note: note, At: at},
	}
	if approve {
		t.To = model.StateApprovedForPilot
		t.Reason = "approved by " + reviewer
		t.Resolve.Status = model.ReviewApproved
		t.OpenWindow = o.window(rec.ID, model.WindowPilot, at)
	} else {
		t.To = model.StateRejected
		t.Reason = "rejected by " + reviewer
		t.Resolve.Status = model.ReviewRejected
	}
	if err := o.apply(ctx, rec, t); err != nil {
		return nil, err
	}
	return rec, nil
}

// ActivatePilots moves every approved source into its pilot.
func (o *Orchestrator) ActivatePilots(ctx context.Context) (int, error) {
	recs, err := o.store.ListSources(ctx, model.StateApprovedForPilot)
	if err != nil {
		return 0, eris.Wrap(err, "lifecycle: list approved sources")
	}
	n := 0
	for i := range recs {
		rec := &recs[i]
		err := o.apply(ctx, rec, model.Transition{To: model.StatePilotActive, Reason: "pilot started", At: o.now().UTC()})
		if errors.Is(err, store.ErrStaleTransition) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// EvaluateDue closes every expired window. Sources are evaluated
// independently and concurrently; a failure on one is logged and does not
// stop the others. It returns the number of sources transitioned.
func (o *Orchestrator) EvaluateDue(ctx context.Context) (int, error) {
	due, err := o.store.DueWindows(ctx, o.now().UTC())
	if err != nil {
		return 0, eris.Wrap(err, "lifecycle: due windows")
	}
	if len(due) == 0 {
		return 0, nil
	}

	done := make([]bool, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(o.cfg.MaxConcurrentSources, 1))
	for i, w := range due {
		g.Go(func() error {
			moved, err := o.closeWindow(gctx, w)
			if err != nil {
				o.log.Error("window evaluation failed",
					zap.String("source_id", w.SourceID),
					zap.String("window_id", w.ID),
					zap.Error(err),
				)
				return nil
			}
			done[i] = moved
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, ok := range done {
		if ok {
			n++
		}
	}
	return n, nil
}

// Tick activates approved pilots then evaluates due windows.
func (o *Orchestrator) Tick(ctx context.Context) error {
	activated, err := o.ActivatePilots(ctx)
	if err != nil {
		return err
	}
	evaluated, err := o.EvaluateDue(ctx)
	if err != nil {
		return err
	}
	o.log.Info("lifecycle tick complete", zap.Int("activated", activated), zap.Int("evaluated", evaluated))
	return nil
}

// closeWindow evaluates w and applies the resulting transition. It reports
// whether the source moved.
func (o *Orchestrator) closeWindow(ctx context.Context, w model.PilotWindow) (bool, error) {
	rec, err := o.store.GetSource(ctx, w.SourceID)
	if err != nil {
		return false, eris.Wrapf(err, "lifecycle: load source %s", w.SourceID)
	}
	if !rec.State.Monitored() {
		// Approved sources whose activation has not run yet keep their
		// window until the next tick.
		return false, nil
	}

	now := o.now().UTC()
	snap, err := o.tracker.Evaluate(ctx, *rec, w, now)
	if err != nil {
		return false, err
	}
	t, err := Plan(*rec, w, snap, o.cfg, now)
	if err != nil {
		return false, err
	}
	if err := o.apply(ctx, rec, t); err != nil {
		return false, err
	}
	return true, nil
}

// Plan turns a window's snapshot into the transition that closes it. It is
// a pure function of its inputs.
func Plan(rec model.SourceRecord, w model.PilotWindow, snap model.PerformanceSnapshot, cfg config.PilotConfig, now time.Time) (model.Transition, error) {
	t := model.Transition{
		SourceID:            rec.ID,
		From:                rec.State,
		At:                  now,
		Extensions:          rec.Extensions,
		ConsecutiveFailures: rec.ConsecutiveFailures,
		Snapshot:            &snap,
		CloseWindow:         &model.WindowClose{WindowID: w.ID, Outcome: windowOutcome(snap.Status), SnapshotID: snap.ID},
	}
	switch snap.Status {
	case model.PerformancePassing:
		t.ConsecutiveFailures = 0
	case model.PerformanceFailing:
		t.ConsecutiveFailures++
	}

	end := func() time.Time { return now.AddDate(0, 0, cfg.WindowDays) }
	switch snap.Recommendation {
	case model.RecommendPromote:
		if snap.Status != model.PerformancePassing {
			return model.Transition{}, eris.Wrapf(ErrInvalidTransition, "lifecycle: promotion of %s without a passing snapshot", rec.ID)
		}
		t.To = model.StateProductionActive
		t.Reason = "pilot passed all thresholds"
		t.OpenWindow = &model.PilotWindow{ID: uuid.New().String(), SourceID: rec.ID, Kind: model.WindowProduction, Start: now, End: end(), Outcome: model.WindowPending}
	case model.RecommendExtend:
		if rec.Extensions >= cfg.MaxExtensions {
			return model.Transition{}, eris.Wrapf(ErrInvalidTransition, "lifecycle: %s has used all %d extensions", rec.ID, cfg.MaxExtensions)
		}
		t.To = model.StateExtendedPilot
		t.Extensions++
		t.Reason = extensionReason(snap)
		t.OpenWindow = &model.PilotWindow{ID: uuid.New().String(), SourceID: rec.ID, Kind: model.WindowExtension, Start: now, End: end(), Outcome: model.WindowPending}
	case model.RecommendDeprecate:
		t.To = model.StateDeprecated
		t.Reason = deprecationReason(rec, snap)
	case model.RecommendContinue:
		t.To = model.StateProductionActive
		t.Reason = "production window " + string(snap.Status)
		t.OpenWindow = &model.PilotWindow{ID: uuid.New().String(), SourceID: rec.ID, Kind: model.WindowProduction, Start: now, End: end(), Outcome: model.WindowPending}
	default:
		return model.Transition{}, eris.Errorf("lifecycle: unknown recommendation %q", snap.Recommendation)
	}

	if !CanTransition(t.From, t.To) {
		return model.Transition{}, eris.Wrapf(ErrInvalidTransition, "lifecycle: %s -> %s", t.From, t.To)
	}
	return t, nil
}

// EvaluatePerformance scores a source on demand over its open window, or
// over the trailing window length when none is open. The snapshot is not
// persisted and never moves the source.
func (o *Orchestrator) EvaluatePerformance(ctx context.Context, sourceID string) (model.PerformanceSnapshot, error) {
	rec, err := o.store.GetSource(ctx, sourceID)
	if err != nil {
		return model.PerformanceSnapshot{}, eris.Wrapf(err, "lifecycle: load source %s", sourceID)
	}
	now := o.now().UTC()
	w, err := o.store.PendingWindow(ctx, sourceID)
	if errors.Is(err, store.ErrNotFound) {
		w = &model.PilotWindow{SourceID: sourceID, Start: now.AddDate(0, 0, -o.cfg.WindowDays), End: now}
	} else if err != nil {
		return model.PerformanceSnapshot{}, eris.Wrapf(err, "lifecycle: pending window %s", sourceID)
	}
	return o.tracker.Evaluate(ctx, *rec, *w, now)
}

// PilotStatus reports a source's state, its open window and the whole days
// left in it.
func (o *Orchestrator) PilotStatus(ctx context.Context, sourceID string) (model.PilotStatus, error) {
	rec, err := o.store.GetSource(ctx, sourceID)
	if err != nil {
		return model.PilotStatus{}, eris.Wrapf(err, "lifecycle: load source %s", sourceID)
	}
	st := model.PilotStatus{SourceID: rec.ID, State: rec.State, Extensions: rec.Extensions}

	w, err := o.store.PendingWindow(ctx, sourceID)
	if errors.Is(err, store.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return model.PilotStatus{}, eris.Wrapf(err, "lifecycle: pending window %s", sourceID)
	}
	st.Window = w
	if left := w.End.Sub(o.now()); left > 0 {
		st.DaysRemaining = int(math.Ceil(left.Hours() / 24))
	}
	return st, nil
}

// apply checks t against the state table, writes it and updates rec in
// place.
func (o *Orchestrator) apply(ctx context.Context, rec *model.SourceRecord, t model.Transition) error {
	t.SourceID = rec.ID
	t.From = rec.State
	if t.Snapshot == nil {
		t.Extensions = rec.Extensions
		t.ConsecutiveFailures = rec.ConsecutiveFailures
	}
	if !CanTransition(t.From, t.To) {
		return eris.Wrapf(ErrInvalidTransition, "lifecycle: %s -> %s for %s", t.From, t.To, rec.ID)
	}

	if err := o.store.ApplyTransition(ctx, t); err != nil {
		return eris.Wrapf(err, "lifecycle: %s -> %s for %s", t.From, t.To, rec.ID)
	}
	o.metrics.ObserveTransition(string(t.From), string(t.To))

	rec.State = t.To
	rec.Extensions = t.Extensions
	rec.ConsecutiveFailures = t.ConsecutiveFailures
	rec.UpdatedAt = t.At
	if t.Validation != nil {
		rec.Validation = t.Validation
	}

	o.log.Info("source transitioned",
		zap.String("source_id", rec.ID),
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
		zap.String("reason", t.Reason),
	)
	if o.notifier != nil {
		o.notifier.Notify(ctx, *rec, t)
	}
	return nil
}

func (o *Orchestrator) window(sourceID string, kind model.WindowKind, start time.Time) *model.PilotWindow {
	return &model.PilotWindow{
		ID:       uuid.New().String(),
		SourceID: sourceID,
		Kind:     kind,
		Start:    start,
		End:      start.AddDate(0, 0, o.cfg.WindowDays),
		Outcome:  model.WindowPending,
	}
}

func sourceReview(sourceID string, report model.ValidationReport, at time.Time) *model.ReviewItem {
	details := make([]string, 0, len(report.Checks))
	for _, c := range report.Checks {
		if !c.Passed {
			details = append(details, string(c.Name)+": "+c.Note)
		}
	}
	return &model.ReviewItem{
		ID:        uuid.New().String(),
		Kind:      model.ReviewSource,
		SubjectID: sourceID,
		// Weaker submissions sort first.
		Priority:  int((1 - report.Score) * 100),
		Reason:    report.Reason,
		Details:   details,
		Status:    model.ReviewPending,
		CreatedAt: at,
	}
}

func windowOutcome(s model.PerformanceStatus) model.WindowOutcome {
	switch s {
	case model.PerformancePassing:
		return model.WindowPassing
	case model.PerformanceFailing:
		return model.WindowFailing
	default:
		return model.WindowInconclusive
	}
}

func extensionReason(snap model.PerformanceSnapshot) string {
	if snap.Status == model.PerformanceFailing {
		return "failing " + strings.Join(snap.FailedThresholds, ", ") + "; pilot extended"
	}
	return "inconclusive snapshot; pilot extended"
}

func deprecationReason(rec model.SourceRecord, snap model.PerformanceSnapshot) string {
	if snap.Status == model.PerformanceFailing {
		return "failing " + strings.Join(snap.FailedThresholds, ", ") + " on consecutive snapshots"
	}
	return "extensions exhausted after " + string(rec.State)
}
