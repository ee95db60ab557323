package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/funding-intake/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func testSource(id string, state model.SourceState) *model.SourceRecord {
	return &model.SourceRecord{
		ID: id,
		Submission: model.SourceSubmission{
			Name:             "Grants Weekly",
			URL:              "https://grants.example.org/feed.xml",
			OrganizationName: "Example Foundation",
			SubmitterEmail:   "ops@example.org",
		},
		Classification: model.ClassFeed,
		State:          state,
		CreatedAt:      t0,
		UpdatedAt:      t0,
	}
}

func testOutcome(id, urlKey, hash string, status model.CandidateStatus) model.Outcome {
	c := model.Candidate{
		ID:           id,
		SourceID:     "src-1",
		Channel:      model.ChannelScrape,
		Title:        "AI research grant " + id,
		Description:  "Funding for machine learning research",
		Organization: "Example Foundation",
		AmountMin:    ptr(10000.0),
		AmountMax:    ptr(50000.0),
		Deadline:     ptr(t0.AddDate(0, 2, 0)),
		URL:          urlKey,
		URLKey:       urlKey,
		ContentHash:  hash,
		Embedding:    []float32{1, 0, 0},
		SubmittedAt:  t0,
	}
	return model.Outcome{
		Candidate: c,
		Evaluation: model.Evaluation{
			CandidateID: id,
			Verdict:     model.DeduplicationVerdict{MatchType: model.MatchNone},
			Relevance:   ptr(0.9),
			Decision:    model.RoutingDecision{OverallConfidence: 0.9, Decision: model.DecisionAutoApprove},
			Status:      status,
			EvaluatedAt: t0,
		},
	}
}

func TestSQLite_CreateAndGetSource(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateSource(ctx, testSource("src-1", model.StateSubmitted)))

	got, err := st.GetSource(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateSubmitted, got.State)
	assert.Equal(t, model.ClassFeed, got.Classification)
	assert.Equal(t, "Grants Weekly", got.Submission.Name)
	assert.True(t, got.CreatedAt.Equal(t0))
	assert.Nil(t, got.Validation)

	_, err = st.GetSource(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_ListSourcesByState(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateSource(ctx, testSource("a", model.StatePilotActive)))
	require.NoError(t, st.CreateSource(ctx, testSource("b", model.StateDeprecated)))
	require.NoError(t, st.CreateSource(ctx, testSource("c", model.StateProductionActive)))

	all, err := st.ListSources(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	monitored, err := st.ListSources(ctx, model.StatePilotActive, model.StateProductionActive)
	require.NoError(t, err)
	require.Len(t, monitored, 2)
	assert.ElementsMatch(t, []string{"a", "c"}, []string{monitored[0].ID, monitored[1].ID})
}

func TestSQLite_ApplyTransition(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateSource(ctx, testSource("src-1", model.StateValidating)))

	at := t0.Add(time.Minute)
	report := &model.ValidationReport{Score: 0.9, Outcome: model.ValidationApproved, ValidatedAt: at}
	err := st.ApplyTransition(ctx, model.Transition{
		SourceID:   "src-1",
		From:       model.StateValidating,
		To:         model.StateApprovedForPilot,
		Reason:     "validation passed",
		At:         at,
		Validation: report,
		OpenWindow: &model.PilotWindow{ID: "w-1", SourceID: "src-1", Kind: model.WindowPilot, Start: at, End: at.AddDate(0, 0, 30)},
	})
	require.NoError(t, err)

	got, err := st.GetSource(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateApprovedForPilot, got.State)
	require.NotNil(t, got.Validation)
	assert.InDelta(t, 0.9, got.Validation.Score, 1e-9)

	w, err := st.PendingWindow(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, "w-1", w.ID)
	assert.Equal(t, model.WindowPending, w.Outcome)
	assert.Nil(t, w.ClosedAt)

	hist, err := st.StateHistory(ctx, "src-1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, model.StateValidating, hist[0].From)
	assert.Equal(t, model.StateApprovedForPilot, hist[0].To)
	assert.Equal(t, "validation passed", hist[0].Reason)
}

func TestSQLite_ApplyTransition_Stale(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateSource(ctx, testSource("src-1", model.StatePilotActive)))

	err := st.ApplyTransition(ctx, model.Transition{
		SourceID: "src-1", From: model.StateApprovedForPilot, To: model.StatePilotActive, At: t0,
	})
	assert.ErrorIs(t, err, ErrStaleTransition)
}

func TestSQLite_ApplyTransition_IsAtomic(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateSource(ctx, testSource("src-1", model.StateApprovedForPilot)))
	require.NoError(t, st.ApplyTransition(ctx, model.Transition{
		SourceID: "src-1", From: model.StateApprovedForPilot, To: model.StatePilotActive, At: t0,
		OpenWindow: &model.PilotWindow{ID: "w-1", SourceID: "src-1", Kind: model.WindowPilot, Start: t0, End: t0.AddDate(0, 0, 30)},
	}))

	// A second open window violates the one-pending-window index, so the
	// state change in the same transition must not stick either.
	err := st.ApplyTransition(ctx, model.Transition{
		SourceID: "src-1", From: model.StatePilotActive, To: model.StateExtendedPilot, At: t0.Add(time.Hour),
		Snapshot:   &model.PerformanceSnapshot{ID: "snap-1", SourceID: "src-1", Status: model.PerformanceFailing, EvaluatedAt: t0},
		OpenWindow: &model.PilotWindow{ID: "w-2", SourceID: "src-1", Kind: model.WindowExtension, Start: t0, End: t0.AddDate(0, 0, 30)},
	})
	assert.ErrorIs(t, err, ErrStaleTransition)

	got, err := st.GetSource(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatePilotActive, got.State)

	snaps, err := st.Snapshots(ctx, "src-1", 10)
	require.NoError(t, err)
	assert.Empty(t, snaps)

	hist, err := st.StateHistory(ctx, "src-1")
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestSQLite_CloseAndRenewWindow(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateSource(ctx, testSource("src-1", model.StateApprovedForPilot)))
	require.NoError(t, st.ApplyTransition(ctx, model.Transition{
		SourceID: "src-1", From: model.StateApprovedForPilot, To: model.StatePilotActive, At: t0,
		OpenWindow: &model.PilotWindow{ID: "w-1", SourceID: "src-1", Kind: model.WindowPilot, Start: t0, End: t0.AddDate(0, 0, 30)},
	}))

	due, err := st.DueWindows(ctx, t0.AddDate(0, 0, 29))
	require.NoError(t, err)
	assert.Empty(t, due)

	end := t0.AddDate(0, 0, 30)
	due, err = st.DueWindows(ctx, end)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "w-1", due[0].ID)

	snap := model.PerformanceSnapshot{
		ID: "snap-1", SourceID: "src-1", WindowID: "w-1", WindowStart: t0, WindowEnd: end,
		Discovered: 12, DuplicateRate: 0.25, Status: model.PerformanceFailing,
		FailedThresholds: []string{"duplicate_rate"}, Recommendation: model.RecommendExtend, EvaluatedAt: end,
	}
	require.NoError(t, st.ApplyTransition(ctx, model.Transition{
		SourceID: "src-1", From: model.StatePilotActive, To: model.StateExtendedPilot, At: end,
		Extensions: 1, ConsecutiveFailures: 1, Snapshot: &snap,
		CloseWindow: &model.WindowClose{WindowID: "w-1", Outcome: model.WindowFailing, SnapshotID: "snap-1"},
		OpenWindow:  &model.PilotWindow{ID: "w-2", SourceID: "src-1", Kind: model.WindowExtension, Start: end, End: end.AddDate(0, 0, 30)},
	}))

	w, err := st.PendingWindow(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, "w-2", w.ID)
	assert.Equal(t, model.WindowExtension, w.Kind)

	got, err := st.GetSource(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Extensions)
	assert.Equal(t, 1, got.ConsecutiveFailures)

	snaps, err := st.Snapshots(ctx, "src-1", 10)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, []string{"duplicate_rate"}, snaps[0].FailedThresholds)
	assert.InDelta(t, 0.25, snaps[0].DuplicateRate, 1e-9)

	// Closing the same window twice is refused.
	err = st.ApplyTransition(ctx, model.Transition{
		SourceID: "src-1", From: model.StateExtendedPilot, To: model.StateDeprecated, At: end,
		CloseWindow: &model.WindowClose{WindowID: "w-1", Outcome: model.WindowFailing},
	})
	assert.ErrorIs(t, err, ErrStaleTransition)
}

func TestSQLite_SameStateRenewalSkipsHistory(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateSource(ctx, testSource("src-1", model.StateProductionActive)))

	require.NoError(t, st.ApplyTransition(ctx, model.Transition{
		SourceID: "src-1", From: model.StateProductionActive, To: model.StateProductionActive, At: t0,
		OpenWindow: &model.PilotWindow{ID: "w-1", SourceID: "src-1", Kind: model.WindowProduction, Start: t0, End: t0.AddDate(0, 0, 30)},
	}))
	hist, err := st.StateHistory(ctx, "src-1")
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestSQLite_SaveOutcomeAndIndexLookups(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	o := testOutcome("c-1", "https://grants.example.org/ai", "hash-1", model.CandidateAdmitted)
	rec := model.AcceptedFrom(&o.Candidate, "acc-1", t0)
	o.Accepted = &rec
	require.NoError(t, st.SaveOutcome(ctx, o))

	got, err := st.GetCandidate(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "AI research grant c-1", got.Candidate.Title)
	assert.Equal(t, []float32{1, 0, 0}, got.Candidate.Embedding)
	assert.Equal(t, model.CandidateAdmitted, got.Evaluation.Status)
	assert.Equal(t, model.DecisionAutoApprove, got.Evaluation.Decision.Decision)

	byURL, err := st.FindByURLKeys(ctx, []string{"http://grants.example.org/ai", "https://grants.example.org/ai"})
	require.NoError(t, err)
	require.NotNil(t, byURL)
	assert.Equal(t, "acc-1", byURL.ID)
	require.NotNil(t, byURL.AmountMin)
	assert.InDelta(t, 10000, *byURL.AmountMin, 1e-9)
	require.NotNil(t, byURL.Deadline)

	byHash, err := st.FindByContentHash(ctx, "hash-1")
	require.NoError(t, err)
	require.NotNil(t, byHash)
	assert.Equal(t, "c-1", byHash.CandidateID)

	miss, err := st.FindByContentHash(ctx, "other")
	require.NoError(t, err)
	assert.Nil(t, miss)

	miss, err = st.FindByURLKeys(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestSQLite_FindByURLKeysPrefersExactKey(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for i, key := range []string{"http://grants.example.org/ai", "https://grants.example.org/ai"} {
		o := testOutcome("c-"+key, key, "hash-"+key, model.CandidateAdmitted)
		rec := model.AcceptedFrom(&o.Candidate, "acc-"+key, t0.Add(time.Duration(i)*time.Hour))
		o.Accepted = &rec
		require.NoError(t, st.SaveOutcome(ctx, o))
	}

	got, err := st.FindByURLKeys(ctx, []string{"https://grants.example.org/ai", "http://grants.example.org/ai"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "https://grants.example.org/ai", got.URLKey)
}

func TestSQLite_SaveOutcome_AlreadyAdmittedRollsBack(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first := testOutcome("c-1", "https://a.example.org/x", "same-hash", model.CandidateAdmitted)
	rec := model.AcceptedFrom(&first.Candidate, "acc-1", t0)
	first.Accepted = &rec
	require.NoError(t, st.SaveOutcome(ctx, first))

	second := testOutcome("c-2", "https://b.example.org/y", "same-hash", model.CandidateAdmitted)
	rec2 := model.AcceptedFrom(&second.Candidate, "acc-2", t0)
	second.Accepted = &rec2
	err := st.SaveOutcome(ctx, second)
	assert.ErrorIs(t, err, ErrAlreadyAdmitted)

	_, err = st.GetCandidate(ctx, "c-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_NearestInWindow(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	embeddings := map[string][]float32{
		"far":     {0, 1, 0},
		"near":    {0.9, 0.1, 0},
		"exact":   {1, 0, 0},
		"outside": {1, 0, 0},
	}
	for id, emb := range embeddings {
		o := testOutcome(id, "https://example.org/"+id, "hash-"+id, model.CandidateAdmitted)
		o.Candidate.Embedding = emb
		rec := model.AcceptedFrom(&o.Candidate, "acc-"+id, t0)
		if id == "outside" {
			rec.ReferenceDate = t0.AddDate(2, 0, 0)
		}
		o.Accepted = &rec
		require.NoError(t, st.SaveOutcome(ctx, o))
	}

	recs, err := st.NearestInWindow(ctx, []float32{1, 0, 0}, t0.AddDate(-1, 0, 0), t0.AddDate(1, 0, 0), 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "acc-exact", recs[0].ID)
	assert.Equal(t, "acc-near", recs[1].ID)

	recs, err = st.NearestInWindow(ctx, nil, t0, t0, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSQLite_ByDeadlineRange(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		o := testOutcome(id, "https://example.org/"+id, "hash-"+id, model.CandidateAdmitted)
		o.Candidate.Deadline = ptr(t0.AddDate(0, 0, 10*i))
		rec := model.AcceptedFrom(&o.Candidate, "acc-"+id, t0)
		o.Accepted = &rec
		require.NoError(t, st.SaveOutcome(ctx, o))
	}

	recs, err := st.ByDeadlineRange(ctx, t0.AddDate(0, 0, 5), t0.AddDate(0, 0, 25), 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "acc-b", recs[0].ID)
	assert.Equal(t, "acc-c", recs[1].ID)
}

func TestSQLite_ReviewQueueAndCandidateSettlement(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	o := testOutcome("c-1", "https://example.org/review", "hash-r", model.CandidatePending)
	o.Evaluation.Decision.Decision = model.DecisionHumanReview
	o.Review = &model.ReviewItem{
		ID: "rev-1", Kind: model.ReviewCandidate, SubjectID: "c-1", Priority: 2,
		Reason: "unresolved conflict", Details: []string{"amount"}, CreatedAt: t0,
	}
	require.NoError(t, st.SaveOutcome(ctx, o))

	pending, err := st.ListReviews(ctx, ReviewFilter{Status: model.ReviewPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, []string{"amount"}, pending[0].Details)

	none, err := st.ListReviews(ctx, ReviewFilter{Kind: model.ReviewSource})
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, st.AssignReview(ctx, "rev-1", "alex"))

	rec := model.AcceptedFrom(&o.Candidate, "acc-1", t0.Add(time.Hour))
	resolve := &model.ReviewResolution{ReviewID: "rev-1", Status: model.ReviewApproved, Note: "looks right", At: t0.Add(time.Hour)}
	require.NoError(t, st.AdmitCandidate(ctx, rec, resolve))

	rev, err := st.GetReview(ctx, "rev-1")
	require.NoError(t, err)
	assert.Equal(t, model.ReviewApproved, rev.Status)
	assert.Equal(t, "alex", rev.AssignedTo)
	assert.Equal(t, "looks right", rev.Note)
	require.NotNil(t, rev.ResolvedAt)

	got, err := st.GetCandidate(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, model.CandidateAdmitted, got.Evaluation.Status)

	// Already settled.
	assert.ErrorIs(t, st.RejectCandidate(ctx, "c-1", nil), ErrStaleTransition)
	assert.ErrorIs(t, st.AssignReview(ctx, "rev-1", "sam"), ErrStaleTransition)
}

func TestSQLite_RejectCandidate(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	o := testOutcome("c-1", "https://example.org/r", "hash-r", model.CandidatePending)
	require.NoError(t, st.SaveOutcome(ctx, o))
	require.NoError(t, st.RejectCandidate(ctx, "c-1", nil))

	got, err := st.GetCandidate(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, model.CandidateRejected, got.Evaluation.Status)

	hit, err := st.FindByContentHash(ctx, "hash-r")
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestSQLite_Votes(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.SaveOutcome(ctx, testOutcome("c-1", "https://example.org/v", "hash-v", model.CandidatePending)))

	require.NoError(t, st.AddVote(ctx, model.Vote{ID: "v1", CandidateID: "c-1", Voter: "ann", Approve: false, CastAt: t0}))
	require.NoError(t, st.AddVote(ctx, model.Vote{ID: "v2", CandidateID: "c-1", Voter: "ann", Approve: true, CastAt: t0}))
	require.NoError(t, st.AddVote(ctx, model.Vote{ID: "v3", CandidateID: "c-1", Voter: "bo", Approve: false, CastAt: t0}))

	tally, err := st.TallyVotes(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, model.VoteTally{Approvals: 1, Rejections: 1}, tally)

	bySource, err := st.SourceVotes(ctx, "src-1", t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, tally, bySource)

	empty, err := st.TallyVotes(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, empty)
}

func TestSQLite_DedupAndMonitoringStats(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateSource(ctx, testSource("src-1", model.StatePilotActive)))

	logs := []model.DedupLog{
		{ID: "d1", CandidateID: "c1", SourceID: "src-1", Verdict: model.DeduplicationVerdict{MatchType: model.MatchNone}, CheckedAt: t0},
		{ID: "d2", CandidateID: "c2", SourceID: "src-1", Verdict: model.DeduplicationVerdict{IsDuplicate: true, MatchType: model.MatchContentHash}, CheckedAt: t0},
		// Admission re-check of c1 does not count twice.
		{ID: "d3", CandidateID: "c1", SourceID: "src-1", Verdict: model.DeduplicationVerdict{MatchType: model.MatchNone}, SkippedLayers: []string{"semantic"}, Duration: time.Millisecond, CheckedAt: t0},
		{ID: "d4", CandidateID: "c3", SourceID: "other", Verdict: model.DeduplicationVerdict{IsDuplicate: true}, CheckedAt: t0},
		{ID: "d5", CandidateID: "c4", SourceID: "src-1", Verdict: model.DeduplicationVerdict{IsDuplicate: true}, CheckedAt: t0.AddDate(0, 1, 0)},
	}
	for _, l := range logs {
		require.NoError(t, st.AppendDedupLog(ctx, l))
	}
	ds, err := st.DedupStats(ctx, "src-1", t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, model.DedupStats{Checks: 2, Duplicates: 1}, ds)

	for i, ok := range []bool{true, true, false, true} {
		require.NoError(t, st.AppendMonitoringLog(ctx, model.MonitoringLog{
			ID: "m" + string(rune('a'+i)), SourceID: "src-1", CheckedAt: t0.Add(time.Duration(i) * time.Minute),
			Success: ok, StatusCode: 200, Attempts: 1, Latency: 40 * time.Millisecond,
		}))
	}
	ms, err := st.MonitoringStats(ctx, "src-1", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, model.MonitoringStats{Checks: 4, Successes: 3}, ms)

	last, err := st.LastMonitoringChecks(ctx)
	require.NoError(t, err)
	assert.True(t, last["src-1"].Equal(t0.Add(3*time.Minute)))
}

func TestSQLite_CandidateSummaries(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	in := testOutcome("c-in", "https://example.org/in", "hash-in", model.CandidatePending)
	out := testOutcome("c-out", "https://example.org/out", "hash-out", model.CandidatePending)
	out.Evaluation.EvaluatedAt = t0.AddDate(0, 2, 0)
	noRel := testOutcome("c-norel", "https://example.org/norel", "hash-norel", model.CandidatePending)
	noRel.Evaluation.Relevance = nil
	noRel.Evaluation.Verdict.IsDuplicate = true
	for _, o := range []model.Outcome{in, out, noRel} {
		require.NoError(t, st.SaveOutcome(ctx, o))
	}

	sums, err := st.CandidateSummaries(ctx, "src-1", t0.Add(-time.Hour), t0.AddDate(0, 1, 0))
	require.NoError(t, err)
	require.Len(t, sums, 2)
	byID := map[string]model.CandidateSummary{sums[0].ID: sums[0], sums[1].ID: sums[1]}
	require.NotNil(t, byID["c-in"].Relevance)
	assert.InDelta(t, 0.9, *byID["c-in"].Relevance, 1e-9)
	assert.Nil(t, byID["c-norel"].Relevance)
	assert.True(t, byID["c-norel"].IsDuplicate)
}

func TestSQLite_MigrateIsIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Ping(context.Background()))
}
