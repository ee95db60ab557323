package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/funding-intake/internal/fingerprint"
	"github.com/sells-group/funding-intake/internal/intake"
	"github.com/sells-group/funding-intake/internal/lifecycle"
	"github.com/sells-group/funding-intake/internal/model"
	"github.com/sells-group/funding-intake/internal/store"
)

type harness struct {
	intake    *mockIntake
	lifecycle *mockLifecycle
	store     *mockStore
	handler   http.Handler
}

func newHarness() *harness {
	h := &harness{intake: &mockIntake{}, lifecycle: &mockLifecycle{}, store: &mockStore{}}
	h.handler = NewRouter(Deps{Intake: h.intake, Lifecycle: h.lifecycle, Store: h.store})
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	h := newHarness()
	h.store.On("Ping", mock.Anything).Return(nil).Once()

	rr := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	assert.Equal(t, "ok", decodeBody[map[string]string](t, rr)["status"])

	h.store.On("Ping", mock.Anything).Return(errors.New("db down")).Once()
	rr = h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	rr := newHarness().do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestSubmitSource(t *testing.T) {
	h := newHarness()
	sub := model.SourceSubmission{Name: "Example grants feed", URL: "https://grants.example.org/feed"}
	h.lifecycle.On("SubmitSource", mock.Anything, sub).
		Return(&model.SourceRecord{ID: "src-1", State: model.StateApprovedForPilot}, nil)

	rr := h.do(t, http.MethodPost, "/sources", sub)
	assert.Equal(t, http.StatusCreated, rr.Code)
	rec := decodeBody[model.SourceRecord](t, rr)
	assert.Equal(t, "src-1", rec.ID)
	assert.Equal(t, model.StateApprovedForPilot, rec.State)
	h.lifecycle.AssertExpectations(t)
}

func TestSubmitSource_Invalid(t *testing.T) {
	h := newHarness()
	h.lifecycle.On("SubmitSource", mock.Anything, mock.Anything).
		Return(nil, eris.Wrap(lifecycle.ErrInvalidSubmission, "lifecycle: name is required"))

	rr := h.do(t, http.MethodPost, "/sources", model.SourceSubmission{URL: "https://example.org"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decodeBody[map[string]string](t, rr)["error"], "name is required")
}

func TestSubmitSource_BadBody(t *testing.T) {
	rr := newHarness().do(t, http.MethodPost, "/sources", "{not json")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid request body")
}

func TestGetSource_NotFound(t *testing.T) {
	h := newHarness()
	h.store.On("GetSource", mock.Anything, "missing").Return(nil, eris.Wrap(store.ErrNotFound, "sqlite: source missing"))

	rr := h.do(t, http.MethodGet, "/sources/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPilotStatus(t *testing.T) {
	h := newHarness()
	h.lifecycle.On("PilotStatus", mock.Anything, "src-1").
		Return(model.PilotStatus{SourceID: "src-1", State: model.StatePilotActive, DaysRemaining: 12}, nil)

	rr := h.do(t, http.MethodGet, "/sources/src-1/pilot", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	st := decodeBody[model.PilotStatus](t, rr)
	assert.Equal(t, 12, st.DaysRemaining)
}

func TestEvaluatePerformance(t *testing.T) {
	h := newHarness()
	h.lifecycle.On("EvaluatePerformance", mock.Anything, "src-1").
		Return(model.PerformanceSnapshot{SourceID: "src-1", Status: model.PerformanceFailing, FailedThresholds: []string{"duplicate_rate"}}, nil)

	rr := h.do(t, http.MethodPost, "/sources/src-1/performance", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	snap := decodeBody[model.PerformanceSnapshot](t, rr)
	assert.Equal(t, model.PerformanceFailing, snap.Status)
	assert.Equal(t, []string{"duplicate_rate"}, snap.FailedThresholds)
}

func TestEvaluateCandidate(t *testing.T) {
	h := newHarness()
	h.intake.On("EvaluateCandidate", mock.Anything,
		mock.MatchedBy(func(c model.Candidate) bool { return c.Title == "Climate grant" && c.URL == "https://example.org/g" }),
		mock.MatchedBy(func(o intake.Options) bool { return o.Relevance != nil && *o.Relevance == 0.9 && o.Accuracy == nil }),
	).Return(model.Evaluation{CandidateID: "c-1", Status: model.CandidateAdmitted, Decision: model.RoutingDecision{Decision: model.DecisionAutoApprove}}, nil)

	rr := h.do(t, http.MethodPost, "/candidates/evaluate", map[string]any{
		"title":           "Climate grant",
		"url":             "https://example.org/g",
		"channel":         "scrape",
		"relevance_score": 0.9,
	})
	assert.Equal(t, http.StatusOK, rr.Code)
	ev := decodeBody[model.Evaluation](t, rr)
	assert.Equal(t, model.CandidateAdmitted, ev.Status)
	h.intake.AssertExpectations(t)
}

func TestEvaluateCandidate_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"empty content", &fingerprint.Error{Err: fingerprint.ErrEmptyContent}, http.StatusBadRequest},
		{"inactive source", eris.Wrap(intake.ErrSourceInactive, "intake: source src-1 is deprecated"), http.StatusUnprocessableEntity},
		{"backend down", errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.intake.On("EvaluateCandidate", mock.Anything, mock.Anything, mock.Anything).Return(model.Evaluation{}, tt.err)
			rr := h.do(t, http.MethodPost, "/candidates/evaluate", map[string]any{"title": "x"})
			assert.Equal(t, tt.code, rr.Code)
		})
	}
}

func TestVote(t *testing.T) {
	h := newHarness()
	h.intake.On("RecordCommunityVote", mock.Anything, "c-1", "dana", true).
		Return(model.VoteTally{Approvals: 3}, model.CandidateAdmitted, nil)

	rr := h.do(t, http.MethodPost, "/candidates/c-1/votes", voteRequest{Voter: "dana", Approve: true})
	assert.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody[struct {
		Tally  model.VoteTally       `json:"tally"`
		Status model.CandidateStatus `json:"status"`
	}](t, rr)
	assert.Equal(t, 3, body.Tally.Approvals)
	assert.Equal(t, model.CandidateAdmitted, body.Status)
}

func TestVote_RequiresVoter(t *testing.T) {
	rr := newHarness().do(t, http.MethodPost, "/candidates/c-1/votes", voteRequest{Approve: true})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestVote_NotPending(t *testing.T) {
	h := newHarness()
	h.intake.On("RecordCommunityVote", mock.Anything, "c-1", "dana", false).
		Return(model.VoteTally{}, model.CandidateStatus(""), eris.Wrap(intake.ErrNotPending, "intake: candidate c-1 is admitted"))

	rr := h.do(t, http.MethodPost, "/candidates/c-1/votes", voteRequest{Voter: "dana"})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestListReviews(t *testing.T) {
	h := newHarness()
	h.store.On("ListReviews", mock.Anything, store.ReviewFilter{Kind: model.ReviewSource, Status: model.ReviewPending, Limit: 10}).
		Return([]model.ReviewItem{{ID: "r-1", Kind: model.ReviewSource, Priority: 40}}, nil)

	rr := h.do(t, http.MethodGet, "/reviews?kind=source&status=pending&limit=10", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	items := decodeBody[[]model.ReviewItem](t, rr)
	require.Len(t, items, 1)
	assert.Equal(t, "r-1", items[0].ID)
}

func TestListReviews_EmptyIsArray(t *testing.T) {
	h := newHarness()
	h.store.On("ListReviews", mock.Anything, store.ReviewFilter{}).Return(nil, nil)

	rr := h.do(t, http.MethodGet, "/reviews", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())
}

func TestListReviews_BadLimit(t *testing.T) {
	rr := newHarness().do(t, http.MethodGet, "/reviews?limit=lots", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestResolveReview_Source(t *testing.T) {
	h := newHarness()
	h.store.On("GetReview", mock.Anything, "r-1").Return(&model.ReviewItem{ID: "r-1", Kind: model.ReviewSource, SubjectID: "src-1"}, nil)
	h.lifecycle.On("ResolveSourceReview", mock.Anything, "r-1", true, "alice", "ok").
		Return(&model.SourceRecord{ID: "src-1", State: model.StateApprovedForPilot}, nil)

	rr := h.do(t, http.MethodPost, "/reviews/r-1/resolve", resolveRequest{Approve: true, Reviewer: "alice", Note: "ok"})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "approved_for_pilot")
	h.intake.AssertNotCalled(t, "ResolveCandidateReview", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestResolveReview_Candidate(t *testing.T) {
	h := newHarness()
	h.store.On("GetReview", mock.Anything, "r-2").Return(&model.ReviewItem{ID: "r-2", Kind: model.ReviewCandidate, SubjectID: "c-1"}, nil)
	h.intake.On("ResolveCandidateReview", mock.Anything, "r-2", false, "alice", "").Return(model.CandidateRejected, nil)

	rr := h.do(t, http.MethodPost, "/reviews/r-2/resolve", resolveRequest{Reviewer: "alice"})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "rejected", decodeBody[map[string]any](t, rr)["status"])
}

func TestResolveReview_AlreadyResolved(t *testing.T) {
	h := newHarness()
	h.store.On("GetReview", mock.Anything, "r-1").Return(&model.ReviewItem{ID: "r-1", Kind: model.ReviewSource}, nil)
	h.lifecycle.On("ResolveSourceReview", mock.Anything, "r-1", true, "alice", "").
		Return(nil, eris.Wrap(lifecycle.ErrNotPending, "lifecycle: review r-1 is approved"))

	rr := h.do(t, http.MethodPost, "/reviews/r-1/resolve", resolveRequest{Approve: true, Reviewer: "alice"})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestResolveReview_RequiresReviewer(t *testing.T) {
	rr := newHarness().do(t, http.MethodPost, "/reviews/r-1/resolve", resolveRequest{Approve: true})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := &harness{intake: &mockIntake{}, lifecycle: &mockLifecycle{}, store: &mockStore{}}
	h.handler = NewRouter(Deps{Intake: h.intake, Lifecycle: h.lifecycle, Store: h.store, CORSOrigins: []string{"https://app.example.org"}})

	req := httptest.NewRequest(http.MethodOptions, "/sources", nil)
	req.Header.Set("Origin", "https://app.example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)

	assert.Equal(t, "https://app.example.org", rr.Header().Get("Access-Control-Allow-Origin"))
}
