// Package api exposes the intake core over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/funding-intake/internal/fingerprint"
	"github.com/sells-group/funding-intake/internal/intake"
	"github.com/sells-group/funding-intake/internal/lifecycle"
	"github.com/sells-group/funding-intake/internal/metrics"
	"github.com/sells-group/funding-intake/internal/model"
	"github.com/sells-group/funding-intake/internal/store"
)

const maxBodyBytes = 1 << 20

// Intake is the candidate side of the API.
type Intake interface {
	EvaluateCandidate(ctx context.Context, c model.Candidate, opts intake.Options) (model.Evaluation, error)
	ResolveCandidateReview(ctx context.Context, reviewID string, approve bool, reviewer, note string) (model.CandidateStatus, error)
	RecordCommunityVote(ctx context.Context, candidateID, voter string, approve bool) (model.VoteTally, model.CandidateStatus, error)
}

// Lifecycle is the source side of the API.
type Lifecycle interface {
	SubmitSource(ctx context.Context, sub model.SourceSubmission) (*model.SourceRecord, error)
	ResolveSourceReview(ctx context.Context, reviewID string, approve bool, reviewer, note string) (*model.SourceRecord, error)
	PilotStatus(ctx context.Context, sourceID string) (model.PilotStatus, error)
	EvaluatePerformance(ctx context.Context, sourceID string) (model.PerformanceSnapshot, error)
}

// Store is the read side the API serves directly.
type Store interface {
	GetSource(ctx context.Context, id string) (*model.SourceRecord, error)
	GetReview(ctx context.Context, id string) (*model.ReviewItem, error)
	ListReviews(ctx context.Context, filter store.ReviewFilter) ([]model.ReviewItem, error)
	Ping(ctx context.Context) error
}

// Deps are the services behind the routes.
type Deps struct {
	Intake      Intake
	Lifecycle   Lifecycle
	Store       Store
	Metrics     *metrics.Metrics
	CORSOrigins []string
}

type server struct {
	Deps
	log *zap.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	s := &server{Deps: d, log: zap.L().With(zap.String("component", "api"))}

	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(s.logRequests)

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())

	r.Route("/sources", func(r chi.Router) {
		r.Post("/", s.submitSource)
		r.Get("/{id}", s.getSource)
		r.Get("/{id}/pilot", s.pilotStatus)
		r.Post("/{id}/performance", s.evaluatePerformance)
	})
	r.Route("/candidates", func(r chi.Router) {
		r.Post("/evaluate", s.evaluateCandidate)
		r.Post("/{id}/votes", s.vote)
	})
	r.Route("/reviews", func(r chi.Router) {
		r.Get("/", s.listReviews)
		r.Post("/{id}/resolve", s.resolveReview)
	})
	return r
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Ping(r.Context()); err != nil {
		s.log.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) submitSource(w http.ResponseWriter, r *http.Request) {
	var sub model.SourceSubmission
	if !decode(w, r, &sub) {
		return
	}
	rec, err := s.Lifecycle.SubmitSource(r.Context(), sub)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *server) getSource(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Store.GetSource(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) pilotStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Lifecycle.PilotStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) evaluatePerformance(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Lifecycle.EvaluatePerformance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type evaluateRequest struct {
	model.Candidate
	RelevanceScore *float64 `json:"relevance_score,omitempty"`
	AccuracyScore  *float64 `json:"accuracy_score,omitempty"`
}

func (s *server) evaluateCandidate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !decode(w, r, &req) {
		return
	}
	ev, err := s.Intake.EvaluateCandidate(r.Context(), req.Candidate, intake.Options{
		Relevance: req.RelevanceScore,
		Accuracy:  req.AccuracyScore,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

type voteRequest struct {
	Voter   string `json:"voter"`
	Approve bool   `json:"approve"`
}

func (s *server) vote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Voter == "" {
		writeError(w, http.StatusBadRequest, "voter is required")
		return
	}
	tally, status, err := s.Intake.RecordCommunityVote(r.Context(), chi.URLParam(r, "id"), req.Voter, req.Approve)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tally": tally, "status": status})
}

func (s *server) listReviews(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ReviewFilter{
		Kind:   model.ReviewKind(q.Get("kind")),
		Status: model.ReviewStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	items, err := s.Store.ListReviews(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if items == nil {
		items = []model.ReviewItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

type resolveRequest struct {
	Approve  bool   `json:"approve"`
	Reviewer string `json:"reviewer"`
	Note     string `json:"note"`
}

// resolveReview dispatches on the review kind: source reviews move the
// source through its lifecycle, candidate reviews settle the candidate.
func (s *server) resolveReview(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Reviewer == "" {
		writeError(w, http.StatusBadRequest, "reviewer is required")
		return
	}

	id := chi.URLParam(r, "id")
	item, err := s.Store.GetReview(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	switch item.Kind {
	case model.ReviewSource:
		rec, err := s.Lifecycle.ResolveSourceReview(r.Context(), id, req.Approve, req.Reviewer, req.Note)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"review_id": id, "kind": item.Kind, "source": rec})
	case model.ReviewCandidate:
		status, err := s.Intake.ResolveCandidateReview(r.Context(), id, req.Approve, req.Reviewer, req.Note)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"review_id": id, "kind": item.Kind, "status": status})
	default:
		writeError(w, http.StatusUnprocessableEntity, "unknown review kind "+string(item.Kind))
	}
}

// fail maps domain errors onto HTTP statuses. Anything unrecognized is a
// 500 and is logged.
func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var fpErr *fingerprint.Error
	switch {
	case errors.Is(err, lifecycle.ErrInvalidSubmission), errors.As(err, &fpErr):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, intake.ErrNotPending), errors.Is(err, lifecycle.ErrNotPending),
		errors.Is(err, lifecycle.ErrInvalidTransition), errors.Is(err, store.ErrStaleTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, intake.ErrSourceInactive):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
