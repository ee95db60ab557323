package api

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/funding-intake/internal/intake"
	"github.com/sells-group/funding-intake/internal/model"
	"github.com/sells-group/funding-intake/internal/store"
)

type mockIntake struct {
	mock.Mock
}

func (m *mockIntake) EvaluateCandidate(ctx context.Context, c model.Candidate, opts intake.Options) (model.Evaluation, error) {
	args := m.Called(ctx, c, opts)
	return args.Get(0).(model.Evaluation), args.Error(1)
}

func (m *mockIntake) ResolveCandidateReview(ctx context.Context, reviewID string, approve bool, reviewer, note string) (model.CandidateStatus, error) {
	args := m.Called(ctx, reviewID, approve, reviewer, note)
	return args.Get(0).(model.CandidateStatus), args.Error(1)
}

func (m *mockIntake) RecordCommunityVote(ctx context.Context, candidateID, voter string, approve bool) (model.VoteTally, model.CandidateStatus, error) {
	args := m.Called(ctx, candidateID, voter, approve)
	return args.Get(0).(model.VoteTally), args.Get(1).(model.CandidateStatus), args.Error(2)
}

type mockLifecycle struct {
	mock.Mock
}

func (m *mockLifecycle) SubmitSource(ctx context.Context, sub model.SourceSubmission) (*model.SourceRecord, error) {
	args := m.Called(ctx, sub)
	rec, _ := args.Get(0).(*model.SourceRecord)
	return rec, args.Error(1)
}

func (m *mockLifecycle) ResolveSourceReview(ctx context.Context, reviewID string, approve bool, reviewer, note string) (*model.SourceRecord, error) {
	args := m.Called(ctx, reviewID, approve, reviewer, note)
	rec, _ := args.Get(0).(*model.SourceRecord)
	return rec, args.Error(1)
}

func (m *mockLifecycle) PilotStatus(ctx context.Context, sourceID string) (model.PilotStatus, error) {
	args := m.Called(ctx, sourceID)
	return args.Get(0).(model.PilotStatus), args.Error(1)
}

func (m *mockLifecycle) EvaluatePerformance(ctx context.Context, sourceID string) (model.PerformanceSnapshot, error) {
	args := m.Called(ctx, sourceID)
	return args.Get(0).(model.PerformanceSnapshot), args.Error(1)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) GetSource(ctx context.Context, id string) (*model.SourceRecord, error) {
	args := m.Called(ctx, id)
	rec, _ := args.Get(0).(*model.SourceRecord)
	return rec, args.Error(1)
}

func (m *mockStore) GetReview(ctx context.Context, id string) (*model.ReviewItem, error) {
	args := m.Called(ctx, id)
	r, _ := args.Get(0).(*model.ReviewItem)
	return r, args.Error(1)
}

func (m *mockStore) ListReviews(ctx context.Context, filter store.ReviewFilter) ([]model.ReviewItem, error) {
	args := m.Called(ctx, filter)
	items, _ := args.Get(0).([]model.ReviewItem)
	return items, args.Error(1)
}

func (m *mockStore) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}
