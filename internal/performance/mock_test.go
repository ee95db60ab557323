package performance

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/funding-intake/internal/model"
)

type mockStats struct {
	mock.Mock
}

func (m *mockStats) CandidateSummaries(ctx context.Context, sourceID string, from, to time.Time) ([]model.CandidateSummary, error) {
	args := m.Called(ctx, sourceID, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.CandidateSummary), args.Error(1)
}

func (m *mockStats) DedupStats(ctx context.Context, sourceID string, from, to time.Time) (model.DedupStats, error) {
	args := m.Called(ctx, sourceID, from, to)
	return args.Get(0).(model.DedupStats), args.Error(1)
}

func (m *mockStats) SourceVotes(ctx context.Context, sourceID string, from, to time.Time) (model.VoteTally, error) {
	args := m.Called(ctx, sourceID, from, to)
	return args.Get(0).(model.VoteTally), args.Error(1)
}

func (m *mockStats) MonitoringStats(ctx context.Context, sourceID string, from, to time.Time) (model.MonitoringStats, error) {
	args := m.Called(ctx, sourceID, from, to)
	return args.Get(0).(model.MonitoringStats), args.Error(1)
}
