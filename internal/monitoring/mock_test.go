package monitoring

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/funding-intake/internal/model"
)

// mockStore implements ProbeStore and HealthStore.
type mockStore struct {
	mock.Mock
}

func (m *mockStore) ListSources(ctx context.Context, states ...model.SourceState) ([]model.SourceRecord, error) {
	args := m.Called(ctx, states)
	recs, _ := args.Get(0).([]model.SourceRecord)
	return recs, args.Error(1)
}

func (m *mockStore) LastMonitoringChecks(ctx context.Context) (map[string]time.Time, error) {
	args := m.Called(ctx)
	last, _ := args.Get(0).(map[string]time.Time)
	return last, args.Error(1)
}

func (m *mockStore) AppendMonitoringLog(ctx context.Context, l model.MonitoringLog) error {
	args := m.Called(ctx, l)
	return args.Error(0)
}

func (m *mockStore) MonitoringStats(ctx context.Context, sourceID string, from, to time.Time) (model.MonitoringStats, error) {
	args := m.Called(ctx, sourceID, from, to)
	return args.Get(0).(model.MonitoringStats), args.Error(1)
}
