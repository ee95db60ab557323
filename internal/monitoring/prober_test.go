package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/funding-intake/internal/config"
	"github.com/sells-group/funding-intake/internal/model"
	"github.com/sells-group/funding-intake/internal/resilience"
)

func fastRetry(attempts int) resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func newProber(st ProbeStore, attempts int) *Prober {
	return NewProber(config.MonitoringConfig{TimeoutSecs: 2}, st, nil, WithRetry(fastRetry(attempts)), WithUserAgent("funding-intake/1.0"))
}

func TestProbe_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "funding-intake/1.0", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("<rss></rss>"))
	}))
	defer srv.Close()

	entry := newProber(nil, 3).Probe(context.Background(), srv.URL+"/feed")
	assert.True(t, entry.Success)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, http.StatusOK, entry.StatusCode)
	assert.Empty(t, entry.Error)
	assert.NotEmpty(t, entry.ID)
}

func TestProbe_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	entry := newProber(nil, 3).Probe(context.Background(), srv.URL)
	assert.True(t, entry.Success)
	assert.Equal(t, 3, entry.Attempts)
	assert.Equal(t, http.StatusOK, entry.StatusCode)
}

func TestProbe_AttemptsBounded(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	entry := newProber(nil, 3).Probe(context.Background(), srv.URL)
	assert.False(t, entry.Success)
	assert.Equal(t, 3, entry.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, http.StatusBadGateway, entry.StatusCode)
	assert.Contains(t, entry.Error, "502")
}

func TestProbe_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	entry := newProber(nil, 3).Probe(context.Background(), srv.URL)
	assert.False(t, entry.Success)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, int32(1), calls.Load())
}

func TestProbe_ConnectionRefusedRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()

	entry := newProber(nil, 2).Probe(context.Background(), base)
	assert.False(t, entry.Success)
	assert.Equal(t, 2, entry.Attempts)
	assert.Zero(t, entry.StatusCode)
}

func TestProbe_InvalidURL(t *testing.T) {
	entry := newProber(nil, 3).Probe(context.Background(), "not a url")
	assert.False(t, entry.Success)
	assert.Equal(t, 1, entry.Attempts)
}

func TestCheckDue(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	now := t0
	feed := func(id string) model.SourceRecord {
		return model.SourceRecord{
			ID:             id,
			Submission:     model.SourceSubmission{Name: id, URL: srv.URL + "/" + id},
			Classification: model.ClassFeed,
			State:          model.StatePilotActive,
		}
	}

	st := &mockStore{}
	st.On("ListSources", mock.Anything, monitoredStates).Return([]model.SourceRecord{feed("never"), feed("recent"), feed("stale")}, nil)
	st.On("LastMonitoringChecks", mock.Anything).Return(map[string]time.Time{
		"recent": now.Add(-10 * time.Minute),
		"stale":  now.Add(-2 * time.Hour),
	}, nil)
	st.On("AppendMonitoringLog", mock.Anything, mock.MatchedBy(func(l model.MonitoringLog) bool {
		return (l.SourceID == "never" || l.SourceID == "stale") && l.Success && l.Attempts == 1
	})).Return(nil).Twice()

	n, err := newProber(st, 3).CheckDue(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int32(2), hits.Load())
	st.AssertExpectations(t)
}

func TestCheckDue_RecordsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := &mockStore{}
	src := source()
	src.Submission.URL = srv.URL
	st.On("ListSources", mock.Anything, monitoredStates).Return([]model.SourceRecord{src}, nil)
	st.On("LastMonitoringChecks", mock.Anything).Return(map[string]time.Time{}, nil)
	st.On("AppendMonitoringLog", mock.Anything, mock.MatchedBy(func(l model.MonitoringLog) bool {
		return l.SourceID == "src-1" && !l.Success && l.Attempts == 2 && l.StatusCode == http.StatusInternalServerError
	})).Return(nil).Once()

	n, err := newProber(st, 2).CheckDue(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	st.AssertExpectations(t)
}

func TestCheckDue_LogWriteFailureNotCounted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	st := &mockStore{}
	src := source()
	src.Submission.URL = srv.URL
	st.On("ListSources", mock.Anything, monitoredStates).Return([]model.SourceRecord{src}, nil)
	st.On("LastMonitoringChecks", mock.Anything).Return(map[string]time.Time{}, nil)
	st.On("AppendMonitoringLog", mock.Anything, mock.Anything).Return(errors.New("db down"))

	n, err := newProber(st, 1).CheckDue(context.Background(), t0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCheckDue_NothingDue(t *testing.T) {
	st := &mockStore{}
	st.On("ListSources", mock.Anything, monitoredStates).Return([]model.SourceRecord{source()}, nil)
	st.On("LastMonitoringChecks", mock.Anything).Return(map[string]time.Time{"src-1": t0.Add(-time.Minute)}, nil)

	n, err := newProber(st, 1).CheckDue(context.Background(), t0)
	require.NoError(t, err)
	assert.Zero(t, n)
	st.AssertNotCalled(t, "AppendMonitoringLog", mock.Anything, mock.Anything)
}

func TestCheckDue_StoreError(t *testing.T) {
	st := &mockStore{}
	st.On("ListSources", mock.Anything, monitoredStates).Return(nil, errors.New("db down"))

	_, err := newProber(st, 1).CheckDue(context.Background(), t0)
	require.Error(t, err)
}
