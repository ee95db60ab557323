package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/funding-intake/internal/model"
)

// memIndex is an in-memory Index and LogWriter.
type memIndex struct {
	mu      sync.Mutex
	records []model.AcceptedRecord
	logs    []model.DedupLog

	err    error
	logErr error
	// windowCalls records the [from, to] passed to NearestInWindow.
	windowCalls [][2]time.Time
}

func (m *memIndex) add(r model.AcceptedRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
}

func (m *memIndex) FindByURLKeys(_ context.Context, keys []string) (*model.AcceptedRecord, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		for i := range m.records {
			if m.records[i].URLKey == k {
				r := m.records[i]
				return &r, nil
			}
		}
	}
	return nil, nil
}

func (m *memIndex) FindByContentHash(_ context.Context, hash string) (*model.AcceptedRecord, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.records {
		if m.records[i].ContentHash == hash {
			r := m.records[i]
			return &r, nil
		}
	}
	return nil, nil
}

func (m *memIndex) NearestInWindow(_ context.Context, _ []float32, from, to time.Time, limit int) ([]model.AcceptedRecord, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windowCalls = append(m.windowCalls, [2]time.Time{from, to})
	var out []model.AcceptedRecord
	for _, r := range m.records {
		if len(r.Embedding) == 0 || r.ReferenceDate.Before(from) || r.ReferenceDate.After(to) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memIndex) ByDeadlineRange(_ context.Context, from, to time.Time, _ int) ([]model.AcceptedRecord, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AcceptedRecord
	for _, r := range m.records {
		if r.Deadline == nil || r.Deadline.Before(from) || r.Deadline.After(to) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *memIndex) AppendDedupLog(_ context.Context, entry model.DedupLog) error {
	if m.logErr != nil {
		return m.logErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entry)
	return nil
}
