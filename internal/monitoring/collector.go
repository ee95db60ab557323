package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/funding-intake/internal/model"
)

// minChecks is the fewest checks a reliability figure is trusted on.
const minChecks = 3

// SourceHealth is one source's reachability over the lookback window.
type SourceHealth struct {
	SourceID       string               `json:"source_id"`
	Name           string               `json:"name"`
	Classification model.Classification `json:"classification"`
	State          model.SourceState    `json:"state"`
	Checks         int                  `json:"checks"`
	Successes      int                  `json:"successes"`
	Reliability    float64              `json:"reliability"`
	Expected       float64              `json:"expected"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// HealthStore is the read side the collector needs.
type HealthStore interface {
	ListSources(ctx context.Context, states ...model.SourceState) ([]model.SourceRecord, error)
	MonitoringStats(ctx context.Context, sourceID string, from, to time.Time) (model.MonitoringStats, error)
}

// Collector gathers per-source reachability from the monitoring logs.
type Collector struct {
	store HealthStore
}

// NewCollector creates a new health collector.
func NewCollector(st HealthStore) *Collector {
	return &Collector{store: st}
}

// Collect returns the health of every monitored source over the
// lookbackHours before now.
func (c *Collector) Collect(ctx context.Context, now time.Time, lookbackHours int) ([]SourceHealth, error) {
	srcs, err := c.store.ListSources(ctx, monitoredStates...)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list sources")
	}

	now = now.UTC()
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	out := make([]SourceHealth, 0, len(srcs))
	for _, src := range srcs {
		st, err := c.store.MonitoringStats(ctx, src.ID, cutoff, now)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: stats for %s", src.ID)
		}
		h := SourceHealth{
			SourceID:       src.ID,
			Name:           src.Submission.Name,
			Classification: src.Classification,
			State:          src.State,
			Checks:         st.Checks,
			Successes:      st.Successes,
			Expected:       src.Classification.Profile().ExpectedReliability,
			LookbackHours:  lookbackHours,
			CollectedAt:    now,
		}
		if st.Checks > 0 {
			h.Reliability = float64(st.Successes) / float64(st.Checks)
		}
		out = append(out, h)
	}
	return out, nil
}

var monitoredStates = []model.SourceState{
	model.StatePilotActive,
	model.StateExtendedPilot,
	model.StateProductionActive,
}
