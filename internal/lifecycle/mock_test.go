package lifecycle

import (
	"context"
	"sync"

	"github.com/sells-group/funding-intake/internal/model"
)

// fixedValidator returns the same report for every submission.
type fixedValidator struct {
	report model.ValidationReport
}

func (v fixedValidator) Validate(_ context.Context, _ model.SourceSubmission) model.ValidationReport {
	return v.report
}

// recordingNotifier keeps every transition it is told about.
type recordingNotifier struct {
	mu   sync.Mutex
	seen []model.Transition
}

func (n *recordingNotifier) Notify(_ context.Context, _ model.SourceRecord, t model.Transition) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen = append(n.seen, t)
}

func (n *recordingNotifier) targets() []model.SourceState {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]model.SourceState, len(n.seen))
	for i, t := range n.seen {
		out[i] = t.To
	}
	return out
}
