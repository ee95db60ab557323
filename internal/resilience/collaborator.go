package resilience

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/funding-intake/internal/metrics"
)

// Guard fronts every external collaborator: each call gets a deadline and
// passes through that collaborator's Breaker, and any failure comes back as
// a CollaboratorError.
type Guard struct {
	threshold int
	cooldown  time.Duration
	metrics   *metrics.Metrics

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewGuard creates a Guard whose breakers open after threshold consecutive
// failures for cooldown.
func NewGuard(threshold int, cooldown time.Duration, m *metrics.Metrics) *Guard {
	return &Guard{
		threshold: threshold,
		cooldown:  cooldown,
		metrics:   m,
		breakers:  make(map[string]*Breaker),
	}
}

// Breaker returns the breaker for collaborator, creating it on first use.
func (g *Guard) Breaker(collaborator string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[collaborator]
	if !ok {
		log := zap.L().With(zap.String("component", "resilience"), zap.String("collaborator", collaborator))
		b = NewBreaker(g.threshold, g.cooldown, func(from, to CircuitState) {
			log.Warn("circuit state change", zap.Stringer("from", from), zap.Stringer("to", to))
		})
		g.breakers[collaborator] = b
	}
	return b
}

// States snapshots every breaker's state.
func (g *Guard) States() map[string]CircuitState {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]CircuitState, len(g.breakers))
	for name, b := range g.breakers {
		out[name] = b.State()
	}
	return out
}

// Call runs fn for collaborator with the given timeout. A nil Guard applies
// only the timeout. Timeouts, open circuits and fn errors all surface as
// ErrCollaboratorUnavailable.
func Call[T any](ctx context.Context, g *Guard, collaborator string, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var val T
	var err error
	if g == nil {
		val, err = fn(ctx)
	} else {
		val, err = ExecuteVal(ctx, g.Breaker(collaborator), fn)
	}
	if err == nil {
		return val, nil
	}

	if g != nil {
		g.metrics.CollaboratorFailure(collaborator)
	}
	zap.L().Warn("collaborator call failed",
		zap.String("collaborator", collaborator),
		zap.Duration("timeout", timeout),
		zap.Error(err),
	)
	var zero T
	return zero, Unavailable(collaborator, err)
}
