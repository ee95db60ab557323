// Package extract runs independent extraction passes over a candidate's page
// text. Each pass returns per-field guesses with a confidence; the conflict
// resolver reconciles them.
package extract

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/funding-intake/internal/model"
	"github.com/sells-group/funding-intake/internal/resilience"
)

// Agent is one extraction backend.
type Agent interface {
	Name() string
	Extract(ctx context.Context, c *model.Candidate) (model.ExtractionResult, error)
}

// Runner fans a candidate out to every agent.
type Runner struct {
	agents  []Agent
	guard   *resilience.Guard
	timeout time.Duration
	log     *zap.Logger
}

// NewRunner creates a Runner. guard may be nil.
func NewRunner(agents []Agent, guard *resilience.Guard, timeout time.Duration) *Runner {
	return &Runner{
		agents:  agents,
		guard:   guard,
		timeout: timeout,
		log:     zap.L().With(zap.String("component", "extract")),
	}
}

// Len returns the number of configured agents.
func (r *Runner) Len() int { return len(r.agents) }

// Run extracts with every agent concurrently. A failing agent is dropped and
// reported in failed; Run itself never fails. Results come back in agent
// name order so downstream tie-breaking is deterministic.
func (r *Runner) Run(ctx context.Context, c *model.Candidate) (results []model.ExtractionResult, failed []string) {
	g, gCtx := errgroup.WithContext(ctx)
	var mu sync.Mutex

	for _, a := range r.agents {
		g.Go(func() error {
			res, err := resilience.Call(gCtx, r.guard, "extract:"+a.Name(), r.timeout,
				func(ctx context.Context) (model.ExtractionResult, error) {
					return a.Extract(ctx, c)
				})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.log.Warn("extraction pass failed",
					zap.String("candidate_id", c.ID),
					zap.String("extractor", a.Name()),
					zap.Error(err),
				)
				failed = append(failed, a.Name())
				return nil
			}
			if res.Extractor == "" {
				res.Extractor = a.Name()
			}
			results = append(results, res)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Extractor < results[j].Extractor })
	sort.Strings(failed)
	return results, failed
}
