// Package monitoring checks that monitored sources stay reachable and sends
// webhook alerts about failing, deprecated or flaky sources.
package monitoring

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/funding-intake/internal/config"
	"github.com/sells-group/funding-intake/internal/metrics"
	"github.com/sells-group/funding-intake/internal/model"
	"github.com/sells-group/funding-intake/internal/resilience"
)

const probeConcurrency = 8

// ProbeStore is the persistence the prober needs.
type ProbeStore interface {
	ListSources(ctx context.Context, states ...model.SourceState) ([]model.SourceRecord, error)
	LastMonitoringChecks(ctx context.Context) (map[string]time.Time, error)
	AppendMonitoringLog(ctx context.Context, l model.MonitoringLog) error
}

// Prober runs scheduled reachability checks against monitored sources.
type Prober struct {
	cfg       config.MonitoringConfig
	store     ProbeStore
	client    *http.Client
	retry     resilience.RetryConfig
	userAgent string
	metrics   *metrics.Metrics
	log       *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithProbeClient overrides the HTTP client used for checks.
func WithProbeClient(c *http.Client) ProberOption {
	return func(p *Prober) { p.client = c }
}

// WithRetry overrides the retry policy derived from the config.
func WithRetry(rc resilience.RetryConfig) ProberOption {
	return func(p *Prober) { p.retry = rc }
}

// WithUserAgent sets the User-Agent sent with every check.
func WithUserAgent(ua string) ProberOption {
	return func(p *Prober) { p.userAgent = ua }
}

// NewProber creates a Prober.
func NewProber(cfg config.MonitoringConfig, st ProbeStore, m *metrics.Metrics, opts ...ProberOption) *Prober {
	p := &Prober{
		cfg:      cfg,
		store:    st,
		client:   &http.Client{},
		retry:    resilience.FromMonitoringConfig(cfg),
		metrics:  m,
		log:      zap.L().With(zap.String("component", "monitoring.prober")),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, o := range opts {
		o(p)
	}
	p.retry.OnRetry = resilience.RetryLogger("source", "reachability")
	return p
}

// CheckDue checks every monitored source whose classification cadence has
// elapsed since its last check, and records one monitoring log per source.
// It returns the number of sources checked.
func (p *Prober) CheckDue(ctx context.Context, now time.Time) (int, error) {
	srcs, err := p.store.ListSources(ctx, monitoredStates...)
	if err != nil {
		return 0, eris.Wrap(err, "monitoring: list sources")
	}
	last, err := p.store.LastMonitoringChecks(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "monitoring: last checks")
	}

	var due []model.SourceRecord
	for _, src := range srcs {
		if at, ok := last[src.ID]; ok && now.Sub(at) < src.Classification.Profile().Cadence {
			continue
		}
		due = append(due, src)
	}
	if len(due) == 0 {
		return 0, nil
	}

	checked := make([]bool, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for i, src := range due {
		g.Go(func() error {
			entry := p.Probe(gctx, src.Submission.URL)
			entry.SourceID = src.ID
			if err := p.store.AppendMonitoringLog(gctx, entry); err != nil {
				p.log.Error("failed to record check", zap.String("source_id", src.ID), zap.Error(err))
				return nil
			}
			p.metrics.ObserveMonitoringCheck(entry.Success)
			checked[i] = true
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, ok := range checked {
		if ok {
			n++
		}
	}
	p.log.Info("monitoring checks complete", zap.Int("due", len(due)), zap.Int("checked", n))
	return n, nil
}

// Probe checks that raw answers with a non-error status. Transient failures
// (network errors, 429, 5xx) are retried with backoff; the returned log
// counts every attempt.
func (p *Prober) Probe(ctx context.Context, raw string) model.MonitoringLog {
	entry := model.MonitoringLog{ID: uuid.New().String(), CheckedAt: time.Now().UTC()}
	start := time.Now()

	err := resilience.Do(ctx, p.retry, func(ctx context.Context) error {
		entry.Attempts++
		code, err := p.get(ctx, raw)
		entry.StatusCode = code
		return err
	})
	entry.Latency = time.Since(start)
	entry.Success = err == nil
	if err != nil {
		entry.Error = err.Error()
		p.log.Debug("source unreachable",
			zap.String("url", raw),
			zap.Int("attempts", entry.Attempts),
			zap.Error(err),
		)
	}
	return entry
}

func (p *Prober) get(ctx context.Context, raw string) (int, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return 0, eris.Errorf("monitoring: invalid url %q", raw)
	}
	if err := p.limiter(u.Hostname()).Wait(ctx); err != nil {
		return 0, eris.Wrap(err, "monitoring: rate limit")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return 0, eris.Wrap(err, "monitoring: create request")
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, resilience.NewTransientError(eris.Wrapf(err, "monitoring: fetch %s", raw), 0)
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	switch {
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return resp.StatusCode, resilience.NewTransientError(eris.Errorf("monitoring: %s returned %d", raw, resp.StatusCode), resp.StatusCode)
	case resp.StatusCode >= 400:
		return resp.StatusCode, eris.Errorf("monitoring: %s returned %d", raw, resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (p *Prober) limiter(host string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[host]
	if !ok {
		limit := rate.Inf
		if p.cfg.RatePerHost > 0 {
			limit = rate.Limit(p.cfg.RatePerHost)
		}
		l = rate.NewLimiter(limit, 1)
		p.limiters[host] = l
	}
	return l
}

func (p *Prober) timeout() time.Duration {
	if p.cfg.TimeoutSecs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(p.cfg.TimeoutSecs) * time.Second
}
