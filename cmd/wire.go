package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/funding-intake/internal/config"
	"github.com/sells-group/funding-intake/internal/conflict"
	"github.com/sells-group/funding-intake/internal/extract"
	"github.com/sells-group/funding-intake/internal/fingerprint"
	"github.com/sells-group/funding-intake/internal/intake"
	"github.com/sells-group/funding-intake/internal/keylock"
	"github.com/sells-group/funding-intake/internal/lifecycle"
	"github.com/sells-group/funding-intake/internal/metrics"
	"github.com/sells-group/funding-intake/internal/monitoring"
	"github.com/sells-group/funding-intake/internal/orgindex"
	"github.com/sells-group/funding-intake/internal/relevance"
	"github.com/sells-group/funding-intake/internal/resilience"
	"github.com/sells-group/funding-intake/internal/store"
	"github.com/sells-group/funding-intake/internal/validator"
	anthropicpkg "github.com/sells-group/funding-intake/pkg/anthropic"
	"github.com/sells-group/funding-intake/pkg/embedding"
)

const defaultSQLitePath = "intake.db"

// intakeEnv holds the store and every service the commands drive.
type intakeEnv struct {
	Store     store.Store
	Metrics   *metrics.Metrics
	Intake    *intake.Pipeline
	Lifecycle *lifecycle.Orchestrator
	Prober    *monitoring.Prober
	Checker   *monitoring.Checker
}

// Close releases resources held by the environment.
func (e *intakeEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates the config for mode, opens and migrates the store, and
// builds the services. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*intakeEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env, err := buildEnv(cfg, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return env, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	sc := cfg.Store
	if sc.Driver == "sqlite" && sc.DatabaseURL == "" {
		sc.DatabaseURL = defaultSQLitePath
	}
	return store.Open(ctx, sc)
}

// buildEnv wires the services around an open store.
func buildEnv(c *config.Config, st store.Store) (*intakeEnv, error) {
	log := zap.L()
	m := metrics.New()
	guard := resilience.NewGuard(c.Intake.BreakerFailures, time.Duration(c.Intake.BreakerCooldownSecs)*time.Second, m)

	locker, err := keylock.New(c.Lock)
	if err != nil {
		return nil, err
	}

	orgs, err := initOrgIndex(c.Organizations)
	if err != nil {
		return nil, err
	}

	var embedder fingerprint.Embedder
	if c.Embedding.Endpoint != "" {
		embedder = embedding.NewClient(c.Embedding.Endpoint, c.Embedding.Model, c.Embedding.MaxLength,
			embedding.WithAPIKey(c.Embedding.Key),
			embedding.WithHTTPClient(&http.Client{Timeout: secs(c.Embedding.TimeoutSecs)}),
		)
		log.Info("embedding provider enabled", zap.String("model", c.Embedding.Model))
	} else {
		log.Warn("embedding endpoint not set, semantic dedup disabled")
	}
	fp := fingerprint.NewEngine(embedder, secs(c.Embedding.TimeoutSecs), c.Embedding.MaxLength)

	agents := []extract.Agent{extract.NewHeuristic()}
	var scorer relevance.Scorer = relevance.NewKeyword(nil, 0)
	if c.Anthropic.Key != "" {
		client := anthropicpkg.NewClient(c.Anthropic.Key, anthropicpkg.WithTimeout(secs(c.Anthropic.TimeoutSecs)))
		for i, name := range c.Anthropic.ExtractorNames {
			// Later agents sample warmer so their readings are not copies of the first.
			temp := 0.0
			if i > 0 {
				temp = 0.4
			}
			agents = append(agents, extract.NewAnthropicAgent(name, client, c.Anthropic.Model, c.Anthropic.MaxTokens, temp))
		}
		scorer = relevance.NewAnthropic(client, c.Anthropic.Model, c.Anthropic.MaxTokens)
		log.Info("anthropic agents enabled", zap.Strings("extractors", c.Anthropic.ExtractorNames))
	} else {
		log.Warn("anthropic key not set, using heuristic extraction and keyword relevance")
	}
	runner := extract.NewRunner(agents, guard, secs(c.Intake.ExtractionTimeoutSecs))

	resolver := conflict.New(c.Conflict, orgs, m)
	pipe := intake.New(c, st, fp, runner, scorer, resolver, locker, guard, m)

	v := validator.New(c.Validator, scorer, guard, m)
	alerter := monitoring.NewAlerter(c.Monitoring)
	orch := lifecycle.New(c.Pilot, st, v, alerter, m)

	prober := monitoring.NewProber(c.Monitoring, st, m, monitoring.WithUserAgent(c.Validator.UserAgent))
	checker := monitoring.NewChecker(monitoring.NewCollector(st), alerter, c.Monitoring)

	return &intakeEnv{
		Store:     st,
		Metrics:   m,
		Intake:    pipe,
		Lifecycle: orch,
		Prober:    prober,
		Checker:   checker,
	}, nil
}

func initOrgIndex(oc config.OrganizationsConfig) (*orgindex.Index, error) {
	if oc.File != "" {
		idx, err := orgindex.LoadFile(oc.File)
		if err != nil {
			return nil, err
		}
		zap.L().Info("organization index loaded", zap.String("file", oc.File), zap.Int("organizations", idx.Len()))
		return idx, nil
	}
	return orgindex.FromNames(oc.Names), nil
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}
