package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store         StoreConfig         `yaml:"store" mapstructure:"store"`
	Lock          LockConfig          `yaml:"lock" mapstructure:"lock"`
	Anthropic     AnthropicConfig     `yaml:"anthropic" mapstructure:"anthropic"`
	Embedding     EmbeddingConfig     `yaml:"embedding" mapstructure:"embedding"`
	Organizations OrganizationsConfig `yaml:"organizations" mapstructure:"organizations"`
	Dedup         DedupConfig         `yaml:"dedup" mapstructure:"dedup"`
	Conflict      ConflictConfig      `yaml:"conflict" mapstructure:"conflict"`
	Router        RouterConfig        `yaml:"router" mapstructure:"router"`
	Validator     ValidatorConfig     `yaml:"validator" mapstructure:"validator"`
	Pilot         PilotConfig         `yaml:"pilot" mapstructure:"pilot"`
	Monitoring    MonitoringConfig    `yaml:"monitoring" mapstructure:"monitoring"`
	Intake        IntakeConfig        `yaml:"intake" mapstructure:"intake"`
	Server        ServerConfig        `yaml:"server" mapstructure:"server"`
	Log           LogConfig           `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LockConfig selects the per-fingerprint lock backend.
type LockConfig struct {
	Driver   string `yaml:"driver" mapstructure:"driver"` // "memory" or "redis"
	RedisURL string `yaml:"redis_url" mapstructure:"redis_url"`
	TTLSecs  int    `yaml:"ttl_secs" mapstructure:"ttl_secs"`
	Prefix   string `yaml:"prefix" mapstructure:"prefix"`
}

// AnthropicConfig holds Anthropic API settings for the extraction agent and
// relevance scorer.
type AnthropicConfig struct {
	Key            string   `yaml:"key" mapstructure:"key"`
	Model          string   `yaml:"model" mapstructure:"model"`
	MaxTokens      int64    `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs    int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	ExtractorNames []string `yaml:"extractor_names" mapstructure:"extractor_names"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	Endpoint    string `yaml:"endpoint" mapstructure:"endpoint"`
	Key         string `yaml:"key" mapstructure:"key"`
	Model       string `yaml:"model" mapstructure:"model"`
	MaxLength   int    `yaml:"max_length" mapstructure:"max_length"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// OrganizationsConfig points at the known-organization index.
type OrganizationsConfig struct {
	File  string   `yaml:"file" mapstructure:"file"`
	Names []string `yaml:"names" mapstructure:"names"`
}

// MetadataWeights weight the sub-scores of the metadata-combination layer.
type MetadataWeights struct {
	Organization float64 `yaml:"organization" mapstructure:"organization"`
	Amount       float64 `yaml:"amount" mapstructure:"amount"`
	Deadline     float64 `yaml:"deadline" mapstructure:"deadline"`
}

// DedupConfig configures the deduplication layers.
type DedupConfig struct {
	SemanticThreshold  float64         `yaml:"semantic_threshold" mapstructure:"semantic_threshold"`
	OrgFuzzyThreshold  float64         `yaml:"org_fuzzy_threshold" mapstructure:"org_fuzzy_threshold"`
	DeadlineWindowDays int             `yaml:"deadline_window_days" mapstructure:"deadline_window_days"`
	WindowQuarters     int             `yaml:"window_quarters" mapstructure:"window_quarters"`
	MaxSemanticRecords int             `yaml:"max_semantic_records" mapstructure:"max_semantic_records"`
	MetadataWeights    MetadataWeights `yaml:"metadata_weights" mapstructure:"metadata_weights"`
}

// ConflictConfig configures the per-field conflict strategies.
type ConflictConfig struct {
	AmountRelativeTolerance float64 `yaml:"amount_relative_tolerance" mapstructure:"amount_relative_tolerance"`
	AmountAbsoluteFloor     float64 `yaml:"amount_absolute_floor" mapstructure:"amount_absolute_floor"`
	DisagreementPenalty     float64 `yaml:"disagreement_penalty" mapstructure:"disagreement_penalty"`
	OrgMatchFloor           float64 `yaml:"org_match_floor" mapstructure:"org_match_floor"`
	OrgAgreement            float64 `yaml:"org_agreement" mapstructure:"org_agreement"`
	MinWinnerConfidence     float64 `yaml:"min_winner_confidence" mapstructure:"min_winner_confidence"`
}

// RouterConfig holds the routing thresholds.
type RouterConfig struct {
	AutoApprove          float64 `yaml:"auto_approve" mapstructure:"auto_approve"`
	CommunityReview      float64 `yaml:"community_review" mapstructure:"community_review"`
	HumanReview          float64 `yaml:"human_review" mapstructure:"human_review"`
	UnavailableRelevance float64 `yaml:"unavailable_relevance" mapstructure:"unavailable_relevance"`
	RelevanceTimeoutSecs int     `yaml:"relevance_timeout_secs" mapstructure:"relevance_timeout_secs"`
}

// ValidatorWeights is the fixed per-check weight table.
type ValidatorWeights struct {
	Reachability float64 `yaml:"reachability" mapstructure:"reachability"`
	Robots       float64 `yaml:"robots" mapstructure:"robots"`
	Authority    float64 `yaml:"authority" mapstructure:"authority"`
	Samples      float64 `yaml:"samples" mapstructure:"samples"`
}

// ValidatorConfig configures source submission validation.
type ValidatorConfig struct {
	TimeoutSecs          int              `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent            string           `yaml:"user_agent" mapstructure:"user_agent"`
	ApproveScore         float64          `yaml:"approve_score" mapstructure:"approve_score"`
	ReviewScore          float64          `yaml:"review_score" mapstructure:"review_score"`
	SampleRelevanceFloor float64          `yaml:"sample_relevance_floor" mapstructure:"sample_relevance_floor"`
	MaxSampleBytes       int64            `yaml:"max_sample_bytes" mapstructure:"max_sample_bytes"`
	Weights              ValidatorWeights `yaml:"weights" mapstructure:"weights"`
}

// PromotionThresholds are the minimum bars a pilot must clear.
type PromotionThresholds struct {
	AIRelevance           float64 `yaml:"ai_relevance" mapstructure:"ai_relevance"`
	DomainRelevance       float64 `yaml:"domain_relevance" mapstructure:"domain_relevance"`
	CommunityApproval     float64 `yaml:"community_approval" mapstructure:"community_approval"`
	MaxDuplicateRate      float64 `yaml:"max_duplicate_rate" mapstructure:"max_duplicate_rate"`
	MonitoringReliability float64 `yaml:"monitoring_reliability" mapstructure:"monitoring_reliability"`
}

// ScoreWeights weight the performance sub-scores into overall_score.
type ScoreWeights struct {
	Volume      float64 `yaml:"volume" mapstructure:"volume"`
	Quality     float64 `yaml:"quality" mapstructure:"quality"`
	Reliability float64 `yaml:"reliability" mapstructure:"reliability"`
	Value       float64 `yaml:"value" mapstructure:"value"`
}

// PilotConfig configures the pilot lifecycle and performance evaluation.
type PilotConfig struct {
	WindowDays           int                 `yaml:"window_days" mapstructure:"window_days"`
	MaxExtensions        int                 `yaml:"max_extensions" mapstructure:"max_extensions"`
	MinOpportunities     int                 `yaml:"min_opportunities" mapstructure:"min_opportunities"`
	DomainRelevanceFloor float64             `yaml:"domain_relevance_floor" mapstructure:"domain_relevance_floor"`
	AIKeywords           []string            `yaml:"ai_keywords" mapstructure:"ai_keywords"`
	Thresholds           PromotionThresholds `yaml:"thresholds" mapstructure:"thresholds"`
	ScoreWeights         ScoreWeights        `yaml:"score_weights" mapstructure:"score_weights"`
	EvaluationSchedule   string              `yaml:"evaluation_schedule" mapstructure:"evaluation_schedule"`
	MaxConcurrentSources int                 `yaml:"max_concurrent_sources" mapstructure:"max_concurrent_sources"`
}

// MonitoringConfig configures source monitoring checks and alerting.
type MonitoringConfig struct {
	Schedule         string  `yaml:"schedule" mapstructure:"schedule"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	RatePerHost      float64 `yaml:"rate_per_host" mapstructure:"rate_per_host"`
	WebhookURL       string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	// LookbackHours is the window the reliability alert check looks over.
	LookbackHours int `yaml:"lookback_hours" mapstructure:"lookback_hours"`
}

// IntakeConfig configures the per-candidate pipeline.
type IntakeConfig struct {
	ExtractionTimeoutSecs int `yaml:"extraction_timeout_secs" mapstructure:"extraction_timeout_secs"`
	LockTimeoutSecs       int `yaml:"lock_timeout_secs" mapstructure:"lock_timeout_secs"`
	// BreakerFailures consecutive collaborator failures open its breaker
	// for BreakerCooldownSecs.
	BreakerFailures     int `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerCooldownSecs int `yaml:"breaker_cooldown_secs" mapstructure:"breaker_cooldown_secs"`
	// A community-review candidate settles once VoteQuorum votes are in:
	// admitted when the approval share reaches VoteApproval, else rejected.
	VoteQuorum   int     `yaml:"vote_quorum" mapstructure:"vote_quorum"`
	VoteApproval float64 `yaml:"vote_approval" mapstructure:"vote_approval"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from ./config.yaml (if present) and environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file, which must exist. An empty
// path falls back to the optional ./config.yaml.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	v.SetConfigType("yaml")

	// Environment
	v.SetEnvPrefix("INTAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Default returns a Config populated with defaults only. Useful for tests
// and for wiring components without a config file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults are static, so unmarshal cannot fail on them.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("lock.driver", "memory")
	v.SetDefault("lock.ttl_secs", 30)
	v.SetDefault("lock.prefix", "intake:lock:")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.timeout_secs", 30)
	v.SetDefault("anthropic.extractor_names", []string{"primary", "secondary"})

	v.SetDefault("embedding.model", "text-embedding")
	v.SetDefault("embedding.max_length", 512)
	v.SetDefault("embedding.timeout_secs", 10)

	v.SetDefault("dedup.semantic_threshold", 0.92)
	v.SetDefault("dedup.org_fuzzy_threshold", 0.85)
	v.SetDefault("dedup.deadline_window_days", 7)
	v.SetDefault("dedup.window_quarters", 0)
	v.SetDefault("dedup.max_semantic_records", 5000)
	v.SetDefault("dedup.metadata_weights.organization", 0.5)
	v.SetDefault("dedup.metadata_weights.amount", 0.25)
	v.SetDefault("dedup.metadata_weights.deadline", 0.25)

	v.SetDefault("conflict.amount_relative_tolerance", 0.10)
	v.SetDefault("conflict.amount_absolute_floor", 1000.0)
	v.SetDefault("conflict.disagreement_penalty", 0.05)
	v.SetDefault("conflict.org_match_floor", 0.85)
	v.SetDefault("conflict.org_agreement", 0.90)
	v.SetDefault("conflict.min_winner_confidence", 0.50)

	v.SetDefault("router.auto_approve", 0.90)
	v.SetDefault("router.community_review", 0.70)
	v.SetDefault("router.human_review", 0.50)
	v.SetDefault("router.unavailable_relevance", 0.60)
	v.SetDefault("router.relevance_timeout_secs", 15)

	v.SetDefault("validator.timeout_secs", 10)
	v.SetDefault("validator.user_agent", "funding-intake/1.0")
	v.SetDefault("validator.approve_score", 0.8)
	v.SetDefault("validator.review_score", 0.5)
	v.SetDefault("validator.sample_relevance_floor", 0.5)
	v.SetDefault("validator.max_sample_bytes", 64*1024)
	v.SetDefault("validator.weights.reachability", 0.35)
	v.SetDefault("validator.weights.robots", 0.20)
	v.SetDefault("validator.weights.authority", 0.15)
	v.SetDefault("validator.weights.samples", 0.30)

	v.SetDefault("pilot.window_days", 30)
	v.SetDefault("pilot.max_extensions", 2)
	v.SetDefault("pilot.min_opportunities", 5)
	v.SetDefault("pilot.domain_relevance_floor", 0.5)
	v.SetDefault("pilot.ai_keywords", []string{
		"ai", "artificial intelligence", "machine learning", "deep learning",
		"data science", "nlp", "computer vision", "llm", "neural",
	})
	v.SetDefault("pilot.thresholds.ai_relevance", 0.30)
	v.SetDefault("pilot.thresholds.domain_relevance", 0.50)
	v.SetDefault("pilot.thresholds.community_approval", 0.70)
	v.SetDefault("pilot.thresholds.max_duplicate_rate", 0.20)
	v.SetDefault("pilot.thresholds.monitoring_reliability", 0.95)
	v.SetDefault("pilot.score_weights.volume", 0.20)
	v.SetDefault("pilot.score_weights.quality", 0.35)
	v.SetDefault("pilot.score_weights.reliability", 0.25)
	v.SetDefault("pilot.score_weights.value", 0.20)
	v.SetDefault("pilot.evaluation_schedule", "@every 1h")
	v.SetDefault("pilot.max_concurrent_sources", 4)

	v.SetDefault("monitoring.schedule", "@every 5m")
	v.SetDefault("monitoring.timeout_secs", 10)
	v.SetDefault("monitoring.max_attempts", 3)
	v.SetDefault("monitoring.initial_backoff_ms", 500)
	v.SetDefault("monitoring.max_backoff_ms", 10000)
	v.SetDefault("monitoring.rate_per_host", 1.0)
	v.SetDefault("monitoring.lookback_hours", 24)

	v.SetDefault("intake.extraction_timeout_secs", 45)
	v.SetDefault("intake.lock_timeout_secs", 10)
	v.SetDefault("intake.breaker_failures", 5)
	v.SetDefault("intake.breaker_cooldown_secs", 30)
	v.SetDefault("intake.vote_quorum", 3)
	v.SetDefault("intake.vote_approval", 0.7)
}

// Validate checks ordering and range invariants across the tunable
// thresholds, then the settings required by the given run mode
// ("serve", "orchestrate" or "cli").
func (c *Config) Validate(mode string) error {
	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			return eris.New("config: server.port must be > 0")
		}
	case "orchestrate":
		if c.Pilot.MaxConcurrentSources < 1 {
			return eris.New("config: pilot.max_concurrent_sources must be >= 1")
		}
	case "cli":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	r := c.Router
	if !(r.AutoApprove > r.CommunityReview && r.CommunityReview > r.HumanReview && r.HumanReview > 0) {
		return eris.Errorf("config: router thresholds must satisfy auto_approve > community_review > human_review > 0 (got %.2f/%.2f/%.2f)",
			r.AutoApprove, r.CommunityReview, r.HumanReview)
	}
	if r.AutoApprove > 1 {
		return eris.Errorf("config: router.auto_approve must be <= 1 (got %.2f)", r.AutoApprove)
	}
	if c.Dedup.SemanticThreshold <= 0 || c.Dedup.SemanticThreshold > 1 {
		return eris.Errorf("config: dedup.semantic_threshold must be in (0,1] (got %.2f)", c.Dedup.SemanticThreshold)
	}
	if c.Dedup.DeadlineWindowDays < 0 || c.Dedup.WindowQuarters < 0 {
		return eris.New("config: dedup windows must not be negative")
	}
	if c.Validator.ApproveScore <= c.Validator.ReviewScore {
		return eris.Errorf("config: validator.approve_score must exceed review_score (got %.2f/%.2f)",
			c.Validator.ApproveScore, c.Validator.ReviewScore)
	}
	w := c.Validator.Weights
	if w.Reachability < 0 || w.Robots < 0 || w.Authority < 0 || w.Samples < 0 ||
		w.Reachability+w.Robots+w.Authority+w.Samples == 0 {
		return eris.New("config: validator weights must be non-negative with a positive sum")
	}
	if c.Pilot.WindowDays <= 0 {
		return eris.Errorf("config: pilot.window_days must be positive (got %d)", c.Pilot.WindowDays)
	}
	if c.Pilot.MaxExtensions < 0 {
		return eris.Errorf("config: pilot.max_extensions must not be negative (got %d)", c.Pilot.MaxExtensions)
	}
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		return eris.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	switch c.Lock.Driver {
	case "memory":
	case "redis":
		if c.Lock.RedisURL == "" {
			return eris.New("config: lock.redis_url is required for the redis lock driver")
		}
	default:
		return eris.Errorf("config: unknown lock.driver %q", c.Lock.Driver)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
