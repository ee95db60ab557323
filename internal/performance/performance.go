// Package performance scores a source over an evaluation window from its
// candidate outcomes, dedup logs, community votes and monitoring logs.
package performance

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/funding-intake/internal/config"
	"github.com/sells-group/funding-intake/internal/metrics"
	"github.com/sells-group/funding-intake/internal/model"
	"github.com/sells-group/funding-intake/internal/relevance"
)

// Threshold names reported in FailedThresholds.
const (
	ThresholdAIRelevance           = "ai_relevance"
	ThresholdDomainRelevance       = "domain_relevance"
	ThresholdCommunityApproval     = "community_approval"
	ThresholdDuplicateRate         = "duplicate_rate"
	ThresholdMonitoringReliability = "monitoring_reliability"
)

// Stats is the read side the tracker aggregates over.
type Stats interface {
	CandidateSummaries(ctx context.Context, sourceID string, from, to time.Time) ([]model.CandidateSummary, error)
	DedupStats(ctx context.Context, sourceID string, from, to time.Time) (model.DedupStats, error)
	SourceVotes(ctx context.Context, sourceID string, from, to time.Time) (model.VoteTally, error)
	MonitoringStats(ctx context.Context, sourceID string, from, to time.Time) (model.MonitoringStats, error)
}

// Tracker computes performance snapshots.
type Tracker struct {
	cfg     config.PilotConfig
	stats   Stats
	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewTracker creates a Tracker.
func NewTracker(cfg config.PilotConfig, stats Stats, m *metrics.Metrics) *Tracker {
	return &Tracker{
		cfg:     cfg,
		stats:   stats,
		metrics: m,
		log:     zap.L().With(zap.String("component", "performance")),
	}
}

// Evaluate scores src over window w. The snapshot is not persisted.
func (t *Tracker) Evaluate(ctx context.Context, src model.SourceRecord, w model.PilotWindow, now time.Time) (model.PerformanceSnapshot, error) {
	from, to := w.Start, w.End
	if to.After(now) {
		to = now
	}

	summaries, err := t.stats.CandidateSummaries(ctx, src.ID, from, to)
	if err != nil {
		return model.PerformanceSnapshot{}, eris.Wrap(err, "performance: candidate summaries")
	}
	dedup, err := t.stats.DedupStats(ctx, src.ID, from, to)
	if err != nil {
		return model.PerformanceSnapshot{}, eris.Wrap(err, "performance: dedup stats")
	}
	votes, err := t.stats.SourceVotes(ctx, src.ID, from, to)
	if err != nil {
		return model.PerformanceSnapshot{}, eris.Wrap(err, "performance: source votes")
	}
	mon, err := t.stats.MonitoringStats(ctx, src.ID, from, to)
	if err != nil {
		return model.PerformanceSnapshot{}, eris.Wrap(err, "performance: monitoring stats")
	}

	snap := t.Score(src, Inputs{
		Summaries:  summaries,
		Dedup:      dedup,
		Votes:      votes,
		Monitoring: mon,
		Days:       w.End.Sub(w.Start).Hours() / 24,
	})
	snap.ID = uuid.New().String()
	snap.SourceID = src.ID
	snap.WindowID = w.ID
	snap.WindowStart = w.Start
	snap.WindowEnd = w.End
	snap.EvaluatedAt = now.UTC()
	t.metrics.ObserveSnapshot(string(snap.Status))

	t.log.Info("source performance evaluated",
		zap.String("source_id", src.ID),
		zap.String("status", string(snap.Status)),
		zap.Float64("overall_score", snap.OverallScore),
		zap.Strings("failed_thresholds", snap.FailedThresholds),
		zap.String("recommendation", string(snap.Recommendation)),
	)
	return snap, nil
}

// Inputs are the aggregates one snapshot is computed from.
type Inputs struct {
	Summaries  []model.CandidateSummary
	Dedup      model.DedupStats
	Votes      model.VoteTally
	Monitoring model.MonitoringStats
	// Days is the window length, used to scale the expected volume.
	Days float64
}

// Score computes rates, sub-scores, status and recommendation. It is a pure
// function of its inputs and the tracker configuration.
func (t *Tracker) Score(src model.SourceRecord, in Inputs) model.PerformanceSnapshot {
	var snap model.PerformanceSnapshot
	snap.Discovered = len(in.Summaries)

	var aiHits, scored, domainHits, settled, settledAdmitted int
	for _, s := range in.Summaries {
		if s.Status == model.CandidateAdmitted {
			snap.Admitted++
		}
		if relevance.MentionsAny(s.Title+" "+s.Description, t.cfg.AIKeywords) {
			aiHits++
		}
		if s.Relevance != nil {
			scored++
			if *s.Relevance >= t.cfg.DomainRelevanceFloor {
				domainHits++
			}
		}
		if !s.IsDuplicate && s.Status != model.CandidatePending {
			settled++
			if s.Status == model.CandidateAdmitted {
				settledAdmitted++
			}
		}
	}

	snap.AIRelevanceRate = ratio(aiHits, snap.Discovered)
	snap.DomainRelevanceRate = ratio(domainHits, scored)
	if votes := in.Votes.Approvals + in.Votes.Rejections; votes > 0 {
		snap.CommunityApprovalRate = ratio(in.Votes.Approvals, votes)
	} else {
		snap.CommunityApprovalRate = ratio(settledAdmitted, settled)
	}
	snap.DuplicateRate = ratio(in.Dedup.Duplicates, in.Dedup.Checks)
	snap.MonitoringReliability = ratio(in.Monitoring.Successes, in.Monitoring.Checks)

	profile := src.Classification.Profile()
	days := in.Days
	if days <= 0 {
		days = float64(t.cfg.WindowDays)
	}
	expected := float64(profile.ExpectedMonthlyVolume) * days / 30
	if expected > 0 {
		snap.VolumeScore = clamp01(float64(snap.Discovered) / expected)
	}
	snap.QualityScore = clamp01((snap.DomainRelevanceRate + snap.CommunityApprovalRate) / 2 * (1 - snap.DuplicateRate))
	if profile.ExpectedReliability > 0 {
		snap.ReliabilityScore = clamp01(snap.MonitoringReliability / profile.ExpectedReliability)
	}
	snap.ValueScore = clamp01((snap.AIRelevanceRate + ratio(snap.Admitted, snap.Discovered)) / 2)

	w := t.cfg.ScoreWeights
	if total := w.Volume + w.Quality + w.Reliability + w.Value; total > 0 {
		snap.OverallScore = (w.Volume*snap.VolumeScore + w.Quality*snap.QualityScore +
			w.Reliability*snap.ReliabilityScore + w.Value*snap.ValueScore) / total
	}

	snap.FailedThresholds = t.failedThresholds(snap)
	switch {
	case snap.Discovered < t.cfg.MinOpportunities || in.Monitoring.Checks == 0:
		snap.Status = model.PerformanceInconclusive
	case len(snap.FailedThresholds) == 0:
		snap.Status = model.PerformancePassing
	default:
		snap.Status = model.PerformanceFailing
	}
	snap.Recommendation = Recommend(src, snap.Status, t.cfg.MaxExtensions)
	return snap
}

// failedThresholds lists every promotion bar the snapshot misses. All five
// must clear; none is sufficient on its own.
func (t *Tracker) failedThresholds(s model.PerformanceSnapshot) []string {
	th := t.cfg.Thresholds
	var failed []string
	if s.AIRelevanceRate < th.AIRelevance {
		failed = append(failed, ThresholdAIRelevance)
	}
	if s.DomainRelevanceRate < th.DomainRelevance {
		failed = append(failed, ThresholdDomainRelevance)
	}
	if s.CommunityApprovalRate < th.CommunityApproval {
		failed = append(failed, ThresholdCommunityApproval)
	}
	if s.DuplicateRate > th.MaxDuplicateRate {
		failed = append(failed, ThresholdDuplicateRate)
	}
	if s.MonitoringReliability < th.MonitoringReliability {
		failed = append(failed, ThresholdMonitoringReliability)
	}
	return failed
}

// Recommend maps a snapshot status onto the lifecycle move for src. A
// failure is only terminal when the previous snapshot also failed, and a
// pilot that has used every extension cannot be extended again.
func Recommend(src model.SourceRecord, status model.PerformanceStatus, maxExtensions int) model.Recommendation {
	if src.State == model.StateProductionActive {
		if status == model.PerformanceFailing && src.ConsecutiveFailures >= 1 {
			return model.RecommendDeprecate
		}
		return model.RecommendContinue
	}

	switch status {
	case model.PerformancePassing:
		return model.RecommendPromote
	case model.PerformanceFailing:
		if src.ConsecutiveFailures >= 1 || src.Extensions >= maxExtensions {
			return model.RecommendDeprecate
		}
		return model.RecommendExtend
	default:
		if src.Extensions >= maxExtensions {
			return model.RecommendDeprecate
		}
		return model.RecommendExtend
	}
}

func ratio(n, d int) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
