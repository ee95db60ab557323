package model

import "time"

// PerformanceStatus is the verdict of a snapshot against the promotion bars.
type PerformanceStatus string

const (
	PerformancePassing      PerformanceStatus = "passing"
	PerformanceFailing      PerformanceStatus = "failing"
	PerformanceInconclusive PerformanceStatus = "inconclusive"
)

// Recommendation is the lifecycle move a snapshot suggests.
type Recommendation string

const (
	RecommendPromote   Recommendation = "promote"
	RecommendExtend    Recommendation = "extend"
	RecommendDeprecate Recommendation = "deprecate"
	RecommendContinue  Recommendation = "continue"
)

// PerformanceSnapshot is a scored evaluation of a source over one window.
type PerformanceSnapshot struct {
	ID          string    `json:"id"`
	SourceID    string    `json:"source_id"`
	WindowID    string    `json:"window_id,omitempty"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`

	Discovered int `json:"discovered"`
	Admitted   int `json:"admitted"`

	AIRelevanceRate       float64 `json:"ai_relevance_rate"`
	DomainRelevanceRate   float64 `json:"domain_relevance_rate"`
	CommunityApprovalRate float64 `json:"community_approval_rate"`
	DuplicateRate         float64 `json:"duplicate_rate"`
	MonitoringReliability float64 `json:"monitoring_reliability"`

	VolumeScore      float64 `json:"volume_score"`
	QualityScore     float64 `json:"quality_score"`
	ReliabilityScore float64 `json:"reliability_score"`
	ValueScore       float64 `json:"value_score"`
	OverallScore     float64 `json:"overall_score"`

	Status           PerformanceStatus `json:"performance_status"`
	FailedThresholds []string          `json:"failed_thresholds,omitempty"`
	Recommendation   Recommendation    `json:"recommendation"`
	EvaluatedAt      time.Time         `json:"evaluated_at"`
}

// PilotStatus is what getPilotStatus reports.
type PilotStatus struct {
	SourceID      string       `json:"source_id"`
	State         SourceState  `json:"state"`
	Window        *PilotWindow `json:"window,omitempty"`
	DaysRemaining int          `json:"days_remaining"`
	Extensions    int          `json:"extensions"`
}
