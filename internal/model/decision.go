package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// MatchType is the dedup layer that decided a verdict.
type MatchType string

const (
	MatchExactURL            MatchType = "exact_url"
	MatchNormalizedURL       MatchType = "normalized_url"
	MatchContentHash         MatchType = "content_hash"
	MatchSemanticSimilarity  MatchType = "semantic_similarity"
	MatchMetadataCombination MatchType = "metadata_combination"
	MatchNone                MatchType = "none"
)

// DeduplicationVerdict is the outcome of one dedup check. A miss carries the
// highest sub-threshold similarity seen so near-duplicates still weigh on
// routing.
type DeduplicationVerdict struct {
	IsDuplicate       bool      `json:"is_duplicate"`
	MatchType         MatchType `json:"decisive_match_type"`
	SimilarityScore   float64   `json:"similarity_score"`
	MatchedExistingID string    `json:"matched_existing_id,omitempty"`
}

// DedupLog is one append-only deduplication_logs row.
type DedupLog struct {
	ID            string               `json:"id"`
	CandidateID   string               `json:"candidate_id"`
	SourceID      string               `json:"source_id,omitempty"`
	Verdict       DeduplicationVerdict `json:"verdict"`
	SkippedLayers []string             `json:"skipped_layers,omitempty"`
	Duration      time.Duration        `json:"duration"`
	CheckedAt     time.Time            `json:"checked_at"`
}

// Strategy names the per-field policy applied to a conflict.
type Strategy string

const (
	StrategyAmountConfidence Strategy = "amount_higher_confidence"
	StrategyKnownOrg         Strategy = "organization_known_match"
	StrategyValidDeadline    Strategy = "deadline_valid_future"
)

// CompetingValue is one extractor's contribution to a conflict.
type CompetingValue struct {
	Value      FieldValue `json:"-"`
	Extractor  string     `json:"-"`
	Confidence float64    `json:"-"`
}

type competingValueJSON struct {
	Value      *taggedValue `json:"value"`
	Extractor  string       `json:"extractor"`
	Confidence float64      `json:"confidence"`
}

// MarshalJSON encodes the value with an explicit kind tag.
func (c CompetingValue) MarshalJSON() ([]byte, error) {
	tv, err := wrapValue(c.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(competingValueJSON{Value: tv, Extractor: c.Extractor, Confidence: c.Confidence})
}

// UnmarshalJSON decodes a kind-tagged competing value.
func (c *CompetingValue) UnmarshalJSON(data []byte) error {
	var raw competingValueJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return eris.Wrap(err, "model: decode competing value")
	}
	v, err := raw.Value.unwrap()
	if err != nil {
		return err
	}
	*c = CompetingValue{Value: v, Extractor: raw.Extractor, Confidence: raw.Confidence}
	return nil
}

// ConflictRecord captures a disagreement between extractors on one field.
// Every competing value is retained, and ResolvedValue is always one of them
// (or nil when Unresolved).
type ConflictRecord struct {
	Field         FieldName        `json:"field"`
	Competing     []CompetingValue `json:"competing_values"`
	Strategy      Strategy         `json:"resolution_strategy_applied"`
	ResolvedValue FieldValue       `json:"-"`
	Confidence    float64          `json:"confidence"`
	Unresolved    bool             `json:"unresolved"`
	Reason        string           `json:"reason,omitempty"`
}

type conflictRecordJSON struct {
	Field         FieldName        `json:"field"`
	Competing     []CompetingValue `json:"competing_values"`
	Strategy      Strategy         `json:"resolution_strategy_applied"`
	ResolvedValue *taggedValue     `json:"resolved_value,omitempty"`
	Confidence    float64          `json:"confidence"`
	Unresolved    bool             `json:"unresolved"`
	Reason        string           `json:"reason,omitempty"`
}

// MarshalJSON encodes the record with a kind-tagged resolved value.
func (r ConflictRecord) MarshalJSON() ([]byte, error) {
	tv, err := wrapValue(r.ResolvedValue)
	if err != nil {
		return nil, err
	}
	return json.Marshal(conflictRecordJSON{
		Field: r.Field, Competing: r.Competing, Strategy: r.Strategy,
		ResolvedValue: tv, Confidence: r.Confidence, Unresolved: r.Unresolved, Reason: r.Reason,
	})
}

// UnmarshalJSON decodes a record with a kind-tagged resolved value.
func (r *ConflictRecord) UnmarshalJSON(data []byte) error {
	var raw conflictRecordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return eris.Wrap(err, "model: decode conflict record")
	}
	v, err := raw.ResolvedValue.unwrap()
	if err != nil {
		return err
	}
	*r = ConflictRecord{
		Field: raw.Field, Competing: raw.Competing, Strategy: raw.Strategy,
		ResolvedValue: v, Confidence: raw.Confidence, Unresolved: raw.Unresolved, Reason: raw.Reason,
	}
	return nil
}

// ResolvedField is the resolver's answer for one field.
type ResolvedField struct {
	Value      FieldValue
	Extractor  string
	Confidence float64
	Conflicted bool
}

// Resolution is the resolver's output for a candidate.
type Resolution struct {
	Fields    map[FieldName]ResolvedField `json:"-"`
	Conflicts []ConflictRecord            `json:"conflicts,omitempty"`
}

// HasUnresolved reports whether any conflict lacked a confident winner.
func (r Resolution) HasUnresolved() bool {
	for _, c := range r.Conflicts {
		if c.Unresolved {
			return true
		}
	}
	return false
}

// FieldConfidences returns the (discounted) confidence of every resolved
// field.
func (r Resolution) FieldConfidences() []float64 {
	out := make([]float64, 0, len(r.Fields))
	for _, name := range Fields {
		if f, ok := r.Fields[name]; ok {
			out = append(out, f.Confidence)
		}
	}
	return out
}

// Decision is a terminal per-candidate routing outcome.
type Decision string

const (
	DecisionAutoApprove     Decision = "auto_approve"
	DecisionCommunityReview Decision = "community_review"
	DecisionHumanReview     Decision = "human_review"
	DecisionReject          Decision = "reject"
)

// RoutingDecision is the final artifact of the per-candidate pipeline.
type RoutingDecision struct {
	OverallConfidence float64  `json:"overall_confidence"`
	Decision          Decision `json:"decision"`
	Rationale         string   `json:"rationale"`
}

// Evaluation bundles everything produced while evaluating one candidate.
type Evaluation struct {
	CandidateID  string               `json:"candidate_id"`
	Verdict      DeduplicationVerdict `json:"verdict"`
	Conflicts    []ConflictRecord     `json:"conflicts,omitempty"`
	Relevance    *float64             `json:"relevance,omitempty"`
	Decision     RoutingDecision      `json:"decision"`
	Status       CandidateStatus      `json:"status"`
	ReviewID     string               `json:"review_id,omitempty"`
	Degradations []string             `json:"degradations,omitempty"`
	EvaluatedAt  time.Time            `json:"evaluated_at"`
}

// Outcome is what the intake pipeline persists atomically for one
// evaluation.
type Outcome struct {
	Candidate  Candidate
	Evaluation Evaluation
	// Accepted is set when the candidate is admitted to the canonical index.
	Accepted *AcceptedRecord
	// Review is set when the candidate needs a human decision.
	Review *ReviewItem
}

// Vote is a community vote on a candidate in community review.
type Vote struct {
	ID          string    `json:"id"`
	CandidateID string    `json:"candidate_id"`
	Voter       string    `json:"voter"`
	Approve     bool      `json:"approve"`
	CastAt      time.Time `json:"cast_at"`
}

// VoteTally counts the votes on a candidate.
type VoteTally struct {
	Approvals  int `json:"approvals"`
	Rejections int `json:"rejections"`
}
