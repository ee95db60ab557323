package router

import (
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/funding-intake/internal/config"
	"github.com/sells-group/funding-intake/internal/metrics"
	"github.com/sells-group/funding-intake/internal/model"
)

func ptr(v float64) *float64 { return &v }

func newRouter() *Router { return New(config.Default().Router, nil) }

func fields(confs ...float64) model.Resolution {
	res := model.Resolution{Fields: map[model.FieldName]model.ResolvedField{}}
	for i, c := range confs {
		res.Fields[model.Fields[i]] = model.ResolvedField{Confidence: c}
	}
	return res
}

func TestRoute_Thresholds(t *testing.T) {
	tests := []struct {
		name      string
		relevance float64
		want      model.Decision
	}{
		{"auto approve", 0.95, model.DecisionAutoApprove},
		{"at auto boundary", 0.90, model.DecisionAutoApprove},
		{"community", 0.80, model.DecisionCommunityReview},
		{"at community boundary", 0.70, model.DecisionCommunityReview},
		{"human", 0.60, model.DecisionHumanReview},
		{"at human boundary", 0.50, model.DecisionHumanReview},
		{"reject", 0.49, model.DecisionReject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newRouter().Route(Input{
				Resolution: fields(0.99, 0.99, 0.99),
				Relevance:  ptr(tt.relevance),
			})
			assert.Equal(t, tt.want, d.Decision)
			assert.InDelta(t, tt.relevance, d.OverallConfidence, 1e-9)
		})
	}
}

func TestRoute_WeakestLinkDominates(t *testing.T) {
	d := newRouter().Route(Input{
		Verdict:    model.DeduplicationVerdict{MatchType: model.MatchNone, SimilarityScore: 0.4},
		Resolution: fields(0.99, 0.99, 0.99),
		Relevance:  ptr(0.99),
	})
	assert.InDelta(t, 0.6, d.OverallConfidence, 1e-9)
	assert.Equal(t, model.DecisionHumanReview, d.Decision)
	assert.Contains(t, d.Rationale, SignalDuplicate)
}

func TestRoute_FieldConfidenceIsAveraged(t *testing.T) {
	d := newRouter().Route(Input{
		Resolution: fields(0.95, 0.85, 0.75),
		Relevance:  ptr(0.99),
	})
	assert.InDelta(t, 0.85, d.OverallConfidence, 1e-9)
	assert.Equal(t, model.DecisionCommunityReview, d.Decision)
	assert.Contains(t, d.Rationale, SignalFields)
}

func TestRoute_AccuracyConstrainsWhenPresent(t *testing.T) {
	d := newRouter().Route(Input{Relevance: ptr(0.95), Accuracy: ptr(0.72)})
	assert.InDelta(t, 0.72, d.OverallConfidence, 1e-9)
	assert.Equal(t, model.DecisionCommunityReview, d.Decision)
}

func TestRoute_NoFieldsDoesNotConstrain(t *testing.T) {
	d := newRouter().Route(Input{Relevance: ptr(0.93)})
	assert.Equal(t, model.DecisionAutoApprove, d.Decision)
}

func TestRoute_MissingRelevanceCannotAutoApprove(t *testing.T) {
	d := newRouter().Route(Input{Resolution: fields(0.99, 0.99, 0.99)})
	assert.InDelta(t, 0.6, d.OverallConfidence, 1e-9)
	assert.Equal(t, model.DecisionHumanReview, d.Decision)
	assert.Contains(t, d.Rationale, SignalRelevance)
}

func TestRoute_DuplicateAlwaysRejects(t *testing.T) {
	for _, mt := range []model.MatchType{
		model.MatchExactURL, model.MatchNormalizedURL, model.MatchContentHash,
		model.MatchSemanticSimilarity, model.MatchMetadataCombination,
	} {
		d := newRouter().Route(Input{
			Verdict: model.DeduplicationVerdict{
				IsDuplicate:       true,
				MatchType:         mt,
				SimilarityScore:   0.01,
				MatchedExistingID: "acc-1",
			},
			Resolution: fields(1, 1, 1),
			Relevance:  ptr(1),
		})
		assert.Equal(t, model.DecisionReject, d.Decision, mt)
		assert.Contains(t, d.Rationale, "acc-1")
	}
}

func TestRoute_UnresolvedConflictEscalates(t *testing.T) {
	res := fields(0.45, 0.95, 0.95)
	res.Conflicts = []model.ConflictRecord{{Field: model.FieldAmount, Unresolved: true}}

	d := newRouter().Route(Input{Resolution: res, Relevance: ptr(0.95)})
	assert.Equal(t, model.DecisionHumanReview, d.Decision)
	assert.Contains(t, d.Rationale, "amount")

	// With an otherwise weak candidate there is nothing worth reviewing.
	d = newRouter().Route(Input{Resolution: res, Relevance: ptr(0.3)})
	assert.Equal(t, model.DecisionReject, d.Decision)

	// A duplicate still rejects.
	d = newRouter().Route(Input{
		Verdict:    model.DeduplicationVerdict{IsDuplicate: true, MatchType: model.MatchContentHash, SimilarityScore: 1},
		Resolution: res,
		Relevance:  ptr(0.95),
	})
	assert.Equal(t, model.DecisionReject, d.Decision)
}

func TestRoute_ResolvedConflictDoesNotEscalate(t *testing.T) {
	res := fields(0.92, 0.95, 0.95)
	res.Conflicts = []model.ConflictRecord{{Field: model.FieldAmount, ResolvedValue: model.AmountValue{Min: 1, Max: 1}}}
	d := newRouter().Route(Input{Resolution: res, Relevance: ptr(0.95)})
	assert.Equal(t, model.DecisionAutoApprove, d.Decision)
}

var rank = map[model.Decision]int{
	model.DecisionReject:          0,
	model.DecisionHumanReview:     1,
	model.DecisionCommunityReview: 2,
	model.DecisionAutoApprove:     3,
}

func TestRoute_Monotonic(t *testing.T) {
	r := newRouter()
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		base := Input{
			Verdict:    model.DeduplicationVerdict{MatchType: model.MatchNone, SimilarityScore: rng.Float64()},
			Resolution: fields(rng.Float64(), rng.Float64(), rng.Float64()),
			Relevance:  ptr(rng.Float64()),
		}
		before := r.Route(base)

		worse := base
		switch i % 3 {
		case 0:
			worse.Verdict.SimilarityScore = base.Verdict.SimilarityScore + rng.Float64()*(1-base.Verdict.SimilarityScore)
		case 1:
			worse.Resolution = fields(
				base.Resolution.Fields[model.FieldAmount].Confidence*rng.Float64(),
				base.Resolution.Fields[model.FieldDeadline].Confidence,
				base.Resolution.Fields[model.FieldOrganization].Confidence,
			)
		case 2:
			worse.Relevance = ptr(*base.Relevance * rng.Float64())
		}
		after := r.Route(worse)

		assert.LessOrEqual(t, after.OverallConfidence, before.OverallConfidence+1e-12)
		assert.LessOrEqual(t, rank[after.Decision], rank[before.Decision])
	}
}

func TestRoute_RecordsMetrics(t *testing.T) {
	m := metrics.New()
	r := New(config.Default().Router, m)
	r.Route(Input{Relevance: ptr(0.95)})
	r.Route(Input{Relevance: ptr(0.1)})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `funding_intake_routing_decisions_total{decision="auto_approve"} 1`)
	assert.Contains(t, body, `funding_intake_routing_decisions_total{decision="reject"} 1`)
}
