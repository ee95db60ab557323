// Package router maps the per-candidate signals to a routing decision. The
// overall confidence is the weakest of the signals, never an average.
package router

import (
	"fmt"
	"math"
	"strings"

	"github.com/sells-group/funding-intake/internal/config"
	"github.com/sells-group/funding-intake/internal/metrics"
	"github.com/sells-group/funding-intake/internal/model"
)

// Signal names used in the rationale.
const (
	SignalDuplicate = "duplicate_similarity"
	SignalFields    = "field_confidence"
	SignalRelevance = "relevance"
	SignalAccuracy  = "accuracy"
)

// Input carries everything Route needs. Relevance and Accuracy are nil when
// the assessment collaborator did not answer.
type Input struct {
	Verdict    model.DeduplicationVerdict
	Resolution model.Resolution
	Relevance  *float64
	Accuracy   *float64
}

// Router is a pure function of its configuration and input.
type Router struct {
	cfg     config.RouterConfig
	metrics *metrics.Metrics
}

// New creates a Router.
func New(cfg config.RouterConfig, m *metrics.Metrics) *Router {
	return &Router{cfg: cfg, metrics: m}
}

type signal struct {
	name  string
	value float64
}

// Route computes the overall confidence and decision for a candidate.
func (r *Router) Route(in Input) model.RoutingDecision {
	d := r.route(in)
	r.metrics.ObserveRouting(string(d.Decision), d.OverallConfidence)
	return d
}

func (r *Router) route(in Input) model.RoutingDecision {
	signals := r.signals(in)
	weakest := weakestOf(signals)

	if in.Verdict.IsDuplicate {
		return model.RoutingDecision{
			OverallConfidence: weakest.value,
			Decision:          model.DecisionReject,
			Rationale: fmt.Sprintf("duplicate of %s via %s (similarity %.2f)",
				in.Verdict.MatchedExistingID, in.Verdict.MatchType, in.Verdict.SimilarityScore),
		}
	}

	if in.Resolution.HasUnresolved() {
		// Field confidence is already known to be weak; the other signals
		// decide whether a reviewer should see it at all.
		var rest []signal
		for _, s := range signals {
			if s.name != SignalFields {
				rest = append(rest, s)
			}
		}
		floor := weakestOf(rest)
		if floor.value < r.cfg.HumanReview {
			return model.RoutingDecision{
				OverallConfidence: weakest.value,
				Decision:          model.DecisionReject,
				Rationale:         fmt.Sprintf("unresolved field conflict and weak %s (%.2f)", floor.name, floor.value),
			}
		}
		return model.RoutingDecision{
			OverallConfidence: weakest.value,
			Decision:          model.DecisionHumanReview,
			Rationale:         "unresolved field conflict: " + strings.Join(unresolvedFields(in.Resolution), ", "),
		}
	}

	decision := r.threshold(weakest.value)
	return model.RoutingDecision{
		OverallConfidence: weakest.value,
		Decision:          decision,
		Rationale:         fmt.Sprintf("%s limited by %s (%.2f)", decision, weakest.name, weakest.value),
	}
}

// signals lists the constraining components. Missing relevance is replaced
// by the configured fallback so an outage cannot auto-approve.
func (r *Router) signals(in Input) []signal {
	sim := clamp01(in.Verdict.SimilarityScore)
	out := []signal{{SignalDuplicate, 1 - sim}}

	if confs := in.Resolution.FieldConfidences(); len(confs) > 0 {
		var sum float64
		for _, c := range confs {
			sum += clamp01(c)
		}
		out = append(out, signal{SignalFields, sum / float64(len(confs))})
	}

	if in.Relevance != nil {
		out = append(out, signal{SignalRelevance, clamp01(*in.Relevance)})
	} else {
		out = append(out, signal{SignalRelevance, clamp01(r.cfg.UnavailableRelevance)})
	}

	if in.Accuracy != nil {
		out = append(out, signal{SignalAccuracy, clamp01(*in.Accuracy)})
	}
	return out
}

func (r *Router) threshold(v float64) model.Decision {
	switch {
	case v >= r.cfg.AutoApprove:
		return model.DecisionAutoApprove
	case v >= r.cfg.CommunityReview:
		return model.DecisionCommunityReview
	case v >= r.cfg.HumanReview:
		return model.DecisionHumanReview
	default:
		return model.DecisionReject
	}
}

// weakestOf returns the minimum signal, keeping the first on ties.
func weakestOf(signals []signal) signal {
	if len(signals) == 0 {
		return signal{name: "none", value: 1}
	}
	w := signals[0]
	for _, s := range signals[1:] {
		if s.value < w.value {
			w = s
		}
	}
	return w
}

func unresolvedFields(res model.Resolution) []string {
	var out []string
	for _, c := range res.Conflicts {
		if c.Unresolved {
			out = append(out, string(c.Field))
		}
	}
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
