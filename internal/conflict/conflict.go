// Package conflict reconciles field values from independent extraction
// passes using a fixed per-field strategy table.
package conflict

import (
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/funding-intake/internal/config"
	"github.com/sells-group/funding-intake/internal/metrics"
	"github.com/sells-group/funding-intake/internal/model"
	"github.com/sells-group/funding-intake/internal/orgindex"
	"github.com/sells-group/funding-intake/internal/textmatch"
)

const epsilon = 1e-9

// Resolver applies the per-field strategies.
type Resolver struct {
	cfg     config.ConflictConfig
	orgs    orgindex.Matcher
	metrics *metrics.Metrics
	now     func() time.Time
	log     *zap.Logger
}

// New creates a Resolver. orgs may be nil, in which case no organization
// counts as known.
func New(cfg config.ConflictConfig, orgs orgindex.Matcher, m *metrics.Metrics) *Resolver {
	return &Resolver{
		cfg:     cfg,
		orgs:    orgs,
		metrics: m,
		now:     time.Now,
		log:     zap.L().With(zap.String("component", "conflict")),
	}
}

// Resolve reconciles every field across results. With fewer than two
// results the values pass through unchanged and no conflicts are produced.
func (r *Resolver) Resolve(results []model.ExtractionResult) model.Resolution {
	res := model.Resolution{Fields: make(map[model.FieldName]model.ResolvedField)}

	for _, field := range model.Fields {
		values := collect(results, field)
		if len(values) == 0 {
			continue
		}
		top := highestConfidence(values)
		if len(values) == 1 || r.agree(field, values) {
			res.Fields[field] = model.ResolvedField{
				Value:      top.Value,
				Extractor:  top.Extractor,
				Confidence: top.Confidence,
			}
			continue
		}

		rec := r.resolveField(field, values)
		res.Conflicts = append(res.Conflicts, rec)
		rf := model.ResolvedField{Value: rec.ResolvedValue, Confidence: rec.Confidence, Conflicted: true}
		for _, v := range values {
			if rec.ResolvedValue != nil && v.Value == rec.ResolvedValue {
				rf.Extractor = v.Extractor
				break
			}
		}
		res.Fields[field] = rf

		r.metrics.ObserveConflict(string(field), !rec.Unresolved)
		r.log.Info("extractors disagree",
			zap.String("field", string(field)),
			zap.Int("values", len(values)),
			zap.Bool("unresolved", rec.Unresolved),
			zap.String("reason", rec.Reason),
		)
	}
	return res
}

// collect gathers every extractor's value for field, keeping extractor order.
func collect(results []model.ExtractionResult, field model.FieldName) []model.CompetingValue {
	var out []model.CompetingValue
	for _, er := range results {
		g, ok := er.Fields[field]
		if !ok || g.Value == nil || g.Value.Field() != field {
			continue
		}
		out = append(out, model.CompetingValue{
			Value:      g.Value,
			Extractor:  er.Extractor,
			Confidence: clamp01(g.Confidence),
		})
	}
	return out
}

func highestConfidence(values []model.CompetingValue) model.CompetingValue {
	best := values[0]
	for _, v := range values[1:] {
		if v.Confidence > best.Confidence {
			best = v
		}
	}
	return best
}

// agree reports whether every pair of values is equivalent for field.
func (r *Resolver) agree(field model.FieldName, values []model.CompetingValue) bool {
	for i := 0; i < len(values); i++ {
		for j := i + 1; j < len(values); j++ {
			if !r.equivalent(values[i].Value, values[j].Value) {
				return false
			}
		}
	}
	return true
}

func (r *Resolver) equivalent(a, b model.FieldValue) bool {
	switch av := a.(type) {
	case model.AmountValue:
		bv, ok := b.(model.AmountValue)
		return ok && r.amountClose(av.Min, bv.Min) && r.amountClose(av.Max, bv.Max)
	case model.DeadlineValue:
		bv, ok := b.(model.DeadlineValue)
		if !ok {
			return false
		}
		if av.Date != nil && bv.Date != nil {
			return math.Abs(av.Date.Sub(*bv.Date).Hours()) < 24
		}
		if av.Date == nil && bv.Date == nil {
			return textmatch.TokenSetRatio(av.Raw, bv.Raw) >= 1-epsilon
		}
		return false
	case model.OrganizationValue:
		bv, ok := b.(model.OrganizationValue)
		return ok && textmatch.TokenSetRatio(av.Name, bv.Name) >= r.cfg.OrgAgreement
	default:
		return false
	}
}

// amountClose is true unless the bounds differ by more than both the
// relative tolerance and the absolute floor.
func (r *Resolver) amountClose(a, b float64) bool {
	diff := math.Abs(a - b)
	rel := r.cfg.AmountRelativeTolerance * math.Max(math.Abs(a), math.Abs(b))
	return diff <= math.Max(rel, r.cfg.AmountAbsoluteFloor)
}

func (r *Resolver) resolveField(field model.FieldName, values []model.CompetingValue) model.ConflictRecord {
	var rec model.ConflictRecord
	switch field {
	case model.FieldAmount:
		rec = r.resolveAmount(values)
	case model.FieldOrganization:
		rec = r.resolveOrganization(values)
	case model.FieldDeadline:
		rec = r.resolveDeadline(values)
	}
	rec.Field = field
	rec.Competing = append([]model.CompetingValue(nil), values...)
	return r.finish(rec)
}

// finish applies the disagreement penalty and the minimum-confidence bar.
func (r *Resolver) finish(rec model.ConflictRecord) model.ConflictRecord {
	rec.Confidence = clamp01(rec.Confidence - r.cfg.DisagreementPenalty)
	if !rec.Unresolved && rec.Confidence < r.cfg.MinWinnerConfidence {
		rec.Unresolved = true
		rec.Reason = "winning confidence below minimum after disagreement penalty"
	}
	return rec
}

func (r *Resolver) resolveAmount(values []model.CompetingValue) model.ConflictRecord {
	rec := model.ConflictRecord{Strategy: model.StrategyAmountConfidence}
	ranked := append([]model.CompetingValue(nil), values...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if math.Abs(ranked[i].Confidence-ranked[j].Confidence) > epsilon {
			return ranked[i].Confidence > ranked[j].Confidence
		}
		return width(ranked[i]) < width(ranked[j])
	})
	win, next := ranked[0], ranked[1]
	rec.Confidence = win.Confidence
	if math.Abs(win.Confidence-next.Confidence) <= epsilon &&
		math.Abs(width(win)-width(next)) <= epsilon &&
		!r.equivalent(win.Value, next.Value) {
		rec.Unresolved = true
		rec.Reason = "equal confidence and equally specific ranges"
		return rec
	}
	rec.ResolvedValue = win.Value
	return rec
}

func width(v model.CompetingValue) float64 {
	if a, ok := v.Value.(model.AmountValue); ok {
		return a.Width()
	}
	return math.Inf(1)
}

func (r *Resolver) resolveOrganization(values []model.CompetingValue) model.ConflictRecord {
	rec := model.ConflictRecord{Strategy: model.StrategyKnownOrg}

	type scored struct {
		model.CompetingValue
		orgID string
		match float64
		known bool
	}
	ranked := make([]scored, 0, len(values))
	for _, v := range values {
		s := scored{CompetingValue: v}
		if r.orgs != nil {
			s.orgID, s.match = r.orgs.FuzzyMatch(v.Value.String())
			s.known = s.orgID != "" && s.match >= r.cfg.OrgMatchFloor
		}
		ranked = append(ranked, s)
	}
	// Known beats unknown regardless of confidence; then match score; then
	// extractor confidence.
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.known != b.known {
			return a.known
		}
		if a.known && math.Abs(a.match-b.match) > epsilon {
			return a.match > b.match
		}
		return a.Confidence > b.Confidence
	})

	win, next := ranked[0], ranked[1]
	rec.Confidence = win.Confidence
	tied := win.known == next.known &&
		(!win.known || math.Abs(win.match-next.match) <= epsilon) &&
		math.Abs(win.Confidence-next.Confidence) <= epsilon
	sameOrg := win.known && next.known && win.orgID == next.orgID
	if tied && !sameOrg {
		rec.Unresolved = true
		rec.Reason = "no known organization distinguishes the candidates"
		return rec
	}
	if !win.known {
		rec.Reason = "no candidate matched a known organization; highest confidence kept"
	}
	rec.ResolvedValue = win.Value
	return rec
}

func (r *Resolver) resolveDeadline(values []model.CompetingValue) model.ConflictRecord {
	rec := model.ConflictRecord{Strategy: model.StrategyValidDeadline}
	now := r.now()

	var valid []model.CompetingValue
	for _, v := range values {
		if d, ok := v.Value.(model.DeadlineValue); ok && d.Date != nil && d.Date.After(now) {
			valid = append(valid, v)
		}
	}
	if len(valid) == 0 {
		rec.Confidence = highestConfidence(values).Confidence
		rec.Unresolved = true
		rec.Reason = "no value parses to a future date"
		return rec
	}

	sort.SliceStable(valid, func(i, j int) bool { return valid[i].Confidence > valid[j].Confidence })
	win := valid[0]
	rec.Confidence = win.Confidence
	if len(valid) > 1 && math.Abs(win.Confidence-valid[1].Confidence) <= epsilon && !r.equivalent(win.Value, valid[1].Value) {
		rec.Unresolved = true
		rec.Reason = "equally confident future dates"
		return rec
	}
	rec.ResolvedValue = win.Value
	return rec
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
