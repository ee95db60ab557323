// Package dedup decides whether a candidate duplicates a record already in
// the canonical dataset. Layers run in strict precedence and the first hit
// wins: URL, content hash, semantic similarity, metadata combination.
package dedup

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/funding-intake/internal/config"
	"github.com/sells-group/funding-intake/internal/fingerprint"
	"github.com/sells-group/funding-intake/internal/metrics"
	"github.com/sells-group/funding-intake/internal/model"
	"github.com/sells-group/funding-intake/internal/textmatch"
)

// Layer names recorded in DedupLog.SkippedLayers.
const (
	LayerURL      = "url"
	LayerSemantic = "semantic"
	LayerMetadata = "metadata"
)

// Index is the read side of the accepted-record index. It only ever holds
// admitted candidates.
type Index interface {
	FindByURLKeys(ctx context.Context, keys []string) (*model.AcceptedRecord, error)
	FindByContentHash(ctx context.Context, hash string) (*model.AcceptedRecord, error)
	// NearestInWindow returns accepted records with embeddings whose
	// reference date falls in [from, to], nearest first where the backend
	// can order by distance, capped at limit.
	NearestInWindow(ctx context.Context, embedding []float32, from, to time.Time, limit int) ([]model.AcceptedRecord, error)
	// ByDeadlineRange returns accepted records whose deadline is in [from, to].
	ByDeadlineRange(ctx context.Context, from, to time.Time, limit int) ([]model.AcceptedRecord, error)
}

// LogWriter appends deduplication_logs rows.
type LogWriter interface {
	AppendDedupLog(ctx context.Context, entry model.DedupLog) error
}

// Pipeline runs the layered duplicate check.
type Pipeline struct {
	index   Index
	logs    LogWriter
	cfg     config.DedupConfig
	metrics *metrics.Metrics
	now     func() time.Time
	log     *zap.Logger
}

// New creates a Pipeline.
func New(index Index, logs LogWriter, cfg config.DedupConfig, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		index:   index,
		logs:    logs,
		cfg:     cfg,
		metrics: m,
		now:     time.Now,
		log:     zap.L().With(zap.String("component", "dedup")),
	}
}

// Result is a verdict plus what the check could not evaluate.
type Result struct {
	Verdict       model.DeduplicationVerdict
	SkippedLayers []string
}

// Check evaluates c against the accepted index and appends a log row.
// c must already carry its fingerprint (URLKey, ContentHash, Embedding).
// Index and log failures are infrastructure faults and are returned.
func (p *Pipeline) Check(ctx context.Context, c *model.Candidate) (Result, error) {
	start := p.now()
	res, err := p.evaluate(ctx, c)
	if err != nil {
		return Result{}, err
	}
	elapsed := p.now().Sub(start)

	entry := model.DedupLog{
		ID:            uuid.New().String(),
		CandidateID:   c.ID,
		SourceID:      c.SourceID,
		Verdict:       res.Verdict,
		SkippedLayers: res.SkippedLayers,
		Duration:      elapsed,
		CheckedAt:     start.UTC(),
	}
	if err := p.logs.AppendDedupLog(ctx, entry); err != nil {
		return Result{}, eris.Wrap(err, "dedup: append log")
	}
	p.metrics.ObserveDedup(string(res.Verdict.MatchType), elapsed, res.SkippedLayers)

	p.log.Debug("dedup check",
		zap.String("candidate_id", c.ID),
		zap.String("match_type", string(res.Verdict.MatchType)),
		zap.Float64("similarity", res.Verdict.SimilarityScore),
		zap.Strings("skipped_layers", res.SkippedLayers),
		zap.Duration("duration", elapsed),
	)
	return res, nil
}

func (p *Pipeline) evaluate(ctx context.Context, c *model.Candidate) (Result, error) {
	if c.ContentHash == "" {
		return Result{}, eris.New("dedup: candidate has not been fingerprinted")
	}
	var res Result

	// Layer 1: URL.
	if c.URLKey != "" {
		rec, err := p.index.FindByURLKeys(ctx, fingerprint.KeyVariants(c.URLKey))
		if err != nil {
			return Result{}, eris.Wrap(err, "dedup: url lookup")
		}
		if rec != nil {
			mt := model.MatchNormalizedURL
			if rec.URLKey == c.URLKey {
				mt = model.MatchExactURL
			}
			res.Verdict = hit(mt, 1.0, rec.ID)
			return res, nil
		}
	} else {
		res.SkippedLayers = append(res.SkippedLayers, LayerURL)
	}

	// Layer 2: content hash.
	rec, err := p.index.FindByContentHash(ctx, c.ContentHash)
	if err != nil {
		return Result{}, eris.Wrap(err, "dedup: content hash lookup")
	}
	if rec != nil {
		res.Verdict = hit(model.MatchContentHash, 1.0, rec.ID)
		return res, nil
	}

	// Layer 3: semantic similarity within the time window.
	var nearMiss float64
	if len(c.Embedding) == 0 {
		res.SkippedLayers = append(res.SkippedLayers, LayerSemantic)
	} else {
		from, to := Window(c.ReferenceDate(), p.cfg.WindowQuarters)
		recs, err := p.index.NearestInWindow(ctx, c.Embedding, from, to, p.cfg.MaxSemanticRecords)
		if err != nil {
			return Result{}, eris.Wrap(err, "dedup: semantic lookup")
		}
		best, bestID := bestCosine(c.Embedding, recs)
		if bestID != "" && best >= p.cfg.SemanticThreshold {
			res.Verdict = hit(model.MatchSemanticSimilarity, best, bestID)
			return res, nil
		}
		nearMiss = math.Max(best, 0)
	}

	// Layer 4: metadata combination.
	amount, hasAmount := c.AmountRange()
	if c.Deadline == nil || !hasAmount || c.Organization == "" {
		res.SkippedLayers = append(res.SkippedLayers, LayerMetadata)
	} else {
		window := time.Duration(p.cfg.DeadlineWindowDays) * 24 * time.Hour
		recs, err := p.index.ByDeadlineRange(ctx, c.Deadline.Add(-window), c.Deadline.Add(window), p.cfg.MaxSemanticRecords)
		if err != nil {
			return Result{}, eris.Wrap(err, "dedup: metadata lookup")
		}
		if score, id, ok := p.bestMetadata(c.Organization, amount, *c.Deadline, recs); ok {
			res.Verdict = hit(model.MatchMetadataCombination, score, id)
			return res, nil
		}
	}

	res.Verdict = model.DeduplicationVerdict{MatchType: model.MatchNone, SimilarityScore: nearMiss}
	return res, nil
}

func hit(mt model.MatchType, score float64, id string) model.DeduplicationVerdict {
	return model.DeduplicationVerdict{
		IsDuplicate:       true,
		MatchType:         mt,
		SimilarityScore:   score,
		MatchedExistingID: id,
	}
}

// bestCosine returns the highest similarity. Ties keep the earlier record so
// repeated checks against an unchanged index agree.
func bestCosine(emb []float32, recs []model.AcceptedRecord) (float64, string) {
	best := math.Inf(-1)
	var bestID string
	for _, r := range recs {
		if len(r.Embedding) == 0 {
			continue
		}
		if s := textmatch.Cosine(emb, r.Embedding); s > best {
			best, bestID = s, r.ID
		}
	}
	if bestID == "" {
		return 0, ""
	}
	return best, bestID
}

func (p *Pipeline) bestMetadata(org string, amount model.AmountValue, deadline time.Time, recs []model.AcceptedRecord) (float64, string, bool) {
	w := p.cfg.MetadataWeights
	total := w.Organization + w.Amount + w.Deadline
	if total <= 0 {
		w, total = config.MetadataWeights{Organization: 1, Amount: 1, Deadline: 1}, 3
	}

	var best float64
	var bestID string
	for _, r := range recs {
		if r.Deadline == nil || r.Organization == "" {
			continue
		}
		other, ok := (&model.Candidate{AmountMin: r.AmountMin, AmountMax: r.AmountMax}).AmountRange()
		if !ok {
			continue
		}
		orgScore := textmatch.TokenSetRatio(org, r.Organization)
		if orgScore < p.cfg.OrgFuzzyThreshold {
			continue
		}
		amountScore, overlap := AmountOverlap(amount, other)
		if !overlap {
			continue
		}
		days := math.Abs(deadline.Sub(*r.Deadline).Hours()) / 24
		if days > float64(p.cfg.DeadlineWindowDays) {
			continue
		}
		deadlineScore := 1 - days/float64(p.cfg.DeadlineWindowDays+1)

		score := (w.Organization*orgScore + w.Amount*amountScore + w.Deadline*deadlineScore) / total
		if bestID == "" || score > best {
			best, bestID = score, r.ID
		}
	}
	return best, bestID, bestID != ""
}

// AmountOverlap reports whether two ranges intersect and how specific the
// intersection is: 1 when one range contains the other, shrinking as the
// overlap covers less of the narrower range.
func AmountOverlap(a, b model.AmountValue) (float64, bool) {
	lo := math.Max(a.Min, b.Min)
	hi := math.Min(a.Max, b.Max)
	if lo > hi {
		return 0, false
	}
	narrow := math.Min(a.Width(), b.Width())
	if narrow <= 0 {
		return 1, true
	}
	return (hi - lo) / narrow, true
}

// Window returns the calendar-quarter window around ref, widened by
// extraQuarters on each side.
func Window(ref time.Time, extraQuarters int) (time.Time, time.Time) {
	ref = ref.UTC()
	startMonth := time.Month((int(ref.Month())-1)/3*3 + 1)
	start := time.Date(ref.Year(), startMonth, 1, 0, 0, 0, 0, time.UTC)
	if extraQuarters < 0 {
		extraQuarters = 0
	}
	from := start.AddDate(0, -3*extraQuarters, 0)
	to := start.AddDate(0, 3*(extraQuarters+1), 0).Add(-time.Nanosecond)
	return from, to
}
