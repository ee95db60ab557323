// Package intake evaluates candidates end to end: extraction, conflict
// resolution, fingerprinting, deduplication and routing, then persists the
// outcome. Decisions for the same fingerprint are serialized through a keyed
// lock so two copies of one opportunity can never both be admitted.
package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/funding-intake/internal/config"
	"github.com/sells-group/funding-intake/internal/conflict"
	"github.com/sells-group/funding-intake/internal/dedup"
	"github.com/sells-group/funding-intake/internal/extract"
	"github.com/sells-group/funding-intake/internal/fingerprint"
	"github.com/sells-group/funding-intake/internal/keylock"
	"github.com/sells-group/funding-intake/internal/metrics"
	"github.com/sells-group/funding-intake/internal/model"
	"github.com/sells-group/funding-intake/internal/relevance"
	"github.com/sells-group/funding-intake/internal/resilience"
	"github.com/sells-group/funding-intake/internal/router"
	"github.com/sells-group/funding-intake/internal/store"
)

// Degradation names recorded on an Evaluation.
const (
	DegradedEmbedding = "embedding"
	DegradedRelevance = "relevance"
	degradedExtractor = "extract:"
)

var (
	// ErrSourceInactive is returned for candidates from a rejected or
	// deprecated source.
	ErrSourceInactive = eris.New("intake: source is not active")
	// ErrNotPending is returned when a candidate or review has already been
	// settled.
	ErrNotPending = eris.New("intake: not pending")
)

// Store is the persistence the intake pipeline needs.
type Store interface {
	dedup.Index
	dedup.LogWriter
	GetSource(ctx context.Context, id string) (*model.SourceRecord, error)
	SaveOutcome(ctx context.Context, o model.Outcome) error
	GetCandidate(ctx context.Context, id string) (*model.Outcome, error)
	AdmitCandidate(ctx context.Context, rec model.AcceptedRecord, resolve *model.ReviewResolution) error
	RejectCandidate(ctx context.Context, candidateID string, resolve *model.ReviewResolution) error
	GetReview(ctx context.Context, id string) (*model.ReviewItem, error)
	AddVote(ctx context.Context, v model.Vote) error
	TallyVotes(ctx context.Context, candidateID string) (model.VoteTally, error)
}

// Options carries externally supplied assessment scores. A nil score means
// the pipeline asks its own relevance scorer (relevance) or goes without
// (accuracy).
type Options struct {
	Relevance *float64
	Accuracy  *float64
}

// Pipeline evaluates candidates.
type Pipeline struct {
	cfg          config.IntakeConfig
	routerCfg    config.RouterConfig
	store        Store
	fingerprints *fingerprint.Engine
	dedup        *dedup.Pipeline
	resolver     *conflict.Resolver
	router       *router.Router
	extractors   *extract.Runner
	scorer       relevance.Scorer
	locker       keylock.Locker
	guard        *resilience.Guard
	metrics      *metrics.Metrics
	now          func() time.Time
	log          *zap.Logger
}

// New creates a Pipeline. extractors and scorer may be nil: candidates then
// rely on caller-supplied extractions and scores.
func New(
	cfg *config.Config,
	st Store,
	fp *fingerprint.Engine,
	extractors *extract.Runner,
	scorer relevance.Scorer,
	resolver *conflict.Resolver,
	locker keylock.Locker,
	guard *resilience.Guard,
	m *metrics.Metrics,
) *Pipeline {
	return &Pipeline{
		cfg:          cfg.Intake,
		routerCfg:    cfg.Router,
		store:        st,
		fingerprints: fp,
		dedup:        dedup.New(st, st, cfg.Dedup, m),
		resolver:     resolver,
		router:       router.New(cfg.Router, m),
		extractors:   extractors,
		scorer:       scorer,
		locker:       locker,
		guard:        guard,
		metrics:      m,
		now:          time.Now,
		log:          zap.L().With(zap.String("component", "intake")),
	}
}

// EvaluateCandidate runs the full per-candidate pipeline and persists the
// outcome. Collaborator outages degrade the evaluation; only store faults,
// an unfingerprintable candidate or an inactive source return an error.
func (p *Pipeline) EvaluateCandidate(ctx context.Context, c model.Candidate, opts Options) (model.Evaluation, error) {
	if c.SourceID != "" {
		src, err := p.store.GetSource(ctx, c.SourceID)
		if err != nil {
			return model.Evaluation{}, eris.Wrapf(err, "intake: load source %s", c.SourceID)
		}
		if !src.State.Active() {
			return model.Evaluation{}, eris.Wrapf(ErrSourceInactive, "intake: source %s is %s", src.ID, src.State)
		}
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.SubmittedAt.IsZero() {
		c.SubmittedAt = p.now().UTC()
	}
	log := p.log.With(zap.String("candidate_id", c.ID), zap.String("source_id", c.SourceID))

	var degradations []string

	// Extraction and resolution run before fingerprinting so resolved
	// organization, amount and deadline feed the content hash and the
	// metadata layer.
	if len(c.Extractions) == 0 && p.extractors != nil && p.extractors.Len() > 0 {
		results, failed := p.extractors.Run(ctx, &c)
		c.Extractions = results
		for _, name := range failed {
			degradations = append(degradations, degradedExtractor+name)
		}
	}
	resolution := p.resolver.Resolve(c.Extractions)
	applyResolution(&c, resolution)

	fp, err := p.fingerprints.Compute(ctx, fingerprint.Input{
		URL:          c.URL,
		Title:        c.Title,
		Description:  c.Description,
		Organization: c.Organization,
	})
	if err != nil {
		return model.Evaluation{}, err
	}
	c.URLKey, c.ContentHash, c.Embedding = fp.URLKey, fp.ContentHash, fp.Embedding
	if fp.EmbeddingErr != nil {
		degradations = append(degradations, DegradedEmbedding)
	}

	rel := opts.Relevance
	if rel == nil {
		if rel = p.scoreRelevance(ctx, &c); rel == nil {
			degradations = append(degradations, DegradedRelevance)
		}
	}

	unlock, err := p.lock(ctx, &c)
	if err != nil {
		return model.Evaluation{}, err
	}
	defer unlock()

	ev, err := p.decide(ctx, &c, resolution, rel, opts.Accuracy, degradations, false)
	if err != nil {
		return model.Evaluation{}, err
	}

	log.Info("candidate evaluated",
		zap.String("decision", string(ev.Decision.Decision)),
		zap.Float64("confidence", ev.Decision.OverallConfidence),
		zap.String("match_type", string(ev.Verdict.MatchType)),
		zap.String("status", string(ev.Status)),
		zap.Strings("degradations", ev.Degradations),
	)
	return ev, nil
}

// decide runs dedup and routing and persists the outcome. The caller holds
// the candidate's fingerprint lock.
func (p *Pipeline) decide(ctx context.Context, c *model.Candidate, res model.Resolution, rel, acc *float64, degradations []string, retried bool) (model.Evaluation, error) {
	check, err := p.dedup.Check(ctx, c)
	if err != nil {
		return model.Evaluation{}, eris.Wrap(err, "intake: dedup")
	}
	decision := p.router.Route(router.Input{
		Verdict:    check.Verdict,
		Resolution: res,
		Relevance:  rel,
		Accuracy:   acc,
	})

	now := p.now().UTC()
	out := model.Outcome{
		Candidate: *c,
		Evaluation: model.Evaluation{
			CandidateID:  c.ID,
			Verdict:      check.Verdict,
			Conflicts:    res.Conflicts,
			Relevance:    rel,
			Decision:     decision,
			Status:       model.CandidatePending,
			Degradations: degradations,
			EvaluatedAt:  now,
		},
	}

	switch decision.Decision {
	case model.DecisionAutoApprove:
		rec := model.AcceptedFrom(c, uuid.New().String(), now)
		out.Accepted = &rec
		out.Evaluation.Status = model.CandidateAdmitted
	case model.DecisionReject:
		out.Evaluation.Status = model.CandidateRejected
	case model.DecisionHumanReview:
		review := candidateReview(c, decision, res, now)
		out.Review = &review
		out.Evaluation.ReviewID = review.ID
	case model.DecisionCommunityReview:
		// Settled later by votes.
	}

	err = p.store.SaveOutcome(ctx, out)
	if errors.Is(err, store.ErrAlreadyAdmitted) && !retried {
		// Another writer outside this lock domain admitted the same
		// opportunity first. Record this one as its duplicate.
		p.log.Warn("candidate admitted concurrently elsewhere, re-checking",
			zap.String("candidate_id", c.ID))
		return p.decide(ctx, c, res, rel, acc, degradations, true)
	}
	if err != nil {
		return model.Evaluation{}, eris.Wrap(err, "intake: save outcome")
	}
	return out.Evaluation, nil
}

// Admit adds a pending candidate to the accepted index after a reviewer or
// the community approved it. Dedup is re-run under the fingerprint lock; a
// candidate that has become a duplicate is rejected instead. The returned
// status says which happened.
func (p *Pipeline) Admit(ctx context.Context, candidateID string, resolve *model.ReviewResolution) (model.CandidateStatus, error) {
	o, err := p.store.GetCandidate(ctx, candidateID)
	if err != nil {
		return "", eris.Wrapf(err, "intake: load candidate %s", candidateID)
	}
	if o.Evaluation.Status != model.CandidatePending {
		return "", eris.Wrapf(ErrNotPending, "intake: candidate %s is %s", candidateID, o.Evaluation.Status)
	}
	c := o.Candidate

	unlock, err := p.lock(ctx, &c)
	if err != nil {
		return "", err
	}
	defer unlock()

	check, err := p.dedup.Check(ctx, &c)
	if err != nil {
		return "", eris.Wrap(err, "intake: dedup")
	}
	if check.Verdict.IsDuplicate {
		if resolve != nil {
			resolve.Status = model.ReviewRejected
			resolve.Note = strings.TrimSpace(fmt.Sprintf("%s (duplicate of %s)", resolve.Note, check.Verdict.MatchedExistingID))
		}
		if err := p.settleErr(p.store.RejectCandidate(ctx, c.ID, resolve), c.ID); err != nil {
			return "", err
		}
		p.log.Info("approved candidate rejected as duplicate",
			zap.String("candidate_id", c.ID),
			zap.String("matched_id", check.Verdict.MatchedExistingID),
			zap.String("match_type", string(check.Verdict.MatchType)),
		)
		return model.CandidateRejected, nil
	}

	rec := model.AcceptedFrom(&c, uuid.New().String(), p.now().UTC())
	err = p.store.AdmitCandidate(ctx, rec, resolve)
	if errors.Is(err, store.ErrAlreadyAdmitted) {
		if resolve != nil {
			resolve.Status = model.ReviewRejected
		}
		return model.CandidateRejected, p.settleErr(p.store.RejectCandidate(ctx, c.ID, resolve), c.ID)
	}
	if err := p.settleErr(err, c.ID); err != nil {
		return "", err
	}
	p.log.Info("candidate admitted", zap.String("candidate_id", c.ID))
	return model.CandidateAdmitted, nil
}

// ResolveCandidateReview applies a reviewer's decision on a candidate
// review item.
func (p *Pipeline) ResolveCandidateReview(ctx context.Context, reviewID string, approve bool, reviewer, note string) (model.CandidateStatus, error) {
	r, err := p.store.GetReview(ctx, reviewID)
	if err != nil {
		return "", eris.Wrapf(err, "intake: load review %s", reviewID)
	}
	if r.Kind != model.ReviewCandidate {
		return "", eris.Errorf("intake: review %s is a %s review", reviewID, r.Kind)
	}
	if r.Status != model.ReviewPending {
		return "", eris.Wrapf(ErrNotPending, "intake: review %s is %s", reviewID, r.Status)
	}

	resolve := &model.ReviewResolution{
		ReviewID: reviewID,
		Status:   model.ReviewApproved,
		Reviewer: reviewer,
		Note:     note,
		At:       p.now().UTC(),
	}
	if approve {
		return p.Admit(ctx, r.SubjectID, resolve)
	}
	resolve.Status = model.ReviewRejected
	if err := p.settleErr(p.store.RejectCandidate(ctx, r.SubjectID, resolve), r.SubjectID); err != nil {
		return "", err
	}
	return model.CandidateRejected, nil
}

// RecordCommunityVote records a vote on a community-review candidate and
// settles the candidate once the quorum is reached.
func (p *Pipeline) RecordCommunityVote(ctx context.Context, candidateID, voter string, approve bool) (model.VoteTally, model.CandidateStatus, error) {
	o, err := p.store.GetCandidate(ctx, candidateID)
	if err != nil {
		return model.VoteTally{}, "", eris.Wrapf(err, "intake: load candidate %s", candidateID)
	}
	if o.Evaluation.Decision.Decision != model.DecisionCommunityReview {
		return model.VoteTally{}, "", eris.Errorf("intake: candidate %s is not in community review", candidateID)
	}
	if o.Evaluation.Status != model.CandidatePending {
		return model.VoteTally{}, o.Evaluation.Status, eris.Wrapf(ErrNotPending, "intake: candidate %s is %s", candidateID, o.Evaluation.Status)
	}

	if err := p.store.AddVote(ctx, model.Vote{
		ID:          uuid.New().String(),
		CandidateID: candidateID,
		Voter:       voter,
		Approve:     approve,
		CastAt:      p.now().UTC(),
	}); err != nil {
		return model.VoteTally{}, "", eris.Wrap(err, "intake: add vote")
	}
	tally, err := p.store.TallyVotes(ctx, candidateID)
	if err != nil {
		return model.VoteTally{}, "", eris.Wrap(err, "intake: tally votes")
	}

	total := tally.Approvals + tally.Rejections
	if total < max(p.cfg.VoteQuorum, 1) {
		return tally, model.CandidatePending, nil
	}
	if float64(tally.Approvals)/float64(total) >= p.cfg.VoteApproval {
		status, err := p.Admit(ctx, candidateID, nil)
		if errors.Is(err, ErrNotPending) || errors.Is(err, store.ErrStaleTransition) {
			return tally, status, nil
		}
		return tally, status, err
	}
	err = p.store.RejectCandidate(ctx, candidateID, nil)
	if errors.Is(err, store.ErrStaleTransition) {
		return tally, "", nil
	}
	if err != nil {
		return tally, "", eris.Wrap(err, "intake: reject candidate")
	}
	return tally, model.CandidateRejected, nil
}

// lock takes the candidate's URL key variants and content hash.
func (p *Pipeline) lock(ctx context.Context, c *model.Candidate) (keylock.Unlock, error) {
	keys := []string{"hash:" + c.ContentHash}
	if c.URLKey != "" {
		for _, k := range fingerprint.KeyVariants(c.URLKey) {
			keys = append(keys, "url:"+k)
		}
	}

	lockCtx := ctx
	if p.cfg.LockTimeoutSecs > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, time.Duration(p.cfg.LockTimeoutSecs)*time.Second)
		defer cancel()
	}
	start := time.Now()
	unlock, err := p.locker.Acquire(lockCtx, keys...)
	p.metrics.ObserveLockWait(time.Since(start))
	if err != nil {
		return nil, eris.Wrapf(err, "intake: lock candidate %s", c.ID)
	}
	return unlock, nil
}

func (p *Pipeline) scoreRelevance(ctx context.Context, c *model.Candidate) *float64 {
	if p.scorer == nil {
		return nil
	}
	timeout := time.Duration(p.routerCfg.RelevanceTimeoutSecs) * time.Second
	score, err := resilience.Call(ctx, p.guard, "relevance", timeout, func(ctx context.Context) (float64, error) {
		return p.scorer.Score(ctx, candidateText(c))
	})
	if err != nil {
		return nil
	}
	return &score
}

func (p *Pipeline) settleErr(err error, candidateID string) error {
	if errors.Is(err, store.ErrStaleTransition) {
		return eris.Wrapf(ErrNotPending, "intake: candidate %s settled concurrently", candidateID)
	}
	return eris.Wrapf(err, "intake: settle candidate %s", candidateID)
}

func candidateText(c *model.Candidate) string {
	parts := []string{c.Title, c.Description}
	if c.Organization != "" {
		parts = append(parts, "Organization: "+c.Organization)
	}
	if c.Text != "" {
		parts = append(parts, c.Text)
	}
	return strings.Join(parts, "\n")
}

// applyResolution fills fields the submitter left empty from the resolved
// extraction values. Submitted values are never overwritten.
func applyResolution(c *model.Candidate, res model.Resolution) {
	for field, rf := range res.Fields {
		switch v := rf.Value.(type) {
		case model.AmountValue:
			if field == model.FieldAmount && !c.HasAmount() {
				c.AmountMin, c.AmountMax = &v.Min, &v.Max
			}
		case model.DeadlineValue:
			if c.Deadline == nil && v.Date != nil {
				d := *v.Date
				c.Deadline = &d
			}
		case model.OrganizationValue:
			if strings.TrimSpace(c.Organization) == "" {
				c.Organization = v.Name
			}
		}
	}
}

// candidateReview builds the review item for a human_review decision. Lower
// confidence gets a higher priority.
func candidateReview(c *model.Candidate, d model.RoutingDecision, res model.Resolution, at time.Time) model.ReviewItem {
	var details []string
	for _, cr := range res.Conflicts {
		state := "resolved"
		if cr.Unresolved {
			state = "unresolved"
		}
		details = append(details, fmt.Sprintf("%s conflict %s (%d values)", cr.Field, state, len(cr.Competing)))
	}
	return model.ReviewItem{
		ID:        uuid.New().String(),
		Kind:      model.ReviewCandidate,
		SubjectID: c.ID,
		Priority:  int((1 - d.OverallConfidence) * 100),
		Reason:    d.Rationale,
		Details:   details,
		Status:    model.ReviewPending,
		CreatedAt: at,
	}
}
