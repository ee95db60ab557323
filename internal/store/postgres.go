package store

import (
	"context"
	"embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
	"github.com/rotisserie/eris"

	"github.com/sells-group/funding-intake/internal/config"
	"github.com/sells-group/funding-intake/internal/db"
	"github.com/sells-group/funding-intake/internal/model"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// PostgresStore implements Store using pgxpool and pgvector.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// execer is satisfied by both the pool and a pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, cfg config.StoreConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return eris.Wrap(db.Migrate(ctx, s.pool, postgresMigrations, "migrations/postgres"), "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// vectorArg encodes an embedding, or NULL when there is none.
func vectorArg(emb []float32) any {
	if len(emb) == 0 {
		return nil
	}
	return pgvector.NewVector(emb)
}

// parseVector decodes the text form of a vector column.
func parseVector(text *string) ([]float32, error) {
	if text == nil || *text == "" {
		return nil, nil
	}
	var v pgvector.Vector
	if err := v.Parse(*text); err != nil {
		return nil, eris.Wrap(err, "store: parse embedding")
	}
	return v.Slice(), nil
}

// --- Sources ---

const sourceColumns = `id, submission, classification, state, extensions, consecutive_failures, validation, created_at, updated_at`

func (s *PostgresStore) CreateSource(ctx context.Context, rec *model.SourceRecord) error {
	sub, err := marshal(rec.Submission, "submission")
	if err != nil {
		return err
	}
	val, err := optionalJSON(rec.Validation, "validation")
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO source_submissions (id, name, url, submission, classification, state, extensions, consecutive_failures, validation, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.Submission.Name, rec.Submission.URL, sub, string(rec.Classification), string(rec.State),
		rec.Extensions, rec.ConsecutiveFailures, val, rec.CreatedAt, rec.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: create source %s", rec.ID)
}

func scanPostgresSource(row rowScanner) (*model.SourceRecord, error) {
	var rec model.SourceRecord
	var sub, val []byte
	var class, state string
	if err := row.Scan(&rec.ID, &sub, &class, &state, &rec.Extensions, &rec.ConsecutiveFailures, &val, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Classification = model.Classification(class)
	rec.State = model.SourceState(state)
	if err := unmarshal(sub, &rec.Submission, "submission"); err != nil {
		return nil, err
	}
	if len(val) > 0 {
		rec.Validation = &model.ValidationReport{}
		if err := unmarshal(val, rec.Validation, "validation"); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

func (s *PostgresStore) GetSource(ctx context.Context, id string) (*model.SourceRecord, error) {
	rec, err := scanPostgresSource(s.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM source_submissions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: source %s", id)
	}
	return rec, eris.Wrapf(err, "postgres: get source %s", id)
}

func (s *PostgresStore) ListSources(ctx context.Context, states ...model.SourceState) ([]model.SourceRecord, error) {
	query := `SELECT ` + sourceColumns + ` FROM source_submissions`
	var args []any
	if len(states) > 0 {
		names := make([]string, len(states))
		for i, st := range states {
			names[i] = string(st)
		}
		query += ` WHERE state = ANY($1)`
		args = append(args, names)
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sources")
	}
	defer rows.Close()

	var out []model.SourceRecord
	for rows.Next() {
		rec, err := scanPostgresSource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan source")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list sources iterate")
}

func (s *PostgresStore) ApplyTransition(ctx context.Context, t model.Transition) error {
	val, err := optionalJSON(t.Validation, "validation")
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin transition")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE source_submissions
		SET state = $1, extensions = $2, consecutive_failures = $3, validation = COALESCE($4, validation), updated_at = $5
		WHERE id = $6 AND state = $7`,
		string(t.To), t.Extensions, t.ConsecutiveFailures, val, t.At, t.SourceID, string(t.From),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update source %s", t.SourceID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrStaleTransition, "postgres: source %s is not %s", t.SourceID, t.From)
	}

	if t.From != t.To {
		if _, err := tx.Exec(ctx,
			`INSERT INTO source_state_history (source_id, from_state, to_state, reason, changed_at) VALUES ($1, $2, $3, $4, $5)`,
			t.SourceID, string(t.From), string(t.To), t.Reason, t.At,
		); err != nil {
			return eris.Wrapf(err, "postgres: record history %s", t.SourceID)
		}
	}
	if t.Snapshot != nil {
		if err := insertPostgresSnapshot(ctx, tx, *t.Snapshot); err != nil {
			return err
		}
	}
	if t.CloseWindow != nil {
		tag, err := tx.Exec(ctx,
			`UPDATE pilot_monitoring SET outcome = $1, snapshot_id = $2, closed_at = $3 WHERE id = $4 AND outcome = 'pending'`,
			string(t.CloseWindow.Outcome), t.CloseWindow.SnapshotID, t.At, t.CloseWindow.WindowID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: close window %s", t.CloseWindow.WindowID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrStaleTransition, "postgres: window %s is not pending", t.CloseWindow.WindowID)
		}
	}
	if w := t.OpenWindow; w != nil {
		_, err := tx.Exec(ctx,
			`INSERT INTO pilot_monitoring (id, source_id, kind, start_at, end_at, outcome) VALUES ($1, $2, $3, $4, $5, 'pending')`,
			w.ID, w.SourceID, string(w.Kind), w.Start, w.End,
		)
		if db.IsUniqueViolation(err) {
			return eris.Wrapf(ErrStaleTransition, "postgres: source %s already has an open window", w.SourceID)
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: open window %s", w.ID)
		}
	}
	if t.Review != nil {
		if err := insertPostgresReview(ctx, tx, *t.Review); err != nil {
			return err
		}
	}
	if t.Resolve != nil {
		if err := resolvePostgresReview(ctx, tx, *t.Resolve); err != nil {
			return err
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit transition")
}

func (s *PostgresStore) StateHistory(ctx context.Context, sourceID string) ([]model.StateChange, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source_id, from_state, to_state, reason, changed_at FROM source_state_history WHERE source_id = $1 ORDER BY changed_at, id`,
		sourceID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: state history")
	}
	defer rows.Close()

	var out []model.StateChange
	for rows.Next() {
		var c model.StateChange
		var from, to string
		if err := rows.Scan(&c.SourceID, &from, &to, &c.Reason, &c.At); err != nil {
			return nil, eris.Wrap(err, "postgres: scan state change")
		}
		c.From, c.To = model.SourceState(from), model.SourceState(to)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: state history iterate")
}

// --- Windows and snapshots ---

const windowColumns = `id, source_id, kind, start_at, end_at, outcome, snapshot_id, closed_at`

func scanWindow(row rowScanner) (model.PilotWindow, error) {
	var w model.PilotWindow
	var kind, outcome string
	if err := row.Scan(&w.ID, &w.SourceID, &kind, &w.Start, &w.End, &outcome, &w.SnapshotID, &w.ClosedAt); err != nil {
		return model.PilotWindow{}, err
	}
	w.Kind, w.Outcome = model.WindowKind(kind), model.WindowOutcome(outcome)
	return w, nil
}

func (s *PostgresStore) PendingWindow(ctx context.Context, sourceID string) (*model.PilotWindow, error) {
	w, err := scanWindow(s.pool.QueryRow(ctx,
		`SELECT `+windowColumns+` FROM pilot_monitoring WHERE source_id = $1 AND outcome = 'pending'`, sourceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: no open window for %s", sourceID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: pending window %s", sourceID)
	}
	return &w, nil
}

func (s *PostgresStore) DueWindows(ctx context.Context, now time.Time) ([]model.PilotWindow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+windowColumns+` FROM pilot_monitoring WHERE outcome = 'pending' AND end_at <= $1 ORDER BY end_at`, now)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: due windows")
	}
	defer rows.Close()

	var out []model.PilotWindow
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan window")
		}
		out = append(out, w)
	}
	return out, eris.Wrap(rows.Err(), "postgres: due windows iterate")
}

const snapshotColumns = `id, source_id, window_id, window_start, window_end, discovered, admitted,
	ai_relevance_rate, domain_relevance_rate, community_approval, duplicate_rate, monitoring_reliability,
	volume_score, quality_score, reliability_score, value_score, overall_score,
	status, failed_thresholds, recommendation, evaluated_at`

func insertPostgresSnapshot(ctx context.Context, ex execer, snap model.PerformanceSnapshot) error {
	failed, err := marshal(snap.FailedThresholds, "failed thresholds")
	if err != nil {
		return err
	}
	_, err = ex.Exec(ctx,
		`INSERT INTO source_performance_metrics (`+snapshotColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		snap.ID, snap.SourceID, snap.WindowID, snap.WindowStart, snap.WindowEnd, snap.Discovered, snap.Admitted,
		snap.AIRelevanceRate, snap.DomainRelevanceRate, snap.CommunityApprovalRate, snap.DuplicateRate, snap.MonitoringReliability,
		snap.VolumeScore, snap.QualityScore, snap.ReliabilityScore, snap.ValueScore, snap.OverallScore,
		string(snap.Status), failed, string(snap.Recommendation), snap.EvaluatedAt,
	)
	return eris.Wrapf(err, "postgres: insert snapshot %s", snap.ID)
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap model.PerformanceSnapshot) error {
	return insertPostgresSnapshot(ctx, s.pool, snap)
}

func (s *PostgresStore) Snapshots(ctx context.Context, sourceID string, limit int) ([]model.PerformanceSnapshot, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+snapshotColumns+` FROM source_performance_metrics WHERE source_id = $1 ORDER BY evaluated_at DESC LIMIT $2`,
		sourceID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: snapshots")
	}
	defer rows.Close()

	var out []model.PerformanceSnapshot
	for rows.Next() {
		var snap model.PerformanceSnapshot
		var status, rec string
		var failed []byte
		if err := rows.Scan(&snap.ID, &snap.SourceID, &snap.WindowID, &snap.WindowStart, &snap.WindowEnd, &snap.Discovered, &snap.Admitted,
			&snap.AIRelevanceRate, &snap.DomainRelevanceRate, &snap.CommunityApprovalRate, &snap.DuplicateRate, &snap.MonitoringReliability,
			&snap.VolumeScore, &snap.QualityScore, &snap.ReliabilityScore, &snap.ValueScore, &snap.OverallScore,
			&status, &failed, &rec, &snap.EvaluatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan snapshot")
		}
		snap.Status, snap.Recommendation = model.PerformanceStatus(status), model.Recommendation(rec)
		if err := unmarshal(failed, &snap.FailedThresholds, "failed thresholds"); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, eris.Wrap(rows.Err(), "postgres: snapshots iterate")
}

// --- Reviews ---

const reviewColumns = `id, kind, subject_id, priority, reason, details, assigned_to, status, note, created_at, resolved_at`

func insertPostgresReview(ctx context.Context, ex execer, r model.ReviewItem) error {
	details, err := marshal(r.Details, "review details")
	if err != nil {
		return err
	}
	status := r.Status
	if status == "" {
		status = model.ReviewPending
	}
	_, err = ex.Exec(ctx,
		`INSERT INTO manual_review_queue (`+reviewColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, string(r.Kind), r.SubjectID, r.Priority, r.Reason, details, r.AssignedTo, string(status), r.Note, r.CreatedAt, r.ResolvedAt,
	)
	return eris.Wrapf(err, "postgres: enqueue review %s", r.ID)
}

func resolvePostgresReview(ctx context.Context, ex execer, r model.ReviewResolution) error {
	tag, err := ex.Exec(ctx,
		`UPDATE manual_review_queue
		SET status = $1, assigned_to = COALESCE(NULLIF($2, ''), assigned_to), note = $3, resolved_at = $4
		WHERE id = $5 AND status = 'pending'`,
		string(r.Status), r.Reviewer, r.Note, r.At, r.ReviewID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: resolve review %s", r.ReviewID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrStaleTransition, "postgres: review %s is not pending", r.ReviewID)
	}
	return nil
}

func scanReview(row rowScanner) (model.ReviewItem, error) {
	var r model.ReviewItem
	var kind, status string
	var details []byte
	if err := row.Scan(&r.ID, &kind, &r.SubjectID, &r.Priority, &r.Reason, &details, &r.AssignedTo, &status, &r.Note, &r.CreatedAt, &r.ResolvedAt); err != nil {
		return model.ReviewItem{}, err
	}
	r.Kind, r.Status = model.ReviewKind(kind), model.ReviewStatus(status)
	return r, unmarshal(details, &r.Details, "review details")
}

func (s *PostgresStore) GetReview(ctx context.Context, id string) (*model.ReviewItem, error) {
	r, err := scanReview(s.pool.QueryRow(ctx, `SELECT `+reviewColumns+` FROM manual_review_queue WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: review %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get review %s", id)
	}
	return &r, nil
}

func (s *PostgresStore) ListReviews(ctx context.Context, filter ReviewFilter) ([]model.ReviewItem, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+reviewColumns+` FROM manual_review_queue
		WHERE ($1 = '' OR kind = $1) AND ($2 = '' OR status = $2)
		ORDER BY priority DESC, created_at
		LIMIT $3`,
		string(filter.Kind), string(filter.Status), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list reviews")
	}
	defer rows.Close()

	var out []model.ReviewItem
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan review")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list reviews iterate")
}

func (s *PostgresStore) AssignReview(ctx context.Context, id, reviewer string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE manual_review_queue SET assigned_to = $1 WHERE id = $2 AND status = 'pending'`, reviewer, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: assign review %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrStaleTransition, "postgres: review %s is not pending", id)
	}
	return nil
}

// --- Candidates ---

func (s *PostgresStore) SaveOutcome(ctx context.Context, o model.Outcome) error {
	c, ev := o.Candidate, o.Evaluation
	payload, err := marshal(c, "candidate")
	if err != nil {
		return err
	}
	evJSON, err := marshal(ev, "evaluation")
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin outcome")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO candidates (id, source_id, channel, url, url_key, content_hash, title, description, payload, embedding, evaluation, relevance, is_duplicate, decision, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		c.ID, c.SourceID, string(c.Channel), c.URL, c.URLKey, c.ContentHash, c.Title, c.Description, payload, vectorArg(c.Embedding),
		evJSON, ev.Relevance, ev.Verdict.IsDuplicate, string(ev.Decision.Decision), string(ev.Status), ev.EvaluatedAt,
	); err != nil {
		return eris.Wrapf(err, "postgres: insert candidate %s", c.ID)
	}
	if o.Accepted != nil {
		if err := insertPostgresAccepted(ctx, tx, *o.Accepted); err != nil {
			return err
		}
	}
	if o.Review != nil {
		if err := insertPostgresReview(ctx, tx, *o.Review); err != nil {
			return err
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit outcome")
}

func (s *PostgresStore) GetCandidate(ctx context.Context, id string) (*model.Outcome, error) {
	var payload, evJSON []byte
	var emb *string
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT payload, embedding::text, evaluation, status FROM candidates WHERE id = $1`, id,
	).Scan(&payload, &emb, &evJSON, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: candidate %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get candidate %s", id)
	}

	var o model.Outcome
	if err := unmarshal(payload, &o.Candidate, "candidate"); err != nil {
		return nil, err
	}
	if err := unmarshal(evJSON, &o.Evaluation, "evaluation"); err != nil {
		return nil, err
	}
	if o.Candidate.Embedding, err = parseVector(emb); err != nil {
		return nil, err
	}
	o.Evaluation.Status = model.CandidateStatus(status)
	return &o, nil
}

func (s *PostgresStore) AdmitCandidate(ctx context.Context, rec model.AcceptedRecord, resolve *model.ReviewResolution) error {
	return s.settleCandidate(ctx, rec.CandidateID, model.CandidateAdmitted, &rec, resolve)
}

func (s *PostgresStore) RejectCandidate(ctx context.Context, candidateID string, resolve *model.ReviewResolution) error {
	return s.settleCandidate(ctx, candidateID, model.CandidateRejected, nil, resolve)
}

func (s *PostgresStore) settleCandidate(ctx context.Context, id string, status model.CandidateStatus, rec *model.AcceptedRecord, resolve *model.ReviewResolution) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin settle candidate")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `UPDATE candidates SET status = $1 WHERE id = $2 AND status = 'pending'`, string(status), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: settle candidate %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrStaleTransition, "postgres: candidate %s is not pending", id)
	}
	if rec != nil {
		if err := insertPostgresAccepted(ctx, tx, *rec); err != nil {
			return err
		}
	}
	if resolve != nil {
		if err := resolvePostgresReview(ctx, tx, *resolve); err != nil {
			return err
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit settle candidate")
}

func (s *PostgresStore) CandidateSummaries(ctx context.Context, sourceID string, from, to time.Time) ([]model.CandidateSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, description, relevance, is_duplicate, decision, status, created_at
		FROM candidates WHERE source_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at`,
		sourceID, from, to,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: candidate summaries")
	}
	defer rows.Close()

	var out []model.CandidateSummary
	for rows.Next() {
		var cs model.CandidateSummary
		var decision, status string
		if err := rows.Scan(&cs.ID, &cs.Title, &cs.Description, &cs.Relevance, &cs.IsDuplicate, &decision, &status, &cs.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan candidate summary")
		}
		cs.Decision, cs.Status = model.Decision(decision), model.CandidateStatus(status)
		out = append(out, cs)
	}
	return out, eris.Wrap(rows.Err(), "postgres: candidate summaries iterate")
}

// --- Accepted-record index ---

const acceptedColumns = `id, candidate_id, source_id, url, url_key, content_hash, title, organization,
	amount_min, amount_max, deadline, embedding::text, reference_date, admitted_at`

func insertPostgresAccepted(ctx context.Context, ex execer, r model.AcceptedRecord) error {
	_, err := ex.Exec(ctx,
		`INSERT INTO accepted_candidates (id, candidate_id, source_id, url, url_key, content_hash, title, organization,
			amount_min, amount_max, deadline, embedding, reference_date, admitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.ID, r.CandidateID, r.SourceID, r.URL, r.URLKey, r.ContentHash, r.Title, r.Organization,
		r.AmountMin, r.AmountMax, r.Deadline, vectorArg(r.Embedding), r.ReferenceDate, r.AdmittedAt,
	)
	if db.IsUniqueViolation(err) {
		return eris.Wrapf(ErrAlreadyAdmitted, "postgres: admit %s", r.CandidateID)
	}
	return eris.Wrapf(err, "postgres: admit %s", r.CandidateID)
}

func scanPostgresAccepted(row rowScanner) (model.AcceptedRecord, error) {
	var r model.AcceptedRecord
	var emb *string
	if err := row.Scan(&r.ID, &r.CandidateID, &r.SourceID, &r.URL, &r.URLKey, &r.ContentHash, &r.Title, &r.Organization,
		&r.AmountMin, &r.AmountMax, &r.Deadline, &emb, &r.ReferenceDate, &r.AdmittedAt); err != nil {
		return model.AcceptedRecord{}, err
	}
	var err error
	r.Embedding, err = parseVector(emb)
	return r, err
}

func (s *PostgresStore) findAccepted(ctx context.Context, what, query string, args ...any) (*model.AcceptedRecord, error) {
	r, err := scanPostgresAccepted(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find by %s", what)
	}
	return &r, nil
}

// FindByURLKeys prefers a record stored under keys[0] over other variants.
func (s *PostgresStore) FindByURLKeys(ctx context.Context, keys []string) (*model.AcceptedRecord, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	return s.findAccepted(ctx, "url key",
		`SELECT `+acceptedColumns+` FROM accepted_candidates WHERE url_key = ANY($1)
		ORDER BY (url_key = $2) DESC, admitted_at LIMIT 1`,
		keys, keys[0],
	)
}

func (s *PostgresStore) FindByContentHash(ctx context.Context, hash string) (*model.AcceptedRecord, error) {
	return s.findAccepted(ctx, "content hash",
		`SELECT `+acceptedColumns+` FROM accepted_candidates WHERE content_hash = $1`, hash)
}

func (s *PostgresStore) listAccepted(ctx context.Context, what, query string, args ...any) ([]model.AcceptedRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", what)
	}
	defer rows.Close()

	var out []model.AcceptedRecord
	for rows.Next() {
		r, err := scanPostgresAccepted(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: scan %s", what)
		}
		out = append(out, r)
	}
	return out, eris.Wrapf(rows.Err(), "postgres: %s iterate", what)
}

// NearestInWindow orders by cosine distance in the database.
func (s *PostgresStore) NearestInWindow(ctx context.Context, embedding []float32, from, to time.Time, limit int) ([]model.AcceptedRecord, error) {
	if len(embedding) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.listAccepted(ctx, "nearest in window",
		`SELECT `+acceptedColumns+` FROM accepted_candidates
		WHERE embedding IS NOT NULL AND reference_date >= $2 AND reference_date <= $3
		ORDER BY embedding <=> $1
		LIMIT $4`,
		pgvector.NewVector(embedding), from, to, limit,
	)
}

func (s *PostgresStore) ByDeadlineRange(ctx context.Context, from, to time.Time, limit int) ([]model.AcceptedRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.listAccepted(ctx, "by deadline range",
		`SELECT `+acceptedColumns+` FROM accepted_candidates
		WHERE deadline IS NOT NULL AND deadline >= $1 AND deadline <= $2
		ORDER BY deadline
		LIMIT $3`,
		from, to, limit,
	)
}

func (s *PostgresStore) AppendDedupLog(ctx context.Context, e model.DedupLog) error {
	skipped, err := marshal(e.SkippedLayers, "skipped layers")
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO deduplication_logs (id, candidate_id, source_id, is_duplicate, match_type, similarity, matched_id, skipped_layers, duration_ms, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.CandidateID, e.SourceID, e.Verdict.IsDuplicate, string(e.Verdict.MatchType), e.Verdict.SimilarityScore,
		e.Verdict.MatchedExistingID, skipped, durationMillis(e.Duration), e.CheckedAt,
	)
	return eris.Wrapf(err, "postgres: append dedup log %s", e.ID)
}

// DedupStats counts candidates, not checks: an admission re-check does not
// count twice.
func (s *PostgresStore) DedupStats(ctx context.Context, sourceID string, from, to time.Time) (model.DedupStats, error) {
	var st model.DedupStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT candidate_id), COUNT(DISTINCT candidate_id) FILTER (WHERE is_duplicate)
		FROM deduplication_logs WHERE source_id = $1 AND checked_at >= $2 AND checked_at < $3`,
		sourceID, from, to,
	).Scan(&st.Checks, &st.Duplicates)
	return st, eris.Wrapf(err, "postgres: dedup stats %s", sourceID)
}

// --- Votes ---

func (s *PostgresStore) AddVote(ctx context.Context, v model.Vote) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO community_votes (id, candidate_id, voter, approve, cast_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (candidate_id, voter) DO UPDATE SET approve = EXCLUDED.approve, cast_at = EXCLUDED.cast_at`,
		v.ID, v.CandidateID, v.Voter, v.Approve, v.CastAt,
	)
	return eris.Wrapf(err, "postgres: add vote on %s", v.CandidateID)
}

func (s *PostgresStore) TallyVotes(ctx context.Context, candidateID string) (model.VoteTally, error) {
	var t model.VoteTally
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE approve), COUNT(*) FILTER (WHERE NOT approve) FROM community_votes WHERE candidate_id = $1`,
		candidateID,
	).Scan(&t.Approvals, &t.Rejections)
	return t, eris.Wrapf(err, "postgres: tally votes %s", candidateID)
}

func (s *PostgresStore) SourceVotes(ctx context.Context, sourceID string, from, to time.Time) (model.VoteTally, error) {
	var t model.VoteTally
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE v.approve), COUNT(*) FILTER (WHERE NOT v.approve)
		FROM community_votes v JOIN candidates c ON c.id = v.candidate_id
		WHERE c.source_id = $1 AND c.created_at >= $2 AND c.created_at < $3`,
		sourceID, from, to,
	).Scan(&t.Approvals, &t.Rejections)
	return t, eris.Wrapf(err, "postgres: source votes %s", sourceID)
}

// --- Monitoring ---

func (s *PostgresStore) AppendMonitoringLog(ctx context.Context, l model.MonitoringLog) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO source_monitoring_logs (id, source_id, checked_at, success, status_code, attempts, latency_ms, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		l.ID, l.SourceID, l.CheckedAt, l.Success, l.StatusCode, l.Attempts, durationMillis(l.Latency), l.Error,
	)
	return eris.Wrapf(err, "postgres: append monitoring log %s", l.SourceID)
}

func (s *PostgresStore) MonitoringStats(ctx context.Context, sourceID string, from, to time.Time) (model.MonitoringStats, error) {
	var st model.MonitoringStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE success)
		FROM source_monitoring_logs WHERE source_id = $1 AND checked_at >= $2 AND checked_at < $3`,
		sourceID, from, to,
	).Scan(&st.Checks, &st.Successes)
	return st, eris.Wrapf(err, "postgres: monitoring stats %s", sourceID)
}

func (s *PostgresStore) LastMonitoringChecks(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.pool.Query(ctx, `SELECT source_id, MAX(checked_at) FROM source_monitoring_logs GROUP BY source_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: last monitoring checks")
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var at time.Time
		if err := rows.Scan(&id, &at); err != nil {
			return nil, eris.Wrap(err, "postgres: scan last check")
		}
		out[id] = at
	}
	return out, eris.Wrap(rows.Err(), "postgres: last monitoring checks iterate")
}
