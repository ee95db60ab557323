package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/funding-intake/internal/model"
	"github.com/sells-group/funding-intake/internal/textmatch"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

// Timestamps are stored as fixed-width UTC text so they compare correctly
// as strings.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using modernc.org/sqlite. It is meant for a
// single process; the keyed lock still has to serialize admissions.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer at a time; transactions would otherwise fail with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	files, err := sqliteMigrations.ReadDir("migrations/sqlite")
	if err != nil {
		return eris.Wrap(err, "sqlite: read migrations")
	}
	for _, f := range files {
		body, err := sqliteMigrations.ReadFile("migrations/sqlite/" + f.Name())
		if err != nil {
			return eris.Wrapf(err, "sqlite: read migration %s", f.Name())
		}
		if _, err := s.db.ExecContext(ctx, string(body)); err != nil {
			return eris.Wrapf(err, "sqlite: migrate %s", f.Name())
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func ts(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func tsPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func textArg(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func vectorText(emb []float32) any {
	if len(emb) == 0 {
		return nil
	}
	return pgvector.NewVector(emb).String()
}

// textTime scans a TEXT timestamp column.
type textTime struct{ dst *time.Time }

func (tt textTime) Scan(src any) error {
	s, ok, err := scanText(src)
	if err != nil {
		return err
	}
	if !ok {
		return eris.New("sqlite: unexpected NULL time")
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return eris.Wrap(err, "sqlite: parse time")
	}
	*tt.dst = t
	return nil
}

// nullTime scans a nullable TEXT timestamp column.
type nullTime struct{ dst **time.Time }

func (nt nullTime) Scan(src any) error {
	s, ok, err := scanText(src)
	if err != nil {
		return err
	}
	if !ok {
		*nt.dst = nil
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return eris.Wrap(err, "sqlite: parse time")
	}
	*nt.dst = &t
	return nil
}

// textVector scans an embedding stored in pgvector's text form.
type textVector struct{ dst *[]float32 }

func (tv textVector) Scan(src any) error {
	s, ok, err := scanText(src)
	if err != nil || !ok {
		*tv.dst = nil
		return err
	}
	v, err := parseVector(&s)
	*tv.dst = v
	return err
}

func scanText(src any) (string, bool, error) {
	switch v := src.(type) {
	case nil:
		return "", false, nil
	case string:
		return v, true, nil
	case []byte:
		return string(v), true, nil
	default:
		return "", false, eris.Errorf("sqlite: cannot scan %T as text", src)
	}
}

func isSQLiteUnique(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func (s *SQLiteStore) inTx(ctx context.Context, what string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: begin %s", what)
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	return eris.Wrapf(tx.Commit(), "sqlite: commit %s", what)
}

func checkRowsAffected(res sql.Result, stale error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return stale
	}
	return nil
}

// --- Sources ---

func (s *SQLiteStore) CreateSource(ctx context.Context, rec *model.SourceRecord) error {
	sub, err := marshal(rec.Submission, "submission")
	if err != nil {
		return err
	}
	val, err := optionalJSON(rec.Validation, "validation")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO source_submissions (id, name, url, submission, classification, state, extensions, consecutive_failures, validation, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Submission.Name, rec.Submission.URL, string(sub), string(rec.Classification), string(rec.State),
		rec.Extensions, rec.ConsecutiveFailures, textArg(val), ts(rec.CreatedAt), ts(rec.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: create source %s", rec.ID)
}

func scanSQLiteSource(row rowScanner) (*model.SourceRecord, error) {
	var rec model.SourceRecord
	var sub string
	var val sql.NullString
	var class, state string
	if err := row.Scan(&rec.ID, &sub, &class, &state, &rec.Extensions, &rec.ConsecutiveFailures, &val,
		textTime{&rec.CreatedAt}, textTime{&rec.UpdatedAt}); err != nil {
		return nil, err
	}
	rec.Classification = model.Classification(class)
	rec.State = model.SourceState(state)
	if err := unmarshal([]byte(sub), &rec.Submission, "submission"); err != nil {
		return nil, err
	}
	if val.Valid && val.String != "" {
		rec.Validation = &model.ValidationReport{}
		if err := unmarshal([]byte(val.String), rec.Validation, "validation"); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

func (s *SQLiteStore) GetSource(ctx context.Context, id string) (*model.SourceRecord, error) {
	rec, err := scanSQLiteSource(s.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM source_submissions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: source %s", id)
	}
	return rec, eris.Wrapf(err, "sqlite: get source %s", id)
}

func (s *SQLiteStore) ListSources(ctx context.Context, states ...model.SourceState) ([]model.SourceRecord, error) {
	query := `SELECT ` + sourceColumns + ` FROM source_submissions`
	args := make([]any, len(states))
	if len(states) > 0 {
		for i, st := range states {
			args[i] = string(st)
		}
		query += ` WHERE state IN (` + placeholders(len(states)) + `)`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sources")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SourceRecord
	for rows.Next() {
		rec, err := scanSQLiteSource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list sources iterate")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (s *SQLiteStore) ApplyTransition(ctx context.Context, t model.Transition) error {
	val, err := optionalJSON(t.Validation, "validation")
	if err != nil {
		return err
	}
	return s.inTx(ctx, "transition", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE source_submissions
			SET state = ?, extensions = ?, consecutive_failures = ?, validation = COALESCE(?, validation), updated_at = ?
			WHERE id = ? AND state = ?`,
			string(t.To), t.Extensions, t.ConsecutiveFailures, textArg(val), ts(t.At), t.SourceID, string(t.From),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: update source %s", t.SourceID)
		}
		if err := checkRowsAffected(res, eris.Wrapf(ErrStaleTransition, "sqlite: source %s is not %s", t.SourceID, t.From)); err != nil {
			return err
		}

		if t.From != t.To {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO source_state_history (source_id, from_state, to_state, reason, changed_at) VALUES (?, ?, ?, ?, ?)`,
				t.SourceID, string(t.From), string(t.To), t.Reason, ts(t.At),
			); err != nil {
				return eris.Wrapf(err, "sqlite: record history %s", t.SourceID)
			}
		}
		if t.Snapshot != nil {
			if err := insertSQLiteSnapshot(ctx, tx, *t.Snapshot); err != nil {
				return err
			}
		}
		if c := t.CloseWindow; c != nil {
			res, err := tx.ExecContext(ctx,
				`UPDATE pilot_monitoring SET outcome = ?, snapshot_id = ?, closed_at = ? WHERE id = ? AND outcome = 'pending'`,
				string(c.Outcome), c.SnapshotID, ts(t.At), c.WindowID,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: close window %s", c.WindowID)
			}
			if err := checkRowsAffected(res, eris.Wrapf(ErrStaleTransition, "sqlite: window %s is not pending", c.WindowID)); err != nil {
				return err
			}
		}
		if w := t.OpenWindow; w != nil {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO pilot_monitoring (id, source_id, kind, start_at, end_at, outcome) VALUES (?, ?, ?, ?, ?, 'pending')`,
				w.ID, w.SourceID, string(w.Kind), ts(w.Start), ts(w.End),
			)
			if isSQLiteUnique(err) {
				return eris.Wrapf(ErrStaleTransition, "sqlite: source %s already has an open window", w.SourceID)
			}
			if err != nil {
				return eris.Wrapf(err, "sqlite: open window %s", w.ID)
			}
		}
		if t.Review != nil {
			if err := insertSQLiteReview(ctx, tx, *t.Review); err != nil {
				return err
			}
		}
		if t.Resolve != nil {
			return resolveSQLiteReview(ctx, tx, *t.Resolve)
		}
		return nil
	})
}

func (s *SQLiteStore) StateHistory(ctx context.Context, sourceID string) ([]model.StateChange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id, from_state, to_state, reason, changed_at FROM source_state_history WHERE source_id = ? ORDER BY changed_at, id`,
		sourceID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: state history")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.StateChange
	for rows.Next() {
		var c model.StateChange
		var from, to string
		if err := rows.Scan(&c.SourceID, &from, &to, &c.Reason, textTime{&c.At}); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan state change")
		}
		c.From, c.To = model.SourceState(from), model.SourceState(to)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: state history iterate")
}

// --- Windows and snapshots ---

func scanSQLiteWindow(row rowScanner) (model.PilotWindow, error) {
	var w model.PilotWindow
	var kind, outcome string
	if err := row.Scan(&w.ID, &w.SourceID, &kind, textTime{&w.Start}, textTime{&w.End}, &outcome, &w.SnapshotID, nullTime{&w.ClosedAt}); err != nil {
		return model.PilotWindow{}, err
	}
	w.Kind, w.Outcome = model.WindowKind(kind), model.WindowOutcome(outcome)
	return w, nil
}

func (s *SQLiteStore) PendingWindow(ctx context.Context, sourceID string) (*model.PilotWindow, error) {
	w, err := scanSQLiteWindow(s.db.QueryRowContext(ctx,
		`SELECT `+windowColumns+` FROM pilot_monitoring WHERE source_id = ? AND outcome = 'pending'`, sourceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: no open window for %s", sourceID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: pending window %s", sourceID)
	}
	return &w, nil
}

func (s *SQLiteStore) DueWindows(ctx context.Context, now time.Time) ([]model.PilotWindow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+windowColumns+` FROM pilot_monitoring WHERE outcome = 'pending' AND end_at <= ? ORDER BY end_at`, ts(now))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: due windows")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.PilotWindow
	for rows.Next() {
		w, err := scanSQLiteWindow(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan window")
		}
		out = append(out, w)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: due windows iterate")
}

func insertSQLiteSnapshot(ctx context.Context, tx *sql.Tx, snap model.PerformanceSnapshot) error {
	failed, err := marshal(snap.FailedThresholds, "failed thresholds")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO source_performance_metrics (`+snapshotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.SourceID, snap.WindowID, ts(snap.WindowStart), ts(snap.WindowEnd), snap.Discovered, snap.Admitted,
		snap.AIRelevanceRate, snap.DomainRelevanceRate, snap.CommunityApprovalRate, snap.DuplicateRate, snap.MonitoringReliability,
		snap.VolumeScore, snap.QualityScore, snap.ReliabilityScore, snap.ValueScore, snap.OverallScore,
		string(snap.Status), string(failed), string(snap.Recommendation), ts(snap.EvaluatedAt),
	)
	return eris.Wrapf(err, "sqlite: insert snapshot %s", snap.ID)
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap model.PerformanceSnapshot) error {
	return s.inTx(ctx, "snapshot", func(tx *sql.Tx) error {
		return insertSQLiteSnapshot(ctx, tx, snap)
	})
}

func (s *SQLiteStore) Snapshots(ctx context.Context, sourceID string, limit int) ([]model.PerformanceSnapshot, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM source_performance_metrics WHERE source_id = ? ORDER BY evaluated_at DESC LIMIT ?`,
		sourceID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: snapshots")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.PerformanceSnapshot
	for rows.Next() {
		var snap model.PerformanceSnapshot
		var status, rec string
		var failed sql.NullString
		if err := rows.Scan(&snap.ID, &snap.SourceID, &snap.WindowID, textTime{&snap.WindowStart}, textTime{&snap.WindowEnd}, &snap.Discovered, &snap.Admitted,
			&snap.AIRelevanceRate, &snap.DomainRelevanceRate, &snap.CommunityApprovalRate, &snap.DuplicateRate, &snap.MonitoringReliability,
			&snap.VolumeScore, &snap.QualityScore, &snap.ReliabilityScore, &snap.ValueScore, &snap.OverallScore,
			&status, &failed, &rec, textTime{&snap.EvaluatedAt}); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan snapshot")
		}
		snap.Status, snap.Recommendation = model.PerformanceStatus(status), model.Recommendation(rec)
		if err := unmarshal([]byte(failed.String), &snap.FailedThresholds, "failed thresholds"); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: snapshots iterate")
}

// --- Reviews ---

func insertSQLiteReview(ctx context.Context, tx *sql.Tx, r model.ReviewItem) error {
	details, err := marshal(r.Details, "review details")
	if err != nil {
		return err
	}
	status := r.Status
	if status == "" {
		status = model.ReviewPending
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO manual_review_queue (`+reviewColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Kind), r.SubjectID, r.Priority, r.Reason, string(details), r.AssignedTo, string(status), r.Note,
		ts(r.CreatedAt), tsPtr(r.ResolvedAt),
	)
	return eris.Wrapf(err, "sqlite: enqueue review %s", r.ID)
}

func resolveSQLiteReview(ctx context.Context, tx *sql.Tx, r model.ReviewResolution) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE manual_review_queue
		SET status = ?, assigned_to = COALESCE(NULLIF(?, ''), assigned_to), note = ?, resolved_at = ?
		WHERE id = ? AND status = 'pending'`,
		string(r.Status), r.Reviewer, r.Note, ts(r.At), r.ReviewID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: resolve review %s", r.ReviewID)
	}
	return checkRowsAffected(res, eris.Wrapf(ErrStaleTransition, "sqlite: review %s is not pending", r.ReviewID))
}

func scanSQLiteReview(row rowScanner) (model.ReviewItem, error) {
	var r model.ReviewItem
	var kind, status string
	var details sql.NullString
	if err := row.Scan(&r.ID, &kind, &r.SubjectID, &r.Priority, &r.Reason, &details, &r.AssignedTo, &status, &r.Note,
		textTime{&r.CreatedAt}, nullTime{&r.ResolvedAt}); err != nil {
		return model.ReviewItem{}, err
	}
	r.Kind, r.Status = model.ReviewKind(kind), model.ReviewStatus(status)
	return r, unmarshal([]byte(details.String), &r.Details, "review details")
}

func (s *SQLiteStore) GetReview(ctx context.Context, id string) (*model.ReviewItem, error) {
	r, err := scanSQLiteReview(s.db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM manual_review_queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: review %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get review %s", id)
	}
	return &r, nil
}

func (s *SQLiteStore) ListReviews(ctx context.Context, filter ReviewFilter) ([]model.ReviewItem, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	kind, status := string(filter.Kind), string(filter.Status)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reviewColumns+` FROM manual_review_queue
		WHERE (? = '' OR kind = ?) AND (? = '' OR status = ?)
		ORDER BY priority DESC, created_at
		LIMIT ?`,
		kind, kind, status, status, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list reviews")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ReviewItem
	for rows.Next() {
		r, err := scanSQLiteReview(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan review")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list reviews iterate")
}

func (s *SQLiteStore) AssignReview(ctx context.Context, id, reviewer string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE manual_review_queue SET assigned_to = ? WHERE id = ? AND status = 'pending'`, reviewer, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: assign review %s", id)
	}
	return checkRowsAffected(res, eris.Wrapf(ErrStaleTransition, "sqlite: review %s is not pending", id))
}

// --- Candidates ---

func (s *SQLiteStore) SaveOutcome(ctx context.Context, o model.Outcome) error {
	c, ev := o.Candidate, o.Evaluation
	payload, err := marshal(c, "candidate")
	if err != nil {
		return err
	}
	evJSON, err := marshal(ev, "evaluation")
	if err != nil {
		return err
	}
	return s.inTx(ctx, "outcome", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO candidates (id, source_id, channel, url, url_key, content_hash, title, description, payload, embedding, evaluation, relevance, is_duplicate, decision, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.SourceID, string(c.Channel), c.URL, c.URLKey, c.ContentHash, c.Title, c.Description, string(payload), vectorText(c.Embedding),
			string(evJSON), ev.Relevance, ev.Verdict.IsDuplicate, string(ev.Decision.Decision), string(ev.Status), ts(ev.EvaluatedAt),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert candidate %s", c.ID)
		}
		if o.Accepted != nil {
			if err := insertSQLiteAccepted(ctx, tx, *o.Accepted); err != nil {
				return err
			}
		}
		if o.Review != nil {
			return insertSQLiteReview(ctx, tx, *o.Review)
		}
		return nil
	})
}

func (s *SQLiteStore) GetCandidate(ctx context.Context, id string) (*model.Outcome, error) {
	var payload, evJSON, status string
	var o model.Outcome
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, embedding, evaluation, status FROM candidates WHERE id = ?`, id,
	).Scan(&payload, textVector{&o.Candidate.Embedding}, &evJSON, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: candidate %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get candidate %s", id)
	}

	// Embedding is not part of the JSON payload, so decoding leaves it alone.
	if err := unmarshal([]byte(payload), &o.Candidate, "candidate"); err != nil {
		return nil, err
	}
	if err := unmarshal([]byte(evJSON), &o.Evaluation, "evaluation"); err != nil {
		return nil, err
	}
	o.Evaluation.Status = model.CandidateStatus(status)
	return &o, nil
}

func (s *SQLiteStore) AdmitCandidate(ctx context.Context, rec model.AcceptedRecord, resolve *model.ReviewResolution) error {
	return s.settleCandidate(ctx, rec.CandidateID, model.CandidateAdmitted, &rec, resolve)
}

func (s *SQLiteStore) RejectCandidate(ctx context.Context, candidateID string, resolve *model.ReviewResolution) error {
	return s.settleCandidate(ctx, candidateID, model.CandidateRejected, nil, resolve)
}

func (s *SQLiteStore) settleCandidate(ctx context.Context, id string, status model.CandidateStatus, rec *model.AcceptedRecord, resolve *model.ReviewResolution) error {
	return s.inTx(ctx, "settle candidate", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE candidates SET status = ? WHERE id = ? AND status = 'pending'`, string(status), id)
		if err != nil {
			return eris.Wrapf(err, "sqlite: settle candidate %s", id)
		}
		if err := checkRowsAffected(res, eris.Wrapf(ErrStaleTransition, "sqlite: candidate %s is not pending", id)); err != nil {
			return err
		}
		if rec != nil {
			if err := insertSQLiteAccepted(ctx, tx, *rec); err != nil {
				return err
			}
		}
		if resolve != nil {
			return resolveSQLiteReview(ctx, tx, *resolve)
		}
		return nil
	})
}

func (s *SQLiteStore) CandidateSummaries(ctx context.Context, sourceID string, from, to time.Time) ([]model.CandidateSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, description, relevance, is_duplicate, decision, status, created_at
		FROM candidates WHERE source_id = ? AND created_at >= ? AND created_at < ?
		ORDER BY created_at`,
		sourceID, ts(from), ts(to),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: candidate summaries")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CandidateSummary
	for rows.Next() {
		var cs model.CandidateSummary
		var decision, status string
		var relevance sql.NullFloat64
		if err := rows.Scan(&cs.ID, &cs.Title, &cs.Description, &relevance, &cs.IsDuplicate, &decision, &status, textTime{&cs.CreatedAt}); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan candidate summary")
		}
		if relevance.Valid {
			cs.Relevance = &relevance.Float64
		}
		cs.Decision, cs.Status = model.Decision(decision), model.CandidateStatus(status)
		out = append(out, cs)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: candidate summaries iterate")
}

// --- Accepted-record index ---

const sqliteAcceptedColumns = `id, candidate_id, source_id, url, url_key, content_hash, title, organization,
	amount_min, amount_max, deadline, embedding, reference_date, admitted_at`

func insertSQLiteAccepted(ctx context.Context, tx *sql.Tx, r model.AcceptedRecord) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO accepted_candidates (`+sqliteAcceptedColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CandidateID, r.SourceID, r.URL, r.URLKey, r.ContentHash, r.Title, r.Organization,
		r.AmountMin, r.AmountMax, tsPtr(r.Deadline), vectorText(r.Embedding), ts(r.ReferenceDate), ts(r.AdmittedAt),
	)
	if isSQLiteUnique(err) {
		return eris.Wrapf(ErrAlreadyAdmitted, "sqlite: admit %s", r.CandidateID)
	}
	return eris.Wrapf(err, "sqlite: admit %s", r.CandidateID)
}

func scanSQLiteAccepted(row rowScanner) (model.AcceptedRecord, error) {
	var r model.AcceptedRecord
	var minAmt, maxAmt sql.NullFloat64
	if err := row.Scan(&r.ID, &r.CandidateID, &r.SourceID, &r.URL, &r.URLKey, &r.ContentHash, &r.Title, &r.Organization,
		&minAmt, &maxAmt, nullTime{&r.Deadline}, textVector{&r.Embedding}, textTime{&r.ReferenceDate}, textTime{&r.AdmittedAt}); err != nil {
		return model.AcceptedRecord{}, err
	}
	if minAmt.Valid {
		r.AmountMin = &minAmt.Float64
	}
	if maxAmt.Valid {
		r.AmountMax = &maxAmt.Float64
	}
	return r, nil
}

func (s *SQLiteStore) findAccepted(ctx context.Context, what, query string, args ...any) (*model.AcceptedRecord, error) {
	r, err := scanSQLiteAccepted(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find by %s", what)
	}
	return &r, nil
}

// FindByURLKeys prefers a record stored under keys[0] over other variants.
func (s *SQLiteStore) FindByURLKeys(ctx context.Context, keys []string) (*model.AcceptedRecord, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(keys)+1)
	for _, k := range keys {
		args = append(args, k)
	}
	args = append(args, keys[0])
	return s.findAccepted(ctx, "url key",
		`SELECT `+sqliteAcceptedColumns+` FROM accepted_candidates WHERE url_key IN (`+placeholders(len(keys))+`)
		ORDER BY CASE WHEN url_key = ? THEN 0 ELSE 1 END, admitted_at LIMIT 1`,
		args...,
	)
}

func (s *SQLiteStore) FindByContentHash(ctx context.Context, hash string) (*model.AcceptedRecord, error) {
	return s.findAccepted(ctx, "content hash",
		`SELECT `+sqliteAcceptedColumns+` FROM accepted_candidates WHERE content_hash = ?`, hash)
}

func (s *SQLiteStore) listAccepted(ctx context.Context, what, query string, args ...any) ([]model.AcceptedRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", what)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AcceptedRecord
	for rows.Next() {
		r, err := scanSQLiteAccepted(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan %s", what)
		}
		out = append(out, r)
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: %s iterate", what)
}

// NearestInWindow ranks in process; SQLite has no vector operators.
func (s *SQLiteStore) NearestInWindow(ctx context.Context, embedding []float32, from, to time.Time, limit int) ([]model.AcceptedRecord, error) {
	if len(embedding) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	recs, err := s.listAccepted(ctx, "nearest in window",
		`SELECT `+sqliteAcceptedColumns+` FROM accepted_candidates
		WHERE embedding IS NOT NULL AND reference_date >= ? AND reference_date <= ?
		ORDER BY admitted_at`,
		ts(from), ts(to),
	)
	if err != nil {
		return nil, err
	}
	scores := make(map[string]float64, len(recs))
	for _, r := range recs {
		scores[r.ID] = textmatch.Cosine(embedding, r.Embedding)
	}
	sort.SliceStable(recs, func(i, j int) bool { return scores[recs[i].ID] > scores[recs[j].ID] })
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (s *SQLiteStore) ByDeadlineRange(ctx context.Context, from, to time.Time, limit int) ([]model.AcceptedRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.listAccepted(ctx, "by deadline range",
		`SELECT `+sqliteAcceptedColumns+` FROM accepted_candidates
		WHERE deadline IS NOT NULL AND deadline >= ? AND deadline <= ?
		ORDER BY deadline
		LIMIT ?`,
		ts(from), ts(to), limit,
	)
}

func (s *SQLiteStore) AppendDedupLog(ctx context.Context, e model.DedupLog) error {
	skipped, err := marshal(e.SkippedLayers, "skipped layers")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO deduplication_logs (id, candidate_id, source_id, is_duplicate, match_type, similarity, matched_id, skipped_layers, duration_ms, checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CandidateID, e.SourceID, e.Verdict.IsDuplicate, string(e.Verdict.MatchType), e.Verdict.SimilarityScore,
		e.Verdict.MatchedExistingID, string(skipped), durationMillis(e.Duration), ts(e.CheckedAt),
	)
	return eris.Wrapf(err, "sqlite: append dedup log %s", e.ID)
}

func (s *SQLiteStore) DedupStats(ctx context.Context, sourceID string, from, to time.Time) (model.DedupStats, error) {
	var st model.DedupStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT candidate_id), COUNT(DISTINCT CASE WHEN is_duplicate THEN candidate_id END)
		FROM deduplication_logs WHERE source_id = ? AND checked_at >= ? AND checked_at < ?`,
		sourceID, ts(from), ts(to),
	).Scan(&st.Checks, &st.Duplicates)
	return st, eris.Wrapf(err, "sqlite: dedup stats %s", sourceID)
}

// --- Votes ---

func (s *SQLiteStore) AddVote(ctx context.Context, v model.Vote) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO community_votes (id, candidate_id, voter, approve, cast_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (candidate_id, voter) DO UPDATE SET approve = excluded.approve, cast_at = excluded.cast_at`,
		v.ID, v.CandidateID, v.Voter, v.Approve, ts(v.CastAt),
	)
	return eris.Wrapf(err, "sqlite: add vote on %s", v.CandidateID)
}

func (s *SQLiteStore) TallyVotes(ctx context.Context, candidateID string) (model.VoteTally, error) {
	var t model.VoteTally
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(approve), 0), COALESCE(SUM(1 - approve), 0) FROM community_votes WHERE candidate_id = ?`,
		candidateID,
	).Scan(&t.Approvals, &t.Rejections)
	return t, eris.Wrapf(err, "sqlite: tally votes %s", candidateID)
}

func (s *SQLiteStore) SourceVotes(ctx context.Context, sourceID string, from, to time.Time) (model.VoteTally, error) {
	var t model.VoteTally
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(v.approve), 0), COALESCE(SUM(1 - v.approve), 0)
		FROM community_votes v JOIN candidates c ON c.id = v.candidate_id
		WHERE c.source_id = ? AND c.created_at >= ? AND c.created_at < ?`,
		sourceID, ts(from), ts(to),
	).Scan(&t.Approvals, &t.Rejections)
	return t, eris.Wrapf(err, "sqlite: source votes %s", sourceID)
}

// --- Monitoring ---

func (s *SQLiteStore) AppendMonitoringLog(ctx context.Context, l model.MonitoringLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO source_monitoring_logs (id, source_id, checked_at, success, status_code, attempts, latency_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.SourceID, ts(l.CheckedAt), l.Success, l.StatusCode, l.Attempts, durationMillis(l.Latency), l.Error,
	)
	return eris.Wrapf(err, "sqlite: append monitoring log %s", l.SourceID)
}

func (s *SQLiteStore) MonitoringStats(ctx context.Context, sourceID string, from, to time.Time) (model.MonitoringStats, error) {
	var st model.MonitoringStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(success), 0)
		FROM source_monitoring_logs WHERE source_id = ? AND checked_at >= ? AND checked_at < ?`,
		sourceID, ts(from), ts(to),
	).Scan(&st.Checks, &st.Successes)
	return st, eris.Wrapf(err, "sqlite: monitoring stats %s", sourceID)
}

func (s *SQLiteStore) LastMonitoringChecks(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source_id, MAX(checked_at) FROM source_monitoring_logs GROUP BY source_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: last monitoring checks")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var at time.Time
		if err := rows.Scan(&id, textTime{&at}); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan last check")
		}
		out[id] = at
	}
	return out, eris.Wrap(rows.Err(), "sqlite: last monitoring checks iterate")
}
