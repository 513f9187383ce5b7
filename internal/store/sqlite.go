package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/storybook/internal/manuscript"
)

const schema = `
CREATE TABLE IF NOT EXISTS project_state (
	project_id         TEXT PRIMARY KEY,
	title              TEXT NOT NULL DEFAULT '',
	phase              TEXT NOT NULL,
	total_segments     INTEGER NOT NULL,
	segments_processed INTEGER NOT NULL DEFAULT 0,
	assessment         TEXT,
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS segment_results (
	project_id    TEXT NOT NULL,
	stage         TEXT NOT NULL,
	segment_index INTEGER NOT NULL,
	original_text TEXT NOT NULL,
	revised_text  TEXT NOT NULL DEFAULT '',
	summary       TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	attempt       INTEGER NOT NULL,
	error         TEXT NOT NULL DEFAULT '',
	counted       INTEGER NOT NULL DEFAULT 0,
	claimed_by    TEXT NOT NULL DEFAULT '',
	claimed_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	PRIMARY KEY (project_id, stage, segment_index)
);
`

// SQLiteStore is a durable manuscript.Store backed by SQLite.
//
// All access goes through a single connection, so every transaction is
// serialized. This gives ClaimResult, PutResult and IncrementProcessed the
// atomicity the store contract requires.
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

var _ manuscript.Store = (*SQLiteStore)(nil)

// DefaultDBPath returns the default database path.
func DefaultDBPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "storybook", "storybook.db")
}

// OpenSQLite opens (creating if needed) the database at path. Use ":memory:"
// for a private in-memory database.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	dsn := "file::memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	if err := addColumnIfMissing(ctx, db, "segment_results", "claimed_by", "TEXT NOT NULL DEFAULT ''"); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &SQLiteStore{db: db, opts: newOptions(opts)}, nil
}

// addColumnIfMissing upgrades databases created before column existed.
func addColumnIfMissing(ctx context.Context, db *sql.DB, table, column, decl string) error {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT name FROM pragma_table_info('%s')", table))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()
	_, err = db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", manuscript.ErrStorageUnavailable, op, err)
}

// withTx runs fn in a transaction. Errors returned by fn pass through unchanged.
func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op+": begin", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr(op+": commit", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (s *SQLiteStore) loadState(ctx context.Context, q queryer, projectID string) (manuscript.ProjectState, error) {
	var (
		st                   manuscript.ProjectState
		phase                string
		assessment           sql.NullString
		createdAt, updatedAt int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT project_id, title, phase, total_segments, segments_processed, assessment, created_at, updated_at
		FROM project_state
		WHERE project_id = ?
	`, projectID).Scan(&st.ProjectID, &st.Title, &phase, &st.TotalSegments, &st.SegmentsProcessed,
		&assessment, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return manuscript.ProjectState{}, notFound(projectID)
	}
	if err != nil {
		return manuscript.ProjectState{}, storageErr("query project state", err)
	}

	st.Phase = manuscript.Phase(phase)
	st.CreatedAt = fromNanos(createdAt)
	st.UpdatedAt = fromNanos(updatedAt)
	if assessment.Valid && assessment.String != "" {
		var a manuscript.Assessment
		if err := json.Unmarshal([]byte(assessment.String), &a); err != nil {
			return manuscript.ProjectState{}, fmt.Errorf("decode assessment for %s: %w", projectID, err)
		}
		st.Assessment = &a
	}
	return st, nil
}

func (s *SQLiteStore) loadResult(ctx context.Context, q queryer, projectID string, stage manuscript.Stage, index int) (manuscript.SegmentResult, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT project_id, stage, segment_index, original_text, revised_text, summary,
		       status, attempt, error, counted, claimed_by, claimed_at, updated_at
		FROM segment_results
		WHERE project_id = ? AND stage = ? AND segment_index = ?
	`, projectID, string(stage), index)

	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return manuscript.SegmentResult{}, false, nil
	}
	if err != nil {
		return manuscript.SegmentResult{}, false, storageErr("query segment result", err)
	}
	return r, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(row scanner) (manuscript.SegmentResult, error) {
	var (
		r                    manuscript.SegmentResult
		stage, status        string
		counted              int
		claimedAt, updatedAt int64
	)
	if err := row.Scan(&r.ProjectID, &stage, &r.SegmentIndex, &r.OriginalText, &r.RevisedText, &r.Summary,
		&status, &r.Attempt, &r.Error, &counted, &r.ClaimedBy, &claimedAt, &updatedAt); err != nil {
		return manuscript.SegmentResult{}, err
	}
	r.Stage = manuscript.Stage(stage)
	r.Status = manuscript.ResultStatus(status)
	r.Counted = counted != 0
	r.ClaimedAt = fromNanos(claimedAt)
	r.Timestamp = fromNanos(updatedAt)
	return r, nil
}

// CreateState inserts a new project state.
func (s *SQLiteStore) CreateState(ctx context.Context, state manuscript.ProjectState) error {
	var assessment sql.NullString
	if state.Assessment != nil {
		data, err := json.Marshal(state.Assessment)
		if err != nil {
			return fmt.Errorf("encode assessment: %w", err)
		}
		assessment = sql.NullString{String: string(data), Valid: true}
	}

	return s.withTx(ctx, "create state", func(tx *sql.Tx) error {
		if _, err := s.loadState(ctx, tx, state.ProjectID); err == nil {
			return fmt.Errorf("%w: %s", manuscript.ErrProjectExists, state.ProjectID)
		} else if !errors.Is(err, manuscript.ErrProjectNotFound) {
			return err
		}

		now := s.opts.stamp(state.CreatedAt)
		created := state.CreatedAt
		if created.IsZero() {
			created = now
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO project_state (project_id, title, phase, total_segments, segments_processed, assessment, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, state.ProjectID, state.Title, string(state.Phase), state.TotalSegments, state.SegmentsProcessed,
			assessment, toNanos(created), toNanos(now))
		if err != nil {
			return storageErr("insert project state", err)
		}
		return nil
	})
}

// GetState returns the project state.
func (s *SQLiteStore) GetState(ctx context.Context, projectID string) (manuscript.ProjectState, error) {
	return s.loadState(ctx, s.db, projectID)
}

// SetPhase advances the project phase by one step.
func (s *SQLiteStore) SetPhase(ctx context.Context, projectID string, phase manuscript.Phase) (manuscript.ProjectState, error) {
	var out manuscript.ProjectState
	err := s.withTx(ctx, "set phase", func(tx *sql.Tx) error {
		st, err := s.loadState(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if !st.Phase.CanTransitionTo(phase) {
			return transitionError(projectID, st.Phase, phase)
		}
		st.Phase = phase
		st.UpdatedAt = s.opts.stamp(st.UpdatedAt)
		if _, err := tx.ExecContext(ctx,
			`UPDATE project_state SET phase = ?, updated_at = ? WHERE project_id = ?`,
			string(phase), toNanos(st.UpdatedAt), projectID); err != nil {
			return storageErr("update phase", err)
		}
		out = st
		return nil
	})
	return out, err
}

// SetAssessment stores the assessment as JSON.
func (s *SQLiteStore) SetAssessment(ctx context.Context, projectID string, assessment *manuscript.Assessment) (manuscript.ProjectState, error) {
	var encoded sql.NullString
	if assessment != nil {
		data, err := json.Marshal(assessment)
		if err != nil {
			return manuscript.ProjectState{}, fmt.Errorf("encode assessment: %w", err)
		}
		encoded = sql.NullString{String: string(data), Valid: true}
	}

	var out manuscript.ProjectState
	err := s.withTx(ctx, "set assessment", func(tx *sql.Tx) error {
		st, err := s.loadState(ctx, tx, projectID)
		if err != nil {
			return err
		}
		st.Assessment = cloneAssessment(assessment)
		st.UpdatedAt = s.opts.stamp(st.UpdatedAt)
		if _, err := tx.ExecContext(ctx,
			`UPDATE project_state SET assessment = ?, updated_at = ? WHERE project_id = ?`,
			encoded, toNanos(st.UpdatedAt), projectID); err != nil {
			return storageErr("update assessment", err)
		}
		out = st
		return nil
	})
	return out, err
}

// IncrementProcessed counts a succeeded improvement result exactly once.
func (s *SQLiteStore) IncrementProcessed(ctx context.Context, projectID string, index int) (manuscript.ProjectState, bool, error) {
	var (
		out         manuscript.ProjectState
		incremented bool
	)
	err := s.withTx(ctx, "increment processed", func(tx *sql.Tx) error {
		st, err := s.loadState(ctx, tx, projectID)
		if err != nil {
			return err
		}
		r, found, err := s.loadResult(ctx, tx, projectID, manuscript.StageImprovement, index)
		if err != nil {
			return err
		}
		if err := checkCountable(st, r, found, index); err != nil {
			return err
		}
		out = st
		if r.Counted {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE segment_results SET counted = 1
			WHERE project_id = ? AND stage = ? AND segment_index = ?
		`, projectID, string(manuscript.StageImprovement), index); err != nil {
			return storageErr("mark counted", err)
		}
		st.SegmentsProcessed++
		st.UpdatedAt = s.opts.stamp(st.UpdatedAt)
		if _, err := tx.ExecContext(ctx,
			`UPDATE project_state SET segments_processed = ?, updated_at = ? WHERE project_id = ?`,
			st.SegmentsProcessed, toNanos(st.UpdatedAt), projectID); err != nil {
			return storageErr("update segments processed", err)
		}
		out = st
		incremented = true
		return nil
	})
	return out, incremented, err
}

// ClaimResult claims an index for a new attempt.
func (s *SQLiteStore) ClaimResult(ctx context.Context, projectID string, stage manuscript.Stage, index int, original, owner string) (manuscript.SegmentResult, bool, error) {
	var (
		out     manuscript.SegmentResult
		claimed bool
	)
	err := s.withTx(ctx, "claim result", func(tx *sql.Tx) error {
		if _, err := s.loadState(ctx, tx, projectID); err != nil {
			return err
		}
		existing, found, err := s.loadResult(ctx, tx, projectID, stage, index)
		if err != nil {
			return err
		}
		now := s.opts.stamp(existing.Timestamp)
		if found && !s.opts.claimable(existing, now, original, owner) {
			out = existing
			return nil
		}

		out = manuscript.SegmentResult{
			ProjectID:    projectID,
			Stage:        stage,
			SegmentIndex: index,
			OriginalText: original,
			Status:       manuscript.StatusPending,
			Attempt:      existing.Attempt + 1,
			ClaimedBy:    owner,
			ClaimedAt:    now,
			Timestamp:    now,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO segment_results (project_id, stage, segment_index, original_text, revised_text, summary,
			                             status, attempt, error, counted, claimed_by, claimed_at, updated_at)
			VALUES (?, ?, ?, ?, '', '', ?, ?, '', 0, ?, ?, ?)
			ON CONFLICT (project_id, stage, segment_index) DO UPDATE SET
				original_text = excluded.original_text,
				revised_text = '',
				summary = '',
				status = excluded.status,
				attempt = excluded.attempt,
				error = '',
				counted = 0,
				claimed_by = excluded.claimed_by,
				claimed_at = excluded.claimed_at,
				updated_at = excluded.updated_at
		`, projectID, string(stage), index, original, string(manuscript.StatusPending), out.Attempt,
			owner, toNanos(now), toNanos(now))
		if err != nil {
			return storageErr("upsert claim", err)
		}
		claimed = true
		return nil
	})
	return out, claimed, err
}

// GetResult returns the result for an index.
func (s *SQLiteStore) GetResult(ctx context.Context, projectID string, stage manuscript.Stage, index int) (manuscript.SegmentResult, bool, error) {
	return s.loadResult(ctx, s.db, projectID, stage, index)
}

// PutResult records the outcome of the claimed attempt.
func (s *SQLiteStore) PutResult(ctx context.Context, result manuscript.SegmentResult) error {
	if result.Status == manuscript.StatusPending {
		return fmt.Errorf("cannot put pending result for segment %d", result.SegmentIndex)
	}

	return s.withTx(ctx, "put result", func(tx *sql.Tx) error {
		existing, found, err := s.loadResult(ctx, tx, result.ProjectID, result.Stage, result.SegmentIndex)
		if err != nil {
			return err
		}
		if !found || existing.Attempt != result.Attempt || existing.Status != manuscript.StatusPending {
			return staleAttempt(result)
		}

		ts := s.opts.stamp(existing.Timestamp)
		if _, err := tx.ExecContext(ctx, `
			UPDATE segment_results
			SET revised_text = ?, summary = ?, status = ?, error = ?, updated_at = ?
			WHERE project_id = ? AND stage = ? AND segment_index = ? AND attempt = ?
		`, result.RevisedText, result.Summary, string(result.Status), result.Error, toNanos(ts),
			result.ProjectID, string(result.Stage), result.SegmentIndex, result.Attempt); err != nil {
			return storageErr("update segment result", err)
		}
		return nil
	})
}

// ListResults returns the stage's results ordered by index.
func (s *SQLiteStore) ListResults(ctx context.Context, projectID string, stage manuscript.Stage) ([]manuscript.SegmentResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, stage, segment_index, original_text, revised_text, summary,
		       status, attempt, error, counted, claimed_by, claimed_at, updated_at
		FROM segment_results
		WHERE project_id = ? AND stage = ?
		ORDER BY segment_index ASC
	`, projectID, string(stage))
	if err != nil {
		return nil, storageErr("query segment results", err)
	}
	defer rows.Close()

	var out []manuscript.SegmentResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, storageErr("scan segment result", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate segment results", err)
	}
	return out, nil
}

// DeleteProject removes the project and all its results.
func (s *SQLiteStore) DeleteProject(ctx context.Context, projectID string) error {
	return s.withTx(ctx, "delete project", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM project_state WHERE project_id = ?`, projectID)
		if err != nil {
			return storageErr("delete project state", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return notFound(projectID)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM segment_results WHERE project_id = ?`, projectID); err != nil {
			return storageErr("delete segment results", err)
		}
		return nil
	})
}
