package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/agent-run-orchestrator/internal/domain"
)

// CreateReviewRun inserts a new review run
func (s *Store) CreateReviewRun(run *domain.ReviewRun) error {
	_, err := s.db.Exec(`
		INSERT INTO review_runs (id, pull_request_id, "trigger", status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.PullRequestID, string(run.Trigger), string(run.Status), run.Attempts,
		run.CreatedAt, run.UpdatedAt)
	return err
}

// GetReviewRun retrieves a review run by ID
func (s *Store) GetReviewRun(id string) (*domain.ReviewRun, error) {
	row := s.db.QueryRow(`
		SELECT id, pull_request_id, "trigger", status, attempts, summary, findings, risk_assessment, logs_path, last_error, created_at, updated_at
		FROM review_runs WHERE id = ?
	`, id)
	return scanReviewRun(row)
}

// ActiveReviewForPR returns the queued or running review run for a pull
// request, or nil when there is none. Enforces at-most-one-active-review
// per pull request together with CreateReviewRun callers.
func (s *Store) ActiveReviewForPR(pullRequestID string) (*domain.ReviewRun, error) {
	row := s.db.QueryRow(`
		SELECT id, pull_request_id, "trigger", status, attempts, summary, findings, risk_assessment, logs_path, last_error, created_at, updated_at
		FROM review_runs
		WHERE pull_request_id = ? AND status IN ('queued', 'running')
		ORDER BY created_at LIMIT 1
	`, pullRequestID)
	run, err := scanReviewRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return run, nil
}

// ListReviewRunsByStatus returns review runs in a status, oldest first
func (s *Store) ListReviewRunsByStatus(status domain.ReviewStatus) ([]*domain.ReviewRun, error) {
	rows, err := s.db.Query(`
		SELECT id, pull_request_id, "trigger", status, attempts, summary, findings, risk_assessment, logs_path, last_error, created_at, updated_at
		FROM review_runs WHERE status = ? ORDER BY created_at
	`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.ReviewRun
	for rows.Next() {
		run, err := scanReviewRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// MarkReviewRunning transitions a queued review run to running and bumps
// its attempt counter
func (s *Store) MarkReviewRunning(id string) error {
	res, err := s.db.Exec(`
		UPDATE review_runs SET status = 'running', attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = 'queued'
	`, time.Now(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("review run %s not in queued state", id)
	}
	return nil
}

// CompleteReviewRun persists summary, findings and risk and marks the run completed
func (s *Store) CompleteReviewRun(id, summary string, findings []domain.Finding, risk, logsPath string) error {
	findingsJSON, err := json.Marshal(findings)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE review_runs
		SET status = 'completed', summary = ?, findings = ?, risk_assessment = ?, logs_path = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed')
	`, summary, string(findingsJSON), risk, logsPath, time.Now(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("review run %s already terminal", id)
	}
	return nil
}

// FailReviewRun marks a review run terminally failed
func (s *Store) FailReviewRun(id, lastError string) error {
	_, err := s.db.Exec(`
		UPDATE review_runs SET status = 'failed', last_error = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed')
	`, lastError, time.Now(), id)
	return err
}

// RequeueReviewRun puts a running review run back in the queue
func (s *Store) RequeueReviewRun(id, lastError string) error {
	res, err := s.db.Exec(`
		UPDATE review_runs SET status = 'queued', last_error = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed')
	`, lastError, time.Now(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("review run %s is terminal, not requeuing", id)
	}
	return nil
}

// CreateThread inserts a review thread
func (s *Store) CreateThread(t *domain.ReviewThread) error {
	_, err := s.db.Exec(`
		INSERT INTO review_threads (id, review_run_id, pull_request_id, file_path, diff_start_line, diff_end_line, resolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.ReviewRunID, t.PullRequestID, t.FilePath, t.DiffStartLine, t.DiffEndLine, t.Resolved, t.CreatedAt)
	return err
}

// CreateComment appends a comment to a thread
func (s *Store) CreateComment(c *domain.ReviewComment) error {
	_, err := s.db.Exec(`
		INSERT INTO review_comments (id, thread_id, author_kind, body, suggested_patch, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.ThreadID, string(c.AuthorKind), c.Body, c.SuggestedPatch, c.CreatedAt)
	return err
}

// SetThreadResolved toggles a thread's resolution state
func (s *Store) SetThreadResolved(id string, resolved bool) error {
	_, err := s.db.Exec(`UPDATE review_threads SET resolved = ? WHERE id = ?`, resolved, id)
	return err
}

// ThreadsForPR returns all threads for a pull request, oldest first
func (s *Store) ThreadsForPR(pullRequestID string) ([]*domain.ReviewThread, error) {
	rows, err := s.db.Query(`
		SELECT id, review_run_id, pull_request_id, file_path, diff_start_line, diff_end_line, resolved, created_at
		FROM review_threads WHERE pull_request_id = ? ORDER BY created_at
	`, pullRequestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []*domain.ReviewThread
	for rows.Next() {
		var t domain.ReviewThread
		var runID sql.NullString
		if err := rows.Scan(&t.ID, &runID, &t.PullRequestID, &t.FilePath, &t.DiffStartLine, &t.DiffEndLine, &t.Resolved, &t.CreatedAt); err != nil {
			return nil, err
		}
		if runID.Valid {
			t.ReviewRunID = runID.String
		}
		threads = append(threads, &t)
	}
	return threads, rows.Err()
}

// CommentsForThread returns a thread's comments, oldest first
func (s *Store) CommentsForThread(threadID string) ([]*domain.ReviewComment, error) {
	rows, err := s.db.Query(`
		SELECT id, thread_id, author_kind, body, suggested_patch, created_at
		FROM review_comments WHERE thread_id = ? ORDER BY created_at
	`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comments []*domain.ReviewComment
	for rows.Next() {
		var c domain.ReviewComment
		var kind string
		var patch sql.NullString
		if err := rows.Scan(&c.ID, &c.ThreadID, &kind, &c.Body, &patch, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.AuthorKind = domain.AuthorKind(kind)
		if patch.Valid {
			c.SuggestedPatch = patch.String
		}
		comments = append(comments, &c)
	}
	return comments, rows.Err()
}

func scanReviewRun(row rowScanner) (*domain.ReviewRun, error) {
	var run domain.ReviewRun
	var trigger, status string
	var summary, findings, risk, logsPath, lastError sql.NullString

	err := row.Scan(&run.ID, &run.PullRequestID, &trigger, &status, &run.Attempts,
		&summary, &findings, &risk, &logsPath, &lastError, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}

	run.Trigger = domain.ReviewTrigger(trigger)
	run.Status = domain.ReviewStatus(status)
	if summary.Valid {
		run.Summary = summary.String
	}
	if findings.Valid && findings.String != "" {
		if err := json.Unmarshal([]byte(findings.String), &run.Findings); err != nil {
			return nil, fmt.Errorf("decoding findings: %w", err)
		}
	}
	if risk.Valid {
		run.RiskAssessment = risk.String
	}
	if logsPath.Valid {
		run.LogsPath = logsPath.String
	}
	if lastError.Valid {
		run.LastError = lastError.String
	}
	return &run, nil
}
