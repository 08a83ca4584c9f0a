package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hochfrequenz/agent-run-orchestrator/internal/domain"
)

// CreateRun inserts a new workflow run
func (s *Store) CreateRun(run *domain.WorkflowRun) error {
	_, err := s.db.Exec(`
		INSERT INTO workflow_runs (id, kind, status, instruction, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.Kind, string(run.Status), run.Instruction, run.CreatedAt, run.UpdatedAt)
	return err
}

// GetRun retrieves a workflow run by ID
func (s *Store) GetRun(id string) (*domain.WorkflowRun, error) {
	row := s.db.QueryRow(`
		SELECT id, kind, status, outcome, instruction, created_at, updated_at
		FROM workflow_runs WHERE id = ?
	`, id)

	var run domain.WorkflowRun
	var status string
	var outcome sql.NullString
	if err := row.Scan(&run.ID, &run.Kind, &status, &outcome, &run.Instruction, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Status = domain.RunStatus(status)
	if outcome.Valid {
		run.Outcome = domain.Outcome(outcome.String)
	}
	return &run, nil
}

// ListRunsByStatus returns runs in the given status, oldest first
func (s *Store) ListRunsByStatus(status domain.RunStatus) ([]*domain.WorkflowRun, error) {
	rows, err := s.db.Query(`
		SELECT id, kind, status, outcome, instruction, created_at, updated_at
		FROM workflow_runs WHERE status = ? ORDER BY created_at
	`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.WorkflowRun
	for rows.Next() {
		var run domain.WorkflowRun
		var st string
		var outcome sql.NullString
		if err := rows.Scan(&run.ID, &run.Kind, &st, &outcome, &run.Instruction, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		run.Status = domain.RunStatus(st)
		if outcome.Valid {
			run.Outcome = domain.Outcome(outcome.String)
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// UpdateRunStatus moves a run to a new status
func (s *Store) UpdateRunStatus(id string, status domain.RunStatus) error {
	_, err := s.db.Exec(`UPDATE workflow_runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now(), id)
	return err
}

// FinishRun records the terminal status and outcome of a run
func (s *Store) FinishRun(id string, status domain.RunStatus, outcome domain.Outcome) error {
	res, err := s.db.Exec(`
		UPDATE workflow_runs SET status = ?, outcome = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed')
	`, string(status), string(outcome), time.Now(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s already terminal", id)
	}
	return nil
}

// CreateStep inserts a new workflow step in queued state
func (s *Store) CreateStep(step *domain.WorkflowStep) error {
	_, err := s.db.Exec(`
		INSERT INTO workflow_steps (id, workflow_id, sequence, role, status, attempts, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, step.ID, step.WorkflowID, step.Sequence, string(step.Role), string(step.Status),
		step.Attempts, string(step.Data), step.CreatedAt, step.UpdatedAt)
	return err
}

// GetStep retrieves a workflow step by ID
func (s *Store) GetStep(id string) (*domain.WorkflowStep, error) {
	row := s.db.QueryRow(`
		SELECT id, workflow_id, sequence, role, status, attempts, data, result, runner_instance_id, last_error, created_at, updated_at
		FROM workflow_steps WHERE id = ?
	`, id)
	return scanStep(row)
}

// ListSteps returns all steps of a run ordered by sequence
func (s *Store) ListSteps(workflowID string) ([]*domain.WorkflowStep, error) {
	rows, err := s.db.Query(`
		SELECT id, workflow_id, sequence, role, status, attempts, data, result, runner_instance_id, last_error, created_at, updated_at
		FROM workflow_steps WHERE workflow_id = ? ORDER BY sequence
	`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSteps(rows)
}

// ListDispatchableSteps returns queued steps whose predecessors within the
// same run have all completed, ordered by run then sequence. A verifier
// step is never returned before its worker step completed.
func (s *Store) ListDispatchableSteps() ([]*domain.WorkflowStep, error) {
	rows, err := s.db.Query(`
		SELECT st.id, st.workflow_id, st.sequence, st.role, st.status, st.attempts, st.data, st.result, st.runner_instance_id, st.last_error, st.created_at, st.updated_at
		FROM workflow_steps st
		WHERE st.status = 'queued'
		  AND NOT EXISTS (
			SELECT 1 FROM workflow_steps prev
			WHERE prev.workflow_id = st.workflow_id
			  AND prev.sequence < st.sequence
			  AND prev.status != 'completed'
		  )
		ORDER BY st.workflow_id, st.sequence
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSteps(rows)
}

// OrphanedRunningSteps returns running steps that have no open dispatch.
// After a crash between marking a step running and recording its
// dispatch, these are the steps nobody will ever call back for.
func (s *Store) OrphanedRunningSteps() ([]*domain.WorkflowStep, error) {
	rows, err := s.db.Query(`
		SELECT st.id, st.workflow_id, st.sequence, st.role, st.status, st.attempts, st.data, st.result, st.runner_instance_id, st.last_error, st.created_at, st.updated_at
		FROM workflow_steps st
		WHERE st.status = 'running'
		  AND NOT EXISTS (
			SELECT 1 FROM runner_dispatches d WHERE d.subject_id = st.id
		  )
		ORDER BY st.workflow_id, st.sequence
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSteps(rows)
}

// MarkStepRunning transitions a queued step to running and bumps its
// attempt counter. Terminal steps are left untouched.
func (s *Store) MarkStepRunning(id, runnerInstanceID string) error {
	res, err := s.db.Exec(`
		UPDATE workflow_steps
		SET status = 'running', attempts = attempts + 1, runner_instance_id = ?, updated_at = ?
		WHERE id = ? AND status = 'queued'
	`, runnerInstanceID, time.Now(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("step %s not in queued state", id)
	}
	return nil
}

// CompleteStep records a step's result and marks it completed.
// Completed steps are immutable: a second completion is an error.
func (s *Store) CompleteStep(id string, result *domain.StepResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE workflow_steps SET status = 'completed', result = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed')
	`, string(resultJSON), time.Now(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("step %s already terminal", id)
	}
	return nil
}

// FailStep marks a step terminally failed. No-op on already-terminal steps.
func (s *Store) FailStep(id, lastError string) error {
	_, err := s.db.Exec(`
		UPDATE workflow_steps SET status = 'failed', last_error = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed')
	`, lastError, time.Now(), id)
	return err
}

// RequeueStep puts a running step back in the queue for another attempt.
// A step never regresses from a terminal state.
func (s *Store) RequeueStep(id, lastError string) error {
	res, err := s.db.Exec(`
		UPDATE workflow_steps SET status = 'queued', last_error = ?, updated_at = ?
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
		return fmt.Errorf("step %s is terminal, not requeuing", id)
	}
	return nil
}

// CountStepsByStatus returns the number of steps per status
func (s *Store) CountStepsByStatus() (map[domain.StepStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM workflow_steps GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.StepStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[domain.StepStatus(status)] = count
	}
	return counts, rows.Err()
}

// OldestQueuedStep returns the creation time of the oldest queued step.
// ok is false when the queue is empty.
func (s *Store) OldestQueuedStep() (t time.Time, ok bool, err error) {
	row := s.db.QueryRow(`SELECT MIN(created_at) FROM workflow_steps WHERE status = 'queued'`)
	var oldest sql.NullTime
	if err := row.Scan(&oldest); err != nil {
		return time.Time{}, false, err
	}
	if !oldest.Valid {
		return time.Time{}, false, nil
	}
	return oldest.Time, true, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStep(row rowScanner) (*domain.WorkflowStep, error) {
	var step domain.WorkflowStep
	var role, status string
	var data, result, runnerID, lastError sql.NullString

	err := row.Scan(&step.ID, &step.WorkflowID, &step.Sequence, &role, &status, &step.Attempts,
		&data, &result, &runnerID, &lastError, &step.CreatedAt, &step.UpdatedAt)
	if err != nil {
		return nil, err
	}

	step.Role = domain.StepRole(role)
	step.Status = domain.StepStatus(status)
	if data.Valid {
		step.Data = json.RawMessage(data.String)
	}
	if result.Valid && result.String != "" {
		var r domain.StepResult
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return nil, fmt.Errorf("decoding step result: %w", err)
		}
		step.Result = &r
	}
	if runnerID.Valid {
		step.RunnerInstanceID = runnerID.String
	}
	if lastError.Valid {
		step.LastError = lastError.String
	}
	return &step, nil
}

func collectSteps(rows *sql.Rows) ([]*domain.WorkflowStep, error) {
	var steps []*domain.WorkflowStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}
