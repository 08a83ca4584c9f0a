package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/hochfrequenz/agent-run-orchestrator/internal/domain"
)

// ErrDispatchNotFound is returned when no open dispatch matches the
// subject and token. A replayed callback whose token was already
// consumed observes this error too.
var ErrDispatchNotFound = errors.New("dispatch not found")

// CreateDispatch records a callback expectation for a dispatched unit
func (s *Store) CreateDispatch(d *domain.RunnerDispatch) error {
	_, err := s.db.Exec(`
		INSERT INTO runner_dispatches (subject_id, subject_kind, token, dispatched_at, timeout_at)
		VALUES (?, ?, ?, ?, ?)
	`, d.SubjectID, string(d.SubjectKind), d.Token, d.DispatchedAt, d.TimeoutAt)
	return err
}

// GetDispatch returns the open dispatch for a subject, if any
func (s *Store) GetDispatch(subjectID string) (*domain.RunnerDispatch, error) {
	row := s.db.QueryRow(`
		SELECT subject_id, subject_kind, token, dispatched_at, timeout_at
		FROM runner_dispatches WHERE subject_id = ?
	`, subjectID)
	return scanDispatch(row)
}

// ConsumeDispatch atomically deletes the dispatch matching subject and
// token. It returns ErrDispatchNotFound when there is no open dispatch
// with exactly that token, which makes token consumption exactly-once.
func (s *Store) ConsumeDispatch(subjectID, token string) (*domain.RunnerDispatch, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT subject_id, subject_kind, token, dispatched_at, timeout_at
		FROM runner_dispatches WHERE subject_id = ? AND token = ?
	`, subjectID, token)
	d, err := scanDispatch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDispatchNotFound
		}
		return nil, err
	}

	if _, err := tx.Exec(`DELETE FROM runner_dispatches WHERE subject_id = ? AND token = ?`, subjectID, token); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return d, nil
}

// DeleteDispatch removes an open dispatch regardless of token (timeout path)
func (s *Store) DeleteDispatch(subjectID string) error {
	_, err := s.db.Exec(`DELETE FROM runner_dispatches WHERE subject_id = ?`, subjectID)
	return err
}

// ListOpenDispatches returns every outstanding dispatch. Used to rebuild
// the gateway's in-memory cache after a restart.
func (s *Store) ListOpenDispatches() ([]*domain.RunnerDispatch, error) {
	rows, err := s.db.Query(`
		SELECT subject_id, subject_kind, token, dispatched_at, timeout_at
		FROM runner_dispatches ORDER BY dispatched_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dispatches []*domain.RunnerDispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		dispatches = append(dispatches, d)
	}
	return dispatches, rows.Err()
}

// ExpiredDispatches returns open dispatches whose deadline has passed
func (s *Store) ExpiredDispatches(now time.Time) ([]*domain.RunnerDispatch, error) {
	rows, err := s.db.Query(`
		SELECT subject_id, subject_kind, token, dispatched_at, timeout_at
		FROM runner_dispatches WHERE timeout_at < ? ORDER BY timeout_at
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dispatches []*domain.RunnerDispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		dispatches = append(dispatches, d)
	}
	return dispatches, rows.Err()
}

// AddDeadLetter records a unit that exhausted its retry budget
func (s *Store) AddDeadLetter(subjectID, lastError string, attempts int) error {
	_, err := s.db.Exec(`
		INSERT INTO dead_letters (subject_id, last_error, attempts, recorded_at)
		VALUES (?, ?, ?, ?)
	`, subjectID, lastError, attempts, time.Now())
	return err
}

// RecentDeadLetters returns up to limit dead letters, most recent first
func (s *Store) RecentDeadLetters(limit int) ([]*domain.DeadLetterEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, subject_id, last_error, attempts, recorded_at
		FROM dead_letters ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.DeadLetterEntry
	for rows.Next() {
		var e domain.DeadLetterEntry
		var lastError sql.NullString
		if err := rows.Scan(&e.ID, &e.SubjectID, &lastError, &e.Attempts, &e.RecordedAt); err != nil {
			return nil, err
		}
		if lastError.Valid {
			e.LastError = lastError.String
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// AppendRunnerEvent adds one line to the operational log
func (s *Store) AppendRunnerEvent(unitID, outcome, detail string) error {
	_, err := s.db.Exec(`
		INSERT INTO runner_events (unit_id, outcome, detail, created_at)
		VALUES (?, ?, ?, ?)
	`, unitID, outcome, detail, time.Now())
	return err
}

// RecentRunnerEvents returns up to limit events, most recent first
func (s *Store) RecentRunnerEvents(limit int) ([]*domain.RunnerEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, unit_id, outcome, detail, created_at
		FROM runner_events ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.RunnerEvent
	for rows.Next() {
		var e domain.RunnerEvent
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.UnitID, &e.Outcome, &detail, &e.Timestamp); err != nil {
			return nil, err
		}
		if detail.Valid {
			e.Detail = detail.String
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// PruneRunnerEvents keeps only the newest keep events
func (s *Store) PruneRunnerEvents(keep int) error {
	_, err := s.db.Exec(`
		DELETE FROM runner_events WHERE id NOT IN (
			SELECT id FROM runner_events ORDER BY id DESC LIMIT ?
		)
	`, keep)
	return err
}

// PruneDeadLetters keeps only the newest keep dead letters
func (s *Store) PruneDeadLetters(keep int) error {
	_, err := s.db.Exec(`
		DELETE FROM dead_letters WHERE id NOT IN (
			SELECT id FROM dead_letters ORDER BY id DESC LIMIT ?
		)
	`, keep)
	return err
}

func scanDispatch(row rowScanner) (*domain.RunnerDispatch, error) {
	var d domain.RunnerDispatch
	var kind string
	if err := row.Scan(&d.SubjectID, &kind, &d.Token, &d.DispatchedAt, &d.TimeoutAt); err != nil {
		return nil, err
	}
	d.SubjectKind = domain.UnitKind(kind)
	return &d, nil
}
