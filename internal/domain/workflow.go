package domain

import (
	"encoding/json"
	"time"
)

// WorkflowRun represents one end-to-end agent task
type WorkflowRun struct {
	ID          string
	Kind        string
	Status      RunStatus
	Outcome     Outcome // set exactly once, when the run terminates
	Instruction string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// WorkflowStep is one unit of dispatchable work within a run.
// Sequence is monotonic and unique per run; bootstrap is always sequence 0.
type WorkflowStep struct {
	ID               string
	WorkflowID       string
	Sequence         int
	Role             StepRole
	Status           StepStatus
	Attempts         int
	Data             json.RawMessage
	Result           *StepResult
	RunnerInstanceID string
	LastError        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// StepPayload is the input handed to the runner executing a step
type StepPayload struct {
	RunID     string   `json:"run_id"`
	Role      StepRole `json:"role"`
	Round     int      `json:"round"`
	Prompt    string   `json:"prompt"`
	SessionID string   `json:"session_id,omitempty"`
}

// StepResult is the reconciled output of a completed step
type StepResult struct {
	Output    string `json:"output"`
	SessionID string `json:"session_id,omitempty"`
	CommitRef string `json:"commit_ref,omitempty"`
	LogsPath  string `json:"logs_path,omitempty"`
}

// RunnerDispatch is one outstanding callback expectation.
// The token is single-use: consumed exactly once by a valid callback
// or invalidated by timeout.
type RunnerDispatch struct {
	SubjectID    string
	SubjectKind  UnitKind
	Token        string
	DispatchedAt time.Time
	TimeoutAt    time.Time
}

// Expired reports whether the dispatch deadline has passed
func (d *RunnerDispatch) Expired(now time.Time) bool {
	return now.After(d.TimeoutAt)
}

// DeadLetterEntry records a dispatch that exhausted its retry budget
type DeadLetterEntry struct {
	ID         int
	SubjectID  string
	LastError  string
	Attempts   int
	RecordedAt time.Time
}

// RunnerEvent is one line of the bounded operational log
type RunnerEvent struct {
	ID        int
	UnitID    string
	Outcome   string
	Detail    string
	Timestamp time.Time
}

// AgentIdentity binds a role to its execution session
type AgentIdentity struct {
	Role      LedgerRole `json:"role"`
	SessionID string     `json:"sessionId"`
}
