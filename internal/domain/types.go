package domain

// RunStatus represents the execution state of a workflow run
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// StepStatus represents the execution state of a workflow step
type StepStatus string

const (
	StepQueued    StepStatus = "queued"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Terminal reports whether the status can no longer change
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed
}

// StepRole identifies which agent a workflow step drives
type StepRole string

const (
	RoleBootstrap StepRole = "bootstrap"
	RoleWorker    StepRole = "worker"
	RoleVerifier  StepRole = "verifier"
	// RoleReview is not a workflow step role; it marks review-run
	// payloads and their schema violations.
	RoleReview StepRole = "review"
)

// Outcome is the terminal result of a workflow run
type Outcome string

const (
	OutcomeApproved  Outcome = "approved"
	OutcomeFailed    Outcome = "failed"
	OutcomeMaxRounds Outcome = "max-rounds"
)

// Verdict is the verifier's judgement of a worker's change
type Verdict string

const (
	VerdictApproved         Verdict = "approved"
	VerdictChangesRequested Verdict = "changes_requested"
	VerdictFailed           Verdict = "failed"
)

// LedgerRole identifies the author of a run ledger entry
type LedgerRole string

const (
	LedgerUser     LedgerRole = "user"
	LedgerWorker   LedgerRole = "worker"
	LedgerVerifier LedgerRole = "verifier"
)

// ReviewTrigger records why a review run was requested
type ReviewTrigger string

const (
	TriggerManual       ReviewTrigger = "manual"
	TriggerAutoOnOpen   ReviewTrigger = "auto_on_open"
	TriggerAutoOnUpdate ReviewTrigger = "auto_on_update"
)

// ReviewStatus represents the lifecycle state of a review run
type ReviewStatus string

const (
	ReviewQueued    ReviewStatus = "queued"
	ReviewRunning   ReviewStatus = "running"
	ReviewCompleted ReviewStatus = "completed"
	ReviewFailed    ReviewStatus = "failed"
)

// AuthorKind distinguishes human and agent review comments
type AuthorKind string

const (
	AuthorUser  AuthorKind = "user"
	AuthorAgent AuthorKind = "agent"
)

// UnitKind identifies what a runner dispatch executes
type UnitKind string

const (
	UnitStep   UnitKind = "step"
	UnitReview UnitKind = "review"
)
