package domain

import "time"

// ReviewRun is one review pass over a pull request
type ReviewRun struct {
	ID             string
	PullRequestID  string
	Trigger        ReviewTrigger
	Status         ReviewStatus
	Attempts       int
	Summary        string
	Findings       []Finding
	RiskAssessment string
	LogsPath       string
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Finding is one located observation produced by a review pass
type Finding struct {
	FilePath       string `json:"file_path"`
	DiffStartLine  int    `json:"diff_start_line"`
	DiffEndLine    int    `json:"diff_end_line"`
	Body           string `json:"body"`
	SuggestedPatch string `json:"suggested_patch,omitempty"`
}

// ReviewThread is a located discussion anchored to a diff range
type ReviewThread struct {
	ID            string
	ReviewRunID   string
	PullRequestID string
	FilePath      string
	DiffStartLine int
	DiffEndLine   int
	Resolved      bool
	CreatedAt     time.Time
}

// ReviewComment is one message inside a review thread
type ReviewComment struct {
	ID             string
	ThreadID       string
	AuthorKind     AuthorKind
	Body           string
	SuggestedPatch string
	CreatedAt      time.Time
}

// PullRequest is the slice of PR state the review scheduler needs.
// Resolution from an external forge happens outside this core.
type PullRequest struct {
	ID           string
	RepoDir      string
	SourceBranch string
	TargetBranch string
}
