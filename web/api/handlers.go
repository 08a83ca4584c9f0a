package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/agent-run-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/gateway"
)

// RunResponse is the API shape of a workflow run
type RunResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind,omitempty"`
	Status      string `json:"status"`
	Outcome     string `json:"outcome,omitempty"`
	Instruction string `json:"instruction"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// StepResponse is the API shape of a workflow step
type StepResponse struct {
	ID        string `json:"id"`
	Sequence  int    `json:"sequence"`
	Role      string `json:"role"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// ReviewResponse is the API shape of a review run
type ReviewResponse struct {
	ID             string           `json:"id"`
	PullRequestID  string           `json:"pull_request_id"`
	Trigger        string           `json:"trigger"`
	Status         string           `json:"status"`
	Attempts       int              `json:"attempts"`
	Summary        string           `json:"summary,omitempty"`
	RiskAssessment string           `json:"risk_assessment,omitempty"`
	Findings       []domain.Finding `json:"findings,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
}

// ThreadResponse is a review thread with its comments
type ThreadResponse struct {
	ID            string            `json:"id"`
	ReviewRunID   string            `json:"review_run_id"`
	FilePath      string            `json:"file_path"`
	DiffStartLine int               `json:"diff_start_line"`
	DiffEndLine   int               `json:"diff_end_line"`
	Resolved      bool              `json:"resolved"`
	Comments      []CommentResponse `json:"comments"`
}

// CommentResponse is one message in a thread
type CommentResponse struct {
	ID             string `json:"id"`
	AuthorKind     string `json:"author_kind"`
	Body           string `json:"body"`
	SuggestedPatch string `json:"suggested_patch,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// HealthResponse is the API shape of /api/health
type HealthResponse struct {
	StepCounts     map[domain.StepStatus]int `json:"step_counts"`
	OldestQueuedMS int64                     `json:"oldest_queued_ms"`
	OpenDispatches int                       `json:"open_dispatches"`
	DeadLetters    []DeadLetterResponse      `json:"dead_letters"`
	RunnerEvents   []RunnerEventResponse     `json:"runner_events"`
}

// DeadLetterResponse is one exhausted unit
type DeadLetterResponse struct {
	SubjectID  string `json:"subject_id"`
	LastError  string `json:"last_error"`
	Attempts   int    `json:"attempts"`
	RecordedAt string `json:"recorded_at"`
}

// RunnerEventResponse is one line of the operational log
type RunnerEventResponse struct {
	UnitID    string `json:"unit_id"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

func runToResponse(r *domain.WorkflowRun) RunResponse {
	return RunResponse{
		ID:          r.ID,
		Kind:        r.Kind,
		Status:      string(r.Status),
		Outcome:     string(r.Outcome),
		Instruction: r.Instruction,
		CreatedAt:   r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   r.UpdatedAt.Format(time.RFC3339),
	}
}

func stepToResponse(st *domain.WorkflowStep) StepResponse {
	return StepResponse{
		ID:        st.ID,
		Sequence:  st.Sequence,
		Role:      string(st.Role),
		Status:    string(st.Status),
		Attempts:  st.Attempts,
		LastError: st.LastError,
	}
}

func reviewToResponse(r *domain.ReviewRun) ReviewResponse {
	return ReviewResponse{
		ID:             r.ID,
		PullRequestID:  r.PullRequestID,
		Trigger:        string(r.Trigger),
		Status:         string(r.Status),
		Attempts:       r.Attempts,
		Summary:        r.Summary,
		RiskAssessment: r.RiskAssessment,
		Findings:       r.Findings,
		LastError:      r.LastError,
	}
}

// callbackHandler reconciles a runner callback. The single-use token
// travels as a bearer credential, the unit ID in the path.
func (s *Server) callbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		// Path shape: /runs/{unitID}/callback
		rest := strings.TrimPrefix(r.URL.Path, "/runs/")
		unitID, ok := strings.CutSuffix(rest, "/callback")
		if !ok || unitID == "" || strings.Contains(unitID, "/") {
			writeError(w, http.StatusNotFound, "not found")
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		var report gateway.Report
		dec := json.NewDecoder(r.Body)
		if err := dec.Decode(&report); err != nil {
			writeError(w, http.StatusBadRequest, "malformed report: "+err.Error())
			return
		}
		if report.Status != "completed" && report.Status != "failed" {
			writeError(w, http.StatusBadRequest, "status must be completed or failed")
			return
		}

		err := s.gateway.Reconcile(unitID, token, report)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		case errors.Is(err, gateway.ErrAlreadyReconciled):
			// Replay of a consumed token. The original outcome stands
			// and a consumed token is no longer a valid credential.
			writeError(w, http.StatusUnauthorized, "invalid or consumed token")
		case errors.Is(err, gateway.ErrInvalidToken):
			writeError(w, http.StatusUnauthorized, "invalid or consumed token")
		case errors.Is(err, gateway.ErrUnknownUnit):
			writeError(w, http.StatusNotFound, "unknown unit")
		default:
			s.log.Error("callback reconcile", map[string]interface{}{
				"unit_id": unitID, "error": err,
			})
			writeError(w, http.StatusInternalServerError, err.Error())
		}
	}
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		metrics, err := s.workflow.Metrics()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		resp := HealthResponse{
			StepCounts:     metrics.StepCounts,
			OldestQueuedMS: metrics.OldestQueuedMS,
		}

		if open, err := s.gateway.OpenDispatches(); err == nil {
			resp.OpenDispatches = len(open)
		}

		letters, err := s.store.RecentDeadLetters(20)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.DeadLetters = make([]DeadLetterResponse, 0, len(letters))
		for _, e := range letters {
			resp.DeadLetters = append(resp.DeadLetters, DeadLetterResponse{
				SubjectID:  e.SubjectID,
				LastError:  e.LastError,
				Attempts:   e.Attempts,
				RecordedAt: e.RecordedAt.Format(time.RFC3339),
			})
		}

		events, err := s.store.RecentRunnerEvents(50)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.RunnerEvents = make([]RunnerEventResponse, 0, len(events))
		for _, e := range events {
			resp.RunnerEvents = append(resp.RunnerEvents, RunnerEventResponse{
				UnitID:    e.UnitID,
				Outcome:   e.Outcome,
				Detail:    e.Detail,
				Timestamp: e.Timestamp.Format(time.RFC3339),
			})
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) runsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.listRuns(w, r)
		case http.MethodPost:
			s.submitRun(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	statuses := []domain.RunStatus{
		domain.RunQueued, domain.RunRunning, domain.RunCompleted, domain.RunFailed,
	}
	if q := r.URL.Query().Get("status"); q != "" {
		statuses = []domain.RunStatus{domain.RunStatus(q)}
	}

	responses := []RunResponse{}
	for _, status := range statuses {
		runs, err := s.store.ListRunsByStatus(status)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, run := range runs {
			responses = append(responses, runToResponse(run))
		}
	}

	writeJSON(w, http.StatusOK, responses)
}

type submitRunRequest struct {
	Instruction string `json:"instruction"`
	Kind        string `json:"kind"`
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Instruction) == "" {
		writeError(w, http.StatusBadRequest, "instruction required")
		return
	}

	now := time.Now()
	run := &domain.WorkflowRun{
		ID:          uuid.NewString(),
		Kind:        req.Kind,
		Status:      domain.RunQueued,
		Instruction: req.Instruction,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateRun(run); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.log.Info("run submitted", map[string]interface{}{"run_id": run.ID})
	writeJSON(w, http.StatusCreated, runToResponse(run))
}

func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		id := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		if id == "" || strings.Contains(id, "/") {
			writeError(w, http.StatusBadRequest, "run ID required")
			return
		}

		run, err := s.store.GetRun(id)
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		steps, err := s.store.ListSteps(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		stepResponses := make([]StepResponse, 0, len(steps))
		for _, st := range steps {
			stepResponses = append(stepResponses, stepToResponse(st))
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"run":   runToResponse(run),
			"steps": stepResponses,
		})
	}
}

func (s *Server) reviewsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.listReviews(w, r)
		case http.MethodPost:
			s.requestReview(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) listReviews(w http.ResponseWriter, r *http.Request) {
	statuses := []domain.ReviewStatus{
		domain.ReviewQueued, domain.ReviewRunning, domain.ReviewCompleted, domain.ReviewFailed,
	}
	if q := r.URL.Query().Get("status"); q != "" {
		statuses = []domain.ReviewStatus{domain.ReviewStatus(q)}
	}

	responses := []ReviewResponse{}
	for _, status := range statuses {
		runs, err := s.store.ListReviewRunsByStatus(status)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, run := range runs {
			responses = append(responses, reviewToResponse(run))
		}
	}

	writeJSON(w, http.StatusOK, responses)
}

type requestReviewRequest struct {
	PullRequestID string `json:"pull_request_id"`
	Trigger       string `json:"trigger"`
}

func (s *Server) requestReview(w http.ResponseWriter, r *http.Request) {
	var req requestReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}
	if req.PullRequestID == "" {
		writeError(w, http.StatusBadRequest, "pull_request_id required")
		return
	}

	trigger := domain.ReviewTrigger(req.Trigger)
	if trigger == "" {
		trigger = domain.TriggerManual
	}

	run, created, err := s.reviews.RequestReview(req.PullRequestID, trigger)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	code := http.StatusOK // an active review already covers this PR
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, reviewToResponse(run))
}

func (s *Server) getReviewHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		id := strings.TrimPrefix(r.URL.Path, "/api/reviews/")
		if id == "" || strings.Contains(id, "/") {
			writeError(w, http.StatusBadRequest, "review ID required")
			return
		}

		run, err := s.store.GetReviewRun(id)
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "review not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, reviewToResponse(run))
	}
}

// prThreadsHandler serves /api/prs/{id}/threads: every thread on the PR
// with its comments, oldest first.
func (s *Server) prThreadsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		rest := strings.TrimPrefix(r.URL.Path, "/api/prs/")
		prID, ok := strings.CutSuffix(rest, "/threads")
		if !ok || prID == "" || strings.Contains(prID, "/") {
			writeError(w, http.StatusNotFound, "not found")
			return
		}

		threads, err := s.store.ThreadsForPR(prID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		responses := make([]ThreadResponse, 0, len(threads))
		for _, th := range threads {
			comments, err := s.store.CommentsForThread(th.ID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			tr := ThreadResponse{
				ID:            th.ID,
				ReviewRunID:   th.ReviewRunID,
				FilePath:      th.FilePath,
				DiffStartLine: th.DiffStartLine,
				DiffEndLine:   th.DiffEndLine,
				Resolved:      th.Resolved,
				Comments:      make([]CommentResponse, 0, len(comments)),
			}
			for _, c := range comments {
				tr.Comments = append(tr.Comments, CommentResponse{
					ID:             c.ID,
					AuthorKind:     string(c.AuthorKind),
					Body:           c.Body,
					SuggestedPatch: c.SuggestedPatch,
					CreatedAt:      c.CreatedAt.Format(time.RFC3339),
				})
			}
			responses = append(responses, tr)
		}

		writeJSON(w, http.StatusOK, responses)
	}
}
