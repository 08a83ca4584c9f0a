package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/agent-run-orchestrator/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "orch.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func createRun(t *testing.T, st *Store) *domain.WorkflowRun {
	t.Helper()
	now := time.Now()
	run := &domain.WorkflowRun{
		ID: uuid.NewString(), Kind: "workflow", Status: domain.RunRunning,
		Instruction: "do the thing", CreatedAt: now, UpdatedAt: now,
	}
	if err := st.CreateRun(run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return run
}

func createStep(t *testing.T, st *Store, runID string, seq int, status domain.StepStatus) *domain.WorkflowStep {
	t.Helper()
	now := time.Now()
	step := &domain.WorkflowStep{
		ID: uuid.NewString(), WorkflowID: runID, Sequence: seq,
		Role: domain.RoleWorker, Status: status,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := st.CreateStep(step); err != nil {
		t.Fatalf("CreateStep: %v", err)
	}
	return step
}

func TestFinishRunSetsOutcomeOnce(t *testing.T) {
	st := newTestStore(t)
	run := createRun(t, st)

	if err := st.FinishRun(run.ID, domain.RunCompleted, domain.OutcomeApproved); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	// A second terminal write is a no-op; the first outcome stands.
	if err := st.FinishRun(run.ID, domain.RunFailed, domain.OutcomeFailed); err != nil {
		t.Fatalf("second FinishRun: %v", err)
	}

	got, err := st.GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.Outcome != domain.OutcomeApproved {
		t.Errorf("outcome = %s, want approved", got.Outcome)
	}
}

func TestListDispatchableStepsRespectsSequence(t *testing.T) {
	st := newTestStore(t)
	run := createRun(t, st)

	first := createStep(t, st, run.ID, 0, domain.StepQueued)
	createStep(t, st, run.ID, 1, domain.StepQueued)

	steps, err := st.ListDispatchableSteps()
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 1 || steps[0].ID != first.ID {
		t.Fatalf("expected only sequence 0 dispatchable, got %d steps", len(steps))
	}

	if err := st.MarkStepRunning(first.ID, "runner-1"); err != nil {
		t.Fatal(err)
	}
	if err := st.CompleteStep(first.ID, &domain.StepResult{Output: "ok"}); err != nil {
		t.Fatal(err)
	}

	steps, err = st.ListDispatchableSteps()
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 1 || steps[0].Sequence != 1 {
		t.Fatalf("expected sequence 1 dispatchable after 0 completed, got %+v", steps)
	}
}

func TestMarkStepRunningBumpsAttempts(t *testing.T) {
	st := newTestStore(t)
	run := createRun(t, st)
	step := createStep(t, st, run.ID, 0, domain.StepQueued)

	if err := st.MarkStepRunning(step.ID, "runner-1"); err != nil {
		t.Fatal(err)
	}
	got, _ := st.GetStep(step.ID)
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.Status != domain.StepRunning {
		t.Errorf("status = %s, want running", got.Status)
	}

	// Already running: a second claim is rejected.
	if err := st.MarkStepRunning(step.ID, "runner-2"); err == nil {
		t.Error("expected error claiming a running step")
	}
}

func TestTerminalStepsNeverRegress(t *testing.T) {
	st := newTestStore(t)
	run := createRun(t, st)
	step := createStep(t, st, run.ID, 0, domain.StepQueued)

	if err := st.MarkStepRunning(step.ID, "runner-1"); err != nil {
		t.Fatal(err)
	}
	if err := st.CompleteStep(step.ID, &domain.StepResult{Output: "done"}); err != nil {
		t.Fatal(err)
	}

	// Late failure and requeue attempts leave the step completed.
	st.FailStep(step.ID, "late failure")
	st.RequeueStep(step.ID, "late requeue")

	got, _ := st.GetStep(step.ID)
	if got.Status != domain.StepCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.Result == nil || got.Result.Output != "done" {
		t.Errorf("result lost: %+v", got.Result)
	}
}

func TestConsumeDispatchExactlyOnce(t *testing.T) {
	st := newTestStore(t)
	run := createRun(t, st)
	step := createStep(t, st, run.ID, 0, domain.StepRunning)

	now := time.Now()
	d := &domain.RunnerDispatch{
		SubjectID: step.ID, SubjectKind: domain.UnitStep,
		Token: uuid.NewString(), DispatchedAt: now, TimeoutAt: now.Add(time.Minute),
	}
	if err := st.CreateDispatch(d); err != nil {
		t.Fatal(err)
	}

	if _, err := st.ConsumeDispatch(step.ID, "wrong-token"); !errors.Is(err, ErrDispatchNotFound) {
		t.Errorf("wrong token = %v, want ErrDispatchNotFound", err)
	}

	got, err := st.ConsumeDispatch(step.ID, d.Token)
	if err != nil {
		t.Fatalf("ConsumeDispatch: %v", err)
	}
	if got.Token != d.Token {
		t.Errorf("token = %s, want %s", got.Token, d.Token)
	}

	if _, err := st.ConsumeDispatch(step.ID, d.Token); !errors.Is(err, ErrDispatchNotFound) {
		t.Errorf("replay = %v, want ErrDispatchNotFound", err)
	}
}

func TestExpiredDispatches(t *testing.T) {
	st := newTestStore(t)
	run := createRun(t, st)
	fresh := createStep(t, st, run.ID, 0, domain.StepRunning)
	stale := createStep(t, st, run.ID, 1, domain.StepRunning)

	now := time.Now()
	for _, d := range []*domain.RunnerDispatch{
		{SubjectID: fresh.ID, SubjectKind: domain.UnitStep, Token: uuid.NewString(), DispatchedAt: now, TimeoutAt: now.Add(time.Hour)},
		{SubjectID: stale.ID, SubjectKind: domain.UnitStep, Token: uuid.NewString(), DispatchedAt: now.Add(-time.Hour), TimeoutAt: now.Add(-time.Minute)},
	} {
		if err := st.CreateDispatch(d); err != nil {
			t.Fatal(err)
		}
	}

	expired, err := st.ExpiredDispatches(now)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].SubjectID != stale.ID {
		t.Fatalf("expected only the stale dispatch expired, got %d", len(expired))
	}
}

func TestOrphanedRunningSteps(t *testing.T) {
	st := newTestStore(t)
	run := createRun(t, st)
	orphan := createStep(t, st, run.ID, 0, domain.StepRunning)
	covered := createStep(t, st, run.ID, 1, domain.StepRunning)

	now := time.Now()
	if err := st.CreateDispatch(&domain.RunnerDispatch{
		SubjectID: covered.ID, SubjectKind: domain.UnitStep,
		Token: uuid.NewString(), DispatchedAt: now, TimeoutAt: now.Add(time.Minute),
	}); err != nil {
		t.Fatal(err)
	}

	orphans, err := st.OrphanedRunningSteps()
	if err != nil {
		t.Fatal(err)
	}
	if len(orphans) != 1 || orphans[0].ID != orphan.ID {
		t.Fatalf("expected one orphan %s, got %d", orphan.ID, len(orphans))
	}
}

func TestActiveReviewForPR(t *testing.T) {
	st := newTestStore(t)

	active, err := st.ActiveReviewForPR("pr-1")
	if err != nil {
		t.Fatal(err)
	}
	if active != nil {
		t.Fatalf("expected no active review, got %+v", active)
	}

	now := time.Now()
	run := &domain.ReviewRun{
		ID: uuid.NewString(), PullRequestID: "pr-1",
		Trigger: domain.TriggerManual, Status: domain.ReviewQueued,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := st.CreateReviewRun(run); err != nil {
		t.Fatal(err)
	}

	active, err = st.ActiveReviewForPR("pr-1")
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.ID != run.ID {
		t.Fatalf("expected active review %s, got %+v", run.ID, active)
	}

	if err := st.MarkReviewRunning(run.ID); err != nil {
		t.Fatal(err)
	}
	if err := st.CompleteReviewRun(run.ID, "fine", nil, "low", ""); err != nil {
		t.Fatal(err)
	}

	active, err = st.ActiveReviewForPR("pr-1")
	if err != nil {
		t.Fatal(err)
	}
	if active != nil {
		t.Errorf("completed review still reported active: %+v", active)
	}
}

func TestCreateReviewRunRejectsSecondActivePerPR(t *testing.T) {
	st := newTestStore(t)

	now := time.Now()
	first := &domain.ReviewRun{
		ID: uuid.NewString(), PullRequestID: "pr-1",
		Trigger: domain.TriggerManual, Status: domain.ReviewQueued,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := st.CreateReviewRun(first); err != nil {
		t.Fatal(err)
	}

	// A second active row for the same PR must hit the unique index,
	// both while the first is queued and while it is running.
	second := &domain.ReviewRun{
		ID: uuid.NewString(), PullRequestID: "pr-1",
		Trigger: domain.TriggerAutoOnUpdate, Status: domain.ReviewQueued,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := st.CreateReviewRun(second); err == nil {
		t.Error("duplicate queued review inserted")
	}
	if err := st.MarkReviewRunning(first.ID); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateReviewRun(second); err == nil {
		t.Error("duplicate review inserted while one is running")
	}

	// Once the first is terminal the PR is free again.
	if err := st.CompleteReviewRun(first.ID, "fine", nil, "low", ""); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateReviewRun(second); err != nil {
		t.Errorf("insert after completion: %v", err)
	}
}

func TestReviewFindingsRoundTrip(t *testing.T) {
	st := newTestStore(t)

	now := time.Now()
	run := &domain.ReviewRun{
		ID: uuid.NewString(), PullRequestID: "pr-2",
		Trigger: domain.TriggerAutoOnOpen, Status: domain.ReviewQueued,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := st.CreateReviewRun(run); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkReviewRunning(run.ID); err != nil {
		t.Fatal(err)
	}

	findings := []domain.Finding{
		{FilePath: "internal/a.go", DiffStartLine: 3, DiffEndLine: 5, Body: "leaks the handle"},
	}
	if err := st.CompleteReviewRun(run.ID, "one issue", findings, "medium", "/tmp/logs"); err != nil {
		t.Fatal(err)
	}

	got, err := st.GetReviewRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ReviewCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if len(got.Findings) != 1 || got.Findings[0].FilePath != "internal/a.go" {
		t.Errorf("findings = %+v", got.Findings)
	}
	if got.RiskAssessment != "medium" {
		t.Errorf("risk = %s, want medium", got.RiskAssessment)
	}
}

func TestPruneKeepsNewestRows(t *testing.T) {
	st := newTestStore(t)

	for i := 0; i < 6; i++ {
		if err := st.AppendRunnerEvent(uuid.NewString(), "completed", ""); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.PruneRunnerEvents(2); err != nil {
		t.Fatal(err)
	}

	events, err := st.RecentRunnerEvents(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Errorf("got %d events after prune, want 2", len(events))
	}
}
