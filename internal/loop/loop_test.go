package loop

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/agent-run-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/ledger"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/logging"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/prompts"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/store"
)

const (
	directiveIterate = `{"critique":"needs work","instructions":"do it again","priority":"high","verdict":"changes_requested"}`
	directiveApprove = `{"critique":"all good","instructions":"","priority":"low","verdict":"approved"}`
	directiveAbort   = `{"critique":"impossible","instructions":"","priority":"low","verdict":"failed"}`
	workOutput       = `{"plan":"the plan","work":"the work"}`
)

func newTestLoop(t *testing.T, maxRounds int) (*Loop, *store.Store, *ledger.Ledger) {
	t.Helper()
	dir := t.TempDir()

	st, err := store.New(filepath.Join(dir, "orch.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	led, err := ledger.New(filepath.Join(dir, "ledgers"))
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}

	log := logging.New(io.Discard, "error", "test")
	lp := New(st, led, prompts.NewLoader(), log, maxRounds)
	lp.SetPollInterval(10 * time.Millisecond)
	return lp, st, led
}

func createRun(t *testing.T, st *store.Store, instruction string) *domain.WorkflowRun {
	t.Helper()
	now := time.Now()
	run := &domain.WorkflowRun{
		ID:          uuid.NewString(),
		Kind:        "workflow",
		Status:      domain.RunRunning,
		Instruction: instruction,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := st.CreateRun(run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return run
}

// runScripted completes dispatchable steps with outputs chosen by role,
// standing in for the scheduler, gateway, and runner.
func runScripted(t *testing.T, st *store.Store, outputFor func(step *domain.WorkflowStep) string) func() {
	t.Helper()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
			}
			steps, err := st.ListDispatchableSteps()
			if err != nil {
				continue
			}
			for _, step := range steps {
				if err := st.MarkStepRunning(step.ID, "test-runner"); err != nil {
					continue
				}
				result := &domain.StepResult{
					Output:    outputFor(step),
					SessionID: "sess-" + string(step.Role),
				}
				if err := st.CompleteStep(step.ID, result); err != nil {
					t.Errorf("CompleteStep: %v", err)
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

func TestLoopApprovedFirstRound(t *testing.T) {
	lp, st, led := newTestLoop(t, 3)
	run := createRun(t, st, "build the widget")

	stop := runScripted(t, st, func(step *domain.WorkflowStep) string {
		switch step.Role {
		case domain.RoleBootstrap:
			return directiveIterate
		case domain.RoleWorker:
			return workOutput
		default:
			return directiveApprove
		}
	})
	defer stop()

	outcome, err := lp.Execute(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome != domain.OutcomeApproved {
		t.Errorf("outcome = %q, want approved", outcome)
	}

	got, err := st.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != domain.RunCompleted {
		t.Errorf("run status = %q, want completed", got.Status)
	}
	if got.Outcome != domain.OutcomeApproved {
		t.Errorf("run outcome = %q, want approved", got.Outcome)
	}

	// bootstrap + one worker + one verifier
	steps, err := st.ListSteps(run.ID)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	if len(steps) != 3 {
		t.Errorf("step count = %d, want 3", len(steps))
	}

	doc, err := led.Read(run.ID)
	if err != nil {
		t.Fatalf("ledger.Read: %v", err)
	}
	if len(doc.Agents) != 2 {
		t.Errorf("agent identities = %d, want 2 (worker, verifier)", len(doc.Agents))
	}
	if len(doc.Log) == 0 || doc.Log[0].Role != domain.LedgerUser {
		t.Error("ledger does not start with the user instruction")
	}
}

func TestLoopBoundedRounds(t *testing.T) {
	const maxRounds = 2
	lp, st, _ := newTestLoop(t, maxRounds)
	run := createRun(t, st, "never good enough")

	stop := runScripted(t, st, func(step *domain.WorkflowStep) string {
		if step.Role == domain.RoleWorker {
			return workOutput
		}
		return directiveIterate // bootstrap and verifier always demand changes
	})
	defer stop()

	outcome, err := lp.Execute(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome != domain.OutcomeMaxRounds {
		t.Errorf("outcome = %q, want max-rounds", outcome)
	}

	steps, err := st.ListSteps(run.ID)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	// exactly maxRounds rounds ran, not one more: 1 bootstrap + 2 per round
	if want := 1 + 2*maxRounds; len(steps) != want {
		t.Errorf("step count = %d, want %d", len(steps), want)
	}

	got, _ := st.GetRun(run.ID)
	if got.Status != domain.RunFailed || got.Outcome != domain.OutcomeMaxRounds {
		t.Errorf("run = %s/%s, want failed/max-rounds", got.Status, got.Outcome)
	}
}

func TestLoopVerifierAbort(t *testing.T) {
	lp, st, _ := newTestLoop(t, 3)
	run := createRun(t, st, "risky change")

	stop := runScripted(t, st, func(step *domain.WorkflowStep) string {
		switch step.Role {
		case domain.RoleBootstrap:
			return directiveIterate
		case domain.RoleWorker:
			return workOutput
		default:
			return directiveAbort
		}
	})
	defer stop()

	outcome, err := lp.Execute(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome != domain.OutcomeFailed {
		t.Errorf("outcome = %q, want failed", outcome)
	}
	got, _ := st.GetRun(run.ID)
	if got.Outcome != domain.OutcomeFailed {
		t.Errorf("run outcome = %q, want failed", got.Outcome)
	}
}

func TestLoopInvalidWorkerOutputFailsRun(t *testing.T) {
	lp, st, _ := newTestLoop(t, 3)
	run := createRun(t, st, "produce garbage")

	stop := runScripted(t, st, func(step *domain.WorkflowStep) string {
		switch step.Role {
		case domain.RoleBootstrap:
			return directiveIterate
		case domain.RoleWorker:
			return `{"plan":"p","work":"w","surprise":"field"}`
		default:
			return directiveApprove
		}
	})
	defer stop()

	_, err := lp.Execute(context.Background(), run.ID)
	if err == nil {
		t.Fatal("want error for invalid worker output")
	}
	got, _ := st.GetRun(run.ID)
	if got.Status != domain.RunFailed {
		t.Errorf("run status = %q, want failed", got.Status)
	}
}

func TestLoopStepPayloadShape(t *testing.T) {
	lp, st, _ := newTestLoop(t, 1)
	run := createRun(t, st, "check payloads")

	var workerPayload domain.StepPayload
	stop := runScripted(t, st, func(step *domain.WorkflowStep) string {
		if step.Role == domain.RoleWorker {
			if err := json.Unmarshal(step.Data, &workerPayload); err != nil {
				t.Errorf("worker payload: %v", err)
			}
		}
		switch step.Role {
		case domain.RoleWorker:
			return workOutput
		case domain.RoleVerifier:
			return directiveApprove
		default:
			return directiveIterate
		}
	})
	defer stop()

	if _, err := lp.Execute(context.Background(), run.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if workerPayload.RunID != run.ID {
		t.Errorf("payload run_id = %q, want %q", workerPayload.RunID, run.ID)
	}
	if workerPayload.Round != 1 {
		t.Errorf("payload round = %d, want 1", workerPayload.Round)
	}
	if workerPayload.Prompt == "" || workerPayload.SessionID == "" {
		t.Error("payload missing prompt or session id")
	}
}

func TestSupervisorClaimsQueuedRuns(t *testing.T) {
	lp, st, _ := newTestLoop(t, 1)
	log := logging.New(io.Discard, "error", "test")
	sup := NewSupervisor(st, lp, log, 2)

	now := time.Now()
	run := &domain.WorkflowRun{
		ID:          uuid.NewString(),
		Kind:        "workflow",
		Status:      domain.RunQueued,
		Instruction: "queued work",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := st.CreateRun(run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	stop := runScripted(t, st, func(step *domain.WorkflowStep) string {
		switch step.Role {
		case domain.RoleWorker:
			return workOutput
		case domain.RoleBootstrap:
			return directiveIterate
		default:
			return directiveApprove
		}
	})
	defer stop()

	if err := sup.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := st.GetRun(run.ID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if got.Status == domain.RunCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never completed, status %s", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	sup.Stop()
}
