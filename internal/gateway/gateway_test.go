package gateway

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/agent-run-orchestrator/internal/agentcall"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/bus"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/logging"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/store"
)

type recordingHandler struct {
	mu        sync.Mutex
	successes []string
	failures  []string
	store     *store.Store
}

func (h *recordingHandler) HandleSuccess(unitID string, result *domain.StepResult) error {
	h.mu.Lock()
	h.successes = append(h.successes, unitID)
	h.mu.Unlock()
	if h.store != nil {
		return h.store.CompleteStep(unitID, result)
	}
	return nil
}

func (h *recordingHandler) HandleFailure(unitID, reason string) error {
	h.mu.Lock()
	h.failures = append(h.failures, unitID)
	h.mu.Unlock()
	return nil
}

func newTestGateway(t *testing.T, cfg Config) (*Gateway, *store.Store, *recordingHandler) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "orch.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	log := logging.New(io.Discard, "error", "test")
	g := New(st, bus.NewMemoryBus(), bus.DefaultEventSubjects(""), log, cfg)
	h := &recordingHandler{store: st}
	g.RegisterHandler(domain.UnitStep, h)
	return g, st, h
}

func createStep(t *testing.T, st *store.Store, status domain.StepStatus) *domain.WorkflowStep {
	t.Helper()
	now := time.Now()
	run := &domain.WorkflowRun{
		ID: uuid.NewString(), Kind: "workflow", Status: domain.RunRunning,
		Instruction: "x", CreatedAt: now, UpdatedAt: now,
	}
	if err := st.CreateRun(run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	step := &domain.WorkflowStep{
		ID: uuid.NewString(), WorkflowID: run.ID, Sequence: 0,
		Role: domain.RoleWorker, Status: status,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := st.CreateStep(step); err != nil {
		t.Fatalf("CreateStep: %v", err)
	}
	return step
}

func TestReconcileExactlyOnce(t *testing.T) {
	g, st, h := newTestGateway(t, Config{Timeout: time.Minute})
	step := createStep(t, st, domain.StepRunning)

	if err := g.Dispatch(context.Background(), step.ID, domain.UnitStep, domain.StepPayload{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	d, err := st.GetDispatch(step.ID)
	if err != nil {
		t.Fatalf("GetDispatch: %v", err)
	}

	report := Report{Status: "completed", Result: &domain.StepResult{Output: "done"}}
	if err := g.Reconcile(step.ID, d.Token, report); err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	if len(h.successes) != 1 {
		t.Fatalf("successes = %d, want 1", len(h.successes))
	}

	// token is consumed: the duplicate is rejected, not re-applied
	err = g.Reconcile(step.ID, d.Token, report)
	if !errors.Is(err, ErrAlreadyReconciled) {
		t.Errorf("duplicate reconcile = %v, want ErrAlreadyReconciled", err)
	}
	if len(h.successes) != 1 {
		t.Errorf("handler ran again on duplicate, successes = %d", len(h.successes))
	}
}

func TestReconcileRejectsWrongToken(t *testing.T) {
	g, st, _ := newTestGateway(t, Config{Timeout: time.Minute})
	step := createStep(t, st, domain.StepRunning)

	if err := g.Dispatch(context.Background(), step.ID, domain.UnitStep, domain.StepPayload{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	err := g.Reconcile(step.ID, "forged-token", Report{Status: "completed"})
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Reconcile = %v, want ErrInvalidToken", err)
	}

	// the real token still works after a forged attempt
	d, _ := st.GetDispatch(step.ID)
	if err := g.Reconcile(step.ID, d.Token, Report{Status: "completed", Result: &domain.StepResult{Output: "ok"}}); err != nil {
		t.Errorf("Reconcile with valid token: %v", err)
	}
}

func TestReconcileUnknownUnit(t *testing.T) {
	g, _, _ := newTestGateway(t, Config{Timeout: time.Minute})
	err := g.Reconcile("no-such-unit", "tok", Report{Status: "completed"})
	if !errors.Is(err, ErrUnknownUnit) {
		t.Errorf("Reconcile = %v, want ErrUnknownUnit", err)
	}
}

func TestReconcileFailureDelegatesToHandler(t *testing.T) {
	g, st, h := newTestGateway(t, Config{Timeout: time.Minute})
	step := createStep(t, st, domain.StepRunning)

	if err := g.Dispatch(context.Background(), step.ID, domain.UnitStep, domain.StepPayload{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	d, _ := st.GetDispatch(step.ID)

	if err := g.Reconcile(step.ID, d.Token, Report{Status: "failed", Error: "exit 1"}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(h.failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(h.failures))
	}

	// the gateway never writes terminal failure itself; the step is
	// whatever the handler left it as
	got, err := st.GetStep(step.ID)
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if got.Status == domain.StepFailed {
		t.Error("gateway wrote terminal failure; that is the handler's call")
	}
}

func TestExpireOverdue(t *testing.T) {
	g, st, h := newTestGateway(t, Config{Timeout: 10 * time.Millisecond})
	step := createStep(t, st, domain.StepRunning)

	if err := g.Dispatch(context.Background(), step.ID, domain.UnitStep, domain.StepPayload{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	n, err := g.ExpireOverdue(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ExpireOverdue: %v", err)
	}
	if n != 1 {
		t.Errorf("expired = %d, want 1", n)
	}
	if len(h.failures) != 1 {
		t.Errorf("failures = %d, want 1", len(h.failures))
	}

	// the dispatch is gone: a late callback is rejected
	d, derr := st.GetDispatch(step.ID)
	if derr == nil && d != nil {
		t.Error("expired dispatch still present")
	}
	if err := g.Reconcile(step.ID, "late-token", Report{Status: "completed"}); !errors.Is(err, ErrAlreadyReconciled) {
		t.Errorf("late callback = %v, want ErrAlreadyReconciled", err)
	}
}

func TestExpireOverdueLeavesFreshDispatches(t *testing.T) {
	g, st, _ := newTestGateway(t, Config{Timeout: time.Hour})
	step := createStep(t, st, domain.StepRunning)

	if err := g.Dispatch(context.Background(), step.ID, domain.UnitStep, domain.StepPayload{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	n, err := g.ExpireOverdue(time.Now())
	if err != nil {
		t.Fatalf("ExpireOverdue: %v", err)
	}
	if n != 0 {
		t.Errorf("expired = %d, want 0", n)
	}
	if _, err := st.GetDispatch(step.ID); err != nil {
		t.Errorf("fresh dispatch removed: %v", err)
	}
}

func TestDispatchLaunchFailureReleasesDispatch(t *testing.T) {
	g, st, _ := newTestGateway(t, Config{
		RunnerCommand: []string{"/nonexistent/orch-runner"},
		Timeout:       time.Minute,
	})
	step := createStep(t, st, domain.StepRunning)

	err := g.Dispatch(context.Background(), step.ID, domain.UnitStep, domain.StepPayload{})
	if err == nil {
		t.Fatal("Dispatch with a missing runner binary should fail")
	}

	// The callback expectation must not survive a failed launch;
	// otherwise a requeued attempt collides with the stale row.
	if _, gerr := st.GetDispatch(step.ID); gerr == nil {
		t.Error("dispatch row left open after failed launch")
	}

	// A later attempt can record a fresh dispatch.
	if derr := st.CreateDispatch(&domain.RunnerDispatch{
		SubjectID: step.ID, SubjectKind: domain.UnitStep, Token: uuid.NewString(),
		DispatchedAt: time.Now(), TimeoutAt: time.Now().Add(time.Minute),
	}); derr != nil {
		t.Errorf("fresh dispatch after failed launch: %v", derr)
	}
}

type stubCaller struct {
	output string
}

func (s *stubCaller) Call(_ context.Context, _, sessionID string) (*agentcall.Result, error) {
	return &agentcall.Result{Output: s.output, SessionID: sessionID}, nil
}

func TestEmbeddedRunnerReconciles(t *testing.T) {
	caller := &stubCaller{output: "agent says hi"}
	g, st, h := newTestGateway(t, Config{Timeout: time.Minute, Embedded: caller})
	step := createStep(t, st, domain.StepRunning)

	if err := g.Dispatch(context.Background(), step.ID, domain.UnitStep, domain.StepPayload{Prompt: "hello"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		h.mu.Lock()
		done := len(h.successes) == 1
		h.mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("embedded runner never reconciled")
		}
		time.Sleep(5 * time.Millisecond)
	}

	got, err := st.GetStep(step.ID)
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if got.Result == nil || got.Result.Output != "agent says hi" {
		t.Errorf("step result = %+v", got.Result)
	}
}
