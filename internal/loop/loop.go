// Package loop drives a workflow run through its bootstrap and
// worker/verifier rounds. The loop never executes agents itself: it
// creates step rows, waits for the scheduler and runner to complete
// them, and interprets the results.
package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/agent-run-orchestrator/internal/agentcall"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/ledger"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/logging"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/prompts"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/schema"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/store"
)

const DefaultMaxRounds = 3

// Loop executes one workflow run to completion.
type Loop struct {
	store        *store.Store
	ledger       *ledger.Ledger
	prompts      *prompts.Loader
	log          *logging.Logger
	maxRounds    int
	pollInterval time.Duration
}

func New(st *store.Store, led *ledger.Ledger, loader *prompts.Loader, log *logging.Logger, maxRounds int) *Loop {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	return &Loop{
		store:        st,
		ledger:       led,
		prompts:      loader,
		log:          log.With("loop"),
		maxRounds:    maxRounds,
		pollInterval: 250 * time.Millisecond,
	}
}

// SetPollInterval adjusts how often the loop checks for step completion.
func (l *Loop) SetPollInterval(d time.Duration) {
	if d > 0 {
		l.pollInterval = d
	}
}

// Execute runs the full bootstrap and round sequence for runID and
// records its terminal outcome. The returned outcome is only valid when
// err is nil or the run finished with a failure outcome.
func (l *Loop) Execute(ctx context.Context, runID string) (domain.Outcome, error) {
	run, err := l.store.GetRun(runID)
	if err != nil {
		return "", fmt.Errorf("loading run %s: %w", runID, err)
	}

	if err := l.ledger.Append(runID, domain.LedgerUser, map[string]interface{}{
		"instruction": run.Instruction,
	}); err != nil {
		return "", fmt.Errorf("recording instruction: %w", err)
	}

	directive, err := l.bootstrap(ctx, run)
	if err != nil {
		return l.failRun(runID, err)
	}

	for round := 1; round <= l.maxRounds; round++ {
		work, err := l.workerRound(ctx, run, round, directive)
		if err != nil {
			return l.failRun(runID, err)
		}

		directive, err = l.verifierRound(ctx, run, round, work)
		if err != nil {
			return l.failRun(runID, err)
		}

		switch directive.Verdict {
		case domain.VerdictApproved:
			if err := l.store.FinishRun(runID, domain.RunCompleted, domain.OutcomeApproved); err != nil {
				return "", err
			}
			l.log.Info("run approved", map[string]interface{}{"run_id": runID, "rounds": round})
			return domain.OutcomeApproved, nil
		case domain.VerdictFailed:
			if err := l.store.FinishRun(runID, domain.RunFailed, domain.OutcomeFailed); err != nil {
				return "", err
			}
			l.log.Warn("run failed by verifier", map[string]interface{}{"run_id": runID, "rounds": round})
			return domain.OutcomeFailed, nil
		}
		// changes_requested: next round continues with the new directive
	}

	if err := l.store.FinishRun(runID, domain.RunFailed, domain.OutcomeMaxRounds); err != nil {
		return "", err
	}
	l.log.Warn("run exhausted rounds", map[string]interface{}{"run_id": runID, "rounds": l.maxRounds})
	return domain.OutcomeMaxRounds, nil
}

// bootstrap runs the sequence-0 step that turns the user instruction
// into the first round's directive. It is executed by the verifier agent.
func (l *Loop) bootstrap(ctx context.Context, run *domain.WorkflowRun) (*schema.Directive, error) {
	prompt, err := l.prompts.BuildBootstrapPrompt(prompts.BootstrapData{Instruction: run.Instruction})
	if err != nil {
		return nil, err
	}

	result, err := l.runStep(ctx, run.ID, 0, domain.RoleBootstrap, domain.StepPayload{
		RunID:     run.ID,
		Role:      domain.RoleBootstrap,
		Round:     0,
		Prompt:    prompt,
		SessionID: agentcall.SessionID(run.ID + "/verifier"),
	})
	if err != nil {
		return nil, err
	}

	directive, err := schema.DecodeBootstrap(result.Output)
	if err != nil {
		return nil, err
	}

	if err := l.ledger.RecordAgent(run.ID, domain.LedgerVerifier, result.SessionID); err != nil {
		return nil, err
	}
	if err := l.ledger.Append(run.ID, domain.LedgerVerifier, map[string]interface{}{
		"round":        0,
		"critique":     directive.Critique,
		"instructions": directive.Instructions,
		"priority":     directive.Priority,
		"verdict":      string(directive.Verdict),
	}); err != nil {
		return nil, err
	}
	return directive, nil
}

func (l *Loop) workerRound(ctx context.Context, run *domain.WorkflowRun, round int, directive *schema.Directive) (*schema.WorkOutput, error) {
	prompt, err := l.prompts.BuildWorkerPrompt(prompts.WorkerData{
		Round:        round,
		MaxRounds:    l.maxRounds,
		Instructions: directive.Instructions,
		Critique:     directive.Critique,
		Priority:     directive.Priority,
	})
	if err != nil {
		return nil, err
	}

	result, err := l.runStep(ctx, run.ID, 2*round-1, domain.RoleWorker, domain.StepPayload{
		RunID:     run.ID,
		Role:      domain.RoleWorker,
		Round:     round,
		Prompt:    prompt,
		SessionID: agentcall.SessionID(run.ID + "/worker"),
	})
	if err != nil {
		return nil, err
	}

	work, err := schema.DecodeWorkOutput(result.Output)
	if err != nil {
		return nil, err
	}

	if err := l.ledger.RecordAgent(run.ID, domain.LedgerWorker, result.SessionID); err != nil {
		return nil, err
	}
	if err := l.ledger.Append(run.ID, domain.LedgerWorker, map[string]interface{}{
		"round": round,
		"plan":  work.Plan,
		"work":  work.Work,
	}); err != nil {
		return nil, err
	}
	return work, nil
}

func (l *Loop) verifierRound(ctx context.Context, run *domain.WorkflowRun, round int, work *schema.WorkOutput) (*schema.Directive, error) {
	prompt, err := l.prompts.BuildVerifierPrompt(prompts.VerifierData{
		Round:       round,
		MaxRounds:   l.maxRounds,
		Instruction: run.Instruction,
		Plan:        work.Plan,
		Work:        work.Work,
	})
	if err != nil {
		return nil, err
	}

	result, err := l.runStep(ctx, run.ID, 2*round, domain.RoleVerifier, domain.StepPayload{
		RunID:     run.ID,
		Role:      domain.RoleVerifier,
		Round:     round,
		Prompt:    prompt,
		SessionID: agentcall.SessionID(run.ID + "/verifier"),
	})
	if err != nil {
		return nil, err
	}

	directive, err := schema.DecodeDirective(domain.RoleVerifier, result.Output)
	if err != nil {
		return nil, err
	}

	if err := l.ledger.Append(run.ID, domain.LedgerVerifier, map[string]interface{}{
		"round":        round,
		"critique":     directive.Critique,
		"instructions": directive.Instructions,
		"priority":     directive.Priority,
		"verdict":      string(directive.Verdict),
	}); err != nil {
		return nil, err
	}
	return directive, nil
}

// runStep persists a queued step and waits for the scheduler to drive it
// to a terminal state.
func (l *Loop) runStep(ctx context.Context, runID string, sequence int, role domain.StepRole, payload domain.StepPayload) (*domain.StepResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	step := &domain.WorkflowStep{
		ID:         uuid.NewString(),
		WorkflowID: runID,
		Sequence:   sequence,
		Role:       role,
		Status:     domain.StepQueued,
		Data:       data,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := l.store.CreateStep(step); err != nil {
		return nil, fmt.Errorf("creating %s step: %w", role, err)
	}
	l.log.Debug("step queued", map[string]interface{}{"run_id": runID, "step_id": step.ID, "role": string(role)})

	return l.awaitStep(ctx, step.ID)
}

// awaitStep polls until the step reaches a terminal state.
func (l *Loop) awaitStep(ctx context.Context, stepID string) (*domain.StepResult, error) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		step, err := l.store.GetStep(stepID)
		if err != nil {
			return nil, err
		}
		switch step.Status {
		case domain.StepCompleted:
			if step.Result == nil {
				return nil, fmt.Errorf("step %s completed without result", stepID)
			}
			return step.Result, nil
		case domain.StepFailed:
			return nil, fmt.Errorf("step %s failed: %s", stepID, step.LastError)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// failRun records a terminal failure and surfaces the cause.
func (l *Loop) failRun(runID string, cause error) (domain.Outcome, error) {
	if err := l.store.FinishRun(runID, domain.RunFailed, domain.OutcomeFailed); err != nil {
		l.log.Error("recording run failure", map[string]interface{}{"run_id": runID, "error": err})
	}
	l.log.Error("run failed", map[string]interface{}{"run_id": runID, "error": cause})
	return domain.OutcomeFailed, cause
}
