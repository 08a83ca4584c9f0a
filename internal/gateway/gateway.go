// Package gateway hands units of work to runners and reconciles their
// authenticated callbacks. Dispatch is non-blocking and at-least-once;
// reconciliation is exactly-once per dispatch, enforced by a single-use
// callback token that lives in the store.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/agent-run-orchestrator/internal/agentcall"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/bus"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/logging"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/store"
)

var (
	// ErrUnknownUnit means no unit with that ID exists.
	ErrUnknownUnit = errors.New("unknown unit")
	// ErrInvalidToken means the unit has an open dispatch but the token
	// does not match it.
	ErrInvalidToken = errors.New("invalid callback token")
	// ErrAlreadyReconciled means the unit's dispatch was already
	// consumed; the duplicate callback is harmless.
	ErrAlreadyReconciled = errors.New("dispatch already reconciled")
)

// Report is the terminal status a runner posts back for a unit.
type Report struct {
	Status   string             `json:"status"` // completed | failed
	Result   *domain.StepResult `json:"result,omitempty"`
	Error    string             `json:"error,omitempty"`
	LogsPath string             `json:"logs_path,omitempty"`
}

// UnitHandler reconciles terminal runner reports for one unit kind.
// HandleFailure decides between requeue and dead-letter; the gateway
// never writes terminal failure itself.
type UnitHandler interface {
	HandleSuccess(unitID string, result *domain.StepResult) error
	HandleFailure(unitID, reason string) error
}

// Config carries the runner launch settings.
type Config struct {
	// RunnerCommand launches an external runner per dispatch. The
	// callback URL, token and unit ID are passed in the environment and
	// the payload on stdin. Empty means no external runner.
	RunnerCommand []string
	// CallbackURL is the base URL runners post their reports to.
	CallbackURL string
	// CACertPath is handed to runners for verifying the callback TLS
	// endpoint.
	CACertPath string
	// Timeout bounds how long a dispatched unit may stay unreconciled.
	Timeout time.Duration
	// Embedded executes units in-process when no RunnerCommand is set.
	Embedded agentcall.Caller
}

// Gateway dispatches units and reconciles runner callbacks.
type Gateway struct {
	store    *store.Store
	bus      bus.Bus
	subjects bus.EventSubjects
	log      *logging.Logger
	cfg      Config

	mu       sync.RWMutex
	handlers map[domain.UnitKind]UnitHandler
}

func New(st *store.Store, b bus.Bus, subjects bus.EventSubjects, log *logging.Logger, cfg Config) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	return &Gateway{
		store:    st,
		bus:      b,
		subjects: subjects,
		log:      log.With("gateway"),
		cfg:      cfg,
		handlers: make(map[domain.UnitKind]UnitHandler),
	}
}

// RegisterHandler binds the reconciliation handler for a unit kind.
func (g *Gateway) RegisterHandler(kind domain.UnitKind, h UnitHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[kind] = h
}

func (g *Gateway) handler(kind domain.UnitKind) UnitHandler {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.handlers[kind]
}

// Dispatch records a callback expectation for the unit and hands it to a
// runner. It returns as soon as the runner is launched; completion
// arrives later through Reconcile.
func (g *Gateway) Dispatch(ctx context.Context, unitID string, kind domain.UnitKind, payload domain.StepPayload) error {
	now := time.Now()
	dispatch := &domain.RunnerDispatch{
		SubjectID:    unitID,
		SubjectKind:  kind,
		Token:        uuid.NewString(),
		DispatchedAt: now,
		TimeoutAt:    now.Add(g.cfg.Timeout),
	}
	if err := g.store.CreateDispatch(dispatch); err != nil {
		return fmt.Errorf("recording dispatch for %s: %w", unitID, err)
	}

	g.recordEvent(unitID, "dispatched", string(kind))
	g.publish(bus.EventTypeStepDispatched, unitID, map[string]string{"kind": string(kind)})

	if len(g.cfg.RunnerCommand) > 0 {
		if err := g.launchRunner(ctx, unitID, kind, dispatch.Token, payload); err != nil {
			// No runner means no callback will ever arrive. Release the
			// dispatch row so a requeued attempt can mint a fresh one
			// instead of colliding with this orphan.
			if derr := g.store.DeleteDispatch(unitID); derr != nil {
				g.log.Error("releasing dispatch after failed launch", map[string]interface{}{"unit_id": unitID, "error": derr})
			}
			g.recordEvent(unitID, "launch_failed", err.Error())
			return err
		}
		return nil
	}
	if g.cfg.Embedded != nil {
		go g.runEmbedded(ctx, unitID, dispatch.Token, payload)
		return nil
	}
	// No runner configured: the dispatch row stays open for an external
	// runner fleet that picks units up on its own.
	return nil
}

// launchRunner starts the external runner process without waiting for it.
func (g *Gateway) launchRunner(ctx context.Context, unitID string, kind domain.UnitKind, token string, payload domain.StepPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, g.cfg.RunnerCommand[0], g.cfg.RunnerCommand[1:]...)
	cmd.Stdin = strings.NewReader(string(data))
	cmd.Env = append(os.Environ(),
		"ORCH_UNIT_ID="+unitID,
		"ORCH_UNIT_KIND="+string(kind),
		"ORCH_CALLBACK_URL="+g.cfg.CallbackURL,
		"ORCH_CALLBACK_TOKEN="+token,
	)
	if g.cfg.CACertPath != "" {
		cmd.Env = append(cmd.Env, "ORCH_CALLBACK_CA="+g.cfg.CACertPath)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting runner for %s: %w", unitID, err)
	}
	g.log.Info("runner launched", map[string]interface{}{"unit_id": unitID, "pid": cmd.Process.Pid})

	// Reap the process; its exit code is advisory, the callback is the
	// source of truth.
	go func() {
		if err := cmd.Wait(); err != nil {
			g.log.Warn("runner exited nonzero", map[string]interface{}{"unit_id": unitID, "error": err})
		}
	}()
	return nil
}

// runEmbedded executes the unit in-process and feeds the result through
// the same reconciliation path an external runner would use.
func (g *Gateway) runEmbedded(ctx context.Context, unitID, token string, payload domain.StepPayload) {
	result, err := g.cfg.Embedded.Call(ctx, payload.Prompt, payload.SessionID)

	var report Report
	if err != nil {
		report = Report{Status: "failed", Error: err.Error()}
	} else {
		report = Report{
			Status: "completed",
			Result: &domain.StepResult{
				Output:    result.Output,
				SessionID: result.SessionID,
			},
		}
	}
	if err := g.Reconcile(unitID, token, report); err != nil {
		g.log.Error("embedded reconcile failed", map[string]interface{}{"unit_id": unitID, "error": err})
	}
}

// Reconcile consumes the unit's dispatch and applies the runner's
// report. A valid token is consumed exactly once; duplicates and
// mismatches come back as typed errors.
func (g *Gateway) Reconcile(unitID, token string, report Report) error {
	dispatch, err := g.store.ConsumeDispatch(unitID, token)
	if err != nil {
		if errors.Is(err, store.ErrDispatchNotFound) {
			return g.classifyMiss(unitID, token)
		}
		return err
	}

	handler := g.handler(dispatch.SubjectKind)
	if handler == nil {
		return fmt.Errorf("no handler registered for unit kind %s", dispatch.SubjectKind)
	}

	switch report.Status {
	case "completed":
		result := report.Result
		if result == nil {
			result = &domain.StepResult{}
		}
		if report.LogsPath != "" && result.LogsPath == "" {
			result.LogsPath = report.LogsPath
		}
		if err := handler.HandleSuccess(unitID, result); err != nil {
			return fmt.Errorf("completing %s: %w", unitID, err)
		}
		g.recordEvent(unitID, "completed", "")
		g.publish(bus.EventTypeRunnerCallback, unitID, map[string]string{"status": "completed"})
	case "failed":
		reason := report.Error
		if reason == "" {
			reason = "runner reported failure"
		}
		if err := handler.HandleFailure(unitID, reason); err != nil {
			return fmt.Errorf("failing %s: %w", unitID, err)
		}
		g.recordEvent(unitID, "failed", reason)
		g.publish(bus.EventTypeRunnerCallback, unitID, map[string]string{"status": "failed", "error": reason})
	default:
		return fmt.Errorf("unknown report status %q", report.Status)
	}
	return nil
}

// classifyMiss distinguishes an unknown unit, a stale duplicate, and a
// bad token once the consume found no matching dispatch row.
func (g *Gateway) classifyMiss(unitID, token string) error {
	open, err := g.store.GetDispatch(unitID)
	if err == nil && open != nil {
		if open.Token != token {
			return ErrInvalidToken
		}
		return ErrAlreadyReconciled
	}

	// No open dispatch: if the unit exists its dispatch was consumed
	// already, otherwise the caller is talking about nothing we know.
	if _, err := g.store.GetStep(unitID); err == nil {
		return ErrAlreadyReconciled
	}
	if _, err := g.store.GetReviewRun(unitID); err == nil {
		return ErrAlreadyReconciled
	}
	return ErrUnknownUnit
}

// ExpireOverdue invalidates every dispatch past its deadline and routes
// each through the failure handler. Returns how many were expired.
func (g *Gateway) ExpireOverdue(now time.Time) (int, error) {
	expired, err := g.store.ExpiredDispatches(now)
	if err != nil {
		return 0, err
	}

	for _, d := range expired {
		if err := g.store.DeleteDispatch(d.SubjectID); err != nil {
			return 0, err
		}
		g.recordEvent(d.SubjectID, "timeout", fmt.Sprintf("no callback before %s", d.TimeoutAt.Format(time.RFC3339)))
		g.publish(bus.EventTypeRunnerCallback, d.SubjectID, map[string]string{"status": "timeout"})

		handler := g.handler(d.SubjectKind)
		if handler == nil {
			g.log.Error("no handler for expired dispatch", map[string]interface{}{"unit_id": d.SubjectID, "kind": string(d.SubjectKind)})
			continue
		}
		if err := handler.HandleFailure(d.SubjectID, "dispatch timed out"); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

// OpenDispatches exposes the outstanding callback expectations, mainly
// for startup logging and the health endpoint.
func (g *Gateway) OpenDispatches() ([]*domain.RunnerDispatch, error) {
	return g.store.ListOpenDispatches()
}

func (g *Gateway) recordEvent(unitID, outcome, detail string) {
	if err := g.store.AppendRunnerEvent(unitID, outcome, detail); err != nil {
		g.log.Error("recording runner event", map[string]interface{}{"unit_id": unitID, "error": err})
	}
}

func (g *Gateway) publish(typ bus.EventType, unitID string, payload interface{}) {
	if g.bus == nil {
		return
	}
	env, err := bus.NewEnvelope(typ, "gateway", unitID, payload)
	if err != nil {
		return
	}
	if err := g.bus.Publish(context.Background(), g.subjects.Runner, env); err != nil {
		g.log.Warn("publishing runner event", map[string]interface{}{"unit_id": unitID, "error": err})
	}
}
