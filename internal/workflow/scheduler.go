// Package workflow schedules queued steps onto runners and applies the
// retry policy when they fail.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hochfrequenz/agent-run-orchestrator/internal/bus"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/gateway"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/logging"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/store"
)

const DefaultRetryLimit = 3

// Scheduler drives queued workflow steps through the gateway. It is
// also the gateway's reconciliation handler for step units, so all
// terminal step writes happen here.
type Scheduler struct {
	store      *store.Store
	gateway    *gateway.Gateway
	bus        bus.Bus
	subjects   bus.EventSubjects
	log        *logging.Logger
	retryLimit int

	now          func() time.Time
	pollInterval time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewScheduler(st *store.Store, gw *gateway.Gateway, b bus.Bus, subjects bus.EventSubjects, log *logging.Logger, retryLimit int) *Scheduler {
	if retryLimit <= 0 {
		retryLimit = DefaultRetryLimit
	}
	s := &Scheduler{
		store:        st,
		gateway:      gw,
		bus:          b,
		subjects:     subjects,
		log:          log.With("workflow-scheduler"),
		retryLimit:   retryLimit,
		now:          time.Now,
		pollInterval: time.Second,
	}
	gw.RegisterHandler(domain.UnitStep, s)
	return s
}

// SetClock injects a clock for tests.
func (s *Scheduler) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetPollInterval adjusts the scheduling cadence.
func (s *Scheduler) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.pollInterval = d
	}
}

// Start launches the polling goroutine; Stop drains it.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			if err := s.PollOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("poll failed", map[string]interface{}{"error": err})
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Recover requeues running steps that lost their dispatch, typically
// after a crash. Call once at startup before Start.
func (s *Scheduler) Recover() error {
	orphans, err := s.store.OrphanedRunningSteps()
	if err != nil {
		return err
	}
	for _, step := range orphans {
		s.log.Warn("recovering orphaned step", map[string]interface{}{"step_id": step.ID, "attempts": step.Attempts})
		if err := s.HandleFailure(step.ID, "orphaned after restart"); err != nil {
			return err
		}
	}
	return nil
}

// PollOnce expires overdue dispatches, then dispatches every currently
// runnable step.
func (s *Scheduler) PollOnce(ctx context.Context) error {
	if _, err := s.gateway.ExpireOverdue(s.now()); err != nil {
		return fmt.Errorf("expiring dispatches: %w", err)
	}

	steps, err := s.store.ListDispatchableSteps()
	if err != nil {
		return err
	}

	for _, step := range steps {
		if err := s.dispatchStep(ctx, step); err != nil {
			s.log.Error("dispatch failed", map[string]interface{}{"step_id": step.ID, "error": err})
			if ferr := s.HandleFailure(step.ID, err.Error()); ferr != nil {
				return ferr
			}
		}
	}
	return nil
}

func (s *Scheduler) dispatchStep(ctx context.Context, step *domain.WorkflowStep) error {
	// Claim first so a bad payload still consumes an attempt and the
	// step eventually dead-letters instead of requeueing forever.
	if err := s.store.MarkStepRunning(step.ID, ""); err != nil {
		return err
	}

	var payload domain.StepPayload
	if err := json.Unmarshal(step.Data, &payload); err != nil {
		return fmt.Errorf("decoding step payload: %w", err)
	}
	if err := s.gateway.Dispatch(ctx, step.ID, domain.UnitStep, payload); err != nil {
		return err
	}
	s.log.Info("step dispatched", map[string]interface{}{
		"step_id": step.ID, "run_id": step.WorkflowID, "role": string(step.Role), "attempt": step.Attempts + 1,
	})
	return nil
}

// HandleSuccess records a completed step. Part of gateway.UnitHandler.
func (s *Scheduler) HandleSuccess(unitID string, result *domain.StepResult) error {
	if err := s.store.CompleteStep(unitID, result); err != nil {
		return err
	}
	s.publish(bus.EventTypeStepCompleted, unitID, nil)
	return nil
}

// HandleFailure requeues the step for another attempt or, once the
// retry budget is spent, dead-letters it and marks it failed. Part of
// gateway.UnitHandler.
func (s *Scheduler) HandleFailure(unitID, reason string) error {
	step, err := s.store.GetStep(unitID)
	if err != nil {
		return fmt.Errorf("loading failed step %s: %w", unitID, err)
	}
	if step.Status.Terminal() {
		return nil // late failure for an already-settled step
	}

	if step.Attempts < s.retryLimit {
		if err := s.store.RequeueStep(unitID, reason); err != nil {
			return err
		}
		s.log.Warn("step requeued", map[string]interface{}{
			"step_id": unitID, "attempt": step.Attempts, "limit": s.retryLimit, "reason": reason,
		})
		s.publish(bus.EventTypeStepRequeued, unitID, map[string]string{"reason": reason})
		return nil
	}

	if err := s.store.AddDeadLetter(unitID, reason, step.Attempts); err != nil {
		return err
	}
	if err := s.store.FailStep(unitID, reason); err != nil {
		return err
	}
	s.log.Error("step dead-lettered", map[string]interface{}{
		"step_id": unitID, "attempts": step.Attempts, "reason": reason,
	})
	s.publish(bus.EventTypeDeadLetter, unitID, map[string]string{"reason": reason})
	return nil
}

// Metrics summarizes queue health for the health endpoint.
type Metrics struct {
	StepCounts     map[domain.StepStatus]int `json:"step_counts"`
	OldestQueuedMS int64                     `json:"oldest_queued_ms"`
}

func (s *Scheduler) Metrics() (*Metrics, error) {
	counts, err := s.store.CountStepsByStatus()
	if err != nil {
		return nil, err
	}
	m := &Metrics{StepCounts: counts}
	if oldest, ok, err := s.store.OldestQueuedStep(); err != nil {
		return nil, err
	} else if ok {
		m.OldestQueuedMS = s.now().Sub(oldest).Milliseconds()
	}
	return m, nil
}

func (s *Scheduler) publish(typ bus.EventType, unitID string, payload interface{}) {
	if s.bus == nil {
		return
	}
	env, err := bus.NewEnvelope(typ, "workflow-scheduler", unitID, payload)
	if err != nil {
		return
	}
	if err := s.bus.Publish(context.Background(), s.subjects.Workflow, env); err != nil {
		s.log.Warn("publishing workflow event", map[string]interface{}{"unit_id": unitID, "error": err})
	}
}
