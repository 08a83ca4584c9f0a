package loop

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hochfrequenz/agent-run-orchestrator/internal/bus"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/logging"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/notify"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/store"
)

// Supervisor picks up queued workflow runs and executes each through the
// loop, bounded by a concurrency limit. Runs already marked running at
// startup are resumed by the workflow scheduler's dispatch recovery, not
// here; the supervisor only ever claims queued runs.
type Supervisor struct {
	store        *store.Store
	loop         *Loop
	log          *logging.Logger
	sem          *semaphore.Weighted
	pollInterval time.Duration

	bus      bus.Bus
	subjects bus.EventSubjects
	notifier notify.Notifier

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewSupervisor(st *store.Store, lp *Loop, log *logging.Logger, maxConcurrent int) *Supervisor {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Supervisor{
		store:        st,
		loop:         lp,
		log:          log.With("supervisor"),
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
		pollInterval: time.Second,
	}
}

// SetPollInterval adjusts how often the supervisor scans for queued runs.
func (s *Supervisor) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.pollInterval = d
	}
}

// SetBus attaches an event bus for run lifecycle events.
func (s *Supervisor) SetBus(b bus.Bus, subjects bus.EventSubjects) {
	s.bus = b
	s.subjects = subjects
}

// SetNotifier routes run outcomes to notification sinks.
func (s *Supervisor) SetNotifier(n notify.Notifier) {
	s.notifier = n
}

func (s *Supervisor) publish(typ bus.EventType, runID string, payload interface{}) {
	if s.bus == nil {
		return
	}
	env, err := bus.NewEnvelope(typ, "supervisor", runID, payload)
	if err != nil {
		return
	}
	if err := s.bus.Publish(context.Background(), s.subjects.Workflow, env); err != nil {
		s.log.Error("publishing run event", map[string]interface{}{"run_id": runID, "error": err})
	}
}

// Start launches the polling goroutine. Stop waits for in-flight runs.
func (s *Supervisor) Start(ctx context.Context) {
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

// Stop cancels polling and waits for running loops to finish.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// PollOnce claims every currently queued run and starts a loop for each,
// respecting the concurrency limit.
func (s *Supervisor) PollOnce(ctx context.Context) error {
	runs, err := s.store.ListRunsByStatus(domain.RunQueued)
	if err != nil {
		return err
	}

	for _, run := range runs {
		if !s.sem.TryAcquire(1) {
			return nil // at capacity; the next poll picks up the rest
		}
		if err := s.store.UpdateRunStatus(run.ID, domain.RunRunning); err != nil {
			s.sem.Release(1)
			return err
		}

		runID := run.ID
		s.publish(bus.EventTypeRunStarted, runID, nil)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			outcome, err := s.loop.Execute(ctx, runID)
			if err != nil {
				s.log.Error("run finished with error", map[string]interface{}{"run_id": runID, "error": err})
			} else {
				s.log.Info("run finished", map[string]interface{}{"run_id": runID, "outcome": string(outcome)})
			}
			s.publish(bus.EventTypeRunFinished, runID, map[string]string{"outcome": string(outcome)})
			if s.notifier != nil {
				if err := s.notifier.Send(notify.RunFinished(runID, outcome)); err != nil {
					s.log.Warn("notification failed", map[string]interface{}{"run_id": runID, "error": err})
				}
			}
		}()
	}
	return nil
}
