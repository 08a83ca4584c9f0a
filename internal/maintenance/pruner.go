// Package maintenance runs cron-scheduled housekeeping over the store.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/agent-run-orchestrator/internal/logging"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/store"
)

// DefaultCron runs the pruner once a day, shortly after midnight.
const DefaultCron = "12 0 * * *"

// DefaultRetention is how many rows of each audit table survive a prune.
const DefaultRetention = 1000

// Pruner trims runner events and dead letters on a cron schedule.
type Pruner struct {
	store     *store.Store
	log       *logging.Logger
	parser    cron.Parser
	schedule  cron.Schedule
	retention int

	mu      sync.Mutex
	lastRun time.Time
	running bool

	stopChan chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewPruner creates a pruner for the given cron expression. An empty
// expression falls back to DefaultCron, retention <= 0 to DefaultRetention.
func NewPruner(st *store.Store, log *logging.Logger, cronExpr string, retention int) (*Pruner, error) {
	if cronExpr == "" {
		cronExpr = DefaultCron
	}
	if retention <= 0 {
		retention = DefaultRetention
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, err
	}

	return &Pruner{
		store:     st,
		log:       log.With("maintenance"),
		parser:    parser,
		schedule:  sched,
		retention: retention,
		stopChan:  make(chan struct{}),
		now:       time.Now,
	}, nil
}

// SetClock overrides the time source. Test hook.
func (p *Pruner) SetClock(now func() time.Time) {
	p.now = now
}

// NextRun returns the next scheduled prune time.
func (p *Pruner) NextRun() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	last := p.lastRun
	if last.IsZero() {
		last = p.now()
	}
	return p.schedule.Next(last)
}

// ShouldRun returns true if the schedule has elapsed since the last prune.
func (p *Pruner) ShouldRun() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return false
	}

	last := p.lastRun
	if last.IsZero() {
		last = p.now().Add(-24 * time.Hour)
	}
	return p.now().After(p.schedule.Next(last))
}

// Prune trims both audit tables down to the configured retention.
func (p *Pruner) Prune() error {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.lastRun = p.now()
		p.mu.Unlock()
	}()

	if err := p.store.PruneRunnerEvents(p.retention); err != nil {
		return err
	}
	if err := p.store.PruneDeadLetters(p.retention); err != nil {
		return err
	}

	p.log.Info("pruned audit tables", map[string]interface{}{
		"retention": p.retention,
	})
	return nil
}

// Start runs the schedule check loop until the context is cancelled or
// Stop is called.
func (p *Pruner) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopChan:
				return
			case <-ticker.C:
				if !p.ShouldRun() {
					continue
				}
				if err := p.Prune(); err != nil {
					p.log.Error("prune failed", map[string]interface{}{
						"error": err,
					})
				}
			}
		}
	}()
}

// Stop halts the loop and waits for it to exit.
func (p *Pruner) Stop() {
	close(p.stopChan)
	p.wg.Wait()
}
