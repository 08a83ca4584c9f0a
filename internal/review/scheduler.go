// Package review schedules pull request reviews. Each review run sends
// the PR diff to an agent and materializes the findings as threads and
// comments on the pull request.
package review

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/agent-run-orchestrator/internal/agentcall"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/bus"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/gateway"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/gitx"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/logging"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/prompts"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/schema"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/store"
)

const DefaultRetryLimit = 3

// PullRequestResolver maps a pull request ID to its repository and
// branches.
type PullRequestResolver interface {
	Resolve(pullRequestID string) (*domain.PullRequest, error)
}

// Scheduler drives queued review runs through the gateway and acts as
// its reconciliation handler for review units.
type Scheduler struct {
	store      *store.Store
	gateway    *gateway.Gateway
	bus        bus.Bus
	subjects   bus.EventSubjects
	log        *logging.Logger
	prompts    *prompts.Loader
	git        gitx.Client
	resolver   PullRequestResolver
	retryLimit int

	pollInterval time.Duration
	wg           sync.WaitGroup
	cancel       context.CancelFunc
}

func NewScheduler(st *store.Store, gw *gateway.Gateway, b bus.Bus, subjects bus.EventSubjects,
	log *logging.Logger, loader *prompts.Loader, git gitx.Client, resolver PullRequestResolver, retryLimit int) *Scheduler {
	if retryLimit <= 0 {
		retryLimit = DefaultRetryLimit
	}
	s := &Scheduler{
		store:        st,
		gateway:      gw,
		bus:          b,
		subjects:     subjects,
		log:          log.With("review-scheduler"),
		prompts:      loader,
		git:          git,
		resolver:     resolver,
		retryLimit:   retryLimit,
		pollInterval: time.Second,
	}
	gw.RegisterHandler(domain.UnitReview, s)
	return s
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

// Request queues a review for the pull request. At most one review per
// PR may be active; a request while one is queued or running returns
// the existing run with created == false.
func Request(st *store.Store, pullRequestID string, trigger domain.ReviewTrigger) (*domain.ReviewRun, bool, error) {
	active, err := st.ActiveReviewForPR(pullRequestID)
	if err != nil {
		return nil, false, err
	}
	if active != nil {
		return active, false, nil
	}

	now := time.Now()
	run := &domain.ReviewRun{
		ID:            uuid.NewString(),
		PullRequestID: pullRequestID,
		Trigger:       trigger,
		Status:        domain.ReviewQueued,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := st.CreateReviewRun(run); err != nil {
		// Lost a race with a concurrent request: the unique index on
		// active reviews lets exactly one insert through. Attach to the
		// winner instead of surfacing the constraint error.
		if active, aerr := st.ActiveReviewForPR(pullRequestID); aerr == nil && active != nil {
			return active, false, nil
		}
		return nil, false, err
	}
	return run, true, nil
}

// RequestReview queues a review through the scheduler, emitting the
// queued event when a new run is created.
func (s *Scheduler) RequestReview(pullRequestID string, trigger domain.ReviewTrigger) (*domain.ReviewRun, bool, error) {
	run, created, err := Request(s.store, pullRequestID, trigger)
	if err != nil || !created {
		return run, created, err
	}
	s.log.Info("review queued", map[string]interface{}{
		"review_id": run.ID, "pull_request_id": pullRequestID, "trigger": string(trigger),
	})
	s.publish(bus.EventTypeReviewQueued, run.ID, map[string]string{"pull_request_id": pullRequestID})
	return run, true, nil
}

// PollOnce dispatches every queued review run.
func (s *Scheduler) PollOnce(ctx context.Context) error {
	runs, err := s.store.ListReviewRunsByStatus(domain.ReviewQueued)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if err := s.dispatch(ctx, run); err != nil {
			s.log.Error("review dispatch failed", map[string]interface{}{"review_id": run.ID, "error": err})
			if ferr := s.HandleFailure(run.ID, err.Error()); ferr != nil {
				return ferr
			}
		}
	}
	return nil
}

func (s *Scheduler) dispatch(ctx context.Context, run *domain.ReviewRun) error {
	// Claim before any preparation so a resolve or diff failure still
	// consumes an attempt; a permanently broken PR must exhaust its
	// retry budget and dead-letter, not requeue forever.
	if err := s.store.MarkReviewRunning(run.ID); err != nil {
		return err
	}

	pr, err := s.resolver.Resolve(run.PullRequestID)
	if err != nil {
		return fmt.Errorf("resolving pull request %s: %w", run.PullRequestID, err)
	}
	diff, err := s.git.Diff(ctx, pr)
	if err != nil {
		return fmt.Errorf("diffing %s: %w", run.PullRequestID, err)
	}
	commits, err := s.git.CommitsSince(ctx, pr.RepoDir, pr.TargetBranch, pr.SourceBranch)
	if err != nil {
		return fmt.Errorf("listing commits for %s: %w", run.PullRequestID, err)
	}

	data := prompts.ReviewData{
		SourceBranch: pr.SourceBranch,
		TargetBranch: pr.TargetBranch,
		Diff:         diff,
	}
	for _, c := range commits {
		hash := c.Hash
		if len(hash) > 8 {
			hash = hash[:8]
		}
		data.Commits = append(data.Commits, prompts.ReviewCommit{Hash: hash, Subject: c.Subject})
	}
	prompt, err := s.prompts.BuildReviewPrompt(data)
	if err != nil {
		return err
	}

	payload := domain.StepPayload{
		RunID:     run.ID,
		Role:      domain.RoleReview,
		Prompt:    prompt,
		SessionID: agentcall.SessionID("review/" + run.ID),
	}
	if err := s.gateway.Dispatch(ctx, run.ID, domain.UnitReview, payload); err != nil {
		return err
	}
	s.log.Info("review dispatched", map[string]interface{}{
		"review_id": run.ID, "pull_request_id": run.PullRequestID, "attempt": run.Attempts + 1,
	})
	return nil
}

// HandleSuccess parses the review output and materializes its findings.
// Part of gateway.UnitHandler. Malformed output counts as a failed
// attempt rather than an error back to the runner.
func (s *Scheduler) HandleSuccess(unitID string, result *domain.StepResult) error {
	out, err := schema.DecodeReviewOutput(result.Output)
	if err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			return s.HandleFailure(unitID, verr.Error())
		}
		return err
	}

	run, err := s.store.GetReviewRun(unitID)
	if err != nil {
		return fmt.Errorf("loading review run %s: %w", unitID, err)
	}

	if err := s.store.CompleteReviewRun(unitID, out.Summary, out.Findings, out.Risk, result.LogsPath); err != nil {
		return err
	}

	for _, finding := range out.Findings {
		if err := s.materializeFinding(run, finding); err != nil {
			return err
		}
	}

	s.log.Info("review completed", map[string]interface{}{
		"review_id": unitID, "findings": len(out.Findings), "risk": out.Risk,
	})
	s.publish(bus.EventTypeReviewCompleted, unitID, map[string]interface{}{
		"pull_request_id": run.PullRequestID,
		"risk":            out.Risk,
		"findings":        len(out.Findings),
	})
	return nil
}

// materializeFinding creates one unresolved thread anchored to the diff
// range, with the finding's body as the first agent comment.
func (s *Scheduler) materializeFinding(run *domain.ReviewRun, finding domain.Finding) error {
	now := time.Now()
	thread := &domain.ReviewThread{
		ID:            uuid.NewString(),
		ReviewRunID:   run.ID,
		PullRequestID: run.PullRequestID,
		FilePath:      finding.FilePath,
		DiffStartLine: finding.DiffStartLine,
		DiffEndLine:   finding.DiffEndLine,
		CreatedAt:     now,
	}
	if err := s.store.CreateThread(thread); err != nil {
		return err
	}

	comment := &domain.ReviewComment{
		ID:             uuid.NewString(),
		ThreadID:       thread.ID,
		AuthorKind:     domain.AuthorAgent,
		Body:           finding.Body,
		SuggestedPatch: finding.SuggestedPatch,
		CreatedAt:      now,
	}
	return s.store.CreateComment(comment)
}

// HandleFailure requeues the review or dead-letters it once the retry
// budget is spent. Part of gateway.UnitHandler.
func (s *Scheduler) HandleFailure(unitID, reason string) error {
	run, err := s.store.GetReviewRun(unitID)
	if err != nil {
		return fmt.Errorf("loading review run %s: %w", unitID, err)
	}
	if run.Status == domain.ReviewCompleted || run.Status == domain.ReviewFailed {
		return nil
	}

	if run.Attempts < s.retryLimit {
		if err := s.store.RequeueReviewRun(unitID, reason); err != nil {
			return err
		}
		s.log.Warn("review requeued", map[string]interface{}{
			"review_id": unitID, "attempt": run.Attempts, "limit": s.retryLimit, "reason": reason,
		})
		return nil
	}

	if err := s.store.AddDeadLetter(unitID, reason, run.Attempts); err != nil {
		return err
	}
	if err := s.store.FailReviewRun(unitID, reason); err != nil {
		return err
	}
	s.log.Error("review dead-lettered", map[string]interface{}{
		"review_id": unitID, "attempts": run.Attempts, "reason": reason,
	})
	s.publish(bus.EventTypeDeadLetter, unitID, map[string]string{"reason": reason})
	return nil
}

func (s *Scheduler) publish(typ bus.EventType, unitID string, payload interface{}) {
	if s.bus == nil {
		return
	}
	env, err := bus.NewEnvelope(typ, "review-scheduler", unitID, payload)
	if err != nil {
		return
	}
	if err := s.bus.Publish(context.Background(), s.subjects.Review, env); err != nil {
		s.log.Warn("publishing review event", map[string]interface{}{"unit_id": unitID, "error": err})
	}
}
