package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/agent-run-orchestrator/internal/agentcall"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/bus"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/config"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/gateway"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/gitx"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/ledger"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/logging"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/loop"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/maintenance"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/notify"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/prompts"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/review"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/store"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/workflow"
	"github.com/hochfrequenz/agent-run-orchestrator/web/api"
)

var (
	submitKind    string
	listStatus    string
	reviewTrigger string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator: schedulers, runner gateway and API",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	submitCmd := &cobra.Command{
		Use:   "submit INSTRUCTION",
		Short: "Queue a workflow run",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubmit,
	}
	submitCmd.Flags().StringVar(&submitKind, "kind", "workflow", "run kind")
	rootCmd.AddCommand(submitCmd)

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List workflow runs",
		RunE:  runList,
	}
	runsCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	rootCmd.AddCommand(runsCmd)

	showCmd := &cobra.Command{
		Use:   "show RUN",
		Short: "Show a run and its steps",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	}
	rootCmd.AddCommand(showCmd)

	reviewCmd := &cobra.Command{
		Use:   "review PR",
		Short: "Queue a review for a pull request (branch or source..target)",
		Args:  cobra.ExactArgs(1),
		RunE:  runReview,
	}
	reviewCmd.Flags().StringVar(&reviewTrigger, "trigger", "manual", "review trigger")
	rootCmd.AddCommand(reviewCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue depth, dead letters and recent runner activity",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	logsCmd := &cobra.Command{
		Use:   "logs RUN",
		Short: "Print the conversation ledger for a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
	rootCmd.AddCommand(logsCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0755); err != nil {
		return nil, err
	}
	return store.New(cfg.General.DatabasePath)
}

func buildNotifier(cfg *config.Config) notify.Notifier {
	var sinks []notify.Notifier
	if cfg.Notifications.SlackWebhook != "" {
		sinks = append(sinks, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	if cfg.Notifications.Desktop {
		sinks = append(sinks, notify.NewDesktopNotifier(true))
	}
	if len(sinks) == 0 {
		return notify.NoopNotifier{}
	}
	return notify.NewMultiNotifier(sinks...)
}

// relayDeadLetters turns dead-letter bus events into notifications.
func relayDeadLetters(ctx context.Context, b bus.Bus, subjects bus.EventSubjects, n notify.Notifier, log *logging.Logger) {
	for _, subject := range []string{subjects.Workflow, subjects.Review} {
		ch, cancel, err := b.Subscribe(ctx, subject)
		if err != nil {
			log.Error("subscribing for dead letters", map[string]interface{}{"subject": subject, "error": err})
			continue
		}
		go func() {
			defer cancel()
			for env := range ch {
				if env.Type != bus.EventTypeDeadLetter {
					continue
				}
				if err := n.Send(notify.DeadLettered(env.CorrelationID, string(env.Payload))); err != nil {
					log.Warn("dead letter notification failed", map[string]interface{}{"error": err})
				}
			}
		}()
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := logging.New(os.Stderr, cfg.General.LogLevel, "run-orch")

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	led, err := ledger.New(cfg.General.LedgerDir)
	if err != nil {
		return err
	}

	b, err := bus.Open(cfg.Bus.Backend, cfg.Bus.Address)
	if err != nil {
		return fmt.Errorf("opening event bus: %w", err)
	}
	defer b.Close()
	subjects := bus.DefaultEventSubjects(cfg.Bus.SubjectPrefix)

	gwCfg := gateway.Config{
		RunnerCommand: strings.Fields(cfg.Runner.Command),
		CallbackURL:   cfg.Runner.CallbackBaseURL,
		CACertPath:    cfg.Runner.CACertPath,
		Timeout:       cfg.DispatchTimeout(),
	}
	if len(gwCfg.RunnerCommand) == 0 && cfg.Runner.Embedded {
		caller := agentcall.NewCLICaller("")
		caller.Timeout = cfg.DispatchTimeout()
		gwCfg.Embedded = caller
	}
	gw := gateway.New(st, b, subjects, logger, gwCfg)

	wf := workflow.NewScheduler(st, gw, b, subjects, logger, cfg.Runner.RetryLimit)
	wf.SetPollInterval(cfg.PollInterval())
	if err := wf.Recover(); err != nil {
		return fmt.Errorf("recovering orphaned steps: %w", err)
	}

	loader := prompts.NewLoader()
	resolver := &review.BranchResolver{
		RepoDir:       cfg.Review.RepoDir,
		DefaultTarget: cfg.Review.TargetBranch,
	}
	rs := review.NewScheduler(st, gw, b, subjects, logger, loader, gitx.NewCLI(), resolver, cfg.Review.RetryLimit)
	rs.SetPollInterval(cfg.PollInterval())

	lp := loop.New(st, led, loader, logger, cfg.General.MaxRounds)
	sup := loop.NewSupervisor(st, lp, logger, cfg.General.MaxConcurrentRuns)
	sup.SetBus(b, subjects)

	notifier := buildNotifier(cfg)
	sup.SetNotifier(notifier)

	pruner, err := maintenance.NewPruner(st, logger, cfg.Maintenance.PruneCron, cfg.Maintenance.Retention)
	if err != nil {
		return fmt.Errorf("configuring maintenance: %w", err)
	}

	srv := api.NewServer(api.Deps{
		Store:    st,
		Gateway:  gw,
		Workflow: wf,
		Reviews:  rs,
		Bus:      b,
		Subjects: subjects,
		Log:      logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wf.Start(ctx)
	defer wf.Stop()
	rs.Start(ctx)
	defer rs.Stop()
	sup.Start(ctx)
	defer sup.Stop()
	pruner.Start(ctx)
	defer pruner.Stop()

	relayDeadLetters(ctx, b, subjects, notifier, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	logger.Info("serving", map[string]interface{}{"addr": addr})
	return srv.Run(ctx, addr, cfg.Web.TLSCertPath, cfg.Web.TLSKeyPath)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	now := time.Now()
	run := &domain.WorkflowRun{
		ID:          uuid.NewString(),
		Kind:        submitKind,
		Status:      domain.RunQueued,
		Instruction: args[0],
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := st.CreateRun(run); err != nil {
		return err
	}

	fmt.Printf("Queued run %s\n", run.ID)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	statuses := []domain.RunStatus{
		domain.RunQueued, domain.RunRunning, domain.RunCompleted, domain.RunFailed,
	}
	if listStatus != "" {
		statuses = []domain.RunStatus{domain.RunStatus(listStatus)}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tOUTCOME\tAGE\tINSTRUCTION")
	for _, status := range statuses {
		runs, err := st.ListRunsByStatus(status)
		if err != nil {
			return err
		}
		for _, run := range runs {
			outcome := string(run.Outcome)
			if outcome == "" {
				outcome = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				run.ID, run.Status, outcome,
				humanize.Time(run.CreatedAt), truncate(run.Instruction, 60))
		}
	}
	return w.Flush()
}

func runShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	run, err := st.GetRun(args[0])
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s not found", args[0])
	}

	outcome := string(run.Outcome)
	if outcome == "" {
		outcome = "-"
	}
	fmt.Printf("Run %s\n  status:  %s\n  outcome: %s\n  created: %s\n  instruction: %s\n\n",
		run.ID, run.Status, outcome, humanize.Time(run.CreatedAt), run.Instruction)

	steps, err := st.ListSteps(run.ID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tROLE\tSTATUS\tATTEMPTS\tERROR")
	for _, step := range steps {
		lastErr := step.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n",
			step.Sequence, step.Role, step.Status, step.Attempts, truncate(lastErr, 50))
	}
	return w.Flush()
}

func runReview(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	run, created, err := review.Request(st, args[0], domain.ReviewTrigger(reviewTrigger))
	if err != nil {
		return err
	}
	if !created {
		fmt.Printf("Review %s already active for %s\n", run.ID, args[0])
		return nil
	}

	fmt.Printf("Queued review %s for %s\n", run.ID, args[0])
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	counts, err := st.CountStepsByStatus()
	if err != nil {
		return err
	}
	fmt.Printf("Steps: %d queued | %d running | %d completed | %d failed\n",
		counts[domain.StepQueued], counts[domain.StepRunning],
		counts[domain.StepCompleted], counts[domain.StepFailed])

	if oldest, ok, err := st.OldestQueuedStep(); err != nil {
		return err
	} else if ok {
		fmt.Printf("Oldest queued step: %s\n", humanize.Time(oldest))
	}

	letters, err := st.RecentDeadLetters(10)
	if err != nil {
		return err
	}
	if len(letters) > 0 {
		fmt.Println("\nDead letters:")
		for _, e := range letters {
			fmt.Printf("  %s (%d attempts, %s): %s\n",
				e.SubjectID, e.Attempts, humanize.Time(e.RecordedAt), truncate(e.LastError, 60))
		}
	}

	events, err := st.RecentRunnerEvents(10)
	if err != nil {
		return err
	}
	if len(events) > 0 {
		fmt.Println("\nRecent runner activity:")
		for _, e := range events {
			fmt.Printf("  %s %s %s\n", humanize.Time(e.Timestamp), e.UnitID, e.Outcome)
		}
	}
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	led, err := ledger.New(cfg.General.LedgerDir)
	if err != nil {
		return err
	}

	doc, err := led.Read(args[0])
	if err != nil {
		return err
	}

	for _, agent := range doc.Agents {
		fmt.Printf("agent %s session %s\n", agent.Role, agent.SessionID)
	}
	for _, entry := range doc.Log {
		fmt.Printf("[%s] %s\n", entry.Timestamp.Format(time.RFC3339), entry.Role)
		for key, value := range entry.Payload {
			fmt.Printf("    %s: %v\n", key, value)
		}
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
