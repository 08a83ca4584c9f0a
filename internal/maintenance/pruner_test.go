package maintenance

import (
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/hochfrequenz/agent-run-orchestrator/internal/logging"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "orch.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestPruneTrimsAuditTables(t *testing.T) {
	st := newTestStore(t)
	log := logging.New(io.Discard, "error", "test")

	for i := 0; i < 10; i++ {
		if err := st.AppendRunnerEvent(fmt.Sprintf("unit-%d", i), "completed", ""); err != nil {
			t.Fatal(err)
		}
		if err := st.AddDeadLetter(fmt.Sprintf("unit-%d", i), "boom", 3); err != nil {
			t.Fatal(err)
		}
	}

	p, err := NewPruner(st, log, "", 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Prune(); err != nil {
		t.Fatal(err)
	}

	events, err := st.RecentRunnerEvents(100)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 4 {
		t.Errorf("got %d runner events after prune, want 4", len(events))
	}
	if events[0].UnitID != "unit-9" {
		t.Errorf("newest event = %s, want unit-9", events[0].UnitID)
	}

	letters, err := st.RecentDeadLetters(100)
	if err != nil {
		t.Fatal(err)
	}
	if len(letters) != 4 {
		t.Errorf("got %d dead letters after prune, want 4", len(letters))
	}
}

func TestNewPrunerRejectsBadCron(t *testing.T) {
	st := newTestStore(t)
	log := logging.New(io.Discard, "error", "test")

	if _, err := NewPruner(st, log, "not a cron", 10); err == nil {
		t.Error("expected error for invalid cron expression")
	}
}

func TestShouldRunFollowsSchedule(t *testing.T) {
	st := newTestStore(t)
	log := logging.New(io.Discard, "error", "test")

	p, err := NewPruner(st, log, "0 * * * *", 10)
	if err != nil {
		t.Fatal(err)
	}

	base := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return base })

	// No prune has happened yet, the 24h lookback makes one due.
	if !p.ShouldRun() {
		t.Error("expected initial prune to be due")
	}

	if err := p.Prune(); err != nil {
		t.Fatal(err)
	}
	if p.ShouldRun() {
		t.Error("prune should not be due immediately after running")
	}

	p.SetClock(func() time.Time { return base.Add(2 * time.Hour) })
	if !p.ShouldRun() {
		t.Error("expected prune to be due after the next scheduled tick")
	}
}
