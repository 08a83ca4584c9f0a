package ledger

import (
	"os"
	"testing"

	"github.com/hochfrequenz/agent-run-orchestrator/internal/domain"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	led, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return led
}

func TestAppendPreservesOrder(t *testing.T) {
	led := newTestLedger(t)

	entries := []struct {
		role domain.LedgerRole
		text string
	}{
		{domain.LedgerUser, "build the feature"},
		{domain.LedgerWorker, "here is the plan"},
		{domain.LedgerVerifier, "changes requested"},
		{domain.LedgerWorker, "revised"},
	}
	for _, e := range entries {
		if err := led.Append("run-1", e.role, map[string]interface{}{"text": e.text}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	doc, err := led.Read("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Log) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(doc.Log), len(entries))
	}
	for i, want := range entries {
		if doc.Log[i].Role != want.role {
			t.Errorf("entry %d role = %s, want %s", i, doc.Log[i].Role, want.role)
		}
		if doc.Log[i].Payload["text"] != want.text {
			t.Errorf("entry %d text = %v, want %s", i, doc.Log[i].Payload["text"], want.text)
		}
	}
}

func TestRecordAgentFirstSessionWins(t *testing.T) {
	led := newTestLedger(t)

	if err := led.RecordAgent("run-1", domain.LedgerWorker, "session-a"); err != nil {
		t.Fatal(err)
	}
	// Same role again: the original session is kept.
	if err := led.RecordAgent("run-1", domain.LedgerWorker, "session-b"); err != nil {
		t.Fatal(err)
	}
	if err := led.RecordAgent("run-1", domain.LedgerVerifier, "session-c"); err != nil {
		t.Fatal(err)
	}

	doc, err := led.Read("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Agents) != 2 {
		t.Fatalf("got %d agents, want 2", len(doc.Agents))
	}
	if doc.Agents[0].Role != domain.LedgerWorker || doc.Agents[0].SessionID != "session-a" {
		t.Errorf("worker identity = %+v, want session-a", doc.Agents[0])
	}
}

func TestReadMissingRunReturnsEmptyDocument(t *testing.T) {
	led := newTestLedger(t)

	doc, err := led.Read("never-written")
	if err != nil {
		t.Fatal(err)
	}
	if doc.ID != "never-written" || len(doc.Log) != 0 || len(doc.Agents) != 0 {
		t.Errorf("unexpected document: %+v", doc)
	}
}

func TestLedgersAreIsolatedPerRun(t *testing.T) {
	led := newTestLedger(t)

	if err := led.Append("run-a", domain.LedgerUser, map[string]interface{}{"text": "a"}); err != nil {
		t.Fatal(err)
	}
	if err := led.Append("run-b", domain.LedgerUser, map[string]interface{}{"text": "b"}); err != nil {
		t.Fatal(err)
	}

	docA, _ := led.Read("run-a")
	docB, _ := led.Read("run-b")
	if len(docA.Log) != 1 || len(docB.Log) != 1 {
		t.Fatalf("cross-run contamination: a=%d b=%d", len(docA.Log), len(docB.Log))
	}
	if docA.Log[0].Payload["text"] != "a" || docB.Log[0].Payload["text"] != "b" {
		t.Error("ledger contents swapped between runs")
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	led, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}

	if err := led.Append("run-1", domain.LedgerUser, map[string]interface{}{"text": "x"}); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "run-1.json" {
			t.Errorf("unexpected file %s in ledger dir", e.Name())
		}
	}
}
