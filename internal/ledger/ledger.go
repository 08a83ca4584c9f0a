// Package ledger maintains the append-only per-run conversation record.
// Each run owns one JSON document holding every role's messages plus the
// two agent identities, durable and queryable without replaying the loop.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hochfrequenz/agent-run-orchestrator/internal/domain"
)

// Entry is one message in the run's conversation
type Entry struct {
	Role      domain.LedgerRole      `json:"role"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

// RunLedger is the full on-disk document for one run
type RunLedger struct {
	ID     string                 `json:"id"`
	Agents []domain.AgentIdentity `json:"agents"`
	Log    []Entry                `json:"log"`
}

// Ledger writes and reads run ledger files under a base directory
type Ledger struct {
	dir string
	mu  sync.Mutex
}

// New creates a Ledger rooted at dir, creating it if needed
func New(dir string) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating ledger dir: %w", err)
	}
	return &Ledger{dir: dir}, nil
}

// Path returns the ledger file path for a run
func (l *Ledger) Path(runID string) string {
	return filepath.Join(l.dir, runID+".json")
}

// Append adds one entry to a run's log. Entries are never mutated or
// removed afterwards.
func (l *Ledger) Append(runID string, role domain.LedgerRole, payload map[string]interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.load(runID)
	if err != nil {
		return err
	}
	doc.Log = append(doc.Log, Entry{
		Role:      role,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
	return l.save(runID, doc)
}

// RecordAgent binds a role to its session handle, once. Subsequent calls
// for the same role are no-ops, so the first session wins.
func (l *Ledger) RecordAgent(runID string, role domain.LedgerRole, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.load(runID)
	if err != nil {
		return err
	}
	for _, a := range doc.Agents {
		if a.Role == role {
			return nil
		}
	}
	doc.Agents = append(doc.Agents, domain.AgentIdentity{Role: role, SessionID: sessionID})
	return l.save(runID, doc)
}

// Read returns the full ledger document for a run
func (l *Ledger) Read(runID string) (*RunLedger, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(runID)
}

func (l *Ledger) load(runID string) (*RunLedger, error) {
	data, err := os.ReadFile(l.Path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return &RunLedger{ID: runID}, nil
		}
		return nil, fmt.Errorf("reading ledger %s: %w", runID, err)
	}

	var doc RunLedger
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding ledger %s: %w", runID, err)
	}
	return &doc, nil
}

// save writes atomically via a temp file so a crash mid-write never
// truncates the document.
func (l *Ledger) save(runID string, doc *RunLedger) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmp := l.Path(runID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, l.Path(runID))
}
