// Package notify fans run and review outcomes out to notification sinks.
package notify

import (
	"fmt"

	"github.com/hochfrequenz/agent-run-orchestrator/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	RunID   string // Optional run reference
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// RunFinished builds the notification for a terminated workflow run.
func RunFinished(runID string, outcome domain.Outcome) Notification {
	n := Notification{RunID: runID}
	switch outcome {
	case domain.OutcomeApproved:
		n.Type = NotifySuccess
		n.Title = "Run approved"
		n.Message = fmt.Sprintf("workflow run %s finished approved", runID)
	case domain.OutcomeMaxRounds:
		n.Type = NotifyWarning
		n.Title = "Run exhausted its rounds"
		n.Message = fmt.Sprintf("workflow run %s hit the round limit without approval", runID)
	default:
		n.Type = NotifyError
		n.Title = "Run failed"
		n.Message = fmt.Sprintf("workflow run %s finished failed", runID)
	}
	return n
}

// DeadLettered builds the notification for an exhausted unit.
func DeadLettered(unitID, reason string) Notification {
	return Notification{
		Type:    NotifyError,
		Title:   "Unit dead-lettered",
		Message: fmt.Sprintf("unit %s exhausted its retries: %s", unitID, reason),
		RunID:   unitID,
	}
}
