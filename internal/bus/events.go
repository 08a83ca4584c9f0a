package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventTypeRunStarted      EventType = "run_started"
	EventTypeRunFinished     EventType = "run_finished"
	EventTypeStepDispatched  EventType = "step_dispatched"
	EventTypeStepCompleted   EventType = "step_completed"
	EventTypeStepFailed      EventType = "step_failed"
	EventTypeStepRequeued    EventType = "step_requeued"
	EventTypeReviewQueued    EventType = "review_queued"
	EventTypeReviewCompleted EventType = "review_completed"
	EventTypeDeadLetter      EventType = "dead_letter"
	EventTypeRunnerCallback  EventType = "runner_callback"
)

// EventEnvelope is the wire shape for every bus message.
type EventEnvelope struct {
	Type          EventType       `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope with the payload marshaled in place.
func NewEnvelope(typ EventType, source, correlationID string, payload interface{}) (EventEnvelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return EventEnvelope{}, fmt.Errorf("marshal event payload: %w", err)
		}
		raw = data
	}
	return EventEnvelope{
		Type:          typ,
		CorrelationID: correlationID,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		Payload:       raw,
	}, nil
}

// ParseEventEnvelope decodes a raw bus message.
func ParseEventEnvelope(raw []byte) (EventEnvelope, error) {
	var evt EventEnvelope
	if err := json.Unmarshal(raw, &evt); err != nil {
		return EventEnvelope{}, err
	}
	if evt.Type == "" {
		return EventEnvelope{}, fmt.Errorf("missing event type")
	}
	return evt, nil
}

// EventSubjects names the subjects the orchestrator publishes on.
type EventSubjects struct {
	Workflow string
	Review   string
	Runner   string
}

func DefaultEventSubjects(prefix string) EventSubjects {
	if prefix == "" {
		prefix = "orch"
	}
	return EventSubjects{
		Workflow: prefix + ".workflow",
		Review:   prefix + ".review",
		Runner:   prefix + ".runner",
	}
}
