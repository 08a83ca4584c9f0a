package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestLoggerWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "info", "scheduler")

	log.Info("step dispatched", map[string]interface{}{"step_id": "s-1"})

	line := strings.TrimSpace(buf.String())
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["component"] != "scheduler" {
		t.Errorf("component = %v", entry["component"])
	}
	if entry["message"] != "step dispatched" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["step_id"] != "s-1" {
		t.Errorf("step_id = %v", entry["step_id"])
	}
}

func TestLoggerLevelThreshold(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "warn", "gateway")

	log.Debug("noise", nil)
	log.Info("noise", nil)
	if buf.Len() != 0 {
		t.Errorf("below-threshold entries written: %q", buf.String())
	}

	log.Error("boom", nil)
	if buf.Len() == 0 {
		t.Error("error entry not written")
	}
}

func TestLoggerErrorField(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "info", "loop")

	log.Error("step failed", map[string]interface{}{"error": errors.New("exit 1")})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["error"] != "exit 1" {
		t.Errorf("error = %v", entry["error"])
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var log *Logger
	log.Info("ignored", nil)
	log.With("x").Error("ignored", nil)
}
