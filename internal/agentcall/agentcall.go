// Package agentcall invokes an AI coding agent CLI and returns its final
// text answer. Callers hand over a prompt and a session ID; the agent
// keeps its own conversation state under that session, so passing the
// same ID again resumes the exchange.
package agentcall

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
)

// agentNamespace is a fixed UUID namespace for deterministic session IDs.
// The same subject always maps to the same session so a crashed run can
// resume where it left off.
var agentNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// SessionID derives the deterministic session UUID for a subject.
func SessionID(subject string) string {
	return uuid.NewSHA1(agentNamespace, []byte(subject)).String()
}

// Result is the outcome of one agent invocation.
type Result struct {
	Output       string
	SessionID    string
	TokensInput  int
	TokensOutput int
	CostUSD      float64
}

// Caller runs one agent turn. Implementations must honor ctx
// cancellation and return the agent's final text verbatim.
type Caller interface {
	Call(ctx context.Context, prompt, sessionID string) (*Result, error)
}

// CLICaller shells out to the claude CLI in print mode.
type CLICaller struct {
	Binary  string
	WorkDir string
	Timeout time.Duration
}

func NewCLICaller(workDir string) *CLICaller {
	return &CLICaller{
		Binary:  "claude",
		WorkDir: workDir,
		Timeout: 30 * time.Minute,
	}
}

// streamMessage is one line of the CLI's stream-json output. Only the
// final "result" message carries the answer and usage numbers.
type streamMessage struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	Result    string `json:"result,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Usage     struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
	CostUSD float64 `json:"cost_usd,omitempty"`
}

func (c *CLICaller) Call(ctx context.Context, prompt, sessionID string) (*Result, error) {
	if prompt == "" {
		return nil, fmt.Errorf("empty prompt")
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	args := []string{
		"--print",
		"--verbose",
		"--dangerously-skip-permissions",
		"--output-format", "stream-json",
	}
	if sessionID != "" {
		args = append(args, "--session-id", sessionID)
	}
	args = append(args, "-p", prompt)

	binary := c.Binary
	if binary == "" {
		binary = "claude"
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = c.WorkDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", binary, err)
	}

	res := &Result{SessionID: sessionID}
	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 2*1024*1024)
	for scanner.Scan() {
		var msg streamMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Type != "result" {
			continue
		}
		res.Output = msg.Result
		res.TokensInput = msg.Usage.InputTokens
		res.TokensOutput = msg.Usage.OutputTokens
		res.CostUSD = msg.CostUSD
		if msg.SessionID != "" {
			res.SessionID = msg.SessionID
		}
		if msg.IsError {
			waitErr := cmd.Wait()
			return nil, fmt.Errorf("agent reported error: %s (exit: %v)", msg.Result, waitErr)
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("agent call canceled: %w", ctx.Err())
		}
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return nil, fmt.Errorf("%s exited: %w: %s", binary, err, detail)
		}
		return nil, fmt.Errorf("%s exited: %w", binary, err)
	}
	if res.Output == "" {
		return nil, fmt.Errorf("agent produced no result message")
	}
	return res, nil
}
