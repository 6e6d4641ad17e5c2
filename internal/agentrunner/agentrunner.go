// Package agentrunner drives a single external AI coding agent process per
// invocation, parsing its NDJSON message stream and intercepting any
// question tool call so it can be routed through the question handler.
// The timeout/cancellation plumbing is adapted from the teacher's
// StateTimeoutWrapper.ProcessWithTimeout: a goroutine does the work, a
// buffered result channel carries it back, and a panic inside the
// goroutine is recovered rather than crashing the process.
package agentrunner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"autopilot/internal/logbuf"
	"autopilot/internal/model"
	"autopilot/internal/question"
)

// DefaultTimeout is applied when Opts.Timeout is zero.
const DefaultTimeout = 10 * time.Minute

// QuestionAsker is the subset of question.Handler the runner needs,
// narrowed so tests can fake it.
type QuestionAsker interface {
	Ask(phase *float64, step model.StepName, questions []model.Question, timeout time.Duration) (question.AnswerSet, error)
}

// ErrAlreadyRunning's message is the CommandResult.Error that RunCommand
// reports if called while a previous invocation on the same Runner has
// not yet finished.
var ErrAlreadyRunning = fmt.Errorf("agent command already running")

// Opts configures a single agent invocation.
type Opts struct {
	Phase   *float64
	Step    model.StepName
	Timeout time.Duration
	WorkDir string
}

// ndjsonMessage is the subset of the agent's streamed message shape the
// runner understands. Unknown message types are logged and skipped.
type ndjsonMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`

	// system/init
	SessionID string `json:"session_id"`

	// assistant tool_use (question interception) and assistant text,
	// forwarded to C1 at debug level regardless of whether a tool call
	// is also present on the same message.
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
	Text      string          `json:"text"`

	// result
	Result   string  `json:"result"`
	IsError  bool    `json:"is_error"`
	CostUSD  float64 `json:"total_cost_usd"`
	NumTurns int     `json:"num_turns"`
	DurationMs int64 `json:"duration_ms"`
}

type questionToolInput struct {
	Questions []model.Question `json:"questions"`
}

// CommandFactory builds the *exec.Cmd to run for a given prompt. Tests
// substitute a factory that runs a stub binary instead of the real agent.
type CommandFactory func(ctx context.Context, prompt string, opts Opts) *exec.Cmd

// Runner invokes the external agent once per call and blocks until it
// exits, times out, or is canceled.
type Runner struct {
	log       *logbuf.Logger
	questions QuestionAsker
	newCmd    CommandFactory

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
}

// New creates a Runner. newCmd is typically a thin wrapper around
// exec.CommandContext invoking the configured agent binary.
func New(log *logbuf.Logger, questions QuestionAsker, newCmd CommandFactory) *Runner {
	return &Runner{log: log, questions: questions, newCmd: newCmd}
}

// RunCommand runs prompt through the agent and blocks for the result.
// Only one invocation may be in flight per Runner at a time.
func (r *Runner) RunCommand(ctx context.Context, prompt string, opts Opts) model.CommandResult {
	if !r.running.CompareAndSwap(false, true) {
		return model.CommandResult{Success: false, Error: ErrAlreadyRunning.Error()}
	}
	defer r.running.Store(false)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.cancel = nil
		r.mu.Unlock()
		cancel()
	}()

	start := time.Now()
	resultCh := make(chan model.CommandResult, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				resultCh <- model.CommandResult{Success: false, Error: fmt.Sprintf("agent invocation panicked: %v", rec)}
			}
		}()
		resultCh <- r.exec(runCtx, prompt, opts, start)
	}()

	select {
	case res := <-resultCh:
		return res
	case <-runCtx.Done():
		select {
		case <-ctx.Done():
			return model.CommandResult{Success: false, Error: "canceled", DurationMs: time.Since(start).Milliseconds()}
		default:
			return model.CommandResult{Success: false, Error: "timeout", DurationMs: time.Since(start).Milliseconds()}
		}
	}
}

// Cancel aborts the currently in-flight invocation, if any.
func (r *Runner) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Runner) exec(ctx context.Context, prompt string, opts Opts, start time.Time) model.CommandResult {
	cmd := r.newCmd(ctx, prompt, opts)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return model.CommandResult{Success: false, Error: fmt.Sprintf("stdin pipe: %v", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return model.CommandResult{Success: false, Error: fmt.Sprintf("stdout pipe: %v", err)}
	}
	if err := cmd.Start(); err != nil {
		return model.CommandResult{Success: false, Error: fmt.Sprintf("start: %v", err)}
	}

	var sessionID string
	final := model.CommandResult{Success: false, Error: "agent exited without a result message"}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg ndjsonMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			r.log.Warn("agent emitted non-JSON line, skipping: %v", err)
			continue
		}

		switch msg.Type {
		case "system":
			if msg.Subtype == "init" && msg.SessionID != "" {
				sessionID = msg.SessionID
			}
		case "assistant":
			if msg.Text != "" {
				r.log.Debug("assistant: %s", msg.Text)
			}
			if msg.ToolName == "question" {
				r.handleQuestionToolCall(opts, msg, stdin)
			}
		case "result":
			final = model.CommandResult{
				Success:    !msg.IsError,
				Result:     msg.Result,
				SessionID:  sessionID,
				CostUSD:    msg.CostUSD,
				NumTurns:   msg.NumTurns,
				DurationMs: msg.DurationMs,
			}
			if msg.IsError {
				final.Error = msg.Result
			}
		}
	}
	if err := scanner.Err(); err != nil {
		r.log.Warn("agent stdout scan error: %v", err)
	}

	_ = stdin.Close()
	waitErr := cmd.Wait()
	if final.DurationMs == 0 {
		final.DurationMs = time.Since(start).Milliseconds()
	}
	if waitErr != nil && final.Error == "" {
		final.Success = false
		final.Error = waitErr.Error()
	}
	return final
}

func (r *Runner) handleQuestionToolCall(opts Opts, msg ndjsonMessage, stdin io.Writer) {
	var input questionToolInput
	if err := json.Unmarshal(msg.ToolInput, &input); err != nil {
		r.log.Warn("malformed question tool call: %v", err)
		return
	}
	if len(input.Questions) == 0 {
		return
	}
	answers, err := r.questions.Ask(opts.Phase, opts.Step, input.Questions, 0)
	if err != nil {
		r.log.Warn("question escalation did not resolve: %v", err)
		return
	}
	payload, err := json.Marshal(struct {
		Type      string             `json:"type"`
		Questions []model.Question   `json:"questions"`
		Answers   question.AnswerSet `json:"answers"`
	}{Type: "question_answer", Questions: input.Questions, Answers: answers})
	if err != nil {
		r.log.Warn("failed to encode question answer: %v", err)
		return
	}
	if _, err := fmt.Fprintf(stdin, "%s\n", payload); err != nil {
		r.log.Warn("failed to deliver question answer to agent stdin: %v", err)
	}
}

// DiscardOutput consumes and discards r until EOF, for draining a pipe
// whose content is not otherwise inspected. The runner itself does not
// call it.
func DiscardOutput(r io.Reader) {
	_, _ = io.Copy(io.Discard, r)
}
