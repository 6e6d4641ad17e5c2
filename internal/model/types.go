// Package model holds the shared data types that flow between the
// orchestrator, the state store, and the dashboard server.
package model

import "time"

// StepName is one of the four fixed steps a phase walks through, in order.
type StepName string

// The four steps, in their fixed order.
const (
	StepDiscuss StepName = "discuss"
	StepPlan    StepName = "plan"
	StepExecute StepName = "execute"
	StepVerify  StepName = "verify"
)

// StepOrder is the fixed, total order every phase walks through.
var StepOrder = []StepName{StepDiscuss, StepPlan, StepExecute, StepVerify}

// Status is a step or phase lifecycle status.
type Status string

// Step statuses.
const (
	StatusIdle       Status = "idle"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped" // phases never take this value, only steps
)

// RunStatus is the top-level Autopilot status.
type RunStatus string

// Top-level run statuses.
const (
	RunIdle             RunStatus = "idle"
	RunRunning          RunStatus = "running"
	RunWaitingForHuman  RunStatus = "waiting_for_human"
	RunError            RunStatus = "error"
	RunComplete         RunStatus = "complete"
)

// Step is the state of one of a phase's four fixed steps.
type Step struct {
	Status Status `json:"status"`
}

// Verification is verify-step gap-detection bookkeeping for a phase.
type Verification struct {
	LastOutcome  string `json:"lastOutcome,omitempty"`
	GapIteration int    `json:"gapIteration"`
}

// Steps is the fixed four-key record of a phase's steps.
type Steps struct {
	Discuss Step `json:"discuss"`
	Plan    Step `json:"plan"`
	Execute Step `json:"execute"`
	Verify  Step `json:"verify"`
}

// Get returns the step by name.
func (s *Steps) Get(name StepName) *Step {
	switch name {
	case StepDiscuss:
		return &s.Discuss
	case StepPlan:
		return &s.Plan
	case StepExecute:
		return &s.Execute
	case StepVerify:
		return &s.Verify
	default:
		return nil
	}
}

// Phase is a unit of work driven through the four-step lifecycle.
type Phase struct {
	Number       float64      `json:"number"`
	Name         string       `json:"name"`
	Steps        Steps        `json:"steps"`
	Status       Status       `json:"status"`
	StartedAt    *time.Time   `json:"startedAt,omitempty"`
	CompletedAt  *time.Time   `json:"completedAt,omitempty"`
	Commits      []string     `json:"commits"`
	Verification Verification `json:"verification"`
}

// Branch is a dashboard port assignment owned by the launcher.
type Branch struct {
	Port       int       `json:"port"`
	AssignedAt time.Time `json:"assignedAt"`
	PID        *int      `json:"pid,omitempty"`
}

// AutopilotState is the persisted root document, the sole authoritative
// record of orchestrator progress (spec §3, "Autopilot state").
type AutopilotState struct {
	Status        RunStatus          `json:"status"`
	CurrentPhase  float64            `json:"currentPhase"`
	CurrentStep   StepName           `json:"currentStep"`
	Phases        []Phase            `json:"phases"`
	StartedAt     time.Time          `json:"startedAt"`
	LastUpdatedAt time.Time          `json:"lastUpdatedAt"`
	Branches      map[string]Branch  `json:"branches,omitempty"`
}

// Fresh returns a newly-initialized state with empty phases, used when no
// persisted state file exists yet.
func Fresh() AutopilotState {
	now := time.Now().UTC()
	return AutopilotState{
		Status:        RunIdle,
		Phases:        []Phase{},
		StartedAt:     now,
		LastUpdatedAt: now,
	}
}

// Option is one selectable answer to a Question.
type Option struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is a single question asked within a PendingQuestion.
type Question struct {
	Question    string   `json:"question"`
	Header      string   `json:"header,omitempty"`
	MultiSelect bool     `json:"multiSelect"`
	Options     []Option `json:"options"`
}

// PendingQuestion is a captured human-in-the-loop tool-call awaiting an
// answer from the dashboard.
type PendingQuestion struct {
	ID        string     `json:"id"`
	CreatedAt time.Time  `json:"createdAt"`
	Phase     *float64   `json:"phase,omitempty"`
	Step      StepName   `json:"step,omitempty"`
	Questions []Question `json:"questions"`
}

// CommandResult is produced by the agent integration layer per invocation.
type CommandResult struct {
	Success    bool    `json:"success"`
	Result     string  `json:"result,omitempty"`
	Error      string  `json:"error,omitempty"`
	SessionID  string  `json:"sessionId,omitempty"`
	DurationMs int64   `json:"durationMs"`
	CostUSD    float64 `json:"costUsd"`
	NumTurns   int     `json:"numTurns"`
}

// ActivityItem is a derived, bounded-history lifecycle event for display.
type ActivityItem struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Milestones is the read-only presentation view over planning markdown.
type Milestones struct {
	Current string   `json:"current,omitempty"`
	Shipped []string `json:"shipped,omitempty"`
}

// EscalationOptions are the fixed options offered on every escalation.
var EscalationOptions = []Option{
	{Label: "retry", Description: "Retry the failed step"},
	{Label: "skip", Description: "Mark the step skipped and continue"},
	{Label: "abort", Description: "Abort the run"},
}
