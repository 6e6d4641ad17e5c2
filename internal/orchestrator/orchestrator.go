// Package orchestrator drives every phase of a run through its four
// fixed steps (discuss -> plan -> execute -> verify), retrying once on
// failure before escalating to a human, and re-planning on verify gaps
// up to a capped number of iterations. It is the sole mutator of the
// authoritative state held by the state store, mirroring the teacher's
// state-machine discipline (pkg/agent/state_machine.go) generalized
// from a single agent's states to a phase/step lifecycle.
package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"autopilot/internal/agentrunner"
	"autopilot/internal/logbuf"
	"autopilot/internal/model"
	"autopilot/internal/question"
	"autopilot/internal/statestore"
)

// EventType names one of the orchestrator's emitted lifecycle events.
type EventType string

// The fixed event vocabulary the orchestrator emits.
const (
	EventPhaseStarted    EventType = "phase:started"
	EventPhaseCompleted  EventType = "phase:completed"
	EventStepStarted     EventType = "step:started"
	EventStepCompleted   EventType = "step:completed"
	EventBuildComplete   EventType = "build:complete"
	EventErrorEscalation EventType = "error:escalation"
)

// Event is a single lifecycle notification. The response server (C6)
// forwards phase, escalation and build events over SSE under their
// dashboard event names; step events are not forwarded.
type Event struct {
	Type    EventType      `json:"type"`
	Phase   float64        `json:"phase"`
	Step    model.StepName `json:"step,omitempty"`
	Message string         `json:"message,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Listener receives every emitted event synchronously, matching C1's
// listener contract so both components can be consumed the same way.
type Listener func(Event)

// AgentRunner is the subset of agentrunner.Runner the orchestrator drives.
type AgentRunner interface {
	RunCommand(ctx context.Context, prompt string, opts agentrunner.Opts) model.CommandResult
	Cancel()
}

// QuestionAsker is the subset of question.Handler used for escalation and
// for reflecting blocked-on-a-question status into the persisted state.
type QuestionAsker interface {
	Ask(phase *float64, step model.StepName, questions []model.Question, timeout time.Duration) (question.AnswerSet, error)
	RejectAll(reason string)
	Subscribe(l question.Listener)
}

// PromptBuilder derives the prompt sent to the agent for a given phase,
// step, and (for plan during gap-resolution) gap iteration.
type PromptBuilder func(phase model.Phase, step model.StepName, gapIteration int) string

// DefaultPromptBuilder produces terse, step-specific prompts.
func DefaultPromptBuilder(phase model.Phase, step model.StepName, gapIteration int) string {
	switch step {
	case model.StepDiscuss:
		return fmt.Sprintf("Phase %v (%s): discuss scope and surface open questions before planning.", phase.Number, phase.Name)
	case model.StepPlan:
		if gapIteration > 0 {
			return fmt.Sprintf("Phase %v (%s): re-plan to close the gaps reported by verify iteration %d.", phase.Number, phase.Name, gapIteration)
		}
		return fmt.Sprintf("Phase %v (%s): produce an implementation plan.", phase.Number, phase.Name)
	case model.StepExecute:
		return fmt.Sprintf("Phase %v (%s): implement the current plan.", phase.Number, phase.Name)
	case model.StepVerify:
		return fmt.Sprintf("Phase %v (%s): verify the implementation against the plan. "+
			"End your final message with a line of the exact form 'GAPS: <n>' giving the count of remaining gaps.",
			phase.Number, phase.Name)
	default:
		return fmt.Sprintf("Phase %v (%s): %s", phase.Number, phase.Name, step)
	}
}

var gapMarker = regexp.MustCompile(`(?m)^GAPS:\s*(\d+)\s*$`)

// parseGaps extracts the reported gap count from a verify step's result
// text. The marker's absence is treated as zero gaps per spec's
// "silence is not a gap" resolution.
func parseGaps(result string) int {
	m := gapMarker.FindStringSubmatch(result)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

var stepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "orchestrator_step_duration_seconds",
	Help:    "Duration of each step's first agent invocation; retries are not included.",
	Buckets: prometheus.DefBuckets,
}, []string{"step"})

func init() { //nolint:gochecknoinits // mirrors teacher's package-level metrics registration
	prometheus.MustRegister(stepDuration)
}

// Config controls orchestrator run behavior.
type Config struct {
	// PhaseFilter, if non-empty, restricts the run to phases whose
	// number is a member. An empty/nil filter runs every phase.
	PhaseFilter map[float64]bool

	SkipDiscuss bool
	SkipVerify  bool

	// StepTimeout bounds each agent invocation; zero uses agentrunner's default.
	StepTimeout time.Duration

	// MaxGapIterations caps the verify->plan->execute->verify loop per phase.
	MaxGapIterations int

	// EscalationTimeout bounds how long Ask blocks for a human answer;
	// zero waits indefinitely.
	EscalationTimeout time.Duration

	PromptBuilder PromptBuilder
}

func (c Config) withDefaults() Config {
	if c.MaxGapIterations <= 0 {
		c.MaxGapIterations = 3
	}
	if c.PromptBuilder == nil {
		c.PromptBuilder = DefaultPromptBuilder
	}
	return c
}

const escalationQuestionText = "How should the orchestrator proceed?"

// Orchestrator drives phases through their steps, persisting via the
// state store and emitting lifecycle events for the response server.
type Orchestrator struct {
	store     *statestore.Store
	log       *logbuf.Logger
	runner    AgentRunner
	questions QuestionAsker
	cfg       Config

	mu        sync.Mutex
	listeners []Listener

	aborting atomic.Bool
}

// New constructs an Orchestrator, subscribing to the question handler so a
// question raised outside of escalation (e.g. the agent's question tool
// called mid-step) is reflected as the top-level waiting_for_human status
// per spec's idle -> running <-> waiting_for_human state machine. Escalation
// questions are unaffected: escalate already sets status to error before
// asking, so the running-only guard below never overwrites it.
func New(store *statestore.Store, log *logbuf.Logger, runner AgentRunner, questions QuestionAsker, cfg Config) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		log:       log,
		runner:    runner,
		questions: questions,
		cfg:       cfg.withDefaults(),
	}
	questions.Subscribe(o.onQuestionEvent)
	return o
}

// onQuestionEvent toggles status between running and waiting_for_human for
// questions raised outside of escalation. The guards make this a no-op
// during escalation, since escalate sets status to error before asking and
// restores running itself once a choice is made.
func (o *Orchestrator) onQuestionEvent(e question.Event) {
	switch e.Type {
	case question.EventPending:
		running := model.RunRunning
		waiting := model.RunWaitingForHuman
		if o.store.GetState().Status == running {
			if err := o.store.SetState(statestore.Patch{Status: &waiting}); err != nil {
				o.log.Warn("failed to persist waiting_for_human status: %v", err)
			}
		}
	case question.EventAnswered:
		waiting := model.RunWaitingForHuman
		running := model.RunRunning
		if o.store.GetState().Status == waiting {
			if err := o.store.SetState(statestore.Patch{Status: &running}); err != nil {
				o.log.Warn("failed to restore running status: %v", err)
			}
		}
	}
}

// Subscribe registers a listener for every future emitted event.
func (o *Orchestrator) Subscribe(l Listener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, l)
}

func (o *Orchestrator) emit(e Event) {
	o.mu.Lock()
	listeners := make([]Listener, len(o.listeners))
	copy(listeners, o.listeners)
	o.mu.Unlock()
	for _, l := range listeners {
		l(e)
	}
}

// Run drives every not-yet-done phase in candidates through its steps.
// On a fresh state (no persisted phases) candidates seeds the run,
// filtered by cfg.PhaseFilter; on resume the persisted phase list is
// used as-is and candidates is ignored, so completed work is never
// rewound.
func (o *Orchestrator) Run(ctx context.Context, candidates []model.Phase) error {
	state := o.store.GetState()
	if len(state.Phases) == 0 {
		filtered := o.filterPhases(candidates)
		state.Phases = make([]model.Phase, len(filtered))
		for i, p := range filtered {
			// Phases and steps that have not started yet read as idle.
			if p.Status == "" {
				p.Status = model.StatusIdle
			}
			for _, name := range model.StepOrder {
				if s := p.Steps.Get(name); s.Status == "" {
					s.Status = model.StatusIdle
				}
			}
			state.Phases[i] = p
		}
		running := model.RunRunning
		if err := o.store.SetState(statestore.Patch{Status: &running, Phases: state.Phases}); err != nil {
			o.log.Warn("failed to persist initial phase list: %v", err)
		}
	}

	state = o.store.GetState()
	for i := range state.Phases {
		if o.aborting.Load() {
			return nil
		}
		if state.Phases[i].Status == model.StatusDone {
			continue
		}
		if err := o.runPhase(ctx, state.Phases[i].Number); err != nil {
			return err
		}
		if o.aborting.Load() {
			return nil
		}
	}

	if o.aborting.Load() {
		return nil
	}

	complete := model.RunComplete
	if err := o.store.SetState(statestore.Patch{Status: &complete}); err != nil {
		o.log.Warn("failed to persist completion status: %v", err)
	}
	o.emit(Event{Type: EventBuildComplete, Message: "all phases complete"})
	return nil
}

func (o *Orchestrator) filterPhases(candidates []model.Phase) []model.Phase {
	if len(o.cfg.PhaseFilter) == 0 {
		return candidates
	}
	out := make([]model.Phase, 0, len(candidates))
	for _, p := range candidates {
		if o.cfg.PhaseFilter[p.Number] {
			out = append(out, p)
		}
	}
	return out
}

func (o *Orchestrator) phaseByNumber(number float64) (model.Phase, int, bool) {
	state := o.store.GetState()
	for i, p := range state.Phases {
		if p.Number == number {
			return p, i, true
		}
	}
	return model.Phase{}, -1, false
}

func (o *Orchestrator) runPhase(ctx context.Context, number float64) error {
	phase, _, ok := o.phaseByNumber(number)
	if !ok {
		return fmt.Errorf("phase %v not found", number)
	}

	if phase.Status != model.StatusInProgress {
		now := time.Now().UTC()
		phase.Status = model.StatusInProgress
		phase.StartedAt = &now
		if err := o.store.ReplacePhase(number, phase); err != nil {
			o.log.Warn("failed to persist phase start: %v", err)
		}
	}
	cp := number
	o.store.SetState(statestore.Patch{CurrentPhase: &cp}) //nolint:errcheck // best-effort progress marker
	o.emit(Event{Type: EventPhaseStarted, Phase: number, Message: phase.Name})

	for _, name := range model.StepOrder {
		if o.aborting.Load() {
			return nil
		}
		step := phase.Steps.Get(name)
		if step.Status == model.StatusDone || step.Status == model.StatusSkipped {
			continue
		}

		if (name == model.StepDiscuss && o.cfg.SkipDiscuss) || (name == model.StepVerify && o.cfg.SkipVerify) {
			phase = o.markStep(number, name, model.StatusSkipped)
			continue
		}

		outcome, err := o.runStep(ctx, number, name, 0)
		if err != nil {
			return err
		}
		if outcome == stepAborted {
			return nil
		}

		if outcome == stepSkippedByEscalation {
			phase, _, _ = o.phaseByNumber(number)
			continue
		}

		if name == model.StepVerify {
			if abort, err := o.resolveGaps(ctx, number); err != nil {
				return err
			} else if abort {
				return nil
			}
			phase, _, _ = o.phaseByNumber(number)
			if phase.Steps.Verify.Status == model.StatusSkipped {
				continue
			}
		}

		phase = o.markStep(number, name, model.StatusDone)
	}

	now := time.Now().UTC()
	phase.Status = model.StatusDone
	phase.CompletedAt = &now
	if err := o.store.ReplacePhase(number, phase); err != nil {
		o.log.Warn("failed to persist phase completion: %v", err)
	}
	o.emit(Event{Type: EventPhaseCompleted, Phase: number, Message: phase.Name})
	return nil
}

func (o *Orchestrator) markStep(number float64, name model.StepName, status model.Status) model.Phase {
	phase, _, ok := o.phaseByNumber(number)
	if !ok {
		return phase
	}
	phase.Steps.Get(name).Status = status
	if err := o.store.ReplacePhase(number, phase); err != nil {
		o.log.Warn("failed to persist step status: %v", err)
	}
	return phase
}

type stepOutcome int

const (
	stepSucceeded stepOutcome = iota
	stepSkippedByEscalation
	stepAborted
)

// resolveGaps runs the verify->plan->execute->verify loop while the
// verify step keeps reporting gaps, up to cfg.MaxGapIterations.
func (o *Orchestrator) resolveGaps(ctx context.Context, number float64) (abort bool, err error) {
	phase, _, ok := o.phaseByNumber(number)
	if !ok {
		return false, fmt.Errorf("phase %v not found", number)
	}

	for phase.Verification.LastOutcome == "gaps" && phase.Verification.GapIteration < o.cfg.MaxGapIterations {
		phase.Verification.GapIteration++
		if err := o.store.ReplacePhase(number, phase); err != nil {
			o.log.Warn("failed to persist gap iteration: %v", err)
		}

		for _, name := range []model.StepName{model.StepPlan, model.StepExecute, model.StepVerify} {
			// Re-run even though previously marked done: a gap iteration
			// explicitly reopens plan/execute/verify for this phase.
			// runStep itself leaves an already-done step's status alone
			// while it re-runs, so /api/status progress never dips
			// mid-gap-loop.
			phase, _, _ = o.phaseByNumber(number)

			outcome, runErr := o.runStep(ctx, number, name, phase.Verification.GapIteration)
			if runErr != nil {
				return false, runErr
			}
			if outcome == stepAborted {
				return true, nil
			}
			phase = o.markStep(number, name, model.StatusDone)
		}

		phase, _, _ = o.phaseByNumber(number)
		if phase.Verification.LastOutcome != "gaps" {
			break
		}
	}

	if phase.Verification.LastOutcome == "gaps" && phase.Verification.GapIteration >= o.cfg.MaxGapIterations {
		choice, escErr := o.escalate(number, model.StepVerify, "verify gap cap reached with unresolved gaps")
		if escErr != nil || choice == "abort" {
			o.aborting.Store(true)
			return true, nil
		}
		if choice == "skip" {
			o.markStep(number, model.StepVerify, model.StatusSkipped)
		}
	}
	return false, nil
}

// runStep executes one step invocation with exactly one retry on
// failure before escalating. gapIteration is zero outside gap resolution.
func (o *Orchestrator) runStep(ctx context.Context, number float64, name model.StepName, gapIteration int) (stepOutcome, error) {
	phase, _, ok := o.phaseByNumber(number)
	if !ok {
		return stepAborted, fmt.Errorf("phase %v not found", number)
	}

	// A gap iteration re-runs a step that is already done; leave its
	// status alone so /api/status progress doesn't dip while it reruns.
	if phase.Steps.Get(name).Status != model.StatusDone {
		phase.Steps.Get(name).Status = model.StatusInProgress
		if err := o.store.ReplacePhase(number, phase); err != nil {
			o.log.Warn("failed to persist step start: %v", err)
		}
	}
	cs := name
	o.store.SetState(statestore.Patch{CurrentStep: &cs}) //nolint:errcheck
	o.emit(Event{Type: EventStepStarted, Phase: number, Step: name})

	prompt := o.cfg.PromptBuilder(phase, name, gapIteration)
	timer := prometheus.NewTimer(stepDuration.WithLabelValues(string(name)))
	phaseNum := number
	result := o.runner.RunCommand(ctx, prompt, agentrunner.Opts{Phase: &phaseNum, Step: name, Timeout: o.cfg.StepTimeout})
	timer.ObserveDuration()

	if !result.Success {
		o.log.Warn("step %s of phase %v failed: %s", name, number, result.Error)
		retryResult := o.runner.RunCommand(ctx, prompt, agentrunner.Opts{Phase: &phaseNum, Step: name, Timeout: o.cfg.StepTimeout})
		if !retryResult.Success {
			choice, err := o.escalate(number, name, retryResult.Error)
			if err != nil {
				o.aborting.Store(true)
				return stepAborted, nil
			}
			switch choice {
			case "retry":
				return o.runStep(ctx, number, name, gapIteration)
			case "skip":
				o.markStep(number, name, model.StatusSkipped)
				return stepSkippedByEscalation, nil
			default: // abort
				o.aborting.Store(true)
				return stepAborted, nil
			}
		}
		result = retryResult
	}

	if name == model.StepVerify {
		o.recordVerifyOutcome(number, result.Result)
	}

	o.emit(Event{Type: EventStepCompleted, Phase: number, Step: name})
	return stepSucceeded, nil
}

func (o *Orchestrator) recordVerifyOutcome(number float64, resultText string) {
	phase, _, ok := o.phaseByNumber(number)
	if !ok {
		return
	}
	if parseGaps(resultText) > 0 {
		phase.Verification.LastOutcome = "gaps"
	} else {
		phase.Verification.LastOutcome = "clean"
	}
	if err := o.store.ReplacePhase(number, phase); err != nil {
		o.log.Warn("failed to persist verify outcome: %v", err)
	}
}

// escalate marks the run as errored, persists, emits error:escalation,
// and blocks on a fixed retry/skip/abort question. It returns the
// chosen option's label.
func (o *Orchestrator) escalate(number float64, name model.StepName, lastErr string) (string, error) {
	errored := model.RunError
	if err := o.store.SetState(statestore.Patch{Status: &errored}); err != nil {
		o.log.Warn("failed to persist error status during escalation: %v", err)
	}
	o.store.Checkpoint() //nolint:errcheck

	o.emit(Event{
		Type:    EventErrorEscalation,
		Phase:   number,
		Step:    name,
		Message: lastErr,
	})

	phaseNum := number
	answers, err := o.questions.Ask(&phaseNum, name, []model.Question{{
		Question: escalationQuestionText,
		Header:   fmt.Sprintf("Step %s of phase %v failed: %s", name, number, lastErr),
		Options:  model.EscalationOptions,
	}}, o.cfg.EscalationTimeout)
	if err != nil {
		return "abort", err
	}

	choice := answers[escalationQuestionText]
	if choice != "abort" {
		running := model.RunRunning
		if err := o.store.SetState(statestore.Patch{Status: &running}); err != nil {
			o.log.Warn("failed to restore running status after escalation: %v", err)
		}
	}
	return choice, nil
}

// Shutdown cancels the in-flight agent command, rejects all pending
// questions, persists final state, and prevents any further phase from
// starting. It does not emit build:complete, since the run did not
// genuinely finish.
func (o *Orchestrator) Shutdown(reason string) {
	o.aborting.Store(true)
	o.runner.Cancel()
	o.questions.RejectAll(reason)
	if err := o.store.Checkpoint(); err != nil {
		o.log.Warn("failed to checkpoint state during shutdown: %v", err)
	}
}
