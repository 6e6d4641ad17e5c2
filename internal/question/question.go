// Package question implements the human-in-the-loop escalation channel:
// an agent invocation that calls the question tool blocks on a
// per-question channel until the dashboard (or an internal caller)
// submits an answer, generalizing the teacher's AWAIT_USER channel-block
// pattern from a single hardcoded channel to an id-keyed registry.
package question

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"autopilot/internal/model"
)

// AnswerSet maps each question's text to the label of the option chosen.
// A multi-select question's answer is its chosen labels joined by ", ".
type AnswerSet map[string]string

// ErrRejected is returned to a waiter whose pending question was
// rejected (e.g. by shutdown) rather than answered.
type ErrRejected struct{ Reason string }

func (e *ErrRejected) Error() string { return fmt.Sprintf("question rejected: %s", e.Reason) }

// ErrNotFound is returned when submitting an answer for an unknown or
// already-resolved question id.
type ErrNotFound struct{ ID string }

func (e *ErrNotFound) Error() string { return fmt.Sprintf("no pending question with id %q", e.ID) }

type waiter struct {
	question model.PendingQuestion
	result   chan answerOrErr
}

type answerOrErr struct {
	answers AnswerSet
	err     error
}

// EventType names one of the two events a Handler emits.
type EventType string

// The question handler's event vocabulary.
const (
	EventPending  EventType = "question:pending"
	EventAnswered EventType = "question:answered"
)

// Event is emitted synchronously on every pending/answered transition.
type Event struct {
	Type     EventType
	Question model.PendingQuestion
}

// Listener receives every emitted event synchronously.
type Listener func(Event)

// Handler is the registry of pending questions awaiting a human answer.
// Each question is resolved at most once: Ask blocks the caller until
// either Submit or Reject is called for that id, or Ask's timeout (if
// non-zero) elapses.
type Handler struct {
	mu        sync.Mutex
	pending   map[string]*waiter
	listeners []Listener
}

// New creates an empty Handler.
func New() *Handler {
	return &Handler{pending: make(map[string]*waiter)}
}

// Subscribe registers a listener for every future pending/answered event.
func (h *Handler) Subscribe(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, l)
}

func (h *Handler) emit(e Event) {
	h.mu.Lock()
	listeners := make([]Listener, len(h.listeners))
	copy(listeners, h.listeners)
	h.mu.Unlock()
	for _, l := range listeners {
		l(e)
	}
}

// Ask registers a set of questions and blocks until answered, rejected,
// or the deadline elapses. phase is nil for questions asked outside any
// phase (e.g. the initial PRD discussion).
func (h *Handler) Ask(phase *float64, step model.StepName, questions []model.Question, timeout time.Duration) (AnswerSet, error) {
	id := uuid.NewString()
	pq := model.PendingQuestion{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		Phase:     phase,
		Step:      step,
		Questions: questions,
	}

	w := &waiter{question: pq, result: make(chan answerOrErr, 1)}

	h.mu.Lock()
	h.pending[id] = w
	h.mu.Unlock()
	h.emit(Event{Type: EventPending, Question: pq})

	var timer *time.Timer
	var deadline <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		deadline = timer.C
		defer timer.Stop()
	}

	select {
	case r := <-w.result:
		return r.answers, r.err
	case <-deadline:
		h.resolve(id)
		return nil, &ErrRejected{Reason: "timed out waiting for an answer"}
	}
}

// Submit answers a pending question by id. The answer set is keyed by
// question text; a multi-select answer's value is its labels joined by
// ", ". Submitting for an unknown id is an ErrNotFound.
func (h *Handler) Submit(id string, answers AnswerSet) error {
	w := h.resolve(id)
	if w == nil {
		return &ErrNotFound{ID: id}
	}
	w.result <- answerOrErr{answers: answers}
	h.emit(Event{Type: EventAnswered, Question: w.question})
	return nil
}

// Reject resolves a pending question with an error instead of an
// answer, used when the run is shutting down with questions still open.
func (h *Handler) Reject(id, reason string) error {
	w := h.resolve(id)
	if w == nil {
		return &ErrNotFound{ID: id}
	}
	w.result <- answerOrErr{err: &ErrRejected{Reason: reason}}
	return nil
}

// RejectAll resolves every currently pending question, used on shutdown
// so no goroutine is left blocked forever in Ask.
func (h *Handler) RejectAll(reason string) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.pending))
	for id := range h.pending {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		_ = h.Reject(id, reason)
	}
}

func (h *Handler) resolve(id string) *waiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.pending[id]
	if !ok {
		return nil
	}
	delete(h.pending, id)
	return w
}

// Pending returns a snapshot of all currently outstanding questions,
// oldest first, for the dashboard's /api/questions listing.
func (h *Handler) Pending() []model.PendingQuestion {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]model.PendingQuestion, 0, len(h.pending))
	for _, w := range h.pending {
		out = append(out, w.question)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Get returns a single pending question by id.
func (h *Handler) Get(id string) (model.PendingQuestion, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.pending[id]
	if !ok {
		return model.PendingQuestion{}, false
	}
	return w.question, true
}
