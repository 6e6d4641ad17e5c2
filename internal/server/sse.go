package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"autopilot/internal/logbuf"
	"autopilot/internal/orchestrator"
	"autopilot/internal/question"
)

const logEntryEventName = "log-entry"

// orchestratorEventName maps a lifecycle event to its wire name, or ""
// for an event kind the dashboard does not surface over SSE (step start
// and step completion are too frequent to be useful as dashboard events
// and are left as internal/metrics-only signals).
func orchestratorEventName(t orchestrator.EventType) string {
	switch t {
	case orchestrator.EventPhaseStarted:
		return "phase-started"
	case orchestrator.EventPhaseCompleted:
		return "phase-completed"
	case orchestrator.EventErrorEscalation:
		return "error"
	case orchestrator.EventBuildComplete:
		return "build-complete"
	default:
		return ""
	}
}

// handleLogStream serves the single SSE endpoint: an initial burst of
// the logger's current snapshot, then every future log entry and
// orchestrator lifecycle event, each as a named SSE event.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprint(w, "retry: 10000\n\n")
	flusher.Flush()

	ch := make(chan sseEvent, 64)
	initial := s.logs.SnapshotAndSubscribe(func(e logbuf.Entry) {
		s.publish(ch, logEntryEventName, e)
	})

	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subscribers, ch)
		s.mu.Unlock()
	}()

	for _, e := range initial {
		if !s.writeSSE(w, flusher, logEntryEventName, e) {
			return
		}
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			if !s.writeSSERaw(w, flusher, evt.name, evt.data) {
				return
			}
		}
	}
}

func questionEventName(t question.EventType) string {
	switch t {
	case question.EventPending:
		return "question-pending"
	case question.EventAnswered:
		return "question-answered"
	default:
		return string(t)
	}
}

func (s *Server) onQuestionEvent(e question.Event) {
	s.mu.Lock()
	subs := make([]chan sseEvent, 0, len(s.subscribers))
	for ch := range s.subscribers {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	name := questionEventName(e.Type)
	for _, ch := range subs {
		s.publish(ch, name, e.Question)
	}
}

func (s *Server) onOrchestratorEvent(e orchestrator.Event) {
	s.mu.Lock()
	subs := make([]chan sseEvent, 0, len(s.subscribers))
	for ch := range s.subscribers {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	name := orchestratorEventName(e.Type)
	if name == "" {
		return
	}
	for _, ch := range subs {
		s.publish(ch, name, e)
	}
}

// publish marshals data once and best-effort delivers it; a subscriber
// whose channel is full is dropped rather than allowed to block the
// fan-out, per the log buffer's own back-pressure policy.
func (s *Server) publish(ch chan sseEvent, name string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	select {
	case ch <- sseEvent{name: name, data: payload}:
	default:
		s.mu.Lock()
		delete(s.subscribers, ch)
		s.mu.Unlock()
	}
}

// writeSSE marshals data and writes it as one SSE frame, returning false
// if the write failed (caller should remove the subscriber and stop).
func (s *Server) writeSSE(w http.ResponseWriter, flusher http.Flusher, name string, data any) bool {
	payload, err := json.Marshal(data)
	if err != nil {
		return true
	}
	return s.writeSSERaw(w, flusher, name, payload)
}

func (s *Server) writeSSERaw(w http.ResponseWriter, flusher http.Flusher, name string, payload []byte) bool {
	if _, err := fmt.Fprintf(w, "event: %s\n", name); err != nil {
		return false
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
