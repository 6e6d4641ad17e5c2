// Package server exposes the orchestrator's state over a REST+SSE HTTP
// API for the local dashboard. Route handlers are thin: they read
// snapshots from narrow provider interfaces and return JSON, following
// the teacher's pkg/webui route-registration shape generalized away
// from Basic Auth (this API is localhost-only, single user, per spec).
// SSE framing is grounded on the pack's kadirpekel-hector a2a server,
// since the teacher itself has no streaming endpoint.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autopilot/internal/logbuf"
	"autopilot/internal/model"
	"autopilot/internal/orchestrator"
	"autopilot/internal/question"
)

// StateProvider exposes a read-only snapshot of orchestrator state.
type StateProvider interface {
	GetState() model.AutopilotState
}

// QuestionProvider exposes the question handler's introspection and
// resolution surface.
type QuestionProvider interface {
	Pending() []model.PendingQuestion
	Get(id string) (model.PendingQuestion, bool)
	Submit(id string, answers question.AnswerSet) error
}

// LogProvider exposes the ring buffer's snapshot-and-subscribe contract.
type LogProvider interface {
	Snapshot() []logbuf.Entry
	SnapshotAndSubscribe(l logbuf.Listener) []logbuf.Entry
}

// EventSource exposes the orchestrator's lifecycle event stream.
type EventSource interface {
	Subscribe(l orchestrator.Listener)
}

// QuestionEventSource exposes the question handler's pending/answered
// event stream.
type QuestionEventSource interface {
	Subscribe(l question.Listener)
}

// MilestoneProvider exposes the read-only milestone presentation view.
type MilestoneProvider interface {
	GetMilestones() (model.Milestones, error)
}

// Server is the HTTP+SSE dashboard server.
type Server struct {
	state          StateProvider
	questions      QuestionProvider
	logs           LogProvider
	events         EventSource
	questionEvents QuestionEventSource
	milestones     MilestoneProvider
	staticDir      string
	startedAt      time.Time

	mu          sync.Mutex
	subscribers map[chan sseEvent]struct{}

	httpServer *http.Server
}

type sseEvent struct {
	name string
	data []byte
}

// New constructs a Server. staticDir is the optional pre-built
// single-page dashboard asset directory; if it does not exist the
// server still serves the API routes.
func New(state StateProvider, questions QuestionProvider, logs LogProvider, events EventSource, questionEvents QuestionEventSource, milestones MilestoneProvider, staticDir string) *Server {
	s := &Server{
		state:          state,
		questions:      questions,
		logs:           logs,
		events:         events,
		questionEvents: questionEvents,
		milestones:     milestones,
		staticDir:      staticDir,
		startedAt:      time.Now().UTC(),
		subscribers:    make(map[chan sseEvent]struct{}),
	}

	logs.Snapshot() // touch the provider at construction time to fail fast on a nil dependency
	events.Subscribe(s.onOrchestratorEvent)
	questionEvents.Subscribe(s.onQuestionEvent)
	return s
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/phases", s.handlePhases)
	mux.HandleFunc("/api/questions", s.handleQuestions)
	mux.HandleFunc("/api/questions/", s.handleQuestionByID)
	mux.HandleFunc("/api/milestones", s.handleMilestones)
	mux.HandleFunc("/api/log/stream", s.handleLogStream)
	mux.Handle("/metrics", promhttp.Handler())

	if info, err := os.Stat(s.staticDir); err == nil && info.IsDir() {
		mux.HandleFunc("/", s.handleStatic)
	}
	return mux
}

// Listen binds the listening socket synchronously (so an address-in-use
// failure is reported immediately as an error, not a later goroutine
// crash) then serves in the background.
func (s *Server) Listen(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}

	s.httpServer = &http.Server{Handler: s.mux()}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			_ = err // best-effort; callers that care observe via /api/health
		}
	}()
	return nil
}

// Close ends every SSE connection, then closes the HTTP socket, draining
// in-flight requests.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	for ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, ch)
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Seconds(),
	})
}

// progress is a pure function of the phase list: done_steps / (phases*4) * 100,
// rounded. Skipped steps count as done. Never persisted, per spec's
// "derived progress, not stored".
func progress(phases []model.Phase) int {
	if len(phases) == 0 {
		return 0
	}
	done := 0
	total := len(phases) * 4
	for _, p := range phases {
		for _, step := range []model.Step{p.Steps.Discuss, p.Steps.Plan, p.Steps.Execute, p.Steps.Verify} {
			if step.Status == model.StatusDone || step.Status == model.StatusSkipped {
				done++
			}
		}
	}
	return int((float64(done) / float64(total) * 100) + 0.5)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	state := s.state.GetState()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        state.Status,
		"currentPhase":  state.CurrentPhase,
		"currentStep":   state.CurrentStep,
		"progress":      progress(state.Phases),
		"startedAt":     state.StartedAt,
		"lastUpdatedAt": state.LastUpdatedAt,
	})
}

func (s *Server) handlePhases(w http.ResponseWriter, _ *http.Request) {
	state := s.state.GetState()
	writeJSON(w, http.StatusOK, map[string]any{"phases": state.Phases})
}

func (s *Server) handleQuestions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"questions": s.questions.Pending()})
}

func (s *Server) handleQuestionByID(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Path[len("/api/questions/"):]
	if id == "" {
		writeError(w, http.StatusNotFound, "question id required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		q, ok := s.questions.Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, "no such pending question")
			return
		}
		writeJSON(w, http.StatusOK, q)

	case http.MethodPost:
		var body struct {
			Answers question.AnswerSet `json:"answers"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Answers == nil {
			writeError(w, http.StatusBadRequest, "missing or malformed answers body")
			return
		}
		if err := s.questions.Submit(id, body.Answers); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleMilestones(w http.ResponseWriter, _ *http.Request) {
	m, err := s.milestones.GetMilestones()
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	path := filepath.Join(s.staticDir, filepath.Clean(r.URL.Path))
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		http.ServeFile(w, r, path)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.staticDir, "index.html"))
}

// FS exposes the static directory as an fs.FS, useful for tests that
// want to assert on what the fallback would have served.
func (s *Server) FS() (fs.FS, error) {
	return os.DirFS(s.staticDir), nil
}
