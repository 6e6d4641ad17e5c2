package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/internal/logbuf"
	"autopilot/internal/model"
	"autopilot/internal/orchestrator"
	"autopilot/internal/question"
)

type fakeState struct {
	state model.AutopilotState
}

func (f *fakeState) GetState() model.AutopilotState { return f.state }

type fakeQuestions struct {
	mu        sync.Mutex
	pending   map[string]model.PendingQuestion
	submitted map[string]question.AnswerSet
}

func newFakeQuestions() *fakeQuestions {
	return &fakeQuestions{pending: map[string]model.PendingQuestion{}, submitted: map[string]question.AnswerSet{}}
}

func (f *fakeQuestions) Pending() []model.PendingQuestion {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.PendingQuestion, 0, len(f.pending))
	for _, q := range f.pending {
		out = append(out, q)
	}
	return out
}

func (f *fakeQuestions) Get(id string) (model.PendingQuestion, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.pending[id]
	return q, ok
}

func (f *fakeQuestions) Submit(id string, answers question.AnswerSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pending[id]; !ok {
		return &question.ErrNotFound{ID: id}
	}
	delete(f.pending, id)
	f.submitted[id] = answers
	return nil
}

type noopEvents struct{}

func (noopEvents) Subscribe(orchestrator.Listener) {}

type noopQuestionEvents struct{}

func (noopQuestionEvents) Subscribe(question.Listener) {}

type emptyMilestones struct{}

func (emptyMilestones) GetMilestones() (model.Milestones, error) {
	return model.Milestones{Current: "phase 1"}, nil
}

func newTestServer(t *testing.T, state model.AutopilotState) (*Server, *fakeQuestions, *logbuf.Buffer) {
	t.Helper()
	buf := logbuf.New(50)
	fq := newFakeQuestions()
	s := New(&fakeState{state: state}, fq, buf, noopEvents{}, noopQuestionEvents{}, emptyMilestones{}, t.TempDir())
	return s, fq, buf
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t, model.Fresh())
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	s.mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestStatusEndpointComputesProgress(t *testing.T) {
	state := model.Fresh()
	state.Phases = []model.Phase{
		{Number: 1, Steps: model.Steps{
			Discuss: model.Step{Status: model.StatusDone}, Plan: model.Step{Status: model.StatusDone},
			Execute: model.Step{Status: model.StatusDone}, Verify: model.Step{Status: model.StatusSkipped},
		}},
		{Number: 2},
	}
	s, _, _ := newTestServer(t, state)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.mux().ServeHTTP(rec, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(50), body["progress"])
}

func TestQuestionsEndpointsRoundTrip(t *testing.T) {
	s, fq, _ := newTestServer(t, model.Fresh())
	fq.pending["q1"] = model.PendingQuestion{ID: "q1", Questions: []model.Question{{Question: "ok?"}}}

	req := httptest.NewRequest(http.MethodGet, "/api/questions", nil)
	rec := httptest.NewRecorder()
	s.mux().ServeHTTP(rec, req)
	assert.Contains(t, rec.Body.String(), "q1")

	body := strings.NewReader(`{"answers":{"ok?":"yes"}}`)
	req = httptest.NewRequest(http.MethodPost, "/api/questions/q1", body)
	rec = httptest.NewRecorder()
	s.mux().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/questions/q1", strings.NewReader(`{"answers":{"ok?":"yes"}}`))
	rec = httptest.NewRecorder()
	s.mux().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQuestionPostMissingBodyIsBadRequest(t *testing.T) {
	s, fq, _ := newTestServer(t, model.Fresh())
	fq.pending["q1"] = model.PendingQuestion{ID: "q1"}

	req := httptest.NewRequest(http.MethodPost, "/api/questions/q1", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()
	s.mux().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMilestonesEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t, model.Fresh())
	req := httptest.NewRequest(http.MethodGet, "/api/milestones", nil)
	rec := httptest.NewRecorder()
	s.mux().ServeHTTP(rec, req)

	var body model.Milestones
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "phase 1", body.Current)
}

func TestLogStreamInitialBurstThenLiveEntries(t *testing.T) {
	buf := logbuf.New(100)
	fq := newFakeQuestions()
	s := New(&fakeState{state: model.Fresh()}, fq, buf, noopEvents{}, noopQuestionEvents{}, emptyMilestones{}, t.TempDir())

	for i := 0; i < 5; i++ {
		buf.Log(logbuf.LevelInfo, "test", "pre")
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/log/stream", nil)
	ctx, cancel := context.WithTimeout(req.Context(), 200*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)

	done := make(chan struct{})
	go func() {
		s.handleLogStream(rec, req)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	buf.Log(logbuf.LevelInfo, "test", "live")
	<-done

	out := rec.Body.String()
	assert.Equal(t, 6, strings.Count(out, "event: log-entry"))
	assert.True(t, strings.Contains(out, "retry: 10000"))

	scanner := bufio.NewScanner(bytes.NewReader(rec.Body.Bytes()))
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataLines = append(dataLines, line)
		}
	}
	require.Len(t, dataLines, 6)
	assert.Contains(t, dataLines[5], "live")
}
