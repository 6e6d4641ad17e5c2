package question

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/internal/model"
)

func sampleQuestions() []model.Question {
	return []model.Question{
		{Question: "Which database?", Options: []model.Option{{Label: "postgres"}, {Label: "sqlite"}}},
	}
}

func TestAskBlocksUntilSubmit(t *testing.T) {
	h := New()
	done := make(chan AnswerSet, 1)
	errs := make(chan error, 1)

	go func() {
		ans, err := h.Ask(nil, model.StepDiscuss, sampleQuestions(), 0)
		errs <- err
		done <- ans
	}()

	require.Eventually(t, func() bool {
		return len(h.Pending()) == 1
	}, time.Second, time.Millisecond)

	pending := h.Pending()
	require.NoError(t, h.Submit(pending[0].ID, AnswerSet{"Which database?": "postgres"}))

	require.NoError(t, <-errs)
	assert.Equal(t, AnswerSet{"Which database?": "postgres"}, <-done)
}

func TestSubmitUnknownIDReturnsNotFound(t *testing.T) {
	h := New()
	err := h.Submit("nope", AnswerSet{})
	var notFound *ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestQuestionResolvedAtMostOnce(t *testing.T) {
	h := New()
	go func() { _, _ = h.Ask(nil, model.StepPlan, sampleQuestions(), 0) }()

	require.Eventually(t, func() bool { return len(h.Pending()) == 1 }, time.Second, time.Millisecond)
	id := h.Pending()[0].ID

	require.NoError(t, h.Submit(id, AnswerSet{}))
	err := h.Submit(id, AnswerSet{})
	var notFound *ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestRejectAllUnblocksEveryWaiter(t *testing.T) {
	h := New()
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := h.Ask(nil, model.StepVerify, sampleQuestions(), 0)
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return len(h.Pending()) == 2 }, time.Second, time.Millisecond)
	h.RejectAll("shutting down")

	for i := 0; i < 2; i++ {
		err := <-errs
		var rejected *ErrRejected
		assert.ErrorAs(t, err, &rejected)
	}
	assert.Empty(t, h.Pending())
}

func TestAskTimesOut(t *testing.T) {
	h := New()
	_, err := h.Ask(nil, model.StepExecute, sampleQuestions(), 10*time.Millisecond)
	var rejected *ErrRejected
	assert.ErrorAs(t, err, &rejected)
	assert.Empty(t, h.Pending())
}

func TestGetReturnsQuestionByID(t *testing.T) {
	h := New()
	go func() { _, _ = h.Ask(nil, model.StepDiscuss, sampleQuestions(), 0) }()

	require.Eventually(t, func() bool { return len(h.Pending()) == 1 }, time.Second, time.Millisecond)
	id := h.Pending()[0].ID

	got, ok := h.Get(id)
	require.True(t, ok)
	assert.Equal(t, model.StepDiscuss, got.Step)

	_, ok = h.Get("missing")
	assert.False(t, ok)
}
