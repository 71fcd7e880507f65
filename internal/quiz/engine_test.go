package quiz

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrdadan/quizpilot/internal/fault"
	"github.com/ahrdadan/quizpilot/internal/model"
)

type testEnv struct {
	browser    *fakeBrowser
	page       *fakePage
	store      *fakeStore
	rec        *recorder
	cancel     chan struct{}
	manualDone chan struct{}
	cfg        EngineConfig
}

func newTestEnv(page *fakePage) *testEnv {
	env := &testEnv{
		browser:    &fakeBrowser{},
		page:       page,
		store:      &fakeStore{},
		rec:        newRecorder(),
		cancel:     make(chan struct{}),
		manualDone: make(chan struct{}, 1),
	}
	env.cfg = EngineConfig{
		Browser:            env.browser,
		Page:               env.page,
		Store:              env.store,
		Policy:             firstChoice{},
		RetryBudget:        3,
		RetryDelay:         time.Millisecond,
		LoginChecks:        2,
		LoginCheckInterval: time.Millisecond,
		ManualPollInterval: 5 * time.Millisecond,
	}
	return env
}

func (env *testEnv) execute(t *testing.T) model.RunSnapshot {
	t.Helper()

	e, err := NewEngine(env.cfg)
	require.NoError(t, err)

	done := make(chan model.RunSnapshot, 1)
	go func() {
		done <- e.Execute(context.Background(), NewRun("run-1", "https://canvas.test/courses/1/quizzes/42"), Signals{
			Cancel:     env.cancel,
			ManualDone: env.manualDone,
		}, env.rec)
	}()

	select {
	case snap := <-done:
		return snap
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not finish, states so far: %v", env.rec.states())
		return model.RunSnapshot{}
	}
}

func TestEngineFullRun(t *testing.T) {
	assert := assert.New(t)

	env := newTestEnv(newFakePage(mcQuestion(0), mcQuestion(1), mcQuestion(2)))
	snap := env.execute(t)

	assert.Equal(model.RunStateCompleted, snap.State)
	assert.Equal(3, snap.Answered)
	assert.NotNil(snap.FinishedAt)
	assert.Nil(snap.LastError)
	assert.Equal([]model.RunState{
		model.RunStateIdle,
		model.RunStateLocating,
		model.RunStateAnswering,
		model.RunStateAnswering,
		model.RunStateAnswering,
		model.RunStateSubmitting,
		model.RunStateCompleted,
	}, env.rec.states())

	require.Len(t, snap.Results, 3)
	for i, res := range snap.Results {
		assert.Equal(i+1, res.Number)
		assert.True(res.Filled)
		assert.Empty(res.Error)
		assert.Equal([]string{"a"}, res.Answer.ChoiceIDs)
	}

	assert.Len(env.page.selected, 3)
	assert.Equal(1, env.page.submitCalls)
	assert.Equal(1, env.store.saves)
	assert.Equal(1, env.browser.stopped)
	assert.False(env.browser.IsAlive())
}

func TestEngineRestoresStoredCredential(t *testing.T) {
	assert := assert.New(t)

	env := newTestEnv(newFakePage(mcQuestion(0)))
	env.store.cred = model.Credential{Domain: "canvas.test", Cookies: []model.Cookie{{Name: "s", Value: "1"}}}
	snap := env.execute(t)

	assert.Equal(model.RunStateCompleted, snap.State)
	require.Len(t, env.browser.restored, 1)
	assert.Equal("canvas.test", env.browser.restored[0].Domain)
}

func TestEngineLoginNeedsManualIntervention(t *testing.T) {
	assert := assert.New(t)

	page := newFakePage(mcQuestion(0))
	page.loggedIn.Store(false)
	env := newTestEnv(page)

	var once sync.Once
	env.rec.on(model.RunStateManual, func() {
		once.Do(func() {
			// The operator logs in through the remote display.
			page.loggedIn.Store(true)
			env.manualDone <- struct{}{}
		})
	})

	snap := env.execute(t)

	assert.Equal(model.RunStateCompleted, snap.State)
	states := env.rec.states()
	require.GreaterOrEqual(t, len(states), 4)
	assert.Equal([]model.RunState{
		model.RunStateIdle,
		model.RunStateLoggingIn,
		model.RunStateManual,
		model.RunStateLocating,
	}, states[:4])
	assert.Equal("login required", env.rec.snaps[2].ManualReason)
	assert.Empty(env.rec.snaps[3].ManualReason)
	assert.GreaterOrEqual(env.store.saves, 1)
	assert.Zero(page.loginCalls)
}

func TestEngineSubmitsConfiguredLogin(t *testing.T) {
	assert := assert.New(t)

	page := newFakePage(mcQuestion(0))
	page.loggedIn.Store(false)
	page.loginWorks = true
	env := newTestEnv(page)
	env.cfg.Username = "student"
	env.cfg.Password = "secret"

	snap := env.execute(t)

	assert.Equal(model.RunStateCompleted, snap.State)
	assert.Equal(1, page.loginCalls)
	assert.NotContains(env.rec.states(), model.RunStateManual)
}

func TestEngineAutoResumesManualIntervention(t *testing.T) {
	assert := assert.New(t)

	page := newFakePage(mcQuestion(0))
	page.loggedIn.Store(false)
	env := newTestEnv(page)
	env.cfg.AutoResumeManual = true

	var once sync.Once
	env.rec.on(model.RunStateManual, func() {
		once.Do(func() {
			go func() {
				time.Sleep(20 * time.Millisecond)
				page.loggedIn.Store(true)
			}()
		})
	})

	snap := env.execute(t)

	assert.Equal(model.RunStateCompleted, snap.State)
	assert.Contains(env.rec.states(), model.RunStateManual)
}

func TestEngineManualTimeout(t *testing.T) {
	assert := assert.New(t)

	page := newFakePage(mcQuestion(0))
	page.loggedIn.Store(false)
	env := newTestEnv(page)
	env.cfg.ManualTimeout = 20 * time.Millisecond

	snap := env.execute(t)

	assert.Equal(model.RunStateFailed, snap.State)
	require.NotNil(t, snap.LastError)
	assert.Equal(string(fault.KindManualTimeout), snap.LastError.Kind)
}

func TestEngineExtractionFailure(t *testing.T) {
	assert := assert.New(t)

	page := newFakePage(mcQuestion(0))
	page.extractErr = fault.Newf(fault.KindExtraction, "extract question", "question 0 has no question text")
	env := newTestEnv(page)

	snap := env.execute(t)

	assert.Equal(model.RunStateFailed, snap.State)
	require.NotNil(t, snap.LastError)
	assert.Equal("extraction", snap.LastError.Kind)
	assert.Contains(snap.LastError.Detail, "no question text")
	assert.Equal(3, page.extractCalls)
	assert.Equal(1, env.browser.stopped)
}

func TestEngineCancelDuringAnswering(t *testing.T) {
	assert := assert.New(t)

	page := newFakePage(mcQuestion(0), mcQuestion(1), mcQuestion(2))
	env := newTestEnv(page)
	env.store.cred = model.Credential{Domain: "canvas.test", Cookies: []model.Cookie{{Name: "s", Value: "1"}}}

	var once sync.Once
	page.onSelect = func(q model.Question) {
		if q.Index == 1 {
			once.Do(func() { close(env.cancel) })
		}
	}

	snap := env.execute(t)

	assert.Equal(model.RunStateCancelled, snap.State)
	assert.Equal(2, snap.Answered)
	assert.NotContains(env.rec.states(), model.RunStateSubmitting)
	assert.Zero(page.submitCalls)
	assert.Equal(1, env.browser.stopped)
	assert.False(env.store.cred.IsZero())
}

func TestEngineTransientSelectFailureNeedsOperator(t *testing.T) {
	assert := assert.New(t)

	page := newFakePage(mcQuestion(0))
	calls := 0
	page.selectErr = func(model.Question) error {
		calls++
		return fault.Transient(fault.KindInteraction, "select answer", errors.New("element is disabled"))
	}
	env := newTestEnv(page)

	env.rec.on(model.RunStateManual, func() {
		close(env.cancel)
	})

	snap := env.execute(t)

	assert.Equal(model.RunStateCancelled, snap.State)
	assert.Equal(3, calls)
	assert.Contains(env.rec.states(), model.RunStateManual)
	assert.Zero(snap.Answered)
	require.Len(t, snap.Results, 1)
	assert.False(snap.Results[0].Filled)
	assert.Contains(snap.Results[0].Error, "element is disabled")
}

func TestEngineSubmitFailureNeedsOperator(t *testing.T) {
	assert := assert.New(t)

	page := newFakePage(mcQuestion(0))
	page.submitErr = fault.Transient(fault.KindInteraction, "click submit", errors.New("element is disabled"))
	env := newTestEnv(page)

	var once sync.Once
	env.rec.on(model.RunStateManual, func() {
		once.Do(func() {
			page.operatorSubmit()
			env.manualDone <- struct{}{}
		})
	})

	snap := env.execute(t)

	assert.Equal(model.RunStateCompleted, snap.State)
	assert.Nil(snap.LastError)
	assert.Equal(3, page.submitCalls)
	assert.Equal([]model.RunState{
		model.RunStateIdle,
		model.RunStateLocating,
		model.RunStateAnswering,
		model.RunStateSubmitting,
		model.RunStateManual,
		model.RunStateLocating,
		model.RunStateCompleted,
	}, env.rec.states())
	assert.Contains(env.rec.snaps[4].ManualReason, "could not submit quiz")
	assert.Contains(env.rec.snaps[4].ManualReason, "element is disabled")
}

func TestEngineSubmitRetriedAfterOperatorFix(t *testing.T) {
	assert := assert.New(t)

	page := newFakePage(mcQuestion(0), mcQuestion(1))
	page.submitErr = fault.Transient(fault.KindInteraction, "click submit", errors.New("submit control not found"))
	env := newTestEnv(page)

	var once sync.Once
	env.rec.on(model.RunStateManual, func() {
		once.Do(func() {
			page.setSubmitErr(nil)
			env.manualDone <- struct{}{}
		})
	})

	snap := env.execute(t)

	assert.Equal(model.RunStateCompleted, snap.State)
	assert.Equal(2, snap.Answered)
	// Answers are not given again after the pause.
	assert.Len(page.selected, 2)
	assert.Equal([]model.RunState{
		model.RunStateManual,
		model.RunStateLocating,
		model.RunStateSubmitting,
		model.RunStateCompleted,
	}, env.rec.states()[5:])
}

func TestEngineReviewBeforeSubmit(t *testing.T) {
	assert := assert.New(t)

	page := newFakePage(mcQuestion(0), mcQuestion(1))
	env := newTestEnv(page)
	env.cfg.ReviewBeforeSubmit = true
	// The quiz page is reachable, auto resume must still wait for the operator.
	env.cfg.AutoResumeManual = true

	var once sync.Once
	env.rec.on(model.RunStateManual, func() {
		once.Do(func() {
			go func() {
				time.Sleep(40 * time.Millisecond)
				env.manualDone <- struct{}{}
			}()
		})
	})

	snap := env.execute(t)

	assert.Equal(model.RunStateCompleted, snap.State)
	assert.Equal([]model.RunState{
		model.RunStateIdle,
		model.RunStateLocating,
		model.RunStateAnswering,
		model.RunStateAnswering,
		model.RunStateManual,
		model.RunStateLocating,
		model.RunStateSubmitting,
		model.RunStateCompleted,
	}, env.rec.states())
	assert.Equal(ReasonReview, env.rec.snaps[4].ManualReason)
	assert.Len(page.selected, 2)
	assert.Equal(1, page.submitCalls)
}

func TestEngineIgnoresStaleManualSignal(t *testing.T) {
	assert := assert.New(t)

	page := newFakePage(mcQuestion(0))
	page.detect = func() model.QuizState { return model.QuizStateNone }
	env := newTestEnv(page)
	// Sent while no manual intervention was pending.
	env.manualDone <- struct{}{}

	var once sync.Once
	env.rec.on(model.RunStateManual, func() {
		once.Do(func() {
			go func() {
				time.Sleep(40 * time.Millisecond)
				close(env.cancel)
			}()
		})
	})

	snap := env.execute(t)

	assert.Equal(model.RunStateCancelled, snap.State)
	assert.Equal([]model.RunState{
		model.RunStateIdle,
		model.RunStateLocating,
		model.RunStateManual,
		model.RunStateCancelled,
	}, env.rec.states())
}

func TestEngineSessionLost(t *testing.T) {
	assert := assert.New(t)

	page := newFakePage(mcQuestion(0))
	env := newTestEnv(page)
	env.rec.on(model.RunStateLocating, func() {
		env.browser.dead.Store(true)
	})

	snap := env.execute(t)

	assert.Equal(model.RunStateFailed, snap.State)
	require.NotNil(t, snap.LastError)
	assert.Equal("session_lost", snap.LastError.Kind)
}

func TestEngineSessionStartFailure(t *testing.T) {
	assert := assert.New(t)

	env := newTestEnv(newFakePage(mcQuestion(0)))
	env.browser.startErr = fault.New(fault.KindSessionStart, "start browser", errors.New("display :99 is not reachable"))

	snap := env.execute(t)

	assert.Equal(model.RunStateFailed, snap.State)
	require.NotNil(t, snap.LastError)
	assert.Equal("session_start", snap.LastError.Kind)
	assert.Equal([]model.RunState{model.RunStateIdle, model.RunStateFailed}, env.rec.states())
}

func TestEngineQuizAlreadySubmitted(t *testing.T) {
	assert := assert.New(t)

	page := newFakePage(mcQuestion(0))
	page.submitted = true
	env := newTestEnv(page)

	snap := env.execute(t)

	assert.Equal(model.RunStateCompleted, snap.State)
	assert.Zero(snap.Answered)
	assert.NotContains(env.rec.states(), model.RunStateAnswering)
}

func TestEngineQuizNotFound(t *testing.T) {
	assert := assert.New(t)

	page := newFakePage(mcQuestion(0))
	page.detect = func() model.QuizState { return model.QuizStateNone }
	env := newTestEnv(page)
	env.rec.on(model.RunStateManual, func() { close(env.cancel) })

	snap := env.execute(t)

	assert.Equal(model.RunStateCancelled, snap.State)
	require.GreaterOrEqual(t, len(env.rec.snaps), 3)
	manual := env.rec.snaps[len(env.rec.snaps)-2]
	assert.Equal(model.RunStateManual, manual.State)
	assert.Equal("quiz not found on page", manual.ManualReason)
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := NewEngine(EngineConfig{})
	assert.Error(t, err)
}
