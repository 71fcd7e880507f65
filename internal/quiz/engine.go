// Package quiz drives one automation run through the quiz state machine.
package quiz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ahrdadan/quizpilot/internal/fault"
	"github.com/ahrdadan/quizpilot/internal/log"
	"github.com/ahrdadan/quizpilot/internal/model"
)

// Browser is the browser session the engine owns for the length of a run.
type Browser interface {
	Start(ctx context.Context) error
	Stop() error
	IsAlive() bool
	RestoreCredentials(ctx context.Context, cred model.Credential) error
	Navigate(ctx context.Context, url string) error
	CaptureCredentials(ctx context.Context) (model.Credential, error)
}

// Page knows how to read and drive the quiz pages.
type Page interface {
	DetectQuizState(ctx context.Context) (model.QuizState, error)
	LoginRequired(ctx context.Context) (bool, error)
	SubmitLogin(ctx context.Context, username, password string) error
	StartQuiz(ctx context.Context) error
	ExtractQuestion(ctx context.Context) (model.Question, error)
	SelectAnswer(ctx context.Context, q model.Question, answer model.Answer) error
	Advance(ctx context.Context) (bool, error)
	SubmitCurrent(ctx context.Context) error
	Reset()
}

// CredentialStore persists the portal session between runs.
type CredentialStore interface {
	Load() (model.Credential, bool)
	Save(cred model.Credential) error
}

// Policy decides the answer of a question.
type Policy interface {
	Choose(ctx context.Context, q model.Question) (model.Answer, error)
}

// Observer receives a snapshot after every state transition.
type Observer interface {
	Observe(snap model.RunSnapshot)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(snap model.RunSnapshot)

func (f ObserverFunc) Observe(snap model.RunSnapshot) { f(snap) }

// Defaults for the engine tuning.
const (
	DefaultRetryBudget        = 3
	DefaultRetryDelay         = time.Second
	DefaultLoginChecks        = 5
	DefaultLoginCheckInterval = 2 * time.Second
	DefaultManualPollInterval = 2 * time.Second
)

// EngineConfig is the configuration of the engine.
type EngineConfig struct {
	Browser Browser
	Page    Page
	Store   CredentialStore
	Policy  Policy

	// Username and Password are used to submit the login form once per login
	// attempt. Without them login is left to the operator.
	Username string
	Password string

	RetryBudget        int
	RetryDelay         time.Duration
	LoginChecks        int
	LoginCheckInterval time.Duration
	ManualPollInterval time.Duration
	// AutoResumeManual leaves manual intervention as soon as the page shows an
	// authenticated quiz page, without waiting for the operator signal.
	AutoResumeManual bool
	// ManualTimeout fails a run waiting on the operator for longer. Zero waits
	// forever.
	ManualTimeout time.Duration
	// ReviewBeforeSubmit hands a fully answered quiz to the operator instead
	// of submitting it. The operator either submits it or signals done to let
	// the run submit.
	ReviewBeforeSubmit bool

	Logger log.Logger
}

func (c *EngineConfig) defaults() error {
	if c.Browser == nil {
		return fmt.Errorf("browser is required")
	}
	if c.Page == nil {
		return fmt.Errorf("page is required")
	}
	if c.Store == nil {
		return fmt.Errorf("credential store is required")
	}
	if c.Policy == nil {
		return fmt.Errorf("policy is required")
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = DefaultRetryBudget
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.LoginChecks <= 0 {
		c.LoginChecks = DefaultLoginChecks
	}
	if c.LoginCheckInterval <= 0 {
		c.LoginCheckInterval = DefaultLoginCheckInterval
	}
	if c.ManualPollInterval <= 0 {
		c.ManualPollInterval = DefaultManualPollInterval
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "quiz.Engine"})

	return nil
}

// Signals are the control inputs a run observes at its checkpoints. Cancel
// is closed to request cancellation, ManualDone receives a value each time
// the operator reports a finished manual step.
type Signals struct {
	Cancel     <-chan struct{}
	ManualDone <-chan struct{}
}

func (s Signals) cancelled() bool {
	select {
	case <-s.Cancel:
		return true
	default:
		return false
	}
}

// Engine runs the quiz state machine.
type Engine struct {
	cfg    EngineConfig
	logger log.Logger
}

// NewEngine returns a new engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Engine{
		cfg:    cfg,
		logger: cfg.Logger,
	}, nil
}

type step struct {
	to     model.RunState
	reason string
}

// ReasonReview is the manual intervention reason of a quiz waiting for the
// operator to review the answers.
const ReasonReview = "answers ready for review"

func manual(reason string) step {
	return step{to: model.RunStateManual, reason: reason}
}

// session holds the per run state that is not published.
type session struct {
	run            *Run
	sig            Signals
	obs            Observer
	logger         log.Logger
	loginSubmitted bool
	manualSince    time.Time
	// readyToSubmit is set once every question was answered, so a resumed
	// run goes straight to submitting.
	readyToSubmit bool
	reviewPending bool
}

// Execute drives run until it reaches a terminal state and returns its final
// snapshot. obs sees a snapshot after every transition. The browser is
// released when the run ends; stored credentials are kept.
func (e *Engine) Execute(ctx context.Context, run *Run, sig Signals, obs Observer) model.RunSnapshot {
	if obs == nil {
		obs = ObserverFunc(func(model.RunSnapshot) {})
	}
	s := &session{
		run:    run,
		sig:    sig,
		obs:    obs,
		logger: e.logger.WithValues(log.Kv{"run": run.ID}),
	}

	defer func() {
		if err := e.cfg.Browser.Stop(); err != nil {
			s.logger.Warningf("Could not stop browser: %v", err)
		}
	}()

	e.publish(s)
	s.logger.Infof("Run started for %s", run.QuizURL)

	for !run.State.IsTerminal() {
		if sig.cancelled() {
			e.apply(s, step{to: model.RunStateCancelled})
			break
		}

		if run.State != model.RunStateIdle && !e.cfg.Browser.IsAlive() {
			e.failRun(s, fault.New(fault.KindSessionLost, string(run.State), errors.New("browser process is gone")))
			break
		}

		next, err := e.handle(ctx, s)
		switch {
		case errors.Is(err, fault.ErrCancelled):
			e.apply(s, step{to: model.RunStateCancelled})
		case err != nil:
			e.failRun(s, err)
		case sig.cancelled():
			// The step in flight completed, honor the stop before moving on.
			e.apply(s, step{to: model.RunStateCancelled})
		default:
			e.apply(s, next)
		}
	}

	s.logger.Infof("Run finished as %s after %d answers", run.State, run.Answered)
	return run.Snapshot()
}

func (e *Engine) handle(ctx context.Context, s *session) (step, error) {
	switch s.run.State {
	case model.RunStateIdle:
		return e.begin(ctx, s)
	case model.RunStateLoggingIn:
		return e.login(ctx, s)
	case model.RunStateManual:
		return e.awaitManual(ctx, s)
	case model.RunStateLocating:
		return e.locate(ctx, s)
	case model.RunStateAnswering:
		return e.answer(ctx, s)
	case model.RunStateSubmitting:
		return e.submit(ctx, s)
	}
	return step{}, fmt.Errorf("no handler for state %s", s.run.State)
}

func (e *Engine) apply(s *session, next step) {
	prev := s.run.State
	if err := s.run.transition(next.to); err != nil {
		e.failRun(s, err)
		return
	}
	if next.to == model.RunStateManual {
		s.run.ManualReason = next.reason
		if prev != model.RunStateManual {
			s.manualSince = time.Now()
			// Only a signal sent during this episode may end it.
			select {
			case <-s.sig.ManualDone:
			default:
			}
		}
		s.logger.Warningf("Waiting for manual intervention: %s", next.reason)
	}
	s.logger.Debugf("Transition %s -> %s", prev, next.to)
	e.publish(s)
}

func (e *Engine) failRun(s *session, err error) {
	s.logger.Errorf("Run failed in %s: %v", s.run.State, err)
	if ferr := s.run.fail(err); ferr != nil {
		s.logger.Errorf("Could not record failure: %v", ferr)
		return
	}
	e.publish(s)
}

func (e *Engine) publish(s *session) {
	s.obs.Observe(s.run.Snapshot())
}

// begin starts the browser, restores the stored session and opens the quiz.
func (e *Engine) begin(ctx context.Context, s *session) (step, error) {
	if err := e.cfg.Browser.Start(ctx); err != nil {
		return step{}, err
	}

	if cred, ok := e.cfg.Store.Load(); ok {
		if err := e.cfg.Browser.RestoreCredentials(ctx, cred); err != nil {
			s.logger.Warningf("Could not restore stored session: %v", err)
		} else {
			s.logger.Infof("Restored %d cookies for %s", len(cred.Cookies), cred.Domain)
		}
	}

	if err := e.openQuiz(ctx, s); err != nil {
		return step{}, err
	}

	required, err := e.cfg.Page.LoginRequired(ctx)
	if err != nil {
		return step{}, err
	}
	if required {
		return step{to: model.RunStateLoggingIn}, nil
	}
	return step{to: model.RunStateLocating}, nil
}

func (e *Engine) login(ctx context.Context, s *session) (step, error) {
	if e.cfg.Username != "" && !s.loginSubmitted {
		s.loginSubmitted = true
		if err := e.cfg.Page.SubmitLogin(ctx, e.cfg.Username, e.cfg.Password); err != nil {
			s.logger.Warningf("Could not submit login form: %v", err)
		}
	}

	for i := 0; i < e.cfg.LoginChecks; i++ {
		required, err := e.cfg.Page.LoginRequired(ctx)
		if err != nil && errors.Is(err, fault.ErrSessionLost) {
			return step{}, err
		}
		if err == nil && !required {
			s.logger.Infof("Login resolved")
			e.saveCredentials(ctx, s)
			if err := e.openQuiz(ctx, s); err != nil {
				return step{}, err
			}
			return step{to: model.RunStateLocating}, nil
		}

		if i+1 < e.cfg.LoginChecks {
			if err := e.wait(ctx, s, e.cfg.LoginCheckInterval); err != nil {
				return step{}, err
			}
		}
	}

	return manual("login required"), nil
}

// awaitManual waits for the operator. It stays responsive to cancellation
// while waiting.
func (e *Engine) awaitManual(ctx context.Context, s *session) (step, error) {
	ticker := time.NewTicker(e.cfg.ManualPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return step{}, fault.New(fault.KindCancelled, "manual intervention", ctx.Err())
		case <-s.sig.Cancel:
			return step{}, fault.ErrCancelled
		case <-s.sig.ManualDone:
			s.logger.Infof("Operator reported manual step done")
			s.reviewPending = false
			return e.resume(ctx, s)
		case <-ticker.C:
			if e.cfg.ManualTimeout > 0 && time.Since(s.manualSince) > e.cfg.ManualTimeout {
				return step{}, fault.Newf(fault.KindManualTimeout, "manual intervention", "no operator action within %s (%s)", e.cfg.ManualTimeout, s.run.ManualReason)
			}
			if !e.cfg.AutoResumeManual || s.reviewPending {
				continue
			}
			if !e.cfg.Browser.IsAlive() {
				return step{}, fault.New(fault.KindSessionLost, "manual intervention", errors.New("browser process is gone"))
			}
			if e.authenticatedQuiz(ctx, s) {
				s.logger.Infof("Authenticated quiz page detected, resuming")
				return e.resume(ctx, s)
			}
		}
	}
}

// authenticatedQuiz reports whether the page has left the login form and
// shows a quiz. The check is abandoned when the run is cancelled.
func (e *Engine) authenticatedQuiz(ctx context.Context, s *session) bool {
	pctx, stop := cancelOn(ctx, s.sig.Cancel)
	defer stop()

	required, err := e.cfg.Page.LoginRequired(pctx)
	if err != nil || required {
		return false
	}
	state, err := e.cfg.Page.DetectQuizState(pctx)
	return err == nil && state != model.QuizStateNone
}

func (e *Engine) resume(ctx context.Context, s *session) (step, error) {
	e.saveCredentials(ctx, s)

	state, err := e.cfg.Page.DetectQuizState(ctx)
	if err != nil && errors.Is(err, fault.ErrSessionLost) {
		return step{}, err
	}
	if err != nil || state == model.QuizStateNone {
		required, lerr := e.cfg.Page.LoginRequired(ctx)
		if lerr == nil && !required {
			if err := e.openQuiz(ctx, s); err != nil {
				return step{}, err
			}
		}
	}

	e.cfg.Page.Reset()
	return step{to: model.RunStateLocating}, nil
}

func (e *Engine) locate(ctx context.Context, s *session) (step, error) {
	misses, starts := 0, 0

	for {
		state, err := e.cfg.Page.DetectQuizState(ctx)
		if err != nil {
			if errors.Is(err, fault.ErrSessionLost) {
				return step{}, err
			}
			s.logger.Warningf("Could not detect quiz state: %v", err)
			state = model.QuizStateNone
		}

		switch state {
		case model.QuizStateQuestion:
			e.cfg.Page.Reset()
			if s.readyToSubmit {
				return step{to: model.RunStateSubmitting}, nil
			}
			return step{to: model.RunStateAnswering}, nil

		case model.QuizStateSubmitted:
			s.logger.Infof("Quiz already submitted")
			e.saveCredentials(ctx, s)
			return step{to: model.RunStateCompleted}, nil

		case model.QuizStateIntro:
			if starts >= e.cfg.RetryBudget {
				return manual("quiz could not be started"), nil
			}
			starts++
			if err := e.cfg.Page.StartQuiz(ctx); err != nil {
				if !fault.IsTransient(err) {
					return step{}, err
				}
				s.logger.Warningf("Could not start quiz (attempt %d): %v", starts, err)
				if err := e.wait(ctx, s, e.cfg.RetryDelay); err != nil {
					return step{}, err
				}
			}

		default:
			required, err := e.cfg.Page.LoginRequired(ctx)
			if err == nil && required {
				return step{to: model.RunStateLoggingIn}, nil
			}
			misses++
			if misses >= e.cfg.RetryBudget {
				return manual("quiz not found on page"), nil
			}
			if err := e.wait(ctx, s, e.cfg.RetryDelay); err != nil {
				return step{}, err
			}
		}
	}
}

// answer handles the question under the cursor. Each question is its own
// iteration so stops are honored between questions.
func (e *Engine) answer(ctx context.Context, s *session) (step, error) {
	var q model.Question
	err := e.retry(ctx, s, "extract question", isExtraction, func() error {
		var err error
		q, err = e.cfg.Page.ExtractQuestion(ctx)
		return err
	})
	if err != nil {
		return step{}, err
	}

	answer, err := e.cfg.Policy.Choose(ctx, q)
	if err != nil {
		s.run.record(q, model.Answer{}, err)
		return step{}, err
	}

	err = e.retry(ctx, s, "select answer", fault.IsTransient, func() error {
		return e.cfg.Page.SelectAnswer(ctx, q, answer)
	})
	if err != nil {
		s.run.record(q, answer, err)
		if fault.IsTransient(err) {
			return manual(fmt.Sprintf("could not answer question %d: %s", q.Index+1, fault.Detail(err))), nil
		}
		return step{}, err
	}
	s.run.record(q, answer, nil)
	s.logger.Infof("Answered question %d (%s)", s.run.Answered, q.Kind)

	var more bool
	err = e.retry(ctx, s, "advance", fault.IsTransient, func() error {
		var err error
		more, err = e.cfg.Page.Advance(ctx)
		return err
	})
	if err != nil {
		if fault.IsTransient(err) {
			return manual("could not move to the next question: " + fault.Detail(err)), nil
		}
		return step{}, err
	}

	if more {
		return step{to: model.RunStateAnswering}, nil
	}

	s.readyToSubmit = true
	if e.cfg.ReviewBeforeSubmit {
		s.reviewPending = true
		return manual(ReasonReview), nil
	}
	return step{to: model.RunStateSubmitting}, nil
}

func (e *Engine) submit(ctx context.Context, s *session) (step, error) {
	err := e.retry(ctx, s, "submit quiz", fault.IsTransient, func() error {
		return e.cfg.Page.SubmitCurrent(ctx)
	})
	if err != nil {
		if fault.IsTransient(err) {
			return manual("could not submit quiz: " + fault.Detail(err)), nil
		}
		return step{}, err
	}

	state, err := e.cfg.Page.DetectQuizState(ctx)
	if err != nil {
		return step{}, err
	}
	if state != model.QuizStateSubmitted {
		return step{}, fault.Newf(fault.KindInteraction, "confirm submission", "page shows %s after submit", state)
	}

	e.saveCredentials(ctx, s)
	return step{to: model.RunStateCompleted}, nil
}

func (e *Engine) openQuiz(ctx context.Context, s *session) error {
	err := e.retry(ctx, s, "navigate", isNavigation, func() error {
		return e.cfg.Browser.Navigate(ctx, s.run.QuizURL)
	})
	if err != nil {
		return err
	}
	e.cfg.Page.Reset()
	return nil
}

// saveCredentials stores the current session. Failures only lose the
// shortcut for the next run, so they are logged.
func (e *Engine) saveCredentials(ctx context.Context, s *session) {
	cred, err := e.cfg.Browser.CaptureCredentials(ctx)
	if err != nil {
		s.logger.Warningf("Could not capture session cookies: %v", err)
		return
	}
	if cred.IsZero() {
		s.logger.Warningf("No session cookies to store")
		return
	}
	if err := e.cfg.Store.Save(cred); err != nil {
		s.logger.Warningf("Could not store session cookies: %v", err)
		return
	}
	s.logger.Debugf("Stored %d session cookies", len(cred.Cookies))
}

// retry calls fn until it succeeds, returns an error retryable rejects, or
// the retry budget is spent.
func (e *Engine) retry(ctx context.Context, s *session, op string, retryable func(error) bool, fn func() error) error {
	var err error
	for attempt := 1; attempt <= e.cfg.RetryBudget; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, fault.ErrSessionLost) || !retryable(err) {
			return err
		}

		s.logger.Warningf("%s failed (attempt %d/%d): %v", op, attempt, e.cfg.RetryBudget, err)
		if attempt < e.cfg.RetryBudget {
			if werr := e.wait(ctx, s, e.cfg.RetryDelay); werr != nil {
				return werr
			}
		}
	}
	return err
}

// wait sleeps for d unless the run is cancelled first.
func (e *Engine) wait(ctx context.Context, s *session, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-s.sig.Cancel:
		return fault.ErrCancelled
	case <-ctx.Done():
		return fault.New(fault.KindCancelled, "wait", ctx.Err())
	}
}

func isExtraction(err error) bool { return errors.Is(err, fault.ErrExtraction) }

func isNavigation(err error) bool { return errors.Is(err, fault.ErrNavigation) }

// cancelOn returns a context that is also cancelled when done is closed.
func cancelOn(ctx context.Context, done <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
