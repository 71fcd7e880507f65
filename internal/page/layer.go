// Package page isolates the portal's DOM structure. Everything that knows
// about selectors, question blocks and answer controls lives here.
package page

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/ahrdadan/quizpilot/internal/fault"
	"github.com/ahrdadan/quizpilot/internal/log"
	"github.com/ahrdadan/quizpilot/internal/model"
)

// Defaults for page interactions.
const (
	DefaultDetectTimeout = 10 * time.Second
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultActionTimeout = 10 * time.Second
)

// Source hands out the automated page owned by the browser session manager.
type Source interface {
	Page() (*rod.Page, error)
}

// Config is the page layer configuration.
type Config struct {
	Selectors     Selectors
	DetectTimeout time.Duration
	PollInterval  time.Duration
	ActionTimeout time.Duration
	Logger        log.Logger
}

func (c *Config) defaults() {
	c.Selectors = DefaultSelectors().Merge(c.Selectors)
	if c.DetectTimeout <= 0 {
		c.DetectTimeout = DefaultDetectTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = DefaultActionTimeout
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "page.Layer"})
}

type evaluator func(ctx context.Context, js string, args ...any) (string, error)

// Layer locates and manipulates quiz elements. It keeps a cursor over the
// question blocks of the current page.
type Layer struct {
	src    Source
	cfg    Config
	eval   evaluator
	cursor int
	logger log.Logger
}

// NewLayer returns a page layer driving the page handed out by src.
func NewLayer(src Source, cfg Config) *Layer {
	cfg.defaults()
	l := &Layer{
		src:    src,
		cfg:    cfg,
		logger: cfg.Logger,
	}
	l.eval = l.rodEval
	return l
}

// Selectors returns the effective selectors.
func (l *Layer) Selectors() Selectors {
	return l.cfg.Selectors
}

// Reset moves the question cursor back to the first block.
func (l *Layer) Reset() {
	l.cursor = 0
}

func (l *Layer) rodEval(ctx context.Context, js string, args ...any) (string, error) {
	p, err := l.src.Page()
	if err != nil {
		return "", err
	}
	res, err := p.Context(ctx).Eval(js, args...)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (l *Layer) scan(ctx context.Context) (pageScan, error) {
	raw, err := l.eval(ctx, scanJS, l.cfg.Selectors)
	if err != nil {
		return pageScan{}, err
	}
	return parseScan(raw)
}

// DetectQuizState classifies the current page. It polls until a known
// marker shows up or the detect timeout passes, so partially loaded pages
// are tolerated.
func (l *Layer) DetectQuizState(ctx context.Context) (model.QuizState, error) {
	deadline := time.Now().Add(l.cfg.DetectTimeout)
	var lastErr error

	for {
		p, err := l.scan(ctx)
		if err == nil {
			state, settled := classify(p)
			if settled {
				return state, nil
			}
			lastErr = nil
		} else {
			if errors.Is(err, fault.ErrSessionLost) {
				return model.QuizStateNone, err
			}
			lastErr = err
		}

		if time.Now().After(deadline) {
			if lastErr != nil {
				return model.QuizStateNone, fault.Transient(fault.KindExtraction, "detect quiz state", lastErr)
			}
			return model.QuizStateNone, nil
		}

		select {
		case <-ctx.Done():
			return model.QuizStateNone, fault.Transient(fault.KindExtraction, "detect quiz state", ctx.Err())
		case <-time.After(l.cfg.PollInterval):
		}
	}
}

// LoginRequired reports whether the login form is on the page.
func (l *Layer) LoginRequired(ctx context.Context) (bool, error) {
	p, err := l.scan(ctx)
	if err != nil {
		return false, fault.Transient(fault.KindExtraction, "detect login form", err)
	}
	return p.Login, nil
}

// ExtractQuestion captures the question under the cursor.
func (l *Layer) ExtractQuestion(ctx context.Context) (model.Question, error) {
	raw, err := l.eval(ctx, questionJS, l.cfg.Selectors, l.cursor)
	if err != nil {
		if errors.Is(err, fault.ErrSessionLost) {
			return model.Question{}, err
		}
		return model.Question{}, fault.New(fault.KindExtraction, "extract question", err)
	}
	return parseQuestion(raw, l.cursor)
}

// SelectAnswer applies answer to question q.
func (l *Layer) SelectAnswer(ctx context.Context, q model.Question, answer model.Answer) error {
	p, err := l.actionPage(ctx)
	if err != nil {
		return err
	}

	if !q.HasChoices() {
		return l.typeAnswer(p, q, answer.Text)
	}

	if len(answer.ChoiceIDs) == 0 {
		return fault.Newf(fault.KindInteraction, "select answer", "no choice selected for question %d", q.Index)
	}

	for _, id := range answer.ChoiceIDs {
		pos, ok := choicePosition(q, id)
		if !ok {
			return fault.Newf(fault.KindInteraction, "select answer", "choice %q is not part of question %d", id, q.Index)
		}
		if q.Choices[pos].Selected {
			continue
		}

		el, err := p.ElementByJS(rod.Eval(`(s, i, type, k) => {
			const b = document.querySelectorAll(s.question)[i];
			return b ? b.querySelectorAll('input[type="' + type + '"]')[k] || null : null;
		}`, l.cfg.Selectors, q.Index, inputType(q.Kind), pos))
		if err != nil {
			return fault.Transient(fault.KindInteraction, "select answer", fmt.Errorf("choice %q not found: %w", id, err))
		}
		if err := l.click(el, "choice "+id); err != nil {
			return err
		}
	}

	return nil
}

func (l *Layer) typeAnswer(p *rod.Page, q model.Question, text string) error {
	if text == "" {
		return fault.Newf(fault.KindInteraction, "type answer", "empty answer for question %d", q.Index)
	}

	el, err := p.ElementByJS(rod.Eval(`(s, i) => {
		const b = document.querySelectorAll(s.question)[i];
		return b ? b.querySelector('textarea, input[type="text"]') : null;
	}`, l.cfg.Selectors, q.Index))
	if err != nil {
		return fault.Transient(fault.KindInteraction, "type answer", fmt.Errorf("input for question %d not found: %w", q.Index, err))
	}

	if err := ensureEnabled(el, "answer input"); err != nil {
		return err
	}
	if err := el.SelectAllText(); err != nil {
		return fault.Transient(fault.KindInteraction, "type answer", err)
	}
	if err := el.Input(text); err != nil {
		return fault.Transient(fault.KindInteraction, "type answer", err)
	}
	return nil
}

// Advance moves to the next question. It returns false when there is no
// further question on the page and no "next" control.
func (l *Layer) Advance(ctx context.Context) (bool, error) {
	sc, err := l.scan(ctx)
	if err != nil {
		return false, fault.Transient(fault.KindExtraction, "advance", err)
	}
	if l.cursor+1 < sc.Questions {
		l.cursor++
		return true, nil
	}

	p, err := l.actionPage(ctx)
	if err != nil {
		return false, err
	}
	has, el, err := p.Has(l.cfg.Selectors.Next)
	if err != nil {
		return false, fault.Transient(fault.KindInteraction, "advance", err)
	}
	if !has {
		return false, nil
	}
	if err := l.click(el, "next question"); err != nil {
		return false, err
	}
	if err := p.WaitLoad(); err != nil {
		l.logger.Debugf("Waiting for next question page: %v", err)
	}

	l.cursor = 0
	return true, nil
}

// SubmitCurrent submits the quiz, accepting the confirmation dialog.
func (l *Layer) SubmitCurrent(ctx context.Context) error {
	p, err := l.actionPage(ctx)
	if err != nil {
		return err
	}

	has, el, err := p.Has(l.cfg.Selectors.Submit)
	if err != nil {
		return fault.Transient(fault.KindInteraction, "submit quiz", err)
	}
	if !has {
		return fault.Transient(fault.KindInteraction, "submit quiz", errors.New("submit control not found"))
	}

	if _, err := p.Eval(`() => { window.confirm = () => true; }`); err != nil {
		l.logger.Warningf("Could not auto accept the submit confirmation: %v", err)
	}

	if err := l.click(el, "submit"); err != nil {
		return err
	}
	if err := p.WaitLoad(); err != nil {
		l.logger.Debugf("Waiting for submission page: %v", err)
	}

	l.cursor = 0
	return nil
}

// StartQuiz clicks the control that opens the quiz from its intro page.
func (l *Layer) StartQuiz(ctx context.Context) error {
	p, err := l.actionPage(ctx)
	if err != nil {
		return err
	}

	has, el, err := p.Has(l.cfg.Selectors.Intro)
	if err != nil {
		return fault.Transient(fault.KindInteraction, "start quiz", err)
	}
	if !has {
		return fault.Transient(fault.KindInteraction, "start quiz", errors.New("take quiz control not found"))
	}
	if err := l.click(el, "take quiz"); err != nil {
		return err
	}
	if err := p.WaitLoad(); err != nil {
		l.logger.Debugf("Waiting for quiz page: %v", err)
	}

	l.cursor = 0
	return nil
}

// SubmitLogin fills the login form with the given account and submits it.
func (l *Layer) SubmitLogin(ctx context.Context, username, password string) error {
	p, err := l.actionPage(ctx)
	if err != nil {
		return err
	}

	inputs := []struct {
		selector string
		value    string
	}{
		{l.cfg.Selectors.LoginUsername, username},
		{l.cfg.Selectors.LoginPassword, password},
	}
	for _, in := range inputs {
		el, err := p.Element(in.selector)
		if err != nil {
			return fault.Transient(fault.KindInteraction, "login", fmt.Errorf("element not found: %s", in.selector))
		}
		if err := el.SelectAllText(); err != nil {
			return fault.Transient(fault.KindInteraction, "login", err)
		}
		if err := el.Input(in.value); err != nil {
			return fault.Transient(fault.KindInteraction, "login", fmt.Errorf("failed to input value for %s: %w", in.selector, err))
		}
	}

	el, err := p.Element(l.cfg.Selectors.LoginSubmit)
	if err != nil {
		return fault.Transient(fault.KindInteraction, "login", fmt.Errorf("element not found: %s", l.cfg.Selectors.LoginSubmit))
	}
	if err := l.click(el, "login"); err != nil {
		return err
	}
	if err := p.WaitLoad(); err != nil {
		l.logger.Debugf("Waiting for login response: %v", err)
	}
	return nil
}

func (l *Layer) actionPage(ctx context.Context) (*rod.Page, error) {
	p, err := l.src.Page()
	if err != nil {
		return nil, err
	}
	return p.Context(ctx).Timeout(l.cfg.ActionTimeout), nil
}

func (l *Layer) click(el *rod.Element, what string) error {
	if err := ensureEnabled(el, what); err != nil {
		return err
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fault.Transient(fault.KindInteraction, "click "+what, err)
	}
	return nil
}

func ensureEnabled(el *rod.Element, what string) error {
	disabled, err := el.Disabled()
	if err != nil {
		return fault.Transient(fault.KindInteraction, what, err)
	}
	if disabled {
		return fault.Transient(fault.KindInteraction, what, errors.New("element is disabled"))
	}
	return nil
}
