package quiz

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ahrdadan/quizpilot/internal/model"
)

type fakeBrowser struct {
	mu          sync.Mutex
	started     int
	stopped     int
	navigations []string
	restored    []model.Credential
	startErr    error
	navErr      error
	dead        atomic.Bool
	running     atomic.Bool
}

func (b *fakeBrowser) Start(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started++
	if b.startErr != nil {
		return b.startErr
	}
	b.running.Store(true)
	return nil
}

func (b *fakeBrowser) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped++
	b.running.Store(false)
	return nil
}

func (b *fakeBrowser) IsAlive() bool { return b.running.Load() && !b.dead.Load() }

func (b *fakeBrowser) RestoreCredentials(_ context.Context, cred model.Credential) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.restored = append(b.restored, cred)
	return nil
}

func (b *fakeBrowser) Navigate(_ context.Context, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.navigations = append(b.navigations, url)
	return b.navErr
}

func (b *fakeBrowser) CaptureCredentials(context.Context) (model.Credential, error) {
	return model.Credential{
		Domain:  "canvas.test",
		Cookies: []model.Cookie{{Name: "canvas_session", Value: "abc", Domain: "canvas.test", Path: "/"}},
	}, nil
}

// fakePage serves a fixed list of questions on a single quiz page.
type fakePage struct {
	mu sync.Mutex

	questions []model.Question
	cursor    int
	submitted bool

	loggedIn     atomic.Bool
	loginWorks   bool
	detect       func() model.QuizState
	extractErr   error
	submitErr    error
	selectErr    func(q model.Question) error
	onSelect     func(q model.Question)
	extractCalls int
	submitCalls  int
	loginCalls   int
	selected     []model.Answer
}

func newFakePage(questions ...model.Question) *fakePage {
	p := &fakePage{questions: questions}
	p.loggedIn.Store(true)
	return p
}

func (p *fakePage) DetectQuizState(context.Context) (model.QuizState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.submitted {
		return model.QuizStateSubmitted, nil
	}
	if !p.loggedIn.Load() {
		return model.QuizStateNone, nil
	}
	if p.detect != nil {
		return p.detect(), nil
	}
	return model.QuizStateQuestion, nil
}

func (p *fakePage) LoginRequired(context.Context) (bool, error) {
	return !p.loggedIn.Load(), nil
}

func (p *fakePage) SubmitLogin(context.Context, string, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loginCalls++
	if p.loginWorks {
		p.loggedIn.Store(true)
	}
	return nil
}

func (p *fakePage) StartQuiz(context.Context) error { return nil }

func (p *fakePage) ExtractQuestion(context.Context) (model.Question, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.extractCalls++
	if p.extractErr != nil {
		return model.Question{}, p.extractErr
	}
	return p.questions[p.cursor], nil
}

func (p *fakePage) SelectAnswer(_ context.Context, q model.Question, a model.Answer) error {
	p.mu.Lock()
	selectErr, onSelect := p.selectErr, p.onSelect
	p.mu.Unlock()

	if selectErr != nil {
		if err := selectErr(q); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.selected = append(p.selected, a)
	p.mu.Unlock()

	if onSelect != nil {
		onSelect(q)
	}
	return nil
}

func (p *fakePage) Advance(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cursor+1 < len(p.questions) {
		p.cursor++
		return true, nil
	}
	return false, nil
}

func (p *fakePage) SubmitCurrent(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitCalls++
	if p.submitErr != nil {
		return p.submitErr
	}
	p.submitted = true
	return nil
}

// operatorSubmit submits the quiz the way an operator would on the display.
func (p *fakePage) operatorSubmit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitted = true
}

func (p *fakePage) setSubmitErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitErr = err
}

func (p *fakePage) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor = 0
}

type fakeStore struct {
	mu    sync.Mutex
	cred  model.Credential
	saves int
}

func (s *fakeStore) Load() (model.Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred, !s.cred.IsZero()
}

func (s *fakeStore) Save(cred model.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = cred
	s.saves++
	return nil
}

type firstChoice struct{}

func (firstChoice) Choose(_ context.Context, q model.Question) (model.Answer, error) {
	if len(q.Choices) == 0 {
		return model.Answer{Text: "text"}, nil
	}
	return model.Answer{ChoiceIDs: []string{q.Choices[0].ID}}, nil
}

// recorder collects every published snapshot and runs hooks on states.
type recorder struct {
	mu    sync.Mutex
	snaps []model.RunSnapshot
	hooks map[model.RunState]func()
}

func newRecorder() *recorder {
	return &recorder{hooks: map[model.RunState]func(){}}
}

func (r *recorder) on(state model.RunState, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[state] = fn
}

func (r *recorder) Observe(snap model.RunSnapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, snap)
	hook := r.hooks[snap.State]
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
}

func (r *recorder) states() []model.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make([]model.RunState, 0, len(r.snaps))
	for _, s := range r.snaps {
		states = append(states, s.State)
	}
	return states
}

func mcQuestion(i int) model.Question {
	return model.Question{
		Index:  i,
		Prompt: "question",
		Kind:   model.QuestionKindMultipleChoice,
		Choices: []model.Choice{
			{ID: "a", Label: "A"},
			{ID: "b", Label: "B"},
		},
	}
}
