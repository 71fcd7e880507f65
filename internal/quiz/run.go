package quiz

import (
	"fmt"
	"time"

	"github.com/ahrdadan/quizpilot/internal/fault"
	"github.com/ahrdadan/quizpilot/internal/model"
)

// transitions lists the allowed edges of the state machine. Failed and
// cancelled are reachable from every non terminal state.
var transitions = map[model.RunState][]model.RunState{
	model.RunStateIdle:       {model.RunStateLoggingIn, model.RunStateLocating, model.RunStateManual},
	model.RunStateLoggingIn:  {model.RunStateLocating, model.RunStateManual},
	model.RunStateLocating:   {model.RunStateAnswering, model.RunStateSubmitting, model.RunStateLoggingIn, model.RunStateCompleted, model.RunStateManual},
	model.RunStateAnswering:  {model.RunStateAnswering, model.RunStateSubmitting, model.RunStateManual},
	model.RunStateSubmitting: {model.RunStateCompleted, model.RunStateManual},
	model.RunStateManual:     {model.RunStateLocating},
}

// Run is one automation attempt. It is owned by the engine worker; other
// goroutines only see its snapshots.
type Run struct {
	ID           string
	QuizURL      string
	State        model.RunState
	StartedAt    time.Time
	UpdatedAt    time.Time
	FinishedAt   time.Time
	Answered     int
	Results      []model.QuestionResult
	ManualReason string
	LastError    *model.ErrorInfo
}

// NewRun returns an idle run.
func NewRun(id, quizURL string) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:        id,
		QuizURL:   quizURL,
		State:     model.RunStateIdle,
		StartedAt: now,
		UpdatedAt: now,
	}
}

func canTransition(from, to model.RunState) bool {
	if from.IsTerminal() {
		return false
	}
	if to == model.RunStateFailed || to == model.RunStateCancelled {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition moves the run to state to. Terminal states never move again.
func (r *Run) transition(to model.RunState) error {
	if !canTransition(r.State, to) {
		return fmt.Errorf("invalid transition %s -> %s", r.State, to)
	}

	now := time.Now().UTC()
	r.State = to
	r.UpdatedAt = now
	if to != model.RunStateManual {
		r.ManualReason = ""
	}
	if to.IsTerminal() {
		r.FinishedAt = now
	}
	return nil
}

// record appends the outcome of a question. Filled questions count as
// answered.
func (r *Run) record(q model.Question, a model.Answer, err error) {
	res := model.QuestionResult{
		Number: len(r.Results) + 1,
		Prompt: q.Prompt,
		Kind:   q.Kind,
		Answer: a,
		Filled: err == nil,
	}
	if err != nil {
		res.Error = fault.Detail(err)
	} else {
		r.Answered++
	}
	r.Results = append(r.Results, res)
}

func (r *Run) fail(err error) error {
	r.LastError = &model.ErrorInfo{
		Kind:   string(fault.KindOf(err)),
		Detail: fault.Detail(err),
	}
	return r.transition(model.RunStateFailed)
}

// Snapshot returns an immutable copy of the run.
func (r *Run) Snapshot() model.RunSnapshot {
	s := model.RunSnapshot{
		ID:           r.ID,
		QuizURL:      r.QuizURL,
		State:        r.State,
		StartedAt:    r.StartedAt,
		UpdatedAt:    r.UpdatedAt,
		Answered:     r.Answered,
		ManualReason: r.ManualReason,
	}
	if !r.FinishedAt.IsZero() {
		t := r.FinishedAt
		s.FinishedAt = &t
	}
	if r.LastError != nil {
		e := *r.LastError
		s.LastError = &e
	}
	if len(r.Results) > 0 {
		s.Results = make([]model.QuestionResult, len(r.Results))
		for i, res := range r.Results {
			res.Answer.ChoiceIDs = append([]string(nil), res.Answer.ChoiceIDs...)
			s.Results[i] = res
		}
	}
	return s
}
