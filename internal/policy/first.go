// Package policy holds the answer selection strategies used by the quiz
// engine.
package policy

import (
	"context"

	"github.com/ahrdadan/quizpilot/internal/fault"
	"github.com/ahrdadan/quizpilot/internal/model"
)

// DefaultText is the answer First gives to free text questions.
const DefaultText = "N/A"

// First always picks the first enabled choice. Free text questions get a
// fixed text. It never talks to the network.
type First struct {
	Text string
}

// Choose returns the answer for q.
func (f First) Choose(_ context.Context, q model.Question) (model.Answer, error) {
	if !q.HasChoices() {
		text := f.Text
		if text == "" {
			text = DefaultText
		}
		return model.Answer{Text: text}, nil
	}

	for _, c := range q.Choices {
		if !c.Disabled {
			return model.Answer{ChoiceIDs: []string{c.ID}}, nil
		}
	}

	return model.Answer{}, fault.Newf(fault.KindPolicy, "choose answer", "question %d has no enabled choice", q.Index)
}
