package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrdadan/quizpilot/internal/fault"
	"github.com/ahrdadan/quizpilot/internal/model"
)

func TestClassify(t *testing.T) {
	tests := map[string]struct {
		scan       pageScan
		expState   model.QuizState
		expSettled bool
	}{
		"A submitted page should win over everything else.": {
			scan:       pageScan{Submitted: true, Questions: 3, Intro: true},
			expState:   model.QuizStateSubmitted,
			expSettled: true,
		},
		"A page with question blocks should be an active question.": {
			scan:       pageScan{Questions: 2},
			expState:   model.QuizStateQuestion,
			expSettled: true,
		},
		"A page with the take quiz control should be the intro.": {
			scan:       pageScan{Intro: true},
			expState:   model.QuizStateIntro,
			expSettled: true,
		},
		"A login page should settle as no quiz.": {
			scan:       pageScan{Login: true},
			expState:   model.QuizStateNone,
			expSettled: true,
		},
		"An empty page should not be settled.": {
			scan:       pageScan{Ready: "loading"},
			expState:   model.QuizStateNone,
			expSettled: false,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			state, settled := classify(test.scan)
			assert.Equal(test.expState, state)
			assert.Equal(test.expSettled, settled)
		})
	}
}

func TestParseQuestion(t *testing.T) {
	tests := map[string]struct {
		raw      string
		expQ     model.Question
		expErrIs error
	}{
		"Radio controls should make a multiple choice question.": {
			raw: `{"found":true,"total":2,"id":"question_1","has_text":true,"prompt":" What is 2+2? ",
				"radios":[{"id":"a1","label":"3","value":"1"},{"id":"a2","label":"4","value":"2","disabled":true}]}`,
			expQ: model.Question{
				Index:  0,
				Total:  2,
				ID:     "question_1",
				Prompt: "What is 2+2?",
				Kind:   model.QuestionKindMultipleChoice,
				Choices: []model.Choice{
					{ID: "a1", Label: "3", Value: "1"},
					{ID: "a2", Label: "4", Value: "2", Disabled: true},
				},
			},
		},
		"Checkbox controls should make a multiple select question with fallbacks for missing ids and labels.": {
			raw: `{"found":true,"total":1,"has_text":true,"prompt":"Pick primes",
				"checkboxes":[{"id":"","label":"","value":"x","selected":true},{"id":"c2","label":"3"}]}`,
			expQ: model.Question{
				Total:  1,
				Prompt: "Pick primes",
				Kind:   model.QuestionKindMultipleSelect,
				Choices: []model.Choice{
					{ID: "choice-0", Label: "Option", Value: "x", Selected: true},
					{ID: "c2", Label: "3"},
				},
			},
		},
		"A textarea should make an essay question.": {
			raw: `{"found":true,"total":1,"has_text":true,"prompt":"Explain.","textarea":"essay_1"}`,
			expQ: model.Question{
				Total:   1,
				Prompt:  "Explain.",
				Kind:    model.QuestionKindEssay,
				InputID: "essay_1",
			},
		},
		"A text input should make a short answer question.": {
			raw: `{"found":true,"total":1,"has_text":true,"prompt":"Capital of France?","text_input":"text"}`,
			expQ: model.Question{
				Total:   1,
				Prompt:  "Capital of France?",
				Kind:    model.QuestionKindShortAnswer,
				InputID: "text",
			},
		},
		"A missing question block should be an extraction error.": {
			raw:      `{"found":false,"total":0}`,
			expErrIs: fault.ErrExtraction,
		},
		"A block without question text should be an extraction error.": {
			raw:      `{"found":true,"total":1,"has_text":false,"radios":[{"id":"a"}]}`,
			expErrIs: fault.ErrExtraction,
		},
		"A block without answer controls should be an extraction error.": {
			raw:      `{"found":true,"total":1,"has_text":true,"prompt":"Q?"}`,
			expErrIs: fault.ErrExtraction,
		},
		"Garbage output should be an extraction error.": {
			raw:      `not json`,
			expErrIs: fault.ErrExtraction,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			q, err := parseQuestion(test.raw, 0)
			if test.expErrIs != nil {
				assert.ErrorIs(err, test.expErrIs)
				return
			}
			require.NoError(t, err)
			assert.Equal(test.expQ, q)
		})
	}
}

func TestSelectorsMerge(t *testing.T) {
	assert := assert.New(t)

	got := DefaultSelectors().Merge(Selectors{Question: ".my-question"})
	assert.Equal(".my-question", got.Question)
	assert.Equal(DefaultSelectors().Submit, got.Submit)
}
