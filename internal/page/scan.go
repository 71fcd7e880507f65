package page

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ahrdadan/quizpilot/internal/fault"
	"github.com/ahrdadan/quizpilot/internal/model"
)

const scanJS = `(s) => {
	const count = (sel) => { try { return document.querySelectorAll(sel).length; } catch (e) { return 0; } };
	return JSON.stringify({
		ready: document.readyState,
		url: location.href,
		questions: count(s.question),
		intro: count(s.intro) > 0,
		submitted: count(s.submitted) > 0,
		login: count(s.login_form) > 0,
	});
}`

const questionJS = `(s, i) => {
	const blocks = Array.from(document.querySelectorAll(s.question));
	if (i >= blocks.length) {
		return JSON.stringify({found: false, total: blocks.length});
	}
	const b = blocks[i];
	const textEl = b.querySelector(s.question_text);
	const labelFor = (input) => {
		const parent = input.closest('label');
		if (parent) return parent.innerText.trim();
		if (input.id) {
			const l = document.querySelector('label[for="' + CSS.escape(input.id) + '"]');
			if (l) return l.innerText.trim();
		}
		return ((input.parentElement && input.parentElement.innerText) || '').trim();
	};
	const inputs = (type) => Array.from(b.querySelectorAll('input[type="' + type + '"]')).map((el) => ({
		id: el.id, label: labelFor(el), value: el.value, selected: el.checked, disabled: el.disabled,
	}));
	const area = b.querySelector('textarea');
	const text = b.querySelector('input[type="text"]');
	return JSON.stringify({
		found: true,
		total: blocks.length,
		id: b.id,
		has_text: !!textEl,
		prompt: textEl ? textEl.innerText.trim() : '',
		radios: inputs('radio'),
		checkboxes: inputs('checkbox'),
		textarea: area ? (area.id || 'textarea') : '',
		text_input: text ? (text.id || 'text') : '',
	});
}`

type pageScan struct {
	Ready     string `json:"ready"`
	URL       string `json:"url"`
	Questions int    `json:"questions"`
	Intro     bool   `json:"intro"`
	Submitted bool   `json:"submitted"`
	Login     bool   `json:"login"`
}

func parseScan(raw string) (pageScan, error) {
	var p pageScan
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return pageScan{}, fmt.Errorf("invalid page scan: %w", err)
	}
	return p, nil
}

// classify maps a page scan to a quiz state. settled is false while the page may
// still be loading content that would change the answer.
func classify(p pageScan) (state model.QuizState, settled bool) {
	switch {
	case p.Submitted:
		return model.QuizStateSubmitted, true
	case p.Questions > 0:
		return model.QuizStateQuestion, true
	case p.Intro:
		return model.QuizStateIntro, true
	case p.Login:
		return model.QuizStateNone, true
	default:
		return model.QuizStateNone, false
	}
}

type rawChoice struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Value    string `json:"value"`
	Selected bool   `json:"selected"`
	Disabled bool   `json:"disabled"`
}

type rawQuestion struct {
	Found      bool        `json:"found"`
	Total      int         `json:"total"`
	ID         string      `json:"id"`
	HasText    bool        `json:"has_text"`
	Prompt     string      `json:"prompt"`
	Radios     []rawChoice `json:"radios"`
	Checkboxes []rawChoice `json:"checkboxes"`
	Textarea   string      `json:"textarea"`
	TextInput  string      `json:"text_input"`
}

// parseQuestion turns the extraction script output into a snapshot. Missing
// structural markers are extraction errors.
func parseQuestion(raw string, index int) (model.Question, error) {
	const op = "extract question"

	var r rawQuestion
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return model.Question{}, fault.New(fault.KindExtraction, op, fmt.Errorf("invalid extraction result: %w", err))
	}
	if !r.Found {
		return model.Question{}, fault.Newf(fault.KindExtraction, op, "no question block at position %d (%d on page)", index, r.Total)
	}
	prompt := strings.TrimSpace(r.Prompt)
	if !r.HasText || prompt == "" {
		return model.Question{}, fault.Newf(fault.KindExtraction, op, "question %d has no question text", index)
	}

	q := model.Question{
		Index:  index,
		Total:  r.Total,
		ID:     r.ID,
		Prompt: prompt,
	}

	switch {
	case len(r.Radios) > 0:
		q.Kind = model.QuestionKindMultipleChoice
		q.Choices = toChoices(r.Radios)
	case len(r.Checkboxes) > 0:
		q.Kind = model.QuestionKindMultipleSelect
		q.Choices = toChoices(r.Checkboxes)
	case r.Textarea != "":
		q.Kind = model.QuestionKindEssay
		q.InputID = r.Textarea
	case r.TextInput != "":
		q.Kind = model.QuestionKindShortAnswer
		q.InputID = r.TextInput
	default:
		return model.Question{}, fault.Newf(fault.KindExtraction, op, "question %d has no answer controls", index)
	}

	return q, nil
}

func toChoices(raw []rawChoice) []model.Choice {
	choices := make([]model.Choice, 0, len(raw))
	for i, c := range raw {
		id := c.ID
		if id == "" {
			id = fmt.Sprintf("choice-%d", i)
		}
		label := strings.TrimSpace(c.Label)
		if label == "" {
			label = "Option"
		}
		choices = append(choices, model.Choice{
			ID:       id,
			Label:    label,
			Value:    c.Value,
			Selected: c.Selected,
			Disabled: c.Disabled,
		})
	}
	return choices
}

func choicePosition(q model.Question, id string) (int, bool) {
	for i, c := range q.Choices {
		if c.ID == id {
			return i, true
		}
	}
	return 0, false
}

func inputType(kind model.QuestionKind) string {
	if kind == model.QuestionKindMultipleSelect {
		return "checkbox"
	}
	return "radio"
}
