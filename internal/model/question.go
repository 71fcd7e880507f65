package model

// QuizState classifies the page currently loaded in the browser.
type QuizState string

const (
	QuizStateNone      QuizState = "no_quiz"
	QuizStateIntro     QuizState = "quiz_intro"
	QuizStateQuestion  QuizState = "question_active"
	QuizStateSubmitted QuizState = "quiz_submitted"
)

// QuestionKind is the answer control family of a question.
type QuestionKind string

const (
	QuestionKindMultipleChoice QuestionKind = "multiple_choice"
	QuestionKindMultipleSelect QuestionKind = "multiple_select"
	QuestionKindEssay          QuestionKind = "essay"
	QuestionKindShortAnswer    QuestionKind = "short_answer"
	QuestionKindUnknown        QuestionKind = "unknown"
)

// Choice is one selectable option of a question.
type Choice struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Value    string `json:"value,omitempty"`
	Selected bool   `json:"selected"`
	Disabled bool   `json:"disabled"`
}

// Question is a point-in-time snapshot of one quiz question. It must be
// captured again after every page mutation.
type Question struct {
	Index   int          `json:"index"`
	Total   int          `json:"total"`
	ID      string       `json:"id,omitempty"`
	Prompt  string       `json:"prompt"`
	Kind    QuestionKind `json:"kind"`
	Choices []Choice     `json:"choices,omitempty"`
	InputID string       `json:"input_id,omitempty"`
}

// HasChoices reports whether the question is answered by clicking choices.
func (q Question) HasChoices() bool {
	return q.Kind == QuestionKindMultipleChoice || q.Kind == QuestionKindMultipleSelect
}

// Answer is what an answer policy decided for a question.
type Answer struct {
	ChoiceIDs []string `json:"choice_ids,omitempty"`
	Text      string   `json:"text,omitempty"`
}

// IsEmpty reports whether the answer selects nothing.
func (a Answer) IsEmpty() bool {
	return len(a.ChoiceIDs) == 0 && a.Text == ""
}

// QuestionResult records what happened to one question during a run.
type QuestionResult struct {
	// Number counts answered attempts in run order, starting at 1.
	Number int          `json:"number"`
	Prompt string       `json:"prompt"`
	Kind   QuestionKind `json:"kind"`
	Answer Answer       `json:"answer"`
	Filled bool         `json:"filled"`
	Error  string       `json:"error,omitempty"`
}
