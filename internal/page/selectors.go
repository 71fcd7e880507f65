package page

// Selectors holds every CSS selector the automation relies on. A layout
// change on the portal only needs a new set of selectors.
type Selectors struct {
	Question      string `json:"question" yaml:"question"`
	QuestionText  string `json:"question_text" yaml:"question_text"`
	Intro         string `json:"intro" yaml:"intro"`
	Next          string `json:"next" yaml:"next"`
	Submit        string `json:"submit" yaml:"submit"`
	Submitted     string `json:"submitted" yaml:"submitted"`
	LoginForm     string `json:"login_form" yaml:"login_form"`
	LoginUsername string `json:"login_username" yaml:"login_username"`
	LoginPassword string `json:"login_password" yaml:"login_password"`
	LoginSubmit   string `json:"login_submit" yaml:"login_submit"`
}

// DefaultSelectors targets Canvas LMS quizzes.
func DefaultSelectors() Selectors {
	return Selectors{
		Question:      ".question, .quiz_question",
		QuestionText:  ".question_text, .text",
		Intro:         "#take_quiz_link, .take_quiz_button, a[href*='/take']",
		Next:          "button.next-question, .next-question button, button.submit_button.next",
		Submit:        "#submit_quiz_button, #submit_quiz_form button[type='submit'], .submit_button:not(.next)",
		Submitted:     "#quiz-submission-version-table, .quiz_score, .quiz-submission, .submission_details",
		LoginForm:     "#login_form, form[action*='login']",
		LoginUsername: "#pseudonym_session_unique_id, input[name='username'], input[type='email']",
		LoginPassword: "#pseudonym_session_password, input[type='password']",
		LoginSubmit:   "#login_form button[type='submit'], form[action*='login'] [type='submit']",
	}
}

// Merge returns s with the non empty fields of o applied on top.
func (s Selectors) Merge(o Selectors) Selectors {
	pick := func(cur, over string) string {
		if over != "" {
			return over
		}
		return cur
	}
	return Selectors{
		Question:      pick(s.Question, o.Question),
		QuestionText:  pick(s.QuestionText, o.QuestionText),
		Intro:         pick(s.Intro, o.Intro),
		Next:          pick(s.Next, o.Next),
		Submit:        pick(s.Submit, o.Submit),
		Submitted:     pick(s.Submitted, o.Submitted),
		LoginForm:     pick(s.LoginForm, o.LoginForm),
		LoginUsername: pick(s.LoginUsername, o.LoginUsername),
		LoginPassword: pick(s.LoginPassword, o.LoginPassword),
		LoginSubmit:   pick(s.LoginSubmit, o.LoginSubmit),
	}
}
