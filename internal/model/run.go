package model

import "time"

// RunState is a state of the quiz automation state machine.
type RunState string

const (
	RunStateIdle       RunState = "idle"
	RunStateLoggingIn  RunState = "logging_in"
	RunStateLocating   RunState = "locating_quiz"
	RunStateAnswering  RunState = "answering"
	RunStateSubmitting RunState = "submitting"
	RunStateCompleted  RunState = "completed"
	RunStateManual     RunState = "manual_intervention"
	RunStateFailed     RunState = "failed"
	RunStateCancelled  RunState = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s RunState) IsTerminal() bool {
	return s == RunStateCompleted || s == RunStateFailed || s == RunStateCancelled
}

// ErrorInfo is the user visible form of a run error.
type ErrorInfo struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// RunSnapshot is an immutable copy of an automation run, published after
// every state transition.
type RunSnapshot struct {
	ID           string           `json:"run_id"`
	QuizURL      string           `json:"quiz_url"`
	State        RunState         `json:"state"`
	StartedAt    time.Time        `json:"started_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
	Answered     int              `json:"answered"`
	Results      []QuestionResult `json:"results,omitempty"`
	ManualReason string           `json:"manual_reason,omitempty"`
	LastError    *ErrorInfo       `json:"last_error,omitempty"`
}

// Phase is the coarse controller status shown to the operator.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseRunning        Phase = "running"
	PhaseAwaitingManual Phase = "awaiting_manual_intervention"
	PhaseError          Phase = "error"
)

// Status is the control status snapshot returned by get_status.
type Status struct {
	Phase        Phase        `json:"phase"`
	Active       bool         `json:"active"`
	BrowserAlive bool         `json:"browser_alive"`
	// Display is where the operator watches the browser.
	Display      string       `json:"display,omitempty"`
	CDPEndpoint  string       `json:"cdp_endpoint,omitempty"`
	Run          *RunSnapshot `json:"run,omitempty"`
	LastError    *ErrorInfo   `json:"last_error,omitempty"`
	CheckedAt    time.Time    `json:"checked_at"`
}
