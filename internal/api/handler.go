package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ahrdadan/quizpilot/internal/control"
	"github.com/ahrdadan/quizpilot/internal/events"
	"github.com/ahrdadan/quizpilot/internal/fault"
	"github.com/ahrdadan/quizpilot/internal/model"
)

// Controller is the control surface the HTTP handlers drive.
type Controller interface {
	StartRun(quizURL string) (model.RunSnapshot, error)
	StopRun() bool
	SignalManualDone() bool
	Status() model.Status
	Health() control.Health
	History(ctx context.Context, limit int) ([]model.RunSnapshot, error)
	ClearCredentials() error
	Subscribe() <-chan events.Event
	Unsubscribe(ch <-chan events.Event)
}

// Handler handles API requests
type Handler struct {
	ctrl Controller
}

// NewHandler creates a new handler
func NewHandler(ctrl Controller) *Handler {
	return &Handler{ctrl: ctrl}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ErrorHandler is the custom error handler for Fiber
func ErrorHandler(c *fiber.Ctx, err error) error {
	return c.Status(statusOf(err)).JSON(Response{
		Success: false,
		Error:   err.Error(),
	})
}

func statusOf(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, fault.ErrRunInProgress), errors.Is(err, fault.ErrAlreadyRunning):
		return fiber.StatusConflict
	case errors.Is(err, model.ErrNotValid):
		return fiber.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, control.ErrClosed):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// StartRunRequest is the body of POST /api/runs.
type StartRunRequest struct {
	QuizURL string `json:"quiz_url"`
}

// RunLinks points at the endpoints following a run.
type RunLinks struct {
	Status string `json:"status"`
	SSE    string `json:"sse"`
	WS     string `json:"ws"`
}

// StartRunResponse is returned when a run is accepted.
type StartRunResponse struct {
	Run   model.RunSnapshot `json:"run"`
	Links RunLinks          `json:"links"`
}

// StartRun starts an automation run
// POST /api/runs
func (h *Handler) StartRun(c *fiber.Ctx) error {
	var req StartRunRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if req.QuizURL == "" {
		return fiber.NewError(fiber.StatusBadRequest, "quiz_url is required")
	}

	run, err := h.ctrl.StartRun(req.QuizURL)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusAccepted).JSON(Response{
		Success: true,
		Data: StartRunResponse{
			Run: run,
			Links: RunLinks{
				Status: "/api/status",
				SSE:    "/api/events",
				WS:     "/api/ws",
			},
		},
	})
}

// StopRun requests cancellation of the active run
// POST /api/runs/stop
func (h *Handler) StopRun(c *fiber.Ctx) error {
	return c.Status(fiber.StatusAccepted).JSON(Response{
		Success: true,
		Data: fiber.Map{
			"stopping": h.ctrl.StopRun(),
		},
	})
}

// ManualDone reports a finished manual step
// POST /api/runs/manual-done
func (h *Handler) ManualDone(c *fiber.Ctx) error {
	return c.Status(fiber.StatusAccepted).JSON(Response{
		Success: true,
		Data: fiber.Map{
			"accepted": h.ctrl.SignalManualDone(),
		},
	})
}

// Status returns the control status
// GET /api/status
func (h *Handler) Status(c *fiber.Ctx) error {
	return c.JSON(Response{
		Success: true,
		Data:    h.ctrl.Status(),
	})
}

// History lists archived runs
// GET /api/runs/history?limit=n
func (h *Handler) History(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	if limit < 1 || limit > 500 {
		return fiber.NewError(fiber.StatusBadRequest, "limit must be between 1 and 500")
	}

	runs, err := h.ctrl.History(c.UserContext(), limit)
	if err != nil {
		return err
	}

	return c.JSON(Response{
		Success: true,
		Data:    runs,
	})
}

// ClearCredentials drops the stored portal session
// DELETE /api/credentials
func (h *Handler) ClearCredentials(c *fiber.Ctx) error {
	if err := h.ctrl.ClearCredentials(); err != nil {
		return err
	}
	return c.JSON(Response{
		Success: true,
		Data: fiber.Map{
			"cleared": true,
		},
	})
}

// HealthCheck returns health status
func (h *Handler) HealthCheck(c *fiber.Ctx) error {
	health := h.ctrl.Health()

	code := fiber.StatusOK
	if !health.Healthy {
		code = fiber.StatusServiceUnavailable
	}

	return c.Status(code).JSON(Response{
		Success: health.Healthy,
		Data: fiber.Map{
			"health":    health,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
}
