package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/ahrdadan/quizpilot/internal/events"
)

const sseKeepAlive = 15 * time.Second

// statusEvent wraps the current status as the first message of a stream.
func (h *Handler) statusEvent() fiber.Map {
	return fiber.Map{
		"type":   "status",
		"status": h.ctrl.Status(),
	}
}

// StreamEvents streams run events via SSE
// GET /api/events
func (h *Handler) StreamEvents(c *fiber.Ctx) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("Transfer-Encoding", "chunked")

	sub := h.ctrl.Subscribe()
	initial := h.statusEvent()

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer h.ctrl.Unsubscribe(sub)

		data, _ := json.Marshal(initial)
		fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
		if err := w.Flush(); err != nil {
			return
		}

		ticker := time.NewTicker(sseKeepAlive)
		defer ticker.Stop()

		for {
			select {
			case ev, ok := <-sub:
				if !ok {
					return
				}
				data, _ := json.Marshal(ev)
				fmt.Fprintf(w, "event: run\ndata: %s\n\n", data)
			case <-ticker.C:
				fmt.Fprint(w, ": keep-alive\n\n")
			}

			// Client went away.
			if err := w.Flush(); err != nil {
				return
			}
		}
	})

	return nil
}

// HandleWebSocket streams run events over a websocket
// GET /api/ws
func (h *Handler) HandleWebSocket(c *websocket.Conn) {
	sub := h.ctrl.Subscribe()
	defer h.ctrl.Unsubscribe(sub)

	if err := c.WriteJSON(h.statusEvent()); err != nil {
		return
	}

	// Reads only detect the client closing the connection.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := c.WriteJSON(wsEvent(ev)); err != nil {
				return
			}
		}
	}
}

func wsEvent(ev events.Event) fiber.Map {
	return fiber.Map{
		"type":  "run",
		"event": ev,
	}
}
