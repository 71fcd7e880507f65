package security

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllow(t *testing.T) {
	assert := assert.New(t)

	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(RateLimitConfig{RequestsPerWindow: 3, WindowDuration: time.Minute, BurstMax: 2})
	rl.now = func() time.Time { return now }

	_, ok := rl.Allow("a")
	assert.True(ok)
	info, ok := rl.Allow("a")
	assert.True(ok)
	assert.Equal(1, info.Remaining)

	// Burst of two within one second.
	_, ok = rl.Allow("a")
	assert.False(ok)

	// Other clients are independent.
	_, ok = rl.Allow("b")
	assert.True(ok)

	now = now.Add(2 * time.Second)
	info, ok = rl.Allow("a")
	assert.True(ok)
	assert.Zero(info.Remaining)

	now = now.Add(2 * time.Second)
	_, ok = rl.Allow("a")
	assert.False(ok, "window is full")

	now = now.Add(time.Minute)
	_, ok = rl.Allow("a")
	assert.True(ok, "window slid")
}

func TestIdempotencyStoreExpiry(t *testing.T) {
	assert := assert.New(t)

	now := time.Now()
	s := NewIdempotencyStore(time.Minute)
	s.now = func() time.Time { return now }

	s.Store("k", 202, "application/json", []byte(`{"ok":true}`))
	e, ok := s.Check("k")
	assert.True(ok)
	assert.Equal(202, e.Status)

	now = now.Add(2 * time.Minute)
	_, ok = s.Check("k")
	assert.False(ok)
}

func TestIdempotencyMiddlewareReplays(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	calls := 0
	app := fiber.New()
	app.Use(SecurityHeadersMiddleware())
	app.Post("/runs", IdempotencyMiddleware(NewIdempotencyStore(time.Hour)), func(c *fiber.Ctx) error {
		calls++
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"call": calls})
	})

	send := func(key string) (int, string, string) {
		req := httptest.NewRequest("POST", "/runs", nil)
		if key != "" {
			req.Header.Set(IdempotencyHeader, key)
		}
		resp, err := app.Test(req)
		require.NoError(err)
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body), resp.Header.Get("X-Idempotency-Replayed")
	}

	status, body, replayed := send("abc")
	assert.Equal(fiber.StatusAccepted, status)
	assert.JSONEq(`{"call":1}`, body)
	assert.Empty(replayed)

	status, body, replayed = send("abc")
	assert.Equal(fiber.StatusAccepted, status)
	assert.JSONEq(`{"call":1}`, body)
	assert.Equal("true", replayed)

	_, body, _ = send("")
	assert.JSONEq(`{"call":2}`, body)
	assert.Equal(2, calls)
}

func TestRateLimitMiddleware(t *testing.T) {
	assert := assert.New(t)

	app := fiber.New()
	app.Use(RateLimitMiddleware(NewRateLimiter(RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute})))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(fiber.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(fiber.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(resp.Header.Get("Retry-After"))
}
