package security

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// IdempotencyHeader carries the client chosen idempotency key.
const IdempotencyHeader = "X-Idempotency-Key"

// RateLimitMiddleware limits requests per client. Clients are identified by
// their API key header, falling back to the remote IP.
func RateLimitMiddleware(rl *RateLimiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		clientID := c.Get("X-API-Key")
		if clientID == "" {
			clientID = c.IP()
		}

		info, ok := rl.Allow(clientID)
		c.Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		c.Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt.Unix(), 10))

		if !ok {
			retryAfter := int64(time.Until(info.ResetAt).Seconds()) + 1
			c.Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"success":     false,
				"error":       "Rate limit exceeded",
				"retry_after": retryAfter,
			})
		}

		return c.Next()
	}
}

// IdempotencyMiddleware replays the recorded response of a request that
// repeats an idempotency key. Only successful responses are recorded.
func IdempotencyMiddleware(store *IdempotencyStore) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.Get(IdempotencyHeader)
		if key == "" || c.Method() != fiber.MethodPost {
			return c.Next()
		}

		if entry, ok := store.Check(key); ok {
			c.Set("X-Idempotency-Replayed", "true")
			c.Set(fiber.HeaderContentType, entry.ContentType)
			return c.Status(entry.Status).Send(entry.Body)
		}

		if err := c.Next(); err != nil {
			return err
		}

		status := c.Response().StatusCode()
		if status >= 200 && status < 300 {
			store.Store(key, status, string(c.Response().Header.ContentType()), c.Response().Body())
		}
		return nil
	}
}

// SecurityHeadersMiddleware adds security headers and a request ID.
func SecurityHeadersMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Set("Content-Security-Policy", "default-src 'self'")

		requestID := c.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("X-Request-ID", requestID)
		c.Locals("requestID", requestID)

		return c.Next()
	}
}
