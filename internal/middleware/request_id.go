package middleware

import (
	"time"
	"yolodetect/pkg/utils"

	"github.com/gofiber/fiber/v2"
)

const RequestIDKey = "X-Request-ID"

// NewRequestIDMiddleware keeps a caller supplied X-Request-ID and mints a
// ULID otherwise. The id is echoed back in the response header.
func NewRequestIDMiddleware() fiber.Handler {
	utilsInstance := utils.New()

	return func(c *fiber.Ctx) error {
		requestID := c.Get(RequestIDKey)

		if requestID == "" {
			requestID, _ = utilsInstance.NewULIDFromTimestamp(time.Now())
		}

		c.Locals(RequestIDKey, requestID)
		c.Set(RequestIDKey, requestID)

		return c.Next()
	}
}
