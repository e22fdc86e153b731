package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type Middleware interface {
	NewRateLimiter(ctx *fiber.Ctx) error
	NewLoggingMiddleware(ctx *fiber.Ctx) error
	NewRequestIDMiddleware() fiber.Handler
	GetRequestID(ctx *fiber.Ctx) string
}

type middleware struct {
	rateLimitter        *rateLimiter
	loggingMiddleware   *loggingMiddleware
	requestIDMiddleware fiber.Handler
	log                 *logrus.Logger
}

// New builds the middleware set. reqRate is requests per second per client
// IP with bursts up to burstSize.
func New(logger *logrus.Logger, reqRate float64, burstSize int) Middleware {
	if reqRate <= 0 {
		reqRate = 50
	}
	if burstSize <= 0 {
		burstSize = 100
	}

	return &middleware{
		rateLimitter:        newRateLimiter(rate.Limit(reqRate), burstSize),
		loggingMiddleware:   newLoggingMiddleware(logger),
		requestIDMiddleware: NewRequestIDMiddleware(),
		log:                 logger,
	}
}

func (m *middleware) GetRequestID(ctx *fiber.Ctx) string {
	requestID, ok := ctx.Locals(RequestIDKey).(string)
	if !ok || requestID == "" {
		return "unknown"
	}
	return requestID
}

func (m *middleware) NewRequestIDMiddleware() fiber.Handler {
	return m.requestIDMiddleware
}
