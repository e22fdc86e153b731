package context

import (
	"context"
	"github.com/gofiber/fiber/v2"
)

type ctxKey string

const (
	RequestIDKey ctxKey = "request_id"
	MessageIDKey ctxKey = "message_id"
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	requestID, ok := ctx.Value(RequestIDKey).(string)
	if !ok || requestID == "" {
		return "unknown"
	}
	return requestID
}

// FromMessage tags a context with a queue message id. The message id doubles
// as the request id so store and processor logs line up with the queue log.
func FromMessage(ctx context.Context, messageID string) context.Context {
	ctx = context.WithValue(ctx, MessageIDKey, messageID)
	return WithRequestID(ctx, messageID)
}

func GetMessageID(ctx context.Context) string {
	messageID, ok := ctx.Value(MessageIDKey).(string)
	if !ok {
		return ""
	}
	return messageID
}

func FromFiberCtx(c *fiber.Ctx) context.Context {
	ctx := context.Background()

	requestID, ok := c.Locals("X-Request-ID").(string)
	if !ok || requestID == "" {
		requestID = c.Get("X-Request-ID")

		if requestID == "" {
			requestID = "unknown"
		}
	}

	return WithRequestID(ctx, requestID)
}
