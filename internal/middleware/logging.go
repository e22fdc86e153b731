package middleware

import (
	"strings"
	"time"
	"yolodetect/pkg/log"

	"github.com/gofiber/fiber/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var sensitiveFields = []string{
	"password", "token", "secret", "authorization", "credential",
	"access_key", "secret_key",
}

type loggingMiddleware struct {
	logger *logrus.Logger
}

func newLoggingMiddleware(logger *logrus.Logger) *loggingMiddleware {
	return &loggingMiddleware{
		logger: logger,
	}
}

// NewLoggingMiddleware writes one access log line per request.
func (m *middleware) NewLoggingMiddleware(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()

	status := c.Response().StatusCode()
	fields := log.Fields{
		"request_id":    m.GetRequestID(c),
		"method":        c.Method(),
		"path":          c.Path(),
		"status":        status,
		"latency_ms":    time.Since(start).Milliseconds(),
		"ip":            c.IP(),
		"user_agent":    c.Get("User-Agent"),
		"response_size": len(c.Response().Body()),
	}

	if strings.HasPrefix(string(c.Request().Header.ContentType()), fiber.MIMEApplicationJSON) {
		if body := c.Request().Body(); len(body) > 0 {
			fields["request_body"] = sanitizeRequestBody(body)
		}
	}

	entry := m.loggingMiddleware.logger.WithFields(fields)
	switch {
	case status >= 500:
		entry.Error("Server error")
	case status >= 400:
		entry.Warn("Client error")
	default:
		entry.Info("Success")
	}

	return err
}

func sanitizeRequestBody(body []byte) string {
	var jsonBody map[string]interface{}
	if err := json.Unmarshal(body, &jsonBody); err != nil {
		return "[non-JSON body]"
	}

	for _, field := range sensitiveFields {
		if _, exists := jsonBody[field]; exists {
			jsonBody[field] = "[SECRET]"
		}
	}

	sanitized, err := json.Marshal(jsonBody)
	if err != nil {
		return "[sanitization-failed]"
	}

	return string(sanitized)
}
