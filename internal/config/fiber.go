package config

import (
	"github.com/gofiber/fiber/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

func NewFiber(logger *logrus.Logger, bodyLimit int64) *fiber.App {
	if bodyLimit <= 0 {
		bodyLimit = 10 * 1024 * 1024
	}

	app := fiber.New(
		fiber.Config{
			AppName:               "YOLO Detection Service",
			BodyLimit:             int(bodyLimit),
			DisableKeepalive:      false,
			StrictRouting:         true,
			CaseSensitive:         true,
			DisableStartupMessage: true,
			JSONEncoder:           jsoniter.Marshal,
			JSONDecoder:           jsoniter.Unmarshal,
		})

	logger.WithField("body_limit", bodyLimit).Debug("Fiber app created")

	return app
}
