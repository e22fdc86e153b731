package handlerUtil

import (
	"errors"
	"yolodetect/internal/api/prediction"
	"yolodetect/pkg/log"
	"yolodetect/pkg/response"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/sirupsen/logrus"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

type ErrorHandler struct {
	logger *logrus.Logger
}

func New(logger *logrus.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger: logger,
	}
}

func (h *ErrorHandler) Handle(c *fiber.Ctx, requestID string, err error, path string, operation string) error {
	fields := log.Fields{
		"request_id": requestID,
		"error":      err.Error(),
		"path":       path,
		"operation":  operation,
	}

	if errors.Is(err, prediction.ErrInvalidScore) {
		h.logger.WithFields(fields).Warn("Invalid score filter")
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error: "min_score must be between 0 and 1",
			Code:  "VALIDATION_ERROR",
		})
	}

	if errors.Is(err, prediction.ErrPredictionNotFound) && !errors.Is(err, prediction.ErrStorageFailed) {
		h.logger.WithFields(fields).Warn("Prediction not found")
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error: "Prediction not found",
			Code:  "PREDICTION_NOT_FOUND",
		})
	}

	if errors.Is(err, prediction.ErrInferenceFailed) {
		h.logger.WithFields(fields).Error("Inference failed")
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "Inference failed",
			Code:    "INFERENCE_FAILED",
			Details: err.Error(),
		})
	}

	if errors.Is(err, prediction.ErrStorageFailed) {
		h.logger.WithFields(fields).Error("Storage failed")
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error: "Storage failed",
			Code:  "STORAGE_FAILED",
		})
	}

	var respErr *response.Error
	if errors.As(err, &respErr) {
		fields["code"] = respErr.Code
		h.logger.WithFields(fields).Warn("Operation failed with error response")
		return c.Status(respErr.Code).JSON(ErrorResponse{Error: respErr.Error()})
	}

	h.logger.WithFields(fields).Error("Unexpected error")

	return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
		Error: "An unexpected error occurred",
	})
}

func (h *ErrorHandler) HandleValidationError(c *fiber.Ctx, requestID string, err error, path string) error {
	h.logger.WithFields(log.Fields{
		"request_id": requestID,
		"error":      err.Error(),
		"path":       path,
	}).Warn("Validation failed")

	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
		Error: "Validation failed: " + err.Error(),
		Code:  "VALIDATION_ERROR",
	})
}

func (h *ErrorHandler) HandleRequestTimeout(c *fiber.Ctx) error {
	return c.Status(fiber.StatusRequestTimeout).JSON(utils.StatusMessage(fiber.StatusRequestTimeout))
}

func (h *ErrorHandler) HandleSuccess(c *fiber.Ctx, statusCode int, data interface{}) error {
	if data == nil {
		return c.SendStatus(statusCode)
	}
	return c.Status(statusCode).JSON(data)
}
