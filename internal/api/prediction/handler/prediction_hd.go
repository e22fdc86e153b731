package predictionHandler

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"yolodetect/internal/api/prediction"
	contextPkg "yolodetect/pkg/context"
	"yolodetect/pkg/handlerUtil"
	"yolodetect/pkg/log"

	"github.com/gofiber/fiber/v2"
)

const (
	predictTimeout = 2 * time.Minute
	queryTimeout   = 10 * time.Second
)

func (h *PredictionHandler) Predict(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)
	c, cancel := context.WithTimeout(contextPkg.FromFiberCtx(ctx), predictTimeout)
	defer cancel()

	errHandler := handlerUtil.New(h.log)

	h.log.WithFields(log.Fields{
		"request_id": requestID,
		"path":       ctx.Path(),
	}).Debug("Processing predict request")

	file, err := ctx.FormFile("file")
	if err != nil {
		return errHandler.HandleValidationError(ctx, requestID, errors.New("file is required"), ctx.Path())
	}
	if err := h.utils.ValidateImageFile(file); err != nil {
		return errHandler.HandleValidationError(ctx, requestID, err, ctx.Path())
	}

	src, err := file.Open()
	if err != nil {
		return errHandler.Handle(ctx, requestID, err, ctx.Path(), "predict")
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return errHandler.Handle(ctx, requestID, err, ctx.Path(), "predict")
	}

	summary, err := h.predictionService.Process(c, prediction.ProcessRequest{
		Image:  data,
		UserID: ctx.FormValue("user_id"),
	})
	if err != nil {
		return errHandler.Handle(ctx, requestID, err, ctx.Path(), "predict")
	}

	select {
	case <-c.Done():
		return errHandler.HandleRequestTimeout(ctx)
	default:
		return errHandler.HandleSuccess(ctx, fiber.StatusOK, summary)
	}
}

func (h *PredictionHandler) PredictFromS3(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)
	c, cancel := context.WithTimeout(contextPkg.FromFiberCtx(ctx), predictTimeout)
	defer cancel()

	errHandler := handlerUtil.New(h.log)

	var req prediction.PredictFromS3Request
	if err := ctx.BodyParser(&req); err != nil {
		return errHandler.HandleValidationError(ctx, requestID, err, ctx.Path())
	}
	if err := h.validator.Struct(req); err != nil {
		return errHandler.HandleValidationError(ctx, requestID, err, ctx.Path())
	}

	summary, err := h.predictionService.ProcessFromBlob(c, req)
	if err != nil {
		return errHandler.Handle(ctx, requestID, err, ctx.Path(), "predict_from_s3")
	}

	select {
	case <-c.Done():
		return errHandler.HandleRequestTimeout(ctx)
	default:
		return errHandler.HandleSuccess(ctx, fiber.StatusOK, summary)
	}
}

func (h *PredictionHandler) GetPrediction(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)
	c, cancel := context.WithTimeout(contextPkg.FromFiberCtx(ctx), queryTimeout)
	defer cancel()

	errHandler := handlerUtil.New(h.log)

	session, err := h.predictionService.GetPrediction(c, ctx.Params("uid"))
	if err != nil {
		return errHandler.Handle(ctx, requestID, err, ctx.Path(), "get_prediction")
	}

	return errHandler.HandleSuccess(ctx, fiber.StatusOK, prediction.NewPredictionResponse(session))
}

func (h *PredictionHandler) GetPredictionsByLabel(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)
	c, cancel := context.WithTimeout(contextPkg.FromFiberCtx(ctx), queryTimeout)
	defer cancel()

	errHandler := handlerUtil.New(h.log)

	refs, err := h.predictionService.GetPredictionsByLabel(c, ctx.Params("label"))
	if err != nil {
		return errHandler.Handle(ctx, requestID, err, ctx.Path(), "get_predictions_by_label")
	}

	return errHandler.HandleSuccess(ctx, fiber.StatusOK, refs)
}

func (h *PredictionHandler) GetPredictionsByScore(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)
	c, cancel := context.WithTimeout(contextPkg.FromFiberCtx(ctx), queryTimeout)
	defer cancel()

	errHandler := handlerUtil.New(h.log)

	minScore, err := strconv.ParseFloat(ctx.Params("min_score"), 64)
	if err != nil {
		return errHandler.Handle(ctx, requestID, prediction.ErrInvalidScore, ctx.Path(), "get_predictions_by_score")
	}

	refs, err := h.predictionService.GetPredictionsByScore(c, minScore)
	if err != nil {
		return errHandler.Handle(ctx, requestID, err, ctx.Path(), "get_predictions_by_score")
	}

	return errHandler.HandleSuccess(ctx, fiber.StatusOK, refs)
}

// GetPredictionImage serves the annotated image in the first format the
// client accepts.
func (h *PredictionHandler) GetPredictionImage(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)
	c, cancel := context.WithTimeout(contextPkg.FromFiberCtx(ctx), queryTimeout)
	defer cancel()

	errHandler := handlerUtil.New(h.log)

	path, err := h.predictionService.GetPredictionImagePath(c, ctx.Params("uid"))
	if err != nil {
		return errHandler.Handle(ctx, requestID, err, ctx.Path(), "get_prediction_image")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errHandler.Handle(ctx, requestID, prediction.ErrImageNotFound, ctx.Path(), "get_prediction_image")
	}

	accept := ctx.Get(fiber.HeaderAccept)
	switch {
	case strings.Contains(accept, "image/png"):
		ctx.Set(fiber.HeaderContentType, "image/png")
	case strings.Contains(accept, "image/jpeg"), strings.Contains(accept, "image/jpg"):
		ctx.Set(fiber.HeaderContentType, "image/jpeg")
	default:
		return errHandler.Handle(ctx, requestID, prediction.ErrNotAcceptable, ctx.Path(), "get_prediction_image")
	}

	return ctx.Status(fiber.StatusOK).Send(data)
}

// GetImage serves a stored image. The wildcard is a path below
// <upload_dir>/<type>, e.g. /image/original/42/20240101120000.jpg.
func (h *PredictionHandler) GetImage(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)
	errHandler := handlerUtil.New(h.log)

	imageType := ctx.Params("type")
	if imageType != "original" && imageType != "predicted" {
		return errHandler.Handle(ctx, requestID, prediction.ErrInvalidImageType, ctx.Path(), "get_image")
	}

	root := filepath.Join(h.uploadDir, imageType)
	path := filepath.Join(root, filepath.FromSlash(ctx.Params("*")))
	if rel, err := filepath.Rel(root, path); err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return errHandler.Handle(ctx, requestID, prediction.ErrImageNotFound, ctx.Path(), "get_image")
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return errHandler.Handle(ctx, requestID, prediction.ErrImageNotFound, ctx.Path(), "get_image")
	}

	return ctx.SendFile(path)
}
