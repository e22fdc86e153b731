package predictionHandler

import (
	predictionService "yolodetect/internal/api/prediction/service"
	"yolodetect/internal/middleware"
	"yolodetect/pkg/utils"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

type PredictionHandler struct {
	log               *logrus.Logger
	validator         *validator.Validate
	middleware        middleware.Middleware
	predictionService predictionService.IPredictionService
	utils             utils.IUtils
	uploadDir         string
}

func New(
	log *logrus.Logger,
	validator *validator.Validate,
	middleware middleware.Middleware,
	ps predictionService.IPredictionService,
	utils utils.IUtils,
	uploadDir string,
) *PredictionHandler {
	if uploadDir == "" {
		uploadDir = "uploads"
	}

	return &PredictionHandler{
		log:               log,
		validator:         validator,
		middleware:        middleware,
		predictionService: ps,
		utils:             utils,
		uploadDir:         uploadDir,
	}
}

func (h *PredictionHandler) Start(srv fiber.Router) {
	srv.Post("/predict", h.middleware.NewRateLimiter, h.Predict)
	srv.Post("/predict-from-s3", h.middleware.NewRateLimiter, h.PredictFromS3)

	srv.Get("/prediction/:uid", h.GetPrediction)
	srv.Get("/prediction/:uid/image", h.GetPredictionImage)
	srv.Get("/predictions/label/:label", h.GetPredictionsByLabel)
	srv.Get("/predictions/score/:min_score", h.GetPredictionsByScore)

	srv.Get("/image/:type/*", h.GetImage)
}
