package predictionService

import (
	"context"
	"time"
	"yolodetect/internal/api/prediction"
	predictionRepository "yolodetect/internal/api/prediction/repository"
	"yolodetect/internal/entity"
	"yolodetect/pkg/dedup"
	"yolodetect/pkg/inference"
	"yolodetect/pkg/s3"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

type IPredictionService interface {
	Process(ctx context.Context, req prediction.ProcessRequest) (entity.PredictionSummary, error)
	ProcessFromBlob(ctx context.Context, req prediction.PredictFromS3Request) (entity.PredictionSummary, error)
	GetPrediction(ctx context.Context, uid string) (entity.PredictionSession, error)
	GetPredictionsByLabel(ctx context.Context, label string) ([]entity.PredictionRef, error)
	GetPredictionsByScore(ctx context.Context, minScore float64) ([]entity.PredictionRef, error)
	GetPredictionImagePath(ctx context.Context, uid string) (string, error)
}

type Options struct {
	UploadDir        string
	InferenceWorkers int64
	Now              func() time.Time
	NewID            func() string
}

type predictionService struct {
	log       *logrus.Logger
	repo      predictionRepository.Repository
	dedup     dedup.IDedup
	detector  inference.IDetector
	s3        s3.ItfS3
	validator *validator.Validate
	workers   *semaphore.Weighted
	uploadDir string
	now       func() time.Time
	newID     func() string
}

func NewPredictionService(
	log *logrus.Logger,
	repo predictionRepository.Repository,
	dd dedup.IDedup,
	detector inference.IDetector,
	s3Client s3.ItfS3,
	validate *validator.Validate,
	opts Options,
) IPredictionService {
	if opts.UploadDir == "" {
		opts.UploadDir = "uploads"
	}
	if opts.InferenceWorkers <= 0 {
		opts.InferenceWorkers = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	return &predictionService{
		log:       log,
		repo:      repo,
		dedup:     dd,
		detector:  detector,
		s3:        s3Client,
		validator: validate,
		workers:   semaphore.NewWeighted(opts.InferenceWorkers),
		uploadDir: opts.UploadDir,
		now:       opts.Now,
		newID:     opts.NewID,
	}
}
